package security

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	secure "github.com/fanzplatform/fanz-secure"
)

// HKDF info labels. Changing a label rotates every key derived from it.
const (
	infoSessionCookie = "fanz-secure/session-cookie/v1"
	infoCSRF          = "fanz-secure/csrf/v1"
	infoDeviceBinding = "fanz-secure/device-binding/v1"
)

// KeySize is the length of every derived key.
const KeySize = 32

// Keys holds the purpose-specific keys derived from the configured secrets.
// No two purposes share key material.
type Keys struct {
	// SessionCookie encrypts the session cookie (from ENCRYPTION_KEY)
	SessionCookie []byte

	// CSRF signs double-submit tokens (from CSRF_SECRET, else SESSION_SECRET)
	CSRF []byte

	// DeviceBinding computes device fingerprint claims (from SESSION_SECRET)
	DeviceBinding []byte
}

// DeriveKey expands secret into an n-byte key bound to info using
// HKDF-SHA256.
func DeriveKey(secret []byte, info string, n int) ([]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("cannot derive %s key from an empty secret", info)
	}
	key := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("failed to derive %s key: %w", info, err)
	}
	return key, nil
}

// DeriveKeys derives all sub-keys from cfg.
func DeriveKeys(cfg *secure.Config) (*Keys, error) {
	var (
		k   Keys
		err error
	)
	if k.SessionCookie, err = DeriveKey([]byte(cfg.EncryptionKey), infoSessionCookie, KeySize); err != nil {
		return nil, err
	}

	csrfSecret := cfg.CSRFSecret
	if csrfSecret == "" {
		csrfSecret = cfg.SessionSecret
	}
	if k.CSRF, err = DeriveKey([]byte(csrfSecret), infoCSRF, KeySize); err != nil {
		return nil, err
	}

	if k.DeviceBinding, err = DeriveKey([]byte(cfg.SessionSecret), infoDeviceBinding, KeySize); err != nil {
		return nil, err
	}
	return &k, nil
}
