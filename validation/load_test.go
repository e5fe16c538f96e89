package validation

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const schemaYAML = `
schemas:
  - name: payment_charge
    fields:
      amount: {type: integer, required: true, min: 1, max: 100000}
      currency: {type: string, required: true, enum: [USD, EUR]}
      note:
        type: string
        maxLength: 140
        sanitize: strip
  - name: profile_update
    allowUnknown: true
    fields:
      handle: {type: string, pattern: "[a-z0-9_]{3,20}"}
      links:
        type: array
        maxLength: 5
        items: {type: string, format: url}
`

func TestLoadSchemas(t *testing.T) {
	schemas, err := LoadSchemas(strings.NewReader(schemaYAML))
	require.NoError(t, err)
	require.Len(t, schemas, 2)

	charge := schemas[0]
	assert.Equal(t, "payment_charge", charge.Name)
	require.Contains(t, charge.Fields, "amount")
	assert.Equal(t, TypeInteger, charge.Fields["amount"].Type)
	assert.True(t, charge.Fields["amount"].Required)
	require.NotNil(t, charge.Fields["amount"].Max)
	assert.Equal(t, float64(100000), *charge.Fields["amount"].Max)
	assert.Equal(t, SanitizeStrip, charge.Fields["note"].Sanitize)

	profile := schemas[1]
	assert.True(t, profile.AllowUnknown)
	assert.Equal(t, FormatURL, profile.Fields["links"].Items.Format)

	reg := NewRegistry()
	for _, s := range schemas {
		require.NoError(t, reg.Register(s))
	}
	_, err = reg.Validate("profile_update", map[string]any{"handle": "ok_name", "theme": "dark"})
	assert.NoError(t, err)
}

func TestLoadSchemas_Errors(t *testing.T) {
	_, err := LoadSchemas(strings.NewReader("schemas:\n  - name: x\n    fieldz: {}\n"))
	assert.Error(t, err, "unknown keys are rejected")

	schemas, err := LoadSchemas(strings.NewReader(""))
	assert.NoError(t, err)
	assert.Empty(t, schemas)
}

func TestRegistry_LoadFile(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "schemas.yaml")
	require.NoError(t, os.WriteFile(good, []byte(schemaYAML), 0o600))

	reg := NewRegistry()
	require.NoError(t, reg.LoadFile(good))
	assert.Equal(t, []string{"payment_charge", "profile_update"}, reg.Names())

	unsafe := filepath.Join(dir, "unsafe.yaml")
	require.NoError(t, os.WriteFile(unsafe, []byte(`
schemas:
  - name: bad
    fields:
      v: {type: string, pattern: "(a+)+$"}
`), 0o600))
	err := NewRegistry().LoadFile(unsafe)
	assert.ErrorIs(t, err, ErrUnsafePattern)

	assert.Error(t, NewRegistry().LoadFile(filepath.Join(dir, "missing.yaml")))
}
