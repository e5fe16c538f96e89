package main

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	secure "github.com/fanzplatform/fanz-secure"
	"github.com/fanzplatform/fanz-secure/auth"
	"github.com/fanzplatform/fanz-secure/csrf"
	"github.com/fanzplatform/fanz-secure/pipeline"
	"github.com/fanzplatform/fanz-secure/security"
	"github.com/fanzplatform/fanz-secure/validation"
	"github.com/fanzplatform/fanz-secure/webhook"
)

// Schema names used by the built-in routes
const (
	schemaLogin         = "login"
	schemaPaymentCharge = "payment_charge"
	schemaPostCreate    = "post_create"
)

func builtinSchemas() []validation.Schema {
	return []validation.Schema{
		{
			Name: schemaLogin,
			Fields: map[string]*validation.Field{
				"subject": {Type: validation.TypeString, Required: true, MinLength: 1, MaxLength: 64, Pattern: `^[a-zA-Z0-9_-]+$`},
				"role":    {Type: validation.TypeString, Enum: []string{"fan", "creator"}},
			},
		},
		{
			Name: schemaPaymentCharge,
			Fields: map[string]*validation.Field{
				"amount":   {Type: validation.TypeInteger, Required: true, Min: validation.Float(1), Max: validation.Float(1_000_000)},
				"currency": {Type: validation.TypeString, Required: true, Enum: []string{"USD", "EUR", "GBP"}},
				"creator":  {Type: validation.TypeString, Required: true, Format: validation.FormatUUID},
				"note":     {Type: validation.TypeString, MaxLength: 280, Sanitize: validation.SanitizeStrip},
			},
		},
		{
			Name: schemaPostCreate,
			Fields: map[string]*validation.Field{
				"title": {Type: validation.TypeString, Required: true, MinLength: 1, MaxLength: 140, Sanitize: validation.SanitizeStrip},
				"body":  {Type: validation.TypeString, Required: true, MaxLength: 20_000, Sanitize: validation.SanitizeUGC},
				"tags": {
					Type:      validation.TypeArray,
					MaxLength: 10,
					Items:     &validation.Field{Type: validation.TypeString, MaxLength: 32, Sanitize: validation.SanitizeStrip},
				},
			},
		},
	}
}

// newRouter mounts the demonstration API. The login route is only
// available in development mode since it issues sessions without
// checking credentials.
func (a *app) newRouter(metrics bool) http.Handler {
	p := a.pipeline
	r := mux.NewRouter()

	r.HandleFunc("/healthz", healthHandler).Methods(http.MethodGet)
	if metrics {
		r.Handle("/metrics", p.Wrap(pipeline.Route{
			Name:   "GET /metrics",
			Public: true,
		}, a.inst.MetricsHandler())).Methods(http.MethodGet)
	}

	if a.cfg.DevelopmentMode {
		r.Handle("/auth/login", p.Wrap(pipeline.Route{
			Name:       "POST /auth/login",
			Tier:       secure.TierAuth,
			Public:     true,
			CSRFExempt: true,
			Schema:     schemaLogin,
		}, a.loginHandler())).Methods(http.MethodPost)
	}

	r.Handle("/auth/logout", p.Wrap(pipeline.Route{
		Name: "POST /auth/logout",
		Tier: secure.TierAuth,
	}, a.logoutHandler())).Methods(http.MethodPost)

	r.Handle("/profile", p.Wrap(pipeline.Route{
		Name:         "GET /profile",
		Capabilities: []string{"profile:read"},
	}, http.HandlerFunc(profileHandler))).Methods(http.MethodGet)

	r.Handle("/payments/charge", p.Wrap(pipeline.Route{
		Name:         "POST /payments/charge",
		Tier:         secure.TierPayment,
		Capabilities: []string{"payments:charge"},
		Schema:       schemaPaymentCharge,
	}, http.HandlerFunc(acceptedHandler))).Methods(http.MethodPost)

	r.Handle("/posts", p.Wrap(pipeline.Route{
		Name:         "POST /posts",
		Capabilities: []string{"content:write"},
		Schema:       schemaPostCreate,
	}, http.HandlerFunc(acceptedHandler))).Methods(http.MethodPost)

	r.Handle("/webhooks/{sender}", p.Wrap(pipeline.Route{
		Name:       "POST /webhooks/{sender}",
		Public:     true,
		CSRFExempt: true,
		Webhook:    true,
		Sender:     func(r *http.Request) string { return mux.Vars(r)["sender"] },
	}, http.HandlerFunc(webhookHandler))).Methods(http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		p.Errors().Write(w, req, secure.NewNotFoundError())
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		p.Errors().Write(w, req, secure.NewMethodNotAllowedError())
	})

	return p.Handler(r)
}

func (a *app) loginHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		input, _ := validation.InputFromContext(r.Context())
		subject, _ := input["subject"].(string)
		role, _ := input["role"].(string)
		if role == "" {
			role = "fan"
		}

		fail := a.pipeline.Errors().Write
		expires, err := a.pipeline.Auth().SetSessionCookie(w, auth.TokenRequest{
			Subject:           subject,
			Roles:             []string{role},
			DeviceFingerprint: r.Header.Get(auth.DeviceFingerprintHeader),
		})
		if err != nil {
			fail(w, r, err)
			return
		}
		token, err := a.pipeline.CSRF().Rotate(w)
		if err != nil {
			fail(w, r, err)
			return
		}

		a.bus.Emit(r.Context(), security.Event{
			Type:      security.EventSessionIssued,
			Severity:  security.SeverityLow,
			Message:   "session issued",
			SubjectID: subject,
			Metadata:  map[string]any{"role": role},
		})
		writeJSON(w, http.StatusOK, map[string]any{
			"subject":   subject,
			"expiresAt": expires,
			"csrfToken": token,
		})
	})
}

func (a *app) logoutHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		a.pipeline.Auth().ClearSession(w)
		w.WriteHeader(http.StatusNoContent)
	})
}

func profileHandler(w http.ResponseWriter, r *http.Request) {
	sc, _ := secure.FromContext(r.Context())
	id := sc.Identity()
	writeJSON(w, http.StatusOK, map[string]any{
		"subject":      id.SubjectID,
		"roles":        id.Roles,
		"capabilities": id.Capabilities,
		"method":       id.Method,
		"csrfToken":    csrf.TokenFromContext(r.Context()),
	})
}

// acceptedHandler echoes the validated input.
func acceptedHandler(w http.ResponseWriter, r *http.Request) {
	input, _ := validation.InputFromContext(r.Context())
	writeJSON(w, http.StatusAccepted, map[string]any{
		"requestId": security.GetRequestID(r.Context()),
		"input":     input,
	})
}

func webhookHandler(w http.ResponseWriter, r *http.Request) {
	receipt, _ := webhook.ReceiptFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"sender":   receipt.Sender,
		"received": true,
	})
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
