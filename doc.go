// Package secure holds the shared vocabulary of the Fanz security pipeline:
// the validated process configuration, the error taxonomy every stage
// returns, the per-request SecurityContext and the JSON error response.
//
// The stages themselves live in subpackages (auth, csrf, validation,
// webhook, security) and are assembled by package pipeline:
//
//	cfg, err := secure.LoadConfig()
//	if err != nil {
//		// *secure.ConfigError lists every invalid setting
//	}
//	p, err := pipeline.New(pipeline.Options{Security: cfg, Store: memory.New()})
//	...
//	mux.Handle("POST /payments/charge", p.Wrap(pipeline.Route{
//		Tier:         secure.TierPayment,
//		Capabilities: []string{"payments:charge"},
//		Schema:       "payment_charge",
//	}, charge))
//	http.ListenAndServe(":8080", p.Handler(mux))
//
// Clients only ever see an ErrorResponse with a stable code, a safe
// message and the request id. Causes stay in the logs.
package secure
