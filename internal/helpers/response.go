package helpers

import "net/http"

// StatusWriter records the status code written through it.
type StatusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

// NewStatusWriter wraps w.
func NewStatusWriter(w http.ResponseWriter) *StatusWriter {
	return &StatusWriter{ResponseWriter: w}
}

// WriteHeader records code and forwards it.
func (s *StatusWriter) WriteHeader(code int) {
	if !s.written {
		s.status = code
		s.written = true
	}
	s.ResponseWriter.WriteHeader(code)
}

// Write marks an implicit 200 before forwarding b.
func (s *StatusWriter) Write(b []byte) (int, error) {
	if !s.written {
		s.status = http.StatusOK
		s.written = true
	}
	return s.ResponseWriter.Write(b)
}

// Status returns the written status, 200 when nothing was written.
func (s *StatusWriter) Status() int {
	if !s.written {
		return http.StatusOK
	}
	return s.status
}

// Written reports whether a status has been written.
func (s *StatusWriter) Written() bool {
	return s.written
}

// Unwrap supports http.ResponseController.
func (s *StatusWriter) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}
