package coisvr

import "net/http"

// Cross-origin isolation headers, browsers only expose SharedArrayBuffer
// (needed by threaded WebAssembly) to pages served with both of them.
const (
	HeaderCOOP = "Cross-Origin-Opener-Policy"
	HeaderCOEP = "Cross-Origin-Embedder-Policy"

	ValueCOOP = "same-origin"
	ValueCOEP = "require-corp"
)

// WithIsolationHeaders returns a handler that sets the cross-origin isolation
// headers before forwarding to h, so they are in every response h writes
// (files, listings, redirects, errors).
func WithIsolationHeaders(h http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(HeaderCOOP, ValueCOOP)
		w.Header().Set(HeaderCOEP, ValueCOEP)
		h.ServeHTTP(w, r)
	}
}
