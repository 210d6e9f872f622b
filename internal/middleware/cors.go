package middleware

import "net/http"

// Origins is an allowlist of browser origins. "*" allows any origin.
type Origins map[string]struct{}

func NewOrigins(allowed []string) Origins {
	out := make(Origins, len(allowed))
	for _, origin := range allowed {
		out[origin] = struct{}{}
	}
	return out
}

// Allowed reports whether origin may call the API. Requests without an
// Origin header are not browser cross-origin calls and always pass.
func (o Origins) Allowed(origin string) bool {
	if origin == "" {
		return true
	}
	if _, ok := o["*"]; ok {
		return true
	}
	_, ok := o[origin]
	return ok
}

func CORS(origins Origins) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && origins.Allowed(origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID, Last-Event-ID")
				w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
				w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
			}
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
