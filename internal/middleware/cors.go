// Package middleware provides HTTP middleware for the oral exam API.
package middleware

import (
	"net/http"
	"strings"
)

// CORSOptions lists the request headers a browser may send and the response
// headers its scripts may read.
type CORSOptions struct {
	AllowHeaders  []string
	ExposeHeaders []string
}

// CORS returns middleware that handles CORS headers.
func CORS(allowedOrigins []string, opts CORSOptions) func(http.Handler) http.Handler {
	allowHeaders := strings.Join(append([]string{"Content-Type"}, opts.AllowHeaders...), ", ")
	exposeHeaders := strings.Join(opts.ExposeHeaders, ", ")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			for _, o := range allowedOrigins {
				if o == "*" || o == origin {
					allowed = true
					break
				}
			}

			if allowed && origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", allowHeaders)
				if exposeHeaders != "" {
					w.Header().Set("Access-Control-Expose-Headers", exposeHeaders)
				}
				// Only allow credentials for explicit origins, not wildcard matches.
				// Setting Allow-Credentials with a wildcard-echoed origin enables CSRF.
				for _, o := range allowedOrigins {
					if o != "*" && o == origin {
						w.Header().Set("Access-Control-Allow-Credentials", "true")
						break
					}
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
