package bouncer

import (
	"net/http"
)

// HTTPMiddleware fires the requester's bouncer in g for every request and
// passes the request on. Requests whose key is empty are passed on untouched.
// This function is compatible with both standard net/http and mux handlers.
func HTTPMiddleware(g *Group, keyGetter func(r *http.Request) string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key := keyGetter(r); key != "" {
				g.Fire(key)
			}

			next.ServeHTTP(w, r)
		})
	}
}
