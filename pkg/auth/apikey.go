package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// APIKeyMiddleware enforces the Bearer/X-API-Key check of spec.md §6.1:
// the presented key is compared in constant time against the configured
// one (the "rg_" key prefix is a convention and is not checked here). When
// allowInsecureDev is true and no apiKey is configured, every request is
// accepted and scoped to tenantID — used for local/dev only, matching
// config.Config's AllowInsecureDev flag. On success, a Principal scoped to
// tenantID is attached to the request context; onUnauthorized is called
// (never the wrapped handler) on failure.
func APIKeyMiddleware(apiKey, tenantID string, allowInsecureDev bool, onUnauthorized http.HandlerFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				if allowInsecureDev {
					next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), &BasePrincipal{TenantID: tenantID})))
					return
				}
				onUnauthorized(w, r)
				return
			}

			presented := extractKey(r)
			if presented == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(apiKey)) != 1 {
				onUnauthorized(w, r)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), &BasePrincipal{TenantID: tenantID})))
		})
	}
}

func extractKey(r *http.Request) string {
	if v := r.Header.Get("X-API-Key"); v != "" {
		return v
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}
