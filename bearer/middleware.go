package bearer

import (
	"context"
	"net/http"
	"strings"
)

type claimsContextKey struct{}

// ClaimsFromContext retrieves the claims attached by Middleware.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(*Claims)
	return claims, ok
}

// TokenExtractor pulls a raw bearer token out of a request, returning ""
// when the request carries none.
type TokenExtractor func(*http.Request) string

// HeaderExtractor reads the Authorization header's Bearer scheme.
func HeaderExtractor() TokenExtractor {
	return func(r *http.Request) string {
		scheme, token, found := strings.Cut(r.Header.Get("Authorization"), " ")
		if !found || !strings.EqualFold(scheme, "Bearer") {
			return ""
		}
		return strings.TrimSpace(token)
	}
}

// Middleware gates API routes: the first extractor yielding a token wins,
// the token is verified and the claims attached to the request context.  A
// request with no token or a failing token is rejected with 401 before
// reaching next; absence is decided without any network call.  With no
// extractors given, the Authorization header is used.
func (v *Verifier) Middleware(next http.Handler, extractors ...TokenExtractor) http.Handler {
	if len(extractors) == 0 {
		extractors = []TokenExtractor{HeaderExtractor()}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var raw string
		for _, extract := range extractors {
			if raw = extract(r); raw != "" {
				break
			}
		}
		if raw == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		claims, err := v.Verify(r.Context(), raw)
		if err != nil {
			v.logger.Debug("bearer token rejected", "error", err)
			http.Error(w, "invalid bearer token", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), claimsContextKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
