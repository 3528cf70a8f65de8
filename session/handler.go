package session

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"oidcrp/oidc"
)

type userContextKey struct{}

// UserFromContext returns the claims attached by RequireSession.
func UserFromContext(ctx context.Context) (map[string]interface{}, bool) {
	claims, ok := ctx.Value(userContextKey{}).(map[string]interface{})
	return claims, ok
}

// CallbackHandler handles the provider's redirect back (the registered
// redirect URI, e.g. /api/oauth/callback).  Provider-reported errors map to
// 401, protocol errors (stale callback, state mismatch, expired attempt) to
// 400 and provider failures to 502.  Success redirects to the captured
// return target.
func CallbackHandler(f *Flow) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if e := q.Get("error"); e != "" {
			msg := e
			if desc := q.Get("error_description"); desc != "" {
				msg += ": " + desc
			}
			http.Error(w, msg, http.StatusUnauthorized)
			return
		}
		code := q.Get("code")
		if code == "" {
			http.Error(w, "missing authorization code", http.StatusBadRequest)
			return
		}
		store, err := f.Store(w, r)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		res, err := f.Callback(r.Context(), store, code, q.Get("state"))
		switch {
		case err == nil:
			http.Redirect(w, r, res.RedirectTo, http.StatusFound)
		case errors.Is(err, oidc.ErrMissingVerifier),
			errors.Is(err, oidc.ErrResponseStateInvalid),
			errors.Is(err, oidc.ErrExpiredRequest):
			http.Error(w, "invalid callback", http.StatusBadRequest)
		case errors.Is(err, oidc.ErrDiscoveryFailed),
			errors.Is(err, oidc.ErrTokenExchangeFailed):
			http.Error(w, "authentication failed", http.StatusBadGateway)
		default:
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	})
}

// LoginHandler starts a fresh authorization redirect.  An optional
// return_to query parameter sets where the user lands after login; only
// local paths are accepted, anything else falls back to the configured
// default.
func LoginHandler(f *Flow) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		store, err := f.Store(w, r)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		res, err := f.Begin(r.Context(), store, safeReturnTo(r.URL.Query().Get("return_to")))
		if err != nil {
			http.Error(w, "authentication unavailable", http.StatusBadGateway)
			return
		}
		http.Redirect(w, r, res.RedirectTo, http.StatusFound)
	})
}

// LogoutHandler purges the session and redirects: to the provider's
// end-session URL when one can be built, otherwise to the configured
// default page.
func LogoutHandler(f *Flow) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		store, err := f.Store(w, r)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		u, err := f.Logout(r.Context(), store)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if u == "" {
			u = f.cfg.DefaultReturnTo
		}
		http.Redirect(w, r, u, http.StatusFound)
	})
}

// RequireSession is page middleware: it runs one state machine pass and
// either invokes next with the user's claims in the request context or
// issues the redirect the pass decided on.
func RequireSession(f *Flow, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		store, err := f.Store(w, r)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		res, err := f.Authenticate(r.Context(), store, r.URL)
		switch {
		case err == nil:
		case errors.Is(err, oidc.ErrMissingVerifier),
			errors.Is(err, oidc.ErrResponseStateInvalid),
			errors.Is(err, oidc.ErrExpiredRequest):
			http.Error(w, "invalid callback", http.StatusBadRequest)
			return
		default:
			http.Error(w, "authentication unavailable", http.StatusBadGateway)
			return
		}
		if res.RedirectTo != "" {
			http.Redirect(w, r, res.RedirectTo, http.StatusFound)
			return
		}
		ctx := context.WithValue(r.Context(), userContextKey{}, res.User)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// safeReturnTo accepts only local paths, guarding against open redirects.
// Browsers normalize a backslash to a slash, so "/\" is as protocol-relative
// as "//".
func safeReturnTo(u string) string {
	if !strings.HasPrefix(u, "/") || strings.HasPrefix(u, "//") || strings.HasPrefix(u, `/\`) {
		return ""
	}
	return u
}
