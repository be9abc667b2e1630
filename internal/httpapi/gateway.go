package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"rigrent.io/internal/audit"
	"rigrent.io/internal/auth"
	"rigrent.io/internal/obs"
	"rigrent.io/internal/policy"
)

// tokenCookie is the name of the session cookie set by the login
// handler. When both the cookie and an Authorization header are
// present, the cookie wins.
const tokenCookie = "token"

// Gateway authenticates the request (if it carries a token) and asks
// the policy evaluator whether it may proceed. Denials turn into 401
// or 403 for API calls and into a redirect to the login page for
// browser-facing paths. An Escalate decision lets the request through
// with an ownership-check marker on the context; the resource handler
// must resolve it against the loaded record.
func (a *API) Gateway(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Preflight never needs credentials.
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		claims, authErr := claimsFromRequest(r)
		if authErr != nil {
			obs.ObserveAuthzDecision("unauthenticated")
			a.rejectUnauthenticated(w, r, authErr)
			return
		}

		decision := a.evaluator.Evaluate(r.URL.Path, r.Method, claims)
		obs.ObserveAuthzDecision(decision.String())

		switch decision {
		case policy.Allow:
		case policy.Escalate:
			r = r.WithContext(auth.ContextWithOwnershipCheck(r.Context()))
		default:
			a.rejectDenied(w, r, claims)
			return
		}

		if claims != nil {
			r = r.WithContext(auth.ContextWithClaims(r.Context(), claims))
		}
		next.ServeHTTP(w, r)
	})
}

// claimsFromRequest extracts and verifies the bearer token. A request
// with no token at all is anonymous: nil claims, nil error. A request
// with a bad token is an authentication failure, regardless of what
// the policy would have said about the path.
func claimsFromRequest(r *http.Request) (*auth.Claims, error) {
	token := ""
	if c, err := r.Cookie(tokenCookie); err == nil && c.Value != "" {
		token = c.Value
	} else if h := r.Header.Get("Authorization"); h != "" {
		const prefix = "Bearer "
		if !strings.HasPrefix(h, prefix) {
			return nil, auth.ErrTokenMalformed
		}
		token = strings.TrimSpace(strings.TrimPrefix(h, prefix))
	}
	if token == "" {
		return nil, nil
	}
	return auth.Verify(token)
}

func (a *API) rejectUnauthenticated(w http.ResponseWriter, r *http.Request, err error) {
	_ = audit.LogEvent(r.Context(), "auth_rejected", map[string]any{
		"path":   r.URL.Path,
		"method": r.Method,
		"reason": err.Error(),
	})
	if wantsRedirect(r.URL.Path) {
		http.Redirect(w, r, a.loginPath, http.StatusSeeOther)
		return
	}
	msg := "invalid token"
	if errors.Is(err, auth.ErrTokenExpired) {
		msg = "token expired"
	}
	writeError(w, r, http.StatusUnauthorized, msg)
}

func (a *API) rejectDenied(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	fields := map[string]any{
		"path":   r.URL.Path,
		"method": r.Method,
	}
	_ = audit.LogEvent(r.Context(), "access_denied", fields)
	if wantsRedirect(r.URL.Path) {
		http.Redirect(w, r, a.loginPath, http.StatusSeeOther)
		return
	}
	if claims == nil {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	writeError(w, r, http.StatusForbidden, "access denied")
}

// wantsRedirect reports whether a denial should bounce the client to
// the login page instead of returning a JSON error. Only the
// browser-facing surface redirects.
func wantsRedirect(path string) bool {
	return strings.HasPrefix(path, "/app/")
}
