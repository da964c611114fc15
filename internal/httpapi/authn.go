package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/KhizarJamshaidIqbal/epsoldev-backend/internal/auth"
	"github.com/KhizarJamshaidIqbal/epsoldev-backend/internal/obs"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// requireAuth authenticates the bearer credential and attaches the resulting
// identity to the request context. Session tokens and epd_ API tokens share
// this entry point; the service routes on the prefix.
func (a *API) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		credential, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			obs.CountAuthDecision("none", "missing")
			writeError(w, r, http.StatusUnauthorized, "Access denied. No token provided or invalid format.")
			return
		}

		identity, err := a.auth.Authenticate(r.Context(), credential, r.Method, clientIP(r))
		kind := credentialKind(credential)
		if err != nil {
			obs.CountAuthDecision(kind, rejectionClass(err))
			a.writeAuthError(w, r, err)
			return
		}
		obs.CountAuthDecision(kind, "ok")

		next.ServeHTTP(w, r.WithContext(auth.ContextWithIdentity(r.Context(), identity)))
	})
}

// optionalAuth attaches an identity when a valid credential is present and
// proceeds anonymously otherwise. Verification failures are swallowed on
// purpose so mixed public/personalized routes keep serving anonymous callers.
func (a *API) optionalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		credential, err := extractBearerToken(r.Header.Get(authHeader))
		if err == nil {
			if identity, ok := a.auth.AuthenticateOptional(r.Context(), credential, r.Method, clientIP(r)); ok {
				r = r.WithContext(auth.ContextWithIdentity(r.Context(), identity))
			}
		}
		next.ServeHTTP(w, r)
	})
}

// requireAdmin stacks the admin gate on requireAuth.
func (a *API) requireAdmin(next http.Handler) http.Handler {
	return a.requireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := auth.RequireAdmin(r.Context()); err != nil {
			a.writeAuthError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	}))
}

// writeAuthError maps the auth taxonomy onto the HTTP status contract:
// missing/invalid/expired credentials are 401, valid-but-insufficient is 403,
// anything unexpected is a 500.
func (a *API) writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrMissingCredential):
		writeError(w, r, http.StatusUnauthorized, "Access denied. No token provided or invalid format.")
	case errors.Is(err, auth.ErrCredentialExpired):
		writeError(w, r, http.StatusUnauthorized, "Access denied. Token has expired.")
	case errors.Is(err, auth.ErrInvalidFormat), errors.Is(err, auth.ErrInvalidCredential):
		writeError(w, r, http.StatusUnauthorized, "Access denied. Invalid token.")
	case errors.Is(err, auth.ErrUnauthenticated):
		writeError(w, r, http.StatusUnauthorized, "Access denied. Authentication required.")
	case errors.Is(err, auth.ErrInsufficientPermission):
		writeError(w, r, http.StatusForbidden, "Access denied. Token does not permit this operation.")
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "Access denied. Admin privileges required.")
	case errors.Is(err, auth.ErrRateLimited):
		w.Header().Set("Retry-After", "60")
		writeError(w, r, http.StatusTooManyRequests, "Rate limit exceeded for this token.")
	default:
		a.writeInternalError(w, r, "authentication error", err)
	}
}

func rejectionClass(err error) string {
	switch {
	case errors.Is(err, auth.ErrMissingCredential):
		return "missing"
	case errors.Is(err, auth.ErrInvalidFormat):
		return "invalid_format"
	case errors.Is(err, auth.ErrCredentialExpired):
		return "expired"
	case errors.Is(err, auth.ErrInvalidCredential):
		return "invalid"
	case errors.Is(err, auth.ErrInsufficientPermission):
		return "insufficient_permission"
	case errors.Is(err, auth.ErrRateLimited):
		return "rate_limited"
	default:
		return "error"
	}
}

func credentialKind(credential string) string {
	if auth.IsAPIToken(credential) {
		return string(auth.CredentialAPIToken)
	}
	return string(auth.CredentialSession)
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
