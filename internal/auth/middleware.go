package auth

import (
	"errors"
	"net/http"

	"github.com/getsentry/sentry-go"
)

// RequireSession validates the session cookie, refreshes the session's
// rolling expiry and attaches the freshly resolved identity to the
// request context. Stale or invalid cookies are cleared.
func (h *Handler) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(SessionCookieName)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		identity, err := h.service.Authenticate(r.Context(), cookie.Value)
		if err != nil {
			if errors.Is(err, ErrNoSession) {
				h.clearSessionCookie(w)
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "failed to authenticate")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}
