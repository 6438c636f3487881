package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"

	"github.com/getsentry/sentry-go"
)

// SessionCookieName is the fixed cookie carrying the raw session secret.
const SessionCookieName = "storegate_session"

var emailRegex = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

const (
	maxJSONBodyBytes  = 1 << 20
	minPasswordLength = 12
	maxPasswordLength = 200
)

type Handler struct {
	service       *Service
	secureCookies bool
}

// NewHandler builds the HTTP boundary. secureCookies should be false only
// in local development.
func NewHandler(service *Service, secureCookies bool) *Handler {
	return &Handler{service: service, secureCookies: secureCookies}
}

type registerRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	TenantName string `json:"tenant_name"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type resetRequest struct {
	Email string `json:"email"`
}

type resetConfirmRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var body registerRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if !validEmail(body.Email) {
		writeError(w, http.StatusBadRequest, "email format is invalid")
		return
	}
	if !validPassword(body.Password) {
		writeError(w, http.StatusBadRequest, "password format is invalid")
		return
	}

	identity, rawSession, err := h.service.Register(r.Context(), body.Email, body.Password, body.TenantName)
	if err != nil {
		if errors.Is(err, ErrEmailTaken) {
			writeError(w, http.StatusConflict, "email already registered")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to register")
		return
	}

	h.setSessionCookie(w, rawSession)
	writeJSON(w, http.StatusCreated, identity)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if !validEmail(body.Email) || !validPassword(body.Password) {
		// Malformed credentials can never match; keep the response
		// indistinguishable from a wrong password.
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	identity, rawSession, err := h.service.Login(r.Context(), body.Email, body.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to login")
		return
	}

	h.setSessionCookie(w, rawSession)
	writeJSON(w, http.StatusOK, identity)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil {
		h.clearSessionCookie(w)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := h.service.Logout(r.Context(), cookie.Value); err != nil && !errors.Is(err, ErrNoSession) {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to logout")
		return
	}

	h.clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

// Me returns the identity resolved by RequireSession.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	writeJSON(w, http.StatusOK, identity)
}

func (h *Handler) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var body resetRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if !validEmail(body.Email) {
		writeError(w, http.StatusBadRequest, "email format is invalid")
		return
	}

	if err := h.service.RequestPasswordReset(r.Context(), body.Email); err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to request password reset")
		return
	}

	// Same response whether or not the account exists.
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "ok"})
}

func (h *Handler) ConfirmPasswordReset(w http.ResponseWriter, r *http.Request) {
	var body resetConfirmRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if strings.TrimSpace(body.Token) == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}
	if !validPassword(body.NewPassword) {
		writeError(w, http.StatusBadRequest, "password format is invalid")
		return
	}

	if err := h.service.ResetPassword(r.Context(), body.Token, body.NewPassword); err != nil {
		switch {
		case errors.Is(err, ErrTokenExpired):
			writeError(w, http.StatusBadRequest, "token expired, request a new one")
		case errors.Is(err, ErrTokenInvalid):
			writeError(w, http.StatusBadRequest, "invalid token")
		default:
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "failed to reset password")
		}
		return
	}

	// Every session of the user is gone now, including this one.
	h.clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) RequestEmailVerification(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	if err := h.service.RequestEmailVerification(r.Context(), identity.UserID, identity.Email); err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to request verification")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "ok"})
}

func (h *Handler) ConfirmEmail(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}

	if err := h.service.ConfirmEmail(r.Context(), token); err != nil {
		switch {
		case errors.Is(err, ErrTokenExpired):
			writeError(w, http.StatusBadRequest, "token expired, request a new one")
		case errors.Is(err, ErrTokenInvalid):
			writeError(w, http.StatusBadRequest, "invalid token")
		default:
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "failed to verify email")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "verified"})
}

func (h *Handler) setSessionCookie(w http.ResponseWriter, rawToken string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    rawToken,
		Path:     "/",
		MaxAge:   int(h.service.SessionTTL().Seconds()),
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}

	return true
}

func validEmail(email string) bool {
	email = strings.TrimSpace(email)
	return len(email) <= 254 && emailRegex.MatchString(strings.ToLower(email))
}

func validPassword(password string) bool {
	return len(password) >= minPasswordLength && len(password) <= maxPasswordLength
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
