package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"keygate.io/internal/adminauth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// requireAdmin authenticates the management surface. Returns the operator
// subject for audit attribution and false (response already written) when
// the request fails authentication.
func (a *API) requireAdmin(w http.ResponseWriter, r *http.Request) (string, bool) {
	if a.admin == nil || !a.admin.Enabled() {
		writeError(w, r, http.StatusServiceUnavailable, "admin_disabled", "admin surface is not configured")
		return "", false
	}
	tok, err := extractBearerToken(r.Header.Get(authHeader))
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "unauthorized", err.Error())
		return "", false
	}
	subject, err := a.admin.Verify(tok)
	if err != nil {
		switch {
		case errors.Is(err, adminauth.ErrInvalidToken):
			writeError(w, r, http.StatusUnauthorized, "unauthorized", "invalid token")
		default:
			writeError(w, r, http.StatusInternalServerError, "internal_error", "authentication error")
		}
		return "", false
	}
	return subject, true
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
