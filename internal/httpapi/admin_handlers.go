package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"keygate.io/internal/adminauth"
	"keygate.io/internal/license"
)

type adminTokenRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type createLicenseRequest struct {
	Plan       string     `json:"plan"`
	MaxDevices int        `json:"max_devices"`
	OwnerEmail string     `json:"owner_email"`
	Notes      string     `json:"notes"`
	ExpiresAt  *time.Time `json:"expires_at"`
}

type createLicenseResponse struct {
	License    *license.License `json:"license"`
	LicenseKey string           `json:"license_key"`
}

type patchLicenseRequest struct {
	Plan        *string    `json:"plan"`
	MaxDevices  *int       `json:"max_devices"`
	ExpiresAt   *time.Time `json:"expires_at"`
	ClearExpiry bool       `json:"clear_expiry"`
	Notes       *string    `json:"notes"`
}

func (a *API) handleAdminToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.admin == nil || !a.admin.Enabled() {
		writeError(w, r, http.StatusServiceUnavailable, "admin_disabled", "admin surface is not configured")
		return
	}

	var req adminTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	tok, expiresAt, err := a.admin.IssueToken(req.Email, req.Password)
	if err != nil {
		if errors.Is(err, adminauth.ErrUnauthorized) {
			writeError(w, r, http.StatusUnauthorized, "unauthorized", "invalid credentials")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal_error", "authentication error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      tok,
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLicensesCollection(w http.ResponseWriter, r *http.Request) {
	actor, ok := a.requireAdmin(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodPost:
		a.createLicense(w, r, actor)
	case http.MethodGet:
		a.listLicenses(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) handleLicenseResource(w http.ResponseWriter, r *http.Request) {
	actor, ok := a.requireAdmin(w, r)
	if !ok {
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/v1/admin/licenses/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
		return
	}

	id := path
	rest := ""
	if i := strings.Index(path, "/"); i >= 0 {
		id, rest = path[:i], strings.Trim(path[i+1:], "/")
	}
	if id == "" {
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
		return
	}

	switch {
	case rest == "":
		switch r.Method {
		case http.MethodGet:
			a.getLicense(w, r, id)
		case http.MethodPatch:
			a.patchLicense(w, r, id, actor)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPatch)
		}
	case rest == "revoke":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.revokeLicense(w, r, id, actor)
	case rest == "devices":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.listDevices(w, r, id)
	case strings.HasPrefix(rest, "devices/"):
		if r.Method != http.MethodDelete {
			methodNotAllowed(w, r, http.MethodDelete)
			return
		}
		hash := strings.TrimPrefix(rest, "devices/")
		a.removeDevice(w, r, id, hash, actor)
	case rest == "events":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.listEvents(w, r, id)
	default:
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
	}
}

func (a *API) createLicense(w http.ResponseWriter, r *http.Request, actor string) {
	var req createLicenseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	key, lic, err := a.svc.Generate(r.Context(), license.GenerateParams{
		Plan:       license.Plan(strings.ToLower(strings.TrimSpace(req.Plan))),
		MaxDevices: req.MaxDevices,
		OwnerEmail: strings.TrimSpace(req.OwnerEmail),
		Notes:      req.Notes,
		ExpiresAt:  req.ExpiresAt,
		Actor:      actor,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	w.Header().Set("Location", "/v1/admin/licenses/"+lic.ID)
	// The plaintext key appears here and nowhere else; only its keyed
	// hash is stored.
	writeJSON(w, http.StatusCreated, createLicenseResponse{License: lic, LicenseKey: key})
}

func (a *API) listLicenses(w http.ResponseWriter, r *http.Request) {
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	filter := license.ListFilter{
		Status: license.Status(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status")))),
		Plan:   license.Plan(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("plan")))),
		Limit:  limit,
	}
	items, err := a.svc.List(r.Context(), filter)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) getLicense(w http.ResponseWriter, r *http.Request, id string) {
	lic, err := a.svc.Find(r.Context(), id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lic)
}

func (a *API) patchLicense(w http.ResponseWriter, r *http.Request, id, actor string) {
	var req patchLicenseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.ExpiresAt != nil && req.ClearExpiry {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "expires_at and clear_expiry are mutually exclusive")
		return
	}

	params := license.PatchParams{
		MaxDevices:  req.MaxDevices,
		ExpiresAt:   req.ExpiresAt,
		ClearExpiry: req.ClearExpiry,
		Notes:       req.Notes,
		Actor:       actor,
	}
	if req.Plan != nil {
		p := license.Plan(strings.ToLower(strings.TrimSpace(*req.Plan)))
		params.Plan = &p
	}

	lic, err := a.svc.Patch(r.Context(), id, params)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lic)
}

func (a *API) revokeLicense(w http.ResponseWriter, r *http.Request, id, actor string) {
	lic, err := a.svc.Revoke(r.Context(), id, actor)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lic)
}

func (a *API) listDevices(w http.ResponseWriter, r *http.Request, id string) {
	devices, err := a.svc.Devices(r.Context(), id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": devices})
}

func (a *API) removeDevice(w http.ResponseWriter, r *http.Request, id, hash string, actor string) {
	if strings.TrimSpace(hash) == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "device hash is required")
		return
	}
	removed, err := a.svc.RevokeDeviceByID(r.Context(), id, hash, actor)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (a *API) listEvents(w http.ResponseWriter, r *http.Request, id string) {
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	events, err := a.svc.Events(r.Context(), id, limit)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": events})
}
