package httpapi

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"keygate.io/internal/license"
)

type activateRequest struct {
	LicenseKey   string `json:"license_key"`
	DeviceIDHash string `json:"device_id_hash"`
	App          string `json:"app"`
	Version      string `json:"version"`
}

type refreshRequest struct {
	Token        string `json:"token"`
	DeviceIDHash string `json:"device_id_hash"`
}

type deactivateRequest struct {
	Token        string `json:"token"`
	LicenseKey   string `json:"license_key"`
	DeviceIDHash string `json:"device_id_hash"`
}

type statusRequest struct {
	LicenseKey string `json:"license_key"`
}

type tokenResponse struct {
	Token   string           `json:"token"`
	License *license.License `json:"license"`
}

func (a *API) handleActivate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	ip := clientIP(r)
	if !a.allowRate(w, r, "activate", ip, a.activateRule) {
		return
	}

	var req activateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	tok, lic, err := a.svc.Activate(r.Context(), license.ActivateParams{
		Key:        req.LicenseKey,
		DeviceHash: req.DeviceIDHash,
		App:        req.App,
		Version:    req.Version,
		IP:         ip,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: tok, License: lic})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	ip := clientIP(r)
	if !a.allowRate(w, r, "refresh", ip, a.refreshRule) {
		return
	}

	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Token) == "" || strings.TrimSpace(req.DeviceIDHash) == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "token and device_id_hash are required")
		return
	}

	tok, lic, err := a.svc.Refresh(r.Context(), license.RefreshParams{
		Token:      req.Token,
		DeviceHash: req.DeviceIDHash,
		IP:         ip,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: tok, License: lic})
}

func (a *API) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	ip := clientIP(r)
	if !a.allowRate(w, r, "deactivate", ip, a.deactivateRule) {
		return
	}

	var req deactivateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Token) == "" && strings.TrimSpace(req.LicenseKey) == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "token or license_key is required")
		return
	}
	if strings.TrimSpace(req.DeviceIDHash) == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "device_id_hash is required")
		return
	}

	removed, err := a.svc.Deactivate(r.Context(), license.DeactivateParams{
		Token:      req.Token,
		Key:        req.LicenseKey,
		DeviceHash: req.DeviceIDHash,
		IP:         ip,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	var key string
	switch r.Method {
	case http.MethodGet:
		key = r.URL.Query().Get("license_key")
	case http.MethodPost:
		var req statusRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		key = req.LicenseKey
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
		return
	}
	if strings.TrimSpace(key) == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "license_key is required")
		return
	}

	ip := clientIP(r)
	// Quota identity mixes the client IP with a digest of the key so one
	// caller probing many keys burns separate buckets per key while the
	// plaintext never reaches bucket storage.
	if !a.allowRate(w, r, "status", ip+"|"+keyDigest(key), a.statusRule) {
		return
	}

	res, err := a.svc.Status(r.Context(), key, ip)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func keyDigest(key string) string {
	sum := sha256.Sum256([]byte(strings.ToUpper(strings.TrimSpace(key))))
	return hex.EncodeToString(sum[:8])
}
