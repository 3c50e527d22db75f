package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"keygate.io/internal/adminauth"
	"keygate.io/internal/license"
	"keygate.io/internal/obs"
	"keygate.io/internal/ratelimit"
	"keygate.io/internal/stream"
	"keygate.io/internal/token"
)

// ReadyProbe checks backing-store availability (for Postgres, a ping).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// rateRule is a fixed-window quota applied by the persisted limiter.
type rateRule struct {
	Limit  int64
	Window time.Duration
}

// API is the HTTP layer over the license service.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	svc     *license.Service
	limiter *ratelimit.Limiter
	admin   *adminauth.Authenticator
	stream  *stream.Stream

	// per-endpoint fixed-window quotas, adjustable before Handler is called
	activateRule   rateRule
	refreshRule    rateRule
	statusRule     rateRule
	deactivateRule rateRule

	rateBurst  int
	ratePerSec int
}

func New(rp ReadyProbe, version string, svc *license.Service, limiter *ratelimit.Limiter, admin *adminauth.Authenticator, st *stream.Stream) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		svc:        svc,
		limiter:    limiter,
		admin:      admin,
		stream:     st,

		activateRule:   rateRule{Limit: 30, Window: time.Minute},
		refreshRule:    rateRule{Limit: 60, Window: time.Minute},
		statusRule:     rateRule{Limit: 30, Window: time.Minute},
		deactivateRule: rateRule{Limit: 30, Window: time.Minute},

		rateBurst:  50,
		ratePerSec: 25,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// public license endpoints
	a.mux.HandleFunc("/v1/license/activate", a.handleActivate)
	a.mux.HandleFunc("/v1/license/refresh", a.handleRefresh)
	a.mux.HandleFunc("/v1/license/deactivate", a.handleDeactivate)
	a.mux.HandleFunc("/v1/license/status", a.handleStatus)

	// admin endpoints
	a.mux.HandleFunc("/v1/admin/token", a.handleAdminToken)
	a.mux.HandleFunc("/v1/admin/licenses", a.handleLicensesCollection)
	a.mux.HandleFunc("/v1/admin/licenses/", a.handleLicenseResource)
	a.mux.HandleFunc("/v1/admin/events/stream", a.EventStream)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler wires the middleware chain around the mux.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = MaxBodyBytes(h, 1<<20)
	h = SecurityHeaders(h)
	h = Logging(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "keygate-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "keygate-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// allowRate consults the persisted fixed-window limiter and writes the
// standard quota headers. Returns false when the request was rejected and
// a 429 already written. Limiter storage errors fail open: availability of
// the licensing path wins over strict accounting.
func (a *API) allowRate(w http.ResponseWriter, r *http.Request, scope, identity string, rule rateRule) bool {
	res, err := a.limiter.Consume(r.Context(), scope, identity, rule.Limit, rule.Window, time.Now().UTC())
	if err != nil {
		obs.Warn("rate limiter unavailable", map[string]any{"scope": scope, "error": err.Error()})
		return true
	}
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
	if !res.Allowed {
		obs.CountRateLimitRejection(scope)
		w.Header().Set("Retry-After", strconv.Itoa(res.RetryAfter))
		writeError(w, r, http.StatusTooManyRequests, "rate_limited", "request quota exceeded, retry later")
		return false
	}
	return true
}

// --- helpers ---

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between " + strconv.Itoa(min) + " and " + strconv.Itoa(max))
	}
	return val, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, license.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, license.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "license_not_found", "license not found")
	case errors.Is(err, license.ErrRevoked):
		writeError(w, r, http.StatusForbidden, "revoked", "license is revoked")
	case errors.Is(err, license.ErrExpired):
		writeError(w, r, http.StatusForbidden, "expired", "license is expired")
	case errors.Is(err, license.ErrDeviceLimitReached):
		writeError(w, r, http.StatusConflict, "device_limit_reached", "all device slots are in use")
	case errors.Is(err, license.ErrDeviceMismatch):
		writeError(w, r, http.StatusForbidden, "device_mismatch", "token was issued for a different device")
	case errors.Is(err, license.ErrDeviceNotRegistered):
		writeError(w, r, http.StatusNotFound, "device_not_registered", "device is not bound to this license")
	case errors.Is(err, license.ErrAppNotAllowed):
		writeError(w, r, http.StatusForbidden, "app_not_allowed", "application is not permitted for this service")
	case errors.Is(err, license.ErrDuplicateKeyHash):
		writeError(w, r, http.StatusConflict, "duplicate_key", "license key already exists")
	case errors.Is(err, token.ErrInvalid):
		writeError(w, r, http.StatusUnauthorized, "invalid_token", "token is malformed or has a bad signature")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, errCode, msg string) {
	payload := map[string]any{
		"error":   errCode,
		"message": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
}
