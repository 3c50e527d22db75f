package license

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"keygate.io/internal/audit"
	"keygate.io/internal/obs"
	"keygate.io/internal/token"
)

// maxKeyAttempts bounds key regeneration on hash collision. Collisions are
// vanishingly rare; exhausting this means broken entropy or configuration.
const maxKeyAttempts = 16

// defaultFeatures maps plans to the capability strings embedded in tokens.
var defaultFeatures = map[Plan][]string{
	PlanMonthly:  {"core"},
	PlanYearly:   {"core", "priority_support"},
	PlanLifetime: {"core", "priority_support", "offline"},
}

// Service is the activation orchestrator. It composes the store, the key
// hasher, the token issuer and the audit recorder into the public
// activate/refresh/deactivate/status protocols plus the admin surface.
// It is the only layer that turns component failures into caller-facing
// error values.
type Service struct {
	store    Store
	hasher   *KeyHasher
	tokens   *token.Issuer
	recorder *audit.Recorder
	apps     map[string]struct{}
	features map[Plan][]string
	now      func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithAllowedApps restricts the application identifiers accepted on
// activate. An empty list accepts any app.
func WithAllowedApps(apps []string) ServiceOption {
	return func(s *Service) {
		for _, app := range apps {
			app = strings.TrimSpace(strings.ToLower(app))
			if app == "" {
				continue
			}
			if s.apps == nil {
				s.apps = make(map[string]struct{})
			}
			s.apps[app] = struct{}{}
		}
	}
}

// WithFeatures overrides the plan -> feature table.
func WithFeatures(table map[Plan][]string) ServiceOption {
	return func(s *Service) {
		if len(table) > 0 {
			s.features = table
		}
	}
}

// WithClock overrides the time source. Test use only.
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService wires the orchestrator. hasher and issuer carry deployment
// secrets validated at startup, so they are required.
func NewService(store Store, hasher *KeyHasher, issuer *token.Issuer, recorder *audit.Recorder, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("license: store is required")
	}
	if hasher == nil {
		return nil, errors.New("license: key hasher is required")
	}
	if issuer == nil {
		return nil, errors.New("license: token issuer is required")
	}
	svc := &Service{
		store:    store,
		hasher:   hasher,
		tokens:   issuer,
		recorder: recorder,
		features: defaultFeatures,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// GenerateParams describes an administrative license creation.
type GenerateParams struct {
	Plan       Plan
	MaxDevices int
	OwnerEmail string
	Notes      string
	ExpiresAt  *time.Time // optional override; nil derives from plan duration
	Actor      string
}

// Generate creates a license and returns the plaintext key exactly once.
// Only the keyed hash is stored.
func (s *Service) Generate(ctx context.Context, p GenerateParams) (string, *License, error) {
	if _, ok := ParsePlan(string(p.Plan)); !ok {
		return "", nil, fmt.Errorf("%w: unknown plan %q", ErrInvalidInput, p.Plan)
	}
	if p.MaxDevices <= 0 {
		return "", nil, fmt.Errorf("%w: max_devices must be positive", ErrInvalidInput)
	}
	now := s.now().UTC()

	expiresAt := p.ExpiresAt
	if expiresAt == nil {
		if d, expiring := p.Plan.Duration(); expiring {
			t := now.Add(d)
			expiresAt = &t
		}
	}

	for attempt := 0; attempt < maxKeyAttempts; attempt++ {
		key, err := GenerateKey(p.Plan)
		if err != nil {
			return "", nil, err
		}
		lic := &License{
			KeyHash:    s.hasher.Hash(key),
			Plan:       p.Plan,
			Status:     StatusActive,
			MaxDevices: p.MaxDevices,
			OwnerEmail: strings.TrimSpace(p.OwnerEmail),
			Notes:      p.Notes,
			CreatedAt:  now,
			ExpiresAt:  expiresAt,
		}
		err = s.store.CreateLicense(ctx, lic)
		if errors.Is(err, ErrDuplicateKeyHash) {
			continue
		}
		if err != nil {
			s.recorder.Record(ctx, "", audit.EventGenerateFailed, meta("actor", p.Actor, "reason", "store_error"))
			return "", nil, err
		}
		s.recorder.Record(ctx, lic.ID, audit.EventGenerate, meta(
			"actor", p.Actor,
			"plan", string(p.Plan),
		))
		return key, lic, nil
	}
	s.recorder.Record(ctx, "", audit.EventGenerateFailed, meta("actor", p.Actor, "reason", "key_space_exhausted"))
	return "", nil, fmt.Errorf("license: key generation exhausted %d attempts", maxKeyAttempts)
}

// ActivateParams carries one activation request.
type ActivateParams struct {
	Key        string
	DeviceHash string
	App        string
	Version    string
	IP         string
}

// Activate binds a device slot and mints a token. Bind happens before
// issue: if issuance fails afterwards the device stays bound and a retry
// lands on the idempotent touch path instead of double-counting.
func (s *Service) Activate(ctx context.Context, p ActivateParams) (string, *License, error) {
	if strings.TrimSpace(p.Key) == "" || strings.TrimSpace(p.DeviceHash) == "" {
		return "", nil, fmt.Errorf("%w: license_key and device_id_hash are required", ErrInvalidInput)
	}
	now := s.now().UTC()
	failMeta := meta("ip", p.IP, "device_hash", p.DeviceHash, "app", p.App, "version", p.Version)

	lic, err := s.resolve(ctx, p.Key, now)
	if err != nil {
		obs.CountActivation("not_found")
		s.recorder.Record(ctx, "", audit.EventActivateFailed, withReason(failMeta, "license_not_found"))
		return "", nil, err
	}

	validUntil, err := IsUsable(lic, now)
	if err != nil {
		obs.CountActivation(reasonCode(err))
		s.recorder.Record(ctx, lic.ID, audit.EventActivateFailed, withReason(failMeta, reasonCode(err)))
		return "", nil, err
	}

	if err := s.checkApp(p.App); err != nil {
		obs.CountActivation("app_not_allowed")
		s.recorder.Record(ctx, lic.ID, audit.EventActivateFailed, withReason(failMeta, "app_not_allowed"))
		return "", nil, err
	}

	dev, created, err := s.store.BindDevice(ctx, lic.ID, p.DeviceHash, lic.MaxDevices, now)
	if err != nil {
		if errors.Is(err, ErrDeviceLimitReached) {
			obs.CountActivation("device_limit")
			s.recorder.Record(ctx, lic.ID, audit.EventActivateFailed, withReason(failMeta, "device_limit_reached"))
		}
		return "", nil, err
	}

	tok, err := s.issue(lic, dev.DeviceHash, p.App, validUntil, now)
	if err != nil {
		s.recorder.Record(ctx, lic.ID, audit.EventActivateFailed, withReason(failMeta, "token_issue_failed"))
		return "", nil, err
	}

	obs.CountActivation("ok")
	if created {
		s.recorder.Record(ctx, lic.ID, audit.EventActivate, failMeta)
	} else {
		s.recorder.Record(ctx, lic.ID, audit.EventRefreshTouch, failMeta)
	}
	return tok, lic, nil
}

// RefreshParams carries one token refresh.
type RefreshParams struct {
	Token      string
	DeviceHash string
	IP         string
}

// Refresh validates an existing token and re-issues it with a recomputed
// horizon. A device removed out-of-band invalidates the refresh; it is
// never silently re-activated.
func (s *Service) Refresh(ctx context.Context, p RefreshParams) (string, *License, error) {
	now := s.now().UTC()
	failMeta := meta("ip", p.IP, "device_hash", p.DeviceHash)

	claims, err := s.tokens.Verify(p.Token)
	if err != nil {
		obs.CountTokenVerifyFailure()
		s.recorder.Record(ctx, "", audit.EventRefreshFailed, withReason(failMeta, "invalid_token"))
		return "", nil, err
	}
	if claims.DeviceHash == "" || claims.DeviceHash != p.DeviceHash {
		s.recorder.Record(ctx, claims.LicenseID, audit.EventRefreshFailed, withReason(failMeta, "device_mismatch"))
		return "", nil, ErrDeviceMismatch
	}
	if err := s.checkApp(claims.App); err != nil {
		s.recorder.Record(ctx, claims.LicenseID, audit.EventRefreshFailed, withReason(failMeta, "app_not_allowed"))
		return "", nil, err
	}

	lic, err := s.findAndEvaluate(ctx, claims.LicenseID, now)
	if err != nil {
		s.recorder.Record(ctx, claims.LicenseID, audit.EventRefreshFailed, withReason(failMeta, "license_not_found"))
		return "", nil, err
	}
	validUntil, err := IsUsable(lic, now)
	if err != nil {
		s.recorder.Record(ctx, lic.ID, audit.EventRefreshFailed, withReason(failMeta, reasonCode(err)))
		return "", nil, err
	}

	if err := s.store.TouchDevice(ctx, lic.ID, p.DeviceHash, now); err != nil {
		if errors.Is(err, ErrDeviceNotRegistered) {
			s.recorder.Record(ctx, lic.ID, audit.EventRefreshFailed, withReason(failMeta, "device_not_registered"))
		}
		return "", nil, err
	}

	tok, err := s.issue(lic, p.DeviceHash, claims.App, validUntil, now)
	if err != nil {
		s.recorder.Record(ctx, lic.ID, audit.EventRefreshFailed, withReason(failMeta, "token_issue_failed"))
		return "", nil, err
	}
	s.recorder.Record(ctx, lic.ID, audit.EventRefresh, failMeta)
	return tok, lic, nil
}

// DeactivateParams releases a device slot, via token or the legacy
// key+device form.
type DeactivateParams struct {
	Token      string
	Key        string
	DeviceHash string
	IP         string
}

// Deactivate removes a device binding. Idempotent: removing an absent
// binding succeeds with removed == 0.
func (s *Service) Deactivate(ctx context.Context, p DeactivateParams) (int64, error) {
	now := s.now().UTC()
	failMeta := meta("ip", p.IP, "device_hash", p.DeviceHash)

	var licenseID string
	switch {
	case strings.TrimSpace(p.Token) != "":
		claims, err := s.tokens.Verify(p.Token)
		if err != nil {
			obs.CountTokenVerifyFailure()
			s.recorder.Record(ctx, "", audit.EventDeactivateFailed, withReason(failMeta, "invalid_token"))
			return 0, err
		}
		if claims.DeviceHash != "" && claims.DeviceHash != p.DeviceHash {
			s.recorder.Record(ctx, claims.LicenseID, audit.EventDeactivateFailed, withReason(failMeta, "device_mismatch"))
			return 0, ErrDeviceMismatch
		}
		licenseID = claims.LicenseID
	case strings.TrimSpace(p.Key) != "":
		lic, err := s.resolve(ctx, p.Key, now)
		if err != nil {
			s.recorder.Record(ctx, "", audit.EventDeactivateFailed, withReason(failMeta, "license_not_found"))
			return 0, err
		}
		licenseID = lic.ID
	default:
		return 0, fmt.Errorf("%w: token or license_key is required", ErrInvalidInput)
	}

	removed, err := s.store.RemoveDevice(ctx, licenseID, p.DeviceHash)
	if err != nil {
		return 0, err
	}
	s.recorder.Record(ctx, licenseID, audit.EventDeactivate, meta(
		"ip", p.IP, "device_hash", p.DeviceHash, "removed", fmt.Sprintf("%d", removed),
	))
	return removed, nil
}

// StatusResult is the non-mutating license summary.
type StatusResult struct {
	License     *License   `json:"license"`
	ValidUntil  *time.Time `json:"valid_until,omitempty"`
	DeviceCount int        `json:"device_count"`
	Devices     []*Device  `json:"devices"`
}

// Status reports the license state and its occupied slots. Beyond lazy
// expiry persistence and the status_lookup audit entry it mutates nothing.
func (s *Service) Status(ctx context.Context, key, ip string) (*StatusResult, error) {
	now := s.now().UTC()
	lic, err := s.resolve(ctx, key, now)
	if err != nil {
		s.recorder.Record(ctx, "", audit.EventStatusLookupFailed, meta("ip", ip, "reason", "license_not_found"))
		return nil, err
	}
	devices, err := s.store.ListDevices(ctx, lic.ID)
	if err != nil {
		return nil, err
	}
	res := &StatusResult{
		License:     lic,
		DeviceCount: len(devices),
		Devices:     devices,
	}
	if validUntil, usableErr := IsUsable(lic, now); usableErr == nil {
		res.ValidUntil = validUntil
	}
	s.recorder.Record(ctx, lic.ID, audit.EventStatusLookup, meta("ip", ip))
	return res, nil
}

// RevokeDevice is the administrative slot removal. No token is required:
// this is an operator action, not client self-service.
func (s *Service) RevokeDevice(ctx context.Context, key, deviceHash, actor string) (int64, error) {
	now := s.now().UTC()
	lic, err := s.resolve(ctx, key, now)
	if err != nil {
		s.recorder.Record(ctx, "", audit.EventRevokeDeviceFailed, meta("actor", actor, "reason", "license_not_found"))
		return 0, err
	}
	return s.removeDeviceAsAdmin(ctx, lic.ID, deviceHash, actor)
}

// RevokeDeviceByID removes a slot addressed by license id (admin surface).
func (s *Service) RevokeDeviceByID(ctx context.Context, licenseID, deviceHash, actor string) (int64, error) {
	if _, err := s.store.FindLicense(ctx, licenseID); err != nil {
		s.recorder.Record(ctx, "", audit.EventRevokeDeviceFailed, meta("actor", actor, "reason", "license_not_found"))
		return 0, err
	}
	return s.removeDeviceAsAdmin(ctx, licenseID, deviceHash, actor)
}

func (s *Service) removeDeviceAsAdmin(ctx context.Context, licenseID, deviceHash, actor string) (int64, error) {
	removed, err := s.store.RemoveDevice(ctx, licenseID, deviceHash)
	if err != nil {
		return 0, err
	}
	s.recorder.Record(ctx, licenseID, audit.EventRevokeDevice, meta(
		"actor", actor, "device_hash", deviceHash, "removed", fmt.Sprintf("%d", removed),
	))
	return removed, nil
}

// Revoke marks a license revoked. Terminal: the store refuses to move a
// revoked license back to active even if a later edit tries.
func (s *Service) Revoke(ctx context.Context, licenseID, actor string) (*License, error) {
	lic, err := s.store.FindLicense(ctx, licenseID)
	if err != nil {
		s.recorder.Record(ctx, "", audit.EventRevokeFailed, meta("actor", actor, "reason", "license_not_found"))
		return nil, err
	}
	before := lic.Status
	lic.Status = StatusRevoked
	if err := s.store.UpdateLicense(ctx, lic); err != nil {
		s.recorder.Record(ctx, lic.ID, audit.EventRevokeFailed, meta("actor", actor, "reason", "store_error"))
		return nil, err
	}
	s.recorder.Record(ctx, lic.ID, audit.EventRevoke, meta(
		"actor", actor, "status_before", string(before), "status_after", string(StatusRevoked),
	))
	return lic, nil
}

// PatchParams carries administrative edits. Nil fields are left untouched.
type PatchParams struct {
	Plan        *Plan
	MaxDevices  *int
	ExpiresAt   *time.Time
	ClearExpiry bool
	Notes       *string
	Actor       string
}

// Patch applies plan/limit/expiry/notes edits and records before/after
// state. Status is not editable here; revocation has its own operation.
func (s *Service) Patch(ctx context.Context, licenseID string, p PatchParams) (*License, error) {
	lic, err := s.store.FindLicense(ctx, licenseID)
	if err != nil {
		s.recorder.Record(ctx, "", audit.EventUpdateFailed, meta("actor", p.Actor, "reason", "license_not_found"))
		return nil, err
	}
	changes := meta("actor", p.Actor)

	if p.Plan != nil {
		if _, ok := ParsePlan(string(*p.Plan)); !ok {
			return nil, fmt.Errorf("%w: unknown plan %q", ErrInvalidInput, *p.Plan)
		}
		changes["plan_before"], changes["plan_after"] = string(lic.Plan), string(*p.Plan)
		lic.Plan = *p.Plan
	}
	if p.MaxDevices != nil {
		if *p.MaxDevices <= 0 {
			return nil, fmt.Errorf("%w: max_devices must be positive", ErrInvalidInput)
		}
		changes["max_devices_before"] = fmt.Sprintf("%d", lic.MaxDevices)
		changes["max_devices_after"] = fmt.Sprintf("%d", *p.MaxDevices)
		lic.MaxDevices = *p.MaxDevices
	}
	if p.ClearExpiry {
		lic.ExpiresAt = nil
		changes["expires_at_after"] = "none"
	} else if p.ExpiresAt != nil {
		t := p.ExpiresAt.UTC()
		lic.ExpiresAt = &t
		changes["expires_at_after"] = t.Format(time.RFC3339)
	}
	if p.Notes != nil {
		lic.Notes = *p.Notes
		changes["notes_changed"] = "true"
	}

	if err := s.store.UpdateLicense(ctx, lic); err != nil {
		s.recorder.Record(ctx, lic.ID, audit.EventUpdateFailed, meta("actor", p.Actor, "reason", "store_error"))
		return nil, err
	}
	s.recorder.Record(ctx, lic.ID, audit.EventUpdate, changes)
	return lic, nil
}

// Find returns one license by id.
func (s *Service) Find(ctx context.Context, licenseID string) (*License, error) {
	return s.findAndEvaluate(ctx, licenseID, s.now().UTC())
}

// List returns licenses for the admin surface.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]*License, error) {
	return s.store.ListLicenses(ctx, filter)
}

// Devices lists the occupied slots of a license.
func (s *Service) Devices(ctx context.Context, licenseID string) ([]*Device, error) {
	if _, err := s.store.FindLicense(ctx, licenseID); err != nil {
		return nil, err
	}
	return s.store.ListDevices(ctx, licenseID)
}

// Events lists the audit trail of a license, newest first.
func (s *Service) Events(ctx context.Context, licenseID string, limit int) ([]*audit.Event, error) {
	return s.recorder.List(ctx, licenseID, limit)
}

// --- internals ---

// resolve hashes the caller-supplied key and loads the record, applying
// lazy expiry. The plaintext key is never used for lookup or logging.
func (s *Service) resolve(ctx context.Context, key string, now time.Time) (*License, error) {
	lic, err := s.store.FindLicenseByKeyHash(ctx, s.hasher.Hash(key))
	if err != nil {
		return nil, err
	}
	return s.evaluate(ctx, lic, now)
}

func (s *Service) findAndEvaluate(ctx context.Context, licenseID string, now time.Time) (*License, error) {
	lic, err := s.store.FindLicense(ctx, licenseID)
	if err != nil {
		return nil, err
	}
	return s.evaluate(ctx, lic, now)
}

// evaluate persists an active -> expired transition before returning.
func (s *Service) evaluate(ctx context.Context, lic *License, now time.Time) (*License, error) {
	status, changed := EvaluateStatus(lic, now)
	if changed {
		lic.Status = status
		if err := s.store.UpdateLicense(ctx, lic); err != nil {
			return nil, err
		}
	}
	return lic, nil
}

func (s *Service) issue(lic *License, deviceHash, app string, validUntil *time.Time, now time.Time) (string, error) {
	claims := token.Claims{
		LicenseID:  lic.ID,
		Plan:       string(lic.Plan),
		IssuedAt:   now.Unix(),
		DeviceHash: deviceHash,
		App:        strings.TrimSpace(strings.ToLower(app)),
		Features:   s.features[lic.Plan],
	}
	if validUntil != nil {
		secs := validUntil.Unix()
		claims.ValidUntil = &secs
	}
	return s.tokens.Issue(claims)
}

func (s *Service) checkApp(app string) error {
	if len(s.apps) == 0 {
		return nil
	}
	app = strings.TrimSpace(strings.ToLower(app))
	if _, ok := s.apps[app]; !ok {
		return ErrAppNotAllowed
	}
	return nil
}

func reasonCode(err error) string {
	switch {
	case errors.Is(err, ErrRevoked):
		return "revoked"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrNotFound):
		return "license_not_found"
	default:
		return "error"
	}
}

// meta builds a metadata map from alternating key/value pairs, dropping
// empty values.
func meta(kv ...string) map[string]string {
	m := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] == "" {
			continue
		}
		m[kv[i]] = kv[i+1]
	}
	return m
}

func withReason(base map[string]string, reason string) map[string]string {
	m := make(map[string]string, len(base)+1)
	for k, v := range base {
		m[k] = v
	}
	m["reason"] = reason
	return m
}
