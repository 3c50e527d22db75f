// Package pg persists license state in PostgreSQL. Device binding runs as a
// row-locked transaction and rate-limit bucket consumption as a single
// conditional upsert, so both stay correct under concurrent requests.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"keygate.io/internal/audit"
	"keygate.io/internal/ids"
	"keygate.io/internal/license"
)

const uniqueViolation = "23505"

// Store implements license.Store on PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ license.Store = (*Store)(nil)

// Open connects with tuned pool defaults.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewStore wraps an existing handle (tests use sqlmock through this).
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// --- licenses ---

func (s *Store) CreateLicense(ctx context.Context, lic *license.License) error {
	if lic.ID == "" {
		lic.ID = ids.License()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into licenses(id, key_hash, plan, status, max_devices, owner_email, notes, created_at, expires_at)
		values ($1,$2,$3,$4,$5,nullif($6,''),$7,$8,$9)
	`, lic.ID, lic.KeyHash, lic.Plan, lic.Status, lic.MaxDevices, lic.OwnerEmail, lic.Notes, lic.CreatedAt, nullTime(lic.ExpiresAt))
	if isUniqueViolation(err) {
		return license.ErrDuplicateKeyHash
	}
	return err
}

const licenseColumns = `id, key_hash, plan, status, max_devices, coalesce(owner_email,''), notes, created_at, expires_at`

func (s *Store) FindLicense(ctx context.Context, id string) (*license.License, error) {
	row := s.db.QueryRowContext(ctx, `select `+licenseColumns+` from licenses where id=$1`, id)
	return scanLicense(row)
}

func (s *Store) FindLicenseByKeyHash(ctx context.Context, keyHash string) (*license.License, error) {
	row := s.db.QueryRowContext(ctx, `select `+licenseColumns+` from licenses where key_hash=$1`, keyHash)
	return scanLicense(row)
}

func (s *Store) ListLicenses(ctx context.Context, filter license.ListFilter) ([]*license.License, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+licenseColumns+` from licenses
		where ($1 = '' or status = $1)
		  and ($2 = '' or plan = $2)
		order by created_at asc
		limit $3
	`, string(filter.Status), string(filter.Plan), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*license.License
	for rows.Next() {
		lic, err := scanLicense(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, lic)
	}
	return out, rows.Err()
}

// UpdateLicense persists edits. The status expression keeps revocation
// terminal at the storage layer, whatever the caller passes in.
func (s *Store) UpdateLicense(ctx context.Context, lic *license.License) error {
	res, err := s.db.ExecContext(ctx, `
		update licenses
		set plan = $2,
		    status = case when licenses.status = 'revoked' then 'revoked' else $3 end,
		    max_devices = $4,
		    owner_email = nullif($5,''),
		    notes = $6,
		    expires_at = $7
		where id = $1
	`, lic.ID, lic.Plan, lic.Status, lic.MaxDevices, lic.OwnerEmail, lic.Notes, nullTime(lic.ExpiresAt))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return license.ErrNotFound
	}
	return nil
}

// --- devices ---

func (s *Store) GetDevice(ctx context.Context, licenseID, deviceHash string) (*license.Device, error) {
	row := s.db.QueryRowContext(ctx, `
		select id, license_id, device_hash, activated_at, last_seen_at
		from devices where license_id=$1 and device_hash=$2
	`, licenseID, deviceHash)
	var dev license.Device
	if err := row.Scan(&dev.ID, &dev.LicenseID, &dev.DeviceHash, &dev.ActivatedAt, &dev.LastSeenAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, license.ErrDeviceNotRegistered
		}
		return nil, err
	}
	return &dev, nil
}

func (s *Store) CountDevices(ctx context.Context, licenseID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `select count(*) from devices where license_id=$1`, licenseID).Scan(&n)
	return n, err
}

func (s *Store) ListDevices(ctx context.Context, licenseID string) ([]*license.Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, license_id, device_hash, activated_at, last_seen_at
		from devices where license_id=$1 order by activated_at asc
	`, licenseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*license.Device
	for rows.Next() {
		var dev license.Device
		if err := rows.Scan(&dev.ID, &dev.LicenseID, &dev.DeviceHash, &dev.ActivatedAt, &dev.LastSeenAt); err != nil {
			return nil, err
		}
		out = append(out, &dev)
	}
	return out, rows.Err()
}

// BindDevice locks the owning license row, then either touches the
// existing binding or re-checks the slot count and inserts. The lock
// serializes concurrent activations for the same license, so the count
// check cannot race with the insert.
func (s *Store) BindDevice(ctx context.Context, licenseID, deviceHash string, maxDevices int, now time.Time) (*license.Device, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback() }()

	var dummy int
	if err := tx.QueryRowContext(ctx, `select 1 from licenses where id=$1 for update`, licenseID).Scan(&dummy); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, license.ErrNotFound
		}
		return nil, false, err
	}

	// Existing binding: idempotent touch.
	dev := &license.Device{LicenseID: licenseID, DeviceHash: deviceHash, LastSeenAt: now.UTC()}
	err = tx.QueryRowContext(ctx, `
		update devices set last_seen_at=$3
		where license_id=$1 and device_hash=$2
		returning id, activated_at
	`, licenseID, deviceHash, now.UTC()).Scan(&dev.ID, &dev.ActivatedAt)
	if err == nil {
		if err := tx.Commit(); err != nil {
			return nil, false, err
		}
		return dev, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}

	var count int
	if err := tx.QueryRowContext(ctx, `select count(*) from devices where license_id=$1`, licenseID).Scan(&count); err != nil {
		return nil, false, err
	}
	if count >= maxDevices {
		return nil, false, license.ErrDeviceLimitReached
	}

	dev.ID = ids.Device()
	dev.ActivatedAt = now.UTC()
	if _, err := tx.ExecContext(ctx, `
		insert into devices(id, license_id, device_hash, activated_at, last_seen_at)
		values ($1,$2,$3,$4,$5)
	`, dev.ID, licenseID, deviceHash, dev.ActivatedAt, dev.LastSeenAt); err != nil {
		if isUniqueViolation(err) {
			// The binding appeared concurrently. Fall back to the
			// idempotent touch path.
			_ = tx.Rollback()
			if terr := s.TouchDevice(ctx, licenseID, deviceHash, now); terr != nil {
				return nil, false, terr
			}
			existing, gerr := s.GetDevice(ctx, licenseID, deviceHash)
			if gerr != nil {
				return nil, false, gerr
			}
			return existing, false, nil
		}
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return dev, true, nil
}

func (s *Store) TouchDevice(ctx context.Context, licenseID, deviceHash string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update devices set last_seen_at=$3 where license_id=$1 and device_hash=$2
	`, licenseID, deviceHash, now.UTC())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return license.ErrDeviceNotRegistered
	}
	return nil
}

func (s *Store) RemoveDevice(ctx context.Context, licenseID, deviceHash string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		delete from devices where license_id=$1 and device_hash=$2
	`, licenseID, deviceHash)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- events ---

func (s *Store) AppendEvent(ctx context.Context, ev *audit.Event) error {
	if ev.ID == "" {
		ev.ID = ids.Event()
	}
	metaJSON, err := json.Marshal(ev.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into license_events(id, license_id, event_type, metadata, created_at)
		values ($1,nullif($2,''),$3,$4,$5)
	`, ev.ID, ev.LicenseID, ev.Type, metaJSON, ev.CreatedAt)
	return err
}

func (s *Store) ListEvents(ctx context.Context, licenseID string, limit int) ([]*audit.Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, coalesce(license_id,''), event_type, metadata, created_at
		from license_events
		where ($1 = '' or license_id = $1)
		order by created_at desc
		limit $2
	`, licenseID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*audit.Event
	for rows.Next() {
		var (
			ev       audit.Event
			metaJSON []byte
		)
		if err := rows.Scan(&ev.ID, &ev.LicenseID, &ev.Type, &metaJSON, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if len(metaJSON) > 0 {
			_ = json.Unmarshal(metaJSON, &ev.Metadata)
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// --- rate limit buckets ---

// ConsumeBucket is one conditional upsert: insert with count 1, reset when
// the stored window is stale, increment otherwise. Concurrent callers for
// the same key serialize on the row, so no request goes uncounted.
func (s *Store) ConsumeBucket(ctx context.Context, scope, key string, windowStart, now time.Time) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		insert into rate_limit_buckets(scope, limiter_key, window_start, request_count, updated_at)
		values ($1,$2,$3,1,$4)
		on conflict (scope, limiter_key) do update
		set request_count = case
		        when rate_limit_buckets.window_start < excluded.window_start then 1
		        else rate_limit_buckets.request_count + 1
		    end,
		    window_start = greatest(rate_limit_buckets.window_start, excluded.window_start),
		    updated_at = excluded.updated_at
		returning request_count
	`, scope, key, windowStart, now).Scan(&count)
	return count, err
}

// --- helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLicense(row rowScanner) (*license.License, error) {
	var (
		lic       license.License
		expiresAt sql.NullTime
	)
	err := row.Scan(&lic.ID, &lic.KeyHash, &lic.Plan, &lic.Status, &lic.MaxDevices,
		&lic.OwnerEmail, &lic.Notes, &lic.CreatedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, license.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		lic.ExpiresAt = &t
	}
	return &lic, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
