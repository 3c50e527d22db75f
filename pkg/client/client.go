// Package client is a small HTTP SDK for the keygate API, used by the
// smoke probe and suitable for embedding into licensed applications.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// APIError carries the machine-readable code returned by the service.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("keygate: %s (%s, http %d)", e.Message, e.Code, e.StatusCode)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	adminToken string
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithAdminToken sets the bearer token for the management endpoints.
func WithAdminToken(token string) Option {
	return func(c *Client) { c.adminToken = token }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type License struct {
	ID         string     `json:"id"`
	Plan       string     `json:"plan"`
	Status     string     `json:"status"`
	MaxDevices int        `json:"max_devices"`
	OwnerEmail string     `json:"owner_email,omitempty"`
	Notes      string     `json:"notes,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

type Device struct {
	ID          string    `json:"id"`
	LicenseID   string    `json:"license_id"`
	DeviceHash  string    `json:"device_hash"`
	ActivatedAt time.Time `json:"activated_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

type TokenResult struct {
	Token   string   `json:"token"`
	License *License `json:"license"`
}

type StatusResult struct {
	License     *License   `json:"license"`
	ValidUntil  *time.Time `json:"valid_until,omitempty"`
	DeviceCount int        `json:"device_count"`
	Devices     []*Device  `json:"devices"`
}

type CreateLicenseResult struct {
	License    *License `json:"license"`
	LicenseKey string   `json:"license_key"`
}

// Activate binds the device to the license and returns a signed token.
func (c *Client) Activate(ctx context.Context, licenseKey, deviceHash, app, version string) (*TokenResult, error) {
	var res TokenResult
	err := c.do(ctx, http.MethodPost, "/v1/license/activate", map[string]string{
		"license_key":    licenseKey,
		"device_id_hash": deviceHash,
		"app":            app,
		"version":        version,
	}, &res, false)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// Refresh re-issues the token with a recomputed validity horizon.
func (c *Client) Refresh(ctx context.Context, token, deviceHash string) (*TokenResult, error) {
	var res TokenResult
	err := c.do(ctx, http.MethodPost, "/v1/license/refresh", map[string]string{
		"token":          token,
		"device_id_hash": deviceHash,
	}, &res, false)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// Deactivate frees the device slot. Returns the number of removed bindings.
func (c *Client) Deactivate(ctx context.Context, token, deviceHash string) (int64, error) {
	var res struct {
		Removed int64 `json:"removed"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/license/deactivate", map[string]string{
		"token":          token,
		"device_id_hash": deviceHash,
	}, &res, false)
	return res.Removed, err
}

// Status reports the license state without consuming a device slot.
func (c *Client) Status(ctx context.Context, licenseKey string) (*StatusResult, error) {
	var res StatusResult
	err := c.do(ctx, http.MethodPost, "/v1/license/status", map[string]string{
		"license_key": licenseKey,
	}, &res, false)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// AdminLogin exchanges operator credentials for a bearer token and stores
// it on the client.
func (c *Client) AdminLogin(ctx context.Context, email, password string) error {
	var res struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/admin/token", map[string]string{
		"email":    email,
		"password": password,
	}, &res, false)
	if err != nil {
		return err
	}
	c.adminToken = res.Token
	return nil
}

type CreateLicenseParams struct {
	Plan       string     `json:"plan"`
	MaxDevices int        `json:"max_devices"`
	OwnerEmail string     `json:"owner_email,omitempty"`
	Notes      string     `json:"notes,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

func (c *Client) CreateLicense(ctx context.Context, p CreateLicenseParams) (*CreateLicenseResult, error) {
	var res CreateLicenseResult
	if err := c.do(ctx, http.MethodPost, "/v1/admin/licenses", p, &res, true); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) RevokeLicense(ctx context.Context, licenseID string) (*License, error) {
	var res License
	err := c.do(ctx, http.MethodPost, "/v1/admin/licenses/"+url.PathEscape(licenseID)+"/revoke", nil, &res, true)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) RevokeDevice(ctx context.Context, licenseID, deviceHash string) (int64, error) {
	var res struct {
		Removed int64 `json:"removed"`
	}
	path := "/v1/admin/licenses/" + url.PathEscape(licenseID) + "/devices/" + url.PathEscape(deviceHash)
	err := c.do(ctx, http.MethodDelete, path, nil, &res, true)
	return res.Removed, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, admin bool) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if admin {
		if c.adminToken == "" {
			return errors.New("keygate: admin token is not set")
		}
		req.Header.Set("Authorization", "Bearer "+c.adminToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Code: "unknown", Message: http.StatusText(resp.StatusCode)}
		var decoded struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(payload, &decoded) == nil && decoded.Error != "" {
			apiErr.Code = decoded.Error
			if decoded.Message != "" {
				apiErr.Message = decoded.Message
			}
		}
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("keygate: decode response: %w", err)
		}
	}
	return nil
}
