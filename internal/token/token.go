// Package token builds and validates the signed assertions clients hold
// between server calls. Tokens are three base64url segments
// (header.payload.signature) signed with HMAC-SHA256 over the exact bytes
// of "header.payload".
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"keygate.io/internal/epoch"
)

// Kind distinguishes this token family from anything else signed with the
// same deployment secret.
const Kind = "keygate/license"

const (
	headerAlg = "HS256"
	headerTyp = "JWT"
)

// ErrInvalid is the only error Verify returns for a bad token. Callers must
// not be able to fingerprint why verification failed.
var ErrInvalid = errors.New("invalid token")

// Claims is the signed payload. ValidUntil and IssuedAt are unix seconds.
type Claims struct {
	Kind       string   `json:"kind"`
	LicenseID  string   `json:"license_id"`
	Plan       string   `json:"plan"`
	ValidUntil *int64   `json:"valid_until"`
	IssuedAt   int64    `json:"issued_at"`
	DeviceHash string   `json:"device_id_hash,omitempty"`
	App        string   `json:"app,omitempty"`
	Features   []string `json:"features,omitempty"`
}

// Issuer signs and verifies license tokens. The secret is injected once at
// construction; it is never read lazily per call.
type Issuer struct {
	secret []byte
	now    func() time.Time
	planOK func(string) bool
}

// Option configures Issuer behavior.
type Option func(*Issuer)

// WithPlanValidator installs the closed plan enumeration the verifier
// checks claims against. Without it any non-empty plan passes.
func WithPlanValidator(fn func(string) bool) Option {
	return func(i *Issuer) {
		if fn != nil {
			i.planOK = fn
		}
	}
}

// New builds an Issuer. An empty secret is a configuration error and must
// abort startup.
func New(secret string, opts ...Option) (*Issuer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("token: signing secret is not configured")
	}
	i := &Issuer{
		secret: []byte(secret),
		now:    time.Now,
		planOK: func(p string) bool { return strings.TrimSpace(p) != "" },
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// WithClock overrides the time source. Test use only.
func (i *Issuer) WithClock(fn func() time.Time) *Issuer {
	if fn != nil {
		i.now = fn
	}
	return i
}

// Issue encodes and signs the claims. Kind is forced and IssuedAt is
// stamped when unset.
func (i *Issuer) Issue(c Claims) (string, error) {
	c.Kind = Kind
	if c.IssuedAt == 0 {
		c.IssuedAt = i.now().Unix()
	}
	headerJSON, err := json.Marshal(map[string]string{"alg": headerAlg, "typ": headerTyp})
	if err != nil {
		return "", err
	}
	payloadJSON, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	signingString := base64.RawURLEncoding.EncodeToString(headerJSON) +
		"." + base64.RawURLEncoding.EncodeToString(payloadJSON)
	sig := i.sign(signingString)
	return signingString + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// Verify checks structure and signature and returns fully-typed claims.
// Every failure, structural or cryptographic, is ErrInvalid.
func (i *Issuer) Verify(raw string) (Claims, error) {
	segments := strings.Split(strings.TrimSpace(raw), ".")
	if len(segments) != 3 {
		return Claims{}, ErrInvalid
	}
	headerJSON, err := base64.RawURLEncoding.DecodeString(segments[0])
	if err != nil {
		return Claims{}, ErrInvalid
	}
	var header map[string]any
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return Claims{}, ErrInvalid
	}
	if alg, _ := header["alg"].(string); alg != headerAlg {
		return Claims{}, ErrInvalid
	}
	if typ, _ := header["typ"].(string); typ != headerTyp {
		return Claims{}, ErrInvalid
	}

	sig, err := base64.RawURLEncoding.DecodeString(segments[2])
	if err != nil {
		return Claims{}, ErrInvalid
	}
	expected := i.sign(segments[0] + "." + segments[1])
	if subtle.ConstantTimeCompare(sig, expected) != 1 {
		return Claims{}, ErrInvalid
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(segments[1])
	if err != nil {
		return Claims{}, ErrInvalid
	}
	return i.parseClaims(payloadJSON)
}

func (i *Issuer) sign(signingString string) []byte {
	mac := hmac.New(sha256.New, i.secret)
	mac.Write([]byte(signingString))
	return mac.Sum(nil)
}

// parseClaims validates the decoded payload into a fully-typed Claims value
// or rejects it outright; partially populated claims never escape.
func (i *Issuer) parseClaims(payloadJSON []byte) (Claims, error) {
	var payload map[string]any
	if err := json.Unmarshal(payloadJSON, &payload); err != nil {
		return Claims{}, ErrInvalid
	}

	var c Claims
	kind, _ := payload["kind"].(string)
	if kind != Kind {
		return Claims{}, ErrInvalid
	}
	c.Kind = kind

	licenseID, _ := payload["license_id"].(string)
	if strings.TrimSpace(licenseID) == "" {
		return Claims{}, ErrInvalid
	}
	c.LicenseID = licenseID

	planRaw, _ := payload["plan"].(string)
	if !i.planOK(planRaw) {
		return Claims{}, ErrInvalid
	}
	c.Plan = planRaw

	issuedAt, ok := toUnixSeconds(payload["issued_at"])
	if !ok {
		return Claims{}, ErrInvalid
	}
	c.IssuedAt = issuedAt

	if v, present := payload["valid_until"]; present && v != nil {
		validUntil, ok := toUnixSeconds(v)
		if !ok {
			return Claims{}, ErrInvalid
		}
		c.ValidUntil = &validUntil
	}

	if v, present := payload["device_id_hash"]; present && v != nil {
		s, ok := v.(string)
		if !ok {
			return Claims{}, ErrInvalid
		}
		c.DeviceHash = s
	}
	if v, present := payload["app"]; present && v != nil {
		s, ok := v.(string)
		if !ok {
			return Claims{}, ErrInvalid
		}
		c.App = s
	}
	if v, present := payload["features"]; present && v != nil {
		list, ok := v.([]any)
		if !ok {
			return Claims{}, ErrInvalid
		}
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return Claims{}, ErrInvalid
			}
			c.Features = append(c.Features, s)
		}
	}
	return c, nil
}

// toUnixSeconds accepts unix seconds as well as millisecond-encoded legacy
// values, normalizing through the epoch package.
func toUnixSeconds(v any) (int64, bool) {
	num, ok := v.(float64)
	if !ok {
		return 0, false
	}
	ms, ok := epoch.Normalize(num)
	if !ok {
		return 0, false
	}
	return ms / 1000, true
}
