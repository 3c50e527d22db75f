package license

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const keyPrefix = "KG"

// keyAlphabet excludes visually ambiguous characters (0/O, 1/I/L, 5/S, 8/B)
// because keys are read aloud and typed by hand.
const keyAlphabet = "ACDEFGHJKMNPQRTUVWXYZ234679"

const (
	keyGroups    = 3
	keyGroupSize = 4
)

// KeyHasher produces the keyed hash under which license keys are stored and
// looked up. The plaintext key never reaches storage.
type KeyHasher struct {
	secret []byte
}

// NewKeyHasher builds a hasher from the deployment secret. An empty secret
// is a configuration error, surfaced at startup rather than per request.
func NewKeyHasher(secret string) (*KeyHasher, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("license: key hash secret is not configured")
	}
	return &KeyHasher{secret: []byte(secret)}, nil
}

// Hash returns the hex HMAC-SHA256 of the canonicalized key.
func (h *KeyHasher) Hash(key string) string {
	mac := hmac.New(sha256.New, h.secret)
	mac.Write([]byte(CanonicalKey(key)))
	return hex.EncodeToString(mac.Sum(nil))
}

// CanonicalKey normalizes hand-typed input: trimmed, upper-cased.
func CanonicalKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}

// GenerateKey produces a structured human-typed key for the plan, e.g.
// KG-M-7XKC-Q2NA-HW4D.
func GenerateKey(plan Plan) (string, error) {
	segments := make([]string, 0, keyGroups+2)
	segments = append(segments, keyPrefix, plan.Code())
	for i := 0; i < keyGroups; i++ {
		group, err := randomGroup(keyGroupSize)
		if err != nil {
			return "", fmt.Errorf("license: generate key: %w", err)
		}
		segments = append(segments, group)
	}
	return strings.Join(segments, "-"), nil
}

func randomGroup(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = keyAlphabet[int(b)%len(keyAlphabet)]
	}
	return string(out), nil
}
