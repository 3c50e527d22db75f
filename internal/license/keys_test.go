package license

import (
	"strings"
	"testing"
)

func TestGenerateKeyFormat(t *testing.T) {
	cases := []struct {
		plan Plan
		code string
	}{
		{PlanMonthly, "M"},
		{PlanYearly, "Y"},
		{PlanLifetime, "L"},
	}
	for _, tc := range cases {
		key, err := GenerateKey(tc.plan)
		if err != nil {
			t.Fatalf("generate %s: %v", tc.plan, err)
		}
		parts := strings.Split(key, "-")
		if len(parts) != 5 {
			t.Fatalf("key %q: want 5 segments, got %d", key, len(parts))
		}
		if parts[0] != "KG" {
			t.Fatalf("key %q: bad prefix %q", key, parts[0])
		}
		if parts[1] != tc.code {
			t.Fatalf("key %q: want plan code %q, got %q", key, tc.code, parts[1])
		}
		for _, group := range parts[2:] {
			if len(group) != 4 {
				t.Fatalf("key %q: group %q is not 4 chars", key, group)
			}
			for _, ch := range group {
				if !strings.ContainsRune(keyAlphabet, ch) {
					t.Fatalf("key %q: character %q outside alphabet", key, ch)
				}
			}
		}
	}
}

func TestGenerateKeyUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		key, err := GenerateKey(PlanMonthly)
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if seen[key] {
			t.Fatalf("duplicate key after %d iterations: %s", i, key)
		}
		seen[key] = true
	}
}

func TestKeyHasher(t *testing.T) {
	if _, err := NewKeyHasher("  "); err == nil {
		t.Fatal("want error for blank secret")
	}

	h, err := NewKeyHasher("test-secret")
	if err != nil {
		t.Fatalf("new hasher: %v", err)
	}

	const key = "KG-M-7XKC-Q2NA-HW4D"
	if h.Hash(key) != h.Hash(key) {
		t.Fatal("hash is not deterministic")
	}
	if h.Hash(key) != h.Hash("  kg-m-7xkc-q2na-hw4d  ") {
		t.Fatal("hash must canonicalize case and whitespace")
	}
	if h.Hash(key) == h.Hash("KG-M-7XKC-Q2NA-HW4E") {
		t.Fatal("distinct keys must not collide")
	}

	other, err := NewKeyHasher("other-secret")
	if err != nil {
		t.Fatalf("new hasher: %v", err)
	}
	if h.Hash(key) == other.Hash(key) {
		t.Fatal("hash must depend on the secret")
	}

	if len(h.Hash(key)) != 64 {
		t.Fatalf("want 64 hex chars, got %d", len(h.Hash(key)))
	}
}

func TestCanonicalKey(t *testing.T) {
	if got := CanonicalKey("  kg-y-aaaa-cccc-dddd "); got != "KG-Y-AAAA-CCCC-DDDD" {
		t.Fatalf("canonical key: got %q", got)
	}
}
