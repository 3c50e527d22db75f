package license

import (
	"testing"
	"time"
)

func TestParsePlan(t *testing.T) {
	cases := []struct {
		in   string
		want Plan
		ok   bool
	}{
		{"monthly", PlanMonthly, true},
		{"YEARLY", PlanYearly, true},
		{" lifetime ", PlanLifetime, true},
		{"weekly", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := ParsePlan(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("ParsePlan(%q): got (%q, %v), want (%q, %v)", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestPlanDuration(t *testing.T) {
	if d, expiring := PlanMonthly.Duration(); !expiring || d != 30*24*time.Hour {
		t.Fatalf("monthly: %v %v", d, expiring)
	}
	if d, expiring := PlanYearly.Duration(); !expiring || d != 365*24*time.Hour {
		t.Fatalf("yearly: %v %v", d, expiring)
	}
	if _, expiring := PlanLifetime.Duration(); expiring {
		t.Fatal("lifetime must not expire")
	}
}

func TestPlanCode(t *testing.T) {
	for plan, code := range map[Plan]string{PlanMonthly: "M", PlanYearly: "Y", PlanLifetime: "L"} {
		if got := plan.Code(); got != code {
			t.Fatalf("%s: want %s, got %s", plan, code, got)
		}
	}
}

func TestEvaluateStatus(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	cases := []struct {
		name    string
		lic     License
		want    Status
		changed bool
	}{
		{"active, no expiry", License{Status: StatusActive}, StatusActive, false},
		{"active, future expiry", License{Status: StatusActive, ExpiresAt: &future}, StatusActive, false},
		{"active, past expiry", License{Status: StatusActive, ExpiresAt: &past}, StatusExpired, true},
		{"already expired", License{Status: StatusExpired, ExpiresAt: &past}, StatusExpired, false},
		{"revoked with past expiry", License{Status: StatusRevoked, ExpiresAt: &past}, StatusRevoked, false},
	}
	for _, tc := range cases {
		got, changed := EvaluateStatus(&tc.lic, now)
		if got != tc.want || changed != tc.changed {
			t.Fatalf("%s: got (%s, %v), want (%s, %v)", tc.name, got, changed, tc.want, tc.changed)
		}
	}
}

func TestIsUsable(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	if _, err := IsUsable(&License{Status: StatusRevoked, Plan: PlanMonthly}, now); err != ErrRevoked {
		t.Fatalf("revoked: got %v", err)
	}
	if _, err := IsUsable(&License{Status: StatusActive, Plan: PlanMonthly, ExpiresAt: &past}, now); err != ErrExpired {
		t.Fatalf("expired: got %v", err)
	}

	until, err := IsUsable(&License{Status: StatusActive, Plan: PlanMonthly, ExpiresAt: &future}, now)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if until == nil || !until.Equal(future) {
		t.Fatalf("valid until: %v", until)
	}

	until, err = IsUsable(&License{Status: StatusActive, Plan: PlanLifetime}, now)
	if err != nil {
		t.Fatalf("lifetime: %v", err)
	}
	if until != nil {
		t.Fatalf("lifetime horizon must be nil, got %v", until)
	}
}
