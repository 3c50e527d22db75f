package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"time"

	"keygate.io/pkg/client"
)

func main() {
	baseURL := os.Getenv("KEYGATE_API_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	adminEmail := os.Getenv("KEYGATE_ADMIN_EMAIL")
	adminPassword := os.Getenv("KEYGATE_ADMIN_PASSWORD")
	if adminEmail == "" || adminPassword == "" {
		log.Fatal("KEYGATE_ADMIN_EMAIL and KEYGATE_ADMIN_PASSWORD are required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c := client.New(baseURL)
	if err := c.AdminLogin(ctx, adminEmail, adminPassword); err != nil {
		log.Fatalf("admin login at %s: %v", baseURL, err)
	}

	created, err := c.CreateLicense(ctx, client.CreateLicenseParams{
		Plan:       "monthly",
		MaxDevices: 2,
		Notes:      "smoke probe",
	})
	if err != nil {
		log.Fatalf("create license: %v", err)
	}
	key := created.LicenseKey

	devA, devB, devC := deviceHash(), deviceHash(), deviceHash()

	resA, err := c.Activate(ctx, key, devA, "smoke", "0.0.1")
	if err != nil {
		log.Fatalf("activate A: %v", err)
	}
	if _, err := c.Activate(ctx, key, devB, "smoke", "0.0.1"); err != nil {
		log.Fatalf("activate B: %v", err)
	}

	// Third device must bounce off the slot limit.
	if _, err := c.Activate(ctx, key, devC, "smoke", "0.0.1"); !client.IsCode(err, "device_limit_reached") {
		log.Fatalf("activate C: want device_limit_reached, got %v", err)
	}

	if _, err := c.Refresh(ctx, resA.Token, devA); err != nil {
		log.Fatalf("refresh A: %v", err)
	}

	if _, err := c.RevokeDevice(ctx, created.License.ID, devB); err != nil {
		log.Fatalf("revoke device B: %v", err)
	}
	if _, err := c.Activate(ctx, key, devC, "smoke", "0.0.1"); err != nil {
		log.Fatalf("activate C after slot freed: %v", err)
	}

	st, err := c.Status(ctx, key)
	if err != nil {
		log.Fatalf("status: %v", err)
	}
	if st.DeviceCount != 2 {
		log.Fatalf("device count after lifecycle: want 2, got %d", st.DeviceCount)
	}

	if _, err := c.RevokeLicense(ctx, created.License.ID); err != nil {
		log.Fatalf("revoke license: %v", err)
	}
	if _, err := c.Activate(ctx, key, devA, "smoke", "0.0.1"); !client.IsCode(err, "revoked") {
		log.Fatalf("activate after revoke: want revoked, got %v", err)
	}

	fmt.Printf("✅ keygate smoke test passed: license=%s\n", created.License.ID)
}

func deviceHash() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		log.Fatalf("rand: %v", err)
	}
	return hex.EncodeToString(buf)
}
