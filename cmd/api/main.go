package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"keygate.io/internal/adminauth"
	"keygate.io/internal/audit"
	"keygate.io/internal/httpapi"
	"keygate.io/internal/license"
	"keygate.io/internal/obs"
	"keygate.io/internal/ratelimit"
	"keygate.io/internal/store/pg"
	"keygate.io/internal/stream"
	"keygate.io/internal/token"
)

var version = "0.3.1"

func main() {
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("KEYGATE_COMMIT"))

	tokenSecret := os.Getenv("KEYGATE_TOKEN_SECRET")
	if tokenSecret == "" {
		log.Fatal("KEYGATE_TOKEN_SECRET is required")
	}
	keyHashSecret := os.Getenv("KEYGATE_KEY_HASH_SECRET")
	if keyHashSecret == "" {
		log.Fatal("KEYGATE_KEY_HASH_SECRET is required")
	}

	// Storage: Postgres when a DSN is configured, in-memory otherwise.
	// The in-memory store is for local runs and tests only.
	var (
		st      license.Store
		pgStore *pg.Store
	)
	if dsn := os.Getenv("KEYGATE_PG_DSN"); dsn != "" {
		var err error
		pgStore, err = pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		st = pgStore
	} else {
		log.Print("KEYGATE_PG_DSN is not set, using in-memory store")
		st = license.NewInMemory()
	}

	hasher, err := license.NewKeyHasher(keyHashSecret)
	if err != nil {
		log.Fatalf("key hasher: %v", err)
	}
	issuer, err := token.New(tokenSecret, token.WithPlanValidator(license.KnownPlan))
	if err != nil {
		log.Fatalf("token issuer: %v", err)
	}

	events := stream.New()
	recorder := audit.NewRecorder(st, events)

	var svcOpts []license.ServiceOption
	if apps := os.Getenv("KEYGATE_ALLOWED_APPS"); apps != "" {
		var allowed []string
		for _, app := range strings.Split(apps, ",") {
			if app = strings.TrimSpace(app); app != "" {
				allowed = append(allowed, app)
			}
		}
		svcOpts = append(svcOpts, license.WithAllowedApps(allowed))
	}

	svc, err := license.NewService(st, hasher, issuer, recorder, svcOpts...)
	if err != nil {
		log.Fatalf("license service: %v", err)
	}

	limiter := ratelimit.New(st)

	var admin *adminauth.Authenticator
	adminEmail := os.Getenv("KEYGATE_ADMIN_EMAIL")
	adminHash := os.Getenv("KEYGATE_ADMIN_PASSWORD_HASH")
	if adminEmail != "" && adminHash != "" {
		adminSecret := os.Getenv("KEYGATE_ADMIN_TOKEN_SECRET")
		if adminSecret == "" {
			adminSecret = tokenSecret
		}
		admin, err = adminauth.New(adminSecret, adminEmail, adminHash)
		if err != nil {
			log.Fatalf("admin auth: %v", err)
		}
	} else {
		log.Print("admin credentials not configured, management surface disabled")
	}

	probe := httpapi.ReadyProbe{}
	if pgStore != nil {
		probe.DB = pgStore.DB()
	}
	api := httpapi.New(probe, version, svc, limiter, admin, events)

	addr := os.Getenv("KEYGATE_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting keygate-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if pgStore != nil {
		_ = pgStore.Close()
	}
	log.Println("Stopped")
}
