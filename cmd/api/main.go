package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"

	"rigrent.io/internal/auth"
	"rigrent.io/internal/config"
	"rigrent.io/internal/httpapi"
	"rigrent.io/internal/ledger"
	"rigrent.io/internal/obs"
	"rigrent.io/internal/policy"
	"rigrent.io/internal/store/pg"
	"rigrent.io/internal/stream"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	cfg := config.Load()
	obs.Init()
	obs.InitBuildInfo(version, commit)

	evaluator, err := policy.NewEvaluator(policy.DefaultRules())
	if err != nil {
		log.Fatalf("policy table: %v", err)
	}

	oracle := ledger.NewSimulatedOracle(cfg.SettleSuccess)
	events := stream.New()

	// Postgres when a DSN is configured, in-memory otherwise. The
	// in-memory mode is for local development only.
	var (
		ldg   ledger.Service
		users auth.Store
		db    *sql.DB
	)
	if cfg.PostgresDSN != "" {
		store, err := pg.Open(cfg.PostgresDSN, oracle,
			pg.WithSettleTimeout(cfg.SettleTimeout),
			pg.WithEvents(events))
		if err != nil {
			log.Fatalf("open postgres: %v", err)
		}
		defer store.Close()
		ldg = store
		users = auth.NewPGStore(store.DB())
		db = store.DB()
	} else {
		log.Print("RIGRENT_PG_DSN not set, using in-memory storage")
		ldg = ledger.NewInMemory(oracle,
			ledger.WithSettleTimeout(cfg.SettleTimeout),
			ledger.WithEvents(events))
		mem := auth.NewInMemoryStore()
		if cfg.AdminEmail != "" && cfg.AdminPassword != "" {
			if err := bootstrapAdmin(mem, cfg.AdminEmail, cfg.AdminPassword); err != nil {
				log.Fatalf("bootstrap admin: %v", err)
			}
		}
		users = mem
	}

	api := httpapi.New(httpapi.ReadyProbe{DB: db}, version, ldg, users, evaluator, events,
		httpapi.WithLoginPath(cfg.LoginPath),
		httpapi.WithRateLimits(cfg.RateLimitBurst, cfg.RateLimitPerSec))

	corsMW := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           corsMW.Handler(api.Handler()),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("starting rigrent-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Print("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	log.Print("stopped")
}

func bootstrapAdmin(store auth.Store, email, password string) error {
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	return store.Create(context.Background(), auth.User{
		ID:           "admin",
		Email:        email,
		PasswordHash: hash,
		Role:         auth.RoleAdmin,
	})
}
