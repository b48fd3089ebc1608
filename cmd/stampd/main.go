package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/credlink/stampd/internal/health"
	"github.com/credlink/stampd/internal/policy"
	"github.com/credlink/stampd/internal/provider"
	"github.com/credlink/stampd/internal/queue"
	"github.com/credlink/stampd/internal/routing"
	"github.com/credlink/stampd/internal/shared/auth"
	"github.com/credlink/stampd/internal/shared/config"
	"github.com/credlink/stampd/internal/shared/database"
	"github.com/credlink/stampd/internal/shared/events"
	"github.com/credlink/stampd/internal/shared/metrics"
	secmiddleware "github.com/credlink/stampd/internal/shared/middleware"
	"github.com/credlink/stampd/internal/shared/types"
	"github.com/credlink/stampd/internal/signing"
	"github.com/credlink/stampd/internal/validate"
)

// devTenantID is the tenant seeded when no database is configured, so the
// service is usable out of the box in local development.
const devTenantID = "00000000-0000-0000-0000-000000000001"

// App holds all application dependencies
type App struct {
	Config *config.Config
	DB     *database.DB
	Bus    *events.Bus
}

func main() {
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	app := &App{Config: cfg}

	// Database is optional: without it the retry queue and tenant policies
	// live in memory and do not survive a restart.
	db, err := database.New(ctx, cfg.Database)
	if err != nil {
		fmt.Printf("Warning: Database not available: %v\n", err)
		fmt.Println("Running with in-memory queue and policies...")
	} else {
		app.DB = db
		defer db.Close()

		if err := database.Migrate(ctx, db.Pool); err != nil {
			fmt.Printf("Warning: Migration failed: %v\n", err)
		}
	}

	// Event bus is optional: without it dead letters are only logged.
	if cfg.EventStore.Enabled {
		bus, err := events.NewBus(ctx, cfg.EventStore)
		if err != nil {
			fmt.Printf("Warning: Event store not available: %v\n", err)
			fmt.Println("Running without dead-letter event reporting...")
		} else {
			app.Bus = bus
			defer bus.Close()
			fmt.Println("Event bus initialized")
		}
	}

	registry, err := provider.NewRegistry(cfg.TSA.Providers)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid provider configuration: %v\n", err)
		os.Exit(1)
	}

	monitor := health.NewMonitor(registry, cfg.TSA.ProbeInterval, cfg.TSA.FailbackGreens)
	go monitor.Run(ctx)

	engine := routing.NewEngine(registry, monitor, validate.NewValidator(), cfg.TSA.HedgeDelay)

	var policies policy.Store
	if app.DB != nil {
		policies = policy.NewPostgresStore(app.DB.Pool)
	} else {
		policies = seedDevPolicies(cfg.TSA.Providers)
	}

	var store queue.Store
	if app.DB != nil {
		store = queue.NewPostgresStore(app.DB.Pool, cfg.TSA.QueueCapacity)
	} else {
		store = queue.NewMemoryStore(cfg.TSA.QueueCapacity)
	}

	var bus events.EventBus
	if app.Bus != nil {
		bus = app.Bus
	}

	service := signing.NewService(policies, engine, store, monitor, bus, cfg.TSA)

	drainer := queue.NewDrainer(store, service.RetryQueued, bus,
		cfg.TSA.DrainInterval, cfg.TSA.DrainBatch, cfg.TSA.DrainWorkers)
	go drainer.Run(ctx)

	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(secmiddleware.SecurityHeaders)
	r.Use(metrics.Middleware)

	// Health checks (unauthenticated)
	r.Get("/health", healthHandler)
	r.Get("/ready", readyHandler(app))
	r.Handle("/metrics", metrics.Handler())

	r.Get("/", infoHandler)

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.Server.Env == "production" {
			r.Use(auth.Middleware(cfg.Auth))
		} else {
			r.Use(devTenant)
		}
		r.Use(secmiddleware.RateLimiter(200, 400))
		r.Use(secmiddleware.NewIPRateLimiter(50, 100).Middleware)

		r.Mount("/", signing.NewHandler(service).Routes())
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	done := make(chan bool)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		fmt.Println("\nShutting down server...")

		stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			fmt.Printf("Server shutdown error: %v\n", err)
		}
		close(done)
	}()

	fmt.Println("============================================")
	fmt.Println("stampd - RFC 3161 TSA Redundancy Client")
	fmt.Println("============================================")
	fmt.Printf("Environment:    %s\n", cfg.Server.Env)
	fmt.Printf("Server:         http://localhost:%d\n", cfg.Server.Port)
	fmt.Printf("API:            http://localhost:%d/api/v1\n", cfg.Server.Port)
	fmt.Printf("Providers:      %d configured\n", registry.Len())
	for _, p := range cfg.TSA.Providers {
		fmt.Printf("  - %-12s %s\n", p.ID, p.Endpoint)
	}
	fmt.Printf("Hedge delay:    %s\n", cfg.TSA.HedgeDelay)
	fmt.Printf("Probe interval: %s\n", cfg.TSA.ProbeInterval)
	fmt.Printf("Queue capacity: %d\n", cfg.TSA.QueueCapacity)
	fmt.Println("============================================")

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}

	<-done
	fmt.Println("Server stopped")
}

// seedDevPolicies builds an in-memory policy store with one development
// tenant accepting every policy OID the configured providers issue under.
func seedDevPolicies(providers []config.ProviderConfig) policy.Store {
	var oids []string
	var priority []string
	for _, p := range providers {
		oids = append(oids, p.AcceptedPolicyOIDs...)
		priority = append(priority, p.ID)
	}

	store := policy.NewMemoryStore()
	store.Put(&policy.TenantTSAPolicy{
		TenantID:           types.MustParseID(devTenantID),
		AcceptedPolicyOIDs: oids,
		RoutingPriority:    priority,
	})
	fmt.Printf("Development tenant seeded: %s\n", devTenantID)
	return store
}

// devTenant injects the development tenant identity outside production.
func devTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := &auth.Tenant{
			ID:     types.MustParseID(devTenantID),
			Name:   "development",
			Scopes: []string{"timestamps:write", "timestamps:read"},
		}
		ctx := context.WithValue(r.Context(), auth.TenantContextKey, tenant)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func infoHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"name":    "stampd",
		"version": "0.1.0",
		"docs":    "/api/v1",
	})
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "healthy",
	})
}

func readyHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"server": "ready",
		}

		if app.DB != nil {
			if err := app.DB.Health(r.Context()); err != nil {
				checks["database"] = "not ready: " + err.Error()
			} else {
				checks["database"] = "ready"
			}
		} else {
			checks["database"] = "not configured"
		}

		if app.Bus != nil {
			if err := app.Bus.Health(); err != nil {
				checks["eventstore"] = "not ready: " + err.Error()
			} else {
				checks["eventstore"] = "ready"
			}
		} else {
			checks["eventstore"] = "not configured"
		}

		allReady := true
		for _, status := range checks {
			if status != "ready" && status != "not configured" {
				allReady = false
				break
			}
		}

		status := http.StatusOK
		if !allReady {
			status = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]any{
			"status": map[bool]string{true: "ready", false: "not ready"}[allReady],
			"checks": checks,
		})
	}
}
