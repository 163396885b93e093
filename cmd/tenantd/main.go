package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/riandyrn/otelchi"

	"github.com/agenthost/tenantd/internal/adapter/fsm"
	"github.com/agenthost/tenantd/internal/adapter/local"
	"github.com/agenthost/tenantd/internal/adapter/river"
	s3store "github.com/agenthost/tenantd/internal/adapter/s3"
	"github.com/agenthost/tenantd/internal/adapter/sqlite"
	"github.com/agenthost/tenantd/internal/app"
	"github.com/agenthost/tenantd/internal/domain"

	handler "github.com/agenthost/tenantd/internal/adapter/http"
	otelad "github.com/agenthost/tenantd/internal/adapter/otel"
)

func main() {
	port := envOrDefault("PORT", "8080")
	dbPath := envOrDefault("DATABASE_PATH", "tenantd.db")
	dataDir := envOrDefault("DATA_DIR", "data")
	stepTimeout := envDuration("STEP_TIMEOUT", app.DefaultStepTimeout)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx := context.Background()

	// --- Observability ---
	providers, err := otelad.Setup(ctx, otelad.ConfigFromEnv())
	if err != nil {
		log.Fatalf("otel: %v", err)
	}

	// --- Adapters (out) ---
	db, err := otelad.OpenDB(dbPath)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()

	store, err := sqlite.NewFromDB(db)
	if err != nil {
		log.Fatalf("migrations: %v", err)
	}

	tenants := otelad.NewTracingTenantRepository(store.Tenants())
	jobs := otelad.NewTracingJobRepository(store.Jobs())
	roles := store.Roles()

	objects, err := newObjectStore(ctx, dataDir)
	if err != nil {
		log.Fatalf("object store: %v", err)
	}

	infra, err := local.NewProvider(envOrDefault("INFRA_DIR", dataDir+"/infra"), logger)
	if err != nil {
		log.Fatalf("infra provider: %v", err)
	}

	jobFSM := fsm.New(domain.JobTransitions)
	tenantFSM := fsm.New(domain.TenantTransitions)

	// --- Application ---
	registry := domain.DefaultRegistry()
	broker := app.NewBroker()

	engine := app.NewEngine(app.EngineConfig{
		Registry:    registry,
		Jobs:        jobs,
		Tenants:     tenants,
		Store:       objects,
		Infra:       infra,
		Roles:       roles,
		JobFSM:      jobFSM,
		TenantFSM:   tenantFSM,
		Broker:      broker,
		StepTimeout: stepTimeout,
		Logger:      logger,
	})

	// --- Job queue ---
	riverClient, err := river.Setup(ctx, db, engine)
	if err != nil {
		log.Fatalf("river: %v", err)
	}

	svc := app.NewService(app.ServiceConfig{
		Registry:  registry,
		Tenants:   tenants,
		Jobs:      jobs,
		Store:     objects,
		Roles:     roles,
		Launcher:  otelad.NewTracingLauncher(river.NewLauncher(riverClient)),
		TenantFSM: tenantFSM,
		Broker:    broker,
		Logger:    logger,
	})

	// Jobs left running by a previous process can never finish; fail
	// them before the queue starts accepting work.
	if _, err := svc.SweepOrphans(ctx); err != nil {
		log.Fatalf("orphan sweep: %v", err)
	}

	if err := riverClient.Start(ctx); err != nil {
		log.Fatalf("starting river: %v", err)
	}

	// --- Adapters (in) ---
	router := chi.NewMux()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(middleware.RequestID)
	router.Use(otelchi.Middleware("tenantd", otelchi.WithChiRoutes(router)))

	api := humachi.New(router, huma.DefaultConfig("tenantd", "0.1.0"))
	handler.Register(api, svc)

	// --- Server ---
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown.
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Printf("tenantd listening on :%s", port)
		log.Printf("API docs: http://localhost:%s/docs", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server: %v", err)
		}
	}()

	<-done
	log.Println("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
	if err := riverClient.Stop(shutdownCtx); err != nil {
		log.Printf("river shutdown error: %v", err)
	}
	if err := providers.Shutdown(shutdownCtx); err != nil {
		log.Printf("otel shutdown error: %v", err)
	}

	log.Println("stopped")
}

// newObjectStore returns an S3-backed store when S3_BUCKET is set,
// otherwise a filesystem store under dataDir.
func newObjectStore(ctx context.Context, dataDir string) (domain.ObjectStore, error) {
	if bucket := os.Getenv("S3_BUCKET"); bucket != "" {
		return s3store.NewStore(ctx, s3store.Config{
			Endpoint:  os.Getenv("S3_ENDPOINT"),
			Region:    envOrDefault("S3_REGION", "auto"),
			Bucket:    bucket,
			AccessKey: os.Getenv("S3_ACCESS_KEY"),
			SecretKey: os.Getenv("S3_SECRET_KEY"),
		})
	}
	return local.NewStore(dataDir + "/objects")
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("invalid %s %q, using %s", key, v, fallback)
		return fallback
	}
	return d
}
