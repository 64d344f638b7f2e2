// Sweeper entry point: finds documents parked mid-pipeline (SUBMITTED or
// TIMED_OUT past a staleness threshold) and resumes their authorization
// under the owning tenant's scope, on a schedule or as a one-shot pass.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"emisor/internal/core/fiscal"
	"emisor/internal/core/id"
	"emisor/internal/core/tenant"
	"emisor/internal/domain/issuance"
	"emisor/internal/infrastructure/authority/sri"
	"emisor/internal/infrastructure/signing"
	"emisor/internal/infrastructure/storage/postgres"
	"emisor/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	log, err := logger.New(logger.Config{
		Level:       getEnv("LOG_LEVEL", "info"),
		Development: getEnv("APP_ENV", "production") == "development",
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	dsn, err := mustEnv("DATABASE_URL")
	if err != nil {
		return err
	}
	receptionURL, err := mustEnv("AUTHORITY_RECEPTION_URL")
	if err != nil {
		return err
	}
	authorizationURL, err := mustEnv("AUTHORITY_AUTHORIZATION_URL")
	if err != nil {
		return err
	}
	credentialDir := getEnv("CREDENTIAL_DIR", "/var/lib/emisor/credentials")
	credentialKey, err := mustEnv("CREDENTIAL_KEY")
	if err != nil {
		return err
	}

	// SWEEP_INTERVAL=0 runs a single pass and exits (operator one-shot).
	interval := getDurationEnv("SWEEP_INTERVAL", 5*time.Minute)
	staleness := getDurationEnv("SWEEP_STALENESS", 10*time.Minute)
	batchSize := getIntEnv("SWEEP_BATCH_SIZE", 100)
	// Resumptions hit the authority; throttle so a large backlog does
	// not flood it.
	resumeRate := getIntEnv("SWEEP_RATE_PER_SECOND", 2)

	pool, err := postgres.NewPool(ctx, postgres.DefaultPoolConfig(dsn))
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	txManager := postgres.NewTxManager(pool)
	docRepo := postgres.NewDocumentRepo(txManager)
	tenantRepo := postgres.NewTenantRepo(txManager)
	allocator := postgres.NewSequenceAllocator(txManager)

	trail, err := postgres.NewTransitionTrail(txManager)
	if err != nil {
		return fmt.Errorf("init transition trail: %w", err)
	}

	key, err := hex.DecodeString(credentialKey)
	if err != nil {
		return fmt.Errorf("decode CREDENTIAL_KEY: %w", err)
	}
	passwords, err := signing.NewPasswordCipher(key)
	if err != nil {
		return fmt.Errorf("init credential cipher: %w", err)
	}

	blobs := signing.NewFileBlobStore(credentialDir)
	signer := signing.NewEnvelopeSigner(signing.NewPKCS12Source(blobs, passwords))
	authority := sri.NewClient(sri.DefaultConfig(receptionURL, authorizationURL))

	service := issuance.NewService(issuance.DefaultConfig(), txManager, docRepo, trail, allocator, signer, authority)

	sw := &sweeper{
		docs:    docRepo,
		tenants: tenantRepo,
		service: service,
		limiter: rate.NewLimiter(rate.Limit(resumeRate), 1),
		batch:   uint64(batchSize),
		stale:   staleness,
	}

	log.Infow("sweeper started", "interval", interval.String(), "staleness", staleness.String())

	// One immediate pass so a restart does not wait a full interval.
	sw.sweep(ctx)

	if interval <= 0 {
		log.Infow("single pass done")
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Infow("sweeper stopped")
			return nil
		case <-ticker.C:
			sw.sweep(ctx)
		}
	}
}

type sweeper struct {
	docs    *postgres.DocumentRepo
	tenants *postgres.TenantRepo
	service *issuance.Service
	limiter *rate.Limiter
	batch   uint64
	stale   time.Duration
}

func (s *sweeper) sweep(ctx context.Context) {
	sysCtx := tenant.WithSystemScope(ctx)

	stuck, err := s.docs.ListStuck(sysCtx, time.Now().UTC().Add(-s.stale), s.batch)
	if err != nil {
		logger.Error(ctx, "list stuck documents failed", "error", err)
		return
	}
	if len(stuck) == 0 {
		return
	}

	logger.Info(ctx, "resuming stuck documents", "count", len(stuck))

	for _, doc := range stuck {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		s.resume(ctx, doc)
	}
}

// resume runs one document's pipeline under its owning tenant's scope.
// The system scope used for the cross-tenant listing must not leak into
// the resumption; the service sees an ordinary tenant context.
func (s *sweeper) resume(ctx context.Context, doc *fiscal.Document) {
	tenantID, err := id.Parse(doc.TenantID)
	if err != nil {
		logger.Error(ctx, "stuck document has invalid tenant id",
			"document_id", doc.ID.String(), "tenant_id", doc.TenantID)
		return
	}

	t, err := s.tenants.GetByID(tenant.WithSystemScope(ctx), tenantID)
	if err != nil {
		logger.Error(ctx, "resolve tenant for stuck document failed",
			"document_id", doc.ID.String(), "tenant_id", doc.TenantID, "error", err)
		return
	}
	if !t.IsActive() {
		logger.Warn(ctx, "skipping stuck document of inactive tenant",
			"document_id", doc.ID.String(), "tenant_id", doc.TenantID)
		return
	}

	docCtx := tenant.WithTenant(tenant.Clear(ctx), t)
	if _, err := s.service.ResumeAuthorization(docCtx, doc.ID); err != nil {
		logger.Warn(docCtx, "resume failed",
			"document_id", doc.ID.String(), "status", string(doc.Status), "error", err)
		return
	}

	logger.Info(docCtx, "document resumed", "document_id", doc.ID.String())
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func mustEnv(key string) (string, error) {
	v := os.Getenv(key)
	if v == "" {
		return "", fmt.Errorf("required environment variable %s is not set", key)
	}
	return v, nil
}

func getIntEnv(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getDurationEnv(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
