// Server entry point: wires the pool, repositories, signer, authority
// client and orchestrator, then serves the HTTP API.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"emisor/internal/domain/issuance"
	"emisor/internal/infrastructure/authority/sri"
	v1 "emisor/internal/infrastructure/http/v1"
	"emisor/internal/infrastructure/http/v1/handlers"
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

	ctx := context.Background()

	dsn, err := mustEnv("DATABASE_URL")
	if err != nil {
		return err
	}
	jwtSecret, err := mustEnv("JWT_SECRET")
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

	passwords, err := newPasswordCipher(credentialKey)
	if err != nil {
		return err
	}

	blobs := signing.NewFileBlobStore(credentialDir)
	credentials := signing.NewPKCS12Source(blobs, passwords)
	signer := signing.NewEnvelopeSigner(credentials)

	authority := sri.NewClient(sri.DefaultConfig(receptionURL, authorizationURL))

	svcCfg := issuance.DefaultConfig()
	svcCfg.PollInterval = getDurationEnv("POLL_INTERVAL", svcCfg.PollInterval)
	svcCfg.PollAttempts = getIntEnv("POLL_ATTEMPTS", svcCfg.PollAttempts)
	service := issuance.NewService(svcCfg, txManager, docRepo, trail, allocator, signer, authority)

	router := v1.NewRouter(v1.RouterConfig{
		Log:            log,
		JWTSecret:      jwtSecret,
		TenantResolver: tenantRepo,
		Documents:      handlers.NewDocumentHandler(service, trail),
		Health:         handlers.NewHealthHandler(pool),
	})

	addr := getEnv("LISTEN_ADDR", ":8080")
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infow("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case sig := <-stop:
		log.Infow("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	log.Infow("server stopped")
	return nil
}

// newPasswordCipher builds the credential-password cipher from the
// hex-encoded application key.
func newPasswordCipher(hexKey string) (*signing.PasswordCipher, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode CREDENTIAL_KEY: %w", err)
	}
	cipher, err := signing.NewPasswordCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init credential cipher: %w", err)
	}
	return cipher, nil
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
