package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/MarkoPoloResearchLab/doodletales/internal/aiclient"
	"github.com/MarkoPoloResearchLab/doodletales/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/doodletales/internal/httpapi"
	"github.com/MarkoPoloResearchLab/doodletales/internal/logging"
	"github.com/MarkoPoloResearchLab/doodletales/internal/objectstore"
	"github.com/MarkoPoloResearchLab/doodletales/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/doodletales/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/doodletales/internal/stripegateway"
	"github.com/MarkoPoloResearchLab/doodletales/pkg/ledger"
	"github.com/MarkoPoloResearchLab/doodletales/pkg/payment"
	"github.com/MarkoPoloResearchLab/doodletales/pkg/pipeline"
)

// Run boots creationd and blocks until ctx ends or a server fails.
func Run(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := logging.New(cfg.Development)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	if !cfg.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	gormDB, closeDatabase, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = closeDatabase() }()
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("database handle: %w", err)
	}
	healthChecks := []grpcserver.Check{{Name: "database", Run: sqlDB.PingContext}}

	var ledgerStore ledger.Store = gormstore.NewLedgerStore(gormDB)
	var pool *pgxpool.Pool
	if driver == driverPostgres {
		pool, err = openLedgerPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		ledgerStore = pgstore.New(pool)
		healthChecks = append(healthChecks, grpcserver.PingCheck("ledger_pool", pool))
	}
	if err := prepareSchema(ctx, gormDB, driver, pool); err != nil {
		return err
	}

	clock := func() int64 { return time.Now().UTC().Unix() }
	ledgerService, err := ledger.NewService(ledgerStore, clock, ledger.WithOperationLogger(logging.NewLedgerLogger(logger)))
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}

	objects, mediaDirectory, err := openObjectStore(ctx, cfg)
	if err != nil {
		return err
	}

	ai, err := aiclient.New(aiclient.Config{
		APIKey:     cfg.AIAPIKey,
		BaseURL:    cfg.AIBaseURL,
		ChatModel:  cfg.AIChatModel,
		ImageModel: cfg.AIImageModel,
	}, aiclient.WithLogger(logger))
	if err != nil {
		return err
	}

	chargePolicy, err := cfg.chargePolicy()
	if err != nil {
		return err
	}
	orchestrator, err := pipeline.NewOrchestrator(gormstore.NewCreationStore(gormDB), objects, ai, ai,
		pipeline.WithLogger(logger),
		pipeline.WithLedger(ledgerService),
		pipeline.WithChargePolicy(chargePolicy),
		pipeline.WithRetryPolicy(cfg.retryPolicy()),
		pipeline.WithStageLease(cfg.StageLease),
	)
	if err != nil {
		return fmt.Errorf("pipeline init: %w", err)
	}

	webhooks, err := payment.NewHandler(stripegateway.New(), ledgerService, cfg.StripeWebhookSecret, payment.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("payment handler init: %w", err)
	}

	dependencies := httpapi.Dependencies{
		Creations: orchestrator,
		Wallet:    ledgerService,
		Webhooks:  webhooks,
		Logger:    logger,
	}
	if cfg.checkoutEnabled() {
		checkouts, err := stripegateway.NewCheckoutCreator(stripegateway.CheckoutConfig{
			SecretKey:  cfg.StripeSecretKey,
			SuccessURL: cfg.StripeSuccessURL,
			CancelURL:  cfg.StripeCancelURL,
			Currency:   cfg.StripeCurrency,
		})
		if err != nil {
			return err
		}
		dependencies.Checkouts = checkouts
	}

	sessionValidator, err := httpapi.NewSessionValidator(cfg.SessionSigningKey, cfg.SessionIssuer, cfg.SessionCookieName)
	if err != nil {
		return err
	}
	dependencies.SessionValidator = sessionValidator
	router, err := httpapi.NewRouter(httpapi.Config{
		AllowedOrigins: cfg.AllowedOrigins,
		MediaURLPath:   cfg.MediaURLPath,
		MediaDirectory: mediaDirectory,
	}, dependencies)
	if err != nil {
		return err
	}

	grpcListener, err := net.Listen("tcp", cfg.GRPCListenAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	healthServer := grpcserver.NewHealthServer(healthChecks,
		grpcserver.WithInterval(cfg.HealthInterval),
		grpcserver.WithLogger(logger),
	)
	grpcServer := grpcserver.NewServer(healthServer)
	httpServer := &http.Server{
		Addr:              cfg.HTTPListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	healthCtx, stopHealth := context.WithCancel(ctx)
	defer stopHealth()
	go healthServer.Run(healthCtx)

	errCh := make(chan error, 2)
	go func() {
		logger.Info("grpc health server listening", zap.String("addr", cfg.GRPCListenAddr))
		errCh <- grpcServer.Serve(grpcListener)
	}()
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPListenAddr), zap.String("storage", cfg.StorageBackend), zap.String("database", driver), zap.Bool("checkout", cfg.checkoutEnabled()))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("http shutdown error", zap.Error(shutdownErr))
		}
		grpcServer.GracefulStop()
		return nil
	case serveErr := <-errCh:
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		grpcServer.Stop()
		if serveErr == nil || errors.Is(serveErr, http.ErrServerClosed) || errors.Is(serveErr, grpc.ErrServerStopped) {
			return nil
		}
		return serveErr
	}
}

// openObjectStore returns the configured store and, for the filesystem
// backend, the directory the HTTP server serves media from.
func openObjectStore(ctx context.Context, cfg Config) (pipeline.ObjectStore, string, error) {
	switch cfg.StorageBackend {
	case StorageS3:
		s3Config := objectstore.S3Config{
			Bucket:        cfg.S3Bucket,
			Region:        cfg.S3Region,
			Endpoint:      cfg.S3Endpoint,
			UsePathStyle:  cfg.S3UsePathStyle,
			PublicBaseURL: cfg.S3PublicBaseURL,
		}
		client, err := objectstore.NewS3Client(ctx, s3Config)
		if err != nil {
			return nil, "", err
		}
		store, err := objectstore.NewS3Store(client, s3Config)
		if err != nil {
			return nil, "", err
		}
		return store, "", nil
	default:
		store, err := objectstore.NewFileStore(cfg.MediaDirectory, cfg.mediaBaseURL())
		if err != nil {
			return nil, "", err
		}
		return store, store.BasePath(), nil
	}
}
