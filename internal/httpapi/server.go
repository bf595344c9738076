// Package httpapi exposes the creation pipeline, the wallet and the payment
// webhook over HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/doodletales/internal/logging"
	"github.com/MarkoPoloResearchLab/doodletales/pkg/creation"
	"github.com/MarkoPoloResearchLab/doodletales/pkg/ledger"
	"github.com/MarkoPoloResearchLab/doodletales/pkg/payment"
	"github.com/MarkoPoloResearchLab/doodletales/pkg/pipeline"
)

const (
	claimsContextKey          = "auth_claims"
	defaultWalletHistoryLimit = 10
	maxWebhookPayloadBytes    = 64 << 10
	multipartOverheadBytes    = 1 << 20
)

// Creations is the part of the orchestrator the HTTP layer calls.
type Creations interface {
	SubmitAndProcess(ctx context.Context, request pipeline.SubmitRequest) (pipeline.Outcome, error)
	Process(ctx context.Context, id creation.ID) (pipeline.Outcome, error)
	Get(ctx context.Context, id creation.ID, requesterOwnerID string) (pipeline.Outcome, error)
	List(ctx context.Context, ownerID string) ([]pipeline.Outcome, error)
}

// Wallet reads balances and history.
type Wallet interface {
	Balance(ctx context.Context, ownerID ledger.OwnerID) (ledger.AmountCents, error)
	ListTransactions(ctx context.Context, ownerID ledger.OwnerID, limit int) ([]ledger.Transaction, error)
}

// Webhooks applies payment provider deliveries.
type Webhooks interface {
	Process(ctx context.Context, payload []byte, signature string) (payment.Result, error)
}

// Checkouts opens hosted payment pages for wallet top-ups.
type Checkouts interface {
	CreateCheckoutSession(ctx context.Context, request payment.CheckoutRequest) (payment.CheckoutSession, error)
}

// Config holds router settings.
type Config struct {
	AllowedOrigins     []string
	MediaURLPath       string
	MediaDirectory     string
	WalletHistoryLimit int
}

// Dependencies are the services behind the routes. Checkouts is optional;
// without it the checkout route is not registered.
type Dependencies struct {
	Creations        Creations
	Wallet           Wallet
	Webhooks         Webhooks
	Checkouts        Checkouts
	SessionValidator *sessionvalidator.Validator
	Logger           *zap.Logger
}

func (dependencies Dependencies) validate() error {
	if dependencies.Creations == nil {
		return errors.New("httpapi: creations service is required")
	}
	if dependencies.Wallet == nil {
		return errors.New("httpapi: wallet is required")
	}
	if dependencies.Webhooks == nil {
		return errors.New("httpapi: webhook processor is required")
	}
	if dependencies.SessionValidator == nil {
		return errors.New("httpapi: session validator is required")
	}
	return nil
}

// NewRouter builds the gin engine.
func NewRouter(cfg Config, dependencies Dependencies) (*gin.Engine, error) {
	if err := dependencies.validate(); err != nil {
		return nil, err
	}
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.WalletHistoryLimit <= 0 {
		cfg.WalletHistoryLimit = defaultWalletHistoryLimit
	}
	handler := &httpHandler{
		creations: dependencies.Creations,
		wallet:    dependencies.Wallet,
		webhooks:  dependencies.Webhooks,
		checkouts: dependencies.Checkouts,
		logger:    logger,
		cfg:       cfg,
	}

	router := gin.New()
	router.MaxMultipartMemory = pipeline.MaxUploadBytes + multipartOverheadBytes
	router.Use(gin.Recovery())
	router.Use(logging.GinMiddleware(logger))
	if len(cfg.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/healthz", handler.handleHealth)
	if mediaPath := strings.TrimRight(cfg.MediaURLPath, "/"); mediaPath != "" && cfg.MediaDirectory != "" {
		router.Static(mediaPath, cfg.MediaDirectory)
	}
	router.POST("/api/payments/webhook", handler.handleWebhook)

	api := router.Group("/api")
	api.Use(dependencies.SessionValidator.GinMiddleware(claimsContextKey))
	api.GET("/session", handler.handleSession)
	api.GET("/wallet", handler.handleWallet)
	api.POST("/creations", handler.handleCreate)
	api.GET("/creations", handler.handleList)
	api.GET("/creations/:id", handler.handleGet)
	api.POST("/creations/:id/process", handler.handleProcess)
	if dependencies.Checkouts != nil {
		api.POST("/payments/checkout", handler.handleCheckout)
	}

	return router, nil
}

// NewSessionValidator builds the cookie validator for TAuth sessions.
func NewSessionValidator(signingKey string, issuer string, cookieName string) (*sessionvalidator.Validator, error) {
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(signingKey),
		Issuer:     issuer,
		CookieName: cookieName,
	})
	if err != nil {
		return nil, fmt.Errorf("session validator: %w", err)
	}
	return validator, nil
}
