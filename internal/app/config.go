// Package app wires the creation service from configuration and runs its
// HTTP and gRPC servers.
package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/doodletales/pkg/pipeline"
)

const (
	defaultHTTPListenAddr  = ":8080"
	defaultGRPCListenAddr  = ":7000"
	defaultDatabaseURL     = "sqlite:///tmp/doodletales.db"
	defaultSessionIssuer   = "tauth"
	defaultSessionCookie   = "app_session"
	defaultMediaDirectory  = "./media"
	defaultMediaURLPath    = "/media"
	defaultHealthInterval  = 15 * time.Second
	defaultShutdownTimeout = 10 * time.Second

	StorageFilesystem = "filesystem"
	StorageS3         = "s3"
)

// Config aggregates runtime settings for creationd.
type Config struct {
	HTTPListenAddr  string
	GRPCListenAddr  string
	DatabaseURL     string
	Development     bool
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
	HealthInterval  time.Duration

	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string

	StorageBackend  string
	MediaDirectory  string
	MediaURLPath    string
	PublicBaseURL   string
	S3Bucket        string
	S3Region        string
	S3Endpoint      string
	S3UsePathStyle  bool
	S3PublicBaseURL string

	AIAPIKey     string
	AIBaseURL    string
	AIChatModel  string
	AIImageModel string

	StripeWebhookSecret string
	StripeSecretKey     string
	StripeSuccessURL    string
	StripeCancelURL     string
	StripeCurrency      string

	ChargeMode        string
	CreationCostCents int64
	RetryAttempts     uint
	AttemptTimeout    time.Duration
	StageLease        time.Duration
}

// Validate applies defaults and ensures the configuration is usable.
func (cfg *Config) Validate() error {
	cfg.HTTPListenAddr = defaultIfEmpty(cfg.HTTPListenAddr, defaultHTTPListenAddr)
	cfg.GRPCListenAddr = defaultIfEmpty(cfg.GRPCListenAddr, defaultGRPCListenAddr)
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	cfg.StorageBackend = strings.ToLower(defaultIfEmpty(cfg.StorageBackend, StorageFilesystem))
	cfg.MediaDirectory = defaultIfEmpty(cfg.MediaDirectory, defaultMediaDirectory)
	cfg.MediaURLPath = "/" + strings.Trim(defaultIfEmpty(cfg.MediaURLPath, defaultMediaURLPath), "/")
	cfg.PublicBaseURL = strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/")
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = defaultHealthInterval
	}

	if len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("jwt signing key is required")
	}
	if strings.TrimSpace(cfg.AIAPIKey) == "" {
		return fmt.Errorf("ai api key is required")
	}
	if strings.TrimSpace(cfg.StripeWebhookSecret) == "" {
		return fmt.Errorf("stripe webhook secret is required")
	}
	if cfg.checkoutEnabled() && (strings.TrimSpace(cfg.StripeSuccessURL) == "" || strings.TrimSpace(cfg.StripeCancelURL) == "") {
		return fmt.Errorf("stripe success and cancel urls are required when a stripe secret key is set")
	}
	if cfg.StageLease < 0 {
		return fmt.Errorf("stage lease must not be negative")
	}
	switch cfg.StorageBackend {
	case StorageFilesystem:
	case StorageS3:
		if strings.TrimSpace(cfg.S3Bucket) == "" {
			return fmt.Errorf("s3 bucket is required for the s3 storage backend")
		}
	default:
		return fmt.Errorf("unsupported storage backend %q", cfg.StorageBackend)
	}
	if _, err := cfg.chargePolicy(); err != nil {
		return err
	}
	return nil
}

func (cfg Config) chargePolicy() (pipeline.ChargePolicy, error) {
	mode, err := pipeline.ParseChargeMode(cfg.ChargeMode)
	if err != nil {
		return pipeline.ChargePolicy{}, err
	}
	if mode == pipeline.ChargeDebit && cfg.CreationCostCents <= 0 {
		return pipeline.ChargePolicy{}, fmt.Errorf("creation cost must be positive when charge mode is %s", mode)
	}
	return pipeline.ChargePolicy{Mode: mode, CostCents: cfg.CreationCostCents}, nil
}

func (cfg Config) retryPolicy() pipeline.RetryPolicy {
	return pipeline.RetryPolicy{MaxAttempts: cfg.RetryAttempts, AttemptTimeout: cfg.AttemptTimeout}
}

// checkoutEnabled reports whether wallet top-ups can be started from the API.
func (cfg Config) checkoutEnabled() bool {
	return strings.TrimSpace(cfg.StripeSecretKey) != ""
}

// mediaBaseURL is the prefix of URLs handed out for filesystem objects.
func (cfg Config) mediaBaseURL() string {
	return cfg.PublicBaseURL + cfg.MediaURLPath
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
