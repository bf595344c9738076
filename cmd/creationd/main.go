package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MarkoPoloResearchLab/doodletales/internal/app"
)

const (
	flagHTTPListenAddr      = "http-listen-addr"
	flagGRPCListenAddr      = "grpc-listen-addr"
	flagDatabaseURL         = "database-url"
	flagDevelopment         = "development"
	flagAllowedOrigins      = "allowed-origins"
	flagShutdownTimeout     = "shutdown-timeout"
	flagHealthInterval      = "health-interval"
	flagJWTSigningKey       = "jwt-signing-key"
	flagJWTIssuer           = "jwt-issuer"
	flagJWTCookieName       = "jwt-cookie-name"
	flagStorageBackend      = "storage-backend"
	flagMediaDirectory      = "media-dir"
	flagMediaURLPath        = "media-url-path"
	flagPublicBaseURL       = "public-base-url"
	flagS3Bucket            = "s3-bucket"
	flagS3Region            = "s3-region"
	flagS3Endpoint          = "s3-endpoint"
	flagS3UsePathStyle      = "s3-use-path-style"
	flagS3PublicBaseURL     = "s3-public-base-url"
	flagAIAPIKey            = "ai-api-key"
	flagAIBaseURL           = "ai-base-url"
	flagAIChatModel         = "ai-chat-model"
	flagAIImageModel        = "ai-image-model"
	flagStripeWebhookSecret = "stripe-webhook-secret"
	flagStripeSecretKey     = "stripe-secret-key"
	flagStripeSuccessURL    = "stripe-success-url"
	flagStripeCancelURL     = "stripe-cancel-url"
	flagStripeCurrency      = "stripe-currency"
	flagChargeMode          = "charge-mode"
	flagCreationCostCents   = "creation-cost-cents"
	flagRetryAttempts       = "retry-attempts"
	flagAttemptTimeout      = "attempt-timeout"
	flagStageLease          = "stage-lease"
	envPrefix               = "CREATIOND"
	envFile                 = ".env"
)

var boundFlags = []string{
	flagHTTPListenAddr, flagGRPCListenAddr, flagDatabaseURL, flagDevelopment, flagAllowedOrigins,
	flagShutdownTimeout, flagHealthInterval, flagJWTSigningKey, flagJWTIssuer, flagJWTCookieName,
	flagStorageBackend, flagMediaDirectory, flagMediaURLPath, flagPublicBaseURL,
	flagS3Bucket, flagS3Region, flagS3Endpoint, flagS3UsePathStyle, flagS3PublicBaseURL,
	flagAIAPIKey, flagAIBaseURL, flagAIChatModel, flagAIImageModel, flagStripeWebhookSecret,
	flagStripeSecretKey, flagStripeSuccessURL, flagStripeCancelURL, flagStripeCurrency,
	flagChargeMode, flagCreationCostCents, flagRetryAttempts, flagAttemptTimeout, flagStageLease,
}

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creationd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := app.Config{}
	cmd := &cobra.Command{
		Use:           "creationd",
		Short:         "Turns children's drawings into stories and illustrations",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, &cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return app.Run(ctx, cfg)
		},
	}

	cmd.Flags().String(flagHTTPListenAddr, ":8080", "HTTP listen address")
	cmd.Flags().String(flagGRPCListenAddr, ":7000", "gRPC health listen address")
	cmd.Flags().String(flagDatabaseURL, "sqlite:///tmp/doodletales.db", "database URL (sqlite:// path or postgres:// DSN)")
	cmd.Flags().Bool(flagDevelopment, false, "use development logging")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	cmd.Flags().Duration(flagShutdownTimeout, 0, "graceful shutdown timeout (e.g. 10s)")
	cmd.Flags().Duration(flagHealthInterval, 0, "interval between health checks (e.g. 15s)")
	cmd.Flags().String(flagJWTSigningKey, "", "TAuth JWT signing key (required)")
	cmd.Flags().String(flagJWTIssuer, "", "expected JWT issuer")
	cmd.Flags().String(flagJWTCookieName, "", "JWT cookie name")
	cmd.Flags().String(flagStorageBackend, app.StorageFilesystem, "object storage backend (filesystem or s3)")
	cmd.Flags().String(flagMediaDirectory, "", "directory for the filesystem storage backend")
	cmd.Flags().String(flagMediaURLPath, "", "URL path media is served under")
	cmd.Flags().String(flagPublicBaseURL, "", "public origin prefixed to media URLs")
	cmd.Flags().String(flagS3Bucket, "", "S3 bucket (required for the s3 backend)")
	cmd.Flags().String(flagS3Region, "", "S3 region")
	cmd.Flags().String(flagS3Endpoint, "", "custom S3 endpoint for compatible stores")
	cmd.Flags().Bool(flagS3UsePathStyle, false, "use path-style S3 addressing")
	cmd.Flags().String(flagS3PublicBaseURL, "", "public URL prefix for S3 objects")
	cmd.Flags().String(flagAIAPIKey, "", "AI provider API key (required)")
	cmd.Flags().String(flagAIBaseURL, "", "AI provider base URL")
	cmd.Flags().String(flagAIChatModel, "", "vision chat model used for stories and captions")
	cmd.Flags().String(flagAIImageModel, "", "image generation model")
	cmd.Flags().String(flagStripeWebhookSecret, "", "Stripe webhook signing secret (required)")
	cmd.Flags().String(flagStripeSecretKey, "", "Stripe API secret key; enables wallet top-up checkout")
	cmd.Flags().String(flagStripeSuccessURL, "", "page Stripe returns to after a paid checkout")
	cmd.Flags().String(flagStripeCancelURL, "", "page Stripe returns to after an abandoned checkout")
	cmd.Flags().String(flagStripeCurrency, "usd", "currency charged for wallet top-ups")
	cmd.Flags().String(flagChargeMode, "none", "charge mode (none or debit)")
	cmd.Flags().Int64(flagCreationCostCents, 0, "cents debited per creation in debit mode")
	cmd.Flags().Uint(flagRetryAttempts, 0, "attempts per external call")
	cmd.Flags().Duration(flagAttemptTimeout, 0, "timeout per external call attempt (e.g. 60s)")
	cmd.Flags().Duration(flagStageLease, 0, "how long a running stage is left to its caller before another may take it over")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *app.Config) error {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", envFile, err)
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, flagName := range boundFlags {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.HTTPListenAddr = strings.TrimSpace(v.GetString(flagHTTPListenAddr))
	cfg.GRPCListenAddr = strings.TrimSpace(v.GetString(flagGRPCListenAddr))
	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	cfg.Development = v.GetBool(flagDevelopment)
	cfg.AllowedOrigins = app.ParseAllowedOrigins(v.GetString(flagAllowedOrigins))
	cfg.ShutdownTimeout = v.GetDuration(flagShutdownTimeout)
	cfg.HealthInterval = v.GetDuration(flagHealthInterval)
	cfg.SessionSigningKey = v.GetString(flagJWTSigningKey)
	cfg.SessionIssuer = strings.TrimSpace(v.GetString(flagJWTIssuer))
	cfg.SessionCookieName = strings.TrimSpace(v.GetString(flagJWTCookieName))
	cfg.StorageBackend = strings.TrimSpace(v.GetString(flagStorageBackend))
	cfg.MediaDirectory = strings.TrimSpace(v.GetString(flagMediaDirectory))
	cfg.MediaURLPath = strings.TrimSpace(v.GetString(flagMediaURLPath))
	cfg.PublicBaseURL = strings.TrimSpace(v.GetString(flagPublicBaseURL))
	cfg.S3Bucket = strings.TrimSpace(v.GetString(flagS3Bucket))
	cfg.S3Region = strings.TrimSpace(v.GetString(flagS3Region))
	cfg.S3Endpoint = strings.TrimSpace(v.GetString(flagS3Endpoint))
	cfg.S3UsePathStyle = v.GetBool(flagS3UsePathStyle)
	cfg.S3PublicBaseURL = strings.TrimSpace(v.GetString(flagS3PublicBaseURL))
	cfg.AIAPIKey = strings.TrimSpace(v.GetString(flagAIAPIKey))
	cfg.AIBaseURL = strings.TrimSpace(v.GetString(flagAIBaseURL))
	cfg.AIChatModel = strings.TrimSpace(v.GetString(flagAIChatModel))
	cfg.AIImageModel = strings.TrimSpace(v.GetString(flagAIImageModel))
	cfg.StripeWebhookSecret = strings.TrimSpace(v.GetString(flagStripeWebhookSecret))
	cfg.StripeSecretKey = strings.TrimSpace(v.GetString(flagStripeSecretKey))
	cfg.StripeSuccessURL = strings.TrimSpace(v.GetString(flagStripeSuccessURL))
	cfg.StripeCancelURL = strings.TrimSpace(v.GetString(flagStripeCancelURL))
	cfg.StripeCurrency = strings.TrimSpace(v.GetString(flagStripeCurrency))
	cfg.ChargeMode = strings.TrimSpace(v.GetString(flagChargeMode))
	cfg.CreationCostCents = v.GetInt64(flagCreationCostCents)
	cfg.RetryAttempts = v.GetUint(flagRetryAttempts)
	cfg.AttemptTimeout = v.GetDuration(flagAttemptTimeout)
	cfg.StageLease = v.GetDuration(flagStageLease)

	return cfg.Validate()
}
