// Package logging adapts zap to the ledger's operation log and to gin requests.
package logging

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/MarkoPoloResearchLab/doodletales/pkg/ledger"
)

// New builds the process logger.
func New(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// LedgerLogger writes ledger operations to a zap logger.
type LedgerLogger struct {
	logger *zap.Logger
}

// NewLedgerLogger returns a ledger.OperationLogger backed by logger.
func NewLedgerLogger(logger *zap.Logger) *LedgerLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LedgerLogger{logger: logger}
}

// LogOperation records one ledger mutation. Insufficient funds and replayed
// keys are expected outcomes and log at info level.
func (ledgerLogger *LedgerLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("owner_id", entry.OwnerID.String()),
		zap.Int64("amount_cents", entry.Amount.Int64()),
		zap.String("idempotency_key", entry.IdempotencyKey.String()),
		zap.String("status", entry.Status),
	}
	level := zapcore.InfoLevel
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		if !errors.Is(entry.Error, ledger.ErrInsufficientFunds) && !errors.Is(entry.Error, ledger.ErrDuplicateIdempotencyKey) {
			level = zapcore.ErrorLevel
		}
	} else {
		fields = append(fields, zap.Int64("balance_after_cents", entry.BalanceAfter.Int64()))
	}
	if checked := ledgerLogger.logger.Check(level, "ledger operation"); checked != nil {
		checked.Write(fields...)
	}
}

// GinMiddleware logs one line per request.
func GinMiddleware(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx *gin.Context) {
		started := time.Now()
		ctx.Next()
		status := ctx.Writer.Status()
		fields := []zap.Field{
			zap.String("method", ctx.Request.Method),
			zap.String("path", ctx.FullPath()),
			zap.Int("status", status),
			zap.Duration("elapsed", time.Since(started)),
			zap.String("client_ip", ctx.ClientIP()),
		}
		if len(ctx.Errors) > 0 {
			fields = append(fields, zap.String("errors", ctx.Errors.String()))
		}
		switch {
		case status >= 500:
			logger.Error("http request", fields...)
		case status >= 400:
			logger.Warn("http request", fields...)
		default:
			logger.Info("http request", fields...)
		}
	}
}
