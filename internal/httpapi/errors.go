package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/doodletales/pkg/creation"
	"github.com/MarkoPoloResearchLab/doodletales/pkg/ledger"
	"github.com/MarkoPoloResearchLab/doodletales/pkg/payment"
	"github.com/MarkoPoloResearchLab/doodletales/pkg/pipeline"
)

const (
	errorCodeUnauthorized      = "unauthorized"
	errorCodeInvalidRequest    = "invalid_request"
	errorCodeInvalidUpload     = "invalid_upload"
	errorCodePayloadTooLarge   = "payload_too_large"
	errorCodeInsufficientFunds = "insufficient_funds"
	errorCodeForbidden         = "forbidden"
	errorCodeNotFound          = "not_found"
	errorCodeInvalidSignature  = "invalid_signature"
	errorCodeInternal          = "internal_error"
)

type apiError struct {
	status  int
	code    string
	message string
}

// mapError converts domain errors into HTTP responses. Unknown errors are
// reported without detail.
func mapError(source error) apiError {
	var maxBytesError *http.MaxBytesError
	switch {
	case errors.As(source, &maxBytesError):
		return apiError{status: http.StatusRequestEntityTooLarge, code: errorCodePayloadTooLarge, message: "request body too large"}
	case errors.Is(source, pipeline.ErrValidation):
		return apiError{status: http.StatusBadRequest, code: errorCodeInvalidUpload, message: source.Error()}
	case errors.Is(source, creation.ErrInvalidID),
		errors.Is(source, ledger.ErrInvalidOwnerID),
		errors.Is(source, ledger.ErrInvalidAmountCents),
		errors.Is(source, ledger.ErrInvalidIdempotencyKey):
		return apiError{status: http.StatusBadRequest, code: errorCodeInvalidRequest, message: source.Error()}
	case errors.Is(source, ledger.ErrInsufficientFunds):
		return apiError{status: http.StatusPaymentRequired, code: errorCodeInsufficientFunds, message: "balance does not cover this creation"}
	case errors.Is(source, pipeline.ErrAccessDenied):
		return apiError{status: http.StatusForbidden, code: errorCodeForbidden, message: "creation belongs to another user"}
	case errors.Is(source, creation.ErrCreationNotFound):
		return apiError{status: http.StatusNotFound, code: errorCodeNotFound, message: "creation not found"}
	case errors.Is(source, payment.ErrInvalidSignature):
		return apiError{status: http.StatusBadRequest, code: errorCodeInvalidSignature, message: "webhook signature verification failed"}
	default:
		return apiError{status: http.StatusInternalServerError, code: errorCodeInternal, message: "internal error"}
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

func (handler *httpHandler) respondError(ctx *gin.Context, operation string, err error) {
	mapped := mapError(err)
	if mapped.status >= http.StatusInternalServerError {
		handler.logger.Error(operation+" failed", zap.Error(err))
	}
	_ = ctx.Error(err)
	ctx.AbortWithStatusJSON(mapped.status, errorResponse(mapped.code, mapped.message))
}
