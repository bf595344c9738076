package httpapi

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/doodletales/pkg/creation"
	"github.com/MarkoPoloResearchLab/doodletales/pkg/ledger"
	"github.com/MarkoPoloResearchLab/doodletales/pkg/payment"
	"github.com/MarkoPoloResearchLab/doodletales/pkg/pipeline"
)

const (
	formFieldFile            = "file"
	formFieldPrompt          = "prompt"
	formFieldEnhancementType = "enhancement_type"
	formFieldCustomPrompt    = "custom_prompt"
	headerStripeSignature    = "Stripe-Signature"
)

type httpHandler struct {
	creations Creations
	wallet    Wallet
	webhooks  Webhooks
	checkouts Checkouts
	logger    *zap.Logger
	cfg       Config
}

func (handler *httpHandler) handleHealth(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (handler *httpHandler) handleSession(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse(errorCodeUnauthorized, "missing session"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"user_id":    claims.GetUserID(),
		"email":      claims.GetUserEmail(),
		"display":    claims.GetUserDisplayName(),
		"avatar_url": claims.GetUserAvatarURL(),
		"roles":      claims.GetUserRoles(),
		"expires":    claims.GetExpiresAt().Unix(),
	})
}

func (handler *httpHandler) handleCreate(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse(errorCodeUnauthorized, "missing session"))
		return
	}
	ctx.Request.Body = http.MaxBytesReader(ctx.Writer, ctx.Request.Body, pipeline.MaxUploadBytes+multipartOverheadBytes)
	fileHeader, err := ctx.FormFile(formFieldFile)
	if err != nil {
		var maxBytesError *http.MaxBytesError
		if errors.As(err, &maxBytesError) {
			handler.respondError(ctx, "upload", err)
			return
		}
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidUpload, "a drawing file is required"))
		return
	}
	image, err := readUpload(fileHeader)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidUpload, "uploaded file could not be read"))
		return
	}

	outcome, err := handler.creations.SubmitAndProcess(ctx.Request.Context(), pipeline.SubmitRequest{
		OwnerID:         claims.GetUserID(),
		Image:           image,
		ContentType:     fileHeader.Header.Get("Content-Type"),
		UserPrompt:      ctx.PostForm(formFieldPrompt),
		EnhancementType: creation.ParseEnhancementType(ctx.PostForm(formFieldEnhancementType)),
		CustomPrompt:    ctx.PostForm(formFieldCustomPrompt),
	})
	if err != nil {
		handler.respondError(ctx, "create creation", err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"creation": newCreationPayload(outcome)})
}

func (handler *httpHandler) handleList(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse(errorCodeUnauthorized, "missing session"))
		return
	}
	outcomes, err := handler.creations.List(ctx.Request.Context(), claims.GetUserID())
	if err != nil {
		handler.respondError(ctx, "list creations", err)
		return
	}
	payloads := make([]creationPayload, 0, len(outcomes))
	for _, outcome := range outcomes {
		payloads = append(payloads, newCreationPayload(outcome))
	}
	ctx.JSON(http.StatusOK, gin.H{"creations": payloads})
}

func (handler *httpHandler) handleGet(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse(errorCodeUnauthorized, "missing session"))
		return
	}
	outcome, err := handler.ownedCreation(ctx, claims)
	if err != nil {
		handler.respondError(ctx, "get creation", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"creation": newCreationPayload(outcome)})
}

func (handler *httpHandler) handleProcess(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse(errorCodeUnauthorized, "missing session"))
		return
	}
	outcome, err := handler.ownedCreation(ctx, claims)
	if err != nil {
		handler.respondError(ctx, "process creation", err)
		return
	}
	outcome, err = handler.creations.Process(ctx.Request.Context(), outcome.Creation.ID)
	if err != nil {
		handler.respondError(ctx, "process creation", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"creation": newCreationPayload(outcome)})
}

func (handler *httpHandler) ownedCreation(ctx *gin.Context, claims *sessionvalidator.Claims) (pipeline.Outcome, error) {
	id, err := creation.NewID(ctx.Param("id"))
	if err != nil {
		return pipeline.Outcome{}, err
	}
	return handler.creations.Get(ctx.Request.Context(), id, claims.GetUserID())
}

func (handler *httpHandler) handleWallet(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse(errorCodeUnauthorized, "missing session"))
		return
	}
	ownerID, err := ledger.NewOwnerID(claims.GetUserID())
	if err != nil {
		handler.respondError(ctx, "wallet", err)
		return
	}
	balance, err := handler.wallet.Balance(ctx.Request.Context(), ownerID)
	if err != nil {
		handler.respondError(ctx, "wallet balance", err)
		return
	}
	transactions, err := handler.wallet.ListTransactions(ctx.Request.Context(), ownerID, handler.cfg.WalletHistoryLimit)
	if err != nil {
		handler.respondError(ctx, "wallet history", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"wallet": newWalletPayload(balance, transactions)})
}

// handleWebhook acknowledges every verified delivery, including replays and
// ignored event types. Store failures answer 500 so the provider redelivers.
func (handler *httpHandler) handleWebhook(ctx *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(ctx.Writer, ctx.Request.Body, maxWebhookPayloadBytes))
	if err != nil {
		handler.respondError(ctx, "webhook", err)
		return
	}
	result, err := handler.webhooks.Process(ctx.Request.Context(), payload, ctx.GetHeader(headerStripeSignature))
	if err != nil && !errors.Is(err, payment.ErrDuplicateEvent) {
		handler.respondError(ctx, "webhook", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"received": true,
		"event_id": result.EventID,
		"outcome":  string(result.Outcome),
	})
}

// handleCheckout opens a top-up checkout for the session's owner.
func (handler *httpHandler) handleCheckout(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse(errorCodeUnauthorized, "missing session"))
		return
	}
	var body checkoutRequestBody
	if err := ctx.ShouldBindJSON(&body); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidRequest, "body must be JSON with an integer amount_cents"))
		return
	}
	request, err := payment.NewCheckoutRequest(claims.GetUserID(), body.AmountCents)
	if err != nil {
		handler.respondError(ctx, "checkout", err)
		return
	}
	session, err := handler.checkouts.CreateCheckoutSession(ctx.Request.Context(), request)
	if err != nil {
		handler.respondError(ctx, "checkout", err)
		return
	}
	handler.logger.Info("checkout session opened",
		zap.String("owner_id", request.OwnerID.String()),
		zap.Int64("amount_cents", request.AmountCents.Int64()),
		zap.String("session_id", session.ID))
	ctx.JSON(http.StatusOK, gin.H{"checkout": checkoutSessionPayload{ID: session.ID, URL: session.URL}})
}

func readUpload(fileHeader *multipart.FileHeader) ([]byte, error) {
	file, err := fileHeader.Open()
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return io.ReadAll(io.LimitReader(file, pipeline.MaxUploadBytes+1))
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	if claims == nil || strings.TrimSpace(claims.GetUserID()) == "" {
		return nil
	}
	return claims
}
