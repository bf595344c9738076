package httpapi

import (
	"encoding/json"

	"github.com/MarkoPoloResearchLab/doodletales/pkg/ledger"
	"github.com/MarkoPoloResearchLab/doodletales/pkg/pipeline"
)

type creationPayload struct {
	ID              string          `json:"id"`
	Status          string          `json:"status"`
	Complete        bool            `json:"complete"`
	Enhanced        bool            `json:"enhanced"`
	ImageURL        string          `json:"image_url"`
	OriginalURL     string          `json:"original_url"`
	Story           string          `json:"story,omitempty"`
	UserPrompt      string          `json:"prompt,omitempty"`
	EnhancementType string          `json:"enhancement_type,omitempty"`
	ChargeCents     int64           `json:"charge_cents"`
	Failure         *failurePayload `json:"failure,omitempty"`
	CreatedUnixUTC  int64           `json:"created_unix_utc"`
}

type failurePayload struct {
	Stage  string `json:"stage"`
	Cause  string `json:"cause"`
	Detail string `json:"detail"`
}

func newCreationPayload(outcome pipeline.Outcome) creationPayload {
	record := outcome.Creation
	payload := creationPayload{
		ID:              record.ID.String(),
		Status:          record.Stage.String(),
		Complete:        outcome.Complete,
		Enhanced:        outcome.Enhanced,
		ImageURL:        outcome.ImageURL,
		OriginalURL:     outcome.OriginalURL,
		Story:           record.StoryText,
		UserPrompt:      record.UserPrompt,
		EnhancementType: string(record.EnhancementType),
		ChargeCents:     record.ChargeCents,
		CreatedUnixUTC:  record.CreatedAt.Unix(),
	}
	if record.Failure != nil {
		payload.Failure = &failurePayload{
			Stage:  record.Failure.Stage.String(),
			Cause:  string(record.Failure.Cause),
			Detail: record.Failure.Detail,
		}
	}
	return payload
}

type walletPayload struct {
	BalanceCents int64                `json:"balance_cents"`
	Transactions []transactionPayload `json:"transactions"`
}

type transactionPayload struct {
	TransactionID  string          `json:"transaction_id"`
	Type           string          `json:"type"`
	AmountCents    int64           `json:"amount_cents"`
	IdempotencyKey string          `json:"idempotency_key"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}

func newWalletPayload(balance ledger.AmountCents, transactions []ledger.Transaction) walletPayload {
	payloads := make([]transactionPayload, 0, len(transactions))
	for _, transaction := range transactions {
		payloads = append(payloads, transactionPayload{
			TransactionID:  transaction.TransactionID,
			Type:           transaction.Type.String(),
			AmountCents:    transaction.AmountCents.Int64(),
			IdempotencyKey: transaction.IdempotencyKey.String(),
			Metadata:       json.RawMessage(transaction.Metadata.String()),
			CreatedUnixUTC: transaction.CreatedUnixUTC,
		})
	}
	return walletPayload{BalanceCents: balance.Int64(), Transactions: payloads}
}

type checkoutRequestBody struct {
	AmountCents int64 `json:"amount_cents"`
}

type checkoutSessionPayload struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}
