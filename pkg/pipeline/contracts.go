// Package pipeline drives a submitted drawing through story generation and
// image enhancement while charging the owner's balance.
package pipeline

import (
	"context"

	"github.com/MarkoPoloResearchLab/doodletales/pkg/ledger"
)

// Image is an uploaded or generated picture.
type Image struct {
	Data        []byte
	ContentType string
}

// ObjectStore persists binary objects under caller-chosen keys.
type ObjectStore interface {
	// Put stores data under key and returns the stored object's URL.
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	// URL resolves a key to a URL without touching the store.
	URL(key string) string
}

// StoryGenerator writes a short story about a drawing. hint may be empty.
type StoryGenerator interface {
	Generate(ctx context.Context, image Image, hint string) (string, error)
}

// Enhancer turns a drawing into a rendered illustration in two steps: Caption
// describes the picture following prompt, Render draws that description.
type Enhancer interface {
	Caption(ctx context.Context, image Image, prompt string) (string, error)
	Render(ctx context.Context, description string) ([]byte, error)
}

// Ledger is the part of the balance ledger the orchestrator charges against.
type Ledger interface {
	Debit(ctx context.Context, ownerID ledger.OwnerID, amount ledger.PositiveAmountCents, idempotencyKey ledger.IdempotencyKey, metadata ledger.MetadataJSON) (ledger.AmountCents, error)
	Refund(ctx context.Context, ownerID ledger.OwnerID, amount ledger.PositiveAmountCents, idempotencyKey ledger.IdempotencyKey, metadata ledger.MetadataJSON) (ledger.AmountCents, error)
}
