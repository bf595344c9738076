package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MarkoPoloResearchLab/doodletales/pkg/creation"
	"github.com/MarkoPoloResearchLab/doodletales/pkg/ledger"
)

const (
	testOwnerID      = "kid@example.com"
	otherOwnerID     = "someone@example.com"
	objectURLPrefix  = "memory://"
	dragonStory      = "Once upon a time a friendly green dragon learned to fly over the sleepy village."
	dragonCaption    = "A small green dragon with lopsided wings above crooked houses."
	testCostCents    = int64(6)
	testRenderMarker = "rendered-png"
)

type memoryObjects struct {
	mutex   sync.Mutex
	objects map[string][]byte
	putErr  map[string]error
	getErr  error
	puts    int
}

func newMemoryObjects() *memoryObjects {
	return &memoryObjects{objects: map[string][]byte{}, putErr: map[string]error{}}
}

func (store *memoryObjects) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.puts++
	for prefix, err := range store.putErr {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			return "", err
		}
	}
	store.objects[key] = append([]byte(nil), data...)
	return objectURLPrefix + key, nil
}

func (store *memoryObjects) Get(ctx context.Context, key string) ([]byte, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.getErr != nil {
		return nil, store.getErr
	}
	data, exists := store.objects[key]
	if !exists {
		return nil, fmt.Errorf("object %s not found", key)
	}
	return append([]byte(nil), data...), nil
}

func (store *memoryObjects) URL(key string) string {
	return objectURLPrefix + key
}

func (store *memoryObjects) has(key string) bool {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	_, exists := store.objects[key]
	return exists
}

func (store *memoryObjects) count() int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return len(store.objects)
}

func (store *memoryObjects) countPrefix(prefix string) int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	matched := 0
	for key := range store.objects {
		if strings.HasPrefix(key, prefix) {
			matched++
		}
	}
	return matched
}

type scriptedStories struct {
	mutex   sync.Mutex
	replies []storyReply
	calls   int
	hints   []string
	delay   time.Duration
}

type storyReply struct {
	text string
	err  error
}

// Generate replays the scripted replies in order and repeats the last one.
func (generator *scriptedStories) Generate(ctx context.Context, image Image, hint string) (string, error) {
	generator.mutex.Lock()
	index := generator.calls
	generator.calls++
	generator.hints = append(generator.hints, hint)
	delay := generator.delay
	var reply storyReply
	if len(generator.replies) > 0 {
		if index >= len(generator.replies) {
			index = len(generator.replies) - 1
		}
		reply = generator.replies[index]
	}
	generator.mutex.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if len(image.Data) == 0 {
		return "", errors.New("no image data")
	}
	return reply.text, reply.err
}

func (generator *scriptedStories) callCount() int {
	generator.mutex.Lock()
	defer generator.mutex.Unlock()
	return generator.calls
}

type scriptedEnhancer struct {
	mutex        sync.Mutex
	caption      string
	captionErr   error
	render       []byte
	renderErr    error
	captionCalls int
	renderCalls  int
	prompts      []string
}

func (enhancer *scriptedEnhancer) Caption(ctx context.Context, image Image, prompt string) (string, error) {
	enhancer.mutex.Lock()
	defer enhancer.mutex.Unlock()
	enhancer.captionCalls++
	enhancer.prompts = append(enhancer.prompts, prompt)
	return enhancer.caption, enhancer.captionErr
}

func (enhancer *scriptedEnhancer) Render(ctx context.Context, description string) ([]byte, error) {
	enhancer.mutex.Lock()
	defer enhancer.mutex.Unlock()
	enhancer.renderCalls++
	return enhancer.render, enhancer.renderErr
}

func (enhancer *scriptedEnhancer) calls() (int, int) {
	enhancer.mutex.Lock()
	defer enhancer.mutex.Unlock()
	return enhancer.captionCalls, enhancer.renderCalls
}

type memoryLedger struct {
	mutex    sync.Mutex
	balances map[string]int64
	keys     map[string]ledger.TransactionType
}

func newMemoryLedger(balances map[string]int64) *memoryLedger {
	return &memoryLedger{balances: balances, keys: map[string]ledger.TransactionType{}}
}

func (book *memoryLedger) Debit(ctx context.Context, ownerID ledger.OwnerID, amount ledger.PositiveAmountCents, idempotencyKey ledger.IdempotencyKey, metadata ledger.MetadataJSON) (ledger.AmountCents, error) {
	book.mutex.Lock()
	defer book.mutex.Unlock()
	if _, exists := book.keys[idempotencyKey.String()]; exists {
		return 0, ledger.ErrDuplicateIdempotencyKey
	}
	balance := book.balances[ownerID.String()]
	if balance < amount.Int64() {
		return 0, ledger.ErrInsufficientFunds
	}
	book.keys[idempotencyKey.String()] = ledger.TransactionDebit
	book.balances[ownerID.String()] = balance - amount.Int64()
	return ledger.NewAmountCents(balance - amount.Int64())
}

func (book *memoryLedger) Refund(ctx context.Context, ownerID ledger.OwnerID, amount ledger.PositiveAmountCents, idempotencyKey ledger.IdempotencyKey, metadata ledger.MetadataJSON) (ledger.AmountCents, error) {
	book.mutex.Lock()
	defer book.mutex.Unlock()
	if _, exists := book.keys[idempotencyKey.String()]; exists {
		return 0, ledger.ErrDuplicateIdempotencyKey
	}
	book.keys[idempotencyKey.String()] = ledger.TransactionRefund
	book.balances[ownerID.String()] += amount.Int64()
	return ledger.NewAmountCents(book.balances[ownerID.String()])
}

func (book *memoryLedger) balance(ownerID string) int64 {
	book.mutex.Lock()
	defer book.mutex.Unlock()
	return book.balances[ownerID]
}

type harness struct {
	orchestrator *Orchestrator
	records      *creation.MemoryStore
	objects      *memoryObjects
	stories      *scriptedStories
	enhancer     *scriptedEnhancer
}

func newHarness(test *testing.T, stories *scriptedStories, enhancer *scriptedEnhancer, options ...Option) harness {
	test.Helper()
	records := creation.NewMemoryStore(nil)
	objects := newMemoryObjects()
	if stories == nil {
		stories = &scriptedStories{replies: []storyReply{{text: dragonStory}}}
	}
	if enhancer == nil {
		enhancer = &scriptedEnhancer{caption: dragonCaption, render: []byte(testRenderMarker)}
	}
	defaults := []Option{WithRetryPolicy(fastRetryPolicy(1))}
	orchestrator, err := NewOrchestrator(records, objects, stories, enhancer, append(defaults, options...)...)
	require.NoError(test, err)
	return harness{orchestrator: orchestrator, records: records, objects: objects, stories: stories, enhancer: enhancer}
}

func fastRetryPolicy(attempts uint) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     attempts,
		AttemptTimeout:  2 * time.Second,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
	}
}

func mustPNG(test *testing.T) []byte {
	test.Helper()
	canvas := image.NewRGBA(image.Rect(0, 0, 4, 4))
	canvas.Set(1, 1, color.RGBA{R: 20, G: 200, B: 40, A: 255})
	var buffer bytes.Buffer
	require.NoError(test, png.Encode(&buffer, canvas))
	return buffer.Bytes()
}

func dragonRequest(test *testing.T, enhancementType creation.EnhancementType) SubmitRequest {
	test.Helper()
	return SubmitRequest{
		OwnerID:         testOwnerID,
		Image:           mustPNG(test),
		ContentType:     "image/png",
		UserPrompt:      "a dragon",
		EnhancementType: enhancementType,
	}
}
