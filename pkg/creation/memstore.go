package creation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an arena of creation records keyed by id. It enforces the same
// write-once and conditional-stage semantics as the SQL stores.
type MemoryStore struct {
	mutex   *sync.Mutex
	records map[string]Creation
	inTx    bool
	now     func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryStore{
		mutex:   &sync.Mutex{},
		records: map[string]Creation{},
		now:     now,
	}
}

// WithTx runs fn against a private copy of the arena and publishes it when fn succeeds.
func (store *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	if store.inTx {
		return fn(ctx, store)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	working := make(map[string]Creation, len(store.records))
	for key, record := range store.records {
		working[key] = record
	}
	transactionStore := &MemoryStore{records: working, inTx: true, now: store.now}
	if err := fn(ctx, transactionStore); err != nil {
		return err
	}
	store.records = working
	return nil
}

func (store *MemoryStore) lock() func() {
	if store.inTx {
		return func() {}
	}
	store.mutex.Lock()
	return store.mutex.Unlock
}

// Create inserts a new record at StageIntake.
func (store *MemoryStore) Create(ctx context.Context, record Creation) error {
	if err := record.Validate(); err != nil {
		return err
	}
	defer store.lock()()
	if _, exists := store.records[record.ID.String()]; exists {
		return fmt.Errorf("%w: %s", ErrCreationExists, record.ID)
	}
	timestamp := store.now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = timestamp
	}
	record.UpdatedAt = record.CreatedAt
	record.ClaimedAt = record.CreatedAt
	record.ClaimCount = 0
	store.records[record.ID.String()] = record
	return nil
}

// Get returns a copy of the record.
func (store *MemoryStore) Get(ctx context.Context, id ID) (Creation, error) {
	defer store.lock()()
	record, exists := store.records[id.String()]
	if !exists {
		return Creation{}, fmt.Errorf("%w: %s", ErrCreationNotFound, id)
	}
	return cloneRecord(record), nil
}

// ListByOwner returns the owner's records, newest first.
func (store *MemoryStore) ListByOwner(ctx context.Context, ownerID string) ([]Creation, error) {
	defer store.lock()()
	records := make([]Creation, 0)
	for _, record := range store.records {
		if record.OwnerID == ownerID {
			records = append(records, cloneRecord(record))
		}
	}
	sort.SliceStable(records, func(left, right int) bool {
		if records[left].CreatedAt.Equal(records[right].CreatedAt) {
			return records[left].ID.String() > records[right].ID.String()
		}
		return records[left].CreatedAt.After(records[right].CreatedAt)
	})
	return records, nil
}

// SetField writes a write-once field if it is still empty.
func (store *MemoryStore) SetField(ctx context.Context, id ID, field Field, value string) error {
	if field != FieldStoryText && field != FieldEnhancedObjectKey {
		return fmt.Errorf("%w: %q", ErrInvalidField, field)
	}
	defer store.lock()()
	record, exists := store.records[id.String()]
	if !exists {
		return fmt.Errorf("%w: %s", ErrCreationNotFound, id)
	}
	current := record.Value(field)
	if current == value {
		return nil
	}
	if current != "" {
		return fmt.Errorf("%w: %s on %s", ErrFieldAlreadySet, field, id)
	}
	switch field {
	case FieldStoryText:
		record.StoryText = value
	case FieldEnhancedObjectKey:
		record.EnhancedObjectKey = value
	}
	record.UpdatedAt = store.now()
	store.records[id.String()] = record
	return nil
}

// Transition moves the record from one stage to the next when it is still at from.
func (store *MemoryStore) Transition(ctx context.Context, id ID, from Stage, to Stage) error {
	if !CanTransition(from, to) || to == StageFailed {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStage, from, to)
	}
	defer store.lock()()
	record, exists := store.records[id.String()]
	if !exists {
		return fmt.Errorf("%w: %s", ErrCreationNotFound, id)
	}
	if record.Stage != from {
		return fmt.Errorf("%w: %s is at %s, not %s", ErrStageConflict, id, record.Stage, from)
	}
	timestamp := store.now()
	record.Stage = to
	record.ClaimedAt = timestamp
	record.ClaimCount++
	record.UpdatedAt = timestamp
	store.records[id.String()] = record
	return nil
}

// Reclaim restarts the claim on a pending stage still held under claimCount.
func (store *MemoryStore) Reclaim(ctx context.Context, id ID, stage Stage, claimCount int64) error {
	if !stage.Pending() {
		return fmt.Errorf("%w: %s cannot be reclaimed", ErrInvalidStage, stage)
	}
	defer store.lock()()
	record, exists := store.records[id.String()]
	if !exists {
		return fmt.Errorf("%w: %s", ErrCreationNotFound, id)
	}
	if record.Stage != stage || record.ClaimCount != claimCount {
		return fmt.Errorf("%w: %s is at %s claim %d, not %s claim %d", ErrStageConflict, id, record.Stage, record.ClaimCount, stage, claimCount)
	}
	timestamp := store.now()
	record.ClaimedAt = timestamp
	record.ClaimCount++
	record.UpdatedAt = timestamp
	store.records[id.String()] = record
	return nil
}

// Fail moves the record to StageFailed when it is still at from.
func (store *MemoryStore) Fail(ctx context.Context, id ID, from Stage, failure Failure) error {
	if !CanTransition(from, StageFailed) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStage, from, StageFailed)
	}
	defer store.lock()()
	record, exists := store.records[id.String()]
	if !exists {
		return fmt.Errorf("%w: %s", ErrCreationNotFound, id)
	}
	if record.Stage != from {
		return fmt.Errorf("%w: %s is at %s, not %s", ErrStageConflict, id, record.Stage, from)
	}
	recorded := failure
	record.Stage = StageFailed
	record.Failure = &recorded
	record.UpdatedAt = store.now()
	store.records[id.String()] = record
	return nil
}

func cloneRecord(record Creation) Creation {
	if record.Failure != nil {
		failure := *record.Failure
		record.Failure = &failure
	}
	return record
}
