package gormstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/doodletales/pkg/creation"
	"github.com/MarkoPoloResearchLab/doodletales/pkg/ledger"
)

const (
	testOwner            = "kid@example.com"
	errorMismatchMessage = "expected %v, got %v"
)

func openTestDatabase(test *testing.T) *gorm.DB {
	test.Helper()
	database, err := gorm.Open(sqlite.Open(test.TempDir()+"/doodletales.db?_pragma=busy_timeout(5000)"), &gorm.Config{})
	if err != nil {
		test.Fatalf("sqlite open failed: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		test.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	test.Cleanup(func() { _ = sqlDB.Close() })
	models := append(LedgerModels(), CreationModels()...)
	if err := database.AutoMigrate(models...); err != nil {
		test.Fatalf("automigrate failed: %v", err)
	}
	return database
}

func mustLedgerService(test *testing.T, database *gorm.DB) *ledger.Service {
	test.Helper()
	service, err := ledger.NewService(NewLedgerStore(database), func() int64 { return time.Now().UTC().Unix() })
	if err != nil {
		test.Fatalf("ledger service: %v", err)
	}
	return service
}

func mustOwner(test *testing.T, raw string) ledger.OwnerID {
	test.Helper()
	ownerID, err := ledger.NewOwnerID(raw)
	if err != nil {
		test.Fatalf("owner id: %v", err)
	}
	return ownerID
}

func mustAmount(test *testing.T, cents int64) ledger.PositiveAmountCents {
	test.Helper()
	amount, err := ledger.NewPositiveAmountCents(cents)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return amount
}

func mustKey(test *testing.T, raw string) ledger.IdempotencyKey {
	test.Helper()
	key, err := ledger.NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	return key
}

func TestLedgerStoreCreditAndDebit(test *testing.T) {
	test.Parallel()
	ctx := context.Background()
	service := mustLedgerService(test, openTestDatabase(test))
	owner := mustOwner(test, testOwner)

	balance, err := service.Balance(ctx, owner)
	if err != nil || balance != 0 {
		test.Fatalf("expected zero balance for unknown owner, got %d (%v)", balance, err)
	}
	if _, err := service.Credit(ctx, owner, mustAmount(test, 5), mustKey(test, "payment:evt_a"), ledger.MetadataJSON{}); err != nil {
		test.Fatalf("credit: %v", err)
	}
	balance, err = service.Credit(ctx, owner, mustAmount(test, 20), mustKey(test, "payment:evt_b"), ledger.MetadataJSON{})
	if err != nil {
		test.Fatalf("credit: %v", err)
	}
	if balance != 25 {
		test.Fatalf(errorMismatchMessage, 25, balance)
	}
	balance, err = service.Debit(ctx, owner, mustAmount(test, 6), mustKey(test, "creation:c1:charge"), ledger.MetadataFromMap(map[string]string{"creation_id": "c1"}))
	if err != nil {
		test.Fatalf("debit: %v", err)
	}
	if balance != 19 {
		test.Fatalf(errorMismatchMessage, 19, balance)
	}

	transactions, err := service.ListTransactions(ctx, owner, 10)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(transactions) != 3 {
		test.Fatalf(errorMismatchMessage, 3, len(transactions))
	}
	for _, transaction := range transactions {
		if transaction.Type == ledger.TransactionDebit && transaction.Metadata.String() != `{"creation_id":"c1"}` {
			test.Fatalf("unexpected debit metadata %s", transaction.Metadata.String())
		}
	}
}

func TestLedgerStoreRejectsDuplicateKeyAtomically(test *testing.T) {
	test.Parallel()
	ctx := context.Background()
	service := mustLedgerService(test, openTestDatabase(test))
	owner := mustOwner(test, testOwner)
	key := mustKey(test, "payment:evt_dup")

	if _, err := service.Credit(ctx, owner, mustAmount(test, 500), key, ledger.MetadataJSON{}); err != nil {
		test.Fatalf("credit: %v", err)
	}
	_, err := service.Credit(ctx, owner, mustAmount(test, 500), key, ledger.MetadataJSON{})
	if !errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
		test.Fatalf(errorMismatchMessage, ledger.ErrDuplicateIdempotencyKey, err)
	}
	balance, err := service.Balance(ctx, owner)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance != 500 {
		test.Fatalf(errorMismatchMessage, 500, balance)
	}
}

func TestLedgerStoreInsufficientFundsLeavesBalance(test *testing.T) {
	test.Parallel()
	ctx := context.Background()
	service := mustLedgerService(test, openTestDatabase(test))
	owner := mustOwner(test, testOwner)

	if _, err := service.Debit(ctx, owner, mustAmount(test, 1), mustKey(test, "creation:none:charge"), ledger.MetadataJSON{}); !errors.Is(err, ledger.ErrInsufficientFunds) {
		test.Fatalf(errorMismatchMessage, ledger.ErrInsufficientFunds, err)
	}
	if _, err := service.Credit(ctx, owner, mustAmount(test, 3), mustKey(test, "payment:evt_c"), ledger.MetadataJSON{}); err != nil {
		test.Fatalf("credit: %v", err)
	}
	if _, err := service.Debit(ctx, owner, mustAmount(test, 4), mustKey(test, "creation:c2:charge"), ledger.MetadataJSON{}); !errors.Is(err, ledger.ErrInsufficientFunds) {
		test.Fatalf(errorMismatchMessage, ledger.ErrInsufficientFunds, err)
	}
	balance, err := service.Balance(ctx, owner)
	if err != nil || balance != 3 {
		test.Fatalf("expected balance 3, got %d (%v)", balance, err)
	}
	transactions, err := service.ListTransactions(ctx, owner, 10)
	if err != nil || len(transactions) != 1 {
		test.Fatalf("expected only the credit row, got %d (%v)", len(transactions), err)
	}
}

func TestLedgerStoreConcurrentDebitsNeverOverdraw(test *testing.T) {
	test.Parallel()
	ctx := context.Background()
	service := mustLedgerService(test, openTestDatabase(test))
	owner := mustOwner(test, testOwner)
	if _, err := service.Credit(ctx, owner, mustAmount(test, 10), mustKey(test, "payment:seed"), ledger.MetadataJSON{}); err != nil {
		test.Fatalf("credit: %v", err)
	}

	amount := mustAmount(test, 6)
	keys := []ledger.IdempotencyKey{mustKey(test, "creation:left:charge"), mustKey(test, "creation:right:charge")}
	results := make([]error, len(keys))
	var group sync.WaitGroup
	for index := range keys {
		group.Add(1)
		go func(index int) {
			defer group.Done()
			_, results[index] = service.Debit(ctx, owner, amount, keys[index], ledger.MetadataJSON{})
		}(index)
	}
	group.Wait()

	successes := 0
	for _, err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ledger.ErrInsufficientFunds):
		default:
			test.Fatalf("unexpected debit error: %v", err)
		}
	}
	if successes != 1 {
		test.Fatalf(errorMismatchMessage, 1, successes)
	}
	balance, err := service.Balance(ctx, owner)
	if err != nil || balance != 4 {
		test.Fatalf("expected balance 4, got %d (%v)", balance, err)
	}
}

func newIntakeCreation(test *testing.T, id string) creation.Creation {
	test.Helper()
	creationID, err := creation.NewID(id)
	if err != nil {
		test.Fatalf("creation id: %v", err)
	}
	return creation.Creation{
		ID:                creationID,
		OwnerID:           testOwner,
		OriginalObjectKey: "uploads/" + id + ".png",
		ContentType:       "image/png",
		UserPrompt:        "a dragon",
		EnhancementType:   creation.EnhancementStylize,
		Stage:             creation.StageIntake,
		ChargeCents:       6,
	}
}

func TestCreationStoreRoundTrip(test *testing.T) {
	test.Parallel()
	ctx := context.Background()
	store := NewCreationStore(openTestDatabase(test))
	record := newIntakeCreation(test, "c-round")

	if err := store.Create(ctx, record); err != nil {
		test.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, record); !errors.Is(err, creation.ErrCreationExists) {
		test.Fatalf(errorMismatchMessage, creation.ErrCreationExists, err)
	}
	stored, err := store.Get(ctx, record.ID)
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if stored.Stage != creation.StageIntake || stored.EnhancementType != creation.EnhancementStylize || stored.ChargeCents != 6 {
		test.Fatalf("unexpected record %+v", stored)
	}
	if stored.StoryText != "" || stored.Failure != nil {
		test.Fatalf("expected empty outputs, got %+v", stored)
	}

	missing := newIntakeCreation(test, "c-missing")
	if _, err := store.Get(ctx, missing.ID); !errors.Is(err, creation.ErrCreationNotFound) {
		test.Fatalf(errorMismatchMessage, creation.ErrCreationNotFound, err)
	}
}

func TestCreationStoreWriteOnceFields(test *testing.T) {
	test.Parallel()
	ctx := context.Background()
	store := NewCreationStore(openTestDatabase(test))
	record := newIntakeCreation(test, "c-once")
	if err := store.Create(ctx, record); err != nil {
		test.Fatalf("create: %v", err)
	}

	if err := store.SetField(ctx, record.ID, creation.FieldStoryText, "first"); err != nil {
		test.Fatalf("set: %v", err)
	}
	if err := store.SetField(ctx, record.ID, creation.FieldStoryText, "first"); err != nil {
		test.Fatalf("same value replay: %v", err)
	}
	if err := store.SetField(ctx, record.ID, creation.FieldStoryText, "second"); !errors.Is(err, creation.ErrFieldAlreadySet) {
		test.Fatalf(errorMismatchMessage, creation.ErrFieldAlreadySet, err)
	}
	stored, err := store.Get(ctx, record.ID)
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if stored.StoryText != "first" {
		test.Fatalf(errorMismatchMessage, "first", stored.StoryText)
	}
}

func TestCreationStoreStagesOnlyMoveForward(test *testing.T) {
	test.Parallel()
	ctx := context.Background()
	store := NewCreationStore(openTestDatabase(test))
	record := newIntakeCreation(test, "c-stage")
	if err := store.Create(ctx, record); err != nil {
		test.Fatalf("create: %v", err)
	}

	if err := store.Transition(ctx, record.ID, creation.StageIntake, creation.StageStoryPending); err != nil {
		test.Fatalf("claim: %v", err)
	}
	if err := store.Transition(ctx, record.ID, creation.StageIntake, creation.StageStoryPending); !errors.Is(err, creation.ErrStageConflict) {
		test.Fatalf(errorMismatchMessage, creation.ErrStageConflict, err)
	}
	if err := store.Transition(ctx, record.ID, creation.StageStoryPending, creation.StageIntake); !errors.Is(err, creation.ErrInvalidStage) {
		test.Fatalf(errorMismatchMessage, creation.ErrInvalidStage, err)
	}
	failure := creation.Failure{Stage: creation.StageStoryPending, Cause: creation.CauseStoryGenerationFailed, Detail: "empty story"}
	if err := store.Fail(ctx, record.ID, creation.StageStoryPending, failure); err != nil {
		test.Fatalf("fail: %v", err)
	}
	if err := store.Transition(ctx, record.ID, creation.StageStoryPending, creation.StageStoryDone); !errors.Is(err, creation.ErrStageConflict) {
		test.Fatalf(errorMismatchMessage, creation.ErrStageConflict, err)
	}
	stored, err := store.Get(ctx, record.ID)
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if stored.Stage != creation.StageFailed || stored.Failure == nil || *stored.Failure != failure {
		test.Fatalf("unexpected failed record %+v", stored)
	}
}

func TestCreationStoreTransactionRollsBack(test *testing.T) {
	test.Parallel()
	ctx := context.Background()
	store := NewCreationStore(openTestDatabase(test))
	record := newIntakeCreation(test, "c-tx")
	if err := store.Create(ctx, record); err != nil {
		test.Fatalf("create: %v", err)
	}

	// Wrong source stage: the field write must not survive the failed transition.
	err := store.WithTx(ctx, func(ctx context.Context, txStore creation.Store) error {
		if err := txStore.SetField(ctx, record.ID, creation.FieldStoryText, "draft"); err != nil {
			return err
		}
		return txStore.Transition(ctx, record.ID, creation.StageStoryPending, creation.StageStoryDone)
	})
	if !errors.Is(err, creation.ErrStageConflict) {
		test.Fatalf(errorMismatchMessage, creation.ErrStageConflict, err)
	}
	stored, err := store.Get(ctx, record.ID)
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if stored.StoryText != "" {
		test.Fatalf("expected rolled back story, got %q", stored.StoryText)
	}
}

func TestCreationStoreListsByOwnerNewestFirst(test *testing.T) {
	test.Parallel()
	ctx := context.Background()
	store := NewCreationStore(openTestDatabase(test))
	base := time.Date(2024, time.May, 1, 9, 0, 0, 0, time.UTC)
	for index, id := range []string{"c-old", "c-new"} {
		record := newIntakeCreation(test, id)
		record.CreatedAt = base.Add(time.Duration(index) * time.Hour)
		if err := store.Create(ctx, record); err != nil {
			test.Fatalf("create: %v", err)
		}
	}
	other := newIntakeCreation(test, "c-other")
	other.OwnerID = "someone@example.com"
	if err := store.Create(ctx, other); err != nil {
		test.Fatalf("create: %v", err)
	}

	records, err := store.ListByOwner(ctx, testOwner)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(records) != 2 || records[0].ID.String() != "c-new" || records[1].ID.String() != "c-old" {
		test.Fatalf("unexpected listing %+v", records)
	}
}

func TestCreationStoreReclaimRequiresCurrentClaim(test *testing.T) {
	test.Parallel()
	ctx := context.Background()
	store := NewCreationStore(openTestDatabase(test))
	record := newIntakeCreation(test, "c-reclaim")
	if err := store.Create(ctx, record); err != nil {
		test.Fatalf("create: %v", err)
	}
	if err := store.Transition(ctx, record.ID, creation.StageIntake, creation.StageStoryPending); err != nil {
		test.Fatalf("claim: %v", err)
	}
	claimed, err := store.Get(ctx, record.ID)
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if claimed.ClaimCount != 1 || claimed.ClaimedAt.IsZero() {
		test.Fatalf("unexpected claim %d at %v", claimed.ClaimCount, claimed.ClaimedAt)
	}

	if err := store.Reclaim(ctx, record.ID, creation.StageStoryPending, claimed.ClaimCount); err != nil {
		test.Fatalf("reclaim: %v", err)
	}
	if err := store.Reclaim(ctx, record.ID, creation.StageStoryPending, claimed.ClaimCount); !errors.Is(err, creation.ErrStageConflict) {
		test.Fatalf(errorMismatchMessage, creation.ErrStageConflict, err)
	}
	if err := store.Reclaim(ctx, record.ID, creation.StageIntake, 0); !errors.Is(err, creation.ErrInvalidStage) {
		test.Fatalf(errorMismatchMessage, creation.ErrInvalidStage, err)
	}
	reclaimed, err := store.Get(ctx, record.ID)
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if reclaimed.ClaimCount != 2 {
		test.Fatalf(errorMismatchMessage, 2, reclaimed.ClaimCount)
	}
}

func TestUniqueViolationIgnoresOtherConstraints(test *testing.T) {
	test.Parallel()
	database := openTestDatabase(test)
	insert := "INSERT INTO ledger_transactions (transaction_id, owner_id, type, amount_cents, idempotency_key, metadata, created_at) VALUES (?, ?, 'credit', 5, ?, '{}', ?)"
	now := time.Now().UTC()

	notNullErr := database.Exec(insert, "3f1c2a64-0d7e-4c55-9b1e-0a7d2f0c1a01", nil, "payment:evt_1", now).Error
	if notNullErr == nil {
		test.Fatalf("expected NOT NULL violation")
	}
	if isIdempotencyConflict(notNullErr) {
		test.Fatalf("NOT NULL violation reported as duplicate key: %v", notNullErr)
	}

	if err := database.Exec(insert, "3f1c2a64-0d7e-4c55-9b1e-0a7d2f0c1a02", testOwner, "payment:evt_2", now).Error; err != nil {
		test.Fatalf("insert: %v", err)
	}
	duplicateErr := database.Exec(insert, "3f1c2a64-0d7e-4c55-9b1e-0a7d2f0c1a03", testOwner, "payment:evt_2", now).Error
	if !isIdempotencyConflict(duplicateErr) {
		test.Fatalf("expected idempotency conflict, got %v", duplicateErr)
	}
	if isCreationConflict(duplicateErr) {
		test.Fatalf("ledger conflict reported against creations: %v", duplicateErr)
	}
}
