package creation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCanTransitionOnlyMovesForward(test *testing.T) {
	test.Parallel()
	ordered := []Stage{StageIntake, StageStoryPending, StageStoryDone, StageEnhancePending, StageEnhanceDone}
	for fromIndex, from := range ordered {
		for toIndex, to := range ordered {
			expected := toIndex == fromIndex+1
			require.Equalf(test, expected, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
	require.True(test, CanTransition(StageStoryPending, StageFailed))
	require.True(test, CanTransition(StageStoryDone, StageFailed))
	require.False(test, CanTransition(StageFailed, StageIntake))
	require.False(test, CanTransition(StageEnhanceDone, StageFailed))
}

func TestParseEnhancementType(test *testing.T) {
	test.Parallel()
	require.Equal(test, EnhancementStylize, ParseEnhancementType(" Stylize "))
	require.Equal(test, EnhancementCustom, ParseEnhancementType("custom"))
	require.Equal(test, EnhancementNone, ParseEnhancementType("sepia"))
	require.Equal(test, EnhancementNone, ParseEnhancementType(""))
}

func TestMemoryStoreWriteOnceFields(test *testing.T) {
	test.Parallel()
	ctx := context.Background()
	store := NewMemoryStore(fixedClock)
	record := newIntakeRecord(test, "c-1", "owner-1")
	require.NoError(test, store.Create(ctx, record))

	require.NoError(test, store.SetField(ctx, record.ID, FieldStoryText, "Once upon a time"))
	require.NoError(test, store.SetField(ctx, record.ID, FieldStoryText, "Once upon a time"), "same value replays are no-ops")

	err := store.SetField(ctx, record.ID, FieldStoryText, "A different tale")
	require.ErrorIs(test, err, ErrFieldAlreadySet)

	stored, err := store.Get(ctx, record.ID)
	require.NoError(test, err)
	require.Equal(test, "Once upon a time", stored.StoryText)
}

func TestMemoryStoreConditionalTransitions(test *testing.T) {
	test.Parallel()
	ctx := context.Background()
	store := NewMemoryStore(fixedClock)
	record := newIntakeRecord(test, "c-2", "owner-1")
	require.NoError(test, store.Create(ctx, record))

	require.NoError(test, store.Transition(ctx, record.ID, StageIntake, StageStoryPending))
	require.ErrorIs(test, store.Transition(ctx, record.ID, StageIntake, StageStoryPending), ErrStageConflict)
	require.ErrorIs(test, store.Transition(ctx, record.ID, StageStoryPending, StageEnhanceDone), ErrInvalidStage)

	require.NoError(test, store.Fail(ctx, record.ID, StageStoryPending, Failure{Stage: StageStoryPending, Cause: CauseStoryGenerationFailed, Detail: "empty"}))
	require.ErrorIs(test, store.Transition(ctx, record.ID, StageStoryPending, StageStoryDone), ErrStageConflict)

	stored, err := store.Get(ctx, record.ID)
	require.NoError(test, err)
	require.Equal(test, StageFailed, stored.Stage)
	require.NotNil(test, stored.Failure)
	require.Equal(test, CauseStoryGenerationFailed, stored.Failure.Cause)
}

func TestMemoryStoreTransactionRollsBack(test *testing.T) {
	test.Parallel()
	ctx := context.Background()
	store := NewMemoryStore(fixedClock)
	record := newIntakeRecord(test, "c-3", "owner-1")
	require.NoError(test, store.Create(ctx, record))
	require.NoError(test, store.Transition(ctx, record.ID, StageIntake, StageStoryPending))

	boom := errors.New("boom")
	err := store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		require.NoError(test, txStore.SetField(ctx, record.ID, FieldStoryText, "draft"))
		return boom
	})
	require.ErrorIs(test, err, boom)

	stored, err := store.Get(ctx, record.ID)
	require.NoError(test, err)
	require.Empty(test, stored.StoryText)
	require.Equal(test, StageStoryPending, stored.Stage)
}

func TestMemoryStoreListByOwner(test *testing.T) {
	test.Parallel()
	ctx := context.Background()
	store := NewMemoryStore(fixedClock)
	first := newIntakeRecord(test, "c-a", "owner-1")
	first.CreatedAt = fixedClock().Add(-time.Minute)
	second := newIntakeRecord(test, "c-b", "owner-1")
	other := newIntakeRecord(test, "c-c", "owner-2")
	require.NoError(test, store.Create(ctx, first))
	require.NoError(test, store.Create(ctx, second))
	require.NoError(test, store.Create(ctx, other))
	require.ErrorIs(test, store.Create(ctx, first), ErrCreationExists)

	records, err := store.ListByOwner(ctx, "owner-1")
	require.NoError(test, err)
	require.Len(test, records, 2)
	require.Equal(test, "c-b", records[0].ID.String())
	require.Equal(test, "c-a", records[1].ID.String())

	_, err = store.Get(ctx, mustID(test, "missing"))
	require.ErrorIs(test, err, ErrCreationNotFound)
}

func TestMemoryStoreReclaimRequiresCurrentClaim(test *testing.T) {
	test.Parallel()
	ctx := context.Background()
	store := NewMemoryStore(fixedClock)
	record := newIntakeRecord(test, "c-5", "owner-1")
	require.NoError(test, store.Create(ctx, record))
	require.NoError(test, store.Transition(ctx, record.ID, StageIntake, StageStoryPending))

	claimed, err := store.Get(ctx, record.ID)
	require.NoError(test, err)
	require.Equal(test, int64(1), claimed.ClaimCount)
	require.Equal(test, fixedClock(), claimed.ClaimedAt)

	require.NoError(test, store.Reclaim(ctx, record.ID, StageStoryPending, claimed.ClaimCount))
	require.ErrorIs(test, store.Reclaim(ctx, record.ID, StageStoryPending, claimed.ClaimCount), ErrStageConflict, "a stale claim count loses")
	require.ErrorIs(test, store.Reclaim(ctx, record.ID, StageEnhancePending, 2), ErrStageConflict)
	require.ErrorIs(test, store.Reclaim(ctx, record.ID, StageStoryDone, 2), ErrInvalidStage)

	reclaimed, err := store.Get(ctx, record.ID)
	require.NoError(test, err)
	require.Equal(test, int64(2), reclaimed.ClaimCount)
}

func TestCreateRejectsRecordsPastIntake(test *testing.T) {
	test.Parallel()
	store := NewMemoryStore(fixedClock)
	record := newIntakeRecord(test, "c-4", "owner-1")
	record.StoryText = "premature"
	require.ErrorIs(test, store.Create(context.Background(), record), ErrInvalidRecord)
}

func fixedClock() time.Time {
	return time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
}

func mustID(test *testing.T, raw string) ID {
	test.Helper()
	id, err := NewID(raw)
	require.NoError(test, err)
	return id
}

func newIntakeRecord(test *testing.T, id string, ownerID string) Creation {
	test.Helper()
	return Creation{
		ID:                mustID(test, id),
		OwnerID:           ownerID,
		OriginalObjectKey: "uploads/" + id + ".png",
		ContentType:       "image/png",
		Stage:             StageIntake,
	}
}
