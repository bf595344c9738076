package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/doodletales/pkg/creation"
)

// CreationStore implements creation.Store using GORM.
type CreationStore struct {
	db *gorm.DB
}

// NewCreationStore returns a CreationStore backed by gorm.DB.
func NewCreationStore(db *gorm.DB) *CreationStore {
	return &CreationStore{db: db}
}

// WithTx executes fn within a transaction.
func (store *CreationStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore creation.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &CreationStore{db: transaction})
	})
}

// Create inserts a record at intake.
func (store *CreationStore) Create(ctx context.Context, record creation.Creation) error {
	if err := record.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	row := CreationRecord{
		ID:                record.ID.String(),
		OwnerID:           record.OwnerID,
		OriginalObjectKey: record.OriginalObjectKey,
		ContentType:       record.ContentType,
		UserPrompt:        record.UserPrompt,
		EnhancementType:   string(record.EnhancementType),
		CustomPrompt:      record.CustomPrompt,
		Stage:             record.Stage.String(),
		ChargeCents:       record.ChargeCents,
		ClaimedAt:         record.CreatedAt.UTC(),
		CreatedAt:         record.CreatedAt.UTC(),
		UpdatedAt:         record.CreatedAt.UTC(),
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isCreationConflict(err) {
		return wrapStoreError(errorSubjectCreation, errorCodeDuplicate, creation.ErrCreationExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectCreation, errorCodeCreate, err)
	}
	return nil
}

// Get loads a record by id.
func (store *CreationStore) Get(ctx context.Context, id creation.ID) (creation.Creation, error) {
	var row CreationRecord
	err := store.db.WithContext(ctx).Where("id = ?", id.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return creation.Creation{}, wrapStoreError(errorSubjectCreation, errorCodeGet, creation.ErrCreationNotFound)
	}
	if err != nil {
		return creation.Creation{}, wrapStoreError(errorSubjectCreation, errorCodeGet, err)
	}
	record, err := mapCreation(row)
	if err != nil {
		return creation.Creation{}, wrapStoreError(errorSubjectCreation, errorCodeInvalid, err)
	}
	return record, nil
}

// ListByOwner returns the owner's records, newest first.
func (store *CreationStore) ListByOwner(ctx context.Context, ownerID string) ([]creation.Creation, error) {
	var rows []CreationRecord
	err := store.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Order("id DESC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectCreation, errorCodeList, err)
	}
	records := make([]creation.Creation, 0, len(rows))
	for _, row := range rows {
		record, err := mapCreation(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectCreation, errorCodeInvalid, err)
		}
		records = append(records, record)
	}
	return records, nil
}

// SetField writes a write-once column only while it is NULL. When the column is
// already set, an identical value is accepted and a different one is rejected.
func (store *CreationStore) SetField(ctx context.Context, id creation.ID, field creation.Field, value string) error {
	column, err := fieldColumn(field)
	if err != nil {
		return err
	}
	if value == "" {
		return fmt.Errorf("%w: empty value for %s", creation.ErrInvalidField, field)
	}
	result := store.db.WithContext(ctx).
		Model(&CreationRecord{}).
		Where("id = ? AND "+column+" IS NULL", id.String()).
		Updates(map[string]interface{}{
			column:       value,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectCreation, errorCodeSetField, result.Error)
	}
	if result.RowsAffected == 1 {
		return nil
	}
	current, err := store.Get(ctx, id)
	if err != nil {
		return err
	}
	if current.Value(field) == value {
		return nil
	}
	return wrapStoreError(errorSubjectCreation, errorCodeSetField, creation.ErrFieldAlreadySet)
}

// Transition moves a record forward when it is still at from.
func (store *CreationStore) Transition(ctx context.Context, id creation.ID, from creation.Stage, to creation.Stage) error {
	if !creation.CanTransition(from, to) || to == creation.StageFailed {
		return fmt.Errorf("%w: %s -> %s", creation.ErrInvalidStage, from, to)
	}
	now := time.Now().UTC()
	return store.conditionalUpdate(ctx, id, from, errorCodeTransition, map[string]interface{}{
		"stage":       to.String(),
		"claimed_at":  now,
		"claim_count": gorm.Expr("claim_count + 1"),
		"updated_at":  now,
	})
}

// Reclaim restarts the claim on a pending stage still held under claimCount.
func (store *CreationStore) Reclaim(ctx context.Context, id creation.ID, stage creation.Stage, claimCount int64) error {
	if !stage.Pending() {
		return fmt.Errorf("%w: %s cannot be reclaimed", creation.ErrInvalidStage, stage)
	}
	now := time.Now().UTC()
	result := store.db.WithContext(ctx).
		Model(&CreationRecord{}).
		Where("id = ? AND stage = ? AND claim_count = ?", id.String(), stage.String(), claimCount).
		Updates(map[string]interface{}{
			"claimed_at":  now,
			"claim_count": gorm.Expr("claim_count + 1"),
			"updated_at":  now,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectCreation, errorCodeReclaim, result.Error)
	}
	if result.RowsAffected == 1 {
		return nil
	}
	current, err := store.Get(ctx, id)
	if err != nil {
		return err
	}
	return wrapStoreError(errorSubjectCreation, errorCodeReclaim, fmt.Errorf("%w: %s is at %s claim %d, not %s claim %d",
		creation.ErrStageConflict, id, current.Stage, current.ClaimCount, stage, claimCount))
}

// Fail records a terminal failure when the record is still at from.
func (store *CreationStore) Fail(ctx context.Context, id creation.ID, from creation.Stage, failure creation.Failure) error {
	if !creation.CanTransition(from, creation.StageFailed) {
		return fmt.Errorf("%w: %s -> %s", creation.ErrInvalidStage, from, creation.StageFailed)
	}
	return store.conditionalUpdate(ctx, id, from, errorCodeFail, map[string]interface{}{
		"stage":          creation.StageFailed.String(),
		"failure_stage":  failure.Stage.String(),
		"failure_cause":  string(failure.Cause),
		"failure_detail": failure.Detail,
		"updated_at":     time.Now().UTC(),
	})
}

func (store *CreationStore) conditionalUpdate(ctx context.Context, id creation.ID, from creation.Stage, code string, values map[string]interface{}) error {
	result := store.db.WithContext(ctx).
		Model(&CreationRecord{}).
		Where("id = ? AND stage = ?", id.String(), from.String()).
		Updates(values)
	if result.Error != nil {
		return wrapStoreError(errorSubjectCreation, code, result.Error)
	}
	if result.RowsAffected == 1 {
		return nil
	}
	current, err := store.Get(ctx, id)
	if err != nil {
		return err
	}
	return wrapStoreError(errorSubjectCreation, code, fmt.Errorf("%w: %s is at %s, not %s", creation.ErrStageConflict, id, current.Stage, from))
}

func fieldColumn(field creation.Field) (string, error) {
	switch field {
	case creation.FieldStoryText:
		return "story_text", nil
	case creation.FieldEnhancedObjectKey:
		return "enhanced_object_key", nil
	default:
		return "", fmt.Errorf("%w: %q", creation.ErrInvalidField, field)
	}
}

func mapCreation(row CreationRecord) (creation.Creation, error) {
	id, err := creation.NewID(row.ID)
	if err != nil {
		return creation.Creation{}, err
	}
	stage, err := creation.ParseStage(row.Stage)
	if err != nil {
		return creation.Creation{}, err
	}
	record := creation.Creation{
		ID:                id,
		OwnerID:           row.OwnerID,
		OriginalObjectKey: row.OriginalObjectKey,
		ContentType:       row.ContentType,
		UserPrompt:        row.UserPrompt,
		EnhancementType:   creation.ParseEnhancementType(row.EnhancementType),
		CustomPrompt:      row.CustomPrompt,
		StoryText:         stringValue(row.StoryText),
		EnhancedObjectKey: stringValue(row.EnhancedObjectKey),
		Stage:             stage,
		ChargeCents:       row.ChargeCents,
		ClaimedAt:         row.ClaimedAt.UTC(),
		ClaimCount:        row.ClaimCount,
		CreatedAt:         row.CreatedAt.UTC(),
		UpdatedAt:         row.UpdatedAt.UTC(),
	}
	if stage == creation.StageFailed {
		failureStage, err := creation.ParseStage(stringValue(row.FailureStage))
		if err != nil {
			return creation.Creation{}, err
		}
		record.Failure = &creation.Failure{
			Stage:  failureStage,
			Cause:  creation.Cause(stringValue(row.FailureCause)),
			Detail: stringValue(row.FailureDetail),
		}
	}
	return record, nil
}
