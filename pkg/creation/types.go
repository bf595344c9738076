// Package creation models the persisted record that tracks one drawing through
// story generation and image enhancement.
package creation

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ID identifies a creation.
type ID struct {
	value string
}

// NewID validates and normalizes a creation id.
func NewID(raw string) (ID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ID{}, fmt.Errorf("%w: empty value", ErrInvalidID)
	}
	return ID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id ID) IsZero() bool {
	return id.value == ""
}

// Stage is a durably recorded point in the creation state machine.
type Stage string

const (
	StageIntake         Stage = "intake"
	StageStoryPending   Stage = "story_pending"
	StageStoryDone      Stage = "story_done"
	StageEnhancePending Stage = "enhance_pending"
	StageEnhanceDone    Stage = "enhance_done"
	StageFailed         Stage = "failed"
)

var stageOrder = map[Stage]int{
	StageIntake:         0,
	StageStoryPending:   1,
	StageStoryDone:      2,
	StageEnhancePending: 3,
	StageEnhanceDone:    4,
}

// ParseStage validates a stored stage name.
func ParseStage(raw string) (Stage, error) {
	stage := Stage(strings.TrimSpace(raw))
	if _, known := stageOrder[stage]; known || stage == StageFailed {
		return stage, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStage, raw)
}

// String returns the stage name.
func (stage Stage) String() string {
	return string(stage)
}

// Pending reports whether a caller works on the stage while it is held.
func (stage Stage) Pending() bool {
	return stage == StageStoryPending || stage == StageEnhancePending
}

// Terminal reports whether no automatic transition leaves the stage.
func (stage Stage) Terminal() bool {
	return stage == StageFailed || stage == StageEnhanceDone
}

// CanTransition reports whether moving from one stage to another respects the
// fixed forward ordering. Failed is reachable from any non-terminal stage.
func CanTransition(from Stage, to Stage) bool {
	if from.Terminal() {
		return false
	}
	if to == StageFailed {
		_, known := stageOrder[from]
		return known
	}
	fromIndex, fromKnown := stageOrder[from]
	toIndex, toKnown := stageOrder[to]
	return fromKnown && toKnown && toIndex == fromIndex+1
}

// EnhancementType selects how the enhancement prompt is composed.
type EnhancementType string

const (
	EnhancementNone    EnhancementType = ""
	EnhancementStylize EnhancementType = "stylize"
	EnhancementCustom  EnhancementType = "custom"
)

// ParseEnhancementType normalizes user input. Unknown values map to EnhancementNone.
func ParseEnhancementType(raw string) EnhancementType {
	switch EnhancementType(strings.ToLower(strings.TrimSpace(raw))) {
	case EnhancementStylize:
		return EnhancementStylize
	case EnhancementCustom:
		return EnhancementCustom
	default:
		return EnhancementNone
	}
}

// Cause names the step that failed.
type Cause string

const (
	CauseStoryGenerationFailed Cause = "story_generation_failed"
	CauseCaptionFailed         Cause = "caption_failed"
	CauseRenderFailed          Cause = "render_failed"
	CauseStoreFailed           Cause = "store_failed"
	CauseSourceUnavailable     Cause = "source_unavailable"
)

// Failure records why a creation reached StageFailed.
type Failure struct {
	Stage  Stage
	Cause  Cause
	Detail string
}

// Field names a write-once creation field.
type Field string

const (
	FieldStoryText         Field = "story_text"
	FieldEnhancedObjectKey Field = "enhanced_object_key"
)

// Creation is the persisted record for one submitted drawing.
type Creation struct {
	ID                ID
	OwnerID           string
	OriginalObjectKey string
	ContentType       string
	UserPrompt        string
	EnhancementType   EnhancementType
	CustomPrompt      string
	StoryText         string
	EnhancedObjectKey string
	Stage             Stage
	Failure           *Failure
	ChargeCents       int64
	// ClaimedAt is when the current stage was entered or last reclaimed.
	// ClaimCount grows by one each time, so it identifies the current holder.
	ClaimedAt  time.Time
	ClaimCount int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Value returns the stored value of a write-once field.
func (record Creation) Value(field Field) string {
	switch field {
	case FieldStoryText:
		return record.StoryText
	case FieldEnhancedObjectKey:
		return record.EnhancedObjectKey
	default:
		return ""
	}
}

// Validate checks the intake invariants of a new record.
func (record Creation) Validate() error {
	if record.ID.IsZero() {
		return fmt.Errorf("%w: empty value", ErrInvalidID)
	}
	if strings.TrimSpace(record.OwnerID) == "" {
		return fmt.Errorf("%w: owner id is required", ErrInvalidRecord)
	}
	if strings.TrimSpace(record.OriginalObjectKey) == "" {
		return fmt.Errorf("%w: original object key is required", ErrInvalidRecord)
	}
	if record.Stage != StageIntake {
		return fmt.Errorf("%w: new records start at %s", ErrInvalidRecord, StageIntake)
	}
	if record.StoryText != "" || record.EnhancedObjectKey != "" || record.Failure != nil {
		return fmt.Errorf("%w: stage outputs must be empty at intake", ErrInvalidRecord)
	}
	return nil
}

// Store persists creation records. Field writes are "set if absent": writing a
// field that already holds the same value is a no-op, writing a different value
// fails with ErrFieldAlreadySet. Stage changes are conditional on the current stage
// and start a new claim. Reclaim restarts the claim on a pending stage only when
// the record still carries claimCount.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	Create(ctx context.Context, record Creation) error
	Get(ctx context.Context, id ID) (Creation, error)
	ListByOwner(ctx context.Context, ownerID string) ([]Creation, error)
	SetField(ctx context.Context, id ID, field Field, value string) error
	Transition(ctx context.Context, id ID, from Stage, to Stage) error
	Reclaim(ctx context.Context, id ID, stage Stage, claimCount int64) error
	Fail(ctx context.Context, id ID, from Stage, failure Failure) error
}
