package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/doodletales/pkg/creation"
	"github.com/MarkoPoloResearchLab/doodletales/pkg/ledger"
)

const (
	operationSubmit  = "pipeline.submit"
	operationStory   = "pipeline.story"
	operationEnhance = "pipeline.enhance"

	// Each step moves the record forward or re-reads it after losing a race,
	// so a bounded number of steps always reaches a resting stage.
	maxProcessSteps = 16
)

// Outcome is a creation as presented to its owner.
type Outcome struct {
	Creation    creation.Creation
	ImageURL    string
	OriginalURL string
	Enhanced    bool
	Complete    bool
}

// Orchestrator runs creations through the story and enhancement stages.
type Orchestrator struct {
	records  creation.Store
	objects  ObjectStore
	stories  StoryGenerator
	enhancer Enhancer
	ledger   Ledger
	charge   ChargePolicy
	retry    RetryPolicy
	lease    time.Duration
	logger   *zap.Logger
	now      func() time.Time
	newID    func() string
}

// NewOrchestrator wires an Orchestrator.
func NewOrchestrator(records creation.Store, objects ObjectStore, stories StoryGenerator, enhancer Enhancer, options ...Option) (*Orchestrator, error) {
	if records == nil {
		return nil, fmt.Errorf("%w: creation store is nil", ErrInvalidConfig)
	}
	if objects == nil {
		return nil, fmt.Errorf("%w: object store is nil", ErrInvalidConfig)
	}
	if stories == nil {
		return nil, fmt.Errorf("%w: story generator is nil", ErrInvalidConfig)
	}
	if enhancer == nil {
		return nil, fmt.Errorf("%w: enhancer is nil", ErrInvalidConfig)
	}
	orchestrator := &Orchestrator{
		records:  records,
		objects:  objects,
		stories:  stories,
		enhancer: enhancer,
		charge:   ChargePolicy{Mode: ChargeNone},
		retry:    DefaultRetryPolicy(),
		logger:   zap.NewNop(),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
	for _, option := range options {
		if option != nil {
			option(orchestrator)
		}
	}
	if orchestrator.lease <= 0 {
		orchestrator.lease = defaultStageLease(orchestrator.retry)
	}
	if orchestrator.charge.Mode == ChargeDebit {
		if orchestrator.ledger == nil {
			return nil, fmt.Errorf("%w: debit charging requires a ledger", ErrInvalidConfig)
		}
		if orchestrator.charge.CostCents <= 0 {
			return nil, fmt.Errorf("%w: debit charging requires a positive cost", ErrInvalidConfig)
		}
	}
	return orchestrator, nil
}

// Submit validates a drawing, charges for it, stores the original and records
// the creation at intake. ledger.ErrInsufficientFunds is returned unchanged.
func (orchestrator *Orchestrator) Submit(ctx context.Context, request SubmitRequest) (creation.ID, error) {
	contentType, err := validateSubmission(request)
	if err != nil {
		return creation.ID{}, err
	}
	ownerID := strings.TrimSpace(request.OwnerID)
	id, err := creation.NewID(orchestrator.newID())
	if err != nil {
		return creation.ID{}, err
	}
	logger := orchestrator.logger.With(zap.String("operation", operationSubmit), zap.String("creation_id", id.String()), zap.String("owner_id", ownerID))

	charged, err := orchestrator.chargeSubmission(ctx, ownerID, id)
	if err != nil {
		return creation.ID{}, err
	}

	objectKey := originalObjectKey(id, contentType)
	if _, err := callWithRetry(ctx, orchestrator.retry, logger, "object_store.put", func(ctx context.Context) (string, error) {
		return orchestrator.objects.Put(ctx, objectKey, request.Image, contentType)
	}); err != nil {
		logger.Error("storing original failed", zap.Error(err))
		orchestrator.refundSubmission(ctx, logger, ownerID, id, charged)
		return creation.ID{}, fmt.Errorf("store original %s: %w", objectKey, err)
	}

	record := creation.Creation{
		ID:                id,
		OwnerID:           ownerID,
		OriginalObjectKey: objectKey,
		ContentType:       contentType,
		UserPrompt:        strings.TrimSpace(request.UserPrompt),
		EnhancementType:   creation.ParseEnhancementType(string(request.EnhancementType)),
		CustomPrompt:      strings.TrimSpace(request.CustomPrompt),
		Stage:             creation.StageIntake,
		ChargeCents:       charged,
		CreatedAt:         orchestrator.now(),
	}
	if err := orchestrator.records.Create(ctx, record); err != nil {
		logger.Error("creating record failed", zap.Error(err))
		orchestrator.refundSubmission(ctx, logger, ownerID, id, charged)
		return creation.ID{}, fmt.Errorf("create creation %s: %w", id, err)
	}
	logger.Info("creation submitted", zap.String("object_key", objectKey), zap.Int64("charge_cents", charged))
	return id, nil
}

// SubmitAndProcess submits a drawing and drives it to a resting stage.
func (orchestrator *Orchestrator) SubmitAndProcess(ctx context.Context, request SubmitRequest) (Outcome, error) {
	id, err := orchestrator.Submit(ctx, request)
	if err != nil {
		return Outcome{}, err
	}
	return orchestrator.Process(ctx, id)
}

// Process advances a creation from its stored stage until it is complete or
// failed. Collaborator failures are recorded on the creation, not returned.
// Only the caller holding a stage's claim runs it; others return the creation
// as it stands while the claim is fresh and take it over once it has expired.
func (orchestrator *Orchestrator) Process(ctx context.Context, id creation.ID) (Outcome, error) {
	for step := 0; step < maxProcessSteps; step++ {
		record, err := orchestrator.records.Get(ctx, id)
		if err != nil {
			return Outcome{}, err
		}
		if record.Stage == creation.StageFailed || isComplete(record) {
			return orchestrator.outcome(record), nil
		}
		if record.Stage.Pending() && orchestrator.claimHeld(record) {
			orchestrator.logger.Info("creation stage held by another caller",
				zap.String("creation_id", record.ID.String()),
				zap.String("stage", record.Stage.String()),
				zap.Time("claimed_at", record.ClaimedAt))
			return orchestrator.outcome(record), nil
		}
		if err := orchestrator.advance(ctx, record); err != nil {
			return Outcome{}, err
		}
	}
	return Outcome{}, fmt.Errorf("creation %s did not settle after %d steps", id, maxProcessSteps)
}

// Get returns a creation owned by requesterOwnerID.
func (orchestrator *Orchestrator) Get(ctx context.Context, id creation.ID, requesterOwnerID string) (Outcome, error) {
	record, err := orchestrator.records.Get(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	if record.OwnerID != strings.TrimSpace(requesterOwnerID) {
		return Outcome{}, fmt.Errorf("%w: creation %s", ErrAccessDenied, id)
	}
	return orchestrator.outcome(record), nil
}

// List returns the owner's creations, newest first.
func (orchestrator *Orchestrator) List(ctx context.Context, ownerID string) ([]Outcome, error) {
	records, err := orchestrator.records.ListByOwner(ctx, strings.TrimSpace(ownerID))
	if err != nil {
		return nil, err
	}
	outcomes := make([]Outcome, 0, len(records))
	for _, record := range records {
		outcomes = append(outcomes, orchestrator.outcome(record))
	}
	return outcomes, nil
}

func (orchestrator *Orchestrator) advance(ctx context.Context, record creation.Creation) error {
	switch record.Stage {
	case creation.StageIntake:
		return orchestrator.claim(ctx, record, creation.StageStoryPending, orchestrator.runStoryStage)
	case creation.StageStoryPending:
		return orchestrator.reclaim(ctx, record, orchestrator.runStoryStage)
	case creation.StageStoryDone:
		return orchestrator.claim(ctx, record, creation.StageEnhancePending, orchestrator.runEnhanceStage)
	case creation.StageEnhancePending:
		return orchestrator.reclaim(ctx, record, orchestrator.runEnhanceStage)
	default:
		orchestrator.logger.DPanic("creation in unexpected stage",
			zap.String("creation_id", record.ID.String()),
			zap.String("stage", record.Stage.String()))
		return fmt.Errorf("%w: %s", creation.ErrInvalidStage, record.Stage)
	}
}

type stageRunner func(ctx context.Context, record creation.Creation) error

// claim moves the record into a pending stage and runs it. Losing the claim to
// another caller is not an error; the next step re-reads the record.
func (orchestrator *Orchestrator) claim(ctx context.Context, record creation.Creation, to creation.Stage, run stageRunner) error {
	if err := orchestrator.records.Transition(ctx, record.ID, record.Stage, to); err != nil {
		return orchestrator.settle(record, "claim "+to.String(), err)
	}
	record.Stage = to
	record.ClaimedAt = orchestrator.now()
	record.ClaimCount++
	return run(ctx, record)
}

// reclaim takes over a pending stage whose claim expired and runs it.
func (orchestrator *Orchestrator) reclaim(ctx context.Context, record creation.Creation, run stageRunner) error {
	if err := orchestrator.records.Reclaim(ctx, record.ID, record.Stage, record.ClaimCount); err != nil {
		return orchestrator.settle(record, "reclaim "+record.Stage.String(), err)
	}
	orchestrator.logger.Warn("reclaimed expired stage",
		zap.String("creation_id", record.ID.String()),
		zap.String("stage", record.Stage.String()),
		zap.Time("claimed_at", record.ClaimedAt),
		zap.Int64("claim_count", record.ClaimCount))
	record.ClaimedAt = orchestrator.now()
	record.ClaimCount++
	return run(ctx, record)
}

// claimHeld reports whether the record's pending claim is younger than the lease.
func (orchestrator *Orchestrator) claimHeld(record creation.Creation) bool {
	return orchestrator.now().Sub(record.ClaimedAt) < orchestrator.lease
}

// settle classifies the result of a conditional write. A stage conflict means
// another caller already moved the record; it is logged and absorbed. A
// write-once field holding a different value can only come from a broken claim.
func (orchestrator *Orchestrator) settle(record creation.Creation, action string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, creation.ErrStageConflict):
		orchestrator.logger.Info("concurrent update won, adopting stored state",
			zap.String("creation_id", record.ID.String()),
			zap.String("action", action),
			zap.Error(err))
		return nil
	case errors.Is(err, creation.ErrFieldAlreadySet),
		errors.Is(err, creation.ErrInvalidStage),
		errors.Is(err, creation.ErrInvalidField):
		orchestrator.logger.DPanic("creation invariant violated",
			zap.String("creation_id", record.ID.String()),
			zap.String("action", action),
			zap.Error(err))
		return err
	default:
		return err
	}
}

func (orchestrator *Orchestrator) chargeSubmission(ctx context.Context, ownerID string, id creation.ID) (int64, error) {
	if orchestrator.charge.Mode != ChargeDebit {
		return 0, nil
	}
	owner, err := ledger.NewOwnerID(ownerID)
	if err != nil {
		return 0, validationError("%v", err)
	}
	amount, err := ledger.NewPositiveAmountCents(orchestrator.charge.CostCents)
	if err != nil {
		return 0, err
	}
	key, err := ledger.NewIdempotencyKey(chargeKey(id))
	if err != nil {
		return 0, err
	}
	if _, err := orchestrator.ledger.Debit(ctx, owner, amount, key, ledger.MetadataFromMap(map[string]string{"creation_id": id.String()})); err != nil {
		return 0, err
	}
	return amount.Int64(), nil
}

func (orchestrator *Orchestrator) refundSubmission(ctx context.Context, logger *zap.Logger, ownerID string, id creation.ID, charged int64) {
	if charged <= 0 {
		return
	}
	owner, ownerErr := ledger.NewOwnerID(ownerID)
	amount, amountErr := ledger.NewPositiveAmountCents(charged)
	key, keyErr := ledger.NewIdempotencyKey(refundKey(id))
	if err := errors.Join(ownerErr, amountErr, keyErr); err != nil {
		logger.DPanic("refund arguments invalid", zap.Error(err))
		return
	}
	metadata := ledger.MetadataFromMap(map[string]string{"creation_id": id.String(), "reason": "intake_failed"})
	if _, err := orchestrator.ledger.Refund(context.WithoutCancel(ctx), owner, amount, key, metadata); err != nil {
		logger.Error("refund after failed intake did not apply", zap.Int64("amount_cents", charged), zap.Error(err))
	}
}

func (orchestrator *Orchestrator) outcome(record creation.Creation) Outcome {
	result := Outcome{
		Creation:    record,
		OriginalURL: orchestrator.objects.URL(record.OriginalObjectKey),
		Complete:    isComplete(record),
	}
	result.ImageURL = result.OriginalURL
	if record.EnhancedObjectKey != "" {
		result.ImageURL = orchestrator.objects.URL(record.EnhancedObjectKey)
		result.Enhanced = true
	}
	return result
}

// isComplete reports whether the record has reached its final successful stage.
func isComplete(record creation.Creation) bool {
	switch record.Stage {
	case creation.StageEnhanceDone:
		return true
	case creation.StageStoryDone:
		_, enhance := enhancementPrompt(record)
		return !enhance
	default:
		return false
	}
}

func chargeKey(id creation.ID) string {
	return "creation:" + id.String() + ":charge"
}

func refundKey(id creation.ID) string {
	return "creation:" + id.String() + ":refund"
}
