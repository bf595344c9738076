package pipeline

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/doodletales/pkg/creation"
)

const enhancedContentType = "image/png"

var (
	errEmptyStory   = errors.New("story generator returned no text")
	errEmptyCaption = errors.New("caption returned no text")
	errEmptyRender  = errors.New("render returned no image data")
)

// stageResult is either a value or the failure that ends the creation.
type stageResult[T any] struct {
	value   T
	failure *UpstreamError
}

func stageOK[T any](value T) stageResult[T] {
	return stageResult[T]{value: value}
}

func stageFailed[T any](stage creation.Stage, cause creation.Cause, err error) stageResult[T] {
	return stageResult[T]{failure: &UpstreamError{Stage: stage, Cause: cause, Err: err}}
}

func (orchestrator *Orchestrator) runStoryStage(ctx context.Context, record creation.Creation) error {
	story := record.StoryText
	if story == "" {
		result := orchestrator.generateStory(ctx, record)
		if result.failure != nil {
			return orchestrator.recordFailure(ctx, record, result.failure)
		}
		story = result.value
	}
	err := orchestrator.records.WithTx(ctx, func(ctx context.Context, txStore creation.Store) error {
		if err := txStore.Transition(ctx, record.ID, creation.StageStoryPending, creation.StageStoryDone); err != nil {
			return err
		}
		return txStore.SetField(ctx, record.ID, creation.FieldStoryText, story)
	})
	if err == nil {
		orchestrator.logger.Info("story stored", zap.String("operation", operationStory), zap.String("creation_id", record.ID.String()))
	}
	return orchestrator.settle(record, "store story", err)
}

func (orchestrator *Orchestrator) generateStory(ctx context.Context, record creation.Creation) stageResult[string] {
	logger := orchestrator.logger.With(zap.String("operation", operationStory), zap.String("creation_id", record.ID.String()))
	original, err := orchestrator.fetchOriginal(ctx, logger, record)
	if err != nil {
		return stageFailed[string](creation.StageStoryPending, creation.CauseSourceUnavailable, err)
	}
	story, err := callWithRetry(ctx, orchestrator.retry, logger, "story.generate", func(ctx context.Context) (string, error) {
		return orchestrator.stories.Generate(ctx, original, record.UserPrompt)
	})
	if err != nil {
		return stageFailed[string](creation.StageStoryPending, creation.CauseStoryGenerationFailed, err)
	}
	story = strings.TrimSpace(story)
	if story == "" {
		return stageFailed[string](creation.StageStoryPending, creation.CauseStoryGenerationFailed, errEmptyStory)
	}
	return stageOK(story)
}

func (orchestrator *Orchestrator) runEnhanceStage(ctx context.Context, record creation.Creation) error {
	objectKey := record.EnhancedObjectKey
	if objectKey == "" {
		result := orchestrator.enhance(ctx, record)
		if result.failure != nil {
			return orchestrator.recordFailure(ctx, record, result.failure)
		}
		objectKey = result.value
	}
	err := orchestrator.records.WithTx(ctx, func(ctx context.Context, txStore creation.Store) error {
		if err := txStore.Transition(ctx, record.ID, creation.StageEnhancePending, creation.StageEnhanceDone); err != nil {
			return err
		}
		return txStore.SetField(ctx, record.ID, creation.FieldEnhancedObjectKey, objectKey)
	})
	if err == nil {
		orchestrator.logger.Info("enhanced image stored",
			zap.String("operation", operationEnhance),
			zap.String("creation_id", record.ID.String()),
			zap.String("object_key", objectKey))
	}
	return orchestrator.settle(record, "store enhanced image", err)
}

// enhance captions the original, renders the caption and stores the render
// under a fresh key, returning that key.
func (orchestrator *Orchestrator) enhance(ctx context.Context, record creation.Creation) stageResult[string] {
	logger := orchestrator.logger.With(zap.String("operation", operationEnhance), zap.String("creation_id", record.ID.String()))
	prompt, enhance := enhancementPrompt(record)
	if !enhance {
		// Records without an enhancement prompt are completed at story_done and never claimed.
		return stageFailed[string](creation.StageEnhancePending, creation.CauseCaptionFailed, errors.New("no enhancement prompt for record"))
	}
	original, err := orchestrator.fetchOriginal(ctx, logger, record)
	if err != nil {
		return stageFailed[string](creation.StageEnhancePending, creation.CauseSourceUnavailable, err)
	}
	description, err := callWithRetry(ctx, orchestrator.retry, logger, "enhancer.caption", func(ctx context.Context) (string, error) {
		return orchestrator.enhancer.Caption(ctx, original, prompt)
	})
	if err != nil {
		return stageFailed[string](creation.StageEnhancePending, creation.CauseCaptionFailed, err)
	}
	if strings.TrimSpace(description) == "" {
		return stageFailed[string](creation.StageEnhancePending, creation.CauseCaptionFailed, errEmptyCaption)
	}
	rendered, err := callWithRetry(ctx, orchestrator.retry, logger, "enhancer.render", func(ctx context.Context) ([]byte, error) {
		return orchestrator.enhancer.Render(ctx, description)
	})
	if err != nil {
		return stageFailed[string](creation.StageEnhancePending, creation.CauseRenderFailed, err)
	}
	if len(rendered) == 0 {
		return stageFailed[string](creation.StageEnhancePending, creation.CauseRenderFailed, errEmptyRender)
	}
	objectKey := "enhanced/" + orchestrator.newID() + ".png"
	if _, err := callWithRetry(ctx, orchestrator.retry, logger, "object_store.put", func(ctx context.Context) (string, error) {
		return orchestrator.objects.Put(ctx, objectKey, rendered, enhancedContentType)
	}); err != nil {
		return stageFailed[string](creation.StageEnhancePending, creation.CauseStoreFailed, err)
	}
	return stageOK(objectKey)
}

func (orchestrator *Orchestrator) fetchOriginal(ctx context.Context, logger *zap.Logger, record creation.Creation) (Image, error) {
	data, err := callWithRetry(ctx, orchestrator.retry, logger, "object_store.get", func(ctx context.Context) ([]byte, error) {
		return orchestrator.objects.Get(ctx, record.OriginalObjectKey)
	})
	if err != nil {
		return Image{}, err
	}
	return Image{Data: data, ContentType: record.ContentType}, nil
}

// recordFailure moves the record to failed. A record that another caller has
// already moved on is left alone.
func (orchestrator *Orchestrator) recordFailure(ctx context.Context, record creation.Creation, upstreamError *UpstreamError) error {
	orchestrator.logger.Warn("creation stage failed",
		zap.String("creation_id", record.ID.String()),
		zap.String("stage", upstreamError.Stage.String()),
		zap.String("cause", string(upstreamError.Cause)),
		zap.Error(upstreamError.Err))
	if ctx.Err() != nil {
		// Cancelled callers leave the creation resumable.
		return ctx.Err()
	}
	failure := creation.Failure{
		Stage:  upstreamError.Stage,
		Cause:  upstreamError.Cause,
		Detail: upstreamError.Err.Error(),
	}
	err := orchestrator.records.Fail(ctx, record.ID, record.Stage, failure)
	return orchestrator.settle(record, "record failure", err)
}
