package creation

import "errors"

// Domain-level error values returned by creation stores.
var (
	ErrCreationNotFound = errors.New("creation not found")
	ErrCreationExists   = errors.New("creation already exists")
	ErrFieldAlreadySet  = errors.New("write-once field already set")
	ErrStageConflict    = errors.New("stage conflict")
	ErrInvalidID        = errors.New("invalid creation id")
	ErrInvalidStage     = errors.New("invalid stage")
	ErrInvalidField     = errors.New("invalid field")
	ErrInvalidRecord    = errors.New("invalid creation record")
)
