package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownStage is returned when a handler targets a stage outside the
	// fixed stage list.
	ErrUnknownStage = errors.New("unknown stage")
	// ErrStageOrder is returned when a context is asked to move backwards or
	// to repeat a stage.
	ErrStageOrder = errors.New("stage order violation")
	// ErrInvalidRequest is returned for requests that fail validation.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrConsumed is yielded when an output sequence is ranged over twice.
	ErrConsumed = errors.New("output sequence already consumed")
	// ErrAborted is passed to termination handlers when the consumer stopped
	// pulling before the pass completed.
	ErrAborted = errors.New("pass aborted by consumer")
)

// StageError wraps any failure raised inside a stage handler.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// stageError wraps err unless it already carries stage information.
func stageError(stage Stage, err error) error {
	var se *StageError
	if errors.As(err, &se) {
		return err
	}
	return &StageError{Stage: stage, Err: err}
}
