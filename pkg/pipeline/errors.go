// Package pipeline drives multi-stage jobs through a durable task broker
// and tracks their progress for streaming consumers.
package pipeline

import (
	"errors"
	"fmt"
)

// ErrorType classifies stage failures for logs, job state, and progress
// events.
type ErrorType string

const (
	ErrParse            ErrorType = "parse_error"
	ErrRetrieval        ErrorType = "retrieval_error"
	ErrLLM              ErrorType = "llm_error"
	ErrValidation       ErrorType = "validation_error"
	ErrSchema           ErrorType = "schema_error"
	ErrTemplate         ErrorType = "template_error"
	ErrPromptGeneration ErrorType = "prompt_generation_error"
	ErrConfiguration    ErrorType = "configuration_error"
	ErrStorage          ErrorType = "storage_error"
)

// StageError carries the classification a failed stage records on the job.
type StageError struct {
	Stage     string
	Type      ErrorType
	Retryable bool
	Err       error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed (%s): %v", e.Stage, e.Type, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Fail wraps err with a classification. Retryability follows the taxonomy:
// llm and storage failures are transient, everything else is a fault in
// the input or configuration.
func Fail(stage string, errType ErrorType, err error) *StageError {
	retryable := errType == ErrLLM || errType == ErrStorage
	return &StageError{Stage: stage, Type: errType, Retryable: retryable, Err: err}
}

// Classify extracts the StageError from an error chain. Unclassified
// errors get the fallback type and are treated as non-retryable.
func Classify(stage string, fallback ErrorType, err error) *StageError {
	var se *StageError
	if errors.As(err, &se) {
		return se
	}
	return &StageError{Stage: stage, Type: fallback, Retryable: false, Err: err}
}
