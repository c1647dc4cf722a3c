package models

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed or missing input rows.
	ErrValidation = errors.New("validation error")
	// ErrInsufficientData marks inputs too small to form a training example.
	ErrInsufficientData = errors.New("insufficient data")
	// ErrSchema marks a feature table whose columns do not match a fitted model.
	ErrSchema = errors.New("schema error")
	// ErrDimensionMismatch marks evaluation sequences of different length.
	ErrDimensionMismatch = errors.New("dimension mismatch")
	// ErrEmptyInput marks evaluation over an empty sequence.
	ErrEmptyInput = errors.New("empty input")
	// ErrNoTestData marks a split whose test suffix is empty.
	ErrNoTestData = errors.New("no test data")
	// ErrExternalService marks any failure reaching the feature store or tracker.
	ErrExternalService = errors.New("external service error")
)

// ExternalServiceError wraps a failed call to the feature store, model
// registry or experiment tracker. Such calls are never retried.
type ExternalServiceError struct {
	Service string
	Op      string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Service, e.Op, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// Is reports ErrExternalService so callers can match the whole class.
func (e *ExternalServiceError) Is(target error) bool {
	return target == ErrExternalService
}

// External wraps err as an ExternalServiceError unless it is nil or already one.
func External(service, op string, err error) error {
	if err == nil {
		return nil
	}
	var ext *ExternalServiceError
	if errors.As(err, &ext) {
		return err
	}
	return &ExternalServiceError{Service: service, Op: op, Err: err}
}
