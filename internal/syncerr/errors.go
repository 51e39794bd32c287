// Package syncerr holds the error taxonomy shared by the sync engine, its transport and its stores.
package syncerr

import (
	"context"
	"errors"
	"fmt"
)

// TransientNetworkError is a failure worth retrying with backoff: network errors, 5xx, timeouts
type TransientNetworkError struct {
	Op     string
	Status int
	Err    error
}

func (e *TransientNetworkError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: transient failure (http %d): %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: transient failure: %v", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// ServerRejection is a non-retryable verdict from the server, e.g. schema validation
type ServerRejection struct {
	Status int
	Reason string
}

func (e *ServerRejection) Error() string {
	return fmt.Sprintf("server rejected request (http %d): %s", e.Status, e.Reason)
}

// PayloadTooLargeError means the server refused the request body for its size.
// The records are fine; the batch has to be split.
type PayloadTooLargeError struct {
	Op     string
	Reason string
}

func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("%s: request body too large (http 413): %s", e.Op, e.Reason)
}

// LocalStorageError aborts the current cycle and is surfaced to the caller
type LocalStorageError struct {
	Op  string
	Err error
}

func (e *LocalStorageError) Error() string {
	return fmt.Sprintf("local storage %s: %v", e.Op, e.Err)
}

func (e *LocalStorageError) Unwrap() error { return e.Err }

// TenantMismatchError flags a pulled entity that belongs to another tenant
type TenantMismatchError struct {
	Expected   string
	Got        string
	Collection string
	ID         string
}

func (e *TenantMismatchError) Error() string {
	return fmt.Sprintf("entity %s/%s belongs to tenant %q, expected %q", e.Collection, e.ID, e.Got, e.Expected)
}

// Storage wraps err as a LocalStorageError unless it already is one, or is a context error
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	var lse *LocalStorageError
	if errors.As(err, &lse) || errors.Is(err, context.Canceled) {
		return err
	}
	return &LocalStorageError{Op: op, Err: err}
}

// IsTransient reports whether err should be retried. Deadline errors count as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientNetworkError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func IsRejection(err error) bool {
	var sr *ServerRejection
	return errors.As(err, &sr)
}

func IsPayloadTooLarge(err error) bool {
	var pe *PayloadTooLargeError
	return errors.As(err, &pe)
}

func IsLocalStorage(err error) bool {
	var lse *LocalStorageError
	return errors.As(err, &lse)
}

func IsTenantMismatch(err error) bool {
	var tm *TenantMismatchError
	return errors.As(err, &tm)
}
