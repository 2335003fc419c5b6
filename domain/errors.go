package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a referenced record does not exist in the store.
	ErrNotFound = errors.New("record not found")
	// ErrForbidden is returned when the actor is not allowed to perform a mutation.
	ErrForbidden = errors.New("operation not permitted for actor")
	// ErrInvalidTask is returned when task input fails validation.
	ErrInvalidTask = errors.New("invalid task")
	// ErrAlertPermission indicates the recipient never granted alert permission.
	// Alert delivery treats it as a no-op.
	ErrAlertPermission = errors.New("alert permission not granted")
	// ErrConcurrencyConflict indicates that the underlying storage rejected an
	// update because a newer version of the record is already persisted.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrDisconnected is returned by realtime operations that need a live connection.
	ErrDisconnected = errors.New("realtime connection unavailable")
)

// StoreError wraps a transport or permission failure reported by a store call.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// NewStoreError wraps err unless it is nil or already a StoreError.
func NewStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// MalformedRecordError describes a pushed record that is missing required fields.
type MalformedRecordError struct {
	Collection string
	ID         string
	Reason     string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed %s record %q: %s", e.Collection, e.ID, e.Reason)
}

// SubscriptionSetupError is returned when a subscription could not be
// established. No callback or goroutine is registered in that case.
type SubscriptionSetupError struct {
	Target string
	Err    error
}

func (e *SubscriptionSetupError) Error() string {
	return fmt.Sprintf("subscribe %s: %v", e.Target, e.Err)
}

func (e *SubscriptionSetupError) Unwrap() error { return e.Err }
