package types

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced across component boundaries.
var (
	// ErrNotFound indicates no tier holds the requested record.
	ErrNotFound = errors.New("record not found")

	// ErrNoHealthyEndpoint indicates every endpoint is unusable.
	ErrNoHealthyEndpoint = errors.New("no healthy endpoint available")

	// ErrAlreadyRunning indicates a migration job for the tier pair is
	// already active.
	ErrAlreadyRunning = errors.New("migration already running for tier pair")

	// ErrJobCancelled indicates a job was cancelled between records.
	ErrJobCancelled = errors.New("migration job cancelled")
)

// IntegrityError reports a checksum mismatch between a record's stored
// digest and the digest recomputed from its payload. The source copy of
// the record is left untouched.
type IntegrityError struct {
	RecordID string
	Want     uint64
	Got      uint64
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed for record %s: want %016x, got %016x",
		e.RecordID, e.Want, e.Got)
}

// CapacityError reports that a destination tier cannot hold a blob.
type CapacityError struct {
	Tier   Tier
	Needed int64
	Free   int64
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("tier %s has no room: need %d bytes, %d free", e.Tier, e.Needed, e.Free)
}

// TransientError wraps a network or timeout failure that is safe to
// retry with bounded attempts at the call site.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
