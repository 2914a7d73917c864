package models

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrorKind classifies migration failures by how the pipeline must react:
// retry, reject the record and continue, or abort the job.
type ErrorKind string

const (
	ErrTransientSource      ErrorKind = "transient_source"
	ErrTransientDestination ErrorKind = "transient_destination"
	ErrPermanentMapping     ErrorKind = "permanent_mapping"
	ErrValidation           ErrorKind = "validation"
	ErrPermanentDestination ErrorKind = "permanent_destination"
	ErrIntegrity            ErrorKind = "integrity"
	ErrFatalConfiguration   ErrorKind = "fatal_configuration"
)

// MigrationError attributes a failure to a kind, a phase and, when known, a
// specific batch or record so it can be persisted for audit.
type MigrationError struct {
	Kind       ErrorKind
	Phase      Phase
	JobID      uuid.UUID
	BatchSeq   int
	ExternalID string
	Code       string
	Err        error
}

func (e *MigrationError) Error() string {
	msg := string(e.Kind)
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.ExternalID != "" {
		msg = fmt.Sprintf("%s record=%s", msg, e.ExternalID)
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *MigrationError) Unwrap() error { return e.Err }

// NewError wraps err with a migration error kind and code.
func NewError(kind ErrorKind, code string, err error) *MigrationError {
	return &MigrationError{Kind: kind, Code: code, Err: err}
}

// KindOf returns the error kind of err, or "" when err carries none.
func KindOf(err error) ErrorKind {
	var me *MigrationError
	if errors.As(err, &me) {
		return me.Kind
	}
	return ""
}

// IsTransient reports whether err should be retried rather than treated as a
// permanent failure.
func IsTransient(err error) bool {
	k := KindOf(err)
	return k == ErrTransientSource || k == ErrTransientDestination
}

// IsFatal reports whether err must abort the whole job.
func IsFatal(err error) bool {
	return KindOf(err) == ErrFatalConfiguration
}
