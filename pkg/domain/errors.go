package domain

import (
	"errors"
	"fmt"
	"strings"
)

// NormalizationError reports a malformed submission. Path names the offending
// field, for example "plates[0].wells[2].position".
type NormalizationError struct {
	Path   string
	Reason string
}

func (e *NormalizationError) Error() string {
	if e.Path == "" {
		return "normalization: " + e.Reason
	}
	return fmt.Sprintf("normalization: %s: %s", e.Path, e.Reason)
}

// ValidationError carries every constraint violation found for a submission.
type ValidationError struct {
	Result Result
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Result.Violations))
	for _, v := range e.Result.Violations {
		parts = append(parts, v.Scope+" "+v.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// ReconciliationError reports a desired spec naming an entity that is not part
// of the current state it is reconciled against.
type ReconciliationError struct {
	Entity   EntityType
	ID       string
	ParentID string
}

func (e *ReconciliationError) Error() string {
	if e.ParentID == "" {
		return fmt.Sprintf("reconciliation: %s %s does not exist", e.Entity, e.ID)
	}
	return fmt.Sprintf("reconciliation: %s %s does not belong to %s", e.Entity, e.ID, e.ParentID)
}

// CommitError wraps a failure raised while applying a validated plan.
type CommitError struct {
	RunID string
	Err   error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit run %s: %v", e.RunID, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }

// ErrNotFound is returned when a referenced entity is missing.
type ErrNotFound struct {
	Entity EntityType
	ID     string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// IsNotFound reports whether err wraps an ErrNotFound.
func IsNotFound(err error) bool {
	var nf ErrNotFound
	return errors.As(err, &nf)
}
