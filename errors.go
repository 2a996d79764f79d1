package docq

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrSchemaMismatch = errors.New("schema mismatch")

	// ErrNoIndex means there was nothing to plan against. Normalized schemas
	// always carry at least the primary key index, so this indicates a schema
	// that bypassed normalization.
	ErrNoIndex = errors.New("no index available to plan the query")

	ErrMissingWriteResult       = errors.New("bulk write response has no result for document")
	ErrConflictRetriesExhausted = errors.New("write conflict retries exhausted")
	ErrQueueClosed              = errors.New("write queue closed")
)

// StatusConflict is the WriteError status a backend reports when the
// previous state of a row does not match what it has stored.
const StatusConflict = 409

type SchemaMismatchError struct {
	Path  string
	Index []string
	Msg   string
}

func schemaErrf(path string, index []string, format string, args ...any) error {
	return &SchemaMismatchError{path, index, fmt.Sprintf(format, args...)}
}

func (e *SchemaMismatchError) Unwrap() error {
	return ErrSchemaMismatch
}

func (e *SchemaMismatchError) Error() string {
	var buf strings.Builder
	buf.WriteString(ErrSchemaMismatch.Error())
	if e.Index != nil {
		buf.WriteString(" in index [")
		buf.WriteString(strings.Join(e.Index, ","))
		buf.WriteByte(']')
	}
	if e.Path != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Path)
	}
	if e.Msg != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Msg)
	}
	return buf.String()
}

// ModifierError is delivered to a single queued write whose modifier failed.
type ModifierError struct {
	ID  string
	Err error
}

func (e *ModifierError) Unwrap() error {
	return e.Err
}

func (e *ModifierError) Error() string {
	return fmt.Sprintf("%s: modifier: %v", e.ID, e.Err)
}

// HookError is delivered to every queued write of a document whose pre-write
// hook failed.
type HookError struct {
	ID  string
	Err error
}

func (e *HookError) Unwrap() error {
	return e.Err
}

func (e *HookError) Error() string {
	return fmt.Sprintf("%s: pre-write hook: %v", e.ID, e.Err)
}

type WriteError struct {
	ID     string
	Status int

	// DocumentInDB is the currently stored state. Required for conflicts.
	DocumentInDB Document

	Msg string
	Err error
}

func writeErrf(id string, status int, inDB Document, err error, format string, args ...any) *WriteError {
	return &WriteError{id, status, inDB, fmt.Sprintf(format, args...), err}
}

func (e *WriteError) IsConflict() bool {
	return e.Status == StatusConflict
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

func (e *WriteError) Error() string {
	var buf strings.Builder
	buf.WriteString(e.ID)
	fmt.Fprintf(&buf, ": write failed (%d)", e.Status)
	if e.Msg != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Msg)
	}
	if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

// IsConflict reports whether err is a WriteError signalling a stale baseline.
func IsConflict(err error) bool {
	var we *WriteError
	return errors.As(err, &we) && we.IsConflict()
}

// translateWriteError turns a backend row error into the error handed to callers.
// The stored document is dropped so callers never hold on to backend state.
func translateWriteError(id string, we *WriteError) error {
	if we == nil {
		return writeErrf(id, 0, nil, ErrMissingWriteResult, "")
	}
	return &WriteError{
		ID:     id,
		Status: we.Status,
		Msg:    we.Msg,
		Err:    we.Err,
	}
}
