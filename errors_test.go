package docq

import (
	"errors"
	"strings"
	"testing"
)

func TestSchemaMismatchError(t *testing.T) {
	err := schemaErrf("a.b", []string{"a.b", "id"}, "not %s", "indexable")
	if !errors.Is(err, ErrSchemaMismatch) {
		t.Fatalf("** errors.Is(ErrSchemaMismatch) = false")
	}
	deepEqual(t, err.Error(), "schema mismatch in index [a.b,id]: a.b: not indexable")
	deepEqual(t, schemaErrf("", nil, "").Error(), "schema mismatch")
}

func TestWriteError(t *testing.T) {
	cause := errors.New("boom")
	we := writeErrf("x", StatusConflict, Document{"id": "x"}, cause, "conflict on %s", "x")
	deepEqual(t, we.Error(), "x: write failed (409): conflict on x: boom")
	if !IsConflict(we) || !errors.Is(we, cause) {
		t.Errorf("** conflict WriteError does not unwrap properly")
	}
	if IsConflict(errors.New("x")) || IsConflict(writeErrf("x", 500, nil, nil, "")) {
		t.Errorf("** IsConflict true for non-conflicts")
	}

	tr := translateWriteError("x", we)
	var twe *WriteError
	if !errors.As(tr, &twe) || twe.DocumentInDB != nil || twe.Status != StatusConflict || !errors.Is(tr, cause) {
		t.Errorf("** translateWriteError = %#v", tr)
	}
	if !errors.Is(translateWriteError("x", nil), ErrMissingWriteResult) {
		t.Errorf("** translateWriteError(nil) is not ErrMissingWriteResult")
	}
}

func TestQueueErrors(t *testing.T) {
	cause := errors.New("cause")
	me := &ModifierError{ID: "a", Err: cause}
	he := &HookError{ID: "b", Err: cause}
	if !errors.Is(me, cause) || !errors.Is(he, cause) {
		t.Errorf("** queue errors do not unwrap")
	}
	if !strings.Contains(me.Error(), "modifier") || !strings.Contains(he.Error(), "pre-write hook") {
		t.Errorf("** unexpected messages: %q, %q", me, he)
	}
}
