package docq

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ValidationError lists the ways a document violates its schema.
type ValidationError struct {
	ID     string
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: document invalid against schema: %s", e.ID, strings.Join(e.Errors, "; "))
}

// NewValidationHook returns a pre-write hook that rejects documents not
// conforming to scm. Deleted documents are not validated.
func NewValidationHook(scm *Schema) (PreWriteHook, error) {
	raw, err := json.Marshal(scm.Def())
	if err != nil {
		return nil, err
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("schema: %w", err)
	}

	return func(ctx context.Context, newDoc, oldDoc Document) error {
		if newDoc.Deleted() {
			return nil
		}
		result, err := compiled.Validate(gojsonschema.NewGoLoader(map[string]any(newDoc)))
		if err != nil {
			return fmt.Errorf("schema validation error: %w", err)
		}
		if result.Valid() {
			return nil
		}
		ve := &ValidationError{ID: newDoc.StringAt(scm.PrimaryKey())}
		for _, desc := range result.Errors() {
			ve.Errors = append(ve.Errors, desc.String())
		}
		return ve
	}, nil
}

// ChainPreWriteHooks runs hooks in order, stopping at the first error.
func ChainPreWriteHooks(hooks ...PreWriteHook) PreWriteHook {
	return func(ctx context.Context, newDoc, oldDoc Document) error {
		for _, h := range hooks {
			if h == nil {
				continue
			}
			if err := h(ctx, newDoc, oldDoc); err != nil {
				return err
			}
		}
		return nil
	}
}
