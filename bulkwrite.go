package docq

import "context"

// BulkWriter is the part of a storage backend the write queue needs.
//
// BulkWrite must be atomic per row: each row either succeeds or fails on its
// own. A row whose Previous state does not match the stored one fails with a
// WriteError of StatusConflict carrying the stored document. A non-nil error
// return means the call as a whole failed and no row was written.
type BulkWriter interface {
	BulkWrite(ctx context.Context, rows []BulkWriteRow, origin string) (BulkWriteResult, error)
}

// BulkWriteRow pairs the state a write was based on with the new state.
// Previous is nil for inserts.
type BulkWriteRow struct {
	Previous Document
	Document Document
}

// BulkWriteResult is keyed by document id.
type BulkWriteResult struct {
	Success map[string]Document
	Error   map[string]*WriteError
}

// BulkWriterFunc adapts a function to BulkWriter.
type BulkWriterFunc func(ctx context.Context, rows []BulkWriteRow, origin string) (BulkWriteResult, error)

func (f BulkWriterFunc) BulkWrite(ctx context.Context, rows []BulkWriteRow, origin string) (BulkWriteResult, error) {
	return f(ctx, rows, origin)
}
