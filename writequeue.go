package docq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultMaxConflictRetries = 64
	DefaultWriteConcurrency   = 8

	incrementalWriteOrigin = "incremental-write"
)

// Modifier computes a new document state from the current one. It receives
// a private copy and may modify and return it.
type Modifier func(ctx context.Context, doc Document) (Document, error)

// PreWriteHook runs once per document per cycle, after all modifiers, with
// the state about to be written and the state it is based on.
type PreWriteHook func(ctx context.Context, newDoc, oldDoc Document) error

// PostWriteHook runs for every stored document before callers are resolved.
// Its errors are logged; the write has already happened.
type PostWriteHook func(ctx context.Context, stored Document) error

type WriteQueueOptions struct {
	// PrimaryKey is the field holding document ids. Required.
	PrimaryKey string

	PreWrite  PreWriteHook
	PostWrite PostWriteHook

	// Context is passed to modifiers, hooks and the bulk writer.
	Context context.Context
	Logger  *slog.Logger

	// Concurrency bounds how many documents have their modifiers applied at
	// the same time within a cycle.
	Concurrency int

	// MaxConflictRetries bounds how many times a single write is retried
	// after write conflicts; 0 means DefaultMaxConflictRetries, negative
	// means retry forever.
	MaxConflictRetries int

	// ConflictBackoff delays the next cycle after a cycle that hit conflicts.
	ConflictBackoff time.Duration
}

// WriteQueue coalesces updates of documents into batched bulk writes.
//
// Writes enqueued for the same document are applied in arrival order on top
// of the newest known state and stored as a single row. At most one cycle
// runs at a time; writes enqueued while it runs go into the next one.
// Every enqueued write eventually succeeds or fails.
type WriteQueue struct {
	writer BulkWriter
	opt    WriteQueueOptions
	ctx    context.Context
	logger *slog.Logger

	mu      sync.Mutex
	pending *writeBatch
	running bool
	closed  bool
	idle    chan struct{}
	isIdle  bool

	cycles         atomic.Uint64
	rows           atomic.Uint64
	conflicts      atomic.Uint64
	modifierErrors atomic.Uint64
	hookErrors     atomic.Uint64
	writeErrors    atomic.Uint64
	resolved       atomic.Uint64
}

func NewWriteQueue(writer BulkWriter, opt WriteQueueOptions) *WriteQueue {
	if opt.PrimaryKey == "" {
		panic("docq: WriteQueueOptions.PrimaryKey is required")
	}
	if opt.Concurrency <= 0 {
		opt.Concurrency = DefaultWriteConcurrency
	}
	if opt.MaxConflictRetries == 0 {
		opt.MaxConflictRetries = DefaultMaxConflictRetries
	}
	q := &WriteQueue{
		writer:  writer,
		opt:     opt,
		ctx:     opt.Context,
		logger:  opt.Logger,
		pending: newWriteBatch(),
		idle:    make(chan struct{}),
		isIdle:  true,
	}
	close(q.idle)
	if q.ctx == nil {
		q.ctx = context.Background()
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	return q
}

// PendingWrite is the eventual outcome of an enqueued write.
type PendingWrite struct {
	done    chan struct{}
	once    sync.Once
	settled atomic.Bool
	doc     Document
	err     error
}

func newPendingWrite() *PendingWrite {
	return &PendingWrite{done: make(chan struct{})}
}

// settle records the outcome; only the first call has an effect.
func (pw *PendingWrite) settle(doc Document, err error) {
	pw.once.Do(func() {
		pw.doc, pw.err = doc, err
		pw.settled.Store(true)
		close(pw.done)
	})
}

func (pw *PendingWrite) Done() <-chan struct{} {
	return pw.done
}

// Wait blocks until the write settles or ctx is done. Giving up on ctx does
// not cancel the write; it still settles later.
func (pw *PendingWrite) Wait(ctx context.Context) (Document, error) {
	select {
	case <-pw.done:
		return pw.doc, pw.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the outcome of a settled write.
func (pw *PendingWrite) Result() (Document, error, bool) {
	if !pw.settled.Load() {
		return nil, nil, false
	}
	return pw.doc, pw.err, true
}

type queuedWrite struct {
	lastKnown Document
	modifier  Modifier
	conflicts int
	pw        *PendingWrite
}

// writeBatch is one generation of pending writes. A running cycle owns the
// batch it took; enqueues always go to the live one.
type writeBatch struct {
	order []string
	items map[string][]*queuedWrite
}

func newWriteBatch() *writeBatch {
	return &writeBatch{items: make(map[string][]*queuedWrite)}
}

func (b *writeBatch) empty() bool {
	return len(b.order) == 0
}

func (b *writeBatch) add(id string, w *queuedWrite) {
	if _, ok := b.items[id]; !ok {
		b.order = append(b.order, id)
	}
	b.items[id] = append(b.items[id], w)
}

// prepend puts retried writes ahead of anything enqueued for id meanwhile.
func (b *writeBatch) prepend(id string, ws []*queuedWrite) {
	if len(ws) == 0 {
		return
	}
	existing, ok := b.items[id]
	if !ok {
		b.order = append([]string{id}, b.order...)
	}
	b.items[id] = append(append([]*queuedWrite(nil), ws...), existing...)
}

// Enqueue schedules modifier to run on the newest known state of the
// document lastKnown refers to.
func (q *WriteQueue) Enqueue(lastKnown Document, modifier Modifier) *PendingWrite {
	pw := newPendingWrite()
	id := lastKnown.StringAt(q.opt.PrimaryKey)
	if id == "" {
		pw.settle(nil, fmt.Errorf("docq: document has no %s", q.opt.PrimaryKey))
		return pw
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		pw.settle(nil, ErrQueueClosed)
		return pw
	}
	q.pending.add(id, &queuedWrite{
		lastKnown: lastKnown,
		modifier:  modifier,
		pw:        pw,
	})
	q.markBusyLocked()
	q.mu.Unlock()

	q.trigger()
	return pw
}

// Write enqueues and waits for the result.
func (q *WriteQueue) Write(ctx context.Context, lastKnown Document, modifier Modifier) (Document, error) {
	return q.Enqueue(lastKnown, modifier).Wait(ctx)
}

// Flush waits until nothing is pending or running.
func (q *WriteQueue) Flush(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close rejects further enqueues and waits for the queued ones to settle.
func (q *WriteQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return q.Flush(ctx)
}

func (q *WriteQueue) markBusyLocked() {
	if q.isIdle {
		q.idle = make(chan struct{})
		q.isIdle = false
	}
}

func (q *WriteQueue) trigger() {
	q.mu.Lock()
	if q.running || q.pending.empty() {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.markBusyLocked()
	batch := q.pending
	q.pending = newWriteBatch()
	q.mu.Unlock()

	go q.run(batch)
}

func (q *WriteQueue) run(batch *writeBatch) {
	conflicts := q.runCycle(batch)
	if conflicts > 0 && q.opt.ConflictBackoff > 0 {
		select {
		case <-time.After(q.opt.ConflictBackoff):
		case <-q.ctx.Done():
		}
	}

	q.mu.Lock()
	q.running = false
	if q.pending.empty() && !q.isIdle {
		close(q.idle)
		q.isIdle = true
	}
	q.mu.Unlock()

	// Writes enqueued during the cycle and conflict retries.
	q.trigger()
}

// docWrite is the per-document part of a cycle.
type docWrite struct {
	id       string
	items    []*queuedWrite
	previous Document
	next     Document
	ready    bool
}

func (q *WriteQueue) runCycle(batch *writeBatch) (conflicts int) {
	ctx := q.ctx
	q.cycles.Add(1)

	writes := make([]*docWrite, 0, len(batch.order))
	byID := make(map[string]*docWrite, len(batch.order))
	var g errgroup.Group
	g.SetLimit(q.opt.Concurrency)
	for _, id := range batch.order {
		w := &docWrite{id: id, items: batch.items[id]}
		writes = append(writes, w)
		byID[id] = w
		g.Go(func() error {
			q.prepare(ctx, w)
			return nil
		})
	}
	_ = g.Wait()

	var rows []BulkWriteRow
	for _, w := range writes {
		if w.ready {
			rows = append(rows, BulkWriteRow{Previous: w.previous, Document: w.next})
		}
	}
	if len(rows) == 0 {
		return 0
	}
	q.rows.Add(uint64(len(rows)))

	result, err := q.writer.BulkWrite(ctx, rows, incrementalWriteOrigin)
	if err != nil {
		q.logger.Warn("docq: bulk write failed", "rows", len(rows), "err", err)
		for _, w := range writes {
			if w.ready {
				q.writeErrors.Add(1)
				w.settleAll(nil, fmt.Errorf("docq: bulk write: %w", err))
			}
		}
		return 0
	}

	reported := make(map[string]bool, len(rows))
	for id, stored := range result.Success {
		w := byID[id]
		if w == nil || !w.ready {
			q.logger.Warn("docq: bulk write reported success for unknown document", "id", id)
			continue
		}
		reported[id] = true
		if q.opt.PostWrite != nil {
			if err := safelyCall(func() error { return q.opt.PostWrite(ctx, stored) }); err != nil {
				q.logger.Warn("docq: post-write hook failed", "id", id, "err", err)
			}
		}
		for _, it := range w.items {
			if !it.pw.settled.Load() {
				q.resolved.Add(1)
				it.pw.settle(Clone(stored), nil)
			}
		}
	}

	var retry []*docWrite
	for id, we := range result.Error {
		w := byID[id]
		if w == nil || !w.ready {
			q.logger.Warn("docq: bulk write reported error for unknown document", "id", id, "err", we)
			continue
		}
		if reported[id] {
			q.logger.Warn("docq: bulk write reported both success and error", "id", id)
			continue
		}
		reported[id] = true
		if we != nil && we.IsConflict() && we.DocumentInDB != nil {
			conflicts++
			q.conflicts.Add(1)
			w.previous = we.DocumentInDB
			retry = append(retry, w)
			continue
		}
		q.writeErrors.Add(1)
		w.settleAll(nil, translateWriteError(id, we))
	}

	for _, w := range writes {
		if w.ready && !reported[w.id] {
			q.writeErrors.Add(1)
			w.settleAll(nil, writeErrf(w.id, 0, nil, ErrMissingWriteResult, "no result"))
		}
	}

	if len(retry) > 0 {
		q.requeue(retry)
	}
	q.logger.Debug("docq: write cycle", "docs", len(writes), "rows", len(rows), "conflicts", conflicts)
	return conflicts
}

// prepare applies the modifiers of one document and runs the pre-write hook.
func (q *WriteQueue) prepare(ctx context.Context, w *docWrite) {
	states := make([]Document, len(w.items))
	for i, it := range w.items {
		states[i] = it.lastKnown
	}
	previous := findNewestState(states)

	next := previous
	applied := 0
	for _, it := range w.items {
		if it.pw.settled.Load() {
			continue
		}
		result, err := q.applyModifier(ctx, it.modifier, w.id, next)
		if err != nil {
			q.modifierErrors.Add(1)
			it.pw.settle(nil, &ModifierError{ID: w.id, Err: err})
			continue
		}
		next = result
		applied++
	}
	if applied == 0 {
		return
	}

	if q.opt.PreWrite != nil {
		err := safelyCall(func() error { return q.opt.PreWrite(ctx, next, previous) })
		if err != nil {
			// Not attributable to a single write, so all of them fail.
			q.hookErrors.Add(1)
			w.settleAll(nil, &HookError{ID: w.id, Err: err})
			return
		}
	}

	w.previous, w.next, w.ready = previous, next, true
}

func (q *WriteQueue) applyModifier(ctx context.Context, modifier Modifier, id string, doc Document) (Document, error) {
	var result Document
	err := safelyCall(func() error {
		var err error
		result, err = modifier(ctx, Clone(doc))
		return err
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, errors.New("modifier returned no document")
	}
	if got := result.StringAt(q.opt.PrimaryKey); got != id {
		return nil, fmt.Errorf("modifier changed %s from %q to %q", q.opt.PrimaryKey, id, got)
	}
	return result, nil
}

// requeue puts conflicted writes back, in their original order, at the front
// of the live batch, rebased on the stored state reported by the backend.
func (q *WriteQueue) requeue(retry []*docWrite) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, w := range retry {
		var keep []*queuedWrite
		for _, it := range w.items {
			if it.pw.settled.Load() {
				continue
			}
			it.lastKnown = w.previous
			it.conflicts++
			if q.opt.MaxConflictRetries > 0 && it.conflicts > q.opt.MaxConflictRetries {
				it.pw.settle(nil, writeErrf(w.id, StatusConflict, nil, ErrConflictRetriesExhausted, "gave up after %d conflicts", it.conflicts))
				continue
			}
			keep = append(keep, it)
		}
		q.pending.prepend(w.id, keep)
	}
	if !q.pending.empty() {
		q.markBusyLocked()
	}
}

func (w *docWrite) settleAll(doc Document, err error) {
	for _, it := range w.items {
		it.pw.settle(doc, err)
	}
}
