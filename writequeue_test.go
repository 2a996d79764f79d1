package docq

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// gatedWriter blocks its first call until the gate is opened, so that writes
// enqueued meanwhile all land in the same following cycle.
type gatedWriter struct {
	next    BulkWriter
	gate    chan struct{}
	entered chan struct{}

	mu    sync.Mutex
	calls [][]BulkWriteRow
}

func newGatedWriter(next BulkWriter) *gatedWriter {
	return &gatedWriter{
		next:    next,
		gate:    make(chan struct{}),
		entered: make(chan struct{}),
	}
}

func (w *gatedWriter) BulkWrite(ctx context.Context, rows []BulkWriteRow, origin string) (BulkWriteResult, error) {
	w.mu.Lock()
	w.calls = append(w.calls, rows)
	n := len(w.calls)
	w.mu.Unlock()
	if n == 1 {
		close(w.entered)
		<-w.gate
	}
	return w.next.BulkWrite(ctx, rows, origin)
}

func (w *gatedWriter) rowIDs() [][]string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var result [][]string
	for _, rows := range w.calls {
		var ids []string
		for _, r := range rows {
			ids = append(ids, r.Document.StringAt("id"))
		}
		result = append(result, ids)
	}
	return result
}

// hold starts a cycle for a throwaway document and waits until it is stuck
// in the writer.
func (w *gatedWriter) hold(t testing.TB, q *WriteQueue) *PendingWrite {
	t.Helper()
	pw := q.Enqueue(Document{"id": "hold"}, setField("held", true))
	select {
	case <-w.entered:
	case <-time.After(5 * time.Second):
		t.Fatalf("** first cycle did not reach the writer")
	}
	return pw
}

func setField(field string, value any) Modifier {
	return func(ctx context.Context, doc Document) (Document, error) {
		doc[field] = value
		return doc, nil
	}
}

func increment(ctx context.Context, doc Document) (Document, error) {
	n, _ := numberValue(doc["n"])
	doc["n"] = int(n) + 1
	return doc, nil
}

func wait(t testing.TB, pw *PendingWrite) (Document, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	doc, err := pw.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("** write did not settle")
	}
	return doc, err
}

func waitOK(t testing.TB, pw *PendingWrite) Document {
	t.Helper()
	doc, err := wait(t, pw)
	if err != nil {
		t.Fatalf("** write failed: %v", err)
	}
	return doc
}

func nval(doc Document) int {
	n, _ := numberValue(doc["n"])
	return int(n)
}

func TestWriteQueueSingleWrite(t *testing.T) {
	inst := setupInstance(t, NewMemKV(), peopleSchema)
	q := NewWriteQueue(inst, WriteQueueOptions{PrimaryKey: "id"})

	doc := waitOK(t, q.Enqueue(Document{"id": "p1", "name": "alice"}, setField("age", 30)))
	deepEqual(t, doc.StringAt("name"), "alice")
	deepEqual(t, doc["age"], any(30))
	rev := must(ParseRevision(doc.Rev()))
	deepEqual(t, rev.Height, uint64(1))

	doc = waitOK(t, q.Enqueue(doc, setField("age", 31)))
	rev = must(ParseRevision(doc.Rev()))
	deepEqual(t, rev.Height, uint64(2))

	stored := must(inst.Get(context.Background(), "p1"))
	deepEqual(t, stored.Rev(), doc.Rev())
	ensure(q.Flush(context.Background()))

	s := q.Stats()
	deepEqual(t, s.Resolved, uint64(2))
	deepEqual(t, s.Rows, uint64(2))
	deepEqual(t, s.Running, false)
	deepEqual(t, s.Pending, 0)
}

func TestWriteQueueCoalescesWritesOfOneDocument(t *testing.T) {
	inst := setupInstance(t, NewMemKV(), peopleSchema)
	gw := newGatedWriter(inst)
	q := NewWriteQueue(gw, WriteQueueOptions{PrimaryKey: "id"})

	held := gw.hold(t, q)
	base := Document{"id": "c"}
	var pws []*PendingWrite
	for i := 0; i < 5; i++ {
		pws = append(pws, q.Enqueue(base, increment))
	}
	close(gw.gate)

	waitOK(t, held)
	var docs []Document
	for _, pw := range pws {
		docs = append(docs, waitOK(t, pw))
	}
	for _, doc := range docs {
		deepEqual(t, nval(doc), 5)
		deepEqual(t, doc.Rev(), docs[0].Rev())
	}
	deepEqual(t, gw.rowIDs(), [][]string{{"hold"}, {"c"}})
}

func TestWriteQueueRebasesOnConflict(t *testing.T) {
	inst := setupInstance(t, NewMemKV(), peopleSchema)
	ctx := context.Background()
	q := NewWriteQueue(inst, WriteQueueOptions{PrimaryKey: "id"})

	stored := waitOK(t, q.Enqueue(Document{"id": "c", "n": 10}, setField("name", "x")))

	// Based on a stale state without a revision; the backend reports the
	// stored document and the modifier is re-applied to it.
	doc := waitOK(t, q.Enqueue(Document{"id": "c", "n": 0}, increment))
	deepEqual(t, nval(doc), 11)
	deepEqual(t, doc.StringAt("name"), "x")
	deepEqual(t, must(ParseRevision(doc.Rev())).Height, uint64(2))
	deepEqual(t, must(inst.Get(ctx, "c")).Rev(), doc.Rev())
	if stored.Rev() == doc.Rev() {
		t.Errorf("** revision did not change")
	}
	deepEqual(t, q.Stats().Conflicts, uint64(1))
}

func TestWriteQueueNewestKnownStateWins(t *testing.T) {
	var mu sync.Mutex
	var previous []Document
	writer := BulkWriterFunc(func(ctx context.Context, rows []BulkWriteRow, origin string) (BulkWriteResult, error) {
		mu.Lock()
		defer mu.Unlock()
		res := BulkWriteResult{Success: map[string]Document{}}
		for _, r := range rows {
			previous = append(previous, r.Previous)
			res.Success[r.Document.StringAt("id")] = r.Document
		}
		return res, nil
	})
	gw := newGatedWriter(writer)
	q := NewWriteQueue(gw, WriteQueueOptions{PrimaryKey: "id"})

	held := gw.hold(t, q)
	p1 := q.Enqueue(Document{"id": "a", "_rev": "1-x", "n": 1}, increment)
	p2 := q.Enqueue(Document{"id": "a", "_rev": "3-z", "n": 3}, increment)
	p3 := q.Enqueue(Document{"id": "a", "_rev": "2-y", "n": 2}, increment)
	close(gw.gate)

	waitOK(t, held)
	for _, pw := range []*PendingWrite{p1, p2, p3} {
		deepEqual(t, nval(waitOK(t, pw)), 6)
	}
	mu.Lock()
	defer mu.Unlock()
	deepEqual(t, len(previous), 2)
	deepEqual(t, previous[1].Rev(), "3-z")
}

func TestWriteQueueConflictIsolation(t *testing.T) {
	var conflicted atomic.Bool
	writer := BulkWriterFunc(func(ctx context.Context, rows []BulkWriteRow, origin string) (BulkWriteResult, error) {
		res := BulkWriteResult{Success: map[string]Document{}, Error: map[string]*WriteError{}}
		for _, r := range rows {
			id := r.Document.StringAt("id")
			if id == "a" && conflicted.CompareAndSwap(false, true) {
				res.Error[id] = writeErrf(id, StatusConflict, Document{"id": "a", "_rev": "5-x", "n": 10}, nil, "conflict")
				continue
			}
			res.Success[id] = r.Document
		}
		return res, nil
	})
	gw := newGatedWriter(writer)
	q := NewWriteQueue(gw, WriteQueueOptions{PrimaryKey: "id"})

	held := gw.hold(t, q)
	pa := q.Enqueue(Document{"id": "a", "n": 0}, increment)
	pb := q.Enqueue(Document{"id": "b", "n": 0}, increment)
	close(gw.gate)

	waitOK(t, held)
	deepEqual(t, nval(waitOK(t, pb)), 1)
	deepEqual(t, nval(waitOK(t, pa)), 11)
	deepEqual(t, len(gw.rowIDs()), 3)
	deepEqual(t, gw.rowIDs()[2], []string{"a"})
}

func TestWriteQueueConflictKeepsOrderAheadOfNewWrites(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	var mu sync.Mutex
	var order []string
	writer := BulkWriterFunc(func(ctx context.Context, rows []BulkWriteRow, origin string) (BulkWriteResult, error) {
		n := calls.Add(1)
		res := BulkWriteResult{Success: map[string]Document{}, Error: map[string]*WriteError{}}
		for _, r := range rows {
			id := r.Document.StringAt("id")
			if n == 1 {
				<-release
				res.Error[id] = writeErrf(id, StatusConflict, Document{"id": id, "_rev": "1-x", "log": ""}, nil, "conflict")
				continue
			}
			mu.Lock()
			order = append(order, r.Document.StringAt("log"))
			mu.Unlock()
			res.Success[id] = r.Document
		}
		return res, nil
	})
	q := NewWriteQueue(writer, WriteQueueOptions{PrimaryKey: "id"})

	appendLog := func(s string) Modifier {
		return func(ctx context.Context, doc Document) (Document, error) {
			doc["log"] = doc.StringAt("log") + s
			return doc, nil
		}
	}
	p1 := q.Enqueue(Document{"id": "a"}, appendLog("1"))
	for calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	p2 := q.Enqueue(Document{"id": "a"}, appendLog("2"))
	close(release)

	d1 := waitOK(t, p1)
	d2 := waitOK(t, p2)
	deepEqual(t, d1.StringAt("log"), "12")
	deepEqual(t, d2.StringAt("log"), "12")
	mu.Lock()
	defer mu.Unlock()
	deepEqual(t, order, []string{"12"})
}

func TestWriteQueuePreWriteHookFailureRejectsWholeDocument(t *testing.T) {
	inst := setupInstance(t, NewMemKV(), peopleSchema)
	gw := newGatedWriter(inst)
	hookErr := errors.New("nope")
	q := NewWriteQueue(gw, WriteQueueOptions{
		PrimaryKey: "id",
		PreWrite: func(ctx context.Context, newDoc, oldDoc Document) error {
			if newDoc.StringAt("id") == "bad" {
				return hookErr
			}
			return nil
		},
	})

	held := gw.hold(t, q)
	b1 := q.Enqueue(Document{"id": "bad"}, setField("x", 1))
	b2 := q.Enqueue(Document{"id": "bad"}, setField("y", 2))
	good := q.Enqueue(Document{"id": "good"}, setField("x", 1))
	close(gw.gate)

	waitOK(t, held)
	waitOK(t, good)
	for _, pw := range []*PendingWrite{b1, b2} {
		_, err := wait(t, pw)
		var he *HookError
		if !errors.As(err, &he) || he.ID != "bad" || !errors.Is(err, hookErr) {
			t.Errorf("** err = %v, wanted HookError for bad", err)
		}
	}
	deepEqual(t, gw.rowIDs(), [][]string{{"hold"}, {"good"}})
	if doc := must(inst.Get(context.Background(), "bad")); doc != nil {
		t.Errorf("** rejected document was stored: %v", doc)
	}
	deepEqual(t, q.Stats().HookErrors, uint64(1))
}

func TestWriteQueueModifierErrorRejectsOnlyItsWrite(t *testing.T) {
	inst := setupInstance(t, NewMemKV(), peopleSchema)
	gw := newGatedWriter(inst)
	q := NewWriteQueue(gw, WriteQueueOptions{PrimaryKey: "id"})

	modErr := errors.New("bad modifier")
	held := gw.hold(t, q)
	p1 := q.Enqueue(Document{"id": "a"}, setField("x", 1))
	p2 := q.Enqueue(Document{"id": "a"}, func(ctx context.Context, doc Document) (Document, error) {
		doc["z"] = "leaked"
		return nil, modErr
	})
	p3 := q.Enqueue(Document{"id": "a"}, setField("y", 2))
	p4 := q.Enqueue(Document{"id": "a"}, func(ctx context.Context, doc Document) (Document, error) {
		panic("boom")
	})
	p5 := q.Enqueue(Document{"id": "a"}, setField("id", "b"))
	close(gw.gate)
	waitOK(t, held)

	d1 := waitOK(t, p1)
	d3 := waitOK(t, p3)
	deepEqual(t, d1, d3)
	deepEqual(t, d1["x"], any(1))
	deepEqual(t, d1["y"], any(2))
	if _, ok := d1["z"]; ok {
		t.Errorf("** failed modifier leaked its changes: %v", d1)
	}

	_, err := wait(t, p2)
	var me *ModifierError
	if !errors.As(err, &me) || me.ID != "a" || !errors.Is(err, modErr) {
		t.Errorf("** p2 err = %v, wanted ModifierError wrapping modErr", err)
	}
	_, err = wait(t, p4)
	var p panicked
	if !errors.As(err, &me) || !errors.As(err, &p) {
		t.Errorf("** p4 err = %v, wanted ModifierError wrapping a panic", err)
	}
	_, err = wait(t, p5)
	if !errors.As(err, &me) {
		t.Errorf("** p5 err = %v, wanted ModifierError for a changed id", err)
	}
	deepEqual(t, q.Stats().ModifierErrors, uint64(3))
}

func TestWriteQueueAllModifiersFailSkipsWrite(t *testing.T) {
	var calls atomic.Int32
	writer := BulkWriterFunc(func(ctx context.Context, rows []BulkWriteRow, origin string) (BulkWriteResult, error) {
		calls.Add(1)
		return BulkWriteResult{}, nil
	})
	q := NewWriteQueue(writer, WriteQueueOptions{PrimaryKey: "id"})
	_, err := wait(t, q.Enqueue(Document{"id": "a"}, func(ctx context.Context, doc Document) (Document, error) {
		return nil, errors.New("no")
	}))
	if err == nil {
		t.Fatalf("** wanted error")
	}
	ensure(q.Flush(context.Background()))
	deepEqual(t, calls.Load(), int32(0))
}

func TestWriteQueueConflictRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	writer := BulkWriterFunc(func(ctx context.Context, rows []BulkWriteRow, origin string) (BulkWriteResult, error) {
		calls.Add(1)
		res := BulkWriteResult{Error: map[string]*WriteError{}}
		for _, r := range rows {
			id := r.Document.StringAt("id")
			res.Error[id] = writeErrf(id, StatusConflict, Document{"id": id, "_rev": "9-x"}, nil, "conflict")
		}
		return res, nil
	})
	q := NewWriteQueue(writer, WriteQueueOptions{PrimaryKey: "id", MaxConflictRetries: 2, ConflictBackoff: time.Millisecond})

	_, err := wait(t, q.Enqueue(Document{"id": "a"}, increment))
	if !errors.Is(err, ErrConflictRetriesExhausted) || !IsConflict(err) {
		t.Fatalf("** err = %v, wanted exhausted conflict", err)
	}
	ensure(q.Flush(context.Background()))
	deepEqual(t, calls.Load(), int32(3))
	deepEqual(t, q.Stats().Conflicts, uint64(3))
}

func TestWriteQueueRowErrors(t *testing.T) {
	transportErr := errors.New("connection reset")
	tests := []struct {
		name  string
		res   func(id string) BulkWriteResult
		err   error
		check func(t *testing.T, err error)
	}{
		{
			name: "missing result",
			res:  func(id string) BulkWriteResult { return BulkWriteResult{} },
			check: func(t *testing.T, err error) {
				if !errors.Is(err, ErrMissingWriteResult) {
					t.Errorf("** err = %v, wanted ErrMissingWriteResult", err)
				}
			},
		},
		{
			name: "row error",
			res: func(id string) BulkWriteResult {
				return BulkWriteResult{Error: map[string]*WriteError{
					id: writeErrf(id, 403, Document{"id": id, "secret": true}, nil, "forbidden"),
				}}
			},
			check: func(t *testing.T, err error) {
				var we *WriteError
				if !errors.As(err, &we) || we.Status != 403 || we.DocumentInDB != nil {
					t.Errorf("** err = %v, wanted translated 403 WriteError", err)
				}
			},
		},
		{
			name: "conflict without stored document",
			res: func(id string) BulkWriteResult {
				return BulkWriteResult{Error: map[string]*WriteError{
					id: writeErrf(id, StatusConflict, nil, nil, "conflict"),
				}}
			},
			check: func(t *testing.T, err error) {
				if !IsConflict(err) {
					t.Errorf("** err = %v, wanted conflict", err)
				}
			},
		},
		{
			name: "transport error",
			err:  transportErr,
			check: func(t *testing.T, err error) {
				if !errors.Is(err, transportErr) {
					t.Errorf("** err = %v, wanted transport error", err)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writer := BulkWriterFunc(func(ctx context.Context, rows []BulkWriteRow, origin string) (BulkWriteResult, error) {
				if tt.err != nil {
					return BulkWriteResult{}, tt.err
				}
				return tt.res(rows[0].Document.StringAt("id")), nil
			})
			q := NewWriteQueue(writer, WriteQueueOptions{PrimaryKey: "id"})
			_, err := wait(t, q.Enqueue(Document{"id": "a"}, increment))
			tt.check(t, err)
			ensure(q.Flush(context.Background()))
			deepEqual(t, q.Stats().WriteErrors, uint64(1))
		})
	}
}

func TestWriteQueuePostWriteHook(t *testing.T) {
	inst := setupInstance(t, NewMemKV(), peopleSchema)
	var seen []string
	var mu sync.Mutex
	q := NewWriteQueue(inst, WriteQueueOptions{
		PrimaryKey: "id",
		PostWrite: func(ctx context.Context, stored Document) error {
			mu.Lock()
			seen = append(seen, stored.StringAt("id"))
			mu.Unlock()
			return errors.New("ignored")
		},
	})
	waitOK(t, q.Enqueue(Document{"id": "a"}, increment))
	mu.Lock()
	defer mu.Unlock()
	deepEqual(t, seen, []string{"a"})
}

func TestWriteQueueValidationHook(t *testing.T) {
	inst := setupInstance(t, NewMemKV(), peopleSchema)
	q := NewWriteQueue(inst, WriteQueueOptions{
		PrimaryKey: "id",
		PreWrite:   must(NewValidationHook(peopleSchema)),
	})
	waitOK(t, q.Enqueue(Document{"id": "p1"}, setField("age", 30)))

	_, err := wait(t, q.Enqueue(Document{"id": "p2"}, setField("age", 200)))
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("** err = %v, wanted ValidationError", err)
	}
}

func TestWriteQueueEnqueueErrors(t *testing.T) {
	q := NewWriteQueue(BulkWriterFunc(func(ctx context.Context, rows []BulkWriteRow, origin string) (BulkWriteResult, error) {
		t.Fatalf("** unexpected bulk write")
		return BulkWriteResult{}, nil
	}), WriteQueueOptions{PrimaryKey: "id"})

	_, err := wait(t, q.Enqueue(Document{"name": "no id"}, increment))
	if err == nil {
		t.Errorf("** write without id succeeded")
	}

	ensure(q.Close(context.Background()))
	_, err = wait(t, q.Enqueue(Document{"id": "a"}, increment))
	if !errors.Is(err, ErrQueueClosed) {
		t.Errorf("** err = %v, wanted ErrQueueClosed", err)
	}
}

func TestWriteQueueWaitCancellation(t *testing.T) {
	inst := setupInstance(t, NewMemKV(), peopleSchema)
	gw := newGatedWriter(inst)
	q := NewWriteQueue(gw, WriteQueueOptions{PrimaryKey: "id"})
	held := gw.hold(t, q)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := held.Wait(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("** err = %v, wanted context.Canceled", err)
	}
	if err := q.Flush(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("** Flush err = %v, wanted context.Canceled", err)
	}
	if _, _, ok := held.Result(); ok {
		t.Fatalf("** write settled while the writer is blocked")
	}

	close(gw.gate)
	waitOK(t, held)
	doc, err, ok := held.Result()
	if !ok || err != nil || doc.StringAt("id") != "hold" {
		t.Fatalf("** Result() = %v, %v, %v", doc, err, ok)
	}
	select {
	case <-held.Done():
	default:
		t.Fatalf("** Done() not closed")
	}
}

func TestWriteQueueConcurrentWriters(t *testing.T) {
	inst := setupInstance(t, NewMemKV(), peopleSchema)
	q := NewWriteQueue(inst, WriteQueueOptions{PrimaryKey: "id", Concurrency: 2})
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				id := "c" + string(rune('0'+i%3))
				if _, err := q.Write(ctx, Document{"id": id}, increment); err != nil {
					t.Errorf("** write failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
	ensure(q.Flush(ctx))

	total := 0
	for _, id := range []string{"c0", "c1", "c2"} {
		total += nval(must(inst.Get(ctx, id)))
	}
	deepEqual(t, total, 8*25)
}
