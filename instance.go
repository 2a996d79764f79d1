package docq

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"github.com/vmihailenco/msgpack/v5"
)

// StatusBadRequest is the WriteError status for rows the instance refuses to
// store, like a document with an invalid primary key.
const StatusBadRequest = 400

const (
	dataBucketSuffix  = "data"
	metaBucketSuffix  = "meta"
	indexBucketPrefix = "idx:"
)

var (
	metaStateKey = []byte("state")
	emptyValue   = []byte{}
)

type InstanceOptions struct {
	// Name prefixes bucket names, so that several collections can share a KV.
	Name string

	Logger           *slog.Logger
	EncoderCacheSize int
}

// Instance is a collection stored in an ordered KV: documents by id in a data
// bucket, and one bucket per index mapping indexable strings to nothing (the
// id is the tail of the key). It implements BulkWriter.
type Instance struct {
	kv       KV
	schema   *Schema
	encoders *EncoderCache
	logger   *slog.Logger

	dataBucket   string
	metaBucket   string
	indexBuckets []string
	pkWidth      int

	closed atomic.Bool

	writes    atomic.Uint64
	conflicts atomic.Uint64
	queries   atomic.Uint64
	scanned   atomic.Uint64
}

// instanceState is persisted so that changed index definitions can be
// detected on open.
type instanceState struct {
	Version int        `msgpack:"v"`
	Indexes [][]string `msgpack:"i"`
	Widths  []int      `msgpack:"w"`
}

// OpenInstance prepares the buckets of a collection in kv. Index buckets are
// rebuilt from the stored documents when the schema version or the width of
// an index changed, and built for indexes that did not exist before.
func OpenInstance(kv KV, scm *Schema, opt InstanceOptions) (*Instance, error) {
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	encoders, err := NewEncoderCache(scm, opt.EncoderCacheSize)
	if err != nil {
		return nil, err
	}
	prefix := opt.Name
	if prefix != "" {
		prefix += "."
	}
	inst := &Instance{
		kv:         kv,
		schema:     scm,
		encoders:   encoders,
		logger:     opt.Logger,
		dataBucket: prefix + dataBucketSuffix,
		metaBucket: prefix + metaBucketSuffix,
		pkWidth:    scm.PrimaryKeyWidth(),
	}
	for _, index := range scm.indexes {
		inst.indexBuckets = append(inst.indexBuckets, prefix+indexBucketPrefix+strings.Join(index, ","))
	}

	tx, err := kv.BeginTx(true)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := inst.migrate(tx); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return inst, nil
}

func (inst *Instance) migrate(tx KVTx) error {
	data, err := tx.CreateBucket(inst.dataBucket)
	if err != nil {
		return err
	}
	meta, err := tx.CreateBucket(inst.metaBucket)
	if err != nil {
		return err
	}

	var old instanceState
	if raw := meta.Get(metaStateKey); raw != nil {
		if err := msgpack.Unmarshal(raw, &old); err != nil {
			return fmt.Errorf("%s: invalid state: %w", inst.metaBucket, err)
		}
	}
	cur := instanceState{Version: inst.schema.def.Version}
	for _, index := range inst.schema.indexes {
		enc, err := inst.encoders.Encoder(index)
		if err != nil {
			return err
		}
		cur.Indexes = append(cur.Indexes, index)
		cur.Widths = append(cur.Widths, enc.Width())
	}

	oldWidths := make(map[string]int, len(old.Indexes))
	for i, index := range old.Indexes {
		if i < len(old.Widths) {
			oldWidths[strings.Join(index, ",")] = old.Widths[i]
		}
	}
	for _, index := range old.Indexes {
		if slices.ContainsFunc(cur.Indexes, func(idx []string) bool { return slices.Equal(idx, index) }) {
			continue
		}
		name := inst.indexBucketName(index)
		if err := tx.DeleteBucket(name); err != nil && err != ErrBucketNotFound {
			return err
		}
		inst.logger.Info("docq: dropped index", "bucket", name)
	}

	for i, index := range cur.Indexes {
		name := inst.indexBuckets[i]
		w, existed := oldWidths[strings.Join(index, ",")]
		if existed && w == cur.Widths[i] && old.Version == cur.Version && tx.Bucket(name) != nil {
			continue
		}
		if existed {
			if err := tx.DeleteBucket(name); err != nil && err != ErrBucketNotFound {
				return err
			}
		}
		n, err := inst.buildIndex(tx, data, i)
		if err != nil {
			return err
		}
		inst.logger.Info("docq: built index", "bucket", name, "docs", n)
	}

	return meta.Put(metaStateKey, must(msgpack.Marshal(&cur)))
}

func (inst *Instance) indexBucketName(index []string) string {
	return strings.TrimSuffix(inst.dataBucket, dataBucketSuffix) + indexBucketPrefix + strings.Join(index, ",")
}

func (inst *Instance) buildIndex(tx KVTx, data KVBucket, i int) (int, error) {
	buck, err := tx.CreateBucket(inst.indexBuckets[i])
	if err != nil {
		return 0, err
	}
	enc, err := inst.encoders.Encoder(inst.schema.indexes[i])
	if err != nil {
		return 0, err
	}
	var n int
	var buf []byte
	c := data.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		doc, err := decodeDocument(v)
		if err != nil {
			return n, fmt.Errorf("%s/%q: %w", inst.dataBucket, k, err)
		}
		buf = enc.AppendKey(buf[:0], doc)
		if err := buck.Put(buf, emptyValue); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (inst *Instance) Schema() *Schema {
	return inst.schema
}

// Close releases the cached encoders. The KV stays open; it belongs to the
// caller.
func (inst *Instance) Close() {
	inst.closed.Store(true)
	inst.encoders.Purge()
}

// Get returns the stored document, or nil if there is none.
func (inst *Instance) Get(ctx context.Context, id string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tx, err := inst.kv.BeginTx(false)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	return inst.load(tx.Bucket(inst.dataBucket), id)
}

func (inst *Instance) load(data KVBucket, id string) (Document, error) {
	if data == nil {
		return nil, nil
	}
	raw := data.Get(unsafeBytesFromString(id))
	if raw == nil {
		return nil, nil
	}
	doc, err := decodeDocument(raw)
	if err != nil {
		return nil, fmt.Errorf("%s/%q: %w", inst.dataBucket, id, err)
	}
	return doc, nil
}

// BulkWrite stores rows in one transaction. A row is rejected with a
// conflict when its Previous revision does not match the stored one. Stored
// documents get a new revision one higher than the one they replace.
func (inst *Instance) BulkWrite(ctx context.Context, rows []BulkWriteRow, origin string) (BulkWriteResult, error) {
	if inst.closed.Load() {
		return BulkWriteResult{}, fmt.Errorf("docq: instance closed")
	}
	tx, err := inst.kv.BeginTx(true)
	if err != nil {
		return BulkWriteResult{}, err
	}
	defer tx.Rollback()

	data := tx.Bucket(inst.dataBucket)
	if data == nil {
		return BulkWriteResult{}, fmt.Errorf("docq: bucket %s missing", inst.dataBucket)
	}
	indexes := make([]KVBucket, len(inst.indexBuckets))
	encs := make([]*IndexEncoder, len(inst.indexBuckets))
	for i, name := range inst.indexBuckets {
		indexes[i] = tx.Bucket(name)
		if indexes[i] == nil {
			return BulkWriteResult{}, fmt.Errorf("docq: bucket %s missing", name)
		}
		encs[i], err = inst.encoders.Encoder(inst.schema.indexes[i])
		if err != nil {
			return BulkWriteResult{}, err
		}
	}

	result := BulkWriteResult{
		Success: make(map[string]Document, len(rows)),
		Error:   make(map[string]*WriteError),
	}
	var oldKey, newKey []byte
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return BulkWriteResult{}, err
		}
		id := row.Document.StringAt(inst.schema.primaryKey)
		if id == "" || utf8.RuneCountInString(id) > inst.pkWidth || strings.HasPrefix(id, " ") || strings.HasSuffix(id, " ") {
			result.Error[id] = writeErrf(id, StatusBadRequest, nil, nil, "invalid %s", inst.schema.primaryKey)
			continue
		}

		stored, err := inst.load(data, id)
		if err != nil {
			return BulkWriteResult{}, err
		}
		if stored.Rev() != row.Previous.Rev() {
			inst.conflicts.Add(1)
			result.Error[id] = writeErrf(id, StatusConflict, stored, nil, "document update conflict")
			continue
		}

		doc := Clone(row.Document)
		doc[RevisionField] = NewRevision(revisionHeight(stored)+1, doc)
		raw, err := msgpack.Marshal(map[string]any(doc))
		if err != nil {
			result.Error[id] = writeErrf(id, StatusBadRequest, nil, err, "cannot encode")
			continue
		}

		for i, enc := range encs {
			newKey = enc.AppendKey(newKey[:0], doc)
			if stored != nil {
				oldKey = enc.AppendKey(oldKey[:0], stored)
				if bytes.Equal(oldKey, newKey) {
					continue
				}
				if err := indexes[i].Delete(oldKey); err != nil {
					return BulkWriteResult{}, err
				}
			}
			if err := indexes[i].Put(newKey, emptyValue); err != nil {
				return BulkWriteResult{}, err
			}
		}
		if err := data.Put([]byte(id), raw); err != nil {
			return BulkWriteResult{}, err
		}
		result.Success[id] = doc
	}

	if err := tx.Commit(); err != nil {
		return BulkWriteResult{}, err
	}
	inst.writes.Add(uint64(len(result.Success)))
	inst.logger.Debug("docq: bulk write", "origin", origin, "rows", len(rows), "stored", len(result.Success), "failed", len(result.Error))
	return result, nil
}

func decodeDocument(raw []byte) (Document, error) {
	dec := msgpack.GetDecoder()
	defer msgpack.PutDecoder(dec)
	dec.Reset(bytes.NewReader(raw))
	dec.UseLooseInterfaceDecoding(true)

	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return Document(m), nil
}
