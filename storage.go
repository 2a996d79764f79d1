package docq

import "errors"

// ErrBucketNotFound is returned by KVTx.DeleteBucket when the bucket doesn't exist.
var ErrBucketNotFound = errors.New("bucket not found")

// KV represents an ordered key-value storage backend (Bolt, in-memory, etc.).
type KV interface {
	// BeginTx starts a new transaction.
	BeginTx(writable bool) (KVTx, error)
	// Close closes the storage.
	Close() error
}

// KVTx represents a storage transaction.
type KVTx interface {
	Writable() bool

	// Bucket returns a bucket, or nil if the bucket doesn't exist.
	Bucket(name string) KVBucket

	// CreateBucket creates a bucket if it doesn't exist.
	CreateBucket(name string) (KVBucket, error)

	DeleteBucket(name string) error

	Commit() error

	// Rollback aborts the transaction. It should be safe to call multiple times,
	// including after Commit.
	Rollback() error
}

// KVBucket represents a bucket (sorted key-value collection).
type KVBucket interface {
	// Get retrieves a value by key. Returns nil if not found.
	Get(key []byte) []byte

	Put(key, value []byte) error

	Delete(key []byte) error

	Cursor() KVCursor

	// Stats returns storage-specific bucket statistics.
	// Backends that don't track allocation sizes may return zero values except KeyN.
	Stats() BucketStats
}

type BucketStats struct {
	KeyN        int
	LeafInuse   int64
	LeafAlloc   int64
	BranchAlloc int64
}

func (s BucketStats) TotalAlloc() int64 { return s.BranchAlloc + s.LeafAlloc }

// KVCursor iterates over a sorted bucket. Returned slices are only valid
// until the transaction ends.
type KVCursor interface {
	First() (key, value []byte)

	Last() (key, value []byte)

	// Seek moves to the first key >= seek.
	Seek(seek []byte) (key, value []byte)

	Next() (key, value []byte)

	Prev() (key, value []byte)
}
