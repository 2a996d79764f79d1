package docq

import (
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

const DefaultEncoderCacheSize = 64

// EncoderCache holds compiled index encoders for one schema. It belongs to
// whoever owns the schema (a storage instance, a collection) and should be
// purged when the owner closes; there is no process-wide cache.
type EncoderCache struct {
	schema *Schema
	cache  *lru.Cache[string, *IndexEncoder]
}

func NewEncoderCache(scm *Schema, size int) (*EncoderCache, error) {
	if size <= 0 {
		size = DefaultEncoderCacheSize
	}
	cache, err := lru.New[string, *IndexEncoder](size)
	if err != nil {
		return nil, err
	}
	return &EncoderCache{schema: scm, cache: cache}, nil
}

func (c *EncoderCache) Schema() *Schema {
	return c.schema
}

// Encoder returns the compiled encoder for index, compiling it on first use.
func (c *EncoderCache) Encoder(index []string) (*IndexEncoder, error) {
	key := strings.Join(index, ",")
	if enc, ok := c.cache.Get(key); ok {
		return enc, nil
	}
	enc, err := CompileIndex(c.schema, index)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, enc)
	return enc, nil
}

func (c *EncoderCache) Len() int {
	return c.cache.Len()
}

func (c *EncoderCache) Purge() {
	c.cache.Purge()
}
