package docq

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// Revision is a parsed "<height>-<hash>" revision identifier. Height grows
// by one with every stored write of the document.
type Revision struct {
	Height uint64
	Hash   string
}

func (r Revision) String() string {
	return strconv.FormatUint(r.Height, 10) + "-" + r.Hash
}

func ParseRevision(s string) (Revision, error) {
	h, hash, ok := strings.Cut(s, "-")
	if !ok {
		return Revision{}, fmt.Errorf("invalid revision %q", s)
	}
	height, err := strconv.ParseUint(h, 10, 64)
	if err != nil {
		return Revision{}, fmt.Errorf("invalid revision %q: %w", s, err)
	}
	return Revision{height, hash}, nil
}

// revisionHeight returns 0 for documents without a valid revision, so a
// never-written state loses against any stored one.
func revisionHeight(doc Document) uint64 {
	if doc == nil {
		return 0
	}
	rev, err := ParseRevision(doc.Rev())
	if err != nil {
		return 0
	}
	return rev.Height
}

// NewRevision hashes the document content (everything except _rev) into a
// revision of the given height.
func NewRevision(height uint64, doc Document) string {
	content := make(map[string]any, len(doc))
	for k, v := range doc {
		if k != RevisionField {
			content[k] = v
		}
	}

	var buf bytes.Buffer
	enc := msgpack.GetEncoder()
	enc.Reset(&buf)
	enc.SetSortMapKeys(true)
	err := enc.Encode(content)
	msgpack.PutEncoder(enc)
	if err != nil {
		panic(fmt.Errorf("failed to encode document for revision: %w", err))
	}
	return Revision{height, strconv.FormatUint(xxhash.Sum64(buf.Bytes()), 16)}.String()
}

// findNewestState picks the state with the highest revision height; the first
// one wins among equals.
func findNewestState(docs []Document) Document {
	newest := docs[0]
	newestHeight := revisionHeight(newest)
	for _, doc := range docs[1:] {
		if h := revisionHeight(doc); h > newestHeight {
			newest, newestHeight = doc, h
		}
	}
	return newest
}
