/*
Package docq implements the query and write core of a document collection
that is stored in an ordered key-value backend.

We implement:

1. Index encoding: documents map to fixed-width indexable strings whose
lexicographic order matches the order of the indexed field values.

2. Query planning: a Mango-style selector and sort are turned into an index
choice plus start and end keys, scored by how much of the index they use.

3. Incremental writes: a queue that coalesces concurrent modifications of
the same document into one bulk write per cycle, and retries on conflicts.

4. A reference storage Instance over Bolt or an in-memory KV, which
implements the bulk-write contract and executes query plans.

# Technical Details

**Indexable strings.**
An index is a list of dotted field paths ending with the primary key.
Each field occupies a fixed number of characters: strings are right-padded
with spaces (or truncated) to maxLength, booleans are "1" or "0", and
numbers are clamped into [minimum, maximum] and written as zero-padded
integer digits followed by fraction digits. The precision comes from
multipleOf. Since every component has a fixed width, comparing whole strings
compares fields in order.

**Bounds.**
Range scans use bound strings of the same width. U+FFFF fills a component
that should sort after every value; the minimum fill is a space for strings
and "0" otherwise. Indexed strings must not contain characters below U+0020.

**Revisions.**
Stored documents carry _rev = "<height>-<hash>". The height grows by one per
write; the hash is xxhash of the msgpack encoding with sorted keys. A write
is accepted only when it was based on the currently stored revision.

## Storage layout

**Data bucket**: primary key → msgpack of the document.

**Index buckets**: one per index, indexable string → empty value. The
primary key is recovered from the trailing characters of the key.

**Meta bucket**: schema version, indexes and their widths at the time the
index buckets were built. Index buckets are rebuilt on open when these change.
*/
package docq
