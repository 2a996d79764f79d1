package docq

import (
	"bytes"
	"context"
	"fmt"
	"slices"
)

// Query plans q, scans the chosen index between the plan bounds and returns
// the matching documents in q's sort order, along with the plan used.
//
// Documents marked _deleted are skipped unless the selector mentions
// _deleted. A Limit of zero means no limit.
func (inst *Instance) Query(ctx context.Context, q Query) ([]Document, *QueryPlan, error) {
	// Stored indexes always end with the primary key.
	if len(q.Index) > 0 {
		q.Index = withTrailingPK(q.Index, inst.schema.primaryKey)
	}
	nq := NormalizeQuery(inst.schema, q)
	plan, err := PlanQuery(inst.schema, nq)
	if err != nil {
		return nil, nil, err
	}
	enc, err := inst.encoders.Encoder(plan.Index)
	if err != nil {
		return nil, nil, err
	}
	bucketName := inst.indexBucketName(plan.Index)
	if !slices.Contains(inst.indexBuckets, bucketName) {
		return nil, plan, schemaErrf("", plan.Index, "index is not declared")
	}

	lower := []byte(enc.LowerBound(plan.StartKeys, plan.InclusiveStart))
	upper := []byte(enc.UpperBound(plan.EndKeys, plan.InclusiveEnd))
	_, withDeleted := nq.Selector[DeletedField]

	// With both the selector and the sort handled by the index, the scan can
	// stop as soon as the requested page is complete.
	streaming := plan.SelectorSatisfiedByIndex && plan.SortSatisfiedByIndex
	want := -1
	if streaming && nq.Limit > 0 {
		want = nq.Skip + nq.Limit
	}

	tx, err := inst.kv.BeginTx(false)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()
	data := tx.Bucket(inst.dataBucket)
	buck := tx.Bucket(bucketName)
	if data == nil || buck == nil {
		return nil, plan, fmt.Errorf("docq: bucket %s missing", bucketName)
	}

	inst.queries.Add(1)
	var docs []Document
	var scanned uint64
	c := buck.Cursor()
	for k, _ := c.Seek(lower); k != nil; k, _ = c.Next() {
		if !plan.InclusiveStart && bytes.Equal(k, lower) {
			continue
		}
		if cmp := bytes.Compare(k, upper); cmp > 0 || (cmp == 0 && !plan.InclusiveEnd) {
			break
		}
		if scanned%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, plan, err
			}
		}
		scanned++

		id := PrimaryKeyFromIndexableString(string(k), inst.pkWidth)
		doc, err := inst.load(data, id)
		if err != nil {
			return nil, plan, err
		}
		if doc == nil {
			inst.logger.Warn("docq: index entry without document", "bucket", bucketName, "id", id)
			continue
		}
		if doc.Deleted() && !withDeleted {
			continue
		}
		if !plan.SelectorSatisfiedByIndex && !nq.Selector.Matches(doc) {
			continue
		}
		docs = append(docs, doc)
		if want >= 0 && len(docs) >= want {
			break
		}
	}
	inst.scanned.Add(scanned)

	if !plan.SortSatisfiedByIndex {
		slices.SortStableFunc(docs, SortComparator(nq.Sort))
	}
	docs = page(docs, nq.Skip, nq.Limit)
	inst.logger.Debug("docq: query", indexAttr("index", plan.Index), "score", plan.Score, "scanned", scanned, "returned", len(docs))
	return docs, plan, nil
}

func page(docs []Document, skip, limit int) []Document {
	if skip > 0 {
		if skip >= len(docs) {
			return nil
		}
		docs = docs[skip:]
	}
	if limit > 0 && limit < len(docs) {
		docs = docs[:limit]
	}
	return docs
}
