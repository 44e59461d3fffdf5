package bulk

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// RecordRow is one row bound for the durable record table: the
// canonical json serialization of a repository record plus its
// identity and revision.
type RecordRow struct {
	URI       string
	CID       string
	DID       string
	JSON      string // canonical serialization; escaped losslessly on write
	Rev       string
	IndexedAt string
}

const recordSetupSQL = `CREATE TEMP TABLE IF NOT EXISTS _bulk_record (
	uri text NOT NULL,
	cid text NOT NULL,
	did text NOT NULL,
	json text,
	rev text NOT NULL,
	indexed_at text NOT NULL
); TRUNCATE _bulk_record`

const recordCopySQL = `COPY _bulk_record (uri, cid, did, json, rev, indexed_at) FROM STDIN WITH (FORMAT text, DELIMITER E'\t', NULL '')`

// recordMergeSQL guards against out-of-order application: a row only
// overwrites the stored one if its rev is not older (spec.md §4.4, §8
// I-REV). RETURNING uri reports which rows actually won the race so
// the caller can mark the corresponding per-collection rows applied.
const recordMergeSQL = `INSERT INTO record (uri, cid, did, json, rev, "indexedAt")
SELECT uri, cid, did, json, rev, indexed_at
FROM _bulk_record
ON CONFLICT (uri) DO UPDATE SET
  rev = EXCLUDED.rev,
  cid = EXCLUDED.cid,
  json = EXCLUDED.json,
  "indexedAt" = EXCLUDED."indexedAt"
WHERE record.rev <= EXCLUDED.rev
RETURNING uri`

// InsertRecords bulk-loads the record table and reports, per input
// row (same order), whether it was applied (won the rev race) or
// dropped as stale. Grounded on bulk.rs's copy_insert_records.
func InsertRecords(ctx context.Context, pool *pgxpool.Pool, rows []RecordRow) ([]bool, Phases, error) {
	if len(rows) == 0 {
		return nil, Phases{}, nil
	}

	conn, err := acquireConn(ctx, pool)
	if err != nil {
		return nil, Phases{}, fmt.Errorf("bulk record: %w", err)
	}
	defer conn.Release()

	w := newRowWriter(len(rows), 220)
	for _, r := range rows {
		w.row(r.URI, r.CID, r.DID, EscapeLossless(r.JSON), r.Rev, r.IndexedAt)
	}

	setup, cp, err := runCopy(ctx, conn, recordSetupSQL, recordCopySQL, &w.buf)
	if err != nil {
		return nil, Phases{}, fmt.Errorf("bulk record: %w", err)
	}

	applied, merge, err := runMergeReturningURIs(ctx, conn, recordMergeSQL)
	if err != nil {
		return nil, Phases{}, fmt.Errorf("bulk record: %w", err)
	}

	appliedSet := make(map[string]struct{}, len(applied))
	for _, uri := range applied {
		appliedSet[uri] = struct{}{}
	}
	results := make([]bool, len(rows))
	for i, r := range rows {
		_, results[i] = appliedSet[r.URI]
	}

	return results, Phases{Setup: setup, Copy: cp, Merge: merge, Rows: len(rows)}, nil
}
