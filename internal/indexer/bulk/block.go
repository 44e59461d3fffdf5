package bulk

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// BlockRow is one row bound for the durable actor_block table.
type BlockRow struct {
	URI        string
	CID        string
	Creator    string
	SubjectDID string
	CreatedAt  string
	IndexedAt  string
}

const blockSetupSQL = `CREATE TEMP TABLE IF NOT EXISTS _bulk_block (
	uri text NOT NULL,
	cid text NOT NULL,
	creator text NOT NULL,
	subject text NOT NULL,
	created_at text NOT NULL,
	indexed_at text NOT NULL
); TRUNCATE _bulk_block`

const blockCopySQL = `COPY _bulk_block (uri, cid, creator, subject, created_at, indexed_at) FROM STDIN WITH (FORMAT text, DELIMITER E'\t')`

const blockMergeSQL = `INSERT INTO actor_block (uri, cid, creator, "subjectDid", "createdAt", "indexedAt")
SELECT uri, cid, creator, subject, created_at, indexed_at
FROM _bulk_block
ON CONFLICT DO NOTHING`

// InsertBlocks bulk-loads the actor_block table. No aggregate
// recompute — blocks carry no profile_agg counter. Grounded on
// bulk.rs's copy_insert_blocks.
func InsertBlocks(ctx context.Context, pool *pgxpool.Pool, rows []BlockRow) (Phases, error) {
	if len(rows) == 0 {
		return Phases{}, nil
	}

	conn, err := acquireConn(ctx, pool)
	if err != nil {
		return Phases{}, fmt.Errorf("bulk block: %w", err)
	}
	defer conn.Release()

	w := newRowWriter(len(rows), 200)
	for _, r := range rows {
		w.row(r.URI, r.CID, r.Creator, r.SubjectDID, r.CreatedAt, r.IndexedAt)
	}

	setup, cp, err := runCopy(ctx, conn, blockSetupSQL, blockCopySQL, &w.buf)
	if err != nil {
		return Phases{}, fmt.Errorf("bulk block: %w", err)
	}

	merge, err := runMerge(ctx, conn, blockMergeSQL)
	if err != nil {
		return Phases{}, fmt.Errorf("bulk block: %w", err)
	}

	return Phases{Setup: setup, Copy: cp, Merge: merge, Rows: len(rows)}, nil
}
