package bulk

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// RepostRow is one row bound for the durable repost table. Shape
// matches LikeRow — a repost is structurally a like with a different
// target table, same as in bulk.rs.
type RepostRow struct {
	URI        string
	CID        string
	Creator    string
	Subject    string
	SubjectCID string
	CreatedAt  string
	IndexedAt  string
}

const repostSetupSQL = `CREATE TEMP TABLE IF NOT EXISTS _bulk_repost (
	uri text NOT NULL,
	cid text NOT NULL,
	creator text NOT NULL,
	subject text NOT NULL,
	subject_cid text NOT NULL,
	created_at text NOT NULL,
	indexed_at text NOT NULL
); TRUNCATE _bulk_repost`

const repostCopySQL = `COPY _bulk_repost (uri, cid, creator, subject, subject_cid, created_at, indexed_at) FROM STDIN WITH (FORMAT text, DELIMITER E'\t', NULL '')`

const repostMergeSQL = `INSERT INTO repost (uri, cid, creator, subject, "subjectCid", "createdAt", "indexedAt")
SELECT uri, cid, creator, subject, subject_cid, created_at, indexed_at
FROM _bulk_repost
ON CONFLICT DO NOTHING`

// InsertReposts bulk-loads the repost table. Grounded on bulk.rs's
// copy_insert_reposts.
func InsertReposts(ctx context.Context, pool *pgxpool.Pool, rows []RepostRow) (Phases, error) {
	if len(rows) == 0 {
		return Phases{}, nil
	}

	conn, err := acquireConn(ctx, pool)
	if err != nil {
		return Phases{}, fmt.Errorf("bulk repost: %w", err)
	}
	defer conn.Release()

	w := newRowWriter(len(rows), 250)
	for _, r := range rows {
		w.row(r.URI, r.CID, r.Creator, r.Subject, r.SubjectCID, r.CreatedAt, r.IndexedAt)
	}

	setup, cp, err := runCopy(ctx, conn, repostSetupSQL, repostCopySQL, &w.buf)
	if err != nil {
		return Phases{}, fmt.Errorf("bulk repost: %w", err)
	}

	merge, err := runMerge(ctx, conn, repostMergeSQL)
	if err != nil {
		return Phases{}, fmt.Errorf("bulk repost: %w", err)
	}

	return Phases{Setup: setup, Copy: cp, Merge: merge, Rows: len(rows)}, nil
}
