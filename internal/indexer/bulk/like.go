package bulk

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// LikeRow is one row bound for the durable "like" table.
type LikeRow struct {
	URI        string
	CID        string
	Creator    string
	Subject    string
	SubjectCID string
	CreatedAt  string
	IndexedAt  string
}

const likeSetupSQL = `CREATE TEMP TABLE IF NOT EXISTS _bulk_like (
	uri text NOT NULL,
	cid text NOT NULL,
	creator text NOT NULL,
	subject text NOT NULL,
	subject_cid text NOT NULL,
	created_at text NOT NULL,
	indexed_at text NOT NULL
); TRUNCATE _bulk_like`

const likeCopySQL = `COPY _bulk_like (uri, cid, creator, subject, subject_cid, created_at, indexed_at) FROM STDIN WITH (FORMAT text, DELIMITER E'\t', NULL '')`

const likeMergeSQL = `INSERT INTO "like" (uri, cid, creator, subject, "subjectCid", "createdAt", "indexedAt")
SELECT uri, cid, creator, subject, subject_cid, created_at, indexed_at
FROM _bulk_like
ON CONFLICT DO NOTHING`

// InsertLikes bulk-loads the like table. No aggregate recompute: likes
// have no profile_agg counter. Grounded on bulk.rs's copy_insert_likes.
func InsertLikes(ctx context.Context, pool *pgxpool.Pool, rows []LikeRow) (Phases, error) {
	if len(rows) == 0 {
		return Phases{}, nil
	}

	conn, err := acquireConn(ctx, pool)
	if err != nil {
		return Phases{}, fmt.Errorf("bulk like: %w", err)
	}
	defer conn.Release()

	w := newRowWriter(len(rows), 250)
	for _, r := range rows {
		w.row(r.URI, r.CID, r.Creator, r.Subject, r.SubjectCID, r.CreatedAt, r.IndexedAt)
	}

	setup, cp, err := runCopy(ctx, conn, likeSetupSQL, likeCopySQL, &w.buf)
	if err != nil {
		return Phases{}, fmt.Errorf("bulk like: %w", err)
	}

	merge, err := runMerge(ctx, conn, likeMergeSQL)
	if err != nil {
		return Phases{}, fmt.Errorf("bulk like: %w", err)
	}

	return Phases{Setup: setup, Copy: cp, Merge: merge, Rows: len(rows)}, nil
}
