package bulk

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostRow is one row bound for the durable post table.
type PostRow struct {
	URI       string
	CID       string
	Creator   string
	Text      string // lossily escaped on write; tabs/newlines become spaces
	CreatedAt string
	IndexedAt string
}

const postSetupSQL = `CREATE TEMP TABLE IF NOT EXISTS _bulk_post (
	uri text NOT NULL,
	cid text NOT NULL,
	creator text NOT NULL,
	text text,
	created_at text NOT NULL,
	indexed_at text NOT NULL
); TRUNCATE _bulk_post`

// postCopySQL carries no NULL clause: post.text is NOT NULL, and an
// empty string must round-trip as an empty string rather than collide
// with a NULL sentinel (spec.md §4.4/§9, SPEC_FULL.md §12).
const postCopySQL = `COPY _bulk_post (uri, cid, creator, text, created_at, indexed_at) FROM STDIN WITH (FORMAT text, DELIMITER E'\t')`

const postMergeSQL = `INSERT INTO post (uri, cid, creator, text, "createdAt", "indexedAt")
SELECT uri, cid, creator, text, created_at, indexed_at
FROM _bulk_post
ON CONFLICT DO NOTHING`

// postAggSQL recomputes profile_agg.postsCount for exactly the
// creators touched by this batch, not the whole table (spec.md §4.4).
const postAggSQL = `INSERT INTO profile_agg (did, "postsCount")
SELECT creator, COUNT(*) FROM post
WHERE creator IN (SELECT DISTINCT creator FROM _bulk_post)
GROUP BY creator
ON CONFLICT (did) DO UPDATE SET "postsCount" = EXCLUDED."postsCount"`

// InsertPosts bulk-loads the post table and recomputes postsCount for
// every creator in the batch. Grounded on bulk.rs's copy_insert_posts.
func InsertPosts(ctx context.Context, pool *pgxpool.Pool, rows []PostRow) (Phases, error) {
	if len(rows) == 0 {
		return Phases{}, nil
	}

	conn, err := acquireConn(ctx, pool)
	if err != nil {
		return Phases{}, fmt.Errorf("bulk post: %w", err)
	}
	defer conn.Release()

	w := newRowWriter(len(rows), 300)
	for _, r := range rows {
		w.row(r.URI, r.CID, r.Creator, EscapeLossy(r.Text), r.CreatedAt, r.IndexedAt)
	}

	setup, cp, err := runCopy(ctx, conn, postSetupSQL, postCopySQL, &w.buf)
	if err != nil {
		return Phases{}, fmt.Errorf("bulk post: %w", err)
	}

	merge, err := runMerge(ctx, conn, postMergeSQL)
	if err != nil {
		return Phases{}, fmt.Errorf("bulk post: %w", err)
	}

	agg, err := runAgg(ctx, conn, postAggSQL)
	if err != nil {
		return Phases{}, fmt.Errorf("bulk post: %w", err)
	}

	return Phases{Setup: setup, Copy: cp, Merge: merge, Agg: agg, Rows: len(rows)}, nil
}
