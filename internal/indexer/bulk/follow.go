package bulk

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// FollowRow is one row bound for the durable follow table.
type FollowRow struct {
	URI        string
	CID        string
	Creator    string
	SubjectDID string
	CreatedAt  string
	IndexedAt  string
}

const followSetupSQL = `CREATE TEMP TABLE IF NOT EXISTS _bulk_follow (
	uri text NOT NULL,
	cid text NOT NULL,
	creator text NOT NULL,
	subject_did text NOT NULL,
	created_at text NOT NULL,
	indexed_at text NOT NULL
); TRUNCATE _bulk_follow`

const followCopySQL = `COPY _bulk_follow (uri, cid, creator, subject_did, created_at, indexed_at) FROM STDIN WITH (FORMAT text, DELIMITER E'\t')`

const followMergeSQL = `INSERT INTO follow (uri, cid, creator, "subjectDid", "createdAt", "indexedAt")
SELECT uri, cid, creator, subject_did, created_at, indexed_at
FROM _bulk_follow
ON CONFLICT DO NOTHING`

// followsCountAggSQL recomputes followsCount for creators in the batch
// (how many accounts they follow).
const followsCountAggSQL = `INSERT INTO profile_agg (did, "followsCount")
SELECT creator, COUNT(*) FROM follow
WHERE creator IN (SELECT DISTINCT creator FROM _bulk_follow)
GROUP BY creator
ON CONFLICT (did) DO UPDATE SET "followsCount" = EXCLUDED."followsCount"`

// followersCountAggSQL recomputes followersCount for subjects in the
// batch (how many accounts follow them) — a second, independent
// aggregate pass over the same staging table (spec.md §4.4).
const followersCountAggSQL = `INSERT INTO profile_agg (did, "followersCount")
SELECT "subjectDid", COUNT(*) FROM follow
WHERE "subjectDid" IN (SELECT DISTINCT subject_did FROM _bulk_follow)
GROUP BY "subjectDid"
ON CONFLICT (did) DO UPDATE SET "followersCount" = EXCLUDED."followersCount"`

// InsertFollows bulk-loads the follow table and recomputes both
// followsCount (for creators) and followersCount (for subjects).
// Grounded on bulk.rs's copy_insert_follows.
//
// Creator DIDs reach the actor table via the dispatcher's own actor
// batcher (spec.md §3), but a followed subject may never appear as a
// creator of anything — it still needs an actor row before
// followersCountAggSQL's profile_agg upsert can satisfy the FK, so
// this ensures subject DIDs as actors itself rather than relying on
// the creator-side path to have covered them.
func InsertFollows(ctx context.Context, pool *pgxpool.Pool, rows []FollowRow) (Phases, error) {
	if len(rows) == 0 {
		return Phases{}, nil
	}

	subjects := make([]string, 0, len(rows))
	seen := make(map[string]struct{}, len(rows))
	for _, r := range rows {
		if _, ok := seen[r.SubjectDID]; ok {
			continue
		}
		seen[r.SubjectDID] = struct{}{}
		subjects = append(subjects, r.SubjectDID)
	}
	if _, err := EnsureActors(ctx, pool, subjects); err != nil {
		return Phases{}, fmt.Errorf("bulk follow: ensure subject actors: %w", err)
	}

	conn, err := acquireConn(ctx, pool)
	if err != nil {
		return Phases{}, fmt.Errorf("bulk follow: %w", err)
	}
	defer conn.Release()

	w := newRowWriter(len(rows), 200)
	for _, r := range rows {
		w.row(r.URI, r.CID, r.Creator, r.SubjectDID, r.CreatedAt, r.IndexedAt)
	}

	setup, cp, err := runCopy(ctx, conn, followSetupSQL, followCopySQL, &w.buf)
	if err != nil {
		return Phases{}, fmt.Errorf("bulk follow: %w", err)
	}

	merge, err := runMerge(ctx, conn, followMergeSQL)
	if err != nil {
		return Phases{}, fmt.Errorf("bulk follow: %w", err)
	}

	aggStart, err := runAgg(ctx, conn, followsCountAggSQL)
	if err != nil {
		return Phases{}, fmt.Errorf("bulk follow: %w", err)
	}
	aggEnd, err := runAgg(ctx, conn, followersCountAggSQL)
	if err != nil {
		return Phases{}, fmt.Errorf("bulk follow: %w", err)
	}

	return Phases{Setup: setup, Copy: cp, Merge: merge, Agg: aggStart + aggEnd, Rows: len(rows)}, nil
}
