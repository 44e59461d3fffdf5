package bulk

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DeleteRow is one record deletion to apply: Table names the
// collection's durable table (post, like, repost, follow,
// actor_block), URI is the record's AT-URI, and DID is its creator —
// needed to scope the aggregate recompute after the row is gone.
// Supplemented feature: the original bulk loader in
// _examples/original_source/rsky-wintermute/src/indexer/bulk.rs never
// exercises deletes (SPEC_FULL.md §12); this file supplies the path
// spec.md §3's lifecycle section describes.
type DeleteRow struct {
	Table string
	URI   string
	DID   string
}

// DeleteRecords removes a batch of records and their dependents in the
// order decided in SPEC_FULL.md §13: record row first (it is the URI's
// source of truth for existence), then the collection-specific row,
// then embed children and feed_item rows that reference it, then the
// affected DIDs' aggregate counters.
func DeleteRecords(ctx context.Context, pool *pgxpool.Pool, rows []DeleteRow) (Phases, error) {
	if len(rows) == 0 {
		return Phases{}, nil
	}

	byTable := make(map[string][]string)
	dids := make(map[string]struct{})
	for _, r := range rows {
		byTable[r.Table] = append(byTable[r.Table], r.URI)
		dids[r.DID] = struct{}{}
	}

	var merge time.Duration

	d, err := deleteFromTable(ctx, pool, "record", "uri", uris(rows))
	if err != nil {
		return Phases{}, fmt.Errorf("bulk delete: %w", err)
	}
	merge += d

	for table, tableURIs := range byTable {
		d, err := deleteFromTable(ctx, pool, table, "uri", tableURIs)
		if err != nil {
			return Phases{}, fmt.Errorf("bulk delete: %w", err)
		}
		merge += d
	}

	postURIs := byTable["post"]
	for _, child := range []struct{ table, col string }{
		{"post_embed_image", "postUri"},
		{"post_embed_video", "postUri"},
		{"feed_item", "postUri"},
	} {
		d, err := deleteFromTable(ctx, pool, child.table, child.col, postURIs)
		if err != nil {
			return Phases{}, fmt.Errorf("bulk delete: %w", err)
		}
		merge += d
	}

	fd, err := deleteFromTable(ctx, pool, "feed_item", "uri", uris(rows))
	if err != nil {
		return Phases{}, fmt.Errorf("bulk delete: %w", err)
	}
	merge += fd

	agg, err := recomputeAggForDIDs(ctx, pool, dids)
	if err != nil {
		return Phases{}, fmt.Errorf("bulk delete: %w", err)
	}

	return Phases{Merge: merge, Agg: agg, Rows: len(rows)}, nil
}

func uris(rows []DeleteRow) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.URI
	}
	return out
}

// deleteFromTable runs a plain DELETE ... WHERE col = ANY($1). Deletes
// are not bulk-COPY'd: they're comparatively rare and the Postgres
// planner handles a column-equals-any-array delete efficiently without
// a staging table round trip.
func deleteFromTable(ctx context.Context, pool *pgxpool.Pool, table, col string, uris []string) (time.Duration, error) {
	if len(uris) == 0 {
		return 0, nil
	}
	sql := fmt.Sprintf(`DELETE FROM %q WHERE %q = ANY($1)`, table, col)
	start := time.Now()
	if _, err := pool.Exec(ctx, sql, uris); err != nil {
		return 0, fmt.Errorf("delete from %s: %w", table, err)
	}
	return time.Since(start), nil
}

// recomputeAggForDIDs recomputes postsCount/followsCount/followersCount
// for exactly the DIDs whose rows were just deleted, mirroring the
// batch-scoped aggregate recompute the bulk loader uses on insert.
func recomputeAggForDIDs(ctx context.Context, pool *pgxpool.Pool, dids map[string]struct{}) (time.Duration, error) {
	if len(dids) == 0 {
		return 0, nil
	}
	list := make([]string, 0, len(dids))
	for did := range dids {
		list = append(list, did)
	}

	const recomputeSQL = `INSERT INTO profile_agg (did, "postsCount", "followsCount", "followersCount")
SELECT d.did,
  (SELECT COUNT(*) FROM post WHERE creator = d.did),
  (SELECT COUNT(*) FROM follow WHERE creator = d.did),
  (SELECT COUNT(*) FROM follow WHERE "subjectDid" = d.did)
FROM unnest($1::text[]) AS d(did)
ON CONFLICT (did) DO UPDATE SET
  "postsCount" = EXCLUDED."postsCount",
  "followsCount" = EXCLUDED."followsCount",
  "followersCount" = EXCLUDED."followersCount"`

	start := time.Now()
	if _, err := pool.Exec(ctx, recomputeSQL, list); err != nil {
		return 0, fmt.Errorf("recompute aggregate: %w", err)
	}
	return time.Since(start), nil
}
