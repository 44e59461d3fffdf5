package bulk

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const actorSetupSQL = `CREATE TEMP TABLE IF NOT EXISTS _bulk_actor (
	did text NOT NULL
); TRUNCATE _bulk_actor`

const actorCopySQL = `COPY _bulk_actor (did) FROM STDIN WITH (FORMAT text)`

// actorSentinelIndexedAt is stamped on an actor row the first time any
// collection references its DID (spec.md §3); it is never updated
// afterward, so it stays a fixed marker rather than a real indexing
// timestamp.
const actorSentinelIndexedAt = "1970-01-01T00:00:00Z"

const actorMergeSQL = `INSERT INTO actor (did, "indexedAt")
SELECT did, '` + actorSentinelIndexedAt + `'
FROM _bulk_actor
ON CONFLICT (did) DO NOTHING`

// EnsureActors bulk-inserts any DIDs referenced by the current batch
// that aren't already known, so every foreign DID has an actor row
// before dependent rows (posts, likes, follows, ...) are merged.
// Grounded on bulk.rs's copy_ensure_actors.
func EnsureActors(ctx context.Context, pool *pgxpool.Pool, dids []string) (Phases, error) {
	if len(dids) == 0 {
		return Phases{}, nil
	}

	conn, err := acquireConn(ctx, pool)
	if err != nil {
		return Phases{}, fmt.Errorf("bulk actor: %w", err)
	}
	defer conn.Release()

	w := newRowWriter(len(dids), 60)
	for _, did := range dids {
		w.row(did)
	}

	setup, cp, err := runCopy(ctx, conn, actorSetupSQL, actorCopySQL, &w.buf)
	if err != nil {
		return Phases{}, fmt.Errorf("bulk actor: %w", err)
	}

	merge, err := runMerge(ctx, conn, actorMergeSQL)
	if err != nil {
		return Phases{}, fmt.Errorf("bulk actor: %w", err)
	}

	return Phases{Setup: setup, Copy: cp, Merge: merge, Rows: len(dids)}, nil
}
