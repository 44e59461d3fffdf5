package bulk

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// FeedItemRow is one row bound for the durable feed_item table. Type
// distinguishes an original post from a repost surfaced in a feed.
type FeedItemRow struct {
	Type          string
	URI           string
	CID           string
	PostURI       string
	OriginatorDID string
	SortAt        string
}

const feedItemSetupSQL = `CREATE TEMP TABLE IF NOT EXISTS _bulk_feed_item (
	type text NOT NULL,
	uri text NOT NULL,
	cid text NOT NULL,
	post_uri text NOT NULL,
	originator_did text NOT NULL,
	sort_at text NOT NULL
); TRUNCATE _bulk_feed_item`

const feedItemCopySQL = `COPY _bulk_feed_item (type, uri, cid, post_uri, originator_did, sort_at) FROM STDIN WITH (FORMAT text, DELIMITER E'\t')`

const feedItemMergeSQL = `INSERT INTO feed_item (type, uri, cid, "postUri", "originatorDid", "sortAt")
SELECT type, uri, cid, post_uri, originator_did, sort_at
FROM _bulk_feed_item
ON CONFLICT DO NOTHING`

// InsertFeedItems bulk-loads the feed_item table. Grounded on bulk.rs's
// copy_insert_feed_items.
func InsertFeedItems(ctx context.Context, pool *pgxpool.Pool, rows []FeedItemRow) (Phases, error) {
	if len(rows) == 0 {
		return Phases{}, nil
	}

	conn, err := acquireConn(ctx, pool)
	if err != nil {
		return Phases{}, fmt.Errorf("bulk feed_item: %w", err)
	}
	defer conn.Release()

	w := newRowWriter(len(rows), 200)
	for _, r := range rows {
		w.row(r.Type, r.URI, r.CID, r.PostURI, r.OriginatorDID, r.SortAt)
	}

	setup, cp, err := runCopy(ctx, conn, feedItemSetupSQL, feedItemCopySQL, &w.buf)
	if err != nil {
		return Phases{}, fmt.Errorf("bulk feed_item: %w", err)
	}

	merge, err := runMerge(ctx, conn, feedItemMergeSQL)
	if err != nil {
		return Phases{}, fmt.Errorf("bulk feed_item: %w", err)
	}

	return Phases{Setup: setup, Copy: cp, Merge: merge, Rows: len(rows)}, nil
}
