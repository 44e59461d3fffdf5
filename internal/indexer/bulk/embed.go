package bulk

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostEmbedImageRow is one row bound for the durable post_embed_image
// table. Position preserves the order images appeared in the source
// record's embed array.
type PostEmbedImageRow struct {
	PostURI  string
	Position int
	ImageCID string
	Alt      string
}

const postEmbedImageSetupSQL = `CREATE TEMP TABLE IF NOT EXISTS _bulk_post_embed_image (
	post_uri text NOT NULL,
	position text NOT NULL,
	image_cid text NOT NULL,
	alt text NOT NULL
); TRUNCATE _bulk_post_embed_image`

const postEmbedImageCopySQL = `COPY _bulk_post_embed_image (post_uri, position, image_cid, alt) FROM STDIN WITH (FORMAT text, DELIMITER E'\t')`

const postEmbedImageMergeSQL = `INSERT INTO post_embed_image ("postUri", position, "imageCid", alt)
SELECT post_uri, position, image_cid, alt
FROM _bulk_post_embed_image
ON CONFLICT DO NOTHING`

// InsertPostEmbedImages bulk-loads the post_embed_image table.
// Grounded on bulk.rs's copy_insert_post_embed_images.
func InsertPostEmbedImages(ctx context.Context, pool *pgxpool.Pool, rows []PostEmbedImageRow) (Phases, error) {
	if len(rows) == 0 {
		return Phases{}, nil
	}

	conn, err := acquireConn(ctx, pool)
	if err != nil {
		return Phases{}, fmt.Errorf("bulk post_embed_image: %w", err)
	}
	defer conn.Release()

	w := newRowWriter(len(rows), 150)
	for _, r := range rows {
		w.row(r.PostURI, strconv.Itoa(r.Position), r.ImageCID, EscapeLossy(r.Alt))
	}

	setup, cp, err := runCopy(ctx, conn, postEmbedImageSetupSQL, postEmbedImageCopySQL, &w.buf)
	if err != nil {
		return Phases{}, fmt.Errorf("bulk post_embed_image: %w", err)
	}

	merge, err := runMerge(ctx, conn, postEmbedImageMergeSQL)
	if err != nil {
		return Phases{}, fmt.Errorf("bulk post_embed_image: %w", err)
	}

	return Phases{Setup: setup, Copy: cp, Merge: merge, Rows: len(rows)}, nil
}

// PostEmbedVideoRow is one row bound for the durable post_embed_video
// table. Alt is nil when the source record omitted alt text entirely —
// that must survive as SQL NULL, not an empty string (spec.md §4.4/§9).
type PostEmbedVideoRow struct {
	PostURI  string
	VideoCID string
	Alt      *string
}

const postEmbedVideoSetupSQL = `CREATE TEMP TABLE IF NOT EXISTS _bulk_post_embed_video (
	post_uri text NOT NULL,
	video_cid text NOT NULL,
	alt text
); TRUNCATE _bulk_post_embed_video`

// postEmbedVideoCopySQL uses `\N` as its NULL marker, the one batcher
// in the whole loader that needs an explicit non-empty sentinel
// because empty-string alt and absent alt are both valid, distinct
// values here (SPEC_FULL.md §12).
const postEmbedVideoCopySQL = `COPY _bulk_post_embed_video (post_uri, video_cid, alt) FROM STDIN WITH (FORMAT text, DELIMITER E'\t', NULL '\N')`

const postEmbedVideoMergeSQL = `INSERT INTO post_embed_video ("postUri", "videoCid", alt)
SELECT post_uri, video_cid, alt
FROM _bulk_post_embed_video
ON CONFLICT DO NOTHING`

// InsertPostEmbedVideos bulk-loads the post_embed_video table.
// Grounded on bulk.rs's copy_insert_post_embed_videos, including its
// explicit `\N` NULL-sentinel handling for a nil Alt.
func InsertPostEmbedVideos(ctx context.Context, pool *pgxpool.Pool, rows []PostEmbedVideoRow) (Phases, error) {
	if len(rows) == 0 {
		return Phases{}, nil
	}

	conn, err := acquireConn(ctx, pool)
	if err != nil {
		return Phases{}, fmt.Errorf("bulk post_embed_video: %w", err)
	}
	defer conn.Release()

	w := newRowWriter(len(rows), 150)
	for _, r := range rows {
		var alt string
		if r.Alt == nil {
			alt = `\N`
		} else {
			alt = EscapeLossy(*r.Alt)
		}
		w.row(r.PostURI, r.VideoCID, alt)
	}

	setup, cp, err := runCopy(ctx, conn, postEmbedVideoSetupSQL, postEmbedVideoCopySQL, &w.buf)
	if err != nil {
		return Phases{}, fmt.Errorf("bulk post_embed_video: %w", err)
	}

	merge, err := runMerge(ctx, conn, postEmbedVideoMergeSQL)
	if err != nil {
		return Phases{}, fmt.Errorf("bulk post_embed_video: %w", err)
	}

	return Phases{Setup: setup, Copy: cp, Merge: merge, Rows: len(rows)}, nil
}
