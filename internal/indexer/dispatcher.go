package indexer

import (
	"context"
	"fmt"

	"github.com/blacksky-algorithms/wintermute/internal/indexer/bulk"
)

// tableForKind maps a recognized collection to the durable table its
// collection-specific row lives in. Profile has no dedicated table —
// it only ever touches the actor row.
func tableForKind(kind CollectionKind) string {
	switch kind {
	case CollectionPost:
		return "post"
	case CollectionLike:
		return "like"
	case CollectionRepost:
		return "repost"
	case CollectionFollow:
		return "follow"
	case CollectionBlock:
		return "actor_block"
	default:
		return ""
	}
}

// Batchers bundles every per-collection batcher the dispatcher feeds.
// One Dispatcher per pipeline run owns exactly one of these; the
// pipeline supervisor (pipeline.go) starts each batcher's Run loop as
// its own errgroup task (spec.md §5: one task per batcher).
type Batchers struct {
	Actors      *Batcher[string]
	Records     *Batcher[bulk.RecordRow]
	Posts       *Batcher[bulk.PostRow]
	Likes       *Batcher[bulk.LikeRow]
	Reposts     *Batcher[bulk.RepostRow]
	Follows     *Batcher[bulk.FollowRow]
	Blocks      *Batcher[bulk.BlockRow]
	FeedItems   *Batcher[bulk.FeedItemRow]
	EmbedImages *Batcher[bulk.PostEmbedImageRow]
	EmbedVideos *Batcher[bulk.PostEmbedVideoRow]
	Deletes     *Batcher[bulk.DeleteRow]
}

// Dispatcher is the single serialized task that preserves per-URI
// ordering across the whole pipeline (spec.md §4.2, §5): because
// exactly one goroutine calls Dispatch, two operations on the same
// URI are always enqueued to their batcher(s) in the order they
// arrived on the firehose, regardless of how many batchers exist
// downstream.
type Dispatcher struct {
	Batchers Batchers
	Stats    Stats
	SortAt   SortAtPolicy
}

// NewDispatcher constructs a dispatcher with the default sort_at
// policy (spec.md §9, SPEC_FULL.md §13).
func NewDispatcher(batchers Batchers) *Dispatcher {
	return &Dispatcher{Batchers: batchers, SortAt: MinSortAt}
}

// Dispatch decodes one raw operation and routes it to the batchers
// responsible for its collection. Decode errors for malformed records
// and skipped collections are absorbed into d.Stats rather than
// propagated — only a context cancellation or a full downstream queue
// blocking past ctx's deadline surfaces as an error (spec.md §4.1: a
// malformed record must not halt ingest of everything after it).
func (d *Dispatcher) Dispatch(ctx context.Context, op RawOp) error {
	decoded, err := Decode(&d.Stats, op)
	if err != nil {
		return nil //nolint:nilerr // malformed/skip already counted in Stats
	}

	if op.Op == OpDelete {
		return d.dispatchDelete(ctx, decoded)
	}

	if err := d.Batchers.Actors.Enqueue(ctx, decoded.DID); err != nil {
		return fmt.Errorf("indexer: dispatch actor for %s: %w", decoded.URI, err)
	}

	record := bulk.RecordRow{
		URI:       decoded.URI,
		CID:       decoded.CID,
		DID:       decoded.DID,
		JSON:      decoded.JSON,
		Rev:       decoded.Rev,
		IndexedAt: decoded.IndexedAt,
	}
	if err := d.Batchers.Records.Enqueue(ctx, record); err != nil {
		return fmt.Errorf("indexer: dispatch record %s: %w", decoded.URI, err)
	}

	switch decoded.Kind {
	case CollectionPost:
		return d.dispatchPost(ctx, decoded)
	case CollectionLike:
		err := d.Batchers.Likes.Enqueue(ctx, bulk.LikeRow{
			URI: decoded.URI, CID: decoded.CID, Creator: decoded.DID,
			Subject: decoded.Like.SubjectURI, SubjectCID: decoded.Like.SubjectCID,
			CreatedAt: decoded.Like.CreatedAt, IndexedAt: decoded.IndexedAt,
		})
		return wrapEnqueue(decoded.URI, err)
	case CollectionRepost:
		if err := d.Batchers.Reposts.Enqueue(ctx, bulk.RepostRow{
			URI: decoded.URI, CID: decoded.CID, Creator: decoded.DID,
			Subject: decoded.Repost.SubjectURI, SubjectCID: decoded.Repost.SubjectCID,
			CreatedAt: decoded.Repost.CreatedAt, IndexedAt: decoded.IndexedAt,
		}); err != nil {
			return wrapEnqueue(decoded.URI, err)
		}
		err := d.Batchers.FeedItems.Enqueue(ctx, bulk.FeedItemRow{
			Type: "repost", URI: decoded.URI, CID: decoded.CID,
			PostURI: decoded.Repost.SubjectURI, OriginatorDID: decoded.DID,
			SortAt: d.SortAt(decoded.Repost.CreatedAt, decoded.IndexedAt),
		})
		return wrapEnqueue(decoded.URI, err)
	case CollectionFollow:
		err := d.Batchers.Follows.Enqueue(ctx, bulk.FollowRow{
			URI: decoded.URI, CID: decoded.CID, Creator: decoded.DID,
			SubjectDID: decoded.Follow.SubjectDID,
			CreatedAt:  decoded.Follow.CreatedAt, IndexedAt: decoded.IndexedAt,
		})
		return wrapEnqueue(decoded.URI, err)
	case CollectionBlock:
		err := d.Batchers.Blocks.Enqueue(ctx, bulk.BlockRow{
			URI: decoded.URI, CID: decoded.CID, Creator: decoded.DID,
			SubjectDID: decoded.Block.SubjectDID,
			CreatedAt:  decoded.Block.CreatedAt, IndexedAt: decoded.IndexedAt,
		})
		return wrapEnqueue(decoded.URI, err)
	case CollectionProfile:
		return nil
	default:
		return nil
	}
}

func (d *Dispatcher) dispatchPost(ctx context.Context, decoded *Decoded) error {
	sortAt := d.SortAt(decoded.Post.CreatedAt, decoded.IndexedAt)

	if err := d.Batchers.Posts.Enqueue(ctx, bulk.PostRow{
		URI: decoded.URI, CID: decoded.CID, Creator: decoded.DID,
		Text: decoded.Post.Text, CreatedAt: decoded.Post.CreatedAt, IndexedAt: decoded.IndexedAt,
	}); err != nil {
		return wrapEnqueue(decoded.URI, err)
	}

	if err := d.Batchers.FeedItems.Enqueue(ctx, bulk.FeedItemRow{
		Type: "post", URI: decoded.URI, CID: decoded.CID,
		PostURI: decoded.URI, OriginatorDID: decoded.DID, SortAt: sortAt,
	}); err != nil {
		return wrapEnqueue(decoded.URI, err)
	}

	for _, img := range decoded.Post.Images {
		if err := d.Batchers.EmbedImages.Enqueue(ctx, bulk.PostEmbedImageRow{
			PostURI: decoded.URI, Position: img.Position, ImageCID: img.CID, Alt: img.Alt,
		}); err != nil {
			return wrapEnqueue(decoded.URI, err)
		}
	}

	if decoded.Post.Video != nil {
		if err := d.Batchers.EmbedVideos.Enqueue(ctx, bulk.PostEmbedVideoRow{
			PostURI: decoded.URI, VideoCID: decoded.Post.Video.CID, Alt: decoded.Post.Video.Alt,
		}); err != nil {
			return wrapEnqueue(decoded.URI, err)
		}
	}

	return nil
}

func (d *Dispatcher) dispatchDelete(ctx context.Context, decoded *Decoded) error {
	table := tableForKind(decoded.Kind)
	if table == "" {
		return nil
	}
	row := bulk.DeleteRow{Table: table, URI: decoded.URI, DID: decoded.DID}
	if err := d.Batchers.Deletes.Enqueue(ctx, row); err != nil {
		return fmt.Errorf("indexer: dispatch delete %s: %w", decoded.URI, err)
	}
	return nil
}

func wrapEnqueue(uri string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("indexer: enqueue for %s: %w", uri, err)
}
