package indexer

import (
	"context"
	"testing"
	"time"

	"github.com/blacksky-algorithms/wintermute/internal/indexer/bulk"
)

func noopFlush[T any](ctx context.Context, batch []T) (PhaseReport, error) {
	return PhaseReport{}, nil
}

func newTestDispatcher() *Dispatcher {
	batchers := Batchers{
		Actors:      NewBatcher[string]("actor", 100, time.Hour, noopFlush[string], nil, 10),
		Records:     NewBatcher[bulk.RecordRow]("record", 100, time.Hour, noopFlush[bulk.RecordRow], nil, 10),
		Posts:       NewBatcher[bulk.PostRow]("post", 100, time.Hour, noopFlush[bulk.PostRow], nil, 10),
		Likes:       NewBatcher[bulk.LikeRow]("like", 100, time.Hour, noopFlush[bulk.LikeRow], nil, 10),
		Reposts:     NewBatcher[bulk.RepostRow]("repost", 100, time.Hour, noopFlush[bulk.RepostRow], nil, 10),
		Follows:     NewBatcher[bulk.FollowRow]("follow", 100, time.Hour, noopFlush[bulk.FollowRow], nil, 10),
		Blocks:      NewBatcher[bulk.BlockRow]("block", 100, time.Hour, noopFlush[bulk.BlockRow], nil, 10),
		FeedItems:   NewBatcher[bulk.FeedItemRow]("feed_item", 100, time.Hour, noopFlush[bulk.FeedItemRow], nil, 10),
		EmbedImages: NewBatcher[bulk.PostEmbedImageRow]("post_embed_image", 100, time.Hour, noopFlush[bulk.PostEmbedImageRow], nil, 10),
		EmbedVideos: NewBatcher[bulk.PostEmbedVideoRow]("post_embed_video", 100, time.Hour, noopFlush[bulk.PostEmbedVideoRow], nil, 10),
		Deletes:     NewBatcher[bulk.DeleteRow]("delete", 100, time.Hour, noopFlush[bulk.DeleteRow], nil, 10),
	}
	return NewDispatcher(batchers)
}

func TestDispatchPostEnqueuesRecordPostAndFeedItem(t *testing.T) {
	d := newTestDispatcher()
	op := baseOp(t, string(CollectionPost), map[string]any{
		"text":      "hi",
		"createdAt": "2025-06-01T12:00:00Z",
	})

	ctx := context.Background()
	if err := d.Dispatch(ctx, op); err != nil {
		t.Fatalf("Dispatch() err = %v", err)
	}

	select {
	case did := <-d.Batchers.Actors.queue:
		if did != op.DID {
			t.Errorf("actor DID = %q, want %q", did, op.DID)
		}
	default:
		t.Error("expected actor row enqueued")
	}

	select {
	case rec := <-d.Batchers.Records.queue:
		if rec.URI != op.URI() {
			t.Errorf("record URI = %q, want %q", rec.URI, op.URI())
		}
	default:
		t.Error("expected record row enqueued")
	}

	select {
	case post := <-d.Batchers.Posts.queue:
		if post.Text != "hi" {
			t.Errorf("post text = %q, want %q", post.Text, "hi")
		}
	default:
		t.Error("expected post row enqueued")
	}

	select {
	case fi := <-d.Batchers.FeedItems.queue:
		if fi.PostURI != op.URI() {
			t.Errorf("feed_item postUri = %q, want %q", fi.PostURI, op.URI())
		}
	default:
		t.Error("expected feed_item row enqueued")
	}
}

func TestDispatchSkipUnrecognizedCollectionIsNotAnError(t *testing.T) {
	d := newTestDispatcher()
	op := baseOp(t, "app.bsky.unknown.thing", map[string]any{})

	if err := d.Dispatch(context.Background(), op); err != nil {
		t.Fatalf("Dispatch() err = %v, want nil for a skipped collection", err)
	}
	if d.Stats.Snapshot().Skipped != 1 {
		t.Errorf("Skipped = %d, want 1", d.Stats.Snapshot().Skipped)
	}
}

func TestDispatchDeleteRoutesToDeleteBatcher(t *testing.T) {
	d := newTestDispatcher()
	op := RawOp{
		DID:             "did:plc:abc123",
		Collection:      string(CollectionLike),
		RKey:            "rkey1",
		Op:              OpDelete,
		CommitRev:       "rev1",
		CommitIndexedAt: time.Now().UTC(),
	}

	if err := d.Dispatch(context.Background(), op); err != nil {
		t.Fatalf("Dispatch() err = %v", err)
	}

	select {
	case del := <-d.Batchers.Deletes.queue:
		if del.Table != "like" || del.URI != op.URI() {
			t.Errorf("delete row = %+v, want table=like uri=%s", del, op.URI())
		}
	default:
		t.Error("expected delete row enqueued")
	}
}

func TestTableForKind(t *testing.T) {
	tests := []struct {
		kind CollectionKind
		want string
	}{
		{CollectionPost, "post"},
		{CollectionLike, "like"},
		{CollectionRepost, "repost"},
		{CollectionFollow, "follow"},
		{CollectionBlock, "actor_block"},
		{CollectionProfile, ""},
	}
	for _, tt := range tests {
		if got := tableForKind(tt.kind); got != tt.want {
			t.Errorf("tableForKind(%v) = %q, want %q", tt.kind, got, tt.want)
		}
	}
}
