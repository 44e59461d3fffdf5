package indexer

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/blacksky-algorithms/wintermute/internal/indexer/bulk"
)

// BatcherConfig is the per-collection BatchSize/FlushInterval pair,
// sourced from internal/config's indexer fields (SPEC_FULL.md §10).
type BatcherConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	QueueCapacity int
}

// PipelineConfig is everything Pipeline needs to build its batchers
// and dispatcher. Each collection gets its own BatcherConfig so a hot
// collection (posts) can run a larger batch than a quiet one (blocks).
type PipelineConfig struct {
	Actor      BatcherConfig
	Record     BatcherConfig
	Post       BatcherConfig
	Like       BatcherConfig
	Repost     BatcherConfig
	Follow     BatcherConfig
	Block      BatcherConfig
	FeedItem   BatcherConfig
	EmbedImage BatcherConfig
	EmbedVideo BatcherConfig
	Delete     BatcherConfig

	SlowFlushMS int64
}

// Pipeline wires the dispatcher and every batcher together and
// supervises them under one errgroup (SPEC_FULL.md §11): one task per
// batcher plus the dispatcher task, sharing a context so that any
// fatal error cancels every other task (spec.md §5, §7).
type Pipeline struct {
	Dispatcher *Dispatcher
	batchers   []runnable
}

type runnable interface {
	Run(ctx context.Context) error
}

// NewPipeline constructs every batcher against pool, wires them into a
// Dispatcher, and returns a Pipeline ready to Run.
func NewPipeline(pool *pgxpool.Pool, cfg PipelineConfig) *Pipeline {
	reporter := NewSlowPathReporter(cfg.SlowFlushMS)

	actors := NewBatcher(
		"actor", cfg.Actor.BatchSize, cfg.Actor.FlushInterval,
		func(ctx context.Context, batch []string) (PhaseReport, error) {
			phases, err := bulk.EnsureActors(ctx, pool, batch)
			return phaseReport("actor", phases), err
		},
		reporter, cfg.Actor.QueueCapacity,
	)

	records := NewBatcher(
		"record", cfg.Record.BatchSize, cfg.Record.FlushInterval,
		func(ctx context.Context, batch []bulk.RecordRow) (PhaseReport, error) {
			_, phases, err := bulk.InsertRecords(ctx, pool, batch)
			return phaseReport("record", phases), err
		},
		reporter, cfg.Record.QueueCapacity,
	)

	posts := NewBatcher(
		"post", cfg.Post.BatchSize, cfg.Post.FlushInterval,
		func(ctx context.Context, batch []bulk.PostRow) (PhaseReport, error) {
			phases, err := bulk.InsertPosts(ctx, pool, batch)
			return phaseReport("post", phases), err
		},
		reporter, cfg.Post.QueueCapacity,
	)

	likes := NewBatcher(
		"like", cfg.Like.BatchSize, cfg.Like.FlushInterval,
		func(ctx context.Context, batch []bulk.LikeRow) (PhaseReport, error) {
			phases, err := bulk.InsertLikes(ctx, pool, batch)
			return phaseReport("like", phases), err
		},
		reporter, cfg.Like.QueueCapacity,
	)

	reposts := NewBatcher(
		"repost", cfg.Repost.BatchSize, cfg.Repost.FlushInterval,
		func(ctx context.Context, batch []bulk.RepostRow) (PhaseReport, error) {
			phases, err := bulk.InsertReposts(ctx, pool, batch)
			return phaseReport("repost", phases), err
		},
		reporter, cfg.Repost.QueueCapacity,
	)

	follows := NewBatcher(
		"follow", cfg.Follow.BatchSize, cfg.Follow.FlushInterval,
		func(ctx context.Context, batch []bulk.FollowRow) (PhaseReport, error) {
			phases, err := bulk.InsertFollows(ctx, pool, batch)
			return phaseReport("follow", phases), err
		},
		reporter, cfg.Follow.QueueCapacity,
	)

	blocks := NewBatcher(
		"block", cfg.Block.BatchSize, cfg.Block.FlushInterval,
		func(ctx context.Context, batch []bulk.BlockRow) (PhaseReport, error) {
			phases, err := bulk.InsertBlocks(ctx, pool, batch)
			return phaseReport("block", phases), err
		},
		reporter, cfg.Block.QueueCapacity,
	)

	feedItems := NewBatcher(
		"feed_item", cfg.FeedItem.BatchSize, cfg.FeedItem.FlushInterval,
		func(ctx context.Context, batch []bulk.FeedItemRow) (PhaseReport, error) {
			phases, err := bulk.InsertFeedItems(ctx, pool, batch)
			return phaseReport("feed_item", phases), err
		},
		reporter, cfg.FeedItem.QueueCapacity,
	)

	embedImages := NewBatcher(
		"post_embed_image", cfg.EmbedImage.BatchSize, cfg.EmbedImage.FlushInterval,
		func(ctx context.Context, batch []bulk.PostEmbedImageRow) (PhaseReport, error) {
			phases, err := bulk.InsertPostEmbedImages(ctx, pool, batch)
			return phaseReport("post_embed_image", phases), err
		},
		reporter, cfg.EmbedImage.QueueCapacity,
	)

	embedVideos := NewBatcher(
		"post_embed_video", cfg.EmbedVideo.BatchSize, cfg.EmbedVideo.FlushInterval,
		func(ctx context.Context, batch []bulk.PostEmbedVideoRow) (PhaseReport, error) {
			phases, err := bulk.InsertPostEmbedVideos(ctx, pool, batch)
			return phaseReport("post_embed_video", phases), err
		},
		reporter, cfg.EmbedVideo.QueueCapacity,
	)

	deletes := NewBatcher(
		"delete", cfg.Delete.BatchSize, cfg.Delete.FlushInterval,
		func(ctx context.Context, batch []bulk.DeleteRow) (PhaseReport, error) {
			phases, err := bulk.DeleteRecords(ctx, pool, batch)
			return phaseReport("delete", phases), err
		},
		reporter, cfg.Delete.QueueCapacity,
	)

	batchers := Batchers{
		Actors: actors, Records: records, Posts: posts, Likes: likes,
		Reposts: reposts, Follows: follows, Blocks: blocks, FeedItems: feedItems,
		EmbedImages: embedImages, EmbedVideos: embedVideos, Deletes: deletes,
	}

	return &Pipeline{
		Dispatcher: NewDispatcher(batchers),
		batchers: []runnable{
			actors, records, posts, likes, reposts, follows, blocks,
			feedItems, embedImages, embedVideos, deletes,
		},
	}
}

func phaseReport(name string, p bulk.Phases) PhaseReport {
	return PhaseReport{
		Name:  name,
		Total: p.Total(),
		Detail: fmt.Sprintf("setup=%s copy=%s merge=%s agg=%s rows=%d",
			p.Setup, p.Copy, p.Merge, p.Agg, p.Rows),
	}
}

// Run starts the dispatcher's host loop (supplied by the caller via
// ops) plus every batcher under one errgroup: if any task returns a
// non-nil error, the group's context is canceled and Run waits for
// every other task to unwind before returning that error (spec.md §5,
// §7 — a fatal error in one batcher must stop the whole pipeline
// rather than silently losing ingest elsewhere).
func (p *Pipeline) Run(ctx context.Context, ops <-chan RawOp) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, b := range p.batchers {
		b := b
		g.Go(func() error { return b.Run(ctx) })
	}

	g.Go(func() error {
		for {
			select {
			case op, ok := <-ops:
				if !ok {
					return nil
				}
				if err := p.Dispatcher.Dispatch(ctx, op); err != nil {
					return fmt.Errorf("indexer: pipeline dispatch: %w", err)
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	return g.Wait()
}
