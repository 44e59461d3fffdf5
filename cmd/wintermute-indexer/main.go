// wintermute-indexer subscribes to a com.atproto.sync.subscribeRepos
// firehose and bulk-loads every repository operation it sees into a
// dedicated read-model database.
//
// It reads configuration from db.json in the working directory,
// connects to the indexer's PostgreSQL database, bootstraps the index
// schema, and runs the decode -> dispatch -> batch -> bulk-copy
// pipeline until interrupted.
//
// Usage:
//
//	./wintermute-indexer       # reads ./db.json, starts the pipeline
//	docker compose up -d       # runs via Docker with mounted config
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/blacksky-algorithms/wintermute/internal/config"
	"github.com/blacksky-algorithms/wintermute/internal/database"
	"github.com/blacksky-algorithms/wintermute/internal/indexer"
)

// defaultBatcher is the fallback BatcherConfig for any collection
// absent from config.Batchers.
var defaultBatcher = indexer.BatcherConfig{
	BatchSize:     200,
	FlushInterval: 500 * time.Millisecond,
	QueueCapacity: 2000,
}

func batcherConfig(cfg *config.Config, name string) indexer.BatcherConfig {
	settings, ok := cfg.Batchers[name]
	if !ok {
		return defaultBatcher
	}

	bc := defaultBatcher
	if settings.BatchSize > 0 {
		bc.BatchSize = settings.BatchSize
		bc.QueueCapacity = settings.BatchSize * 10
	}
	if settings.FlushIntervalMS > 0 {
		bc.FlushInterval = time.Duration(settings.FlushIntervalMS) * time.Millisecond
	}
	return bc
}

func pipelineConfig(cfg *config.Config) indexer.PipelineConfig {
	return indexer.PipelineConfig{
		Actor:       batcherConfig(cfg, "actor"),
		Record:      batcherConfig(cfg, "record"),
		Post:        batcherConfig(cfg, "post"),
		Like:        batcherConfig(cfg, "like"),
		Repost:      batcherConfig(cfg, "repost"),
		Follow:      batcherConfig(cfg, "follow"),
		Block:       batcherConfig(cfg, "block"),
		FeedItem:    batcherConfig(cfg, "feed_item"),
		EmbedImage:  batcherConfig(cfg, "post_embed_image"),
		EmbedVideo:  batcherConfig(cfg, "post_embed_video"),
		Delete:      batcherConfig(cfg, "delete"),
		SlowFlushMS: cfg.SlowFlushMS,
	}
}

// runFirehose keeps FirehoseClient.Run alive across disconnects, with a
// fixed backoff between reconnect attempts, until ctx is canceled
// (spec.md §6: the client itself runs one subscription session per
// call, so the reconnect loop lives here instead).
func runFirehose(ctx context.Context, client *indexer.FirehoseClient, ops chan<- indexer.RawOp) error {
	const reconnectDelay = 2 * time.Second

	for {
		err := client.Run(ctx, ops)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			log.Printf("firehose connection lost, reconnecting in %s: %v", reconnectDelay, err)
		}
		select {
		case <-time.After(reconnectDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("wintermute-indexer starting...")

	cfg, err := config.LoadIndexer("db.json")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Config loaded (firehose=%s db=%s/%s)", cfg.FirehoseURL, cfg.IndexerDBConn, cfg.IndexerDBName)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received %v, shutting down...", sig)
		cancel()
	}()

	idxDB, err := database.OpenIndex(ctx, cfg.IndexerConnString())
	if err != nil {
		log.Fatalf("Failed to connect to index database: %v", err)
	}
	defer idxDB.Close()
	log.Println("Index database connected, schema bootstrapped")

	pipeline := indexer.NewPipeline(idxDB.Pool, pipelineConfig(cfg))
	firehose := indexer.NewFirehoseClient(cfg.FirehoseURL)

	ops := make(chan indexer.RawOp, defaultBatcher.QueueCapacity)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runFirehose(gctx, firehose, ops)
	})
	g.Go(func() error {
		return pipeline.Run(gctx, ops)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.Fatalf("Pipeline error: %v", err)
	}

	log.Println("wintermute-indexer stopped")
}
