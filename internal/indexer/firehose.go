package indexer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	atproto "github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/events"
	"github.com/gorilla/websocket"
	cid "github.com/ipfs/go-cid"
	"github.com/ipld/go-car"
)

// FirehoseClient dials a com.atproto.sync.subscribeRepos endpoint and
// turns each commit frame into a stream of RawOp values, one per
// repository operation in the commit. This is the consumer side of
// the wire protocol internal/events/persistence.go's encodeFrame
// produces (SPEC_FULL.md §11): the same EventHeader + commit CBOR
// layout, read back instead of written.
type FirehoseClient struct {
	URL string
}

// NewFirehoseClient builds a client for the given wss:// endpoint.
func NewFirehoseClient(url string) *FirehoseClient {
	return &FirehoseClient{URL: url}
}

// Run dials the firehose and pushes one RawOp per repository operation
// onto ops until ctx is canceled or the connection drops. The caller
// is expected to retry Run for reconnection; this method does not
// loop internally, matching spec.md §6's description of the firehose
// client as a single subscription session per call.
func (c *FirehoseClient) Run(ctx context.Context, ops chan<- RawOp) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.URL, nil)
	if err != nil {
		return fmt.Errorf("indexer: dial firehose: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("indexer: read firehose frame: %w", err)
		}

		if err := decodeFrame(ctx, payload, ops); err != nil {
			return fmt.Errorf("indexer: decode firehose frame: %w", err)
		}
	}
}

// decodeFrame reads one wire frame (EventHeader + commit) and emits a
// RawOp per operation the commit carries. Frames whose header isn't a
// #commit message are ignored (spec.md's scope is repo commits, not
// identity or account events).
func decodeFrame(ctx context.Context, payload []byte, ops chan<- RawOp) error {
	r := bytes.NewReader(payload)

	var header events.EventHeader
	if err := header.UnmarshalCBOR(r); err != nil {
		return fmt.Errorf("unmarshal event header: %w", err)
	}
	if header.Op != events.EvtKindMessage || header.MsgType != "#commit" {
		return nil
	}

	var commit atproto.SyncSubscribeRepos_Commit
	if err := commit.UnmarshalCBOR(r); err != nil {
		return fmt.Errorf("unmarshal commit: %w", err)
	}

	indexedAt, err := time.Parse(time.RFC3339, commit.Time)
	if err != nil {
		indexedAt = time.Now().UTC()
	}

	blocks, err := readCARBlocks([]byte(commit.Blocks))
	if err != nil {
		return fmt.Errorf("read commit blocks CAR: %w", err)
	}

	for _, op := range commit.Ops {
		collection, rkey, ok := splitPath(op.Path)
		if !ok {
			continue
		}

		raw := RawOp{
			DID:             commit.Repo,
			Collection:      collection,
			RKey:            rkey,
			CommitRev:       commit.Rev,
			CommitIndexedAt: indexedAt,
		}

		switch op.Action {
		case "create":
			raw.Op = OpCreate
		case "update":
			raw.Op = OpUpdate
		case "delete":
			raw.Op = OpDelete
		default:
			continue
		}

		if op.Cid != nil {
			raw.CID = cid.Cid(*op.Cid).String()
			raw.Record = blocks[raw.CID]
		}

		select {
		case ops <- raw:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

func splitPath(path string) (collection, rkey string, ok bool) {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return "", "", false
	}
	return path[:i], path[i+1:], true
}

// readCARBlocks decodes a CAR v1 byte slice (the commit's diff blocks)
// into a map keyed by CID string, the inverse of
// internal/repo/blockstore.go's ExportCAR/ExportDiffCAR write path,
// built directly on ipld/go-car's reader since the teacher only ever
// writes CAR files, never reads them back (SPEC_FULL.md §11).
func readCARBlocks(data []byte) (map[string][]byte, error) {
	cr, err := car.NewCarReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("new car reader: %w", err)
	}

	blocks := make(map[string][]byte)
	for {
		blk, err := cr.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("read car block: %w", err)
		}
		blocks[blk.Cid().String()] = blk.RawData()
	}
	return blocks, nil
}
