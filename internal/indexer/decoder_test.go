package indexer

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/blacksky-algorithms/wintermute/internal/repo"
)

func mustEncode(t *testing.T, fields map[string]any) []byte {
	t.Helper()
	b, err := repo.EncodeRecord(fields)
	if err != nil {
		t.Fatalf("EncodeRecord: %v", err)
	}
	return b
}

func baseOp(t *testing.T, collection string, fields map[string]any) RawOp {
	t.Helper()
	return RawOp{
		DID:             "did:plc:abc123",
		Collection:      collection,
		RKey:            "rkey1",
		Op:              OpCreate,
		CID:             "bafyreitest",
		Record:          mustEncode(t, fields),
		CommitRev:       "rev1",
		CommitIndexedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestDecodeSkipsUnrecognizedCollection(t *testing.T) {
	var stats Stats
	op := baseOp(t, "app.bsky.unknown.thing", map[string]any{})

	_, err := Decode(&stats, op)
	if !errors.Is(err, ErrSkip) {
		t.Fatalf("Decode() err = %v, want ErrSkip", err)
	}
	if stats.Snapshot().Skipped != 1 {
		t.Errorf("Skipped = %d, want 1", stats.Snapshot().Skipped)
	}
}

func TestDecodePost(t *testing.T) {
	var stats Stats
	op := baseOp(t, string(CollectionPost), map[string]any{
		"text":      "hello world",
		"createdAt": "2025-06-01T12:00:00Z",
	})

	d, err := Decode(&stats, op)
	if err != nil {
		t.Fatalf("Decode() err = %v", err)
	}
	if d.Kind != CollectionPost {
		t.Fatalf("Kind = %v, want CollectionPost", d.Kind)
	}
	if d.Post == nil {
		t.Fatal("Post fields not populated")
	}
	if d.Post.Text != "hello world" {
		t.Errorf("Text = %q, want %q", d.Post.Text, "hello world")
	}
	if d.Post.CreatedAt != "2025-06-01T12:00:00Z" {
		t.Errorf("CreatedAt = %q, want record's own createdAt", d.Post.CreatedAt)
	}
	wantURI := "at://did:plc:abc123/app.bsky.feed.post/rkey1"
	if d.URI != wantURI {
		t.Errorf("URI = %q, want %q", d.URI, wantURI)
	}
}

func TestDecodePostTruncatesOverlongText(t *testing.T) {
	var stats Stats
	longText := strings.Repeat("a", maxPostRunes+500)
	op := baseOp(t, string(CollectionPost), map[string]any{
		"text":      longText,
		"createdAt": "2025-06-01T12:00:00Z",
	})

	d, err := Decode(&stats, op)
	if err != nil {
		t.Fatalf("Decode() err = %v", err)
	}
	if n := len([]rune(d.Post.Text)); n != maxPostRunes {
		t.Errorf("truncated text length = %d, want %d", n, maxPostRunes)
	}
	if stats.Snapshot().Truncated != 1 {
		t.Errorf("Truncated = %d, want 1", stats.Snapshot().Truncated)
	}
}

func TestDecodePostMissingCreatedAtFallsBackToCommitTime(t *testing.T) {
	var stats Stats
	op := baseOp(t, string(CollectionPost), map[string]any{
		"text": "no timestamp here",
	})

	d, err := Decode(&stats, op)
	if err != nil {
		t.Fatalf("Decode() err = %v", err)
	}
	if d.Post.CreatedAt != d.IndexedAt {
		t.Errorf("CreatedAt = %q, want fallback to commit indexedAt %q", d.Post.CreatedAt, d.IndexedAt)
	}
}

func TestDecodeLikeSubjectFields(t *testing.T) {
	var stats Stats
	op := baseOp(t, string(CollectionLike), map[string]any{
		"createdAt": "2025-06-01T12:00:00Z",
		"subject": map[string]any{
			"uri": "at://did:plc:other/app.bsky.feed.post/xyz",
			"cid": "bafyreisubject",
		},
	})

	d, err := Decode(&stats, op)
	if err != nil {
		t.Fatalf("Decode() err = %v", err)
	}
	if d.Like == nil {
		t.Fatal("Like fields not populated")
	}
	if d.Like.SubjectURI != "at://did:plc:other/app.bsky.feed.post/xyz" {
		t.Errorf("SubjectURI = %q", d.Like.SubjectURI)
	}
	if d.Like.SubjectCID != "bafyreisubject" {
		t.Errorf("SubjectCID = %q", d.Like.SubjectCID)
	}
}

func TestDecodeFollowSubjectDID(t *testing.T) {
	var stats Stats
	op := baseOp(t, string(CollectionFollow), map[string]any{
		"createdAt": "2025-06-01T12:00:00Z",
		"subject":   "did:plc:followed",
	})

	d, err := Decode(&stats, op)
	if err != nil {
		t.Fatalf("Decode() err = %v", err)
	}
	if d.Follow == nil || d.Follow.SubjectDID != "did:plc:followed" {
		t.Errorf("Follow.SubjectDID = %+v, want did:plc:followed", d.Follow)
	}
}

func TestDecodeDeleteHasNoRecordBody(t *testing.T) {
	var stats Stats
	op := RawOp{
		DID:             "did:plc:abc123",
		Collection:      string(CollectionPost),
		RKey:            "rkey1",
		Op:              OpDelete,
		CommitRev:       "rev2",
		CommitIndexedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	d, err := Decode(&stats, op)
	if err != nil {
		t.Fatalf("Decode() err = %v", err)
	}
	if d.Post != nil {
		t.Error("delete op should not populate Post fields")
	}
	if d.Kind != CollectionPost {
		t.Errorf("Kind = %v, want CollectionPost", d.Kind)
	}
}

func TestMinSortAt(t *testing.T) {
	tests := []struct {
		name                string
		createdAt, indexedAt string
		want                string
	}{
		{"created earlier", "2025-01-01T00:00:00Z", "2025-06-01T00:00:00Z", "2025-01-01T00:00:00Z"},
		{"indexed earlier", "2025-06-01T00:00:00Z", "2025-01-01T00:00:00Z", "2025-01-01T00:00:00Z"},
		{"createdAt empty", "", "2025-01-01T00:00:00Z", "2025-01-01T00:00:00Z"},
		{"indexedAt empty", "2025-01-01T00:00:00Z", "", "2025-01-01T00:00:00Z"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MinSortAt(tt.createdAt, tt.indexedAt); got != tt.want {
				t.Errorf("MinSortAt(%q, %q) = %q, want %q", tt.createdAt, tt.indexedAt, got, tt.want)
			}
		})
	}
}

func TestRawOpURI(t *testing.T) {
	op := RawOp{DID: "did:plc:abc", Collection: "app.bsky.feed.post", RKey: "xyz"}
	want := "at://did:plc:abc/app.bsky.feed.post/xyz"
	if got := op.URI(); got != want {
		t.Errorf("URI() = %q, want %q", got, want)
	}
}
