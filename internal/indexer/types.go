// Package indexer implements the bulk-ingest pipeline that consumes the
// AT Protocol firehose and materializes a queryable view in PostgreSQL:
// decode -> dispatch -> per-collection batch -> bulk COPY/merge load.
package indexer

import (
	"errors"
	"sync/atomic"
	"time"
)

// OpKind is the kind of mutation a firehose operation describes.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// CollectionKind identifies one of the canonical collections the decoder
// recognizes. Unknown collections are not an error — see ErrSkip.
type CollectionKind string

const (
	CollectionPost    CollectionKind = "app.bsky.feed.post"
	CollectionLike    CollectionKind = "app.bsky.feed.like"
	CollectionRepost  CollectionKind = "app.bsky.feed.repost"
	CollectionFollow  CollectionKind = "app.bsky.graph.follow"
	CollectionBlock   CollectionKind = "app.bsky.graph.block"
	CollectionProfile CollectionKind = "app.bsky.actor.profile"
)

// ErrSkip indicates a collection the decoder does not index. It is not
// a failure — the dispatcher must not count or log it as malformed.
var ErrSkip = errors.New("indexer: collection not indexed")

// ErrMalformed indicates a record payload that failed to decode. Wrap it
// with fmt.Errorf("%w: ...", ErrMalformed, cause) for detail.
var ErrMalformed = errors.New("indexer: malformed record")

// ErrFatal indicates a database error that survived retry and must halt
// ingest (spec §4.6, §7).
var ErrFatal = errors.New("indexer: fatal database error")

// maxPostRunes bounds post text length (spec §4.1). Over-length text is
// truncated, never rejected.
const maxPostRunes = 3000

// sentinelIndexedAt is the timestamp stamped on an actor row created by
// first reference (spec §3).
const sentinelIndexedAt = "1970-01-01T00:00:00Z"

// RawOp is one decoded-from-the-wire repository mutation as handed to
// the decoder: a single create/update/delete against a collection+rkey.
type RawOp struct {
	DID             string
	Collection      string
	RKey            string
	Op              OpKind
	CID             string // empty for delete
	Record          []byte // raw DAG-CBOR bytes; nil for delete
	CommitRev       string
	CommitIndexedAt time.Time
}

// URI returns the canonical AT-URI for this operation.
func (r RawOp) URI() string {
	return "at://" + r.DID + "/" + r.Collection + "/" + r.RKey
}

// ImageEmbed is one entry of a post's image embed array (spec §3).
type ImageEmbed struct {
	Position int
	CID      string
	Alt      string
}

// VideoEmbed is a post's optional video embed (spec §3). Alt is nil when
// the source record omitted it (stored as SQL NULL, not empty string).
type VideoEmbed struct {
	CID string
	Alt *string
}

// PostFields carries the post-specific fields of a decoded record.
type PostFields struct {
	Text      string
	CreatedAt string
	Images    []ImageEmbed
	Video     *VideoEmbed
}

// SubjectFields carries the fields shared by like/repost records, which
// point at another record by URI+CID.
type SubjectFields struct {
	CreatedAt  string
	SubjectURI string
	SubjectCID string
}

// SubjectDIDFields carries the fields shared by follow/block records,
// which point at another actor by DID.
type SubjectDIDFields struct {
	CreatedAt  string
	SubjectDID string
}

// Decoded is the tagged variant the decoder produces for one recognized
// collection record (spec §4.1). At most one of the Kind-specific
// pointer fields is populated, matching Kind; a delete op or a profile
// record populates none.
type Decoded struct {
	Kind      CollectionKind
	URI       string
	CID       string
	DID       string // creator
	Rev       string
	IndexedAt string // RFC3339, commit's indexed_at unless overridden
	JSON      string // canonical serialization for the record table

	Post   *PostFields
	Like   *SubjectFields
	Repost *SubjectFields
	Follow *SubjectDIDFields
	Block  *SubjectDIDFields
}

// Stats accumulates the counted-but-not-fatal outcomes described in
// spec §4.1 and §7: malformed records, truncated text, skipped
// collections. Safe for concurrent use.
type Stats struct {
	Malformed uint64
	Truncated uint64
	Skipped   uint64
}

func (s *Stats) addMalformed() { atomic.AddUint64(&s.Malformed, 1) }
func (s *Stats) addTruncated() { atomic.AddUint64(&s.Truncated, 1) }
func (s *Stats) addSkipped()   { atomic.AddUint64(&s.Skipped, 1) }

// Snapshot returns a point-in-time copy of the counters.
func (s *Stats) Snapshot() Stats {
	return Stats{
		Malformed: atomic.LoadUint64(&s.Malformed),
		Truncated: atomic.LoadUint64(&s.Truncated),
		Skipped:   atomic.LoadUint64(&s.Skipped),
	}
}

// SortAtPolicy computes feed_item.sort_at from a post's createdAt and
// indexedAt (spec §9: kept pluggable, current policy is min of the two).
type SortAtPolicy func(createdAt, indexedAt string) string

// MinSortAt is the default SortAtPolicy: the lexicographically smaller
// of the two RFC3339 timestamps, which for same-format strings is also
// the chronologically earlier one.
func MinSortAt(createdAt, indexedAt string) string {
	if createdAt == "" {
		return indexedAt
	}
	if indexedAt == "" {
		return createdAt
	}
	if createdAt < indexedAt {
		return createdAt
	}
	return indexedAt
}
