package indexer

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/blacksky-algorithms/wintermute/internal/repo"
)

// Decode turns one wire-level repository operation into the tagged
// Decoded shape the dispatcher routes to a batcher, or reports that
// the op should be skipped (unrecognized collection) or is malformed
// (record payload doesn't decode, or a required field is the wrong
// shape). A delete op in a recognized collection never returns an
// error: deletes carry no record body to decode.
//
// Grounded on internal/repo/record.go's DecodeRecord (atproto/data's
// DAG-CBOR unmarshal) and internal/repo/repo.go's GetRecord, which
// extracts typed fields from the same atproto data map this function
// walks.
func Decode(stats *Stats, op RawOp) (*Decoded, error) {
	kind, ok := recognizedCollection(op.Collection)
	if !ok {
		stats.addSkipped()
		return nil, ErrSkip
	}

	uri := op.URI()
	indexedAt := op.CommitIndexedAt.UTC().Format(time.RFC3339)

	if op.Op == OpDelete {
		return &Decoded{
			Kind:      kind,
			URI:       uri,
			DID:       op.DID,
			Rev:       op.CommitRev,
			IndexedAt: indexedAt,
		}, nil
	}

	fields, err := repo.DecodeRecord(op.Record)
	if err != nil {
		stats.addMalformed()
		return nil, fmt.Errorf("%w: decode %s: %v", ErrMalformed, uri, err)
	}

	canonicalJSON, err := json.Marshal(fields)
	if err != nil {
		stats.addMalformed()
		return nil, fmt.Errorf("%w: canonicalize %s: %v", ErrMalformed, uri, err)
	}

	d := &Decoded{
		Kind:      kind,
		URI:       uri,
		CID:       op.CID,
		DID:       op.DID,
		Rev:       op.CommitRev,
		IndexedAt: indexedAt,
		JSON:      string(canonicalJSON),
	}

	switch kind {
	case CollectionPost:
		d.Post = decodePostFields(stats, fields, indexedAt)
	case CollectionLike:
		d.Like = decodeSubjectFields(fields, indexedAt)
	case CollectionRepost:
		d.Repost = decodeSubjectFields(fields, indexedAt)
	case CollectionFollow:
		d.Follow = decodeSubjectDIDFields(fields, indexedAt)
	case CollectionBlock:
		d.Block = decodeSubjectDIDFields(fields, indexedAt)
	case CollectionProfile:
		// No per-collection fields: a profile record only ever updates
		// the actor row's existence, never profile_agg counters (those
		// are derived from post/follow activity, not profile content).
	}

	return d, nil
}

func recognizedCollection(nsid string) (CollectionKind, bool) {
	switch CollectionKind(nsid) {
	case CollectionPost, CollectionLike, CollectionRepost, CollectionFollow, CollectionBlock, CollectionProfile:
		return CollectionKind(nsid), true
	default:
		return "", false
	}
}

// createdAtOrFallback returns the record's own createdAt string if
// present and well-formed, otherwise falls back to the commit's own
// indexed_at timestamp. The substitution is not counted in Stats and
// the record carries no mark of it — mirroring the
// createdAt-missing-or-malformed handling in
// _examples/other_examples/e8fcadeb_BrettM86-coves__internal-atproto-jetstream-comment_consumer.go.go's
// time.Parse-with-fallback pattern (spec.md §4.1).
func createdAtOrFallback(fields map[string]any, fallback string) string {
	raw, ok := fields["createdAt"].(string)
	if !ok || raw == "" {
		return fallback
	}
	if _, err := time.Parse(time.RFC3339, raw); err != nil {
		return fallback
	}
	return raw
}

func decodePostFields(stats *Stats, fields map[string]any, indexedAt string) *PostFields {
	text, _ := fields["text"].(string)
	if n := len([]rune(text)); n > maxPostRunes {
		r := []rune(text)
		text = string(r[:maxPostRunes])
		stats.addTruncated()
	}

	pf := &PostFields{
		Text:      text,
		CreatedAt: createdAtOrFallback(fields, indexedAt),
	}

	embed, _ := fields["embed"].(map[string]any)
	if embed == nil {
		return pf
	}

	switch embedType(embed) {
	case "app.bsky.embed.images":
		items, _ := embed["images"].([]any)
		for i, raw := range items {
			item, _ := raw.(map[string]any)
			if item == nil {
				continue
			}
			alt, _ := item["alt"].(string)
			pf.Images = append(pf.Images, ImageEmbed{
				Position: i,
				CID:      blobCID(item["image"]),
				Alt:      alt,
			})
		}
	case "app.bsky.embed.video":
		video, _ := embed["video"]
		cid := blobCID(video)
		if cid == "" {
			break
		}
		ve := &VideoEmbed{CID: cid}
		if alt, ok := embed["alt"].(string); ok {
			ve.Alt = &alt
		}
		pf.Video = ve
	}

	return pf
}

func embedType(embed map[string]any) string {
	t, _ := embed["$type"].(string)
	return t
}

// blobCID extracts the CID string from an atproto blob reference as
// produced by data.UnmarshalCBOR: {"$type":"blob","ref":{"$link":"..."},...}.
func blobCID(v any) string {
	blob, ok := v.(map[string]any)
	if !ok {
		return ""
	}
	ref, ok := blob["ref"].(map[string]any)
	if !ok {
		return ""
	}
	link, _ := ref["$link"].(string)
	return link
}

func decodeSubjectFields(fields map[string]any, indexedAt string) *SubjectFields {
	sf := &SubjectFields{CreatedAt: createdAtOrFallback(fields, indexedAt)}
	subject, _ := fields["subject"].(map[string]any)
	if subject != nil {
		sf.SubjectURI, _ = subject["uri"].(string)
		sf.SubjectCID, _ = subject["cid"].(string)
	}
	return sf
}

func decodeSubjectDIDFields(fields map[string]any, indexedAt string) *SubjectDIDFields {
	sf := &SubjectDIDFields{CreatedAt: createdAtOrFallback(fields, indexedAt)}
	if subject, ok := fields["subject"].(string); ok {
		sf.SubjectDID = strings.TrimSpace(subject)
	}
	return sf
}
