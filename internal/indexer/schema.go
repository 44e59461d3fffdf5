package indexer

// IndexSchema contains the SQL statements for the indexer's own
// database: the read model the bulk loader writes into. Column names
// are quoted camelCase where the bulk loader's merge SQL in
// internal/indexer/bulk references them that way (record."indexedAt",
// post."createdAt", ...), matching
// _examples/original_source/rsky-wintermute/src/indexer/bulk.rs's own
// column naming, carried over unchanged since that's the contract the
// bulk loader's SQL is written against.
//
// The only foreign key is profile_agg.did -> actor(did); no other
// constraint binds these tables to each other — the dispatcher's
// single-task ordering (spec.md §4.2, §5) is what keeps an actor row
// ahead of the rows that reference it, not the database.
const IndexSchema = `
-- actor: every DID referenced by any indexed record, ensured to exist
-- before the record is merged. indexedAt is a fixed sentinel
-- (1970-01-01T00:00:00Z) stamped on first reference, never updated —
-- it marks "this DID has been seen", not a real indexing time.
CREATE TABLE IF NOT EXISTS actor (
    did        text PRIMARY KEY,
    "indexedAt" text NOT NULL
);

-- record: the canonical json serialization of every indexed record,
-- keyed by its AT-URI. rev is the repo commit revision the record was
-- last written at; a merge only overwrites a row whose rev is not
-- newer than the incoming one (spec.md §8 I-REV).
CREATE TABLE IF NOT EXISTS record (
    uri         text PRIMARY KEY,
    cid         text NOT NULL,
    did         text NOT NULL,
    json        text,
    rev         text NOT NULL,
    "indexedAt" text NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_record_did ON record(did);

-- post: app.bsky.feed.post records. text is NOT NULL; an empty post
-- body is a legitimate empty string, not an absent value, so this
-- table's bulk loader never uses a NULL sentinel for text.
CREATE TABLE IF NOT EXISTS post (
    uri         text PRIMARY KEY,
    cid         text NOT NULL,
    creator     text NOT NULL,
    text        text NOT NULL,
    "createdAt" text NOT NULL,
    "indexedAt" text NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_post_creator ON post(creator);

-- like: app.bsky.feed.like records, one per liked subject record.
CREATE TABLE IF NOT EXISTS "like" (
    uri          text PRIMARY KEY,
    cid          text NOT NULL,
    creator      text NOT NULL,
    subject      text NOT NULL,
    "subjectCid" text NOT NULL,
    "createdAt"  text NOT NULL,
    "indexedAt"  text NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_like_creator ON "like"(creator);
CREATE INDEX IF NOT EXISTS idx_like_subject ON "like"(subject);

-- repost: app.bsky.feed.repost records, structurally identical to like.
CREATE TABLE IF NOT EXISTS repost (
    uri          text PRIMARY KEY,
    cid          text NOT NULL,
    creator      text NOT NULL,
    subject      text NOT NULL,
    "subjectCid" text NOT NULL,
    "createdAt"  text NOT NULL,
    "indexedAt"  text NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_repost_creator ON repost(creator);
CREATE INDEX IF NOT EXISTS idx_repost_subject ON repost(subject);

-- follow: app.bsky.graph.follow records. Drives both followsCount
-- (by creator) and followersCount (by subjectDid) on profile_agg.
CREATE TABLE IF NOT EXISTS follow (
    uri           text PRIMARY KEY,
    cid           text NOT NULL,
    creator       text NOT NULL,
    "subjectDid"  text NOT NULL,
    "createdAt"   text NOT NULL,
    "indexedAt"   text NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_follow_creator ON follow(creator);
CREATE INDEX IF NOT EXISTS idx_follow_subject ON follow("subjectDid");

-- actor_block: app.bsky.graph.block records.
CREATE TABLE IF NOT EXISTS actor_block (
    uri          text PRIMARY KEY,
    cid          text NOT NULL,
    creator      text NOT NULL,
    "subjectDid" text NOT NULL,
    "createdAt"  text NOT NULL,
    "indexedAt"  text NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_actor_block_creator ON actor_block(creator);

-- feed_item: denormalized feed surface, one row per post or repost
-- that should appear in a timeline. sortAt decides feed order and is
-- computed by SortAtPolicy (spec.md §9, SPEC_FULL.md §13).
CREATE TABLE IF NOT EXISTS feed_item (
    type             text NOT NULL,
    uri              text PRIMARY KEY,
    cid              text NOT NULL,
    "postUri"        text NOT NULL,
    "originatorDid"  text NOT NULL,
    "sortAt"         text NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_feed_item_sort_at ON feed_item("sortAt" DESC);
CREATE INDEX IF NOT EXISTS idx_feed_item_post_uri ON feed_item("postUri");

-- post_embed_image: up to four images per post, position preserves
-- source-record order.
CREATE TABLE IF NOT EXISTS post_embed_image (
    "postUri"  text NOT NULL,
    position   int NOT NULL,
    "imageCid" text NOT NULL,
    alt        text NOT NULL,
    PRIMARY KEY ("postUri", position)
);

-- post_embed_video: at most one video per post. alt is nullable —
-- absence of alt text and empty alt text are distinct, both legal.
CREATE TABLE IF NOT EXISTS post_embed_video (
    "postUri"  text PRIMARY KEY,
    "videoCid" text NOT NULL,
    alt        text
);

-- profile_agg: denormalized per-actor counters, recomputed only for
-- the DIDs touched by the batch that triggered the recompute (spec.md
-- §4.4) — never a full-table scan.
CREATE TABLE IF NOT EXISTS profile_agg (
    did              text PRIMARY KEY REFERENCES actor(did) ON DELETE CASCADE,
    "postsCount"     bigint NOT NULL DEFAULT 0,
    "followsCount"   bigint NOT NULL DEFAULT 0,
    "followersCount" bigint NOT NULL DEFAULT 0
);
`
