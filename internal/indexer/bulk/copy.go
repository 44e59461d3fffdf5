// Package bulk implements the bulk-load phase of the indexer pipeline:
// streaming Postgres COPY into per-connection temp staging tables,
// followed by a conflict-aware merge into the durable tables and, for
// a handful of collections, a conditional aggregate recompute.
package bulk

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// slowThreshold is the phase-total above which a flush is reported by
// the slow-path reporter (spec.md §4.5).
const slowThreshold = 100 * time.Millisecond

// Phases records the wall-clock cost of each phase of one bulk load, so
// callers can report totals above slowThreshold without re-timing.
type Phases struct {
	Setup time.Duration
	Copy  time.Duration
	Merge time.Duration
	Agg   time.Duration
	Rows  int
}

// Total is the sum of every phase this load ran.
func (p Phases) Total() time.Duration {
	return p.Setup + p.Copy + p.Merge + p.Agg
}

// Slow reports whether this load's total exceeded the slow-path
// threshold (spec.md §4.5, §8 S6).
func (p Phases) Slow() bool {
	return p.Total() > slowThreshold
}

// EscapeLossless applies PostgreSQL COPY text-format escaping without
// losing information: backslash first (so later substitutions aren't
// double-escaped), then tab, newline, and carriage return. Used for the
// record table's json column, where round-tripping to the original is
// required (spec.md §4.4, §9).
func EscapeLossless(s string) string {
	if !strings.ContainsAny(s, "\\\t\n\r") {
		return s
	}
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "\t", `\t`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	s = strings.ReplaceAll(s, "\r", `\r`)
	return s
}

// EscapeLossy substitutes tabs, newlines, and carriage returns with a
// single space. Used for free-text columns where display text needn't
// round-trip exactly (post text, embed alt text) — spec.md §9 notes
// this is a deliberate divergence from the lossless rule above.
func EscapeLossy(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\t', '\n', '\r':
			return ' '
		default:
			return r
		}
	}, s)
}

// rowWriter accumulates tab-separated COPY rows into a buffer, the Go
// analogue of the Rust original's `writeln!` into a growable Vec<u8>.
type rowWriter struct {
	buf bytes.Buffer
}

func newRowWriter(rows, avgRowLen int) *rowWriter {
	w := &rowWriter{}
	w.buf.Grow(rows * avgRowLen)
	return w
}

// row writes one tab-delimited COPY line from already-escaped fields.
func (w *rowWriter) row(fields ...string) {
	for i, f := range fields {
		if i > 0 {
			w.buf.WriteByte('\t')
		}
		w.buf.WriteString(f)
	}
	w.buf.WriteByte('\n')
}

// acquireConn checks out one pooled connection for the whole
// setup->copy->merge->agg sequence. The _bulk_* staging tables created
// by runCopy are session-scoped temp tables: every later statement in
// the sequence must run on this same connection, or the merge/agg
// steps see an empty or nonexistent staging table (spec.md §4.4).
func acquireConn(ctx context.Context, pool *pgxpool.Pool) (*pgxpool.Conn, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("bulk: acquire connection: %w", err)
	}
	return conn, nil
}

// runCopy creates the staging table if needed, truncates it, and
// streams rows in via the raw COPY protocol, all on conn. setupSQL may
// be a semicolon-joined batch; it runs through conn.Exec verbatim.
//
// The streaming copy uses pgx's low-level PgConn.CopyFrom rather than
// the pool's convenience CopyFrom, because the indexer needs the exact
// text-format COPY statement (with its NULL clause varying per table)
// that the original bulk loader issues — see
// _examples/original_source/rsky-wintermute/src/indexer/bulk.rs.
func runCopy(ctx context.Context, conn *pgxpool.Conn, setupSQL, copySQL string, data io.Reader) (setup, cp time.Duration, err error) {
	setupStart := time.Now()
	if _, err := conn.Exec(ctx, setupSQL); err != nil {
		return 0, 0, fmt.Errorf("bulk: staging table setup: %w", err)
	}
	setup = time.Since(setupStart)

	copyStart := time.Now()
	tag, err := conn.Conn().PgConn().CopyFrom(ctx, data, copySQL)
	if err != nil {
		return setup, 0, fmt.Errorf("bulk: copy into staging table: %w", err)
	}
	_ = tag
	cp = time.Since(copyStart)
	return setup, cp, nil
}

// runMerge times the INSERT ... ON CONFLICT step that moves rows from
// a staging table into its durable table, on the same conn runCopy
// staged the rows on.
func runMerge(ctx context.Context, conn *pgxpool.Conn, sql string) (time.Duration, error) {
	start := time.Now()
	if _, err := conn.Exec(ctx, sql); err != nil {
		return 0, fmt.Errorf("bulk: merge: %w", err)
	}
	return time.Since(start), nil
}

// runMergeReturningURIs is runMerge's variant for the record table,
// whose merge is rev-guarded and reports which URIs were actually
// applied (spec.md §4.4: stale rows lose the race and are not applied).
func runMergeReturningURIs(ctx context.Context, conn *pgxpool.Conn, sql string) ([]string, time.Duration, error) {
	start := time.Now()
	rows, err := conn.Query(ctx, sql)
	if err != nil {
		return nil, 0, fmt.Errorf("bulk: merge: %w", err)
	}
	defer rows.Close()

	var applied []string
	for rows.Next() {
		var uri string
		if err := rows.Scan(&uri); err != nil {
			return nil, 0, fmt.Errorf("bulk: merge: scan: %w", err)
		}
		applied = append(applied, uri)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("bulk: merge: %w", err)
	}
	return applied, time.Since(start), nil
}

// runAgg times one aggregate-recompute statement (profile_agg upserts
// scoped to the DIDs touched by the just-flushed batch), on the same
// conn the rest of the sequence ran on.
func runAgg(ctx context.Context, conn *pgxpool.Conn, sql string) (time.Duration, error) {
	start := time.Now()
	if _, err := conn.Exec(ctx, sql); err != nil {
		return 0, fmt.Errorf("bulk: aggregate recompute: %w", err)
	}
	return time.Since(start), nil
}
