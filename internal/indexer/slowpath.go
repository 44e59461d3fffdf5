package indexer

import "log"

// SlowPathReporter logs a single line for any flush whose total phase
// time exceeds the configured threshold (spec.md §4.5, §8 S6), the Go
// rendering of the Rust original's
// `tracing::warn!("SLOW {batcher} bulk: …")` calls in
// _examples/original_source/rsky-wintermute/src/indexer/bulk.rs,
// carried over to the teacher's plain log.Printf idiom (SPEC_FULL.md §10)
// instead of introducing a structured logging dependency.
type SlowPathReporter struct {
	ThresholdMS int64
}

// NewSlowPathReporter builds a reporter with the given threshold in
// milliseconds; 0 or negative uses the spec default of 100ms.
func NewSlowPathReporter(thresholdMS int64) *SlowPathReporter {
	if thresholdMS <= 0 {
		thresholdMS = 100
	}
	return &SlowPathReporter{ThresholdMS: thresholdMS}
}

// Report logs report if its total exceeds the threshold. Below
// threshold, it is silently dropped — the slow path is diagnostic,
// not an audit trail.
func (r *SlowPathReporter) Report(batcherName string, report PhaseReport) {
	if report.Total.Milliseconds() <= r.ThresholdMS {
		return
	}
	log.Printf("SLOW %s bulk: %dms total (%s)", batcherName, report.Total.Milliseconds(), report.Detail)
}
