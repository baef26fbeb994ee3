// Package report builds the post-run report structure the (external)
// HTTP callback delivers to REPORT_CALLBACK_URL. The core only
// produces this structure; delivery is out of scope (spec.md §6).
//
// The richer shape here — beyond a bare pass/fail — follows
// original_source/engine/src/report/{metrics,mapping,validation}.rs,
// per SPEC_FULL.md's supplemented features.
package report

import "time"

// ItemReport summarizes one migration item's outcome.
type ItemReport struct {
	ItemID           string
	State            string
	RowsProcessed    int64
	BytesTransferred int64
	StartedAt        time.Time
	FinishedAt       time.Time
	Error            string // empty unless State is "failed" or "cancelled"
}

// ValidationSummary reports the rows an item read from the source
// during the run (SourceRowCount, before FILTER) and the rows that
// landed at the destination (DestRowCount); CountsReconcile compares
// DestRowCount with the rows FILTER kept — the closest the core gets
// to a completeness check without re-reading the destination live
// (spec.md §8, invariant 3).
type ValidationSummary struct {
	ItemID          string
	SourceRowCount  int64
	DestRowCount    int64
	CountsReconcile bool
}

// MappingSummary records the MAP target columns and LOAD tables an
// item's plan declares, with how many rows FILTER dropped and kept.
type MappingSummary struct {
	ItemID          string
	TargetColumns   []string
	LookupTables    []string
	RowsFiltered    int64
	RowsProjected   int64
}

// Report is the run-level structure the external callback delivers.
type Report struct {
	RunID       string
	PlanHash    string
	StartedAt   time.Time
	FinishedAt  time.Time
	Items       []ItemReport
	Validations []ValidationSummary
	Mappings    []MappingSummary
}

// Succeeded reports whether every item finished without failing.
func (r Report) Succeeded() bool {
	for _, it := range r.Items {
		if it.State != "finished" {
			return false
		}
	}
	return true
}

// TotalRows sums RowsProcessed across all items.
func (r Report) TotalRows() int64 {
	var total int64
	for _, it := range r.Items {
		total += it.RowsProcessed
	}
	return total
}
