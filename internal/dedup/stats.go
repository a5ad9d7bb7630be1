package dedup

import "fmt"

// Stats counts what happened to the rows of a run.
type Stats struct {
	Rows              int64 `json:"rows"`
	NewProducts       int64 `json:"new_products"`
	ExistingProducts  int64 `json:"existing_products"`
	Rejected          int64 `json:"rejected"`
	Degenerate        int64 `json:"identifier_degenerate"`
	SnapshotsInserted int64 `json:"snapshots_inserted"`
	SnapshotsUpdated  int64 `json:"snapshots_updated"`
	SnapshotsSkipped  int64 `json:"snapshots_skipped"`
	PriceInversions   int64 `json:"price_inversions"`
	Errored           int64 `json:"errored"`
	BatchesRetried    int64 `json:"batches_retried"`
	BatchesFailed     int64 `json:"batches_failed"`
}

// Add counts one outcome.
func (s *Stats) Add(o Outcome) {
	s.Rows++
	switch o.Kind {
	case NewProduct:
		s.NewProducts++
	case ExistingProduct:
		s.ExistingProducts++
	case Rejected:
		s.Rejected++
		return
	}
	if o.Degenerate {
		s.Degenerate++
	}
	if o.PriceInverted {
		s.PriceInversions++
	}
	switch o.Snapshot {
	case Inserted:
		s.SnapshotsInserted++
	case Updated:
		s.SnapshotsUpdated++
	case Skipped:
		s.SnapshotsSkipped++
	}
}

func (s *Stats) Merge(o Stats) {
	s.Rows += o.Rows
	s.NewProducts += o.NewProducts
	s.ExistingProducts += o.ExistingProducts
	s.Rejected += o.Rejected
	s.Degenerate += o.Degenerate
	s.SnapshotsInserted += o.SnapshotsInserted
	s.SnapshotsUpdated += o.SnapshotsUpdated
	s.SnapshotsSkipped += o.SnapshotsSkipped
	s.PriceInversions += o.PriceInversions
	s.Errored += o.Errored
	s.BatchesRetried += o.BatchesRetried
	s.BatchesFailed += o.BatchesFailed
}

// LogAttrs flattens the counters for slog.
func (s Stats) LogAttrs() []any {
	return []any{
		"rows", s.Rows,
		"new_products", s.NewProducts,
		"existing_products", s.ExistingProducts,
		"rejected", s.Rejected,
		"identifier_degenerate", s.Degenerate,
		"snapshots_inserted", s.SnapshotsInserted,
		"snapshots_updated", s.SnapshotsUpdated,
		"snapshots_skipped", s.SnapshotsSkipped,
		"price_inversions", s.PriceInversions,
		"errored", s.Errored,
		"batches_retried", s.BatchesRetried,
		"batches_failed", s.BatchesFailed,
	}
}

func (s Stats) String() string {
	return fmt.Sprintf("rows=%d new=%d existing=%d rejected=%d snapshots(inserted=%d updated=%d skipped=%d) errored=%d",
		s.Rows, s.NewProducts, s.ExistingProducts, s.Rejected,
		s.SnapshotsInserted, s.SnapshotsUpdated, s.SnapshotsSkipped, s.Errored)
}
