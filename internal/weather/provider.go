package weather

import (
	"context"
)

// Fetcher retrieves grid files into staging and promotes them over the live
// files (e.g. the ECMWF-style ensemble downloader).
type Fetcher interface {
	// IsStale reports whether the live files of a group need replacing.
	IsStale(g VariableGroup) bool
	// Fetch downloads a group into staging files tagged with runID.
	Fetch(ctx context.Context, g VariableGroup, runID string) (StagedFiles, error)
	// Promote validates every staged pair and only then renames them over
	// the live files.
	Promote(staged []StagedFiles) error
	// Discard removes staged files that will not be promoted.
	Discard(staged []StagedFiles)
}

// Loader opens the live files of all groups into a new snapshot.
type Loader interface {
	Load(ctx context.Context, groups []VariableGroup) (*Snapshot, error)
}

// Store is the contract of the snapshot holder.
type Store interface {
	Publish(snap *Snapshot)
	Current() (*Snapshot, error)
}

// RunLog persists refresh outcomes.
type RunLog interface {
	Record(ctx context.Context, run RefreshRun) error
	Recent(ctx context.Context, limit int) ([]RefreshRun, error)
}
