package weather

import (
	"errors"
	"fmt"
)

var (
	// ErrNotReady is returned by queries before any snapshot was published.
	ErrNotReady = errors.New("forecast data not loaded yet")
	// ErrRefreshInFlight is returned when a refresh is already running.
	ErrRefreshInFlight = errors.New("refresh already in progress")
	// ErrDownload wraps retrieval failures of a grid file.
	ErrDownload = errors.New("download failed")
	// ErrMetadataCorrupt marks missing or unparseable sidecar metadata.
	ErrMetadataCorrupt = errors.New("sidecar metadata corrupt")
	// ErrEmptySample is returned when no finite member value exists for a step.
	ErrEmptySample = errors.New("no finite ensemble values")
)

// DataLoadError reports a group that could not be loaded into a snapshot.
type DataLoadError struct {
	Group GroupName
	Err   error
}

func (e *DataLoadError) Error() string {
	return fmt.Sprintf("load %s: %v", e.Group, e.Err)
}

func (e *DataLoadError) Unwrap() error {
	return e.Err
}
