package dataset

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/i474232898/ensemble-meteogram/internal/weather"
)

// IndexMeta is what the downloader records about a transfer in the
// sidecar's index_meta object. Readers treat it as opaque.
type IndexMeta struct {
	RunID      string   `json:"run_id"`
	URL        string   `json:"url"`
	Bytes      int64    `json:"bytes"`
	FetchedAt  string   `json:"fetched_at"`
	Parameters []string `json:"params"`
}

// ReadSidecar reads and validates a sidecar file. Every failure wraps
// weather.ErrMetadataCorrupt.
func ReadSidecar(path string) (weather.SidecarMetadata, error) {
	var meta weather.SidecarMetadata

	raw, err := os.ReadFile(path)
	if err != nil {
		return meta, fmt.Errorf("%w: %v", weather.ErrMetadataCorrupt, err)
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return meta, fmt.Errorf("%w: %s: %v", weather.ErrMetadataCorrupt, path, err)
	}
	if err := meta.Validate(); err != nil {
		return meta, fmt.Errorf("%s: %w", path, err)
	}
	return meta, nil
}

// WriteSidecar writes meta to path and syncs it to disk.
func WriteSidecar(path string, meta weather.SidecarMetadata) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode sidecar: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
