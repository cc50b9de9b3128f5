// Package dataset turns promoted grid files and their sidecars into
// immutable forecast snapshots.
package dataset

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/i474232898/ensemble-meteogram/internal/weather"
)

// Loader opens the live grid files of every variable group.
type Loader struct {
	dataDir string
	decoder Decoder
	now     func() time.Time
}

// NewLoader creates a Loader reading from dataDir.
func NewLoader(dataDir string, decoder Decoder) *Loader {
	return &Loader{
		dataDir: dataDir,
		decoder: decoder,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Load builds a snapshot from all groups. It returns a
// *weather.DataLoadError and no snapshot if any group fails, so a partially
// loaded snapshot can never be published.
func (l *Loader) Load(ctx context.Context, groups []weather.VariableGroup) (*weather.Snapshot, error) {
	loaded := make([]*weather.GroupData, len(groups))

	eg, ctx := errgroup.WithContext(ctx)
	for i, g := range groups {
		i, g := i, g
		eg.Go(func() error {
			data, err := l.loadGroup(ctx, g)
			if err != nil {
				return &weather.DataLoadError{Group: g.Name, Err: err}
			}
			loaded[i] = data
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	snap := &weather.Snapshot{
		LoadedAt: l.now(),
		Groups:   make(map[weather.GroupName]*weather.GroupData, len(groups)),
	}
	var ref *weather.Field
	for _, data := range loaded {
		f := data.Fields[data.Group.GridParameters[0]]
		if ref == nil {
			ref = f
		} else if f.Lats != ref.Lats || f.Lons != ref.Lons {
			return nil, &weather.DataLoadError{
				Group: data.Group.Name,
				Err:   fmt.Errorf("grid %dx%d differs from %dx%d", f.Lats, f.Lons, ref.Lats, ref.Lons),
			}
		}
		snap.Groups[data.Group.Name] = data
	}
	if ref == nil {
		return nil, fmt.Errorf("no variable groups to load")
	}

	grid, err := weather.GridForDims(ref.Lats, ref.Lons)
	if err != nil {
		return nil, err
	}
	snap.Grid = grid

	log.Printf("INFO: dataset: loaded %d groups on %dx%d grid", len(groups), ref.Lats, ref.Lons)
	return snap, nil
}

func (l *Loader) loadGroup(ctx context.Context, g weather.VariableGroup) (*weather.GroupData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(g.GridParameters) == 0 {
		return nil, fmt.Errorf("no grid parameters configured")
	}

	meta, err := ReadSidecar(g.SidecarPath(l.dataDir))
	if err != nil {
		return nil, err
	}

	fields, err := l.decoder.Decode(g.GridPath(l.dataDir), g.GridParameters)
	if err != nil {
		return nil, err
	}

	var first *weather.Field
	for _, param := range g.GridParameters {
		f, ok := fields[param]
		if !ok || f == nil {
			return nil, fmt.Errorf("grid parameter %s missing from %s", param, g.Filename)
		}
		if f.Members == 0 {
			return nil, fmt.Errorf("grid parameter %s has no ensemble members", param)
		}
		if first == nil {
			first = f
		} else if !f.SameShape(first) {
			return nil, fmt.Errorf("grid parameters of %s differ in shape", g.Filename)
		}
	}
	if first.Steps != len(meta.Meta.Step) {
		return nil, fmt.Errorf("%w: sidecar lists %d steps, grid has %d", weather.ErrMetadataCorrupt, len(meta.Meta.Step), first.Steps)
	}

	return &weather.GroupData{Group: g, Fields: fields, Meta: meta}, nil
}
