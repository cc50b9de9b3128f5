package weather

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
)

// ServiceConfig holds the tunables of a Service.
type ServiceConfig struct {
	Groups []VariableGroup
	// Members caps the number of ensemble members aggregated per step.
	Members int
	// RefreshTimeout bounds a whole refresh, downloads included.
	RefreshTimeout time.Duration
	// RunLog is optional.
	RunLog RunLog
}

// Service orchestrates refreshing the forecast snapshot and answering
// meteogram queries from the currently published one.
type Service struct {
	groups         []VariableGroup
	store          Store
	fetcher        Fetcher
	loader         Loader
	runs           RunLog
	members        int
	refreshTimeout time.Duration

	refreshing    atomic.Bool
	// reloadPending is set once files are promoted and cleared when a
	// snapshot built from them is published.
	reloadPending atomic.Bool
	background    sync.WaitGroup
	// ctx scopes background refreshes; cancelled by Stop.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewService creates a new Service.
func NewService(store Store, fetcher Fetcher, loader Loader, cfg ServiceConfig) *Service {
	groups := cfg.Groups
	if len(groups) == 0 {
		groups = DefaultGroups()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		ctx:            ctx,
		cancel:         cancel,
		groups:         groups,
		store:          store,
		fetcher:        fetcher,
		loader:         loader,
		runs:           cfg.RunLog,
		members:        cfg.Members,
		refreshTimeout: cfg.RefreshTimeout,
	}
}

// Groups returns the variable groups served.
func (s *Service) Groups() []VariableGroup {
	return s.groups
}

// Refresh runs one refresh synchronously. It returns ErrRefreshInFlight
// without doing anything if another refresh is running.
func (s *Service) Refresh(ctx context.Context) (RefreshRun, error) {
	if !s.refreshing.CompareAndSwap(false, true) {
		return RefreshRun{}, ErrRefreshInFlight
	}
	defer s.refreshing.Store(false)
	return s.runRefresh(ctx)
}

// TriggerRefresh starts a refresh in the background and returns at once.
// It reports false when a refresh was already running.
func (s *Service) TriggerRefresh() bool {
	if !s.refreshing.CompareAndSwap(false, true) {
		log.Printf("refresh: trigger ignored: %v", ErrRefreshInFlight)
		return false
	}
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		defer s.refreshing.Store(false)
		// Failures are logged and recorded by runRefresh.
		_, _ = s.runRefresh(s.ctx)
	}()
	return true
}

// Stop cancels background refreshes and waits for them to return.
func (s *Service) Stop() {
	s.cancel()
	s.background.Wait()
}

// Refreshing reports whether a refresh is in progress.
func (s *Service) Refreshing() bool {
	return s.refreshing.Load()
}

func (s *Service) runRefresh(parent context.Context) (RefreshRun, error) {
	ctx := parent
	if s.refreshTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, s.refreshTimeout)
		defer cancel()
	}

	run := RefreshRun{ID: uuid.NewString(), StartedAt: time.Now().UTC()}
	log.Printf("INFO: refresh %s: started", run.ID)

	err := s.refresh(ctx, &run)
	run.FinishedAt = time.Now().UTC()
	if err != nil {
		run.Error = err.Error()
		log.Printf("ERROR: refresh %s: %v; keeping last good snapshot", run.ID, err)
	} else {
		log.Printf("INFO: refresh %s: done in %s (downloaded=%v published=%t)",
			run.ID, run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond), run.Downloaded, run.Published)
	}

	if s.runs != nil {
		recCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if rerr := s.runs.Record(recCtx, run); rerr != nil {
			log.Printf("ERROR: refresh %s: record run: %v", run.ID, rerr)
		}
	}
	return run, err
}

func (s *Service) refresh(ctx context.Context, run *RefreshRun) error {
	var stale []VariableGroup
	for _, g := range s.groups {
		if s.fetcher.IsStale(g) {
			stale = append(stale, g)
		}
	}

	_, notReady := s.store.Current()
	if len(stale) == 0 && notReady == nil {
		if !s.reloadPending.Load() {
			log.Printf("DEBUG: refresh %s: all %d groups fresh", run.ID, len(s.groups))
			return nil
		}
		log.Printf("INFO: refresh %s: promoted files not loaded yet; reloading", run.ID)
	}

	if len(stale) > 0 {
		staged, err := s.fetchAll(ctx, stale, run.ID)
		if err != nil {
			s.fetcher.Discard(staged)
			return err
		}
		// Set before renaming: a partial promote also leaves new files behind.
		s.reloadPending.Store(true)
		if err := s.fetcher.Promote(staged); err != nil {
			s.fetcher.Discard(staged)
			return err
		}
		for _, st := range staged {
			run.Downloaded = append(run.Downloaded, st.Group.Name)
		}
	}

	snap, err := s.loader.Load(ctx, s.groups)
	if err != nil {
		return err
	}
	snap.ID = run.ID
	s.store.Publish(snap)
	s.reloadPending.Store(false)
	run.Published = true
	return nil
}

// fetchAll downloads the stale groups concurrently. On error it still
// returns whatever was staged so the caller can discard it.
func (s *Service) fetchAll(ctx context.Context, groups []VariableGroup, runID string) ([]StagedFiles, error) {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		staged []StagedFiles
		errs   []error
	)

	log.Printf("DEBUG: refresh %s: fetching %d stale groups", runID, len(groups))
	for _, g := range groups {
		g := g
		wg.Add(1)
		go func() {
			defer wg.Done()

			st, err := s.fetcher.Fetch(ctx, g, runID)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", g.Name, err))
				return
			}
			staged = append(staged, st)
		}()
	}
	wg.Wait()

	return staged, errors.Join(errs...)
}

// Meteogram computes the percentile meteogram at a coordinate from the
// current snapshot. The snapshot reference is held only for this call.
func (s *Service) Meteogram(lat, lon float64) (MeteogramResult, error) {
	snap, err := s.store.Current()
	if err != nil {
		return MeteogramResult{}, err
	}

	latIdx, lonIdx := snap.Grid.Index(lat, lon)
	gridLat, gridLon := snap.Grid.CellCenter(latIdx, lonIdx)
	res := MeteogramResult{
		Latitude:      lat,
		Longitude:     lon,
		GridLatitude:  gridLat,
		GridLongitude: gridLon,
		LatIndex:      latIdx,
		LonIndex:      lonIdx,
		SnapshotID:    snap.ID,
		Variables:     make(map[string]Series, len(s.groups)),
	}

	for _, g := range s.groups {
		data, ok := snap.Groups[g.Name]
		if !ok {
			return MeteogramResult{}, fmt.Errorf("snapshot %s has no %s data", snap.ID, g.Name)
		}
		bands, err := AggregateGroup(data, latIdx, lonIdx, s.members)
		if err != nil {
			return MeteogramResult{}, err
		}
		series, err := AssembleSeries(data.Meta, bands)
		if err != nil {
			return MeteogramResult{}, fmt.Errorf("group %s: %w", g.Name, err)
		}
		res.Variables[g.Key] = series
	}
	return res, nil
}

// Status describes the published snapshot and refresh state.
func (s *Service) Status() Status {
	st := Status{Refreshing: s.Refreshing()}
	snap, err := s.store.Current()
	if err != nil {
		return st
	}
	st.Ready = true
	st.SnapshotID = snap.ID
	st.LoadedAt = snap.LoadedAt
	st.IssuedAt = snap.IssueTime(s.groups)
	return st
}

// RecentRuns returns the latest refresh runs, newest first. It returns nil
// when no run log is configured.
func (s *Service) RecentRuns(ctx context.Context, limit int) ([]RefreshRun, error) {
	if s.runs == nil {
		return nil, nil
	}
	return s.runs.Recent(ctx, limit)
}
