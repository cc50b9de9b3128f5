package weather_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/i474232898/ensemble-meteogram/internal/store"
	"github.com/i474232898/ensemble-meteogram/internal/weather"
)

// constantField returns a 2-member, 2-step field on a 3x4 grid filled with v.
func constantField(v float32) *weather.Field {
	f := &weather.Field{Members: 2, Steps: 2, Lats: 3, Lons: 4}
	f.Values = make([]float32, 2*2*3*4)
	for i := range f.Values {
		f.Values[i] = v
	}
	return f
}

func testSnapshot(t *testing.T, id string, v float32) *weather.Snapshot {
	t.Helper()
	grid, err := weather.GridForDims(3, 4)
	if err != nil {
		t.Fatalf("grid: %v", err)
	}
	meta := weather.SidecarMetadata{Meta: weather.SidecarMeta{
		Step: []int{0, 6},
		Date: []string{"2024-03-05T00:00:00Z", "2024-03-05T00:00:00Z"},
	}}
	snap := &weather.Snapshot{ID: id, LoadedAt: time.Now(), Grid: grid, Groups: map[weather.GroupName]*weather.GroupData{}}
	for _, g := range weather.DefaultGroups() {
		data := &weather.GroupData{Group: g, Meta: meta, Fields: map[string]*weather.Field{}}
		for _, p := range g.GridParameters {
			data.Fields[p] = constantField(v)
		}
		if g.Name == weather.GroupWind {
			data.Fields["v10"] = constantField(0)
		}
		snap.Groups[g.Name] = data
	}
	return snap
}

type fakeFetcher struct {
	mu        sync.Mutex
	stale     bool
	fetchErr  error
	block     chan struct{}
	started   chan struct{}
	fetched   int
	promoted  int
	discarded []weather.StagedFiles
}

func (f *fakeFetcher) IsStale(weather.VariableGroup) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stale
}

func (f *fakeFetcher) Fetch(ctx context.Context, g weather.VariableGroup, runID string) (weather.StagedFiles, error) {
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return weather.StagedFiles{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched++
	if f.fetchErr != nil && g.Name == weather.GroupPrecipitation {
		return weather.StagedFiles{}, f.fetchErr
	}
	return weather.StagedFiles{Group: g, Grid: string(g.Name) + "." + runID, Sidecar: string(g.Name) + ".json." + runID}, nil
}

func (f *fakeFetcher) Promote(staged []weather.StagedFiles) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.promoted += len(staged)
	f.stale = false
	return nil
}

func (f *fakeFetcher) Discard(staged []weather.StagedFiles) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discarded = append(f.discarded, staged...)
}

type fakeLoader struct {
	mu    sync.Mutex
	calls int
	value float32
	err   error
	t     *testing.T
}

func (l *fakeLoader) Load(ctx context.Context, groups []weather.VariableGroup) (*weather.Snapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	return testSnapshot(l.t, "", l.value), nil
}

type memoryRunLog struct {
	mu   sync.Mutex
	runs []weather.RefreshRun
}

func (m *memoryRunLog) Record(ctx context.Context, run weather.RefreshRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}

func (m *memoryRunLog) Recent(ctx context.Context, limit int) ([]weather.RefreshRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs, nil
}

func newTestService(t *testing.T, fetcher *fakeFetcher, loader *fakeLoader, runs weather.RunLog) (*weather.Service, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	svc := weather.NewService(st, fetcher, loader, weather.ServiceConfig{
		Members:        50,
		RefreshTimeout: 5 * time.Second,
		RunLog:         runs,
	})
	t.Cleanup(svc.Stop)
	return svc, st
}

func TestMeteogramNotReady(t *testing.T) {
	svc, _ := newTestService(t, &fakeFetcher{}, &fakeLoader{t: t}, nil)

	_, err := svc.Meteogram(10, 10)
	if !errors.Is(err, weather.ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	if svc.Status().Ready {
		t.Fatalf("expected status not ready")
	}
}

func TestRefreshPublishesSnapshot(t *testing.T) {
	fetcher := &fakeFetcher{stale: true}
	loader := &fakeLoader{t: t, value: 3}
	runs := &memoryRunLog{}
	svc, _ := newTestService(t, fetcher, loader, runs)

	run, err := svc.Refresh(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !run.Published || len(run.Downloaded) != 4 {
		t.Fatalf("unexpected run %+v", run)
	}
	if fetcher.promoted != 4 || loader.calls != 1 {
		t.Fatalf("expected 4 promoted and 1 load, got %d and %d", fetcher.promoted, loader.calls)
	}

	res, err := svc.Meteogram(-90, 180)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.SnapshotID != run.ID {
		t.Fatalf("expected snapshot %s, got %s", run.ID, res.SnapshotID)
	}
	if res.LatIndex != 2 || res.LonIndex != 3 {
		t.Fatalf("expected cell (2, 3), got (%d, %d)", res.LatIndex, res.LonIndex)
	}
	for _, key := range []string{"ws", "t2m", "prec", "tcc"} {
		s, ok := res.Variables[key]
		if !ok {
			t.Fatalf("missing variable %s", key)
		}
		if len(s.Median) != 2 || len(s.Steps) != 2 {
			t.Fatalf("%s: expected 2 steps, got %+v", key, s)
		}
	}
	if got := res.Variables["t2m"].Median[0]; got != 3 {
		t.Fatalf("expected t2m median 3, got %v", got)
	}
	if got := res.Variables["prec"].Max[1]; got != 0 {
		t.Fatalf("expected zero precipitation interval, got %v", got)
	}
	if got := res.Variables["tcc"].Max[0]; got != 0.125 {
		t.Fatalf("expected cloud fraction 0.125, got %v", got)
	}

	st := svc.Status()
	if !st.Ready || st.SnapshotID != run.ID || st.IssuedAt.IsZero() {
		t.Fatalf("unexpected status %+v", st)
	}
	if len(runs.runs) != 1 || runs.runs[0].ID != run.ID {
		t.Fatalf("expected the run to be recorded, got %+v", runs.runs)
	}
}

func TestRefreshDownloadFailureKeepsSnapshot(t *testing.T) {
	fetcher := &fakeFetcher{stale: true, fetchErr: weather.ErrDownload}
	loader := &fakeLoader{t: t, value: 1}
	svc, st := newTestService(t, fetcher, loader, nil)
	old := testSnapshot(t, "old", 7)
	st.Publish(old)

	run, err := svc.Refresh(context.Background())
	if !errors.Is(err, weather.ErrDownload) {
		t.Fatalf("expected ErrDownload, got %v", err)
	}
	if run.Published || run.Error == "" {
		t.Fatalf("unexpected run %+v", run)
	}
	if fetcher.promoted != 0 || loader.calls != 0 {
		t.Fatalf("expected nothing promoted or loaded, got %d and %d", fetcher.promoted, loader.calls)
	}
	if len(fetcher.discarded) != 3 {
		t.Fatalf("expected the 3 successful downloads to be discarded, got %d", len(fetcher.discarded))
	}

	cur, err := st.Current()
	if err != nil || cur != old {
		t.Fatalf("expected the old snapshot to stay published")
	}
}

func TestRefreshLoadFailureKeepsSnapshot(t *testing.T) {
	fetcher := &fakeFetcher{stale: true}
	loadErr := &weather.DataLoadError{Group: weather.GroupCloud, Err: weather.ErrMetadataCorrupt}
	loader := &fakeLoader{t: t, err: loadErr}
	svc, st := newTestService(t, fetcher, loader, nil)
	old := testSnapshot(t, "old", 7)
	st.Publish(old)

	_, err := svc.Refresh(context.Background())
	var dle *weather.DataLoadError
	if !errors.As(err, &dle) || dle.Group != weather.GroupCloud {
		t.Fatalf("expected DataLoadError for cloud, got %v", err)
	}
	if cur, _ := st.Current(); cur != old {
		t.Fatalf("expected the old snapshot to stay published")
	}
}

func TestRefreshReloadsPromotedFilesAfterLoadFailure(t *testing.T) {
	fetcher := &fakeFetcher{stale: true}
	loader := &fakeLoader{t: t, value: 4, err: errors.New("decode failed")}
	svc, st := newTestService(t, fetcher, loader, nil)
	old := testSnapshot(t, "old", 7)
	st.Publish(old)

	if _, err := svc.Refresh(context.Background()); err == nil {
		t.Fatalf("expected the first refresh to fail")
	}
	if fetcher.promoted != 4 {
		t.Fatalf("expected 4 promoted groups, got %d", fetcher.promoted)
	}

	// The promoted files are fresh now, but were never loaded.
	loader.err = nil
	run, err := svc.Refresh(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !run.Published || len(run.Downloaded) != 0 {
		t.Fatalf("expected a reload without downloads, got %+v", run)
	}
	if fetcher.fetched != 4 || loader.calls != 2 {
		t.Fatalf("expected 4 fetches and 2 loads, got %d and %d", fetcher.fetched, loader.calls)
	}
	cur, _ := st.Current()
	if cur == old || cur.ID != run.ID {
		t.Fatalf("expected the reloaded snapshot to be published")
	}

	// Once published, fresh files no longer trigger a load.
	if run, err := svc.Refresh(context.Background()); err != nil || run.Published || loader.calls != 2 {
		t.Fatalf("expected no further load, got %+v %v and %d loads", run, err, loader.calls)
	}
}

func TestRefreshSkipsFreshData(t *testing.T) {
	fetcher := &fakeFetcher{stale: false}
	loader := &fakeLoader{t: t, value: 1}
	svc, st := newTestService(t, fetcher, loader, nil)

	// Fresh files but nothing published yet: load without downloading.
	if _, err := svc.Refresh(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fetcher.fetched != 0 || loader.calls != 1 {
		t.Fatalf("expected 0 fetches and 1 load, got %d and %d", fetcher.fetched, loader.calls)
	}
	first, _ := st.Current()

	run, err := svc.Refresh(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.Published || loader.calls != 1 {
		t.Fatalf("expected no reload, got run %+v and %d loads", run, loader.calls)
	}
	if cur, _ := st.Current(); cur != first {
		t.Fatalf("expected the snapshot to be unchanged")
	}
}

func TestRefreshSingleFlight(t *testing.T) {
	fetcher := &fakeFetcher{stale: true, block: make(chan struct{}), started: make(chan struct{}, 1)}
	loader := &fakeLoader{t: t, value: 1}
	svc, _ := newTestService(t, fetcher, loader, nil)

	done := make(chan error, 1)
	go func() {
		_, err := svc.Refresh(context.Background())
		done <- err
	}()
	<-fetcher.started

	if !svc.Refreshing() {
		t.Fatalf("expected refresh in progress")
	}
	if _, err := svc.Refresh(context.Background()); !errors.Is(err, weather.ErrRefreshInFlight) {
		t.Fatalf("expected ErrRefreshInFlight, got %v", err)
	}
	if svc.TriggerRefresh() {
		t.Fatalf("expected trigger to be rejected while refreshing")
	}

	close(fetcher.block)
	if err := <-done; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loader.calls != 1 {
		t.Fatalf("expected exactly 1 load, got %d", loader.calls)
	}
	if svc.Refreshing() {
		t.Fatalf("expected refresh flag to be cleared")
	}
}

func TestTriggerRefreshStop(t *testing.T) {
	fetcher := &fakeFetcher{stale: true, block: make(chan struct{}), started: make(chan struct{}, 1)}
	loader := &fakeLoader{t: t, value: 1}
	svc, st := newTestService(t, fetcher, loader, nil)

	if !svc.TriggerRefresh() {
		t.Fatalf("expected trigger to start a refresh")
	}
	<-fetcher.started

	// Stop cancels the blocked download and waits for the refresh to end.
	svc.Stop()
	if svc.Refreshing() {
		t.Fatalf("expected refresh flag to be cleared after stop")
	}
	if _, err := st.Current(); !errors.Is(err, weather.ErrNotReady) {
		t.Fatalf("expected nothing published, got %v", err)
	}
}

func TestMeteogramNeverSeesMixedSnapshots(t *testing.T) {
	svc, st := newTestService(t, &fakeFetcher{}, &fakeLoader{t: t}, nil)
	a := testSnapshot(t, "a", 1)
	b := testSnapshot(t, "b", 2)
	want := map[string]float64{"a": 1, "b": 2}
	st.Publish(a)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			if i%2 == 0 {
				st.Publish(b)
			} else {
				st.Publish(a)
			}
		}
	}()

	var failures []string
	var mu sync.Mutex
	var readers sync.WaitGroup
	for r := 0; r < 4; r++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for i := 0; i < 200; i++ {
				res, err := svc.Meteogram(0, 0)
				if err != nil {
					mu.Lock()
					failures = append(failures, err.Error())
					mu.Unlock()
					return
				}
				v := want[res.SnapshotID]
				for key, s := range res.Variables {
					if key == "t2m" || key == "ws" {
						if s.Median[0] != v {
							mu.Lock()
							failures = append(failures, key+" from another snapshot")
							mu.Unlock()
							return
						}
					}
				}
			}
		}()
	}
	readers.Wait()
	close(stop)
	wg.Wait()

	if len(failures) > 0 {
		t.Fatalf("mixed snapshot reads: %v", failures)
	}
}

func TestRecentRunsWithoutLog(t *testing.T) {
	svc, _ := newTestService(t, &fakeFetcher{}, &fakeLoader{t: t}, nil)
	runs, err := svc.RecentRuns(context.Background(), 10)
	if err != nil || runs != nil {
		t.Fatalf("expected no runs and no error, got %v %v", runs, err)
	}
}
