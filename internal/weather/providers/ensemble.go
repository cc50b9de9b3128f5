package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/sony/gobreaker"

	"github.com/i474232898/ensemble-meteogram/internal/common"
	"github.com/i474232898/ensemble-meteogram/internal/dataset"
	"github.com/i474232898/ensemble-meteogram/internal/weather"
)

const stagedSuffix = ".staged"

// EnsembleConfig configures an EnsembleDownloader.
type EnsembleConfig struct {
	DataDir string
	BaseURL string
	// Steps are the lead times (hours) requested for every group.
	Steps []int
	// StaleAfter is the age after which a live grid file is replaced.
	StaleAfter time.Duration
	Client     *http.Client
	Backoff    BackoffConfig
}

// EnsembleDownloader fetches ensemble grid files (control plus perturbed
// members) from a remote grid service. It implements weather.Fetcher.
type EnsembleDownloader struct {
	name       string
	dataDir    string
	baseURL    string
	steps      []int
	staleAfter time.Duration
	httpCfg    HTTPClientConfig
	circuit    *gobreaker.CircuitBreaker
	decoder    dataset.Decoder
	now        func() time.Time
}

// NewEnsembleDownloader creates a downloader. The decoder is used to
// inspect staged grids before their sidecars are written.
func NewEnsembleDownloader(cfg EnsembleConfig, decoder dataset.Decoder) *EnsembleDownloader {
	backoff := cfg.Backoff
	if backoff.InitialInterval <= 0 {
		backoff = DefaultBackoff
	}
	return &EnsembleDownloader{
		name:       "ensemble",
		dataDir:    cfg.DataDir,
		baseURL:    cfg.BaseURL,
		steps:      cfg.Steps,
		staleAfter: cfg.StaleAfter,
		httpCfg: HTTPClientConfig{
			Client:  cfg.Client,
			Backoff: backoff,
		},
		circuit: newCircuitBreaker("ensemble"),
		decoder: decoder,
		now:     time.Now,
	}
}

// IsStale reports whether a group must be downloaded: its grid or sidecar
// is missing, or the grid is older than the stale threshold.
func (d *EnsembleDownloader) IsStale(g weather.VariableGroup) bool {
	age, err := common.FileAge(g.GridPath(d.dataDir), d.now())
	if err != nil {
		return true
	}
	if _, err := os.Stat(g.SidecarPath(d.dataDir)); err != nil {
		return true
	}
	return age > d.staleAfter
}

// Fetch downloads a group into staging files next to the live ones and
// writes the staged sidecar. Live files are not touched. On failure
// nothing is left in staging.
func (d *EnsembleDownloader) Fetch(ctx context.Context, g weather.VariableGroup, runID string) (staged weather.StagedFiles, err error) {
	staged = weather.StagedFiles{
		Group:   g,
		Grid:    stagedPath(g.GridPath(d.dataDir), runID),
		Sidecar: stagedPath(g.SidecarPath(d.dataDir), runID),
	}
	defer func() {
		if err != nil {
			d.Discard([]weather.StagedFiles{staged})
		}
	}()

	reqURL, err := d.requestURL(g)
	if err != nil {
		return staged, err
	}

	start := time.Now()
	resp, err := doRequestWithResilience(ctx, d.httpCfg, d.circuit, func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, reqURL, nil)
	})
	if err != nil {
		return staged, fmt.Errorf("%w: %s: %v", weather.ErrDownload, d.name, err)
	}
	defer resp.Body.Close()

	var body io.Reader = resp.Body
	if common.HasAny(resp.Header.Get("Content-Encoding")+" "+resp.Header.Get("Content-Type"), "zstd") {
		zr, err := zstd.NewReader(resp.Body)
		if err != nil {
			return staged, fmt.Errorf("%w: zstd: %v", weather.ErrDownload, err)
		}
		defer zr.Close()
		body = zr
	}

	if err := writeStaged(staged.Grid, body); err != nil {
		return staged, fmt.Errorf("%w: write %s: %v", weather.ErrDownload, staged.Grid, err)
	}
	size, err := common.NonEmptyFile(staged.Grid)
	if err != nil {
		return staged, fmt.Errorf("%w: %v", weather.ErrDownload, err)
	}

	hdr, err := d.decoder.Inspect(staged.Grid)
	if err != nil {
		return staged, fmt.Errorf("%w: staged grid unreadable: %v", weather.ErrDownload, err)
	}
	if len(hdr.Steps) == 0 || len(hdr.Issued) == 0 {
		return staged, fmt.Errorf("%w: staged grid has no steps or issue time", weather.ErrMetadataCorrupt)
	}

	meta, err := d.sidecarFor(g, runID, reqURL, size, hdr)
	if err != nil {
		return staged, err
	}
	if err := dataset.WriteSidecar(staged.Sidecar, meta); err != nil {
		return staged, fmt.Errorf("write sidecar %s: %w", staged.Sidecar, err)
	}

	log.Printf("INFO: download %s: %s staged (%d bytes, %d steps) in %s",
		runID, g.Name, size, len(hdr.Steps), time.Since(start).Round(time.Millisecond))
	return staged, nil
}

// Promote validates all staged pairs first and only then renames them over
// the live files. Per group the sidecar goes first: if the process dies
// between the two renames the old grid stays behind and IsStale picks the
// group up again on the next refresh.
func (d *EnsembleDownloader) Promote(staged []weather.StagedFiles) error {
	for _, st := range staged {
		if _, err := common.NonEmptyFile(st.Grid); err != nil {
			return fmt.Errorf("%w: staged grid for %s: %v", weather.ErrDownload, st.Group.Name, err)
		}
		if _, err := dataset.ReadSidecar(st.Sidecar); err != nil {
			return fmt.Errorf("staged sidecar for %s: %w", st.Group.Name, err)
		}
	}

	for _, st := range staged {
		if err := os.Rename(st.Sidecar, st.Group.SidecarPath(d.dataDir)); err != nil {
			return fmt.Errorf("promote %s sidecar: %w", st.Group.Name, err)
		}
		if err := os.Rename(st.Grid, st.Group.GridPath(d.dataDir)); err != nil {
			return fmt.Errorf("promote %s grid: %w", st.Group.Name, err)
		}
		log.Printf("INFO: download: promoted %s", st.Group.Name)
	}
	return nil
}

// Discard removes staged files.
func (d *EnsembleDownloader) Discard(staged []weather.StagedFiles) {
	for _, st := range staged {
		for _, path := range []string{st.Grid, st.Sidecar} {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				log.Printf("ERROR: download: remove %s: %v", path, err)
			}
		}
	}
}

// PurgeStaged removes staging files left behind by an interrupted process.
func (d *EnsembleDownloader) PurgeStaged() error {
	matches, err := filepath.Glob(filepath.Join(d.dataDir, "*"+stagedSuffix))
	if err != nil {
		return err
	}
	for _, path := range matches {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		log.Printf("INFO: download: removed leftover %s", path)
	}
	return nil
}

func (d *EnsembleDownloader) requestURL(g weather.VariableGroup) (string, error) {
	u, err := url.Parse(d.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}

	steps := make([]string, len(d.steps))
	for i, s := range d.steps {
		steps[i] = strconv.Itoa(s)
	}

	values := u.Query()
	values.Set("stream", "enfo")
	values.Set("type", "cf,pf")
	values.Set("levtype", "sfc")
	values.Set("param", strings.Join(g.Parameters, ","))
	values.Set("step", strings.Join(steps, ","))
	u.RawQuery = values.Encode()
	return u.String(), nil
}

func (d *EnsembleDownloader) sidecarFor(g weather.VariableGroup, runID, reqURL string, size int64, hdr dataset.Header) (weather.SidecarMetadata, error) {
	dates := make([]string, len(hdr.Issued))
	for i, ts := range hdr.Issued {
		dates[i] = ts.UTC().Format(time.RFC3339)
	}

	index, err := json.Marshal(dataset.IndexMeta{
		RunID:      runID,
		URL:        reqURL,
		Bytes:      size,
		FetchedAt:  d.now().UTC().Format(time.RFC3339),
		Parameters: g.Parameters,
	})
	if err != nil {
		return weather.SidecarMetadata{}, err
	}

	return weather.SidecarMetadata{
		Meta:      weather.SidecarMeta{Step: hdr.Steps, Date: dates},
		IndexMeta: index,
	}, nil
}

func stagedPath(live, runID string) string {
	return live + "." + runID + stagedSuffix
}

func writeStaged(path string, r io.Reader) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
