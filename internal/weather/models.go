package weather

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// GroupName identifies a meteorological variable group.
type GroupName string

const (
	GroupWind          GroupName = "wind"
	GroupTemperature   GroupName = "temperature"
	GroupPrecipitation GroupName = "precipitation"
	GroupCloud         GroupName = "cloud"
)

// Transform selects how raw member values are turned into the quantity that
// gets summarised.
type Transform int

const (
	// TransformNone passes values through unchanged.
	TransformNone Transform = iota
	// TransformMagnitude combines two component fields into sqrt(u²+v²).
	TransformMagnitude
	// TransformInterval turns an accumulated total into per-step amounts.
	TransformInterval
	// TransformDailyFraction divides hours of cover by 24, capped at 1.
	TransformDailyFraction
)

// VariableGroup describes one downloaded grid file and how its fields are
// summarised.
type VariableGroup struct {
	Name GroupName
	// Key is the variable key used in meteogram results.
	Key      string
	Filename string
	// Parameters are the codes requested from the remote source.
	Parameters []string
	// GridParameters are the variable names inside the grid file.
	GridParameters []string
	Transform      Transform
}

// GridPath returns the live grid file path under dir.
func (g VariableGroup) GridPath(dir string) string {
	return filepath.Join(dir, g.Filename)
}

// SidecarPath returns the live sidecar metadata path under dir.
func (g VariableGroup) SidecarPath(dir string) string {
	return strings.TrimSuffix(g.GridPath(dir), filepath.Ext(g.Filename)) + ".json"
}

// DefaultGroups returns the fixed registry of variable groups served by the
// meteogram. The order is the order of variables in results and logs.
func DefaultGroups() []VariableGroup {
	return []VariableGroup{
		{
			Name:           GroupWind,
			Key:            "ws",
			Filename:       "windspeed-probability.nc",
			Parameters:     []string{"10u", "10v"},
			GridParameters: []string{"u10", "v10"},
			Transform:      TransformMagnitude,
		},
		{
			Name:           GroupTemperature,
			Key:            "t2m",
			Filename:       "temperature-probability.nc",
			Parameters:     []string{"2t"},
			GridParameters: []string{"t2m"},
			Transform:      TransformNone,
		},
		{
			Name:           GroupPrecipitation,
			Key:            "prec",
			Filename:       "precipitation-probability.nc",
			Parameters:     []string{"tp"},
			GridParameters: []string{"tp"},
			Transform:      TransformInterval,
		},
		{
			Name:           GroupCloud,
			Key:            "tcc",
			Filename:       "watervapor-probability.nc",
			Parameters:     []string{"tcwv"},
			GridParameters: []string{"tcwv"},
			Transform:      TransformDailyFraction,
		},
	}
}

// SidecarMeta is the "meta" object of a sidecar file.
type SidecarMeta struct {
	// Step holds the lead times (hours) present in the grid file, in order.
	Step []int `json:"step"`
	// Date holds the issue timestamp of each ensemble member.
	Date []string `json:"date"`
}

// SidecarMetadata is written next to every grid file at download time.
type SidecarMetadata struct {
	Meta      SidecarMeta     `json:"meta"`
	IndexMeta json.RawMessage `json:"index_meta,omitempty"`
}

// Accepted layouts for sidecar issue timestamps.
var issueLayouts = []string{time.RFC3339, "200601021504", "20060102"}

// Validate reports whether the sidecar can describe a grid file.
func (m SidecarMetadata) Validate() error {
	if len(m.Meta.Step) == 0 {
		return fmt.Errorf("%w: no lead-time steps", ErrMetadataCorrupt)
	}
	for i, s := range m.Meta.Step {
		if s < 0 || (i > 0 && s <= m.Meta.Step[i-1]) {
			return fmt.Errorf("%w: steps must be non-negative and increasing, got %v", ErrMetadataCorrupt, m.Meta.Step)
		}
	}
	if len(m.Meta.Date) == 0 {
		return fmt.Errorf("%w: no issue dates", ErrMetadataCorrupt)
	}
	if _, err := m.IssueTime(); err != nil {
		return err
	}
	return nil
}

// IssueTime parses the issue timestamp of the first ensemble member.
func (m SidecarMetadata) IssueTime() (time.Time, error) {
	if len(m.Meta.Date) == 0 {
		return time.Time{}, fmt.Errorf("%w: no issue dates", ErrMetadataCorrupt)
	}
	raw := m.Meta.Date[0]
	for _, layout := range issueLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unparseable issue date %q", ErrMetadataCorrupt, raw)
}

// Field is one ensemble array with fixed dimension order
// [member, step, latitude, longitude], stored flat in row-major order.
type Field struct {
	Members int
	Steps   int
	Lats    int
	Lons    int
	Values  []float32
}

// At returns the value for one member, step and grid cell.
func (f *Field) At(member, step, lat, lon int) float64 {
	return float64(f.Values[((member*f.Steps+step)*f.Lats+lat)*f.Lons+lon])
}

// SameShape reports whether two fields share all dimensions.
func (f *Field) SameShape(o *Field) bool {
	return f.Members == o.Members && f.Steps == o.Steps && f.Lats == o.Lats && f.Lons == o.Lons
}

// GroupData is the loaded content of one variable group.
type GroupData struct {
	Group  VariableGroup
	Fields map[string]*Field
	Meta   SidecarMetadata
}

// Snapshot is one complete, immutable set of loaded grids for all groups.
// It is never modified once published.
type Snapshot struct {
	ID       string
	LoadedAt time.Time
	Grid     Grid
	Groups   map[GroupName]*GroupData
}

// IssueTime returns the issue time of the first group that has one.
func (s *Snapshot) IssueTime(groups []VariableGroup) time.Time {
	for _, g := range groups {
		if data, ok := s.Groups[g.Name]; ok {
			if ts, err := data.Meta.IssueTime(); err == nil {
				return ts
			}
		}
	}
	return time.Time{}
}

// StagedFiles are the not-yet-promoted files fetched for one group.
type StagedFiles struct {
	Group   VariableGroup
	Grid    string
	Sidecar string
}

// RefreshRun records the outcome of one refresh attempt.
type RefreshRun struct {
	ID         string      `json:"id"`
	StartedAt  time.Time   `json:"startedAt"`
	FinishedAt time.Time   `json:"finishedAt"`
	Downloaded []GroupName `json:"downloaded"`
	Published  bool        `json:"published"`
	Error      string      `json:"error,omitempty"`
}

// Status summarises what the service is currently serving.
type Status struct {
	Ready      bool      `json:"ready"`
	Refreshing bool      `json:"refreshing"`
	SnapshotID string    `json:"snapshot,omitempty"`
	LoadedAt   time.Time `json:"loadedAt"`
	IssuedAt   time.Time `json:"issuedAt"`
}
