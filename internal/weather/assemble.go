package weather

import (
	"fmt"
	"strconv"
)

// Series is the meteogram of one variable: one value per lead-time step for
// each percentile band.
type Series struct {
	Min         []float64 `json:"min"`
	Ten         []float64 `json:"ten"`
	TwentyFive  []float64 `json:"twenty_five"`
	Median      []float64 `json:"median"`
	SeventyFive []float64 `json:"seventy_five"`
	Ninety      []float64 `json:"ninety"`
	Max         []float64 `json:"max"`
	Steps       []string  `json:"steps"`
	Date        string    `json:"date"` // YYYYMMDD
	Time        string    `json:"time"` // HHMM
}

// MeteogramResult is the answer to one coordinate query.
type MeteogramResult struct {
	Latitude      float64           `json:"latitude"`
	Longitude     float64           `json:"longitude"`
	GridLatitude  float64           `json:"grid_latitude"`
	GridLongitude float64           `json:"grid_longitude"`
	LatIndex      int               `json:"lat_index"`
	LonIndex      int               `json:"lon_index"`
	SnapshotID    string            `json:"snapshot"`
	Variables     map[string]Series `json:"variables"`
}

// AssembleSeries names the bands of one group and labels them with the
// lead-time hours and issue time from the group's sidecar.
func AssembleSeries(meta SidecarMetadata, bands []Bands) (Series, error) {
	if len(bands) != len(meta.Meta.Step) {
		return Series{}, fmt.Errorf("%w: %d steps in sidecar, %d in grid", ErrMetadataCorrupt, len(meta.Meta.Step), len(bands))
	}
	issued, err := meta.IssueTime()
	if err != nil {
		return Series{}, err
	}

	n := len(bands)
	s := Series{
		Min:         make([]float64, n),
		Ten:         make([]float64, n),
		TwentyFive:  make([]float64, n),
		Median:      make([]float64, n),
		SeventyFive: make([]float64, n),
		Ninety:      make([]float64, n),
		Max:         make([]float64, n),
		Steps:       make([]string, n),
		Date:        issued.Format("20060102"),
		Time:        issued.Format("1504"),
	}
	for i, b := range bands {
		s.Min[i] = b[0]
		s.Ten[i] = b[1]
		s.TwentyFive[i] = b[2]
		s.Median[i] = b[3]
		s.SeventyFive[i] = b[4]
		s.Ninety[i] = b[5]
		s.Max[i] = b[6]
		s.Steps[i] = strconv.Itoa(meta.Meta.Step[i])
	}
	return s, nil
}
