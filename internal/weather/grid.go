package weather

import (
	"fmt"
	"math"
)

// Grid describes a regular global latitude/longitude grid. Latitude runs
// from 90° at index 0 down to -90°, longitude from -180° eastwards.
type Grid struct {
	Resolution float64
	LatCenter  int
	LonCenter  int
	LatCells   int
	LonCells   int
}

// GlobalGrid is the 0.4° ensemble grid: 451 latitudes and 900 longitudes.
// 180°E and 180°W are the same meridian, so there is no 901st column.
var GlobalGrid = Grid{
	Resolution: 0.4,
	LatCenter:  225,
	LonCenter:  450,
	LatCells:   451,
	LonCells:   900,
}

// GridForDims derives the grid from the latitude and longitude dimension
// sizes of a loaded field.
func GridForDims(latCells, lonCells int) (Grid, error) {
	if latCells == GlobalGrid.LatCells && lonCells == GlobalGrid.LonCells {
		return GlobalGrid, nil
	}
	if latCells < 2 || lonCells < 1 {
		return Grid{}, fmt.Errorf("unsupported grid dimensions %dx%d", latCells, lonCells)
	}
	return Grid{
		Resolution: 180 / float64(latCells-1),
		LatCenter:  (latCells - 1) / 2,
		LonCenter:  lonCells / 2,
		LatCells:   latCells,
		LonCells:   lonCells,
	}, nil
}

// Index maps a coordinate to grid cell indices. Coordinates outside the
// natural bounds are clamped to the nearest valid cell. Halfway values round
// to the even cell.
func (g Grid) Index(lat, lon float64) (latIdx, lonIdx int) {
	latIdx = clampIndex(float64(g.LatCenter)-math.RoundToEven(lat/g.Resolution), g.LatCenter, g.LatCells-1)
	lonIdx = clampIndex(float64(g.LonCenter)+math.RoundToEven(lon/g.Resolution), g.LonCenter, g.LonCells-1)
	return latIdx, lonIdx
}

// CellCenter returns the coordinate of a cell's center.
func (g Grid) CellCenter(latIdx, lonIdx int) (lat, lon float64) {
	lat = float64(g.LatCenter-latIdx) * g.Resolution
	lon = float64(lonIdx-g.LonCenter) * g.Resolution
	return lat, lon
}

// clampIndex bounds v to [0, max] before converting, since converting an
// infinite float to int is undefined. NaN maps to the center cell.
func clampIndex(v float64, center, max int) int {
	switch {
	case math.IsNaN(v):
		return center
	case v < 0:
		return 0
	case v > float64(max):
		return max
	}
	return int(v)
}
