package weather

import (
	"fmt"
	"math"
	"sort"
)

// BandCount is the number of percentile bands in every summary.
const BandCount = 7

// percentileLevels are min, p10, p25, median, p75, p90 and max.
var percentileLevels = [BandCount]float64{0, 10, 25, 50, 75, 90, 100}

// Bands is one 7-point percentile summary in ascending semantic order.
type Bands [BandCount]float64

// Percentiles computes the percentile bands of sample using linear
// interpolation between closest ranks. Non-finite values are ignored.
func Percentiles(sample []float64) (Bands, error) {
	sorted := make([]float64, 0, len(sample))
	for _, v := range sample {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			sorted = append(sorted, v)
		}
	}
	if len(sorted) == 0 {
		return Bands{}, ErrEmptySample
	}
	sort.Float64s(sorted)

	var b Bands
	for i, p := range percentileLevels {
		b[i] = percentile(sorted, p)
		// Rounding in the interpolation must never reorder the bands.
		if i > 0 && b[i] < b[i-1] {
			b[i] = b[i-1]
		}
	}
	return b, nil
}

// percentile expects sorted to be non-empty and ascending.
func percentile(sorted []float64, p float64) float64 {
	pos := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

// memberSeries extracts the values at one cell as [member][step], keeping at
// most members members (all of them when members <= 0).
func memberSeries(f *Field, latIdx, lonIdx, members int) [][]float64 {
	n := f.Members
	if members > 0 && members < n {
		n = members
	}
	out := make([][]float64, n)
	for m := 0; m < n; m++ {
		row := make([]float64, f.Steps)
		for s := 0; s < f.Steps; s++ {
			row[s] = f.At(m, s, latIdx, lonIdx)
		}
		out[m] = row
	}
	return out
}

// WindSpeed combines u and v components into wind speed per member and step.
func WindSpeed(u, v [][]float64) [][]float64 {
	out := make([][]float64, len(u))
	for m := range u {
		row := make([]float64, len(u[m]))
		for s := range u[m] {
			row[s] = math.Hypot(u[m][s], v[m][s])
		}
		out[m] = row
	}
	return out
}

// Intervals converts accumulated totals into the amount that fell within
// each step. The first step is measured against a zero baseline.
func Intervals(cumulative [][]float64) [][]float64 {
	out := make([][]float64, len(cumulative))
	for m, series := range cumulative {
		row := make([]float64, len(series))
		prev := 0.0
		for s, v := range series {
			row[s] = v - prev
			prev = v
		}
		out[m] = row
	}
	return out
}

// DailyFraction converts hours of cover into the covered fraction of a day.
func DailyFraction(hours [][]float64) [][]float64 {
	out := make([][]float64, len(hours))
	for m, series := range hours {
		row := make([]float64, len(series))
		for s, v := range series {
			row[s] = math.Max(0, math.Min(v/24, 1))
			if math.IsNaN(v) {
				row[s] = v
			}
		}
		out[m] = row
	}
	return out
}

// transformed returns the per-member series of the quantity a group
// summarises at one cell.
func transformed(data *GroupData, latIdx, lonIdx, members int) ([][]float64, error) {
	g := data.Group
	need := 1
	if g.Transform == TransformMagnitude {
		need = 2
	}
	if len(g.GridParameters) < need {
		return nil, fmt.Errorf("group %s needs %d grid parameters, has %d", g.Name, need, len(g.GridParameters))
	}

	series := make([][][]float64, need)
	for i := 0; i < need; i++ {
		param := g.GridParameters[i]
		f, ok := data.Fields[param]
		if !ok {
			return nil, fmt.Errorf("group %s: field %s not loaded", g.Name, param)
		}
		series[i] = memberSeries(f, latIdx, lonIdx, members)
	}

	switch g.Transform {
	case TransformMagnitude:
		return WindSpeed(series[0], series[1]), nil
	case TransformInterval:
		return Intervals(series[0]), nil
	case TransformDailyFraction:
		return DailyFraction(series[0]), nil
	default:
		return series[0], nil
	}
}

// AggregateGroup computes the percentile bands for every lead-time step of
// a group at one grid cell.
func AggregateGroup(data *GroupData, latIdx, lonIdx, members int) ([]Bands, error) {
	series, err := transformed(data, latIdx, lonIdx, members)
	if err != nil {
		return nil, err
	}
	if len(series) == 0 {
		return nil, fmt.Errorf("group %s: %w", data.Group.Name, ErrEmptySample)
	}

	steps := len(series[0])
	out := make([]Bands, steps)
	sample := make([]float64, len(series))
	for s := 0; s < steps; s++ {
		for m := range series {
			sample[m] = series[m][s]
		}
		b, err := Percentiles(sample)
		if err != nil {
			return nil, fmt.Errorf("group %s step %d: %w", data.Group.Name, s, err)
		}
		out[s] = b
	}
	return out, nil
}
