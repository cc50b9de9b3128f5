package dataset

import (
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/batchatco/go-native-netcdf/netcdf"
	"github.com/batchatco/go-native-netcdf/netcdf/api"

	"github.com/i474232898/ensemble-meteogram/internal/weather"
)

// Variable names of the ensemble grid layout.
const (
	numberVar = "number"
	stepVar   = "step"
	timeVar   = "time"
)

// Header is the lightweight description of a grid file.
type Header struct {
	// Steps are the lead times in hours.
	Steps []int
	// Issued holds the issue time of each ensemble member in file order.
	Issued []time.Time
}

// Decoder reads ensemble grid files.
type Decoder interface {
	// Inspect reads the lead times and issue times without the data arrays.
	Inspect(path string) (Header, error)
	// Decode reads the named parameters, keeping perturbed members only.
	Decode(path string, params []string) (map[string]*weather.Field, error)
}

// NetCDFDecoder decodes NetCDF grids laid out as
// (number, step, latitude, longitude).
type NetCDFDecoder struct{}

// Inspect implements Decoder.
func (NetCDFDecoder) Inspect(path string) (Header, error) {
	nc, err := netcdf.Open(path)
	if err != nil {
		return Header{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer nc.Close()

	steps, err := readSteps(nc)
	if err != nil {
		return Header{}, err
	}

	members := 1
	if ids, err := readFloats(nc, numberVar); err == nil && len(ids) > 0 {
		members = len(ids)
	}

	issued, err := readIssueTimes(nc, members)
	if err != nil {
		return Header{}, err
	}
	return Header{Steps: steps, Issued: issued}, nil
}

// Decode implements Decoder.
func (NetCDFDecoder) Decode(path string, params []string) (map[string]*weather.Field, error) {
	nc, err := netcdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer nc.Close()

	// Without a member coordinate every member is kept.
	var ids []float64
	if v, err := readFloats(nc, numberVar); err == nil {
		ids = v
	}

	out := make(map[string]*weather.Field, len(params))
	for _, param := range params {
		v, err := nc.GetVariable(param)
		if err != nil {
			return nil, fmt.Errorf("variable %s: %w", param, err)
		}
		field, err := toField(v)
		if err != nil {
			return nil, fmt.Errorf("variable %s: %w", param, err)
		}
		if len(ids) == field.Members {
			field = perturbedOnly(field, ids)
		}
		out[param] = field
	}
	return out, nil
}

func readSteps(nc api.Group) ([]int, error) {
	v, err := nc.GetVariable(stepVar)
	if err != nil {
		return nil, fmt.Errorf("variable %s: %w", stepVar, err)
	}
	vals, _, err := flatten(v.Values)
	if err != nil {
		return nil, fmt.Errorf("variable %s: %w", stepVar, err)
	}

	unit := time.Hour
	if units, ok := attrString(v.Attributes, "units"); ok {
		if u, ok := durationUnit(units); ok {
			unit = u
		}
	}

	steps := make([]int, len(vals))
	for i, s := range vals {
		steps[i] = int(math.Round(float64(s) * float64(unit) / float64(time.Hour)))
	}
	return steps, nil
}

func readIssueTimes(nc api.Group, members int) ([]time.Time, error) {
	v, err := nc.GetVariable(timeVar)
	if err != nil {
		return nil, fmt.Errorf("variable %s: %w", timeVar, err)
	}
	vals, err := floats64(v.Values)
	if err != nil {
		return nil, fmt.Errorf("variable %s: %w", timeVar, err)
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("variable %s is empty", timeVar)
	}

	unit, epoch := time.Second, time.Unix(0, 0).UTC()
	if units, ok := attrString(v.Attributes, "units"); ok {
		if u, e, err := parseTimeUnits(units); err == nil {
			unit, epoch = u, e
		}
	}

	issued := make([]time.Time, 0, members)
	for i := 0; i < members; i++ {
		raw := vals[0]
		if len(vals) == members {
			raw = vals[i]
		}
		issued = append(issued, epoch.Add(time.Duration(raw*float64(unit))))
	}
	return issued, nil
}

func readFloats(nc api.Group, name string) ([]float64, error) {
	v, err := nc.GetVariable(name)
	if err != nil {
		return nil, err
	}
	return floats64(v.Values)
}

// toField converts a 4-D (member, step, lat, lon) or 3-D (step, lat, lon)
// variable into a Field, applying CF packing attributes.
func toField(v *api.Variable) (*weather.Field, error) {
	vals, shape, err := flatten(v.Values)
	if err != nil {
		return nil, err
	}
	switch len(shape) {
	case 3:
		shape = append([]int{1}, shape...)
	case 4:
	default:
		return nil, fmt.Errorf("expected 3 or 4 dimensions, got %v", shape)
	}

	scale, hasScale := attrFloat(v.Attributes, "scale_factor")
	offset, hasOffset := attrFloat(v.Attributes, "add_offset")
	fill, hasFill := attrFloat(v.Attributes, "_FillValue")
	missing, hasMissing := attrFloat(v.Attributes, "missing_value")
	if !hasScale {
		scale = 1
	}
	if !hasOffset {
		offset = 0
	}
	if hasScale || hasOffset || hasFill || hasMissing {
		nan := float32(math.NaN())
		for i, raw := range vals {
			if (hasFill && float64(raw) == fill) || (hasMissing && float64(raw) == missing) {
				vals[i] = nan
				continue
			}
			vals[i] = float32(float64(raw)*scale + offset)
		}
	}

	return &weather.Field{
		Members: shape[0],
		Steps:   shape[1],
		Lats:    shape[2],
		Lons:    shape[3],
		Values:  vals,
	}, nil
}

// perturbedOnly drops the control forecast (member number 0). A field
// without a control member is returned unchanged.
func perturbedOnly(f *weather.Field, ids []float64) *weather.Field {
	keep := make([]int, 0, len(ids))
	for i, id := range ids {
		if id != 0 {
			keep = append(keep, i)
		}
	}
	if len(keep) == len(ids) || len(keep) == 0 {
		return f
	}

	size := f.Steps * f.Lats * f.Lons
	vals := make([]float32, 0, len(keep)*size)
	for _, m := range keep {
		vals = append(vals, f.Values[m*size:(m+1)*size]...)
	}
	return &weather.Field{Members: len(keep), Steps: f.Steps, Lats: f.Lats, Lons: f.Lons, Values: vals}
}

// flatten turns a scalar or a nested slice of any numeric type, as returned
// by the NetCDF reader, into row-major float32 values plus its shape.
func flatten(values any) ([]float32, []int, error) {
	if arr, ok := values.([][][][]float32); ok {
		return flattenFloat32(arr)
	}

	rv := reflect.ValueOf(values)
	if !rv.IsValid() {
		return nil, nil, fmt.Errorf("no values")
	}
	var shape []int
	for t := rv; t.Kind() == reflect.Slice; t = t.Index(0) {
		shape = append(shape, t.Len())
		if t.Len() == 0 {
			break
		}
	}

	total := 1
	for _, n := range shape {
		total *= n
	}
	out := make([]float32, 0, total)

	var walk func(v reflect.Value, depth int) error
	walk = func(v reflect.Value, depth int) error {
		if depth == len(shape) {
			f, ok := numeric(v)
			if !ok {
				return fmt.Errorf("unsupported element type %s", v.Type())
			}
			out = append(out, float32(f))
			return nil
		}
		if v.Kind() != reflect.Slice || v.Len() != shape[depth] {
			return fmt.Errorf("ragged array at depth %d", depth)
		}
		for i := 0; i < v.Len(); i++ {
			if err := walk(v.Index(i), depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(rv, 0); err != nil {
		return nil, nil, err
	}
	return out, shape, nil
}

func flattenFloat32(arr [][][][]float32) ([]float32, []int, error) {
	shape := []int{len(arr), 0, 0, 0}
	if len(arr) > 0 {
		shape[1] = len(arr[0])
		if len(arr[0]) > 0 {
			shape[2] = len(arr[0][0])
			if len(arr[0][0]) > 0 {
				shape[3] = len(arr[0][0][0])
			}
		}
	}
	out := make([]float32, 0, shape[0]*shape[1]*shape[2]*shape[3])
	for _, a := range arr {
		if len(a) != shape[1] {
			return nil, nil, fmt.Errorf("ragged array at depth 1")
		}
		for _, b := range a {
			if len(b) != shape[2] {
				return nil, nil, fmt.Errorf("ragged array at depth 2")
			}
			for _, c := range b {
				if len(c) != shape[3] {
					return nil, nil, fmt.Errorf("ragged array at depth 3")
				}
				out = append(out, c...)
			}
		}
	}
	return out, shape, nil
}

// floats64 flattens values without narrowing to float32; used for
// coordinates such as times where float32 loses precision.
func floats64(values any) ([]float64, error) {
	rv := reflect.ValueOf(values)
	if !rv.IsValid() {
		return nil, fmt.Errorf("no values")
	}
	if rv.Kind() != reflect.Slice {
		f, ok := numeric(rv)
		if !ok {
			return nil, fmt.Errorf("unsupported type %T", values)
		}
		return []float64{f}, nil
	}
	out := make([]float64, rv.Len())
	for i := range out {
		f, ok := numeric(rv.Index(i))
		if !ok {
			return nil, fmt.Errorf("unsupported element type %s", rv.Index(i).Type())
		}
		out[i] = f
	}
	return out, nil
}

func numeric(v reflect.Value) (float64, bool) {
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(v.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(v.Uint()), true
	case reflect.Float32, reflect.Float64:
		return v.Float(), true
	case reflect.Interface:
		return numeric(v.Elem())
	}
	return 0, false
}

func attrFloat(attrs api.AttributeMap, key string) (float64, bool) {
	if attrs == nil {
		return 0, false
	}
	raw, ok := attrs.Get(key)
	if !ok {
		return 0, false
	}
	vals, err := floats64(raw)
	if err != nil || len(vals) == 0 {
		return 0, false
	}
	return vals[0], true
}

func attrString(attrs api.AttributeMap, key string) (string, bool) {
	if attrs == nil {
		return "", false
	}
	raw, ok := attrs.Get(key)
	if !ok {
		return "", false
	}
	s, ok := raw.(string)
	return s, ok
}

func durationUnit(name string) (time.Duration, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "ns", "nanoseconds":
		return time.Nanosecond, true
	case "s", "sec", "seconds":
		return time.Second, true
	case "min", "minutes":
		return time.Minute, true
	case "h", "hour", "hours":
		return time.Hour, true
	case "d", "day", "days":
		return 24 * time.Hour, true
	}
	return 0, false
}

// parseTimeUnits parses CF time units such as
// "seconds since 1970-01-01T00:00:00".
func parseTimeUnits(units string) (time.Duration, time.Time, error) {
	unitName, ref, ok := strings.Cut(units, " since ")
	if !ok {
		return 0, time.Time{}, fmt.Errorf("unsupported time units %q", units)
	}
	unit, ok := durationUnit(unitName)
	if !ok {
		return 0, time.Time{}, fmt.Errorf("unsupported time unit %q", unitName)
	}
	ref = strings.TrimSpace(ref)
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
		if epoch, err := time.Parse(layout, ref); err == nil {
			return unit, epoch.UTC(), nil
		}
	}
	return 0, time.Time{}, fmt.Errorf("unsupported reference time %q", ref)
}
