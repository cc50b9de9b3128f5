package dataset

import (
	"reflect"
	"testing"
	"time"

	"github.com/batchatco/go-native-netcdf/netcdf/api"

	"github.com/i474232898/ensemble-meteogram/internal/weather"
)

func TestFlattenInt16(t *testing.T) {
	vals, shape, err := flatten([][][]int16{
		{{1, 2}, {3, 4}},
		{{5, 6}, {7, 8}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(shape, []int{2, 2, 2}) {
		t.Fatalf("unexpected shape %v", shape)
	}
	if !reflect.DeepEqual(vals, []float32{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Fatalf("unexpected values %v", vals)
	}
}

func TestFlattenFloat32FastPath(t *testing.T) {
	vals, shape, err := flatten([][][][]float32{{{{1.5, 2.5}}}, {{{3.5, 4.5}}}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(shape, []int{2, 1, 1, 2}) || !reflect.DeepEqual(vals, []float32{1.5, 2.5, 3.5, 4.5}) {
		t.Fatalf("unexpected result %v %v", shape, vals)
	}
}

func TestFlattenRagged(t *testing.T) {
	if _, _, err := flatten([][]float64{{1, 2}, {3}}); err == nil {
		t.Fatalf("expected error for ragged array")
	}
	if _, _, err := flatten([][][][]float32{{{{1}}, {{2}, {3}}}}); err == nil {
		t.Fatalf("expected error for ragged float32 array")
	}
	if _, _, err := flatten(nil); err == nil {
		t.Fatalf("expected error for nil values")
	}
}

func TestFloats64(t *testing.T) {
	got, err := floats64([]int64{1709596800, 1709618400})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got[1] != 1709618400 {
		t.Fatalf("unexpected values %v", got)
	}
	got, err = floats64(float64(3))
	if err != nil || len(got) != 1 || got[0] != 3 {
		t.Fatalf("unexpected scalar result %v %v", got, err)
	}
}

func TestToFieldThreeDimensional(t *testing.T) {
	f, err := toField(&api.Variable{Values: [][][]float32{{{1, 2, 3}}, {{4, 5, 6}}}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.Members != 1 || f.Steps != 2 || f.Lats != 1 || f.Lons != 3 {
		t.Fatalf("unexpected shape %+v", f)
	}
	if f.At(0, 1, 0, 2) != 6 {
		t.Fatalf("expected 6, got %v", f.At(0, 1, 0, 2))
	}

	if _, err := toField(&api.Variable{Values: []float32{1, 2}}); err == nil {
		t.Fatalf("expected error for a 1-D variable")
	}
}

func TestPerturbedOnly(t *testing.T) {
	f := &weather.Field{Members: 3, Steps: 1, Lats: 1, Lons: 2, Values: []float32{0, 0, 1, 1, 2, 2}}

	got := perturbedOnly(f, []float64{0, 1, 2})
	if got.Members != 2 || !reflect.DeepEqual(got.Values, []float32{1, 1, 2, 2}) {
		t.Fatalf("unexpected field %+v", got)
	}

	if same := perturbedOnly(f, []float64{1, 2, 3}); same != f {
		t.Fatalf("expected the field unchanged without a control member")
	}
}

func TestParseTimeUnits(t *testing.T) {
	unit, epoch, err := parseTimeUnits("hours since 1900-01-01 00:00:00")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if unit != time.Hour || !epoch.Equal(time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected result %v %v", unit, epoch)
	}

	unit, epoch, err = parseTimeUnits("seconds since 1970-01-01T00:00:00")
	if err != nil || unit != time.Second || epoch.Unix() != 0 {
		t.Fatalf("unexpected result %v %v %v", unit, epoch, err)
	}

	if _, _, err := parseTimeUnits("fortnights since 1970-01-01"); err == nil {
		t.Fatalf("expected error for an unknown unit")
	}
	if _, _, err := parseTimeUnits("hours"); err == nil {
		t.Fatalf("expected error without a reference time")
	}
}

func TestDurationUnit(t *testing.T) {
	tests := map[string]time.Duration{
		"h":           time.Hour,
		"Hours":       time.Hour,
		" minutes ":   time.Minute,
		"days":        24 * time.Hour,
		"nanoseconds": time.Nanosecond,
	}
	for name, want := range tests {
		got, ok := durationUnit(name)
		if !ok || got != want {
			t.Fatalf("%q: expected %v, got %v", name, want, got)
		}
	}
	if _, ok := durationUnit("weeks"); ok {
		t.Fatalf("expected weeks to be unsupported")
	}
}
