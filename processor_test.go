/*
Copyright © 2019 the climproc authors.
This file is part of climproc.

climproc is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

climproc is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with climproc.  If not, see <http://www.gnu.org/licenses/>.
*/

package climproc

import (
	"errors"
	"io/ioutil"
	"math"
	"testing"

	"github.com/ctessum/sparse"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"gonum.org/v1/gonum/floats"
)

const testTolerance = 1.e-10

func seq(n int) []float64 {
	o := make([]float64, n)
	for i := range o {
		o[i] = float64(i)
	}
	return o
}

// newTestDataset returns a dataset with nt time steps of monthly data
// starting in January of year begin, on a 4x3 longitude-latitude grid
// with 1 degree cells. Variable "t2" is set by f.
func newTestDataset(t *testing.T, begin, end, nt int, f func(t, j, i int) float64) *Dataset {
	ds := NewDataset("test")
	ds.SetAttr("begin_date", formatYear(begin)+"-01-01")
	ds.SetAttr("end_date", formatYear(end)+"-01-01")
	axes := []*Axis{
		{Name: "time", Units: "month since " + formatYear(begin) + "-01", Coords: seq(nt)},
		{Name: "lat", Units: "degrees_north", Coords: []float64{0.5, 1.5, 2.5}},
		{Name: "lon", Units: "degrees_east", Coords: []float64{0.5, 1.5, 2.5, 3.5}},
	}
	for _, a := range axes {
		if err := ds.AddAxis(a); err != nil {
			t.Fatal(err)
		}
	}
	data := sparse.ZerosDense(nt, 3, 4)
	for k := 0; k < nt; k++ {
		for j := 0; j < 3; j++ {
			for i := 0; i < 4; i++ {
				data.Set(f(k, j, i), k, j, i)
			}
		}
	}
	if _, err := ds.AddVariable("t2", "K", []string{"time", "lat", "lon"}, data, nil); err != nil {
		t.Fatal(err)
	}
	return ds
}

func formatYear(y int) string {
	s := []byte("0000")
	for i := 3; i >= 0; i-- {
		s[i] = byte('0' + y%10)
		y /= 10
	}
	return string(s)
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.Out = ioutil.Discard
	return l
}

func newTestProcessor(t *testing.T, source *Dataset, opts ...ProcessorOption) *Processor {
	p, err := NewProcessor(source, NewDataset("sink"), nil, append([]ProcessorOption{WithLogger(quietLogger())}, opts...)...)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestClimatologyMonthlyWeights(t *testing.T) {
	ds := newTestDataset(t, 2000, 2001, 12, func(k, j, i int) float64 { return float64(k + 1) })
	v := ds.Variable("t2")
	v.Mask = make([]bool, v.Size())
	v.Mask[0] = true // January in cell (0, 0)
	for k := 0; k < 12; k++ {
		v.Mask[k*12+1*4+1] = true // every month in cell (1, 1)
	}

	p := newTestProcessor(t, ds)
	if err := p.Climatology(1, 0, true); err != nil {
		t.Fatal(err)
	}
	out := p.Sink().Variable("t2")
	if out == nil {
		t.Fatal("missing output variable")
	}
	if have, want := out.Shape(), []int{1, 3, 4}; !sameInts(have, want) {
		t.Fatalf("shape: have %v, want %v", have, want)
	}

	days := []float64{31, 29, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31}
	var sum, sumNoJan float64
	for m, d := range days {
		sum += d * float64(m+1)
		if m > 0 {
			sumNoJan += d * float64(m+1)
		}
	}
	full := sum / 366
	noJan := sumNoJan / (366 - 31)

	if have := out.Get(0, 2, 3); !floats.EqualWithinAbsOrRel(have, full, testTolerance, testTolerance) {
		t.Errorf("full year: have %g, want %g", have, full)
	}
	if have := out.Get(0, 0, 0); !floats.EqualWithinAbsOrRel(have, noJan, testTolerance, testTolerance) {
		t.Errorf("masked january: have %g, want %g", have, noJan)
	}
	if !out.Masked(1*4 + 1) {
		t.Errorf("cell without valid data should be masked")
	}
	if out.Masked(0) {
		t.Errorf("cell with partial data should not be masked")
	}
	if period, _ := p.Sink().Attr("period"); period != "2000-2001" {
		t.Errorf("period: have %q, want 2000-2001", period)
	}
	if a := p.Sink().Axis("time"); a.Units != "year" || a.Coords[0] != 2000 {
		t.Errorf("time axis: have %s %v", a.Units, a.Coords)
	}
}

func TestClimatologyDecade(t *testing.T) {
	// Ten years of monthly data where each value is the number of
	// years since 1979.
	f := func(k, j, i int) float64 { return float64(k / 12) }

	t.Run("full", func(t *testing.T) {
		p := newTestProcessor(t, newTestDataset(t, 1979, 1989, 120, f))
		if err := p.Climatology(10, 0, true); err != nil {
			t.Fatal(err)
		}
		var sum, days float64
		for y := 1979; y < 1989; y++ {
			d := float64(Gregorian.DaysInYear(y))
			sum += d * float64(y-1979)
			days += d
		}
		want := sum / days
		have := p.Sink().Variable("t2").Get(0, 1, 2)
		if !floats.EqualWithinAbsOrRel(have, want, testTolerance, testTolerance) {
			t.Errorf("have %g, want %g", have, want)
		}
		if period, _ := p.Sink().Attr("period"); period != "1979-1989" {
			t.Errorf("period: have %q, want 1979-1989", period)
		}
	})
	t.Run("blocks", func(t *testing.T) {
		p := newTestProcessor(t, newTestDataset(t, 1979, 1989, 120, f))
		if err := p.Climatology(5, 0, true); err != nil {
			t.Fatal(err)
		}
		tax := p.Sink().Axis("time")
		if tax.Len() != 2 || tax.Coords[0] != 1979 || tax.Coords[1] != 1984 {
			t.Errorf("time coordinates: have %v", tax.Coords)
		}
		v := p.Sink().Variable("t2")
		for b := 0; b < 2; b++ {
			var sum, days float64
			for y := 1979 + 5*b; y < 1984+5*b; y++ {
				d := float64(Gregorian.DaysInYear(y))
				sum += d * float64(y-1979)
				days += d
			}
			if have, want := v.Get(b, 0, 0), sum/days; !floats.EqualWithinAbsOrRel(have, want, testTolerance, testTolerance) {
				t.Errorf("block %d: have %g, want %g", b, have, want)
			}
		}
	})
	t.Run("max blocks", func(t *testing.T) {
		src := newTestDataset(t, 1979, 1989, 120, f)
		p := newTestProcessor(t, src)
		if err := p.ClimatologyBlocks(3, 1, 1, true); err != nil {
			t.Fatal(err)
		}
		if tax := p.Sink().Axis("time"); tax.Len() != 1 || tax.Coords[0] != 1980 {
			t.Errorf("time coordinates: have %v", tax.Coords)
		}
		if period, _ := p.Sink().Attr("period"); period != "1980-1983" {
			t.Errorf("period: have %q, want 1980-1983", period)
		}
		if have := p.Sink().Variable("t2").Get(0, 0, 0); !floats.EqualWithinAbsOrRel(have, 2, 0.01, 0.01) {
			t.Errorf("have %g, want about 2", have)
		}
		if end, _ := src.Attr("end_date"); end != "1989-01-01" {
			t.Errorf("source end_date changed to %q", end)
		}
	})
	t.Run("offset out of range", func(t *testing.T) {
		p := newTestProcessor(t, newTestDataset(t, 1979, 1989, 120, f))
		err := p.Climatology(10, 5, true)
		var de *DateError
		if !errors.As(err, &de) {
			t.Fatalf("want DateError, have %v", err)
		}
		if de.Requested != [2]int{1984, 1994} || de.Available != [2]int{1979, 1989} {
			t.Errorf("have requested %v available %v", de.Requested, de.Available)
		}
		if len(p.Sink().Variables()) != 0 {
			t.Errorf("failed operation should not write to the sink")
		}
	})
	t.Run("negative offset", func(t *testing.T) {
		p := newTestProcessor(t, newTestDataset(t, 1979, 1989, 120, f))
		var de *DateError
		if err := p.Climatology(1, -1, true); !errors.As(err, &de) {
			t.Errorf("want DateError, have %v", err)
		}
	})
	t.Run("missing dates", func(t *testing.T) {
		ds := newTestDataset(t, 1979, 1989, 12, f)
		ds = withoutAttr(ds, "end_date")
		p := newTestProcessor(t, ds)
		var de *DateError
		if err := p.Climatology(1, 0, true); !errors.As(err, &de) {
			t.Errorf("want DateError, have %v", err)
		}
	})
}

// withoutAttr returns a copy of the metadata and variables of ds
// without the named global attribute.
func withoutAttr(ds *Dataset, name string) *Dataset {
	o := NewDataset(ds.Name)
	for _, k := range ds.AttrNames() {
		if k != name {
			v, _ := ds.Attr(k)
			o.SetAttr(k, v)
		}
	}
	for _, v := range ds.Variables() {
		if err := o.adopt(v); err != nil {
			panic(err)
		}
	}
	return o
}

func testShapes() *ShapeSet {
	left := make([]bool, 12)
	all := make([]bool, 12)
	for j := 0; j < 3; j++ {
		left[j*4] = true
	}
	for i := range all {
		all[i] = true
	}
	return &ShapeSet{
		Name: "test",
		Shapes: []ShapeMask{
			{Name: "left", Nx: 4, Ny: 3, Mask: left},
			{Name: "all", Nx: 4, Ny: 3, Mask: all},
			{Name: "none", Nx: 4, Ny: 3, Mask: make([]bool, 12)},
		},
	}
}

func TestShapeAverage(t *testing.T) {
	ds := newTestDataset(t, 2000, 2001, 2, func(k, j, i int) float64 { return float64(10*k + 4*j + i) })
	v := ds.Variable("t2")
	v.Mask = make([]bool, v.Size())
	v.Mask[4] = true // time 0, cell (1, 0)

	p := newTestProcessor(t, ds)
	if err := p.ShapeAverage(testShapes(), "test", true); err != nil {
		t.Fatal(err)
	}
	out := p.Sink().Variable("t2")
	if have, want := out.AxisNames(), []string{"time", ShapesAxis}; !sameStrings(have, want) {
		t.Fatalf("axes: have %v, want %v", have, want)
	}
	sa := p.Sink().Axis(ShapesAxis)
	if !sameStrings(sa.Labels, []string{"left", "all", "none"}) {
		t.Errorf("labels: have %v", sa.Labels)
	}
	want := []float64{
		(0. + 8) / 2, (66. - 4) / 11, 0,
		(10. + 14 + 18) / 3, 10 + 66./12, 0,
	}
	for k := 0; k < 2; k++ {
		for s := 0; s < 2; s++ {
			if have := out.Get(k, s); !floats.EqualWithinAbsOrRel(have, want[k*3+s], testTolerance, testTolerance) {
				t.Errorf("time %d shape %d: have %g, want %g", k, s, have, want[k*3+s])
			}
		}
		if !out.Masked(k*3 + 2) {
			t.Errorf("time %d: empty shape should be masked", k)
		}
	}
	if s, _ := p.Sink().Attr("shapes"); s != "test" {
		t.Errorf("shapes attribute: have %q", s)
	}
}

func TestShapeAverageMaskedShape(t *testing.T) {
	ds := newTestDataset(t, 2000, 2001, 2, func(k, j, i int) float64 { return 1 })
	v := ds.Variable("t2")
	v.Mask = make([]bool, v.Size())
	v.Mask[0], v.Mask[12] = true, true // cell (0, 0) at both times
	corner := make([]bool, 12)
	corner[0] = true
	all := make([]bool, 12)
	for i := range all {
		all[i] = true
	}
	shapes := &ShapeSet{Name: "corners", Shapes: []ShapeMask{
		{Name: "corner", Nx: 4, Ny: 3, Mask: corner},
		{Name: "all", Nx: 4, Ny: 3, Mask: all},
	}}

	log, hook := logtest.NewNullLogger()
	p := newTestProcessor(t, ds, WithLogger(log))
	if err := p.ShapeAverage(shapes, "corners", true); err != nil {
		t.Fatal(err)
	}
	out := p.Sink().Variable("t2")
	if !out.Masked(0) || !out.Masked(2) {
		t.Errorf("shape with only masked cells should be masked")
	}
	if out.Masked(1) || out.Get(1, 1) != 1 {
		t.Errorf("shape with valid cells: have %g", out.Get(1, 1))
	}
	var warned []string
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			warned = append(warned, e.Data["shape"].(string))
		}
	}
	if !sameStrings(warned, []string{"corner"}) {
		t.Errorf("warnings for shapes %v, want [corner]", warned)
	}
}

func TestChainedOperations(t *testing.T) {
	ds := newTestDataset(t, 1979, 1989, 120, func(k, j, i int) float64 { return float64(i) })
	p := newTestProcessor(t, ds)
	if err := p.Climatology(10, 0, false); err != nil {
		t.Fatal(err)
	}
	if len(p.Sink().Variables()) != 0 {
		t.Fatal("unflushed result should not be in the sink")
	}
	if err := p.ShapeAverage(testShapes(), "test", false); err != nil {
		t.Fatal(err)
	}
	if err := p.Sync(true); err != nil {
		t.Fatal(err)
	}
	out := p.Sink().Variable("t2")
	if have, want := out.Shape(), []int{1, 3}; !sameInts(have, want) {
		t.Fatalf("shape: have %v, want %v", have, want)
	}
	if have := out.Get(0, 1); !floats.EqualWithinAbsOrRel(have, 1.5, testTolerance, testTolerance) {
		t.Errorf("have %g, want 1.5", have)
	}
	if period, _ := p.Sink().Attr("period"); period != "1979-1989" {
		t.Errorf("period: have %q", period)
	}
	if !p.Sink().Sealed() {
		t.Errorf("sink should be sealed")
	}

	var ce *ConfigError
	if err := p.Climatology(10, 0, true); !errors.As(err, &ce) {
		t.Errorf("operation on sealed sink: want ConfigError, have %v", err)
	}
	if err := p.Sync(true); err != nil {
		t.Errorf("repeated sync: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
}

func TestSinkAxisMismatch(t *testing.T) {
	ds := newTestDataset(t, 2000, 2001, 1, func(k, j, i int) float64 { return 1 })
	p := newTestProcessor(t, ds)
	if err := p.ShapeAverage(testShapes(), "three", true); err != nil {
		t.Fatal(err)
	}
	two := testShapes()
	two.Shapes = two.Shapes[:2]
	var ce *ConfigError
	if err := p.ShapeAverage(two, "two", true); !errors.As(err, &ce) {
		t.Errorf("want ConfigError, have %v", err)
	}
}

func TestVarlist(t *testing.T) {
	ds := newTestDataset(t, 2000, 2001, 1, func(k, j, i int) float64 { return 1 })
	if _, err := ds.AddVariable("area", "m2", []string{"lat", "lon"}, sparse.ZerosDense(3, 4), nil); err != nil {
		t.Fatal(err)
	}
	p, err := NewProcessor(ds, NewDataset("sink"), []string{"area"}, WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Sync(false); err != nil {
		t.Fatal(err)
	}
	if err := p.ShapeAverage(testShapes(), "test", true); err != nil {
		t.Fatal(err)
	}
	if names := p.Sink().VariableNames(); !sameStrings(names, []string{"area"}) {
		t.Errorf("variables: have %v", names)
	}
	if _, err := NewProcessor(ds, NewDataset("sink"), []string{"missing"}); err == nil {
		t.Errorf("unknown variable should be an error")
	}
}

type memStorage struct {
	committed []*Dataset
}

func (m *memStorage) Commit(ds *Dataset) error {
	m.committed = append(m.committed, ds)
	return nil
}

func TestSyncCommit(t *testing.T) {
	ds := newTestDataset(t, 2000, 2001, 12, func(k, j, i int) float64 { return 1 })
	s := new(memStorage)
	p := newTestProcessor(t, ds, WithStorage(s))
	if err := p.Climatology(1, 0, false); err != nil {
		t.Fatal(err)
	}
	if err := p.Sync(false); err != nil {
		t.Fatal(err)
	}
	if len(s.committed) != 0 || p.Sink().Sealed() {
		t.Fatalf("non-flushing sync should not commit")
	}
	if err := p.Sync(true); err != nil {
		t.Fatal(err)
	}
	if len(s.committed) != 1 || s.committed[0] != p.Sink() {
		t.Errorf("flushing sync should commit the sink once")
	}
	m, ok, err := p.Sink().Variable("t2").Mean()
	if err != nil || !ok || math.Abs(m-1) > testTolerance {
		t.Errorf("mean: have %g %v %v", m, ok, err)
	}
}
