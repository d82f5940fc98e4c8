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
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/ctessum/cdf"
	"github.com/ctessum/sparse"
	"gonum.org/v1/gonum/floats"
)

func tempDir(t *testing.T) string {
	dir, err := ioutil.TempDir("", "climproc_test")
	if err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestNetCDFRoundTrip(t *testing.T) {
	dir := tempDir(t)
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "out.nc")

	ds := newTestDataset(t, 2000, 2001, 12, func(k, j, i int) float64 { return float64(k) + 0.5*float64(i) })
	ds.SetAttr("title", "Area Averages from test climatology")
	v := ds.Variable("t2")
	v.Mask = make([]bool, v.Size())
	v.Mask[7] = true
	v.Attrs = map[string]string{"long_name": "2 m temperature"}
	ds.Calendar = NoLeap

	p := newTestProcessor(t, ds, WithStorage(NetCDFStorage{Path: path}))
	if err := p.ShapeAverage(testShapes(), "test", false); err != nil {
		t.Fatal(err)
	}
	if err := p.Sync(true); err != nil {
		t.Fatal(err)
	}
	if err := CheckNetCDF(path); err != nil {
		t.Fatal(err)
	}

	in, err := OpenNetCDF("in", path)
	if err != nil {
		t.Fatal(err)
	}
	if in.Calendar != NoLeap {
		t.Errorf("calendar: have %v", in.Calendar)
	}
	if title, _ := in.Attr("title"); title != "Area Averages from test climatology" {
		t.Errorf("title: have %q", title)
	}
	if s, _ := in.Attr("shapes"); s != "test" {
		t.Errorf("shapes attribute: have %q", s)
	}
	sa := in.Axis(ShapesAxis)
	if sa == nil || !sameStrings(sa.Labels, []string{"left", "all", "none"}) {
		t.Fatalf("shape axis: have %+v", sa)
	}
	if ta := in.Axis("time"); ta.Units != "month since 2000-01" || ta.Len() != 12 {
		t.Errorf("time axis: have %s length %d", ta.Units, ta.Len())
	}
	out := in.Variable("t2")
	if out.Loaded() {
		t.Error("variables should be read on first use")
	}
	if err := out.Load(); err != nil {
		t.Fatal(err)
	}
	want := p.Sink().Variable("t2")
	if !sameInts(out.Shape(), want.Shape()) {
		t.Fatalf("shape: have %v, want %v", out.Shape(), want.Shape())
	}
	for i := range want.Data.Elements {
		if want.Masked(i) != out.Masked(i) {
			t.Errorf("element %d: mask have %v, want %v", i, out.Masked(i), want.Masked(i))
			continue
		}
		if !want.Masked(i) && !floats.EqualWithinAbsOrRel(out.Data.Elements[i], want.Data.Elements[i], 1e-5, 1e-6) {
			t.Errorf("element %d: have %g, want %g", i, out.Data.Elements[i], want.Data.Elements[i])
		}
	}
	if out.Units != "K" || out.Attrs["long_name"] != "2 m temperature" {
		t.Errorf("metadata: have %q %v", out.Units, out.Attrs)
	}

	t.Run("truncated", func(t *testing.T) {
		fi, err := os.Stat(path)
		if err != nil {
			t.Fatal(err)
		}
		if err := os.Truncate(path, fi.Size()-4); err != nil {
			t.Fatal(err)
		}
		if err := CheckNetCDF(path); err == nil {
			t.Error("truncated file should fail the check")
		}
	})
}

// writeRecordFile writes a file with an unlimited time dimension and
// one variable v(time, x) = 10*time + x.
func writeRecordFile(t *testing.T, path string, times []float64) {
	h := cdf.NewHeader([]string{"time", "x"}, []int{0, 2})
	h.AddVariable("time", []string{"time"}, []float64{0})
	h.AddAttribute("time", "units", "days since 2000-01-01")
	h.AddAttribute("time", "calendar", "360_day")
	h.AddVariable("v", []string{"time", "x"}, []float32{0})
	h.AddAttribute("v", "units", "mm")
	h.AddAttribute("v", "missing_value", []float32{-999})
	h.AddAttribute("", "begin_date", "2000-01-01")
	h.Define()
	w, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	f, err := cdf.Create(w, h)
	if err != nil {
		t.Fatal(err)
	}
	for r, tv := range times {
		tw := f.Writer("time", []int{r}, []int{r + 1})
		if _, err := tw.Write([]float64{tv}); err != nil {
			t.Fatal(err)
		}
		vals := []float32{float32(10 * tv), float32(10*tv + 1)}
		if tv == 3 {
			vals[1] = -999
		}
		vw := f.Writer("v", []int{r, 0}, []int{r + 1, 0})
		if _, err := vw.Write(vals); err != nil {
			t.Fatal(err)
		}
	}
	if err := cdf.UpdateNumRecs(w); err != nil {
		t.Fatal(err)
	}
}

func TestOpenNetCDFRecords(t *testing.T) {
	dir := tempDir(t)
	defer os.RemoveAll(dir)
	f1, f2 := filepath.Join(dir, "a.nc"), filepath.Join(dir, "b.nc")
	writeRecordFile(t, f1, []float64{0, 1})
	writeRecordFile(t, f2, []float64{2, 3})

	ds, err := OpenNetCDF("cat", f1, f2)
	if err != nil {
		t.Fatal(err)
	}
	ta := ds.Axis("time")
	if !ta.Unlimited || !floats.Equal(ta.Coords, []float64{0, 1, 2, 3}) {
		t.Errorf("time axis: have %v (unlimited=%v)", ta.Coords, ta.Unlimited)
	}
	if ds.Dims.Time != "time" || ds.Dims.X != "x" {
		t.Errorf("dims: have %+v", ds.Dims)
	}
	if ds.Calendar != Day360 {
		t.Errorf("calendar: have %v", ds.Calendar)
	}
	v := ds.Variable("v")
	if err := v.Load(); err != nil {
		t.Fatal(err)
	}
	want := []float64{0, 1, 10, 11, 20, 21, 30, 31}
	for i, w := range want {
		if i == 7 {
			if !v.Masked(i) {
				t.Errorf("missing value should be masked")
			}
			continue
		}
		if v.Data.Elements[i] != w || v.Masked(i) {
			t.Errorf("element %d: have %g (masked=%v), want %g", i, v.Data.Elements[i], v.Masked(i), w)
		}
	}
	if len(ds.FileList) != 2 {
		t.Errorf("file list: have %v", ds.FileList)
	}
}

func TestWriteNetCDFErrors(t *testing.T) {
	dir := tempDir(t)
	defer os.RemoveAll(dir)
	ds := NewDataset("bad")
	if err := ds.AddAxis(NewIndexAxis("x", "", 2)); err != nil {
		t.Fatal(err)
	}
	if _, err := ds.AddVariable("x", "", []string{"x"}, sparse.ZerosDense(2), nil); err != nil {
		t.Fatal(err)
	}
	if err := (NetCDFStorage{Path: filepath.Join(dir, "bad.nc")}).Commit(ds); err == nil {
		t.Error("variable named like an axis should be an error")
	}
}

func TestLabels(t *testing.T) {
	for _, labels := range [][]string{
		{"Rhine", "Danube"},
		{"Bosnia; Herzegovina", `a\b`, ""},
		{`trailing\`, ";"},
	} {
		s := joinLabels(labels)
		if have := splitLabels(s); !sameStrings(have, labels) {
			t.Errorf("%q: have %q, want %q", s, have, labels)
		}
	}
	if have := joinLabels([]string{"x;y", "z"}); have != `x\;y;z` {
		t.Errorf("have %q", have)
	}
}
