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

package climprocutil

import (
	"bytes"
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/encoding/shp"
	"github.com/ctessum/sparse"
	"github.com/spatialmodel/climproc"
	"github.com/spatialmodel/climproc/jobs"
	"gonum.org/v1/gonum/floats"
)

type region struct {
	geom.Polygon
	Name string
}

func box(x0, y0, x1, y1 float64) geom.Polygon {
	return geom.Polygon{{{X: x0, Y: y0}, {X: x1, Y: y0}, {X: x1, Y: y1}, {X: x0, Y: y1}, {X: x0, Y: y0}}}
}

// setup writes a registry, two years of monthly data on a 4x3
// longitude-latitude grid, a shapefile with two regions, and a
// shapefile with one basin to dir.
func setup(t *testing.T, dir string) {
	reg := fmt.Sprintf(`
[[dataset]]
name = "CESM"
kind = "cesm"
folder = %q
filetypes = ["atm"]

  [[dataset.experiment]]
  name = "tb20trcn1x1"
  aliases = ["Ctrl"]
  begin_date = "1979-01-01"

[[dataset]]
name = "MISSING"
kind = "obs"
folder = %q
`, dir, filepath.Join(dir, "missing"))
	if err := ioutil.WriteFile(filepath.Join(dir, "registry.toml"), []byte(reg), 0644); err != nil {
		t.Fatal(err)
	}

	ds := climproc.NewDataset("ts")
	months := make([]float64, 24)
	for i := range months {
		months[i] = float64(i)
	}
	for _, a := range []*climproc.Axis{
		{Name: "time", Units: "month since 1979-01", Coords: months},
		{Name: "lat", Units: "degrees_north", Coords: []float64{0.5, 1.5, 2.5}},
		{Name: "lon", Units: "degrees_east", Coords: []float64{0.5, 1.5, 2.5, 3.5}},
	} {
		if err := ds.AddAxis(a); err != nil {
			t.Fatal(err)
		}
	}
	data := sparse.ZerosDense(24, 3, 4)
	for k := 0; k < 24; k++ {
		for j := 0; j < 3; j++ {
			for i := 0; i < 4; i++ {
				data.Set(float64(10*(k/12)+i), k, j, i)
			}
		}
	}
	if _, err := ds.AddVariable("TS", "K", []string{"time", "lat", "lon"}, data, nil); err != nil {
		t.Fatal(err)
	}
	ts := filepath.Join(dir, "tb20trcn1x1", "cesmatm_monthly.nc")
	if err := os.MkdirAll(filepath.Dir(ts), os.ModePerm); err != nil {
		t.Fatal(err)
	}
	if err := (climproc.NetCDFStorage{Path: ts}).Commit(ds); err != nil {
		t.Fatal(err)
	}

	writeShapefile(t, filepath.Join(dir, "regions.shp"),
		region{Polygon: box(0, 0, 2, 3), Name: "west"},
		region{Polygon: box(2, 0, 4, 3), Name: "east"},
	)
	writeShapefile(t, filepath.Join(dir, "basins.shp"), region{Polygon: box(0, 1, 4, 2), Name: "delta"})
}

// writeShapefile writes regions to a longitude-latitude shapefile.
func writeShapefile(t *testing.T, path string, regions ...region) {
	e, err := shp.NewEncoder(path, region{})
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range regions {
		if err := e.Encode(r); err != nil {
			t.Fatal(err)
		}
	}
	e.Close()
	prj := strings.TrimSuffix(path, ".shp") + ".prj"
	if err := ioutil.WriteFile(prj, []byte(climproc.LonLat), 0644); err != nil {
		t.Fatal(err)
	}
}

func resetConfig(dir string) {
	Cfg.Set("registry", filepath.Join(dir, "registry.toml"))
	Cfg.Set("grid_folder", filepath.Join(dir, "grids"))
	Cfg.Set("log_file", filepath.Join(dir, "climproc.log"))
	Cfg.Set("min_size", -1)
	Cfg.Set("threads", 2)
	Cfg.Set("debug", false)
	Cfg.Set("overwrite", "")
	Cfg.Set("datasets", []string{"CESM"})
	Cfg.Set("experiments", []string{"Ctrl"})
	Cfg.Set("periods", []int{1})
	Cfg.Set("offset", 0)
	Cfg.Set("grid", []string{})
}

func TestVersion(t *testing.T) {
	buf := new(bytes.Buffer)
	Root.SetOutput(buf)
	defer Root.SetOutput(nil)
	Root.SetArgs([]string{"version"})
	if err := Root.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), climproc.Version) {
		t.Errorf("have %q", buf.String())
	}
}

func TestCommands(t *testing.T) {
	dir, err := ioutil.TempDir("", "climprocutil_test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	setup(t, dir)
	resetConfig(dir)
	Root.SetOutput(ioutil.Discard)
	defer Root.SetOutput(nil)

	Cfg.Set("GridDef.Name", "coarse")
	Cfg.Set("GridDef.X0", 0.)
	Cfg.Set("GridDef.Y0", 0.)
	Cfg.Set("GridDef.Dx", 2.)
	Cfg.Set("GridDef.Dy", 1.)
	Cfg.Set("GridDef.Nx", 2)
	Cfg.Set("GridDef.Ny", 3)
	Root.SetArgs([]string{"griddef"})
	if err := Root.Execute(); err != nil {
		t.Fatal(err)
	}
	gd, err := gridStore(Cfg).Load("coarse")
	if err != nil {
		t.Fatal(err)
	}
	if gd.Nx != 2 || gd.Ny != 3 || !gd.IsGeographic() {
		t.Errorf("grid: %+v", gd)
	}

	Cfg.Set("grid", []string{"coarse"})
	Root.SetArgs([]string{"climatology"})
	if err := Root.Execute(); err != nil {
		t.Fatal(err)
	}
	clim := filepath.Join(dir, "tb20trcn1x1", "cesmatm_coarse_clim_1979-1980.nc")
	ds, err := climproc.OpenNetCDF("clim", clim)
	if err != nil {
		t.Fatal(err)
	}
	v := ds.Variable("TS")
	if err := v.Load(); err != nil {
		t.Fatal(err)
	}
	if shape := v.Shape(); len(shape) != 3 || shape[1] != 3 || shape[2] != 2 {
		t.Errorf("shape %v", shape)
	}
	// Coarse cell centres at longitude 1 and 3 fall half-way between
	// source cells.
	if have := v.Get(0, 1, 1); !floats.EqualWithinAbs(have, 2.5, 1e-5) {
		t.Errorf("have %g, want 2.5", have)
	}

	Cfg.Set("shapefile", []string{filepath.Join(dir, "regions.shp")})
	Cfg.Set("shape_field", []string{"Name"})
	Cfg.Set("shape_group", "")
	Cfg.Set("mode", "climatology")
	Root.SetArgs([]string{"shpavg"})
	if err := Root.Execute(); err != nil {
		t.Fatal(err)
	}
	ds, err = climproc.OpenNetCDF("shpavg", filepath.Join(dir, "tb20trcn1x1", "cesmatm_regions_clim_1979-1980.nc"))
	if err != nil {
		t.Fatal(err)
	}
	v = ds.Variable("TS")
	if err := v.Load(); err != nil {
		t.Fatal(err)
	}
	for s, want := range []float64{0.5, 2.5} {
		if have := v.Get(0, s); !floats.EqualWithinAbs(have, want, 1e-5) {
			t.Errorf("shape %d: have %g, want %g", s, have, want)
		}
	}
	// Shapes from several files form one group.
	Cfg.Set("shapefile", []string{filepath.Join(dir, "regions.shp"), filepath.Join(dir, "basins.shp")})
	Root.SetArgs([]string{"shpavg"})
	if err := Root.Execute(); err != nil {
		t.Fatal(err)
	}
	ds, err = climproc.OpenNetCDF("shpavg", filepath.Join(dir, "tb20trcn1x1", "cesmatm_regions_basins_clim_1979-1980.nc"))
	if err != nil {
		t.Fatal(err)
	}
	if labels := ds.Axis(climproc.ShapesAxis).Labels; strings.Join(labels, ",") != "west,east,delta" {
		t.Errorf("labels %v", labels)
	}
	v = ds.Variable("TS")
	if err := v.Load(); err != nil {
		t.Fatal(err)
	}
	for s, want := range []float64{0.5, 2.5, 1.5} {
		if have := v.Get(0, s); !floats.EqualWithinAbs(have, want, 1e-5) {
			t.Errorf("shape %d: have %g, want %g", s, have, want)
		}
	}

	// Regridded time series, averaged over the same shapes.
	Root.SetArgs([]string{"regrid"})
	if err := Root.Execute(); err != nil {
		t.Fatal(err)
	}
	ds, err = climproc.OpenNetCDF("ts", filepath.Join(dir, "tb20trcn1x1", "cesmatm_coarse_monthly.nc"))
	if err != nil {
		t.Fatal(err)
	}
	v = ds.Variable("TS")
	if err := v.Load(); err != nil {
		t.Fatal(err)
	}
	if shape := v.Shape(); len(shape) != 3 || shape[0] != 24 || shape[2] != 2 {
		t.Errorf("shape %v", shape)
	}
	if have := v.Get(13, 1, 1); !floats.EqualWithinAbs(have, 12.5, 1e-5) {
		t.Errorf("have %g, want 12.5", have)
	}
	Cfg.Set("mode", "time-series")
	Root.SetArgs([]string{"shpavg"})
	if err := Root.Execute(); err != nil {
		t.Fatal(err)
	}
	ds, err = climproc.OpenNetCDF("shpavg", filepath.Join(dir, "tb20trcn1x1", "cesmatm_regions_basins_monthly.nc"))
	if err != nil {
		t.Fatal(err)
	}
	v = ds.Variable("TS")
	if err := v.Load(); err != nil {
		t.Fatal(err)
	}
	if have := v.Get(13, 2); !floats.EqualWithinAbs(have, 11.5, 1e-5) {
		t.Errorf("have %g, want 11.5", have)
	}
	Cfg.Set("mode", "climatology")

	Cfg.Set("shape_field", []string{"Name", "Name", "Name"})
	if err := setShapes(Cfg, &jobs.BatchSpec{}); err == nil {
		t.Error("more shape fields than shapefiles should be an error")
	}
	Cfg.Set("shape_field", []string{"Name"})

	if b, err := ioutil.ReadFile(filepath.Join(dir, "climproc.log")); err != nil || len(b) == 0 {
		t.Errorf("log file was not written: %v", err)
	}

	// A dataset without files fails every job.
	Cfg.Set("datasets", []string{"MISSING"})
	Cfg.Set("experiments", []string{})
	Cfg.Set("grid", []string{})
	Root.SetArgs([]string{"climatology"})
	err = Root.Execute()
	var be *BatchError
	if !errors.As(err, &be) {
		t.Fatalf("want BatchError, have %v", err)
	}
	if be.ExitCode() != 20 {
		t.Errorf("exit code %d", be.ExitCode())
	}
	resetConfig(dir)
}

func TestOverwrite(t *testing.T) {
	defer Cfg.Set("overwrite", "")
	defer Cfg.Set("debug", false)
	for _, test := range []struct {
		debug     bool
		overwrite string
		want      bool
	}{
		{false, "", false},
		{true, "", true},
		{true, "false", false},
		{false, "true", true},
	} {
		Cfg.Set("debug", test.debug)
		Cfg.Set("overwrite", test.overwrite)
		have, err := overwrite(Cfg)
		if err != nil {
			t.Fatal(err)
		}
		if have != test.want {
			t.Errorf("debug=%v overwrite=%q: have %v", test.debug, test.overwrite, have)
		}
	}
	Cfg.Set("overwrite", "maybe")
	if _, err := overwrite(Cfg); err == nil {
		t.Error("expected an error")
	}
}
