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

package jobs

import (
	"errors"
	"testing"

	"github.com/spatialmodel/climproc"
)

func TestEnumerate(t *testing.T) {
	reg := newTestRegistry(t)

	t.Run("cesm climatologies", func(t *testing.T) {
		jobs, err := Enumerate(reg, BatchSpec{
			Datasets:  []string{"CESM"},
			FileTypes: []string{"atm", "lnd"},
			Periods:   []int{5, 10},
			Offset:    1,
		})
		if err != nil {
			t.Fatal(err)
		}
		if len(jobs) != 2*2*2 {
			t.Fatalf("have %d jobs", len(jobs))
		}
		j := jobs[0]
		if j.Experiment != "tb20trcn1x1" || j.FileType != "atm" || j.Period != (Period{1980, 1985}) || j.Offset != 1 {
			t.Errorf("first job: %+v", j)
		}
		if p := jobs[len(jobs)-1].Period; p != (Period{2086, 2096}) {
			t.Errorf("last period: %v", p)
		}
	})

	t.Run("aliases and domains", func(t *testing.T) {
		jobs, err := Enumerate(reg, BatchSpec{
			Datasets:    []string{"CESM", "WRF"},
			Experiments: []string{"Ctrl", "max-ctrl"},
			Domains:     []string{"2"},
			FileTypes:   []string{"srfc", "atm"},
			Mode:        TimeSeriesMode,
			Periods:     []int{15},
		})
		if err != nil {
			t.Fatal(err)
		}
		if len(jobs) != 2 {
			t.Fatalf("have %d jobs: %+v", len(jobs), jobs)
		}
		if jobs[0].Dataset != "CESM" || jobs[0].Experiment != "tb20trcn1x1" || !jobs[0].Period.IsZero() {
			t.Errorf("cesm job: %+v", jobs[0])
		}
		if jobs[1].Dataset != "WRF" || jobs[1].Domain != "2" || jobs[1].FileType != "srfc" {
			t.Errorf("wrf job: %+v", jobs[1])
		}
	})

	t.Run("observations", func(t *testing.T) {
		jobs, err := Enumerate(reg, BatchSpec{
			Datasets:   []string{"GPCC"},
			Periods:    []int{0, 10},
			ShapeGroup: "shpavg",
			Shapes:     testShapeSet(),
		})
		if err != nil {
			t.Fatal(err)
		}
		if len(jobs) != 2*2 {
			t.Fatalf("have %d jobs", len(jobs))
		}
		if !jobs[0].Period.IsZero() || jobs[1].Period != (Period{1979, 1989}) || jobs[0].Domain != "05" {
			t.Errorf("jobs: %+v", jobs)
		}
		if jobs[0].Shapes == nil || jobs[0].ShapeGroup != "shpavg" {
			t.Error("shapes were not set")
		}
	})

	t.Run("all datasets", func(t *testing.T) {
		jobs, err := Enumerate(reg, BatchSpec{Mode: TimeSeriesMode})
		if err != nil {
			t.Fatal(err)
		}
		// CESM: 2 experiments x 3 file types; GPCC: 2 resolutions;
		// WRF: 2 file types x 2 domains.
		if len(jobs) != 6+2+4 {
			t.Errorf("have %d jobs", len(jobs))
		}
	})

	for name, spec := range map[string]BatchSpec{
		"unknown dataset":    {Datasets: []string{"ERA5"}},
		"unknown experiment": {Datasets: []string{"CESM"}, Experiments: []string{"Ctrl", "nope"}},
	} {
		_, err := Enumerate(reg, spec)
		var de *climproc.DatasetError
		if !errors.As(err, &de) {
			t.Errorf("%s: want DatasetError, have %v", name, err)
		}
	}
	if _, err := Enumerate(reg, BatchSpec{ShapeGroup: "x"}); err == nil {
		t.Error("expected an error for a shape group without shapes")
	}
}
