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

package artifact

import (
	"errors"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func tempDir(t *testing.T) string {
	dir, err := ioutil.TempDir("", "climproc_artifact")
	if err != nil {
		t.Fatal(err)
	}
	return dir
}

func writeFile(t *testing.T, path string, size int, mod time.Time) {
	if err := ioutil.WriteFile(path, make([]byte, size), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mod, mod); err != nil {
		t.Fatal(err)
	}
}

func TestSourceAge(t *testing.T) {
	dir := tempDir(t)
	defer os.RemoveAll(dir)
	t0 := time.Date(2018, 1, 1, 0, 0, 0, 0, time.UTC)
	a, b := filepath.Join(dir, "a.nc"), filepath.Join(dir, "b.nc")
	writeFile(t, a, 1, t0)
	writeFile(t, b, 1, t0.Add(time.Hour))
	age, err := SourceAge([]string{a, b})
	if err != nil {
		t.Fatal(err)
	}
	if !age.Equal(t0.Add(time.Hour)) {
		t.Errorf("have %v, want the most recent time", age)
	}
	if _, err := SourceAge([]string{a, filepath.Join(dir, "missing.nc")}); err == nil {
		t.Error("missing source should be an error")
	}
}

func TestCheck(t *testing.T) {
	dir := tempDir(t)
	defer os.RemoveAll(dir)
	source := time.Date(2018, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := source.Add(time.Hour)
	older := source.Add(-time.Hour)

	tests := []struct {
		name   string
		c      Controller
		size   int
		mod    time.Time
		create bool
		want   Decision
	}{
		{name: "missing", c: Controller{MinSize: 10}, want: Compute},
		{name: "fresh", c: Controller{MinSize: 10}, size: 20, mod: newer, create: true, want: Skip},
		{name: "stale", c: Controller{MinSize: 10}, size: 20, mod: older, create: true, want: Compute},
		{name: "small", c: Controller{MinSize: 10}, size: 5, mod: newer, create: true, want: Compute},
		{name: "default size", c: Controller{}, size: 20, mod: newer, create: true, want: Compute},
		{name: "no minimum", c: Controller{MinSize: -1}, size: 1, mod: newer, create: true, want: Skip},
		{name: "overwrite", c: Controller{MinSize: 10, Overwrite: true}, size: 20, mod: newer, create: true, want: Compute},
		{name: "verify fails", c: Controller{MinSize: 10, Verify: func(string) error { return errors.New("truncated") }},
			size: 20, mod: newer, create: true, want: Compute},
		{name: "verify passes", c: Controller{MinSize: 10, Verify: func(string) error { return nil }},
			size: 20, mod: newer, create: true, want: Skip},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			out := filepath.Join(dir, strings.Replace(test.name, " ", "_", -1)+".nc")
			if test.create {
				writeFile(t, out, test.size, test.mod)
			}
			d, err := test.c.Check(out, source)
			if err != nil {
				t.Fatal(err)
			}
			if d != test.want {
				t.Errorf("have %v, want %v", d, test.want)
			}
			_, err = os.Stat(out)
			exists := err == nil
			if want := test.want == Skip; exists != want {
				t.Errorf("output exists: have %v, want %v", exists, want)
			}
		})
	}
}

func TestPublish(t *testing.T) {
	dir := tempDir(t)
	defer os.RemoveAll(dir)
	out := filepath.Join(dir, "cesm_atm_clim_1979-1989.nc")
	tmp := TempPath(out, "shpavg", 3)
	if filepath.Dir(tmp) != dir || filepath.Base(tmp) != "tmp_shpavg_3_cesm_atm_clim_1979-1989.nc" {
		t.Errorf("temp path: have %s", tmp)
	}
	if TempPath(out, "shpavg", 4) == tmp || TempPath(out, "other", 3) == tmp {
		t.Error("temp paths should differ by slot and job")
	}
	if err := ioutil.WriteFile(tmp, []byte("data"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := Publish(tmp, out); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(tmp); !os.IsNotExist(err) {
		t.Error("temp file should be gone after publishing")
	}
	if b, err := ioutil.ReadFile(out); err != nil || string(b) != "data" {
		t.Errorf("published output: %q, %v", b, err)
	}

	orphan := TempPath(out, "failed", 0)
	if err := ioutil.WriteFile(orphan, nil, 0644); err != nil {
		t.Fatal(err)
	}
	Discard(orphan)
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Error("orphaned temp file should be removed")
	}
}
