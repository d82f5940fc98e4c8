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

package hash

import (
	"math"
	"strings"
	"testing"
)

type cell struct {
	Name string
	V    []float64
}

type named string

func (n named) String() string { return "named:" + string(n) }

func TestHash(t *testing.T) {
	a := cell{Name: "a", V: []float64{1, 2}}
	b := cell{Name: "a", V: []float64{1, 2}}
	c := cell{Name: "a", V: []float64{1, 3}}
	if Hash(a) != Hash(b) {
		t.Errorf("equal values hash differently")
	}
	if Hash(a) == Hash(c) {
		t.Errorf("different values hash the same")
	}
	t.Run("stringer", func(t *testing.T) {
		if h := Hash(named("x")); h != "named:x" {
			t.Errorf("have %s, want named:x", h)
		}
	})
	t.Run("nan", func(t *testing.T) {
		n := cell{Name: "n", V: []float64{math.NaN()}}
		if Hash(n) == "" {
			t.Errorf("empty hash")
		}
	})
}

func TestKey(t *testing.T) {
	k := Key("mask", "grid", 3)
	if !strings.HasPrefix(k, "mask_") || strings.Count(k, "_") != 2 {
		t.Errorf("unexpected key %s", k)
	}
	if Key("mask", "grid", 3) != k {
		t.Errorf("key is not deterministic")
	}
}
