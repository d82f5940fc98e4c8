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

// Axis is a named one-dimensional coordinate such as time, longitude,
// latitude or level.
type Axis struct {
	Name  string
	Units string

	// Coords holds the coordinate value at each position along the axis.
	Coords []float64

	// Labels optionally names each coordinate, for example
	// the names of the shapes along a "shapes" axis.
	Labels []string

	// Unlimited marks a growable (record) axis.
	Unlimited bool

	// Attrs holds additional string attributes, e.g. "calendar".
	Attrs map[string]string
}

// Len returns the number of coordinates along a.
func (a *Axis) Len() int { return len(a.Coords) }

// Compatible returns whether a and b have the same name and units and,
// unless either is unlimited, the same length.
func (a *Axis) Compatible(b *Axis) bool {
	if a.Name != b.Name || a.Units != b.Units {
		return false
	}
	if a.Unlimited || b.Unlimited {
		return true
	}
	return a.Len() == b.Len()
}

// Copy returns a deep copy of a.
func (a *Axis) Copy() *Axis {
	o := &Axis{
		Name:      a.Name,
		Units:     a.Units,
		Coords:    append([]float64(nil), a.Coords...),
		Unlimited: a.Unlimited,
	}
	if a.Labels != nil {
		o.Labels = append([]string(nil), a.Labels...)
	}
	if a.Attrs != nil {
		o.Attrs = make(map[string]string, len(a.Attrs))
		for k, v := range a.Attrs {
			o.Attrs[k] = v
		}
	}
	return o
}

// NewIndexAxis returns a fixed axis whose coordinates are 0, 1, ..., n-1.
func NewIndexAxis(name, units string, n int) *Axis {
	a := &Axis{Name: name, Units: units, Coords: make([]float64, n)}
	for i := range a.Coords {
		a.Coords[i] = float64(i)
	}
	return a
}
