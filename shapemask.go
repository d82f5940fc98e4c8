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

// MaskProvider maps shape names to boolean masks over a grid.
// Implementations must be safe for concurrent use, and returned masks
// must not be modified by the caller.
type MaskProvider interface {
	// ShapeNames returns the shape names in output order.
	ShapeNames() []string

	// Mask returns the mask of the named shape over grid, with
	// grid.Ny*grid.Nx elements in row-major (y, x) order. Cells
	// inside the shape are true.
	Mask(shape string, grid *GridDefinition) ([]bool, error)
}

// ShapeMask is a precomputed mask for one shape.
type ShapeMask struct {
	Name   string
	Nx, Ny int
	Mask   []bool
}

// ShapeSet is an ordered group of precomputed shape masks.
type ShapeSet struct {
	Name   string
	Shapes []ShapeMask
}

// ShapeNames implements MaskProvider.
func (s *ShapeSet) ShapeNames() []string {
	o := make([]string, len(s.Shapes))
	for i, m := range s.Shapes {
		o[i] = m.Name
	}
	return o
}

// Mask implements MaskProvider. The mask must have been built on a
// grid with the same dimensions as grid.
func (s *ShapeSet) Mask(shape string, grid *GridDefinition) ([]bool, error) {
	for _, m := range s.Shapes {
		if m.Name != shape {
			continue
		}
		if m.Nx != grid.Nx || m.Ny != grid.Ny || len(m.Mask) != m.Nx*m.Ny {
			return nil, configErrorf("shape %s: mask is %dx%d but grid %s is %dx%d",
				shape, m.Nx, m.Ny, grid.Name, grid.Nx, grid.Ny)
		}
		return m.Mask, nil
	}
	return nil, configErrorf("shape set %s has no shape %s", s.Name, shape)
}
