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
	"github.com/ctessum/sparse"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
)

// ShapesAxis is the name of the axis that replaces the spatial axes
// in the output of ShapeAverage.
const ShapesAxis = "shapes"

// ShapeAverage averages every spatial variable over each of the shapes
// provided by shapes, separately for every time step (and any other
// non-spatial axis). The two spatial axes are replaced by a single
// axis named "shapes" whose labels are the shape names, in order.
// A shape that contains no valid grid cells yields masked values.
// shapeName is recorded in the "shapes" attribute.
func (p *Processor) ShapeAverage(shapes MaskProvider, shapeName string, flush bool) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	if shapes == nil {
		return configErrorf("shape average: nil shapes")
	}
	in, vars := p.input()
	grid, err := referenceGrid(in)
	if err != nil {
		return err
	}
	names := shapes.ShapeNames()
	if len(names) == 0 {
		return configErrorf("shape average: shape group %s is empty", shapeName)
	}
	cells := make([][]int, len(names))
	for s, name := range names {
		m, err := shapes.Mask(name, grid)
		if err != nil {
			return err
		}
		if len(m) != grid.Nx*grid.Ny {
			return configErrorf("shape average: mask for shape %s has %d cells but grid %s has %d",
				name, len(m), grid.Name, grid.Nx*grid.Ny)
		}
		for i, inside := range m {
			if inside {
				cells[s] = append(cells[s], i)
			}
		}
		if len(cells[s]) == 0 {
			p.Log.WithFields(logrus.Fields{
				"shape":       name,
				"shape_group": shapeName,
				"grid":        grid.Name,
			}).Warn("climproc: shape does not contain any grid cells; output will be masked")
		}
	}

	out := newBuffer(in)
	out.Dims = DimNames{Time: in.Dims.Time}
	out.Grid = nil
	sa := NewIndexAxis(ShapesAxis, "", len(names))
	sa.Labels = append([]string(nil), names...)
	if err := out.AddAxis(sa); err != nil {
		return err
	}

	for _, v := range vars {
		spatial, err := spatialDims(v, in.Dims)
		if err != nil {
			return err
		}
		if !spatial {
			if err := passThrough(out, in, v); err != nil {
				return err
			}
			continue
		}
		if err := checkGridShape(v, grid.Nx, grid.Ny); err != nil {
			return err
		}
		if err := v.Load(); err != nil {
			return err
		}
		axes := v.AxisNames()
		outer := axes[:len(axes)-2]
		if err := copyInto(out, in, v, outer); err != nil {
			return err
		}
		data, mask, valid := shapeMeans(v, cells, grid.Nx*grid.Ny)
		for s, n := range valid {
			if n == 0 && len(cells[s]) > 0 {
				p.Log.WithFields(logrus.Fields{
					"shape":       names[s],
					"shape_group": shapeName,
					"variable":    v.Name,
				}).Warn("climproc: all grid cells within shape are masked; output will be masked")
			}
		}
		nv, err := out.AddVariable(v.Name, v.Units, append(append([]string(nil), outer...), ShapesAxis), data, mask)
		if err != nil {
			return err
		}
		nv.Attrs = v.copyAttrs()
		nv.FillValue = v.FillValue
	}
	out.SetAttr("shapes", shapeName)
	p.Log.WithFields(logrus.Fields{
		"dataset":     in.Name,
		"shape_group": shapeName,
		"shapes":      len(names),
	}).Info("climproc: computed shape averages")
	return p.finish(out, flush)
}

// shapeMeans returns the mean of the valid values of v within each
// list of cells, for every horizontal slice of v, along with the
// number of valid values found for each list.
func shapeMeans(v *Variable, cells [][]int, nxy int) (*sparse.DenseArray, []bool, []int) {
	shape := v.Data.Shape
	outShape := append(append([]int(nil), shape[:len(shape)-2]...), len(cells))
	outer := product(shape[:len(shape)-2])
	data := sparse.ZerosDense(outShape...)
	mask := make([]bool, len(data.Elements))
	anyMasked := false
	vals := make([]float64, 0, nxy)
	valid := make([]int, len(cells))
	for o := 0; o < outer; o++ {
		for s, c := range cells {
			vals = vals[:0]
			for _, i := range c {
				if idx := o*nxy + i; v.Valid(idx) {
					vals = append(vals, v.Data.Elements[idx])
				}
			}
			k := o*len(cells) + s
			valid[s] += len(vals)
			if len(vals) == 0 {
				data.Elements[k] = v.FillValue
				mask[k] = true
				anyMasked = true
				continue
			}
			data.Elements[k] = floats.Sum(vals) / float64(len(vals))
		}
	}
	if !anyMasked {
		mask = nil
	}
	return data, mask, valid
}

// referenceGrid returns the grid the spatial variables of in are defined on.
func referenceGrid(in *Dataset) (*GridDefinition, error) {
	if in.Grid != nil {
		return in.Grid, nil
	}
	xa, ya := in.Axis(in.Dims.X), in.Axis(in.Dims.Y)
	if xa == nil || ya == nil {
		return nil, configErrorf("dataset %s has no grid definition and no %s/%s axes",
			in.Name, in.Dims.X, in.Dims.Y)
	}
	return GridFromAxes(in.Name, LonLat, xa, ya)
}
