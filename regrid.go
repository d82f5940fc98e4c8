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
	"fmt"
	"math"
	"sort"

	"github.com/ctessum/geom/proj"
	"github.com/ctessum/sparse"
	"github.com/sirupsen/logrus"
)

// Regrid resamples every spatial variable onto grid gd using bilinear
// interpolation. The location of the source cells is taken from the
// native grid of the input dataset or, if it does not have one, from its
// 1-D longitude and latitude axes. Masked source cells are left out of
// the interpolation, and target cells outside of the source domain are
// masked. Variables without spatial axes are copied unchanged.
func (p *Processor) Regrid(gd *GridDefinition, flush bool) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	if gd == nil {
		return configErrorf("regrid: nil grid definition")
	}
	in, vars := p.input()
	samples, nx, ny, err := samplePoints(in, gd)
	if err != nil {
		return err
	}

	out := newBuffer(in)
	xa, ya := gd.Axes()
	out.Dims = DimNames{Time: in.Dims.Time, X: xa.Name, Y: ya.Name}
	out.Grid = gd

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
		if err := checkGridShape(v, nx, ny); err != nil {
			return err
		}
		if err := v.Load(); err != nil {
			return err
		}
		names := v.AxisNames()
		outNames := append(append([]string(nil), names[:len(names)-2]...), ya.Name, xa.Name)
		if err := copyInto(out, in, v, names[:len(names)-2]); err != nil {
			return err
		}
		for _, a := range []*Axis{ya, xa} {
			if out.Axis(a.Name) == nil {
				if err := out.AddAxis(a.Copy()); err != nil {
					return err
				}
			}
		}
		data, mask := resample(v, samples, nx, ny, gd.Nx, gd.Ny)
		nv, err := out.AddVariable(v.Name, v.Units, outNames, data, mask)
		if err != nil {
			return err
		}
		nv.Attrs = v.copyAttrs()
		nv.FillValue = v.FillValue
	}
	out.SetAttr("grid", gd.Name)
	p.Log.WithFields(logrus.Fields{
		"dataset": in.Name,
		"grid":    gd.Name,
	}).Info("climproc: regridded dataset")
	return p.finish(out, flush)
}

// sample is the fractional source index of a target cell centre.
type sample struct {
	fi, fj float64
	ok     bool
}

// samplePoints locates the centre of every target cell in the source
// grid, returning the samples in row-major (y, x) order along with the
// source grid size.
func samplePoints(in *Dataset, gd *GridDefinition) ([]sample, int, int, error) {
	var locate func(x, y float64) (float64, float64)
	var srcProj string
	var nx, ny int
	geographic := false

	switch {
	case in.Grid != nil:
		src := in.Grid
		srcProj, nx, ny = src.Projection, src.Nx, src.Ny
		geographic = src.IsGeographic()
		locate = src.Index
		if geographic {
			xa := in.Axis(in.Dims.X)
			if xa == nil {
				xa, _ = src.Axes()
			}
			loc := locate
			lo, hi := axisRange(xa)
			locate = func(x, y float64) (float64, float64) {
				return loc(wrapLon(x, lo, hi), y)
			}
		}
	default:
		xa, ya := in.Axis(in.Dims.X), in.Axis(in.Dims.Y)
		if xa == nil || ya == nil || xa.Len() < 2 || ya.Len() < 2 {
			return nil, 0, 0, configErrorf("regrid: dataset %s has no geolocation information (grid definition or %s/%s axes)",
				in.Name, in.Dims.X, in.Dims.Y)
		}
		srcProj, nx, ny = LonLat, xa.Len(), ya.Len()
		geographic = true
		lo, hi := axisRange(xa)
		locate = func(x, y float64) (float64, float64) {
			return fractionalIndex(xa.Coords, wrapLon(x, lo, hi)), fractionalIndex(ya.Coords, y)
		}
	}

	var trans proj.Transformer
	if srcProj != gd.Projection && !(geographic && gd.IsGeographic()) {
		srcSR, err := proj.Parse(srcProj)
		if err != nil {
			return nil, 0, 0, configErrorf("regrid: source projection: %v", err)
		}
		dstSR, err := gd.SR()
		if err != nil {
			return nil, 0, 0, err
		}
		trans, err = dstSR.NewTransform(srcSR)
		if err != nil {
			return nil, 0, 0, fmt.Errorf("climproc: regrid: creating transform: %v", err)
		}
	}

	samples := make([]sample, gd.Nx*gd.Ny)
	for j := 0; j < gd.Ny; j++ {
		for i := 0; i < gd.Nx; i++ {
			x, y := gd.Cell(i, j)
			if trans != nil {
				var err error
				if x, y, err = trans(x, y); err != nil {
					continue // outside of the valid area of the projection
				}
			}
			fi, fj := locate(x, y)
			s := sample{fi: fi, fj: fj}
			s.ok = !math.IsNaN(fi) && !math.IsNaN(fj) &&
				fi >= -0.5 && fi <= float64(nx)-0.5 && fj >= -0.5 && fj <= float64(ny)-0.5
			samples[j*gd.Nx+i] = s
		}
	}
	return samples, nx, ny, nil
}

// resample interpolates every horizontal slice of v at the sample points.
func resample(v *Variable, samples []sample, nx, ny, onx, ony int) (*sparse.DenseArray, []bool) {
	shape := v.Data.Shape
	outer := product(shape[:len(shape)-2])
	outShape := append(append([]int(nil), shape[:len(shape)-2]...), ony, onx)
	data := sparse.ZerosDense(outShape...)
	mask := make([]bool, len(data.Elements))
	anyMasked := false
	nin, nout := nx*ny, onx*ony
	for o := 0; o < outer; o++ {
		for c, s := range samples {
			k := o*nout + c
			val, ok := bilinear(v, o*nin, nx, ny, s)
			if !ok {
				data.Elements[k] = v.FillValue
				mask[k] = true
				anyMasked = true
				continue
			}
			data.Elements[k] = val
		}
	}
	if !anyMasked {
		mask = nil
	}
	return data, mask
}

// bilinear interpolates the slice of v starting at base at sample s.
// Invalid neighbours are left out and the weights of the remaining
// neighbours are renormalised.
func bilinear(v *Variable, base, nx, ny int, s sample) (float64, bool) {
	if !s.ok {
		return 0, false
	}
	i0, j0 := int(math.Floor(s.fi)), int(math.Floor(s.fj))
	wx, wy := s.fi-float64(i0), s.fj-float64(j0)
	var sum, wsum float64
	for _, n := range [4]struct {
		i, j int
		w    float64
	}{
		{i0, j0, (1 - wx) * (1 - wy)},
		{i0 + 1, j0, wx * (1 - wy)},
		{i0, j0 + 1, (1 - wx) * wy},
		{i0 + 1, j0 + 1, wx * wy},
	} {
		if n.w == 0 || n.i < 0 || n.j < 0 || n.i >= nx || n.j >= ny {
			continue
		}
		idx := base + n.j*nx + n.i
		if !v.Valid(idx) {
			continue
		}
		sum += n.w * v.Data.Elements[idx]
		wsum += n.w
	}
	if wsum == 0 {
		return 0, false
	}
	return sum / wsum, true
}

// fractionalIndex returns the fractional position of x within the
// monotonic coordinates c, extrapolating linearly by up to half a cell.
func fractionalIndex(c []float64, x float64) float64 {
	n := len(c)
	asc := c[n-1] > c[0]
	i := sort.Search(n, func(i int) bool {
		if asc {
			return c[i] >= x
		}
		return c[i] <= x
	})
	switch {
	case i == 0:
		i = 1
	case i == n:
		i = n - 1
	}
	return float64(i-1) + (x-c[i-1])/(c[i]-c[i-1])
}

func axisRange(a *Axis) (lo, hi float64) {
	lo, hi = a.Coords[0], a.Coords[a.Len()-1]
	if lo > hi {
		lo, hi = hi, lo
	}
	return lo, hi
}

// wrapLon shifts longitude x by a whole turn if that brings it into,
// or closer to, the range [lo, hi].
func wrapLon(x, lo, hi float64) float64 {
	if x < lo {
		if x2 := x + 360; x2 <= hi || x2-hi < lo-x {
			return x2
		}
	}
	if x > hi {
		if x2 := x - 360; x2 >= lo || lo-x2 < x-hi {
			return x2
		}
	}
	return x
}
