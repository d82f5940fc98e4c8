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

	"github.com/ctessum/sparse"
)

// Variable is an N-dimensional array of values tied to an ordered set
// of axes in the Dataset that owns it.
type Variable struct {
	Name  string
	Units string

	// Attrs holds additional string attributes such as "description".
	Attrs map[string]string

	// FillValue is the value written in place of masked elements.
	FillValue float64

	// Data holds the variable values. It is nil until the
	// variable has been loaded.
	Data *sparse.DenseArray

	// Mask marks masked elements with true. A nil mask means that
	// no elements are masked.
	Mask []bool

	axes []int // indices into ds.axes
	ds   *Dataset
	load func() (*sparse.DenseArray, []bool, error)
}

// Dataset returns the dataset that owns v.
func (v *Variable) Dataset() *Dataset { return v.ds }

// Axes returns the axes of v in dimension order. The returned axes
// belong to the owning dataset and must not be modified directly;
// use Dataset.SliceAxis instead.
func (v *Variable) Axes() []*Axis {
	o := make([]*Axis, len(v.axes))
	for i, a := range v.axes {
		o[i] = v.ds.axes[a]
	}
	return o
}

// AxisNames returns the names of the axes of v in dimension order.
func (v *Variable) AxisNames() []string {
	o := make([]string, len(v.axes))
	for i, a := range v.axes {
		o[i] = v.ds.axes[a].Name
	}
	return o
}

// AxisIndex returns the dimension index of the named axis in v,
// or -1 if v does not have that axis.
func (v *Variable) AxisIndex(name string) int {
	for i, a := range v.axes {
		if v.ds.axes[a].Name == name {
			return i
		}
	}
	return -1
}

// HasAxis returns whether v has the named axis.
func (v *Variable) HasAxis(name string) bool { return v.AxisIndex(name) >= 0 }

// Shape returns the lengths of the axes of v.
func (v *Variable) Shape() []int {
	o := make([]int, len(v.axes))
	for i, a := range v.axes {
		o[i] = v.ds.axes[a].Len()
	}
	return o
}

// Size returns the total number of elements in v.
func (v *Variable) Size() int { return product(v.Shape()) }

// Loaded returns whether the data for v has been read into memory.
func (v *Variable) Loaded() bool { return v.Data != nil }

// Load reads deferred data into memory. It is a no-op when the
// data is already loaded.
func (v *Variable) Load() error {
	if v.Data != nil {
		return nil
	}
	if v.load == nil {
		return fmt.Errorf("climproc: variable %s has no data", v.Name)
	}
	data, mask, err := v.load()
	if err != nil {
		return fmt.Errorf("climproc: loading variable %s: %v", v.Name, err)
	}
	if err := checkShape(v.Name, v.Shape(), data, mask); err != nil {
		return err
	}
	v.Data, v.Mask = data, mask
	v.load = nil
	return nil
}

// Masked returns whether the element at flat index i is masked.
func (v *Variable) Masked(i int) bool {
	return v.Mask != nil && v.Mask[i]
}

// Valid returns whether the element at flat index i is neither masked
// nor NaN. v must be loaded.
func (v *Variable) Valid(i int) bool {
	return !v.Masked(i) && !math.IsNaN(v.Data.Elements[i])
}

// Get returns the value at the given index. v must be loaded.
// It panics if index does not match the shape of v.
func (v *Variable) Get(index ...int) float64 {
	return v.Data.Get(index...)
}

// Mean returns the arithmetic mean of the valid elements of v,
// and false if there are none.
func (v *Variable) Mean() (float64, bool, error) {
	if err := v.Load(); err != nil {
		return 0, false, err
	}
	var sum float64
	var n int
	for i, val := range v.Data.Elements {
		if v.Valid(i) {
			sum += val
			n++
		}
	}
	if n == 0 {
		return 0, false, nil
	}
	return sum / float64(n), true, nil
}

// SliceAxis trims the named axis of the owning dataset to [begin, end).
// The change is visible through every variable that shares the axis.
func (v *Variable) SliceAxis(name string, begin, end int) error {
	if !v.HasAxis(name) {
		return configErrorf("variable %s does not have axis %s", v.Name, name)
	}
	return v.ds.SliceAxis(name, begin, end)
}

func (v *Variable) copyAttrs() map[string]string {
	if v.Attrs == nil {
		return nil
	}
	o := make(map[string]string, len(v.Attrs))
	for k, val := range v.Attrs {
		o[k] = val
	}
	return o
}

func checkShape(name string, shape []int, data *sparse.DenseArray, mask []bool) error {
	if data == nil {
		return configErrorf("variable %s: nil data", name)
	}
	if len(data.Shape) != len(shape) {
		return configErrorf("variable %s: data has %d dimensions but %d axes",
			name, len(data.Shape), len(shape))
	}
	for i, n := range shape {
		if data.Shape[i] != n {
			return configErrorf("variable %s: dimension %d has length %d but axis length is %d",
				name, i, data.Shape[i], n)
		}
	}
	if len(data.Elements) != product(shape) {
		return configErrorf("variable %s: shape %v but %d elements", name, shape, len(data.Elements))
	}
	if mask != nil && len(mask) != len(data.Elements) {
		return configErrorf("variable %s: mask length %d != data length %d",
			name, len(mask), len(data.Elements))
	}
	return nil
}

func product(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}
