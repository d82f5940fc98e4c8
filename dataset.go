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
	"strconv"
	"strings"

	"github.com/ctessum/sparse"
)

// DimNames holds the names of the temporal and horizontal
// spatial axes of a dataset.
type DimNames struct {
	Time, X, Y string
}

// DefaultDims are the axis names used when a dataset does not
// specify its own.
var DefaultDims = DimNames{Time: "time", X: "lon", Y: "lat"}

// Dataset is an ordered collection of variables that share a table
// of axes. Variables refer to axes by their position in the table,
// so changes to an axis made through the dataset are seen by every
// variable that uses it.
type Dataset struct {
	Name string

	// FileList holds the paths of the files backing the dataset.
	FileList []string

	// Calendar is the calendar of the time axis.
	Calendar CalendarKind

	// Dims names the temporal and spatial axes.
	Dims DimNames

	// Grid is the native grid of the dataset, if known.
	Grid *GridDefinition

	axes      []*Axis
	axisIndex map[string]int

	vars     []*Variable
	varIndex map[string]int

	attrs     map[string]string
	attrOrder []string

	sealed bool
}

// NewDataset returns an empty dataset.
func NewDataset(name string) *Dataset {
	return &Dataset{
		Name:      name,
		Dims:      DefaultDims,
		axisIndex: make(map[string]int),
		varIndex:  make(map[string]int),
		attrs:     make(map[string]string),
	}
}

// SetAttr sets a global attribute.
func (d *Dataset) SetAttr(name, value string) {
	if _, ok := d.attrs[name]; !ok {
		d.attrOrder = append(d.attrOrder, name)
	}
	d.attrs[name] = value
}

// Attr returns a global attribute.
func (d *Dataset) Attr(name string) (string, bool) {
	v, ok := d.attrs[name]
	return v, ok
}

// AttrNames returns the global attribute names in insertion order.
func (d *Dataset) AttrNames() []string { return append([]string(nil), d.attrOrder...) }

// AddAxis adds a to the axis table. If an axis with the same name
// already exists, a must be compatible with it and the existing axis
// is kept. The dataset takes ownership of a.
func (d *Dataset) AddAxis(a *Axis) error {
	if i, ok := d.axisIndex[a.Name]; ok {
		if !d.axes[i].Compatible(a) {
			return configErrorf("dataset %s: axis %s (%s, length %d) is not compatible with existing axis (%s, length %d)",
				d.Name, a.Name, a.Units, a.Len(), d.axes[i].Units, d.axes[i].Len())
		}
		return nil
	}
	if d.sealed {
		return configErrorf("dataset %s is sealed; cannot add axis %s", d.Name, a.Name)
	}
	d.axisIndex[a.Name] = len(d.axes)
	d.axes = append(d.axes, a)
	return nil
}

// Axis returns the named axis, or nil if it does not exist.
// The returned axis must not be modified directly.
func (d *Dataset) Axis(name string) *Axis {
	i, ok := d.axisIndex[name]
	if !ok {
		return nil
	}
	return d.axes[i]
}

// AxisNames returns the names of all axes in the order they were added.
func (d *Dataset) AxisNames() []string {
	o := make([]string, len(d.axes))
	for i, a := range d.axes {
		o[i] = a.Name
	}
	return o
}

// AddVariable adds a variable with the named axes to d. data must have
// one dimension per axis with matching lengths. mask may be nil.
func (d *Dataset) AddVariable(name, units string, axes []string, data *sparse.DenseArray, mask []bool) (*Variable, error) {
	v, err := d.newVariable(name, units, axes)
	if err != nil {
		return nil, err
	}
	if err := checkShape(name, v.Shape(), data, mask); err != nil {
		return nil, err
	}
	v.Data, v.Mask = data, mask
	return v, d.insert(v)
}

// addDeferred adds a variable whose data is read by load on first use.
func (d *Dataset) addDeferred(name, units string, axes []string, load func() (*sparse.DenseArray, []bool, error)) (*Variable, error) {
	v, err := d.newVariable(name, units, axes)
	if err != nil {
		return nil, err
	}
	v.load = load
	return v, d.insert(v)
}

func (d *Dataset) newVariable(name, units string, axes []string) (*Variable, error) {
	v := &Variable{Name: name, Units: units, FillValue: defaultFill, ds: d}
	seen := make(map[string]bool)
	for _, a := range axes {
		i, ok := d.axisIndex[a]
		if !ok {
			return nil, configErrorf("dataset %s: variable %s refers to unknown axis %s", d.Name, name, a)
		}
		if seen[a] {
			return nil, configErrorf("dataset %s: variable %s repeats axis %s", d.Name, name, a)
		}
		seen[a] = true
		v.axes = append(v.axes, i)
	}
	return v, nil
}

func (d *Dataset) insert(v *Variable) error {
	if d.sealed {
		return configErrorf("dataset %s is sealed; cannot add variable %s", d.Name, v.Name)
	}
	if i, ok := d.varIndex[v.Name]; ok {
		old := d.vars[i]
		if !sameInts(old.Shape(), v.Shape()) || !sameStrings(old.AxisNames(), v.AxisNames()) {
			return configErrorf("dataset %s: variable %s already defined with axes %v %v; got %v %v",
				d.Name, v.Name, old.AxisNames(), old.Shape(), v.AxisNames(), v.Shape())
		}
		d.vars[i] = v
		return nil
	}
	d.varIndex[v.Name] = len(d.vars)
	d.vars = append(d.vars, v)
	return nil
}

// Variable returns the named variable, or nil if it does not exist.
func (d *Dataset) Variable(name string) *Variable {
	i, ok := d.varIndex[name]
	if !ok {
		return nil
	}
	return d.vars[i]
}

// Variables returns the variables in insertion order.
func (d *Dataset) Variables() []*Variable { return append([]*Variable(nil), d.vars...) }

// VariableNames returns the variable names in insertion order.
func (d *Dataset) VariableNames() []string {
	o := make([]string, len(d.vars))
	for i, v := range d.vars {
		o[i] = v.Name
	}
	return o
}

// SliceAxis trims the named axis to the index range [begin, end) and
// trims every variable that uses it to match. Deferred variables that
// use the axis are loaded first.
func (d *Dataset) SliceAxis(name string, begin, end int) error {
	if d.sealed {
		return configErrorf("dataset %s is sealed; cannot slice axis %s", d.Name, name)
	}
	ai, ok := d.axisIndex[name]
	if !ok {
		return configErrorf("dataset %s has no axis %s", d.Name, name)
	}
	a := d.axes[ai]
	if begin < 0 || end > a.Len() || begin > end {
		return configErrorf("dataset %s: invalid slice [%d, %d) of axis %s with length %d",
			d.Name, begin, end, name, a.Len())
	}
	for _, v := range d.vars {
		dim := -1
		for i, x := range v.axes {
			if x == ai {
				dim = i
			}
		}
		if dim < 0 {
			continue
		}
		if err := v.Load(); err != nil {
			return err
		}
		v.Data, v.Mask = sliceDim(v.Data, v.Mask, dim, begin, end)
	}
	a.Coords = append([]float64(nil), a.Coords[begin:end]...)
	if a.Labels != nil {
		a.Labels = append([]string(nil), a.Labels[begin:end]...)
	}
	return nil
}

// sliceDim returns the part of data between begin and end along dim.
func sliceDim(data *sparse.DenseArray, mask []bool, dim, begin, end int) (*sparse.DenseArray, []bool) {
	shape := append([]int(nil), data.Shape...)
	outer := product(shape[:dim])
	inner := product(shape[dim+1:])
	n := shape[dim]
	shape[dim] = end - begin
	out := sparse.ZerosDense(shape...)
	var outMask []bool
	if mask != nil {
		outMask = make([]bool, len(out.Elements))
	}
	k := 0
	for o := 0; o < outer; o++ {
		src := (o*n + begin) * inner
		cnt := (end - begin) * inner
		copy(out.Elements[k:k+cnt], data.Elements[src:src+cnt])
		if mask != nil {
			copy(outMask[k:k+cnt], mask[src:src+cnt])
		}
		k += cnt
	}
	return out, outMask
}

// Seal prevents any further changes to the variables and axes of d.
func (d *Dataset) Seal() { d.sealed = true }

// Sealed returns whether d has been sealed.
func (d *Dataset) Sealed() bool { return d.sealed }

// adopt copies v, which may belong to another dataset, into d.
// Axes of v that d does not have are copied; axes that d already has
// must be compatible with the ones of v.
func (d *Dataset) adopt(v *Variable) error {
	if d.sealed {
		return configErrorf("dataset %s is sealed; cannot add variable %s", d.Name, v.Name)
	}
	if err := v.Load(); err != nil {
		return err
	}
	names := v.AxisNames()
	for _, a := range v.Axes() {
		if existing := d.Axis(a.Name); existing != nil {
			if !existing.Compatible(a) || (existing.Len() != a.Len()) {
				return configErrorf("dataset %s: axis %s of variable %s (%s, length %d) does not match existing axis (%s, length %d)",
					d.Name, a.Name, v.Name, a.Units, a.Len(), existing.Units, existing.Len())
			}
			continue
		}
		if err := d.AddAxis(a.Copy()); err != nil {
			return err
		}
	}
	nv, err := d.newVariable(v.Name, v.Units, names)
	if err != nil {
		return err
	}
	nv.Attrs = v.copyAttrs()
	nv.FillValue = v.FillValue
	nv.Data = v.Data.Copy()
	if v.Mask != nil {
		nv.Mask = append([]bool(nil), v.Mask...)
	}
	return d.insert(nv)
}

// BeginYear returns the year of the begin_date attribute.
func (d *Dataset) BeginYear() (int, error) { return d.yearAttr("begin_date") }

// EndYear returns the year of the end_date attribute.
func (d *Dataset) EndYear() (int, error) { return d.yearAttr("end_date") }

// SetDateRange sets the begin_date and end_date attributes, if they
// are missing, from the time axis. The end date is the end of the last
// time step, so monthly data for 1979 yield 1979-01-01 and 1980-01-01.
func (d *Dataset) SetDateRange() error {
	_, hasBegin := d.attrs["begin_date"]
	_, hasEnd := d.attrs["end_date"]
	if hasBegin && hasEnd {
		return nil
	}
	tax := d.Axis(d.Dims.Time)
	if tax == nil || tax.Len() == 0 {
		return &DateError{Msg: fmt.Sprintf("dataset %s has no date attributes and no time axis", d.Name)}
	}
	dates, weights, err := stepWeights(tax, d.Calendar)
	if err != nil {
		return err
	}
	n := len(dates)
	if !hasBegin {
		d.SetAttr("begin_date", dates[0].String())
	}
	if !hasEnd {
		d.SetAttr("end_date", d.Calendar.addDays(dates[n-1], weights[n-1]).String())
	}
	return nil
}

func (d *Dataset) yearAttr(name string) (int, error) {
	s, ok := d.attrs[name]
	if !ok {
		return 0, &DateError{Msg: fmt.Sprintf("dataset %s has no %s attribute", d.Name, name)}
	}
	y, err := parseYear(s)
	if err != nil {
		return 0, &DateError{Msg: fmt.Sprintf("dataset %s: invalid %s %q: %v", d.Name, name, s, err)}
	}
	return y, nil
}

// parseYear returns the year of a year-first date string such as
// 1979-01-01, 1979-01 or 1979.
func parseYear(s string) (int, error) {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, "-/ T"); i > 0 {
		s = s[:i]
	}
	return strconv.Atoi(s)
}

func sameInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
