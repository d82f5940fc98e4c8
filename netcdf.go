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
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/ctessum/cdf"
	"github.com/ctessum/sparse"
)

// defaultFill is the NetCDF default fill value for floating point data.
const defaultFill = 9.969209968386869e36

var (
	xNames = []string{"lon", "longitude", "x", "west_east"}
	yNames = []string{"lat", "latitude", "y", "south_north"}
	tNames = []string{"time", "Time", "t"}
)

// ncfHeader is the header of one NetCDF file.
type ncfHeader struct {
	path string
	h    *cdf.Header
	nrec int
}

func readHeader(path string) (*ncfHeader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("climproc: opening netcdf file: %v", err)
	}
	defer f.Close()
	ff, err := cdf.Open(f)
	if err != nil {
		return nil, fmt.Errorf("climproc: reading netcdf header of %s: %v", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("climproc: %v", err)
	}
	return &ncfHeader{path: path, h: ff.Header, nrec: int(ff.Header.NumRecs(fi.Size()))}, nil
}

// recordDim returns the name of the record dimension, or "".
func (n *ncfHeader) recordDim() string {
	for i, l := range n.h.Lengths("") {
		if l == 0 {
			return n.h.Dimensions("")[i]
		}
	}
	return ""
}

// dimLength returns the length of the named dimension.
func (n *ncfHeader) dimLength(name string) int {
	for i, d := range n.h.Dimensions("") {
		if d == name {
			if l := n.h.Lengths("")[i]; l != 0 {
				return l
			}
			return n.nrec
		}
	}
	return -1
}

// isCoordinate returns whether v is the coordinate variable of a dimension.
func (n *ncfHeader) isCoordinate(v string) bool {
	d := n.h.Dimensions(v)
	return len(d) == 1 && d[0] == v
}

// OpenNetCDF returns a dataset backed by one or more NetCDF files.
// Multiple files are concatenated along their record dimension and must
// otherwise have the same structure. Variable data are read when they are
// first used. Values equal to the _FillValue or missing_value attribute
// of a variable are masked.
func OpenNetCDF(name string, files ...string) (*Dataset, error) {
	if len(files) == 0 {
		return nil, configErrorf("dataset %s: no files", name)
	}
	hdrs := make([]*ncfHeader, len(files))
	for i, file := range files {
		h, err := readHeader(file)
		if err != nil {
			return nil, err
		}
		hdrs[i] = h
	}
	first := hdrs[0]
	rec := first.recordDim()
	for _, h := range hdrs[1:] {
		if err := sameStructure(first, h); err != nil {
			return nil, err
		}
	}

	ds := NewDataset(name)
	ds.FileList = append([]string(nil), files...)
	for _, a := range first.h.Attributes("") {
		ds.SetAttr(a, attrString(first.h.GetAttribute("", a)))
	}

	// Axes
	for _, dim := range first.h.Dimensions("") {
		n := first.dimLength(dim)
		if dim == rec && len(hdrs) > 1 {
			n = 0
			for _, h := range hdrs {
				n += h.nrec
			}
		}
		a := &Axis{Name: dim, Unlimited: dim == rec}
		if first.isCoordinate(dim) {
			a.Units = attrString(first.h.GetAttribute(dim, "units"))
			var coords []float64
			if dim == rec {
				for _, h := range hdrs {
					c, err := readFloats(h, dim)
					if err != nil {
						return nil, err
					}
					coords = append(coords, c...)
				}
			} else {
				c, err := readFloats(first, dim)
				if err != nil {
					return nil, err
				}
				coords = c
			}
			a.Coords = coords
			for _, att := range first.h.Attributes(dim) {
				switch att {
				case "units":
				case "labels":
					a.Labels = splitLabels(attrString(first.h.GetAttribute(dim, att)))
				default:
					if a.Attrs == nil {
						a.Attrs = make(map[string]string)
					}
					a.Attrs[att] = attrString(first.h.GetAttribute(dim, att))
				}
			}
		} else {
			a.Coords = make([]float64, n)
			for i := range a.Coords {
				a.Coords[i] = float64(i)
			}
		}
		if len(a.Labels) != len(a.Coords) {
			a.Labels = nil
		}
		if err := ds.AddAxis(a); err != nil {
			return nil, err
		}
	}
	ds.Dims = DimNames{
		Time: firstPresent(ds, append([]string{rec}, tNames...)),
		X:    firstPresent(ds, xNames),
		Y:    firstPresent(ds, yNames),
	}
	if t := ds.Axis(ds.Dims.Time); t != nil {
		if c, ok := t.Attrs["calendar"]; ok {
			cal, err := ParseCalendar(c)
			if err != nil {
				return nil, err
			}
			ds.Calendar = cal
		} else if desc, ok := ds.Attr("description"); ok {
			ds.Calendar = calendarFromDescription(desc)
		}
	}

	// Variables
	for _, v := range first.h.Variables() {
		if first.isCoordinate(v) {
			continue
		}
		if _, ok := first.h.ZeroValue(v, 1).(string); ok {
			continue // character data
		}
		v := v
		isRec := first.h.IsRecordVariable(v)
		load := func() (*sparse.DenseArray, []bool, error) {
			var vals []float64
			src := hdrs
			if !isRec {
				src = hdrs[:1]
			}
			for _, h := range src {
				c, err := readFloats(h, v)
				if err != nil {
					return nil, nil, err
				}
				vals = append(vals, c...)
			}
			shape := ds.Variable(v).Shape()
			data := sparse.ZerosDense(shape...)
			if len(vals) != len(data.Elements) {
				return nil, nil, fmt.Errorf("expected %d values but read %d", len(data.Elements), len(vals))
			}
			copy(data.Elements, vals)
			return data, fillMask(first.h, v, data.Elements), nil
		}
		nv, err := ds.addDeferred(v, attrString(first.h.GetAttribute(v, "units")), first.h.Dimensions(v), load)
		if err != nil {
			return nil, err
		}
		if fv, ok := toFloat(first.h.FillValue(v)); ok {
			nv.FillValue = fv
		}
		for _, att := range first.h.Attributes(v) {
			if att == "units" || att == "_FillValue" || att == "missing_value" {
				continue
			}
			if nv.Attrs == nil {
				nv.Attrs = make(map[string]string)
			}
			nv.Attrs[att] = attrString(first.h.GetAttribute(v, att))
		}
	}
	return ds, nil
}

func sameStructure(a, b *ncfHeader) error {
	if !sameStrings(a.h.Variables(), b.h.Variables()) {
		return configErrorf("file %s has different variables than %s", b.path, a.path)
	}
	if a.recordDim() != b.recordDim() {
		return configErrorf("file %s has a different record dimension than %s", b.path, a.path)
	}
	if !sameStrings(a.h.Dimensions(""), b.h.Dimensions("")) || !sameInts(a.h.Lengths(""), b.h.Lengths("")) {
		return configErrorf("file %s has different dimensions than %s", b.path, a.path)
	}
	return nil
}

func firstPresent(ds *Dataset, names []string) string {
	for _, n := range names {
		if n != "" && ds.Axis(n) != nil {
			return n
		}
	}
	return names[len(names)-1]
}

// readFloats reads all values of variable v in the file described by h.
func readFloats(h *ncfHeader, v string) ([]float64, error) {
	f, err := os.Open(h.path)
	if err != nil {
		return nil, fmt.Errorf("climproc: %v", err)
	}
	defer f.Close()
	ff, err := cdf.Open(f)
	if err != nil {
		return nil, fmt.Errorf("climproc: reading %s: %v", h.path, err)
	}
	dims := ff.Header.Lengths(v)
	if dims == nil {
		return nil, fmt.Errorf("climproc: variable %s not in file %s", v, h.path)
	}
	if !ff.Header.IsRecordVariable(v) {
		r := ff.Reader(v, nil, nil)
		buf := r.Zero(product(dims))
		if _, err := r.Read(buf); err != nil {
			return nil, fmt.Errorf("climproc: reading variable %s from %s: %v", v, h.path, err)
		}
		return toFloats(buf), nil
	}
	// Record variables are read one record at a time.
	nread := product(dims[1:])
	var out []float64
	for rec := 0; rec < h.nrec; rec++ {
		start, end := make([]int, len(dims)), make([]int, len(dims))
		start[0], end[0] = rec, rec+1
		r := ff.Reader(v, start, end)
		buf := r.Zero(nread)
		if _, err := r.Read(buf); err != nil {
			return nil, fmt.Errorf("climproc: reading record %d of variable %s from %s: %v", rec, v, h.path, err)
		}
		out = append(out, toFloats(buf)...)
	}
	return out, nil
}

func toFloats(buf interface{}) []float64 {
	var o []float64
	switch b := buf.(type) {
	case []float64:
		o = append(o, b...)
	case []float32:
		o = make([]float64, len(b))
		for i, v := range b {
			o[i] = float64(v)
		}
	case []int32:
		o = make([]float64, len(b))
		for i, v := range b {
			o[i] = float64(v)
		}
	case []int16:
		o = make([]float64, len(b))
		for i, v := range b {
			o[i] = float64(v)
		}
	case []uint8:
		o = make([]float64, len(b))
		for i, v := range b {
			o[i] = float64(v)
		}
	}
	return o
}

func toFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int32:
		return float64(x), true
	case int16:
		return float64(x), true
	case uint8:
		return float64(x), true
	case string:
		return 0, false
	}
	f := toFloats(v)
	if len(f) == 0 {
		return 0, false
	}
	return f[0], true
}

// fillMask returns the mask of elements equal to the fill value or
// missing value of v, or NaN. It returns nil if no element is masked.
func fillMask(h *cdf.Header, v string, vals []float64) []bool {
	var fills []float64
	if f, ok := toFloat(h.FillValue(v)); ok {
		fills = append(fills, f)
	}
	if f, ok := toFloat(h.GetAttribute(v, "missing_value")); ok {
		fills = append(fills, f)
	}
	var mask []bool
	for i, x := range vals {
		bad := math.IsNaN(x)
		for _, f := range fills {
			if x == f {
				bad = true
			}
		}
		if bad {
			if mask == nil {
				mask = make([]bool, len(vals))
			}
			mask[i] = true
		}
	}
	return mask
}

// attrString converts a NetCDF attribute value to a string.
func attrString(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []uint8:
		return string(x)
	}
	f := toFloats(v)
	s := make([]string, len(f))
	for i, x := range f {
		s[i] = strconv.FormatFloat(x, 'g', -1, 64)
	}
	return strings.Join(s, " ")
}

// NetCDFStorage commits datasets to a NetCDF file.
type NetCDFStorage struct {
	Path string
}

// Commit implements Storage. The file at Path is created or replaced.
func (s NetCDFStorage) Commit(ds *Dataset) error {
	w, err := os.Create(s.Path)
	if err != nil {
		return fmt.Errorf("climproc: creating %s: %v", s.Path, err)
	}
	if err := WriteNetCDF(w, ds); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// WriteNetCDF writes ds to w in NetCDF classic format. Axes are
// written as coordinate variables and variables as 32-bit floats, with
// masked values replaced by the fill value.
func WriteNetCDF(w *os.File, ds *Dataset) error {
	axes := ds.AxisNames()
	lengths := make([]int, len(axes))
	for i, name := range axes {
		lengths[i] = ds.Axis(name).Len()
		if lengths[i] == 0 {
			return configErrorf("dataset %s: cannot write empty axis %s", ds.Name, name)
		}
	}
	for _, v := range ds.Variables() {
		if ds.Axis(v.Name) != nil {
			return configErrorf("dataset %s: variable %s has the same name as an axis", ds.Name, v.Name)
		}
		if err := v.Load(); err != nil {
			return err
		}
	}

	h := cdf.NewHeader(axes, lengths)
	for _, k := range ds.AttrNames() {
		if v, _ := ds.Attr(k); v != "" {
			h.AddAttribute("", k, v)
		}
	}
	for _, name := range axes {
		a := ds.Axis(name)
		h.AddVariable(name, []string{name}, []float64{0})
		if a.Units != "" {
			h.AddAttribute(name, "units", a.Units)
		}
		if name == ds.Dims.Time && a.Units != "year" && a.Attrs["calendar"] == "" {
			h.AddAttribute(name, "calendar", ds.Calendar.String())
		}
		for _, k := range sortedKeys(a.Attrs) {
			if a.Attrs[k] != "" && k != "units" && k != "labels" {
				h.AddAttribute(name, k, a.Attrs[k])
			}
		}
		if len(a.Labels) > 0 {
			h.AddAttribute(name, "labels", joinLabels(a.Labels))
		}
	}
	for _, v := range ds.Variables() {
		h.AddVariable(v.Name, v.AxisNames(), []float32{0})
		if v.Units != "" {
			h.AddAttribute(v.Name, "units", v.Units)
		}
		for _, k := range sortedKeys(v.Attrs) {
			if v.Attrs[k] != "" && k != "units" && k != "_FillValue" {
				h.AddAttribute(v.Name, k, v.Attrs[k])
			}
		}
		h.AddAttribute(v.Name, "_FillValue", []float32{float32(v.FillValue)})
	}
	h.Define()

	f, err := cdf.Create(w, h) // writes the header to w
	if err != nil {
		return fmt.Errorf("climproc: writing netcdf header: %v", err)
	}
	for _, name := range axes {
		a := ds.Axis(name)
		wr := f.Writer(name, []int{0}, []int{a.Len()})
		if _, err := wr.Write(a.Coords); err != nil {
			return fmt.Errorf("climproc: writing axis %s: %v", name, err)
		}
	}
	for _, v := range ds.Variables() {
		if err := writeNCF(f, v); err != nil {
			return fmt.Errorf("climproc: writing variable %s to netcdf file: %v", v.Name, err)
		}
	}
	return cdf.UpdateNumRecs(w)
}

func writeNCF(f *cdf.File, v *Variable) error {
	data32 := make([]float32, len(v.Data.Elements))
	for i, e := range v.Data.Elements {
		if v.Masked(i) {
			data32[i] = float32(v.FillValue)
			continue
		}
		data32[i] = float32(e)
	}
	end := f.Header.Lengths(v.Name)
	start := make([]int, len(end))
	w := f.Writer(v.Name, start, end)
	_, err := w.Write(data32)
	return err
}

// CheckNetCDF returns an error if the file at path does not have a
// readable header or ends before the last value of any variable.
// It detects files that were truncated while being written.
func CheckNetCDF(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	ff, err := cdf.Open(f)
	if err != nil {
		return fmt.Errorf("climproc: %s: invalid netcdf header: %v", path, err)
	}
	for _, v := range ff.Header.Variables() {
		if ff.Header.IsRecordVariable(v) {
			continue
		}
		dims := ff.Header.Lengths(v)
		last := make([]int, len(dims))
		for i, d := range dims {
			last[i] = d - 1
		}
		r := ff.Reader(v, last, last)
		buf := r.Zero(1)
		if _, err := r.Read(buf); err != nil {
			return fmt.Errorf("climproc: %s: variable %s is incomplete: %v", path, v, err)
		}
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	k := make([]string, 0, len(m))
	for key := range m {
		k = append(k, key)
	}
	sort.Strings(k)
	return k
}

// joinLabels joins axis labels with ";", escaping ";" and backslashes within
// labels with a backslash.
func joinLabels(labels []string) string {
	esc := strings.NewReplacer(`\`, `\\`, ";", `\;`)
	o := make([]string, len(labels))
	for i, l := range labels {
		o[i] = esc.Replace(l)
	}
	return strings.Join(o, ";")
}

// splitLabels reverses joinLabels.
func splitLabels(s string) []string {
	var labels []string
	var cur strings.Builder
	escaped := false
	for _, r := range s {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == ';':
			labels = append(labels, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	return append(labels, cur.String())
}
