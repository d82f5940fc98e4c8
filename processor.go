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
	"github.com/sirupsen/logrus"
)

// Storage persists a sink dataset.
type Storage interface {
	// Commit writes the complete contents of ds to backing storage.
	Commit(ds *Dataset) error
}

// Processor binds one source dataset to one sink dataset and
// transforms data from the source into the sink. Operations run
// sequentially; a Processor must not be used concurrently.
//
// The result of each operation is buffered. If an operation is called
// with flush set, or Sync is called, the buffer is moved into the sink.
// Otherwise the next operation reads from the buffer instead of the source,
// so operations can be chained, e.g. Climatology followed by Regrid.
type Processor struct {
	// Log receives progress and warning messages.
	Log logrus.FieldLogger

	source, sink *Dataset
	varlist      []string
	storage      Storage

	buf *Dataset
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithStorage sets the storage the sink is committed to on a flushing Sync.
func WithStorage(s Storage) ProcessorOption {
	return func(p *Processor) { p.storage = s }
}

// WithLogger sets the logger of the processor.
func WithLogger(l logrus.FieldLogger) ProcessorOption {
	return func(p *Processor) { p.Log = l }
}

// NewProcessor returns a processor that reads from source and writes
// into sink. varlist restricts processing to the named source
// variables; if it is empty all variables are processed.
// The source dataset is never modified, except that deferred variables
// may be loaded.
func NewProcessor(source, sink *Dataset, varlist []string, opts ...ProcessorOption) (*Processor, error) {
	if source == nil || sink == nil {
		return nil, configErrorf("processor requires a source and a sink dataset")
	}
	if sink.Sealed() {
		return nil, configErrorf("sink dataset %s is sealed", sink.Name)
	}
	for _, name := range varlist {
		if source.Variable(name) == nil {
			return nil, configErrorf("source dataset %s has no variable %s", source.Name, name)
		}
	}
	p := &Processor{
		Log:     logrus.StandardLogger(),
		source:  source,
		sink:    sink,
		varlist: varlist,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Sink returns the sink dataset.
func (p *Processor) Sink() *Dataset { return p.sink }

// input returns the dataset and variables the next operation reads.
func (p *Processor) input() (*Dataset, []*Variable) {
	if p.buf != nil {
		return p.buf, p.buf.Variables()
	}
	if len(p.varlist) == 0 {
		return p.source, p.source.Variables()
	}
	vars := make([]*Variable, len(p.varlist))
	for i, name := range p.varlist {
		vars[i] = p.source.Variable(name)
	}
	return p.source, vars
}

// newBuffer returns an empty dataset with the metadata of in.
func newBuffer(in *Dataset) *Dataset {
	out := NewDataset(in.Name)
	out.FileList = append([]string(nil), in.FileList...)
	out.Calendar = in.Calendar
	out.Dims = in.Dims
	out.Grid = in.Grid
	for _, k := range in.AttrNames() {
		v, _ := in.Attr(k)
		out.SetAttr(k, v)
	}
	return out
}

// copyInto adds the axes of v that out does not have yet, and then adds
// a copy of v with the given data, mask, and axis names.
func copyInto(out *Dataset, in *Dataset, v *Variable, axes []string) error {
	for _, name := range axes {
		if out.Axis(name) != nil {
			continue
		}
		a := in.Axis(name)
		if a == nil {
			return configErrorf("axis %s not found for variable %s", name, v.Name)
		}
		if err := out.AddAxis(a.Copy()); err != nil {
			return err
		}
	}
	return nil
}

// passThrough copies v unchanged into out.
func passThrough(out, in *Dataset, v *Variable) error {
	if err := v.Load(); err != nil {
		return err
	}
	names := v.AxisNames()
	if err := copyInto(out, in, v, names); err != nil {
		return err
	}
	var mask []bool
	if v.Mask != nil {
		mask = append([]bool(nil), v.Mask...)
	}
	nv, err := out.AddVariable(v.Name, v.Units, names, v.Data.Copy(), mask)
	if err != nil {
		return err
	}
	nv.Attrs = v.copyAttrs()
	nv.FillValue = v.FillValue
	return nil
}

func (p *Processor) checkOpen() error {
	if p.sink.Sealed() {
		return configErrorf("sink dataset %s has already been synced and sealed", p.sink.Name)
	}
	return nil
}

// finish stores the result of an operation and moves it into the
// sink if flush is set.
func (p *Processor) finish(out *Dataset, flush bool) error {
	p.buf = out
	if flush {
		return p.transfer()
	}
	return nil
}

// transfer moves the buffered variables into the sink.
func (p *Processor) transfer() error {
	if p.buf == nil {
		return nil
	}
	for _, v := range p.buf.Variables() {
		if err := p.sink.adopt(v); err != nil {
			return err
		}
	}
	for _, k := range p.buf.AttrNames() {
		v, _ := p.buf.Attr(k)
		p.sink.SetAttr(k, v)
	}
	p.sink.Dims = p.buf.Dims
	p.sink.Grid = p.buf.Grid
	p.sink.Calendar = p.buf.Calendar
	if len(p.sink.FileList) == 0 {
		p.sink.FileList = append([]string(nil), p.buf.FileList...)
	}
	p.buf = nil
	return nil
}

// Sync moves any buffered results into the sink. If flush is set,
// the sink is also committed to storage and sealed, after which no
// further variables can be added to it.
func (p *Processor) Sync(flush bool) error {
	if p.sink.Sealed() {
		if p.buf != nil {
			return configErrorf("sink dataset %s is sealed; buffered results cannot be written", p.sink.Name)
		}
		return nil
	}
	if err := p.transfer(); err != nil {
		return err
	}
	if !flush {
		return nil
	}
	if p.storage != nil {
		if err := p.storage.Commit(p.sink); err != nil {
			return err
		}
	}
	p.sink.Seal()
	p.Log.WithFields(logrus.Fields{
		"dataset":   p.sink.Name,
		"variables": len(p.sink.vars),
	}).Debug("climproc: sink synced")
	return nil
}

// Close performs a final flushing Sync if the sink has not been sealed yet.
func (p *Processor) Close() error {
	if p.sink.Sealed() {
		return nil
	}
	return p.Sync(true)
}

// spatialDims returns whether v has both horizontal axes of dims.
// It returns an error if they are not the two innermost axes of v.
func spatialDims(v *Variable, dims DimNames) (bool, error) {
	names := v.AxisNames()
	xi, yi := v.AxisIndex(dims.X), v.AxisIndex(dims.Y)
	if xi < 0 || yi < 0 {
		return false, nil
	}
	n := len(names)
	if xi != n-1 || yi != n-2 {
		return false, configErrorf("variable %s: axes %v: spatial axes (%s, %s) must be the two innermost dimensions",
			v.Name, names, dims.Y, dims.X)
	}
	return true, nil
}

// checkGridShape returns an error if the horizontal size of v is not nx by ny.
func checkGridShape(v *Variable, nx, ny int) error {
	shape := v.Shape()
	n := len(shape)
	if shape[n-1] != nx || shape[n-2] != ny {
		return configErrorf("variable %s: horizontal size %dx%d does not match grid size %dx%d",
			v.Name, shape[n-1], shape[n-2], nx, ny)
	}
	return nil
}
