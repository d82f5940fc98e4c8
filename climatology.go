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
	"sort"

	"github.com/ctessum/sparse"
	"github.com/ctessum/unit"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
)

const secondsPerDay = 86400.

// Climatology averages every variable that has a time axis over
// successive blocks of period years, starting offset years after the
// begin_date of the input. Each time step is weighted by its length in
// the calendar of the input, and masked values carry no weight.
// The time axis is replaced by one with one coordinate (the first year)
// per block, and the covered years are recorded in the "period"
// attribute, e.g. "1979-1989". Variables without a time axis are copied
// unchanged.
func (p *Processor) Climatology(period, offset int, flush bool) error {
	return p.ClimatologyBlocks(period, offset, 0, flush)
}

// ClimatologyBlocks is like Climatology but computes at most maxBlocks
// blocks. If maxBlocks is not positive, every block that fits within
// the date range of the input is computed.
func (p *Processor) ClimatologyBlocks(period, offset, maxBlocks int, flush bool) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	in, vars := p.input()
	begin, err := in.BeginYear()
	if err != nil {
		return err
	}
	end, err := in.EndYear()
	if err != nil {
		return err
	}
	start := begin + offset
	if period < 1 {
		return configErrorf("climatology: invalid period %d", period)
	}
	if offset < 0 || start+period > end {
		return &DateError{
			Msg:       "climatology: averaging period is outside of the source date range",
			Requested: [2]int{start, start + period},
			Available: [2]int{begin, end},
		}
	}
	nblocks := (end - start) / period
	if maxBlocks > 0 && nblocks > maxBlocks {
		nblocks = maxBlocks
	}

	tname := in.Dims.Time
	tax := in.Axis(tname)
	if tax == nil {
		return configErrorf("climatology: dataset %s has no time axis %q", in.Name, tname)
	}
	dates, weights, err := stepWeights(tax, in.Calendar)
	if err != nil {
		return err
	}
	block := make([]int, len(dates))
	for t, d := range dates {
		block[t] = -1
		if d.Year >= start {
			if b := (d.Year - start) / period; b < nblocks {
				block[t] = b
			}
		}
	}
	p.checkCoverage(in, block, weights, start, period, nblocks)

	out := newBuffer(in)
	newTime := &Axis{Name: tname, Units: "year", Coords: make([]float64, nblocks)}
	for b := range newTime.Coords {
		newTime.Coords[b] = float64(start + b*period)
	}
	if err := out.AddAxis(newTime); err != nil {
		return err
	}

	for _, v := range vars {
		td := v.AxisIndex(tname)
		if td < 0 {
			if err := passThrough(out, in, v); err != nil {
				return err
			}
			continue
		}
		if err := v.Load(); err != nil {
			return err
		}
		data, mask := blockMean(v, td, block, weights, nblocks)
		names := v.AxisNames()
		if err := copyInto(out, in, v, names); err != nil {
			return err
		}
		nv, err := out.AddVariable(v.Name, v.Units, names, data, mask)
		if err != nil {
			return err
		}
		nv.Attrs = v.copyAttrs()
		nv.FillValue = v.FillValue
	}
	out.SetAttr("period", fmt.Sprintf("%04d-%04d", start, start+nblocks*period))
	p.Log.WithFields(logrus.Fields{
		"dataset": in.Name,
		"period":  fmt.Sprintf("%04d-%04d", start, start+nblocks*period),
		"blocks":  nblocks,
	}).Info("climproc: computed climatology")
	return p.finish(out, flush)
}

// blockMean computes the weighted mean of v along dimension td for each
// block. Steps with block index -1 are ignored.
func blockMean(v *Variable, td int, block []int, weights []float64, nblocks int) (*sparse.DenseArray, []bool) {
	shape := v.Data.Shape
	nt := shape[td]
	outer := product(shape[:td])
	inner := product(shape[td+1:])
	outShape := append([]int(nil), shape...)
	outShape[td] = nblocks
	data := sparse.ZerosDense(outShape...)
	mask := make([]bool, len(data.Elements))
	anyMasked := false

	sum := make([]float64, nblocks)
	wsum := make([]float64, nblocks)
	for o := 0; o < outer; o++ {
		for k := 0; k < inner; k++ {
			for b := range sum {
				sum[b], wsum[b] = 0, 0
			}
			for t := 0; t < nt; t++ {
				b := block[t]
				if b < 0 {
					continue
				}
				i := (o*nt+t)*inner + k
				if !v.Valid(i) {
					continue
				}
				sum[b] += weights[t] * v.Data.Elements[i]
				wsum[b] += weights[t]
			}
			for b := 0; b < nblocks; b++ {
				i := (o*nblocks+b)*inner + k
				if wsum[b] > 0 {
					data.Elements[i] = sum[b] / wsum[b]
				} else {
					data.Elements[i] = v.FillValue
					mask[i] = true
					anyMasked = true
				}
			}
		}
	}
	if !anyMasked {
		mask = nil
	}
	return data, mask
}

// checkCoverage logs a warning for any block whose time steps do not
// cover the full block.
func (p *Processor) checkCoverage(in *Dataset, block []int, weights []float64, start, period, nblocks int) {
	for b := 0; b < nblocks; b++ {
		var w []float64
		for t, bt := range block {
			if bt == b {
				w = append(w, weights[t])
			}
		}
		var want float64
		for y := start + b*period; y < start+(b+1)*period; y++ {
			want += float64(in.Calendar.DaysInYear(y))
		}
		if have := floats.Sum(w); have < 0.99*want {
			p.Log.WithFields(logrus.Fields{
				"dataset": in.Name,
				"block":   fmt.Sprintf("%04d-%04d", start+b*period, start+(b+1)*period),
				"days":    have,
				"want":    want,
			}).Warn("climproc: climatology block is not fully covered by source data")
		}
	}
}

// stepWeights returns the date of each time step and its length in days.
// Monthly data are weighted by the number of days in each month;
// other data are weighted by the spacing between time coordinates.
func stepWeights(tax *Axis, cal CalendarKind) ([]Date, []float64, error) {
	tu, err := parseTimeUnits(tax.Units)
	if err != nil {
		return nil, nil, err
	}
	n := tax.Len()
	dates := make([]Date, n)
	for i, c := range tax.Coords {
		dates[i] = tu.decode(cal, c)
	}
	lengths := make([]*unit.Unit, n)
	switch {
	case n == 1:
		lengths[0] = tu.stepLength(cal, dates[0], 1)
	case isMonthly(tu, tax, dates, cal):
		for i, d := range dates {
			month := tu
			month.unit = "month"
			lengths[i] = month.stepLength(cal, d, 1)
		}
	default:
		for i := range dates {
			j, k := i, i+1
			if k == n {
				j, k = n-2, n-1
			}
			lengths[i] = tu.stepLength(cal, dates[j], tax.Coords[k]-tax.Coords[j])
		}
	}
	weights := make([]float64, n)
	for i, l := range lengths {
		if err := l.Check(unit.Second); err != nil {
			return nil, nil, fmt.Errorf("climproc: time axis %s: step %d: %v", tax.Name, i, err)
		}
		if weights[i] = inDays(l); weights[i] <= 0 {
			return nil, nil, configErrorf("time axis %s is not increasing at index %d", tax.Name, i)
		}
	}
	return dates, weights, nil
}

// isMonthly returns whether the time axis holds monthly values.
func isMonthly(tu timeUnits, tax *Axis, dates []Date, cal CalendarKind) bool {
	if tu.unit == "month" {
		return true
	}
	d := make([]float64, 0, len(dates)-1)
	for i := 1; i < len(dates); i++ {
		d = append(d, tu.toDays(cal, dates[i-1], tax.Coords[i]-tax.Coords[i-1]))
	}
	sort.Float64s(d)
	med := d[len(d)/2]
	return med >= 27 && med <= 32
}
