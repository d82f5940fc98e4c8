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

package jobs

import (
	"fmt"

	"github.com/spatialmodel/climproc"
)

// BatchSpec selects the jobs of a batch. Empty selections mean all
// the values the registry has.
type BatchSpec struct {
	Mode        Mode
	Datasets    []string
	Experiments []string
	FileTypes   []string
	Domains     []string

	// Grids are the target grids of climatology and time series jobs,
	// or the grids of the files that shape average jobs read. An empty
	// selection means the native grid.
	Grids []string

	// Periods are climatology lengths in years. They start Offset years
	// after the begin date of each experiment. A length of 0 means the
	// whole record, or the long-term mean of observational datasets.
	// Periods are ignored in time series mode.
	Periods []int
	Offset  int

	// ShapeGroup and Shapes make the batch one of shape averages.
	ShapeGroup string
	Shapes     climproc.MaskProvider

	VarList   []string
	Overwrite bool
}

// Enumerate returns the cross product of the selections in spec.
// It returns a DatasetError if a requested dataset is not registered
// or a requested experiment does not exist in any requested dataset.
func Enumerate(reg *Registry, spec BatchSpec) ([]Job, error) {
	names := spec.Datasets
	if len(names) == 0 {
		names = reg.Names()
	}
	if spec.ShapeGroup != "" && spec.Shapes == nil {
		return nil, &climproc.ConfigError{Msg: fmt.Sprintf("shape group %s has no shapes", spec.ShapeGroup)}
	}
	periods := spec.Periods
	if spec.Mode == TimeSeriesMode || len(periods) == 0 {
		periods = []int{0}
	}
	grids := spec.Grids
	if len(grids) == 0 {
		grids = []string{""}
	}

	found := make(map[string]bool)
	var jobs []Job
	for _, name := range names {
		d, err := reg.Dataset(name)
		if err != nil {
			return nil, err
		}
		experiments, err := selectExperiments(d, spec.Experiments, found)
		if err != nil {
			return nil, err
		}
		domains := selectStrings(d.Domains, spec.Domains)
		for _, e := range experiments {
			for _, ft := range selectStrings(d.FileTypes, spec.FileTypes) {
				for _, dom := range domains {
					for _, grid := range grids {
						for _, n := range periods {
							job := Job{
								Dataset:    d.Name,
								Experiment: e.Name,
								FileType:   ft,
								Domain:     dom,
								Grid:       grid,
								Mode:       spec.Mode,
								Offset:     spec.Offset,
								ShapeGroup: spec.ShapeGroup,
								Shapes:     spec.Shapes,
								VarList:    spec.VarList,
								Overwrite:  spec.Overwrite,
							}
							if spec.Mode == ClimatologyMode && n != 0 {
								p, err := experimentPeriod(d, e, spec.Offset, n)
								if err != nil {
									return nil, err
								}
								job.Period = p
							}
							jobs = append(jobs, job)
						}
					}
				}
			}
		}
	}
	for _, e := range spec.Experiments {
		if !found[e] {
			return nil, &climproc.DatasetError{Name: fmt.Sprint(names), Msg: fmt.Sprintf("no dataset has experiment %q", e)}
		}
	}
	return jobs, nil
}

// selectExperiments returns the requested experiments of d, recording
// the identifiers it finds.
func selectExperiments(d *Dataset, requested []string, found map[string]bool) ([]*Experiment, error) {
	if !d.Kind.HasExperiments() || len(requested) == 0 {
		return d.Experiments(), nil
	}
	var out []*Experiment
	for _, id := range requested {
		if e, ok := d.lookup[id]; ok {
			found[id] = true
			out = append(out, e)
		}
	}
	return out, nil
}

// selectStrings returns the values of have that are in want, or all of
// have if want is empty. It returns a single empty string if have is
// empty.
func selectStrings(have, want []string) []string {
	if len(have) == 0 {
		return []string{""}
	}
	if len(want) == 0 {
		return have
	}
	var out []string
	for _, h := range have {
		for _, w := range want {
			if h == w {
				out = append(out, h)
				break
			}
		}
	}
	return out
}

// experimentPeriod returns the period of n years that starts offset
// years after the begin date of e.
func experimentPeriod(d *Dataset, e *Experiment, offset, n int) (Period, error) {
	if n < 0 {
		return Period{}, fmt.Errorf("jobs: invalid period length %d", n)
	}
	if e.BeginDate == "" {
		return Period{}, &climproc.DatasetError{Name: d.Name, Msg: fmt.Sprintf("experiment %q has no begin date", e.Name)}
	}
	var begin int
	if _, err := fmt.Sscanf(e.BeginDate, "%4d", &begin); err != nil {
		return Period{}, &climproc.DatasetError{Name: d.Name, Msg: fmt.Sprintf("experiment %q: invalid begin date %q", e.Name, e.BeginDate)}
	}
	return Period{Begin: begin + offset, End: begin + offset + n}, nil
}
