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

// Package jobs enumerates processing jobs over a registry of datasets
// and runs them on a fixed pool of workers.
package jobs

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spatialmodel/climproc"
)

// Config is the contents of a registry file.
type Config struct {
	Datasets []DatasetConfig `toml:"dataset"`
}

// DatasetConfig describes one dataset in a registry file.
type DatasetConfig struct {
	Name string

	// Kind is one of "wrf", "cesm", or "obs".
	Kind string

	// Folder holds the dataset files. Datasets with experiments keep
	// the files of each experiment in a sub-folder named after it.
	Folder string

	FileTypes []string `toml:"filetypes"`

	// Domains are the WRF domain numbers, or the resolutions of an
	// observational dataset.
	Domains []string

	// Grid is the name of the native grid definition, if any.
	Grid string

	BeginDate string `toml:"begin_date"`
	EndDate   string `toml:"end_date"`

	Experiments []ExperimentConfig `toml:"experiment"`
}

// ExperimentConfig describes one experiment of a dataset.
type ExperimentConfig struct {
	Name      string
	Title     string
	Aliases   []string
	Folder    string
	BeginDate string `toml:"begin_date"`
	EndDate   string `toml:"end_date"`
	Grid      string
}

// Experiment is a resolved experiment. Observational datasets are
// represented by a single experiment with an empty name.
type Experiment struct {
	Name      string
	Title     string
	Folder    string
	BeginDate string
	EndDate   string
	Grid      string
}

// Dataset is a registered dataset.
type Dataset struct {
	Name      string
	Kind      Kind
	Folder    string
	FileTypes []string
	Domains   []string
	Grid      string
	BeginDate string
	EndDate   string

	experiments []*Experiment
	lookup      map[string]*Experiment
}

// Experiments returns the experiments of d in registry order.
func (d *Dataset) Experiments() []*Experiment {
	return append([]*Experiment(nil), d.experiments...)
}

// Kind holds the behavior that differs between kinds of datasets.
type Kind interface {
	// Name returns the identifier of the kind.
	Name() string

	// HasExperiments returns whether datasets of this kind are
	// organised by experiment.
	HasExperiments() bool

	// Stem returns the start of the names of the files of d with the
	// given file type and domain, e.g. "wrfsrfc_d01".
	Stem(d *Dataset, fileType, domain string) (string, error)

	// Open loads the named files of experiment e of d.
	Open(d *Dataset, e *Experiment, files ...string) (*climproc.Dataset, error)
}

var kinds = map[string]Kind{
	"wrf":  wrfKind{},
	"cesm": cesmKind{},
	"obs":  obsKind{},
}

type netcdfLoader struct{}

// Open reads the files as NetCDF and fills in the date range and name
// attributes from the registry where the files lack them.
func (netcdfLoader) Open(d *Dataset, e *Experiment, files ...string) (*climproc.Dataset, error) {
	name := d.Name
	if e.Name != "" {
		name = e.Name
	}
	ds, err := climproc.OpenNetCDF(name, files...)
	if err != nil {
		return nil, err
	}
	if _, ok := ds.Attr("name"); !ok {
		ds.SetAttr("name", name)
	}
	for attr, value := range map[string]string{"begin_date": e.BeginDate, "end_date": e.EndDate} {
		if _, ok := ds.Attr(attr); !ok && value != "" {
			ds.SetAttr(attr, value)
		}
	}
	if ds.Axis(ds.Dims.Time) != nil {
		if err := ds.SetDateRange(); err != nil {
			return nil, err
		}
	}
	return ds, nil
}

type wrfKind struct{ netcdfLoader }

func (wrfKind) Name() string         { return "wrf" }
func (wrfKind) HasExperiments() bool { return true }
func (wrfKind) Stem(d *Dataset, fileType, domain string) (string, error) {
	n, err := strconv.Atoi(domain)
	if err != nil || n < 1 {
		return "", fmt.Errorf("jobs: dataset %s: invalid WRF domain %q", d.Name, domain)
	}
	return fmt.Sprintf("wrf%s_d%02d", fileType, n), nil
}

type cesmKind struct{ netcdfLoader }

func (cesmKind) Name() string         { return "cesm" }
func (cesmKind) HasExperiments() bool { return true }
func (cesmKind) Stem(d *Dataset, fileType, domain string) (string, error) {
	if domain != "" {
		return "", fmt.Errorf("jobs: dataset %s: CESM datasets have no domains", d.Name)
	}
	return "cesm" + fileType, nil
}

type obsKind struct{ netcdfLoader }

func (obsKind) Name() string         { return "obs" }
func (obsKind) HasExperiments() bool { return false }
func (obsKind) Stem(d *Dataset, fileType, domain string) (string, error) {
	s := strings.ToLower(d.Name)
	if domain != "" {
		s += "_" + domain
	}
	return s, nil
}

// obsBeginDate is the begin date of observational datasets that do not
// specify one.
const obsBeginDate = "1979-01-01"

// Registry holds the known datasets. It is built once and not
// modified afterwards, so it can be shared between workers.
type Registry struct {
	datasets map[string]*Dataset
	names    []string
}

// LoadRegistry reads a registry file in TOML format.
func LoadRegistry(r io.Reader) (*Registry, error) {
	var c Config
	if _, err := toml.DecodeReader(r, &c); err != nil {
		return nil, fmt.Errorf("jobs: reading registry: %v", err)
	}
	return NewRegistry(c)
}

// NewRegistry checks c and builds a registry from it.
func NewRegistry(c Config) (*Registry, error) {
	reg := &Registry{datasets: make(map[string]*Dataset)}
	for _, dc := range c.Datasets {
		if dc.Name == "" {
			return nil, fmt.Errorf("jobs: registry: dataset without a name")
		}
		if _, ok := reg.datasets[dc.Name]; ok {
			return nil, fmt.Errorf("jobs: registry: duplicate dataset %s", dc.Name)
		}
		kind, ok := kinds[strings.ToLower(dc.Kind)]
		if !ok {
			return nil, fmt.Errorf("jobs: registry: dataset %s has unknown kind %q", dc.Name, dc.Kind)
		}
		d := &Dataset{
			Name:      dc.Name,
			Kind:      kind,
			Folder:    dc.Folder,
			FileTypes: dc.FileTypes,
			Domains:   dc.Domains,
			Grid:      dc.Grid,
			BeginDate: dc.BeginDate,
			EndDate:   dc.EndDate,
			lookup:    make(map[string]*Experiment),
		}
		if !kind.HasExperiments() {
			if dc.Name != strings.ToUpper(dc.Name) {
				return nil, fmt.Errorf("jobs: registry: observational dataset name %s must be upper case", dc.Name)
			}
			if len(dc.Experiments) > 0 {
				return nil, fmt.Errorf("jobs: registry: observational dataset %s cannot have experiments", dc.Name)
			}
			if d.BeginDate == "" {
				d.BeginDate = obsBeginDate
			}
			d.experiments = []*Experiment{{
				Folder:    d.Folder,
				BeginDate: d.BeginDate,
				EndDate:   d.EndDate,
				Grid:      d.Grid,
			}}
		} else if len(dc.Experiments) == 0 {
			return nil, fmt.Errorf("jobs: registry: dataset %s has no experiments", dc.Name)
		}
		for _, ec := range dc.Experiments {
			e := &Experiment{
				Name:      ec.Name,
				Title:     ec.Title,
				Folder:    ec.Folder,
				BeginDate: ec.BeginDate,
				EndDate:   ec.EndDate,
				Grid:      ec.Grid,
			}
			if e.Folder == "" {
				e.Folder = filepath.Join(d.Folder, e.Name)
			}
			if e.BeginDate == "" {
				e.BeginDate = d.BeginDate
			}
			if e.EndDate == "" {
				e.EndDate = d.EndDate
			}
			if e.Grid == "" {
				e.Grid = d.Grid
			}
			for _, id := range append([]string{ec.Name}, ec.Aliases...) {
				if id == "" {
					return nil, fmt.Errorf("jobs: registry: dataset %s has an experiment without a name", dc.Name)
				}
				if _, ok := d.lookup[id]; ok {
					return nil, fmt.Errorf("jobs: registry: dataset %s: duplicate experiment identifier %s", dc.Name, id)
				}
				d.lookup[id] = e
			}
			d.experiments = append(d.experiments, e)
		}
		if len(d.FileTypes) == 0 {
			d.FileTypes = []string{""}
		}
		reg.datasets[d.Name] = d
		reg.names = append(reg.names, d.Name)
	}
	sort.Strings(reg.names)
	return reg, nil
}

// Names returns the dataset identifiers in sorted order.
func (r *Registry) Names() []string { return append([]string(nil), r.names...) }

// Dataset returns the named dataset.
func (r *Registry) Dataset(name string) (*Dataset, error) {
	d, ok := r.datasets[name]
	if !ok {
		return nil, &climproc.DatasetError{Name: name, Msg: "unknown dataset"}
	}
	return d, nil
}

// Resolve returns the named dataset and experiment. Experiments may
// be referred to by alias. experiment must be empty for observational
// datasets and non-empty for the others.
func (r *Registry) Resolve(dataset, experiment string) (*Dataset, *Experiment, error) {
	d, err := r.Dataset(dataset)
	if err != nil {
		return nil, nil, err
	}
	if !d.Kind.HasExperiments() {
		if experiment != "" {
			return nil, nil, &climproc.DatasetError{Name: dataset,
				Msg: fmt.Sprintf("observational datasets have no experiments, but %q was requested", experiment)}
		}
		return d, d.experiments[0], nil
	}
	if experiment == "" {
		return nil, nil, &climproc.DatasetError{Name: dataset, Msg: "an experiment is required"}
	}
	e, ok := d.lookup[experiment]
	if !ok {
		return nil, nil, &climproc.DatasetError{Name: dataset, Msg: fmt.Sprintf("unknown experiment %q", experiment)}
	}
	return d, e, nil
}
