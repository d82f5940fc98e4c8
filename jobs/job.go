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
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spatialmodel/climproc"
	"github.com/spatialmodel/climproc/internal/hash"
)

// Mode selects whether a job reads climatologies or time series.
type Mode int

const (
	// ClimatologyMode jobs read or produce temporal averages.
	ClimatologyMode Mode = iota
	// TimeSeriesMode jobs read or produce monthly time series.
	TimeSeriesMode
)

func (m Mode) String() string {
	if m == TimeSeriesMode {
		return "time-series"
	}
	return "climatology"
}

// Title returns the mode as used in dataset titles.
func (m Mode) Title() string {
	if m == TimeSeriesMode {
		return "Time-Series"
	}
	return "Climatology"
}

// ParseMode parses "climatology" or "time-series".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "climatology", "clim":
		return ClimatologyMode, nil
	case "time-series", "timeseries", "ts":
		return TimeSeriesMode, nil
	}
	return 0, fmt.Errorf("jobs: invalid mode %q", s)
}

// Period is a range of years, [Begin, End). The zero Period means
// the whole record, or the long-term mean of observational datasets.
type Period struct {
	Begin, End int
}

func (p Period) String() string { return fmt.Sprintf("%4d-%4d", p.Begin, p.End) }

// IsZero returns whether p is the zero Period.
func (p Period) IsZero() bool { return p == Period{} }

// Len returns the length of p in years.
func (p Period) Len() int { return p.End - p.Begin }

// ParsePeriod parses strings like "1979-1989".
func ParsePeriod(s string) (Period, error) {
	var p Period
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d-%d", &p.Begin, &p.End); err != nil {
		return Period{}, fmt.Errorf("jobs: invalid period %q: %v", s, err)
	}
	if p.End <= p.Begin {
		return Period{}, fmt.Errorf("jobs: invalid period %q: end must be after begin", s)
	}
	return p, nil
}

// Job is one unit of work. A job with a ShapeGroup averages an existing
// climatology or time series over shapes; otherwise it computes a
// climatology from a time series, optionally regridded to Grid.
type Job struct {
	Dataset    string
	Experiment string
	FileType   string
	Domain     string

	// Grid is the target grid of a climatology job.
	Grid string

	Mode   Mode
	Period Period

	// Offset is the number of years between the start of the record
	// and the start of the climatology.
	Offset int

	ShapeGroup string
	Shapes     climproc.MaskProvider

	VarList   []string
	Overwrite bool
}

// Key returns a short key that identifies the output of j.
func (j Job) Key() string {
	id := struct {
		Dataset, Experiment, FileType, Domain, Grid string
		Mode                                        Mode
		Period                                      Period
		Offset                                      int
		ShapeGroup                                  string
		VarList                                     []string
	}{j.Dataset, j.Experiment, j.FileType, j.Domain, j.Grid, j.Mode, j.Period, j.Offset, j.ShapeGroup, j.VarList}
	return hash.Hash(id)[:12]
}

// Fields returns the job identity for log messages.
func (j Job) Fields() logrus.Fields {
	f := logrus.Fields{
		"dataset": j.Dataset,
		"mode":    j.Mode.String(),
	}
	for k, v := range map[string]string{
		"experiment":  j.Experiment,
		"filetype":    j.FileType,
		"domain":      j.Domain,
		"grid":        j.Grid,
		"shape_group": j.ShapeGroup,
	} {
		if v != "" {
			f[k] = v
		}
	}
	if !j.Period.IsZero() {
		f["period"] = j.Period.String()
	}
	return f
}

// Status is the outcome of a job.
type Status int

const (
	// Failed jobs returned an error.
	Failed Status = iota
	// Computed jobs published a new output.
	Computed
	// Skipped jobs found an up to date output.
	Skipped
)

func (s Status) String() string {
	switch s {
	case Computed:
		return "computed"
	case Skipped:
		return "skipped"
	}
	return "failed"
}

// Result is the outcome of running a job.
type Result struct {
	Job    Job
	Status Status
	Output string

	// Sink is the in-memory output; it is only set in debug mode.
	Sink *climproc.Dataset

	Err error
}

// fileName returns the name of a file of a dataset. tag is a grid or
// shape group name and may be empty.
func fileName(stem, tag string, mode Mode, period Period) string {
	s := stem
	if tag != "" {
		s += "_" + tag
	}
	if mode == TimeSeriesMode {
		return s + "_monthly.nc"
	}
	if period.IsZero() {
		return s + "_clim.nc"
	}
	return s + "_clim_" + period.String() + ".nc"
}
