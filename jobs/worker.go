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
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spatialmodel/climproc"
	"github.com/spatialmodel/climproc/artifact"
)

// Worker runs jobs. A Worker may run several jobs concurrently as long
// as every concurrent call uses a different slot. The only side
// effect of a job is its published output file.
type Worker struct {
	Registry *Registry

	// Grids holds the grid definitions. It is required for jobs that
	// regrid and for datasets with a native grid.
	Grids *climproc.GridStore

	// Controller decides whether outputs are up to date. If it is nil,
	// outputs are verified with climproc.CheckNetCDF.
	Controller *artifact.Controller

	// OutputDir is the folder outputs are written to, in a sub-folder
	// per experiment. If it is empty, outputs are written next to the
	// source files.
	OutputDir string

	// Debug prefixes output files with "test_" and returns the output
	// dataset in the Result.
	Debug bool

	Log logrus.FieldLogger
}

func (w *Worker) log() logrus.FieldLogger {
	if w.Log == nil {
		return logrus.StandardLogger()
	}
	return w.Log
}

// Run runs a shape average job if job has a ShapeGroup. Otherwise it
// runs a time series job or a climatology job, depending on job.Mode.
func (w *Worker) Run(ctx context.Context, job Job, slot int) Result {
	switch {
	case job.ShapeGroup != "":
		return w.ShapeAverage(ctx, job, slot)
	case job.Mode == TimeSeriesMode:
		return w.TimeSeries(ctx, job, slot)
	default:
		return w.Climatology(ctx, job, slot)
	}
}

// ShapeAverage averages a climatology or time series file over the
// shapes of job and publishes the result.
func (w *Worker) ShapeAverage(ctx context.Context, job Job, slot int) Result {
	log := w.log().WithFields(job.Fields())
	res, err := w.shapeAverage(ctx, job, slot, log)
	return w.finish(res, err, log)
}

// Climatology averages a time series over the period of job,
// regrids it if job.Grid is not the native grid, and publishes the
// result.
func (w *Worker) Climatology(ctx context.Context, job Job, slot int) Result {
	log := w.log().WithFields(job.Fields())
	res, err := w.climatology(ctx, job, slot, log)
	return w.finish(res, err, log)
}

// TimeSeries regrids a monthly time series onto job.Grid and
// publishes the result.
func (w *Worker) TimeSeries(ctx context.Context, job Job, slot int) Result {
	log := w.log().WithFields(job.Fields())
	res, err := w.timeSeries(ctx, job, slot, log)
	return w.finish(res, err, log)
}

func (w *Worker) finish(res Result, err error, log logrus.FieldLogger) Result {
	if err != nil {
		res.Status = Failed
		res.Err = err
		log.WithError(err).Error("jobs: job failed")
		return res
	}
	log.WithFields(logrus.Fields{"status": res.Status, "output": res.Output}).Info("jobs: job finished")
	return res
}

func (w *Worker) shapeAverage(ctx context.Context, job Job, slot int, log logrus.FieldLogger) (Result, error) {
	res := Result{Job: job}
	if job.ShapeGroup == "" || job.Shapes == nil {
		return res, &climproc.ConfigError{Msg: "shape average job without shapes"}
	}
	d, e, err := w.Registry.Resolve(job.Dataset, job.Experiment)
	if err != nil {
		return res, err
	}
	if job.Mode == ClimatologyMode && job.Period.IsZero() && d.Kind.HasExperiments() {
		return res, &climproc.ConfigError{Msg: fmt.Sprintf("shape averages of %s climatologies require a period", d.Name)}
	}
	stem, err := d.Kind.Stem(d, job.FileType, job.Domain)
	if err != nil {
		return res, err
	}
	src := filepath.Join(e.Folder, fileName(stem, job.Grid, job.Mode, job.Period))
	res.Output = w.outputPath(e, fileName(stem, job.ShapeGroup, job.Mode, job.Period))
	if skip, err := w.upToDate(job, res.Output, src, log); err != nil || skip {
		res.Status = Skipped
		return res, err
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	ds, err := d.Kind.Open(d, e, src)
	if err != nil {
		return res, err
	}
	periodAttr := "time-series"
	if job.Mode == ClimatologyMode {
		periodAttr = "long-term mean"
		if !job.Period.IsZero() {
			periodAttr = job.Period.String()
			if have, ok := ds.Attr("period"); ok && have != periodAttr {
				return res, &climproc.DateError{Msg: fmt.Sprintf("%s: requested period %q is inconsistent with period %q recorded in the file", src, periodAttr, have)}
			}
		}
	}
	grid := e.Grid
	if job.Grid != "" {
		grid = job.Grid
	}
	if err := w.attachGrid(ds, grid); err != nil {
		return res, err
	}

	name, _ := ds.Attr("name")
	sink := climproc.NewDataset(strings.TrimSuffix(filepath.Base(res.Output), ".nc"))
	err = w.produce(ctx, job, slot, res.Output, ds, sink, log, func(p *climproc.Processor) error {
		if err := p.ShapeAverage(job.Shapes, job.ShapeGroup, true); err != nil {
			return err
		}
		sink.SetAttr("period", periodAttr)
		sink.SetAttr("name", name)
		sink.SetAttr("shapes", job.ShapeGroup)
		sink.SetAttr("title", fmt.Sprintf("Area Averages from %s %s", name, job.Mode.Title()))
		return nil
	})
	if err != nil {
		return res, err
	}
	res.Status = Computed
	if w.Debug {
		res.Sink = sink
	}
	return res, nil
}

func (w *Worker) timeSeries(ctx context.Context, job Job, slot int, log logrus.FieldLogger) (Result, error) {
	res := Result{Job: job}
	if job.Mode != TimeSeriesMode {
		return res, &climproc.ConfigError{Msg: fmt.Sprintf("%s job run as a time-series job", job.Mode)}
	}
	if job.ShapeGroup != "" {
		return res, &climproc.ConfigError{Msg: "time-series job with a shape group"}
	}
	if !job.Period.IsZero() {
		return res, &climproc.ConfigError{Msg: fmt.Sprintf("time-series jobs cover the whole record; have period %s", job.Period)}
	}
	d, e, err := w.Registry.Resolve(job.Dataset, job.Experiment)
	if err != nil {
		return res, err
	}
	if job.Grid == "" || job.Grid == e.Grid {
		return res, &climproc.ConfigError{Msg: fmt.Sprintf("time-series job for %s needs a grid other than the native grid %q", d.Name, e.Grid)}
	}
	if w.Grids == nil {
		return res, &climproc.ConfigError{Msg: fmt.Sprintf("regridding to %s requires a grid store", job.Grid)}
	}
	gd, err := w.Grids.Load(job.Grid)
	if err != nil {
		return res, err
	}
	stem, err := d.Kind.Stem(d, job.FileType, job.Domain)
	if err != nil {
		return res, err
	}
	src := filepath.Join(e.Folder, fileName(stem, "", TimeSeriesMode, Period{}))
	res.Output = w.outputPath(e, fileName(stem, job.Grid, TimeSeriesMode, Period{}))
	if skip, err := w.upToDate(job, res.Output, src, log); err != nil || skip {
		res.Status = Skipped
		return res, err
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	ds, err := d.Kind.Open(d, e, src)
	if err != nil {
		return res, err
	}
	if err := w.attachGrid(ds, e.Grid); err != nil {
		return res, err
	}
	name, _ := ds.Attr("name")
	sink := climproc.NewDataset(strings.TrimSuffix(filepath.Base(res.Output), ".nc"))
	err = w.produce(ctx, job, slot, res.Output, ds, sink, log, func(p *climproc.Processor) error {
		if err := p.Regrid(gd, false); err != nil {
			return err
		}
		if err := p.Sync(false); err != nil {
			return err
		}
		sink.SetAttr("name", name)
		sink.SetAttr("period", "time-series")
		return nil
	})
	if err != nil {
		return res, err
	}
	res.Status = Computed
	if w.Debug {
		res.Sink = sink
	}
	return res, nil
}

func (w *Worker) climatology(ctx context.Context, job Job, slot int, log logrus.FieldLogger) (Result, error) {
	res := Result{Job: job}
	if job.Mode != ClimatologyMode {
		return res, &climproc.ConfigError{Msg: fmt.Sprintf("%s job run as a climatology job", job.Mode)}
	}
	if job.ShapeGroup != "" {
		return res, &climproc.ConfigError{Msg: "climatology job with a shape group"}
	}
	d, e, err := w.Registry.Resolve(job.Dataset, job.Experiment)
	if err != nil {
		return res, err
	}
	stem, err := d.Kind.Stem(d, job.FileType, job.Domain)
	if err != nil {
		return res, err
	}
	src := filepath.Join(e.Folder, fileName(stem, "", TimeSeriesMode, Period{}))
	ds, err := d.Kind.Open(d, e, src)
	if err != nil {
		return res, err
	}
	if err := w.attachGrid(ds, e.Grid); err != nil {
		return res, err
	}

	begin, err := ds.BeginYear()
	if err != nil {
		return res, err
	}
	end, err := ds.EndYear()
	if err != nil {
		return res, err
	}
	start := begin + job.Offset
	n := job.Period.Len()
	if job.Period.IsZero() {
		n = end - start
	}
	if job.Offset < 0 || start >= end {
		return res, &climproc.DateError{
			Msg:       "offset is outside of the record",
			Requested: [2]int{start, start + n},
			Available: [2]int{begin, end},
		}
	}
	if !job.Period.IsZero() && job.Period.Begin != start {
		return res, &climproc.DateError{
			Msg:       fmt.Sprintf("requested period %s does not start at the begin of the record plus offset", job.Period),
			Requested: [2]int{job.Period.Begin, job.Period.End},
			Available: [2]int{begin, end},
		}
	}
	if start+n > end {
		return res, &climproc.DateError{
			Msg:       "averaging period extends past the end of the record",
			Requested: [2]int{start, start + n},
			Available: [2]int{begin, end},
		}
	}
	// A job computes a single climatology over its period.
	period := Period{Begin: start, End: start + n}

	var gd *climproc.GridDefinition
	tag := ""
	if job.Grid != "" && job.Grid != e.Grid {
		if w.Grids == nil {
			return res, &climproc.ConfigError{Msg: fmt.Sprintf("regridding to %s requires a grid store", job.Grid)}
		}
		if gd, err = w.Grids.Load(job.Grid); err != nil {
			return res, err
		}
		tag = job.Grid
	}
	res.Output = w.outputPath(e, fileName(stem, tag, ClimatologyMode, period))
	if skip, err := w.upToDate(job, res.Output, src, log); err != nil || skip {
		res.Status = Skipped
		return res, err
	}

	name, _ := ds.Attr("name")
	sink := climproc.NewDataset(strings.TrimSuffix(filepath.Base(res.Output), ".nc"))
	err = w.produce(ctx, job, slot, res.Output, ds, sink, log, func(p *climproc.Processor) error {
		if err := p.ClimatologyBlocks(n, job.Offset, 1, false); err != nil {
			return err
		}
		if gd != nil {
			if err := p.Regrid(gd, false); err != nil {
				return err
			}
		}
		if err := p.Sync(false); err != nil {
			return err
		}
		sink.SetAttr("name", name)
		sink.SetAttr("begin_date", fmt.Sprintf("%04d-01-01", period.Begin))
		sink.SetAttr("end_date", fmt.Sprintf("%04d-01-01", period.End))
		return nil
	})
	if err != nil {
		return res, err
	}
	res.Status = Computed
	if w.Debug {
		res.Sink = sink
	}
	return res, nil
}

// outputPath returns the path of the output file with the given name.
func (w *Worker) outputPath(e *Experiment, name string) string {
	if w.Debug {
		name = "test_" + name
	}
	if w.OutputDir == "" {
		return filepath.Join(e.Folder, name)
	}
	return filepath.Join(w.OutputDir, e.Name, name)
}

// upToDate returns whether output is newer than src and valid.
// Outputs that are not up to date are removed.
func (w *Worker) upToDate(job Job, output, src string, log logrus.FieldLogger) (bool, error) {
	age, err := artifact.SourceAge([]string{src})
	if err != nil {
		return false, err
	}
	c := artifact.Controller{Verify: climproc.CheckNetCDF}
	if w.Controller != nil {
		c = *w.Controller
	}
	c.Overwrite = c.Overwrite || job.Overwrite
	c.Log = log
	d, err := c.Check(output, age)
	if err != nil {
		return false, err
	}
	return d == artifact.Skip, nil
}

// attachGrid sets the native grid of ds, if it has one.
func (w *Worker) attachGrid(ds *climproc.Dataset, name string) error {
	if name == "" || w.Grids == nil {
		return nil
	}
	gd, err := w.Grids.Load(name)
	if err != nil {
		return err
	}
	ds.Grid = gd
	x, y := gd.AxisNames()
	if ds.Axis(x) != nil && ds.Axis(y) != nil {
		ds.Dims.X, ds.Dims.Y = x, y
	}
	return nil
}

// produce runs ops on a processor that reads from src and commits sink
// to a temporary file, and then publishes the temporary file as output.
// Nothing is published if anything fails.
func (w *Worker) produce(ctx context.Context, job Job, slot int, output string, src, sink *climproc.Dataset,
	log logrus.FieldLogger, ops func(*climproc.Processor) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(output), os.ModePerm); err != nil {
		return fmt.Errorf("jobs: creating output folder: %v", err)
	}
	temp := artifact.TempPath(output, job.Key(), slot)
	artifact.Discard(temp)
	p, err := climproc.NewProcessor(src, sink, job.VarList,
		climproc.WithStorage(climproc.NetCDFStorage{Path: temp}), climproc.WithLogger(log))
	if err != nil {
		return err
	}
	if err := ops(p); err != nil {
		artifact.Discard(temp)
		return err
	}
	if err := ctx.Err(); err != nil {
		artifact.Discard(temp)
		return err
	}
	if err := p.Sync(true); err != nil {
		artifact.Discard(temp)
		return err
	}
	return artifact.Publish(temp, output)
}
