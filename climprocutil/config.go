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

package climprocutil

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/lnashier/viper"
	"github.com/sirupsen/logrus"
	"github.com/spatialmodel/climproc"
	"github.com/spatialmodel/climproc/artifact"
	"github.com/spatialmodel/climproc/jobs"
	"github.com/spatialmodel/climproc/shapes"
	"github.com/spf13/cast"
	"github.com/spf13/cobra"
)

// BatchError is returned when some jobs of a batch fail.
type BatchError struct {
	Failed, Total int
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("climproc: %d of %d jobs failed", e.Failed, e.Total)
}

// ExitCode returns the process exit code for the batch.
func (e *BatchError) ExitCode() int { return jobs.ExitCode(e.Failed, e.Total) }

// expandStringSlice expands the environment variables in a slice of strings.
func expandStringSlice(s []string) []string {
	o := make([]string, len(s))
	for i, v := range s {
		o[i] = os.ExpandEnv(v)
	}
	return o
}

// checkLogFile fills in a default value for the log file path if one isn't
// specified.
func checkLogFile(logFile, outputDir, command string) string {
	if logFile == "" && outputDir != "" {
		logFile = filepath.Join(outputDir, "climproc_"+command+".log")
	}
	return os.ExpandEnv(logFile)
}

// overwrite returns the overwrite option, which defaults to the
// debug option.
func overwrite(cfg *viper.Viper) (bool, error) {
	s := strings.TrimSpace(cfg.GetString("overwrite"))
	if s == "" {
		return cfg.GetBool("debug"), nil
	}
	o, err := cast.ToBoolE(s)
	if err != nil {
		return false, fmt.Errorf("climproc: invalid overwrite value %q: %v", s, err)
	}
	return o, nil
}

// batchSpec reads the job selection from cfg.
func batchSpec(cfg *viper.Viper, mode jobs.Mode) (jobs.BatchSpec, error) {
	periods, err := cast.ToIntSliceE(cfg.Get("periods"))
	if err != nil {
		return jobs.BatchSpec{}, fmt.Errorf("climproc: invalid periods: %v", err)
	}
	o, err := overwrite(cfg)
	if err != nil {
		return jobs.BatchSpec{}, err
	}
	return jobs.BatchSpec{
		Mode:        mode,
		Datasets:    cast.ToStringSlice(cfg.Get("datasets")),
		Experiments: cast.ToStringSlice(cfg.Get("experiments")),
		FileTypes:   cast.ToStringSlice(cfg.Get("filetypes")),
		Domains:     cast.ToStringSlice(cfg.Get("domains")),
		Grids:       cast.ToStringSlice(cfg.Get("grid")),
		Periods:     periods,
		Offset:      cfg.GetInt("offset"),
		VarList:     cast.ToStringSlice(cfg.Get("varlist")),
		Overwrite:   o,
	}, nil
}

// setShapes reads the shapefiles given in cfg into spec. The shapes of
// several files are merged into one group.
func setShapes(cfg *viper.Viper, spec *jobs.BatchSpec) error {
	paths := expandStringSlice(cast.ToStringSlice(cfg.Get("shapefile")))
	if len(paths) == 0 {
		return fmt.Errorf("climproc: you need to specify a shapefile")
	}
	fields := cast.ToStringSlice(cfg.Get("shape_field"))
	if len(fields) != 1 && len(fields) != len(paths) {
		return fmt.Errorf("climproc: %d shape fields given for %d shapefiles", len(fields), len(paths))
	}
	groups := make([]*shapes.Polygons, len(paths))
	names := make([]string, len(paths))
	for i, path := range paths {
		field := fields[0]
		if len(fields) > 1 {
			field = fields[i]
		}
		p, err := shapes.ReadShapefile(path, field, cfg.GetString("shape_proj"))
		if err != nil {
			return err
		}
		groups[i], names[i] = p, p.Name
	}
	name := strings.Join(names, "_")
	if g := cfg.GetString("shape_group"); g != "" {
		name = g
	}
	if len(groups) == 1 {
		groups[0].Name = name
		spec.Shapes, spec.ShapeGroup = groups[0], name
		return nil
	}
	p, err := shapes.Concat(name, groups...)
	if err != nil {
		return err
	}
	spec.Shapes, spec.ShapeGroup = p, name
	return nil
}

func gridStore(cfg *viper.Viper) *climproc.GridStore {
	return &climproc.GridStore{Folder: os.ExpandEnv(cfg.GetString("grid_folder"))}
}

// GridDef creates the grid definition described by cfg.
func GridDef(cfg *viper.Viper) (*climproc.GridDefinition, error) {
	name := cfg.GetString("GridDef.Name")
	if name == "" {
		return nil, fmt.Errorf("climproc: you need to specify a grid name (GridDef.Name)")
	}
	proj4 := cfg.GetString("GridDef.Proj")
	if proj4 == "" {
		proj4 = climproc.LonLat
	}
	if file := os.ExpandEnv(cfg.GetString("GridDef.File")); file != "" {
		ds, err := climproc.OpenNetCDF(name, file)
		if err != nil {
			return nil, err
		}
		x, y := ds.Axis(ds.Dims.X), ds.Axis(ds.Dims.Y)
		if x == nil || y == nil {
			return nil, fmt.Errorf("climproc: %s has no horizontal axes", file)
		}
		return climproc.GridFromAxes(name, proj4, x, y)
	}
	x0, y0 := cfg.GetFloat64("GridDef.X0"), cfg.GetFloat64("GridDef.Y0")
	dx, dy := cfg.GetFloat64("GridDef.Dx"), cfg.GetFloat64("GridDef.Dy")
	nx, ny := cfg.GetInt("GridDef.Nx"), cfg.GetInt("GridDef.Ny")
	if proj4 == climproc.LonLat {
		return climproc.NewGeographicGrid(name, x0, y0, dx, dy, nx, ny)
	}
	return climproc.NewProjectedGrid(name, proj4, x0, y0, dx, dy, nx, ny)
}

// newLogger returns a logger that writes to the output of cmd and, if
// logFile is not empty, to logFile. The returned function closes the
// log file.
func newLogger(cmd *cobra.Command, logFile string, debug bool) (*logrus.Logger, func(), error) {
	log := logrus.New()
	log.Out = cmd.OutOrStdout()
	if debug {
		log.Level = logrus.DebugLevel
	}
	if logFile == "" {
		return log, func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(logFile), os.ModePerm); err != nil {
		return nil, nil, fmt.Errorf("climproc: problem creating log file: %v", err)
	}
	f, err := os.Create(logFile)
	if err != nil {
		return nil, nil, fmt.Errorf("climproc: problem creating log file: %v", err)
	}
	log.Out = io.MultiWriter(cmd.OutOrStdout(), f)
	return log, func() { f.Close() }, nil
}

// RunBatch enumerates the jobs selected by spec over the registry given
// in cfg and runs them. It returns a *BatchError if any job fails.
// The batch is canceled on an interrupt signal.
func RunBatch(cmd *cobra.Command, cfg *viper.Viper, spec jobs.BatchSpec) (jobs.Summary, error) {
	regPath := os.ExpandEnv(cfg.GetString("registry"))
	if regPath == "" {
		return jobs.Summary{}, fmt.Errorf("climproc: you need to specify a registry file")
	}
	f, err := os.Open(regPath)
	if err != nil {
		return jobs.Summary{}, fmt.Errorf("climproc: opening registry: %v", err)
	}
	reg, err := jobs.LoadRegistry(f)
	f.Close()
	if err != nil {
		return jobs.Summary{}, err
	}
	js, err := jobs.Enumerate(reg, spec)
	if err != nil {
		return jobs.Summary{}, err
	}

	outputDir := os.ExpandEnv(cfg.GetString("output_dir"))
	debug := cfg.GetBool("debug")
	log, closeLog, err := newLogger(cmd, checkLogFile(cfg.GetString("log_file"), outputDir, cmd.Name()), debug)
	if err != nil {
		return jobs.Summary{}, err
	}
	defer closeLog()

	w := &jobs.Worker{
		Registry: reg,
		Grids:    gridStore(cfg),
		Controller: &artifact.Controller{
			Overwrite: spec.Overwrite,
			MinSize:   cast.ToInt64(cfg.Get("min_size")),
			Verify:    climproc.CheckNetCDF,
			Log:       log,
		},
		OutputDir: outputDir,
		Debug:     debug,
		Log:       log,
	}
	d := &jobs.Dispatcher{
		Workers: cfg.GetInt("threads"),
		Retries: cfg.GetInt("retries"),
		Log:     log,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	log.WithFields(logrus.Fields{"jobs": len(js), "workers": d.Workers}).Info("climproc: starting batch")
	s := d.RunWithRetry(ctx, js, w.Run)
	for _, r := range s.Results {
		if r.Err != nil {
			log.WithFields(r.Job.Fields()).WithError(r.Err).Warn("climproc: failed job")
		}
	}
	if s.Failed > 0 {
		return s, &BatchError{Failed: s.Failed, Total: len(s.Results)}
	}
	return s, nil
}
