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

// Package climprocutil holds the command-line interface of climproc.
package climprocutil

import (
	"fmt"

	"github.com/lnashier/viper"
	"github.com/spatialmodel/climproc"
	"github.com/spatialmodel/climproc/jobs"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Cfg holds configuration information.
var Cfg *viper.Viper

var options []struct {
	name, usage, shorthand string
	defaultVal             interface{}
	flagsets               []*pflag.FlagSet
}

func init() {
	batchFlags := []*pflag.FlagSet{climCmd.Flags(), shpavgCmd.Flags(), regridCmd.Flags()}

	// Options are the configuration options available to climproc.
	options = []struct {
		name, usage, shorthand string
		defaultVal             interface{}
		flagsets               []*pflag.FlagSet
	}{
		{
			name: "config",
			usage: `
              config specifies the configuration file location.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "debug",
			usage: `
              debug prefixes output files with "test_", logs debugging
              messages, and, unless overwrite is set, recomputes existing
              outputs.`,
			shorthand:  "d",
			defaultVal: false,
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "overwrite",
			usage: `
              overwrite specifies whether existing up-to-date outputs are
              recomputed. If it is left blank it takes the value of debug.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "threads",
			usage: `
              threads is the number of jobs that run at the same time.
              The default of 0 means one per processor.`,
			shorthand:  "n",
			defaultVal: 0,
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "retries",
			usage: `
              retries is the number of times failed jobs are run again,
              with exponential back-off between attempts.`,
			defaultVal: 0,
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "registry",
			usage: `
              registry is the path to the TOML file that describes the
              available datasets and experiments. It can include
              environment variables.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "grid_folder",
			usage: `
              grid_folder is the folder that grid definitions are saved
              to and loaded from. It can include environment variables.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "output_dir",
			usage: `
              output_dir is the folder outputs are written to, in a
              sub-folder per experiment. If it is left blank, outputs are
              written next to their source files.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "log_file",
			usage: `
              log_file is the path to the desired log file location. It can
              include environment variables. If it is left blank and
              output_dir is set, the log file is saved in output_dir;
              otherwise messages are only written to standard output.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "min_size",
			usage: `
              min_size is the size in bytes below which existing outputs
              are considered incomplete and recomputed. A negative value
              disables the check.`,
			defaultVal: 1000000,
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "datasets",
			usage: `
              datasets lists the datasets to process. The default is all
              datasets in the registry.`,
			defaultVal: []string{},
			flagsets:   batchFlags,
		},
		{
			name: "experiments",
			usage: `
              experiments lists the experiments, or their aliases, to
              process. The default is all experiments.`,
			defaultVal: []string{},
			flagsets:   batchFlags,
		},
		{
			name: "filetypes",
			usage: `
              filetypes lists the file types to process, e.g. atm or srfc.
              The default is all file types of each dataset.`,
			defaultVal: []string{},
			flagsets:   batchFlags,
		},
		{
			name: "domains",
			usage: `
              domains lists the WRF domains or observational resolutions to
              process. The default is all of them.`,
			defaultVal: []string{},
			flagsets:   batchFlags,
		},
		{
			name: "periods",
			usage: `
              periods lists the lengths in years of the climatologies. A
              length of 0 means the whole record.`,
			defaultVal: []int{15},
			flagsets:   batchFlags,
		},
		{
			name: "offset",
			usage: `
              offset is the number of years between the begin date of each
              experiment and the start of the climatologies.`,
			defaultVal: 0,
			flagsets:   batchFlags,
		},
		{
			name: "grid",
			usage: `
              grid lists the grids to regrid climatologies to, or the grids
              of the files to average over shapes. The default is the
              native grid.`,
			defaultVal: []string{},
			flagsets:   batchFlags,
		},
		{
			name: "varlist",
			usage: `
              varlist lists the variables to process. The default is all
              variables.`,
			defaultVal: []string{},
			flagsets:   batchFlags,
		},
		{
			name: "mode",
			usage: `
              mode specifies whether shape averages are computed from
              climatologies ("climatology") or from monthly time series
              ("time-series").`,
			defaultVal: "climatology",
			flagsets:   []*pflag.FlagSet{shpavgCmd.Flags()},
		},
		{
			name: "shapefile",
			usage: `
              shapefile lists the paths to the shapefiles holding the shapes
              to average over. The shapes of all files are averaged over
              together, in order, as one shape group. The paths can include
              environment variables.`,
			defaultVal: []string{},
			flagsets:   []*pflag.FlagSet{shpavgCmd.Flags()},
		},
		{
			name: "shape_field",
			usage: `
              shape_field is the shapefile attribute that names each shape.
              It can be given once for all shapefiles or once per shapefile.`,
			defaultVal: []string{"NAME"},
			flagsets:   []*pflag.FlagSet{shpavgCmd.Flags()},
		},
		{
			name: "shape_group",
			usage: `
              shape_group names the group of shapes in output file names.
              The default is the base names of the shapefiles joined by "_".`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{shpavgCmd.Flags()},
		},
		{
			name: "shape_proj",
			usage: `
              shape_proj gives the projection the shapes are converted to
              in Proj4 format. The default is longitude-latitude.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{shpavgCmd.Flags()},
		},
		{
			name: "GridDef.Name",
			usage: `
              GridDef.Name is the name of the grid definition to create.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{griddefCmd.Flags()},
		},
		{
			name: "GridDef.Proj",
			usage: `
              GridDef.Proj gives the projection of the grid in Proj4 format.
              The default is longitude-latitude.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{griddefCmd.Flags()},
		},
		{
			name: "GridDef.File",
			usage: `
              GridDef.File is a NetCDF file whose horizontal axes define the
              grid. If it is set, the origin, spacing and size options are
              not used.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{griddefCmd.Flags()},
		},
		{
			name: "GridDef.X0",
			usage: `
              GridDef.X0 is the X coordinate of the lower-left corner of the grid.`,
			defaultVal: 0.,
			flagsets:   []*pflag.FlagSet{griddefCmd.Flags()},
		},
		{
			name: "GridDef.Y0",
			usage: `
              GridDef.Y0 is the Y coordinate of the lower-left corner of the grid.`,
			defaultVal: 0.,
			flagsets:   []*pflag.FlagSet{griddefCmd.Flags()},
		},
		{
			name: "GridDef.Dx",
			usage: `
              GridDef.Dx is the edge length of grid cells in the X direction,
              in the units of the grid projection.`,
			defaultVal: 1.,
			flagsets:   []*pflag.FlagSet{griddefCmd.Flags()},
		},
		{
			name: "GridDef.Dy",
			usage: `
              GridDef.Dy is the edge length of grid cells in the Y direction,
              in the units of the grid projection.`,
			defaultVal: 1.,
			flagsets:   []*pflag.FlagSet{griddefCmd.Flags()},
		},
		{
			name: "GridDef.Nx",
			usage: `
              GridDef.Nx is the number of grid cells in the X direction.`,
			defaultVal: 360,
			flagsets:   []*pflag.FlagSet{griddefCmd.Flags()},
		},
		{
			name: "GridDef.Ny",
			usage: `
              GridDef.Ny is the number of grid cells in the Y direction.`,
			defaultVal: 180,
			flagsets:   []*pflag.FlagSet{griddefCmd.Flags()},
		},
	}

	Cfg = viper.New()

	// Set the prefix for configuration environment variables.
	Cfg.SetEnvPrefix("CLIMPROC")
	Cfg.AutomaticEnv()

	for _, option := range options {
		for i, set := range option.flagsets {
			if i != 0 { // We don't want to create the same flag twice.
				set.AddFlag(option.flagsets[0].Lookup(option.name))
				continue
			}
			switch option.defaultVal.(type) {
			case string:
				set.StringP(option.name, option.shorthand, option.defaultVal.(string), option.usage)
			case []string:
				set.StringSliceP(option.name, option.shorthand, option.defaultVal.([]string), option.usage)
			case bool:
				set.BoolP(option.name, option.shorthand, option.defaultVal.(bool), option.usage)
			case int:
				set.IntP(option.name, option.shorthand, option.defaultVal.(int), option.usage)
			case []int:
				set.IntSliceP(option.name, option.shorthand, option.defaultVal.([]int), option.usage)
			case float64:
				set.Float64P(option.name, option.shorthand, option.defaultVal.(float64), option.usage)
			default:
				panic("invalid argument type")
			}
			Cfg.BindPFlag(option.name, set.Lookup(option.name))
		}
	}
}

func init() {
	// Link the commands together.
	Root.AddCommand(versionCmd)
	Root.AddCommand(climCmd)
	Root.AddCommand(shpavgCmd)
	Root.AddCommand(regridCmd)
	Root.AddCommand(griddefCmd)
}

// setConfig finds and reads in the configuration file, if there is one.
func setConfig() error {
	if cfgpath := Cfg.GetString("config"); cfgpath != "" {
		Cfg.SetConfigFile(cfgpath)
		if err := Cfg.ReadInConfig(); err != nil {
			return fmt.Errorf("climproc: problem reading configuration file: %v", err)
		}
	}
	return nil
}

// Root is the main command.
var Root = &cobra.Command{
	Use:   "climproc",
	Short: "Climatologies, regridding, and area averages of climate data.",
	Long: `climproc computes climatologies from climate model and observational
time series, regrids them onto common grids, and averages them over the
shapes in a shapefile. Use the subcommands specified below to access this
functionality.

Datasets and their experiments are described in a TOML registry file,
given with the --registry flag. Configuration can be changed by using a
configuration file (and providing the path to the file using the --config
flag), by using command-line arguments, or by setting environment variables
in the format 'CLIMPROC_var' where 'var' is the name of the variable to be set.
Refer to https://github.com/spf13/viper for additional configuration information.`,
	DisableAutoGenTag: true,
	PersistentPreRunE: func(*cobra.Command, []string) error { return setConfig() },
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Long:  "version prints the version number of this version of climproc.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("climproc v%s\n", climproc.Version)
	},
	DisableAutoGenTag: true,
}

var climCmd = &cobra.Command{
	Use:   "climatology",
	Short: "Compute climatologies from time series.",
	Long: `climatology averages the monthly time series of the selected datasets
over periods of the given lengths and, if grids are given, regrids the
averages onto them. Existing outputs that are newer than their sources are
not recomputed. The process exits with a non-zero status if any job fails.`,
	SilenceUsage:      true,
	DisableAutoGenTag: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		spec, err := batchSpec(Cfg, jobs.ClimatologyMode)
		if err != nil {
			return err
		}
		_, err = RunBatch(cmd, Cfg, spec)
		return err
	},
}

var shpavgCmd = &cobra.Command{
	Use:   "shpavg",
	Short: "Average climatologies or time series over shapes.",
	Long: `shpavg averages the climatologies or time series of the selected datasets
over each shape in a shapefile. Output files are named after the shape group
in place of the grid. The process exits with a non-zero status if any job
fails.`,
	SilenceUsage:      true,
	DisableAutoGenTag: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, err := jobs.ParseMode(Cfg.GetString("mode"))
		if err != nil {
			return err
		}
		spec, err := batchSpec(Cfg, mode)
		if err != nil {
			return err
		}
		if err := setShapes(Cfg, &spec); err != nil {
			return err
		}
		_, err = RunBatch(cmd, Cfg, spec)
		return err
	},
}

var regridCmd = &cobra.Command{
	Use:   "regrid",
	Short: "Regrid monthly time series.",
	Long: `regrid regrids the monthly time series of the selected datasets onto
each of the given grids. Output files are named after the grid and can be
averaged over shapes with "shpavg --mode=time-series". The process exits with
a non-zero status if any job fails.`,
	SilenceUsage:      true,
	DisableAutoGenTag: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		spec, err := batchSpec(Cfg, jobs.TimeSeriesMode)
		if err != nil {
			return err
		}
		if len(spec.Grids) == 0 {
			return fmt.Errorf("climproc: you need to specify at least one grid to regrid to")
		}
		_, err = RunBatch(cmd, Cfg, spec)
		return err
	},
}

var griddefCmd = &cobra.Command{
	Use:   "griddef",
	Short: "Create and save a grid definition.",
	Long: `griddef creates a grid definition, either from the given origin, cell
size and number of cells or from the horizontal axes of a NetCDF file, and
saves it in grid_folder so it can be used as a regridding target.`,
	DisableAutoGenTag: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		gd, err := GridDef(Cfg)
		if err != nil {
			return err
		}
		if err := gridStore(Cfg).Save(gd); err != nil {
			return err
		}
		cmd.Printf("saved grid definition %s (%dx%d)\n", gd.Name, gd.Nx, gd.Ny)
		return nil
	},
}
