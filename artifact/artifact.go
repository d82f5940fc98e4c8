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

// Package artifact decides whether output files need to be recomputed
// and publishes new outputs atomically.
//
// An output is written to a temporary file in the same directory, which
// is renamed to the final name only after the output is complete, so an
// interrupted job never leaves a file that a later run would mistake for
// a finished result.
package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// Decision is the result of a staleness check.
type Decision int

const (
	// Compute means the output must be (re)computed.
	Compute Decision = iota
	// Skip means the output is up to date.
	Skip
)

func (d Decision) String() string {
	if d == Skip {
		return "skip"
	}
	return "compute"
}

// DefaultMinSize is the size in bytes below which an existing output is
// considered incomplete.
const DefaultMinSize = 1000000

// SourceAge returns the most recent modification time of files.
func SourceAge(files []string) (time.Time, error) {
	if len(files) == 0 {
		return time.Time{}, fmt.Errorf("artifact: no source files")
	}
	var age time.Time
	for _, f := range files {
		fi, err := os.Stat(f)
		if err != nil {
			return time.Time{}, fmt.Errorf("artifact: source file: %v", err)
		}
		if fi.ModTime().After(age) {
			age = fi.ModTime()
		}
	}
	return age, nil
}

// Controller decides whether outputs need to be recomputed.
type Controller struct {
	// Overwrite forces every output to be recomputed.
	Overwrite bool

	// MinSize is the minimum size in bytes of a valid output.
	// If it is zero, DefaultMinSize is used; if it is negative there
	// is no minimum.
	MinSize int64

	// Verify, if set, is called on existing outputs that pass the
	// age and size checks. An error means the output is invalid.
	Verify func(path string) error

	Log logrus.FieldLogger
}

func (c *Controller) log() logrus.FieldLogger {
	if c.Log == nil {
		return logrus.StandardLogger()
	}
	return c.Log
}

func (c *Controller) minSize() int64 {
	switch {
	case c.MinSize == 0:
		return DefaultMinSize
	case c.MinSize < 0:
		return 0
	}
	return c.MinSize
}

// Check returns Skip if output exists, is newer than sourceAge, is at
// least MinSize bytes, and passes Verify, unless Overwrite is set.
// Otherwise any existing output is removed and Compute is returned.
func (c *Controller) Check(output string, sourceAge time.Time) (Decision, error) {
	fi, err := os.Stat(output)
	if os.IsNotExist(err) {
		return Compute, nil
	} else if err != nil {
		return Compute, fmt.Errorf("artifact: %v", err)
	}
	fields := logrus.Fields{"output": output}
	reason := ""
	switch {
	case c.Overwrite:
		reason = "overwrite requested"
	case !fi.ModTime().After(sourceAge):
		reason = "source data is newer"
	case fi.Size() < c.minSize():
		reason = fmt.Sprintf("file size %d is below %d bytes", fi.Size(), c.minSize())
	case c.Verify != nil:
		if err := c.Verify(output); err != nil {
			reason = fmt.Sprintf("verification failed: %v", err)
		}
	}
	if reason == "" {
		c.log().WithFields(fields).Info("artifact: output is up to date; skipping")
		return Skip, nil
	}
	fields["reason"] = reason
	c.log().WithFields(fields).Info("artifact: removing existing output")
	if err := os.Remove(output); err != nil && !os.IsNotExist(err) {
		return Compute, fmt.Errorf("artifact: removing stale output: %v", err)
	}
	return Compute, nil
}

// TempPath returns the temporary file that the job identified by jobKey
// writes output to from worker slot slot. It is in the same directory as
// output, so Publish can rename it.
func TempPath(output, jobKey string, slot int) string {
	dir, base := filepath.Split(output)
	return filepath.Join(dir, fmt.Sprintf("tmp_%s_%d_%s", jobKey, slot, base))
}

// Publish atomically moves the complete temporary file to output.
func Publish(temp, output string) error {
	if err := os.Rename(temp, output); err != nil {
		return fmt.Errorf("artifact: publishing %s: %v", output, err)
	}
	return nil
}

// Discard removes a temporary file left by a failed job.
func Discard(temp string) {
	os.Remove(temp)
}
