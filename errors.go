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

import "fmt"

// ConfigError is returned for invalid arguments, missing geolocation
// information, and incompatible axes. It is fatal to the job it occurs in.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return "climproc: " + e.Msg }

func configErrorf(format string, args ...interface{}) error {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// DateError is returned when a requested averaging period lies outside of
// the coverage of the source data, or when the period recorded in a file
// does not match the requested period.
type DateError struct {
	Msg string

	// Requested and Available hold the requested and available
	// year ranges, if known.
	Requested, Available [2]int
}

func (e *DateError) Error() string {
	if e.Requested == [2]int{} && e.Available == [2]int{} {
		return "climproc: " + e.Msg
	}
	return fmt.Sprintf("climproc: %s: requested %04d-%04d but available range is %04d-%04d",
		e.Msg, e.Requested[0], e.Requested[1], e.Available[0], e.Available[1])
}

// DatasetError is returned when a dataset or experiment identifier
// cannot be resolved.
type DatasetError struct {
	Name string
	Msg  string
}

func (e *DatasetError) Error() string {
	return fmt.Sprintf("climproc: dataset %q: %s", e.Name, e.Msg)
}
