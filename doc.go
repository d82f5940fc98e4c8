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

// Package climproc processes gridded climate model and observational
// data. A Processor binds a source Dataset to a sink Dataset and
// computes climatologies, regrids variables onto a GridDefinition,
// and averages them over shapes. Results are committed to NetCDF files.
package climproc

// Version is the version of climproc.
const Version = "0.1.0"
