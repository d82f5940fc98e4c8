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

// Command climproc is a command-line interface for computing
// climatologies, regridding, and shape averages of climate data.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spatialmodel/climproc/climprocutil"
)

func main() {
	if err := climprocutil.Root.Execute(); err != nil {
		var be *climprocutil.BatchError
		if errors.As(err, &be) {
			os.Exit(be.ExitCode())
		}
		fmt.Println(err)
		os.Exit(1)
	}
}
