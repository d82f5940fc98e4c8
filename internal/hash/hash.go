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

// Package hash computes short content keys for grids, jobs, and
// cached shape masks.
package hash

import (
	"encoding/gob"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/davecgh/go-spew/spew"
)

// printer is used for values that gob cannot encode, such as
// structs with NaN-valued float fields or unexported fields only.
var printer = spew.ConfigState{
	Indent:                  " ",
	SortKeys:                true,
	DisableMethods:          true,
	SpewKeys:                true,
	DisablePointerAddresses: true,
	DisableCapacities:       true,
}

// Hash returns a hex key for object. Values that implement
// fmt.Stringer are keyed by their string.
func Hash(object interface{}) string {
	if s, ok := object.(fmt.Stringer); ok {
		return s.String()
	}
	h := fnv.New128a()
	if err := gob.NewEncoder(h).Encode(object); err != nil {
		h.Reset()
		printer.Fprintf(h, "%#v", object)
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Key joins prefix and the hash of every object with underscores,
// e.g. "mask_<grid>_<shape>".
func Key(prefix string, objects ...interface{}) string {
	parts := make([]string, 0, len(objects)+1)
	parts = append(parts, prefix)
	for _, o := range objects {
		parts = append(parts, Hash(o))
	}
	return strings.Join(parts, "_")
}
