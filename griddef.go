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

import (
	"context"
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/proj"
	"github.com/ctessum/requestcache"
	"github.com/spatialmodel/climproc/internal/hash"
)

// LonLat is the spatial reference of geographic grids.
const LonLat = "+proj=longlat +ellps=WGS84 +datum=WGS84 +no_defs"

// GridDefinition is a named rectangular grid. Cell centres are located
// using an affine GeoTransform in the GDAL convention, so that the centre
// of cell (i, j) is at
//	x = GeoTransform[0] + (i+0.5)*GeoTransform[1] + (j+0.5)*GeoTransform[2]
//	y = GeoTransform[3] + (i+0.5)*GeoTransform[4] + (j+0.5)*GeoTransform[5]
// A GridDefinition must not be modified after it has been created.
type GridDefinition struct {
	Name string

	// Projection is the proj4 spatial reference of the grid.
	Projection string

	Nx, Ny int

	GeoTransform [6]float64

	// X and Y are the cell-centre coordinates along each axis.
	X, Y []float64

	// Lon2D and Lat2D hold the geographic coordinates of every
	// cell centre in row-major (y, x) order. They are only set for
	// projected grids.
	Lon2D, Lat2D []float64
}

func init() {
	gob.Register(GridDefinition{})
}

// NewGeographicGrid returns a longitude-latitude grid with the lower-left
// corner at (x0, y0).
func NewGeographicGrid(name string, x0, y0, dx, dy float64, nx, ny int) (*GridDefinition, error) {
	return newRegularGrid(name, LonLat, x0, y0, dx, dy, nx, ny)
}

// NewProjectedGrid returns a grid in the spatial reference described by
// proj4 with the lower-left corner at (x0, y0). The geographic
// coordinates of the cell centres are computed as well.
func NewProjectedGrid(name, proj4 string, x0, y0, dx, dy float64, nx, ny int) (*GridDefinition, error) {
	gd, err := newRegularGrid(name, proj4, x0, y0, dx, dy, nx, ny)
	if err != nil {
		return nil, err
	}
	if gd.IsGeographic() {
		return gd, nil
	}
	sr, err := gd.SR()
	if err != nil {
		return nil, err
	}
	ll, err := proj.Parse(LonLat)
	if err != nil {
		return nil, fmt.Errorf("climproc: %v", err)
	}
	t, err := sr.NewTransform(ll)
	if err != nil {
		return nil, fmt.Errorf("climproc: grid %s: creating transform: %v", name, err)
	}
	gd.Lon2D = make([]float64, nx*ny)
	gd.Lat2D = make([]float64, nx*ny)
	for j := 0; j < ny; j++ {
		for i := 0; i < nx; i++ {
			x, y := gd.Cell(i, j)
			lon, lat, err := t(x, y)
			if err != nil {
				return nil, fmt.Errorf("climproc: grid %s: projecting cell (%d, %d): %v", name, i, j, err)
			}
			gd.Lon2D[j*nx+i] = lon
			gd.Lat2D[j*nx+i] = lat
		}
	}
	return gd, nil
}

func newRegularGrid(name, proj4 string, x0, y0, dx, dy float64, nx, ny int) (*GridDefinition, error) {
	if nx < 1 || ny < 1 {
		return nil, configErrorf("grid %s: invalid size %dx%d", name, nx, ny)
	}
	if dx == 0 || dy == 0 {
		return nil, configErrorf("grid %s: zero grid spacing", name)
	}
	if _, err := proj.Parse(proj4); err != nil {
		return nil, configErrorf("grid %s: invalid projection %q: %v", name, proj4, err)
	}
	gd := &GridDefinition{
		Name:         name,
		Projection:   proj4,
		Nx:           nx,
		Ny:           ny,
		GeoTransform: [6]float64{x0, dx, 0, y0, 0, dy},
		X:            make([]float64, nx),
		Y:            make([]float64, ny),
	}
	for i := range gd.X {
		gd.X[i] = x0 + (float64(i)+0.5)*dx
	}
	for j := range gd.Y {
		gd.Y[j] = y0 + (float64(j)+0.5)*dy
	}
	return gd, nil
}

// GridFromAxes returns the grid described by evenly spaced 1-D x and y
// coordinate axes in spatial reference proj4.
func GridFromAxes(name, proj4 string, x, y *Axis) (*GridDefinition, error) {
	if x == nil || y == nil {
		return nil, configErrorf("grid %s: missing coordinate axis", name)
	}
	dx, err := uniformSpacing(x)
	if err != nil {
		return nil, err
	}
	dy, err := uniformSpacing(y)
	if err != nil {
		return nil, err
	}
	gd, err := newRegularGrid(name, proj4, x.Coords[0]-dx/2, y.Coords[0]-dy/2, dx, dy, x.Len(), y.Len())
	if err != nil {
		return nil, err
	}
	copy(gd.X, x.Coords)
	copy(gd.Y, y.Coords)
	return gd, nil
}

func uniformSpacing(a *Axis) (float64, error) {
	if a.Len() < 2 {
		return 0, configErrorf("axis %s needs at least 2 coordinates to define a grid", a.Name)
	}
	d := a.Coords[1] - a.Coords[0]
	for i := 2; i < a.Len(); i++ {
		di := a.Coords[i] - a.Coords[i-1]
		if math.Abs(di-d) > 1.e-6*math.Abs(d) {
			return 0, configErrorf("axis %s is not evenly spaced (%g != %g at %d)", a.Name, di, d, i)
		}
	}
	return d, nil
}

// IsGeographic returns whether the grid is in longitude-latitude coordinates.
func (gd *GridDefinition) IsGeographic() bool {
	p := strings.Replace(gd.Projection, " ", "", -1)
	return strings.Contains(p, "+proj=longlat") || strings.Contains(p, "+proj=latlong")
}

// SR returns the spatial reference of the grid.
func (gd *GridDefinition) SR() (*proj.SR, error) {
	sr, err := proj.Parse(gd.Projection)
	if err != nil {
		return nil, fmt.Errorf("climproc: grid %s: parsing projection: %v", gd.Name, err)
	}
	return sr, nil
}

// Cell returns the centre coordinates of cell (i, j).
func (gd *GridDefinition) Cell(i, j int) (x, y float64) {
	t := gd.GeoTransform
	fi, fj := float64(i)+0.5, float64(j)+0.5
	return t[0] + fi*t[1] + fj*t[2], t[3] + fi*t[4] + fj*t[5]
}

// CellPolygon returns the outline of cell (i, j).
func (gd *GridDefinition) CellPolygon(i, j int) geom.Polygon {
	t := gd.GeoTransform
	corner := func(fi, fj float64) geom.Point {
		return geom.Point{X: t[0] + fi*t[1] + fj*t[2], Y: t[3] + fi*t[4] + fj*t[5]}
	}
	fi, fj := float64(i), float64(j)
	return geom.Polygon{{
		corner(fi, fj), corner(fi+1, fj), corner(fi+1, fj+1), corner(fi, fj+1), corner(fi, fj),
	}}
}

// Index returns the fractional cell index of point (x, y), where
// whole numbers are cell centres.
func (gd *GridDefinition) Index(x, y float64) (fi, fj float64) {
	t := gd.GeoTransform
	det := t[1]*t[5] - t[2]*t[4]
	dx, dy := x-t[0], y-t[3]
	fi = (dx*t[5] - dy*t[2]) / det
	fj = (dy*t[1] - dx*t[4]) / det
	return fi - 0.5, fj - 0.5
}

// AxisNames returns the names of the x and y axes of the grid.
func (gd *GridDefinition) AxisNames() (x, y string) {
	if gd.IsGeographic() {
		return "lon", "lat"
	}
	return "x", "y"
}

// Axes returns coordinate axes for the grid.
func (gd *GridDefinition) Axes() (x, y *Axis) {
	xn, yn := gd.AxisNames()
	xu, yu := "m", "m"
	if gd.IsGeographic() {
		xu, yu = "degrees_east", "degrees_north"
	}
	x = &Axis{Name: xn, Units: xu, Coords: append([]float64(nil), gd.X...)}
	y = &Axis{Name: yn, Units: yu, Coords: append([]float64(nil), gd.Y...)}
	return x, y
}

// Equal returns whether gd and o describe the same grid.
func (gd *GridDefinition) Equal(o *GridDefinition) bool {
	if gd == nil || o == nil {
		return gd == o
	}
	return gd.Name == o.Name && gd.Projection == o.Projection &&
		gd.Nx == o.Nx && gd.Ny == o.Ny && gd.GeoTransform == o.GeoTransform &&
		sameFloats(gd.X, o.X) && sameFloats(gd.Y, o.Y) &&
		sameFloats(gd.Lon2D, o.Lon2D) && sameFloats(gd.Lat2D, o.Lat2D)
}

// Key returns a hash identifying the contents of the grid.
func (gd *GridDefinition) Key() string {
	return "grid_" + gd.Name + "_" + hash.Hash(*gd)
}

func sameFloats(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// GridStore saves and loads grid definitions in a shared folder.
// Loaded definitions are cached and shared between callers, so they
// must not be modified.
type GridStore struct {
	Folder string

	// CacheSize is the number of grid definitions to keep in memory.
	// The default is 10.
	CacheSize int

	cacheOnce sync.Once
	cache     *requestcache.Cache
}

func (s *GridStore) path(name string) string {
	return filepath.Join(s.Folder, "griddef_"+name+".gob")
}

// Save writes gd to the store, replacing any existing definition
// with the same name.
func (s *GridStore) Save(gd *GridDefinition) error {
	if gd.Name == "" {
		return configErrorf("cannot save a grid definition without a name")
	}
	if err := os.MkdirAll(s.Folder, os.ModePerm); err != nil {
		return fmt.Errorf("climproc: creating grid folder: %v", err)
	}
	tmp := s.path(gd.Name) + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("climproc: saving grid %s: %v", gd.Name, err)
	}
	if err := gob.NewEncoder(f).Encode(gd); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("climproc: saving grid %s: %v", gd.Name, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("climproc: saving grid %s: %v", gd.Name, err)
	}
	return os.Rename(tmp, s.path(gd.Name))
}

// Load returns the named grid definition.
func (s *GridStore) Load(name string) (*GridDefinition, error) {
	s.cacheOnce.Do(func() {
		n := s.CacheSize
		if n <= 0 {
			n = 10
		}
		s.cache = requestcache.NewCache(func(ctx context.Context, request interface{}) (interface{}, error) {
			return s.load(request.(string))
		}, 1, requestcache.Deduplicate(), requestcache.Memory(n))
	})
	r := s.cache.NewRequest(context.TODO(), name, "griddef_"+name)
	gd, err := r.Result()
	if err != nil {
		return nil, err
	}
	return gd.(*GridDefinition), nil
}

func (s *GridStore) load(name string) (*GridDefinition, error) {
	f, err := os.Open(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &DatasetError{Name: name, Msg: "no such grid definition in " + s.Folder}
		}
		return nil, fmt.Errorf("climproc: loading grid %s: %v", name, err)
	}
	defer f.Close()
	gd := new(GridDefinition)
	if err := gob.NewDecoder(f).Decode(gd); err != nil {
		return nil, fmt.Errorf("climproc: loading grid %s: %v", name, err)
	}
	return gd, nil
}

// Names returns the names of the grid definitions in the store.
func (s *GridStore) Names() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(s.Folder, "griddef_*.gob"))
	if err != nil {
		return nil, fmt.Errorf("climproc: listing grids: %v", err)
	}
	names := make([]string, len(files))
	for i, f := range files {
		b := filepath.Base(f)
		names[i] = strings.TrimSuffix(strings.TrimPrefix(b, "griddef_"), ".gob")
	}
	sort.Strings(names)
	return names, nil
}
