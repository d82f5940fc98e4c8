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

// Package shapes provides shape masks built from polygons, such as
// provinces or river basins read from shapefiles.
package shapes

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/encoding/shp"
	"github.com/ctessum/geom/index/rtree"
	"github.com/ctessum/geom/proj"
	"github.com/ctessum/requestcache"
	"github.com/spatialmodel/climproc"
	"github.com/spatialmodel/climproc/internal/hash"
)

// Shape is a named polygon.
type Shape struct {
	Name string
	geom.Polygonal
}

// indexed is a shape in the spatial index.
type indexed struct {
	geom.Polygonal
	i int
}

// Polygons is an ordered group of shapes that implements
// climproc.MaskProvider. A grid cell belongs to a shape if its centre is
// inside of or on the edge of the shape. A shape that contains no cell
// centre belongs to the cell that contains its centroid. Masks are computed once per
// grid and shared, so Polygons is safe for concurrent use.
type Polygons struct {
	Name string

	// Projection is the proj4 spatial reference of the shapes.
	Projection string

	// CacheSize is the number of grids to keep masks in memory for.
	// The default is 4.
	CacheSize int

	shapes []Shape
	index  *rtree.Rtree

	cacheOnce sync.Once
	cache     *requestcache.Cache
}

// New returns a shape group in the given projection. Shape names
// must be unique.
func New(name, projection string, shapes ...Shape) (*Polygons, error) {
	if _, err := proj.Parse(projection); err != nil {
		return nil, &climproc.ConfigError{Msg: fmt.Sprintf("shape group %s: invalid projection: %v", name, err)}
	}
	p := &Polygons{
		Name:       name,
		Projection: projection,
		index:      rtree.NewTree(25, 50),
	}
	seen := make(map[string]bool)
	for i, s := range shapes {
		if seen[s.Name] {
			return nil, &climproc.ConfigError{Msg: fmt.Sprintf("shape group %s: duplicate shape %s", name, s.Name)}
		}
		seen[s.Name] = true
		if s.Polygonal == nil {
			return nil, &climproc.ConfigError{Msg: fmt.Sprintf("shape group %s: shape %s has no geometry", name, s.Name)}
		}
		p.shapes = append(p.shapes, s)
		p.index.Insert(indexed{Polygonal: s.Polygonal, i: i})
	}
	return p, nil
}

// Concat returns a group holding the shapes of all groups, in order.
// The groups must have the same projection.
func Concat(name string, groups ...*Polygons) (*Polygons, error) {
	if len(groups) == 0 {
		return nil, &climproc.ConfigError{Msg: fmt.Sprintf("shape group %s: no shapes", name)}
	}
	var all []Shape
	for _, g := range groups {
		if g.Projection != groups[0].Projection {
			return nil, &climproc.ConfigError{Msg: fmt.Sprintf("shape group %s: groups %s and %s have different projections",
				name, groups[0].Name, g.Name)}
		}
		all = append(all, g.shapes...)
	}
	return New(name, groups[0].Projection, all...)
}

// ShapeNames implements climproc.MaskProvider.
func (p *Polygons) ShapeNames() []string {
	o := make([]string, len(p.shapes))
	for i, s := range p.shapes {
		o[i] = s.Name
	}
	return o
}

// Shape returns the named shape, and false if it does not exist.
func (p *Polygons) Shape(name string) (Shape, bool) {
	for _, s := range p.shapes {
		if s.Name == name {
			return s, true
		}
	}
	return Shape{}, false
}

// Mask implements climproc.MaskProvider.
func (p *Polygons) Mask(shape string, grid *climproc.GridDefinition) ([]bool, error) {
	si := -1
	for i, s := range p.shapes {
		if s.Name == shape {
			si = i
			break
		}
	}
	if si < 0 {
		return nil, &climproc.ConfigError{Msg: fmt.Sprintf("shape group %s has no shape %s", p.Name, shape)}
	}
	p.cacheOnce.Do(func() {
		n := p.CacheSize
		if n <= 0 {
			n = 4
		}
		p.cache = requestcache.NewCache(func(ctx context.Context, request interface{}) (interface{}, error) {
			return p.rasterize(request.(*climproc.GridDefinition))
		}, 1, requestcache.Deduplicate(), requestcache.Memory(n))
	})
	r := p.cache.NewRequest(context.TODO(), grid, hash.Key("masks_"+p.Name, grid.Key()))
	masks, err := r.Result()
	if err != nil {
		return nil, err
	}
	return masks.([][]bool)[si], nil
}

// rasterize returns the masks of all shapes over grid.
func (p *Polygons) rasterize(grid *climproc.GridDefinition) ([][]bool, error) {
	geographic := isLonLat(p.Projection) && grid.IsGeographic()
	var trans, toGrid proj.Transformer
	if grid.Projection != p.Projection && !geographic {
		gridSR, err := grid.SR()
		if err != nil {
			return nil, err
		}
		sr, err := proj.Parse(p.Projection)
		if err != nil {
			return nil, fmt.Errorf("shapes: %v", err)
		}
		if trans, err = gridSR.NewTransform(sr); err != nil {
			return nil, fmt.Errorf("shapes: creating transform for grid %s: %v", grid.Name, err)
		}
		if toGrid, err = sr.NewTransform(gridSR); err != nil {
			return nil, fmt.Errorf("shapes: creating transform for grid %s: %v", grid.Name, err)
		}
	}
	n := grid.Nx * grid.Ny
	masks := make([][]bool, len(p.shapes))
	for i := range masks {
		masks[i] = make([]bool, n)
	}
	for j := 0; j < grid.Ny; j++ {
		for i := 0; i < grid.Nx; i++ {
			x, y := grid.Cell(i, j)
			if trans != nil {
				var err error
				if x, y, err = trans(x, y); err != nil {
					continue
				}
			}
			if geographic && x > 180 {
				x -= 360
			}
			pt := geom.Point{X: x, Y: y}
			for _, c := range p.index.SearchIntersect(pointBounds(pt)) {
				s := c.(indexed)
				if pt.Within(s.Polygonal) != geom.Outside {
					masks[s.i][j*grid.Nx+i] = true
				}
			}
		}
	}
	for si, m := range masks {
		if !empty(m) {
			continue
		}
		if k, ok := centroidCell(p.shapes[si].Centroid(), grid, toGrid, geographic); ok {
			m[k] = true
		}
	}
	return masks, nil
}

func empty(m []bool) bool {
	for _, in := range m {
		if in {
			return false
		}
	}
	return true
}

// centroidCell returns the index of the grid cell that contains c.
// Shapes that are too small to contain any cell centre are assigned
// to this cell.
func centroidCell(c geom.Point, grid *climproc.GridDefinition, toGrid proj.Transformer, geographic bool) (int, bool) {
	if toGrid != nil {
		var err error
		if c.X, c.Y, err = toGrid(c.X, c.Y); err != nil {
			return 0, false
		}
	}
	xs := []float64{c.X}
	if geographic {
		xs = append(xs, c.X+360, c.X-360)
	}
	for _, x := range xs {
		fi, fj := grid.Index(x, c.Y)
		i, j := int(math.Floor(fi+0.5)), int(math.Floor(fj+0.5))
		if i < 0 || j < 0 || i >= grid.Nx || j >= grid.Ny {
			continue
		}
		if (geom.Point{X: x, Y: c.Y}).Within(grid.CellPolygon(i, j)) != geom.Outside {
			return j*grid.Nx + i, true
		}
	}
	return 0, false
}

// pointBounds returns a small box around pt for searching the index.
func pointBounds(pt geom.Point) *geom.Bounds {
	d := 1.e-9 * math.Max(1, math.Max(math.Abs(pt.X), math.Abs(pt.Y)))
	return &geom.Bounds{
		Min: geom.Point{X: pt.X - d, Y: pt.Y - d},
		Max: geom.Point{X: pt.X + d, Y: pt.Y + d},
	}
}

func isLonLat(proj4 string) bool {
	p := strings.Replace(proj4, " ", "", -1)
	return strings.Contains(p, "+proj=longlat") || strings.Contains(p, "+proj=latlong")
}

// ReadShapefile reads the polygons in the shapefile at path, naming each
// shape by the value of attribute nameField. The shapes are projected
// into projection, or into longitude-latitude coordinates if projection
// is empty. The group is named after the file.
func ReadShapefile(path, nameField, projection string) (*Polygons, error) {
	if projection == "" {
		projection = climproc.LonLat
	}
	dst, err := proj.Parse(projection)
	if err != nil {
		return nil, &climproc.ConfigError{Msg: fmt.Sprintf("shapefile %s: invalid projection: %v", path, err)}
	}
	d, err := shp.NewDecoder(path)
	if err != nil {
		return nil, fmt.Errorf("shapes: opening shapefile %s: %v", path, err)
	}
	defer d.Close()
	sr, err := d.SR()
	if err != nil {
		return nil, fmt.Errorf("shapes: reading projection of shapefile %s: %v", path, err)
	}
	trans, err := sr.NewTransform(dst)
	if err != nil {
		return nil, fmt.Errorf("shapes: creating transform for shapefile %s: %v", path, err)
	}
	var shapes []Shape
	for {
		g, fields, more := d.DecodeRowFields(nameField)
		if err := d.Error(); err != nil {
			return nil, fmt.Errorf("shapes: reading shapefile %s: %v", path, err)
		}
		if !more {
			break
		}
		name := strings.TrimSpace(fields[nameField])
		pg, ok := g.(geom.Polygonal)
		if !ok {
			return nil, &climproc.ConfigError{Msg: fmt.Sprintf("shapefile %s: shape %s is a %T, not a polygon", path, name, g)}
		}
		tg, err := pg.Transform(trans)
		if err != nil {
			return nil, fmt.Errorf("shapes: projecting shape %s: %v", name, err)
		}
		shapes = append(shapes, Shape{Name: name, Polygonal: tg.(geom.Polygonal)})
	}
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return New(base, projection, shapes...)
}
