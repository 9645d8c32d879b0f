// Package region resolves H3 cell identifiers used as analysis regions.
package region

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	h3 "github.com/uber/h3-go/v4"

	"github.com/mohammed-shakir/geoproduct-cache/internal/core/model"
)

type Resolver struct {
	minRes, maxRes int
}

func New(minRes, maxRes int) *Resolver {
	if minRes < 0 {
		minRes = 0
	}
	if maxRes > 15 || maxRes < minRes {
		maxRes = 15
	}
	return &Resolver{minRes: minRes, maxRes: maxRes}
}

// Parse validates region as an H3 cell within the allowed resolution range.
func (r *Resolver) Parse(region string) (h3.Cell, error) {
	var c h3.Cell
	s := strings.ToLower(strings.TrimSpace(region))
	if s == "" {
		return c, fmt.Errorf("%w: region is required", model.ErrInvalidInput)
	}
	if err := c.UnmarshalText([]byte(s)); err != nil {
		return c, fmt.Errorf("%w: region %q is not an h3 cell", model.ErrInvalidInput, region)
	}
	if !c.IsValid() {
		return c, fmt.Errorf("%w: invalid h3 cell %q", model.ErrInvalidInput, region)
	}
	if res := c.Resolution(); res < r.minRes || res > r.maxRes {
		return c, fmt.Errorf("%w: region resolution %d outside %d..%d", model.ErrInvalidInput, res, r.minRes, r.maxRes)
	}
	return c, nil
}

// Canonical returns the normalized cell string for region.
func (r *Resolver) Canonical(region string) (string, error) {
	c, err := r.Parse(region)
	if err != nil {
		return "", err
	}
	return c.String(), nil
}

// BoundaryGeoJSON renders the cell outline as a closed GeoJSON Polygon.
func (r *Resolver) BoundaryGeoJSON(region string) (string, error) {
	c, err := r.Parse(region)
	if err != nil {
		return "", err
	}
	b, err := c.Boundary()
	if err != nil {
		return "", fmt.Errorf("boundary: %w", err)
	}
	if len(b) < 3 {
		return "", fmt.Errorf("degenerate boundary for %s", c.String())
	}
	coords := make([]string, 0, len(b)+1)
	for _, ll := range b {
		coords = append(coords, fmt.Sprintf("[%.8f,%.8f]", ll.Lng, ll.Lat))
	}
	coords = append(coords, coords[0])
	return `{"type":"Polygon","coordinates":[[` + strings.Join(coords, ",") + `]]}`, nil
}

// CellsForBBox lists the cells at res whose centers fall inside bb, sorted.
func (r *Resolver) CellsForBBox(bb model.BBox, res int) ([]string, error) {
	if res < r.minRes || res > r.maxRes {
		return nil, fmt.Errorf("%w: resolution %d outside %d..%d", model.ErrInvalidInput, res, r.minRes, r.maxRes)
	}
	if err := bb.Validate(); err != nil {
		return nil, err
	}
	outer := h3.GeoLoop{
		{Lat: bb.Y1, Lng: bb.X1},
		{Lat: bb.Y1, Lng: bb.X2},
		{Lat: bb.Y2, Lng: bb.X2},
		{Lat: bb.Y2, Lng: bb.X1},
	}
	return polyfill(outer, res)
}

func polyfill(outer h3.GeoLoop, res int) ([]string, error) {
	if len(outer) < 4 {
		return nil, errors.New("outer ring has < 4 vertices")
	}
	indexes, err := h3.PolygonToCells(h3.GeoPolygon{GeoLoop: outer}, res)
	if err != nil {
		return nil, fmt.Errorf("h3 polyfill: %w", err)
	}

	out := make([]string, 0, len(indexes))
	seen := make(map[string]struct{}, len(indexes))
	for _, idx := range indexes {
		s := idx.String()
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}
