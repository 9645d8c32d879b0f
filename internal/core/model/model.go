// Package model defines core domain types shared across the service.
package model

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidInput marks a malformed descriptor. It never reaches the cache.
var ErrInvalidInput = errors.New("invalid input")

type Params map[string]any

// Descriptor identifies one unique engine computation.
type Descriptor struct {
	Product string
	Region  string
	Period  string
	Params  Params
}

var productPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

func (d Descriptor) Validate() error {
	if !productPattern.MatchString(d.Product) {
		return fmt.Errorf("%w: product %q", ErrInvalidInput, d.Product)
	}
	if strings.TrimSpace(d.Region) == "" {
		return fmt.Errorf("%w: region is required", ErrInvalidInput)
	}
	for k := range d.Params {
		if k == "" || k == "product" || k == "region" || k == "period" {
			return fmt.Errorf("%w: reserved or empty parameter name %q", ErrInvalidInput, k)
		}
	}
	return nil
}

// KeyParams merges region and period into the parameter set used for cache keys.
func (d Descriptor) KeyParams() Params {
	out := make(Params, len(d.Params)+2)
	for k, v := range d.Params {
		out[k] = v
	}
	out["region"] = d.Region
	if d.Period != "" {
		out["period"] = d.Period
	}
	return out
}

// Product is what the engine returns for a descriptor.
type Product struct {
	Ref       string         `json:"ref,omitempty"`
	Values    map[string]any `json:"values,omitempty"`
	Histogram map[string]any `json:"histogram,omitempty"`
}

type MonthlySample struct {
	Label string  `json:"label"`
	Value float64 `json:"value"`
}

// TrendResult fields are nil when the data is insufficient or degenerate.
type TrendResult struct {
	Slope  *float64 `json:"slope"`
	PValue *float64 `json:"p_value"`
}

// ClassifiedRaster is an opaque handle to a per-period classification held by the engine.
type ClassifiedRaster struct {
	Period  string `json:"period"`
	Ref     string `json:"ref"`
	Classes int    `json:"classes"`
}

// BBox is a lon/lat rectangle in EPSG:4326.
type BBox struct {
	X1, Y1 float64
	X2, Y2 float64
}

func (b BBox) Validate() error {
	if !(b.X1 >= -180 && b.X1 <= 180 && b.X2 >= -180 && b.X2 <= 180) {
		return fmt.Errorf("%w: longitude must be in [-180,180]", ErrInvalidInput)
	}
	if !(b.Y1 >= -90 && b.Y1 <= 90 && b.Y2 >= -90 && b.Y2 <= 90) {
		return fmt.Errorf("%w: latitude must be in [-90,90]", ErrInvalidInput)
	}
	if b.X2 <= b.X1 || b.Y2 <= b.Y1 {
		return fmt.Errorf("%w: bbox must satisfy x2>x1 and y2>y1", ErrInvalidInput)
	}
	return nil
}
