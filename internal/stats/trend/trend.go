// Package trend fits a least-squares line through a monthly series and tests
// whether its slope differs from zero.
package trend

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/mohammed-shakir/geoproduct-cache/internal/core/model"
)

const minSamples = 3

// StudentTCDF is the CDF of Student's t distribution with df degrees of freedom.
func StudentTCDF(t, df float64) float64 {
	return distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}.CDF(t)
}

// Estimate regresses sample values on their 0-based position. Non-finite
// values are dropped first. Degenerate input yields nil fields, never an error.
func Estimate(samples []model.MonthlySample) model.TrendResult {
	ys := make([]float64, 0, len(samples))
	for _, s := range samples {
		if isFinite(s.Value) {
			ys = append(ys, s.Value)
		}
	}
	n := len(ys)
	if n < minSamples {
		return model.TrendResult{}
	}

	fn := float64(n)
	meanX := (fn - 1) / 2
	var sumY float64
	for _, y := range ys {
		sumY += y
	}
	meanY := sumY / fn

	var sxx, sxy float64
	for i, y := range ys {
		dx := float64(i) - meanX
		sxx += dx * dx
		sxy += dx * (y - meanY)
	}
	if sxx == 0 {
		return model.TrendResult{}
	}

	slope := sxy / sxx
	intercept := meanY - slope*meanX

	var rss float64
	for i, y := range ys {
		r := y - (intercept + slope*float64(i))
		rss += r * r
	}

	df := n - 2
	if df <= 0 {
		return model.TrendResult{Slope: ptr(Round(slope, 6))}
	}

	se := math.Sqrt((rss / float64(df)) / sxx)
	if !isFinite(se) || se == 0 {
		// a perfect fit is reported as maximally significant
		return model.TrendResult{Slope: ptr(Round(slope, 6)), PValue: ptr(0)}
	}

	t := slope / se
	p := 2 * (1 - StudentTCDF(math.Abs(t), float64(df)))
	return model.TrendResult{Slope: ptr(Round(slope, 6)), PValue: ptr(Round(p, 6))}
}

// Round rounds v half away from zero to the given number of decimals.
func Round(v float64, decimals int) float64 {
	if !isFinite(v) {
		return v
	}
	pow := math.Pow(10, float64(decimals))
	r := math.Round(v*pow) / pow
	if r == 0 {
		return 0 // drop negative zero
	}
	return r
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func ptr(v float64) *float64 { return &v }
