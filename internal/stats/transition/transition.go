// Package transition packs ordered pairs of land-cover classes into a single
// histogram code and turns engine histograms back into per-pair areas.
package transition

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/mohammed-shakir/geoproduct-cache/internal/stats/trend"
)

// MaxClass is the largest class id a single decimal digit can carry.
const MaxClass = 9

type Code int

func Encode(from, to int) Code {
	return Code(from*10 + to)
}

func Decode(c Code) (from, to int) {
	return int(c) / 10, int(c) % 10
}

// Label renders a code as "from-to".
func (c Code) Label() string {
	f, t := Decode(c)
	return strconv.Itoa(f) + "-" + strconv.Itoa(t)
}

// DecodeHistogram converts pixel counts keyed by transition code into areas
// keyed by "from-to". Entries whose code or count is not a finite number are
// skipped. Codes are unique so no two entries share an output key.
func DecodeHistogram(hist map[string]any, pixelAreaPerUnit float64) map[string]float64 {
	out := make(map[string]float64, len(hist))
	for k, v := range hist {
		code, ok := parseCode(k)
		if !ok {
			continue
		}
		count, ok := Count(v)
		if !ok {
			continue
		}
		area := trend.Round(count*pixelAreaPerUnit, 4)
		if math.IsNaN(area) || math.IsInf(area, 0) {
			continue
		}
		out[code.Label()] = area
	}
	return out
}

// parseCode accepts only the canonical decimal form of a code in 0..99, so
// each code has exactly one key that maps to it.
func parseCode(s string) (Code, bool) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > int(Encode(MaxClass, MaxClass)) || strconv.Itoa(n) != s {
		return 0, false
	}
	return Code(n), true
}

// Count parses a histogram value: float, int, json.Number or numeric string.
// Non-finite values are rejected.
func Count(v any) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case int32:
		f = float64(t)
	case uint64:
		f = float64(t)
	case json.Number:
		n, err := t.Float64()
		if err != nil {
			return 0, false
		}
		f = n
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		f = n
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
