// Package classification memoizes per-period classified rasters.
package classification

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mohammed-shakir/geoproduct-cache/internal/core/model"
	"github.com/mohammed-shakir/geoproduct-cache/internal/engine"
	"github.com/mohammed-shakir/geoproduct-cache/internal/stats/transition"
)

const Product = "classification"

// Memo holds the one authoritative classification per period. Every raster
// covers the same scope; derived per-region results reference it by Ref.
// Load does not coalesce: two concurrent first loads of a period may both
// reach the engine, and the first stored raster wins. Callers that need
// single-flight wrap Load in a memo.Cache.
type Memo struct {
	scope  string
	eng    engine.Interface
	logger *slog.Logger

	mu      sync.RWMutex
	rasters map[string]model.ClassifiedRaster
}

// New returns an empty memo. scope is the region sent to the engine for every
// classification; empty means the engine's full extent.
func New(eng engine.Interface, scope string, logger *slog.Logger) *Memo {
	if logger == nil {
		logger = slog.Default()
	}
	return &Memo{
		scope:   scope,
		eng:     eng,
		logger:  logger,
		rasters: make(map[string]model.ClassifiedRaster),
	}
}

func (m *Memo) Scope() string { return m.scope }

// Lookup returns the memoized raster for period without calling the engine.
func (m *Memo) Lookup(period string) (model.ClassifiedRaster, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rasters[period]
	return r, ok
}

// Load returns the memoized raster or computes it.
func (m *Memo) Load(ctx context.Context, period string) (model.ClassifiedRaster, error) {
	if r, ok := m.Lookup(period); ok {
		return r, nil
	}
	if period == "" {
		return model.ClassifiedRaster{}, fmt.Errorf("%w: classification period is required", model.ErrInvalidInput)
	}

	p, err := m.eng.ComputeProduct(ctx, model.Descriptor{Product: Product, Region: m.scope, Period: period})
	if err != nil {
		return model.ClassifiedRaster{}, err
	}
	if p.Ref == "" {
		return model.ClassifiedRaster{}, fmt.Errorf("classification %s: engine returned no raster ref", period)
	}
	classes, _ := transition.Count(p.Values["classes"])
	r := model.ClassifiedRaster{Period: period, Ref: p.Ref, Classes: int(classes)}

	m.mu.Lock()
	if prev, ok := m.rasters[period]; ok {
		m.mu.Unlock()
		return prev, nil
	}
	m.rasters[period] = r
	m.mu.Unlock()

	m.logger.DebugContext(ctx, "classification stored", "scope", m.scope, "period", period, "ref", r.Ref)
	return r, nil
}

func (m *Memo) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rasters)
}
