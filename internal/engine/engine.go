// Package engine is the boundary to the remote geospatial computation engine.
package engine

import (
	"context"
	"fmt"

	"github.com/mohammed-shakir/geoproduct-cache/internal/core/model"
)

// Interface computes one product for a descriptor. Calls are idempotent per
// descriptor but slow and metered.
type Interface interface {
	ComputeProduct(ctx context.Context, d model.Descriptor) (model.Product, error)
}

type Func func(ctx context.Context, d model.Descriptor) (model.Product, error)

func (f Func) ComputeProduct(ctx context.Context, d model.Descriptor) (model.Product, error) {
	return f(ctx, d)
}

// UpstreamError reports that the engine rejected or failed a request.
type UpstreamError struct {
	Product string
	Status  int
	Body    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("engine %s: status %d: %s", e.Product, e.Status, e.Body)
}
