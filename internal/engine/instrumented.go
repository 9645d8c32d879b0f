package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/mohammed-shakir/geoproduct-cache/internal/cache/keys"
	"github.com/mohammed-shakir/geoproduct-cache/internal/computeevents"
	"github.com/mohammed-shakir/geoproduct-cache/internal/core/model"
	"github.com/mohammed-shakir/geoproduct-cache/internal/core/observability"
)

type UsageRecorder interface {
	Record(ctx context.Context, product string, took time.Duration, failed bool) error
}

type EventPublisher interface {
	Publish(ev computeevents.Event)
}

// Instrumented records latency, usage and a computation event around every
// engine call. Sink failures are logged and never change the result.
type Instrumented struct {
	inner  Interface
	usage  UsageRecorder
	events EventPublisher
	logger *slog.Logger
	now    func() time.Time
}

func NewInstrumented(inner Interface, usage UsageRecorder, events EventPublisher, logger *slog.Logger) *Instrumented {
	if logger == nil {
		logger = slog.Default()
	}
	return &Instrumented{inner: inner, usage: usage, events: events, logger: logger, now: time.Now}
}

func (i *Instrumented) ComputeProduct(ctx context.Context, d model.Descriptor) (model.Product, error) {
	start := i.now()
	p, err := i.inner.ComputeProduct(ctx, d)
	took := i.now().Sub(start)

	observability.ObserveEngineCompute(d.Product, err, took.Seconds())

	if i.usage != nil {
		if uerr := i.usage.Record(ctx, d.Product, took, err != nil); uerr != nil {
			i.logger.WarnContext(ctx, "usage meter record failed", "product", d.Product, "err", uerr)
		}
	}

	if i.events != nil {
		ev := computeevents.Event{
			KeyDigest:  keys.Digest(keys.Key(d.Product, d.KeyParams())),
			Product:    d.Product,
			Region:     d.Region,
			Period:     d.Period,
			DurationMs: took.Milliseconds(),
			Outcome:    "ok",
			TS:         start.UTC(),
		}
		if err != nil {
			ev.Outcome = "error"
			ev.Error = err.Error()
		}
		i.events.Publish(ev)
	}

	return p, err
}
