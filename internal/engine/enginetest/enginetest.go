// Package enginetest provides a deterministic in-process engine for tests.
package enginetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mohammed-shakir/geoproduct-cache/internal/core/model"
	"github.com/mohammed-shakir/geoproduct-cache/internal/engine"
)

// Stub counts calls per product and can hold calls open or fail them.
type Stub struct {
	handler engine.Func

	mu       sync.Mutex
	calls    map[string]int
	failNext map[string]error
	gate     chan struct{}
	started  chan model.Descriptor
}

// New returns a stub answering with h, or with Default when h is nil.
func New(h engine.Func) *Stub {
	if h == nil {
		h = Default
	}
	return &Stub{
		handler:  h,
		calls:    map[string]int{},
		failNext: map[string]error{},
		started:  make(chan model.Descriptor, 1024),
	}
}

func (s *Stub) ComputeProduct(ctx context.Context, d model.Descriptor) (model.Product, error) {
	s.mu.Lock()
	s.calls[d.Product]++
	gate := s.gate
	err, fail := s.failNext[d.Product]
	delete(s.failNext, d.Product)
	s.mu.Unlock()

	select {
	case s.started <- d:
	default:
	}

	if gate != nil {
		<-gate
	}
	if fail {
		return model.Product{}, err
	}
	return s.handler(ctx, d)
}

// Hold makes every call block until release is invoked.
func (s *Stub) Hold() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.gate = gate
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.gate == gate {
				s.gate = nil
			}
			s.mu.Unlock()
			close(gate)
		})
	}
}

// FailNext makes the next call for product return err.
func (s *Stub) FailNext(product string, err error) {
	s.mu.Lock()
	s.failNext[product] = err
	s.mu.Unlock()
}

// Started yields descriptors as calls enter the stub.
func (s *Stub) Started() <-chan model.Descriptor { return s.started }

func (s *Stub) Calls(product string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[product]
}

func (s *Stub) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

// Default answers the products used by the analytics service with fixed data:
// monthly means rise by 0.01 per month, classifications have 5 classes.
func Default(_ context.Context, d model.Descriptor) (model.Product, error) {
	switch d.Product {
	case "classification":
		return model.Product{
			Ref:    fmt.Sprintf("classification/%s/%s", d.Period, d.Region),
			Values: map[string]any{"classes": 5},
		}, nil
	case "monthly_mean":
		t, err := time.Parse("2006-01", d.Period)
		if err != nil {
			return model.Product{}, &engine.UpstreamError{Product: d.Product, Status: 400, Body: "bad period"}
		}
		months := (t.Year()-2000)*12 + int(t.Month()) - 1
		return model.Product{Values: map[string]any{"mean": 0.2 + 0.01*float64(months)}}, nil
	case "class_histogram":
		return model.Product{Histogram: map[string]any{"0": 100.0, "1": 250.0, "2": 50.0, "4": 10.0}}, nil
	case "transition_histogram":
		return model.Product{Histogram: map[string]any{"12": 100.0, "31": 100.0, "40": 1000.0}}, nil
	default:
		return model.Product{Ref: d.Product + "/" + d.Region, Values: map[string]any{"value": 1}}, nil
	}
}
