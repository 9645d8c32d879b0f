package analytics

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/mohammed-shakir/geoproduct-cache/internal/classification"
	"github.com/mohammed-shakir/geoproduct-cache/internal/core/model"
	"github.com/mohammed-shakir/geoproduct-cache/internal/engine/enginetest"
	"github.com/mohammed-shakir/geoproduct-cache/internal/region"
)

const pixelArea = 0.0009

func newService(t *testing.T, stub *enginetest.Stub) *Service {
	t.Helper()
	s, err := New(Deps{Engine: stub, PixelAreaPerUnit: pixelArea, FetchWorkers: 3})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestNew_RequiresEngineAndPixelArea(t *testing.T) {
	if _, err := New(Deps{PixelAreaPerUnit: 1}); err == nil {
		t.Fatalf("expected error without engine")
	}
	if _, err := New(Deps{Engine: enginetest.New(nil)}); err == nil {
		t.Fatalf("expected error without pixel area")
	}
	if _, err := New(Deps{Engine: enginetest.New(nil), PixelAreaPerUnit: math.NaN()}); err == nil {
		t.Fatalf("expected error for NaN pixel area")
	}
}

func TestProduct_ConcurrentIdenticalDescriptorsComputeOnce(t *testing.T) {
	stub := enginetest.New(nil)
	release := stub.Hold()
	s := newService(t, stub)

	const callers = 32
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			params := model.Params{"index": "ndvi", "scale": 10}
			if i%2 == 0 {
				params = model.Params{"scale": 10, "index": "ndvi"}
			}
			_, err := s.Product(context.Background(), model.Descriptor{
				Product: "mosaic", Region: "r1", Period: "2024-05", Params: params,
			})
			errs <- err
		}(i)
	}
	<-stub.Started()
	release()
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("Product: %v", err)
		}
	}
	if n := stub.Calls("mosaic"); n != 1 {
		t.Fatalf("engine calls=%d want 1", n)
	}
}

func TestProduct_InvalidInputNeverReachesEngine(t *testing.T) {
	stub := enginetest.New(nil)
	s := newService(t, stub)

	cases := []model.Descriptor{
		{Product: "", Region: "r1"},
		{Product: "Bad-Name", Region: "r1"},
		{Product: "mosaic", Region: "  "},
		{Product: "mosaic", Region: "r1", Params: model.Params{"region": "r2"}},
	}
	for _, d := range cases {
		if _, err := s.Product(context.Background(), d); !errors.Is(err, model.ErrInvalidInput) {
			t.Fatalf("descriptor %+v: err=%v want ErrInvalidInput", d, err)
		}
	}
	if stub.Total() != 0 {
		t.Fatalf("engine called %d times", stub.Total())
	}
}

func TestProduct_FailureIsRetried(t *testing.T) {
	stub := enginetest.New(nil)
	boom := errors.New("engine unavailable")
	stub.FailNext("mosaic", boom)
	s := newService(t, stub)
	d := model.Descriptor{Product: "mosaic", Region: "r1"}

	if _, err := s.Product(context.Background(), d); !errors.Is(err, boom) {
		t.Fatalf("err=%v want %v", err, boom)
	}
	if _, err := s.Product(context.Background(), d); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if _, err := s.Product(context.Background(), d); err != nil {
		t.Fatalf("cached: %v", err)
	}
	if n := stub.Calls("mosaic"); n != 2 {
		t.Fatalf("engine calls=%d want 2", n)
	}
}

func TestProduct_CanonicalizesRegion(t *testing.T) {
	stub := enginetest.New(nil)
	res := region.New(0, 15)
	cells, err := res.CellsForBBox(model.BBox{X1: 17.95, Y1: 59.30, X2: 18.15, Y2: 59.40}, 7)
	if err != nil || len(cells) == 0 {
		t.Fatalf("CellsForBBox: %v (%d cells)", err, len(cells))
	}
	s, err := New(Deps{Engine: stub, Regions: res, PixelAreaPerUnit: pixelArea})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := s.Product(context.Background(), model.Descriptor{Product: "mosaic", Region: cells[0]}); err != nil {
		t.Fatalf("Product: %v", err)
	}
	if _, err := s.Product(context.Background(), model.Descriptor{Product: "mosaic", Region: " " + strings.ToUpper(cells[0]) + " "}); err != nil {
		t.Fatalf("Product upper-case: %v", err)
	}
	if n := stub.Calls("mosaic"); n != 1 {
		t.Fatalf("engine calls=%d want 1 (same cell)", n)
	}
	if _, err := s.Product(context.Background(), model.Descriptor{Product: "mosaic", Region: "not-a-cell"}); !errors.Is(err, model.ErrInvalidInput) {
		t.Fatalf("err=%v want ErrInvalidInput", err)
	}
}

func TestMonthlyTrend_FitsSeries(t *testing.T) {
	values := map[string]float64{"2023-01": 1, "2023-02": 3, "2023-03": 2, "2023-04": 5, "2023-05": 4}
	stub := enginetest.New(func(_ context.Context, d model.Descriptor) (model.Product, error) {
		if d.Params["index"] != "ndvi" {
			return model.Product{}, fmt.Errorf("unexpected index %v", d.Params["index"])
		}
		return model.Product{Values: map[string]any{"mean": values[d.Period]}}, nil
	})
	s := newService(t, stub)

	rep, err := s.MonthlyTrend(context.Background(), TrendRequest{Region: "r1", Index: "ndvi", Start: "2023-01", End: "2023-05"})
	if err != nil {
		t.Fatalf("MonthlyTrend: %v", err)
	}
	if len(rep.Samples) != 5 || rep.Samples[0].Label != "2023-01" || rep.Samples[4].Label != "2023-05" {
		t.Fatalf("samples=%+v", rep.Samples)
	}
	if rep.Trend.Slope == nil || *rep.Trend.Slope != 0.8 {
		t.Fatalf("slope=%v want 0.8", rep.Trend.Slope)
	}
	if rep.Trend.PValue == nil || math.Abs(*rep.Trend.PValue-0.104088) > 1e-6 {
		t.Fatalf("p=%v want 0.104088", rep.Trend.PValue)
	}

	if _, err := s.MonthlyTrend(context.Background(), TrendRequest{Region: "r1", Index: "ndvi", Start: "2023-01", End: "2023-05"}); err != nil {
		t.Fatalf("second MonthlyTrend: %v", err)
	}
	if n := stub.Calls(ProductMonthlyMean); n != 5 {
		t.Fatalf("engine calls=%d want 5", n)
	}
}

func TestMonthlyTrend_OverlappingRangesShareMonths(t *testing.T) {
	stub := enginetest.New(nil)
	s := newService(t, stub)

	if _, err := s.MonthlyTrend(context.Background(), TrendRequest{Region: "r1", Index: "ndvi", Start: "2022-11", End: "2023-02"}); err != nil {
		t.Fatalf("MonthlyTrend: %v", err)
	}
	rep, err := s.MonthlyTrend(context.Background(), TrendRequest{Region: "r1", Index: "ndvi", Start: "2023-01", End: "2023-04"})
	if err != nil {
		t.Fatalf("MonthlyTrend: %v", err)
	}
	if n := stub.Calls(ProductMonthlyMean); n != 6 {
		t.Fatalf("engine calls=%d want 6", n)
	}
	if rep.Trend.Slope == nil || *rep.Trend.Slope != 0.01 {
		t.Fatalf("slope=%v want 0.01", rep.Trend.Slope)
	}
	if rep.Trend.PValue == nil || *rep.Trend.PValue != 0 {
		t.Fatalf("p=%v want 0 for a perfect fit", rep.Trend.PValue)
	}
}

func TestMonthlyTrend_MissingMonthsAreSkipped(t *testing.T) {
	stub := enginetest.New(func(_ context.Context, d model.Descriptor) (model.Product, error) {
		if d.Period == "2023-02" || d.Period == "2023-03" {
			return model.Product{}, nil
		}
		return model.Product{Values: map[string]any{"mean": 0.5}}, nil
	})
	s := newService(t, stub)

	rep, err := s.MonthlyTrend(context.Background(), TrendRequest{Region: "r1", Index: "ndvi", Start: "2023-01", End: "2023-04"})
	if err != nil {
		t.Fatalf("MonthlyTrend: %v", err)
	}
	if len(rep.Missing) != 2 || rep.Missing[0] != "2023-02" || rep.Missing[1] != "2023-03" {
		t.Fatalf("missing=%v", rep.Missing)
	}
	if rep.Trend.Slope != nil || rep.Trend.PValue != nil {
		t.Fatalf("two samples cannot carry a trend, got %+v", rep.Trend)
	}
}

func TestMonthlyTrend_EngineFailureFailsWholeSeries(t *testing.T) {
	stub := enginetest.New(nil)
	boom := errors.New("engine down")
	stub.FailNext(ProductMonthlyMean, boom)
	s := newService(t, stub)

	if _, err := s.MonthlyTrend(context.Background(), TrendRequest{Region: "r1", Index: "ndvi", Start: "2023-01", End: "2023-03"}); !errors.Is(err, boom) {
		t.Fatalf("err=%v want %v", err, boom)
	}
	if _, err := s.MonthlyTrend(context.Background(), TrendRequest{Region: "r1", Index: "ndvi", Start: "2023-01", End: "2023-03"}); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestMonthlyTrend_RejectsBadRanges(t *testing.T) {
	stub := enginetest.New(nil)
	s := newService(t, stub)

	cases := []TrendRequest{
		{Region: "r1", Index: "ndvi", Start: "2023-13", End: "2024-01"},
		{Region: "r1", Index: "ndvi", Start: "2023-01", End: "2024"},
		{Region: "r1", Index: "ndvi", Start: "2024-01", End: "2023-01"},
		{Region: "r1", Index: "ndvi", Start: "2000-01", End: "2020-01"},
		{Region: "r1", Index: "", Start: "2023-01", End: "2023-02"},
		{Region: "", Index: "ndvi", Start: "2023-01", End: "2023-02"},
	}
	for _, req := range cases {
		if _, err := s.MonthlyTrend(context.Background(), req); !errors.Is(err, model.ErrInvalidInput) {
			t.Fatalf("request %+v: err=%v want ErrInvalidInput", req, err)
		}
	}
	if stub.Total() != 0 {
		t.Fatalf("engine called %d times", stub.Total())
	}
}

func TestClassStats_AreasFromHistogram(t *testing.T) {
	stub := enginetest.New(nil)
	s := newService(t, stub)

	rep, err := s.ClassStats(context.Background(), "r1", "2020")
	if err != nil {
		t.Fatalf("ClassStats: %v", err)
	}
	want := map[string]float64{"0": 0.09, "1": 0.225, "2": 0.045, "4": 0.009}
	if len(rep.Areas) != len(want) {
		t.Fatalf("areas=%v want %v", rep.Areas, want)
	}
	for k, v := range want {
		if rep.Areas[k] != v {
			t.Fatalf("areas[%s]=%v want %v", k, rep.Areas[k], v)
		}
	}
	if rep.Total != 0.369 {
		t.Fatalf("total=%v want 0.369", rep.Total)
	}
	if rep.Raster == "" {
		t.Fatalf("raster ref missing")
	}

	if _, err := s.ClassStats(context.Background(), "r1", "2020"); err != nil {
		t.Fatalf("second ClassStats: %v", err)
	}
	if c, h := stub.Calls(classification.Product), stub.Calls(ProductClassHistogram); c != 1 || h != 1 {
		t.Fatalf("classification calls=%d histogram calls=%d want 1/1", c, h)
	}
}

func TestTransitions_ConcurrentCallersShareOneComputation(t *testing.T) {
	stub := enginetest.New(nil)
	release := stub.Hold()
	s := newService(t, stub)

	const callers = 16
	var wg sync.WaitGroup
	reports := make([]TransitionReport, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reports[i], errs[i] = s.Transitions(context.Background(), "r1", "2020", "2024")
		}(i)
	}
	<-stub.Started()
	release()
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if c := stub.Calls(classification.Product); c != 2 {
		t.Fatalf("classification calls=%d want 2", c)
	}
	if h := stub.Calls(ProductTransitionHistogram); h != 1 {
		t.Fatalf("transition histogram calls=%d want 1", h)
	}

	rep := reports[0]
	if rep.Total != 1.08 {
		t.Fatalf("total=%v want 1.08", rep.Total)
	}
	wantLabels := []string{"1-2", "3-1", "4-0"}
	if len(rep.Transitions) != len(wantLabels) {
		t.Fatalf("transitions=%+v", rep.Transitions)
	}
	for i, l := range wantLabels {
		if rep.Transitions[i].Label != l {
			t.Fatalf("transitions[%d]=%+v want label %s", i, rep.Transitions[i], l)
		}
	}
	if rep.Transitions[2].Code != 40 || rep.Transitions[2].Area != 0.9 {
		t.Fatalf("transition 4-0=%+v", rep.Transitions[2])
	}
}

func TestTransitions_ReusesClassificationsAcrossOperations(t *testing.T) {
	stub := enginetest.New(nil)
	s := newService(t, stub)

	if _, err := s.ClassStats(context.Background(), "r1", "2020"); err != nil {
		t.Fatalf("ClassStats: %v", err)
	}
	if _, err := s.Transitions(context.Background(), "r1", "2020", "2021"); err != nil {
		t.Fatalf("Transitions: %v", err)
	}
	if _, err := s.Transitions(context.Background(), "r1", "2021", "2020"); err != nil {
		t.Fatalf("Transitions reversed: %v", err)
	}
	if _, err := s.ClassStats(context.Background(), "r2", "2021"); err != nil {
		t.Fatalf("ClassStats r2: %v", err)
	}
	if c := stub.Calls(classification.Product); c != 2 {
		t.Fatalf("classification calls=%d want 2 (one per period, shared by regions)", c)
	}
	if h := stub.Calls(ProductTransitionHistogram); h != 2 {
		t.Fatalf("transition histogram calls=%d want 2 (direction matters)", h)
	}
	if h := stub.Calls(ProductClassHistogram); h != 2 {
		t.Fatalf("class histogram calls=%d want 2 (one per region and period)", h)
	}
}

func TestClassStats_PaddedPeriodSharesEntry(t *testing.T) {
	stub := enginetest.New(nil)
	s := newService(t, stub)

	for _, period := range []string{" 2020", "2020", "2020 "} {
		rep, err := s.ClassStats(context.Background(), "r1", period)
		if err != nil {
			t.Fatalf("ClassStats(%q): %v", period, err)
		}
		if rep.Period != "2020" {
			t.Fatalf("period=%q want 2020", rep.Period)
		}
	}
	if c, h := stub.Calls(classification.Product), stub.Calls(ProductClassHistogram); c != 1 || h != 1 {
		t.Fatalf("classification calls=%d histogram calls=%d want 1/1", c, h)
	}
}

func TestClassStats_IgnoresNonCanonicalClassKeys(t *testing.T) {
	stub := enginetest.New(func(ctx context.Context, d model.Descriptor) (model.Product, error) {
		if d.Product == ProductClassHistogram {
			return model.Product{Histogram: map[string]any{"1": 100.0, " 1": 7.0, "01": 9.0, "1.0": 5.0, "12": 3.0}}, nil
		}
		return enginetest.Default(ctx, d)
	})
	s := newService(t, stub)

	rep, err := s.ClassStats(context.Background(), "r1", "2020")
	if err != nil {
		t.Fatalf("ClassStats: %v", err)
	}
	if len(rep.Areas) != 1 || rep.Areas["1"] != 0.09 || rep.Total != 0.09 {
		t.Fatalf("areas=%v total=%v want map[1:0.09] 0.09", rep.Areas, rep.Total)
	}
}

func TestClassStats_ReferencesSharedRaster(t *testing.T) {
	stub := enginetest.New(nil)
	classes := classification.New(stub, "", nil)
	s, err := New(Deps{Engine: stub, Classes: classes, PixelAreaPerUnit: pixelArea})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	a, err := s.ClassStats(context.Background(), "r1", "2020")
	if err != nil {
		t.Fatalf("ClassStats r1: %v", err)
	}
	b, err := s.ClassStats(context.Background(), "r2", "2020")
	if err != nil {
		t.Fatalf("ClassStats r2: %v", err)
	}
	raster, ok := classes.Lookup("2020")
	if !ok {
		t.Fatalf("classification not memoized")
	}
	if a.Raster != raster.Ref || b.Raster != raster.Ref {
		t.Fatalf("reports must reference the memoized raster: %q %q want %q", a.Raster, b.Raster, raster.Ref)
	}
}

func TestTransitions_RejectsSamePeriod(t *testing.T) {
	stub := enginetest.New(nil)
	s := newService(t, stub)

	if _, err := s.Transitions(context.Background(), "r1", "2020", "2020"); !errors.Is(err, model.ErrInvalidInput) {
		t.Fatalf("err=%v want ErrInvalidInput", err)
	}
	if _, err := s.Transitions(context.Background(), "r1", "", "2020"); !errors.Is(err, model.ErrInvalidInput) {
		t.Fatalf("err=%v want ErrInvalidInput", err)
	}
	if stub.Total() != 0 {
		t.Fatalf("engine called %d times", stub.Total())
	}
}
