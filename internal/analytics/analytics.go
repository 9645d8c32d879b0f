// Package analytics composes the memo caches, the classification memo and
// the statistics packages into the operations served over HTTP.
package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mohammed-shakir/geoproduct-cache/internal/cache/keys"
	"github.com/mohammed-shakir/geoproduct-cache/internal/cache/memo"
	"github.com/mohammed-shakir/geoproduct-cache/internal/classification"
	"github.com/mohammed-shakir/geoproduct-cache/internal/core/model"
	"github.com/mohammed-shakir/geoproduct-cache/internal/engine"
	mylog "github.com/mohammed-shakir/geoproduct-cache/internal/logger"
	"github.com/mohammed-shakir/geoproduct-cache/internal/region"
	"github.com/mohammed-shakir/geoproduct-cache/internal/stats/transition"
	"github.com/mohammed-shakir/geoproduct-cache/internal/stats/trend"
)

const (
	ProductMonthlyMean         = "monthly_mean"
	ProductClassHistogram      = "class_histogram"
	ProductTransitionHistogram = "transition_histogram"

	monthLayout = "2006-01"
)

const (
	defaultFetchWorkers   = 4
	defaultMaxTrendMonths = 240
)

type Deps struct {
	Engine      engine.Interface
	Products    *memo.Cache[model.Product]
	Trends      *memo.Cache[TrendReport]
	ClassStats  *memo.Cache[ClassStatsReport]
	Transitions *memo.Cache[TransitionReport]
	// Classes is the per-period classification memo. Nil creates one covering
	// the engine's full extent.
	Classes *classification.Memo
	// Regions validates and canonicalizes region ids. Nil accepts any non-empty id.
	Regions *region.Resolver
	Logger  *slog.Logger

	PixelAreaPerUnit float64
	FetchWorkers     int
	MaxTrendMonths   int
}

type Service struct {
	eng         engine.Interface
	products    *memo.Cache[model.Product]
	trends      *memo.Cache[TrendReport]
	classStats  *memo.Cache[ClassStatsReport]
	transitions *memo.Cache[TransitionReport]
	classes     *classification.Memo
	regions     *region.Resolver
	logger      *slog.Logger

	pixelArea float64
	workers   int
	maxMonths int
}

// New fills unset caches with fresh ones.
func New(d Deps) (*Service, error) {
	if d.Engine == nil {
		return nil, fmt.Errorf("analytics: engine is required")
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Products == nil {
		d.Products = memo.New[model.Product]("products", d.Logger)
	}
	if d.Trends == nil {
		d.Trends = memo.New[TrendReport]("trends", d.Logger)
	}
	if d.ClassStats == nil {
		d.ClassStats = memo.New[ClassStatsReport]("class_stats", d.Logger)
	}
	if d.Transitions == nil {
		d.Transitions = memo.New[TransitionReport]("transitions", d.Logger)
	}
	if d.Classes == nil {
		d.Classes = classification.New(d.Engine, "", d.Logger)
	}
	if !(d.PixelAreaPerUnit > 0) || math.IsInf(d.PixelAreaPerUnit, 0) {
		return nil, fmt.Errorf("analytics: pixel area must be positive, got %v", d.PixelAreaPerUnit)
	}
	if d.FetchWorkers <= 0 {
		d.FetchWorkers = defaultFetchWorkers
	}
	if d.MaxTrendMonths <= 0 {
		d.MaxTrendMonths = defaultMaxTrendMonths
	}
	return &Service{
		eng:         d.Engine,
		products:    d.Products,
		trends:      d.Trends,
		classStats:  d.ClassStats,
		transitions: d.Transitions,
		classes:     d.Classes,
		regions:     d.Regions,
		logger:      d.Logger,
		pixelArea:   d.PixelAreaPerUnit,
		workers:     d.FetchWorkers,
		maxMonths:   d.MaxTrendMonths,
	}, nil
}

func (s *Service) region(id string) (string, error) {
	if s.regions == nil {
		id = strings.TrimSpace(id)
		if id == "" {
			return "", fmt.Errorf("%w: region is required", model.ErrInvalidInput)
		}
		return id, nil
	}
	return s.regions.Canonical(id)
}

// Product returns the engine product for d, computing it at most once per
// distinct descriptor.
func (s *Service) Product(ctx context.Context, d model.Descriptor) (model.Product, error) {
	if err := d.Validate(); err != nil {
		return model.Product{}, err
	}
	r, err := s.region(d.Region)
	if err != nil {
		return model.Product{}, err
	}
	d.Region = r

	key := keys.Key(d.Product, d.KeyParams())
	ctx = mylog.WithCacheKey(ctx, keys.Digest(key))
	return s.products.GetOrCompute(ctx, key, func(ctx context.Context) (model.Product, error) {
		return s.eng.ComputeProduct(ctx, d)
	})
}

type TrendRequest struct {
	Region string
	Index  string
	Start  string
	End    string
}

type TrendReport struct {
	Region  string                `json:"region"`
	Index   string                `json:"index"`
	Start   string                `json:"start"`
	End     string                `json:"end"`
	Samples []model.MonthlySample `json:"samples"`
	Missing []string              `json:"missing,omitempty"`
	Trend   model.TrendResult     `json:"trend"`
}

// MonthlyTrend fetches one monthly_mean product per month in [Start, End] and
// fits a trend through the series. Months without a finite mean are listed
// in Missing and left out of the fit.
func (s *Service) MonthlyTrend(ctx context.Context, req TrendRequest) (TrendReport, error) {
	r, err := s.region(req.Region)
	if err != nil {
		return TrendReport{}, err
	}
	req.Region = r
	req.Index = strings.TrimSpace(req.Index)
	if req.Index == "" {
		return TrendReport{}, fmt.Errorf("%w: index is required", model.ErrInvalidInput)
	}
	months, err := monthRange(req.Start, req.End, s.maxMonths)
	if err != nil {
		return TrendReport{}, err
	}

	key := keys.Key("trend", map[string]any{"region": req.Region, "index": req.Index, "start": req.Start, "end": req.End})
	return s.trends.GetOrCompute(ctx, key, func(ctx context.Context) (TrendReport, error) {
		return s.computeTrend(ctx, req, months)
	})
}

func (s *Service) computeTrend(ctx context.Context, req TrendRequest, months []string) (TrendReport, error) {
	series := make([]model.MonthlySample, len(months))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, m := range months {
		g.Go(func() error {
			p, err := s.Product(gctx, model.Descriptor{
				Product: ProductMonthlyMean,
				Region:  req.Region,
				Period:  m,
				Params:  model.Params{"index": req.Index},
			})
			if err != nil {
				return fmt.Errorf("month %s: %w", m, err)
			}
			v, ok := transition.Count(p.Values["mean"])
			if !ok {
				v = math.NaN()
			}
			series[i] = model.MonthlySample{Label: m, Value: v}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return TrendReport{}, err
	}

	rep := TrendReport{
		Region:  req.Region,
		Index:   req.Index,
		Start:   req.Start,
		End:     req.End,
		Samples: make([]model.MonthlySample, 0, len(series)),
		Trend:   trend.Estimate(series),
	}
	for _, smp := range series {
		if math.IsNaN(smp.Value) || math.IsInf(smp.Value, 0) {
			rep.Missing = append(rep.Missing, smp.Label)
			continue
		}
		rep.Samples = append(rep.Samples, smp)
	}
	s.logger.DebugContext(ctx, "trend computed",
		"region", req.Region, "index", req.Index, "months", len(months), "missing", len(rep.Missing))
	return rep, nil
}

func monthRange(start, end string, limit int) ([]string, error) {
	from, err := time.Parse(monthLayout, start)
	if err != nil {
		return nil, fmt.Errorf("%w: start %q is not YYYY-MM", model.ErrInvalidInput, start)
	}
	to, err := time.Parse(monthLayout, end)
	if err != nil {
		return nil, fmt.Errorf("%w: end %q is not YYYY-MM", model.ErrInvalidInput, end)
	}
	if to.Before(from) {
		return nil, fmt.Errorf("%w: end %s is before start %s", model.ErrInvalidInput, end, start)
	}
	n := (to.Year()-from.Year())*12 + int(to.Month()) - int(from.Month()) + 1
	if n > limit {
		return nil, fmt.Errorf("%w: %d months requested, at most %d allowed", model.ErrInvalidInput, n, limit)
	}
	out := make([]string, 0, n)
	for m := from; !m.After(to); m = m.AddDate(0, 1, 0) {
		out = append(out, m.Format(monthLayout))
	}
	return out, nil
}

type ClassStatsReport struct {
	Region string `json:"region"`
	Period string `json:"period"`
	Raster string `json:"raster"`
	// Areas maps class index to covered area.
	Areas map[string]float64 `json:"areas"`
	Total float64            `json:"total"`
}

// ClassStats reports the area covered by each class of the period's classification.
func (s *Service) ClassStats(ctx context.Context, regionID, period string) (ClassStatsReport, error) {
	r, err := s.region(regionID)
	if err != nil {
		return ClassStatsReport{}, err
	}
	period = strings.TrimSpace(period)
	if period == "" {
		return ClassStatsReport{}, fmt.Errorf("%w: period is required", model.ErrInvalidInput)
	}

	key := keys.Key("class_stats", map[string]any{"region": r, "period": period})
	return s.classStats.GetOrCompute(ctx, key, func(ctx context.Context) (ClassStatsReport, error) {
		raster, err := s.raster(ctx, period)
		if err != nil {
			return ClassStatsReport{}, err
		}
		p, err := s.eng.ComputeProduct(ctx, model.Descriptor{
			Product: ProductClassHistogram,
			Region:  r,
			Period:  period,
			Params:  model.Params{"raster": raster.Ref},
		})
		if err != nil {
			return ClassStatsReport{}, err
		}
		rep := ClassStatsReport{Region: r, Period: period, Raster: raster.Ref, Areas: make(map[string]float64, len(p.Histogram))}
		for k, v := range p.Histogram {
			class, err := strconv.Atoi(k)
			if err != nil || class < 0 || class > transition.MaxClass || strconv.Itoa(class) != k {
				continue
			}
			count, ok := transition.Count(v)
			if !ok {
				continue
			}
			area := trend.Round(count*s.pixelArea, 4)
			rep.Areas[strconv.Itoa(class)] = area
			rep.Total += area
		}
		rep.Total = trend.Round(rep.Total, 4)
		return rep, nil
	})
}

type TransitionArea struct {
	Code  int     `json:"code"`
	Label string  `json:"label"`
	Area  float64 `json:"area"`
}

type TransitionReport struct {
	Region      string           `json:"region"`
	From        string           `json:"from"`
	To          string           `json:"to"`
	Transitions []TransitionArea `json:"transitions"`
	Total       float64          `json:"total_changed"`
}

// Transitions reports the area that changed class between two periods.
func (s *Service) Transitions(ctx context.Context, regionID, from, to string) (TransitionReport, error) {
	r, err := s.region(regionID)
	if err != nil {
		return TransitionReport{}, err
	}
	from, to = strings.TrimSpace(from), strings.TrimSpace(to)
	if from == "" || to == "" {
		return TransitionReport{}, fmt.Errorf("%w: from and to periods are required", model.ErrInvalidInput)
	}
	if from == to {
		return TransitionReport{}, fmt.Errorf("%w: from and to periods must differ", model.ErrInvalidInput)
	}

	key := keys.Key("transitions", map[string]any{"region": r, "from": from, "to": to})
	return s.transitions.GetOrCompute(ctx, key, func(ctx context.Context) (TransitionReport, error) {
		a, err := s.raster(ctx, from)
		if err != nil {
			return TransitionReport{}, err
		}
		b, err := s.raster(ctx, to)
		if err != nil {
			return TransitionReport{}, err
		}
		p, err := s.eng.ComputeProduct(ctx, model.Descriptor{
			Product: ProductTransitionHistogram,
			Region:  r,
			Params:  model.Params{"from_raster": a.Ref, "to_raster": b.Ref},
		})
		if err != nil {
			return TransitionReport{}, err
		}
		return buildTransitionReport(r, from, to, transition.DecodeHistogram(p.Histogram, s.pixelArea)), nil
	})
}

func buildTransitionReport(r, from, to string, areas map[string]float64) TransitionReport {
	rep := TransitionReport{Region: r, From: from, To: to, Transitions: make([]TransitionArea, 0, len(areas))}
	var total float64
	for label, area := range areas {
		var f, t int
		if _, err := fmt.Sscanf(label, "%d-%d", &f, &t); err != nil {
			continue
		}
		rep.Transitions = append(rep.Transitions, TransitionArea{Code: int(transition.Encode(f, t)), Label: label, Area: area})
		total += area
	}
	sort.Slice(rep.Transitions, func(i, j int) bool { return rep.Transitions[i].Code < rep.Transitions[j].Code })
	rep.Total = trend.Round(total, 4)
	return rep
}

func (s *Service) raster(ctx context.Context, period string) (model.ClassifiedRaster, error) {
	if r, ok := s.classes.Lookup(period); ok {
		return r, nil
	}
	return s.classes.Load(ctx, period)
}
