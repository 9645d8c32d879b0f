// Package router parses HTTP requests into analytics calls and renders the results.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/geoproduct-cache/internal/analytics"
	"github.com/mohammed-shakir/geoproduct-cache/internal/core/model"
	"github.com/mohammed-shakir/geoproduct-cache/internal/engine"
	mylog "github.com/mohammed-shakir/geoproduct-cache/internal/logger"
	"github.com/mohammed-shakir/geoproduct-cache/internal/meter"
)

// Service is the analytics surface served over HTTP.
type Service interface {
	Product(ctx context.Context, d model.Descriptor) (model.Product, error)
	MonthlyTrend(ctx context.Context, req analytics.TrendRequest) (analytics.TrendReport, error)
	ClassStats(ctx context.Context, region, period string) (analytics.ClassStatsReport, error)
	Transitions(ctx context.Context, region, from, to string) (analytics.TransitionReport, error)
}

// UsageReader reports engine usage per product.
type UsageReader interface {
	Usage(ctx context.Context, product string) (meter.Usage, error)
}

// RegionLister covers a bounding box with region ids.
type RegionLister interface {
	CellsForBBox(bb model.BBox, res int) ([]string, error)
}

// Deps are the collaborators behind the /v1 routes. Usage and Regions are optional.
type Deps struct {
	Service Service
	Usage   UsageReader
	Regions RegionLister
}

// Mount registers the /v1 routes on r.
func Mount(r chi.Router, logger *slog.Logger, d Deps) {
	r.Get("/v1/products/{product}", HandleProduct(logger, d.Service))
	r.Get("/v1/trend", HandleTrend(logger, d.Service))
	r.Get("/v1/class-stats", HandleClassStats(logger, d.Service))
	r.Get("/v1/transitions", HandleTransitions(logger, d.Service))
	if d.Usage != nil {
		r.Get("/v1/usage/{product}", HandleUsage(logger, d.Usage))
	}
	if d.Regions != nil {
		r.Get("/v1/regions", HandleRegions(logger, d.Regions))
	}
}

func HandleProduct(logger *slog.Logger, svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d := ParseDescriptor(chi.URLParam(r, "product"), r)
		ctx := mylog.WithProduct(r.Context(), d.Product)
		p, err := svc.Product(ctx, d)
		if err != nil {
			writeError(ctx, logger, w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func HandleTrend(logger *slog.Logger, svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		rep, err := svc.MonthlyTrend(r.Context(), analytics.TrendRequest{
			Region: q.Get("region"),
			Index:  q.Get("index"),
			Start:  strings.TrimSpace(q.Get("start")),
			End:    strings.TrimSpace(q.Get("end")),
		})
		if err != nil {
			writeError(r.Context(), logger, w, err)
			return
		}
		writeJSON(w, http.StatusOK, rep)
	}
}

func HandleClassStats(logger *slog.Logger, svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		rep, err := svc.ClassStats(r.Context(), q.Get("region"), strings.TrimSpace(q.Get("period")))
		if err != nil {
			writeError(r.Context(), logger, w, err)
			return
		}
		writeJSON(w, http.StatusOK, rep)
	}
}

func HandleTransitions(logger *slog.Logger, svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		rep, err := svc.Transitions(r.Context(), q.Get("region"), q.Get("from"), q.Get("to"))
		if err != nil {
			writeError(r.Context(), logger, w, err)
			return
		}
		writeJSON(w, http.StatusOK, rep)
	}
}

func HandleUsage(logger *slog.Logger, usage UsageReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, err := usage.Usage(r.Context(), chi.URLParam(r, "product"))
		if err != nil {
			writeError(r.Context(), logger, w, err)
			return
		}
		writeJSON(w, http.StatusOK, u)
	}
}

// HandleRegions lists the region ids covering bbox=x1,y1,x2,y2,EPSG:4326 at resolution res.
func HandleRegions(logger *slog.Logger, regions RegionLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		bb, err := parseBBOX(q.Get("bbox"))
		if err != nil {
			writeError(r.Context(), logger, w, fmt.Errorf("%w: bbox: %w", model.ErrInvalidInput, err))
			return
		}
		res, err := strconv.Atoi(strings.TrimSpace(q.Get("res")))
		if err != nil {
			writeError(r.Context(), logger, w, fmt.Errorf("%w: res must be an integer", model.ErrInvalidInput))
			return
		}
		cells, err := regions.CellsForBBox(bb, res)
		if err != nil {
			writeError(r.Context(), logger, w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"resolution": res, "regions": cells})
	}
}

func parseBBOX(raw string) (model.BBox, error) {
	parts := strings.Split(strings.TrimSpace(raw), ",")
	if len(parts) != 5 {
		return model.BBox{}, errors.New("expected 5 comma-separated values: x1,y1,x2,y2,EPSG:4326")
	}
	var v [4]float64
	for i, name := range []string{"x1", "y1", "x2", "y2"} {
		f, err := strconv.ParseFloat(strings.TrimSpace(parts[i]), 64)
		if err != nil {
			return model.BBox{}, fmt.Errorf("%s: %w", name, err)
		}
		v[i] = f
	}
	if srid := strings.ToUpper(strings.TrimSpace(parts[4])); srid != "EPSG:4326" {
		return model.BBox{}, fmt.Errorf("only EPSG:4326 is supported (got %q)", srid)
	}
	bb := model.BBox{X1: v[0], Y1: v[1], X2: v[2], Y2: v[3]}
	return bb, bb.Validate()
}

// ParseDescriptor builds a descriptor from the path product and the query
// string. region and period are taken as is; every other query parameter
// becomes a product parameter, typed as int, float or bool when it parses as
// one. Repeated parameters keep their first value.
func ParseDescriptor(product string, r *http.Request) model.Descriptor {
	q := r.URL.Query()
	d := model.Descriptor{
		Product: strings.TrimSpace(product),
		Region:  q.Get("region"),
		Period:  strings.TrimSpace(q.Get("period")),
	}
	for k, vs := range q {
		if k == "region" || k == "period" || len(vs) == 0 {
			continue
		}
		if d.Params == nil {
			d.Params = model.Params{}
		}
		d.Params[k] = parseValue(vs[0])
	}
	return d
}

func parseValue(s string) any {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}

type errorBody struct {
	Error  string `json:"error"`
	Status int    `json:"upstream_status,omitempty"`
}

func writeError(ctx context.Context, logger *slog.Logger, w http.ResponseWriter, err error) {
	var ue *engine.UpstreamError
	switch {
	case errors.Is(err, model.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
	case errors.As(err, &ue):
		logger.WarnContext(ctx, "engine failure", "product", ue.Product, "status", ue.Status, "err", err)
		writeJSON(w, http.StatusBadGateway, errorBody{Error: err.Error(), Status: ue.Status})
	default:
		logger.ErrorContext(ctx, "request failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	buf, err := json.Marshal(v)
	if err != nil {
		http.Error(w, fmt.Sprintf("encode response: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf)
}
