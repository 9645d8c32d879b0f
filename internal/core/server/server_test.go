package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mohammed-shakir/geoproduct-cache/internal/analytics"
	"github.com/mohammed-shakir/geoproduct-cache/internal/core/health"
	"github.com/mohammed-shakir/geoproduct-cache/internal/core/router"
	"github.com/mohammed-shakir/geoproduct-cache/internal/engine/enginetest"
	"github.com/mohammed-shakir/geoproduct-cache/internal/region"
)

func newTestServer(t *testing.T) (*httptest.Server, *enginetest.Stub) {
	t.Helper()
	stub := enginetest.New(nil)
	svc, err := analytics.New(analytics.Deps{Engine: stub, PixelAreaPerUnit: 0.0009})
	if err != nil {
		t.Fatalf("analytics.New: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ready := map[string]health.Pinger{"engine": health.PingFunc(func(context.Context) error { return nil })}
	srv := httptest.NewServer(NewHandler(logger, router.Deps{Service: svc, Regions: region.New(0, 15)}, ready))
	t.Cleanup(srv.Close)
	return srv, stub
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestServer_EndToEnd(t *testing.T) {
	srv, stub := newTestServer(t)

	for i := 0; i < 3; i++ {
		var rep analytics.TrendReport
		if code := getJSON(t, srv.URL+"/v1/trend?region=r1&index=ndvi&start=2023-01&end=2023-06", &rep); code != http.StatusOK {
			t.Fatalf("trend status=%d", code)
		}
		if len(rep.Samples) != 6 || rep.Trend.Slope == nil {
			t.Fatalf("report=%+v", rep)
		}
	}
	if n := stub.Calls(analytics.ProductMonthlyMean); n != 6 {
		t.Fatalf("engine calls=%d want 6", n)
	}

	var tr analytics.TransitionReport
	if code := getJSON(t, srv.URL+"/v1/transitions?region=r1&from=2020&to=2024", &tr); code != http.StatusOK {
		t.Fatalf("transitions status=%d", code)
	}
	if tr.Total != 1.08 {
		t.Fatalf("total=%v", tr.Total)
	}

	var cs analytics.ClassStatsReport
	if code := getJSON(t, srv.URL+"/v1/class-stats?region=r1&period=2024", &cs); code != http.StatusOK {
		t.Fatalf("class-stats status=%d", code)
	}
	if n := stub.Calls("classification"); n != 2 {
		t.Fatalf("classification calls=%d want 2", n)
	}
}

func TestServer_BadRequest(t *testing.T) {
	srv, stub := newTestServer(t)
	var body map[string]any
	if code := getJSON(t, srv.URL+"/v1/transitions?region=r1&from=2020&to=2020", &body); code != http.StatusBadRequest {
		t.Fatalf("status=%d want 400", code)
	}
	if !strings.Contains(body["error"].(string), "invalid input") {
		t.Fatalf("body=%v", body)
	}
	if stub.Total() != 0 {
		t.Fatalf("engine called")
	}
}

func TestServer_ProbesAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t)
	if code := getJSON(t, srv.URL+"/readyz", nil); code != http.StatusOK {
		t.Fatalf("readyz=%d", code)
	}
	if code := getJSON(t, srv.URL+"/healthz", nil); code != http.StatusOK {
		t.Fatalf("healthz=%d", code)
	}

	getJSON(t, srv.URL+"/v1/products/mosaic?region=r1", nil)
	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	b, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(b), `route="/v1/products/{product}"`) {
		t.Fatalf("expected route pattern label in metrics")
	}
	if !strings.Contains(string(b), `memo_lookups_total{cache="products",outcome="miss"}`) {
		t.Fatalf("expected memo lookup metric")
	}
}

func TestServer_RegionsCoverBBox(t *testing.T) {
	srv, _ := newTestServer(t)
	var body struct {
		Resolution int      `json:"resolution"`
		Regions    []string `json:"regions"`
	}
	if code := getJSON(t, srv.URL+"/v1/regions?bbox=17.95,59.30,18.15,59.40,EPSG:4326&res=7", &body); code != http.StatusOK {
		t.Fatalf("status=%d", code)
	}
	if body.Resolution != 7 || len(body.Regions) == 0 {
		t.Fatalf("body=%+v", body)
	}
}
