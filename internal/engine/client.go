package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mohammed-shakir/geoproduct-cache/internal/core/model"
)

const computePath = "/v1/compute"

// Client calls the engine over HTTP: POST {base}/v1/compute with a JSON
// descriptor, JSON product in the response.
type Client struct {
	logger   *slog.Logger
	client   *http.Client
	endpoint *url.URL
	geometry func(region string) (string, error)
}

type Option func(*Client)

// WithGeometry attaches the region outline to every request.
func WithGeometry(f func(region string) (string, error)) Option {
	return func(c *Client) { c.geometry = f }
}

func NewClient(logger *slog.Logger, client *http.Client, base string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(base, "/") + computePath)
	if err != nil {
		return nil, fmt.Errorf("parse engine url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("engine url %q: scheme must be http or https", base)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = http.DefaultClient
	}
	c := &Client{logger: logger, client: client, endpoint: u}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

type computeRequest struct {
	Product  string          `json:"product"`
	Region   string          `json:"region,omitempty"`
	Period   string          `json:"period,omitempty"`
	Geometry json.RawMessage `json:"geometry,omitempty"`
	Params   model.Params    `json:"params,omitempty"`
}

func (c *Client) ComputeProduct(ctx context.Context, d model.Descriptor) (model.Product, error) {
	body := computeRequest{Product: d.Product, Region: d.Region, Period: d.Period, Params: d.Params}
	// an empty region asks for the engine's full extent
	if c.geometry != nil && d.Region != "" {
		g, err := c.geometry(d.Region)
		if err != nil {
			return model.Product{}, fmt.Errorf("region geometry: %w", err)
		}
		body.Geometry = json.RawMessage(g)
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return model.Product{}, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint.String(), bytes.NewReader(buf))
	if err != nil {
		return model.Product{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return model.Product{}, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	c.logger.DebugContext(ctx, "engine call done",
		"product", d.Product, "status", resp.StatusCode, "duration", time.Since(start).String())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return model.Product{}, &UpstreamError{
			Product: d.Product,
			Status:  resp.StatusCode,
			Body:    strings.TrimSpace(string(b)),
		}
	}

	var out model.Product
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return model.Product{}, fmt.Errorf("decode product: %w", err)
	}
	return out, nil
}
