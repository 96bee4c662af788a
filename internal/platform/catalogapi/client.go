package catalogapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	domain "github.com/catalogsync/api/internal/domain"
)

const (
	defaultTimeout = 10 * time.Second
	maxErrorBody   = 2048
	productsPath   = "products"
)

// Config configures the upstream catalog API client.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	RatePerSec float64
	Burst      int
}

// Client calls the upstream catalog API. Every request carries a caller-supplied bearer token and is
// bounded by the configured timeout.
type Client struct {
	baseURL *url.URL
	timeout time.Duration
	http    *http.Client
	limiter *rate.Limiter
	tracer  trace.Tracer
}

// Option customises the client.
type Option func(*Client)

// WithHTTPClient overrides the transport, e.g. for tests.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.http = client
		}
	}
}

// WithLimiter installs a custom pacing limiter. A nil limiter disables pacing.
func WithLimiter(limiter *rate.Limiter) Option {
	return func(c *Client) {
		c.limiter = limiter
	}
}

// WithTracer overrides the tracer used for client spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Client) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// NewClient validates cfg and constructs a Client.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	raw := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if raw == "" {
		return nil, errors.New("catalogapi: base url is required")
	}
	base, err := url.Parse(raw + "/")
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("catalogapi: invalid base url %q", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := &Client{
		baseURL: base,
		timeout: timeout,
		http:    &http.Client{},
		tracer:  otel.Tracer("github.com/catalogsync/api/internal/platform/catalogapi"),
	}
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		client.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

// Request performs a GET against path relative to the base URL and returns the raw JSON body.
func (c *Client) Request(ctx context.Context, path string, params url.Values, accessToken string) (json.RawMessage, error) {
	endpoint, err := c.baseURL.Parse(strings.TrimLeft(path, "/"))
	if err != nil {
		return nil, &Error{Op: "request", Path: path, Err: err}
	}
	if len(params) > 0 {
		endpoint.RawQuery = params.Encode()
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ctx, span := c.tracer.Start(ctx, "catalogapi.request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.path", endpoint.Path)))
	defer span.End()

	body, err := c.do(ctx, endpoint, accessToken)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return body, nil
}

func (c *Client) do(ctx context.Context, endpoint *url.URL, accessToken string) (json.RawMessage, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &Error{Op: "throttle", Path: endpoint.Path, Err: err}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, &Error{Op: "request", Path: endpoint.Path, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if token := strings.TrimSpace(accessToken); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Op: "transport", Path: endpoint.Path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &Error{Op: "status", Path: endpoint.Path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Op: "read", Path: endpoint.Path, Err: err}
	}
	if !json.Valid(payload) {
		return nil, &Error{Op: "decode", Path: endpoint.Path, Err: errors.New("response is not valid JSON")}
	}
	return payload, nil
}

// GetProduct fetches one product. The token is used as given.
func (c *Client) GetProduct(ctx context.Context, productID, accessToken string) (domain.ExternalProduct, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return domain.ExternalProduct{}, errors.New("catalogapi: product id is required")
	}
	raw, err := c.Request(ctx, productsPath+"/"+url.PathEscape(productID), nil, accessToken)
	if err != nil {
		return domain.ExternalProduct{}, err
	}
	var product domain.ExternalProduct
	if err := json.Unmarshal(raw, &product); err != nil {
		return domain.ExternalProduct{}, &Error{Op: "decode", Path: productsPath, Err: err}
	}
	if product.ID == "" {
		product.ID = productID
	}
	return product, nil
}

// ListProductsParams are the passthrough listing filters.
type ListProductsParams struct {
	CategoryID        string
	TitleTranslations string
	Page              int
	PerPage           int
}

func (p ListProductsParams) values() url.Values {
	values := url.Values{}
	if v := strings.TrimSpace(p.CategoryID); v != "" {
		values.Set("category_id", v)
	}
	if v := strings.TrimSpace(p.TitleTranslations); v != "" {
		values.Set("title_translations", v)
	}
	if p.Page > 0 {
		values.Set("page", strconv.Itoa(p.Page))
	}
	if p.PerPage > 0 {
		values.Set("per_page", strconv.Itoa(p.PerPage))
	}
	return values
}

// ListProducts fetches one page of products using the passthrough filters.
func (c *Client) ListProducts(ctx context.Context, params ListProductsParams, accessToken string) (domain.ExternalProductPage, error) {
	raw, err := c.Request(ctx, productsPath, params.values(), accessToken)
	if err != nil {
		return domain.ExternalProductPage{}, err
	}
	var page domain.ExternalProductPage
	if err := json.Unmarshal(raw, &page); err != nil {
		return domain.ExternalProductPage{}, &Error{Op: "decode", Path: productsPath, Err: err}
	}
	return page, nil
}

// Ping checks that the API host answers. Any response below 500 counts as reachable.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL.String(), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Op: "transport", Path: c.baseURL.Path, Err: err}
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return &Error{Op: "status", Path: c.baseURL.Path, StatusCode: resp.StatusCode}
	}
	return nil
}
