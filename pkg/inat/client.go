// Package inat provides the iNaturalist API client. Every method issues
// exactly one HTTP request; admission control and retries belong to the
// caller (see pkg/batch).
package inat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for API client operations.
var (
	inatRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inat_requests_total",
		Help: "Total iNaturalist API requests by endpoint and status",
	}, []string{"endpoint", "status"})

	inatRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "inat_request_duration_seconds",
		Help:    "iNaturalist API request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})

	inatErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inat_errors_total",
		Help: "Total iNaturalist API errors by class",
	}, []string{"class"})
)

// Endpoint labels used for metrics and logs.
const (
	endpointObservations = "observations"
	endpointObservation  = "observation"
	endpointTaxon        = "taxon"
)

// DefaultBaseURL is the public iNaturalist API.
const DefaultBaseURL = "https://api.inaturalist.org/v1"

// MaxBatchSize is the largest id list accepted by the observations endpoint.
const MaxBatchSize = 200

// Client is the iNaturalist API client.
type Client struct {
	httpClient *http.Client
	baseURL    string
	config     Config
	logger     zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// BaseURL of the API, without trailing slash.
	BaseURL string

	// User-Agent header. iNaturalist asks API consumers to identify themselves.
	UserAgent string

	// Timeout per HTTP request.
	Timeout time.Duration
}

// DefaultConfig returns a default configuration.
func DefaultConfig(userAgent string) Config {
	return Config{
		BaseURL:   DefaultBaseURL,
		UserAgent: userAgent,
		Timeout:   30 * time.Second,
	}
}

// Batch is the demultiplexed response of a batch observation read.
type Batch struct {
	// Observations holds every valid observation by id.
	Observations map[int64]Observation
	// Rejected holds observations present in the response whose payload
	// failed schema validation.
	Rejected map[int64]Rejected
}

// Rejected is an observation that failed validation. Observation keeps
// whatever decoded cleanly (id and user).
type Rejected struct {
	Observation Observation
	Err         error
}

// New creates a new iNaturalist client.
func New(cfg Config) (*Client, error) {
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		config:  cfg,
		logger:  log.With().Str("component", "inat-client").Logger(),
	}, nil
}

// FetchObservations reads up to MaxBatchSize observations in one request.
// Ids missing from the response are simply absent from the result.
func (c *Client) FetchObservations(ctx context.Context, ids []int64) (*Batch, error) {
	if len(ids) == 0 {
		return &Batch{Observations: map[int64]Observation{}, Rejected: map[int64]Rejected{}}, nil
	}
	if len(ids) > MaxBatchSize {
		return nil, fmt.Errorf("batch of %d ids exceeds maximum %d", len(ids), MaxBatchSize)
	}

	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	query := url.Values{}
	query.Set("id", strings.Join(parts, ","))
	query.Set("per_page", strconv.Itoa(len(ids)))

	results, err := c.get(ctx, endpointObservations, "/observations", query)
	if err != nil {
		return nil, err
	}

	batch := &Batch{
		Observations: make(map[int64]Observation, len(results)),
		Rejected:     make(map[int64]Rejected),
	}
	for _, raw := range results {
		obs, err := ParseObservation(raw)
		if obs.ID == 0 {
			c.logger.Warn().Err(err).Msg("Skipping observation without id in batch response")
			continue
		}
		if err != nil {
			batch.Rejected[obs.ID] = Rejected{Observation: obs, Err: err}
			continue
		}
		batch.Observations[obs.ID] = obs
	}

	return batch, nil
}

// FetchObservation reads a single observation. An empty result is reported
// as a not-found APIError.
func (c *Client) FetchObservation(ctx context.Context, id int64) (Observation, error) {
	results, err := c.get(ctx, endpointObservation, "/observations/"+strconv.FormatInt(id, 10), nil)
	if err != nil {
		return Observation{}, err
	}
	if len(results) == 0 {
		return Observation{}, &APIError{
			StatusCode: http.StatusOK,
			ErrorClass: ErrorClassNotFound,
			Endpoint:   endpointObservation,
			Message:    fmt.Sprintf("observation %d: no results found", id),
			Err:        ErrNotFound,
		}
	}
	return ParseObservation(results[0])
}

// FetchTaxon reads one taxon including its ancestor nodes.
func (c *Client) FetchTaxon(ctx context.Context, id int64) (Taxon, error) {
	results, err := c.get(ctx, endpointTaxon, "/taxa/"+strconv.FormatInt(id, 10), nil)
	if err != nil {
		return Taxon{}, err
	}
	if len(results) == 0 {
		return Taxon{}, &APIError{
			StatusCode: http.StatusOK,
			ErrorClass: ErrorClassNotFound,
			Endpoint:   endpointTaxon,
			Message:    fmt.Sprintf("taxon %d: no results found", id),
			Err:        ErrNotFound,
		}
	}
	return ParseTaxon(results[0])
}

// get performs one GET request and returns the decoded results array.
func (c *Client) get(ctx context.Context, endpoint, path string, query url.Values) (results []json.RawMessage, err error) {
	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")

	startTime := time.Now()
	defer func() {
		inatRequestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
		if class := ClassOf(err); class != "" {
			inatErrorsTotal.WithLabelValues(string(class)).Inc()
		}
	}()

	c.logger.Debug().
		Str("endpoint", endpoint).
		Str("path", path).
		Msg("Executing iNaturalist request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("HTTP request failed")
		inatRequestsTotal.WithLabelValues(endpoint, "network_error").Inc()
		return nil, &APIError{
			ErrorClass: ErrorClassNetwork,
			Endpoint:   endpoint,
			Message:    "request failed",
			Err:        err,
		}
	}
	defer resp.Body.Close()

	inatRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode >= 400 {
		apiErr := classifyResponse(resp)
		apiErr.Endpoint = endpoint
		c.logger.Warn().
			Str("endpoint", endpoint).
			Int("status", resp.StatusCode).
			Str("error_class", string(apiErr.ErrorClass)).
			Msg("iNaturalist request error")
		return nil, apiErr
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			ErrorClass: ErrorClassNetwork,
			Endpoint:   endpoint,
			Message:    "read response body",
			Err:        err,
		}
	}

	return decodeEnvelope(body)
}

// classifyResponse builds the APIError for an error status.
func classifyResponse(resp *http.Response) *APIError {
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Message:    resp.Status,
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		apiErr.ErrorClass = ErrorClassRateLimit
		apiErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	case resp.StatusCode == http.StatusNotFound:
		apiErr.ErrorClass = ErrorClassNotFound
		apiErr.Err = ErrNotFound
	case resp.StatusCode >= 500:
		apiErr.ErrorClass = ErrorClassServer
	default:
		apiErr.ErrorClass = ErrorClassClient
	}
	return apiErr
}

// parseRetryAfter accepts delta-seconds or an HTTP date. Returns 0 if absent
// or invalid.
func parseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
