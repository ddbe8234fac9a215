// Package factsync is a Go client for the factsync HTTP API.
package factsync

import (
	"bytes"
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
)

// Client provides a Go SDK for interacting with the factsync server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new factsync API client. Runs block until the
// pipeline finishes, so the default timeout is generous.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Minute},
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("factsync: HTTP %d: %s", e.Status, e.Message)
}

// IsConflict reports whether err means a run of the kind was already
// active.
func IsConflict(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Status == http.StatusConflict
}

// IsNotFound reports whether err means there were no symbols to process.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Status == http.StatusNotFound
}

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

// RunOptions narrows a triggered run.
type RunOptions struct {
	Symbols       []string `json:"symbols,omitempty"`
	MaxSymbols    int      `json:"maxSymbols,omitempty"`
	SkipQuarterly *bool    `json:"skipQuarterly,omitempty"`
	SkipAnnual    *bool    `json:"skipAnnual,omitempty"`
}

// ItemResult is the outcome of one symbol (and frequency) in a run.
type ItemResult struct {
	Symbol       string   `json:"symbol"`
	Frequency    string   `json:"frequency,omitempty"`
	Outcome      string   `json:"outcome"`
	Attempts     int      `json:"attempts"`
	FactsWritten int      `json:"factsWritten"`
	Providers    []string `json:"providers,omitempty"`
	Reason       string   `json:"reason,omitempty"`
	Error        string   `json:"error,omitempty"`
	ElapsedMs    int64    `json:"elapsedMs"`
}

// Summary describes a completed run.
type Summary struct {
	Success      bool         `json:"success"`
	RunID        string       `json:"runId"`
	Kind         string       `json:"kind"`
	StartedAt    time.Time    `json:"startedAt"`
	FinishedAt   time.Time    `json:"finishedAt"`
	Processed    int          `json:"processed"`
	Successful   int          `json:"successful"`
	Skipped      int          `json:"skipped"`
	NoData       int          `json:"noData"`
	Errors       int          `json:"errors"`
	Retries      int          `json:"retries"`
	FactsWritten int          `json:"factsWritten"`
	Results      []ItemResult `json:"results"`
}

// Fact is one canonical record.
type Fact struct {
	Symbol       string            `json:"symbol"`
	Kind         string            `json:"kind"`
	Frequency    string            `json:"frequency,omitempty"`
	PeriodType   string            `json:"periodType,omitempty"`
	Key          string            `json:"key,omitempty"`
	DataProvider string            `json:"dataProvider"`
	FetchedAt    time.Time         `json:"fetchedAt"`
	Fields       map[string]string `json:"fields"`
}

// FactsQuery filters GetFacts. Zero values are omitted.
type FactsQuery struct {
	From, To  time.Time
	Frequency string
	Limit     int
}

// Health is the decoded /api/health body.
type Health struct {
	Status    string            `json:"-"`
	Storage   string            `json:"storage"`
	Pipelines map[string]string `json:"-"`
}

// ---------------------------------------------------------------------------
// Calls
// ---------------------------------------------------------------------------

// Run triggers a pipeline run and waits for its summary.
func (c *Client) Run(ctx context.Context, kind string, opts RunOptions) (*Summary, error) {
	body, err := json.Marshal(opts)
	if err != nil {
		return nil, err
	}
	var sum Summary
	path := "/api/pipelines/" + url.PathEscape(kind) + "/run"
	if err := c.do(ctx, http.MethodPost, path, bytes.NewReader(body), &sum); err != nil {
		return nil, err
	}
	return &sum, nil
}

// GetFacts retrieves canonical records of a kind for one symbol.
func (c *Client) GetFacts(ctx context.Context, kind, symbol string, q FactsQuery) ([]Fact, error) {
	params := url.Values{}
	if !q.From.IsZero() {
		params.Set("from", q.From.UTC().Format(time.RFC3339))
	}
	if !q.To.IsZero() {
		params.Set("to", q.To.UTC().Format(time.RFC3339))
	}
	if q.Frequency != "" {
		params.Set("frequency", q.Frequency)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	path := "/api/facts/" + url.PathEscape(kind) + "/" + url.PathEscape(symbol)
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var out struct {
		Facts []Fact `json:"facts"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Facts, nil
}

// GetHealth retrieves service health. A degraded service is reported in
// the result, not as an error.
func (c *Client) GetHealth(ctx context.Context) (*Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/health", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return nil, decodeError(resp)
	}

	type status struct {
		Status string `json:"status"`
	}
	var raw struct {
		Status    status            `json:"status"`
		Storage   string            `json:"storage"`
		Pipelines map[string]status `json:"pipelines"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding health: %w", err)
	}
	h := &Health{Status: raw.Status.Status, Storage: raw.Storage, Pipelines: make(map[string]string, len(raw.Pipelines))}
	for k, v := range raw.Pipelines {
		h.Pipelines[k] = v.Status
	}
	return h, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s: %w", method, path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var e struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &e); err != nil || e.Error == "" {
		e.Error = strings.TrimSpace(string(data))
	}
	return &APIError{Status: resp.StatusCode, Message: e.Error}
}
