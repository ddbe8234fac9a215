package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"factsync/internal/domain"
	"factsync/internal/util"
)

var _ Adapter = (*HTTPAdapter)(nil)

// maxBody bounds how much of a response is decoded.
const maxBody = 32 << 20

// Options configures an HTTPAdapter instance.
type Options struct {
	APIKey          string
	BaseURL         string // overrides Spec.BaseURL when set
	RateLimitPerMin int    // overrides Spec.RateLimitPerMin when > 0
	Client          *http.Client
	Logger          *slog.Logger
}

// HTTPAdapter executes a declarative Spec against a REST API.
type HTTPAdapter struct {
	spec    Spec
	apiKey  string
	baseURL string
	client  *http.Client
	limiter *util.RateLimiter
	log     *slog.Logger
	locs    map[string]*time.Location
}

// NewHTTPAdapter builds an adapter for spec. It fails only when an endpoint
// names an unknown time zone.
func NewHTTPAdapter(spec Spec, opts Options) (*HTTPAdapter, error) {
	locs := make(map[string]*time.Location)
	for _, ep := range spec.Endpoints {
		if ep.TimeZone == "" || locs[ep.TimeZone] != nil {
			continue
		}
		loc, err := time.LoadLocation(ep.TimeZone)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", spec.Name, err)
		}
		locs[ep.TimeZone] = loc
	}

	base := spec.BaseURL
	if opts.BaseURL != "" {
		base = opts.BaseURL
	}
	limit := spec.RateLimitPerMin
	if opts.RateLimitPerMin > 0 {
		limit = opts.RateLimitPerMin
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return &HTTPAdapter{
		spec:    spec,
		apiKey:  opts.APIKey,
		baseURL: strings.TrimRight(base, "/"),
		client:  client,
		limiter: util.NewRateLimiter(limit),
		log:     log.With("provider", spec.Name),
		locs:    locs,
	}, nil
}

// Name returns the provider identifier.
func (a *HTTPAdapter) Name() string { return a.spec.Name }

// Supports reports whether the spec declares an endpoint for kind/freq.
func (a *HTTPAdapter) Supports(kind domain.FactKind, freq domain.Frequency) bool {
	_, ok := a.spec.endpointFor(kind, freq)
	return ok
}

// Fetch performs one call (or a bounded number of paginated calls) and
// returns the records inside req.Window.
func (a *HTTPAdapter) Fetch(ctx context.Context, req Request) ([]domain.RawRecord, error) {
	if !a.spec.NoCredential && a.apiKey == "" {
		return nil, nil
	}
	ep, ok := a.spec.endpointFor(req.Kind, req.Frequency)
	if !ok {
		return nil, nil
	}
	target, err := a.buildURL(ep, req)
	if err != nil {
		return nil, &AdapterError{Provider: a.spec.Name, Err: err}
	}

	pages := ep.MaxPages
	if pages < 1 {
		pages = 1
	}
	loc := a.locs[ep.TimeZone]

	var out []domain.RawRecord
	for page := 0; page < pages && target != ""; page++ {
		doc, err := a.get(ctx, target)
		if err != nil {
			if page > 0 {
				a.log.Warn("pagination stopped", "symbol", req.Symbol, "page", page, "error", err)
				break
			}
			return nil, err
		}
		if doc == nil {
			break
		}
		if err := a.payloadError(doc); err != nil {
			return nil, err
		}
		out = append(out, toRecords(a.spec.Name, ep, req, loc, selectRecords(ep, doc))...)

		target = ""
		if ep.NextPage != "" {
			if next := stringAt(doc, ep.NextPage); next != "" {
				target = a.authorize(next)
			}
		}
	}

	out = inWindow(req.Kind, out, req.Window)
	a.log.Debug("fetched", "symbol", req.Symbol, "kind", req.Kind, "records", len(out))
	return out, nil
}

// get performs one rate-limited GET and decodes the JSON body. A nil
// document with a nil error means the payload was not JSON.
func (a *HTTPAdapter) get(ctx context.Context, target string) (any, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, &AdapterError{Provider: a.spec.Name, Err: fmt.Errorf("waiting for rate limiter: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &AdapterError{Provider: a.spec.Name, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "factsync/1.0")
	if a.spec.AuthHeader != "" && a.apiKey != "" {
		req.Header.Set(a.spec.AuthHeader, a.spec.AuthPrefix+a.apiKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, &AdapterError{Provider: a.spec.Name, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &AdapterError{
			Provider:   a.spec.Name,
			StatusCode: resp.StatusCode,
			Err:        errors.New(strings.TrimSpace(string(snippet))),
		}
	}

	var doc any
	dec := json.NewDecoder(io.LimitReader(resp.Body, maxBody))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		a.log.Warn("malformed payload", "url", redact(target), "error", err)
		return nil, nil
	}
	return doc, nil
}

// payloadError detects error notices delivered with a 2xx status.
func (a *HTTPAdapter) payloadError(doc any) error {
	for _, p := range a.spec.ThrottlePaths {
		if msg := stringAt(doc, p); msg != "" {
			return &AdapterError{Provider: a.spec.Name, Err: fmt.Errorf("%w: %s", ErrRateLimited, msg)}
		}
	}
	for _, p := range a.spec.ErrorPaths {
		if msg := stringAt(doc, p); msg != "" {
			return &AdapterError{Provider: a.spec.Name, Err: errors.New(msg)}
		}
	}
	return nil
}

// buildURL expands the endpoint template for req.
func (a *HTTPAdapter) buildURL(ep Endpoint, req Request) (string, error) {
	vars := map[string]string{
		"{symbol}":  req.Symbol,
		"{from}":    req.Window.From.UTC().Format(domain.DateLayout),
		"{to}":      req.Window.To.UTC().Format(domain.DateLayout),
		"{from_s}":  strconv.FormatInt(req.Window.From.Unix(), 10),
		"{to_s}":    strconv.FormatInt(req.Window.To.Unix(), 10),
		"{from_ms}": strconv.FormatInt(req.Window.From.UnixMilli(), 10),
		"{to_ms}":   strconv.FormatInt(req.Window.To.UnixMilli(), 10),
		"{period}":  ep.PeriodNames[req.Frequency],
	}
	expand := func(s string, escape func(string) string) string {
		for k, v := range vars {
			s = strings.ReplaceAll(s, k, escape(v))
		}
		return s
	}

	u, err := url.Parse(a.baseURL + expand(ep.Path, url.PathEscape))
	if err != nil {
		return "", fmt.Errorf("building url: %w", err)
	}
	q := u.Query()
	for k, v := range ep.Query {
		q.Set(k, expand(v, func(s string) string { return s }))
	}
	if a.spec.AuthQuery != "" && a.apiKey != "" {
		q.Set(a.spec.AuthQuery, a.apiKey)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// authorize adds the query credential to a provider-supplied next-page URL.
func (a *HTTPAdapter) authorize(next string) string {
	if a.spec.AuthQuery == "" || a.apiKey == "" {
		return next
	}
	u, err := url.Parse(next)
	if err != nil {
		return ""
	}
	q := u.Query()
	q.Set(a.spec.AuthQuery, a.apiKey)
	u.RawQuery = q.Encode()
	return u.String()
}

// redact strips the query string so credentials never reach the logs.
func redact(target string) string {
	if i := strings.IndexByte(target, '?'); i >= 0 {
		return target[:i]
	}
	return target
}
