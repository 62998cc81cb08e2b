// Package collab is the HTTP client for the collaborator API that owns
// the tag catalog, the threshold table and the sensor history.
package collab

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

	telerr "github.com/chosenoffset/telesync/internal/errors"
	"github.com/chosenoffset/telesync/pkg/telesync/protocol"
	"github.com/chosenoffset/telesync/pkg/telesync/series"
	"github.com/chosenoffset/telesync/pkg/telesync/threshold"
)

// Collaborator API paths.
const (
	TagsPath       = "/api/data/tags/"
	HistoryPath    = "/api/data/"
	ThresholdsPath = "/api/thresholds/"
)

// Defaults.
const (
	DefaultHistoryRange = "1h"
	DefaultTimeout      = 10 * time.Second
	maxBodyBytes        = 8 << 20
)

// Resources, as reported to the Observer.
const (
	ResourceCatalog    = "catalog"
	ResourceThresholds = "thresholds"
	ResourceHistory    = "history"
)

// Observer is told about failed requests.
type Observer interface {
	FetchFailed(resource string)
}

type nopObserver struct{}

func (nopObserver) FetchFailed(string) {}

// Client talks to the collaborator API. It is safe for concurrent use.
type Client struct {
	base         *url.URL
	http         *http.Client
	historyRange string
	logger       *slog.Logger
	observer     Observer
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTransport sets the round tripper of the default HTTP client, for
// instrumentation.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.http.Transport = rt }
}

// WithTimeout bounds every request.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithHistoryRange sets the range parameter of history requests
// ("1h", "24h" or "7d").
func WithHistoryRange(r string) Option {
	return func(c *Client) {
		if r != "" {
			c.historyRange = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(c *Client) {
		if o != nil {
			c.observer = o
		}
	}
}

// New creates a client for the API rooted at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, telerr.WrapWithSuggestion(err, telerr.ErrConfig,
			fmt.Sprintf("invalid collaborator URL %q", baseURL),
			"use an absolute URL such as http://localhost:8000")
	}
	c := &Client{
		base:         u,
		http:         &http.Client{Timeout: DefaultTimeout},
		historyRange: DefaultHistoryRange,
		logger:       slog.Default(),
		observer:     nopObserver{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "collab")
	return c, nil
}

// Tags returns the tag catalog in the order the API lists it.
func (c *Client) Tags(ctx context.Context) ([]string, error) {
	var body struct {
		Tags []string `json:"tags"`
	}
	if err := c.get(ctx, ResourceCatalog, TagsPath, nil, &body); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(body.Tags))
	for _, t := range body.Tags {
		if t != "" {
			out = append(out, t)
		}
	}
	return out, nil
}

// Thresholds returns the threshold table.
func (c *Client) Thresholds(ctx context.Context) ([]threshold.Threshold, error) {
	var rows []thresholdRow
	if err := c.getList(ctx, ResourceThresholds, ThresholdsPath, nil, &rows); err != nil {
		return nil, err
	}
	out := make([]threshold.Threshold, 0, len(rows))
	for _, r := range rows {
		out = append(out, threshold.Threshold{
			Tag: r.Tag,
			Min: r.MinValue.Ptr(),
			Max: r.MaxValue.Ptr(),
		})
	}
	return out, nil
}

// History returns the samples of tag over the configured range, in the
// order the API returns them.
func (c *Client) History(ctx context.Context, tag string) ([]series.Sample, error) {
	q := url.Values{}
	q.Set("tag", tag)
	q.Set("range", c.historyRange)

	var rows []sampleRow
	if err := c.getList(ctx, ResourceHistory, HistoryPath, q, &rows); err != nil {
		return nil, err
	}
	out := make([]series.Sample, 0, len(rows))
	for _, r := range rows {
		if r.Value == nil {
			continue
		}
		out = append(out, series.Sample{Timestamp: r.Timestamp.Time, Value: float64(*r.Value)})
	}
	return out, nil
}

type thresholdRow struct {
	Tag      string  `json:"tag"`
	MinValue *Number `json:"min_value"`
	MaxValue *Number `json:"max_value"`
}

type sampleRow struct {
	Timestamp protocol.Timestamp `json:"timestamp"`
	Value     *Number            `json:"value"`
}

// getList decodes either a bare JSON array or a paginated
// {"results": [...]} object into out.
func (c *Client) getList(ctx context.Context, resource, path string, q url.Values, out any) error {
	var raw json.RawMessage
	if err := c.get(ctx, resource, path, q, &raw); err != nil {
		return err
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '{' {
		var page struct {
			Results json.RawMessage `json:"results"`
		}
		if err := json.Unmarshal(raw, &page); err != nil {
			return c.fail(resource, telerr.Wrap(err, telerr.ErrFetch, "decode "+resource))
		}
		raw = page.Results
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return c.fail(resource, telerr.Wrap(err, telerr.ErrFetch, "decode "+resource))
	}
	return nil
}

func (c *Client) get(ctx context.Context, resource, path string, q url.Values, out any) error {
	u := c.base.JoinPath(path)
	// JoinPath drops the trailing slash the API routes require.
	if strings.HasSuffix(path, "/") && !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return c.fail(resource, telerr.Wrap(err, telerr.ErrFetch, "build "+resource+" request"))
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return c.fail(resource, telerr.WrapWithSuggestion(err, telerr.ErrFetch,
			"request "+resource, "check that the API at "+c.base.String()+" is reachable"))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return c.fail(resource, telerr.New(telerr.ErrFetch,
			fmt.Sprintf("request %s: status %d: %s", resource, resp.StatusCode, strings.TrimSpace(string(snippet))),
			"check the API logs"))
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(out); err != nil {
		return c.fail(resource, telerr.Wrap(err, telerr.ErrFetch, "decode "+resource))
	}
	c.logger.Debug("fetched", "resource", resource, "url", u.String(), "elapsed", time.Since(start))
	return nil
}

func (c *Client) fail(resource string, err error) error {
	c.observer.FetchFailed(resource)
	return err
}
