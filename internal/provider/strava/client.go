// Package strava reads athlete activities from the Strava v3 API.
package strava

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"example.com/fitsync/internal/domain"
	"example.com/fitsync/internal/provider"
)

const (
	// ProviderName labels Strava in logs, metrics and errors.
	ProviderName = "strava"
	// DefaultBaseURL is the public Strava API root.
	DefaultBaseURL = "https://www.strava.com/api/v3"

	defaultPerPage = 200
	timeLayout     = "2006-01-02T15:04:05Z"
)

var _ provider.ActivitySource = (*Client)(nil)

// Option configures optional behaviour for the Client.
type Option func(*Client)

// WithBaseURL points the client at another API root, e.g. a test server.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithPerPage overrides the page size requested within a window.
func WithPerPage(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.perPage = n
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// Client fetches activities through an authenticated session.
type Client struct {
	session provider.Session
	baseURL string
	perPage int
	logger  *slog.Logger
}

// NewClient constructs a Client.
func NewClient(session provider.Session, opts ...Option) *Client {
	c := &Client{
		session: session,
		baseURL: DefaultBaseURL,
		perPage: defaultPerPage,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchActivities returns the athlete's activities starting in (after, before],
// following Strava's page numbering until a short page ends the window.
func (c *Client) FetchActivities(ctx context.Context, before, after time.Time) ([]domain.ActivityRecord, error) {
	endpoint := c.baseURL + "/athlete/activities"
	var out []domain.ActivityRecord

	for page := 1; ; page++ {
		params := map[string]string{
			"before":   strconv.FormatInt(before.Unix(), 10),
			"after":    strconv.FormatInt(after.Unix(), 10),
			"page":     strconv.Itoa(page),
			"per_page": strconv.Itoa(c.perPage),
		}
		resp, err := c.session.Request(ctx, http.MethodGet, endpoint, params)
		if err != nil {
			return nil, err
		}
		if err := provider.CheckStatus(ProviderName, http.MethodGet, endpoint, resp); err != nil {
			return nil, err
		}

		raw, err := decodeActivities(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("%s: decode activities page %d: %w", ProviderName, page, err)
		}
		for _, fields := range raw {
			rec, err := normalize(fields)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", ProviderName, err)
			}
			out = append(out, rec)
		}

		c.logger.Debug("received strava activities page", "page", page, "count", len(raw))
		if len(raw) < c.perPage {
			break
		}
	}
	return out, nil
}

func decodeActivities(body []byte) ([]map[string]any, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var raw []map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func normalize(fields map[string]any) (domain.ActivityRecord, error) {
	var rec domain.ActivityRecord

	id, err := parseID(fields["id"])
	if err != nil {
		return rec, err
	}
	start, err := parseTime(fields, "start_date")
	if err != nil {
		return rec, fmt.Errorf("activity %d: %w", id, err)
	}
	startLocal, err := parseTime(fields, "start_date_local")
	if err != nil {
		return rec, fmt.Errorf("activity %d: %w", id, err)
	}

	rec.ID = id
	rec.StartDate = start
	rec.StartDateLocal = startLocal
	rec.Fields = fields
	return rec, nil
}

func parseID(v any) (int64, error) {
	switch id := v.(type) {
	case json.Number:
		return id.Int64()
	case float64:
		return int64(id), nil
	case nil:
		return 0, fmt.Errorf("activity without id")
	}
	return 0, fmt.Errorf("unsupported activity id %v", v)
}

func parseTime(fields map[string]any, key string) (time.Time, error) {
	raw, ok := fields[key].(string)
	if !ok {
		return time.Time{}, fmt.Errorf("missing %s", key)
	}
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s: %w", key, err)
	}
	return t, nil
}
