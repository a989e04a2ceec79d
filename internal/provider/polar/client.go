// Package polar pulls daily activity summaries from Polar AccessLink using its
// transactional pull protocol: open a transaction, read its entries, commit it.
package polar

import (
	"context"
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
	// ProviderName labels Polar in logs, metrics and errors.
	ProviderName = "polar"
	// DefaultBaseURL is the AccessLink v3 API root.
	DefaultBaseURL = "https://www.polaraccesslink.com/v3"
)

var createdLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
}

var _ provider.StepsSource = (*Client)(nil)

// Option configures optional behaviour for the Client.
type Option func(*Client)

// WithBaseURL points the client at another API root.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// Client reads daily step counts for one registered AccessLink user.
type Client struct {
	session provider.Session
	userID  string
	baseURL string
	logger  *slog.Logger
}

// NewClient constructs a Client for userID.
func NewClient(session provider.Session, userID string, opts ...Option) *Client {
	c := &Client{
		session: session,
		userID:  userID,
		baseURL: DefaultBaseURL,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type transaction struct {
	ID          int64  `json:"transaction-id"`
	ResourceURI string `json:"resource-uri"`
}

type activityLog struct {
	Entries []string `json:"activity-log"`
}

type dailySummary struct {
	Date        string `json:"date"`
	Created     string `json:"created"`
	ActiveSteps int    `json:"active-steps"`
}

// FetchPendingSteps opens an activity transaction and collects one StepRecord per
// day. When several entries share a day, the larger count is kept. The transaction
// stays open until Commit.
func (c *Client) FetchPendingSteps(ctx context.Context) (provider.PendingSteps, error) {
	var pending provider.PendingSteps

	txURL := c.transactionsURL()
	resp, err := c.session.Request(ctx, http.MethodPost, txURL, nil)
	if err != nil {
		return pending, err
	}
	if resp.StatusCode == http.StatusNoContent {
		c.logger.Info("no new polar daily activity data")
		return pending, nil
	}
	if err := provider.CheckStatus(ProviderName, http.MethodPost, txURL, resp); err != nil {
		return pending, err
	}

	var tx transaction
	if err := resp.DecodeJSON(&tx); err != nil {
		return pending, fmt.Errorf("%s: decode transaction: %w", ProviderName, err)
	}
	pending.TransactionID = tx.ID
	pending.Records = make(map[string]domain.StepRecord)

	entries, err := c.listEntries(ctx, tx.ResourceURI)
	if err != nil {
		return pending, err
	}
	c.logger.Debug("found new polar daily activity entries", "transaction_id", tx.ID, "count", len(entries))

	for _, entryURL := range entries {
		rec, ok, err := c.fetchSummary(ctx, entryURL)
		if err != nil {
			return pending, err
		}
		if !ok {
			continue
		}

		key := domain.DateKey(rec.Date)
		current, seen := pending.Records[key]
		if !seen {
			pending.Records[key] = rec
			c.logger.Debug("added daily activity data", "date", key, "steps", rec.Steps)
			continue
		}
		if kept, replaced := domain.PreferStep(current, rec); replaced {
			pending.Records[key] = kept
			c.logger.Debug("raised daily activity data", "date", key, "steps", kept.Steps, "previous", current.Steps)
		} else {
			c.logger.Debug("kept larger daily activity data", "date", key, "steps", current.Steps, "discarded", rec.Steps)
		}
	}

	c.logger.Info("retrieved polar daily step data", "days", len(pending.Records), "transaction_id", tx.ID)
	return pending, nil
}

// Commit acknowledges the transaction. A pending value without a transaction is a
// no-op.
func (c *Client) Commit(ctx context.Context, pending provider.PendingSteps) error {
	if pending.TransactionID == 0 {
		return nil
	}
	commitURL := c.transactionsURL() + "/" + strconv.FormatInt(pending.TransactionID, 10)
	resp, err := c.session.Request(ctx, http.MethodPut, commitURL, nil)
	if err != nil {
		return err
	}
	if err := provider.CheckStatus(ProviderName, http.MethodPut, commitURL, resp); err != nil {
		return err
	}
	c.logger.Debug("committed polar transaction", "transaction_id", pending.TransactionID)
	return nil
}

func (c *Client) transactionsURL() string {
	return fmt.Sprintf("%s/users/%s/activity-transactions", c.baseURL, c.userID)
}

func (c *Client) listEntries(ctx context.Context, resourceURI string) ([]string, error) {
	resp, err := c.session.Request(ctx, http.MethodGet, resourceURI, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if err := provider.CheckStatus(ProviderName, http.MethodGet, resourceURI, resp); err != nil {
		return nil, err
	}
	var log activityLog
	if err := resp.DecodeJSON(&log); err != nil {
		return nil, fmt.Errorf("%s: decode activity log: %w", ProviderName, err)
	}
	return log.Entries, nil
}

func (c *Client) fetchSummary(ctx context.Context, entryURL string) (domain.StepRecord, bool, error) {
	var rec domain.StepRecord

	resp, err := c.session.Request(ctx, http.MethodGet, entryURL, nil)
	if err != nil {
		return rec, false, err
	}
	if resp.StatusCode == http.StatusNoContent {
		c.logger.Debug("no data available for polar entry", "url", entryURL)
		return rec, false, nil
	}
	if err := provider.CheckStatus(ProviderName, http.MethodGet, entryURL, resp); err != nil {
		return rec, false, err
	}

	var summary dailySummary
	if err := resp.DecodeJSON(&summary); err != nil {
		return rec, false, fmt.Errorf("%s: decode daily summary: %w", ProviderName, err)
	}
	date, err := domain.ParseDate(summary.Date)
	if err != nil {
		return rec, false, fmt.Errorf("%s: daily summary date %q: %w", ProviderName, summary.Date, err)
	}
	created, err := parseCreated(summary.Created)
	if err != nil {
		return rec, false, fmt.Errorf("%s: daily summary created %q: %w", ProviderName, summary.Created, err)
	}
	if summary.ActiveSteps < 0 {
		return rec, false, fmt.Errorf("%s: negative step count %d for %s", ProviderName, summary.ActiveSteps, summary.Date)
	}

	rec.Date = date
	rec.Steps = summary.ActiveSteps
	rec.Created = created
	return rec, true, nil
}

func parseCreated(value string) (time.Time, error) {
	var lastErr error
	for _, layout := range createdLayouts {
		t, err := time.Parse(layout, value)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
