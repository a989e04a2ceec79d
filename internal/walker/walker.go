// Package walker pages an activity provider's history backward in fixed windows
// and hands every window to the reconciler until the walk's termination rule holds.
package walker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"example.com/fitsync/internal/domain"
	"example.com/fitsync/internal/observability"
	"example.com/fitsync/internal/provider"
)

const (
	// DefaultWindowSize is ten weeks.
	DefaultWindowSize      = 10 * 7 * 24 * time.Hour
	DefaultCooldownEvery   = 90
	DefaultCooldown        = 15 * time.Minute
	DefaultMaxLeadingEmpty = 10
	DefaultMaxEmptyGap     = 1
)

// Mode names a walk flavour in logs and metrics.
type Mode string

const (
	ModeIncremental Mode = "incremental"
	ModeHistorical  Mode = "historical"
)

// StopReason explains why a walk ended.
type StopReason string

const (
	// ReasonCaughtUp means a non-empty window held only stored activities.
	ReasonCaughtUp StopReason = "caught_up"
	// ReasonHistoryStart means the empty gap budget ran out after windows with data.
	ReasonHistoryStart StopReason = "history_start"
	// ReasonNoData means the leading empty window budget ran out before any data.
	ReasonNoData StopReason = "no_data"
	// ReasonCutoff means the walk reached the historical cutoff.
	ReasonCutoff StopReason = "cutoff"
)

// Reconciler applies one window of activities to storage.
type Reconciler interface {
	ReconcileActivities(ctx context.Context, records []domain.ActivityRecord) (inserted, duplicates int, err error)
}

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Option configures a Walker.
type Option func(*Walker)

// WithWindowSize overrides the window span.
func WithWindowSize(size time.Duration) Option {
	return func(w *Walker) {
		if size > 0 {
			w.windowSize = size
		}
	}
}

// WithCooldown pauses for pause after every `every` windows. A non-positive every
// disables the pause.
func WithCooldown(every int, pause time.Duration) Option {
	return func(w *Walker) {
		w.cooldownEvery = every
		w.cooldown = pause
	}
}

// WithMaxLeadingEmpty bounds how many empty windows an incremental walk skips
// before it has seen any data.
func WithMaxLeadingEmpty(n int) Option {
	return func(w *Walker) {
		if n > 0 {
			w.maxLeadingEmpty = n
		}
	}
}

// WithMaxEmptyGap sets how many consecutive empty windows an incremental walk
// crosses after it has seen data before it treats the gap as the start of history.
func WithMaxEmptyGap(n int) Option {
	return func(w *Walker) {
		if n > 0 {
			w.maxEmptyGap = n
		}
	}
}

// WithSleep replaces the cooldown clock.
func WithSleep(sleep SleepFunc) Option {
	return func(w *Walker) {
		if sleep != nil {
			w.sleep = sleep
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Walker) {
		w.logger = logger
	}
}

// Walker owns the window state of a single walk.
type Walker struct {
	source          provider.ActivitySource
	reconciler      Reconciler
	windowSize      time.Duration
	cooldownEvery   int
	cooldown        time.Duration
	maxLeadingEmpty int
	maxEmptyGap     int
	sleep           SleepFunc
	logger          *slog.Logger
}

// Result summarises one walk.
type Result struct {
	Windows    int
	Fetched    int
	Inserted   int
	Duplicates int
	Converged  bool
	Reason     StopReason
}

// Counters reports the walk outcome as run counters.
func (r Result) Counters() domain.Counters {
	return domain.Counters{Inserted: r.Inserted, Duplicates: r.Duplicates}
}

// New constructs a Walker.
func New(source provider.ActivitySource, reconciler Reconciler, opts ...Option) *Walker {
	w := &Walker{
		source:          source,
		reconciler:      reconciler,
		windowSize:      DefaultWindowSize,
		cooldownEvery:   DefaultCooldownEvery,
		cooldown:        DefaultCooldown,
		maxLeadingEmpty: DefaultMaxLeadingEmpty,
		maxEmptyGap:     DefaultMaxEmptyGap,
		sleep:           sleepContext,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Incremental walks back from start until it reaches activities that are already
// stored or the start of the provider's history. Only a fully duplicated window
// counts as convergence.
func (w *Walker) Incremental(ctx context.Context, start time.Time) (Result, error) {
	seenData := false
	leadingEmpty := 0
	gap := 0

	return w.walk(ctx, ModeIncremental, start, func(win domain.Window, fetched, duplicates int) (bool, StopReason, bool) {
		switch {
		case fetched > 0 && duplicates == fetched:
			return true, ReasonCaughtUp, true
		case fetched > 0:
			seenData = true
			gap = 0
			return false, "", false
		case seenData:
			gap++
			if gap >= w.maxEmptyGap {
				return true, ReasonHistoryStart, false
			}
			w.logger.Debug("crossing empty window", "window", win.String(), "gap", gap)
			return false, "", false
		default:
			leadingEmpty++
			if leadingEmpty >= w.maxLeadingEmpty {
				return true, ReasonNoData, false
			}
			w.logger.Debug("skipping empty window", "window", win.String(), "empty", leadingEmpty)
			return false, "", false
		}
	})
}

// Historical walks back from start until the window's upper bound is no longer after
// cutoff, whatever the windows contain. It scans at most
// ceil((start - cutoff) / windowSize) windows.
func (w *Walker) Historical(ctx context.Context, start, cutoff time.Time) (Result, error) {
	if !start.After(cutoff) {
		return Result{Reason: ReasonCutoff}, nil
	}
	return w.walk(ctx, ModeHistorical, start, func(win domain.Window, _, _ int) (bool, StopReason, bool) {
		next := win.Shift(w.windowSize)
		if !next.Before.After(cutoff) {
			return true, ReasonCutoff, false
		}
		return false, "", false
	})
}

// stopFunc decides after each reconciled window whether the walk ends.
type stopFunc func(win domain.Window, fetched, duplicates int) (stop bool, reason StopReason, converged bool)

func (w *Walker) walk(ctx context.Context, mode Mode, start time.Time, stop stopFunc) (Result, error) {
	began := time.Now()
	defer func() { observability.ObserveWalk(string(mode), time.Since(began)) }()

	var res Result
	win := domain.Window{Before: start, After: start.Add(-w.windowSize)}

	for {
		if res.Windows > 0 && w.cooldownEvery > 0 && res.Windows%w.cooldownEvery == 0 {
			w.logger.Info("cooling down", "mode", mode, "windows", res.Windows, "pause", w.cooldown)
			observability.RecordCooldown()
			if err := w.sleep(ctx, w.cooldown); err != nil {
				return res, fmt.Errorf("cooldown after %d windows: %w", res.Windows, err)
			}
		}

		records, err := w.source.FetchActivities(ctx, win.Before, win.After)
		if err != nil {
			return res, fmt.Errorf("fetch window %s: %w", win, err)
		}
		res.Windows++
		observability.RecordWindow(string(mode))

		inserted, duplicates, err := w.reconciler.ReconcileActivities(ctx, records)
		res.Fetched += len(records)
		res.Inserted += inserted
		res.Duplicates += duplicates
		if err != nil {
			return res, fmt.Errorf("reconcile window %s: %w", win, err)
		}

		w.logger.Debug("scanned window",
			"mode", mode,
			"window", win.String(),
			"fetched", len(records),
			"inserted", inserted,
			"duplicates", duplicates,
		)

		if done, reason, converged := stop(win, len(records), duplicates); done {
			res.Reason = reason
			res.Converged = converged
			w.logger.Info("walk finished",
				"mode", mode,
				"reason", reason,
				"windows", res.Windows,
				"inserted", res.Inserted,
				"duplicates", res.Duplicates,
			)
			return res, nil
		}
		win = win.Shift(w.windowSize)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
