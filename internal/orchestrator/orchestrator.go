// Package orchestrator sequences the sync subflows of one invocation: historical
// backfill, incremental activity sync and steps sync.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"example.com/fitsync/internal/domain"
	"example.com/fitsync/internal/events"
	"example.com/fitsync/internal/logging"
	"example.com/fitsync/internal/observability"
	"example.com/fitsync/internal/provider"
	"example.com/fitsync/internal/walker"
)

// Subflow names one independently failing part of a run.
type Subflow string

const (
	SubflowHistorical  Subflow = "historical_backfill"
	SubflowIncremental Subflow = "incremental_activity_sync"
	SubflowSteps       Subflow = "steps_sync"
)

// State is the orchestrator lifecycle position.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateRunning    State = "running"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

var (
	// ErrNotConfigured is returned for a requested subflow whose provider is missing.
	ErrNotConfigured = errors.New("subflow not configured")
	// ErrSchema wraps failures to prepare a reachable store.
	ErrSchema = errors.New("storage schema not applied")
)

// Plan selects the subflows of a run.
type Plan struct {
	Incremental bool
	// Backfill, when set, walks activity history back to this date.
	Backfill *time.Time
	Steps    bool
}

// Empty reports whether the plan selects nothing.
func (p Plan) Empty() bool {
	return !p.Incremental && p.Backfill == nil && !p.Steps
}

// Pinger reports storage reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SchemaApplier prepares storage before the first write.
type SchemaApplier interface {
	EnsureSchema(ctx context.Context) error
}

// ActivityWalker pages activity history.
type ActivityWalker interface {
	Incremental(ctx context.Context, start time.Time) (walker.Result, error)
	Historical(ctx context.Context, start, cutoff time.Time) (walker.Result, error)
}

// StepsReconciler applies step records to storage.
type StepsReconciler interface {
	ReconcileSteps(ctx context.Context, records map[string]domain.StepRecord) (inserted, updated int, err error)
}

// SubflowReport is the outcome of one subflow.
type SubflowReport struct {
	Subflow  Subflow
	Counters domain.Counters
	Windows  int
	Reason   walker.StopReason
	Duration time.Duration
	Err      error
}

// Report is the outcome of one run.
type Report struct {
	RunID    string
	State    State
	Subflows []SubflowReport
}

// Totals sums the counters of every subflow.
func (r Report) Totals() domain.Counters {
	var total domain.Counters
	for _, sub := range r.Subflows {
		total.Add(sub.Counters)
	}
	return total
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithClock overrides the time source used for walk starts.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithSchema applies the storage schema once the store answers a ping.
func WithSchema(schema SchemaApplier) Option {
	return func(o *Orchestrator) {
		o.schema = schema
	}
}

// WithActivities enables the activity subflows.
func WithActivities(w ActivityWalker) Option {
	return func(o *Orchestrator) {
		o.walker = w
	}
}

// WithSteps enables the steps subflow.
func WithSteps(source provider.StepsSource, reconciler StepsReconciler) Option {
	return func(o *Orchestrator) {
		o.stepsSource = source
		o.stepsReconciler = reconciler
	}
}

// Orchestrator runs sync plans against one store.
type Orchestrator struct {
	store           Pinger
	schema          SchemaApplier
	walker          ActivityWalker
	stepsSource     provider.StepsSource
	stepsReconciler StepsReconciler
	logger          *slog.Logger
	now             func() time.Time

	mu    sync.Mutex
	state State
}

// New constructs an Orchestrator.
func New(store Pinger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
		state:  StateIdle,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) transition(logger *slog.Logger, next State) {
	o.mu.Lock()
	prev := o.state
	o.state = next
	o.mu.Unlock()
	logger.Debug("state transition", "from", prev, "to", next)
}

// Run executes plan. A storage ping failure is fatal and wraps
// domain.ErrConnectivity. A schema failure on a reachable store is fatal and wraps
// ErrSchema. Otherwise every selected subflow runs, and the returned error joins
// the failures of those that did not complete.
func (o *Orchestrator) Run(ctx context.Context, plan Plan) (Report, error) {
	runID := uuid.NewString()
	logger := o.logger.With("run_id", runID)
	ctx = events.WithRunID(ctx, runID)
	report := Report{RunID: runID}

	o.transition(logger, StateConnecting)
	if err := o.store.Ping(ctx); err != nil {
		err = fmt.Errorf("%w: %v", domain.ErrConnectivity, err)
		logger.Log(ctx, logging.LevelCritical, "storage unreachable", "error", err)
		o.transition(logger, StateFailed)
		report.State = StateFailed
		return report, err
	}
	if o.schema != nil {
		if err := o.schema.EnsureSchema(ctx); err != nil {
			err = fmt.Errorf("%w: %w", ErrSchema, err)
			logger.Log(ctx, logging.LevelCritical, "storage schema could not be applied", "error", err)
			o.transition(logger, StateFailed)
			report.State = StateFailed
			return report, err
		}
	}

	var errs []error
	for _, sub := range o.subflows(plan) {
		o.transition(logger.With("subflow", sub.name), StateRunning)

		began := time.Now()
		result := sub.run(ctx, logger.With("subflow", sub.name))
		result.Subflow = sub.name
		result.Duration = time.Since(began)
		report.Subflows = append(report.Subflows, result)

		if result.Err != nil {
			logger.Log(ctx, logging.LevelCritical, "subflow failed",
				"subflow", sub.name,
				"error", result.Err,
				"inserted", result.Counters.Inserted,
				"updated", result.Counters.Updated,
				"duplicates", result.Counters.Duplicates,
			)
			errs = append(errs, fmt.Errorf("%s: %w", sub.name, result.Err))
			continue
		}

		observability.RecordSyncCompleted(string(sub.name), o.now())
		logger.Info("subflow completed",
			"subflow", sub.name,
			"inserted", result.Counters.Inserted,
			"updated", result.Counters.Updated,
			"duplicates", result.Counters.Duplicates,
			"windows", result.Windows,
			"duration", result.Duration.Round(time.Millisecond),
		)
	}

	if err := errors.Join(errs...); err != nil {
		o.transition(logger, StateFailed)
		report.State = StateFailed
		return report, err
	}
	o.transition(logger, StateDone)
	report.State = StateDone
	return report, nil
}

type subflow struct {
	name Subflow
	run  func(ctx context.Context, logger *slog.Logger) SubflowReport
}

func (o *Orchestrator) subflows(plan Plan) []subflow {
	var out []subflow
	if plan.Backfill != nil {
		cutoff := *plan.Backfill
		out = append(out, subflow{name: SubflowHistorical, run: func(ctx context.Context, logger *slog.Logger) SubflowReport {
			return o.runHistorical(ctx, logger, cutoff)
		}})
	}
	if plan.Incremental {
		out = append(out, subflow{name: SubflowIncremental, run: o.runIncremental})
	}
	if plan.Steps {
		out = append(out, subflow{name: SubflowSteps, run: o.runSteps})
	}
	return out
}

func (o *Orchestrator) runHistorical(ctx context.Context, logger *slog.Logger, cutoff time.Time) SubflowReport {
	if o.walker == nil {
		return SubflowReport{Err: fmt.Errorf("activities: %w", ErrNotConfigured)}
	}
	logger.Info("starting historical backfill", "cutoff", cutoff.Format(domain.DateLayout))
	res, err := o.walker.Historical(ctx, o.now(), cutoff)
	return walkReport(res, err)
}

func (o *Orchestrator) runIncremental(ctx context.Context, logger *slog.Logger) SubflowReport {
	if o.walker == nil {
		return SubflowReport{Err: fmt.Errorf("activities: %w", ErrNotConfigured)}
	}
	logger.Info("starting incremental activity sync")
	res, err := o.walker.Incremental(ctx, o.now())
	return walkReport(res, err)
}

// runSteps acknowledges the provider transaction only after every record was
// reconciled, so a failed run is redelivered.
func (o *Orchestrator) runSteps(ctx context.Context, logger *slog.Logger) SubflowReport {
	if o.stepsSource == nil || o.stepsReconciler == nil {
		return SubflowReport{Err: fmt.Errorf("steps: %w", ErrNotConfigured)}
	}

	pending, err := o.stepsSource.FetchPendingSteps(ctx)
	if err != nil {
		return SubflowReport{Err: fmt.Errorf("fetch pending steps: %w", err)}
	}
	if pending.Empty() {
		logger.Info("no new steps data")
		if err := o.stepsSource.Commit(ctx, pending); err != nil {
			return SubflowReport{Err: fmt.Errorf("commit steps transaction: %w", err)}
		}
		return SubflowReport{}
	}

	inserted, updated, err := o.stepsReconciler.ReconcileSteps(ctx, pending.Records)
	report := SubflowReport{Counters: domain.Counters{Inserted: inserted, Updated: updated}}
	if err != nil {
		report.Err = fmt.Errorf("reconcile steps: %w", err)
		return report
	}

	if err := o.stepsSource.Commit(ctx, pending); err != nil {
		report.Err = fmt.Errorf("commit steps transaction %d: %w", pending.TransactionID, err)
		return report
	}
	logger.Debug("committed steps transaction", "transaction_id", pending.TransactionID, "days", len(pending.Records))
	return report
}

func walkReport(res walker.Result, err error) SubflowReport {
	return SubflowReport{
		Counters: res.Counters(),
		Windows:  res.Windows,
		Reason:   res.Reason,
		Err:      err,
	}
}
