package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"example.com/fitsync/internal/auth"
	"example.com/fitsync/internal/config"
	"example.com/fitsync/internal/domain"
	"example.com/fitsync/internal/events"
	"example.com/fitsync/internal/logging"
	"example.com/fitsync/internal/observability"
	"example.com/fitsync/internal/orchestrator"
	"example.com/fitsync/internal/persistence"
	"example.com/fitsync/internal/persistence/memory"
	"example.com/fitsync/internal/persistence/postgres"
	"example.com/fitsync/internal/provider/polar"
	"example.com/fitsync/internal/provider/strava"
	"example.com/fitsync/internal/reconcile"
	httptransport "example.com/fitsync/internal/transport/http"
	"example.com/fitsync/internal/walker"
)

const pushJob = "fitsync"

type syncFlags struct {
	strava  bool
	polar   bool
	history string
}

func newSyncCmd(root *rootOptions) *cobra.Command {
	var flags syncFlags

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronise activities and steps",
		Long: `Synchronise provider data into the store.

Without a selection flag both the incremental Strava sync and the Polar steps
sync run. --history walks Strava back to the given date regardless of what is
already stored.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			plan, err := buildPlan(flags)
			if err != nil {
				return err
			}
			logger := logging.New(root.stderr, root.verbose)
			return runSync(cmd.Context(), config.Load(), plan, logger)
		},
	}

	cmd.Flags().BoolVar(&flags.strava, "strava", false, "Run the incremental Strava activity sync")
	cmd.Flags().BoolVar(&flags.polar, "polar", false, "Run the Polar steps sync")
	cmd.Flags().StringVar(&flags.history, "history", "", "Backfill Strava activities back to this date (YYYY-MM-DD)")
	return cmd
}

func buildPlan(flags syncFlags) (orchestrator.Plan, error) {
	var plan orchestrator.Plan
	if flags.history != "" {
		cutoff, err := domain.ParseDate(flags.history)
		if err != nil {
			return plan, fmt.Errorf("invalid --history date %q: %w", flags.history, err)
		}
		plan.Backfill = &cutoff
	}
	plan.Incremental = flags.strava
	plan.Steps = flags.polar

	if plan.Empty() {
		plan.Incremental = true
		plan.Steps = true
	}
	return plan, nil
}

func runSync(ctx context.Context, cfg config.Config, plan orchestrator.Plan, logger *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	store, schema, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	if cfg.MetricsAddress != "" {
		ln, err := httptransport.Start(httptransport.DefaultServerConfig(cfg.MetricsAddress), httptransport.MetricsHandler(), logger)
		if err != nil {
			return fmt.Errorf("start metrics listener: %w", err)
		}
		logger.Info("serving metrics", "address", ln.Addr())
		defer ln.Close(context.WithoutCancel(ctx))
	}

	var publisher events.Publisher = events.NoopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		kafkaPublisher := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.EventsTopicPrefix)
		defer kafkaPublisher.Close()
		publisher = kafkaPublisher
	}

	writer := reconcile.NewWriter(store,
		reconcile.WithLogger(logger),
		reconcile.WithPublisher(publisher),
		reconcile.WithSources(strava.ProviderName, polar.ProviderName),
	)

	opts := []orchestrator.Option{orchestrator.WithLogger(logger)}
	if schema != nil {
		opts = append(opts, orchestrator.WithSchema(schema))
	}
	if plan.Incremental || plan.Backfill != nil {
		session, err := providerSession(ctx, cfg, strava.ProviderName)
		if err != nil {
			logger.Error("strava unavailable", "error", err)
		} else {
			client := strava.NewClient(session, strava.WithLogger(logger))
			opts = append(opts, orchestrator.WithActivities(walker.New(client, writer,
				walker.WithWindowSize(cfg.SyncWindow),
				walker.WithCooldown(cfg.CooldownEvery, cfg.Cooldown),
				walker.WithMaxLeadingEmpty(cfg.MaxLeadingEmpty),
				walker.WithMaxEmptyGap(cfg.MaxEmptyGap),
				walker.WithLogger(logger),
			)))
		}
	}
	if plan.Steps {
		session, err := providerSession(ctx, cfg, polar.ProviderName)
		if err == nil && session.UserID == "" {
			err = errors.New("cached polar token has no user id, run `fitsync authorize polar`")
		}
		if err != nil {
			logger.Error("polar unavailable", "error", err)
		} else {
			client := polar.NewClient(session, session.UserID, polar.WithLogger(logger))
			opts = append(opts, orchestrator.WithSteps(client, writer))
		}
	}

	_, runErr := orchestrator.New(store, opts...).Run(ctx, plan)

	if cfg.PushgatewayURL != "" {
		pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := observability.Push(pushCtx, cfg.PushgatewayURL, pushJob); err != nil {
			logger.Warn("metrics push failed", "url", cfg.PushgatewayURL, "error", err)
		}
	}
	return runErr
}

func providerSession(ctx context.Context, cfg config.Config, name string) (*auth.Session, error) {
	oauthCfg, err := auth.OAuthConfig(cfg, name)
	if err != nil {
		return nil, err
	}
	return auth.NewSession(ctx, name, oauthCfg, auth.NewFileStore(cfg.TokenPath(name)), cfg.HTTPTimeout)
}

// openStore returns the configured store and, for stores that need one, the
// schema to apply before syncing.
func openStore(ctx context.Context, cfg config.Config) (persistence.Store, orchestrator.SchemaApplier, func(), error) {
	switch cfg.StoreDriver {
	case config.DriverMemory:
		return memory.NewStore(), nil, func() {}, nil
	case config.DriverPostgres:
		pool, err := postgres.Connect(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("%w: %v", domain.ErrConnectivity, err)
		}
		store := postgres.NewStore(pool)
		return store, store, pool.Close, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
