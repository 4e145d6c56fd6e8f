package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/conveyor/conveyor/pkg/config"
	"github.com/conveyor/conveyor/pkg/engine"
	"github.com/conveyor/conveyor/pkg/pipeline"
	"github.com/conveyor/conveyor/pkg/policy"
	"github.com/conveyor/conveyor/pkg/stages"
	"github.com/conveyor/conveyor/pkg/stores"
	"github.com/conveyor/conveyor/pkg/telemetry"
)

type runOptions struct {
	items        int
	branches     int
	delay        time.Duration
	shipmentSize int
	mode         string
	scriptPath   string
	historyDB    string
	metricsAddr  string
	watch        bool
	profile      string
	followStage  string
}

func newRunCommand() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the demo pipeline",
		Long: `Run a demo pipeline through the executor:

  generator -> [script] -> branch-0..N -> collector

The generator emits numbered items in shipments; an optional Starlark script
rewrites or drops them; every branch receives its own copy of each item and
the collector tallies what arrives per branch.`,
		Example: `  # Run 1000 items through 4 branches in shipments of 50
  conveyor run --items 1000 --branches 4 --shipment-size 50

  # Use the depth-first scheduler and keep run history
  conveyor run --mode simple-dfs --history-db conveyor.db

  # Tag items with a Starlark transform and expose metrics
  conveyor run --script tag.star --metrics-addr :9090

  # Debug logging with callers, and a log line for every event of the collector
  conveyor run --telemetry-profile development --follow-stage collector`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().IntVarP(&opts.items, "items", "n", 100, "number of items to generate")
	cmd.Flags().IntVarP(&opts.branches, "branches", "b", 3, "number of parallel pass-through branches")
	cmd.Flags().DurationVar(&opts.delay, "delay", 0, "simulated work per branch invocation")
	cmd.Flags().IntVar(&opts.shipmentSize, "shipment-size", 0, "max items per source invocation (default from config)")
	cmd.Flags().StringVarP(&opts.mode, "mode", "m", "", "scheduler name (default from config)")
	cmd.Flags().StringVar(&opts.scriptPath, "script", "", "Starlark file defining transform(item)")
	cmd.Flags().StringVar(&opts.historyDB, "history-db", "", "SQLite file to record the run in")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")
	cmd.Flags().BoolVar(&opts.watch, "watch", false, "reload the executor config from --config while running")
	cmd.Flags().StringVar(&opts.profile, "telemetry-profile", "", "replace the telemetry config with a profile: default, development or production")
	cmd.Flags().StringVar(&opts.followStage, "follow-stage", "", "log every event published for this stage")

	return cmd
}

func runDemo(ctx context.Context, out io.Writer, opts runOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if opts.profile != "" {
		profile, err := telemetry.ProfileConfig(opts.profile)
		if err != nil {
			return err
		}
		profile.ServiceVersion = cfg.Telemetry.ServiceVersion
		cfg.Telemetry = *profile
	}
	if opts.shipmentSize > 0 {
		cfg.Executor.MaxShipmentSize = opts.shipmentSize
	}
	if opts.mode != "" {
		cfg.Executor.ExecutionMode = opts.mode
	}
	if opts.historyDB != "" {
		cfg.Store.Enabled = true
		cfg.Store.Path = opts.historyDB
	}
	if opts.metricsAddr != "" {
		cfg.Telemetry.Metrics.Enabled = true
		cfg.Telemetry.Metrics.ListenAddress = opts.metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Telemetry shutdown failed")
		}
	}()

	if opts.metricsAddr != "" {
		if err := tel.Metrics.StartMetricsServer(ctx, tel.Logger); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	validator, err := buildValidator(ctx, cfg, tel.Logger)
	if err != nil {
		return err
	}

	execOpts := engine.Options{
		Validator: validator,
		Logger:    tel.Logger,
		Metrics:   tel.Metrics,
		Tracer:    tel.Tracer,
		Events:    tel.Events,
	}

	if cfg.Store.Enabled {
		store, err := openStore(ctx, cfg.Store.Path)
		if err != nil {
			return err
		}
		defer store.Close()
		execOpts.Recorder = store
		tel.Events.Subscribe(store.EventSubscriber(tel.Logger), nil)
	}

	var script string
	if opts.scriptPath != "" {
		data, err := os.ReadFile(opts.scriptPath)
		if err != nil {
			return fmt.Errorf("failed to read script: %w", err)
		}
		script = string(data)
	}

	demo, err := stages.BuildDemo(stages.DemoOptions{
		Items:    opts.items,
		Branches: opts.branches,
		Delay:    opts.delay,
		Script:   script,
	})
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}

	if opts.followStage != "" {
		if _, ok := demo.Graph.Lookup(opts.followStage); !ok {
			return fmt.Errorf("unknown stage %q", opts.followStage)
		}
		tel.Events.Subscribe(telemetry.LogSubscriber(tel.Logger), telemetry.FilterByStage(opts.followStage))
	}

	exec, err := engine.NewExecutor(cfg.Executor, execOpts)
	if err != nil {
		return err
	}

	if opts.watch && configPath != "" {
		w, err := config.NewLoader().Watch(ctx, configPath, tel.Logger, func(c *config.Config) {
			if err := exec.SetConfig(c.Executor); err != nil {
				log.Warn().Err(err).Msg("Ignoring reloaded executor config")
			}
		})
		if err != nil {
			return err
		}
		defer w.Close()
	}

	log.Info().
		Int("items", opts.items).
		Int("branches", opts.branches).
		Str("mode", cfg.Executor.ExecutionMode).
		Int("shipment_size", cfg.Executor.MaxShipmentSize).
		Msg("Starting run")

	report, runErr := exec.Run(ctx, demo.Graph)
	if report == nil {
		return runErr
	}

	if jsonOutput {
		if err := writeJSON(out, struct {
			*engine.RunReport
			Collected int            `json:"collected"`
			ByBranch  map[string]int `json:"by_branch"`
		}{report, demo.Collector.Count(), demo.Collector.ByTag(stages.ViaKey)}); err != nil {
			return err
		}
	} else {
		printReport(out, report)
		fmt.Fprintf(out, "\ncollected %d items (%d bytes)\n", demo.Collector.Count(), demo.Collector.Bytes())
	}
	return runErr
}

func buildValidator(ctx context.Context, cfg *config.Config, logger *telemetry.Logger) (pipeline.Validator, error) {
	validators := pipeline.Validators{pipeline.StructuralValidator{}}
	if !cfg.Policy.Enabled {
		return validators, nil
	}

	pe, err := policy.NewEngine(logger.Zerolog(), cfg.Policy.Builtin)
	if err != nil {
		return nil, err
	}
	if err := pe.SetMode(policy.Mode(cfg.Policy.Mode)); err != nil {
		return nil, err
	}
	if len(cfg.Policy.Paths) > 0 {
		if err := pe.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
			return nil, fmt.Errorf("failed to load policies: %w", err)
		}
	}
	return append(validators, pe), nil
}

func openStore(ctx context.Context, path string) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to open history: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to migrate history: %w", err)
	}
	return store, nil
}

func printReport(out io.Writer, r *engine.RunReport) {
	fmt.Fprintf(out, "run %s: %s (mode=%s, cycles=%d, took %s)\n\n",
		r.RunID, r.Status, r.Mode, r.Cycles, r.Duration().Round(time.Millisecond))

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tSTATE\tINVOCATIONS\tIN\tOUT\tCOST\tERROR")
	for _, s := range r.Stages {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			s.Name, s.State, s.Invocations, s.ItemsIn, s.ItemsOut, s.Cost.Round(time.Microsecond), s.Error)
	}
	_ = tw.Flush()
}
