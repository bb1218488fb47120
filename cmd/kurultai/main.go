// Command kurultai is the heartbeat master for the agent coordination
// plane: it applies the graph schema, runs heartbeat cycles (one-shot or as
// a cron daemon), serves the signed inter-agent message API, and exposes a
// few operator conveniences on top of the graph.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Danservfinn/kurultai-sub006/internal/api"
	"github.com/Danservfinn/kurultai-sub006/internal/config"
	"github.com/Danservfinn/kurultai-sub006/internal/curation"
	"github.com/Danservfinn/kurultai-sub006/internal/delegation"
	"github.com/Danservfinn/kurultai-sub006/internal/graph"
	"github.com/Danservfinn/kurultai-sub006/internal/heartbeat"
	"github.com/Danservfinn/kurultai-sub006/internal/hmacsig"
	"github.com/Danservfinn/kurultai-sub006/internal/liveness"
	"github.com/Danservfinn/kurultai-sub006/internal/observability"
	"github.com/Danservfinn/kurultai-sub006/internal/registry"
	"github.com/Danservfinn/kurultai-sub006/internal/tasks"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// errPartialCycle marks a cycle that completed with failed tasks. The
// process exits 2 so wrappers can tell it apart from a fatal init error.
var errPartialCycle = errors.New("cycle completed with failures")

type options struct {
	setup             bool
	cycle             bool
	daemon            bool
	listTasks         bool
	triggerReflection bool
	jsonOut           bool
	agent             string
	logLevel          string
	listenAddr        string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, errPartialCycle) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "kurultai",
		Short: "Heartbeat scheduler and agent coordination plane",
		Long: `Kurultai coordinates a fixed set of six agents through a shared
property graph: a 5-minute heartbeat cycle drives scheduled work, tasks move
between agents through atomic claims, and inter-agent messages are
HMAC-signed end to end.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}

	root.AddCommand(newVersionCmd())

	root.Flags().BoolVar(&opts.setup, "setup", false, "Apply the graph schema, seed the six agents and activate signing keys")
	root.Flags().BoolVar(&opts.cycle, "cycle", false, "Run exactly one heartbeat cycle and exit")
	root.Flags().BoolVar(&opts.daemon, "daemon", false, "Run the 5-minute scheduler with the message API and liveness sidecar")
	root.Flags().BoolVar(&opts.listTasks, "list-tasks", false, "Print the registered heartbeat tasks")
	root.Flags().BoolVar(&opts.triggerReflection, "trigger-reflection", false, "Delegate the weekly reflection to the orchestrator now")
	root.Flags().BoolVar(&opts.jsonOut, "json", false, "Emit machine-readable JSON output")
	root.Flags().StringVar(&opts.agent, "agent", "", "Restrict --cycle or --list-tasks to one agent id")
	root.Flags().StringVar(&opts.logLevel, "log-level", envOrDefault("KURULTAI_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.Flags().StringVar(&opts.listenAddr, "listen-addr", envOrDefault("KURULTAI_LISTEN_ADDR", ":8420"), "Listen address for the API (daemon mode)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("kurultai %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, opts *options) error {
	modes := 0
	for _, on := range []bool{opts.setup, opts.cycle, opts.daemon, opts.listTasks, opts.triggerReflection} {
		if on {
			modes++
		}
	}
	if modes != 1 {
		return errors.New("exactly one of --setup, --cycle, --daemon, --list-tasks or --trigger-reflection is required")
	}
	if opts.agent != "" && !graph.ValidAgent(graph.AgentID(opts.agent)) {
		return fmt.Errorf("unknown agent %q", opts.agent)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	cfg.LogLevel = opts.logLevel
	cfg.ListenAddr = opts.listenAddr

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := graph.New(ctx, graph.Config{
		URI:      cfg.GraphURI,
		User:     cfg.GraphUser,
		Password: cfg.GraphPassword,
		Policy:   graph.DefaultRetryPolicy(),
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer store.Close(context.Background()) //nolint:errcheck

	keyring, err := hmacsig.NewKeyring(cfg.AgentHMACSecret)
	if err != nil {
		return err
	}
	dispatcher, err := delegation.NewDispatcher(cfg.GatewayURL, cfg.GatewayToken, keyring, store, logger)
	if err != nil {
		return err
	}

	switch {
	case opts.setup:
		return runSetup(ctx, store, keyring, logger)
	case opts.listTasks:
		reg, err := buildRegistry(store, keyring, dispatcher, nil, logger)
		if err != nil {
			return err
		}
		return runListTasks(reg, opts)
	case opts.triggerReflection:
		return tasks.TriggerReflection(ctx, buildDelegator(store, dispatcher, logger))
	case opts.cycle:
		return runOneCycle(ctx, cfg, store, keyring, dispatcher, opts, logger)
	default:
		return runDaemon(ctx, cfg, store, keyring, dispatcher, logger)
	}
}

func runSetup(ctx context.Context, store *graph.Client, keyring *hmacsig.Keyring, logger *zap.Logger) error {
	if err := store.Setup(ctx); err != nil {
		return err
	}
	if err := tasks.SeedKeys(ctx, store, keyring); err != nil {
		return err
	}
	logger.Info("setup complete: schema applied, agents seeded, keys activated")
	return nil
}

// taskView is the serialisable projection of a registered task.
type taskView struct {
	Name             string `json:"name"`
	Agent            string `json:"agent"`
	FrequencyMinutes int    `json:"frequency_minutes"`
	MaxTokens        int    `json:"max_tokens"`
	TimeoutSeconds   int    `json:"timeout_seconds"`
	Critical         bool   `json:"critical"`
	Exclusive        bool   `json:"exclusive"`
	Category         string `json:"category"`
	Enabled          bool   `json:"enabled"`
}

func runListTasks(reg *registry.Registry, opts *options) error {
	var views []taskView
	for _, t := range reg.List() {
		if opts.agent != "" && string(t.Agent) != opts.agent {
			continue
		}
		views = append(views, taskView{
			Name:             t.Name,
			Agent:            string(t.Agent),
			FrequencyMinutes: t.FrequencyMinutes,
			MaxTokens:        t.MaxTokens,
			TimeoutSeconds:   t.TimeoutSeconds,
			Critical:         t.Critical,
			Exclusive:        t.Exclusive,
			Category:         t.Category,
			Enabled:          t.Enabled(),
		})
	}

	if opts.jsonOut {
		return json.NewEncoder(os.Stdout).Encode(views)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tAGENT\tEVERY\tTOKENS\tTIMEOUT\tCRITICAL\tCATEGORY")
	for _, v := range views {
		fmt.Fprintf(tw, "%s\t%s\t%dm\t%d\t%ds\t%t\t%s\n",
			v.Name, v.Agent, v.FrequencyMinutes, v.MaxTokens,
			v.TimeoutSeconds, v.Critical, v.Category)
	}
	return tw.Flush()
}

// buildDelegator wires the outbound delegation path: failover-aware routing
// over the shared dispatcher.
func buildDelegator(store *graph.Client, dispatcher *delegation.Dispatcher, logger *zap.Logger) *delegation.Delegator {
	router := liveness.NewRouter(store, logger)
	return delegation.NewDelegator(store, dispatcher, router, logger)
}

// buildRegistry assembles the built-in task set with its full dependency
// closure: curator, liveness monitor, keyring and delegator.
func buildRegistry(store *graph.Client, keyring *hmacsig.Keyring, dispatcher *delegation.Dispatcher, metrics *observability.Metrics, logger *zap.Logger) (*registry.Registry, error) {
	reg := registry.New(logger)
	err := tasks.RegisterBuiltins(reg, tasks.Deps{
		Store:     store,
		Curator:   curation.New(store, metrics, logger),
		Monitor:   liveness.NewMonitor(store, dispatcher, metrics, logger),
		Keyring:   keyring,
		Delegator: buildDelegator(store, dispatcher, logger),
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	return reg, nil
}

func runOneCycle(ctx context.Context, cfg *config.Config, store *graph.Client, keyring *hmacsig.Keyring, dispatcher *delegation.Dispatcher, opts *options, logger *zap.Logger) error {
	reg, err := buildRegistry(store, keyring, dispatcher, nil, logger)
	if err != nil {
		return err
	}
	runner := heartbeat.NewRunner(store, reg, nil, cfg.CycleTokenBudget, logger)
	if opts.agent != "" {
		runner.RestrictToAgent(graph.AgentID(opts.agent))
	}

	cycle, err := runner.RunCycle(ctx)
	if err != nil {
		return err
	}
	if opts.jsonOut {
		if err := json.NewEncoder(os.Stdout).Encode(cycle); err != nil {
			return err
		}
	} else {
		fmt.Printf("cycle %d: %d run, %d succeeded, %d failed, %d tokens in %.1fs\n",
			cycle.CycleNumber, cycle.TasksRun, cycle.TasksSucceeded,
			cycle.TasksFailed, cycle.TotalTokens, cycle.DurationSecs)
	}
	if cycle.TasksFailed > 0 {
		return fmt.Errorf("%w: %d of %d tasks failed in cycle %d",
			errPartialCycle, cycle.TasksFailed, cycle.TasksRun, cycle.CycleNumber)
	}
	return nil
}

func runDaemon(ctx context.Context, cfg *config.Config, store *graph.Client, keyring *hmacsig.Keyring, dispatcher *delegation.Dispatcher, logger *zap.Logger) error {
	logger.Info("starting kurultai daemon",
		zap.String("version", version),
		zap.String("listen_addr", cfg.ListenAddr),
		zap.Int("cycle_token_budget", cfg.CycleTokenBudget))

	promReg := prometheus.NewRegistry()
	metrics := observability.New(promReg)

	reg, err := buildRegistry(store, keyring, dispatcher, metrics, logger)
	if err != nil {
		return err
	}
	runner := heartbeat.NewRunner(store, reg, metrics, cfg.CycleTokenBudget, logger)

	daemon, err := heartbeat.NewDaemon(runner, logger)
	if err != nil {
		return err
	}

	// Background planes: degraded-mode probe, infra heartbeat sidecar,
	// degraded gauge refresh.
	go store.RunProbe(ctx)
	go liveness.NewSidecar(store, logger).Run(ctx)
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				metrics.SetDegraded(store.Degraded(), store.JournalLen())
			}
		}
	}()

	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: api.NewRouter(api.RouterConfig{
			Messages:     store,
			Health:       store,
			Gateway:      dispatcher,
			Verifier:     hmacsig.NewVerifier(keyring, store, logger),
			GatewayToken: cfg.GatewayToken,
			Metrics:      metrics,
			Registry:     promReg,
			Logger:       logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", zap.Error(err))
			// The daemon is useless without its message surface.
			os.Exit(1)
		}
	}()

	err = daemon.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("api shutdown", zap.Error(serr))
	}
	logger.Info("kurultai daemon stopped")
	return err
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}
