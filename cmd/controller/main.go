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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/danielpatrickdp/reflexcore/internal/archive"
	"github.com/danielpatrickdp/reflexcore/internal/config"
	"github.com/danielpatrickdp/reflexcore/internal/engine"
	"github.com/danielpatrickdp/reflexcore/internal/executor"
	"github.com/danielpatrickdp/reflexcore/internal/metrics"
)

// #region commands
var (
	configPath string
	waitSettle bool
	fromPath   string
	fromLimit  int

	rootCmd = &cobra.Command{
		Use:   "controller",
		Short: "Reflex/deliberation decision core",
		Long: `controller reads states, decides on actions through the reflex cache or the
policy evaluator, dispatches them to executors and consolidates what it learns.`,
		SilenceUsage: true,
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Decide on states read from stdin, one per line",
		Long: `Each line is either a JSON object {"state":[...8 values], "goal":"", "unsafe":false}
or 8 whitespace/comma separated numbers. One JSON decision is written per line.`,
		RunE: runController,
	}
	consolidateCmd = &cobra.Command{
		Use:   "consolidate",
		Short: "Run one consolidation pass over experiences archived in SQLite",
		RunE:  runConsolidate,
	}
	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE:  runConfig,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "reflexcore.yaml", "config file (created with defaults when missing)")
	runCmd.Flags().BoolVar(&waitSettle, "wait", false, "wait for each action to settle and include the outcome")
	consolidateCmd.Flags().StringVar(&fromPath, "from", "", "SQLite archive to read experiences from")
	consolidateCmd.Flags().IntVar(&fromLimit, "limit", 65536, "newest experiences to load")
	_ = consolidateCmd.MarkFlagRequired("from")
	rootCmd.AddCommand(runCmd, consolidateCmd, configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// #endregion commands

// #region setup
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildEngine wires remote executors, the sink and metrics from cfg. The
// returned cleanup closes the executors; the engine closes the sink.
func buildEngine(cfg *config.Config, log zerolog.Logger, reg *prometheus.Registry, withSink bool) (*engine.Engine, func(), error) {
	b := engine.NewBuilder(cfg.Engine()).
		WithActions(cfg.ActionSpecs()...).
		WithSeed(cfg.SeedSpecs()...).
		WithLogger(log)

	remotes, err := cfg.RemoteExecutors()
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		for _, r := range remotes {
			r.Close()
		}
	}
	for kind, r := range remotes {
		b.WithExecutor(kind, r)
	}
	if _, ok := remotes["noop"]; !ok {
		b.WithExecutor("noop", executor.Func(func(context.Context, executor.Request) (executor.Outcome, error) {
			return executor.Outcome{Success: true}, nil
		}))
	}
	if reg != nil {
		b.WithMetrics(metrics.New(reg))
	}
	if withSink {
		sink, err := cfg.OpenSink()
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		if sink != nil {
			b.WithSink(sink)
		}
	}

	e, err := b.Build()
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return e, cleanup, nil
}

// #endregion setup

// #region run
func runController(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := cfg.Logger()

	var reg *prometheus.Registry
	if cfg.Metrics.Addr != "" {
		reg = prometheus.NewRegistry()
	}
	e, cleanup, err := buildEngine(cfg, log, reg, true)
	if err != nil {
		return err
	}
	defer cleanup()
	defer e.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	bg, cancelBG := context.WithCancel(gctx)
	g.Go(func() error { return e.Run(bg) })

	if reg != nil {
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		g.Go(func() error {
			log.Info().Str("addr", cfg.Metrics.Addr).Msg("serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-bg.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	g.Go(func() error {
		defer cancelBG()
		return decideLoop(bg, e, cmd.InOrStdin(), cmd.OutOrStdout(), log, waitSettle)
	})
	err = g.Wait()

	st := e.Status()
	log.Info().
		Uint64("decisions", st.Decisions.Decisions).
		Float64("fast_ratio", st.Decisions.FastPathRatio()).
		Uint64("failsafe", st.Decisions.Failsafe).
		Int("reflexes", int(st.Reflex.Entries)).
		Msg("controller stopped")
	return err
}

// #endregion run

// #region consolidate
func runConsolidate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := cfg.Logger()

	src, err := archive.OpenSQLite(fromPath)
	if err != nil {
		return err
	}
	defer src.Close()
	entries, err := src.Experiences(cmd.Context(), fromLimit)
	if err != nil {
		return err
	}

	e, cleanup, err := buildEngine(cfg, log, nil, false)
	if err != nil {
		return err
	}
	defer cleanup()
	defer e.Close()

	for _, en := range entries {
		e.Log.Append(en)
	}
	rep := e.Consolidate(cmd.Context())

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		Loaded      int            `json:"loaded"`
		Sampled     int            `json:"sampled"`
		Cells       int            `json:"cells"`
		Significant int            `json:"significant"`
		Accepted    int            `json:"accepted"`
		Rejected    int            `json:"rejected"`
		Reasons     map[string]int `json:"reasons,omitempty"`
		Reflexes    int            `json:"reflexes"`
	}{
		Loaded:      len(entries),
		Sampled:     rep.Sampled,
		Cells:       rep.Cells,
		Significant: rep.Significant,
		Accepted:    rep.Accepted,
		Rejected:    rep.Rejected,
		Reasons:     reasonCounts(rep.Reasons),
		Reflexes:    e.Cache.Len(),
	})
}

// #endregion consolidate

// #region config
func runConfig(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(out)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
	}
	return nil
}

// #endregion config
