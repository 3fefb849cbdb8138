package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"weekly-er-engine/internal/config"
	"weekly-er-engine/internal/connection"
	"weekly-er-engine/internal/gateway"
	"weekly-er-engine/internal/journal"
	"weekly-er-engine/internal/marketdata"
	"weekly-er-engine/internal/observ"
	"weekly-er-engine/internal/pending"
	"weekly-er-engine/internal/progress"
	"weekly-er-engine/internal/protection"
	"weekly-er-engine/internal/replay"
	"weekly-er-engine/internal/risk"
	"weekly-er-engine/internal/strategy"
)

var cfgPath string

func main() {
	root := &cobra.Command{
		Use:          "weekly-er",
		Short:        "Weekly momentum strategy engine",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "path to config file")
	root.AddCommand(backtestCmd(), liveCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (config.Root, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return cfg, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func backtestCmd() *cobra.Command {
	var (
		dataDir string
		startS  string
		endS    string
		capital float64
		outPath string
	)
	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Replay the strategy over historical daily bars",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			start, err := time.Parse("2006-01-02", startS)
			if err != nil {
				return fmt.Errorf("bad --start: %w", err)
			}
			end, err := time.Parse("2006-01-02", endS)
			if err != nil {
				return fmt.Errorf("bad --end: %w", err)
			}
			provider, err := marketdata.LoadCSVDir(dataDir)
			if err != nil {
				return err
			}
			if len(cfg.Selection.Universe) == 0 {
				cfg.Selection.Universe = provider.Symbols()
			}

			prog := progress.NewStream()
			updates := prog.Subscribe()
			done := make(chan struct{})
			go func() {
				defer close(done)
				for u := range updates {
					fmt.Fprintf(os.Stderr, "[%3d%%] %s\n", u.Percent, u.Message)
				}
			}()

			eng := replay.NewEngine(cfg, provider, prog)
			res, err := eng.Run(cmd.Context(), start, end, capital)
			prog.Close()
			<-done
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(res, "", "  ")
			if err != nil {
				return err
			}
			if outPath != "" {
				return os.WriteFile(outPath, out, 0o644)
			}
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", "data/bars", "directory of per-symbol CSV bar files")
	cmd.Flags().StringVar(&startS, "start", "", "range start, YYYY-MM-DD")
	cmd.Flags().StringVar(&endS, "end", "", "range end, YYYY-MM-DD")
	cmd.Flags().Float64Var(&capital, "capital", 100000, "starting capital")
	cmd.Flags().StringVar(&outPath, "out", "", "write full results JSON to file instead of stdout")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	return cmd
}

func liveCmd() *cobra.Command {
	var (
		metricsAddr string
		simMode     bool
		cash        float64
	)
	cmd := &cobra.Command{
		Use:   "live",
		Short: "Run weekly cycles against the broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !simMode {
				return fmt.Errorf("only --sim mode is wired; broker transport is external")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			sim := marketdata.NewSim(time.Now().UnixNano())
			for _, sym := range cfg.Selection.Universe {
				sim.AddSymbol(sym, 100, 0.25, 2e6)
			}
			provider := marketdata.NewGuarded(sim, marketdata.DefaultGuardedConfig())
			gw := gateway.NewSim(provider, cash)

			jrnl, err := journal.New(cfg.Paths.TradeJournal, cfg.Paths.EventJournal)
			if err != nil {
				return err
			}
			pend, err := pending.NewStore(cfg.Paths.PendingOrders)
			if err != nil {
				return err
			}

			sectors := risk.NewClassifier(cfg.Sectors)
			governor := risk.NewGovernor(cfg.SafetyLimits, sectors)

			mon := connection.NewMonitor(cfg.Connection, loopbackLink{}, connection.Callbacks{})
			if err := mon.Start(ctx); err != nil {
				return err
			}
			go func() {
				if err := mon.Run(ctx); err != nil && ctx.Err() == nil {
					observ.Log("connection_monitor_stopped", map[string]any{"error": err.Error()})
					stop()
				}
			}()

			mux := http.NewServeMux()
			mux.Handle("/metrics", observ.Handler())
			mux.Handle("/healthz", observ.Health())
			srv := &http.Server{Addr: metricsAddr, Handler: mux}
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					observ.Log("metrics_server_failed", map[string]any{"error": err.Error()})
				}
			}()
			defer srv.Shutdown(context.Background())

			prog := progress.NewStream()
			updates := prog.Subscribe()
			go func() {
				for u := range updates {
					observ.Log("progress", map[string]any{"message": u.Message, "percent": u.Percent})
				}
			}()
			defer prog.Close()

			eng := strategy.NewEngine(strategy.Deps{
				Config:    cfg,
				Provider:  provider,
				Gateway:   gw,
				Governor:  governor,
				Sectors:   sectors,
				Conn:      mon,
				Journal:   jrnl,
				Pending:   pend,
				Progress:  prog,
				Protector: protection.NewFixedSizer(),
			})

			for {
				if err := eng.RunCycle(ctx); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				if governor.EmergencyActive() {
					observ.Log("halted_on_emergency", map[string]any{"unresolved": eng.Unresolved()})
					return nil
				}
			}
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":8090", "metrics/health listen address")
	cmd.Flags().BoolVar(&simMode, "sim", true, "use the simulated broker and market data")
	cmd.Flags().Float64Var(&cash, "cash", 150000, "simulated starting cash")
	return cmd
}

// loopbackLink is the always-up link used in sim mode.
type loopbackLink struct{}

func (loopbackLink) Connect(ctx context.Context) error { return nil }
func (loopbackLink) Ping(ctx context.Context) error    { return nil }
func (loopbackLink) Close() error                      { return nil }
