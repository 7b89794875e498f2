package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rustyeddy/equitrader/broker"
	"github.com/rustyeddy/equitrader/broker/alpaca"
	"github.com/rustyeddy/equitrader/broker/sim"
	"github.com/rustyeddy/equitrader/config"
	"github.com/rustyeddy/equitrader/engine"
	"github.com/rustyeddy/equitrader/events"
	"github.com/rustyeddy/equitrader/journal"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the trading engine from a config file",
	Long: `Start the trading engine using settings from a configuration file.

The config file selects the broker, risk limits, and symbol routes. Broker
credentials are taken from the environment (a .env file is honored). Live
trading additionally requires ` + config.LiveConfirmEnv + `=yes.

Example:
  equitrader run --config examples/configs/paper.yaml`,
	RunE: runRun,
}

var runConfigPath string

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runConfigPath, "config", "f", "", "path to config file (required)")
	runCmd.MarkFlagRequired("config")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFromFile(runConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if level, err := log.ParseLevel(cfg.Log.Level); err == nil {
		log.SetLevel(level)
	}

	rest, stream, err := buildBroker(cfg)
	if err != nil {
		return err
	}

	jrnl, err := journal.NewSQLite(cfg.Journal.DBPath)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer jrnl.Close()

	eng, err := engine.New(cfg, rest, stream, jrnl)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	subscribeLogging(eng.Bus())

	log.WithFields(log.Fields{
		"mode":   cfg.Mode,
		"broker": cfg.Broker.Name,
		"routes": len(cfg.Routes),
	}).Info("starting engine")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return eng.Run(ctx)
}

// buildBroker constructs the REST client and stream for the configured
// broker. The sim broker serves both roles from one in-process engine.
func buildBroker(cfg *config.Config) (broker.Broker, broker.Stream, error) {
	switch cfg.Broker.Name {
	case "alpaca":
		key := os.Getenv(cfg.Broker.KeyEnv)
		secret := os.Getenv(cfg.Broker.SecretEnv)
		paper := !cfg.Live()
		var symbols []string
		for _, route := range cfg.Routes {
			symbols = append(symbols, route.Symbols...)
		}
		return alpaca.NewClient(key, secret, paper), alpaca.NewStream(key, secret, paper, symbols), nil
	case "sim":
		eng := sim.NewEngine(decimal.NewFromInt(100_000))
		return eng, eng, nil
	default:
		return nil, nil, fmt.Errorf("unknown broker: %s", cfg.Broker.Name)
	}
}

// subscribeLogging mirrors engine events into the structured log so a
// headless run leaves a readable trail.
func subscribeLogging(bus *events.Bus) {
	bus.Subscribe(events.TopicFill, func(e events.Event) {
		f, ok := e.(events.Fill)
		if !ok {
			return
		}
		log.WithFields(log.Fields{
			"order_id": f.OrderID,
			"symbol":   f.Symbol,
			"qty":      f.Qty,
			"price":    f.Price.String(),
		}).Info("fill")
	})
	bus.Subscribe(events.TopicRiskRejection, func(e events.Event) {
		r, ok := e.(events.RiskRejection)
		if !ok {
			return
		}
		log.WithFields(log.Fields{
			"symbol": r.Symbol,
			"reason": r.Reason,
		}).Warn("risk rejection")
	})
	bus.Subscribe(events.TopicError, func(e events.Event) {
		ev, ok := e.(events.Error)
		if !ok {
			return
		}
		log.WithError(ev.Err).WithField("op", ev.Op).Error("engine error")
	})
}
