package cmd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/parthshah1/recurpay/chain"
	"github.com/parthshah1/recurpay/invariants"
	"github.com/parthshah1/recurpay/upkeep"
)

var UpkeepCmd = &cli.Command{
	Name:  "upkeep",
	Usage: "Poll agreements and execute due payments",
	Subcommands: []*cli.Command{
		{
			Name:  "run",
			Usage: "Run the polling driver until interrupted",
			Flags: []cli.Flag{
				&cli.StringSliceFlag{
					Name:  "agreement",
					Usage: "RecurringPayment contract address (can specify multiple). Defaults to the workspace deployment when no local agreements are polled",
				},
				&cli.BoolFlag{
					Name:  "local",
					Usage: "Poll every agreement in the local ledger",
				},
				&cli.StringFlag{
					Name:    "ledger",
					Usage:   "Ledger DSN for --local (env: LEDGER_DSN)",
					EnvVars: []string{"LEDGER_DSN"},
				},
				&cli.StringFlag{
					Name:    "schedule",
					Usage:   "Cron schedule (env: UPKEEP_SCHEDULE)",
					EnvVars: []string{"UPKEEP_SCHEDULE"},
				},
				&cli.DurationFlag{
					Name:  "every",
					Usage: "Fixed polling interval, overrides --schedule",
				},
				&cli.BoolFlag{
					Name:  "immediate",
					Usage: "Poll once at startup",
					Value: true,
				},
				&cli.StringFlag{
					Name:  "metrics-addr",
					Usage: "Serve Prometheus metrics on this address, e.g. :9102",
				},
				&cli.StringFlag{
					Name:  "events-out",
					Usage: "Write observed payments and violations to this JSON file on exit",
				},
			},
			Action: runUpkeep,
		},
	},
}

// upkeepTargets collects the chain and local targets. The returned cleanup
// closes every connection it opened.
func upkeepTargets(c *cli.Context) ([]upkeep.Target, func(), error) {
	var (
		targets  []upkeep.Target
		cleanups []func()
	)
	cleanup := func() {
		for _, fn := range cleanups {
			fn()
		}
	}

	if c.Bool("local") {
		svc, closeFn, err := openLedger(c)
		if err != nil {
			return nil, nil, err
		}
		cleanups = append(cleanups, closeFn)
		list, err := svc.List(c.Context)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("failed to list agreements: %w", err)
		}
		for _, a := range list {
			targets = append(targets, svc.Target(a.ID))
		}
	}

	addrs := c.StringSlice("agreement")
	if len(addrs) == 0 && !c.Bool("local") {
		addr, err := contractAddress(c)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		addrs = []string{addr.Hex()}
	}
	if len(addrs) > 0 {
		client, _, err := dial(c.Context, "")
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		cleanups = append(cleanups, client.Close)
		for _, s := range addrs {
			addr, err := parseAddress(s, "agreement")
			if err != nil {
				cleanup()
				return nil, nil, err
			}
			targets = append(targets, chain.NewRecurringPayment(client, addr))
		}
	}

	if len(targets) == 0 {
		cleanup()
		return nil, nil, fmt.Errorf("no agreements to poll")
	}
	return targets, cleanup, nil
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	return srv
}

func runUpkeep(c *cli.Context) error {
	ctx, cancel := withSignals(c.Context)
	defer cancel()

	targets, cleanup, err := upkeepTargets(c)
	if err != nil {
		return err
	}
	defer cleanup()

	schedule := cfg.Schedule
	if c.IsSet("schedule") {
		schedule = c.String("schedule")
	}
	driver := upkeep.NewDriver(upkeep.Config{
		Schedule:  schedule,
		Every:     c.Duration("every"),
		Immediate: c.Bool("immediate"),
	}, logger, targets...)

	state := invariants.NewState()
	driver.SetObserver(func(o upkeep.Outcome) {
		state.Observe(o)
		switch {
		case o.Err != nil:
			fmt.Printf("[%s] %s: error: %v\n", o.At.Format(time.RFC3339), o.Target, o.Err)
		case o.Performed():
			fmt.Printf("[%s] %s: paid #%d\n", o.At.Format(time.RFC3339), o.Target, o.Payment.Sequence)
		default:
			logger.Debug("not eligible", zap.String("target", o.Target), zap.Stringer("reason", o.Eligibility.Reason))
		}
	})

	if addr := c.String("metrics-addr"); addr != "" {
		srv := serveMetrics(addr)
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			_ = srv.Shutdown(shutdownCtx)
		}()
		fmt.Printf("Serving metrics on %s/metrics\n", addr)
	}

	fmt.Printf("Polling %d agreement(s). Press Ctrl+C to stop.\n", len(targets))
	if err := driver.Run(ctx); err != nil {
		return fmt.Errorf("upkeep driver failed: %w", err)
	}

	state.EmitFinalAssertions()
	if out := c.String("events-out"); out != "" {
		if err := state.SaveToFile(out); err != nil {
			return fmt.Errorf("failed to save events: %w", err)
		}
		fmt.Printf("Events saved to %s\n", out)
	}
	printSummary(state.Summary())
	return nil
}
