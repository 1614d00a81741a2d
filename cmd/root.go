package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-faster/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/parthshah1/recurpay/agreement"
	"github.com/parthshah1/recurpay/chain"
	"github.com/parthshah1/recurpay/config"
	"github.com/parthshah1/recurpay/invariants"
	"github.com/parthshah1/recurpay/workspace"
)

var (
	cfg    *config.Config
	logger *zap.Logger
)

// NewApp creates a new CLI app
func NewApp() *cli.App {
	app := &cli.App{
		Name:  "recurpay",
		Usage: "Deployment, interaction and upkeep tooling for recurring payment contracts",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "network",
				Usage:   "Network name: hardhatMainnet, hardhatOp, sepolia, confluxESpace (env: NETWORK)",
				EnvVars: []string{"NETWORK"},
			},
			&cli.StringFlag{
				Name:    "rpc",
				Usage:   "RPC URL, overrides the network's endpoint (env: RPC_URL)",
				EnvVars: []string{"RPC_URL"},
			},
			&cli.StringFlag{
				Name:    "private-key",
				Usage:   "Signing key, overrides the network's first account (env: PRIVATE_KEY)",
				EnvVars: []string{"PRIVATE_KEY"},
			},
			&cli.StringFlag{
				Name:    "workspace",
				Usage:   "Directory holding accounts.json and deployments.json (env: WORKSPACE)",
				EnvVars: []string{"WORKSPACE"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level: debug, info, warn, error (env: LOG_LEVEL)",
				EnvVars: []string{"LOG_LEVEL"},
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Usage:   "Verbose output (env: VERBOSE)",
				EnvVars: []string{"VERBOSE"},
			},
		},
		Before: func(c *cli.Context) error {
			var err error
			cfg, err = config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			if c.IsSet("network") {
				cfg.Network = c.String("network")
			}
			if c.IsSet("rpc") {
				cfg.RPC = c.String("rpc")
			}
			if c.IsSet("private-key") {
				cfg.PrivateKey = c.String("private-key")
			}
			if c.IsSet("workspace") {
				cfg.Workspace = c.String("workspace")
			}
			if c.IsSet("log-level") {
				cfg.LogLevel = c.String("log-level")
			}
			if c.IsSet("verbose") {
				cfg.Verbose = c.Bool("verbose")
			}

			logger, err = config.NewLogger(cfg.Level())
			if err != nil {
				return fmt.Errorf("failed to create logger: %w", err)
			}
			invariants.SetAntithesisMode(cfg.Antithesis)
			return nil
		},
		After: func(c *cli.Context) error {
			if logger != nil {
				_ = logger.Sync()
			}
			return nil
		},
		Commands: []*cli.Command{
			AccountsCmd,
			DeployCmd,
			AgreementCmd,
			LocalCmd,
			UpkeepCmd,
			FundMeCmd,
			InvariantsCmd,
		},
	}
	return app
}

// ExitCode maps an error to the process exit status: 0 for success and for
// an agreement that is not yet eligible, 2 for a caller that is not the
// tenant, 3 for RPC or network failures and 1 for anything else.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, agreement.ErrNotEligible):
		return 0
	case errors.Is(err, agreement.ErrUnauthorized):
		return 2
	case agreement.IsTransport(err):
		return 3
	default:
		return 1
	}
}

func Execute() {
	err := NewApp().Run(os.Args)
	code := ExitCode(err)
	if err != nil {
		if code == 0 {
			fmt.Printf("%v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}
	os.Exit(code)
}

func openWorkspace() (*workspace.Workspace, error) {
	ws, err := workspace.Open(cfg.Workspace)
	if err != nil {
		return nil, fmt.Errorf("failed to open workspace: %w", err)
	}
	return ws, nil
}

// dial connects to the selected network signing with key, or with the
// network's deployer key when key is empty.
func dial(ctx context.Context, key string) (*chain.Client, config.Network, error) {
	network, err := cfg.ResolveNetwork()
	if err != nil {
		return nil, config.Network{}, err
	}
	if key == "" {
		key = network.DeployerKey()
	}
	client, err := chain.Dial(ctx, network.RPC, key, logger)
	if err != nil {
		return nil, network, fmt.Errorf("failed to connect to %s: %w", network.Name, err)
	}
	if network.ChainID != 0 && client.ChainID().Uint64() != network.ChainID {
		logger.Warn("chain id differs from the network table",
			zap.String("network", network.Name),
			zap.Uint64("expected", network.ChainID),
			zap.String("actual", client.ChainID().String()))
	}
	return client, network, nil
}

func parseAddress(s, what string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid %s address %q", what, s)
	}
	return common.HexToAddress(s), nil
}
