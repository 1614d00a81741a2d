package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/parthshah1/recurpay/chain"
	"github.com/parthshah1/recurpay/config"
	"github.com/parthshah1/recurpay/orchestrator"
	"github.com/parthshah1/recurpay/verify"
)

var DeployCmd = &cli.Command{
	Name:  "deploy",
	Usage: "Deploy contracts from compiled artifacts",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "artifacts",
			Usage:   "Directory of compiled contract artifacts (env: ARTIFACTS_DIR)",
			EnvVars: []string{"ARTIFACTS_DIR"},
		},
		&cli.Uint64Flag{
			Name:  "confirmations",
			Usage: "Blocks to wait for after each deployment",
			Value: 5,
		},
	},
	Subcommands: []*cli.Command{
		{
			Name:  "fundme",
			Usage: "Deploy the FundMe pool",
			Flags: []cli.Flag{
				&cli.Uint64Flag{
					Name:    "lock-duration",
					Usage:   "Lock duration in seconds",
					Value:   100,
					EnvVars: []string{"LOCK_DURATION"},
				},
			},
			Action: deployFundMe,
		},
		{
			Name:  "recurring-payment",
			Usage: "Deploy a RecurringPayment agreement",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "tenant",
					Usage: "Tenant (payer) address, defaults to the network's second account or the workspace tenant",
				},
				&cli.StringFlag{
					Name:  "company",
					Usage: "Company (payee) address, defaults to COMPANY_ADDRESS or a random address",
				},
				&cli.StringFlag{
					Name:  "amount",
					Usage: "Payment amount in ether",
					Value: "1.0",
				},
				&cli.DurationFlag{
					Name:  "interval",
					Usage: "Payment interval",
					Value: 300 * time.Second,
				},
			},
			Action: deployRecurringPayment,
		},
		{
			Name:  "redpacket",
			Usage: "Deploy MockUSDT, RedPacket and PaymentRouter and charge the red packet",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "charge",
					Usage: "USDT transferred to the red packet",
					Value: "1000",
				},
			},
			Action: deployRedPacket,
		},
		{
			Name:      "scenario",
			Usage:     "Run a deployment scenario from a YAML file",
			ArgsUsage: "<file>",
			Flags: []cli.Flag{
				&cli.StringSliceFlag{
					Name:  "var",
					Usage: "Scenario variable as name=value (can specify multiple)",
				},
			},
			Action: deployScenario,
		},
	},
}

// DeploymentInfo is printed and saved to the workspace after a recurring
// payment deployment.
type DeploymentInfo struct {
	Network         string    `json:"network"`
	ChainID         string    `json:"chainId"`
	ContractAddress string    `json:"contractAddress"`
	TxHash          string    `json:"txHash"`
	Tenant          string    `json:"tenant"`
	Company         string    `json:"company"`
	PaymentAmount   string    `json:"paymentAmount"`
	Interval        string    `json:"interval"`
	Deployer        string    `json:"deployer"`
	Verified        bool      `json:"verified"`
	Timestamp       time.Time `json:"timestamp"`
}

// withSignals returns a context cancelled on SIGINT or SIGTERM.
func withSignals(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func newAutoVerifier(network config.Network) *verify.Auto {
	auto := &verify.Auto{
		Network: network.Name,
		Local:   network.Local,
		Log:     logger,
	}
	if network.Explorer != nil {
		auto.Verifier = verify.NewEtherscan(network.Explorer.APIURL, network.Explorer.APIKey, &http.Client{Timeout: 30 * time.Second})
	}
	return auto
}

type scenarioRun struct {
	client  *chain.Client
	network config.Network
	results []orchestrator.TaskResult
}

func (r *scenarioRun) output(task, field string) string {
	for _, res := range r.results {
		if res.TaskName == task {
			if v, ok := res.Output[field]; ok {
				return fmt.Sprint(v)
			}
		}
	}
	return ""
}

// runScenario dials the network and runs sc with the chain handlers. The
// caller closes the returned client.
func runScenario(c *cli.Context, sc *orchestrator.Scenario, vars map[string]string) (*scenarioRun, error) {
	ctx, cancel := withSignals(c.Context)
	defer cancel()

	client, network, err := dial(ctx, "")
	if err != nil {
		return nil, err
	}
	ws, err := openWorkspace()
	if err != nil {
		client.Close()
		return nil, err
	}

	artifacts := cfg.ArtifactsDir
	if c.IsSet("artifacts") {
		artifacts = c.String("artifacts")
	}
	confirmations := cfg.Confirmations
	if c.IsSet("confirmations") {
		confirmations = c.Uint64("confirmations")
	}
	if network.Local {
		confirmations = 1
	}

	o := orchestrator.New(logger)
	orchestrator.RegisterChainHandlers(o, &orchestrator.Env{
		Client:          client,
		ArtifactsDir:    artifacts,
		Workspace:       ws,
		Network:         network.Name,
		Confirmations:   confirmations,
		CompilerVersion: config.Solidity.Version,
		Verifier:        newAutoVerifier(network),
		Log:             logger,
	})

	from, _ := client.From()
	fmt.Printf("Running scenario %s on %s as %s\n", sc.Name, network.Name, from.Hex())

	results, err := o.Run(ctx, sc, vars)
	for _, res := range results {
		status := "ok"
		if res.Error != nil {
			status = "failed: " + res.Error.Error()
		}
		fmt.Printf("  %-20s %s (%s, %d attempt(s))\n", res.TaskName, status, res.Duration.Round(time.Millisecond), res.Attempts)
	}
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to run scenario %s: %w", sc.Name, err)
	}
	return &scenarioRun{client: client, network: network, results: results}, nil
}

func deployFundMe(c *cli.Context) error {
	sc, err := orchestrator.BuiltinScenario("fundme")
	if err != nil {
		return err
	}
	run, err := runScenario(c, sc, map[string]string{
		"lockDuration": fmt.Sprint(c.Uint64("lock-duration")),
	})
	if err != nil {
		return err
	}
	defer run.client.Close()

	fmt.Printf("\nFundMe deployed at %s (lock duration %ds)\n", run.output("FundMe", "address"), c.Uint64("lock-duration"))
	return nil
}

// resolveTenant picks the tenant address from the flag, the network's second
// key or the workspace tenant account, in that order.
func resolveTenant(c *cli.Context, network config.Network) (common.Address, error) {
	if s := c.String("tenant"); s != "" {
		return parseAddress(s, "tenant")
	}
	if len(network.Keys) > 1 {
		key, err := chain.ParsePrivateKey(network.Keys[1])
		if err != nil {
			return common.Address{}, fmt.Errorf("failed to parse tenant key: %w", err)
		}
		return crypto.PubkeyToAddress(key.PublicKey), nil
	}
	ws, err := openWorkspace()
	if err != nil {
		return common.Address{}, err
	}
	acct, err := ws.Account("tenant")
	if err != nil {
		return common.Address{}, fmt.Errorf("no tenant configured, pass --tenant or create a tenant account: %w", err)
	}
	return common.HexToAddress(acct.Address), nil
}

// resolveCompany uses the flag or COMPANY_ADDRESS, and falls back to a fresh
// random address.
func resolveCompany(c *cli.Context) (common.Address, error) {
	s := c.String("company")
	if s == "" {
		s = cfg.CompanyAddress
	}
	if s != "" {
		return parseAddress(s, "company")
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to generate company address: %w", err)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	logger.Warn("no company address configured, using a random one", zap.String("company", addr.Hex()))
	return addr, nil
}

func deployRecurringPayment(c *cli.Context) error {
	network, err := cfg.ResolveNetwork()
	if err != nil {
		return err
	}
	tenant, err := resolveTenant(c, network)
	if err != nil {
		return err
	}
	company, err := resolveCompany(c)
	if err != nil {
		return err
	}
	interval := c.Duration("interval")
	if interval < time.Second {
		return fmt.Errorf("interval must be at least one second, got %s", interval)
	}

	sc, err := orchestrator.BuiltinScenario("recurring-payment")
	if err != nil {
		return err
	}
	run, err := runScenario(c, sc, map[string]string{
		"tenant":        tenant.Hex(),
		"company":       company.Hex(),
		"paymentAmount": c.String("amount"),
		"interval":      fmt.Sprint(int64(interval / time.Second)),
	})
	if err != nil {
		return err
	}
	defer run.client.Close()

	info := DeploymentInfo{
		Network:         run.network.Name,
		ChainID:         run.client.ChainID().String(),
		ContractAddress: run.output("RecurringPayment", "address"),
		TxHash:          run.output("RecurringPayment", "txHash"),
		Tenant:          tenant.Hex(),
		Company:         company.Hex(),
		PaymentAmount:   c.String("amount") + " ETH",
		Interval:        interval.String(),
		Deployer:        run.output("RecurringPayment", "deployer"),
		Verified:        run.output("RecurringPayment", "verified") == "true",
		Timestamp:       time.Now().UTC(),
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal deployment info: %w", err)
	}
	fmt.Printf("\nDeployment info:\n%s\n", data)

	ws, err := openWorkspace()
	if err != nil {
		return err
	}
	path := filepath.Join(ws.Dir(), fmt.Sprintf("deployment-%s.json", info.Network))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to save deployment info: %w", err)
	}
	fmt.Printf("Saved to %s\n", path)
	return nil
}

func deployRedPacket(c *cli.Context) error {
	sc, err := orchestrator.BuiltinScenario("redpacket")
	if err != nil {
		return err
	}
	run, err := runScenario(c, sc, map[string]string{"charge": c.String("charge")})
	if err != nil {
		return err
	}
	defer run.client.Close()

	usdt := run.output("MockUSDT", "address")
	redPacket := run.output("RedPacket", "address")
	router := run.output("PaymentRouter", "address")

	fmt.Printf("\nMockUSDT:      %s\n", usdt)
	fmt.Printf("RedPacket:     %s\n", redPacket)
	fmt.Printf("PaymentRouter: %s\n", router)
	fmt.Printf("RedPacket balance: %s USDT\n", run.output("RedPacketBalance", "result"))

	fmt.Println("\nVerify with:")
	fmt.Printf("  %s\n", verify.ManualCommand(run.network.Name, usdt, nil))
	fmt.Printf("  %s\n", verify.ManualCommand(run.network.Name, redPacket, []string{usdt}))
	fmt.Printf("  %s\n", verify.ManualCommand(run.network.Name, router, []string{usdt, redPacket}))
	return nil
}

func deployScenario(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("expected exactly one scenario file")
	}
	sc, err := orchestrator.LoadScenario(c.Args().First())
	if err != nil {
		return fmt.Errorf("failed to load scenario: %w", err)
	}

	vars := make(map[string]string)
	for _, kv := range c.StringSlice("var") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return fmt.Errorf("invalid --var %q, want name=value", kv)
		}
		vars[k] = v
	}

	run, err := runScenario(c, sc, vars)
	if err != nil {
		return err
	}
	defer run.client.Close()

	outputs := make(map[string]map[string]interface{}, len(run.results))
	for _, res := range run.results {
		outputs[res.TaskName] = res.Output
	}
	data, err := json.MarshalIndent(outputs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal outputs: %w", err)
	}
	fmt.Printf("\nOutputs:\n%s\n", data)
	return nil
}
