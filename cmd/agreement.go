package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/go-faster/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/parthshah1/recurpay/agreement"
	"github.com/parthshah1/recurpay/chain"
	"github.com/parthshah1/recurpay/workspace"
)

var AgreementCmd = &cli.Command{
	Name:  "agreement",
	Usage: "Interact with a deployed RecurringPayment contract",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "addr",
			Usage:   "Contract address, defaults to the latest RecurringPayment deployment in the workspace (env: CONTRACT_ADDRESS)",
			EnvVars: []string{"CONTRACT_ADDRESS"},
		},
	},
	Subcommands: []*cli.Command{
		{
			Name:   "info",
			Usage:  "Show the agreement state",
			Action: agreementInfo,
		},
		{
			Name:  "deposit",
			Usage: "Deposit ether into the agreement (tenant only)",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "amount",
					Usage: "Amount in ether, defaults to DEPOSIT_AMOUNT",
				},
			},
			Action: agreementDeposit,
		},
		{
			Name:   "activate",
			Usage:  "Start automatic payments (tenant only)",
			Action: agreementActivate,
		},
		{
			Name:   "deactivate",
			Usage:  "Stop automatic payments (tenant only)",
			Action: agreementDeactivate,
		},
		{
			Name:  "withdraw",
			Usage: "Withdraw ether from the agreement balance (tenant only)",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "amount",
					Usage: "Amount in ether, defaults to WITHDRAW_AMOUNT",
				},
			},
			Action: agreementWithdraw,
		},
		{
			Name:   "check-upkeep",
			Usage:  "Report whether a payment is due",
			Action: agreementCheckUpkeep,
		},
		{
			Name:   "perform-upkeep",
			Usage:  "Execute the payment if it is due",
			Action: agreementPerformUpkeep,
		},
	},
}

func contractAddress(c *cli.Context) (common.Address, error) {
	if s := c.String("addr"); s != "" {
		return parseAddress(s, "contract")
	}
	ws, err := openWorkspace()
	if err != nil {
		return common.Address{}, err
	}
	d, err := ws.Deployment("RecurringPayment")
	if err != nil {
		if errors.Is(err, workspace.ErrNotFound) {
			return common.Address{}, fmt.Errorf("no contract address: pass --addr or deploy first")
		}
		return common.Address{}, err
	}
	return common.HexToAddress(d.Address), nil
}

// commandContext bounds a one-shot chain command by CONTRACT_TIMEOUT.
func commandContext(c *cli.Context) (context.Context, context.CancelFunc) {
	if cfg.Timeout <= 0 {
		return context.WithCancel(c.Context)
	}
	return context.WithTimeout(c.Context, cfg.Timeout)
}

// openAgreement connects with the deployer key for reads and upkeep.
func openAgreement(ctx context.Context, c *cli.Context) (*chain.RecurringPayment, *chain.Client, error) {
	addr, err := contractAddress(c)
	if err != nil {
		return nil, nil, err
	}
	client, _, err := dial(ctx, "")
	if err != nil {
		return nil, nil, err
	}
	return chain.NewRecurringPayment(client, addr), client, nil
}

// tenantAgreement returns the contract bound to the tenant's key, looked up
// in the network keys and then the workspace accounts. When no key matches
// it warns and keeps the default signer, and the command fails as
// unauthorized.
func tenantAgreement(ctx context.Context, c *cli.Context) (*chain.RecurringPayment, *chain.Client, error) {
	rp, client, err := openAgreement(ctx, c)
	if err != nil {
		return nil, nil, err
	}
	tenant, err := rp.Tenant(ctx)
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to read tenant: %w", err)
	}

	network, err := cfg.ResolveNetwork()
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	for _, k := range network.Keys {
		key, err := chain.ParsePrivateKey(k)
		if err != nil {
			logger.Warn("skipping unparsable network key", zap.String("network", network.Name), zap.Error(err))
			continue
		}
		if signer := client.WithKey(key); isSigner(signer, tenant) {
			return chain.NewRecurringPayment(signer, rp.Address()), client, nil
		}
	}

	if ws, err := openWorkspace(); err == nil {
		if role, acct, err := ws.FindAccount(tenant); err == nil {
			key, err := acct.Key()
			if err != nil {
				client.Close()
				return nil, nil, fmt.Errorf("failed to parse %s key: %w", role, err)
			}
			logger.Debug("signing as workspace account", zap.String("role", role))
			return chain.NewRecurringPayment(client.WithKey(key), rp.Address()), client, nil
		}
	}

	from, _ := client.From()
	logger.Warn("no configured key matches the tenant",
		zap.String("tenant", tenant.Hex()),
		zap.String("signer", from.Hex()))
	return rp, client, nil
}

func isSigner(c *chain.Client, addr common.Address) bool {
	from, ok := c.From()
	return ok && from == addr
}

func printInfo(w io.Writer, info agreement.Info) {
	fmt.Fprintf(w, "Tenant:            %s\n", info.Tenant.Hex())
	fmt.Fprintf(w, "Company:           %s\n", info.Company.Hex())
	fmt.Fprintf(w, "Payment amount:    %s ETH\n", agreement.FormatEther(info.PaymentAmount))
	fmt.Fprintf(w, "Interval:          %s\n", info.Interval)
	fmt.Fprintf(w, "Last payment:      %s\n", info.LastPaymentTime.Format(time.RFC3339))
	if info.NextPaymentTime.IsZero() {
		fmt.Fprintf(w, "Next payment:      unscheduled\n")
	} else {
		fmt.Fprintf(w, "Next payment:      %s\n", info.NextPaymentTime.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "Active:            %t\n", info.Active)
	fmt.Fprintf(w, "Balance:           %s ETH\n", agreement.FormatEther(info.Balance))
	fmt.Fprintf(w, "Total paid:        %s ETH\n", agreement.FormatEther(info.TotalPaid))
	fmt.Fprintf(w, "Payment count:     %d\n", info.PaymentCount)
}

func printEligibility(w io.Writer, e agreement.Eligibility) {
	if e.Eligible {
		fmt.Fprintln(w, "Upkeep needed: true")
		return
	}
	fmt.Fprintf(w, "Upkeep needed: false (%s)\n", e.Reason)
}

func printPayment(w io.Writer, p *agreement.Payment) {
	fmt.Fprintf(w, "Payment #%d of %s ETH executed at %s", p.Sequence, agreement.FormatEther(p.Amount), p.PaidAt.Format(time.RFC3339))
	if p.TxHash != "" {
		fmt.Fprintf(w, " (tx %s)", p.TxHash)
	}
	fmt.Fprintln(w)
}

func amountOrDefault(c *cli.Context, fallback, what string) (string, error) {
	s := c.String("amount")
	if s == "" {
		s = fallback
	}
	if s == "" {
		return "", fmt.Errorf("no %s amount: pass --amount", what)
	}
	return s, nil
}

func agreementInfo(c *cli.Context) error {
	ctx, cancel := commandContext(c)
	defer cancel()

	rp, client, err := openAgreement(ctx, c)
	if err != nil {
		return err
	}
	defer client.Close()

	info, err := rp.Info(ctx)
	if err != nil {
		return fmt.Errorf("failed to read agreement: %w", err)
	}
	fmt.Fprintf(c.App.Writer, "Contract:          %s\n", rp.Address().Hex())
	printInfo(c.App.Writer, info)
	return nil
}

// tenantTx runs a tenant-only transaction and prints the updated state.
func tenantTx(c *cli.Context, action string, send func(ctx context.Context, rp *chain.RecurringPayment) (*types.Receipt, error)) error {
	ctx, cancel := commandContext(c)
	defer cancel()

	rp, client, err := tenantAgreement(ctx, c)
	if err != nil {
		return err
	}
	defer client.Close()

	receipt, err := send(ctx, rp)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", action, err)
	}
	fmt.Fprintf(c.App.Writer, "%s confirmed in block %d (tx %s)\n", action, receipt.BlockNumber.Uint64(), receipt.TxHash.Hex())

	info, err := rp.Info(ctx)
	if err != nil {
		return fmt.Errorf("failed to read agreement: %w", err)
	}
	printInfo(c.App.Writer, info)
	return nil
}

func agreementDeposit(c *cli.Context) error {
	s, err := amountOrDefault(c, cfg.DepositAmount, "deposit")
	if err != nil {
		return err
	}
	amount, err := agreement.ParseEther(s)
	if err != nil {
		return err
	}
	return tenantTx(c, "deposit", func(ctx context.Context, rp *chain.RecurringPayment) (*types.Receipt, error) {
		return rp.Deposit(ctx, amount)
	})
}

func agreementActivate(c *cli.Context) error {
	return tenantTx(c, "activate", func(ctx context.Context, rp *chain.RecurringPayment) (*types.Receipt, error) {
		return rp.Activate(ctx)
	})
}

func agreementDeactivate(c *cli.Context) error {
	return tenantTx(c, "deactivate", func(ctx context.Context, rp *chain.RecurringPayment) (*types.Receipt, error) {
		return rp.Deactivate(ctx)
	})
}

func agreementWithdraw(c *cli.Context) error {
	s, err := amountOrDefault(c, cfg.WithdrawAmount, "withdraw")
	if err != nil {
		return err
	}
	amount, err := agreement.ParseEther(s)
	if err != nil {
		return err
	}
	return tenantTx(c, "withdraw", func(ctx context.Context, rp *chain.RecurringPayment) (*types.Receipt, error) {
		return rp.Withdraw(ctx, amount)
	})
}

func agreementCheckUpkeep(c *cli.Context) error {
	ctx, cancel := commandContext(c)
	defer cancel()

	rp, client, err := openAgreement(ctx, c)
	if err != nil {
		return err
	}
	defer client.Close()

	e, err := rp.CheckUpkeep(ctx)
	if err != nil {
		return fmt.Errorf("failed to check upkeep: %w", err)
	}
	printEligibility(c.App.Writer, e)
	return nil
}

func agreementPerformUpkeep(c *cli.Context) error {
	ctx, cancel := commandContext(c)
	defer cancel()

	rp, client, err := openAgreement(ctx, c)
	if err != nil {
		return err
	}
	defer client.Close()

	p, err := rp.PerformUpkeep(ctx)
	if err != nil {
		return fmt.Errorf("failed to perform upkeep: %w", err)
	}
	printPayment(c.App.Writer, p)
	return nil
}
