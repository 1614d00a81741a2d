package cmd

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/parthshah1/recurpay/agreement"
	"github.com/parthshah1/recurpay/ledger"
)

var idFlag = &cli.StringFlag{
	Name:     "id",
	Usage:    "Agreement id",
	Required: true,
}

var callerFlag = &cli.StringFlag{
	Name:     "caller",
	Usage:    "Address issuing the command",
	Required: true,
}

var LocalCmd = &cli.Command{
	Name:  "local",
	Usage: "Manage agreements held in the local ledger",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "ledger",
			Usage:   "Ledger DSN: a sqlite path or a postgres:// URL (env: LEDGER_DSN)",
			EnvVars: []string{"LEDGER_DSN"},
		},
		&cli.TimestampFlag{
			Name:   "at",
			Usage:  "Evaluate commands at this RFC3339 time instead of now",
			Layout: time.RFC3339,
		},
	},
	Subcommands: []*cli.Command{
		{
			Name:  "create",
			Usage: "Create an inactive agreement",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "tenant", Usage: "Tenant (payer) address", Required: true},
				&cli.StringFlag{Name: "company", Usage: "Company (payee) address", Required: true},
				&cli.StringFlag{Name: "amount", Usage: "Payment amount in ether", Value: "1.0"},
				&cli.DurationFlag{Name: "interval", Usage: "Payment interval", Value: 300 * time.Second},
			},
			Action: localCreate,
		},
		{
			Name:   "list",
			Usage:  "List agreements",
			Action: localList,
		},
		{
			Name:   "info",
			Usage:  "Show an agreement",
			Flags:  []cli.Flag{idFlag},
			Action: localInfo,
		},
		{
			Name:  "deposit",
			Usage: "Deposit into an agreement (tenant only)",
			Flags: []cli.Flag{
				idFlag,
				callerFlag,
				&cli.StringFlag{Name: "amount", Usage: "Amount in ether, defaults to DEPOSIT_AMOUNT"},
			},
			Action: localDeposit,
		},
		{
			Name:   "activate",
			Usage:  "Activate an agreement (tenant only)",
			Flags:  []cli.Flag{idFlag, callerFlag},
			Action: localActivate,
		},
		{
			Name:   "deactivate",
			Usage:  "Deactivate an agreement (tenant only)",
			Flags:  []cli.Flag{idFlag, callerFlag},
			Action: localDeactivate,
		},
		{
			Name:  "withdraw",
			Usage: "Withdraw from an agreement (tenant only)",
			Flags: []cli.Flag{
				idFlag,
				callerFlag,
				&cli.StringFlag{Name: "amount", Usage: "Amount in ether, defaults to WITHDRAW_AMOUNT"},
			},
			Action: localWithdraw,
		},
		{
			Name:   "check-upkeep",
			Usage:  "Report whether a payment is due",
			Flags:  []cli.Flag{idFlag},
			Action: localCheckUpkeep,
		},
		{
			Name:   "perform-upkeep",
			Usage:  "Execute the payment if it is due",
			Flags:  []cli.Flag{idFlag},
			Action: localPerformUpkeep,
		},
		{
			Name:   "payments",
			Usage:  "List executed payments",
			Flags:  []cli.Flag{idFlag},
			Action: localPayments,
		},
	},
}

// ledgerDSN prefers the --ledger flag over LEDGER_DSN from the config.
func ledgerDSN(c *cli.Context) string {
	if dsn := c.String("ledger"); dsn != "" {
		return dsn
	}
	return cfg.LedgerDSN
}

// openLedger opens the store and a service whose clock honours --at.
func openLedger(c *cli.Context) (*ledger.Service, func(), error) {
	store, err := ledger.OpenGormStore(ledgerDSN(c))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	opts := []ledger.Option{ledger.WithLogger(logger)}
	if at := c.Timestamp("at"); at != nil {
		fixed := *at
		opts = append(opts, ledger.WithClock(func() time.Time { return fixed }))
	}
	return ledger.NewService(store, opts...), func() { _ = store.Close() }, nil
}

func agreementID(c *cli.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.String("id"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid agreement id: %w", err)
	}
	return id, nil
}

// localCommand opens the ledger and parses --id for fn.
func localCommand(fn func(c *cli.Context, svc *ledger.Service, id uuid.UUID) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		id, err := agreementID(c)
		if err != nil {
			return err
		}
		svc, closeFn, err := openLedger(c)
		if err != nil {
			return err
		}
		defer closeFn()
		return fn(c, svc, id)
	}
}

func localCreate(c *cli.Context) error {
	tenant, err := parseAddress(c.String("tenant"), "tenant")
	if err != nil {
		return err
	}
	company, err := parseAddress(c.String("company"), "company")
	if err != nil {
		return err
	}
	amount, err := agreement.ParseEther(c.String("amount"))
	if err != nil {
		return err
	}

	svc, closeFn, err := openLedger(c)
	if err != nil {
		return err
	}
	defer closeFn()

	a, err := svc.Create(c.Context, tenant, company, amount, c.Duration("interval"))
	if err != nil {
		return fmt.Errorf("failed to create agreement: %w", err)
	}
	fmt.Fprintf(c.App.Writer, "Created agreement %s\n", a.ID)
	return nil
}

func localList(c *cli.Context) error {
	svc, closeFn, err := openLedger(c)
	if err != nil {
		return err
	}
	defer closeFn()

	list, err := svc.List(c.Context)
	if err != nil {
		return fmt.Errorf("failed to list agreements: %w", err)
	}
	for _, a := range list {
		fmt.Fprintf(c.App.Writer, "%s  tenant=%s active=%t balance=%s paid=%d\n",
			a.ID, a.Tenant.Hex(), a.Active, agreement.FormatEther(a.Balance), a.PaymentCount)
	}
	return nil
}

var (
	localInfo = localCommand(func(c *cli.Context, svc *ledger.Service, id uuid.UUID) error {
		info, err := svc.Info(c.Context, id)
		if err != nil {
			return fmt.Errorf("failed to read agreement: %w", err)
		}
		printInfo(c.App.Writer, info)
		return nil
	})

	localDeposit = localCommand(func(c *cli.Context, svc *ledger.Service, id uuid.UUID) error {
		return localTenantCommand(c, "deposit", &cfg.DepositAmount, func(caller agreementCaller) (*agreement.Agreement, error) {
			return svc.Deposit(c.Context, id, caller.addr, caller.amount)
		})
	})

	localActivate = localCommand(func(c *cli.Context, svc *ledger.Service, id uuid.UUID) error {
		return localTenantCommand(c, "activate", nil, func(caller agreementCaller) (*agreement.Agreement, error) {
			return svc.Activate(c.Context, id, caller.addr)
		})
	})

	localDeactivate = localCommand(func(c *cli.Context, svc *ledger.Service, id uuid.UUID) error {
		return localTenantCommand(c, "deactivate", nil, func(caller agreementCaller) (*agreement.Agreement, error) {
			return svc.Deactivate(c.Context, id, caller.addr)
		})
	})

	localWithdraw = localCommand(func(c *cli.Context, svc *ledger.Service, id uuid.UUID) error {
		return localTenantCommand(c, "withdraw", &cfg.WithdrawAmount, func(caller agreementCaller) (*agreement.Agreement, error) {
			return svc.Withdraw(c.Context, id, caller.addr, caller.amount)
		})
	})

	localCheckUpkeep = localCommand(func(c *cli.Context, svc *ledger.Service, id uuid.UUID) error {
		e, err := svc.CheckUpkeep(c.Context, id)
		if err != nil {
			return fmt.Errorf("failed to check upkeep: %w", err)
		}
		printEligibility(c.App.Writer, e)
		return nil
	})

	localPerformUpkeep = localCommand(func(c *cli.Context, svc *ledger.Service, id uuid.UUID) error {
		p, err := svc.PerformUpkeep(c.Context, id)
		if err != nil {
			return fmt.Errorf("failed to perform upkeep: %w", err)
		}
		printPayment(c.App.Writer, p)
		return nil
	})

	localPayments = localCommand(func(c *cli.Context, svc *ledger.Service, id uuid.UUID) error {
		payments, err := svc.Payments(c.Context, id)
		if err != nil {
			return fmt.Errorf("failed to list payments: %w", err)
		}
		for _, p := range payments {
			printPayment(c.App.Writer, p)
		}
		return nil
	})
)

type agreementCaller struct {
	addr   common.Address
	amount *big.Int
}

// localTenantCommand parses --caller and, for commands moving funds, the
// amount, then prints the resulting state. amountDefault is nil for
// commands without an amount.
func localTenantCommand(c *cli.Context, action string, amountDefault *string, fn func(agreementCaller) (*agreement.Agreement, error)) error {
	caller, err := parseAddress(c.String("caller"), "caller")
	if err != nil {
		return err
	}
	args := agreementCaller{addr: caller}
	if amountDefault != nil {
		s, err := amountOrDefault(c, *amountDefault, action)
		if err != nil {
			return err
		}
		if args.amount, err = agreement.ParseEther(s); err != nil {
			return err
		}
	}

	a, err := fn(args)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", action, err)
	}
	printInfo(c.App.Writer, a.Info())
	return nil
}
