package cmd

import (
	"fmt"
	"slices"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/urfave/cli/v2"

	"github.com/parthshah1/recurpay/agreement"
)

var AccountsCmd = &cli.Command{
	Name:  "accounts",
	Usage: "Manage workspace accounts for different roles",
	Subcommands: []*cli.Command{
		{
			Name:  "create",
			Usage: "Create accounts with roles",
			Flags: []cli.Flag{
				&cli.StringSliceFlag{
					Name:     "role",
					Usage:    "Role names (can specify multiple)",
					Required: true,
				},
				&cli.StringFlag{
					Name:  "fund",
					Usage: "Amount of ether the deployer sends to each new account, empty to skip",
					Value: "10",
				},
			},
			Action: createAccounts,
		},
		{
			Name:   "list",
			Usage:  "List all accounts",
			Action: listAccounts,
		},
	},
}

func createAccounts(c *cli.Context) error {
	ws, err := openWorkspace()
	if err != nil {
		return err
	}

	created, err := ws.CreateAccounts(c.StringSlice("role")...)
	if err != nil {
		return fmt.Errorf("failed to create accounts: %w", err)
	}
	for _, role := range c.StringSlice("role") {
		if !slices.Contains(created, role) {
			fmt.Printf("Account '%s' already exists, skipping\n", role)
		}
	}
	if len(created) == 0 {
		return nil
	}

	fund := c.String("fund")
	if fund != "" {
		amount, err := agreement.ParseEther(fund)
		if err != nil {
			return fmt.Errorf("invalid fund amount: %w", err)
		}
		client, _, err := dial(c.Context, "")
		if err != nil {
			return err
		}
		defer client.Close()

		for _, role := range created {
			acct, err := ws.Account(role)
			if err != nil {
				return err
			}
			if _, err := client.Transfer(c.Context, common.HexToAddress(acct.Address), amount); err != nil {
				return fmt.Errorf("failed to fund %s: %w", role, err)
			}
		}
	}

	for _, role := range created {
		acct, err := ws.Account(role)
		if err != nil {
			return err
		}
		fmt.Printf("Created '%s': %s\n", role, acct.Address)
	}
	fmt.Printf("\nAccounts saved to %s\n", ws.Dir())
	return nil
}

func listAccounts(c *cli.Context) error {
	ws, err := openWorkspace()
	if err != nil {
		return err
	}
	accounts, err := ws.Accounts()
	if err != nil {
		return fmt.Errorf("failed to read accounts: %w", err)
	}

	roles := make([]string, 0, len(accounts))
	for role := range accounts {
		roles = append(roles, role)
	}
	sort.Strings(roles)

	for _, role := range roles {
		fmt.Printf("%s:\n", role)
		fmt.Printf("  Address: %s\n", accounts[role].Address)
		fmt.Printf("  PrivKey: %s\n\n", accounts[role].PrivateKey)
	}
	return nil
}
