package cmd

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-faster/errors"
	"github.com/urfave/cli/v2"

	"github.com/parthshah1/recurpay/agreement"
	"github.com/parthshah1/recurpay/chain"
	"github.com/parthshah1/recurpay/fundme"
	"github.com/parthshah1/recurpay/workspace"
)

var FundMeCmd = &cli.Command{
	Name:  "fundme",
	Usage: "Interact with a deployed FundMe pool",
	Subcommands: []*cli.Command{
		{
			Name:  "interact",
			Usage: "Fund the pool from two accounts and check the recorded balances",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "addr",
					Usage: "FundMe address, defaults to the latest FundMe deployment in the workspace",
				},
				&cli.StringFlag{
					Name:  "amount",
					Usage: "Ether each account contributes",
					Value: "0.5",
				},
			},
			Action: fundMeInteract,
		},
	},
}

func fundMeAddress(c *cli.Context) (common.Address, error) {
	if s := c.String("addr"); s != "" {
		return parseAddress(s, "FundMe")
	}
	ws, err := openWorkspace()
	if err != nil {
		return common.Address{}, err
	}
	d, err := ws.Deployment("FundMe")
	if err != nil {
		if errors.Is(err, workspace.ErrNotFound) {
			return common.Address{}, fmt.Errorf("no FundMe address: pass --addr or deploy first")
		}
		return common.Address{}, err
	}
	return common.HexToAddress(d.Address), nil
}

// fundingKeys returns two signing keys: the network keys first, then
// workspace accounts in role order.
func fundingKeys(keys []string) ([]*ecdsa.PrivateKey, error) {
	var out []*ecdsa.PrivateKey
	for _, k := range keys {
		key, err := chain.ParsePrivateKey(k)
		if err != nil {
			return nil, err
		}
		out = append(out, key)
		if len(out) == 2 {
			return out, nil
		}
	}

	ws, err := openWorkspace()
	if err != nil {
		return nil, err
	}
	accounts, err := ws.Accounts()
	if err != nil {
		return nil, err
	}
	roles := make([]string, 0, len(accounts))
	for role := range accounts {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	for _, role := range roles {
		key, err := accounts[role].Key()
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s key: %w", role, err)
		}
		out = append(out, key)
		if len(out) == 2 {
			return out, nil
		}
	}
	return nil, fmt.Errorf("need two funded accounts, found %d: run 'accounts create --role funder'", len(out))
}

func fundMeInteract(c *cli.Context) error {
	ctx, cancel := commandContext(c)
	defer cancel()

	addr, err := fundMeAddress(c)
	if err != nil {
		return err
	}
	amount, err := agreement.ParseEther(c.String("amount"))
	if err != nil {
		return err
	}

	client, network, err := dial(ctx, "")
	if err != nil {
		return err
	}
	defer client.Close()

	keys, err := fundingKeys(network.Keys)
	if err != nil {
		return err
	}

	fm := chain.NewFundMe(client, addr)
	owner, err := fm.Owner(ctx)
	if err != nil {
		return fmt.Errorf("failed to read owner: %w", err)
	}
	fmt.Printf("FundMe %s (owner %s)\n", addr.Hex(), owner.Hex())

	signers := make([]*chain.Client, len(keys))
	for i, key := range keys {
		signers[i] = client.WithKey(key)
	}

	before, totalBefore, err := readPool(ctx, fm, signers)
	if err != nil {
		return err
	}

	pool := fundme.NewPool()
	for _, signer := range signers {
		from, _ := signer.From()
		receipt, err := chain.NewFundMe(signer, addr).Fund(ctx, amount)
		if err != nil {
			return fmt.Errorf("failed to fund from %s: %w", from.Hex(), err)
		}
		if err := pool.Fund(from, amount); err != nil {
			return err
		}
		fmt.Printf("Funded %s ETH from %s (tx %s)\n", agreement.FormatEther(amount), from.Hex(), receipt.TxHash.Hex())
	}

	after, totalAfter, err := readPool(ctx, fm, signers)
	if err != nil {
		return err
	}

	observed := make(map[common.Address]*big.Int, len(after))
	for a, bal := range after {
		observed[a] = new(big.Int).Sub(bal, before[a])
		fmt.Printf("acctBals(%s) = %s ETH\n", a.Hex(), agreement.FormatEther(bal))
	}
	fmt.Printf("Pool balance: %s ETH\n", agreement.FormatEther(totalAfter))

	mismatches := pool.Reconcile(observed, new(big.Int).Sub(totalAfter, totalBefore))
	for _, m := range mismatches {
		if m.Account == (common.Address{}) {
			fmt.Printf("pool total: expected +%s ETH, observed +%s ETH\n", agreement.FormatEther(m.Expected), agreement.FormatEther(m.Observed))
			continue
		}
		fmt.Printf("%s: expected +%s ETH, observed +%s ETH\n", m.Account.Hex(), agreement.FormatEther(m.Expected), agreement.FormatEther(m.Observed))
	}
	if len(mismatches) > 0 {
		return fmt.Errorf("%d balance mismatch(es) after funding", len(mismatches))
	}
	fmt.Println("Recorded balances match the contributions")
	return nil
}

func readPool(ctx context.Context, fm *chain.FundMe, signers []*chain.Client) (map[common.Address]*big.Int, *big.Int, error) {
	balances := make(map[common.Address]*big.Int, len(signers))
	for _, s := range signers {
		from, _ := s.From()
		bal, err := fm.AccountBalance(ctx, from)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read balance of %s: %w", from.Hex(), err)
		}
		balances[from] = bal
	}
	total, err := fm.ContractBalance(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read pool balance: %w", err)
	}
	return balances, total, nil
}
