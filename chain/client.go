package chain

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/parthshah1/recurpay/agreement"
)

var (
	// ErrNoSigner is returned by state-changing calls on a read-only client.
	ErrNoSigner = errors.New("no signing key configured")

	// ErrReverted is returned when a transaction was mined with a failed
	// status or rejected during gas estimation.
	ErrReverted = errors.New("transaction reverted")
)

// Backend is the subset of ethclient.Client the contract clients use.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	ChainID(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Client is a JSON-RPC connection plus an optional signing key.
type Client struct {
	backend Backend
	chainID *big.Int
	key     *ecdsa.PrivateKey
	log     *zap.Logger
	closer  func()

	pollInterval time.Duration
}

// Dial connects to rpcURL. privateKey may be empty for a read-only client.
func Dial(ctx context.Context, rpcURL, privateKey string, log *zap.Logger) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, agreement.Transport("dial "+rpcURL, err)
	}

	chainID, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, agreement.Transport("eth_chainId", err)
	}

	var key *ecdsa.PrivateKey
	if privateKey != "" {
		key, err = ParsePrivateKey(privateKey)
		if err != nil {
			eth.Close()
			return nil, err
		}
	}

	c := NewClient(eth, chainID, key, log)
	c.closer = eth.Close
	return c, nil
}

// NewClient wraps an existing backend.
func NewClient(backend Backend, chainID *big.Int, key *ecdsa.PrivateKey, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		backend:      backend,
		chainID:      chainID,
		key:          key,
		log:          log,
		pollInterval: 2 * time.Second,
	}
}

// ParsePrivateKey accepts a hex key with or without 0x prefix.
func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "invalid private key")
	}
	return key, nil
}

func (c *Client) Backend() Backend    { return c.backend }
func (c *Client) ChainID() *big.Int   { return new(big.Int).Set(c.chainID) }
func (c *Client) Logger() *zap.Logger { return c.log }

// WithKey returns a client sharing the connection but signing with key.
func (c *Client) WithKey(key *ecdsa.PrivateKey) *Client {
	cp := *c
	cp.key = key
	cp.closer = nil
	return &cp
}

// From returns the signer address.
func (c *Client) From() (common.Address, bool) {
	if c.key == nil {
		return common.Address{}, false
	}
	return crypto.PubkeyToAddress(c.key.PublicKey), true
}

// Transactor builds signing options for a transaction carrying value wei.
func (c *Client) Transactor(ctx context.Context, value *big.Int) (*bind.TransactOpts, error) {
	if c.key == nil {
		return nil, ErrNoSigner
	}
	opts, err := bind.NewKeyedTransactorWithChainID(c.key, c.chainID)
	if err != nil {
		return nil, errors.Wrap(err, "create transactor")
	}
	opts.Context = ctx
	if value != nil {
		opts.Value = new(big.Int).Set(value)
	}
	return opts, nil
}

// WaitMined blocks until tx is included and fails with ErrReverted when its
// receipt status is not successful.
func (c *Client) WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	receipt, err := bind.WaitMined(ctx, c.backend, tx)
	if err != nil {
		return nil, agreement.Transport("wait for "+tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, errors.Wrapf(ErrReverted, "tx %s", tx.Hash().Hex())
	}
	c.log.Debug("transaction mined",
		zap.String("tx", tx.Hash().Hex()),
		zap.Uint64("block", receipt.BlockNumber.Uint64()),
		zap.Uint64("gasUsed", receipt.GasUsed))
	return receipt, nil
}

// WaitConfirmations polls until the receipt's block has n confirmations,
// counting the inclusion block as the first.
func (c *Client) WaitConfirmations(ctx context.Context, receipt *types.Receipt, n uint64) error {
	if n <= 1 || receipt == nil || receipt.BlockNumber == nil {
		return nil
	}
	target := receipt.BlockNumber.Uint64() + n - 1

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		head, err := c.backend.BlockNumber(ctx)
		if err != nil {
			return agreement.Transport("eth_blockNumber", err)
		}
		if head >= target {
			return nil
		}
		c.log.Debug("waiting for confirmations",
			zap.Uint64("head", head),
			zap.Uint64("target", target))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Transfer sends wei to the given address and waits for inclusion.
func (c *Client) Transfer(ctx context.Context, to common.Address, wei *big.Int) (*types.Receipt, error) {
	from, ok := c.From()
	if !ok {
		return nil, ErrNoSigner
	}

	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, agreement.Transport("eth_getTransactionCount", err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, agreement.Transport("eth_gasPrice", err)
	}

	tx := types.NewTransaction(nonce, to, wei, 21000, gasPrice, nil)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return nil, errors.Wrap(err, "sign transfer")
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return nil, agreement.Transport("eth_sendRawTransaction", err)
	}

	c.log.Info("transfer sent",
		zap.String("to", to.Hex()),
		zap.String("amount", agreement.FormatEther(wei)),
		zap.String("tx", signed.Hash().Hex()))
	return c.WaitMined(ctx, signed)
}

func (c *Client) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	balance, err := c.backend.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, agreement.Transport("eth_getBalance", err)
	}
	return balance, nil
}

// HeaderTime returns the timestamp of the latest block.
func (c *Client) HeaderTime(ctx context.Context) (time.Time, error) {
	header, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return time.Time{}, agreement.Transport("eth_getBlockByNumber", err)
	}
	return time.Unix(int64(header.Time), 0).UTC(), nil
}

// Close releases the RPC connection if this client owns it.
func (c *Client) Close() {
	if c.closer != nil {
		c.closer()
	}
}

// isRevert reports whether an RPC error came from EVM execution rather
// than the transport.
func isRevert(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrReverted) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "revert")
}

// classify wraps an RPC error from a contract call or transaction as either
// a revert or a transport failure.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if isRevert(err) {
		return errors.Wrapf(ErrReverted, "%s: %v", op, err)
	}
	return agreement.Transport(op, err)
}
