package orchestrator

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/parthshah1/recurpay/agreement"
	"github.com/parthshah1/recurpay/chain"
	"github.com/parthshah1/recurpay/verify"
	"github.com/parthshah1/recurpay/workspace"
)

// Env is what the chain task handlers share.
type Env struct {
	Client        *chain.Client
	ArtifactsDir  string
	Workspace     *workspace.Workspace
	Network       string
	Confirmations uint64
	// CompilerVersion is sent when a build-info file has no solcLongVersion.
	CompilerVersion string
	// Verifier is nil or local for networks without an explorer.
	Verifier *verify.Auto
	Log      *zap.Logger
}

// RegisterChainHandlers installs deploy, call, transfer and verify.
func RegisterChainHandlers(o *Orchestrator, env *Env) {
	if env.Log == nil {
		env.Log = zap.NewNop()
	}
	o.Register("deploy", TaskHandlerFunc(env.deploy))
	o.Register("call", TaskHandlerFunc(env.call))
	o.Register("transfer", TaskHandlerFunc(env.transfer))
	o.Register("verify", TaskHandlerFunc(env.verifyTask))
}

func parseValue(s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	return chain.ParseInteger(s)
}

// deploy params: contract, name (defaults to contract), args, value, verify.
func (e *Env) deploy(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	contract, err := stringParam(params, "contract")
	if err != nil {
		return nil, err
	}
	name := optionalString(params, "name", contract)
	args, err := stringsParam(params, "args")
	if err != nil {
		return nil, err
	}
	value, err := parseValue(optionalString(params, "value", ""))
	if err != nil {
		return nil, errors.Wrap(err, "value")
	}
	doVerify, err := boolParam(params, "verify", true)
	if err != nil {
		return nil, err
	}

	art, err := chain.FindArtifact(e.ArtifactsDir, contract)
	if err != nil {
		return nil, err
	}
	d, converted, err := e.Client.DeployStrings(ctx, art, value, args)
	if err != nil {
		return nil, err
	}
	if err := e.Client.WaitConfirmations(ctx, d.Receipt, e.Confirmations); err != nil {
		return nil, err
	}

	record := workspace.Deployment{
		Name:            name,
		Contract:        contract,
		Address:         d.Address.Hex(),
		TxHash:          d.TxHash.Hex(),
		Deployer:        d.Deployer.Hex(),
		BlockNumber:     d.BlockNumber,
		ConstructorArgs: args,
		Network:         e.Network,
		ChainID:         e.Client.ChainID().String(),
		DeployedAt:      time.Now().UTC(),
	}

	if doVerify && e.Verifier != nil {
		encoded, err := art.ABI.Pack("", converted...)
		if err != nil {
			return nil, errors.Wrap(err, "encode constructor arguments")
		}
		record.Verified = e.verifyArtifact(ctx, art, d.Address, encoded, args).Verified
	}

	if e.Workspace != nil {
		if err := e.Workspace.SaveDeployment(record); err != nil {
			return nil, err
		}
	}

	return map[string]interface{}{
		"address":     record.Address,
		"txHash":      record.TxHash,
		"deployer":    record.Deployer,
		"blockNumber": record.BlockNumber,
		"contract":    contract,
		"verified":    record.Verified,
	}, nil
}

func (e *Env) verifyArtifact(ctx context.Context, art *chain.Artifact, address common.Address, encodedArgs []byte, args []string) verify.Result {
	info, err := verify.FindBuildInfo(e.ArtifactsDir, art.SourceName)
	if err != nil {
		manual := verify.ManualCommand(e.Network, address.Hex(), args)
		if !e.Verifier.Local {
			e.Log.Warn("cannot verify without build info, run manually",
				zap.Error(err),
				zap.String("command", manual))
		}
		return verify.Result{Err: err, ManualCommand: manual, Skipped: e.Verifier.Local}
	}
	version := info.CompilerVersion()
	if version == "" {
		version = e.CompilerVersion
	}
	return e.Verifier.Run(ctx, verify.Request{
		Address:         address.Hex(),
		ContractName:    art.SourceName + ":" + art.ContractName,
		SourceCode:      string(info.Input),
		CompilerVersion: version,
		ConstructorArgs: hexutil.Encode(encodedArgs),
	}, args)
}

// call params: address and either contract+method (ABI from the artifact)
// or signature ("setRouter(address)"); args; value; view.
func (e *Env) call(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	addrStr, err := stringParam(params, "address")
	if err != nil {
		return nil, err
	}
	if !common.IsHexAddress(addrStr) {
		return nil, errors.Errorf("invalid address %q", addrStr)
	}
	address := common.HexToAddress(addrStr)
	args, err := stringsParam(params, "args")
	if err != nil {
		return nil, err
	}
	value, err := parseValue(optionalString(params, "value", ""))
	if err != nil {
		return nil, errors.Wrap(err, "value")
	}

	if sig := optionalString(params, "signature", ""); sig != "" {
		return e.rawCall(ctx, params, address, sig, args, value)
	}

	contract, err := stringParam(params, "contract")
	if err != nil {
		return nil, errors.Wrap(err, "call needs a contract or a signature")
	}
	method, err := stringParam(params, "method")
	if err != nil {
		return nil, err
	}
	art, err := chain.FindArtifact(e.ArtifactsDir, contract)
	if err != nil {
		return nil, err
	}
	c := chain.NewContract(e.Client, address, art.ABI)

	if c.IsView(method) {
		out, err := c.CallStrings(ctx, method, args)
		if err != nil {
			return nil, err
		}
		return callOutputs(out, optionalString(params, "format", "")), nil
	}

	receipt, err := c.TransactStrings(ctx, value, method, args)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"txHash":      receipt.TxHash.Hex(),
		"blockNumber": receipt.BlockNumber.Uint64(),
	}, nil
}

func (e *Env) rawCall(ctx context.Context, params map[string]interface{}, address common.Address, sig string, args []string, value *big.Int) (map[string]interface{}, error) {
	data, err := chain.EncodeCall(sig, args)
	if err != nil {
		return nil, err
	}
	view, err := boolParam(params, "view", false)
	if err != nil {
		return nil, err
	}
	if view {
		out, err := e.Client.RawCall(ctx, address, data)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"result": hexutil.Encode(out)}, nil
	}
	receipt, err := e.Client.RawTransact(ctx, address, value, data)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"txHash":      receipt.TxHash.Hex(),
		"blockNumber": receipt.BlockNumber.Uint64(),
	}, nil
}

// callOutputs exposes the first return value as "result" and every value as
// "result0", "result1", ... Integers are printed in ether when format is
// "ether".
func callOutputs(out []interface{}, format string) map[string]interface{} {
	outputs := make(map[string]interface{}, len(out)+1)
	for i, v := range out {
		s := formatOutput(v, format)
		outputs[fmt.Sprintf("result%d", i)] = s
		if i == 0 {
			outputs["result"] = s
		}
	}
	return outputs
}

func formatOutput(v interface{}, format string) string {
	switch t := v.(type) {
	case *big.Int:
		if format == "ether" {
			return agreement.FormatEther(t)
		}
		return t.String()
	case common.Address:
		return t.Hex()
	case []byte:
		return hexutil.Encode(t)
	default:
		return fmt.Sprint(v)
	}
}

// transfer params: to, amount ("1.5 ether" or wei).
func (e *Env) transfer(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	to, err := stringParam(params, "to")
	if err != nil {
		return nil, err
	}
	if !common.IsHexAddress(to) {
		return nil, errors.Errorf("invalid address %q", to)
	}
	amountStr, err := stringParam(params, "amount")
	if err != nil {
		return nil, err
	}
	amount, err := chain.ParseInteger(amountStr)
	if err != nil {
		return nil, err
	}
	if amount.Sign() <= 0 {
		return nil, errors.Wrap(agreement.ErrInvalidAmount, "transfer amount must be positive")
	}
	receipt, err := e.Client.Transfer(ctx, common.HexToAddress(to), amount)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"txHash":      receipt.TxHash.Hex(),
		"blockNumber": receipt.BlockNumber.Uint64(),
	}, nil
}

// verify params: address, contract, args. Failures are reported in the
// output, never as an error.
func (e *Env) verifyTask(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	addrStr, err := stringParam(params, "address")
	if err != nil {
		return nil, err
	}
	contract, err := stringParam(params, "contract")
	if err != nil {
		return nil, err
	}
	args, err := stringsParam(params, "args")
	if err != nil {
		return nil, err
	}
	if e.Verifier == nil {
		return map[string]interface{}{"verified": false, "skipped": true}, nil
	}

	art, err := chain.FindArtifact(e.ArtifactsDir, contract)
	if err != nil {
		return nil, err
	}
	converted, err := chain.ConvertArgs(art.ABI.Constructor.Inputs, args)
	if err != nil {
		return nil, err
	}
	encoded, err := art.ABI.Pack("", converted...)
	if err != nil {
		return nil, errors.Wrap(err, "encode constructor arguments")
	}

	res := e.verifyArtifact(ctx, art, common.HexToAddress(addrStr), encoded, args)
	out := map[string]interface{}{
		"verified":      res.Verified,
		"skipped":       res.Skipped,
		"manualCommand": res.ManualCommand,
	}
	if res.Err != nil && !res.Skipped {
		out["error"] = strings.TrimSpace(res.Err.Error())
	}
	return out, nil
}
