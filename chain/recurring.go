package chain

import (
	"context"
	_ "embed"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parthshah1/recurpay/agreement"
)

//go:embed abi/RecurringPayment.json
var recurringPaymentJSON string

// RecurringPaymentABI is the interface of the RecurringPayment contract.
var RecurringPaymentABI = mustParseABI(recurringPaymentJSON)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return parsed
}

// RecurringPayment is a client of one deployed RecurringPayment contract.
// It implements the polling driver's target interface.
type RecurringPayment struct {
	*Contract
	log *zap.Logger
}

func NewRecurringPayment(client *Client, address common.Address) *RecurringPayment {
	return &RecurringPayment{
		Contract: NewContract(client, address, RecurringPaymentABI),
		log:      client.log.With(zap.String("contract", address.Hex())),
	}
}

// AgreementID derives a stable identifier for the contract's agreement from
// its address.
func AgreementID(address common.Address) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, address.Bytes())
}

func (r *RecurringPayment) Name() string {
	return "chain:" + r.address.Hex()
}

// Info reads getContractInfo and getNextPaymentTime.
func (r *RecurringPayment) Info(ctx context.Context) (agreement.Info, error) {
	out, err := r.Call(ctx, "getContractInfo")
	if err != nil {
		return agreement.Info{}, err
	}
	info, err := decodeContractInfo(out)
	if err != nil {
		return agreement.Info{}, err
	}

	next, err := r.Call(ctx, "getNextPaymentTime")
	if err != nil {
		return agreement.Info{}, err
	}
	if len(next) == 1 {
		if ts, ok := next[0].(*big.Int); ok && ts.Sign() > 0 {
			info.NextPaymentTime = time.Unix(ts.Int64(), 0).UTC()
		}
	}
	return info, nil
}

func decodeContractInfo(out []interface{}) (agreement.Info, error) {
	if len(out) != 9 {
		return agreement.Info{}, errors.Errorf("getContractInfo returned %d values, want 9", len(out))
	}

	tenant, ok1 := out[0].(common.Address)
	company, ok2 := out[1].(common.Address)
	amount, ok3 := out[2].(*big.Int)
	interval, ok4 := out[3].(*big.Int)
	last, ok5 := out[4].(*big.Int)
	active, ok6 := out[5].(bool)
	balance, ok7 := out[6].(*big.Int)
	totalPaid, ok8 := out[7].(*big.Int)
	count, ok9 := out[8].(*big.Int)
	if !(ok1 && ok2 && ok3 && ok4 && ok5 && ok6 && ok7 && ok8 && ok9) {
		return agreement.Info{}, errors.New("unexpected getContractInfo output types")
	}

	return agreement.Info{
		Tenant:          tenant,
		Company:         company,
		PaymentAmount:   amount,
		Interval:        time.Duration(interval.Int64()) * time.Second,
		LastPaymentTime: time.Unix(last.Int64(), 0).UTC(),
		Active:          active,
		Balance:         balance,
		TotalPaid:       totalPaid,
		PaymentCount:    count.Uint64(),
	}, nil
}

// Snapshot returns the on-chain state as an agreement value so the local
// evaluator can explain it.
func (r *RecurringPayment) Snapshot(ctx context.Context) (*agreement.Agreement, error) {
	info, err := r.Info(ctx)
	if err != nil {
		return nil, err
	}
	return &agreement.Agreement{
		ID:              AgreementID(r.address),
		Tenant:          info.Tenant,
		Company:         info.Company,
		PaymentAmount:   info.PaymentAmount,
		Interval:        info.Interval,
		LastPaymentTime: info.LastPaymentTime,
		Active:          info.Active,
		Balance:         info.Balance,
		TotalPaid:       info.TotalPaid,
		PaymentCount:    info.PaymentCount,
	}, nil
}

func (r *RecurringPayment) Tenant(ctx context.Context) (common.Address, error) {
	out, err := r.Call(ctx, "tenant")
	if err != nil {
		return common.Address{}, err
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, errors.New("unexpected tenant output type")
	}
	return addr, nil
}

func (r *RecurringPayment) Balance(ctx context.Context) (*big.Int, error) {
	out, err := r.Call(ctx, "getBalance")
	if err != nil {
		return nil, err
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, errors.New("unexpected getBalance output type")
	}
	return v, nil
}

// CheckUpkeep asks the contract whether a payment is due. The reason for a
// negative answer is computed locally from the contract state at the latest
// block time; the contract's answer always wins.
func (r *RecurringPayment) CheckUpkeep(ctx context.Context) (agreement.Eligibility, error) {
	out, err := r.Call(ctx, "checkUpkeep", []byte{})
	if err != nil {
		return agreement.Eligibility{}, err
	}
	needed, ok := out[0].(bool)
	if !ok {
		return agreement.Eligibility{}, errors.New("unexpected checkUpkeep output type")
	}

	local, err := r.localEligibility(ctx)
	if err != nil {
		return agreement.Eligibility{}, err
	}

	switch {
	case needed && local.Eligible:
		return agreement.Eligible, nil
	case needed:
		r.log.Debug("contract reports upkeep needed, local evaluation disagrees",
			zap.Stringer("localReason", local.Reason))
		return agreement.Eligible, nil
	case !local.Eligible:
		return local, nil
	default:
		// Latest block is at or past the due time but the contract still
		// refuses; the pending block has not caught up.
		r.log.Warn("local evaluation reports eligible, contract does not")
		return agreement.Ineligible(agreement.ReasonTooEarly), nil
	}
}

func (r *RecurringPayment) localEligibility(ctx context.Context) (agreement.Eligibility, error) {
	snap, err := r.Snapshot(ctx)
	if err != nil {
		return agreement.Eligibility{}, err
	}
	now, err := r.client.HeaderTime(ctx)
	if err != nil {
		return agreement.Eligibility{}, err
	}
	return agreement.IsEligible(snap, now), nil
}

// PerformUpkeep sends performUpkeep. When the transaction cannot be
// estimated or reverts, the state is re-read and a NotEligibleError returned
// if the contract is no longer due, which is what a lost race looks like.
func (r *RecurringPayment) PerformUpkeep(ctx context.Context) (*agreement.Payment, error) {
	receipt, err := r.Transact(ctx, nil, "performUpkeep", []byte{})
	if err != nil {
		if !errors.Is(err, ErrReverted) {
			return nil, err
		}
		e, cerr := r.localEligibility(ctx)
		if cerr != nil {
			return nil, err
		}
		if !e.Eligible {
			return nil, &agreement.NotEligibleError{Reason: e.Reason}
		}
		return nil, err
	}

	info, err := r.Info(ctx)
	if err != nil {
		return nil, err
	}
	return &agreement.Payment{
		ID:          uuid.New(),
		AgreementID: AgreementID(r.address),
		Sequence:    info.PaymentCount,
		Amount:      info.PaymentAmount,
		PaidAt:      info.LastPaymentTime,
		TxHash:      receipt.TxHash.Hex(),
	}, nil
}

// Deposit sends value wei to depositFunds. Tenant only.
func (r *RecurringPayment) Deposit(ctx context.Context, value *big.Int) (*types.Receipt, error) {
	if value == nil || value.Sign() <= 0 {
		return nil, errors.Wrap(agreement.ErrInvalidAmount, "deposit must be positive")
	}
	if err := r.requireTenant(ctx); err != nil {
		return nil, err
	}
	return r.Transact(ctx, value, "depositFunds")
}

// Activate starts automatic payments. Tenant only.
func (r *RecurringPayment) Activate(ctx context.Context) (*types.Receipt, error) {
	if err := r.requireTenant(ctx); err != nil {
		return nil, err
	}
	return r.Transact(ctx, nil, "activateContract")
}

// Deactivate stops automatic payments. Tenant only.
func (r *RecurringPayment) Deactivate(ctx context.Context) (*types.Receipt, error) {
	if err := r.requireTenant(ctx); err != nil {
		return nil, err
	}
	return r.Transact(ctx, nil, "deactivateContract")
}

// Withdraw returns amount wei of the balance to the tenant. Tenant only.
func (r *RecurringPayment) Withdraw(ctx context.Context, amount *big.Int) (*types.Receipt, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, errors.Wrap(agreement.ErrInvalidAmount, "withdrawal must be positive")
	}
	if err := r.requireTenant(ctx); err != nil {
		return nil, err
	}
	balance, err := r.Balance(ctx)
	if err != nil {
		return nil, err
	}
	if amount.Cmp(balance) > 0 {
		return nil, agreement.ErrInsufficientFunds
	}
	return r.Transact(ctx, nil, "withdrawFunds", amount)
}

func (r *RecurringPayment) requireTenant(ctx context.Context) error {
	from, ok := r.client.From()
	if !ok {
		return ErrNoSigner
	}
	tenant, err := r.Tenant(ctx)
	if err != nil {
		return err
	}
	if from != tenant {
		return errors.Wrapf(agreement.ErrUnauthorized, "signer %s, tenant %s", from.Hex(), tenant.Hex())
	}
	return nil
}
