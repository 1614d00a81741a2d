package chain

import (
	"context"
	"encoding/hex"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parthshah1/recurpay/agreement"
)

var (
	contractAddr = common.HexToAddress("0x36B72f1662c5f512174a171b8Ce602920d98136C")
	company      = common.HexToAddress("0x2000000000000000000000000000000000000002")
	t0           = time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
)

func wei(t *testing.T, s string) *big.Int {
	t.Helper()
	v, err := agreement.ParseEther(s)
	require.NoError(t, err)
	return v
}

type contractState struct {
	tenant    common.Address
	amount    *big.Int
	interval  int64
	last      time.Time
	active    bool
	balance   *big.Int
	totalPaid *big.Int
	count     int64
}

func (s contractState) apply(f *fakeBackend) {
	f.set("getContractInfo",
		s.tenant, company, s.amount,
		big.NewInt(s.interval), big.NewInt(s.last.Unix()),
		s.active, s.balance, s.totalPaid, big.NewInt(s.count))
	next := big.NewInt(0)
	if s.active {
		next = big.NewInt(s.last.Unix() + s.interval)
	}
	f.set("getNextPaymentTime", next)
	f.set("getBalance", s.balance)
	f.set("tenant", s.tenant)
}

type fixture struct {
	backend *fakeBackend
	tenant  common.Address
	client  *Client
	rp      *RecurringPayment
	state   contractState
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	backend := newFakeBackend(RecurringPaymentABI)
	client := NewClient(backend, big.NewInt(31337), key, nil)
	tenant, _ := client.From()

	f := &fixture{
		backend: backend,
		tenant:  tenant,
		client:  client,
		rp:      NewRecurringPayment(client, contractAddr),
		state: contractState{
			tenant:    tenant,
			amount:    wei(t, "1.0"),
			interval:  300,
			last:      t0,
			active:    true,
			balance:   wei(t, "5.0"),
			totalPaid: new(big.Int),
		},
	}
	f.state.apply(backend)
	backend.headerTime = uint64(t0.Add(300 * time.Second).Unix())
	backend.set("checkUpkeep", true, []byte{})
	return f
}

func TestSelector(t *testing.T) {
	assert.Equal(t, "a9059cbb", hex.EncodeToString(Selector("transfer(address,uint256)")))
	assert.Equal(t, crypto.Keccak256([]byte("performUpkeep(bytes)"))[:4], Selector("performUpkeep(bytes)"))
	assert.Equal(t, RecurringPaymentABI.Methods["performUpkeep"].ID, Selector("performUpkeep(bytes)"))
}

func TestEncodeCall(t *testing.T) {
	router := "0x5FbDB2315678afecb367f032d93F642f64180aa3"
	data, err := EncodeCall("setRouter(address)", []string{router})
	require.NoError(t, err)
	require.Len(t, data, 36)
	assert.Equal(t, Selector("setRouter(address)"), data[:4])
	assert.Equal(t, common.HexToAddress(router).Bytes(), data[16:36])

	data, err = EncodeCall("transfer(address, uint256)", []string{router, "1000 ether"})
	require.NoError(t, err)
	assert.Equal(t, "a9059cbb", hex.EncodeToString(data[:4]))
	assert.Equal(t, 0, new(big.Int).SetBytes(data[36:68]).Cmp(wei(t, "1000")))

	_, err = EncodeCall("setRouter", nil)
	assert.Error(t, err)
	_, err = EncodeCall("setRouter(address)", nil)
	assert.Error(t, err)
}

func TestConvertArg(t *testing.T) {
	mustType := func(s string) abi.Type {
		typ, err := abi.NewType(s, "", nil)
		require.NoError(t, err)
		return typ
	}

	v, err := ConvertArg(mustType("uint8"), "255")
	require.NoError(t, err)
	assert.Equal(t, uint8(255), v)

	_, err = ConvertArg(mustType("uint8"), "256")
	assert.Error(t, err)

	v, err = ConvertArg(mustType("uint64"), "0x10")
	require.NoError(t, err)
	assert.Equal(t, uint64(16), v)

	v, err = ConvertArg(mustType("int32"), "-5")
	require.NoError(t, err)
	assert.Equal(t, int32(-5), v)

	v, err = ConvertArg(mustType("uint256"), "1.5 ether")
	require.NoError(t, err)
	assert.Equal(t, "1500000000000000000", v.(*big.Int).String())

	_, err = ConvertArg(mustType("uint256"), "-1")
	assert.Error(t, err)

	v, err = ConvertArg(mustType("bool"), "true")
	require.NoError(t, err)
	assert.Equal(t, true, v)

	_, err = ConvertArg(mustType("address"), "0x1234")
	assert.Error(t, err)

	v, err = ConvertArg(mustType("bytes4"), "0xdeadbeef")
	require.NoError(t, err)
	assert.Equal(t, [4]byte{0xde, 0xad, 0xbe, 0xef}, v)

	v, err = ConvertArg(mustType("bytes"), "0x")
	require.NoError(t, err)
	assert.Equal(t, []byte{}, v)
}

func TestDecodeContractInfo(t *testing.T) {
	method := RecurringPaymentABI.Methods["getContractInfo"]
	tenant := common.HexToAddress("0x1000000000000000000000000000000000000001")
	packed, err := method.Outputs.Pack(tenant, company, wei(t, "1.0"), big.NewInt(300),
		big.NewInt(t0.Unix()), true, wei(t, "4.0"), wei(t, "1.0"), big.NewInt(1))
	require.NoError(t, err)

	out, err := method.Outputs.Unpack(packed)
	require.NoError(t, err)

	info, err := decodeContractInfo(out)
	require.NoError(t, err)
	assert.Equal(t, tenant, info.Tenant)
	assert.Equal(t, company, info.Company)
	assert.Equal(t, 300*time.Second, info.Interval)
	assert.Equal(t, t0, info.LastPaymentTime)
	assert.True(t, info.Active)
	assert.Equal(t, "4", agreement.FormatEther(info.Balance))
	assert.Equal(t, uint64(1), info.PaymentCount)

	_, err = decodeContractInfo(out[:3])
	assert.Error(t, err)
}

func TestRecurringPayment_Info(t *testing.T) {
	f := newFixture(t)
	info, err := f.rp.Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, f.tenant, info.Tenant)
	assert.Equal(t, t0.Add(300*time.Second), info.NextPaymentTime)

	f.state.active = false
	f.state.apply(f.backend)
	info, err = f.rp.Info(context.Background())
	require.NoError(t, err)
	assert.True(t, info.NextPaymentTime.IsZero())
}

func TestRecurringPayment_CheckUpkeep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	e, err := f.rp.CheckUpkeep(ctx)
	require.NoError(t, err)
	assert.Equal(t, agreement.Eligible, e)

	f.backend.set("checkUpkeep", false, []byte{})
	f.state.active = false
	f.state.apply(f.backend)
	e, err = f.rp.CheckUpkeep(ctx)
	require.NoError(t, err)
	assert.Equal(t, agreement.Ineligible(agreement.ReasonInactive), e)

	f.state.active = true
	f.state.balance = wei(t, "0.5")
	f.state.apply(f.backend)
	e, err = f.rp.CheckUpkeep(ctx)
	require.NoError(t, err)
	assert.Equal(t, agreement.Ineligible(agreement.ReasonInsufficientBalance), e)

	// the contract's answer wins over the local evaluation
	f.state.balance = wei(t, "5.0")
	f.state.apply(f.backend)
	e, err = f.rp.CheckUpkeep(ctx)
	require.NoError(t, err)
	assert.Equal(t, agreement.Ineligible(agreement.ReasonTooEarly), e)
}

func TestRecurringPayment_TransportErrors(t *testing.T) {
	f := newFixture(t)
	f.backend.callErr = errors.New("dial tcp 127.0.0.1:8545: connection refused")

	_, err := f.rp.CheckUpkeep(context.Background())
	require.Error(t, err)
	assert.True(t, agreement.IsTransport(err))
}

func TestRecurringPayment_TenantOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.state.tenant = common.HexToAddress("0x1000000000000000000000000000000000000001")
	f.state.apply(f.backend)

	_, err := f.rp.Deposit(ctx, wei(t, "1.0"))
	assert.ErrorIs(t, err, agreement.ErrUnauthorized)
	_, err = f.rp.Activate(ctx)
	assert.ErrorIs(t, err, agreement.ErrUnauthorized)
	_, err = f.rp.Deactivate(ctx)
	assert.ErrorIs(t, err, agreement.ErrUnauthorized)
	_, err = f.rp.Withdraw(ctx, wei(t, "1.0"))
	assert.ErrorIs(t, err, agreement.ErrUnauthorized)

	assert.Zero(t, f.backend.sentCount())
}

func TestRecurringPayment_Withdraw(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.rp.Withdraw(ctx, wei(t, "6.0"))
	assert.ErrorIs(t, err, agreement.ErrInsufficientFunds)
	_, err = f.rp.Withdraw(ctx, big.NewInt(0))
	assert.ErrorIs(t, err, agreement.ErrInvalidAmount)
	assert.Zero(t, f.backend.sentCount())

	receipt, err := f.rp.Withdraw(ctx, wei(t, "2.0"))
	require.NoError(t, err)
	assert.Equal(t, 1, f.backend.sentCount())
	assert.Equal(t, f.backend.sent[0].Hash(), receipt.TxHash)
}

func TestRecurringPayment_PerformUpkeep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.backend.onSend = func(tx *types.Transaction) {
		st := f.state
		st.balance = wei(t, "4.0")
		st.totalPaid = wei(t, "1.0")
		st.count = 1
		st.last = t0.Add(300 * time.Second)
		st.apply(f.backend)
	}

	payment, err := f.rp.PerformUpkeep(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), payment.Sequence)
	assert.Equal(t, "1", agreement.FormatEther(payment.Amount))
	assert.Equal(t, AgreementID(contractAddr), payment.AgreementID)
	assert.Equal(t, f.backend.sent[0].Hash().Hex(), payment.TxHash)
}

func TestRecurringPayment_PerformUpkeepLostRace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// somebody else paid this window already
	f.state.last = t0.Add(300 * time.Second)
	f.state.count = 1
	f.state.apply(f.backend)
	f.backend.estimate = errors.New("execution reverted: Upkeep not needed")

	_, err := f.rp.PerformUpkeep(ctx)
	require.Error(t, err)
	reason, ok := agreement.ReasonOf(err)
	require.True(t, ok)
	assert.Equal(t, agreement.ReasonTooEarly, reason)
	assert.Zero(t, f.backend.sentCount())
}

func TestClient_WaitConfirmations(t *testing.T) {
	f := newFixture(t)
	f.client.pollInterval = time.Millisecond

	receipt, err := f.client.Transfer(context.Background(), company, big.NewInt(1))
	require.NoError(t, err)

	go func() {
		for i := 0; i < 4; i++ {
			time.Sleep(2 * time.Millisecond)
			f.backend.mu.Lock()
			f.backend.blockNumber++
			f.backend.mu.Unlock()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.client.WaitConfirmations(ctx, receipt, 5))

	head, err := f.backend.BlockNumber(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, head, receipt.BlockNumber.Uint64()+4)
}

func TestArtifacts(t *testing.T) {
	dir := t.TempDir()
	srcDir := filepath.Join(dir, "contracts", "FundMe.sol")
	require.NoError(t, os.MkdirAll(srcDir, 0o755))

	artifact := `{"contractName":"FundMe","sourceName":"contracts/FundMe.sol","abi":` + fundMeJSON + `,"bytecode":"0x6080"}`
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "FundMe.json"), []byte(artifact), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "FundMe.dbg.json"), []byte(`{}`), 0o644))

	art, err := FindArtifact(dir, "FundMe")
	require.NoError(t, err)
	assert.Equal(t, "FundMe", art.ContractName)
	assert.Contains(t, art.ABI.Methods, "acctBals")
	assert.Len(t, art.ABI.Constructor.Inputs, 1)

	code, err := art.Code()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x60, 0x80}, code)

	_, err = FindArtifact(dir, "RedPacket")
	assert.Error(t, err)
}

func TestFundMe(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	backend := newFakeBackend(FundMeABI)
	client := NewClient(backend, big.NewInt(31337), key, nil)
	fm := NewFundMe(client, contractAddr)

	owner, _ := client.From()
	backend.set("owner", owner)
	backend.set("acctBals", wei(t, "0.5"))

	got, err := fm.Owner(context.Background())
	require.NoError(t, err)
	assert.Equal(t, owner, got)

	bal, err := fm.AccountBalance(context.Background(), owner)
	require.NoError(t, err)
	assert.Equal(t, "0.5", agreement.FormatEther(bal))

	_, err = fm.Fund(context.Background(), big.NewInt(0))
	assert.ErrorIs(t, err, agreement.ErrInvalidAmount)

	_, err = fm.Fund(context.Background(), wei(t, "0.5"))
	require.NoError(t, err)
	require.Equal(t, 1, backend.sentCount())
	assert.Equal(t, 0, wei(t, "0.5").Cmp(backend.sent[0].Value()))
}
