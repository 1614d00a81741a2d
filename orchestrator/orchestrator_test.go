package orchestrator

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recorder struct {
	mu    sync.Mutex
	calls []recorded
}

type recorded struct {
	Type   string
	Params map[string]interface{}
}

func (r *recorder) handler(taskType string, fn func(params map[string]interface{}) map[string]interface{}) TaskHandler {
	return TaskHandlerFunc(func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
		r.mu.Lock()
		r.calls = append(r.calls, recorded{Type: taskType, Params: params})
		r.mu.Unlock()
		if fn == nil {
			return map[string]interface{}{}, nil
		}
		return fn(params), nil
	})
}

func names(tasks []Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.Name
	}
	return out
}

func TestOrder(t *testing.T) {
	tasks := []Task{
		{Name: "call", Params: map[string]interface{}{"address": "${b.address}"}},
		{Name: "b", DependsOn: []string{"a"}},
		{Name: "a"},
	}
	ordered, err := Order(tasks)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "call"}, names(ordered))
}

func TestOrder_Errors(t *testing.T) {
	_, err := Order([]Task{{Name: "a", DependsOn: []string{"b"}}, {Name: "b", DependsOn: []string{"a"}}})
	assert.True(t, errors.Is(err, ErrCycle))

	_, err = Order([]Task{{Name: "a", DependsOn: []string{"a"}}})
	assert.True(t, errors.Is(err, ErrCycle))

	_, err = Order([]Task{{Name: "a", DependsOn: []string{"missing"}}})
	assert.True(t, errors.Is(err, ErrMissingDep))

	_, err = Order([]Task{{Name: "a"}, {Name: "a"}})
	assert.True(t, errors.Is(err, ErrDuplicateTask))
}

func TestBuiltinScenarios(t *testing.T) {
	assert.Equal(t, []string{"fundme", "recurring-payment", "redpacket"}, BuiltinScenarios())

	for _, name := range BuiltinScenarios() {
		sc, err := BuiltinScenario(name)
		require.NoError(t, err, name)
		_, err = Order(sc.Tasks)
		require.NoError(t, err, name)
	}

	sc, err := BuiltinScenario("fundme")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, sc.Tasks[0].Timeout)
	assert.Equal(t, 1, sc.Tasks[0].RetryCount)

	_, err = BuiltinScenario("nope")
	assert.ErrorContains(t, err, "unknown scenario")
}

func TestRun_RedPacket(t *testing.T) {
	t.Setenv("REDPACKET_CHARGE", "")
	sc, err := BuiltinScenario("redpacket")
	require.NoError(t, err)

	addresses := map[string]string{
		"MockUSDT":      "0x00000000000000000000000000000000000000a1",
		"RedPacket":     "0x00000000000000000000000000000000000000b2",
		"PaymentRouter": "0x00000000000000000000000000000000000000c3",
	}

	rec := &recorder{}
	o := New(zap.NewNop())
	o.Register("deploy", rec.handler("deploy", func(p map[string]interface{}) map[string]interface{} {
		return map[string]interface{}{"address": addresses[p["contract"].(string)]}
	}))
	o.Register("call", rec.handler("call", func(p map[string]interface{}) map[string]interface{} {
		return map[string]interface{}{"result": "1000"}
	}))

	results, err := o.Run(context.Background(), sc, nil)
	require.NoError(t, err)
	require.Len(t, results, 6)
	require.Len(t, rec.calls, 6)

	assert.Equal(t, []interface{}{addresses["MockUSDT"]}, rec.calls[1].Params["args"])
	assert.Equal(t, []interface{}{addresses["MockUSDT"], addresses["RedPacket"]}, rec.calls[2].Params["args"])

	setRouter := rec.calls[3].Params
	assert.Equal(t, addresses["RedPacket"], setRouter["address"])
	assert.Equal(t, "setRouter(address)", setRouter["signature"])
	assert.Equal(t, []interface{}{addresses["PaymentRouter"]}, setRouter["args"])

	charge := rec.calls[4].Params
	assert.Equal(t, []interface{}{addresses["RedPacket"], "1000 ether"}, charge["args"])

	assert.Equal(t, "RedPacketBalance", results[5].TaskName)
	assert.Equal(t, "1000", results[5].Output["result"])
}

func TestRun_VariablesOverride(t *testing.T) {
	sc, err := BuiltinScenario("recurring-payment")
	require.NoError(t, err)

	rec := &recorder{}
	o := New(nil)
	o.Register("deploy", rec.handler("deploy", nil))

	_, err = o.Run(context.Background(), sc, map[string]string{
		"tenant":        "0x1111111111111111111111111111111111111111",
		"company":       "0x2222222222222222222222222222222222222222",
		"paymentAmount": "1.0",
		"interval":      "300",
	})
	require.NoError(t, err)
	require.Len(t, rec.calls, 1)
	assert.Equal(t, []interface{}{
		"0x1111111111111111111111111111111111111111",
		"0x2222222222222222222222222222222222222222",
		"1.0 ether",
		"300",
	}, rec.calls[0].Params["args"])
}

func TestRun_MissingVariable(t *testing.T) {
	t.Setenv("TENANT_ADDRESS", "")
	t.Setenv("COMPANY_ADDRESS", "0x2222222222222222222222222222222222222222")
	sc, err := BuiltinScenario("recurring-payment")
	require.NoError(t, err)

	o := New(nil)
	o.Register("deploy", TaskHandlerFunc(func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
		return nil, nil
	}))
	_, err = o.Run(context.Background(), sc, nil)
	assert.ErrorContains(t, err, "TENANT_ADDRESS")
}

func TestRun_RetriesFailingTask(t *testing.T) {
	attempts := 0
	o := New(nil)
	o.SetRetryDelay(time.Millisecond)
	o.Register("flaky", TaskHandlerFunc(func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("connection reset")
		}
		return map[string]interface{}{"ok": true}, nil
	}))

	sc := &Scenario{Name: "retry", Tasks: []Task{{Name: "t", Type: "flaky", RetryCount: 2}}}
	results, err := o.Run(context.Background(), sc, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, results[0].Attempts)
	assert.Equal(t, true, results[0].Output["ok"])

	attempts = 0
	sc.Tasks[0].RetryCount = 1
	results, err = o.Run(context.Background(), sc, nil)
	require.Error(t, err)
	assert.ErrorContains(t, err, "connection reset")
	assert.Equal(t, 2, results[0].Attempts)
}

func TestRun_Timeout(t *testing.T) {
	o := New(nil)
	o.Register("slow", TaskHandlerFunc(func(ctx context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	sc := &Scenario{Name: "timeout", Tasks: []Task{{Name: "t", Type: "slow", Timeout: 10 * time.Millisecond}}}

	_, err := o.Run(context.Background(), sc, nil)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestRun_StopsAtFirstFailure(t *testing.T) {
	rec := &recorder{}
	o := New(nil)
	o.Register("ok", rec.handler("ok", nil))
	o.Register("fail", TaskHandlerFunc(func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
		return nil, errors.New("boom")
	}))

	sc := &Scenario{Name: "stop", Tasks: []Task{
		{Name: "first", Type: "ok"},
		{Name: "second", Type: "fail", DependsOn: []string{"first"}},
		{Name: "third", Type: "ok", DependsOn: []string{"second"}},
	}}
	results, err := o.Run(context.Background(), sc, nil)
	require.Error(t, err)
	assert.Len(t, results, 2)
	assert.Len(t, rec.calls, 1)
}

func TestRun_UnknownType(t *testing.T) {
	o := New(nil)
	_, err := o.Run(context.Background(), &Scenario{Name: "x", Tasks: []Task{{Name: "t", Type: "mint"}}}, nil)
	assert.True(t, errors.Is(err, ErrUnknownType))
}

func TestResolver(t *testing.T) {
	t.Setenv("RECURPAY_RESOLVE", "from-env")
	r := &resolver{
		vars:    map[string]string{"amount": "0.5"},
		outputs: map[string]map[string]interface{}{"FundMe": {"address": "0xabc", "blockNumber": uint64(7)}},
	}

	s, err := r.expand("${amount} ether to ${FundMe.address} at ${FundMe.blockNumber} ${env:RECURPAY_RESOLVE}")
	require.NoError(t, err)
	assert.Equal(t, "0.5 ether to 0xabc at 7 from-env", s)

	s, err = r.expand("${env:RECURPAY_UNSET_FOR_TEST:-fallback}")
	require.NoError(t, err)
	assert.Equal(t, "fallback", s)

	_, err = r.expand("${FundMe.owner}")
	assert.ErrorContains(t, err, "no output")

	_, err = r.expand("${nothing}")
	assert.ErrorContains(t, err, "unresolved")
}

func TestCallOutputs(t *testing.T) {
	out := callOutputs([]interface{}{
		new(big.Int).Mul(big.NewInt(1000), big.NewInt(1e18)),
		common.HexToAddress("0x00000000000000000000000000000000000000a1"),
		true,
	}, "ether")
	assert.Equal(t, "1000", out["result"])
	assert.Equal(t, "1000", out["result0"])
	assert.Equal(t, common.HexToAddress("0x00000000000000000000000000000000000000a1").Hex(), out["result1"])
	assert.Equal(t, "true", out["result2"])
}

func TestParams(t *testing.T) {
	params := map[string]interface{}{
		"name":   "FundMe",
		"args":   []interface{}{"100", 5},
		"verify": "false",
		"count":  3,
	}
	s, err := stringParam(params, "name")
	require.NoError(t, err)
	assert.Equal(t, "FundMe", s)

	_, err = stringParam(params, "missing")
	assert.Error(t, err)

	args, err := stringsParam(params, "args")
	require.NoError(t, err)
	assert.Equal(t, []string{"100", "5"}, args)

	_, err = stringsParam(params, "count")
	assert.Error(t, err)

	b, err := boolParam(params, "verify", true)
	require.NoError(t, err)
	assert.False(t, b)

	b, err = boolParam(params, "absent", true)
	require.NoError(t, err)
	assert.True(t, b)
}
