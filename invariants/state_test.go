package invariants

import (
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parthshah1/recurpay/agreement"
	"github.com/parthshah1/recurpay/upkeep"
)

var t0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func payment(target string, seq uint64, paidAt time.Time) PaymentEvent {
	return PaymentEvent{
		Target:     target,
		Sequence:   seq,
		Amount:     "1000000000000000000",
		PaidAt:     paidAt,
		ObservedAt: paidAt,
	}
}

func TestState_SequentialPaymentsHold(t *testing.T) {
	s := NewState()
	s.RecordPayment(payment("a", 1, t0))
	s.RecordPayment(payment("a", 2, t0.Add(5*time.Minute)))
	s.RecordPayment(payment("b", 1, t0))

	sum := s.Summary()
	assert.Equal(t, 3, sum.Payments)
	assert.Empty(t, sum.Violations)
	assert.Equal(t, []string{"a", "b"}, sum.Targets)
	assert.Equal(t, "2", sum.Volume["a"])
	assert.Equal(t, "1", sum.Volume["b"])
}

func TestState_DoubleExecution(t *testing.T) {
	s := NewState()
	s.RecordPayment(payment("a", 1, t0))
	s.RecordPayment(payment("a", 1, t0))

	sum := s.Summary()
	require.Len(t, sum.Violations, 1)
	assert.Equal(t, NoDoubleExecution, sum.Violations[0].Property)
}

func TestState_CountJump(t *testing.T) {
	s := NewState()
	s.RecordPayment(payment("a", 1, t0))
	s.RecordPayment(payment("a", 3, t0.Add(time.Hour)))

	sum := s.Summary()
	require.Len(t, sum.Violations, 1)
	assert.Equal(t, CountIncrementsByOne, sum.Violations[0].Property)
}

func TestState_PaymentTimeGoesBack(t *testing.T) {
	s := NewState()
	s.RecordPayment(payment("a", 1, t0))
	s.RecordPayment(payment("a", 2, t0.Add(-time.Second)))

	sum := s.Summary()
	require.Len(t, sum.Violations, 1)
	assert.Equal(t, PaymentTimeMonotonic, sum.Violations[0].Property)
}

func TestState_Observe(t *testing.T) {
	s := NewState()
	s.Observe(upkeep.Outcome{Target: "a", At: t0, Eligibility: agreement.Ineligible(agreement.ReasonTooEarly)})
	s.Observe(upkeep.Outcome{Target: "a", At: t0, Eligibility: agreement.Ineligible(agreement.ReasonTooEarly)})
	s.Observe(upkeep.Outcome{Target: "a", At: t0, Err: agreement.Transport("check", errors.New("connection refused"))})
	s.Observe(upkeep.Outcome{
		Target:      "a",
		At:          t0,
		Eligibility: agreement.Eligible,
		Payment: &agreement.Payment{
			Sequence: 1,
			Amount:   big.NewInt(1e18),
			PaidAt:   t0,
		},
	})

	sum := s.Summary()
	assert.Equal(t, 2, sum.Checks["too_early"])
	assert.Equal(t, 1, sum.Checks["eligible"])
	assert.Equal(t, 1, sum.Errors)
	assert.Equal(t, 1, sum.Payments)
}

func TestState_SaveLoadReplay(t *testing.T) {
	s := NewState()
	s.RecordPayment(payment("a", 1, t0))
	s.RecordPayment(payment("a", 2, t0.Add(time.Minute)))
	s.RecordPayment(payment("a", 2, t0.Add(time.Minute)))
	s.RecordCheck("inactive")

	path := filepath.Join(t.TempDir(), "events.json")
	require.NoError(t, s.SaveToFile(path))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Len(t, loaded.Payments, 3)
	assert.Equal(t, 1, loaded.Checks["inactive"])
	assert.Len(t, loaded.Violations, 1)

	replayed := loaded.Replay()
	sum := replayed.Summary()
	require.Len(t, sum.Violations, 1)
	assert.Equal(t, NoDoubleExecution, sum.Violations[0].Property)
}

func TestLoadFromFile_Missing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}
