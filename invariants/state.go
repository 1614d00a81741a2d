// Package invariants records upkeep outcomes and checks the payment
// invariants over them: one payment per sequence number, counts increasing
// by exactly one, and payment times that never go backwards.
package invariants

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"github.com/parthshah1/recurpay/agreement"
	"github.com/parthshah1/recurpay/upkeep"
)

const (
	NoDoubleExecution    = "upkeep_no_double_execution"
	CountIncrementsByOne = "upkeep_payment_count_increments_by_one"
	PaymentTimeMonotonic = "upkeep_last_payment_time_non_decreasing"
	PaymentsExecuted     = "upkeep_payments_executed"
	InvariantsHold       = "upkeep_invariants_hold"
)

// PaymentEvent records an executed payment.
type PaymentEvent struct {
	Target     string    `json:"target"`
	Sequence   uint64    `json:"sequence"`
	Amount     string    `json:"amount"`
	PaidAt     time.Time `json:"paidAt"`
	TxHash     string    `json:"txHash,omitempty"`
	ObservedAt time.Time `json:"observedAt"`
}

// ErrorEvent records a failed poll.
type ErrorEvent struct {
	Target  string    `json:"target"`
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Violation is a broken invariant.
type Violation struct {
	Property string `json:"property"`
	Target   string `json:"target"`
	Detail   string `json:"detail"`
}

// State tracks upkeep outcomes across a run.
type State struct {
	mu sync.RWMutex

	Payments   []PaymentEvent
	Checks     map[string]int
	Errors     []ErrorEvent
	Violations []Violation

	StartTime   time.Time
	LastEventAt time.Time

	last map[string]PaymentEvent
}

func NewState() *State {
	return &State{
		Payments:   make([]PaymentEvent, 0),
		Checks:     make(map[string]int),
		Errors:     make([]ErrorEvent, 0),
		Violations: make([]Violation, 0),
		StartTime:  time.Now().UTC(),
		last:       make(map[string]PaymentEvent),
	}
}

// Observe records one driver outcome. It has the upkeep.Observer signature.
func (s *State) Observe(o upkeep.Outcome) {
	switch {
	case o.Err != nil:
		s.RecordError(o.Target, upkeep.ErrorKind(o.Err), o.Err.Error(), o.At)
	case o.Payment != nil:
		s.RecordCheck("eligible")
		s.RecordPayment(PaymentEvent{
			Target:     o.Target,
			Sequence:   o.Payment.Sequence,
			Amount:     o.Payment.Amount.String(),
			PaidAt:     o.Payment.PaidAt,
			TxHash:     o.Payment.TxHash,
			ObservedAt: o.At,
		})
	case o.Eligibility.Eligible:
		s.RecordCheck("eligible")
	default:
		s.RecordCheck(o.Eligibility.Reason.String())
	}
}

func (s *State) RecordCheck(result string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Checks[result]++
	s.LastEventAt = time.Now().UTC()
}

func (s *State) RecordError(target, kind, message string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Errors = append(s.Errors, ErrorEvent{Target: target, Kind: kind, Message: message, At: at})
	s.LastEventAt = time.Now().UTC()
}

// RecordPayment appends a payment and checks it against the previous
// payment of the same target.
func (s *State) RecordPayment(ev PaymentEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Payments = append(s.Payments, ev)
	s.LastEventAt = time.Now().UTC()

	prev, seen := s.last[ev.Target]
	if !seen {
		s.last[ev.Target] = ev
		return
	}
	if s.check(prev, ev) {
		s.last[ev.Target] = ev
	}
}

// check reports whether ev advanced past prev.
func (s *State) check(prev, ev PaymentEvent) bool {
	details := map[string]any{
		"target":           ev.Target,
		"sequence":         ev.Sequence,
		"previousSequence": prev.Sequence,
		"paidAt":           ev.PaidAt,
		"previousPaidAt":   prev.PaidAt,
		"txHash":           ev.TxHash,
	}

	if ev.Sequence <= prev.Sequence {
		s.violate(NoDoubleExecution, ev.Target,
			fmt.Sprintf("payment %d recorded after payment %d", ev.Sequence, prev.Sequence))
		AssertUnreachable(NoDoubleExecution, details)
		return false
	}

	incremented := ev.Sequence == prev.Sequence+1
	if !incremented {
		s.violate(CountIncrementsByOne, ev.Target,
			fmt.Sprintf("payment count jumped from %d to %d", prev.Sequence, ev.Sequence))
	}
	AssertAlways(incremented, CountIncrementsByOne, details)

	monotonic := !ev.PaidAt.Before(prev.PaidAt)
	if !monotonic {
		s.violate(PaymentTimeMonotonic, ev.Target,
			fmt.Sprintf("payment time went back from %s to %s", prev.PaidAt.Format(time.RFC3339), ev.PaidAt.Format(time.RFC3339)))
	}
	AssertAlways(monotonic, PaymentTimeMonotonic, details)
	return true
}

func (s *State) violate(property, target, detail string) {
	s.Violations = append(s.Violations, Violation{Property: property, Target: target, Detail: detail})
}

// EmitFinalAssertions reports the run as a whole.
func (s *State) EmitFinalAssertions() {
	s.mu.RLock()
	defer s.mu.RUnlock()

	AssertAlways(len(s.Violations) == 0, InvariantsHold, map[string]any{
		"violations":   len(s.Violations),
		"payments":     len(s.Payments),
		"testDuration": time.Since(s.StartTime).String(),
	})
	AssertSometimes(len(s.Payments) > 0, PaymentsExecuted, map[string]any{
		"payments":     len(s.Payments),
		"testDuration": time.Since(s.StartTime).String(),
	})
}

// Summary is a point-in-time view of a State.
type Summary struct {
	Payments   int               `json:"payments"`
	Volume     map[string]string `json:"volume"`
	Checks     map[string]int    `json:"checks"`
	Errors     int               `json:"errors"`
	Violations []Violation       `json:"violations"`
	Targets    []string          `json:"targets"`
	Duration   string            `json:"duration"`
}

func (s *State) Summary() Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	volume := make(map[string]string)
	sums := make(map[string]*big.Int)
	for _, p := range s.Payments {
		sum, ok := sums[p.Target]
		if !ok {
			sum = new(big.Int)
			sums[p.Target] = sum
		}
		if v, ok := new(big.Int).SetString(p.Amount, 10); ok {
			sum.Add(sum, v)
		}
	}
	targets := make([]string, 0, len(sums))
	for target, sum := range sums {
		volume[target] = agreement.FormatEther(sum)
		targets = append(targets, target)
	}
	sort.Strings(targets)

	checks := make(map[string]int, len(s.Checks))
	for k, v := range s.Checks {
		checks[k] = v
	}

	end := s.LastEventAt
	if end.IsZero() {
		end = s.StartTime
	}

	return Summary{
		Payments:   len(s.Payments),
		Volume:     volume,
		Checks:     checks,
		Errors:     len(s.Errors),
		Violations: append([]Violation(nil), s.Violations...),
		Targets:    targets,
		Duration:   end.Sub(s.StartTime).String(),
	}
}

type fileFormat struct {
	StartTime   time.Time      `json:"startTime"`
	LastEventAt time.Time      `json:"lastEventAt"`
	Payments    []PaymentEvent `json:"payments"`
	Checks      map[string]int `json:"checks"`
	Errors      []ErrorEvent   `json:"errors"`
	Violations  []Violation    `json:"violations"`
}

// SaveToFile writes the state as JSON.
func (s *State) SaveToFile(path string) error {
	s.mu.RLock()
	data := fileFormat{
		StartTime:   s.StartTime,
		LastEventAt: s.LastEventAt,
		Payments:    s.Payments,
		Checks:      s.Checks,
		Errors:      s.Errors,
		Violations:  s.Violations,
	}
	bytes, err := json.MarshalIndent(data, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return errors.Wrap(err, "encode invariant state")
	}
	return os.WriteFile(path, bytes, 0644)
}

// LoadFromFile reads a state written by SaveToFile. Recorded violations are
// kept as they were; use Replay to recompute them.
func LoadFromFile(path string) (*State, error) {
	bytes, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	var data fileFormat
	if err := json.Unmarshal(bytes, &data); err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}

	s := NewState()
	s.StartTime = data.StartTime
	s.LastEventAt = data.LastEventAt
	if data.Payments != nil {
		s.Payments = data.Payments
	}
	if data.Checks != nil {
		s.Checks = data.Checks
	}
	if data.Errors != nil {
		s.Errors = data.Errors
	}
	if data.Violations != nil {
		s.Violations = data.Violations
	}
	return s, nil
}

// Replay re-runs the payment checks over recorded payments in observation
// order and returns a fresh state.
func (s *State) Replay() *State {
	s.mu.RLock()
	payments := append([]PaymentEvent(nil), s.Payments...)
	s.mu.RUnlock()

	sort.SliceStable(payments, func(i, j int) bool {
		return payments[i].ObservedAt.Before(payments[j].ObservedAt)
	})

	fresh := NewState()
	fresh.StartTime = s.StartTime
	for _, p := range payments {
		fresh.RecordPayment(p)
	}
	return fresh
}
