package ledger

import (
	"context"
	"math/big"
	"time"

	"github.com/avast/retry-go"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parthshah1/recurpay/agreement"
)

const (
	defaultConflictAttempts = 5
	conflictDelay           = 5 * time.Millisecond
)

// Service is the command interface for agreements held in a Store. Every
// mutation is a read, a pure transition from the agreement package and a
// versioned write; lost writes are retried against the fresh record.
type Service struct {
	store    Store
	clock    func() time.Time
	log      *zap.Logger
	attempts uint
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now as the source of "now".
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

// WithLogger sets the service logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Service) { s.log = log }
}

// WithConflictAttempts bounds how many times a command is re-run after a
// version conflict.
func WithConflictAttempts(n uint) Option {
	return func(s *Service) {
		if n > 0 {
			s.attempts = n
		}
	}
}

func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:    store,
		clock:    time.Now,
		log:      zap.NewNop(),
		attempts: defaultConflictAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) now() time.Time {
	return s.clock().UTC()
}

// Create stores a new inactive agreement.
func (s *Service) Create(ctx context.Context, tenant, company common.Address, amount *big.Int, interval time.Duration) (*agreement.Agreement, error) {
	a, err := agreement.New(tenant, company, amount, interval, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, a); err != nil {
		return nil, err
	}
	s.log.Info("agreement created",
		zap.Stringer("id", a.ID),
		zap.String("tenant", tenant.Hex()),
		zap.String("company", company.Hex()),
		zap.String("amount", agreement.FormatEther(amount)),
		zap.Duration("interval", interval))
	return a, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*agreement.Agreement, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]*agreement.Agreement, error) {
	return s.store.List(ctx)
}

func (s *Service) Info(ctx context.Context, id uuid.UUID) (agreement.Info, error) {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return agreement.Info{}, err
	}
	return a.Info(), nil
}

func (s *Service) Payments(ctx context.Context, id uuid.UUID) ([]*agreement.Payment, error) {
	return s.store.Payments(ctx, id)
}

func (s *Service) Deposit(ctx context.Context, id uuid.UUID, caller common.Address, amount *big.Int) (*agreement.Agreement, error) {
	return s.mutate(ctx, id, "deposit", func(a *agreement.Agreement) (*agreement.Agreement, *agreement.Payment, error) {
		next, err := agreement.Deposit(a, caller, amount)
		return next, nil, err
	})
}

func (s *Service) Activate(ctx context.Context, id uuid.UUID, caller common.Address) (*agreement.Agreement, error) {
	return s.mutate(ctx, id, "activate", func(a *agreement.Agreement) (*agreement.Agreement, *agreement.Payment, error) {
		next, err := agreement.Activate(a, caller, s.now())
		return next, nil, err
	})
}

func (s *Service) Deactivate(ctx context.Context, id uuid.UUID, caller common.Address) (*agreement.Agreement, error) {
	return s.mutate(ctx, id, "deactivate", func(a *agreement.Agreement) (*agreement.Agreement, *agreement.Payment, error) {
		next, err := agreement.Deactivate(a, caller)
		return next, nil, err
	})
}

func (s *Service) Withdraw(ctx context.Context, id uuid.UUID, caller common.Address, amount *big.Int) (*agreement.Agreement, error) {
	return s.mutate(ctx, id, "withdraw", func(a *agreement.Agreement) (*agreement.Agreement, *agreement.Payment, error) {
		next, err := agreement.Withdraw(a, caller, amount)
		return next, nil, err
	})
}

// CheckUpkeep evaluates the stored agreement at the current time.
func (s *Service) CheckUpkeep(ctx context.Context, id uuid.UUID) (agreement.Eligibility, error) {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return agreement.Eligibility{}, err
	}
	return agreement.IsEligible(a, s.now()), nil
}

// PerformUpkeep executes one payment if the agreement is due. Concurrent
// callers racing on the same window produce exactly one payment; the others
// get a NotEligibleError computed from the state the winner left behind.
func (s *Service) PerformUpkeep(ctx context.Context, id uuid.UUID) (*agreement.Payment, error) {
	var payment *agreement.Payment
	_, err := s.mutate(ctx, id, "perform upkeep", func(a *agreement.Agreement) (*agreement.Agreement, *agreement.Payment, error) {
		next, p, err := agreement.Execute(a, s.now())
		payment = p
		return next, p, err
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("payment executed",
		zap.Stringer("agreement", id),
		zap.Uint64("sequence", payment.Sequence),
		zap.String("amount", agreement.FormatEther(payment.Amount)))
	return payment, nil
}

type transition func(a *agreement.Agreement) (*agreement.Agreement, *agreement.Payment, error)

func (s *Service) mutate(ctx context.Context, id uuid.UUID, op string, apply transition) (*agreement.Agreement, error) {
	var result *agreement.Agreement
	err := retry.Do(
		func() error {
			current, err := s.store.Get(ctx, id)
			if err != nil {
				return err
			}
			next, payment, err := apply(current)
			if err != nil {
				return err
			}
			if err := s.store.CompareAndSwap(ctx, next, current.Version, payment); err != nil {
				if errors.Is(err, ErrVersionConflict) {
					s.log.Debug("version conflict, retrying",
						zap.String("op", op),
						zap.Stringer("agreement", id),
						zap.Uint64("version", current.Version))
				}
				return err
			}
			result = next
			return nil
		},
		retry.Attempts(s.attempts),
		retry.Delay(conflictDelay),
		retry.DelayType(retry.FixedDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return errors.Is(err, ErrVersionConflict) }),
	)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Target adapts one stored agreement to the polling driver.
func (s *Service) Target(id uuid.UUID) *Target {
	return &Target{svc: s, id: id}
}

// Target is a single agreement seen as a polling target.
type Target struct {
	svc *Service
	id  uuid.UUID
}

func (t *Target) Name() string {
	return "local:" + t.id.String()
}

func (t *Target) CheckUpkeep(ctx context.Context) (agreement.Eligibility, error) {
	return t.svc.CheckUpkeep(ctx, t.id)
}

func (t *Target) PerformUpkeep(ctx context.Context) (*agreement.Payment, error) {
	return t.svc.PerformUpkeep(ctx, t.id)
}
