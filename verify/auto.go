package verify

import (
	"context"
	"time"

	"github.com/avast/retry-go"
	"github.com/go-faster/errors"
	"go.uber.org/zap"
)

// Wait submits req through v and polls its status until the explorer reports
// a final result.
func Wait(ctx context.Context, v Verifier, req Request, attempts uint, delay time.Duration) error {
	guid, err := v.Verify(ctx, req)
	if err != nil {
		return err
	}
	if guid == "" {
		return nil
	}

	return retry.Do(func() error {
		return v.Status(ctx, guid)
	},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return errors.Is(err, ErrPending) }),
	)
}

// Auto verifies deployments after the fact. Failures are logged with the
// manual command and never returned to the deployer.
type Auto struct {
	Verifier Verifier
	Network  string
	// Local networks have no explorer and are skipped.
	Local bool

	Attempts uint
	Delay    time.Duration

	Log *zap.Logger
}

// Result of one automatic verification.
type Result struct {
	Verified      bool
	Skipped       bool
	Err           error
	ManualCommand string
}

// Run verifies req. args are the human-readable constructor arguments for the
// manual command.
func (a *Auto) Run(ctx context.Context, req Request, args []string) Result {
	log := a.Log
	if log == nil {
		log = zap.NewNop()
	}
	manual := ManualCommand(a.Network, req.Address, args)

	if a.Local || a.Verifier == nil {
		log.Info("local network, skipping verification", zap.String("network", a.Network))
		return Result{Skipped: true, Err: ErrSkipped, ManualCommand: manual}
	}

	attempts, delay := a.Attempts, a.Delay
	if attempts == 0 {
		attempts = 20
	}
	if delay == 0 {
		delay = 5 * time.Second
	}

	log.Info("verifying contract", zap.String("network", a.Network), zap.String("address", req.Address))
	if err := Wait(ctx, a.Verifier, req, attempts, delay); err != nil {
		log.Warn("automatic verification failed, run manually",
			zap.Error(err),
			zap.String("command", manual))
		return Result{Err: err, ManualCommand: manual}
	}
	log.Info("contract verified", zap.String("address", req.Address))
	return Result{Verified: true, ManualCommand: manual}
}
