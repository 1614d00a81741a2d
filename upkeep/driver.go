package upkeep

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go"
	"github.com/go-co-op/gocron/v2"
	"github.com/go-faster/errors"
	"github.com/sourcegraph/conc/iter"
	"go.uber.org/zap"

	"github.com/parthshah1/recurpay/agreement"
)

// DefaultSchedule polls once a minute.
const DefaultSchedule = "* * * * *"

// Target is one agreement the driver polls. Implementations must tolerate
// concurrent PerformUpkeep calls from other drivers: a lost race surfaces as
// a NotEligibleError.
type Target interface {
	Name() string
	CheckUpkeep(ctx context.Context) (agreement.Eligibility, error)
	PerformUpkeep(ctx context.Context) (*agreement.Payment, error)
}

// Outcome is the result of polling one target once.
type Outcome struct {
	Target      string
	At          time.Time
	Eligibility agreement.Eligibility
	Payment     *agreement.Payment
	Err         error
}

// Performed reports whether a payment was executed.
func (o Outcome) Performed() bool {
	return o.Payment != nil
}

// Observer receives every outcome after a tick.
type Observer func(Outcome)

type Config struct {
	// Schedule is a five-field cron expression. Ignored when Every is set.
	Schedule string
	Every    time.Duration

	// Immediate runs the first tick as soon as Run starts.
	Immediate bool

	// TransportAttempts bounds retries of calls failing with a
	// TransportError within one tick.
	TransportAttempts uint
	RetryDelay        time.Duration

	MaxConcurrency int
}

func (c Config) withDefaults() Config {
	if c.Schedule == "" {
		c.Schedule = DefaultSchedule
	}
	if c.TransportAttempts == 0 {
		c.TransportAttempts = 3
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = time.Second
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 4
	}
	return c
}

// Driver periodically evaluates its targets and executes the eligible ones.
// It holds no agreement state of its own, so any number of drivers may poll
// the same targets.
type Driver struct {
	cfg      Config
	targets  []Target
	log      *zap.Logger
	observer Observer

	checking  atomic.Int32
	executing atomic.Int32
	stopped   atomic.Bool
}

func NewDriver(cfg Config, log *zap.Logger, targets ...Target) *Driver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Driver{
		cfg:     cfg.withDefaults(),
		targets: targets,
		log:     log,
	}
}

// SetObserver registers fn to receive outcomes. Call before Run.
func (d *Driver) SetObserver(fn Observer) {
	d.observer = fn
}

// State reports the driver state. With several targets in flight the most
// advanced phase wins.
func (d *Driver) State() State {
	switch {
	case d.stopped.Load():
		return StateStopped
	case d.executing.Load() > 0:
		return StateExecuting
	case d.checking.Load() > 0:
		return StateChecking
	default:
		return StateIdle
	}
}

// Tick polls every target once and returns one outcome per target, in
// target order.
func (d *Driver) Tick(ctx context.Context) []Outcome {
	if d.stopped.Load() {
		return nil
	}
	ticksCounter.Inc()

	mapper := iter.Mapper[Target, Outcome]{MaxGoroutines: d.cfg.MaxConcurrency}
	outcomes := mapper.Map(d.targets, func(t *Target) Outcome {
		return d.poll(ctx, *t)
	})

	if d.observer != nil {
		for _, o := range outcomes {
			d.observer(o)
		}
	}
	return outcomes
}

func (d *Driver) poll(ctx context.Context, t Target) Outcome {
	out := Outcome{Target: t.Name(), At: time.Now().UTC()}
	log := d.log.With(zap.String("target", out.Target))

	d.checking.Add(1)
	err := d.withRetry(ctx, func() error {
		e, err := t.CheckUpkeep(ctx)
		out.Eligibility = e
		return err
	})
	d.checking.Add(-1)
	if err != nil {
		d.recordError(log, "check upkeep", err)
		checksCounter.WithLabelValues("error").Inc()
		out.Err = err
		return out
	}

	if !out.Eligibility.Eligible {
		checksCounter.WithLabelValues(out.Eligibility.Reason.String()).Inc()
		log.Debug("not eligible", zap.Stringer("reason", out.Eligibility.Reason))
		return out
	}
	checksCounter.WithLabelValues("eligible").Inc()

	d.executing.Add(1)
	defer d.executing.Add(-1)

	var payment *agreement.Payment
	err = d.withRetry(ctx, func() error {
		p, err := t.PerformUpkeep(ctx)
		payment = p
		return err
	})
	if err != nil {
		if reason, ok := agreement.ReasonOf(err); ok {
			// Another caller executed first, or the state moved on since the
			// check. Routine.
			executionsCounter.WithLabelValues("lost_race").Inc()
			out.Eligibility = agreement.Ineligible(reason)
			log.Info("perform upkeep skipped", zap.Stringer("reason", reason))
			return out
		}
		d.recordError(log, "perform upkeep", err)
		out.Err = err
		return out
	}

	executionsCounter.WithLabelValues("paid").Inc()
	out.Payment = payment
	fields := []zap.Field{zap.Uint64("sequence", payment.Sequence), zap.String("amount", agreement.FormatEther(payment.Amount))}
	if payment.TxHash != "" {
		fields = append(fields, zap.String("tx", payment.TxHash))
	}
	log.Info("payment executed", fields...)
	return out
}

func (d *Driver) withRetry(ctx context.Context, fn func() error) error {
	return retry.Do(fn,
		retry.Attempts(d.cfg.TransportAttempts),
		retry.Delay(d.cfg.RetryDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.RetryIf(agreement.IsTransport),
	)
}

func (d *Driver) recordError(log *zap.Logger, op string, err error) {
	kind := ErrorKind(err)
	errorsCounter.WithLabelValues(kind).Inc()
	log.Warn(op+" failed", zap.String("kind", kind), zap.Error(err))
}

// ErrorKind classifies err for metrics and exit codes.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "none"
	case agreement.IsTransport(err):
		return "transport"
	case errors.Is(err, agreement.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "other"
	}
}

// Run polls on the configured schedule until ctx is cancelled. Overlapping
// ticks are not started; the next run is rescheduled instead.
func (d *Driver) Run(ctx context.Context) error {
	if d.stopped.Load() {
		return errors.New("driver already stopped")
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return errors.Wrap(err, "create scheduler")
	}

	definition := gocron.CronJob(d.cfg.Schedule, false)
	if d.cfg.Every > 0 {
		definition = gocron.DurationJob(d.cfg.Every)
	}

	opts := []gocron.JobOption{
		gocron.WithName("upkeep-poll"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	}
	if d.cfg.Immediate {
		opts = append(opts, gocron.WithStartAt(gocron.WithStartImmediately()))
	}

	if _, err := scheduler.NewJob(definition, gocron.NewTask(d.runTick, ctx), opts...); err != nil {
		return errors.Wrap(err, "schedule upkeep poll")
	}

	scheduler.Start()
	d.log.Info("upkeep driver started",
		zap.Int("targets", len(d.targets)),
		zap.String("schedule", d.describeSchedule()))

	<-ctx.Done()

	d.stopped.Store(true)
	if err := scheduler.Shutdown(); err != nil {
		d.log.Warn("scheduler shutdown", zap.Error(err))
	}
	d.log.Info("upkeep driver stopped")
	return nil
}

func (d *Driver) runTick(ctx context.Context) {
	d.Tick(ctx)
}

func (d *Driver) describeSchedule() string {
	if d.cfg.Every > 0 {
		return "every " + d.cfg.Every.String()
	}
	return d.cfg.Schedule
}
