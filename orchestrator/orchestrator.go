// Package orchestrator runs deployment scenarios: named tasks of registered
// types, ordered by their dependencies, with outputs of earlier tasks
// available to later ones.
package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/go-faster/errors"
	"go.uber.org/zap"
)

var (
	ErrCycle         = errors.New("circular dependency detected")
	ErrMissingDep    = errors.New("missing dependency")
	ErrUnknownType   = errors.New("unknown task type")
	ErrDuplicateTask = errors.New("duplicate task name")
)

type Orchestrator struct {
	handlers map[string]TaskHandler
	mu       sync.RWMutex

	log        *zap.Logger
	retryDelay time.Duration
}

func New(log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		handlers:   make(map[string]TaskHandler),
		log:        log,
		retryDelay: 2 * time.Second,
	}
}

// SetRetryDelay sets the pause between attempts of a failing task.
func (o *Orchestrator) SetRetryDelay(d time.Duration) {
	o.retryDelay = d
}

func (o *Orchestrator) Register(taskType string, h TaskHandler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handlers[taskType] = h
}

func (o *Orchestrator) handler(taskType string) (TaskHandler, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	h, ok := o.handlers[taskType]
	return h, ok
}

// Order returns the tasks sorted so that every task comes after the tasks it
// depends on, explicitly or through ${task.output} references. Ties keep
// the scenario order.
func Order(tasks []Task) ([]Task, error) {
	names := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if names[t.Name] {
			return nil, errors.Wrap(ErrDuplicateTask, t.Name)
		}
		names[t.Name] = true
	}

	deps := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		seen := make(map[string]bool)
		for _, d := range append(append([]string{}, t.DependsOn...), references(t.Params, names)...) {
			if d == t.Name {
				return nil, errors.Wrapf(ErrCycle, "task %s depends on itself", t.Name)
			}
			if !names[d] {
				return nil, errors.Wrapf(ErrMissingDep, "task %s depends on %s", t.Name, d)
			}
			if !seen[d] {
				seen[d] = true
				deps[t.Name] = append(deps[t.Name], d)
			}
		}
		sort.Strings(deps[t.Name])
	}

	var ordered []Task
	done := make(map[string]bool)
	for len(ordered) < len(tasks) {
		progress := false
		for _, t := range tasks {
			if done[t.Name] {
				continue
			}
			ready := true
			for _, d := range deps[t.Name] {
				if !done[d] {
					ready = false
					break
				}
			}
			if ready {
				ordered = append(ordered, t)
				done[t.Name] = true
				progress = true
			}
		}
		if !progress {
			var stuck []string
			for _, t := range tasks {
				if !done[t.Name] {
					stuck = append(stuck, t.Name)
				}
			}
			return nil, errors.Wrapf(ErrCycle, "among %v", stuck)
		}
	}
	return ordered, nil
}

// Run executes the scenario. vars override the scenario's own variables.
// On the first failing task it stops and returns the results so far.
func (o *Orchestrator) Run(ctx context.Context, sc *Scenario, vars map[string]string) ([]TaskResult, error) {
	ordered, err := Order(sc.Tasks)
	if err != nil {
		return nil, err
	}
	for _, t := range ordered {
		if _, ok := o.handler(t.Type); !ok {
			return nil, errors.Wrapf(ErrUnknownType, "task %s: %q", t.Name, t.Type)
		}
	}

	r := &resolver{
		vars:    make(map[string]string),
		outputs: make(map[string]map[string]interface{}),
	}
	env := &resolver{}
	for k, v := range sc.Variables {
		if _, overridden := vars[k]; overridden {
			continue
		}
		expanded, err := env.expand(v)
		if err != nil {
			return nil, errors.Wrapf(err, "variable %s", k)
		}
		r.vars[k] = expanded
	}
	for k, v := range vars {
		r.vars[k] = v
	}

	log := o.log.With(zap.String("scenario", sc.Name))
	results := make([]TaskResult, 0, len(ordered))
	for _, t := range ordered {
		res := o.runTask(ctx, log, t, r)
		results = append(results, res)
		if res.Error != nil {
			return results, errors.Wrapf(res.Error, "task %s", t.Name)
		}
		r.outputs[t.Name] = res.Output
	}
	return results, nil
}

func (o *Orchestrator) runTask(ctx context.Context, log *zap.Logger, t Task, r *resolver) TaskResult {
	start := time.Now()
	res := TaskResult{TaskName: t.Name}

	resolved, err := r.resolve(t.Params)
	if err != nil {
		res.Error = err
		return res
	}
	params, _ := resolved.(map[string]interface{})
	if params == nil {
		params = map[string]interface{}{}
	}

	h, _ := o.handler(t.Type)
	log = log.With(zap.String("task", t.Name), zap.String("type", t.Type))
	log.Info("running task")

	err = retry.Do(func() error {
		res.Attempts++
		attemptCtx := ctx
		if t.Timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, t.Timeout)
			defer cancel()
		}
		out, err := h.Execute(attemptCtx, params)
		if err != nil {
			log.Warn("task attempt failed", zap.Int("attempt", res.Attempts), zap.Error(err))
			return err
		}
		res.Output = out
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(uint(t.RetryCount)+1),
		retry.Delay(o.retryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)

	res.Error = err
	res.Duration = time.Since(start)
	if err == nil {
		log.Info("task completed", zap.Duration("duration", res.Duration))
	}
	return res
}
