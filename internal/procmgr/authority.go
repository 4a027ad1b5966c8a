// Package procmgr is a ProcessAuthority for processes of the local host.
//
// A bundle maps to a process name. Notifications run a configured hook
// command, or send a signal to every process of the bundle when no hook is
// configured.
package procmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"syscall"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/patrykniedzwiecki/quickfix/internal/hook"
	"github.com/patrykniedzwiecki/quickfix/internal/model"
)

var (
	ErrNotRunning = errors.New("process not running")
	ErrClosed     = errors.New("process authority closed")
)

// Action is a notification sent to a bundle process.
type Action string

const (
	ActionLoad   Action = "load"
	ActionReload Action = "reload"
	ActionUnload Action = "unload"
)

// Process is a running process.
type Process interface {
	Name(ctx context.Context) (string, error)
	Signal(ctx context.Context, sig syscall.Signal) error
}

// Lister lists running processes.
type Lister func(ctx context.Context) ([]Process, error)

type Authority struct {
	cfg         model.Process
	poll        time.Duration
	hookTimeout time.Duration
	list        Lister
	runner      *hook.Runner
	scheduler   gocron.Scheduler

	mx     sync.Mutex
	closed bool
}

type Option func(*Authority)

func WithLister(l Lister) Option {
	return func(a *Authority) {
		a.list = l
	}
}

func WithRunner(r *hook.Runner) Option {
	return func(a *Authority) {
		a.runner = r
	}
}

func New(cfg model.Process, opts ...Option) (*Authority, error) {
	poll, err := cfg.PollDuration()
	if err != nil {
		return nil, err
	}
	hookTimeout, err := cfg.HookTimeoutDuration()
	if err != nil {
		return nil, err
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}

	a := &Authority{
		cfg:         cfg,
		poll:        poll,
		hookTimeout: hookTimeout,
		list:        hostProcesses,
		runner:      hook.NewRunner(),
		scheduler:   s,
	}
	for _, opt := range opts {
		opt(a)
	}
	s.Start()
	return a, nil
}

// Close stops all death observers.
func (a *Authority) Close() error {
	a.mx.Lock()
	if a.closed {
		a.mx.Unlock()
		return ErrClosed
	}
	a.closed = true
	a.mx.Unlock()
	return a.scheduler.Shutdown()
}

func (a *Authority) processes(ctx context.Context, bundleName string) ([]Process, error) {
	all, err := a.list(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing processes: %w", err)
	}
	name := a.cfg.ProcessName(bundleName)
	var ret []Process
	for _, p := range all {
		n, err := p.Name(ctx)
		if err != nil {
			// process exited meanwhile
			continue
		}
		if n == name {
			ret = append(ret, p)
		}
	}
	return ret, nil
}

func (a *Authority) IsRunning(ctx context.Context, bundleName string) bool {
	procs, err := a.processes(ctx, bundleName)
	if err != nil {
		slog.ErrorContext(ctx, "checking process state", "bundle_name", bundleName, "error", err)
		return false
	}
	return len(procs) > 0
}

// RegisterDeathObserver polls the process state and calls onDied once no
// process of the bundle is running.
func (a *Authority) RegisterDeathObserver(ctx context.Context, bundleName string, onDied func()) (func(), error) {
	a.mx.Lock()
	defer a.mx.Unlock()
	if a.closed {
		return nil, ErrClosed
	}

	tag := "observer-" + uuid.NewString()
	var once sync.Once
	_, err := a.scheduler.NewJob(
		gocron.DurationJob(a.poll),
		gocron.NewTask(func() {
			if a.IsRunning(ctx, bundleName) {
				return
			}
			once.Do(func() {
				slog.DebugContext(ctx, "process exited", "bundle_name", bundleName)
				a.scheduler.RemoveByTags(tag)
				onDied()
			})
		}),
		gocron.WithName(tag),
		gocron.WithTags(tag),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return nil, fmt.Errorf("registering death observer: %w", err)
	}
	return func() {
		once.Do(func() {})
		a.scheduler.RemoveByTags(tag)
	}, nil
}

func (a *Authority) NotifyLoadRepairPatch(ctx context.Context, bundleName string) error {
	return a.notify(ctx, bundleName, ActionLoad)
}

func (a *Authority) NotifyHotReloadPage(ctx context.Context, bundleName string) error {
	return a.notify(ctx, bundleName, ActionReload)
}

func (a *Authority) NotifyUnloadRepairPatch(ctx context.Context, bundleName string) error {
	return a.notify(ctx, bundleName, ActionUnload)
}

func (a *Authority) notify(ctx context.Context, bundleName string, action Action) error {
	if cmd := a.hook(action); len(cmd) > 0 {
		return a.runHook(ctx, bundleName, action, cmd)
	}

	sig, ok := signals[action]
	if !ok {
		return fmt.Errorf("no hook for %s and signals are not supported", action)
	}
	procs, err := a.processes(ctx, bundleName)
	if err != nil {
		return err
	}
	if len(procs) == 0 {
		return fmt.Errorf("%w: %s", ErrNotRunning, a.cfg.ProcessName(bundleName))
	}
	var errs []error
	for _, p := range procs {
		if err := p.Signal(ctx, sig); err != nil {
			errs = append(errs, err)
		}
	}
	slog.DebugContext(ctx, "processes notified", "bundle_name", bundleName, "action", string(action), "signal", sig.String(), "processes", len(procs))
	return errors.Join(errs...)
}

func (a *Authority) hook(action Action) []string {
	if a.cfg.Hooks == nil {
		return nil
	}
	switch action {
	case ActionLoad:
		return a.cfg.Hooks.Load
	case ActionReload:
		return a.cfg.Hooks.Reload
	case ActionUnload:
		return a.cfg.Hooks.Unload
	default:
		return nil
	}
}

func (a *Authority) runHook(ctx context.Context, bundleName string, action Action, cmd []string) error {
	proto := hook.Command{
		Path: cmd[0],
		Args: cmd[1:],
		Env: []string{
			"BUNDLE_NAME=" + bundleName,
			"PROCESS_NAME=" + a.cfg.ProcessName(bundleName),
			"QUICKFIX_ACTION=" + string(action),
		},
		Timeout: a.hookTimeout,
	}
	stderr := func(ctx context.Context, line string) {
		slog.DebugContext(ctx, "hook stderr", "line", line)
	}
	res, err := a.runner.Run(ctx, bundleName+"/"+string(action), proto, stderr)
	if err != nil {
		return err
	}
	slog.DebugContext(ctx, "hook finished", "bundle_name", bundleName, "action", string(action),
		"duration", res.Stopped.Sub(res.Started).String())
	return nil
}

type hostProcess struct {
	p *process.Process
}

func (h hostProcess) Name(ctx context.Context) (string, error) {
	return h.p.NameWithContext(ctx)
}

func (h hostProcess) Signal(ctx context.Context, sig syscall.Signal) error {
	return h.p.SendSignalWithContext(ctx, sig)
}

func hostProcesses(ctx context.Context) ([]Process, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	ret := make([]Process, 0, len(procs))
	for _, p := range procs {
		ret = append(ret, hostProcess{p: p})
	}
	return ret, nil
}
