package quickfix

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
	"weak"

	"github.com/google/uuid"

	"github.com/patrykniedzwiecki/quickfix/internal/log"
	"github.com/patrykniedzwiecki/quickfix/internal/model"
)

var ErrStopped = errors.New("dispatcher stopped")

// Owner keeps track of in-flight tasks. RemoveTask is called exactly once
// per task, after its result was published.
type Owner interface {
	RemoveTask(t *Task)
}

// env is what a task needs from its Manager.
type env struct {
	patches   PatchService
	procs     ProcessAuthority
	timeouts  TimeoutSupervisor
	timeout   time.Duration
	post      func(func()) bool
	publisher Publisher
	metrics   *metrics
}

// Task is one apply or revoke request.
type Task struct {
	id      string
	typ     Type
	files   []string
	created time.Time
	owner   Owner
	env     env
	ctx     context.Context

	// dispatcher goroutine only
	running    bool
	gen        uint64
	failure    model.ResultCode
	unregister func()

	mx      sync.RWMutex
	state   State
	info    PatchInfo
	result  model.ResultCode
	history []State
	done    chan struct{}
}

func newTask(ctx context.Context, typ Type, owner Owner, e env) *Task {
	id := uuid.NewString()
	ctx = log.ContextAttrs(context.WithoutCancel(ctx),
		slog.String("task_id", id),
		slog.String("task_type", typ.String()),
	)
	return &Task{
		id:      id,
		typ:     typ,
		created: time.Now().UTC(),
		owner:   owner,
		env:     e,
		ctx:     ctx,
		state:   StateInit,
		history: []State{StateInit},
		done:    make(chan struct{}),
	}
}

func (t *Task) ID() string {
	return t.id
}

func (t *Task) Type() Type {
	return t.typ
}

func (t *Task) State() State {
	t.mx.RLock()
	defer t.mx.RUnlock()
	return t.state
}

// Info returns the patch metadata known so far.
func (t *Task) Info() PatchInfo {
	t.mx.RLock()
	defer t.mx.RUnlock()
	return t.info
}

// Done is closed when the task reached DONE or FAILED.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Result returns the published result code. The second value is false while
// the task is in flight.
func (t *Task) Result() (model.ResultCode, bool) {
	t.mx.RLock()
	defer t.mx.RUnlock()
	return t.result, t.state.Terminal()
}

// Snapshot is a point in time view of a task.
type Snapshot struct {
	ID                string    `json:"id"`
	Type              string    `json:"type"`
	State             string    `json:"state"`
	BundleName        string    `json:"bundleName,omitempty"`
	BundleVersionCode int64     `json:"bundleVersionCode,omitempty"`
	PatchVersionCode  int64     `json:"patchVersionCode,omitempty"`
	Created           time.Time `json:"created"`
}

func (t *Task) Snapshot() Snapshot {
	t.mx.RLock()
	defer t.mx.RUnlock()
	return Snapshot{
		ID:                t.id,
		Type:              t.typ.String(),
		State:             t.state.String(),
		BundleName:        t.info.BundleName,
		BundleVersionCode: t.info.BundleVersionCode,
		PatchVersionCode:  t.info.PatchVersionCode,
		Created:           t.created,
	}
}

// Run posts the first step of the task. It returns ErrStopped when the
// dispatcher does not accept work anymore.
func (t *Task) Run() error {
	start := t.startApply
	if t.typ == TypeRevoke {
		start = t.startRevoke
	}
	if !t.env.post(start) {
		return ErrStopped
	}
	return nil
}

func (t *Task) post(fn func()) {
	if !t.env.post(fn) {
		slog.DebugContext(t.ctx, "dispatcher stopped: dropping completion")
	}
}

func (t *Task) setInfo(info PatchInfo) {
	t.mx.Lock()
	t.info = info
	t.mx.Unlock()
}

// setState moves the task forward. Backward moves are refused.
func (t *Task) setState(s State) bool {
	t.mx.Lock()
	prev := t.state
	if prev.Terminal() || s <= prev {
		t.mx.Unlock()
		slog.ErrorContext(t.ctx, "refusing state transition", "from", prev.String(), "to", s.String())
		return false
	}
	t.state = s
	t.history = append(t.history, s)
	t.mx.Unlock()
	slog.DebugContext(t.ctx, "state changed", "from", prev.String(), "to", s.String())
	return true
}

func (t *Task) timeoutName() string {
	return "timeout-" + t.id
}

// step arms the timeout of a new asynchronous call and returns the
// generation its completion must match. A step which cannot be guarded is
// not started.
func (t *Task) step() (uint64, error) {
	t.gen++
	gen := t.gen
	wp := weak.Make(t)
	err := t.env.timeouts.Arm(t.timeoutName(), t.env.timeout, func() {
		if t := wp.Value(); t != nil {
			t.post(func() { t.onTimeout(gen) })
		}
	})
	if err != nil {
		slog.ErrorContext(t.ctx, "timeout not armed", "error", err)
		return 0, err
	}
	return gen, nil
}

// settle reports whether a completion of step gen is still awaited and
// disarms its timeout.
func (t *Task) settle(gen uint64) bool {
	if t.State().Terminal() || gen != t.gen {
		slog.DebugContext(t.ctx, "ignoring stale completion", "gen", gen, "current", t.gen)
		return false
	}
	t.disarm()
	return true
}

func (t *Task) disarm() {
	t.gen++
	t.env.timeouts.Disarm(t.timeoutName())
}

// complete returns a callback which posts fn to the dispatcher. fn runs only
// if step gen is still awaited.
func complete[R any](t *Task, gen uint64, fn func(R)) func(R) {
	return func(r R) {
		t.post(func() {
			if t.settle(gen) {
				fn(r)
			}
		})
	}
}

func (t *Task) onTimeout(gen uint64) {
	if t.State().Terminal() || gen != t.gen {
		return
	}
	slog.WarnContext(t.ctx, "step timed out", "state", t.State().String(), "timeout", t.env.timeout.String())
	t.fail(model.ResultProcessTimeout)
}

// observe waits for the process of the bundle to exit and then calls next.
func (t *Task) observe(s State, next func()) error {
	unregister, err := t.env.procs.RegisterDeathObserver(t.ctx, t.info.BundleName, func() {
		t.post(func() { t.onProcessDied(s, next) })
	})
	if err != nil {
		return err
	}
	t.unregister = unregister
	return nil
}

func (t *Task) onProcessDied(s State, next func()) {
	if t.State() != s {
		return
	}
	t.stopObserving()
	if t.env.procs.IsRunning(t.ctx, t.info.BundleName) {
		slog.InfoContext(t.ctx, "process still running: waiting", "bundle_name", t.info.BundleName)
		if err := t.observe(s, next); err != nil {
			slog.ErrorContext(t.ctx, "registering death observer", "error", err)
			t.fail(model.ResultRegisterObserverFailed)
		}
		return
	}
	slog.DebugContext(t.ctx, "process died", "bundle_name", t.info.BundleName)
	next()
}

func (t *Task) stopObserving() {
	if t.unregister != nil {
		t.unregister()
		t.unregister = nil
	}
}

// record keeps the first failure which does not stop the task.
func (t *Task) record(code model.ResultCode) {
	slog.WarnContext(t.ctx, "step failed", "result", code.String(), "reason", code.Reason())
	if t.failure == model.ResultOK {
		t.failure = code
	}
}

// fail stops the task with the code of the failed step. A failure recorded
// earlier is logged only.
func (t *Task) fail(code model.ResultCode) {
	if t.failure != model.ResultOK && t.failure != code {
		slog.WarnContext(t.ctx, "earlier failure superseded", "result", t.failure.String(), "reason", t.failure.Reason())
	}
	t.terminate(StateFailed, code)
}

func (t *Task) finish() {
	t.terminate(StateDone, t.failure)
}

func (t *Task) terminate(s State, code model.ResultCode) {
	if t.State().Terminal() {
		return
	}
	t.disarm()
	t.stopObserving()

	t.mx.Lock()
	t.state = s
	t.result = code
	t.history = append(t.history, s)
	t.mx.Unlock()

	if code.OK() {
		slog.InfoContext(t.ctx, "task finished", "state", s.String(), "bundle_name", t.info.BundleName)
	} else {
		slog.ErrorContext(t.ctx, "task finished", "state", s.String(), "bundle_name", t.info.BundleName,
			"result", code.String(), "reason", code.Reason())
	}

	t.publish(code)
	t.env.metrics.finished(t.ctx, t.typ, code)
	if t.owner != nil {
		t.owner.RemoveTask(t)
	}
	close(t.done)
}
