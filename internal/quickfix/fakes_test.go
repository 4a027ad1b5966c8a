package quickfix_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/patrykniedzwiecki/quickfix/internal/model"
	"github.com/patrykniedzwiecki/quickfix/internal/quickfix"
)

const (
	testTimeout = 5 * time.Second
	tick        = time.Millisecond
)

// syncError makes fakePatches.Deploy fail synchronously.
const syncError = "sync-error"

type fakePatches struct {
	mx           sync.Mutex
	deploy       quickfix.DeployResult
	holdDeploy   bool
	holdDelete   bool
	switchStatus quickfix.Status
	deleteStatus quickfix.Status
	info         quickfix.DeployResult
	infoErr      error
	calls        []string
	held         []func(quickfix.DeployResult)
}

func (f *fakePatches) Deploy(_ context.Context, files []string, done func(quickfix.DeployResult)) error {
	if files[0] == syncError {
		return errors.New("cannot deploy")
	}
	f.mx.Lock()
	defer f.mx.Unlock()
	f.calls = append(f.calls, "deploy")
	if f.holdDeploy {
		f.held = append(f.held, done)
		return nil
	}
	res := f.deploy
	go done(res)
	return nil
}

func (f *fakePatches) Switch(_ context.Context, bundleName string, enable bool, done func(quickfix.Status)) error {
	f.mx.Lock()
	defer f.mx.Unlock()
	if enable {
		f.calls = append(f.calls, "switch:on")
	} else {
		f.calls = append(f.calls, "switch:off")
	}
	st := f.switchStatus
	go done(st)
	return nil
}

func (f *fakePatches) Delete(_ context.Context, _ string, done func(quickfix.Status)) error {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.calls = append(f.calls, "delete")
	if f.holdDelete {
		return nil
	}
	st := f.deleteStatus
	go done(st)
	return nil
}

func (f *fakePatches) Info(_ context.Context, _ string) (quickfix.DeployResult, error) {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.calls = append(f.calls, "info")
	return f.info, f.infoErr
}

func (f *fakePatches) Calls() []string {
	f.mx.Lock()
	defer f.mx.Unlock()
	return slices.Clone(f.calls)
}

// Held returns the completion of a held Deploy call.
func (f *fakePatches) Held(t *testing.T) func(quickfix.DeployResult) {
	t.Helper()
	var done func(quickfix.DeployResult)
	require.Eventually(t, func() bool {
		f.mx.Lock()
		defer f.mx.Unlock()
		if len(f.held) == 0 {
			return false
		}
		done = f.held[0]
		return true
	}, testTimeout, tick)
	return done
}

type fakeProcs struct {
	mx          sync.Mutex
	running     bool
	registerErr error
	loadErr     error
	reloadErr   error
	unloadErr   error
	onDied      func()
	calls       []string
}

func (f *fakeProcs) IsRunning(_ context.Context, _ string) bool {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.calls = append(f.calls, "running")
	return f.running
}

func (f *fakeProcs) RegisterDeathObserver(_ context.Context, _ string, onDied func()) (func(), error) {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.calls = append(f.calls, "register")
	if f.registerErr != nil {
		return nil, f.registerErr
	}
	f.onDied = onDied
	return func() {
		f.mx.Lock()
		defer f.mx.Unlock()
		f.calls = append(f.calls, "unregister")
		f.onDied = nil
	}, nil
}

func (f *fakeProcs) NotifyLoadRepairPatch(_ context.Context, _ string) error {
	return f.notify("load", f.loadErr)
}

func (f *fakeProcs) NotifyHotReloadPage(_ context.Context, _ string) error {
	return f.notify("reload", f.reloadErr)
}

func (f *fakeProcs) NotifyUnloadRepairPatch(_ context.Context, _ string) error {
	return f.notify("unload", f.unloadErr)
}

func (f *fakeProcs) notify(name string, err error) error {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.calls = append(f.calls, name)
	return err
}

// Kill marks the process as exited and notifies the observer.
func (f *fakeProcs) Kill(t *testing.T) {
	t.Helper()
	var onDied func()
	require.Eventually(t, func() bool {
		f.mx.Lock()
		defer f.mx.Unlock()
		onDied = f.onDied
		return onDied != nil
	}, testTimeout, tick)
	f.mx.Lock()
	f.running = false
	f.mx.Unlock()
	onDied()
}

func (f *fakeProcs) Calls() []string {
	f.mx.Lock()
	defer f.mx.Unlock()
	return slices.Clone(f.calls)
}

// fakeTimeouts never fires on its own.
type fakeTimeouts struct {
	mx     sync.Mutex
	armed  map[string]func()
	arms   int
	armErr error
}

func newFakeTimeouts() *fakeTimeouts {
	return &fakeTimeouts{armed: make(map[string]func())}
}

func (f *fakeTimeouts) Arm(name string, _ time.Duration, fire func()) error {
	f.mx.Lock()
	defer f.mx.Unlock()
	if f.armErr != nil {
		return f.armErr
	}
	f.armed[name] = fire
	f.arms++
	return nil
}

func (f *fakeTimeouts) Disarm(name string) {
	f.mx.Lock()
	defer f.mx.Unlock()
	delete(f.armed, name)
}

func (f *fakeTimeouts) Fire(name string) bool {
	f.mx.Lock()
	fire, ok := f.armed[name]
	delete(f.armed, name)
	f.mx.Unlock()
	if ok {
		fire()
	}
	return ok
}

func (f *fakeTimeouts) Armed() int {
	f.mx.Lock()
	defer f.mx.Unlock()
	return len(f.armed)
}

type recorder struct {
	mx     sync.Mutex
	events []model.Event
}

func (r *recorder) Publish(_ context.Context, e model.Event) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) Task(id string) []model.Event {
	r.mx.Lock()
	defer r.mx.Unlock()
	var ret []model.Event
	for _, e := range r.events {
		if e.TaskID == id {
			ret = append(ret, e)
		}
	}
	return ret
}

type harness struct {
	m        *quickfix.Manager
	timeouts *fakeTimeouts
	events   *recorder
}

func newHarness(t *testing.T, patches quickfix.PatchService, procs quickfix.ProcessAuthority) harness {
	t.Helper()
	h := harness{
		timeouts: newFakeTimeouts(),
		events:   &recorder{},
	}
	m, err := quickfix.New(patches, procs, h.events,
		quickfix.WithTimeoutSupervisor(h.timeouts),
		quickfix.WithMeterProvider(noop.NewMeterProvider()),
	)
	require.NoError(t, err)
	h.m = m

	ctx, cancel := context.WithCancel(t.Context())
	var wg sync.WaitGroup
	wg.Go(func() {
		err := m.Do(ctx)
		require.ErrorIs(t, err, context.Canceled)
	})
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return h
}

// drain waits until everything posted so far was processed by the
// dispatcher.
func (h harness) drain(t *testing.T) {
	t.Helper()
	task, err := h.m.Apply(t.Context(), []string{syncError})
	require.NoError(t, err)
	wait(t, task)
}

func wait(t *testing.T, task *quickfix.Task) model.ResultCode {
	t.Helper()
	select {
	case <-task.Done():
	case <-time.After(testTimeout):
		t.Fatalf("task %s not finished, state %s", task.ID(), task.State())
	}
	code, ok := task.Result()
	require.True(t, ok)
	return code
}

func requireMonotonic(t *testing.T, task *quickfix.Task) {
	t.Helper()
	history := task.History()
	require.NotEmpty(t, history)
	require.Equal(t, quickfix.StateInit, history[0])
	for i := 1; i < len(history); i++ {
		require.Greater(t, history[i], history[i-1], "history %v", history)
	}
	require.True(t, history[len(history)-1].Terminal())
	for _, s := range history[:len(history)-1] {
		require.False(t, s.Terminal())
	}
}

func ptr[T any](v T) *T {
	return &v
}

func patchType(s string) *quickfix.PatchType {
	return ptr(quickfix.PatchType(s))
}

func hotReload(bundleName string, soContained bool) quickfix.DeployResult {
	return quickfix.DeployResult{
		BundleName:        ptr(bundleName),
		BundleVersionCode: ptr(int64(1)),
		PatchVersionCode:  ptr(int64(100)),
		IsSoContained:     ptr(soContained),
		Type:              patchType("hotreload"),
	}
}
