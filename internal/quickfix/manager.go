package quickfix

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
)

var (
	ErrNoPatchFiles = errors.New("no patch files")
	ErrNoBundleName = errors.New("no bundle name")
)

// Manager creates tasks and keeps the registry of the ones in flight.
type Manager struct {
	patches    PatchService
	procs      ProcessAuthority
	publisher  Publisher
	timeout    time.Duration
	timeouts   TimeoutSupervisor
	scheduler  *Scheduler // owned, nil when timeouts were injected
	dispatcher *Dispatcher
	mp         metric.MeterProvider
	metrics    *metrics

	mx    sync.Mutex
	tasks map[string]*Task
}

type Option func(*Manager)

// WithTimeout sets the bound of every asynchronous step.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithTimeoutSupervisor replaces the gocron based supervisor.
func WithTimeoutSupervisor(ts TimeoutSupervisor) Option {
	return func(m *Manager) {
		m.timeouts = ts
	}
}

func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(m *Manager) {
		m.mp = mp
	}
}

// New returns a Manager. patches and procs may be nil, tasks needing them
// then fail with ADAPTER_UNAVAILABLE.
func New(patches PatchService, procs ProcessAuthority, publisher Publisher, opts ...Option) (*Manager, error) {
	m := &Manager{
		patches:    patches,
		procs:      procs,
		publisher:  publisher,
		timeout:    DefaultTimeout,
		dispatcher: NewDispatcher(),
		tasks:      make(map[string]*Task),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.timeouts == nil {
		s, err := NewScheduler()
		if err != nil {
			return nil, err
		}
		m.scheduler = s
		m.timeouts = s
	}

	metrics, err := newMetrics(m.mp)
	if err != nil {
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}
	m.metrics = metrics
	return m, nil
}

// Do runs the dispatcher until ctx is done. Tasks still in flight are
// abandoned.
func (m *Manager) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a quick fix manager", "timeout", m.timeout.String())
	if m.scheduler != nil {
		m.scheduler.Start()
		defer func() {
			if err := m.scheduler.Shutdown(); err != nil {
				slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
			}
		}()
	}

	err := m.dispatcher.Do(ctx)
	if n := m.Len(); n > 0 {
		slog.WarnContext(ctx, "abandoning tasks in flight", "tasks", n)
	}
	return err
}

// Apply starts a task deploying, enabling and cleaning up a patch. The result
// is published asynchronously.
func (m *Manager) Apply(ctx context.Context, files []string) (*Task, error) {
	if len(files) == 0 {
		return nil, ErrNoPatchFiles
	}
	t := newTask(ctx, TypeApply, m, m.env())
	t.files = slices.Clone(files)
	return m.run(ctx, t)
}

// Revoke starts a task disabling and removing the active patch of a bundle.
func (m *Manager) Revoke(ctx context.Context, bundleName string) (*Task, error) {
	if bundleName == "" {
		return nil, ErrNoBundleName
	}
	t := newTask(ctx, TypeRevoke, m, m.env())
	t.info.BundleName = bundleName
	return m.run(ctx, t)
}

// Info returns the metadata of the active patch of a bundle.
func (m *Manager) Info(ctx context.Context, bundleName string) (PatchInfo, error) {
	if m.patches == nil {
		return PatchInfo{}, errors.New("patch service is unavailable")
	}
	raw, err := m.patches.Info(ctx, bundleName)
	if err != nil {
		return PatchInfo{}, err
	}
	return raw.Info()
}

func (m *Manager) run(ctx context.Context, t *Task) (*Task, error) {
	m.mx.Lock()
	m.tasks[t.id] = t
	m.mx.Unlock()

	m.metrics.begin(ctx, t.typ)
	if err := t.Run(); err != nil {
		m.mx.Lock()
		delete(m.tasks, t.id)
		m.mx.Unlock()
		m.metrics.abandoned(ctx, t.typ)
		return nil, err
	}
	slog.DebugContext(ctx, "task started", "task_id", t.id, "task_type", t.typ.String())
	return t, nil
}

func (m *Manager) env() env {
	return env{
		patches:   m.patches,
		procs:     m.procs,
		timeouts:  m.timeouts,
		timeout:   m.timeout,
		post:      m.dispatcher.Post,
		publisher: m.publisher,
		metrics:   m.metrics,
	}
}

// RemoveTask deregisters a finished task.
func (m *Manager) RemoveTask(t *Task) {
	m.mx.Lock()
	defer m.mx.Unlock()
	if _, ok := m.tasks[t.id]; !ok {
		slog.WarnContext(t.ctx, "removing unknown task")
		return
	}
	delete(m.tasks, t.id)
}

// Task returns an in-flight task.
func (m *Manager) Task(id string) (*Task, bool) {
	m.mx.Lock()
	defer m.mx.Unlock()
	t, ok := m.tasks[id]
	return t, ok
}

func (m *Manager) Len() int {
	m.mx.Lock()
	defer m.mx.Unlock()
	return len(m.tasks)
}

// Tasks returns snapshots of the tasks in flight, oldest first.
func (m *Manager) Tasks() []Snapshot {
	m.mx.Lock()
	tasks := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		tasks = append(tasks, t)
	}
	m.mx.Unlock()

	ret := make([]Snapshot, 0, len(tasks))
	for _, t := range tasks {
		ret = append(ret, t.Snapshot())
	}
	slices.SortFunc(ret, func(a, b Snapshot) int {
		return cmp.Or(a.Created.Compare(b.Created), cmp.Compare(a.ID, b.ID))
	})
	return ret
}
