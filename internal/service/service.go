package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"go.opentelemetry.io/otel/metric"

	"github.com/patrykniedzwiecki/quickfix/internal/eventbus"
	"github.com/patrykniedzwiecki/quickfix/internal/model"
	"github.com/patrykniedzwiecki/quickfix/internal/patchstore"
	"github.com/patrykniedzwiecki/quickfix/internal/procmgr"
	"github.com/patrykniedzwiecki/quickfix/internal/quickfix"
)

type Service struct {
	bus     *eventbus.Bus
	store   *patchstore.Store
	procs   *procmgr.Authority
	manager *quickfix.Manager
	report  gocron.Scheduler
}

type options struct {
	stdout   io.Writer
	mp       metric.MeterProvider
	procOpts []procmgr.Option
}

type Option func(*options)

// WithStdout sets the writer of the stdout sink.
func WithStdout(w io.Writer) Option {
	return func(o *options) {
		o.stdout = w
	}
}

func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		o.mp = mp
	}
}

func WithProcessOptions(opts ...procmgr.Option) Option {
	return func(o *options) {
		o.procOpts = append(o.procOpts, opts...)
	}
}

func New(ctx context.Context, cfg model.Config, opts ...Option) (_ *Service, err error) {
	if cfg.Version != 0 {
		return nil, fmt.Errorf("config version %d is not supported, expected 0", cfg.Version)
	}
	o := options{stdout: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}

	timeout, err := cfg.QuickFix.TimeoutDuration()
	if err != nil {
		return nil, err
	}

	s := &Service{}
	defer func() {
		if err != nil {
			_ = s.close(ctx)
		}
	}()

	sinks, err := sinks(ctx, cfg.Events, o.stdout, timeout)
	if err != nil {
		return nil, fmt.Errorf("initializing sinks: %w", err)
	}
	s.bus = eventbus.New(sinks...)

	s.store, err = patchstore.Open(cfg.Patches.Dir)
	if err != nil {
		return nil, err
	}

	s.procs, err = procmgr.New(cfg.Process, o.procOpts...)
	if err != nil {
		return nil, fmt.Errorf("initializing process authority: %w", err)
	}

	mopts := []quickfix.Option{quickfix.WithTimeout(timeout)}
	if o.mp != nil {
		mopts = append(mopts, quickfix.WithMeterProvider(o.mp))
	}
	s.manager, err = quickfix.New(s.store, s.procs, s.bus, mopts...)
	if err != nil {
		return nil, fmt.Errorf("initializing quick fix manager: %w", err)
	}

	if cfg.Service.Report != nil {
		s.report, err = newScheduler(ctx, *cfg.Service.Report, func() { s.logTasks(ctx) })
		if err != nil {
			return nil, fmt.Errorf("report: %w", err)
		}
	}
	return s, nil
}

func (s *Service) Manager() *quickfix.Manager {
	return s.manager
}

func (s *Service) Bus() *eventbus.Bus {
	return s.bus
}

// Do runs the manager until ctx is done and releases all resources.
func (s *Service) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a service")

	defer func() {
		if err := s.close(ctx); err != nil {
			slog.ErrorContext(ctx, "closing service", "error", err)
		}
	}()

	if s.report != nil {
		s.report.Start()
		defer func() {
			if err := s.report.Shutdown(); err != nil {
				slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
			}
		}()
	}

	return s.manager.Do(ctx)
}

func (s *Service) close(_ context.Context) error {
	var errs []error
	if s.procs != nil {
		if err := s.procs.Close(); err != nil && !errors.Is(err, procmgr.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil && !errors.Is(err, patchstore.ErrStoreClosed) {
			errs = append(errs, err)
		}
	}
	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) logTasks(ctx context.Context) {
	tasks := s.manager.Tasks()
	if len(tasks) == 0 {
		slog.InfoContext(ctx, "no tasks in flight")
		return
	}
	for _, t := range tasks {
		slog.InfoContext(ctx, "task in flight",
			"task_id", t.ID,
			"task_type", t.Type,
			"state", t.State,
			"bundle_name", t.BundleName,
			"created", t.Created,
		)
	}
}

func newScheduler(ctx context.Context, cfg model.Report, task func()) (gocron.Scheduler, error) {
	cron, every, err := cfg.Schedule()
	if err != nil {
		return nil, err
	}
	var job gocron.JobDefinition
	if cron != "" {
		job = gocron.CronJob(cron, false)
		slog.DebugContext(ctx, "successfully parsed", "cron", cron)
	} else {
		job = gocron.DurationJob(every)
		slog.DebugContext(ctx, "successfully parsed", "duration", every.String())
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(task),
		gocron.WithName("report"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}

func sinks(_ context.Context, cfg model.Events, stdout io.Writer, timeout time.Duration) ([]eventbus.Sink, error) {
	var sinks []eventbus.Sink
	if cfg.Stdout {
		sinks = append(sinks, eventbus.NewWriterSink(stdout))
	}
	if cfg.Dir != nil {
		sink, err := eventbus.NewDirSink(*cfg.Dir)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	webhook, err := cfg.WebhookURL()
	if err != nil {
		return nil, err
	}
	if webhook != nil {
		sink, err := eventbus.NewWebhookSink(webhook, timeout)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	return sinks, nil
}
