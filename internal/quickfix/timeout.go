package quickfix

import (
	"fmt"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
)

// DefaultTimeout bounds every asynchronous step of a task.
const DefaultTimeout = 5 * time.Second

// TimeoutSupervisor schedules named one-shot callbacks.
type TimeoutSupervisor interface {
	// Arm schedules fire after d. An armed callback of the same name is
	// replaced.
	Arm(name string, d time.Duration, fire func()) error
	// Disarm cancels the callback if it has not fired yet.
	Disarm(name string)
}

// Scheduler is a TimeoutSupervisor running gocron one-time jobs tagged by
// name.
type Scheduler struct {
	s gocron.Scheduler
}

func NewScheduler() (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	return &Scheduler{s: s}, nil
}

// minDelay is the shortest delay gocron is given a start time for. A start
// time closer than that is in the past by the time the job is scheduled.
const minDelay = 10 * time.Millisecond

func (s *Scheduler) Arm(name string, d time.Duration, fire func()) error {
	s.s.RemoveByTags(name)
	start := gocron.OneTimeJobStartImmediately()
	if d >= minDelay {
		start = gocron.OneTimeJobStartDateTime(time.Now().Add(d))
	}
	_, err := s.s.NewJob(
		gocron.OneTimeJob(start),
		gocron.NewTask(fire),
		gocron.WithName(name),
		gocron.WithTags(name),
	)
	if err != nil {
		return fmt.Errorf("arming timeout %s: %w", name, err)
	}
	return nil
}

func (s *Scheduler) Disarm(name string) {
	s.s.RemoveByTags(name)
}

func (s *Scheduler) Start() {
	s.s.Start()
}

func (s *Scheduler) Shutdown() error {
	return s.s.Shutdown()
}
