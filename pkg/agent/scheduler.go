package agent

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ebobo/modem_health_go/pkg/clock"
)

// Task is a fixed periodic job.
type Task struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context)
}

type scheduled struct {
	Task
	next time.Time
}

// Scheduler runs tasks one at a time on the calling goroutine. A task that
// overruns delays the others but never overlaps them.
type Scheduler struct {
	clock clock.Clock
	tasks []*scheduled
}

func NewScheduler(clk clock.Clock, tasks ...Task) *Scheduler {
	s := &Scheduler{clock: clk}
	for _, t := range tasks {
		if t.Every <= 0 {
			log.Warn().Str("task", t.Name).Msg("task has no interval, not scheduled")
			continue
		}
		s.tasks = append(s.tasks, &scheduled{Task: t})
	}
	return s
}

// Run starts every task immediately, then each one Every after its last
// start, until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.tasks) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	now := s.clock.Now()
	for _, t := range s.tasks {
		t.next = now
	}

	for {
		t := s.due()
		if wait := t.next.Sub(s.clock.Now()); wait > 0 {
			if err := s.clock.Sleep(ctx, wait); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		start := s.clock.Now()
		log.Debug().Str("task", t.Name).Msg("task start")
		t.Run(ctx)
		end := s.clock.Now()
		log.Debug().Str("task", t.Name).Dur("took", end.Sub(start)).Msg("task done")

		t.next = start.Add(t.Every)
		if t.next.Before(end) {
			t.next = end
		}
	}
}

// due returns the task with the earliest next run, first registered on ties.
func (s *Scheduler) due() *scheduled {
	first := s.tasks[0]
	for _, t := range s.tasks[1:] {
		if t.next.Before(first.next) {
			first = t
		}
	}
	return first
}
