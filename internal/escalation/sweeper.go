package escalation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Sweeper periodically re-checks senders touched since the previous sweep. It catches
// rings whose closing edge became visible only after the immediate check ran.
type Sweeper struct {
	cron     *cron.Cron
	trigger  *Trigger
	schedule string
	logger   *slog.Logger
}

// NewSweeper creates a sweeper for trigger on a standard five-field cron schedule.
func NewSweeper(trigger *Trigger, schedule string, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))
	trigger.trackTouched()

	return &Sweeper{
		cron:     c,
		trigger:  trigger,
		schedule: schedule,
		logger:   logger.With("component", "escalation_sweeper"),
	}
}

// Start registers the sweep job and starts the scheduler.
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, func() { s.Sweep(context.Background()) }); err != nil {
		return fmt.Errorf("schedule escalation sweep %q: %w", s.schedule, err)
	}
	s.logger.Info("scheduled escalation sweep", "schedule", s.schedule)
	s.cron.Start()
	return nil
}

// Sweep re-checks every touched sender once and returns how many new rings it escalated.
func (s *Sweeper) Sweep(ctx context.Context) int {
	touched := s.trigger.DrainTouched()
	found := 0
	for userID, event := range touched {
		if ctx.Err() != nil {
			break
		}
		if s.trigger.Check(ctx, userID, event) != nil {
			found++
		}
	}
	if len(touched) > 0 {
		s.logger.Info("escalation sweep finished", "checked", len(touched), "escalated", found)
	}
	return found
}

// Stop stops the scheduler; the returned context is done once a running sweep ends.
func (s *Sweeper) Stop() context.Context {
	return s.cron.Stop()
}
