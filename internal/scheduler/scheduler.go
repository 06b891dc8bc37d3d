// Package scheduler fires stored reminders back into the agent as
// internal messages. Reminders live in SQLite so they survive restarts;
// the scheduler polls for due ones and hands them to a FireFunc.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kosciak9/manfrod/internal/events"
	"github.com/kosciak9/manfrod/internal/storage"
)

// DefaultPollInterval is how often the scheduler checks for due
// reminders. Reminder precision is bounded by this interval.
const DefaultPollInterval = 10 * time.Second

// FireFunc is called for each due reminder. The scheduler re-arms or
// retires the reminder only when fire returns nil.
type FireFunc func(ctx context.Context, r storage.Reminder) error

// Scheduler polls the reminder table and fires due entries.
type Scheduler struct {
	store    *storage.Store
	fire     FireFunc
	bus      *events.Bus
	logger   *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a scheduler. interval <= 0 uses DefaultPollInterval.
func New(store *storage.Store, fire FireFunc, bus *events.Bus, logger *slog.Logger, interval time.Duration) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Scheduler{
		store:    store,
		fire:     fire,
		bus:      bus,
		logger:   logger.With("component", "scheduler"),
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the polling loop. Reminders already overdue (e.g.
// after downtime) fire on the first tick.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx)
	s.logger.Debug("scheduler started", "poll_interval", s.interval)
}

// Stop halts the polling loop and waits for it to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// First check immediately, to catch reminders missed during downtime.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	due, err := s.store.DueReminders(now)
	if err != nil {
		s.logger.Warn("due reminder query failed", "error", err)
		return
	}

	for _, r := range due {
		if ctx.Err() != nil {
			return
		}
		if err := s.fire(ctx, r); err != nil {
			// Leave the reminder due; it fires again next tick.
			s.logger.Warn("reminder delivery failed", "id", r.ID, "error", err)
			continue
		}

		s.bus.Publish(events.Event{
			Source: events.SourceScheduler,
			Kind:   events.KindReminderFired,
			Data: map[string]any{
				"id":      r.ID,
				"message": r.Message,
			},
		})
		s.logger.Info("reminder fired", "id", r.ID, "repeating", r.IntervalSec > 0)

		if err := s.store.CompleteReminder(r, now); err != nil {
			s.logger.Error("reminder completion failed", "id", r.ID, "error", err)
		}
	}
}
