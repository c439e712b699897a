package approval

import (
	"context"
	"log/slog"
	"time"

	"taskdesk/internal/eventlog"
)

// EventLogger receives approval lifecycle events for the execution journal.
type EventLogger interface {
	Write(eventType, planID, message string) error
}

type deadline struct {
	id        string
	planID    string
	expiresAt time.Time
}

// Scheduler expires pending requests at their deadline. All expiry state
// lives in the single goroutine running Run; Track only hands deadlines
// across a channel.
type Scheduler struct {
	manager *Manager
	logger  *slog.Logger
	events  EventLogger
	add     chan deadline
}

// NewScheduler builds a scheduler over the manager. events may be nil.
func NewScheduler(m *Manager, logger *slog.Logger, events EventLogger) *Scheduler {
	return &Scheduler{
		manager: m,
		logger:  logger,
		events:  events,
		add:     make(chan deadline, 64),
	}
}

// Track registers a request for expiry at its deadline. Safe to call from
// any goroutine.
func (s *Scheduler) Track(id, planID string, expiresAt time.Time) {
	select {
	case s.add <- deadline{id: id, planID: planID, expiresAt: expiresAt}:
	default:
		s.logger.Warn("expiry tracker backlog full, relying on poll-side expiry", "id", id)
	}
}

// Run drives the expiry loop until the context is cancelled. It sleeps
// until the earliest tracked deadline, marks everything due as EXPIRED,
// and goes back to sleep.
func (s *Scheduler) Run(ctx context.Context) error {
	var tracked []deadline

	for {
		var timerC <-chan time.Time
		var timer *time.Timer
		if len(tracked) > 0 {
			wait := time.Until(earliest(tracked))
			if wait < 0 {
				wait = 0
			}
			timer = time.NewTimer(wait)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()

		case d := <-s.add:
			tracked = append(tracked, d)

		case <-timerC:
			now := s.manager.now().UTC()
			remaining := tracked[:0]
			for _, d := range tracked {
				if d.expiresAt.After(now) {
					remaining = append(remaining, d)
					continue
				}
				s.expire(d)
			}
			tracked = remaining
		}

		if timer != nil {
			timer.Stop()
		}
	}
}

func (s *Scheduler) expire(d deadline) {
	if err := s.manager.MarkExpired(d.id); err != nil {
		s.logger.Error("failed to expire approval request", "id", d.id, "error", err)
		return
	}

	s.logger.Info("approval request expired", "id", d.id)
	if s.events != nil {
		if err := s.events.Write(eventlog.TypeApprovalDecided, d.planID, d.id+" expired without a decision"); err != nil {
			s.logger.Warn("failed to write event", "error", err)
		}
	}
}

func earliest(tracked []deadline) time.Time {
	min := tracked[0].expiresAt
	for _, d := range tracked[1:] {
		if d.expiresAt.Before(min) {
			min = d.expiresAt
		}
	}
	return min
}
