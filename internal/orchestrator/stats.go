package orchestrator

import "sync"

// Stats counts pipeline outcomes. Guarded by its own mutex so workers can
// bump counters concurrently.
type Stats struct {
	mu               sync.Mutex
	processed        int
	succeeded        int
	failed           int
	awaitingApproval int
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	Processed        int
	Succeeded        int
	Failed           int
	AwaitingApproval int
}

func (s *Stats) IncProcessed() {
	s.mu.Lock()
	s.processed++
	s.mu.Unlock()
}

func (s *Stats) IncSucceeded() {
	s.mu.Lock()
	s.succeeded++
	s.mu.Unlock()
}

func (s *Stats) IncFailed() {
	s.mu.Lock()
	s.failed++
	s.mu.Unlock()
}

func (s *Stats) IncAwaitingApproval() {
	s.mu.Lock()
	s.awaitingApproval++
	s.mu.Unlock()
}

// Snapshot returns a consistent copy of the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatsSnapshot{
		Processed:        s.processed,
		Succeeded:        s.succeeded,
		Failed:           s.failed,
		AwaitingApproval: s.awaitingApproval,
	}
}

// Stats returns a snapshot of the orchestrator's counters.
func (o *Orchestrator) Stats() StatsSnapshot {
	return o.stats.Snapshot()
}
