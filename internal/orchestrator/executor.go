package orchestrator

import (
	"context"
	"time"
)

// SimulatedExecutor is the built-in ActionExecutor: it performs no real
// side effects and reports every action as done. Real integrations plug in
// their own implementation through New.
type SimulatedExecutor struct {
	// PerAction optionally delays each action, for exercising timeouts.
	PerAction time.Duration
}

// Execute simulates running one action.
func (s *SimulatedExecutor) Execute(ctx context.Context, action string, params map[string]any) (map[string]any, error) {
	if s.PerAction > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.PerAction):
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	return map[string]any{
		"action":      action,
		"status":      "simulated",
		"finished_at": time.Now().UTC().Format(time.RFC3339),
	}, nil
}
