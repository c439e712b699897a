package engine

import (
	"fmt"

	"taskdesk/internal/plan"
)

// failureImpact grades how much a permanently failed step matters to the
// rest of the plan.
type failureImpact string

const (
	impactCritical failureImpact = "CRITICAL"
	impactHigh     failureImpact = "HIGH"
	impactMedium   failureImpact = "MEDIUM"
	impactLow      failureImpact = "LOW"
)

// classifyImpact derives the failure impact from the step's own metadata
// and its position in the dependency graph.
func classifyImpact(p *plan.Plan, s *plan.Step) failureImpact {
	if s.Critical {
		return impactCritical
	}
	if s.Risk == plan.RiskHigh {
		return impactHigh
	}
	if len(p.Dependents(s.ID)) > 0 {
		return impactMedium
	}
	return impactLow
}

// SelectRecovery decides the response to a step that has exhausted its
// attempts. The mapping is fixed: critical failures abort, high-impact
// failures take an alternative path when one exists and abort otherwise,
// medium-impact failures are skipped along with their dependents, and
// low-impact failures just continue.
func SelectRecovery(p *plan.Plan, s *plan.Step, failErr error) *plan.RecoveryStrategy {
	switch classifyImpact(p, s) {
	case impactCritical:
		return &plan.RecoveryStrategy{
			Type:   plan.RecoveryAbort,
			Reason: fmt.Sprintf("critical step %s failed: %v", s.ID, failErr),
			Action: "halt execution and request human review",
		}

	case impactHigh:
		if alt := findAlternative(p, s); alt != nil {
			return &plan.RecoveryStrategy{
				Type:              plan.RecoveryAlternative,
				Reason:            fmt.Sprintf("high-impact step %s failed, rerouting through %s", s.ID, alt.ID),
				Action:            "continue via alternative step",
				AlternativeStepID: alt.ID,
			}
		}
		return &plan.RecoveryStrategy{
			Type:   plan.RecoveryAbort,
			Reason: fmt.Sprintf("high-impact step %s failed with no alternative available", s.ID),
			Action: "halt execution and request human review",
		}

	case impactMedium:
		return &plan.RecoveryStrategy{
			Type:        plan.RecoverySkipAndContinue,
			Reason:      fmt.Sprintf("step %s failed, skipping it and its dependents", s.ID),
			Action:      "skip dependents and continue",
			Degradation: fmt.Sprintf("outputs of %s and its dependents will be missing", s.ID),
		}

	default:
		return &plan.RecoveryStrategy{
			Type:        plan.RecoveryContinue,
			Reason:      fmt.Sprintf("step %s failed with no dependents", s.ID),
			Action:      "continue with remaining steps",
			Degradation: fmt.Sprintf("outputs of %s will be missing", s.ID),
		}
	}
}

// findAlternative looks for another runnable pending step that promises at
// least one of the failed step's expected outputs and does not itself
// depend on the failed step.
func findAlternative(p *plan.Plan, failed *plan.Step) *plan.Step {
	wanted := make(map[string]bool, len(failed.ExpectedOutputs))
	for _, out := range failed.ExpectedOutputs {
		wanted[out] = true
	}
	if len(wanted) == 0 {
		return nil
	}

	for _, s := range p.Steps {
		if s.ID == failed.ID || s.Status != plan.StepPending {
			continue
		}
		if dependsOn(p, s, failed.ID) {
			continue
		}
		for _, out := range s.ExpectedOutputs {
			if wanted[out] {
				return s
			}
		}
	}
	return nil
}

// dependsOn reports whether s transitively depends on the step with id.
func dependsOn(p *plan.Plan, s *plan.Step, id string) bool {
	seen := map[string]bool{}
	queue := append([]string(nil), s.Dependencies...)
	for len(queue) > 0 {
		dep := queue[0]
		queue = queue[1:]
		if dep == id {
			return true
		}
		if seen[dep] {
			continue
		}
		seen[dep] = true
		if d := p.Step(dep); d != nil {
			queue = append(queue, d.Dependencies...)
		}
	}
	return false
}
