// Package engine drives a plan to completion: it selects eligible steps,
// executes their actions through the collaborator interface, applies retry
// and recovery policy, and persists the plan after every transition.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"taskdesk/internal/eventlog"
	"taskdesk/internal/plan"
)

// ErrNoOutputs is the validation failure for a step whose actions all ran
// but produced nothing usable.
var ErrNoOutputs = errors.New("step produced no usable outputs")

// ActionExecutor runs a single collaborator action. Implementations live
// outside the core; the engine only sees success-with-outputs or an error.
type ActionExecutor interface {
	Execute(ctx context.Context, action string, params map[string]any) (map[string]any, error)
}

// Planner decomposes an objective into steps. Used when the engine decides
// the current decomposition is no longer workable.
type Planner interface {
	Decompose(ctx context.Context, objective string, pctx plan.Context) ([]*plan.Step, error)
}

// EventLogger receives lifecycle events for the execution journal.
type EventLogger interface {
	Write(eventType, planID, message string) error
}

// Backoff configures the delay between retry attempts. The reference
// behavior is an immediate retry (zero initial delay).
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// Delay returns the pause before re-running a step on the given attempt
// (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Initial <= 0 {
		return 0
	}
	d := b.Initial
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * b.Multiplier)
		if b.Max > 0 && d > b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// Options tune the controller. Zero values are replaced with defaults.
type Options struct {
	// CompletionThreshold is the completed-step ratio at or above which a
	// finished plan counts as COMPLETED.
	CompletionThreshold float64
	// ConfidenceThreshold is the result confidence below which execution
	// halts for human review.
	ConfidenceThreshold float64
	// ActionTimeout bounds each collaborator action invocation.
	ActionTimeout time.Duration
	// DeadlineSlack is how close to the plan deadline execution may get
	// before critical steps are moved ahead of non-critical ones.
	DeadlineSlack time.Duration
	// MaxStepAttempts is the attempt budget for steps that do not set
	// their own.
	MaxStepAttempts int
	// RetryBackoff paces retries of a failed step.
	RetryBackoff Backoff
}

func (o Options) withDefaults() Options {
	if o.CompletionThreshold <= 0 {
		o.CompletionThreshold = 0.8
	}
	if o.ConfidenceThreshold <= 0 {
		o.ConfidenceThreshold = 0.7
	}
	if o.ActionTimeout <= 0 {
		o.ActionTimeout = 30 * time.Second
	}
	if o.DeadlineSlack <= 0 {
		o.DeadlineSlack = 10 * time.Minute
	}
	if o.MaxStepAttempts <= 0 {
		o.MaxStepAttempts = plan.DefaultMaxAttempts
	}
	if o.RetryBackoff.Multiplier <= 0 {
		o.RetryBackoff.Multiplier = 2.0
	}
	return o
}

// Intervention reports why execution halted for a human decision.
type Intervention struct {
	StepID string
	Reason string
}

// Engine is the plan controller.
type Engine struct {
	exec    ActionExecutor
	planner Planner
	store   *plan.Store
	events  EventLogger
	logger  *slog.Logger
	opts    Options
}

// New creates an engine. planner may be nil, in which case replanning is
// skipped and noted on the plan instead.
func New(exec ActionExecutor, planner Planner, store *plan.Store, logger *slog.Logger, opts Options) *Engine {
	return &Engine{
		exec:    exec,
		planner: planner,
		store:   store,
		logger:  logger,
		opts:    opts.withDefaults(),
	}
}

// SetEventLogger attaches the execution journal.
func (e *Engine) SetEventLogger(events EventLogger) {
	e.events = events
}

// Execute runs the plan until every step is terminal, the iteration budget
// is exhausted, or execution halts for a human decision. A non-nil
// Intervention means the plan was left AWAITING_APPROVAL; a nil, nil
// return means the plan was finalized (COMPLETED, FAILED, BLOCKED or
// OBSOLETE).
func (e *Engine) Execute(ctx context.Context, p *plan.Plan) (*Intervention, error) {
	if len(p.Steps) == 0 {
		e.finalize(p)
		return nil, nil
	}

	p.Status = plan.StatusInProgress
	e.save(p)

	reprioritized := false

	for iteration := 0; !p.AllTerminal() && iteration < e.budget(p); iteration++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		e.evaluatePlanState(p, &reprioritized)

		next := e.nextStep(p)
		if next == nil {
			if p.HasBlocked() {
				p.Status = plan.StatusBlocked
				e.save(p)
				e.logEvent(eventlog.TypePlanBlocked, p.ID, "no eligible steps, plan blocked")
				return nil, nil
			}
			break
		}

		result := e.executeStep(ctx, p, next)

		if result.Obsolete {
			p.Status = plan.StatusObsolete
			p.Notes += fmt.Sprintf("\nObjective reported obsolete during %s", next.ID)
			e.save(p)
			e.logEvent(eventlog.TypePlanObsolete, p.ID, "objective no longer relevant, abandoning plan")
			return nil, nil
		}

		if result.Outcome == plan.OutcomeRetry {
			if delay := e.opts.RetryBackoff.Delay(next.Attempts); delay > 0 {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(delay):
				}
			}
		}

		if e.shouldReplan(p, result) {
			e.replan(ctx, p, result)
		}

		if iv := e.checkIntervention(p, next, result); iv != nil {
			p.Status = plan.StatusAwaitingApproval
			e.save(p)
			e.logEvent(eventlog.TypeInterventionRequested, p.ID, iv.Reason)
			return iv, nil
		}
	}

	e.finalize(p)
	return nil, nil
}

// budget is the outer-iteration bound: the total attempt capacity across
// the plan's current steps.
func (e *Engine) budget(p *plan.Plan) int {
	total := 0
	for _, s := range p.Steps {
		total += s.MaxAttempts
	}
	return total
}

// evaluatePlanState re-checks plan-level conditions before each step:
// today that is deadline pressure, which reorders pending work once.
func (e *Engine) evaluatePlanState(p *plan.Plan, reprioritized *bool) {
	p.Touch()

	deadline := p.Context.Deadline
	if deadline == nil || *reprioritized {
		return
	}

	if remaining := time.Until(*deadline); remaining < e.opts.DeadlineSlack {
		// Move critical pending steps ahead of non-critical pending ones;
		// relative order is otherwise preserved.
		sort.SliceStable(p.Steps, func(i, j int) bool {
			a, b := p.Steps[i], p.Steps[j]
			if a.Status == plan.StepPending && b.Status == plan.StepPending {
				return a.Critical && !b.Critical
			}
			return false
		})
		*reprioritized = true
		e.logEvent(eventlog.TypePlanReprioritized, p.ID, "deadline approaching, critical steps moved first")
	}
}

// nextStep selects the lowest-ordinal PENDING step whose dependencies are
// all COMPLETED. A pending step that already spent its attempt budget is
// forced to FAILED and never selected.
func (e *Engine) nextStep(p *plan.Plan) *plan.Step {
	for _, s := range p.Steps {
		if s.Status != plan.StepPending {
			continue
		}
		if s.Attempts >= s.MaxAttempts {
			s.Status = plan.StepFailed
			s.AppendNote("Attempt budget exhausted before execution")
			e.save(p)
			continue
		}
		if !p.DependenciesMet(s) {
			continue
		}
		return s
	}
	return nil
}

// executeStep runs one attempt of a step: every action in order, each
// bounded by the action timeout, then output validation.
func (e *Engine) executeStep(ctx context.Context, p *plan.Plan, s *plan.Step) plan.Result {
	started := time.Now().UTC()
	s.Status = plan.StepInProgress
	s.StartedAt = &started
	s.Attempts++
	e.save(p)

	e.logEvent(eventlog.TypeStepStarted, p.ID, fmt.Sprintf("Starting %s: %s (attempt %d/%d)", s.ID, s.Name, s.Attempts, s.MaxAttempts))

	outputs := make(map[string]any, len(s.Actions))
	var failErr error

	for _, action := range s.Actions {
		actionCtx, cancel := context.WithTimeout(ctx, e.opts.ActionTimeout)
		out, err := e.exec.Execute(actionCtx, action, e.actionParams(p, s))
		cancel()

		if err != nil {
			failErr = fmt.Errorf("action %q failed: %w", action, err)
			break
		}
		outputs[action] = out
	}

	// Validation failure is treated exactly like a transient action failure
	if failErr == nil && len(outputs) == 0 {
		failErr = ErrNoOutputs
	}

	if failErr != nil {
		result := e.handleFailure(p, s, failErr)
		e.save(p)
		return result
	}

	completed := time.Now().UTC()
	s.Status = plan.StepCompleted
	s.CompletedAt = &completed
	s.ActualOutputs = outputs

	result := plan.Result{
		Outcome:    plan.OutcomeSuccess,
		Outputs:    outputs,
		Duration:   completed.Sub(started),
		Message:    "step completed successfully",
		Confidence: 1.0,
	}
	applyCollaboratorSignals(&result, outputs)

	e.save(p)
	e.logEvent(eventlog.TypeStepCompleted, p.ID, fmt.Sprintf("Completed %s in %s", s.ID, result.Duration.Round(time.Millisecond)))
	return result
}

// applyCollaboratorSignals lifts well-known keys out of action outputs:
// collaborators may report confidence and flag results that undermine the
// current decomposition.
func applyCollaboratorSignals(result *plan.Result, outputs map[string]any) {
	for _, o := range outputs {
		out, ok := o.(map[string]any)
		if !ok {
			continue
		}
		if c, ok := out["confidence"].(float64); ok && c < result.Confidence {
			result.Confidence = c
		}
		if b, ok := out["unexpected"].(bool); ok && b {
			result.Unexpected = true
		}
		if b, ok := out["invalidates_assumptions"].(bool); ok && b {
			result.Invalidating = true
		}
		if b, ok := out["suggests_better_approach"].(bool); ok && b {
			result.BetterApproach = true
		}
		if b, ok := out["objective_obsolete"].(bool); ok && b {
			result.Obsolete = true
		}
	}
}

func (e *Engine) actionParams(p *plan.Plan, s *plan.Step) map[string]any {
	return map[string]any{
		"plan_id":   p.ID,
		"step_id":   s.ID,
		"step_name": s.Name,
		"objective": p.Objective,
		"source":    p.Context.Source,
		"priority":  p.Context.Priority,
	}
}

// handleFailure applies retry policy; once the attempt budget is spent it
// marks the step FAILED and consults the recovery selector.
func (e *Engine) handleFailure(p *plan.Plan, s *plan.Step, failErr error) plan.Result {
	e.logEvent(eventlog.TypeStepFailed, p.ID, fmt.Sprintf("%s failed: %v", s.ID, failErr))

	if s.Attempts < s.MaxAttempts {
		s.Status = plan.StepPending
		s.AppendNote("Attempt %d failed: %v. Will retry...", s.Attempts, failErr)

		return plan.Result{
			Outcome:    plan.OutcomeRetry,
			Err:        failErr,
			Retry:      plan.RetryImmediate,
			Message:    fmt.Sprintf("step failed, will retry (%d/%d)", s.Attempts, s.MaxAttempts),
			Confidence: 1.0,
		}
	}

	s.Status = plan.StepFailed
	s.AppendNote("Step failed after %d attempts: %v", s.Attempts, failErr)

	recovery := SelectRecovery(p, s, failErr)
	switch recovery.Type {
	case plan.RecoverySkipAndContinue, plan.RecoveryContinue, plan.RecoveryAlternative:
		e.skipDependents(p, s, recovery)
	}

	return plan.Result{
		Outcome:    plan.OutcomeFailed,
		Err:        failErr,
		Recovery:   recovery,
		Message:    fmt.Sprintf("step failed after %d attempts", s.Attempts),
		Confidence: 1.0,
	}
}

// skipDependents marks every step that can no longer run (its dependency
// chain includes the failed step) as SKIPPED so the rest of the plan can
// proceed.
func (e *Engine) skipDependents(p *plan.Plan, failed *plan.Step, recovery *plan.RecoveryStrategy) {
	unrunnable := map[string]bool{failed.ID: true}

	// Steps are ordered, so one forward pass settles transitive chains.
	for _, s := range p.Steps {
		if s.Status != plan.StepPending {
			continue
		}
		for _, dep := range s.Dependencies {
			if unrunnable[dep] {
				s.Status = plan.StepSkipped
				s.AppendNote("Skipped: dependency %s failed (%s)", dep, recovery.Reason)
				unrunnable[s.ID] = true
				break
			}
		}
	}
}

// shouldReplan checks the replan triggers: repeated failures, a blown
// deadline, or a result that undermines the decomposition.
func (e *Engine) shouldReplan(p *plan.Plan, result plan.Result) bool {
	if p.CountByStatus(plan.StepFailed) >= 2 {
		return true
	}
	if d := p.Context.Deadline; d != nil && time.Now().After(*d) && !p.AllTerminal() {
		return true
	}
	return result.Invalidating || result.BetterApproach
}

// replan preserves COMPLETED steps, discards the rest, and asks the
// planning collaborator to decompose the remaining objective into fresh
// steps appended after the preserved ones.
func (e *Engine) replan(ctx context.Context, p *plan.Plan, trigger plan.Result) {
	if e.planner == nil {
		p.Notes += fmt.Sprintf("\nReplanning wanted at %s but no planner is configured", time.Now().UTC().Format(time.RFC3339))
		return
	}

	e.logEvent(eventlog.TypeReplanning, p.ID, "regenerating plan: "+trigger.Message)

	var preserved []*plan.Step
	for _, s := range p.Steps {
		if s.Status == plan.StepCompleted {
			preserved = append(preserved, s)
		}
	}

	remaining := fmt.Sprintf("%s (remaining work after %d completed steps)", p.Objective, len(preserved))
	newSteps, err := e.planner.Decompose(ctx, remaining, p.Context)
	if err != nil {
		e.logger.Error("replanning failed", "plan_id", p.ID, "error", err)
		p.Notes += fmt.Sprintf("\nReplanning failed: %v", err)
		return
	}

	// Re-key the fresh steps after the preserved ones and remap their
	// internal dependency references.
	idMap := make(map[string]string, len(newSteps))
	for i, s := range newSteps {
		oldID := s.ID
		if oldID == "" {
			oldID = plan.StepID(i)
		}
		newID := plan.StepID(len(preserved) + i)
		idMap[oldID] = newID
		s.ID = newID
		s.Status = plan.StepPending
		s.Attempts = 0
		if s.MaxAttempts <= 0 {
			s.MaxAttempts = e.opts.MaxStepAttempts
		}
		if s.Risk == "" {
			s.Risk = plan.RiskMedium
		}
	}
	for _, s := range newSteps {
		for i, dep := range s.Dependencies {
			if mapped, ok := idMap[dep]; ok {
				s.Dependencies[i] = mapped
			}
		}
	}

	p.Steps = append(preserved, newSteps...)
	p.Notes += fmt.Sprintf("\nPlan regenerated at %s: %s", time.Now().UTC().Format(time.RFC3339), trigger.Message)
	e.save(p)

	e.logEvent(eventlog.TypeReplanned, p.ID, fmt.Sprintf("plan regenerated with %d new steps", len(newSteps)))
}

// checkIntervention decides whether execution must halt for a human. The
// returned StepID names the step the reviewer needs to rule on, which for
// the risk-ahead case is the upcoming step rather than the one just run.
func (e *Engine) checkIntervention(p *plan.Plan, executed *plan.Step, result plan.Result) *Intervention {
	if result.Outcome == plan.OutcomeFailed && executed.Critical {
		return &Intervention{
			StepID: executed.ID,
			Reason: fmt.Sprintf("critical step %s failed permanently", executed.ID),
		}
	}
	if result.Recovery != nil && result.Recovery.Type == plan.RecoveryAbort {
		return &Intervention{StepID: executed.ID, Reason: result.Recovery.Reason}
	}
	if result.Confidence < e.opts.ConfidenceThreshold {
		return &Intervention{
			StepID: executed.ID,
			Reason: fmt.Sprintf("result confidence %.2f below threshold %.2f", result.Confidence, e.opts.ConfidenceThreshold),
		}
	}
	if result.Unexpected {
		return &Intervention{
			StepID: executed.ID,
			Reason: fmt.Sprintf("step %s produced an unexpected result", executed.ID),
		}
	}
	if next := e.peekNext(p); next != nil && next.Risk == plan.RiskHigh {
		return &Intervention{
			StepID: next.ID,
			Reason: fmt.Sprintf("next step %s carries HIGH risk", next.ID),
		}
	}
	return nil
}

// peekNext is nextStep without side effects.
func (e *Engine) peekNext(p *plan.Plan) *plan.Step {
	for _, s := range p.Steps {
		if s.Status != plan.StepPending || s.Attempts >= s.MaxAttempts {
			continue
		}
		if p.DependenciesMet(s) {
			return s
		}
	}
	return nil
}

// finalize settles the plan's terminal status and writes the completion
// summary. The completed-ratio threshold is configuration, never a
// constant: anything at or above it counts as COMPLETED (partial success
// below 100%).
func (e *Engine) finalize(p *plan.Plan) {
	switch p.Status {
	case plan.StatusBlocked, plan.StatusObsolete, plan.StatusAwaitingApproval:
		e.save(p)
		return
	}

	completed := p.CountByStatus(plan.StepCompleted)
	total := len(p.Steps)
	ratio := p.Progress()

	if total > 0 && ratio >= e.opts.CompletionThreshold {
		p.Status = plan.StatusCompleted
		if completed < total {
			p.Notes += fmt.Sprintf("\nPartial success: %d/%d steps completed", completed, total)
		}
	} else {
		p.Status = plan.StatusFailed
	}

	now := time.Now().UTC()
	p.CompletedAt = &now

	rate := 0.0
	if total > 0 {
		rate = float64(completed) / float64(total) * 100
	}
	p.Summary = &plan.CompletionSummary{
		Status:         p.Status,
		CompletedSteps: fmt.Sprintf("%d/%d", completed, total),
		TotalTime:      fmt.Sprintf("%.1fs", now.Sub(p.CreatedAt).Seconds()),
		SuccessRate:    fmt.Sprintf("%.1f%%", rate),
	}

	e.save(p)
	e.logEvent(eventlog.TypePlanCompleted, p.ID, fmt.Sprintf("plan %s (%s steps)", p.Status, p.Summary.CompletedSteps))
}

// save persists the plan document. Persistence failures are logged and
// reflected nowhere else; execution carries on.
func (e *Engine) save(p *plan.Plan) {
	if err := e.store.Save(p); err != nil {
		e.logger.Error("failed to persist plan", "plan_id", p.ID, "error", err)
	}
}

func (e *Engine) logEvent(eventType, planID, message string) {
	if e.events == nil {
		return
	}
	if err := e.events.Write(eventType, planID, message); err != nil {
		e.logger.Warn("failed to write event", "type", eventType, "error", err)
	}
}
