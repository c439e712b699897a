// Package plan defines the unit of work the engine executes: a Plan owning
// an ordered list of Steps, plus the transient result and recovery types
// produced while driving them.
package plan

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a whole plan.
type Status string

const (
	StatusNotStarted       Status = "NOT_STARTED"
	StatusInProgress       Status = "IN_PROGRESS"
	StatusCompleted        Status = "COMPLETED"
	StatusFailed           Status = "FAILED"
	StatusBlocked          Status = "BLOCKED"
	StatusAwaitingApproval Status = "AWAITING_APPROVAL"
	StatusObsolete         Status = "OBSOLETE"
)

// StepStatus is the lifecycle state of a single step.
type StepStatus string

const (
	StepPending    StepStatus = "PENDING"
	StepInProgress StepStatus = "IN_PROGRESS"
	StepCompleted  StepStatus = "COMPLETED"
	StepFailed     StepStatus = "FAILED"
	StepSkipped    StepStatus = "SKIPPED"
	StepBlocked    StepStatus = "BLOCKED"
)

// Terminal reports whether a step can no longer change state.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped:
		return true
	}
	return false
}

// RiskLevel classifies how dangerous a step is to run unattended.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// DefaultMaxAttempts bounds step retries unless a step overrides it.
const DefaultMaxAttempts = 3

// Context is the bag of task metadata carried alongside the objective.
type Context struct {
	Source      string     `json:"source"`
	Priority    string     `json:"priority"`
	Deadline    *time.Time `json:"deadline,omitempty"`
	Resources   []string   `json:"resources,omitempty"`
	Constraints []string   `json:"constraints,omitempty"`
	Assumptions []string   `json:"assumptions,omitempty"`
}

// Step is one executable unit within a plan. Steps are owned exclusively
// by their plan and never outlive it.
type Step struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Description     string         `json:"description"`
	Actions         []string       `json:"actions"`
	ExpectedOutputs []string       `json:"expected_outputs,omitempty"`
	Status          StepStatus     `json:"status"`
	Dependencies    []string       `json:"dependencies,omitempty"`
	Attempts        int            `json:"attempts"`
	MaxAttempts     int            `json:"max_attempts"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	ActualOutputs   map[string]any `json:"actual_outputs,omitempty"`
	Notes           string         `json:"notes,omitempty"`
	Critical        bool           `json:"critical"`
	Risk            RiskLevel      `json:"risk_level"`
}

// AppendNote adds a line to the step's free-form notes.
func (s *Step) AppendNote(format string, args ...any) {
	if s.Notes != "" {
		s.Notes += "\n"
	}
	s.Notes += fmt.Sprintf(format, args...)
}

// CompletionSummary records final plan metrics once execution finishes.
type CompletionSummary struct {
	Status         Status `json:"status"`
	CompletedSteps string `json:"completed_steps"`
	TotalTime      string `json:"total_time"`
	SuccessRate    string `json:"success_rate"`
}

// Plan is a decomposed unit of work with ordered steps and success
// criteria.
type Plan struct {
	ID              string             `json:"id"`
	Objective       string             `json:"objective"`
	SuccessCriteria []string           `json:"success_criteria"`
	Context         Context            `json:"context"`
	Steps           []*Step            `json:"steps"`
	Status          Status             `json:"status"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
	CompletedAt     *time.Time         `json:"completed_at,omitempty"`
	Notes           string             `json:"notes,omitempty"`
	Summary         *CompletionSummary `json:"completion_summary,omitempty"`
}

// New builds a plan in NOT_STARTED state. Step IDs are assigned from their
// ordinal ("step-001", ...) when the caller left them empty, and the
// default attempt bound is applied.
func New(objective string, criteria []string, pctx Context, steps []*Step) *Plan {
	now := time.Now().UTC()
	for i, step := range steps {
		if step.ID == "" {
			step.ID = StepID(i)
		}
		if step.Status == "" {
			step.Status = StepPending
		}
		if step.MaxAttempts <= 0 {
			step.MaxAttempts = DefaultMaxAttempts
		}
		if step.Risk == "" {
			step.Risk = RiskMedium
		}
	}

	return &Plan{
		ID:              fmt.Sprintf("plan-%s-%s", now.Format("20060102-150405"), uuid.New().String()[:8]),
		Objective:       objective,
		SuccessCriteria: criteria,
		Context:         pctx,
		Steps:           steps,
		Status:          StatusNotStarted,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// StepID derives the stable, ordinal-based step identity.
func StepID(ordinal int) string {
	return fmt.Sprintf("step-%03d", ordinal+1)
}

// Step returns the step with the given ID, or nil.
func (p *Plan) Step(id string) *Step {
	for _, s := range p.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// DependenciesMet reports whether every dependency of the step is
// COMPLETED. Unknown dependency IDs count as unmet, which makes cyclic or
// dangling dependency graphs unsatisfiable rather than runnable.
func (p *Plan) DependenciesMet(s *Step) bool {
	for _, depID := range s.Dependencies {
		dep := p.Step(depID)
		if dep == nil || dep.Status != StepCompleted {
			return false
		}
	}
	return true
}

// CountByStatus returns how many steps currently hold the given status.
func (p *Plan) CountByStatus(status StepStatus) int {
	n := 0
	for _, s := range p.Steps {
		if s.Status == status {
			n++
		}
	}
	return n
}

// AllTerminal reports whether every step reached a terminal status.
func (p *Plan) AllTerminal() bool {
	for _, s := range p.Steps {
		if !s.Status.Terminal() {
			return false
		}
	}
	return true
}

// HasBlocked reports whether any step is BLOCKED.
func (p *Plan) HasBlocked() bool {
	return p.CountByStatus(StepBlocked) > 0
}

// Progress returns the completed-step ratio in [0,1].
func (p *Plan) Progress() float64 {
	if len(p.Steps) == 0 {
		return 0
	}
	return float64(p.CountByStatus(StepCompleted)) / float64(len(p.Steps))
}

// Dependents returns the IDs of steps that (transitively or directly)
// depend on the given step.
func (p *Plan) Dependents(id string) []string {
	var out []string
	for _, s := range p.Steps {
		for _, dep := range s.Dependencies {
			if dep == id {
				out = append(out, s.ID)
				break
			}
		}
	}
	return out
}

// Touch bumps the updated-at timestamp.
func (p *Plan) Touch() {
	p.UpdatedAt = time.Now().UTC()
}
