package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"taskdesk/internal/approval"
	"taskdesk/internal/engine"
	"taskdesk/internal/eventlog"
)

// gatedExecutor classifies every action against the approval policy before
// delegating to the real executor. A sensitive action blocks until a human
// decides its request; anything other than APPROVED fails the action. The
// decision is cached per plan and action so a retried step does not file a
// duplicate request.
type gatedExecutor struct {
	inner     engine.ActionExecutor
	approvals *approval.Manager
	scheduler *approval.Scheduler
	events    engine.EventLogger
	logger    *slog.Logger

	mu      sync.Mutex
	entries map[string]*gateEntry
}

// gateEntry tracks one gated plan+action pair. docID is set as soon as a
// request is filed so a retried step resumes watching the same document,
// even when an earlier attempt timed out before the human decided.
type gateEntry struct {
	docID    string
	decision approval.DecisionStatus
	decided  bool
}

func newGatedExecutor(inner engine.ActionExecutor, approvals *approval.Manager, scheduler *approval.Scheduler, events engine.EventLogger, logger *slog.Logger) *gatedExecutor {
	return &gatedExecutor{
		inner:     inner,
		approvals: approvals,
		scheduler: scheduler,
		events:    events,
		logger:    logger,
		entries:   map[string]*gateEntry{},
	}
}

func (g *gatedExecutor) Execute(ctx context.Context, action string, params map[string]any) (map[string]any, error) {
	req := requestFromParams(action, params)

	sensitive, reasons := g.approvals.IsSensitive(req)
	if !sensitive {
		return g.inner.Execute(ctx, action, params)
	}

	decision, err := g.decide(ctx, req, reasons)
	if err != nil {
		return nil, err
	}
	if decision != approval.DecisionApproved {
		return nil, fmt.Errorf("action %q %s by approver", action, strings.ToLower(string(decision)))
	}
	return g.inner.Execute(ctx, action, params)
}

// decide returns the human decision for the action, creating a request
// document only on the first ask.
func (g *gatedExecutor) decide(ctx context.Context, req approval.ActionRequest, reasons []string) (approval.DecisionStatus, error) {
	key := req.PlanID + "/" + req.Type

	g.mu.Lock()
	entry, ok := g.entries[key]
	if !ok {
		entry = &gateEntry{}
		g.entries[key] = entry
	}
	if entry.decided {
		g.mu.Unlock()
		return entry.decision, nil
	}
	docID := entry.docID
	g.mu.Unlock()

	if docID == "" {
		doc, err := g.approvals.CreateRequest(req, reasons)
		if err != nil {
			return "", err
		}
		docID = doc.Meta.ID
		g.mu.Lock()
		entry.docID = docID
		g.mu.Unlock()

		g.logEvent(eventlog.TypeApprovalCreated, req.PlanID, fmt.Sprintf("%s gates action %s", docID, req.Type))
		if g.scheduler != nil {
			g.scheduler.Track(docID, req.PlanID, doc.Meta.ExpiresAt)
		}
	}

	decision, err := g.approvals.Monitor(ctx, docID)
	if err != nil {
		return "", err
	}

	g.logEvent(eventlog.TypeApprovalDecided, req.PlanID, fmt.Sprintf("%s %s", docID, decision))
	if _, err := g.approvals.Archive(docID, decision); err != nil {
		g.logger.Error("failed to archive approval request", "id", docID, "error", err)
	}

	g.mu.Lock()
	entry.decision = decision
	entry.decided = true
	g.mu.Unlock()
	return decision, nil
}

func (g *gatedExecutor) logEvent(eventType, planID, message string) {
	if g.events == nil {
		return
	}
	if err := g.events.Write(eventType, planID, message); err != nil {
		g.logger.Warn("failed to write event", "type", eventType, "error", err)
	}
}

// requestFromParams lifts the well-known action parameters into a request
// the policy can evaluate. Absent keys leave their fields zero.
func requestFromParams(action string, params map[string]any) approval.ActionRequest {
	str := func(key string) string {
		s, _ := params[key].(string)
		return s
	}

	req := approval.ActionRequest{
		Type:            action,
		PlanID:          str("plan_id"),
		Title:           str("step_name"),
		RequestedBy:     "engine",
		Target:          str("objective"),
		Method:          str("method"),
		Content:         str("content"),
		Priority:        str("priority"),
		Preview:         str("preview"),
		ImpactLevel:     str("impact_level"),
		Reversibility:   str("reversibility"),
		DataSensitivity: str("data_sensitivity"),
		Scope:           str("scope"),
	}
	if amount, ok := params["amount"].(float64); ok {
		req.Amount = amount
	}
	if recipients, ok := params["recipients"].([]string); ok {
		req.Recipients = recipients
	}
	return req
}
