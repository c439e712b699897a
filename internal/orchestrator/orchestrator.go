// Package orchestrator wires the pipeline together: watched Inbox files
// become tasks, tasks become plans, plans run through the engine, and
// sensitive halts go through the human-approval gate before anything moves
// to a terminal queue directory.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"taskdesk/internal/approval"
	"taskdesk/internal/config"
	"taskdesk/internal/engine"
	"taskdesk/internal/eventlog"
	"taskdesk/internal/ingest"
	"taskdesk/internal/plan"
	"taskdesk/internal/planner"
	"taskdesk/internal/vault"
	"taskdesk/internal/watch"
)

// maxConcurrentTasks bounds how many plans run at once.
const maxConcurrentTasks = 4

// Orchestrator owns the long-running service loop.
type Orchestrator struct {
	cfg       *config.Config
	logger    *slog.Logger
	vault     *vault.Vault
	store     *plan.Store
	events    *eventlog.Log
	engine    *engine.Engine
	planner   engine.Planner
	approvals *approval.Manager
	scheduler *approval.Scheduler
	watcher   *watch.Watcher
	stats     Stats
}

// New assembles the pipeline from configuration. Failures here are fatal
// startup conditions.
func New(cfg *config.Config, logger *slog.Logger, exec engine.ActionExecutor) (*Orchestrator, error) {
	v, err := vault.Open(cfg.VaultRoot)
	if err != nil {
		return nil, err
	}

	events, err := eventlog.Open(cfg.EventLogPath)
	if err != nil {
		return nil, err
	}

	store := plan.NewStore(v.Dir(vault.StagePlans))
	pl := planner.NewTemplate()

	approvals := approval.NewManager(v, logger.With("component", "approval"),
		approval.WithPolicy(approval.Policy{
			CompanyDomains:   cfg.Approval.CompanyDomains,
			AmountThreshold:  cfg.Approval.AmountThreshold,
			SensitiveActions: cfg.Approval.SensitiveActions,
			AlwaysRequire:    cfg.Approval.AlwaysRequireApproval,
		}),
		approval.WithTimeouts(cfg.ApprovalTimeouts()),
		approval.WithPollInterval(cfg.PollInterval()),
	)
	scheduler := approval.NewScheduler(approvals, logger.With("component", "scheduler"), events)

	// Every action runs through the policy gate before it reaches the
	// real executor
	gated := newGatedExecutor(exec, approvals, scheduler, events, logger.With("component", "gate"))

	eng := engine.New(gated, pl, store, logger.With("component", "engine"), engine.Options{
		CompletionThreshold: cfg.Engine.CompletionThreshold,
		ConfidenceThreshold: cfg.Engine.ConfidenceThreshold,
		ActionTimeout:       cfg.ActionTimeout(),
		MaxStepAttempts:     cfg.Engine.MaxStepAttempts,
		RetryBackoff: engine.Backoff{
			Initial: time.Duration(cfg.Engine.RetryBackoffMs) * time.Millisecond,
			Max:     time.Duration(cfg.Engine.RetryBackoffMaxMs) * time.Millisecond,
		},
	})
	eng.SetEventLogger(events)

	watcher, err := watch.New(
		v.Dir(vault.StageInbox),
		watch.Filter{Allow: cfg.Watch.AllowPatterns, Deny: cfg.Watch.DenyPatterns},
		watch.NewDebouncer(cfg.Debounce()),
		cfg.Watch.QueueSize,
		logger.With("component", "watch"),
		events,
	)
	if err != nil {
		events.Close()
		return nil, err
	}

	return &Orchestrator{
		cfg:       cfg,
		logger:    logger,
		vault:     v,
		store:     store,
		events:    events,
		engine:    eng,
		planner:   pl,
		approvals: approvals,
		scheduler: scheduler,
		watcher:   watcher,
	}, nil
}

// Vault exposes the queue directories.
func (o *Orchestrator) Vault() *vault.Vault {
	return o.vault
}

// Approvals exposes the approval manager.
func (o *Orchestrator) Approvals() *approval.Manager {
	return o.approvals
}

// Run drives the service until the context is cancelled: the watcher, the
// approval expiry scheduler, and a consumer that fans task handling out to
// a bounded worker group.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("taskdesk started",
		"vault", o.vault.Root(), "inbox", o.vault.Dir(vault.StageInbox))

	if err := o.drainInbox(); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ignoreCanceled(o.watcher.Run(ctx))
	})
	g.Go(func() error {
		return ignoreCanceled(o.scheduler.Run(ctx))
	})
	g.Go(func() error {
		return ignoreCanceled(o.consume(ctx))
	})

	err := g.Wait()
	if cerr := o.events.Close(); cerr != nil {
		o.logger.Warn("failed to close event log", "error", cerr)
	}
	o.logger.Info("taskdesk stopped")
	return err
}

// drainInbox submits tasks that arrived while the service was down. The
// debouncer keeps these from double-firing with watcher notifications.
func (o *Orchestrator) drainInbox() error {
	names, err := o.vault.List(vault.StageInbox)
	if err != nil {
		return err
	}
	for _, name := range names {
		o.watcher.Submit(watch.Event{
			Path: o.vault.Path(vault.StageInbox, name),
			Op:   "BACKLOG",
			Time: time.Now().UTC(),
		})
	}
	return nil
}

func (o *Orchestrator) consume(ctx context.Context) error {
	workers, wctx := errgroup.WithContext(ctx)
	workers.SetLimit(maxConcurrentTasks)

	for {
		select {
		case <-ctx.Done():
			if err := workers.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return ctx.Err()

		case evt := <-o.watcher.Events():
			workers.Go(func() error {
				o.handleEvent(wctx, toIngestEvent(evt))
				return nil
			})
		}
	}
}

// toIngestEvent normalizes a watcher notification into the event shape
// the ingestion pipeline consumes.
func toIngestEvent(evt watch.Event) ingest.Event {
	return ingest.Event{
		Type:      "file_" + strings.ToLower(evt.Op),
		Source:    evt.Path,
		Timestamp: evt.Time,
		Payload:   map[string]string{"op": evt.Op},
	}
}

// handleEvent runs one task end to end. Errors are terminal for the task,
// never for the service.
func (o *Orchestrator) handleEvent(ctx context.Context, evt ingest.Event) {
	name := filepath.Base(evt.Source)
	logger := o.logger.With("task", name)
	o.stats.IncProcessed()

	task, err := ingest.TaskFromFile(evt.Source)
	if err != nil {
		logger.Error("failed to parse task file", "error", err)
		o.failTask(name, vault.StageInbox)
		return
	}

	// Claim the file out of the Inbox, under its canonical name, before
	// doing any work on it
	name, err = o.vault.MoveAs(name, vault.StageInbox, vault.StageNeedsAction,
		vault.ItemName(task.Objective, time.Now()))
	if err != nil {
		logger.Error("failed to claim task file", "error", err)
		o.stats.IncFailed()
		return
	}

	p, err := o.buildPlan(ctx, task)
	if err != nil {
		logger.Error("failed to plan task", "error", err)
		o.failTask(name, vault.StageNeedsAction)
		return
	}
	logger = logger.With("plan_id", p.ID)

	status, err := o.runPlan(ctx, p, task)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			logger.Error("plan execution aborted", "error", err)
		}
		return
	}

	switch status {
	case plan.StatusCompleted:
		o.stats.IncSucceeded()
		if _, err := o.vault.Move(name, vault.StageNeedsAction, vault.StageDone); err != nil {
			logger.Error("failed to archive task file", "error", err)
		}
		logger.Info("task completed", "progress", fmt.Sprintf("%.0f%%", p.Progress()*100))
	case plan.StatusObsolete:
		// Superseded work is archived, not failed
		if _, err := o.vault.Move(name, vault.StageNeedsAction, vault.StageDone); err != nil {
			logger.Error("failed to archive task file", "error", err)
		}
		logger.Info("task objective obsolete, archived")
	default:
		o.failTask(name, vault.StageNeedsAction)
		logger.Warn("task did not complete", "status", status)
	}
}

func (o *Orchestrator) buildPlan(ctx context.Context, task *ingest.Task) (*plan.Plan, error) {
	pctx := plan.Context{
		Source:   task.Source,
		Priority: task.Priority,
		Deadline: task.Deadline,
	}
	if task.Details != "" {
		pctx.Resources = []string{task.Details}
	}

	steps, err := o.planner.Decompose(ctx, task.Objective, pctx)
	if err != nil {
		return nil, err
	}
	for _, s := range steps {
		if s.MaxAttempts <= 0 {
			s.MaxAttempts = o.cfg.Engine.MaxStepAttempts
		}
	}

	p := plan.New(task.Objective, nil, pctx, steps)
	if err := o.store.Save(p); err != nil {
		return nil, err
	}

	if err := o.events.Write(eventlog.TypePlanCreated, p.ID, fmt.Sprintf("Created plan with %d steps for %q", len(p.Steps), task.Objective)); err != nil {
		o.logger.Warn("failed to write event", "error", err)
	}
	return p, nil
}

// runPlan executes the plan, routing every intervention through the
// approval gate until the plan reaches a terminal status.
func (o *Orchestrator) runPlan(ctx context.Context, p *plan.Plan, task *ingest.Task) (plan.Status, error) {
	for {
		iv, err := o.engine.Execute(ctx, p)
		if err != nil {
			return p.Status, err
		}
		if iv == nil {
			return p.Status, nil
		}

		o.stats.IncAwaitingApproval()
		decision, err := o.gate(ctx, p, task, iv)
		if err != nil {
			return p.Status, err
		}

		if decision != approval.DecisionApproved {
			p.Status = plan.StatusFailed
			p.Notes += fmt.Sprintf("\nHalted: intervention %s (%s)", decision, iv.Reason)
			if err := o.store.Save(p); err != nil {
				o.logger.Error("failed to persist plan", "plan_id", p.ID, "error", err)
			}
			return p.Status, nil
		}

		o.resumeAfterApproval(p, iv)
	}
}

// gate creates an approval request for the intervention and blocks until a
// human (or expiry) decides it.
func (o *Orchestrator) gate(ctx context.Context, p *plan.Plan, task *ingest.Task, iv *engine.Intervention) (approval.DecisionStatus, error) {
	req := approval.ActionRequest{
		Type:        "plan_intervention",
		PlanID:      p.ID,
		Title:       "Plan halted: " + p.Objective,
		Description: iv.Reason,
		RequestedBy: "engine",
		Target:      p.Objective,
		Priority:    task.Priority,
		Preview:     iv.Reason,
	}

	doc, err := o.approvals.CreateRequest(req, []string{iv.Reason})
	if err != nil {
		return "", err
	}
	if err := o.events.Write(eventlog.TypeApprovalCreated, p.ID, doc.Meta.ID); err != nil {
		o.logger.Warn("failed to write event", "error", err)
	}
	o.scheduler.Track(doc.Meta.ID, p.ID, doc.Meta.ExpiresAt)

	decision, err := o.approvals.Monitor(ctx, doc.Meta.ID)
	if err != nil {
		return "", err
	}

	if err := o.events.Write(eventlog.TypeApprovalDecided, p.ID, fmt.Sprintf("%s %s", doc.Meta.ID, decision)); err != nil {
		o.logger.Warn("failed to write event", "error", err)
	}
	if _, err := o.approvals.Archive(doc.Meta.ID, decision); err != nil {
		o.logger.Error("failed to archive approval request", "id", doc.Meta.ID, "error", err)
	}
	return decision, nil
}

// resumeAfterApproval applies the human's go-ahead to the flagged step so
// the engine does not immediately halt on the same condition.
func (o *Orchestrator) resumeAfterApproval(p *plan.Plan, iv *engine.Intervention) {
	p.Status = plan.StatusInProgress

	if s := p.Step(iv.StepID); s != nil {
		switch {
		case s.Status == plan.StepFailed:
			s.Status = plan.StepSkipped
			s.AppendNote("Failure accepted by approver, continuing without this step")
		case s.Status == plan.StepPending && s.Risk == plan.RiskHigh:
			s.Risk = plan.RiskMedium
			s.AppendNote("HIGH risk accepted by approver")
		}
	}

	if err := o.store.Save(p); err != nil {
		o.logger.Error("failed to persist plan", "plan_id", p.ID, "error", err)
	}
}

func (o *Orchestrator) failTask(name string, from vault.Stage) {
	o.stats.IncFailed()
	if _, err := o.vault.Move(name, from, vault.StageFailed); err != nil {
		o.logger.Error("failed to move task to Failed", "task", name, "error", err)
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
