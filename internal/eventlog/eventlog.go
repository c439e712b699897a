// Package eventlog appends plan lifecycle events to an NDJSON journal.
// The journal is append-only and purely observational; recovery never
// reads it back.
package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Well-known event types written by the engine and orchestrator.
const (
	TypePlanCreated           = "PLAN_CREATED"
	TypeStepStarted           = "STEP_STARTED"
	TypeStepCompleted         = "STEP_COMPLETED"
	TypeStepFailed            = "STEP_FAILED"
	TypeReplanning            = "REPLANNING"
	TypeReplanned             = "REPLANNED"
	TypePlanBlocked           = "PLAN_BLOCKED"
	TypePlanObsolete          = "PLAN_OBSOLETE"
	TypePlanReprioritized     = "PLAN_REPRIORITIZED"
	TypePlanCompleted         = "PLAN_COMPLETED"
	TypeInterventionRequested = "INTERVENTION_REQUESTED"
	TypeEventDropped          = "EVENT_DROPPED"
	TypeApprovalCreated       = "APPROVAL_CREATED"
	TypeApprovalDecided       = "APPROVAL_DECIDED"
)

// Event is one journal line.
type Event struct {
	Time    time.Time `json:"ts"`
	Type    string    `json:"type"`
	PlanID  string    `json:"plan_id,omitempty"`
	Message string    `json:"message"`
}

// Log writes events to a single NDJSON file. Safe for concurrent use.
type Log struct {
	file    *os.File
	encoder *json.Encoder
	mu      sync.Mutex
}

// Open opens (or creates) the journal at logPath for appending.
func Open(logPath string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}

	return &Log{
		file:    file,
		encoder: json.NewEncoder(file),
	}, nil
}

// Write appends one event, stamping it with the current time.
func (l *Log) Write(eventType, planID, message string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.encoder.Encode(Event{
		Time:    time.Now().UTC(),
		Type:    eventType,
		PlanID:  planID,
		Message: message,
	})
}

// Close closes the journal file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
