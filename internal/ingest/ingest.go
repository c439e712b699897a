// Package ingest turns raw inputs (dropped files, watcher events) into
// tasks the orchestrator can plan and execute.
package ingest

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
)

// Event is a normalized unit of incoming work.
type Event struct {
	Type      string
	Source    string
	Timestamp time.Time
	Payload   map[string]string
}

// Task is the parsed intent extracted from an input file.
type Task struct {
	Objective string
	Details   string
	Source    string
	Priority  string
	Deadline  *time.Time
}

var (
	priorityLine = regexp.MustCompile(`(?i)^priority:\s*(\w+)`)
	deadlineLine = regexp.MustCompile(`(?i)^deadline:\s*(\S+)`)
)

// TaskFromFile parses a dropped task file. The first non-blank line is the
// objective (a leading markdown heading marker is stripped); the remainder
// is free-form detail. Recognized "priority:" and "deadline:" lines are
// lifted out of the body.
func TaskFromFile(path string) (*Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task file %s: %w", path, err)
	}

	task := &Task{Source: path, Priority: "MEDIUM"}
	var body []string

	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)

		if task.Objective == "" {
			if trimmed == "" {
				continue
			}
			task.Objective = strings.TrimSpace(strings.TrimLeft(trimmed, "# "))
			continue
		}

		if m := priorityLine.FindStringSubmatch(trimmed); m != nil {
			task.Priority = strings.ToUpper(m[1])
			continue
		}
		if m := deadlineLine.FindStringSubmatch(trimmed); m != nil {
			if at, err := time.Parse(time.RFC3339, m[1]); err == nil {
				task.Deadline = &at
			} else {
				body = append(body, line)
			}
			continue
		}

		body = append(body, line)
	}

	if task.Objective == "" {
		return nil, fmt.Errorf("task file %s has no objective", path)
	}

	task.Details = strings.TrimSpace(strings.Join(body, "\n"))
	return task, nil
}
