// Package approval implements the human-in-the-loop gate: sensitive
// actions are written out as approval request documents, a human edits the
// decision into the file, and the system enforces priority-based expiry.
package approval

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DecisionStatus is the lifecycle state of an approval request.
type DecisionStatus string

const (
	DecisionPending  DecisionStatus = "PENDING"
	DecisionApproved DecisionStatus = "APPROVED"
	DecisionRejected DecisionStatus = "REJECTED"
	DecisionExpired  DecisionStatus = "EXPIRED"
)

// Terminal reports whether the status is a final decision.
func (d DecisionStatus) Terminal() bool {
	return d == DecisionApproved || d == DecisionRejected || d == DecisionExpired
}

// Meta is the YAML frontmatter of a request document. The human decides by
// editing Status (and optionally DecidedBy / Comments) in place.
type Meta struct {
	ID          string         `yaml:"id"`
	CreatedAt   time.Time      `yaml:"created_at"`
	Status      DecisionStatus `yaml:"status"`
	ActionType  string         `yaml:"action_type"`
	Title       string         `yaml:"action_title,omitempty"`
	RequestedBy string         `yaml:"requested_by,omitempty"`
	Priority    string         `yaml:"priority"`
	PlanID      string         `yaml:"plan_id,omitempty"`
	ExpiresAt   time.Time      `yaml:"expires_at"`
	DecidedBy   string         `yaml:"decided_by,omitempty"`
	DecidedAt   *time.Time     `yaml:"decided_at,omitempty"`
	Comments    string         `yaml:"approval_comments,omitempty"`
}

// Document is a full approval request file: frontmatter plus the
// human-readable markdown body.
type Document struct {
	Meta Meta
	Body string
}

const frontmatterDelim = "---"

// Render serializes the document with YAML frontmatter.
func Render(doc *Document) ([]byte, error) {
	meta, err := yaml.Marshal(&doc.Meta)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal frontmatter: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(frontmatterDelim + "\n")
	buf.Write(meta)
	buf.WriteString(frontmatterDelim + "\n\n")
	buf.WriteString(strings.TrimLeft(doc.Body, "\n"))
	if !strings.HasSuffix(doc.Body, "\n") {
		buf.WriteString("\n")
	}
	return buf.Bytes(), nil
}

// Parse splits a request file into frontmatter and body. Files without a
// frontmatter block are rejected; a hand-mangled document must not be
// silently treated as decided.
func Parse(data []byte) (*Document, error) {
	text := string(data)
	if !strings.HasPrefix(text, frontmatterDelim+"\n") {
		return nil, fmt.Errorf("approval document has no frontmatter")
	}

	rest := text[len(frontmatterDelim)+1:]
	end := strings.Index(rest, "\n"+frontmatterDelim)
	if end < 0 {
		return nil, fmt.Errorf("approval document frontmatter is unterminated")
	}

	var meta Meta
	if err := yaml.Unmarshal([]byte(rest[:end]), &meta); err != nil {
		return nil, fmt.Errorf("failed to parse frontmatter: %w", err)
	}
	if meta.ID == "" {
		return nil, fmt.Errorf("approval document has no id")
	}
	if meta.Status == "" {
		meta.Status = DecisionPending
	}

	body := rest[end+1+len(frontmatterDelim):]
	body = strings.TrimPrefix(body, "\n")
	body = strings.TrimPrefix(body, "\n")

	return &Document{Meta: meta, Body: body}, nil
}

// renderBody builds the markdown body for a new request.
func renderBody(a ActionRequest, reasons []string) string {
	var b strings.Builder

	title := a.Title
	if title == "" {
		title = a.Type
	}
	fmt.Fprintf(&b, "# Approval Required: %s\n\n", title)

	if a.RequestedBy != "" {
		fmt.Fprintf(&b, "Requested by %s.\n\n", a.RequestedBy)
	}
	if a.Description != "" {
		b.WriteString("## Description\n\n")
		b.WriteString(strings.TrimRight(a.Description, "\n"))
		b.WriteString("\n\n")
	}

	b.WriteString("## Action\n\n")
	fmt.Fprintf(&b, "- **Type:** %s\n", a.Type)
	fmt.Fprintf(&b, "- **Target:** %s\n", a.Target)
	if a.Method != "" {
		fmt.Fprintf(&b, "- **Method:** %s\n", a.Method)
	}
	if len(a.Recipients) > 0 {
		fmt.Fprintf(&b, "- **Recipients:** %s\n", strings.Join(a.Recipients, ", "))
	}
	if a.Amount > 0 {
		fmt.Fprintf(&b, "- **Amount:** %.2f\n", a.Amount)
	}
	if a.ImpactLevel != "" {
		fmt.Fprintf(&b, "- **Impact:** %s\n", a.ImpactLevel)
	}
	if a.Reversibility != "" {
		fmt.Fprintf(&b, "- **Reversibility:** %s\n", a.Reversibility)
	}
	if a.DataSensitivity != "" {
		fmt.Fprintf(&b, "- **Data sensitivity:** %s\n", a.DataSensitivity)
	}
	if a.Scope != "" {
		fmt.Fprintf(&b, "- **Scope:** %s\n", a.Scope)
	}
	if len(reasons) > 0 {
		fmt.Fprintf(&b, "- **Policy compliance:** flagged by %d rule(s)\n", len(reasons))
	} else {
		b.WriteString("- **Policy compliance:** within policy\n")
	}
	if len(a.Parameters) > 0 {
		keys := make([]string, 0, len(a.Parameters))
		for k := range a.Parameters {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("- **Parameters:**\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "  - %s: %s\n", k, a.Parameters[k])
		}
	}

	if len(reasons) > 0 {
		b.WriteString("\n## Why this needs approval\n\n")
		for _, r := range reasons {
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}

	if len(a.Risks) > 0 {
		b.WriteString("\n## Risks\n\n")
		for i, r := range a.Risks {
			fmt.Fprintf(&b, "%d. %s\n", i+1, r)
		}
	}

	if len(a.Safeguards) > 0 {
		b.WriteString("\n## Safeguards\n\n")
		for _, s := range a.Safeguards {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}

	if a.Preview != "" {
		b.WriteString("\n## Preview\n\n")
		b.WriteString("```\n")
		b.WriteString(strings.TrimRight(a.Preview, "\n"))
		b.WriteString("\n```\n")
	}

	b.WriteString("\n## How to decide\n\n")
	b.WriteString("Edit the `status` field above to `APPROVED` or `REJECTED`.\n")
	b.WriteString("Requests not decided before `expires_at` expire automatically.\n")

	return b.String()
}
