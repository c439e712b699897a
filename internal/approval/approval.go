package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"taskdesk/internal/fsutil"
	"taskdesk/internal/vault"
)

// ActionRequest describes an outbound action a plan wants to perform.
type ActionRequest struct {
	Type        string
	PlanID      string
	Title       string
	Description string
	RequestedBy string
	Target      string
	Method      string
	Recipients  []string
	Amount      float64
	Content     string
	Parameters  map[string]string
	Priority    string
	Preview     string

	// Risk assessment fields. All optional; an empty value never fires a
	// sensitivity rule.
	ImpactLevel     string
	Reversibility   string
	DataSensitivity string
	Scope           string
	Risks           []string
	Safeguards      []string
}

// Policy holds the sensitivity rules. Every rule that fires contributes a
// human-readable reason to the request document.
type Policy struct {
	// CompanyDomains are the email domains considered internal.
	CompanyDomains []string
	// AmountThreshold gates any action moving more than this amount.
	AmountThreshold float64
	// SensitiveActions are action types gated by default.
	SensitiveActions []string
	// AlwaysRequire are action types gated no matter what else the
	// request says.
	AlwaysRequire []string
}

// DefaultPolicy returns the stock sensitivity rules.
func DefaultPolicy() Policy {
	return Policy{
		CompanyDomains:  []string{"company.com"},
		AmountThreshold: 1000,
		SensitiveActions: []string{
			"send_email",
			"post_linkedin",
			"post_twitter",
			"external_api_call",
			"delete_file",
			"database_write",
			"financial_transaction",
		},
		AlwaysRequire: []string{
			"financial_transaction",
			"database_write",
		},
	}
}

var piiPatterns = map[string]*regexp.Regexp{
	"SSN":         regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	"card number": regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`),
}

// DefaultTimeouts maps task priority to how long a request may wait for a
// decision before expiring.
func DefaultTimeouts() map[string]time.Duration {
	return map[string]time.Duration{
		"LOW":      7200 * time.Second,
		"MEDIUM":   3600 * time.Second,
		"HIGH":     1800 * time.Second,
		"CRITICAL": 900 * time.Second,
	}
}

// Manager creates, polls and archives approval requests in the vault's
// Needs_Approval stage.
type Manager struct {
	vault        *vault.Vault
	logger       *slog.Logger
	policy       Policy
	timeouts     map[string]time.Duration
	pollInterval time.Duration
	now          func() time.Time

	mu  sync.Mutex
	seq map[string]int // day -> last issued sequence number
}

// Option customizes a Manager.
type Option func(*Manager)

// WithPolicy replaces the default sensitivity rules.
func WithPolicy(p Policy) Option {
	return func(m *Manager) { m.policy = p }
}

// WithTimeouts replaces the default priority-to-expiry mapping.
func WithTimeouts(t map[string]time.Duration) Option {
	return func(m *Manager) { m.timeouts = t }
}

// WithPollInterval sets how often Monitor re-reads the request file.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) { m.pollInterval = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager builds a manager over the given vault.
func NewManager(v *vault.Vault, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		vault:        v,
		logger:       logger,
		policy:       DefaultPolicy(),
		timeouts:     DefaultTimeouts(),
		pollInterval: 30 * time.Second,
		now:          time.Now,
		seq:          map[string]int{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// IsSensitive applies the policy rules to an action. A non-empty reasons
// slice means the action must be approved by a human before it runs.
func (m *Manager) IsSensitive(a ActionRequest) (bool, []string) {
	var reasons []string

	if containsFold(m.policy.AlwaysRequire, a.Type) {
		reasons = append(reasons, fmt.Sprintf("%s always requires approval", a.Type))
	} else if containsFold(m.policy.SensitiveActions, a.Type) {
		reasons = append(reasons, fmt.Sprintf("%s is a sensitive action type", a.Type))
	}

	if a.Type == "social_post" {
		reasons = append(reasons, "social media posts always require approval")
	}

	switch strings.ToUpper(a.ImpactLevel) {
	case "HIGH", "CRITICAL":
		reasons = append(reasons, fmt.Sprintf("impact level is %s", strings.ToUpper(a.ImpactLevel)))
	}

	switch strings.ToLower(a.DataSensitivity) {
	case "high", "pii":
		reasons = append(reasons, fmt.Sprintf("handles %s-sensitivity data", strings.ToLower(a.DataSensitivity)))
	}

	if strings.EqualFold(a.Reversibility, "IRREVERSIBLE") {
		reasons = append(reasons, "action cannot be undone")
	}

	if m.policy.AmountThreshold > 0 && a.Amount > m.policy.AmountThreshold {
		reasons = append(reasons, fmt.Sprintf("amount %.2f exceeds threshold %.2f", a.Amount, m.policy.AmountThreshold))
	}

	for _, rcpt := range a.Recipients {
		if isExternal(rcpt, m.policy.CompanyDomains) {
			reasons = append(reasons, fmt.Sprintf("external recipient %s", rcpt))
		}
	}

	for label, pattern := range piiPatterns {
		if pattern.MatchString(a.Content) {
			reasons = append(reasons, fmt.Sprintf("content appears to contain a %s", label))
		}
	}

	return len(reasons) > 0, reasons
}

func containsFold(list []string, s string) bool {
	for _, item := range list {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}

func isExternal(recipient string, companyDomains []string) bool {
	at := strings.LastIndex(recipient, "@")
	if at < 0 {
		return false
	}
	domain := strings.ToLower(recipient[at+1:])
	for _, d := range companyDomains {
		if domain == strings.ToLower(d) {
			return false
		}
	}
	return true
}

// CreateRequest writes a new PENDING request document into the
// Needs_Approval stage and returns it. The expiry deadline follows the
// action's priority.
func (m *Manager) CreateRequest(a ActionRequest, reasons []string) (*Document, error) {
	now := m.now().UTC()

	id, err := m.nextID(now)
	if err != nil {
		return nil, err
	}

	priority := strings.ToUpper(a.Priority)
	timeout, ok := m.timeouts[priority]
	if !ok {
		priority = "MEDIUM"
		timeout = m.timeouts[priority]
	}

	requestedBy := a.RequestedBy
	if requestedBy == "" {
		requestedBy = "taskdesk"
	}
	title := a.Title
	if title == "" {
		title = a.Type
	}

	doc := &Document{
		Meta: Meta{
			ID:          id,
			CreatedAt:   now,
			Status:      DecisionPending,
			ActionType:  a.Type,
			Title:       title,
			RequestedBy: requestedBy,
			Priority:    priority,
			PlanID:      a.PlanID,
			ExpiresAt:   now.Add(timeout),
		},
		Body: renderBody(a, reasons),
	}

	data, err := Render(doc)
	if err != nil {
		return nil, err
	}
	if err := fsutil.AtomicWrite(m.path(id), data); err != nil {
		return nil, fmt.Errorf("failed to write approval request %s: %w", id, err)
	}

	m.logger.Info("approval request created",
		"id", id, "action_type", a.Type, "priority", priority, "expires_at", doc.Meta.ExpiresAt)
	return doc, nil
}

// nextID issues the next APR-YYYYMMDD-NNN identifier, scanning the vault
// once per day so sequence numbers survive restarts.
func (m *Manager) nextID(now time.Time) (string, error) {
	day := now.Format("20060102")

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, seeded := m.seq[day]; !seeded {
		highest := 0
		for _, stage := range []vault.Stage{vault.StageNeedsApproval, vault.StageDone, vault.StageFailed} {
			names, err := m.vault.List(stage)
			if err != nil {
				return "", err
			}
			for _, name := range names {
				if n, ok := parseSequence(name, day); ok && n > highest {
					highest = n
				}
			}
		}
		m.seq[day] = highest
	}

	m.seq[day]++
	return fmt.Sprintf("APR-%s-%03d", day, m.seq[day]), nil
}

func parseSequence(name, day string) (int, bool) {
	prefix := "APR-" + day + "-"
	if !strings.HasPrefix(name, prefix) {
		return 0, false
	}
	rest := strings.TrimPrefix(name, prefix)
	if len(rest) < 3 {
		return 0, false
	}
	n, err := strconv.Atoi(rest[:3])
	if err != nil {
		return 0, false
	}
	return n, true
}

func (m *Manager) path(id string) string {
	return m.vault.Path(vault.StageNeedsApproval, id+".md")
}

// Poll reads the request's current effective status. A request file that
// has disappeared counts as REJECTED: when in doubt the action does not
// run. A decision recorded after the expiry deadline does not count;
// expiry is sticky.
func (m *Manager) Poll(id string) (DecisionStatus, error) {
	data, err := os.ReadFile(m.path(id))
	if os.IsNotExist(err) {
		m.logger.Warn("approval request file disappeared, treating as rejected", "id", id)
		return DecisionRejected, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read approval request %s: %w", id, err)
	}

	doc, err := Parse(data)
	if err != nil {
		return "", fmt.Errorf("approval request %s is unreadable: %w", id, err)
	}

	return m.effectiveStatus(doc), nil
}

// effectiveStatus applies expiry on top of whatever the file says.
func (m *Manager) effectiveStatus(doc *Document) DecisionStatus {
	now := m.now().UTC()
	expired := now.After(doc.Meta.ExpiresAt)

	switch doc.Meta.Status {
	case DecisionApproved, DecisionRejected:
		if doc.Meta.DecidedAt != nil && doc.Meta.DecidedAt.After(doc.Meta.ExpiresAt) {
			return DecisionExpired
		}
		if doc.Meta.DecidedAt == nil && expired {
			return DecisionExpired
		}
		return doc.Meta.Status
	case DecisionExpired:
		return DecisionExpired
	default:
		if expired {
			return DecisionExpired
		}
		return DecisionPending
	}
}

// Monitor blocks until the request reaches a terminal decision, polling
// the file at the configured interval. Expiry is detected here even when
// no scheduler is running.
func (m *Manager) Monitor(ctx context.Context, id string) (DecisionStatus, error) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		status, err := m.Poll(id)
		if err != nil {
			return "", err
		}
		if status.Terminal() {
			return status, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// MarkExpired rewrites a still-pending request as EXPIRED in place. Used
// by the expiry scheduler; a request already decided is left alone.
func (m *Manager) MarkExpired(id string) error {
	data, err := os.ReadFile(m.path(id))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	doc, err := Parse(data)
	if err != nil {
		return err
	}
	if doc.Meta.Status != DecisionPending {
		return nil
	}

	doc.Meta.Status = DecisionExpired
	now := m.now().UTC()
	doc.Meta.DecidedAt = &now
	doc.Meta.DecidedBy = "system"
	doc.Meta.Comments = strings.TrimSpace(doc.Meta.Comments + "\nexpired without a decision")

	out, err := Render(doc)
	if err != nil {
		return err
	}
	return fsutil.AtomicWrite(m.path(id), out)
}

// Archive moves a decided request out of Needs_Approval into Done with
// the final status baked into the filename. Rejected and expired requests
// are settled paperwork, not failures, so every terminal status lands in
// the same place.
func (m *Manager) Archive(id string, status DecisionStatus) (string, error) {
	if !status.Terminal() {
		return "", fmt.Errorf("cannot archive %s in non-terminal status %s", id, status)
	}

	// A deadline passed without the scheduler rewriting the file still
	// archives with EXPIRED baked into the document, not just the name
	if status == DecisionExpired {
		if err := m.MarkExpired(id); err != nil {
			m.logger.Warn("failed to rewrite expired request before archive", "id", id, "error", err)
		}
	}

	landed, err := m.vault.MoveAs(id+".md", vault.StageNeedsApproval, vault.StageDone, fmt.Sprintf("%s-%s.md", id, status))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Already gone; the rejected-on-disappearance path has no file to move
			return "", nil
		}
		return "", err
	}

	m.logger.Info("approval request archived", "id", id, "status", status, "file", landed)
	return landed, nil
}

// PendingRequests lists all requests still awaiting a decision, oldest
// first by ID.
func (m *Manager) PendingRequests() ([]*Document, error) {
	names, err := m.vault.List(vault.StageNeedsApproval)
	if err != nil {
		return nil, err
	}

	var pending []*Document
	for _, name := range names {
		data, err := os.ReadFile(m.vault.Path(vault.StageNeedsApproval, name))
		if err != nil {
			m.logger.Warn("skipping unreadable approval request", "file", name, "error", err)
			continue
		}
		doc, err := Parse(data)
		if err != nil {
			m.logger.Warn("skipping malformed approval request", "file", name, "error", err)
			continue
		}
		if m.effectiveStatus(doc) == DecisionPending {
			pending = append(pending, doc)
		}
	}
	return pending, nil
}
