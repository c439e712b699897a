package approval

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskdesk/internal/fsutil"
	"taskdesk/internal/vault"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, opts ...Option) (*Manager, *vault.Vault, *fakeClock) {
	t.Helper()
	v, err := vault.Open(t.TempDir())
	require.NoError(t, err)

	clock := &fakeClock{t: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewManager(v, testLogger(), opts...), v, clock
}

func TestIsSensitive(t *testing.T) {
	m, _, _ := newTestManager(t)

	cases := []struct {
		name   string
		action ActionRequest
		want   bool
	}{
		{"social post always gated", ActionRequest{Type: "social_post"}, true},
		{"large amount", ActionRequest{Type: "payment", Amount: 1500}, true},
		{"small amount", ActionRequest{Type: "payment", Amount: 50}, false},
		{"external recipient", ActionRequest{Type: "email", Recipients: []string{"bob@example.org"}}, true},
		{"internal recipient", ActionRequest{Type: "email", Recipients: []string{"alice@company.com"}}, false},
		{"ssn in content", ActionRequest{Type: "email", Content: "SSN is 123-45-6789"}, true},
		{"card number in content", ActionRequest{Type: "email", Content: "pay with 4111 1111 1111 1111 please"}, true},
		{"plain content", ActionRequest{Type: "email", Content: "see you at standup"}, false},
		{"listed sensitive action", ActionRequest{Type: "delete_file"}, true},
		{"always-require action", ActionRequest{Type: "database_write"}, true},
		{"unlisted action", ActionRequest{Type: "read_file"}, false},
		{"high impact", ActionRequest{Type: "deploy", ImpactLevel: "HIGH"}, true},
		{"critical impact", ActionRequest{Type: "deploy", ImpactLevel: "critical"}, true},
		{"low impact", ActionRequest{Type: "deploy", ImpactLevel: "LOW"}, false},
		{"pii data", ActionRequest{Type: "export", DataSensitivity: "pii"}, true},
		{"high sensitivity data", ActionRequest{Type: "export", DataSensitivity: "high"}, true},
		{"public data", ActionRequest{Type: "export", DataSensitivity: "public"}, false},
		{"irreversible action", ActionRequest{Type: "purge", Reversibility: "IRREVERSIBLE"}, true},
		{"reversible action", ActionRequest{Type: "purge", Reversibility: "REVERSIBLE"}, false},
	}

	for _, tc := range cases {
		sensitive, reasons := m.IsSensitive(tc.action)
		assert.Equal(t, tc.want, sensitive, tc.name)
		if tc.want {
			assert.NotEmpty(t, reasons, tc.name)
		}
	}
}

func TestIsSensitiveHonorsConfiguredActionLists(t *testing.T) {
	m, _, _ := newTestManager(t, WithPolicy(Policy{
		SensitiveActions: []string{"make_payment"},
		AlwaysRequire:    []string{"drop_table"},
	}))

	sensitive, reasons := m.IsSensitive(ActionRequest{Type: "make_payment"})
	assert.True(t, sensitive)
	assert.NotEmpty(t, reasons)

	sensitive, _ = m.IsSensitive(ActionRequest{Type: "drop_table"})
	assert.True(t, sensitive)

	// The stock lists no longer apply once replaced
	sensitive, _ = m.IsSensitive(ActionRequest{Type: "delete_file"})
	assert.False(t, sensitive)
}

func TestCreateRequestAssignsDailySequence(t *testing.T) {
	m, v, _ := newTestManager(t)

	first, err := m.CreateRequest(ActionRequest{Type: "email", Priority: "HIGH"}, nil)
	require.NoError(t, err)
	second, err := m.CreateRequest(ActionRequest{Type: "email", Priority: "HIGH"}, nil)
	require.NoError(t, err)

	assert.Equal(t, "APR-20260314-001", first.Meta.ID)
	assert.Equal(t, "APR-20260314-002", second.Meta.ID)

	names, err := v.List(vault.StageNeedsApproval)
	require.NoError(t, err)
	assert.Equal(t, []string{"APR-20260314-001.md", "APR-20260314-002.md"}, names)
}

func TestSequenceSurvivesRestart(t *testing.T) {
	m, v, clock := newTestManager(t)

	_, err := m.CreateRequest(ActionRequest{Type: "email"}, nil)
	require.NoError(t, err)

	// A fresh manager over the same vault must not reissue 001
	m2 := NewManager(v, testLogger(), WithClock(clock.Now))
	doc, err := m2.CreateRequest(ActionRequest{Type: "email"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "APR-20260314-002", doc.Meta.ID)
}

func TestCreateRequestRecordsRequesterAndTitle(t *testing.T) {
	m, _, _ := newTestManager(t)

	doc, err := m.CreateRequest(ActionRequest{Type: "send_email", Title: "Send invoices", RequestedBy: "engine"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Send invoices", doc.Meta.Title)
	assert.Equal(t, "engine", doc.Meta.RequestedBy)

	// Defaults apply when the caller leaves them empty
	doc, err = m.CreateRequest(ActionRequest{Type: "send_email"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "send_email", doc.Meta.Title)
	assert.Equal(t, "taskdesk", doc.Meta.RequestedBy)
}

func TestCreateRequestExpiryFollowsPriority(t *testing.T) {
	m, _, clock := newTestManager(t)

	doc, err := m.CreateRequest(ActionRequest{Type: "payment", Priority: "CRITICAL"}, nil)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(900*time.Second), doc.Meta.ExpiresAt)

	doc, err = m.CreateRequest(ActionRequest{Type: "payment", Priority: "unknown"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "MEDIUM", doc.Meta.Priority)
	assert.Equal(t, clock.Now().Add(3600*time.Second), doc.Meta.ExpiresAt)
}

func decide(t *testing.T, m *Manager, id string, status DecisionStatus, decidedAt time.Time) {
	t.Helper()
	data, err := os.ReadFile(m.path(id))
	require.NoError(t, err)
	doc, err := Parse(data)
	require.NoError(t, err)

	doc.Meta.Status = status
	doc.Meta.DecidedAt = &decidedAt
	doc.Meta.DecidedBy = "tester"

	out, err := Render(doc)
	require.NoError(t, err)
	require.NoError(t, fsutil.AtomicWrite(m.path(id), out))
}

func TestPollReadsHumanDecision(t *testing.T) {
	m, _, clock := newTestManager(t)
	doc, err := m.CreateRequest(ActionRequest{Type: "email", Priority: "HIGH"}, nil)
	require.NoError(t, err)

	status, err := m.Poll(doc.Meta.ID)
	require.NoError(t, err)
	assert.Equal(t, DecisionPending, status)

	decide(t, m, doc.Meta.ID, DecisionApproved, clock.Now().Add(time.Minute))

	status, err = m.Poll(doc.Meta.ID)
	require.NoError(t, err)
	assert.Equal(t, DecisionApproved, status)
}

func TestPollFailsClosedOnMissingFile(t *testing.T) {
	m, _, _ := newTestManager(t)
	doc, err := m.CreateRequest(ActionRequest{Type: "email"}, nil)
	require.NoError(t, err)

	require.NoError(t, os.Remove(m.path(doc.Meta.ID)))

	status, err := m.Poll(doc.Meta.ID)
	require.NoError(t, err)
	assert.Equal(t, DecisionRejected, status)
}

func TestPollExpiresOverdueRequest(t *testing.T) {
	m, _, clock := newTestManager(t)
	doc, err := m.CreateRequest(ActionRequest{Type: "payment", Priority: "CRITICAL"}, nil)
	require.NoError(t, err)

	clock.Advance(901 * time.Second)

	status, err := m.Poll(doc.Meta.ID)
	require.NoError(t, err)
	assert.Equal(t, DecisionExpired, status)
}

func TestExpiryIsSticky(t *testing.T) {
	m, _, clock := newTestManager(t)
	doc, err := m.CreateRequest(ActionRequest{Type: "payment", Priority: "CRITICAL"}, nil)
	require.NoError(t, err)

	// An approval recorded after the deadline does not count
	decide(t, m, doc.Meta.ID, DecisionApproved, clock.Now().Add(1000*time.Second))
	clock.Advance(1001 * time.Second)

	status, err := m.Poll(doc.Meta.ID)
	require.NoError(t, err)
	assert.Equal(t, DecisionExpired, status)
}

func TestMarkExpiredLeavesDecidedRequestsAlone(t *testing.T) {
	m, _, clock := newTestManager(t)
	doc, err := m.CreateRequest(ActionRequest{Type: "email"}, nil)
	require.NoError(t, err)

	decide(t, m, doc.Meta.ID, DecisionApproved, clock.Now())
	require.NoError(t, m.MarkExpired(doc.Meta.ID))

	data, err := os.ReadFile(m.path(doc.Meta.ID))
	require.NoError(t, err)
	parsed, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, DecisionApproved, parsed.Meta.Status)
}

func TestMarkExpiredRewritesPendingRequest(t *testing.T) {
	m, _, _ := newTestManager(t)
	doc, err := m.CreateRequest(ActionRequest{Type: "email"}, nil)
	require.NoError(t, err)

	require.NoError(t, m.MarkExpired(doc.Meta.ID))

	data, err := os.ReadFile(m.path(doc.Meta.ID))
	require.NoError(t, err)
	parsed, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, DecisionExpired, parsed.Meta.Status)
	assert.Equal(t, "system", parsed.Meta.DecidedBy)
}

func TestArchiveLandsEveryTerminalStatusInDone(t *testing.T) {
	m, v, clock := newTestManager(t)

	approved, err := m.CreateRequest(ActionRequest{Type: "email"}, nil)
	require.NoError(t, err)
	rejected, err := m.CreateRequest(ActionRequest{Type: "email"}, nil)
	require.NoError(t, err)
	expired, err := m.CreateRequest(ActionRequest{Type: "email"}, nil)
	require.NoError(t, err)
	decide(t, m, rejected.Meta.ID, DecisionRejected, clock.Now())

	landed, err := m.Archive(approved.Meta.ID, DecisionApproved)
	require.NoError(t, err)
	assert.Equal(t, approved.Meta.ID+"-APPROVED.md", landed)

	landed, err = m.Archive(rejected.Meta.ID, DecisionRejected)
	require.NoError(t, err)
	assert.Equal(t, rejected.Meta.ID+"-REJECTED.md", landed)

	landed, err = m.Archive(expired.Meta.ID, DecisionExpired)
	require.NoError(t, err)
	assert.Equal(t, expired.Meta.ID+"-EXPIRED.md", landed)

	// Decided requests are settled paperwork whatever the outcome, so
	// none of them land in Failed
	done, err := v.List(vault.StageDone)
	require.NoError(t, err)
	assert.Contains(t, done, approved.Meta.ID+"-APPROVED.md")
	assert.Contains(t, done, rejected.Meta.ID+"-REJECTED.md")
	assert.Contains(t, done, expired.Meta.ID+"-EXPIRED.md")

	failed, err := v.List(vault.StageFailed)
	require.NoError(t, err)
	assert.Empty(t, failed)

	_, err = m.Archive("APR-20260314-099", DecisionPending)
	assert.Error(t, err, "pending requests must not be archived")
}

func TestPendingRequestsSkipsDecidedAndMalformed(t *testing.T) {
	m, v, clock := newTestManager(t)

	pending, err := m.CreateRequest(ActionRequest{Type: "email"}, nil)
	require.NoError(t, err)
	decided, err := m.CreateRequest(ActionRequest{Type: "email"}, nil)
	require.NoError(t, err)
	decide(t, m, decided.Meta.ID, DecisionRejected, clock.Now())

	junk := v.Path(vault.StageNeedsApproval, "notes.md")
	require.NoError(t, os.WriteFile(junk, []byte("just a stray file"), 0600))

	got, err := m.PendingRequests()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, pending.Meta.ID, got[0].Meta.ID)
}

func TestMonitorBlocksUntilDecision(t *testing.T) {
	m, _, clock := newTestManager(t, WithPollInterval(5*time.Millisecond))
	doc, err := m.CreateRequest(ActionRequest{Type: "email", Priority: "HIGH"}, nil)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		decide(t, m, doc.Meta.ID, DecisionApproved, clock.Now())
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status, err := m.Monitor(ctx, doc.Meta.ID)
	require.NoError(t, err)
	assert.Equal(t, DecisionApproved, status)
}

func TestMonitorHonorsContextCancellation(t *testing.T) {
	m, _, _ := newTestManager(t, WithPollInterval(5*time.Millisecond))
	doc, err := m.CreateRequest(ActionRequest{Type: "email"}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err = m.Monitor(ctx, doc.Meta.ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSchedulerExpiresAtDeadline(t *testing.T) {
	v, err := vault.Open(t.TempDir())
	require.NoError(t, err)
	m := NewManager(v, testLogger(),
		WithTimeouts(map[string]time.Duration{"CRITICAL": 30 * time.Millisecond, "MEDIUM": time.Hour}))

	doc, err := m.CreateRequest(ActionRequest{Type: "payment", Priority: "CRITICAL"}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := NewScheduler(m, testLogger(), nil)
	go sched.Run(ctx)
	sched.Track(doc.Meta.ID, "plan-x", doc.Meta.ExpiresAt)

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(m.path(doc.Meta.ID))
		if err != nil {
			return false
		}
		return strings.Contains(string(data), string(DecisionExpired))
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRequestIDFormat(t *testing.T) {
	m, _, clock := newTestManager(t)
	doc, err := m.CreateRequest(ActionRequest{Type: "email"}, nil)
	require.NoError(t, err)

	assert.Equal(t, fmt.Sprintf("APR-%s-001", clock.Now().Format("20060102")), doc.Meta.ID)
}
