package cli

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskdesk/internal/approval"
	"taskdesk/internal/config"
	"taskdesk/internal/vault"
)

func TestLoadOrCreateConfigWritesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskdesk.json")

	cfg, loadedFrom, err := loadOrCreateConfig(path)
	require.NoError(t, err)
	assert.Equal(t, path, loadedFrom)
	assert.Equal(t, "vault", cfg.VaultRoot)

	_, err = os.Stat(path)
	assert.NoError(t, err, "default config written to disk")

	// Second call loads the file it just wrote
	_, _, err = loadOrCreateConfig(path)
	require.NoError(t, err)
}

func TestLoadOrCreateConfigRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskdesk.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"vault_root": ""}`), 0600))

	_, _, err := loadOrCreateConfig(path)
	assert.Error(t, err)
}

func runCLI(t *testing.T, args ...string) string {
	t.Helper()
	buf := &bytes.Buffer{}
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.Execute())
	return buf.String()
}

func pendingTestConfig(t *testing.T) (*config.Config, string) {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.VaultRoot = filepath.Join(dir, "vault")
	cfg.EventLogPath = filepath.Join(dir, "events.ndjson")

	path := filepath.Join(dir, "taskdesk.json")
	require.NoError(t, cfg.SaveToFile(path))
	return cfg, path
}

func TestPendingCommandEmptyVault(t *testing.T) {
	_, cfgPath := pendingTestConfig(t)

	out := runCLI(t, "pending", "-c", cfgPath)
	assert.Contains(t, out, "No pending approval requests")
}

func TestPendingCommandListsRequests(t *testing.T) {
	cfg, cfgPath := pendingTestConfig(t)

	v, err := vault.Open(cfg.VaultRoot)
	require.NoError(t, err)
	mgr := approval.NewManager(v, slog.New(slog.NewTextHandler(io.Discard, nil)))
	doc, err := mgr.CreateRequest(approval.ActionRequest{Type: "email", Priority: "HIGH", PlanID: "plan-1"}, nil)
	require.NoError(t, err)

	out := runCLI(t, "pending", "-c", cfgPath)
	assert.Contains(t, out, doc.Meta.ID)
	assert.Contains(t, out, "email")
	assert.Contains(t, out, "plan-1")
}
