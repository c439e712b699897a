package vault

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenCreatesStages(t *testing.T) {
	root := t.TempDir()

	v, err := Open(root)
	require.NoError(t, err)

	for _, stage := range Stages() {
		info, err := os.Stat(filepath.Join(root, string(stage)))
		require.NoError(t, err, "stage %s", stage)
		assert.True(t, info.IsDir())
	}

	// Idempotent
	_, err = Open(root)
	assert.NoError(t, err)

	assert.Equal(t, root, v.Root())
}

func TestMoveIsRenameNotCopy(t *testing.T) {
	v, err := Open(t.TempDir())
	require.NoError(t, err)

	name := "20260301-100000-send-report.md"
	require.NoError(t, os.WriteFile(v.Path(StageInbox, name), []byte("body"), 0600))

	landed, err := v.Move(name, StageInbox, StageNeedsAction)
	require.NoError(t, err)
	assert.Equal(t, name, landed)

	_, err = os.Stat(v.Path(StageInbox, name))
	assert.True(t, os.IsNotExist(err), "source must no longer exist")

	data, err := os.ReadFile(v.Path(StageNeedsAction, name))
	require.NoError(t, err)
	assert.Equal(t, "body", string(data))
}

func TestMoveDisambiguatesExistingTarget(t *testing.T) {
	v, err := Open(t.TempDir())
	require.NoError(t, err)

	name := "item.md"
	require.NoError(t, os.WriteFile(v.Path(StageDone, name), []byte("old"), 0600))
	require.NoError(t, os.WriteFile(v.Path(StageInbox, name), []byte("new"), 0600))

	landed, err := v.Move(name, StageInbox, StageDone)
	require.NoError(t, err)
	assert.NotEqual(t, name, landed)

	names, err := v.List(StageDone)
	require.NoError(t, err)
	assert.Len(t, names, 2)
}

func TestMoveAsAppendsTerminalSuffix(t *testing.T) {
	v, err := Open(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(v.Path(StageNeedsApproval, "APR-20260301-001.md"), []byte("x"), 0600))

	landed, err := v.MoveAs("APR-20260301-001.md", StageNeedsApproval, StageDone, "APR-20260301-001-EXPIRED.md")
	require.NoError(t, err)
	assert.Equal(t, "APR-20260301-001-EXPIRED.md", landed)

	names, err := v.List(StageNeedsApproval)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestMoveMissingSource(t *testing.T) {
	v, err := Open(t.TempDir())
	require.NoError(t, err)

	_, err = v.Move("nope.md", StageInbox, StageDone)
	assert.Error(t, err)
}

func TestListSkipsHiddenFiles(t *testing.T) {
	v, err := Open(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(v.Path(StageInbox, ".item.md.tmp.1.ab"), []byte("x"), 0600))
	require.NoError(t, os.WriteFile(v.Path(StageInbox, "b.md"), []byte("x"), 0600))
	require.NoError(t, os.WriteFile(v.Path(StageInbox, "a.md"), []byte("x"), 0600))

	names, err := v.List(StageInbox)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.md", "b.md"}, names)
}

func TestItemName(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	assert.Equal(t, "20260301-100000-send-weekly-report.md", ItemName("Send Weekly Report!", now))
	assert.Equal(t, "20260301-100000-task.md", ItemName("???", now))

	long := ItemName("this title is very long and will certainly be truncated somewhere", now)
	assert.LessOrEqual(t, len(long), len("20060102-150405-")+40+len(".md"))
}
