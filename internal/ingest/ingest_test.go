package ingest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTask(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "task.md")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestTaskFromFile(t *testing.T) {
	path := writeTask(t, `# Generate the weekly report

priority: high
deadline: 2026-03-20T17:00:00Z

Use the numbers from the sales sheet.
Include last quarter for comparison.
`)

	task, err := TaskFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "Generate the weekly report", task.Objective)
	assert.Equal(t, "HIGH", task.Priority)
	require.NotNil(t, task.Deadline)
	assert.Equal(t, 2026, task.Deadline.Year())
	assert.Contains(t, task.Details, "sales sheet")
	assert.NotContains(t, task.Details, "priority:")
	assert.Equal(t, path, task.Source)
}

func TestTaskFromFileDefaults(t *testing.T) {
	task, err := TaskFromFile(writeTask(t, "Just do it\n"))
	require.NoError(t, err)

	assert.Equal(t, "Just do it", task.Objective)
	assert.Equal(t, "MEDIUM", task.Priority)
	assert.Nil(t, task.Deadline)
	assert.Empty(t, task.Details)
}

func TestTaskFromFileSkipsLeadingBlankLines(t *testing.T) {
	task, err := TaskFromFile(writeTask(t, "\n\n  \nClean the dataset\nextra context\n"))
	require.NoError(t, err)

	assert.Equal(t, "Clean the dataset", task.Objective)
	assert.Equal(t, "extra context", task.Details)
}

func TestTaskFromFileRejectsEmptyFile(t *testing.T) {
	_, err := TaskFromFile(writeTask(t, "\n\n"))
	assert.Error(t, err)
}

func TestTaskFromFileKeepsUnparsableDeadlineInBody(t *testing.T) {
	task, err := TaskFromFile(writeTask(t, "Do it\ndeadline: tomorrow\n"))
	require.NoError(t, err)

	assert.Nil(t, task.Deadline)
	assert.Contains(t, task.Details, "deadline: tomorrow")
}
