package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutorPing(t *testing.T) {
	exec := NewExecutor(NewCollector())

	result, err := exec.Execute(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, true, result["pong"])
	assert.NotEmpty(t, result["time"])
}

func TestExecutorShell(t *testing.T) {
	exec := NewExecutor(NewCollector())

	result, err := exec.Execute(context.Background(), "shell", map[string]any{
		"script": "echo hello",
	})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", result["stdout"])
	assert.Equal(t, 0, result["exit_code"])
}

func TestExecutorShellNonZeroExit(t *testing.T) {
	exec := NewExecutor(NewCollector())

	result, err := exec.Execute(context.Background(), "shell", map[string]any{
		"script": "exit 3",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, result["exit_code"])
}

func TestExecutorShellRequiresScript(t *testing.T) {
	exec := NewExecutor(NewCollector())

	_, err := exec.Execute(context.Background(), "shell", map[string]any{})
	assert.Error(t, err)
}

func TestExecutorRejectsUnknownType(t *testing.T) {
	exec := NewExecutor(NewCollector())

	_, err := exec.Execute(context.Background(), "format_disk", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported command type")
}

func TestTruncateCapsOutput(t *testing.T) {
	huge := make([]byte, maxOutputBytes+100)
	for i := range huge {
		huge[i] = 'x'
	}
	out := truncate(huge)
	assert.LessOrEqual(t, len(out), maxOutputBytes+len("\n...[truncated]"))
	assert.Contains(t, out, "[truncated]")
}
