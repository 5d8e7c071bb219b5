package agent

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"
)

const (
	commandTimeout = 60 * time.Second
	maxOutputBytes = 32 * 1024
)

// Executor runs commands received from the relay. Types other than the ones
// handled here fail with an error result so the operator sees the rejection
// instead of a silently dropped command.
type Executor struct {
	collector *Collector
}

func NewExecutor(collector *Collector) *Executor {
	return &Executor{collector: collector}
}

func (e *Executor) Execute(ctx context.Context, commandType string, commandData map[string]any) (map[string]any, error) {
	switch commandType {
	case "ping":
		return map[string]any{"pong": true, "time": time.Now().UTC().Format(time.RFC3339)}, nil
	case "collect_metrics":
		return map[string]any{"system": e.collector.Sample()}, nil
	case "shell":
		return e.runShell(ctx, commandData)
	default:
		return nil, fmt.Errorf("unsupported command type: %s", commandType)
	}
}

func (e *Executor) runShell(ctx context.Context, commandData map[string]any) (map[string]any, error) {
	script, _ := commandData["script"].(string)
	if script == "" {
		return nil, fmt.Errorf("shell command requires a script")
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", script)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()

	result := map[string]any{
		"stdout":      truncate(stdout.Bytes()),
		"stderr":      truncate(stderr.Bytes()),
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("shell command timed out after %s", commandTimeout)
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result["exit_code"] = exitErr.ExitCode()
			return result, nil
		}
		return nil, err
	}
	result["exit_code"] = 0
	return result, nil
}

func truncate(output []byte) string {
	if len(output) > maxOutputBytes {
		return string(output[:maxOutputBytes]) + "\n...[truncated]"
	}
	return string(output)
}
