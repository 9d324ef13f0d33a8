package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"ploinky/internal/mcpwire"
	"ploinky/internal/taskqueue"
)

// spawnPayload is written as one JSON line to the child process's stdin.
type spawnPayload struct {
	Tool     string         `json:"tool"`
	Input    map[string]any `json:"input"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// runCommand spawns cmdLine via a shell, feeds payload on stdin, and
// captures stdout/stderr. onSpawn, if non-nil, is handed a kill callback
// the moment the process starts so callers can enforce a timeout.
func runCommand(ctx context.Context, cmdLine string, cwd string, env map[string]string, payload spawnPayload, onSpawn taskqueue.SpawnFunc) (taskqueue.ExecResult, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", cmdLine)
	cmd.Dir = cwd
	cmd.Env = mergeEnv(os.Environ(), env)

	line, err := json.Marshal(payload)
	if err != nil {
		return taskqueue.ExecResult{}, err
	}
	cmd.Stdin = bytes.NewReader(append(line, '\n'))

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// When ctx ends, kill the whole process group, not just the shell.
	cmd.Cancel = func() error { return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL) }

	if err := cmd.Start(); err != nil {
		return taskqueue.ExecResult{}, err
	}
	if onSpawn != nil {
		pid := cmd.Process.Pid
		onSpawn(func() {
			// Kill the whole process group so a shell's children die too.
			_ = syscall.Kill(-pid, syscall.SIGKILL)
		})
	}

	err = cmd.Wait()
	res := taskqueue.ExecResult{Stdout: stdout.String(), Stderr: strings.TrimSpace(stderr.String())}
	if err == nil {
		res.Code = 0
		return res, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, ctxErr
	}
	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		res.Code = exitErr.ExitCode()
		return res, nil
	}
	return res, err
}

// TaskExecutor adapts runCommand to the taskqueue.Executor signature, so
// a Queue can be constructed directly against this package's subprocess
// spawning without the caller reaching into unexported helpers.
func TaskExecutor(ctx context.Context, spec taskqueue.CommandSpec, payload map[string]any, onSpawn taskqueue.SpawnFunc) (taskqueue.ExecResult, error) {
	cmdLine := strings.Join(spec.Command, " ")
	tool, _ := payload["tool"].(string)
	input, _ := payload["input"].(map[string]any)
	metadata := map[string]any{}
	if taskID, ok := payload["taskId"]; ok {
		metadata["taskId"] = taskID
	}
	return runCommand(ctx, cmdLine, spec.Cwd, spec.Env, spawnPayload{Tool: tool, Input: input, Metadata: metadata}, onSpawn)
}

func asExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	merged := make([]string, len(base), len(base)+len(overrides))
	copy(merged, base)
	for k, v := range overrides {
		merged = append(merged, k+"="+v)
	}
	return merged
}

// toolCallResult converts a raw ExecResult into the MCP response shape
// per §4.J Execution: exit 0 -> content text (stdout, + stderr if any);
// non-zero -> an error result, never a transport-level failure.
func toolCallResult(res taskqueue.ExecResult) mcpwire.ToolCallResult {
	if res.Code == 0 {
		text := res.Stdout
		if strings.TrimSpace(text) == "" {
			text = "(no output)"
		}
		content := []mcpwire.Content{{Type: "text", Text: text}}
		if res.Stderr != "" {
			content = append(content, mcpwire.Content{Type: "text", Text: res.Stderr})
		}
		return mcpwire.ToolCallResult{Content: content}
	}
	msg := res.Stderr
	if msg == "" {
		msg = "command exited with code " + strconv.Itoa(res.Code)
	}
	return mcpwire.ToolCallResult{IsError: true, Content: []mcpwire.Content{{Type: "text", Text: msg}}}
}
