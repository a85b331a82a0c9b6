package executor

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/BlackRoad-OS/blackroad-pi-ops/internal/process"
)

// Blocklist guards the shell handler against a configurable set of
// dangerous command substrings. Matching is case-insensitive and coarse by
// design: "dd if=" also matches substrings of benign filenames, but the
// behavior is retained as specified rather than narrowed.
type Blocklist struct {
	Blocked []string
	Allowed []string
}

func (b Blocklist) blocks(command string) bool {
	lower := strings.ToLower(command)
	for _, bad := range b.Blocked {
		if bad == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(bad)) {
			return true
		}
	}
	if len(b.Allowed) == 0 {
		return false
	}
	for _, ok := range b.Allowed {
		if strings.Contains(lower, strings.ToLower(ok)) {
			return false
		}
	}
	return true
}

// DefaultBlocklist returns the built-in set of disallowed shell commands.
func DefaultBlocklist() Blocklist {
	return Blocklist{Blocked: []string{"rm -rf /", "mkfs", "dd if="}}
}

// RegisterBuiltins installs the shell, script, python, file_read,
// file_write, and service handlers. host runs the spawned processes;
// interpreter is the scripting interpreter binary used by the python
// handler (e.g. "python3").
func RegisterBuiltins(e *Executor, host process.Host, bl Blocklist, interpreter string) {
	e.RegisterHandler("shell", shellHandler(host, bl))
	e.RegisterHandler("script", scriptHandler(host))
	e.RegisterHandler("python", pythonHandler(host, interpreter))
	e.RegisterHandler("file_read", fileReadHandler())
	e.RegisterHandler("file_write", fileWriteHandler())
	e.RegisterHandler("service", serviceHandler(host, bl))
}

func shellHandler(host process.Host, bl Blocklist) Handler {
	return func(ctx context.Context, task Task) HandlerOutcome {
		command, _ := task.Payload["command"].(string)
		if command == "" {
			return HandlerOutcome{Err: fmt.Errorf("No command provided")}
		}
		if bl.blocks(command) {
			return HandlerOutcome{Err: fmt.Errorf("Command blocked by security policy")}
		}

		spec := process.Spec{Shell: true, Command: command}
		spec.Cwd, _ = task.Payload["cwd"].(string)
		spec.Env = stringMap(task.Payload["env"])

		result, err := host.Run(ctx, spec)
		return outcomeFromProcess(result, err)
	}
}

func scriptHandler(host process.Host) Handler {
	return func(ctx context.Context, task Task) HandlerOutcome {
		path, _ := task.Payload["path"].(string)
		if path == "" {
			return HandlerOutcome{Err: fmt.Errorf("No path provided")}
		}
		spec := process.Spec{Path: path, Args: stringSlice(task.Payload["args"])}
		result, err := host.Run(ctx, spec)
		return outcomeFromProcess(result, err)
	}
}

func pythonHandler(host process.Host, interpreter string) Handler {
	if interpreter == "" {
		interpreter = "python3"
	}
	return func(ctx context.Context, task Task) HandlerOutcome {
		code, _ := task.Payload["code"].(string)
		if code == "" {
			return HandlerOutcome{Err: fmt.Errorf("No code provided")}
		}
		spec := process.Spec{Path: interpreter, Args: []string{"-c", code}}
		result, err := host.Run(ctx, spec)
		return outcomeFromProcess(result, err)
	}
}

func fileReadHandler() Handler {
	return func(ctx context.Context, task Task) HandlerOutcome {
		path, _ := task.Payload["path"].(string)
		if path == "" {
			return HandlerOutcome{Err: fmt.Errorf("No path provided")}
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return HandlerOutcome{Err: err}
		}
		return HandlerOutcome{Stdout: string(data), ExitCode: 0}
	}
}

func fileWriteHandler() Handler {
	return func(ctx context.Context, task Task) HandlerOutcome {
		path, _ := task.Payload["path"].(string)
		content, _ := task.Payload["content"].(string)
		if path == "" {
			return HandlerOutcome{Err: fmt.Errorf("No path provided")}
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return HandlerOutcome{Err: err}
		}
		return HandlerOutcome{
			Stdout:   fmt.Sprintf("Written %d bytes to %s", len(content), path),
			ExitCode: 0,
		}
	}
}

var allowedServiceActions = map[string]bool{
	"start": true, "stop": true, "restart": true,
	"status": true, "enable": true, "disable": true,
}

func serviceHandler(host process.Host, bl Blocklist) Handler {
	shell := shellHandler(host, bl)
	return func(ctx context.Context, task Task) HandlerOutcome {
		service, _ := task.Payload["service"].(string)
		action, _ := task.Payload["action"].(string)
		if service == "" || !allowedServiceActions[action] {
			return HandlerOutcome{Err: fmt.Errorf("invalid service action %q", action)}
		}
		shellTask := task
		shellTask.Payload = map[string]interface{}{
			"command": fmt.Sprintf("systemctl %s %s", action, shellQuote(service)),
		}
		return shell(ctx, shellTask)
	}
}

func outcomeFromProcess(result process.Result, err error) HandlerOutcome {
	if err != nil {
		return HandlerOutcome{
			Stdout:   result.Stdout,
			Stderr:   result.Stderr,
			ExitCode: result.ExitCode,
			Err:      err,
		}
	}
	return HandlerOutcome{
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
		ExitCode: result.ExitCode,
	}
}

func stringSlice(v interface{}) []string {
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func stringMap(v interface{}) map[string]string {
	raw, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, item := range raw {
		if s, ok := item.(string); ok {
			out[k] = s
		}
	}
	return out
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
