package orchestrator

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/BlackRoad-OS/blackroad-pi-ops/internal/executor"
	"github.com/BlackRoad-OS/blackroad-pi-ops/internal/wire"
)

// handleExecuteTask runs a multi-command plan sequentially. Each command
// runs as a derived shell task; its command_result and task_output
// envelopes for index i are fully emitted before index i+1 starts, and
// task_complete is emitted strictly after the last per-command envelope.
func (o *Orchestrator) handleExecuteTask(env wire.Envelope) {
	taskID := env.String("task_id")
	commands := planCommands(env.Payload["plan"])

	for i, command := range commands {
		derivedID := fmt.Sprintf("%s-cmd-%d", taskID, i)
		id := o.exec.Submit(executor.Task{
			ID:   derivedID,
			Kind: "shell",
			Payload: map[string]interface{}{
				"command": command,
			},
		})

		result := o.awaitResult(id)

		durationMs := result.Duration().Milliseconds()
		o.emit("command_result", map[string]interface{}{
			"task_id":        taskID,
			"command_index":  i,
			"command":        command,
			"exit_code":      result.ExitCode,
			"duration_ms":    durationMs,
		})
		if result.Stdout != "" {
			o.emit("task_output", map[string]interface{}{
				"task_id":       taskID,
				"command_index": i,
				"stream":        "stdout",
				"content":       result.Stdout,
			})
		}
		if result.Stderr != "" {
			o.emit("task_output", map[string]interface{}{
				"task_id":       taskID,
				"command_index": i,
				"stream":        "stderr",
				"content":       result.Stderr,
			})
		}

		if result.ExitCode != 0 || result.Status == executor.Failed || result.Status == executor.Timeout || result.Status == executor.Cancelled {
			o.emit("task_complete", map[string]interface{}{
				"task_id":   taskID,
				"success":   false,
				"exit_code": result.ExitCode,
				"error":     result.Error,
			})
			return
		}
	}

	o.emit("task_complete", map[string]interface{}{
		"task_id":   taskID,
		"success":   true,
		"exit_code": 0,
	})
}

// awaitResult blocks until id reaches a terminal status, polling at the
// same cadence as the task-kind result monitor.
func (o *Orchestrator) awaitResult(id string) executor.Result {
	ticker := o.clock.NewTicker(resultPollInterval)
	defer ticker.Stop()
	for range ticker.C() {
		result, ok := o.exec.Result(id)
		if !ok {
			return executor.Result{TaskID: id, Status: executor.Failed, Error: "task disappeared"}
		}
		if result.Status.Terminal() {
			return result
		}
	}
	return executor.Result{}
}

func (o *Orchestrator) emit(kind string, payload map[string]interface{}) {
	if err := o.conn.Send(kind, payload); err != nil {
		o.log.Warn("failed to send envelope", zap.String("kind", kind), zap.Error(err))
	}
}

// planCommands extracts the ordered list of `run` strings from a decoded
// `plan.commands` payload.
func planCommands(v interface{}) []string {
	plan, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}
	raw, ok := plan["commands"].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		cmd, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if run, ok := cmd["run"].(string); ok {
			out = append(out, run)
		}
	}
	return out
}
