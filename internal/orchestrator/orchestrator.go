// Package orchestrator wires the connection manager, executor, and
// scheduler together: it routes inbound envelopes to executor submissions,
// streams results back out as envelopes, and drives the heartbeat loop.
//
// The orchestrator holds references to the other three subsystems; none of
// them reference it back. They receive behavior as callbacks, which avoids
// cyclic ownership and keeps each subsystem's Stop() independently
// deterministic.
package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BlackRoad-OS/blackroad-pi-ops/internal/clock"
	"github.com/BlackRoad-OS/blackroad-pi-ops/internal/connection"
	"github.com/BlackRoad-OS/blackroad-pi-ops/internal/executor"
	"github.com/BlackRoad-OS/blackroad-pi-ops/internal/metrics"
	"github.com/BlackRoad-OS/blackroad-pi-ops/internal/scheduler"
	"github.com/BlackRoad-OS/blackroad-pi-ops/internal/wire"
)

const resultPollInterval = 500 * time.Millisecond

// Orchestrator routes envelope kinds to executor/scheduler behavior and
// drives the heartbeat loop.
type Orchestrator struct {
	conn    *connection.Manager
	exec    *executor.Executor
	sched   *scheduler.Scheduler
	probe   metrics.Probe
	clock   clock.Clock
	log     *zap.Logger
	agentID string

	heartbeatInterval time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// New wires conn, exec, and sched together, registering the envelope
// handlers and the scheduled-task hook. Call Start to launch the heartbeat
// loop; the connection manager's own Start drives the envelope dispatch that
// New registered.
func New(
	conn *connection.Manager,
	exec *executor.Executor,
	sched *scheduler.Scheduler,
	probe metrics.Probe,
	c clock.Clock,
	log *zap.Logger,
	agentID string,
	heartbeatInterval time.Duration,
) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	o := &Orchestrator{
		conn:              conn,
		exec:              exec,
		sched:             sched,
		probe:             probe,
		clock:             c,
		log:               log,
		agentID:           agentID,
		heartbeatInterval: heartbeatInterval,
		stopCh:            make(chan struct{}),
		doneCh:            make(chan struct{}),
	}
	o.wire()
	return o
}

// wire registers the envelope handlers and the scheduled-task hook.
func (o *Orchestrator) wire() {
	o.conn.On("task", o.handleTask)
	o.conn.On("execute_task", o.handleExecuteTask)
	o.conn.On("cancel", o.handleCancel)
	o.conn.On("ping", o.handlePing)
	o.conn.On("config", o.handleConfig)
	o.conn.On("registered", o.handleRegistered)

	o.sched.AddCallback(func(entry scheduler.Entry) {
		o.exec.Submit(executor.Task{
			ID:        entry.TaskID,
			Kind:      entry.Kind,
			Payload:   entry.Payload,
			CreatedAt: o.clock.Now(),
		})
	})
}

// Start launches the heartbeat loop.
func (o *Orchestrator) Start() {
	go o.heartbeatLoop()
}

// Stop halts the heartbeat loop and waits for it to exit. Idempotent.
func (o *Orchestrator) Stop() {
	select {
	case <-o.stopCh:
	default:
		close(o.stopCh)
	}
	<-o.doneCh
}

func (o *Orchestrator) heartbeatLoop() {
	defer close(o.doneCh)
	if o.heartbeatInterval <= 0 {
		o.heartbeatInterval = 30 * time.Second
	}
	ticker := o.clock.NewTicker(o.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C():
			o.emitHeartbeat()
		}
	}
}

func (o *Orchestrator) emitHeartbeat() {
	if !o.conn.IsConnected() {
		return
	}
	snap := o.probe.Collect(context.Background())

	var currentTask interface{}
	running := o.exec.Running()
	if len(running) > 0 {
		currentTask = running[0]
	}

	payload := map[string]interface{}{
		"agent_id": o.agentID,
		"telemetry": map[string]interface{}{
			"cpu_percent":    snap.CPUPercent,
			"memory_percent": snap.MemoryPercent,
			"disk_percent":   snap.DiskPercent,
			"uptime_seconds": snap.UptimeSeconds,
			"load_average":   []float64{snap.LoadAverage1, snap.LoadAverage5, snap.LoadAverage15},
		},
		"current_task_id": currentTask,
		"workspaces":      []interface{}{},
	}
	if err := o.conn.Send("heartbeat", payload); err != nil {
		o.log.Warn("failed to send heartbeat", zap.Error(err))
	}
}

func (o *Orchestrator) handleTask(env wire.Envelope) {
	taskID, _ := env.Payload["task_id"].(string)
	kind, _ := env.Payload["kind"].(string)
	payload, _ := env.Payload["payload"].(map[string]interface{})
	timeout := durationFromSeconds(env.Payload["timeout"])

	id := o.exec.Submit(executor.Task{
		ID:      taskID,
		Kind:    kind,
		Payload: payload,
		Timeout: timeout,
	})

	go o.pollResult(id)
}

func (o *Orchestrator) pollResult(taskID string) {
	ticker := o.clock.NewTicker(resultPollInterval)
	defer ticker.Stop()
	for range ticker.C() {
		result, ok := o.exec.Result(taskID)
		if !ok {
			return
		}
		if !result.Status.Terminal() {
			continue
		}
		o.emitTaskResult(result)
		return
	}
}

func (o *Orchestrator) emitTaskResult(result executor.Result) {
	payload := map[string]interface{}{
		"task_id":   result.TaskID,
		"status":    string(result.Status),
		"exit_code": result.ExitCode,
		"stdout":    result.Stdout,
		"stderr":    result.Stderr,
		"error":     result.Error,
	}
	if err := o.conn.Send("task_result", payload); err != nil {
		o.log.Warn("failed to send task_result", zap.Error(err))
	}
}

func (o *Orchestrator) handleCancel(env wire.Envelope) {
	taskID := env.String("task_id")
	o.exec.Cancel(taskID)
}

func (o *Orchestrator) handlePing(env wire.Envelope) {
	payload := map[string]interface{}{
		"timestamp": env.Timestamp,
		"agent_id":  o.agentID,
	}
	if err := o.conn.Send("pong", payload); err != nil {
		o.log.Warn("failed to send pong", zap.Error(err))
	}
}

func (o *Orchestrator) handleConfig(env wire.Envelope) {
	o.log.Info("received config envelope (acknowledged, no live reconfiguration)")
}

func (o *Orchestrator) handleRegistered(env wire.Envelope) {
	o.log.Info("operator confirmed registration")
}

func durationFromSeconds(v interface{}) time.Duration {
	switch t := v.(type) {
	case float64:
		return time.Duration(t * float64(time.Second))
	case int:
		return time.Duration(t) * time.Second
	default:
		return 0
	}
}
