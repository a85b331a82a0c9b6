package orchestrator

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BlackRoad-OS/blackroad-pi-ops/internal/clock"
	"github.com/BlackRoad-OS/blackroad-pi-ops/internal/connection"
	"github.com/BlackRoad-OS/blackroad-pi-ops/internal/executor"
	"github.com/BlackRoad-OS/blackroad-pi-ops/internal/metrics"
	"github.com/BlackRoad-OS/blackroad-pi-ops/internal/process"
	"github.com/BlackRoad-OS/blackroad-pi-ops/internal/scheduler"
)

var testUpgrader = websocket.Upgrader{}

type recordedEnvelope struct {
	Type    string                 `json:"type"`
	Payload map[string]interface{} `json:"payload"`
}

// TestExecuteTaskOrdering exercises the multi-command plan scenario (S2 in
// the end-to-end scenarios): command_result and task_output for index 0
// must both be observed before any envelope for index 1, and task_complete
// must be the last envelope for the plan.
func TestExecuteTaskOrdering(t *testing.T) {
	connReady := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		connReady <- conn
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	exec := executor.New(clock.Real{}, zap.NewNop(), 2, 5*time.Second)
	executor.RegisterBuiltins(exec, process.Real{}, executor.DefaultBlocklist(), "")
	exec.Start()
	defer exec.Stop()

	sched := scheduler.New(clock.Real{}, zap.NewNop())
	sched.Start()
	defer sched.Stop()

	conn := connection.New(connection.Config{
		URL:          wsURL,
		PingInterval: time.Second,
		PingTimeout:  time.Second,
	}, clock.Real{}, zap.NewNop(), func() map[string]interface{} {
		return map[string]interface{}{"id": "pi-test"}
	})

	orch := New(conn, exec, sched, metrics.GopsutilProbe{}, clock.Real{}, zap.NewNop(), "pi-test", time.Hour)
	conn.Start()
	orch.Start()
	defer orch.Stop()
	defer conn.Stop()

	serverConn := <-connReady
	defer serverConn.Close()

	// Drain the registration envelope.
	_, _, err := serverConn.ReadMessage()
	require.NoError(t, err)

	execTask := map[string]interface{}{
		"type": "execute_task",
		"payload": map[string]interface{}{
			"task_id": "T1",
			"plan": map[string]interface{}{
				"commands": []interface{}{
					map[string]interface{}{"run": "echo hello"},
					map[string]interface{}{"run": "echo world"},
				},
			},
		},
		"timestamp": 0,
	}
	data, err := json.Marshal(execTask)
	require.NoError(t, err)
	require.NoError(t, serverConn.WriteMessage(websocket.TextMessage, data))

	var seenKinds []string
	var seenIndices []interface{}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		serverConn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		_, raw, err := serverConn.ReadMessage()
		if err != nil {
			continue
		}
		var env recordedEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}
		seenKinds = append(seenKinds, env.Type)
		seenIndices = append(seenIndices, env.Payload["command_index"])
		if env.Type == "task_complete" {
			break
		}
	}

	require.Contains(t, seenKinds, "task_complete")
	lastIdx := len(seenKinds) - 1
	require.Equal(t, "task_complete", seenKinds[lastIdx])

	firstCommandResultIdx := indexOf(seenKinds, "command_result")
	require.GreaterOrEqual(t, firstCommandResultIdx, 0)
	require.Less(t, firstCommandResultIdx, lastIdx)

	// Both commands print to stdout only, so each index yields exactly a
	// command_result then a stdout task_output, all before task_complete.
	require.Equal(t, []string{"command_result", "task_output", "command_result", "task_output", "task_complete"}, seenKinds)
	require.Equal(t, []interface{}{float64(0), float64(0), float64(1), float64(1), nil}, seenIndices)
}

func indexOf(list []string, target string) int {
	for i, v := range list {
		if v == target {
			return i
		}
	}
	return -1
}
