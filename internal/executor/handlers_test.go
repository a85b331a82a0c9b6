package executor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BlackRoad-OS/blackroad-pi-ops/internal/clock"
	"github.com/BlackRoad-OS/blackroad-pi-ops/internal/process"
)

func TestShellHandlerEmptyCommand(t *testing.T) {
	h := shellHandler(process.Real{}, DefaultBlocklist())
	outcome := h(context.Background(), Task{Payload: map[string]interface{}{"command": ""}})
	require.Error(t, outcome.Err)
	assert.Equal(t, "No command provided", outcome.Err.Error())
}

func TestShellHandlerBlockedCommand(t *testing.T) {
	h := shellHandler(process.Real{}, DefaultBlocklist())
	outcome := h(context.Background(), Task{Payload: map[string]interface{}{"command": "sudo RM -RF /"}})
	require.Error(t, outcome.Err)
	assert.Equal(t, "Command blocked by security policy", outcome.Err.Error())
}

func TestShellHandlerSuccess(t *testing.T) {
	h := shellHandler(process.Real{}, DefaultBlocklist())
	outcome := h(context.Background(), Task{Payload: map[string]interface{}{"command": "echo hello"}})
	require.NoError(t, outcome.Err)
	assert.Equal(t, 0, outcome.ExitCode)
	assert.Equal(t, "hello\n", outcome.Stdout)
}

func TestShellHandlerNonZeroExit(t *testing.T) {
	h := shellHandler(process.Real{}, DefaultBlocklist())
	outcome := h(context.Background(), Task{Payload: map[string]interface{}{"command": "false"}})
	assert.NoError(t, outcome.Err)
	assert.NotEqual(t, 0, outcome.ExitCode)
}

func TestFileReadWriteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.txt")

	writeOutcome := fileWriteHandler()(context.Background(), Task{
		Payload: map[string]interface{}{"path": path, "content": "hello world"},
	})
	require.NoError(t, writeOutcome.Err)
	assert.Equal(t, "Written 11 bytes to "+path, writeOutcome.Stdout)

	readOutcome := fileReadHandler()(context.Background(), Task{
		Payload: map[string]interface{}{"path": path},
	})
	require.NoError(t, readOutcome.Err)
	assert.Equal(t, "hello world", readOutcome.Stdout)
}

func TestFileReadMissingPath(t *testing.T) {
	outcome := fileReadHandler()(context.Background(), Task{
		Payload: map[string]interface{}{"path": filepath.Join(t.TempDir(), "missing.txt")},
	})
	assert.Error(t, outcome.Err)
}

func TestServiceHandlerRewritesToShell(t *testing.T) {
	h := serviceHandler(process.Real{}, DefaultBlocklist())
	outcome := h(context.Background(), Task{
		Payload: map[string]interface{}{"service": "nginx", "action": "status"},
	})
	// systemctl is unlikely to exist in the sandbox; we only assert it did not
	// short-circuit on validation and instead attempted to spawn a process.
	assert.NotEqual(t, "invalid service action \"status\"", safeErrString(outcome.Err))
}

func TestServiceHandlerRejectsUnknownAction(t *testing.T) {
	h := serviceHandler(process.Real{}, DefaultBlocklist())
	outcome := h(context.Background(), Task{
		Payload: map[string]interface{}{"service": "nginx", "action": "explode"},
	})
	require.Error(t, outcome.Err)
}

func TestRegisterBuiltinsWiresAllKinds(t *testing.T) {
	e := New(clock.Real{}, zap.NewNop(), 1, 2*time.Second)
	RegisterBuiltins(e, process.Real{}, DefaultBlocklist(), "")

	for _, kind := range []string{"shell", "script", "python", "file_read", "file_write", "service"} {
		_, ok := e.lookupHandler(kind)
		assert.True(t, ok, "expected handler for kind %q", kind)
	}
}

func safeErrString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
