package process

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunShellSuccess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("Shell mode targets /bin/sh")
	}
	result, err := (Real{}).Run(context.Background(), Spec{Shell: true, Command: "echo hi"})
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "hi\n", result.Stdout)
}

func TestRunShellNonZeroExit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("Shell mode targets /bin/sh")
	}
	result, err := (Real{}).Run(context.Background(), Spec{Shell: true, Command: "exit 3"})
	require.NoError(t, err)
	assert.Equal(t, 3, result.ExitCode)
}

func TestRunDirectArgsNoShell(t *testing.T) {
	result, err := (Real{}).Run(context.Background(), Spec{Path: "echo", Args: []string{"direct"}})
	require.NoError(t, err)
	assert.Equal(t, "direct\n", result.Stdout)
}

func TestRunKilledOnContextCancel(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("Shell mode targets /bin/sh")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := (Real{}).Run(ctx, Spec{Shell: true, Command: "sleep 5"})
	elapsed := time.Since(start)

	assert.Error(t, err)
	assert.Less(t, elapsed, 2*time.Second, "the child must be killed promptly on context cancellation")
}

func TestToValidUTF8ReplacesInvalidBytes(t *testing.T) {
	invalid := []byte{'o', 'k', 0xff, 0xfe}
	got := toValidUTF8(invalid)
	assert.Contains(t, got, "ok")
	assert.Contains(t, got, "�")
}
