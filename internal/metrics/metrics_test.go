package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGopsutilProbeCollectNeverPanics(t *testing.T) {
	probe := GopsutilProbe{}
	snap := probe.Collect(context.Background())

	assert.GreaterOrEqual(t, snap.CPUPercent, 0.0)
	assert.GreaterOrEqual(t, snap.MemoryPercent, 0.0)
	assert.GreaterOrEqual(t, snap.DiskPercent, 0.0)
}
