package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPlanCommandsExtractsRunStrings(t *testing.T) {
	plan := map[string]interface{}{
		"commands": []interface{}{
			map[string]interface{}{"run": "echo hello"},
			map[string]interface{}{"run": "echo world"},
		},
	}
	cmds := planCommands(plan)
	assert.Equal(t, []string{"echo hello", "echo world"}, cmds)
}

func TestPlanCommandsNilOnMissingPlan(t *testing.T) {
	assert.Nil(t, planCommands(nil))
	assert.Nil(t, planCommands("not a map"))
}

func TestDurationFromSecondsHandlesNumericTypes(t *testing.T) {
	assert.Equal(t, 5*time.Second, durationFromSeconds(float64(5)))
	assert.Equal(t, 3*time.Second, durationFromSeconds(int(3)))
	assert.Equal(t, time.Duration(0), durationFromSeconds("garbage"))
	assert.Equal(t, time.Duration(0), durationFromSeconds(nil))
}
