package task

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sail-build/sail/internal/config"
)

func TestStateIsTerminalSuccess(t *testing.T) {
	assert.True(t, StateSuccess.IsTerminalSuccess())
	assert.True(t, StateUpToDateLocal.IsTerminalSuccess())
	assert.True(t, StateRestoredFromShared.IsTerminalSuccess())
	assert.False(t, StateFailed.IsTerminalSuccess())
	assert.False(t, StateRunning.IsTerminalSuccess())
}

func TestStateIsTerminal(t *testing.T) {
	assert.True(t, StateFailed.IsTerminal())
	assert.True(t, StateSkipped.IsTerminal())
	assert.True(t, StateSuccess.IsTerminal())
	assert.False(t, StateRunning.IsTerminal())
	assert.False(t, StatePending.IsTerminal())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "unknown", State(99).String())
}

func TestNewLeafInfersExecutableAndGlobs(t *testing.T) {
	lt := NewLeaf("app", "build", "tsc -p .", config.TaskConfig{})
	assert.Equal(t, "app#build", lt.ID)
	assert.Equal(t, KindLeaf, lt.Kind)
	assert.Equal(t, ExeTSC, lt.Executable)
	assert.Contains(t, lt.InputFiles, "**/*.ts")
	assert.Contains(t, lt.InputFiles, "!dist/**", "the input set must exclude the tool's own outputs")
	assert.Contains(t, lt.OutputFiles, "dist/**")
	assert.Equal(t, StatePending, lt.State())
}

func TestNewLeafRespectsExplicitGlobs(t *testing.T) {
	cfg := config.TaskConfig{Inputs: []string{"only/*.go"}, Outputs: []string{"bin/*"}}
	lt := NewLeaf("app", "build", "go build ./...", cfg)
	assert.Equal(t, []string{"only/*.go", "!bin/*"}, lt.InputFiles)
	assert.Equal(t, []string{"bin/*"}, lt.OutputFiles)
}

func TestNewGroupHasNoCommandOrExecutable(t *testing.T) {
	gt := NewGroup("app", "ci", []string{"app#build", "app#test"}, config.TaskConfig{})
	assert.Equal(t, "app#ci", gt.ID)
	assert.Equal(t, KindGroup, gt.Kind)
	assert.Empty(t, gt.Command)
	assert.Equal(t, []string{"app#build", "app#test"}, gt.Children)
}

func TestSetStateIsConcurrencySafe(t *testing.T) {
	lt := NewLeaf("app", "build", "tsc", config.TaskConfig{})
	done := make(chan struct{})
	go func() {
		lt.SetState(StateRunning)
		close(done)
	}()
	<-done
	assert.Equal(t, StateRunning, lt.State())
}
