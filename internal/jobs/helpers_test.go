package jobs

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/vivianlink/PLAMS/internal/common"
	"github.com/vivianlink/PLAMS/internal/saferun"
	"github.com/vivianlink/PLAMS/internal/settings"
)

// stubProgram is a scriptable Program adapter for tests.
type stubProgram struct {
	input     string
	script    string
	inputErr  error
	scriptErr error
	checkFail bool
}

func (p *stubProgram) RenderInput(j *SingleJob) (string, error) {
	return p.input, p.inputErr
}

func (p *stubProgram) RenderRunscript(j *SingleJob) (string, error) {
	return p.script, p.scriptErr
}

func (p *stubProgram) Check(j *SingleJob) bool {
	return !p.checkFail
}

func testManagerConfig() common.JobManagerConfig {
	return common.JobManagerConfig{
		CounterWidth:    3,
		FolderPolicy:    "error",
		Hashing:         "input+runscript",
		RemoveEmptyDirs: true,
	}
}

func newTestManager(t *testing.T, cfg common.JobManagerConfig) *Manager {
	t.Helper()
	m, err := NewManager(cfg, t.TempDir(), "work", arbor.NewLogger())
	require.NoError(t, err)
	return m
}

// newSerialRunner builds a local runner that executes real runscripts on the
// calling goroutine.
func newSerialRunner() *LocalRunner {
	logger := arbor.NewLogger()
	invoker := saferun.NewInvoker(common.SafeRunConfig{Repeat: 0, Delay: "1ms"}, logger)
	return NewLocalRunner(common.RunnerConfig{Parallel: false}, invoker, logger)
}

// newParallelRunner builds a local runner that gives every job its own
// goroutine, with maxJobs processes in flight at once.
func newParallelRunner(maxJobs int) *LocalRunner {
	logger := arbor.NewLogger()
	invoker := saferun.NewInvoker(common.SafeRunConfig{Repeat: 0, Delay: "1ms"}, logger)
	return NewLocalRunner(common.RunnerConfig{Parallel: true, MaxJobs: maxJobs}, invoker, logger)
}

func newStubJob(name, body string) *SingleJob {
	return NewSingleJob(name, &stubProgram{input: "input for " + name, script: body}, settings.New(), arbor.NewLogger())
}
