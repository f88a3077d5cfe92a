package jobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ternarybob/arbor"

	"github.com/vivianlink/PLAMS/internal/settings"
)

// Program is the capability set a domain adapter supplies for a concrete
// external program. Adapters live outside the core; the core only calls
// through this interface.
type Program interface {
	// RenderInput produces the contents of the job's input file.
	RenderInput(j *SingleJob) (string, error)
	// RenderRunscript produces the body of the executable runscript, without
	// the shebang line.
	RenderRunscript(j *SingleJob) (string, error)
	// Check inspects the finished job and reports whether the computation
	// actually succeeded. Runs after results are collected.
	Check(j *SingleJob) bool
}

// SingleJob is the leaf job variant: it prepares one input file and one
// runscript in its folder and hands the runscript to a Runner.
type SingleJob struct {
	core
	program Program
}

// NewSingleJob creates a job for the given program adapter. The settings
// tree may be nil.
func NewSingleJob(name string, program Program, st settings.Settings, logger arbor.ILogger) *SingleJob {
	j := &SingleJob{core: newCore(name, st, logger)}
	j.program = program
	return j
}

// Program returns the job's domain adapter.
func (j *SingleJob) Program() Program { return j.program }

// Hash computes the job's content digest according to the manager's hashing
// policy: a sha256 over the rendered input, runscript, or both. Jobs with
// policy "none" (or restored jobs carrying a stored digest of "") opt out of
// deduplication by returning "".
func (j *SingleJob) Hash() string {
	j.mu.Lock()
	policy := j.hashing
	stored := j.storedHash
	j.mu.Unlock()

	if stored != "" {
		return stored
	}
	if j.program == nil {
		return ""
	}

	var payload string
	switch policy {
	case "input":
		input, err := j.program.RenderInput(j)
		if err != nil {
			return ""
		}
		payload = input
	case "runscript":
		script, err := j.program.RenderRunscript(j)
		if err != nil {
			return ""
		}
		payload = script
	case "input+runscript":
		input, err := j.program.RenderInput(j)
		if err != nil {
			return ""
		}
		script, err := j.program.RenderRunscript(j)
		if err != nil {
			return ""
		}
		payload = input + script
	default:
		return ""
	}
	return digest(payload)
}

func digest(payload string) string {
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// prepare registers the job, consults the dedup cache and, on a miss, writes
// the input file and runscript into the job folder. Returns false to abort
// before execution (cache hit).
func (j *SingleJob) prepare(ctx context.Context, m *Manager) (bool, error) {
	if err := m.register(j); err != nil {
		return false, err
	}

	if prev := m.checkHash(j); prev != nil {
		j.reuse(prev)
		return false, nil
	}

	input, err := j.program.RenderInput(j)
	if err != nil {
		return false, fmt.Errorf("failed to render input: %w", err)
	}
	inputPath := filepath.Join(j.Path(), j.FileName("in"))
	if err := os.WriteFile(inputPath, []byte(input), 0644); err != nil {
		return false, fmt.Errorf("failed to write input file: %w", err)
	}

	script, err := j.buildRunscript()
	if err != nil {
		return false, err
	}
	runPath := filepath.Join(j.Path(), j.FileName("run"))
	if err := os.WriteFile(runPath, []byte(script), 0755); err != nil {
		return false, fmt.Errorf("failed to write runscript: %w", err)
	}

	j.logger.Debug().Str("job", j.Name()).Msg("Job prepared")
	return true, nil
}

// buildRunscript assembles the executable artifact: shebang, adapter body
// and, when runscript.stdout_redirect is set, a shell-level redirection of
// stdout into the job's output file.
func (j *SingleJob) buildRunscript() (string, error) {
	body, err := j.program.RenderRunscript(j)
	if err != nil {
		return "", fmt.Errorf("failed to render runscript: %w", err)
	}
	shebang := j.settings.GetString("runscript.shebang", "#!/bin/sh")
	script := shebang + "\n\n" + body
	if j.settings.GetBool("runscript.stdout_redirect", false) {
		script += " >" + j.FileName("out")
	}
	return script + "\n", nil
}

// execute hands the runscript to the runner and records the exit code. When
// the runscript redirects its own stdout, no stdout path is passed to the
// runner.
func (j *SingleJob) execute(ctx context.Context, r Runner) error {
	j.setStatus(StatusRunning)

	out := j.FileName("out")
	if j.settings.GetBool("runscript.stdout_redirect", false) {
		out = ""
	}

	code, err := r.Call(ctx, CallRequest{
		Runscript: j.FileName("run"),
		Workdir:   j.Path(),
		Out:       out,
		Err:       j.FileName("err"),
		Options:   j.runFlags(),
	})
	if err != nil {
		return err
	}

	j.mu.Lock()
	j.exitCode = code
	j.mu.Unlock()
	j.logger.Debug().Str("job", j.Name()).Int("exit_code", code).Msg("Execution finished")
	return nil
}

// runFlags renders the "run" settings branch into scheduler submit options.
func (j *SingleJob) runFlags() map[string]string {
	branch, ok := j.settings.Get("run")
	if !ok {
		return nil
	}
	tree, ok := branch.(settings.Settings)
	if !ok {
		if raw, isMap := branch.(map[string]any); isMap {
			tree = settings.Settings(raw)
		} else {
			return nil
		}
	}
	flags := make(map[string]string, len(tree))
	for k, v := range tree {
		flags[k] = fmt.Sprint(v)
	}
	return flags
}

// finalize collects results, runs the program's correctness check and sets
// the terminal status. A nonzero exit code or a failed check means failed;
// check problems never stop collection.
func (j *SingleJob) finalize(ctx context.Context) {
	if err := j.results.Collect(); err != nil {
		j.logger.Warn().Err(err).Str("job", j.Name()).Msg("Result collection failed")
	}

	j.mu.Lock()
	code := j.exitCode
	j.mu.Unlock()

	switch {
	case code != 0:
		j.setStatus(StatusFailed)
	case j.program != nil && !j.program.Check(j):
		j.setStatus(StatusFailed)
	default:
		j.setStatus(StatusOK)
	}

	if err := j.writeSnapshot(); err != nil {
		j.logger.Warn().Err(err).Str("job", j.Name()).Msg("Failed to write job snapshot")
	}
	j.logger.Info().Str("job", j.Name()).Str("status", string(j.Status())).Msg("Job finished")
}
