package jobs

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/vivianlink/PLAMS/internal/common"
	"github.com/vivianlink/PLAMS/internal/saferun"
)

// GridProfile describes how to talk to one batch scheduler: the submit and
// status-check commands, the flag names for working directory and stream
// paths, the special-option table for flags that do not follow the generic
// "-key value" pattern, and the output parsers. Profiles are validated at
// construction of the GridRunner, not per call.
type GridProfile struct {
	Name          string   `validate:"required"`
	SubmitCommand string   `validate:"required"`
	CheckCommand  []string `validate:"required,min=1"`
	WorkdirFlag   string   `validate:"required"`
	OutputFlag    string   `validate:"required"`
	ErrorFlag     string   `validate:"required"`
	// Special maps option names to scheduler-specific flag syntax. A value
	// ending in a space produces two tokens ("-N " -> "-N", "4"); any other
	// value has the option value appended ("--export=" -> "--export=all").
	Special map[string]string

	// ExtractJobID pulls the scheduler job id out of the submit command's
	// output; "" means the submission was not accepted.
	ExtractJobID func(output string) string `validate:"required"`
	// ExtractActive pulls the set of currently active job ids out of the
	// status-check command's output.
	ExtractActive func(output string) map[string]bool `validate:"required"`
}

// GridRunner submits runscripts to a batch scheduler instead of executing
// them locally. Call blocks its job's goroutine until a background poll
// loop observes the scheduler job leaving the active queue. Contrary to the
// local runner, grid runners default to parallel mode.
type GridRunner struct {
	*LocalRunner
	profile GridProfile
	sleep   time.Duration

	activeMu sync.Mutex
	active   map[string]chan struct{}
	// pollMu guards the single poll loop: a trigger while a loop is already
	// running is a no-op.
	pollMu sync.Mutex
}

// NewGridRunner creates a grid runner for the configured scheduler kind:
// a profile name, or "auto" to probe the known schedulers in a fixed order.
// Autodetection finding no scheduler is a fatal configuration error.
func NewGridRunner(gridCfg common.GridConfig, runnerCfg common.RunnerConfig, invoker *saferun.Invoker, logger arbor.ILogger) (*GridRunner, error) {
	if logger == nil {
		logger = common.GetLogger()
	}
	// A job blocks its goroutine for the scheduler's whole queue time, so
	// grid execution is always thread-per-job.
	runnerCfg.Parallel = true

	var profile GridProfile
	kind := gridCfg.Kind
	if kind == "" || kind == "auto" {
		detected, err := autodetectProfile(invoker, logger)
		if err != nil {
			return nil, err
		}
		profile = detected
	} else {
		named, ok := profileByName(kind)
		if !ok {
			return nil, fmt.Errorf("unknown grid kind %q", kind)
		}
		if !probeSubmitCommand(invoker, named) {
			return nil, fmt.Errorf("grid runner: %s command not found", named.SubmitCommand)
		}
		profile = named
	}

	return NewGridRunnerWithProfile(profile, gridCfg.SleepDuration(), runnerCfg, invoker, logger)
}

// NewGridRunnerWithProfile creates a grid runner for an externally supplied
// scheduler profile.
func NewGridRunnerWithProfile(profile GridProfile, sleep time.Duration, runnerCfg common.RunnerConfig, invoker *saferun.Invoker, logger arbor.ILogger) (*GridRunner, error) {
	if err := validator.New().Struct(profile); err != nil {
		return nil, fmt.Errorf("invalid grid profile: %w", err)
	}
	if sleep <= 0 {
		sleep = 5 * time.Second
	}
	return &GridRunner{
		LocalRunner: NewLocalRunner(runnerCfg, invoker, logger),
		profile:     profile,
		sleep:       sleep,
		active:      make(map[string]chan struct{}),
	}, nil
}

// Profile returns the scheduler profile the runner was built with.
func (r *GridRunner) Profile() GridProfile { return r.profile }

// Call builds and runs the submit command, extracts the scheduler job id
// and blocks until the poll loop observes the job leaving the active set.
// A submission producing no job id is a failure: exit code 1, no retry, no
// polling. A successful wait returns 0 -- the scheduler offers no reliable
// way to learn the true outcome here, which is left to the job's own check.
func (r *GridRunner) Call(ctx context.Context, req CallRequest) (int, error) {
	if err := r.acquire(ctx); err != nil {
		return 0, err
	}
	defer r.release()

	argv := r.submitArgs(req)
	r.logger.Debug().Str("command", strings.Join(argv, " ")).Msg("Submitting runscript")

	res, err := r.invoker.Run(ctx, saferun.Request{Args: argv, Capture: true})
	if err != nil {
		return 0, fmt.Errorf("failed to run submit command: %w", err)
	}

	jobID := r.profile.ExtractJobID(string(res.Stdout))
	if jobID == "" {
		r.logger.Warn().
			Str("runscript", req.Runscript).
			Str("stderr", strings.TrimSpace(string(res.Stderr))).
			Msg("Submission failed, no job id extracted")
		return 1, nil
	}
	r.logger.Info().Str("runscript", req.Runscript).Str("job_id", jobID).Msg("Runscript submitted")

	event := make(chan struct{})
	r.activeMu.Lock()
	r.active[jobID] = event
	r.activeMu.Unlock()
	go r.pollLoop()

	select {
	case <-event:
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	r.logger.Debug().Str("runscript", req.Runscript).Str("job_id", jobID).Msg("Scheduler job finished")
	return 0, nil
}

// submitArgs assembles the submit command line: submit command, workdir and
// stream flags, one token group per option, then the runscript path.
// Options are rendered in name order so the command line is deterministic.
func (r *GridRunner) submitArgs(req CallRequest) []string {
	p := r.profile
	argv := []string{p.SubmitCommand, p.WorkdirFlag, req.Workdir, p.ErrorFlag, req.Err}
	if req.Out != "" {
		argv = append(argv, p.OutputFlag, req.Out)
	}

	names := make([]string, 0, len(req.Options))
	for name := range req.Options {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		value := req.Options[name]
		if flag, ok := p.Special[name]; ok {
			argv = append(argv, renderSpecialFlag(flag, value)...)
		} else {
			argv = append(argv, "-"+name, value)
		}
	}

	return append(argv, filepath.Join(req.Workdir, req.Runscript))
}

// renderSpecialFlag applies the profile's flag syntax: a trailing space
// separates flag and value into two tokens, otherwise the value is glued to
// the last token of the flag.
func renderSpecialFlag(flag, value string) []string {
	tokens := strings.Fields(flag)
	if len(tokens) == 0 {
		return []string{value}
	}
	if strings.HasSuffix(flag, " ") {
		return append(tokens, value)
	}
	tokens[len(tokens)-1] += value
	return tokens
}

// pollLoop queries the scheduler every sleep interval, signals every tracked
// job that left the active queue and exits once nothing is tracked anymore.
// At most one loop runs per runner; concurrent triggers are no-ops.
func (r *GridRunner) pollLoop() {
	if !r.pollMu.TryLock() {
		return
	}
	defer r.pollMu.Unlock()

	for {
		r.activeMu.Lock()
		tracked := make([]string, 0, len(r.active))
		for id := range r.active {
			tracked = append(tracked, id)
		}
		r.activeMu.Unlock()
		if len(tracked) == 0 {
			return
		}

		res, err := r.invoker.Run(context.Background(), saferun.Request{
			Args:    r.profile.CheckCommand,
			Capture: true,
		})
		if err != nil {
			r.logger.Warn().Err(err).Msg("Scheduler status check failed")
		} else {
			running := r.profile.ExtractActive(string(res.Stdout))

			r.activeMu.Lock()
			for _, id := range tracked {
				if !running[id] {
					close(r.active[id])
					delete(r.active, id)
				}
			}
			empty := len(r.active) == 0
			r.activeMu.Unlock()
			if empty {
				return
			}
		}

		time.Sleep(r.sleep)
	}
}
