package jobs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ternarybob/arbor"
	"golang.org/x/sync/semaphore"

	"github.com/vivianlink/PLAMS/internal/common"
	"github.com/vivianlink/PLAMS/internal/saferun"
)

// CallRequest carries everything a Runner needs to execute or submit one
// prepared runscript.
type CallRequest struct {
	// Runscript is the script file name, relative to Workdir.
	Runscript string
	// Workdir is the job folder the process runs in.
	Workdir string
	// Out is the stdout file name inside Workdir; empty discards stdout
	// (or leaves it to the runscript's own redirection).
	Out string
	// Err is the stderr file name inside Workdir.
	Err string
	// Options are scheduler submit flags; local execution ignores them.
	Options map[string]string
}

// Runner executes prepared runscripts. The local variant runs them as child
// processes; the grid variant submits them to a batch scheduler. An exit
// code of 0 means "ran/submitted without error"; a returned error means the
// invocation itself could not be carried out and crashes the job.
type Runner interface {
	Call(ctx context.Context, req CallRequest) (int, error)
	// Parallel reports whether jobs driven by this runner run on their own
	// goroutine.
	Parallel() bool
}

// LocalRunner executes runscripts as synchronous child processes. When
// parallel, each job gets a dedicated goroutine; an optional weighted
// semaphore bounds the number of concurrently executing processes. The
// gate wraps Call only, so any number of jobs may be preparing or
// finalizing while at most MaxJobs processes are in flight.
type LocalRunner struct {
	parallel bool
	sem      *semaphore.Weighted
	invoker  *saferun.Invoker
	logger   arbor.ILogger
}

// NewLocalRunner creates a runner from the runner configuration section.
func NewLocalRunner(cfg common.RunnerConfig, invoker *saferun.Invoker, logger arbor.ILogger) *LocalRunner {
	if logger == nil {
		logger = common.GetLogger()
	}
	var sem *semaphore.Weighted
	if cfg.MaxJobs > 0 {
		sem = semaphore.NewWeighted(int64(cfg.MaxJobs))
	}
	return &LocalRunner{
		parallel: cfg.Parallel,
		sem:      sem,
		invoker:  invoker,
		logger:   logger,
	}
}

// Parallel reports whether jobs run on their own goroutine.
func (r *LocalRunner) Parallel() bool { return r.parallel }

func (r *LocalRunner) acquire(ctx context.Context) error {
	if r.sem == nil {
		return nil
	}
	return r.sem.Acquire(ctx, 1)
}

func (r *LocalRunner) release() {
	if r.sem != nil {
		r.sem.Release(1)
	}
}

// Call runs the runscript rooted at the job folder, redirecting stderr
// always and stdout only when a path is given. Returns the process's real
// exit code.
func (r *LocalRunner) Call(ctx context.Context, req CallRequest) (int, error) {
	if err := r.acquire(ctx); err != nil {
		return 0, err
	}
	defer r.release()

	r.logger.Debug().Str("runscript", req.Runscript).Msg("Executing runscript")

	errFile, err := os.Create(filepath.Join(req.Workdir, req.Err))
	if err != nil {
		return 0, fmt.Errorf("failed to create stderr file: %w", err)
	}
	defer errFile.Close()

	request := saferun.Request{
		Args:   []string{"./" + req.Runscript},
		Dir:    req.Workdir,
		Stderr: errFile,
	}
	if req.Out != "" {
		outFile, err := os.Create(filepath.Join(req.Workdir, req.Out))
		if err != nil {
			return 0, fmt.Errorf("failed to create stdout file: %w", err)
		}
		defer outFile.Close()
		request.Stdout = outFile
	}

	res, err := r.invoker.Run(ctx, request)
	if err != nil {
		return 0, fmt.Errorf("failed to execute %s: %w", req.Runscript, err)
	}

	r.logger.Debug().
		Str("runscript", req.Runscript).
		Int("exit_code", res.ExitCode).
		Msg("Execution finished")
	return res.ExitCode, nil
}
