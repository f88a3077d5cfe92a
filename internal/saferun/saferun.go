// Package saferun wraps synchronous external-process execution with a retry
// loop for transient launch failures. Forking can fail with a temporary
// resource-unavailable error on busy machines; those launches are retried a
// fixed number of times, every other error propagates immediately.
package saferun

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/vivianlink/PLAMS/internal/common"
)

// Request describes one process invocation.
type Request struct {
	// Args is the full argument vector; Args[0] is the command.
	Args []string
	// Dir is the working directory for the child process (empty = inherit).
	Dir string
	// Stdout and Stderr receive the process streams when set. A nil stream
	// is discarded unless Capture is true.
	Stdout io.Writer
	Stderr io.Writer
	// Capture collects stdout and stderr into the Result instead of
	// streaming them. Overrides Stdout/Stderr.
	Capture bool
}

// Result holds the outcome of a completed process.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Invoker runs external processes, retrying transient launch failures.
type Invoker struct {
	repeat int
	delay  time.Duration
	logger arbor.ILogger

	// start is the process launcher, replaceable in tests.
	start func(ctx context.Context, req *Request) (*Result, error)
}

// NewInvoker creates an invoker from the saferun configuration section.
func NewInvoker(cfg common.SafeRunConfig, logger arbor.ILogger) *Invoker {
	return NewInvokerWithLauncher(cfg, logger, launch)
}

// NewInvokerWithLauncher creates an invoker with a custom process launcher.
// Used by tests and dry-run tooling to intercept execution.
func NewInvokerWithLauncher(cfg common.SafeRunConfig, logger arbor.ILogger, start func(ctx context.Context, req *Request) (*Result, error)) *Invoker {
	if logger == nil {
		logger = common.GetLogger()
	}
	return &Invoker{
		repeat: cfg.Repeat,
		delay:  cfg.DelayDuration(),
		logger: logger,
		start:  start,
	}
}

// Run executes the request, retrying up to Repeat additional times when the
// launch fails with a transient resource-unavailable error. A process that
// started and exited nonzero is not an error: the exit code is reported in
// the Result. When all attempts are exhausted the last transient error is
// returned.
func (iv *Invoker) Run(ctx context.Context, req Request) (*Result, error) {
	var lastErr error
	for attempt := 0; attempt <= iv.repeat; attempt++ {
		res, err := iv.start(ctx, &req)
		if err == nil {
			return res, nil
		}
		if !isTransient(err) {
			return nil, err
		}
		lastErr = err
		iv.logger.Debug().
			Str("command", req.Args[0]).
			Int("attempt", attempt+1).
			Err(err).
			Msg("Process launch failed with transient error")

		if attempt == iv.repeat {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(iv.delay):
		}
	}
	return nil, lastErr
}

// isTransient reports whether err is the retryable resource-unavailable
// launch failure (EAGAIN class).
func isTransient(err error) bool {
	return errors.Is(err, syscall.EAGAIN)
}

// launch starts the process and waits for it to finish.
func launch(ctx context.Context, req *Request) (*Result, error) {
	cmd := exec.CommandContext(ctx, req.Args[0], req.Args[1:]...)
	cmd.Dir = req.Dir

	res := &Result{}
	var outBuf, errBuf bytes.Buffer
	if req.Capture {
		cmd.Stdout = &outBuf
		cmd.Stderr = &errBuf
	} else {
		cmd.Stdout = req.Stdout
		cmd.Stderr = req.Stderr
	}

	err := cmd.Run()
	if req.Capture {
		res.Stdout = outBuf.Bytes()
		res.Stderr = errBuf.Bytes()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// The process ran; a nonzero exit code is a result, not an
			// invocation failure.
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return nil, err
	}
	res.ExitCode = cmd.ProcessState.ExitCode()
	return res, nil
}
