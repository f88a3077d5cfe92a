// Package jobs implements the orchestration core: the job lifecycle state
// machine (single and composite jobs), the manager that registers and
// deduplicates jobs, and the runners that execute prepared runscripts either
// locally or through a batch scheduler.
package jobs

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	"github.com/vivianlink/PLAMS/internal/common"
	"github.com/vivianlink/PLAMS/internal/settings"
)

// Job is the contract shared by SingleJob and MultiJob. A job is created by
// caller code, mutated by the Manager at registration (name, path), and
// drives itself through prepare, execute and finalize on the goroutine the
// Runner assigns to it.
type Job interface {
	// Name returns the job's identifier, unique within its manager after
	// registration.
	Name() string
	// Path returns the absolute working directory, empty before
	// registration.
	Path() string
	// Status returns the current lifecycle state.
	Status() Status
	// Parent returns the owning MultiJob, or nil for top-level jobs.
	Parent() Job
	// Settings returns the job's configuration tree.
	Settings() settings.Settings
	// Results returns the job's results handle. For a deduplicated job this
	// is the identical handle of the job it reuses.
	Results() *Results
	// Hash returns the job's content digest, or "" to opt out of
	// deduplication.
	Hash() string
	// FileName renders the job's deterministic file name for a kind
	// ("in", "run", "out", "err", "job").
	FileName(kind string) string
	// Wait blocks until the job reaches a terminal state.
	Wait()
	// OK waits for the job to finish and reports whether it succeeded.
	OK() bool

	base() *core
	prepare(ctx context.Context, m *Manager) (bool, error)
	execute(ctx context.Context, r Runner) error
	finalize(ctx context.Context)
}

// core holds the state shared by both job variants. All fields are guarded
// by mu except done/logger/id, which are write-once at construction.
type core struct {
	mu       sync.Mutex
	name     string
	path     string
	status   Status
	parent   Job
	settings settings.Settings
	results  *Results
	manager  *Manager
	hashing  string
	// storedHash carries the digest restored from a snapshot, where the
	// program adapter needed to recompute it is no longer available.
	storedHash string
	exitCode   int

	id       string
	logger   arbor.ILogger
	done     chan struct{}
	doneOnce sync.Once
}

func newCore(name string, st settings.Settings, logger arbor.ILogger) core {
	if st == nil {
		st = settings.New()
	}
	if logger == nil {
		logger = common.GetLogger()
	}
	id := uuid.New().String()
	c := core{
		name:     name,
		status:   StatusCreated,
		settings: st,
		id:       id,
		logger:   logger.WithCorrelationId(id),
		done:     make(chan struct{}),
	}
	c.results = newResults(&c)
	return c
}

func (c *core) base() *core { return c }

func (c *core) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

func (c *core) rename(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.name = name
}

func (c *core) Path() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.path
}

func (c *core) setPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.path = path
}

func (c *core) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *core) setStatus(s Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = s
}

func (c *core) Parent() Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.parent
}

func (c *core) setParent(p Job) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.parent = p
}

func (c *core) Settings() settings.Settings { return c.settings }

func (c *core) Results() *Results {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.results
}

func (c *core) setResults(r *Results) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = r
}

// FileName renders the deterministic per-job file name for a kind.
func (c *core) FileName(kind string) string {
	return fmt.Sprintf("%s.%s", c.Name(), kind)
}

// Wait blocks until the job reaches a terminal state.
func (c *core) Wait() { <-c.done }

// OK waits for the job to finish and reports whether it ended up ok.
func (c *core) OK() bool {
	c.Wait()
	return c.Status() == StatusOK
}

func (c *core) markDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

// Run drives a job through registration, deduplication, preparation,
// execution and finalization. With a parallel runner the job runs on its own
// goroutine and Run returns immediately; completion is observed through the
// job's Wait/OK or its results handle. The returned handle is the job's
// Results.
func Run(ctx context.Context, j Job, r Runner, m *Manager) *Results {
	if r.Parallel() {
		go drive(ctx, j, r, m)
	} else {
		drive(ctx, j, r, m)
	}
	return j.Results()
}

// drive is the per-job lifecycle loop. Any error or panic raised by the
// job's own phases terminates this job as crashed; sibling jobs are not
// affected.
func drive(ctx context.Context, j Job, r Runner, m *Manager) {
	c := j.base()
	defer c.markDone()
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error().
				Str("job", c.Name()).
				Str("panic", fmt.Sprintf("%v", rec)).
				Msg("Job panicked")
			c.logger.Debug().Msg(common.GetStackTrace())
			c.setStatus(StatusCrashed)
		}
	}()

	proceed, err := j.prepare(ctx, m)
	if err != nil {
		c.logger.Error().Err(err).Str("job", c.Name()).Msg("Job preparation failed")
		c.setStatus(StatusCrashed)
		return
	}
	if !proceed {
		return
	}

	if err := j.execute(ctx, r); err != nil {
		c.logger.Error().Err(err).Str("job", c.Name()).Msg("Job execution failed")
		c.setStatus(StatusCrashed)
		return
	}

	j.finalize(ctx)
}

// reuse short-circuits this job to a previously run equivalent: it borrows
// the other job's results handle and terminal status.
func (c *core) reuse(prev Job) {
	prev.Wait()
	c.setResults(prev.Results())
	c.setStatus(prev.Status())
	c.logger.Info().
		Str("job", c.Name()).
		Str("previous", prev.Name()).
		Msg("Job previously run, using old results")
}
