package jobs

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/vivianlink/PLAMS/internal/settings"
)

// MultiJob is the composite job variant: a user-supplied prerun hook
// populates its children before execution and a postrun hook aggregates
// their outcomes once every child has reached a terminal state.
type MultiJob struct {
	core
	children []Job

	// Prerun builds the child jobs. It runs after registration, so the
	// parent's folder already exists and per-child settings can be stamped.
	Prerun func(ctx context.Context, j *MultiJob) ([]Job, error)
	// Postrun aggregates the children's results. It runs after all children
	// are terminal; a returned error crashes the parent.
	Postrun func(ctx context.Context, j *MultiJob) error
}

// NewMultiJob creates a composite job. The settings tree may be nil.
func NewMultiJob(name string, st settings.Settings, logger arbor.ILogger) *MultiJob {
	return &MultiJob{core: newCore(name, st, logger)}
}

// Children returns the ordered child jobs, populated by the prerun hook.
func (j *MultiJob) Children() []Job {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Job, len(j.children))
	copy(out, j.children)
	return out
}

// Hash digests the children's digests, in order. Any child opting out of
// deduplication opts the composite out as well.
func (j *MultiJob) Hash() string {
	j.mu.Lock()
	stored := j.storedHash
	children := make([]Job, len(j.children))
	copy(children, j.children)
	j.mu.Unlock()

	if stored != "" {
		return stored
	}
	if len(children) == 0 {
		return ""
	}

	parts := make([]string, 0, len(children))
	for _, child := range children {
		h := child.Hash()
		if h == "" {
			return ""
		}
		parts = append(parts, h)
	}
	return digest(strings.Join(parts, "\n"))
}

// prepare registers the parent, invokes the prerun hook to build the
// children, then consults the dedup cache over the composite digest.
func (j *MultiJob) prepare(ctx context.Context, m *Manager) (bool, error) {
	if err := m.register(j); err != nil {
		return false, err
	}

	if j.Prerun != nil {
		children, err := j.Prerun(ctx, j)
		if err != nil {
			return false, err
		}
		for _, child := range children {
			child.base().setParent(j)
		}
		j.mu.Lock()
		j.children = children
		j.mu.Unlock()
	}

	if prev := m.checkHash(j); prev != nil {
		j.reuse(prev)
		return false, nil
	}

	j.logger.Debug().Str("job", j.Name()).Int("children", len(j.Children())).Msg("Composite job prepared")
	return true, nil
}

// execute runs every child through the same runner and blocks until all of
// them reach a terminal state. Children register under the parent's folder
// because their parent reference is already set.
func (j *MultiJob) execute(ctx context.Context, r Runner) error {
	j.setStatus(StatusRunning)

	j.mu.Lock()
	m := j.manager
	j.mu.Unlock()

	children := j.Children()
	for _, child := range children {
		Run(ctx, child, r, m)
	}
	for _, child := range children {
		child.Wait()
	}
	return nil
}

// finalize runs the postrun hook, collects the parent's own folder and sets
// the terminal status: ok only when the parent itself and every child are
// ok.
func (j *MultiJob) finalize(ctx context.Context) {
	if j.Postrun != nil {
		if err := j.Postrun(ctx, j); err != nil {
			j.logger.Error().Err(err).Str("job", j.Name()).Msg("Postrun hook failed")
			j.setStatus(StatusCrashed)
			return
		}
	}

	if err := j.results.Collect(); err != nil {
		j.logger.Warn().Err(err).Str("job", j.Name()).Msg("Result collection failed")
	}

	status := StatusOK
	counts := map[Status]int{}
	for _, child := range j.Children() {
		cs := child.Status()
		counts[cs]++
		if cs != StatusOK {
			status = StatusFailed
		}
	}
	j.setStatus(status)

	if err := j.writeSnapshot(); err != nil {
		j.logger.Warn().Err(err).Str("job", j.Name()).Msg("Failed to write job snapshot")
	}
	j.logger.Info().
		Str("job", j.Name()).
		Str("status", string(status)).
		Str("children", formatChildCounts(counts)).
		Msg("Composite job finished")
}

func formatChildCounts(counts map[Status]int) string {
	keys := make([]string, 0, len(counts))
	for s := range counts {
		keys = append(keys, string(s))
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s:%d", k, counts[Status(k)]))
	}
	return strings.Join(parts, " ")
}
