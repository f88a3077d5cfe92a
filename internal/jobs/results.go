package jobs

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Results is the handle a job exposes over the files its execution produced.
// On a dedup cache hit the reusing job borrows the identical handle as the
// job that actually ran. A handle obtained before the hit was detected (Run
// returns one immediately in parallel mode) forwards to the borrowed handle,
// so every accessor follows the producer either way.
type Results struct {
	owner *core
	files []string // file names relative to the owner's path
}

func newResults(owner *core) *Results {
	return &Results{owner: owner}
}

// Wait blocks until the producing job reaches a terminal state.
func (r *Results) Wait() { <-r.owner.done }

// resolve returns the handle currently attached to the owning job. After a
// dedup hit that is the producer's handle, not r; callers holding the stale
// pre-hit handle are forwarded there. Only meaningful once the owner is
// terminal.
func (r *Results) resolve() *Results {
	r.owner.mu.Lock()
	cur := r.owner.results
	r.owner.mu.Unlock()
	if cur != nil && cur != r {
		return cur
	}
	return r
}

// Files returns the recorded file names, waiting for the producing job to
// finish first.
func (r *Results) Files() []string {
	r.Wait()
	t := r.resolve()
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	out := make([]string, len(t.files))
	copy(out, t.files)
	return out
}

// Collect scans the job folder and records every regular file found there.
// Called by the job itself during finalize.
func (r *Results) Collect() error {
	path := r.owner.Path()
	entries, err := os.ReadDir(path)
	if err != nil {
		return fmt.Errorf("failed to scan results folder %s: %w", path, err)
	}

	r.owner.mu.Lock()
	defer r.owner.mu.Unlock()
	r.files = r.files[:0]
	for _, entry := range entries {
		if !entry.IsDir() {
			r.files = append(r.files, entry.Name())
		}
	}
	return nil
}

// Refresh re-validates the recorded files against the job's current path,
// dropping entries that no longer exist. Used after a folder was moved or a
// job was restored from a snapshot.
func (r *Results) Refresh() {
	path := r.owner.Path()
	r.owner.mu.Lock()
	defer r.owner.mu.Unlock()
	kept := r.files[:0]
	for _, name := range r.files {
		if _, err := os.Stat(filepath.Join(path, name)); err == nil {
			kept = append(kept, name)
		}
	}
	r.files = kept
}

// Clean applies a retention policy to the job folder. The policy is the
// job's "save" settings value: true, nil or "all" keep everything, false or
// "none" delete every recorded file, and a list keeps only files whose name
// ends with one of the listed suffixes (the snapshot file is always kept).
func (r *Results) Clean(policy any) error {
	keep := func(name string) bool { return true }

	switch p := policy.(type) {
	case nil:
		return nil
	case bool:
		if p {
			return nil
		}
		keep = func(name string) bool { return false }
	case string:
		switch p {
		case "all", "":
			return nil
		case "none":
			keep = func(name string) bool { return false }
		default:
			return fmt.Errorf("unknown retention policy %q", p)
		}
	case []string:
		keep = keepBySuffix(p)
	case []any:
		suffixes := make([]string, 0, len(p))
		for _, v := range p {
			suffixes = append(suffixes, fmt.Sprint(v))
		}
		keep = keepBySuffix(suffixes)
	default:
		return fmt.Errorf("unknown retention policy type %T", policy)
	}

	t := r.resolve()
	snapshotName := t.owner.FileName("job")
	path := t.owner.Path()

	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	kept := t.files[:0]
	for _, name := range t.files {
		if name == snapshotName || keep(name) {
			kept = append(kept, name)
			continue
		}
		if err := os.Remove(filepath.Join(path, name)); err != nil && !os.IsNotExist(err) {
			t.owner.logger.Warn().Err(err).Str("file", name).Msg("Failed to remove result file")
			kept = append(kept, name)
		}
	}
	t.files = kept
	return nil
}

func keepBySuffix(suffixes []string) func(string) bool {
	return func(name string) bool {
		for _, suffix := range suffixes {
			if strings.HasSuffix(name, suffix) {
				return true
			}
		}
		return false
	}
}

// ReadFile returns the contents of a recorded result file.
func (r *Results) ReadFile(name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(r.resolve().owner.Path(), name))
	if err != nil {
		return nil, fmt.Errorf("failed to read result file %s: %w", name, err)
	}
	return data, nil
}

// GrepOutput returns the lines of the job's stdout file containing substr.
// Program adapters use this to look for termination markers in the output.
func (r *Results) GrepOutput(substr string) ([]string, error) {
	t := r.resolve()
	f, err := os.Open(filepath.Join(t.owner.Path(), t.owner.FileName("out")))
	if err != nil {
		return nil, fmt.Errorf("failed to open output file: %w", err)
	}
	defer f.Close()

	var matches []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if strings.Contains(scanner.Text(), substr) {
			matches = append(matches, scanner.Text())
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan output file: %w", err)
	}
	return matches, nil
}

// fileNames returns the recorded names without waiting. Snapshot writing
// uses it from the owner's own finalize.
func (r *Results) fileNames() []string {
	r.owner.mu.Lock()
	defer r.owner.mu.Unlock()
	out := make([]string, len(r.files))
	copy(out, r.files)
	return out
}

// restoreFiles seeds the recorded names from a snapshot.
func (r *Results) restoreFiles(names []string) {
	r.owner.mu.Lock()
	defer r.owner.mu.Unlock()
	r.files = append(r.files[:0], names...)
}
