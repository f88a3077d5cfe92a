package jobs

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/vivianlink/PLAMS/internal/settings"
)

// snapshotVersion is the on-disk schema version of job snapshot files.
const snapshotVersion = 1

// snapshot is the plain-data form of a finished job, written as
// <name>.job in the job folder. Locks, the manager back-reference and the
// program adapter are not part of the snapshot; Load reconstructs what it
// can and marks the rest restored-only.
type snapshot struct {
	Version  int            `yaml:"version"`
	Kind     string         `yaml:"kind"`
	Name     string         `yaml:"name"`
	Status   Status         `yaml:"status"`
	Digest   string         `yaml:"digest,omitempty"`
	Settings map[string]any `yaml:"settings,omitempty"`
	Files    []string       `yaml:"files,omitempty"`
	Children []string       `yaml:"children,omitempty"`
}

const (
	snapshotKindSingle = "single"
	snapshotKindMulti  = "multi"
)

// writeSnapshot persists the job's terminal state into its folder.
func (j *SingleJob) writeSnapshot() error {
	return writeSnapshotFile(&j.core, snapshotKindSingle, j.Hash(), nil)
}

// writeSnapshot persists the composite's terminal state, recording child
// names so a restore can recurse into their folders.
func (j *MultiJob) writeSnapshot() error {
	children := j.Children()
	names := make([]string, 0, len(children))
	for _, child := range children {
		names = append(names, child.Name())
	}
	return writeSnapshotFile(&j.core, snapshotKindMulti, j.Hash(), names)
}

func writeSnapshotFile(c *core, kind, digest string, children []string) error {
	snap := snapshot{
		Version:  snapshotVersion,
		Kind:     kind,
		Name:     c.Name(),
		Status:   c.Status(),
		Digest:   digest,
		Settings: map[string]any(c.settings),
		Files:    c.Results().fileNames(),
		Children: children,
	}

	data, err := yaml.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("failed to serialize snapshot: %w", err)
	}
	path := filepath.Join(c.Path(), c.FileName("job"))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot %s: %w", path, err)
	}
	return nil
}

// Load restores a job from a snapshot file inside a job folder. The
// manager back-reference, per-job locks and results handle are
// reinitialized; the stored digest is re-registered in the hash cache so
// later identical jobs reuse the restored results. Children of composite
// jobs are restored recursively; a child whose snapshot is broken is logged
// and skipped.
func (m *Manager) Load(file string) (Job, error) {
	abs, err := filepath.Abs(file)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve snapshot path %s: %w", file, err)
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("snapshot file not present: %s", abs)
	}

	snap, err := readSnapshot(abs)
	if err != nil {
		m.logger.Warn().Err(err).Str("file", abs).Msg("Failed to load job snapshot")
		return nil, err
	}

	j := m.rehydrate(snap, filepath.Dir(abs), nil)

	m.mu.Lock()
	m.jobs = append(m.jobs, j)
	if snap.Digest != "" {
		if _, taken := m.hashes[snap.Digest]; !taken {
			m.hashes[snap.Digest] = j
		}
	}
	m.mu.Unlock()

	m.logger.Info().Str("job", j.Name()).Str("path", j.Path()).Msg("Job restored from snapshot")
	return j, nil
}

// LoadAll restores every job folder directly under dir that carries a
// snapshot file. Broken snapshots are logged and skipped; they never abort
// the batch restore.
func (m *Manager) LoadAll(dir string) []Job {
	entries, err := os.ReadDir(dir)
	if err != nil {
		m.logger.Warn().Err(err).Str("dir", dir).Msg("Failed to scan folder for snapshots")
		return nil
	}

	var restored []Job
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		file := filepath.Join(dir, entry.Name(), entry.Name()+".job")
		if _, err := os.Stat(file); err != nil {
			continue
		}
		j, err := m.Load(file)
		if err != nil {
			continue
		}
		restored = append(restored, j)
	}
	return restored
}

func readSnapshot(path string) (*snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot %s: %w", path, err)
	}
	var snap snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot %s: %w", path, err)
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d in %s", snap.Version, path)
	}
	if snap.Name == "" || snap.Kind == "" {
		return nil, fmt.Errorf("incomplete snapshot %s", path)
	}
	return &snap, nil
}

// rehydrate rebuilds a live job from plain snapshot data. Restored jobs are
// terminal: their done channel is closed immediately, their results refreshed
// against the folder they were found in, and their digest pinned so Hash
// keeps working without the program adapter.
func (m *Manager) rehydrate(snap *snapshot, dir string, parent Job) Job {
	st := settings.Settings(snap.Settings)
	if st == nil {
		st = settings.New()
	}

	var j Job
	switch snap.Kind {
	case snapshotKindMulti:
		mj := NewMultiJob(snap.Name, st, m.logger)
		for _, childName := range snap.Children {
			childFile := filepath.Join(dir, childName, childName+".job")
			childSnap, err := readSnapshot(childFile)
			if err != nil {
				m.logger.Warn().Err(err).Str("file", childFile).Msg("Failed to restore child job")
				continue
			}
			child := m.rehydrate(childSnap, filepath.Join(dir, childName), mj)
			mj.children = append(mj.children, child)
		}
		j = mj
	default:
		j = NewSingleJob(snap.Name, nil, st, m.logger)
	}

	c := j.base()
	c.mu.Lock()
	c.name = snap.Name
	c.path = dir
	c.status = snap.Status
	c.parent = parent
	c.manager = m
	c.storedHash = snap.Digest
	c.mu.Unlock()

	c.Results().restoreFiles(snap.Files)
	c.Results().Refresh()
	c.markDone()
	return j
}
