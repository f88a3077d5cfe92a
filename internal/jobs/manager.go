package jobs

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/vivianlink/PLAMS/internal/common"
)

// Manager owns a working folder and the registries built over it: the
// ordered list of every job it ever registered, the name counters used to
// disambiguate colliding names, and the content-hash cache used to reuse
// results of identical jobs. The registries are guarded by a single mutex so
// the check-then-insert dedup step is atomic across concurrently registering
// jobs.
type Manager struct {
	cfg common.JobManagerConfig

	// Workdir is the absolute path of this manager's working folder.
	Workdir string
	// Logfile and Input are the manager-level bookkeeping files inside the
	// workdir: the run log and the echoed input.
	Logfile string
	Input   string

	mu     sync.Mutex
	jobs   []Job
	names  map[string]int
	hashes map[string]Job

	logger arbor.ILogger
}

// NewManager creates a manager rooted at path (the current directory when
// empty). When folder is empty a fresh "plams.<pid>" folder is allocated,
// suffixed "_N" while taken; an explicitly named folder that already exists
// is reused with a warning.
func NewManager(cfg common.JobManagerConfig, path, folder string, logger arbor.ILogger) (*Manager, error) {
	if logger == nil {
		logger = common.GetLogger()
	}

	if path == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve current directory: %w", err)
		}
		path = cwd
	} else {
		info, err := os.Stat(path)
		if err != nil || !info.IsDir() {
			return nil, fmt.Errorf("invalid path: %s", path)
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve path %s: %w", path, err)
		}
		path = abs
	}

	if folder == "" {
		base := fmt.Sprintf("plams.%d", os.Getpid())
		folder = base
		for i := 1; ; i++ {
			if _, err := os.Stat(filepath.Join(path, folder)); os.IsNotExist(err) {
				break
			}
			folder = fmt.Sprintf("%s_%d", base, i)
		}
	} else {
		folder = filepath.Clean(folder)
	}

	m := &Manager{
		cfg:     cfg,
		Workdir: filepath.Join(path, folder),
		names:   make(map[string]int),
		hashes:  make(map[string]Job),
		logger:  logger,
	}
	m.Logfile = filepath.Join(m.Workdir, folder+".log")
	m.Input = filepath.Join(m.Workdir, folder+".inp")

	if _, err := os.Stat(m.Workdir); os.IsNotExist(err) {
		if err := os.MkdirAll(m.Workdir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create working folder %s: %w", m.Workdir, err)
		}
	} else {
		m.logger.Warn().
			Str("workdir", m.Workdir).
			Msg("Working folder already exists, a fresh folder is strongly advised")
	}

	m.logger.Info().Str("workdir", m.Workdir).Msg("Job manager initialized")
	return m, nil
}

// Jobs returns every job registered with this manager, in run order.
func (m *Manager) Jobs() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Job, len(m.jobs))
	copy(out, m.jobs)
	return out
}

// register assigns the job a unique name and a folder, creates the folder on
// disk according to the collision policy and appends the job to the run
// list.
func (m *Manager) register(j Job) error {
	c := j.base()

	m.mu.Lock()
	defer m.mu.Unlock()

	c.mu.Lock()
	c.manager = m
	c.hashing = m.cfg.Hashing
	c.mu.Unlock()

	m.registerName(j)

	if j.Path() == "" {
		if parent := j.Parent(); parent != nil {
			c.setPath(filepath.Join(parent.Path(), j.Name()))
		} else {
			c.setPath(filepath.Join(m.Workdir, j.Name()))
		}
	}

	if err := m.allocateFolder(j.Path()); err != nil {
		return err
	}

	m.jobs = append(m.jobs, j)
	c.setStatus(StatusRegistered)
	m.logger.Debug().Str("job", j.Name()).Str("path", j.Path()).Msg("Job registered")
	return nil
}

// registerName disambiguates colliding names by appending a zero-padded
// counter. Caller holds m.mu.
func (m *Manager) registerName(j Job) {
	name := j.Name()
	count := m.names[name]
	m.names[name] = count + 1
	if count == 0 {
		return
	}
	newName := fmt.Sprintf("%s.%0*d", name, m.cfg.CounterWidth, count)
	m.logger.Debug().Str("from", name).Str("to", newName).Msg("Renaming job")
	j.base().rename(newName)
}

// allocateFolder creates the job folder, applying the configured policy when
// the target already exists: error aborts, remove deletes the old folder,
// rename moves it aside to <path>.oldN for the smallest unused N.
func (m *Manager) allocateFolder(path string) error {
	if _, err := os.Stat(path); err == nil {
		switch m.cfg.FolderPolicy {
		case "remove":
			if err := os.RemoveAll(path); err != nil {
				return fmt.Errorf("failed to remove existing folder %s: %w", path, err)
			}
		case "rename":
			aside := ""
			for i := 1; ; i++ {
				aside = fmt.Sprintf("%s.old%d", path, i)
				if _, err := os.Stat(aside); os.IsNotExist(err) {
					break
				}
			}
			if err := os.Rename(path, aside); err != nil {
				return fmt.Errorf("failed to rename existing folder %s: %w", path, err)
			}
			m.logger.Info().Str("folder", path).Str("renamed_to", aside).Msg("Folder already present, renamed")
		default:
			return fmt.Errorf("folder %s already present in the filesystem", path)
		}
	}
	if err := os.Mkdir(path, 0755); err != nil {
		return fmt.Errorf("failed to create job folder %s: %w", path, err)
	}
	return nil
}

// checkHash computes the job's digest and consults the dedup cache. On a hit
// the previously registered job is returned and the caller reuses its
// results instead of executing; on a miss the digest is claimed by this job.
// Check and insert happen under one lock, so concurrent registration of two
// identical jobs dedups deterministically.
func (m *Manager) checkHash(j Job) Job {
	h := j.Hash()
	if h == "" {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.hashes[h]; ok {
		return prev
	}
	m.hashes[h] = j
	return nil
}

// Remove forgets a job: it is dropped from the run list and, if it is still
// the canonical entry for its digest, from the hash cache. The job's folder
// is left on disk.
func (m *Manager) Remove(j Job) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, registered := range m.jobs {
		if registered == j {
			m.jobs = append(m.jobs[:i], m.jobs[i+1:]...)
			break
		}
	}
	if h := j.Hash(); h != "" {
		if prev, ok := m.hashes[h]; ok && prev == j {
			delete(m.hashes, h)
		}
	}
	j.base().mu.Lock()
	j.base().manager = nil
	j.base().mu.Unlock()
}

// Clean applies every job's retention policy to its results and, when
// configured, removes all empty subdirectories left under the workdir.
func (m *Manager) Clean() {
	m.logger.Debug().Msg("Cleaning job manager")

	for _, j := range m.Jobs() {
		policy, _ := j.Settings().Get("save")
		if err := j.Results().Clean(policy); err != nil {
			m.logger.Warn().Err(err).Str("job", j.Name()).Msg("Failed to clean job results")
		}
	}

	if m.cfg.RemoveEmptyDirs {
		m.removeEmptyDirs()
	}
	m.logger.Debug().Msg("Job manager cleaned")
}

// removeEmptyDirs walks the workdir bottom-up and deletes empty folders.
func (m *Manager) removeEmptyDirs() {
	var dirs []string
	_ = filepath.WalkDir(m.Workdir, func(path string, d os.DirEntry, err error) error {
		if err == nil && d.IsDir() && path != m.Workdir {
			dirs = append(dirs, path)
		}
		return nil
	})

	// Deepest first, so a directory emptied by a child removal goes too.
	sort.Slice(dirs, func(i, k int) bool {
		return strings.Count(dirs[i], string(os.PathSeparator)) > strings.Count(dirs[k], string(os.PathSeparator))
	})
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err == nil && len(entries) == 0 {
			_ = os.Remove(dir)
		}
	}
}
