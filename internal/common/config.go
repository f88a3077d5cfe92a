package common

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config is the explicit configuration tree for the PLAMS core. There is no
// ambient global config: every component receives the section it needs at
// construction time.
type Config struct {
	JobManager JobManagerConfig `toml:"jobmanager"`
	Runner     RunnerConfig     `toml:"runner"`
	SafeRun    SafeRunConfig    `toml:"saferun"`
	Grid       GridConfig       `toml:"grid"`
	Logging    LoggingConfig    `toml:"logging"`
}

// JobManagerConfig controls naming, folder collision handling and hashing.
type JobManagerConfig struct {
	// CounterWidth is the zero-padded width of the suffix appended to
	// colliding job names ("calc" -> "calc.001" with width 3).
	CounterWidth int `toml:"counter_width" validate:"min=1,max=10"`
	// FolderPolicy decides what happens when a job folder already exists:
	// "error" aborts registration, "remove" deletes the old folder,
	// "rename" moves it aside to <path>.oldN.
	FolderPolicy string `toml:"folder_policy" validate:"oneof=error remove rename"`
	// Hashing selects the content-digest policy used for job deduplication:
	// "input", "runscript", "input+runscript" or "none".
	Hashing string `toml:"hashing" validate:"oneof=input runscript input+runscript none"`
	// RemoveEmptyDirs removes empty subdirectories of the workdir on Clean.
	RemoveEmptyDirs bool `toml:"remove_empty_dirs"`
}

// RunnerConfig controls local execution parallelism.
type RunnerConfig struct {
	Parallel bool `toml:"parallel"`
	// MaxJobs bounds the number of concurrently executing runscripts.
	// Zero means unbounded. Ignored when Parallel is false.
	MaxJobs int `toml:"max_jobs" validate:"min=0"`
}

// SafeRunConfig controls the retrying process invoker.
type SafeRunConfig struct {
	// Repeat is the number of retries after the first attempt.
	Repeat int `toml:"repeat" validate:"min=0"`
	// Delay is the pause between attempts as a duration string, e.g. "1s".
	Delay string `toml:"delay"`
}

// DelayDuration parses the configured delay, falling back to one second.
func (c SafeRunConfig) DelayDuration() time.Duration {
	if d, err := time.ParseDuration(c.Delay); err == nil && d >= 0 {
		return d
	}
	return time.Second
}

// GridConfig selects the batch scheduler profile.
type GridConfig struct {
	// Kind is a profile name ("slurm", "pbs") or "auto" for detection.
	Kind string `toml:"kind" validate:"omitempty,oneof=auto slurm pbs"`
	// SleepStep is the poll interval as a duration string, e.g. "5s".
	SleepStep string `toml:"sleepstep"`
}

// SleepDuration parses the configured poll interval, falling back to five
// seconds.
func (c GridConfig) SleepDuration() time.Duration {
	if d, err := time.ParseDuration(c.SleepStep); err == nil && d > 0 {
		return d
	}
	return 5 * time.Second
}

type LoggingConfig struct {
	Level  string   `toml:"level"`
	Output []string `toml:"output"` // "stdout", "file"
}

// DefaultConfig returns the built-in defaults, matching the documented
// behavior of a freshly initialized environment.
func DefaultConfig() *Config {
	return &Config{
		JobManager: JobManagerConfig{
			CounterWidth:    3,
			FolderPolicy:    "error",
			Hashing:         "input+runscript",
			RemoveEmptyDirs: true,
		},
		Runner: RunnerConfig{
			Parallel: false,
			MaxJobs:  0,
		},
		SafeRun: SafeRunConfig{
			Repeat: 5,
			Delay:  "1s",
		},
		Grid: GridConfig{
			Kind:      "auto",
			SleepStep: "5s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout"},
		},
	}
}

// LoadConfig loads configuration from a TOML file layered over the defaults.
// An empty path returns the validated defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration against its declared constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.SafeRun.Delay != "" {
		if _, err := time.ParseDuration(c.SafeRun.Delay); err != nil {
			return fmt.Errorf("invalid saferun delay %q: %w", c.SafeRun.Delay, err)
		}
	}
	if c.Grid.SleepStep != "" {
		if _, err := time.ParseDuration(c.Grid.SleepStep); err != nil {
			return fmt.Errorf("invalid grid sleepstep %q: %w", c.Grid.SleepStep, err)
		}
	}
	return nil
}
