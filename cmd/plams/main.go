package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/ternarybob/arbor"

	"github.com/vivianlink/PLAMS/internal/common"
	"github.com/vivianlink/PLAMS/internal/jobs"
)

var (
	// Command-line flags
	configFile   = flag.String("config", "", "Configuration file path")
	configFileC  = flag.String("c", "", "Configuration file path (shorthand)")
	restartDir   = flag.String("restart", "", "Working folder to restore job snapshots from")
	runClean     = flag.Bool("clean", false, "Apply result retention policies after the status report")
	showVersion  = flag.Bool("version", false, "Print version information")
	showVersionV = flag.Bool("v", false, "Print version information (shorthand)")

	// Global state
	config *common.Config
	logger arbor.ILogger
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			common.WriteCrashFile(".", r, common.GetStackTrace())
			os.Exit(1)
		}
	}()

	flag.Parse()

	if *showVersion || *showVersionV {
		fmt.Printf("PLAMS version %s\n", common.GetVersion())
		os.Exit(0)
	}

	// Merge config flags (shorthand takes precedence)
	configPath := *configFile
	if *configFileC != "" {
		configPath = *configFileC
	}
	// Auto-discover config file if not specified
	if configPath == "" {
		if _, err := os.Stat("plams.toml"); err == nil {
			configPath = "plams.toml"
		}
	}

	// Startup sequence (REQUIRED ORDER):
	// 1. Load config (defaults -> file)
	// 2. Initialize logger
	// 3. Print banner
	var err error
	config, err = common.LoadConfig(configPath)
	if err != nil {
		// Use temporary logger for startup errors
		arbor.NewLogger().Fatal().Err(err).Str("path", configPath).Msg("Failed to load configuration")
		os.Exit(1)
	}

	logger = common.SetupLogger(config, "")
	common.PrintBanner(common.GetVersion())

	logger.Debug().
		Str("folder_policy", config.JobManager.FolderPolicy).
		Str("hashing", config.JobManager.Hashing).
		Str("log_level", config.Logging.Level).
		Msg("Resolved configuration")

	if *restartDir == "" {
		fmt.Fprintln(os.Stderr, "Usage: plams -restart <workdir> [-clean] [-config <file>]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	if err := restart(*restartDir, *runClean); err != nil {
		logger.Fatal().Err(err).Str("workdir", *restartDir).Msg("Restart failed")
		os.Exit(1)
	}
}

// restart restores every job snapshot found under dir, prints a status
// report and optionally applies each job's result retention policy.
func restart(dir string, clean bool) error {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("not a working folder: %s", dir)
	}

	manager, err := jobs.NewManager(config.JobManager, "", "", logger)
	if err != nil {
		return fmt.Errorf("failed to initialize job manager: %w", err)
	}

	// Re-initialize logging with the manager's log file and echo the
	// resolved configuration next to it.
	logger = common.SetupLogger(config, manager.Logfile)
	if echoed, err := toml.Marshal(config); err == nil {
		if err := os.WriteFile(manager.Input, echoed, 0644); err != nil {
			logger.Warn().Err(err).Str("file", manager.Input).Msg("Failed to echo configuration")
		}
	}

	restored := manager.LoadAll(dir)
	logger.Info().Str("workdir", dir).Int("jobs", len(restored)).Msg("Snapshots restored")

	counts := map[jobs.Status]int{}
	for _, j := range restored {
		counts[j.Status()]++
		fmt.Printf("%-40s %-12s %s\n", j.Name(), j.Status(), j.Path())
	}
	for status, n := range counts {
		logger.Info().Str("status", string(status)).Int("count", n).Msg("Job status summary")
	}

	if clean {
		manager.Clean()
	}
	return nil
}
