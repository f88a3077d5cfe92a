package jobs

import (
	"context"
	"errors"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/vivianlink/PLAMS/internal/saferun"
)

// errNoScheduler is returned by autodetection when no known batch scheduler
// responds on this host.
var errNoScheduler = errors.New("no batch scheduler found on this host")

// SlurmProfile returns the submit/poll profile for the Slurm workload
// manager. Submission goes through sbatch, which acknowledges with
// "Submitted batch job <id>"; the active set comes from squeue.
func SlurmProfile() GridProfile {
	return GridProfile{
		Name:          "slurm",
		SubmitCommand: "sbatch",
		CheckCommand:  []string{"squeue", "-h", "-o", "%i"},
		WorkdirFlag:   "-D",
		OutputFlag:    "-o",
		ErrorFlag:     "-e",
		Special: map[string]string{
			"nodes":    "-N ",
			"walltime": "-t ",
			"queue":    "-p ",
			"memory":   "--mem=",
		},
		ExtractJobID: func(output string) string {
			// "Submitted batch job 123456"
			fields := strings.Fields(output)
			if len(fields) < 4 || fields[0] != "Submitted" {
				return ""
			}
			return fields[len(fields)-1]
		},
		ExtractActive: func(output string) map[string]bool {
			active := make(map[string]bool)
			for _, line := range strings.Split(output, "\n") {
				if id := strings.TrimSpace(line); id != "" {
					active[id] = true
				}
			}
			return active
		},
	}
}

// PBSProfile returns the submit/poll profile for PBS/Torque. qsub prints
// the bare job id on its first output line; qstat lists active jobs after
// a two-line header.
func PBSProfile() GridProfile {
	return GridProfile{
		Name:          "pbs",
		SubmitCommand: "qsub",
		CheckCommand:  []string{"qstat"},
		WorkdirFlag:   "-d",
		OutputFlag:    "-o",
		ErrorFlag:     "-e",
		Special: map[string]string{
			"nodes":    "-l nodes=",
			"walltime": "-l walltime=",
			"queue":    "-q ",
			"memory":   "-l mem=",
		},
		ExtractJobID: func(output string) string {
			line, _, _ := strings.Cut(output, "\n")
			return strings.TrimSpace(line)
		},
		ExtractActive: func(output string) map[string]bool {
			active := make(map[string]bool)
			lines := strings.Split(output, "\n")
			if len(lines) <= 2 {
				return active
			}
			for _, line := range lines[2:] {
				fields := strings.Fields(line)
				if len(fields) > 0 {
					active[fields[0]] = true
				}
			}
			return active
		},
	}
}

// profileByName resolves a configured scheduler kind to its profile.
func profileByName(name string) (GridProfile, bool) {
	switch name {
	case "slurm":
		return SlurmProfile(), true
	case "pbs":
		return PBSProfile(), true
	default:
		return GridProfile{}, false
	}
}

// autodetectProfile probes the known schedulers in a fixed order and returns
// the first whose submit command responds.
func autodetectProfile(invoker *saferun.Invoker, logger arbor.ILogger) (GridProfile, error) {
	for _, profile := range []GridProfile{SlurmProfile(), PBSProfile()} {
		if probeSubmitCommand(invoker, profile) {
			logger.Info().Str("scheduler", profile.Name).Msg("Batch scheduler detected")
			return profile, nil
		}
	}
	return GridProfile{}, errNoScheduler
}

// probeSubmitCommand checks whether the profile's submit command exists on
// this host. The command may exit nonzero; only a failure to launch at all
// rules the scheduler out.
func probeSubmitCommand(invoker *saferun.Invoker, profile GridProfile) bool {
	_, err := invoker.Run(context.Background(), saferun.Request{
		Args:    []string{profile.SubmitCommand, "--version"},
		Capture: true,
	})
	return err == nil
}
