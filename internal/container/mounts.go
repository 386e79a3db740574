package container

import (
	"fmt"
	"path/filepath"
)

type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// buildMounts maps the worker's scratch directory to /work and the pool's
// problem folder to /problems read-only. The request file and any solution
// artifacts live under /work.
func buildMounts(opts WorkerOpts) []string {
	var binds []string

	if opts.WorkDir != "" {
		abs, err := filepath.Abs(opts.WorkDir)
		if err == nil {
			binds = append(binds, fmt.Sprintf("%s:%s", abs, "/work"))
		}
	}

	if opts.ProblemDir != "" {
		abs, err := filepath.Abs(opts.ProblemDir)
		if err == nil {
			binds = append(binds, fmt.Sprintf("%s:%s:ro", abs, "/problems"))
		}
	}

	// Extra mounts
	for _, m := range opts.Mounts {
		bind := fmt.Sprintf("%s:%s", m.Source, m.Target)
		if m.ReadOnly {
			bind += ":ro"
		}
		binds = append(binds, bind)
	}

	return binds
}
