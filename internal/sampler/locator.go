package sampler

import (
	"context"
	"os"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessLocator finds the process whose resources are sampled.
type ProcessLocator interface {
	Locate(ctx context.Context) (pid int32, ok bool)
}

// FixedLocator resolves to a known PID if that process exists.
type FixedLocator struct {
	PID int32
}

func (l FixedLocator) Locate(ctx context.Context) (int32, bool) {
	if l.PID <= 0 {
		return 0, false
	}
	exists, err := process.PidExistsWithContext(ctx, l.PID)
	if err != nil || !exists {
		return 0, false
	}
	return l.PID, true
}

// CmdlineLocator scans the process table for the first process whose command
// line contains every marker. The calling process is never matched.
type CmdlineLocator struct {
	Markers []string
}

func (l CmdlineLocator) Locate(ctx context.Context) (int32, bool) {
	if len(l.Markers) == 0 {
		return 0, false
	}
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return 0, false
	}
	self := int32(os.Getpid())
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		// Processes we may not inspect are skipped.
		cmdline, err := p.CmdlineWithContext(ctx)
		if err != nil || cmdline == "" {
			continue
		}
		if containsAll(cmdline, l.Markers) {
			return p.Pid, true
		}
	}
	return 0, false
}

func containsAll(s string, markers []string) bool {
	for _, m := range markers {
		if !strings.Contains(s, m) {
			return false
		}
	}
	return true
}

// LocatorFor returns a FixedLocator when pid is set and a CmdlineLocator otherwise.
func LocatorFor(pid int, markers []string) ProcessLocator {
	if pid > 0 {
		return FixedLocator{PID: int32(pid)}
	}
	return CmdlineLocator{Markers: markers}
}
