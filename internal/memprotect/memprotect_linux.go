//go:build linux

// Package memprotect hardens the credfill process against other processes of
// the same user reading passwords out of its memory.
package memprotect

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/conductor/credfill/pkg/log"
)

// HardenProcess marks the process non-dumpable, which disables core dumps
// and blocks ptrace and /proc/<pid>/mem access from unprivileged peers.
// When lockMemory is set it also pins all pages in RAM with mlockall so
// passwords never reach swap. It must run before any credential is read.
//
// A failing mlockall is logged and ignored; RLIMIT_MEMLOCK is often too
// small inside containers.
func HardenProcess(logger log.Logger, lockMemory bool) error {
	if err := unix.Prctl(unix.PR_SET_DUMPABLE, 0, 0, 0, 0); err != nil {
		return fmt.Errorf("prctl PR_SET_DUMPABLE=0: %w", err)
	}

	if !lockMemory {
		return nil
	}

	if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
		logger.Warn().Err(err).Msg("mlockall failed, passwords may reach swap")
	}

	return nil
}
