//go:build !linux

package memprotect

import "github.com/conductor/credfill/pkg/log"

// HardenProcess is a no-op on platforms without prctl and mlockall.
func HardenProcess(logger log.Logger, lockMemory bool) error {
	logger.Debug().Msg("Process hardening is not supported on this platform")
	return nil
}
