//go:build linux || darwin

package fdlimit

import (
	"syscall"

	"github.com/rs/zerolog/log"
)

// Raise lifts the soft file-descriptor limit toward target, bounded by the
// hard limit. Failures are logged, never fatal.
func Raise(target uint64) {
	var lim syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &lim); err != nil {
		log.Warn().Err(err).Msg("failed to read fd limit")
		return
	}
	if lim.Cur >= target {
		return
	}
	want := target
	if lim.Max > 0 && want > lim.Max {
		want = lim.Max
	}
	prev := lim.Cur
	lim.Cur = want
	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &lim); err != nil {
		log.Warn().Err(err).Msg("failed to raise fd limit")
		return
	}
	log.Debug().Uint64("from", prev).Uint64("to", want).Msg("raised fd soft limit")
}
