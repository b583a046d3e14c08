//go:build !windows

package main

import (
	"syscall"

	"go.uber.org/zap"
)

// targetNoFile is the RLIMIT_NOFILE ceiling ursadb tries to raise its soft
// limit to at startup (spec §5 "On POSIX-like systems the server should
// raise RLIMIT_NOFILE to ~65535"): every OnDiskIndex and OnDiskFileIndex a
// loaded dataset carries holds its own file descriptor for the lifetime of
// the process.
const targetNoFile = 65535

func raiseFileLimit(log *zap.Logger) {
	var rlimit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rlimit); err != nil {
		log.Warn("could not read RLIMIT_NOFILE", zap.Error(err))
		return
	}
	if rlimit.Cur >= targetNoFile {
		return
	}
	want := rlimit.Max
	if want > targetNoFile || want == 0 {
		want = targetNoFile
	}
	rlimit.Cur = want
	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rlimit); err != nil {
		log.Warn("could not raise RLIMIT_NOFILE", zap.Error(err), zap.Uint64("wanted", uint64(want)))
		return
	}
	log.Info("raised RLIMIT_NOFILE", zap.Uint64("limit", uint64(want)))
}
