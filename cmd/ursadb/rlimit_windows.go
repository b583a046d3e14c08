//go:build windows

package main

import "go.uber.org/zap"

// raiseFileLimit is a no-op on Windows, which has no RLIMIT_NOFILE concept.
func raiseFileLimit(log *zap.Logger) {}
