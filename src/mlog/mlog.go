// Package mlog is the kernel's console logging surface. It stays on
// fmt/log deliberately — the teacher's own module pulls in no
// third-party structured-logging library for this concern either, so
// there is no ecosystem precedent in the pack to follow here (see
// DESIGN.md).
package mlog

import (
	"fmt"
	"log"
)

// NewEnv logs an environment's creation, matching the "[id] new env"
// line spec §8's Hello scenario expects.
func NewEnv(id uint32) {
	fmt.Printf("[%08x] new env\n", id)
}

// Exiting logs a graceful self-destroy.
func Exiting(id uint32) {
	fmt.Printf("[%08x] exiting gracefully\n", id)
}

// Fatalf logs and exits the process (log.Fatalf), for invariant
// violations that must halt the simulated machine (spec §7).
func Fatalf(format string, args ...any) {
	log.Fatalf(format, args...)
}
