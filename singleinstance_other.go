//go:build !windows

package main

import "go.uber.org/zap"

// Single-instance enforcement is Windows-only; elsewhere process
// supervision (systemd, launchd) owns that concern.
func ensureSingleInstance(*zap.Logger) {}
