//go:build windows

package main

import (
	"os"

	"go.uber.org/zap"
	"golang.org/x/sys/windows"
)

// ensureSingleInstance holds a named mutex for the life of the
// process so a second daemon cannot fight the first over the devices.
func ensureSingleInstance(logger *zap.Logger) {
	name, _ := windows.UTF16PtrFromString("Global\\TwinklySyncSingleInstance")
	_, err := windows.CreateMutex(nil, false, name)
	if err == windows.ERROR_ALREADY_EXISTS {
		logger.Warn("another instance is already running, exiting")
		os.Exit(0)
	}
}
