//go:build !windows

package hostdevice

import (
	"os"

	"github.com/joeycumines/secure-fs-access/internal/platform"
	"golang.org/x/sys/unix"
)

// probeState maps the access mode of the volume directory to a mount state.
func probeState(dir string) platform.StorageState {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return platform.StateUnmounted
	}
	if unix.Access(dir, unix.R_OK|unix.W_OK|unix.X_OK) == nil {
		return platform.StateMounted
	}
	if unix.Access(dir, unix.R_OK|unix.X_OK) == nil {
		return platform.StateMountedReadOnly
	}
	return platform.StateUnmounted
}
