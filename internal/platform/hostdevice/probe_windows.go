//go:build windows

package hostdevice

import (
	"os"

	"github.com/joeycumines/secure-fs-access/internal/platform"
	"golang.org/x/sys/windows"
)

// probeState maps the volume directory's attributes to a mount state.
func probeState(dir string) platform.StorageState {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return platform.StateUnmounted
	}
	p, err := windows.UTF16PtrFromString(dir)
	if err != nil {
		return platform.StateUnmounted
	}
	attrs, err := windows.GetFileAttributes(p)
	if err != nil {
		return platform.StateUnmounted
	}
	if attrs&windows.FILE_ATTRIBUTE_READONLY != 0 {
		return platform.StateMountedReadOnly
	}
	return platform.StateMounted
}
