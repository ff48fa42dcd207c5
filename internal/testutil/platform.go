// Package testutil provides shared test fixtures: a scripted fake device,
// polling helpers, and platform detection for tests that depend on
// filesystem permission enforcement.
package testutil

import (
	"os"
	"runtime"
	"testing"
)

// Platform captures the current test execution environment.
type Platform struct {
	IsUnix    bool
	IsWindows bool
	IsRoot    bool
	UID       int
}

// DetectPlatform inspects the current runtime environment.
//
// Example usage:
//
//	p := DetectPlatform(t)
//	SkipIfRoot(t, p, "read-only volume is simulated with chmod")
func DetectPlatform(t testing.TB) Platform {
	t.Helper()
	uid := os.Geteuid()
	p := Platform{
		IsUnix:    runtime.GOOS != "windows",
		IsWindows: runtime.GOOS == "windows",
		IsRoot:    uid == 0,
		UID:       uid,
	}
	t.Logf("Platform detection: OS=%s, UID=%d, IsRoot=%v", runtime.GOOS, uid, p.IsRoot)
	return p
}

// SkipIfRoot skips the test when running as root, which bypasses chmod.
func SkipIfRoot(t testing.TB, p Platform, reason string) {
	t.Helper()
	if p.IsRoot {
		t.Skipf("Skipping test - %s (requires non-root user, running as UID 0)", reason)
	}
}

// SkipIfWindows skips the test on Windows.
func SkipIfWindows(t testing.TB, p Platform, reason string) {
	t.Helper()
	if p.IsWindows {
		t.Skipf("Skipping test - %s (Windows platform detected)", reason)
	}
}

// RequirePermissionEnforcement skips the test unless directory permission
// bits actually deny access, i.e. on Unix as a non-root user.
func RequirePermissionEnforcement(t testing.TB, reason string) Platform {
	t.Helper()
	p := DetectPlatform(t)
	SkipIfWindows(t, p, reason)
	SkipIfRoot(t, p, reason)
	return p
}
