package vfs

import "sync/atomic"

// activeMountPoint is the global pointer-sized record of the current
// mount point, so a crash/signal handler can trigger emergency cleanup
// without needing a reference to the running MountLifecycle (spec §5
// Signal safety). Go's signal delivery runs registered handlers as
// ordinary goroutines through os/signal channels rather than raw
// async-signal-safe POSIX handlers, so atomic.Value — which never
// allocates on Load and only allocates on the first Store of a given
// concrete type — is the idiomatic equivalent here; it is not, strictly
// speaking, signal-handler-safe in the C sense, because Go has no such
// handlers to begin with.
var activeMountPoint atomic.Value

// SetActiveMountPoint records mountPoint as the one an emergency cleanup
// handler should target.
func SetActiveMountPoint(mountPoint string) {
	activeMountPoint.Store(mountPoint)
}

// ClearActiveMountPoint clears the record once a mount has torn down
// cleanly.
func ClearActiveMountPoint() {
	activeMountPoint.Store("")
}

// ActiveMountPoint returns the currently recorded mount point, or "" if
// none is active.
func ActiveMountPoint() string {
	v, _ := activeMountPoint.Load().(string)
	return v
}
