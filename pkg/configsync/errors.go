package configsync

import (
	"errors"
	"fmt"
)

var (
	// ErrBackpressureTimeout is passed to a SendTask's completion callback
	// when the peer's queue did not drain in time.
	ErrBackpressureTimeout = errors.New("configsync: peer send queue did not drain")

	// ErrPeerDisconnected is passed to a SendTask's completion callback when
	// the peer went away mid-send.
	ErrPeerDisconnected = errors.New("configsync: peer disconnected")

	// ErrSyncFailed is returned by a BufferingPeer whose initial sync
	// failed. The host disconnects such a peer.
	ErrSyncFailed = errors.New("configsync: initial sync failed")

	// ErrNotLockable is returned by AddLockingField for settings that are
	// neither boolean nor integer.
	ErrNotLockable = errors.New("configsync: locking field must be bool or integer")

	// ErrMissingName is returned by NewRegistry without a name.
	ErrMissingName = errors.New("configsync: registry name is required")

	// ErrMissingShape is returned when a setting or custom value has no shape.
	ErrMissingShape = errors.New("configsync: missing shape")
)

// DuplicateRegistrationError is returned at setup time when an identifier
// is reserved or already in use.
type DuplicateRegistrationError struct {
	Registry string
	Kind     string // "registry", "custom value", "locking field"
	ID       string
	Reserved bool
}

func (e *DuplicateRegistrationError) Error() string {
	if e.Reserved {
		return fmt.Sprintf("configsync: %s: %s %q is reserved", e.Registry, e.Kind, e.ID)
	}
	if e.Kind == "locking field" {
		return fmt.Sprintf("configsync: %s: locking field already set to %s", e.Registry, e.ID)
	}
	return fmt.Sprintf("configsync: %s: %s %q already registered", e.Registry, e.Kind, e.ID)
}
