package versioncheck

import (
	"strings"

	"github.com/vango-dev/serversync/pkg/protocol"
)

// Failure is one failed version check.
type Failure struct {
	Check    Check
	Peer     string
	Received *protocol.VersionAnnouncement // Nil when the peer never announced the mod
	Reason   string
}

func (f *Failure) Error() string {
	return f.Reason
}

// IncompatibleError terminates a connection whose versions do not match.
type IncompatibleError struct {
	Peer     string
	Failures []*Failure
}

func (e *IncompatibleError) Error() string {
	reasons := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		reasons[i] = f.Reason
	}
	return "versioncheck: " + e.Peer + ": " + strings.Join(reasons, "; ")
}

// Status returns the connection status reported to the peer.
func (e *IncompatibleError) Status() protocol.Status {
	return protocol.StatusErrorVersion
}

// Unwrap exposes the individual failures to errors.As.
func (e *IncompatibleError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f
	}
	return errs
}
