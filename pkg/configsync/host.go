package configsync

import (
	"slices"
	"strings"
	"sync"

	"github.com/vango-dev/serversync/pkg/codec"
	"github.com/vango-dev/serversync/pkg/protocol"
)

// Peer is one connected remote endpoint as seen by the sync layer.
type Peer interface {
	// ID uniquely identifies the connection.
	ID() string

	// Name is the display name the remote side announced. It is only
	// used in logs and status output.
	Name() string

	// Identity is the name the host authenticated the peer as, or "" for
	// an unauthenticated peer. Admin lookups use only this.
	Identity() string

	// Connected reports whether the connection is still open.
	Connected() bool

	// QueueDepth returns the number of bytes waiting in the outbound queue.
	QueueDepth() int

	// Send queues a message on the named channel.
	Send(channel string, payload []byte) error
}

// Network is the host's view of the connection set.
type Network interface {
	// IsServer reports whether this process is the coordinating server.
	IsServer() bool

	// Peers returns the connected peers. The sync layer never mutates it.
	Peers() []Peer

	// Disconnect reports status to the peer on the error channel and
	// closes the connection.
	Disconnect(p Peer, status protocol.Status, reason string)
}

// Setting is a typed value owned by a settings store.
type Setting interface {
	Section() string
	Key() string
	Shape() codec.Shape
	Value() any

	// SetValue replaces the value and fires change hooks.
	SetValue(v any) error

	// OnChange adds a hook called after every value change.
	OnChange(fn func())

	// SetMeta attaches presentation metadata such as "readonly".
	SetMeta(key string, value any)
}

// AdminList answers whether a peer identity is an administrator.
type AdminList interface {
	Contains(name string) bool

	// Snapshot returns the current members for change detection.
	Snapshot() []string
}

// AdminSet is an AdminList that can be replaced at runtime, for example
// from a configuration watcher. Names compare case-insensitively.
type AdminSet struct {
	mu    sync.RWMutex
	names map[string]struct{}
}

// NewAdminSet creates a set holding names.
func NewAdminSet(names ...string) *AdminSet {
	s := &AdminSet{}
	s.Set(names)
	return s
}

// Set replaces the members.
func (s *AdminSet) Set(names []string) {
	m := make(map[string]struct{}, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n != "" {
			m[n] = struct{}{}
		}
	}
	s.mu.Lock()
	s.names = m
	s.mu.Unlock()
}

func (s *AdminSet) Contains(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.names[strings.ToLower(name)]
	return ok
}

func (s *AdminSet) Snapshot() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.names))
	for n := range s.names {
		out = append(out, n)
	}
	s.mu.RUnlock()
	slices.Sort(out)
	return out
}

// Observer receives sync events, typically to update metrics.
type Observer interface {
	PackageSent(registry string, flags protocol.Flags, size int)
	PackageReceived(registry string, flags protocol.Flags, size int)
	FragmentSent(registry string)
	DecodeIssue(registry string, kind Issue)
	BackpressureTimeout(registry string)
	PackageTooLarge(registry string, size int)
}

// Issue classifies a rejected inbound entry or package.
type Issue string

const (
	IssueProtocol      Issue = "protocol_error"
	IssueTypeMismatch  Issue = "type_mismatch"
	IssueUnknownEntry  Issue = "unknown_entry"
	IssueLockedDropped Issue = "locked_dropped"
)

type nopObserver struct{}

func (nopObserver) PackageSent(string, protocol.Flags, int)     {}
func (nopObserver) PackageReceived(string, protocol.Flags, int) {}
func (nopObserver) FragmentSent(string)                         {}
func (nopObserver) DecodeIssue(string, Issue)                   {}
func (nopObserver) BackpressureTimeout(string)                  {}
func (nopObserver) PackageTooLarge(string, int)                 {}
