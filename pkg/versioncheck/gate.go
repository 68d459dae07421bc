package versioncheck

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/vango-dev/serversync/pkg/configsync"
	"github.com/vango-dev/serversync/pkg/protocol"
)

// Check describes one mod whose version is negotiated on connect.
type Check struct {
	Name                   string
	DisplayName            string
	CurrentVersion         string
	MinimumRequiredVersion string
	ModRequired            bool
}

func (c Check) withDefaults() Check {
	if c.DisplayName == "" {
		c.DisplayName = c.Name
	}
	if c.CurrentVersion == "" {
		c.CurrentVersion = "0.0.0"
	}
	if c.MinimumRequiredVersion == "" {
		if c.ModRequired {
			c.MinimumRequiredVersion = c.CurrentVersion
		} else {
			c.MinimumRequiredVersion = "0.0.0"
		}
	}
	return c
}

// Peer identifies the remote side of a connection.
type Peer interface {
	ID() string
	Name() string
}

// Handler processes a message on the version-check channel and reports
// whether it consumed it.
type Handler func(p Peer, payload []byte) bool

// Source lists the registries whose versions are checked.
type Source interface {
	Registries() []*configsync.Registry
}

type peerState struct {
	received  map[string]protocol.VersionAnnouncement
	validated map[string]bool
}

// Gate exchanges version announcements and decides whether a connection
// may proceed. A Gate is used from the host event loop and is not safe for
// concurrent use.
type Gate struct {
	source Source
	server bool
	logger *slog.Logger

	standalone []Check
	prior      Handler
	peers      map[string]*peerState

	// unmatched holds announcements nobody consumed, keyed by mod ID.
	unmatched map[string]string
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

// New creates a gate checking every registry of source. server selects
// the server-side rules.
func New(source Source, server bool, opts ...Option) *Gate {
	g := &Gate{
		source:    source,
		server:    server,
		logger:    slog.Default().With("component", "versioncheck"),
		peers:     make(map[string]*peerState),
		unmatched: make(map[string]string),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// AddCheck adds a mod that has no registry.
func (g *Gate) AddCheck(c Check) error {
	if c.Name == "" {
		return errors.New("versioncheck: check name is required")
	}
	for _, existing := range g.Checks() {
		if existing.Name == c.Name {
			return fmt.Errorf("versioncheck: check %q already registered", c.Name)
		}
	}
	g.standalone = append(g.standalone, c.withDefaults())
	return nil
}

// Checks returns every check: registries first, then standalone checks.
func (g *Gate) Checks() []Check {
	var checks []Check
	if g.source != nil {
		for _, r := range g.source.Registries() {
			checks = append(checks, Check{
				Name:                   r.Name(),
				DisplayName:            r.DisplayName(),
				CurrentVersion:         r.CurrentVersion(),
				MinimumRequiredVersion: r.MinimumRequiredVersion(),
				ModRequired:            r.ModRequired(),
			})
		}
	}
	return append(checks, g.standalone...)
}

// Chain installs the handler that was registered on the version-check
// channel before the gate. Announcements for unknown mods are passed to it.
func (g *Gate) Chain(prior Handler) {
	g.prior = prior
}

// Announcements returns the messages to send when a connection opens. A
// client does not announce mods that are not required.
func (g *Gate) Announcements() []*protocol.VersionAnnouncement {
	var out []*protocol.VersionAnnouncement
	for _, c := range g.Checks() {
		if !g.server && !c.ModRequired {
			continue
		}
		out = append(out, &protocol.VersionAnnouncement{
			ModID:           c.Name,
			MinimumRequired: c.MinimumRequiredVersion,
			Current:         c.CurrentVersion,
		})
	}
	return out
}

// Connected starts a fresh version state for p and clears the diagnostics
// of the previous connection.
func (g *Gate) Connected(p Peer) {
	g.peers[p.ID()] = newPeerState()
	clear(g.unmatched)
}

// Disconnected drops the version state of p.
func (g *Gate) Disconnected(p Peer) {
	delete(g.peers, p.ID())
}

// Validated reports whether the server validated mod for p.
func (g *Gate) Validated(p Peer, mod string) bool {
	st, ok := g.peers[p.ID()]
	return ok && st.validated[mod]
}

func newPeerState() *peerState {
	return &peerState{
		received:  make(map[string]protocol.VersionAnnouncement),
		validated: make(map[string]bool),
	}
}

func (g *Gate) state(p Peer) *peerState {
	st, ok := g.peers[p.ID()]
	if !ok {
		st = newPeerState()
		g.peers[p.ID()] = st
	}
	return st
}

// Handle processes a message received on the version-check channel.
func (g *Gate) Handle(p Peer, payload []byte) error {
	va, err := protocol.DecodeVersionAnnouncement(payload)
	if err != nil {
		return fmt.Errorf("versioncheck: decode announcement: %w", err)
	}

	st := g.state(p)
	matched := false
	for _, c := range g.Checks() {
		if c.Name != va.ModID {
			continue
		}
		matched = true
		g.logger.Info("received mod version",
			"mod", c.DisplayName,
			"version", va.Current,
			"minimum", va.MinimumRequired,
			"from", g.remoteRole(),
			"peer", p.Name())
		st.received[c.Name] = *va
		if g.server && compatible(c, va) {
			st.validated[c.Name] = true
		}
	}
	if matched {
		return nil
	}

	if g.prior != nil && g.prior(p, payload) {
		return nil
	}
	g.unmatched[va.ModID] = va.Current
	return nil
}

// AsHandler adapts Handle to the Handler signature so the gate itself can
// be chained by a later handler.
func (g *Gate) AsHandler() Handler {
	return func(p Peer, payload []byte) bool {
		return g.Handle(p, payload) == nil
	}
}

// Failures returns the checks that fail for p. On the server these are the
// required mods p has not validated; on a client every incompatible mod.
func (g *Gate) Failures(p Peer) []*Failure {
	st := g.state(p)
	var out []*Failure
	for _, c := range g.Checks() {
		va, received := st.received[c.Name]
		if g.server {
			if c.ModRequired && !st.validated[c.Name] {
				out = append(out, &Failure{Check: c, Peer: p.Name(), Reason: serverReason(c, p)})
			}
			continue
		}
		var got *protocol.VersionAnnouncement
		if received {
			got = &va
		}
		if isVersionOK(c, got) {
			continue
		}
		out = append(out, &Failure{Check: c, Peer: p.Name(), Received: got, Reason: clientReason(c, got)})
	}
	return out
}

// Verify returns an *IncompatibleError when p fails any check.
func (g *Gate) Verify(p Peer) error {
	failures := g.Failures(p)
	if len(failures) == 0 {
		return nil
	}
	for _, f := range failures {
		g.logger.Warn(f.Reason, "mod", f.Check.Name, "peer", p.Name())
	}
	return &IncompatibleError{Peer: p.Name(), Failures: failures}
}

// Unmatched returns diagnostic lines for announcements of mods nobody
// handled, as "<mod> (Version: <version>)".
func (g *Gate) Unmatched() []string {
	out := make([]string, 0, len(g.unmatched))
	for id, v := range g.unmatched {
		out = append(out, fmt.Sprintf("%s (Version: %s)", id, v))
	}
	slices.Sort(out)
	return out
}

// ConnectError renders the reason a client was refused, including the
// mods the server announced that are not installed here.
func (g *Gate) ConnectError(p Peer) string {
	var b strings.Builder
	for i, f := range g.Failures(p) {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(f.Reason)
	}
	if extra := g.Unmatched(); len(extra) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("Additional mods loaded on the ")
		b.WriteString(g.remoteRole())
		b.WriteString(":\n")
		b.WriteString(strings.Join(extra, "\n"))
	}
	return b.String()
}

func (g *Gate) remoteRole() string {
	if g.server {
		return "client"
	}
	return "server"
}

// isVersionOK applies the compatibility rule. A mod the peer never
// announced is fine unless it is required.
func isVersionOK(c Check, got *protocol.VersionAnnouncement) bool {
	if got == nil {
		return !c.ModRequired
	}
	return compatible(c, got)
}

// compatible reports local.current >= peer.minimum && peer.current >= local.minimum.
// An announcement whose current version is below its own minimum is
// inconsistent and never compatible.
func compatible(c Check, got *protocol.VersionAnnouncement) bool {
	return AtLeast(got.Current, got.MinimumRequired) &&
		AtLeast(c.CurrentVersion, got.MinimumRequired) &&
		AtLeast(got.Current, c.MinimumRequiredVersion)
}

func clientReason(c Check, got *protocol.VersionAnnouncement) string {
	if got == nil {
		return fmt.Sprintf("Mod %s must not be installed.", c.DisplayName)
	}
	if AtLeast(c.CurrentVersion, got.MinimumRequired) {
		return fmt.Sprintf("Mod %s requires maximum %s. Installed is version %s.", c.DisplayName, got.Current, c.CurrentVersion)
	}
	return fmt.Sprintf("Mod %s requires minimum %s. Installed is version %s.", c.DisplayName, got.MinimumRequired, c.CurrentVersion)
}

func serverReason(c Check, p Peer) string {
	return fmt.Sprintf("Disconnect: The client (%s) doesn't have the correct %s version %s", p.Name(), c.DisplayName, c.MinimumRequiredVersion)
}
