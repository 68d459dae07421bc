package configsync

import (
	"errors"

	"github.com/vango-dev/serversync/pkg/protocol"
)

// StartInitialSync sends a full snapshot of every registry to a joining
// peer, one registry after another, behind a BufferingPeer. The host must
// route the peer's application traffic through the returned decorator.
// When the last snapshot has been delivered the buffer is released and
// onDone is called with nil. If a snapshot cannot be encoded or sent, the
// buffer is discarded and stays closed, the peer is disconnected with
// StatusErrorConnectFailed, and onDone receives the error.
func (m *Manager) StartInitialSync(p Peer, onDone func(error)) *BufferingPeer {
	bp := NewBufferingPeer(p, m.passthrough)
	registries := m.Registries()

	finish := func(err error) {
		if err != nil {
			bp.Discard()
			// A backpressure timeout has already disconnected the peer.
			if !errors.Is(err, ErrBackpressureTimeout) && p.Connected() {
				m.net.Disconnect(p, protocol.StatusErrorConnectFailed, "initial sync failed: "+err.Error())
			}
		} else if rerr := bp.Release(); rerr != nil {
			err = rerr
		}
		if onDone != nil {
			onDone(err)
		}
	}

	var next func(i int)
	next = func(i int) {
		if i == len(registries) {
			m.logger.Debug("initial sync complete", "peer", p.Name(), "registries", len(registries))
			finish(nil)
			return
		}
		r := registries[i]
		pkg, flags, err := r.encodePackage(r.snapshotEntries(p), false)
		if err != nil {
			r.logger.Error("encode snapshot", "peer", p.Name(), "error", err)
			finish(err)
			return
		}
		r.sendPackage(p, pkg, flags, func(err error) {
			if err != nil {
				finish(err)
				return
			}
			next(i + 1)
		})
	}
	next(0)
	return bp
}

// passthrough lets registry and control channels bypass join buffering.
func (m *Manager) passthrough(channel string) bool {
	switch channel {
	case protocol.ChannelVersionCheck, protocol.ChannelError:
		return true
	}
	return m.IsSyncChannel(channel)
}
