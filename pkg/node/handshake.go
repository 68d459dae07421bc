package node

import (
	"errors"
	"slices"

	"github.com/vango-dev/serversync/pkg/protocol"
	"github.com/vango-dev/serversync/pkg/versioncheck"
)

func (n *Node) handleConnect(c Conn) {
	if _, ok := n.peers[c.ID()]; ok {
		return
	}
	n.peers[c.ID()] = &peer{conn: c}
	n.order = append(n.order, c.ID())
	n.gate.Connected(c)
	if n.metrics != nil {
		n.metrics.PeerConnected()
	}

	for _, va := range n.gate.Announcements() {
		if err := c.Send(protocol.ChannelVersionCheck, protocol.EncodeVersionAnnouncement(va)); err != nil {
			n.logger.Warn("send version announcement failed", "peer", c.Name(), "error", err)
			return
		}
	}
	info := &protocol.PeerInfo{Name: n.cfg.Name, IsServer: n.cfg.Server}
	if err := c.Send(protocol.ChannelPeerInfo, protocol.EncodePeerInfo(info)); err != nil {
		n.logger.Warn("send peer info failed", "peer", c.Name(), "error", err)
	}
}

func (n *Node) handleMessage(c Conn, channel string, payload []byte) {
	p, ok := n.peers[c.ID()]
	if !ok {
		return
	}

	switch channel {
	case protocol.ChannelVersionCheck:
		if err := n.gate.Handle(c, payload); err != nil {
			n.logger.Warn("bad version announcement", "peer", c.Name(), "error", err)
		}
		return
	case protocol.ChannelPeerInfo:
		n.handlePeerInfo(p, payload)
		return
	case protocol.ChannelError:
		n.handleStatus(p, payload)
		return
	}

	if n.manager.IsSyncChannel(channel) {
		if n.cfg.Server && !p.verified {
			n.logger.Warn("dropping config package from unverified peer", "peer", c.Name())
			return
		}
		n.manager.HandleMessage(n.ctx, c, channel, payload)
		return
	}

	h, ok := n.handlers[channel]
	if !ok {
		n.logger.Debug("no handler for channel", "channel", channel, "peer", c.Name())
		return
	}
	h(c, payload)
}

// handlePeerInfo verifies a peer once. Peer info repeated after that is
// ignored so it cannot restart the initial sync or rename the peer.
func (n *Node) handlePeerInfo(p *peer, payload []byte) {
	if p.verified {
		n.logger.Warn("ignoring repeated peer info", "peer", p.conn.Name())
		return
	}
	info, err := protocol.DecodePeerInfo(payload)
	if err != nil {
		n.Disconnect(p.conn, protocol.StatusErrorProtocol, "malformed peer info")
		return
	}
	if info.IsServer == n.cfg.Server {
		n.Disconnect(p.conn, protocol.StatusErrorProtocol, "both sides claim the same role")
		return
	}
	if info.Name != "" {
		p.conn.SetName(info.Name)
	}

	if err := n.gate.Verify(p.conn); err != nil {
		n.refuse(p, err)
		return
	}
	p.verified = true

	if !n.cfg.Server {
		p.out = p.conn
		n.logger.Info("server accepted", "server", p.conn.Name())
		return
	}

	n.logger.Info("peer verified, sending config", "peer", p.conn.Name())
	p.syncing = true
	p.out = n.manager.StartInitialSync(p.conn, func(err error) {
		p.syncing = false
		if err != nil {
			n.logger.Warn("initial sync failed", "peer", p.conn.Name(), "error", err)
			return
		}
		n.logger.Info("peer synchronized", "peer", p.conn.Name())
	})
}

func (n *Node) refuse(p *peer, err error) {
	var ie *versioncheck.IncompatibleError
	if errors.As(err, &ie) && n.metrics != nil {
		for _, f := range ie.Failures {
			n.metrics.VersionRejected(f.Check.Name)
		}
	}

	if n.cfg.Server {
		n.Disconnect(p.conn, protocol.StatusErrorVersion, err.Error())
		return
	}

	reason := n.gate.ConnectError(p.conn)
	n.logger.Error("refusing server", "server", p.conn.Name(), "reason", reason)
	if n.onRefused != nil {
		n.onRefused(reason)
	}
	p.conn.Close()
}

func (n *Node) handleStatus(p *peer, payload []byte) {
	sm, err := protocol.DecodeStatusMessage(payload)
	if err != nil {
		n.logger.Warn("malformed status message", "peer", p.conn.Name(), "error", err)
		return
	}
	n.logger.Warn("disconnected by peer", "peer", p.conn.Name(), "status", sm.Status, "reason", sm.Reason)
	if !n.cfg.Server && sm.Status.IsError() && n.onRefused != nil {
		n.onRefused(sm.Reason)
	}
}

func (n *Node) handleDisconnect(c Conn, err error) {
	if _, ok := n.peers[c.ID()]; !ok {
		return
	}
	delete(n.peers, c.ID())
	n.order = slices.DeleteFunc(n.order, func(id string) bool { return id == c.ID() })
	n.gate.Disconnected(c)
	if n.metrics != nil {
		n.metrics.PeerDisconnected()
	}

	if err != nil {
		n.logger.Info("peer lost", "peer", c.Name(), "error", err)
	} else {
		n.logger.Info("peer closed", "peer", c.Name())
	}

	if !n.cfg.Server {
		n.manager.Reset()
	}
}
