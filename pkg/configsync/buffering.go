package configsync

// BufferingPeer holds outbound application messages for a joining peer
// until its initial snapshot has been delivered. Messages on passthrough
// channels go out at once.
type BufferingPeer struct {
	Peer

	passthrough func(channel string) bool
	queue       []bufferedMessage
	released    bool
	discarded   bool
}

type bufferedMessage struct {
	channel string
	payload []byte
}

// NewBufferingPeer wraps p. A nil passthrough buffers every channel.
func NewBufferingPeer(p Peer, passthrough func(channel string) bool) *BufferingPeer {
	return &BufferingPeer{Peer: p, passthrough: passthrough}
}

// Send forwards passthrough channels and, once released, everything;
// other messages are queued in order. After Discard they fail with
// ErrSyncFailed.
func (b *BufferingPeer) Send(channel string, payload []byte) error {
	if b.released || (b.passthrough != nil && b.passthrough(channel)) {
		return b.Peer.Send(channel, payload)
	}
	if b.discarded {
		return ErrSyncFailed
	}
	b.queue = append(b.queue, bufferedMessage{channel: channel, payload: payload})
	return nil
}

// Buffered returns the number of queued messages.
func (b *BufferingPeer) Buffered() int {
	return len(b.queue)
}

// Released reports whether the buffer has been flushed.
func (b *BufferingPeer) Released() bool {
	return b.released
}

// Release flushes queued messages in their original order and lets later
// messages through. It stops at the first send error.
func (b *BufferingPeer) Release() error {
	if b.released || b.discarded {
		return nil
	}
	b.released = true
	queue := b.queue
	b.queue = nil
	for _, msg := range queue {
		if err := b.Peer.Send(msg.channel, msg.payload); err != nil {
			return err
		}
	}
	return nil
}

// Discard drops queued messages without sending them. The peer never got
// its configuration, so application traffic stays blocked for good.
func (b *BufferingPeer) Discard() {
	b.queue = nil
	b.discarded = true
}

// Discarded reports whether the initial sync failed.
func (b *BufferingPeer) Discarded() bool {
	return b.discarded
}
