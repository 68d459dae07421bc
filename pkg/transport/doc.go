// Package transport carries channel-addressed messages between peers over
// WebSocket.
//
// Every WebSocket binary message is one protocol.Envelope: a channel name
// followed by the payload. A Conn is the local view of one remote peer
// and implements configsync.Peer, so the sync layer can read its queue
// depth and liveness directly.
//
// Server accepts connections on an HTTP route; Dial opens one from the
// client side. Both report lifecycle events to a Handler. Handler methods
// run on the connection's read goroutine; hosts that own single-threaded
// state forward them to their own loop.
package transport
