// Package node hosts config sync on one process.
//
// A Node owns the configsync.Manager and the versioncheck.Gate and runs
// them on a single event loop: transport callbacks, ticks and calls from
// other goroutines are all serialized through Run. The Node is also the
// manager's configsync.Network.
//
// Connection handshake:
//
//  1. Both sides send their version announcements, then a PeerInfo.
//  2. The server verifies the client when its PeerInfo arrives. A failing
//     client is told StatusErrorVersion on the error channel and dropped;
//     a passing one receives a full snapshot of every registry while its
//     application traffic is held back.
//  3. The client verifies the server when the server's PeerInfo arrives
//     and disconnects on failure.
//
// When a client loses its server every registry is reset, restoring the
// local values that synchronized ones had replaced.
package node
