// Package protocol implements the byte-level wire format shared by the
// config sync and version check layers.
//
// The format is deliberately small: no reflection, direct byte
// manipulation, and explicit limits on every length prefix read off the
// wire.
//
// # Envelopes
//
// Every transport message is an Envelope addressed to a named channel:
//
//	┌──────────────────────────┬─────────────────────────────────┐
//	│ Channel (len-prefixed)   │ Payload (rest of the message)   │
//	└──────────────────────────┴─────────────────────────────────┘
//
// Registries use "<Name> ConfigSync"; the version gate uses
// "ServerSync VersionCheck"; forced disconnects use "Error".
//
// # Config Packages
//
// A config package starts with a one-byte Flags header:
//
//   - FlagPartial (0x01): incremental update. A full snapshot clears it.
//   - FlagFragmented (0x02): the body is one chunk of a larger package.
//   - FlagCompressed (0x04): the body is a deflated package.
//
// Packages larger than CompressMinSize are deflated; the result carries
// FlagCompressed and a length-prefixed deflate stream whose content is the
// original package, flag byte included. Packages (compressed or not)
// larger than SliceSize are split into fragments:
//
//	[0x02][Stream ID: uint64][Index: int32][Count: int32][Data: len-prefixed]
//
// The receiver buffers fragments per (sender, stream) in a Reassembler,
// concatenates them in index order once complete, and reads the flag byte
// of the reassembled package again.
//
// # Encoding
//
//   - Varint: compact encoding for lengths and counts (protobuf-style)
//   - ZigZag: signed integers encoded as unsigned varints
//   - Length-prefixed: strings and byte arrays prefixed with varint length
//   - Big-endian: fixed-width integers and IEEE 754 floats
//
// # Version Check
//
// When a connection opens each side sends one VersionAnnouncement per mod:
//
//	Client                                   Server
//	  │                                         │
//	  │──── VersionAnnouncement (per mod) ────>│
//	  │<─── VersionAnnouncement (per mod) ─────│
//	  │──── PeerInfo ─────────────────────────>│
//	  │<─── config snapshots (one per registry)│
//	  │<─── PeerInfo + buffered traffic ───────│
//
// A peer that fails the check receives a StatusMessage on the "Error"
// channel and is disconnected.
package protocol
