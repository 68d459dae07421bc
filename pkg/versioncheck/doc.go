// Package versioncheck gates connections on mutual mod version
// compatibility.
//
// When a connection opens, each side sends one announcement per mod on
// protocol.ChannelVersionCheck: (mod, minimum required, current). The
// server announces every mod; a client only the required ones. A mod is
// compatible when
//
//	local.current >= peer.minimum && peer.current >= local.minimum
//
// and a mod the peer never announced is compatible unless it is required.
// An announcement whose current version is below its own minimum is
// rejected as inconsistent.
//
// The server records which required mods each peer validated and refuses
// the peer at PeerInfo time if any is missing. A client refuses the
// server when any check fails and reports the reasons:
//
//	Mod <name> must not be installed.
//	Mod <name> requires minimum <v>. Installed is version <c>.
//	Mod <name> requires maximum <v>. Installed is version <c>.
//
// The gate chains to a handler registered on the channel before it:
// announcements for mods the gate does not know are offered to that
// handler, and those it does not consume are kept for diagnostics.
package versioncheck
