// Package settings is a typed settings store.
//
// A Store holds Fields, each identified by a (section, key) pair and laid
// out by a codec.Shape. Fields implement configsync.Setting, so a
// registry can track them directly: change hooks drive outbound updates
// and the "readonly" metadata reflects the current write authority.
//
// Persistence goes through a Backend. The document format is TOML with
// one table per section:
//
//	[Gameplay]
//	difficulty = "Hard"
//	max_players = 8
//
// Enums are written by symbolic name when one is known, byte arrays as
// base64 strings, structs as tables keyed by field name, and maps with
// string keys as tables. Other maps become arrays of {key, value}
// tables. Null values are omitted.
//
// An Interceptor sits between the store and its document. While a field
// is shadowed by a synchronized value, the interceptor decides what gets
// written and where a reloaded value lands; *configsync.Manager
// implements it.
//
// A Store is not safe for concurrent use; hosts drive it from their
// event loop.
package settings
