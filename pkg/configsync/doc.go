// Package configsync keeps configuration registries convergent between one
// server and its clients.
//
// A Manager owns every Registry in the process. A Registry tracks settings
// (TrackedField) and free-form values (CustomValue) for one mod and talks
// over its own channel, "<name> ConfigSync".
//
// # Authority
//
// Every registry starts as the source of truth. A client that receives a
// full snapshot becomes non-authoritative: before a value is first
// overwritten its local value is kept as a shadow. Reset restores every
// shadow, clears them and makes the registry authoritative again.
//
// While the registry is locked, a client cannot write synchronized fields
// unless the server marked it lock-exempt (admin):
//
//	locked   = (override if set, else locking field != 0) && !exempt
//	writable = sourceOfTruth || !synchronized || !hasShadow ||
//	           (!locked && (field != lockingField || exempt))
//
// # Packages
//
// Outbound packages are encoded with package codec, deflated above
// Config.CompressMinSize and cut into fragments of Config.SliceSize. Each
// destination peer gets a SendTask which yields while the peer's queue is
// above Config.MaxSendQueue and between fragments. A peer whose queue does
// not drain within Config.QueueTimeout is disconnected.
//
// # Threading
//
// Manager, Registry and their values are not safe for concurrent use. The
// host runs them from a single event loop: it forwards messages through
// HandleMessage, calls Tick periodically and reports lifecycle events.
// A re-entrancy guard suppresses broadcasts while inbound values are
// applied.
package configsync
