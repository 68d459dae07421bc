package protocol

import (
	"errors"
	"strings"
)

// Well-known channel names.
const (
	// ChannelVersionCheck carries VersionAnnouncement messages.
	ChannelVersionCheck = "ServerSync VersionCheck"

	// ChannelError carries a StatusMessage before a forced disconnect.
	ChannelError = "Error"

	// ChannelPeerInfo carries PeerInfo; it completes the connection handshake.
	ChannelPeerInfo = "PeerInfo"

	configSyncSuffix = " ConfigSync"
)

// ConfigSyncChannel returns the channel name used by the registry called name.
func ConfigSyncChannel(name string) string {
	return name + configSyncSuffix
}

// IsConfigSyncChannel reports whether channel belongs to a registry.
func IsConfigSyncChannel(channel string) bool {
	return strings.HasSuffix(channel, configSyncSuffix) && len(channel) > len(configSyncSuffix)
}

// ErrEmptyChannel is returned when an envelope names no channel.
var ErrEmptyChannel = errors.New("protocol: empty channel name")

// Envelope is one transport message addressed to a named channel.
//
// Wire format:
//
//	┌──────────────────────────┬─────────────────────────────────┐
//	│ Channel (len-prefixed)   │ Payload (rest of the message)   │
//	└──────────────────────────┴─────────────────────────────────┘
type Envelope struct {
	Channel string
	Payload []byte
}

// Encode encodes the envelope to a single transport message.
func (env *Envelope) Encode() []byte {
	e := NewEncoderWithCap(StringLen(env.Channel) + len(env.Payload))
	e.WriteString(env.Channel)
	e.WriteBytes(env.Payload)
	return e.Bytes()
}

// DecodeEnvelope decodes a transport message. The payload aliases data.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	d := NewDecoder(data)
	channel, err := d.ReadString()
	if err != nil {
		return nil, err
	}
	if channel == "" {
		return nil, ErrEmptyChannel
	}
	payload, _ := d.ReadBytes(d.Remaining())
	return &Envelope{Channel: channel, Payload: payload}, nil
}

// PeerInfo identifies a peer to the other side of a connection.
type PeerInfo struct {
	Name     string // Identity used for admin list membership
	IsServer bool
}

// EncodePeerInfo encodes a PeerInfo to bytes.
func EncodePeerInfo(pi *PeerInfo) []byte {
	e := NewEncoder()
	e.WriteString(pi.Name)
	e.WriteBool(pi.IsServer)
	return e.Bytes()
}

// DecodePeerInfo decodes a PeerInfo from bytes.
func DecodePeerInfo(data []byte) (*PeerInfo, error) {
	d := NewDecoder(data)
	name, err := d.ReadString()
	if err != nil {
		return nil, err
	}
	isServer, err := d.ReadBool()
	if err != nil {
		return nil, err
	}
	return &PeerInfo{Name: name, IsServer: isServer}, nil
}
