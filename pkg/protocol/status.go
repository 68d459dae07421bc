package protocol

// Status is the connection status a peer reports when it is refused or
// dropped. It travels on ChannelError right before the connection closes.
type Status uint8

const (
	StatusNone               Status = 0x00
	StatusConnected          Status = 0x01
	StatusErrorVersion       Status = 0x02 // Version gate rejected the peer
	StatusErrorConnectFailed Status = 0x03 // Peer stalled during a config send
	StatusErrorDisconnected  Status = 0x04
	StatusErrorFull          Status = 0x05
	StatusErrorBanned        Status = 0x06
	StatusErrorProtocol      Status = 0x07 // Malformed control traffic
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusNone:
		return "None"
	case StatusConnected:
		return "Connected"
	case StatusErrorVersion:
		return "ErrorVersion"
	case StatusErrorConnectFailed:
		return "ErrorConnectFailed"
	case StatusErrorDisconnected:
		return "ErrorDisconnected"
	case StatusErrorFull:
		return "ErrorFull"
	case StatusErrorBanned:
		return "ErrorBanned"
	case StatusErrorProtocol:
		return "ErrorProtocol"
	default:
		return "Unknown"
	}
}

// IsError reports whether the status describes a failed connection.
func (s Status) IsError() bool {
	return s >= StatusErrorVersion
}

// StatusMessage is the payload of ChannelError.
type StatusMessage struct {
	Status Status
	Reason string // Optional human-readable detail
}

// EncodeStatusMessage encodes a StatusMessage to bytes.
func EncodeStatusMessage(sm *StatusMessage) []byte {
	e := NewEncoder()
	EncodeStatusMessageTo(e, sm)
	return e.Bytes()
}

// EncodeStatusMessageTo encodes a StatusMessage using the provided encoder.
func EncodeStatusMessageTo(e *Encoder, sm *StatusMessage) {
	e.WriteUint8(byte(sm.Status))
	e.WriteString(sm.Reason)
}

// DecodeStatusMessage decodes a StatusMessage from bytes.
func DecodeStatusMessage(data []byte) (*StatusMessage, error) {
	return DecodeStatusMessageFrom(NewDecoder(data))
}

// DecodeStatusMessageFrom decodes a StatusMessage from a decoder.
func DecodeStatusMessageFrom(d *Decoder) (*StatusMessage, error) {
	status, err := d.ReadByte()
	if err != nil {
		return nil, err
	}
	reason, err := d.ReadString()
	if err != nil {
		return nil, err
	}
	return &StatusMessage{Status: Status(status), Reason: reason}, nil
}
