package protocol

// VersionAnnouncement is sent on ChannelVersionCheck once per mod when a
// connection opens.
//
// Wire format:
//
//	[ModID: len-prefixed][MinimumRequired: len-prefixed][Current: len-prefixed]
type VersionAnnouncement struct {
	ModID           string
	MinimumRequired string
	Current         string
}

// EncodeVersionAnnouncement encodes a VersionAnnouncement to bytes.
func EncodeVersionAnnouncement(va *VersionAnnouncement) []byte {
	e := NewEncoderWithCap(StringLen(va.ModID) + StringLen(va.MinimumRequired) + StringLen(va.Current))
	EncodeVersionAnnouncementTo(e, va)
	return e.Bytes()
}

// EncodeVersionAnnouncementTo encodes a VersionAnnouncement using the provided encoder.
func EncodeVersionAnnouncementTo(e *Encoder, va *VersionAnnouncement) {
	e.WriteString(va.ModID)
	e.WriteString(va.MinimumRequired)
	e.WriteString(va.Current)
}

// DecodeVersionAnnouncement decodes a VersionAnnouncement from bytes.
func DecodeVersionAnnouncement(data []byte) (*VersionAnnouncement, error) {
	return DecodeVersionAnnouncementFrom(NewDecoder(data))
}

// DecodeVersionAnnouncementFrom decodes a VersionAnnouncement from a decoder.
func DecodeVersionAnnouncementFrom(d *Decoder) (*VersionAnnouncement, error) {
	va := &VersionAnnouncement{}
	var err error

	if va.ModID, err = d.ReadString(); err != nil {
		return nil, err
	}
	if va.MinimumRequired, err = d.ReadString(); err != nil {
		return nil, err
	}
	if va.Current, err = d.ReadString(); err != nil {
		return nil, err
	}
	return va, nil
}
