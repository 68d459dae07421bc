package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
)

// Package limits.
const (
	// SliceSize is the largest fragment body. Packages above it are split.
	SliceSize = 250_000

	// CompressMinSize is the size above which packages are deflated.
	CompressMinSize = 10_000

	// MaxSendQueue is the outbound queue depth (bytes) above which a
	// sender waits before writing the next fragment.
	MaxSendQueue = 20_000

	// SendQueueTimeout is how long a sender waits for a congested peer
	// before disconnecting it.
	SendQueueTimeout = 30 * time.Second

	// FragmentTTL is how long an incomplete fragment stream is kept.
	FragmentTTL = 60 * time.Second
)

// Flags is the one-byte header that precedes every config package.
type Flags uint8

const (
	FlagPartial    Flags = 0x01 // Incremental update; cleared on full snapshots
	FlagFragmented Flags = 0x02 // Body is one chunk of a larger package
	FlagCompressed Flags = 0x04 // Body is a deflated package
)

// Has reports whether f contains flag.
func (f Flags) Has(flag Flags) bool {
	return f&flag != 0
}

// String returns the set flags joined by "|", or "full" when none is set.
func (f Flags) String() string {
	if f == 0 {
		return "full"
	}
	var parts []string
	if f.Has(FlagPartial) {
		parts = append(parts, "partial")
	}
	if f.Has(FlagFragmented) {
		parts = append(parts, "fragmented")
	}
	if f.Has(FlagCompressed) {
		parts = append(parts, "compressed")
	}
	return strings.Join(parts, "|")
}

// Package errors.
var (
	ErrEmptyPackage     = errors.New("protocol: empty package")
	ErrInvalidFragment  = errors.New("protocol: invalid fragment header")
	ErrFragmentMismatch = errors.New("protocol: fragment does not match its stream")
	ErrPackageTooLarge  = errors.New("protocol: package exceeds size limit")
)

// ReadFlags reads the package flag byte.
func ReadFlags(d *Decoder) (Flags, error) {
	b, err := d.ReadByte()
	if err != nil {
		return 0, ErrEmptyPackage
	}
	return Flags(b), nil
}

// Compress wraps a complete package (flag byte included) into a
// compressed package.
//
// Wire format:
//
//	[Flags: 0x04][Deflated package: len-prefixed]
func Compress(pkg []byte) ([]byte, error) {
	var out bytes.Buffer
	w, err := flate.NewWriter(&out, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(pkg); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	e := NewEncoderWithCap(out.Len() + MaxVarintLen + 1)
	e.WriteUint8(byte(FlagCompressed))
	e.WriteLenBytes(out.Bytes())
	return e.Bytes(), nil
}

// Decompress reads the body of a compressed package (the flag byte has
// already been consumed) and returns the inner package, whose own flag
// byte must be read again by the caller.
func Decompress(d *Decoder) ([]byte, error) {
	data, err := d.ReadLenBytes()
	if err != nil {
		return nil, err
	}
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, MaxPackageSize+1))
	if err != nil {
		return nil, fmt.Errorf("protocol: inflate: %w", err)
	}
	if len(out) > MaxPackageSize {
		return nil, ErrPackageTooLarge
	}
	return out, nil
}

// MaybeCompress compresses pkg when it is larger than minSize.
// A non-positive minSize disables compression.
func MaybeCompress(pkg []byte, minSize int) ([]byte, error) {
	if minSize <= 0 || len(pkg) <= minSize {
		return pkg, nil
	}
	return Compress(pkg)
}

// Fragment is one ordered chunk of a larger package.
//
// Wire format:
//
//	┌────────────┬──────────────────┬───────────────┬───────────────┬──────────────────┐
//	│ Flags 0x02 │ Stream ID        │ Index         │ Count         │ Data             │
//	│ (1 byte)   │ (8 bytes, BE)    │ (4 bytes, BE) │ (4 bytes, BE) │ (len-prefixed)   │
//	└────────────┴──────────────────┴───────────────┴───────────────┴──────────────────┘
type Fragment struct {
	StreamID uint64
	Index    int32
	Count    int32
	Data     []byte
}

// EncodeFragmentTo writes a fragment, flag byte included.
func EncodeFragmentTo(e *Encoder, f *Fragment) {
	e.WriteUint8(byte(FlagFragmented))
	e.WriteUint64(f.StreamID)
	e.WriteInt32(f.Index)
	e.WriteInt32(f.Count)
	e.WriteLenBytes(f.Data)
}

// DecodeFragmentFrom reads a fragment body after its flag byte.
func DecodeFragmentFrom(d *Decoder) (*Fragment, error) {
	f := &Fragment{}
	var err error

	if f.StreamID, err = d.ReadUint64(); err != nil {
		return nil, err
	}
	if f.Index, err = d.ReadInt32(); err != nil {
		return nil, err
	}
	if f.Count, err = d.ReadInt32(); err != nil {
		return nil, err
	}
	if f.Count <= 0 || f.Index < 0 || f.Index >= f.Count {
		return nil, ErrInvalidFragment
	}
	if f.Data, err = d.ReadLenBytes(); err != nil {
		return nil, err
	}
	return f, nil
}

// FragmentCount returns how many slices of sliceSize a package of size
// bytes needs.
func FragmentCount(size, sliceSize int) int {
	if size <= 0 {
		return 1
	}
	return 1 + (size-1)/sliceSize
}

// Split cuts pkg into encoded fragment messages of at most sliceSize data
// bytes each. A package that fits in one slice is returned unchanged as
// the only element.
func Split(pkg []byte, streamID uint64, sliceSize int) [][]byte {
	if sliceSize <= 0 || len(pkg) <= sliceSize {
		return [][]byte{pkg}
	}

	count := FragmentCount(len(pkg), sliceSize)
	out := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		start := i * sliceSize
		end := min(start+sliceSize, len(pkg))

		e := NewEncoderWithCap(end - start + 32)
		EncodeFragmentTo(e, &Fragment{
			StreamID: streamID,
			Index:    int32(i),
			Count:    int32(count),
			Data:     pkg[start:end],
		})
		out = append(out, e.Bytes())
	}
	return out
}
