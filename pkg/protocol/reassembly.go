package protocol

import (
	"fmt"
	"sort"
	"strconv"
	"time"
)

// Reassembler buffers fragments per (sender, stream) until a stream is
// complete. Incomplete streams expire after a TTL; expiry is checked on
// every Add, so memory stays bounded even when streams never finish.
//
// A Reassembler is not safe for concurrent use.
type Reassembler struct {
	ttl     time.Duration
	now     func() time.Time
	streams map[string]*stream

	// expirations is ordered by deadline because every stream gets the
	// same TTL and streams are appended in arrival order.
	expirations []expiration
}

type stream struct {
	count int32
	size  int
	parts map[int32][]byte
}

type expiration struct {
	deadline time.Time
	key      string
}

// NewReassembler creates a reassembler with the given TTL.
// A zero ttl uses FragmentTTL.
func NewReassembler(ttl time.Duration) *Reassembler {
	if ttl <= 0 {
		ttl = FragmentTTL
	}
	return &Reassembler{
		ttl:     ttl,
		now:     time.Now,
		streams: make(map[string]*stream),
	}
}

// SetClock replaces the time source. Used by tests.
func (r *Reassembler) SetClock(now func() time.Time) {
	r.now = now
}

// Add stores a fragment from sender. When the stream is complete the
// fragments are concatenated in index order, the stream is dropped, and
// the package bytes are returned with done=true.
//
// A fragment whose count disagrees with the first fragment of its stream,
// or one that grows the stream past MaxPackageSize, drops the whole stream
// and returns an error.
func (r *Reassembler) Add(sender string, f *Fragment) (pkg []byte, done bool, err error) {
	r.Expire()

	key := sender + "/" + strconv.FormatUint(f.StreamID, 10)
	s, ok := r.streams[key]
	if !ok {
		s = &stream{count: f.Count, parts: make(map[int32][]byte, min(f.Count, 64))}
		r.streams[key] = s
		r.expirations = append(r.expirations, expiration{
			deadline: r.now().Add(r.ttl),
			key:      key,
		})
	}

	if f.Count != s.count {
		delete(r.streams, key)
		return nil, false, fmt.Errorf("%w: stream %d has %d fragments, got index %d of %d",
			ErrFragmentMismatch, f.StreamID, s.count, f.Index, f.Count)
	}
	if prev, dup := s.parts[f.Index]; dup {
		s.size -= len(prev)
	}
	s.size += len(f.Data)
	if s.size > MaxPackageSize {
		delete(r.streams, key)
		return nil, false, fmt.Errorf("%w: stream %d", ErrPackageTooLarge, f.StreamID)
	}

	s.parts[f.Index] = f.Data
	if int32(len(s.parts)) < s.count {
		return nil, false, nil
	}

	delete(r.streams, key)
	return s.join(), true, nil
}

// Expire drops every stream whose deadline has passed.
func (r *Reassembler) Expire() {
	now := r.now()
	n := 0
	for n < len(r.expirations) && !r.expirations[n].deadline.After(now) {
		delete(r.streams, r.expirations[n].key)
		n++
	}
	if n > 0 {
		r.expirations = append(r.expirations[:0], r.expirations[n:]...)
	}
}

// Pending returns the number of incomplete streams.
func (r *Reassembler) Pending() int {
	return len(r.streams)
}

func (s *stream) join() []byte {
	indexes := make([]int, 0, len(s.parts))
	for i := range s.parts {
		indexes = append(indexes, int(i))
	}
	sort.Ints(indexes)

	out := make([]byte, 0, s.size)
	for _, i := range indexes {
		out = append(out, s.parts[int32(i)]...)
	}
	return out
}
