package configsync

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/serversync/pkg/codec"
	"github.com/vango-dev/serversync/pkg/protocol"
)

// Broadcast sends entries as a partial update to every connected peer.
// A client does not broadcast while the registry is locked.
func (r *Registry) Broadcast(entries []codec.Entry) {
	r.broadcast(context.Background(), entries, nil)
}

func (r *Registry) broadcast(ctx context.Context, entries []codec.Entry, exclude Peer) {
	m := r.m
	if m.net == nil || len(entries) == 0 {
		return
	}
	if r.IsLocked() && !m.net.IsServer() {
		return
	}
	peers := m.net.Peers()
	if len(peers) == 0 {
		return
	}

	_, span := m.tracer.Start(ctx, "configsync.broadcast",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("configsync.registry", r.Name()),
			attribute.Int("configsync.entries", len(entries)),
		))
	defer span.End()

	pkg, flags, err := r.encodePackage(entries, true)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Error("encode update", "error", err)
		return
	}
	span.SetAttributes(attribute.Int("configsync.bytes", len(pkg)))

	for _, p := range peers {
		if exclude != nil && p.ID() == exclude.ID() {
			continue
		}
		r.sendPackage(p, pkg, flags, nil)
	}
}

// encodePackage writes the flag byte and entries and compresses the
// result when it is large. The returned flags describe the logical
// package. A package no peer would accept fails with
// protocol.ErrPackageTooLarge.
func (r *Registry) encodePackage(entries []codec.Entry, partial bool) ([]byte, protocol.Flags, error) {
	var flags protocol.Flags
	if partial {
		flags |= protocol.FlagPartial
	}
	e := protocol.NewEncoder()
	e.WriteUint8(byte(flags))
	if err := codec.EncodeEntries(e, entries); err != nil {
		return nil, 0, err
	}
	if err := r.checkSize(e.Len()); err != nil {
		return nil, 0, err
	}

	pkg, err := protocol.MaybeCompress(e.Bytes(), r.m.cfg.CompressMinSize)
	if err != nil {
		return nil, 0, err
	}
	if err := r.checkSize(len(pkg)); err != nil {
		return nil, 0, err
	}
	if len(pkg) > 0 && protocol.Flags(pkg[0]).Has(protocol.FlagCompressed) {
		flags |= protocol.FlagCompressed
	}
	return pkg, flags, nil
}

func (r *Registry) checkSize(n int) error {
	if n <= protocol.MaxPackageSize {
		return nil
	}
	r.m.observer.PackageTooLarge(r.Name(), n)
	return fmt.Errorf("%w: %s package is %d bytes, limit %d",
		protocol.ErrPackageTooLarge, r.Name(), n, protocol.MaxPackageSize)
}

// sendPackage fragments pkg and starts a send task for p.
func (r *Registry) sendPackage(p Peer, pkg []byte, flags protocol.Flags, onDone func(error)) *SendTask {
	m := r.m
	chunks := protocol.Split(pkg, m.nextStreamID(), m.cfg.SliceSize)
	if len(chunks) > 1 {
		flags |= protocol.FlagFragmented
	}
	m.observer.PackageSent(r.Name(), flags, len(pkg))

	t := &SendTask{reg: r, peer: p, chunks: chunks, onDone: onDone}
	m.scheduler.Start(t)
	return t
}

// snapshotEntries returns a full snapshot for p: every tracked field,
// custom values by descending priority, then the server version and the
// peer's lock exemption.
func (r *Registry) snapshotEntries(p Peer) []codec.Entry {
	entries := make([]codec.Entry, 0, len(r.fields)+len(r.customs)+2)
	for _, f := range r.fields {
		entries = append(entries, f.entry())
	}

	customs := slices.Clone(r.customs)
	slices.SortStableFunc(customs, func(a, b *CustomValue) int {
		return cmp.Compare(b.priority, a.priority)
	})
	for _, v := range customs {
		if v.value == nil && !v.shape.Nullable() {
			continue
		}
		entries = append(entries, v.entry())
	}

	entries = append(entries,
		codec.Entry{Section: InternalSection, Key: KeyServerVersion, Shape: codec.StringShape, Value: r.CurrentVersion()},
		lockExemptEntry(r.m.isAdmin(p)),
	)
	return entries
}

func lockExemptEntry(exempt bool) codec.Entry {
	return codec.Entry{Section: InternalSection, Key: KeyLockExempt, Shape: codec.BoolShape, Value: exempt}
}
