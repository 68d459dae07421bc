package configsync

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/serversync/pkg/codec"
	"github.com/vango-dev/serversync/pkg/protocol"
)

// handlePackage runs the inbound pipeline for one message on the
// registry channel: reassembly, decompression, decode and apply.
func (r *Registry) handlePackage(ctx context.Context, sender Peer, payload []byte) {
	m := r.m
	server := m.net != nil && m.net.IsServer()

	if server && r.IsLocked() && !m.isAdmin(sender) {
		r.logger.Warn("dropping update from non-admin peer on locked registry", "peer", sender.Name())
		m.observer.DecodeIssue(r.Name(), IssueLockedDropped)
		return
	}

	m.reassembler.Expire()

	d := protocol.NewDecoder(payload)
	flags, err := protocol.ReadFlags(d)
	if err != nil {
		r.rejectPackage(sender, err)
		return
	}

	if flags.Has(protocol.FlagFragmented) {
		frag, err := protocol.DecodeFragmentFrom(d)
		if err != nil {
			r.rejectPackage(sender, err)
			return
		}
		pkg, complete, err := m.reassembler.Add(sender.ID(), frag)
		if err != nil {
			r.rejectPackage(sender, err)
			return
		}
		if !complete {
			return
		}
		d = protocol.NewDecoder(pkg)
		if flags, err = protocol.ReadFlags(d); err != nil {
			r.rejectPackage(sender, err)
			return
		}
	}

	ctx, span := m.tracer.Start(ctx, "configsync.receive",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("configsync.registry", r.Name()),
			attribute.String("configsync.peer", sender.Name()),
			attribute.Int("configsync.bytes", len(payload)),
		))
	defer span.End()

	m.withGuard(func() {
		if flags.Has(protocol.FlagCompressed) {
			inner, err := protocol.Decompress(d)
			if err == nil {
				d = protocol.NewDecoder(inner)
				flags, err = protocol.ReadFlags(d)
			}
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "decompress")
				r.rejectPackage(sender, err)
				return
			}
			flags |= protocol.FlagCompressed
		}
		m.observer.PackageReceived(r.Name(), flags, d.Remaining())

		partial := flags.Has(protocol.FlagPartial)
		span.SetAttributes(attribute.String("configsync.flags", flags.String()))
		if !partial {
			r.restoreShadows()
			if !server {
				r.setSourceOfTruth(false)
			}
		}

		res, err := m.types.DecodeEntries(d)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "decode")
			r.rejectPackage(sender, err)
			return
		}
		for _, mm := range res.Mismatches {
			r.logger.Warn("skipping entry with mismatched struct layout",
				"section", mm.Section, "key", mm.Key, "error", mm)
			m.observer.DecodeIssue(r.Name(), IssueTypeMismatch)
		}

		applied := r.apply(res.Entries, server)
		span.SetAttributes(attribute.Int("configsync.applied", applied.fields+applied.customs))

		if server {
			r.broadcast(ctx, applied.entries, sender)
			return
		}

		r.logger.Info("received config update",
			"configs", applied.fields,
			"custom_values", applied.customs,
			"partial", partial)
		if applied.exemptChanged {
			m.updateWritability()
		} else {
			r.updateWritability()
		}
	})
}

func (r *Registry) rejectPackage(sender Peer, err error) {
	issue := IssueProtocol
	var mismatch *codec.TypeMismatchError
	if errors.As(err, &mismatch) {
		issue = IssueTypeMismatch
	}
	r.logger.Warn("discarding config package", "peer", sender.Name(), "error", err)
	r.m.observer.DecodeIssue(r.Name(), issue)
}

type applyResult struct {
	entries       []codec.Entry
	fields        int
	customs       int
	exemptChanged bool
}

// apply writes decoded entries to live values. A client caches the local
// value as a shadow before its first overwrite.
func (r *Registry) apply(entries []codec.Entry, server bool) applyResult {
	var res applyResult
	for _, e := range entries {
		if e.Section == InternalSection {
			r.applyInternal(e, server, &res)
			continue
		}

		f, ok := r.byKey[fieldKey{e.Section, e.Key}]
		if !ok {
			r.logger.Warn("received unknown config entry", "section", e.Section, "key", e.Key)
			r.m.observer.DecodeIssue(r.Name(), IssueUnknownEntry)
			continue
		}
		if !f.synchronized {
			continue
		}
		if !accepts(f.setting.Shape(), e) {
			r.logger.Warn("received config entry with unexpected type",
				"section", e.Section, "key", e.Key,
				"expected", f.setting.Shape().TypeName(), "received", e.TypeName())
			r.m.observer.DecodeIssue(r.Name(), IssueTypeMismatch)
			continue
		}

		if !server && !f.hasShadow {
			f.shadow, f.hasShadow = f.setting.Value(), true
		}
		if err := f.setting.SetValue(e.Value); err != nil {
			r.logger.Warn("applying config entry failed", "section", e.Section, "key", e.Key, "error", err)
			continue
		}
		res.entries = append(res.entries, e)
		res.fields++
	}
	return res
}

func (r *Registry) applyInternal(e codec.Entry, server bool, res *applyResult) {
	switch e.Key {
	case KeyServerVersion:
		if v, ok := e.Value.(string); ok && v != r.CurrentVersion() {
			r.logger.Warn("server runs a different version of this mod",
				"server_version", v, "local_version", r.CurrentVersion())
		}
		return

	case KeyLockExempt:
		v, ok := e.Value.(bool)
		if !ok {
			r.logger.Warn("received lock exemption with unexpected type", "received", e.TypeName())
			return
		}
		if !server && r.m.lockExempt != v {
			r.m.lockExempt = v
			res.exemptChanged = true
		}
		return
	}

	cv, ok := r.byID[e.Key]
	if !ok {
		r.logger.Warn("received unknown custom value", "key", e.Key)
		r.m.observer.DecodeIssue(r.Name(), IssueUnknownEntry)
		return
	}
	if !accepts(cv.shape, e) {
		r.logger.Warn("received custom value with unexpected type",
			"key", e.Key, "expected", cv.shape.TypeName(), "received", e.TypeName())
		r.m.observer.DecodeIssue(r.Name(), IssueTypeMismatch)
		return
	}
	if !server && !cv.hasShadow {
		cv.shadow, cv.hasShadow = cv.value, true
	}
	cv.set(e.Value)
	res.entries = append(res.entries, e)
	res.customs++
}

// accepts reports whether a decoded entry matches the expected shape. Null
// is accepted for nullable shapes.
func accepts(expected codec.Shape, e codec.Entry) bool {
	if e.Value == nil {
		return expected.Nullable()
	}
	return e.Shape != nil && e.Shape.TypeName() == expected.TypeName()
}
