// Package snapshot implements the binary wire format for replicated state.
//
// A snapshot is a fixed header followed by a record body:
//
//	header: flags u8 | protocol_version u16 | tick u64 | record_count u32   (little endian)
//	record: entity uvarint | kind u16 | version uvarint | flags u8 [| payload_len uvarint | payload]
//
// Tombstone records carry no payload. Every payload is length-prefixed so a
// decoder can skip kinds it does not know. When compression is enabled the
// record body is zstd-compressed, but only if that makes it smaller.
package snapshot

import (
	"github.com/automoto/netsync/shared/protocol"
	"github.com/automoto/netsync/shared/tick"
	"github.com/rotisserie/eris"
)

// HeaderSize is the encoded size of a snapshot header.
const HeaderSize = 1 + 2 + 8 + 4

// Header flags.
const (
	FlagCompressed uint8 = 1 << iota

	knownFlags = FlagCompressed
)

// Record flags.
const (
	RecordTombstone uint8 = 1 << iota

	knownRecordFlags = RecordTombstone
)

// Record is one delta: a changed slot and its new value, or a tombstone.
type Record struct {
	Entity    protocol.EntityID
	Kind      protocol.Kind
	Version   protocol.Version
	Tombstone bool
	Payload   []byte
}

func (r Record) Slot() protocol.Slot {
	return protocol.Slot{Entity: r.Entity, Kind: r.Kind}
}

// IsDespawn reports whether r removes its entity from the client.
func (r Record) IsDespawn() bool {
	return r.Tombstone && r.Kind == protocol.KindEntity
}

// Snapshot is the set of records sent to one connection for one tick.
type Snapshot struct {
	Tick    tick.Tick
	Records []Record
}

// RecordSize returns the exact uncompressed encoded size of r.
func RecordSize(r Record) int {
	n := protocol.UvarintLen(uint64(r.Entity)) + 2 + protocol.UvarintLen(uint64(r.Version)) + 1
	if r.Tombstone {
		return n
	}
	return n + protocol.UvarintLen(uint64(len(r.Payload))) + len(r.Payload)
}

// Size returns the uncompressed encoded size of a snapshot holding records.
func Size(records []Record) int {
	n := HeaderSize
	for _, r := range records {
		n += RecordSize(r)
	}
	return n
}

// Options control encoding.
type Options struct {
	// Compress enables zstd compression of the record body.
	Compress bool
	// MinCompressSize is the smallest body worth trying to compress.
	MinCompressSize int
}

// Encode serializes s. With compression disabled the output is exactly
// Size(s.Records) bytes; with it enabled the output is never larger.
func Encode(s Snapshot, opts Options) ([]byte, error) {
	if uint64(len(s.Records)) > uint64(^uint32(0)) {
		return nil, eris.Errorf("snapshot for tick %d has too many records: %d", s.Tick, len(s.Records))
	}

	body := protocol.NewWriter(Size(s.Records) - HeaderSize)
	for _, r := range s.Records {
		if r.Version == 0 {
			return nil, eris.Errorf("record %s has zero version", r.Slot())
		}
		if r.Kind == protocol.KindEntity && !r.Tombstone {
			return nil, eris.Errorf("record %s: entity records must be tombstones", r.Slot())
		}
		body.Uvarint(uint64(r.Entity))
		body.Uint16(uint16(r.Kind))
		body.Uvarint(uint64(r.Version))
		if r.Tombstone {
			body.Uint8(RecordTombstone)
			continue
		}
		body.Uint8(0)
		body.Uvarint(uint64(len(r.Payload)))
		body.Raw(r.Payload)
	}

	var flags uint8
	payload := body.Bytes()
	if opts.Compress && len(payload) >= opts.MinCompressSize {
		if c := compress(payload); len(c) < len(payload) {
			payload = c
			flags |= FlagCompressed
		}
	}

	w := protocol.NewWriter(HeaderSize + len(payload))
	w.Uint8(flags)
	w.Uint16(protocol.ProtocolVersion)
	w.Uint64(uint64(s.Tick))
	w.Uint32(uint32(len(s.Records)))
	w.Raw(payload)
	return w.Bytes(), nil
}

// PeekHeader validates and returns the header of an encoded snapshot without
// decoding its records.
func PeekHeader(b []byte, version uint16) (flags uint8, t tick.Tick, count uint32, err error) {
	if len(b) < HeaderSize {
		return 0, 0, 0, eris.Wrapf(protocol.ErrMalformedSnapshot, "short header: %d bytes", len(b))
	}
	r := protocol.NewReader(b[:HeaderSize])
	flags = r.Uint8()
	v := r.Uint16()
	t = tick.Tick(r.Uint64())
	count = r.Uint32()

	if v != version {
		return 0, 0, 0, eris.Wrapf(protocol.ErrProtocolMismatch, "snapshot version %d, want %d", v, version)
	}
	if flags&^knownFlags != 0 {
		return 0, 0, 0, eris.Wrapf(protocol.ErrMalformedSnapshot, "unknown header flags %#x", flags)
	}
	return flags, t, count, nil
}

// Decode parses an encoded snapshot. Corrupt input fails with
// protocol.ErrMalformedSnapshot and a foreign protocol version with
// protocol.ErrProtocolMismatch. Record payloads alias b or the decompressed
// body and must be copied if retained.
func Decode(b []byte, version uint16) (Snapshot, error) {
	flags, t, count, err := PeekHeader(b, version)
	if err != nil {
		return Snapshot{}, err
	}

	body := b[HeaderSize:]
	if flags&FlagCompressed != 0 {
		body, err = decompress(body)
		if err != nil {
			return Snapshot{}, eris.Wrapf(protocol.ErrMalformedSnapshot, "tick %d: %v", t, err)
		}
	}

	// Every record needs at least entity, kind, version and flags.
	const minRecordSize = 1 + 2 + 1 + 1
	if uint64(count)*minRecordSize > uint64(len(body)) {
		return Snapshot{}, eris.Wrapf(protocol.ErrMalformedSnapshot, "tick %d: %d records do not fit in %d bytes", t, count, len(body))
	}

	s := Snapshot{Tick: t, Records: make([]Record, 0, count)}
	r := protocol.NewReader(body)
	for i := uint32(0); i < count; i++ {
		rec := Record{
			Entity:  protocol.EntityID(r.Uvarint()),
			Kind:    protocol.Kind(r.Uint16()),
			Version: protocol.Version(r.Uvarint()),
		}
		rf := r.Uint8()
		if r.Err() != nil {
			break
		}
		if rf&^knownRecordFlags != 0 {
			return Snapshot{}, eris.Wrapf(protocol.ErrMalformedSnapshot, "tick %d record %d: unknown flags %#x", t, i, rf)
		}
		if rec.Version == 0 {
			return Snapshot{}, eris.Wrapf(protocol.ErrMalformedSnapshot, "tick %d record %d: zero version", t, i)
		}
		rec.Tombstone = rf&RecordTombstone != 0
		if rec.Kind == protocol.KindEntity && !rec.Tombstone {
			return Snapshot{}, eris.Wrapf(protocol.ErrMalformedSnapshot, "tick %d record %d: entity record with payload", t, i)
		}
		if !rec.Tombstone {
			n := r.Uvarint()
			if n > uint64(r.Remaining()) {
				return Snapshot{}, eris.Wrapf(protocol.ErrMalformedSnapshot, "tick %d record %d: payload of %d bytes overruns body", t, i, n)
			}
			rec.Payload = r.Raw(int(n))
		}
		s.Records = append(s.Records, rec)
	}

	if err := r.Done(); err != nil {
		return Snapshot{}, eris.Wrapf(protocol.ErrMalformedSnapshot, "tick %d: %v", t, err)
	}
	return s, nil
}
