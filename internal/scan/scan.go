// Package scan implements the single-pass scan/match engine (component
// C4): it walks a decoded frame against the packet catalog, identifies
// matching packets by fixed-value identifier fields, and extracts every
// field of each match.
package scan

import (
	"github.com/arelio/slipbridge/internal/catalog"
	"github.com/arelio/slipbridge/internal/field"
)

// FieldView is a transient, per-visit record describing one extracted
// field within a matched packet.
type FieldView struct {
	Raw   []byte
	Desc  catalog.FieldDesc
	Value field.Value
}

// Visitor is invoked once per extracted field of a matched packet, in
// the packet's declared field order.
type Visitor func(view FieldView, packet catalog.PacketDesc)

// Scan walks frame against cat in catalog order, position-advancing,
// first-match-wins. For each byte offset it tries every packet in
// declared order; the first whose size fits and whose identifier field
// matches wins, and scanning resumes right after that packet. Offsets
// matching no packet are skipped one byte at a time (resync).
//
// Returns the number of packets matched and the number of bytes
// consumed (always len(frame), since the resync step always advances).
func Scan(cat *catalog.PacketCatalog, frame []byte, visitor Visitor) (packetsFound int, consumedBytes int) {
	packets := cat.Packets()
	pos := 0

	for pos < len(frame) {
		matched := false

		for _, p := range packets {
			total := p.TotalSize()
			if len(frame)-pos < total {
				continue
			}
			view := frame[pos : pos+total]

			idField := p.IDField()
			idSpan := view[idField.Offset : idField.Offset+idField.WireSize()]
			idVal := field.Extract(idField.Type, idSpan, idField.Length)
			if !idVal.Equal(p.IDValue) {
				continue
			}

			for _, f := range p.Fields {
				end := f.Offset + f.WireSize()
				if end > len(view) {
					continue
				}
				span := view[f.Offset:end]
				val := field.Extract(f.Type, span, f.Length)
				visitor(FieldView{Raw: span, Desc: f, Value: val}, p)
			}

			pos += total
			packetsFound++
			matched = true
			break
		}

		if !matched {
			pos++
		}
	}

	return packetsFound, pos
}
