// Package catalog implements the in-memory packet catalog: the
// validated set of declared packet layouts and their MQTT templates
// (component C2).
package catalog

import (
	"errors"
	"fmt"

	"github.com/arelio/slipbridge/internal/field"
)

// ErrCatalogInvalid is the sentinel wrapped by every catalog
// validation failure. Use errors.Is to detect the class; the wrapping
// message names the offending packet and rule.
var ErrCatalogInvalid = errors.New("catalog: invalid")

func invalid(packet, reason string) error {
	return fmt.Errorf("%w: packet %q: %s", ErrCatalogInvalid, packet, reason)
}

// Bitfield captures bit-level metadata carried by a field descriptor.
// The core never interprets it; it is preserved for round-trip fidelity
// through the catalog only.
type Bitfield struct {
	BitOffset uint8
	BitCount  uint8
}

// FieldDesc describes one field within one packet.
type FieldDesc struct {
	Name     string
	Type     field.Type
	Offset   int
	Length   int // required iff Type == field.Bytes
	Bitfield *Bitfield
	Value    *field.Value // non-nil constrains this field to a fixed match value
}

// WireSize returns the number of bytes this field occupies on the wire.
func (d FieldDesc) WireSize() int {
	return field.WireSize(d.Type, d.Length)
}

// MqttTemplate is the outbound message template for a matched packet.
type MqttTemplate struct {
	Topic   string
	Payload string
	QoS     uint8
	Retain  bool
}

// PacketDesc is one declared packet layout.
type PacketDesc struct {
	Name         string
	Fields       []FieldDesc
	IDFieldIndex int
	IDValue      field.Value
	Template     MqttTemplate
}

// TotalSize returns the packet's computed total size: the maximum of
// field.Offset+field.WireSize() across all fields.
func (p PacketDesc) TotalSize() int {
	total := 0
	for _, f := range p.Fields {
		if end := f.Offset + f.WireSize(); end > total {
			total = end
		}
	}
	return total
}

// IDField returns the identifier field descriptor.
func (p PacketDesc) IDField() FieldDesc {
	return p.Fields[p.IDFieldIndex]
}

// PacketCatalog is the immutable, validated, ordered set of declared
// packets. Lookup order during scanning is declaration order; the
// catalog performs no mutation after construction.
type PacketCatalog struct {
	packets []PacketDesc
}

// Packets returns the catalog's packets in declared order. The
// returned slice must not be mutated by the caller.
func (c *PacketCatalog) Packets() []PacketDesc {
	return c.packets
}

// New validates packets against the catalog invariants and, if they
// all hold, returns an immutable PacketCatalog. Validation failures
// are reported as the first violation found, wrapping
// ErrCatalogInvalid.
func New(packets []PacketDesc) (*PacketCatalog, error) {
	if len(packets) == 0 {
		return nil, fmt.Errorf("%w: no packets declared", ErrCatalogInvalid)
	}

	seenPacketNames := make(map[string]bool, len(packets))
	for _, p := range packets {
		if p.Name == "" {
			return nil, invalid(p.Name, "packet name must not be empty")
		}
		if seenPacketNames[p.Name] {
			return nil, invalid(p.Name, "duplicate packet name")
		}
		seenPacketNames[p.Name] = true

		if len(p.Fields) == 0 {
			return nil, invalid(p.Name, "must declare at least one field")
		}

		idIndex := -1
		seenFieldNames := make(map[string]bool, len(p.Fields))
		for i, f := range p.Fields {
			if f.Name == "" {
				return nil, invalid(p.Name, "field name must not be empty")
			}
			if seenFieldNames[f.Name] {
				return nil, invalid(p.Name, fmt.Sprintf("duplicate field name %q", f.Name))
			}
			seenFieldNames[f.Name] = true

			if f.Type == field.Bytes && f.Length <= 0 {
				return nil, invalid(p.Name, fmt.Sprintf("field %q is bytes but has no length", f.Name))
			}
			if f.Offset < 0 {
				return nil, invalid(p.Name, fmt.Sprintf("field %q has a negative offset", f.Name))
			}

			if f.Value != nil && idIndex == -1 {
				idIndex = i
			}
		}

		if idIndex == -1 {
			return nil, invalid(p.Name, "no field carries a fixed value to serve as the identifier")
		}
		if p.IDFieldIndex != idIndex {
			return nil, invalid(p.Name, "id_field_index does not point at the first field with a value")
		}
		idField := p.Fields[idIndex]
		if p.IDValue.Type != idField.Type {
			return nil, invalid(p.Name, "id_value type does not match the identifier field's type")
		}
		if !p.IDValue.Equal(*idField.Value) {
			return nil, invalid(p.Name, "id_value does not match the identifier field's declared value")
		}

		// TotalSize is always well-defined in Go (no overflow short of
		// absurd offsets); this check guards against that absurd case.
		const maxSanePacketSize = 1 << 20
		if total := p.TotalSize(); total <= 0 || total > maxSanePacketSize {
			return nil, invalid(p.Name, "computed total packet size is not well-defined")
		}
	}

	out := make([]PacketDesc, len(packets))
	copy(out, packets)
	return &PacketCatalog{packets: out}, nil
}
