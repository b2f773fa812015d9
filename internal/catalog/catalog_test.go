package catalog_test

import (
	"errors"
	"testing"

	"github.com/arelio/slipbridge/internal/catalog"
	"github.com/arelio/slipbridge/internal/field"
)

func idValue(u uint64) *field.Value {
	v := field.ValueU(field.U8, u)
	return &v
}

func validHeartbeat() catalog.PacketDesc {
	return catalog.PacketDesc{
		Name: "heartbeat",
		Fields: []catalog.FieldDesc{
			{Name: "id", Type: field.U8, Offset: 0, Value: idValue(0x01)},
			{Name: "seq", Type: field.U16, Offset: 1},
		},
		IDFieldIndex: 0,
		IDValue:      field.ValueU(field.U8, 0x01),
		Template:     catalog.MqttTemplate{Topic: "hb/{{seq}}", Payload: "ok"},
	}
}

func TestNewValidCatalog(t *testing.T) {
	t.Parallel()

	c, err := catalog.New([]catalog.PacketDesc{validHeartbeat()})
	if err != nil {
		t.Fatalf("New: unexpected error: %v", err)
	}
	if got := len(c.Packets()); got != 1 {
		t.Fatalf("len(Packets()) = %d, want 1", got)
	}
	if got := c.Packets()[0].TotalSize(); got != 3 {
		t.Errorf("TotalSize() = %d, want 3", got)
	}
}

func TestNewEmptyCatalogInvalid(t *testing.T) {
	t.Parallel()

	if _, err := catalog.New(nil); !errors.Is(err, catalog.ErrCatalogInvalid) {
		t.Fatalf("got %v, want ErrCatalogInvalid", err)
	}
}

func TestNewInvariantViolations(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(p *catalog.PacketDesc)
	}{
		{
			name: "no identifier field",
			mutate: func(p *catalog.PacketDesc) {
				p.Fields[0].Value = nil
				p.IDFieldIndex = 0
			},
		},
		{
			name: "bytes field missing length",
			mutate: func(p *catalog.PacketDesc) {
				p.Fields = append(p.Fields, catalog.FieldDesc{Name: "payload", Type: field.Bytes, Offset: 3})
			},
		},
		{
			name: "duplicate field name",
			mutate: func(p *catalog.PacketDesc) {
				p.Fields = append(p.Fields, catalog.FieldDesc{Name: "seq", Type: field.U8, Offset: 3})
			},
		},
		{
			name: "id_value type mismatch",
			mutate: func(p *catalog.PacketDesc) {
				p.IDValue = field.ValueU(field.U16, 0x01)
			},
		},
		{
			name: "id_value content mismatch",
			mutate: func(p *catalog.PacketDesc) {
				p.IDValue = field.ValueU(field.U8, 0x02)
			},
		},
		{
			name: "id_field_index does not point at first valued field",
			mutate: func(p *catalog.PacketDesc) {
				p.Fields[1].Value = idValue(0x05)
				p.IDFieldIndex = 1
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := validHeartbeat()
			tt.mutate(&p)
			if _, err := catalog.New([]catalog.PacketDesc{p}); !errors.Is(err, catalog.ErrCatalogInvalid) {
				t.Fatalf("got %v, want ErrCatalogInvalid", err)
			}
		})
	}
}

func TestNewDuplicatePacketName(t *testing.T) {
	t.Parallel()

	p := validHeartbeat()
	if _, err := catalog.New([]catalog.PacketDesc{p, p}); !errors.Is(err, catalog.ErrCatalogInvalid) {
		t.Fatalf("got %v, want ErrCatalogInvalid", err)
	}
}

func TestPacketsOrderPreserved(t *testing.T) {
	t.Parallel()

	a := validHeartbeat()
	b := validHeartbeat()
	b.Name = "second"
	b.Fields[0].Value = idValue(0x02)
	b.IDValue = field.ValueU(field.U8, 0x02)

	c, err := catalog.New([]catalog.PacketDesc{a, b})
	if err != nil {
		t.Fatalf("New: unexpected error: %v", err)
	}
	if got := c.Packets()[0].Name; got != "heartbeat" {
		t.Errorf("Packets()[0].Name = %q, want heartbeat", got)
	}
	if got := c.Packets()[1].Name; got != "second" {
		t.Errorf("Packets()[1].Name = %q, want second", got)
	}
}

func TestIDField(t *testing.T) {
	t.Parallel()

	p := validHeartbeat()
	if got := p.IDField().Name; got != "id" {
		t.Errorf("IDField().Name = %q, want id", got)
	}
}
