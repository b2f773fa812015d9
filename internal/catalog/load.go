package catalog

import (
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/arelio/slipbridge/internal/field"
)

// Source describes where to load packet descriptors from: a root
// directory plus the filename glob patterns to match while walking it.
type Source struct {
	Path     string
	Patterns []string
}

// yamlCatalog is the top-level shape of one packet descriptor file: a
// mapping keyed by packet name (original_source's packetdb_from_yaml
// parses the same shape, a map rather than a list).
type yamlCatalog map[string]yamlPacket

type yamlPacket struct {
	MQTT   yamlMQTT    `yaml:"mqtt"`
	Fields []yamlField `yaml:"fields"`
}

type yamlMQTT struct {
	Topic   string `yaml:"topic"`
	Payload string `yaml:"payload"`
	QoS     uint8  `yaml:"qos"`
	Retain  bool   `yaml:"retain"`
}

type yamlField struct {
	Name     string        `yaml:"name"`
	Type     string        `yaml:"type"`
	Offset   int           `yaml:"offset"`
	Length   int           `yaml:"length"`
	Bitfield *yamlBitfield `yaml:"bitfield"`
	Value    *yaml.Node    `yaml:"value"`
}

type yamlBitfield struct {
	BitOffset uint8 `yaml:"bit_offset"`
	BitCount  uint8 `yaml:"bit_count"`
}

// LoadFromSources walks each source's directory, parses every file
// matching one of its patterns as a packet descriptor file, and
// aggregates all declared packets into one validated PacketCatalog.
//
// A parse error anywhere in a source is fatal for the whole load
// (matches original_source's main.cpp: any failure aborts startup). An
// empty result is also fatal.
func LoadFromSources(sources []Source) (*PacketCatalog, error) {
	var packets []PacketDesc

	for _, src := range sources {
		patterns := src.Patterns
		if len(patterns) == 0 {
			patterns = []string{"*.yaml", "*.yml"}
		}

		files, err := matchingFiles(src.Path, patterns)
		if err != nil {
			return nil, fmt.Errorf("%w: source %q: %s", ErrCatalogInvalid, src.Path, err)
		}

		for _, path := range files {
			parsed, err := loadFile(path)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %s", ErrCatalogInvalid, path, err)
			}
			packets = append(packets, parsed...)
		}
	}

	return New(packets)
}

// matchingFiles walks root recursively and returns every regular file
// whose base name matches any of patterns, in deterministic
// (directory-then-filename) order.
func matchingFiles(root string, patterns []string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		base := filepath.Base(path)
		for _, pattern := range patterns {
			if ok, _ := filepath.Match(pattern, base); ok {
				out = append(out, path)
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// loadFile parses one packet descriptor file into its declared
// PacketDesc list, in file declaration order.
func loadFile(path string) ([]PacketDesc, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc yamlCatalog
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}

	// Preserve a stable order across map iteration: sort by name. The
	// catalog-wide declared order is otherwise "source, then directory
	// walk, then filename" per source; within one file, name order is
	// as good a tiebreak as any since YAML maps carry no ordinal.
	names := make([]string, 0, len(doc))
	for name := range doc {
		names = append(names, name)
	}
	sort.Strings(names)

	packets := make([]PacketDesc, 0, len(names))
	for _, name := range names {
		p, err := toPacketDesc(name, doc[name])
		if err != nil {
			return nil, err
		}
		packets = append(packets, p)
	}
	return packets, nil
}

func toPacketDesc(name string, yp yamlPacket) (PacketDesc, error) {
	fields := make([]FieldDesc, 0, len(yp.Fields))
	idIndex := -1

	for i, yf := range yp.Fields {
		fd, err := toFieldDesc(yf)
		if err != nil {
			return PacketDesc{}, fmt.Errorf("packet %q field %q: %w", name, yf.Name, err)
		}
		if fd.Value != nil && idIndex == -1 {
			idIndex = i
		}
		fields = append(fields, fd)
	}

	if idIndex == -1 {
		return PacketDesc{}, fmt.Errorf("packet %q: no field carries a value to serve as identifier", name)
	}

	return PacketDesc{
		Name:         name,
		Fields:       fields,
		IDFieldIndex: idIndex,
		IDValue:      *fields[idIndex].Value,
		Template: MqttTemplate{
			Topic:   yp.MQTT.Topic,
			Payload: yp.MQTT.Payload,
			QoS:     yp.MQTT.QoS,
			Retain:  yp.MQTT.Retain,
		},
	}, nil
}

func toFieldDesc(yf yamlField) (FieldDesc, error) {
	typ, ok := field.ParseType(yf.Type)
	if !ok {
		return FieldDesc{}, fmt.Errorf("unknown field type %q", yf.Type)
	}

	fd := FieldDesc{
		Name:   yf.Name,
		Type:   typ,
		Offset: yf.Offset,
		Length: yf.Length,
	}
	if yf.Bitfield != nil {
		fd.Bitfield = &Bitfield{BitOffset: yf.Bitfield.BitOffset, BitCount: yf.Bitfield.BitCount}
	}

	if yf.Value != nil {
		val, err := parseFieldValue(typ, yf.Value, yf.Length)
		if err != nil {
			return FieldDesc{}, fmt.Errorf("value: %w", err)
		}
		fd.Value = &val
	}

	return fd, nil
}

// parseFieldValue decodes a YAML value node into a field.Value typed
// per typ, following original_source's parse_value/parse_integer
// rules: integer literals accept decimal or 0x-prefixed hex
// (case-insensitive); bytes accept a sequence of byte integers or a
// hex string (even length, optional 0x prefix).
func parseFieldValue(typ field.Type, node *yaml.Node, length int) (field.Value, error) {
	switch typ {
	case field.Bytes:
		return parseBytesValue(node, length)
	case field.F32, field.F64:
		var f float64
		if err := node.Decode(&f); err != nil {
			return field.Value{}, err
		}
		return field.ValueF(typ, f), nil
	case field.I8, field.I16, field.I32, field.I64:
		i, err := parseIntLiteral(node)
		if err != nil {
			return field.Value{}, err
		}
		return field.ValueI(typ, i), nil
	default:
		u, err := parseUintLiteral(node)
		if err != nil {
			return field.Value{}, err
		}
		return field.ValueU(typ, u), nil
	}
}

func parseBytesValue(node *yaml.Node, length int) (field.Value, error) {
	var out []byte

	if node.Kind == yaml.SequenceNode {
		out = make([]byte, 0, len(node.Content))
		for _, elem := range node.Content {
			u, err := parseUintLiteral(elem)
			if err != nil {
				return field.Value{}, err
			}
			out = append(out, byte(u))
		}
	} else {
		var s string
		if err := node.Decode(&s); err != nil {
			return field.Value{}, err
		}
		s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
		if len(s)%2 != 0 {
			return field.Value{}, fmt.Errorf("bytes hex string %q must have even length", s)
		}
		decoded, err := hex.DecodeString(s)
		if err != nil {
			return field.Value{}, fmt.Errorf("bytes hex string %q: %w", s, err)
		}
		out = decoded
	}

	if length > 0 && len(out) != length {
		return field.Value{}, fmt.Errorf("bytes value has %d byte(s), want %d (declared length)", len(out), length)
	}

	return field.ValueBytes(out), nil
}

func parseUintLiteral(node *yaml.Node) (uint64, error) {
	s := strings.TrimSpace(node.Value)
	base := 10
	if len(s) > 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		base = 16
		s = s[2:]
	}
	return strconv.ParseUint(s, base, 64)
}

func parseIntLiteral(node *yaml.Node) (int64, error) {
	s := strings.TrimSpace(node.Value)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	base := 10
	if len(s) > 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		base = 16
		s = s[2:]
	}
	u, err := strconv.ParseUint(s, base, 64)
	if err != nil {
		return 0, err
	}
	v := int64(u)
	if neg {
		v = -v
	}
	return v, nil
}
