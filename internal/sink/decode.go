// Package sink provides ReadingSink implementations that log, persist or
// collect characteristic values, and the decoding that turns raw bytes into
// numbers for them.
package sink

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Format names how a characteristic's raw bytes are interpreted.
type Format string

const (
	FormatRaw       Format = "raw"
	FormatHex       Format = "hex"
	FormatUint8     Format = "uint8"
	FormatInt8      Format = "int8"
	FormatUint16LE  Format = "uint16le"
	FormatInt16LE   Format = "int16le"
	FormatUint32LE  Format = "uint32le"
	FormatInt32LE   Format = "int32le"
	FormatFloat32LE Format = "float32le"
	FormatUTF8      Format = "utf8"
)

// Formats lists every recognized format.
var Formats = []Format{
	FormatRaw, FormatHex, FormatUint8, FormatInt8, FormatUint16LE, FormatInt16LE,
	FormatUint32LE, FormatInt32LE, FormatFloat32LE, FormatUTF8,
}

// Valid reports whether f is a recognized format.
func (f Format) Valid() bool {
	for _, known := range Formats {
		if f == known {
			return true
		}
	}
	return false
}

// width is the exact byte count a fixed-width format needs, or 0.
func (f Format) width() int {
	switch f {
	case FormatUint8, FormatInt8:
		return 1
	case FormatUint16LE, FormatInt16LE:
		return 2
	case FormatUint32LE, FormatInt32LE, FormatFloat32LE:
		return 4
	default:
		return 0
	}
}

// Field describes one characteristic for display.
type Field struct {
	Name   string
	Format Format
}

// Schema maps characteristic UUIDs to their fields.
type Schema map[uuid.UUID]Field

// Lookup returns the field for id, falling back to the UUID as the name and
// the raw format.
func (s Schema) Lookup(id uuid.UUID) Field {
	if f, ok := s[id]; ok {
		if f.Name == "" {
			f.Name = id.String()
		}
		if f.Format == "" {
			f.Format = FormatRaw
		}
		return f
	}
	return Field{Name: id.String(), Format: FormatRaw}
}

// Decode interprets raw according to f. Fixed-width formats require exactly
// their width in bytes.
func Decode(f Format, raw []byte) (any, error) {
	if w := f.width(); w > 0 && len(raw) != w {
		return nil, fmt.Errorf("sink: %s needs %d bytes, got %d", f, w, len(raw))
	}
	switch f {
	case FormatRaw, "":
		return append([]byte(nil), raw...), nil
	case FormatHex:
		return hex.EncodeToString(raw), nil
	case FormatUint8:
		return raw[0], nil
	case FormatInt8:
		return int8(raw[0]), nil
	case FormatUint16LE:
		return binary.LittleEndian.Uint16(raw), nil
	case FormatInt16LE:
		return int16(binary.LittleEndian.Uint16(raw)), nil
	case FormatUint32LE:
		return binary.LittleEndian.Uint32(raw), nil
	case FormatInt32LE:
		return int32(binary.LittleEndian.Uint32(raw)), nil
	case FormatFloat32LE:
		return math.Float32frombits(binary.LittleEndian.Uint32(raw)), nil
	case FormatUTF8:
		if !utf8.Valid(raw) {
			return nil, fmt.Errorf("sink: value is not valid UTF-8")
		}
		return string(raw), nil
	default:
		return nil, fmt.Errorf("sink: unknown format %q", f)
	}
}
