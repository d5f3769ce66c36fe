package sink

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/chaz8081/blesense/internal/ble"
)

// Record is the JSON shape of one reading.
type Record struct {
	Time           time.Time `json:"time"`
	Service        string    `json:"service"`
	Characteristic string    `json:"characteristic"`
	Name           string    `json:"name"`
	Raw            string    `json:"raw"` // hex
	Value          any       `json:"value,omitempty"`
}

// JSONLines writes one JSON object per reading to w.
type JSONLines struct {
	mu     sync.Mutex
	enc    *json.Encoder
	closer io.Closer
	schema Schema
	now    func() time.Time
}

var _ ble.ReadingSink = (*JSONLines)(nil)

// NewJSONLines creates a sink writing to w. If w is an io.Closer, Close
// closes it.
func NewJSONLines(w io.Writer, schema Schema) *JSONLines {
	s := &JSONLines{enc: json.NewEncoder(w), schema: schema, now: time.Now}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// RotateOptions bounds the size and age of a readings file.
type RotateOptions struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// NewRotatingFile creates a JSONLines sink appending to path, rotated by
// lumberjack.
func NewRotatingFile(path string, rotate RotateOptions, schema Schema) (*JSONLines, error) {
	if path == "" {
		return nil, fmt.Errorf("sink: readings file path must not be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("sink: create readings directory: %w", err)
	}
	return NewJSONLines(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    rotate.MaxSizeMB,
		MaxBackups: rotate.MaxBackups,
		MaxAge:     rotate.MaxAgeDays,
		Compress:   rotate.Compress,
	}, schema), nil
}

// Deliver encodes v as one line.
func (s *JSONLines) Deliver(v ble.CharacteristicValue) error {
	field := s.schema.Lookup(v.Characteristic)
	rec := Record{
		Time:           s.now().UTC(),
		Service:        v.Service.String(),
		Characteristic: v.Characteristic.String(),
		Name:           field.Name,
		Raw:            hex.EncodeToString(v.Value),
	}
	// Raw is already hex; only carry a decoded value for numeric and text formats.
	if field.Format != FormatRaw && field.Format != FormatHex {
		if decoded, err := Decode(field.Format, v.Value); err == nil {
			rec.Value = jsonValue(decoded)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(rec); err != nil {
		return fmt.Errorf("sink: write reading: %w", err)
	}
	return nil
}

// jsonValue spells non-finite floats as strings, which JSON cannot carry as
// numbers. Sensors report NaN for an invalid sample.
func jsonValue(v any) any {
	if f, ok := v.(float32); ok {
		f64 := float64(f)
		if math.IsNaN(f64) || math.IsInf(f64, 0) {
			return strconv.FormatFloat(f64, 'g', -1, 32)
		}
	}
	return v
}

// Close closes the underlying writer when it is closable.
func (s *JSONLines) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
