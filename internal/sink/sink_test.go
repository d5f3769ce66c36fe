package sink

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/blesense/internal/ble"
)

func climateSchema() Schema {
	return Schema{
		ble.TemperatureCharUUID: {Name: "temperature", Format: FormatInt8},
		ble.HumidityCharUUID:    {Name: "humidity", Format: FormatUint8},
	}
}

func reading(char uuid.UUID, value ...byte) ble.CharacteristicValue {
	return ble.CharacteristicValue{Service: ble.ClimateServiceUUID, Characteristic: char, Value: value}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		format  Format
		raw     []byte
		want    any
		wantErr bool
	}{
		{FormatUint8, []byte{0x3c}, uint8(60), false},
		{FormatInt8, []byte{0xfe}, int8(-2), false},
		{FormatUint16LE, []byte{0x34, 0x12}, uint16(0x1234), false},
		{FormatInt16LE, []byte{0xff, 0xff}, int16(-1), false},
		{FormatUint32LE, []byte{0x01, 0, 0, 0}, uint32(1), false},
		{FormatInt32LE, []byte{0xfe, 0xff, 0xff, 0xff}, int32(-2), false},
		{FormatFloat32LE, []byte{0x00, 0x00, 0xc0, 0x3f}, float32(1.5), false},
		{FormatHex, []byte{0xde, 0xad}, "dead", false},
		{FormatUTF8, []byte("21C"), "21C", false},
		{FormatUTF8, []byte{0xff}, nil, true},
		{FormatUint16LE, []byte{0x01}, nil, true},
		{FormatInt8, nil, nil, true},
		{Format("bcd"), []byte{0x01}, nil, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			got, err := Decode(tt.format, tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Decode(%s, %x) error = %v, wantErr %v", tt.format, tt.raw, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("Decode(%s, %x) = %v (%T), want %v (%T)", tt.format, tt.raw, got, got, tt.want, tt.want)
			}
		})
	}
}

func TestDecodeRawCopies(t *testing.T) {
	raw := []byte{1, 2}
	got, err := Decode(FormatRaw, raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	raw[0] = 9
	if got.([]byte)[0] != 1 {
		t.Error("Decode(raw) aliases its input")
	}
}

func TestFormatValid(t *testing.T) {
	for _, f := range Formats {
		if !f.Valid() {
			t.Errorf("%q should be valid", f)
		}
	}
	if Format("float64").Valid() {
		t.Error(`"float64" should not be valid`)
	}
}

func TestSchemaLookupFallback(t *testing.T) {
	f := climateSchema().Lookup(ble.PressureCharUUID)
	if f.Name != ble.PressureCharUUID.String() || f.Format != FormatRaw {
		t.Errorf("Lookup() = %+v, want UUID name and raw format", f)
	}
}

func TestJSONLinesWritesRecords(t *testing.T) {
	var buf bytes.Buffer
	s := NewJSONLines(&buf, climateSchema())
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	if err := s.Deliver(reading(ble.TemperatureCharUUID, 0x17)); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if err := s.Deliver(reading(ble.PressureCharUUID, 0x02)); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	sc := bufio.NewScanner(&buf)
	var recs []map[string]any
	for sc.Scan() {
		var rec map[string]any
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("line %q is not JSON: %v", sc.Text(), err)
		}
		recs = append(recs, rec)
	}
	if len(recs) != 2 {
		t.Fatalf("wrote %d lines, want 2", len(recs))
	}
	if recs[0]["name"] != "temperature" || recs[0]["value"] != float64(23) || recs[0]["raw"] != "17" {
		t.Errorf("first record = %v", recs[0])
	}
	if recs[0]["time"] != "2026-01-02T03:04:05Z" {
		t.Errorf("time = %v", recs[0]["time"])
	}
	if _, ok := recs[1]["value"]; ok {
		t.Errorf("raw-format record should omit value, got %v", recs[1])
	}
}

func TestJSONLinesNonFiniteFloat(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
		want string
	}{
		{"nan", []byte{0x00, 0x00, 0xc0, 0x7f}, "NaN"},
		{"positive infinity", []byte{0x00, 0x00, 0x80, 0x7f}, "+Inf"},
		{"negative infinity", []byte{0x00, 0x00, 0x80, 0xff}, "-Inf"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			s := NewJSONLines(&buf, Schema{ble.PressureCharUUID: {Name: "pressure", Format: FormatFloat32LE}})

			if err := s.Deliver(reading(ble.PressureCharUUID, tt.raw...)); err != nil {
				t.Fatalf("Deliver() error = %v", err)
			}
			var rec map[string]any
			if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
				t.Fatalf("record %q is not JSON: %v", buf.String(), err)
			}
			if rec["value"] != tt.want {
				t.Errorf("value = %v, want %q", rec["value"], tt.want)
			}
			if rec["raw"] == "" {
				t.Error("raw bytes missing from record")
			}
		})
	}
}

func TestRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "readings.jsonl")
	s, err := NewRotatingFile(path, RotateOptions{MaxSizeMB: 1}, climateSchema())
	if err != nil {
		t.Fatalf("NewRotatingFile() error = %v", err)
	}
	if err := s.Deliver(reading(ble.HumidityCharUUID, 0x3c)); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read readings file: %v", err)
	}
	if !strings.Contains(string(data), `"name":"humidity"`) {
		t.Errorf("readings file = %q, want humidity record", data)
	}
}

func TestRotatingFileRequiresPath(t *testing.T) {
	if _, err := NewRotatingFile("", RotateOptions{}, nil); err == nil {
		t.Error("NewRotatingFile(\"\") should fail")
	}
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	s := NewLog(logger, climateSchema())

	if err := s.Deliver(reading(ble.TemperatureCharUUID, 0x17)); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if err := s.Deliver(reading(ble.HumidityCharUUID, 0x01, 0x02)); err != nil {
		t.Fatalf("Deliver() with undecodable value error = %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "name=temperature value=23") {
		t.Errorf("log output missing decoded temperature: %q", out)
	}
	if !strings.Contains(out, "decode_error") {
		t.Errorf("log output missing decode error: %q", out)
	}
}

type failingSink struct{ calls int }

func (f *failingSink) Deliver(ble.CharacteristicValue) error {
	f.calls++
	return errors.New("disk full")
}

func TestMultiDeliversToAll(t *testing.T) {
	failing := &failingSink{}
	collector := &Collector{}
	m := Multi{failing, nil, collector}

	err := m.Deliver(reading(ble.TemperatureCharUUID, 0x17))
	if err == nil {
		t.Error("Multi.Deliver() should report the failing sink")
	}
	if failing.calls != 1 || collector.Len() != 1 {
		t.Errorf("calls = %d, collected = %d, want 1 and 1", failing.calls, collector.Len())
	}
}

func TestCollectorValuesCopy(t *testing.T) {
	c := &Collector{}
	_ = c.Deliver(reading(ble.TemperatureCharUUID, 0x17))
	vals := c.Values()
	vals[0].Value = nil
	if c.Values()[0].Value == nil {
		t.Error("Values() exposes internal storage")
	}
}
