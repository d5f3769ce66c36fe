package sink

import (
	"log/slog"

	"github.com/chaz8081/blesense/internal/ble"
)

// Log writes one structured log line per reading.
type Log struct {
	logger *slog.Logger
	schema Schema
}

// Compile-time interface satisfaction check.
var _ ble.ReadingSink = (*Log)(nil)

// NewLog creates a Log sink. A nil logger uses slog.Default.
func NewLog(logger *slog.Logger, schema Schema) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger, schema: schema}
}

// Deliver logs v with its decoded value. Undecodable values are logged raw.
func (l *Log) Deliver(v ble.CharacteristicValue) error {
	field := l.schema.Lookup(v.Characteristic)
	decoded, err := Decode(field.Format, v.Value)
	if err != nil {
		l.logger.Warn("reading", "name", field.Name, "raw", v.Value, "decode_error", err)
		return nil
	}
	l.logger.Info("reading", "name", field.Name, "value", decoded, "char", v.Characteristic)
	return nil
}
