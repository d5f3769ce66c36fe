package sink

import (
	"errors"
	"sync"

	"github.com/chaz8081/blesense/internal/ble"
)

// Collector keeps every delivered reading in memory. Safe for concurrent use.
type Collector struct {
	mu     sync.Mutex
	values []ble.CharacteristicValue
}

var _ ble.ReadingSink = (*Collector)(nil)

func (c *Collector) Deliver(v ble.CharacteristicValue) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values = append(c.values, v)
	return nil
}

// Values returns a copy of the readings in delivery order.
func (c *Collector) Values() []ble.CharacteristicValue {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ble.CharacteristicValue(nil), c.values...)
}

// Len returns the number of readings collected.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.values)
}

// Multi delivers each reading to every sink in order.
type Multi []ble.ReadingSink

var _ ble.ReadingSink = Multi(nil)

// Deliver calls every sink even if an earlier one fails, and joins the errors.
func (m Multi) Deliver(v ble.CharacteristicValue) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Deliver(v); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
