package ble

import (
	"fmt"

	"github.com/google/uuid"
)

// ReadOrder selects the order in which queued characteristics are read.
type ReadOrder string

const (
	// ReadOrderFIFO reads characteristics in configuration order.
	ReadOrderFIFO ReadOrder = "fifo"
	// ReadOrderLIFO reads the last configured characteristic first.
	ReadOrderLIFO ReadOrder = "lifo"
)

// CharacteristicQueue is the ordered work-list of characteristics still to
// be read on one connection. It only shrinks.
type CharacteristicQueue struct {
	service uuid.UUID
	pending []uuid.UUID // read from the front

	peeked    uuid.UUID
	hasPeeked bool
}

// BuildQueue seeds a queue from the descriptor's characteristics.
func BuildQueue(desc ServiceDescriptor, order ReadOrder) *CharacteristicQueue {
	pending := make([]uuid.UUID, len(desc.Characteristics))
	copy(pending, desc.Characteristics)
	if order == ReadOrderLIFO {
		for i, j := 0, len(pending)-1; i < j; i, j = i+1, j-1 {
			pending[i], pending[j] = pending[j], pending[i]
		}
	}
	return &CharacteristicQueue{service: desc.Service, pending: pending}
}

// Service returns the service the queued characteristics belong to.
func (q *CharacteristicQueue) Service() uuid.UUID { return q.service }

// Next returns the characteristic to read next without removing it.
func (q *CharacteristicQueue) Next() (uuid.UUID, bool) {
	if len(q.pending) == 0 {
		return uuid.Nil, false
	}
	q.peeked = q.pending[0]
	q.hasPeeked = true
	return q.peeked, true
}

// Complete removes id from the queue. id must be the value last returned by
// Next; anything else is a programming error and panics.
func (q *CharacteristicQueue) Complete(id uuid.UUID) {
	if !q.hasPeeked || q.peeked != id || len(q.pending) == 0 || q.pending[0] != id {
		panic(fmt.Sprintf("ble: Complete(%s) does not match queue head", id))
	}
	q.pending = q.pending[1:]
	q.hasPeeked = false
}

// IsEmpty reports whether every characteristic has been completed.
func (q *CharacteristicQueue) IsEmpty() bool { return len(q.pending) == 0 }

// Len returns the number of characteristics still to read.
func (q *CharacteristicQueue) Len() int { return len(q.pending) }
