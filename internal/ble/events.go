package ble

import (
	"sync"

	"github.com/google/uuid"
)

// event is one discrete input to the state machine.
type event interface{ isEvent() }

type connStateEvent struct {
	status Status
	state  LinkState
}

type servicesEvent struct {
	status   Status
	services []Service
}

type readEvent struct {
	service uuid.UUID
	char    uuid.UUID
	value   []byte
	status  Status
}

type timeoutEvent struct {
	seq uint64
	op  string
}

func (connStateEvent) isEvent() {}
func (servicesEvent) isEvent()  {}
func (readEvent) isEvent()      {}
func (timeoutEvent) isEvent()   {}

// inbox is an unbounded FIFO of events. push never blocks, so adapters may
// deliver callbacks synchronously from inside a ConnectionHandle call.
type inbox struct {
	mu     sync.Mutex
	items  []event
	closed bool
	ready  chan struct{} // signalled when items becomes non-empty
}

func newInbox() *inbox {
	return &inbox{ready: make(chan struct{}, 1)}
}

func (b *inbox) push(ev event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.items = append(b.items, ev)
	b.mu.Unlock()
	select {
	case b.ready <- struct{}{}:
	default:
	}
}

func (b *inbox) drain() []event {
	b.mu.Lock()
	defer b.mu.Unlock()
	items := b.items
	b.items = nil
	return items
}

// close drops queued events and discards later pushes.
func (b *inbox) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.items = nil
}
