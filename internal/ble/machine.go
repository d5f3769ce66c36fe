package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of the single managed connection.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDiscoveringServices
	StateReadingCharacteristics
	StateDisconnecting
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDiscoveringServices:
		return "discovering_services"
	case StateReadingCharacteristics:
		return "reading_characteristics"
	case StateDisconnecting:
		return "disconnecting"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is Closed or Failed.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// MachineOptions configures the connection state machine.
type MachineOptions struct {
	ReadOrder     ReadOrder
	AutoReconnect bool // passed to Adapter.Connect
	// OperationTimeout bounds each connect, discovery, read and disconnect.
	// Zero waits indefinitely.
	OperationTimeout time.Duration
	Logger           *slog.Logger
}

// DefaultMachineOptions returns FIFO reads with no operation timeout.
func DefaultMachineOptions() MachineOptions {
	return MachineOptions{
		ReadOrder: ReadOrderFIFO,
	}
}

// Result is the outcome of one acquisition attempt.
type Result struct {
	State     State
	Device    Device
	Values    []CharacteristicValue // in read-completion order
	Remaining int                   // queued characteristics abandoned on failure
	Err       error
}

// Machine owns the lifecycle of one peripheral connection: connect, discover
// services, drain the read queue one GATT read at a time, disconnect.
// Adapter callbacks are queued and applied by the goroutine running Run, so
// no two transitions ever overlap. A Machine is single-use.
type Machine struct {
	adapter Adapter
	desc    ServiceDescriptor
	sink    ReadingSink
	opts    MachineOptions
	logger  *slog.Logger

	inbox *inbox

	mu    sync.Mutex // guards state for observers outside Run
	state State

	// Fields below are confined to the Run goroutine.
	conn     ConnectionHandle
	queue    *CharacteristicQueue
	inFlight bool
	reading  uuid.UUID
	released bool

	timer *time.Timer
	opSeq uint64

	result Result
}

// NewMachine creates a state machine for desc. sink may be nil.
func NewMachine(adapter Adapter, desc ServiceDescriptor, sink ReadingSink, opts MachineOptions) *Machine {
	if opts.ReadOrder == "" {
		opts.ReadOrder = ReadOrderFIFO
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		adapter: adapter,
		desc:    desc,
		sink:    sink,
		opts:    opts,
		logger:  logger,
		inbox:   newInbox(),
	}
}

// State returns the current state. Safe for concurrent use.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Run connects to device and drives the connection until it is Closed or
// Failed. Cancelling ctx fails the run and releases the handle.
func (m *Machine) Run(ctx context.Context, device Device) (*Result, error) {
	if m.State() != StateIdle {
		return nil, errors.New("ble: state machine already used")
	}
	m.result.Device = device
	m.setState(StateConnecting)

	conn, err := m.adapter.Connect(device, m.opts.AutoReconnect, machineEvents{m})
	if err != nil {
		m.fail(fmt.Errorf("%w: connect to %s: %v", ErrConnectionFailure, device.Address, err))
		return m.finish()
	}
	m.conn = conn
	m.arm("connect")

	for !m.state.Terminal() {
		select {
		case <-m.inbox.ready:
			for _, ev := range m.inbox.drain() {
				m.handle(ev)
				if m.state.Terminal() {
					break
				}
			}
		case <-ctx.Done():
			m.fail(fmt.Errorf("ble: acquisition aborted while %s: %w", m.state, ctx.Err()))
		}
	}
	return m.finish()
}

func (m *Machine) finish() (*Result, error) {
	m.inbox.close()
	m.result.State = m.state
	if m.queue != nil {
		m.result.Remaining = m.queue.Len()
	}
	res := m.result
	return &res, res.Err
}

func (m *Machine) setState(s State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()
	m.logger.Debug("[BLE] state", "from", prev, "to", s)
}

func (m *Machine) handle(ev event) {
	switch e := ev.(type) {
	case connStateEvent:
		m.onConnectionState(e)
	case servicesEvent:
		m.onServices(e)
	case readEvent:
		m.onRead(e)
	case timeoutEvent:
		m.onTimeout(e)
	}
}

func (m *Machine) onConnectionState(e connStateEvent) {
	switch m.state {
	case StateConnecting:
		if e.status != StatusSuccess {
			m.fail(&StatusError{Op: "connect", Status: e.status, Kind: ErrConnectionFailure})
			return
		}
		switch e.state {
		case LinkConnected:
			m.disarm()
			m.setState(StateConnected)
			m.logger.Info("[BLE] connected", "address", m.result.Device.Address)
			m.discover()
		case LinkDisconnected:
			m.fail(fmt.Errorf("%w: link closed while connecting", ErrConnectionFailure))
		}
	case StateConnected, StateDiscoveringServices, StateReadingCharacteristics:
		if e.status != StatusSuccess {
			m.fail(&StatusError{Op: "connection", Status: e.status, Kind: ErrConnectionFailure})
			return
		}
		if e.state == LinkDisconnected {
			m.fail(fmt.Errorf("%w: link dropped while %s", ErrConnectionFailure, m.state))
		}
	case StateDisconnecting:
		if e.state == LinkDisconnected {
			m.close()
		}
	default:
		m.ignore(e)
	}
}

func (m *Machine) discover() {
	m.setState(StateDiscoveringServices)
	if err := m.conn.DiscoverServices(); err != nil {
		m.fail(fmt.Errorf("%w: discover services: %v", ErrConnectionFailure, err))
		return
	}
	m.arm("discover services")
}

func (m *Machine) onServices(e servicesEvent) {
	if m.state != StateDiscoveringServices {
		m.ignore(e)
		return
	}
	m.disarm()
	if e.status != StatusSuccess {
		m.fail(&StatusError{Op: "discover services", Status: e.status, Kind: ErrServiceNotFound})
		return
	}
	var svc *Service
	for i := range e.services {
		if e.services[i].UUID == m.desc.Service {
			svc = &e.services[i]
			break
		}
	}
	if svc == nil {
		m.fail(fmt.Errorf("%w: %s", ErrServiceNotFound, m.desc.Service))
		return
	}
	if svc.Characteristics != nil {
		for _, want := range m.desc.Characteristics {
			if !containsUUID(svc.Characteristics, want) {
				m.fail(fmt.Errorf("%w: %s lacks characteristic %s", ErrServiceNotFound, m.desc.Service, want))
				return
			}
		}
	}
	m.logger.Info("[BLE] services discovered", "count", len(e.services))

	m.queue = BuildQueue(m.desc, m.opts.ReadOrder)
	m.setState(StateReadingCharacteristics)
	m.readNext()
}

// readNext issues the read for the queue head, or starts disconnecting once
// the queue is drained.
func (m *Machine) readNext() {
	id, ok := m.queue.Next()
	if !ok {
		m.disconnect()
		return
	}
	if m.inFlight {
		panic("ble: read issued while another read is outstanding")
	}
	m.inFlight = true
	m.reading = id
	if err := m.conn.ReadCharacteristic(m.queue.Service(), id); err != nil {
		m.inFlight = false
		m.fail(fmt.Errorf("%w: issue read %s: %v", ErrReadFailure, id, err))
		return
	}
	m.arm("read " + id.String())
}

func (m *Machine) onRead(e readEvent) {
	if m.state != StateReadingCharacteristics || !m.inFlight {
		m.ignore(e)
		return
	}
	m.disarm()
	m.inFlight = false
	if e.char != m.reading {
		m.fail(fmt.Errorf("%w: got value for %s while reading %s", ErrReadFailure, e.char, m.reading))
		return
	}
	if e.status != StatusSuccess {
		m.fail(&StatusError{Op: "read " + e.char.String(), Status: e.status, Kind: ErrReadFailure})
		return
	}
	m.queue.Complete(e.char)

	v := CharacteristicValue{
		Service:        m.queue.Service(),
		Characteristic: e.char,
		Value:          append([]byte(nil), e.value...),
	}
	m.result.Values = append(m.result.Values, v)
	m.logger.Debug("[BLE] characteristic read", "char", e.char, "bytes", len(v.Value), "remaining", m.queue.Len())
	if m.sink != nil {
		if err := m.sink.Deliver(v); err != nil {
			m.logger.Warn("[BLE] reading sink rejected value", "char", e.char, "error", err)
		}
	}
	m.readNext()
}

func (m *Machine) disconnect() {
	m.setState(StateDisconnecting)
	if err := m.conn.Disconnect(); err != nil {
		m.logger.Warn("[BLE] disconnect request failed", "error", err)
		m.close()
		return
	}
	m.arm("disconnect")
}

func (m *Machine) onTimeout(e timeoutEvent) {
	if e.seq != m.opSeq {
		return
	}
	m.timer = nil
	if m.state == StateDisconnecting {
		m.logger.Warn("[BLE] disconnect timed out, closing anyway", "timeout", m.opts.OperationTimeout)
		m.close()
		return
	}
	m.fail(fmt.Errorf("%w: %s after %s", ErrTimeout, e.op, m.opts.OperationTimeout))
}

func (m *Machine) ignore(ev event) {
	m.logger.Debug("[BLE] ignoring event", "event", fmt.Sprintf("%T", ev), "state", m.state)
}

// close is the success-path terminal transition.
func (m *Machine) close() {
	m.disarm()
	m.setState(StateClosed)
	m.release()
	m.logger.Info("[BLE] connection closed", "values", len(m.result.Values))
}

// fail is the error-path terminal transition.
func (m *Machine) fail(err error) {
	m.disarm()
	m.result.Err = err
	m.setState(StateFailed)
	m.release()
	m.logger.Error("[BLE] acquisition failed", "error", err, "values", len(m.result.Values))
}

// release closes the connection handle. It runs at most once, and only after
// a terminal state has been entered.
func (m *Machine) release() {
	if m.released || m.conn == nil {
		return
	}
	m.released = true
	if err := m.conn.Close(); err != nil {
		m.logger.Warn("[BLE] close connection", "error", err)
	}
}

func (m *Machine) arm(op string) {
	m.disarm()
	if m.opts.OperationTimeout <= 0 {
		return
	}
	seq := m.opSeq
	m.timer = time.AfterFunc(m.opts.OperationTimeout, func() {
		m.inbox.push(timeoutEvent{seq: seq, op: op})
	})
}

func (m *Machine) disarm() {
	m.opSeq++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func containsUUID(list []uuid.UUID, id uuid.UUID) bool {
	for _, u := range list {
		if u == id {
			return true
		}
	}
	return false
}

// machineEvents adapts adapter callbacks into queued events.
type machineEvents struct{ m *Machine }

func (e machineEvents) ConnectionStateChanged(status Status, state LinkState) {
	e.m.inbox.push(connStateEvent{status: status, state: state})
}

func (e machineEvents) ServicesDiscovered(status Status, services []Service) {
	e.m.inbox.push(servicesEvent{status: status, services: services})
}

func (e machineEvents) CharacteristicRead(service, char uuid.UUID, value []byte, status Status) {
	e.m.inbox.push(readEvent{service: service, char: char, value: value, status: status})
}
