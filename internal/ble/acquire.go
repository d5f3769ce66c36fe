package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// AcquireOptions configures the discovery-to-disconnect sequence.
type AcquireOptions struct {
	Scan        ScanSettings
	ScanTimeout time.Duration // zero scans until ctx ends
	Machine     MachineOptions
	Attempts    int // total runs for RunWithRetry, at least 1
	BackoffMax  int // max retry backoff in seconds
	Logger      *slog.Logger
}

// DefaultAcquireOptions returns sensible defaults.
func DefaultAcquireOptions() AcquireOptions {
	return AcquireOptions{
		Scan:        DefaultScanSettings(),
		ScanTimeout: 30 * time.Second,
		Machine:     DefaultMachineOptions(),
		Attempts:    1,
		BackoffMax:  30,
	}
}

// Acquirer runs the full sequence against one adapter: availability check,
// single-shot scan, then one connection state machine.
type Acquirer struct {
	adapter Adapter
	desc    ServiceDescriptor
	sink    ReadingSink
	opts    AcquireOptions
	logger  *slog.Logger

	wait func(ctx context.Context, d time.Duration) error
}

// NewAcquirer creates an Acquirer for desc. sink may be nil.
func NewAcquirer(adapter Adapter, desc ServiceDescriptor, sink ReadingSink, opts AcquireOptions) (*Acquirer, error) {
	if adapter == nil {
		return nil, errors.New("ble: nil adapter")
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 30
	}
	if opts.Scan.Mode == "" {
		opts.Scan.Mode = ScanModeLowLatency
	}
	if opts.Scan.Match == "" {
		opts.Scan.Match = MatchModeAggressive
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Machine.Logger == nil {
		opts.Machine.Logger = logger
	}
	return &Acquirer{
		adapter: adapter,
		desc:    desc,
		sink:    sink,
		opts:    opts,
		logger:  logger,
		wait:    sleepContext,
	}, nil
}

// Validate checks that the descriptor names a service and a set of
// distinct characteristics.
func (d ServiceDescriptor) Validate() error {
	if d.Service == uuid.Nil {
		return errors.New("ble: descriptor has no service UUID")
	}
	seen := make(map[uuid.UUID]bool, len(d.Characteristics))
	for _, c := range d.Characteristics {
		if c == uuid.Nil {
			return errors.New("ble: descriptor has a nil characteristic UUID")
		}
		if seen[c] {
			return fmt.Errorf("ble: duplicate characteristic %s", c)
		}
		seen[c] = true
	}
	return nil
}

// Run performs one acquisition. It returns ErrAdapterUnavailable without
// scanning when the radio is missing or off.
func (a *Acquirer) Run(ctx context.Context) (*Result, error) {
	if !a.adapter.IsAvailable() {
		a.logger.Error("[BLE] adapter unavailable, enable Bluetooth and retry")
		return &Result{State: StateFailed, Err: ErrAdapterUnavailable}, ErrAdapterUnavailable
	}

	device, err := a.scan(ctx)
	if err != nil {
		return &Result{State: StateFailed, Err: err}, err
	}

	m := NewMachine(a.adapter, a.desc, a.sink, a.opts.Machine)
	return m.Run(ctx, device)
}

func (a *Acquirer) scan(ctx context.Context) (Device, error) {
	scanCtx := ctx
	if a.opts.ScanTimeout > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, a.opts.ScanTimeout)
		defer cancel()
	}
	session := NewScanSession(a.adapter, []uuid.UUID{a.desc.Service}, a.opts.Scan, a.logger)
	device, err := session.Acquire(scanCtx)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return Device{}, fmt.Errorf("%w: no device advertising %s within %s", ErrTimeout, a.desc.Service, a.opts.ScanTimeout)
	}
	return device, err
}

// RunWithRetry restarts the whole sequence after a failure, up to
// opts.Attempts runs with exponential backoff between them. An unavailable
// adapter is never retried.
func (a *Acquirer) RunWithRetry(ctx context.Context) (*Result, error) {
	for attempt := 0; ; attempt++ {
		// On the first attempt, run immediately; subsequent attempts use backoff.
		if attempt > 0 {
			delay := backoffDelay(attempt-1, a.opts.BackoffMax)
			a.logger.Info("[BLE] retry backoff", "attempt", attempt+1, "delay", delay)
			if err := a.wait(ctx, delay); err != nil {
				return &Result{State: StateFailed, Err: err}, err
			}
		}

		res, err := a.Run(ctx)
		if err == nil {
			return res, nil
		}
		if errors.Is(err, ErrAdapterUnavailable) || ctx.Err() != nil || attempt+1 >= a.opts.Attempts {
			return res, err
		}
		a.logger.Warn("[BLE] acquisition failed, retrying", "error", err, "attempt", attempt+1)
	}
}

// maxBackoffShift caps the exponent so 1<<attempt cannot overflow.
const maxBackoffShift = 30

// backoffDelay returns the retry delay for attempt n, capped at maxSeconds.
func backoffDelay(attempt int, maxSeconds int) time.Duration {
	if attempt > maxBackoffShift {
		attempt = maxBackoffShift
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	max := time.Duration(maxSeconds) * time.Second
	if delay > max {
		return max
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
