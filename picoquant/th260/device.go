package th260

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nasa-jpl/tcspc/dma"
	"github.com/nasa-jpl/tcspc/hal"
	"github.com/nasa-jpl/tcspc/regs"
)

// TransferState is the progress of the burst in flight
type TransferState struct {
	// Requested is the byte count of the burst in flight, zeroed on completion
	Requested uint32

	// Completed is the number of bytes the card reported written
	Completed uint32

	// Signaled is set by the interrupt handler on completion
	Signaled bool
}

// Device is one attached card.  It is owned by the Registry for as long as
// the card is attached.
type Device struct {
	slot int
	fn   hal.Function
	name string
	log  *logrus.Entry

	// set while attaching, immutable afterwards
	timeout       time.Duration
	regs          *regs.Window
	serial        uint64
	maxBurstUnits uint32
	buf           hal.DMABuffer
	irq           hal.IRQ

	// rd serializes readers so that one burst at most is in flight
	rd sync.Mutex
	// ops is held for reading by operations that use the DMA buffer and
	// for writing by removal once the card is gone
	ops sync.RWMutex

	mu        sync.Mutex
	state     State
	gone      bool
	busy      bool
	barOffset uint32
	mapping   *Mapping
	xfer      TransferState

	wake    chan struct{} // one slot, filled by the interrupt handler
	removed chan struct{} // closed when removal begins
}

func newDevice(slot int, fn hal.Function) *Device {
	return &Device{
		slot:    slot,
		fn:      fn,
		log:     logrus.NewEntry(logrus.StandardLogger()),
		wake:    make(chan struct{}, 1),
		removed: make(chan struct{}),
	}
}

// Slot is the registry index of the device
func (d *Device) Slot() int { return d.slot }

// Name is the node name
func (d *Device) Name() string { return d.name }

// Function is the bound PCI function
func (d *Device) Function() hal.Function { return d.fn }

// Serial is the serial number read at attach
func (d *Device) Serial() uint64 { return d.serial }

// MaxBurstUnits is the largest transaction unit, in 32-bit words
func (d *Device) MaxBurstUnits() uint32 { return d.maxBurstUnits }

// BufferSize is the capacity of the DMA buffer in bytes
func (d *Device) BufferSize() int {
	if d.buf == nil {
		return 0
	}
	return len(d.buf.Bytes())
}

// State is how far the device lifecycle has progressed
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// TransferState returns a snapshot of the transfer state
func (d *Device) TransferState() TransferState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.xfer
}

// Busy is true while the register window is mapped
func (d *Device) Busy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.busy
}

func (d *Device) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// interrupt is the completion handler.  It runs on the backend's interrupt
// goroutine and shares only xfer and wake with the reader.
func (d *Device) interrupt() hal.IRQReturn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.regs == nil {
		return hal.IRQNone
	}

	dcsr := d.regs.Status()
	if dcsr&regs.StatusDone == 0 {
		return hal.IRQNone
	}

	// the done bit can come back before we see it cleared
	spins := 0
	for dcsr&regs.StatusDone != 0 {
		if spins == maxAckSpins {
			d.log.Warnf("completion bit still set after %d acknowledges", spins)
			break
		}
		d.regs.SetStatus(dcsr | regs.StatusIntDisable)
		d.regs.PulseInitiatorReset()
		dcsr = d.regs.Status()
		spins++
	}

	d.xfer.Completed += d.xfer.Requested
	d.xfer.Requested = 0
	d.xfer.Signaled = true
	select {
	case d.wake <- struct{}{}:
	default:
	}
	return hal.IRQHandled
}

// start clears the transfer state and programs one burst
func (d *Device) start(b dma.Burst) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gone {
		return ErrNoDevice
	}
	d.xfer = TransferState{Requested: b.ByteCount}
	select {
	case <-d.wake:
	default:
	}
	d.log.Debugf("burst of %d bytes, %d units of %d words", b.ByteCount, b.UnitCount, b.UnitSize)
	dma.Start(d.regs, uint32(d.buf.Phys()), b)
	return nil
}

// wait blocks until the burst completes, the context is done, the burst
// times out or the device is removed.  It returns the completed byte count.
// A cancelled context with nothing completed returns 0 and a nil error.
func (d *Device) wait(ctx context.Context) (int, error) {
	timer := time.NewTimer(d.timeout)
	defer timer.Stop()
	select {
	case <-d.wake:
	case <-ctx.Done():
	case <-timer.C:
	case <-d.removed:
		return 0, ErrNoDevice
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gone {
		return 0, ErrNoDevice
	}
	if !d.xfer.Signaled {
		// nothing came back, make sure it never does
		d.regs.Reset()
		if ctx.Err() != nil {
			return 0, nil
		}
		d.log.Warnf("read: burst of %d bytes timed out after %v", d.xfer.Requested, d.timeout)
		return 0, ErrTimedOut
	}
	return int(d.xfer.Completed), nil
}

// quiesce disables interrupts and transfers and forgets the burst in flight
func (d *Device) quiesce() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.regs != nil {
		d.regs.Reset()
	}
	d.xfer = TransferState{}
}
