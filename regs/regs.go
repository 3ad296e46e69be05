// Package regs is the register interface of the TH260 PCIe bridge, a 64 KiB
// memory window on BAR 0.
package regs

import (
	"errors"
	"fmt"

	"github.com/nasa-jpl/tcspc/hal"
)

const (
	// BAR is the index of the register bank
	BAR = 0

	// WindowSize is the size of the register bank in bytes
	WindowSize = 65536

	// DCR is the device control register
	DCR uint32 = 0x0
	// DCSR is the DMA control/status register
	DCSR uint32 = 0x4
	// WriteAddr holds the bus address the card writes to
	WriteAddr uint32 = 0x8
	// WriteSize holds the transaction unit size, in 32-bit words
	WriteSize uint32 = 0xC
	// WriteCount holds the number of transaction units in a burst
	WriteCount uint32 = 0x10
	// LinkStatus reports the negotiated link parameters
	LinkStatus uint32 = 0x40
	// Serial is the first of two words holding the 8 byte ASCII serial number.
	// It is not 8 byte aligned.
	Serial uint32 = 0x140
)

const (
	// StatusStart enables the interrupt and starts the programmed burst
	StatusStart uint32 = 0x1

	// StatusIntDisable masks the completion interrupt
	StatusIntDisable uint32 = 0x80

	// StatusDone is set by the card when a burst has been written to host memory
	StatusDone uint32 = 0x100

	// StatusReset is written to DCSR to disable interrupts and stop transfers
	StatusReset uint32 = 0x800080
)

// ErrMapFailed is generated when the register bank cannot be mapped
var ErrMapFailed = errors.New("cannot map register window")

// Window is the mapped register bank of one card
type Window struct {
	mmio hal.MMIO
}

// Map establishes the register window over BAR 0 of fn
func Map(fn hal.Function) (*Window, error) {
	if !fn.ResourceIsMem(BAR) {
		return nil, fmt.Errorf("%w: %v", ErrMapFailed, hal.ErrNotMemory)
	}
	m, err := fn.MapRegion(BAR, WindowSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMapFailed, err)
	}
	return &Window{mmio: m}, nil
}

// New wraps an existing mapping.  It does not take ownership.
func New(m hal.MMIO) *Window {
	return &Window{mmio: m}
}

// Unmap releases the window.  The Window must not be used afterwards.
func (w *Window) Unmap(fn hal.Function) error {
	if w.mmio == nil {
		return nil
	}
	err := fn.Unmap(w.mmio)
	w.mmio = nil
	return err
}

// Control reads DCR
func (w *Window) Control() uint32 { return w.mmio.Read32(DCR) }

// SetControl writes DCR
func (w *Window) SetControl(v uint32) { w.mmio.Write32(DCR, v) }

// Status reads DCSR
func (w *Window) Status() uint32 { return w.mmio.Read32(DCSR) }

// SetStatus writes DCSR
func (w *Window) SetStatus(v uint32) { w.mmio.Write32(DCSR, v) }

// SetTargetAddr writes the DMA target bus address
func (w *Window) SetTargetAddr(v uint32) { w.mmio.Write32(WriteAddr, v) }

// SetUnitSize writes the DMA transaction unit size, in words
func (w *Window) SetUnitSize(v uint32) { w.mmio.Write32(WriteSize, v) }

// SetUnitCount writes the number of DMA transaction units
func (w *Window) SetUnitCount(v uint32) { w.mmio.Write32(WriteCount, v) }

// LinkStatus reads the link parameter status register
func (w *Window) LinkStatus() uint32 { return w.mmio.Read32(LinkStatus) }

// PulseInitiatorReset writes 1 then 0 to DCR, which resets the DMA initiator
// and clears a pending completion
func (w *Window) PulseInitiatorReset() {
	w.SetControl(1)
	w.SetControl(0)
}

// Reset disables interrupts, stops transfers, and resets the initiator
func (w *Window) Reset() {
	w.SetStatus(StatusReset)
	w.PulseInitiatorReset()
}

// Serial reads the serial number as two 32-bit halves, low word first.
// The last of the 8 ASCII bytes is a terminator and is forced to zero.
func (w *Window) Serial() uint64 {
	lo := uint64(w.mmio.Read32(Serial))
	hi := uint64(w.mmio.Read32(Serial + 4))
	return (hi<<32 | lo) &^ (0xFF << 56)
}

// MaxPayloadBytes decodes the negotiated maximum payload, 32 << bits[10:8]
func (w *Window) MaxPayloadBytes() uint32 {
	return 32 << ((w.LinkStatus() >> 8) & 7)
}

// SerialString renders a serial number read by Serial as its ASCII text
func SerialString(serial uint64) string {
	b := make([]byte, 0, 8)
	for i := 0; i < 8; i++ {
		c := byte(serial >> (8 * i))
		if c == 0 {
			break
		}
		b = append(b, c)
	}
	return string(b)
}
