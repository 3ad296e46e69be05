package th260

import (
	"fmt"

	"github.com/nasa-jpl/tcspc/hal"
	"github.com/nasa-jpl/tcspc/regs"
)

// Mapping is the exclusive user mapping of a card's register bank.  While a
// Mapping is open no other can be made for the same card.  Close releases it;
// removal of the card releases it too, after which every access fails.
type Mapping struct {
	dev    *Device
	mmio   hal.MMIO
	length int
	offset uint32

	closed bool // guarded by dev.mu
}

// MapRegisters maps length bytes of the register bank.  length is rounded up
// to a whole page and may not exceed the page aligned bank size.
func (h *Handle) MapRegisters(length int) (*Mapping, error) {
	if err := h.check(); err != nil {
		return nil, err
	}
	d := h.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gone {
		return nil, ErrNoDevice
	}
	if d.busy {
		return nil, ErrBusy
	}
	d.busy = true

	if length <= 0 || hal.PageAlign(length) > hal.PageAlign(regs.WindowSize) {
		d.busy = false
		return nil, fmt.Errorf("%w: %d bytes", ErrSizeInvalid, length)
	}
	length = hal.PageAlign(length)

	start := d.fn.ResourceStart(regs.BAR)
	d.barOffset = uint32(start & (hal.PageSize - 1))

	mmio, err := d.fn.RemapUser(regs.BAR, length)
	if err != nil {
		d.busy = false
		d.log.WithError(err).Warn("remapping register bank")
		return nil, fmt.Errorf("%w: %w", ErrRemapFailed, err)
	}
	m := &Mapping{dev: d, mmio: mmio, length: length, offset: d.barOffset}
	d.mapping = m
	d.log.Debugf("mapped %d bytes of BAR %d at offset %#x", length, regs.BAR, d.barOffset)
	return m, nil
}

// WithMapping maps length bytes, calls fn, and releases the mapping when fn
// returns
func (h *Handle) WithMapping(length int, fn func(*Mapping) error) (err error) {
	m, err := h.MapRegisters(length)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := m.Close(); err == nil {
			err = cerr
		}
	}()
	return fn(m)
}

// Len is the mapped length in bytes
func (m *Mapping) Len() int { return m.length }

// Offset is the page offset of the register bank within the mapping
func (m *Mapping) Offset() uint32 { return m.offset }

func (m *Mapping) access(off uint32) error {
	if m.closed {
		return ErrMappingClosed
	}
	if off%4 != 0 || int(off)+4 > m.length {
		return fmt.Errorf("%w: offset %#x in a %d byte mapping", ErrInvalidArgument, off, m.length)
	}
	return nil
}

// Read32 reads the register at off
func (m *Mapping) Read32(off uint32) (uint32, error) {
	d := m.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := m.access(off); err != nil {
		return 0, err
	}
	return m.mmio.Read32(off), nil
}

// Write32 writes the register at off
func (m *Mapping) Write32(off uint32, v uint32) error {
	d := m.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := m.access(off); err != nil {
		return err
	}
	m.mmio.Write32(off, v)
	return nil
}

// Close releases the mapping so another can be made.  Closing twice is not
// an error.
func (m *Mapping) Close() error {
	d := m.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if m.closed {
		return nil
	}
	return d.releaseMappingLocked(m)
}

func (d *Device) releaseMappingLocked(m *Mapping) error {
	m.closed = true
	d.busy = false
	if d.mapping == m {
		d.mapping = nil
	}
	if err := d.fn.Unmap(m.mmio); err != nil {
		d.log.WithError(err).Warn("unmapping user mapping")
		return err
	}
	return nil
}
