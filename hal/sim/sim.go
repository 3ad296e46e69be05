/*Package sim is a behavioral model of a TH260 PCIe card behind the hal
interfaces.

It models the parts of the card the driver core relies on: the register
bank with its control, status and DMA registers, a DMA engine that writes
UnitSize*4*UnitCount bytes of a running 32-bit counter into the host buffer
after a short latency, and a completion interrupt delivered from its own
goroutine.  Host services can be made to fail one at a time so that every
rollback path of the driver can be exercised, and the card keeps track of
every resource it has handed out so that leaks are visible to tests.

Basic usage:

	card := sim.NewCard(sim.Config{Serial: "1042177"})
	bus := sim.NewBus(card)
	fns, _ := bus.Scan([]hal.ID{{Vendor: 0x10EE, Device: 0x1012}})
*/
package sim

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nasa-jpl/tcspc/hal"
	"github.com/nasa-jpl/tcspc/regs"
)

// Fault selects a host service that fails
type Fault uint

const (
	// FailEnable makes Enable fail
	FailEnable Fault = 1 << iota
	// FailRegion makes RequestRegion fail
	FailRegion
	// FailMap makes MapRegion fail
	FailMap
	// FailDMAMask makes SetDMAMask fail
	FailDMAMask
	// FailIRQ makes RequestIRQ fail
	FailIRQ
	// FailRemap makes RemapUser fail
	FailRemap
)

var (
	// ErrInjected is returned by a service selected in Config.Fail
	ErrInjected = errors.New("sim: injected failure")

	// ErrRegionBusy is generated when a BAR is requested twice
	ErrRegionBusy = errors.New("sim: region already requested")

	// ErrDoubleFree is generated when a buffer or mapping is released twice
	ErrDoubleFree = errors.New("sim: resource released twice")
)

// ID is the vendor/device pair the model answers to
var ID = hal.ID{Vendor: 0x10EE, Device: 0x1012}

// Config parameterizes a simulated card
type Config struct {
	// Name is the bus address, defaults to 0000:03:00.0
	Name string

	// Serial is up to 7 ASCII characters
	Serial string

	// PayloadCode is the link status field, max payload is 32 << PayloadCode bytes
	PayloadCode uint32

	// BarStart is the physical address of BAR 0.  It need not be page aligned.
	BarStart uint64

	// IOBar makes BAR 0 decode I/O ports instead of memory
	IOBar bool

	// Latency is the time from start to completion of a burst
	Latency time.Duration

	// MaxOrder is the largest DMA buffer order the host can satisfy
	MaxOrder int

	// StallAfter makes every burst after the first StallAfter hang.
	// Zero lets every burst complete.
	StallAfter int

	// Fail selects host services that fail
	Fail Fault
}

// Burst is a burst as the card saw it programmed
type Burst struct {
	Addr      uint32
	UnitSize  uint32
	UnitCount uint32
}

// Card is a simulated TH260
type Card struct {
	cfg Config

	mu      sync.Mutex
	reg     [regs.WindowSize / 4]uint32
	enabled bool
	region  bool
	master  bool
	maps    int
	bufs    map[*buffer]struct{}
	irqs    map[*irq]struct{}
	bursts  []Burst
	counter uint32
	gen     int // incremented to cancel an in-flight burst
	stall   bool
	sticky  int
}

// NewCard creates a card.  Zero fields of cfg take defaults.
func NewCard(cfg Config) *Card {
	if cfg.Name == "" {
		cfg.Name = "0000:03:00.0"
	}
	if cfg.Serial == "" {
		cfg.Serial = "1000000"
	}
	if cfg.BarStart == 0 {
		cfg.BarStart = 0xF7C0_0000
	}
	if cfg.Latency == 0 {
		cfg.Latency = time.Millisecond
	}
	if cfg.MaxOrder == 0 {
		cfg.MaxOrder = 7
	}
	c := &Card{
		cfg:  cfg,
		bufs: make(map[*buffer]struct{}),
		irqs: make(map[*irq]struct{}),
	}
	var serial [8]byte
	copy(serial[:7], cfg.Serial)
	serial[7] = ' ' // the driver must not trust the terminator
	c.reg[regs.Serial/4] = binary.LittleEndian.Uint32(serial[:4])
	c.reg[regs.Serial/4+1] = binary.LittleEndian.Uint32(serial[4:])
	c.reg[regs.LinkStatus/4] = (cfg.PayloadCode&7)<<8 | 0x10 // link up, width x1
	return c
}

// Name implements hal.Function
func (c *Card) Name() string { return c.cfg.Name }

// ID implements hal.Function
func (c *Card) ID() hal.ID { return ID }

// Enable implements hal.Function
func (c *Card) Enable() error {
	if c.cfg.Fail&FailEnable != 0 {
		return ErrInjected
	}
	c.mu.Lock()
	c.enabled = true
	c.mu.Unlock()
	return nil
}

// Disable implements hal.Function
func (c *Card) Disable() {
	c.mu.Lock()
	c.enabled = false
	c.mu.Unlock()
}

// RequestRegion implements hal.Function
func (c *Card) RequestRegion(bar int) error {
	if c.cfg.Fail&FailRegion != 0 {
		return ErrInjected
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.region {
		return ErrRegionBusy
	}
	c.region = true
	return nil
}

// ReleaseRegion implements hal.Function
func (c *Card) ReleaseRegion(bar int) {
	c.mu.Lock()
	c.region = false
	c.mu.Unlock()
}

// ResourceStart implements hal.Function
func (c *Card) ResourceStart(bar int) uint64 { return c.cfg.BarStart }

// ResourceIsMem implements hal.Function
func (c *Card) ResourceIsMem(bar int) bool { return !c.cfg.IOBar }

// MapRegion implements hal.Function
func (c *Card) MapRegion(bar int, size int) (hal.MMIO, error) {
	if c.cfg.Fail&FailMap != 0 {
		return nil, ErrInjected
	}
	return c.newWindow(size), nil
}

// RemapUser implements hal.Function
func (c *Card) RemapUser(bar int, length int) (hal.MMIO, error) {
	if c.cfg.Fail&FailRemap != 0 {
		return nil, ErrInjected
	}
	return c.newWindow(length), nil
}

func (c *Card) newWindow(size int) *window {
	if size > regs.WindowSize {
		size = regs.WindowSize
	}
	c.mu.Lock()
	c.maps++
	c.mu.Unlock()
	return &window{card: c, size: size}
}

// Unmap implements hal.Function
func (c *Card) Unmap(m hal.MMIO) error {
	w, ok := m.(*window)
	if !ok || w.card != c {
		return fmt.Errorf("sim: %T is not a mapping of %s", m, c.cfg.Name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if w.closed {
		return ErrDoubleFree
	}
	w.closed = true
	c.maps--
	return nil
}

// AllocDMA implements hal.Function
func (c *Card) AllocDMA(order int) (hal.DMABuffer, error) {
	if order > c.cfg.MaxOrder || order < 0 {
		return nil, hal.ErrNoMemory
	}
	b := &buffer{
		card:  c,
		b:     make([]byte, hal.PageSize<<order),
		phys:  0x1000_0000,
		order: order,
	}
	c.mu.Lock()
	c.bufs[b] = struct{}{}
	c.mu.Unlock()
	return b, nil
}

// SetMaster implements hal.Function
func (c *Card) SetMaster(enable bool) {
	c.mu.Lock()
	c.master = enable
	c.mu.Unlock()
}

// SetDMAMask implements hal.Function
func (c *Card) SetDMAMask(bits int) error {
	if c.cfg.Fail&FailDMAMask != 0 {
		return ErrInjected
	}
	if bits < 32 {
		return fmt.Errorf("sim: %d bit DMA mask cannot reach the buffer", bits)
	}
	return nil
}

// RequestIRQ implements hal.Function.  The line is shared: several
// handlers may be attached at once.
func (c *Card) RequestIRQ(name string, h hal.Handler) (hal.IRQ, error) {
	if c.cfg.Fail&FailIRQ != 0 {
		return nil, ErrInjected
	}
	i := &irq{card: c, name: name, h: h}
	c.mu.Lock()
	c.irqs[i] = struct{}{}
	c.mu.Unlock()
	return i, nil
}

// SetFail changes the injected failures
func (c *Card) SetFail(f Fault) {
	c.mu.Lock()
	c.cfg.Fail = f
	c.mu.Unlock()
}

// SetStall makes started bursts never complete
func (c *Card) SetStall(stall bool) {
	c.mu.Lock()
	c.stall = stall
	c.mu.Unlock()
}

// SetStickyAcks makes the completion bit survive the next n initiator resets
func (c *Card) SetStickyAcks(n int) {
	c.mu.Lock()
	c.sticky = n
	c.mu.Unlock()
}

// Bursts returns every burst started so far
func (c *Card) Bursts() []Burst {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Burst, len(c.bursts))
	copy(out, c.bursts)
	return out
}

// Register returns the raw value of a register
func (c *Card) Register(off uint32) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reg[off/4]
}

// Spurious raises the shared interrupt line without the card having
// anything to report, as another device on the line would.  It returns
// IRQHandled if any attached handler claimed it.
func (c *Card) Spurious() hal.IRQReturn {
	return c.raise()
}

// Leaks lists host resources currently held against the card
func (c *Card) Leaks() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	if c.enabled {
		out = append(out, "device enabled")
	}
	if c.region {
		out = append(out, "region requested")
	}
	if c.master {
		out = append(out, "bus master")
	}
	if c.maps != 0 {
		out = append(out, fmt.Sprintf("%d mappings", c.maps))
	}
	if len(c.bufs) != 0 {
		out = append(out, fmt.Sprintf("%d DMA buffers", len(c.bufs)))
	}
	if len(c.irqs) != 0 {
		out = append(out, fmt.Sprintf("%d interrupt handlers", len(c.irqs)))
	}
	return out
}

// Bus is a set of simulated cards
type Bus struct {
	Cards []*Card
}

// NewBus creates a bus holding cards
func NewBus(cards ...*Card) *Bus {
	return &Bus{Cards: cards}
}

// Scan implements hal.Bus
func (b *Bus) Scan(ids []hal.ID) ([]hal.Function, error) {
	var out []hal.Function
	for _, c := range b.Cards {
		for _, id := range ids {
			if c.ID() == id {
				out = append(out, c)
				break
			}
		}
	}
	return out, nil
}
