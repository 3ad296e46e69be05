package sim

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/nasa-jpl/tcspc/hal"
	"github.com/nasa-jpl/tcspc/regs"
)

// statusStop is the "transfers off" bit of the reset value
const statusStop = regs.StatusReset &^ regs.StatusIntDisable

// window is a mapping of the register bank
type window struct {
	card   *Card
	size   int
	closed bool // guarded by card.mu
}

func (w *window) Len() int { return w.size }

func (w *window) Read32(off uint32) uint32 {
	c := w.card
	c.mu.Lock()
	defer c.mu.Unlock()
	if w.closed || int(off)+4 > w.size || off%4 != 0 {
		return 0xFFFFFFFF // master abort
	}
	return c.reg[off/4]
}

func (w *window) Write32(off uint32, v uint32) {
	c := w.card
	c.mu.Lock()
	defer c.mu.Unlock()
	if w.closed || int(off)+4 > w.size || off%4 != 0 {
		return
	}
	c.writeLocked(off, v)
}

func (c *Card) writeLocked(off, v uint32) {
	switch off {
	case regs.DCR:
		c.reg[off/4] = v
		if v == 1 {
			c.gen++
			if c.sticky > 0 {
				c.sticky--
			} else {
				c.reg[regs.DCSR/4] &^= regs.StatusDone
			}
		}
	case regs.DCSR:
		done := c.reg[off/4] & regs.StatusDone
		c.reg[off/4] = v&^regs.StatusDone | done
		if v&statusStop != 0 {
			c.gen++
		}
		if v&regs.StatusStart != 0 && v&regs.StatusIntDisable == 0 {
			c.startLocked()
		}
	case regs.LinkStatus, regs.Serial, regs.Serial + 4:
		// read only
	default:
		c.reg[off/4] = v
	}
}

func (c *Card) startLocked() {
	c.reg[regs.DCSR/4] &^= regs.StatusDone
	b := Burst{
		Addr:      c.reg[regs.WriteAddr/4],
		UnitSize:  c.reg[regs.WriteSize/4],
		UnitCount: c.reg[regs.WriteCount/4],
	}
	c.bursts = append(c.bursts, b)
	c.gen++
	if c.stall || (c.cfg.StallAfter > 0 && len(c.bursts) > c.cfg.StallAfter) {
		return
	}
	gen := c.gen
	time.AfterFunc(c.cfg.Latency, func() { c.complete(gen, b) })
}

func (c *Card) complete(gen int, b Burst) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	n := int(b.UnitSize) * 4 * int(b.UnitCount)
	for buf := range c.bufs {
		if uint32(buf.phys) != b.Addr {
			continue
		}
		if n > len(buf.b) {
			n = len(buf.b)
		}
		for i := 0; i+4 <= n; i += 4 {
			binary.LittleEndian.PutUint32(buf.b[i:], c.counter)
			c.counter++
		}
	}
	c.reg[regs.DCSR/4] |= regs.StatusDone
	enabled := c.reg[regs.DCSR/4]&regs.StatusIntDisable == 0
	c.mu.Unlock()
	if enabled {
		c.raise()
	}
}

func (c *Card) raise() hal.IRQReturn {
	c.mu.Lock()
	lines := make([]*irq, 0, len(c.irqs))
	for i := range c.irqs {
		lines = append(lines, i)
	}
	c.mu.Unlock()

	ret := hal.IRQNone
	for _, i := range lines {
		if i.call() == hal.IRQHandled {
			ret = hal.IRQHandled
		}
	}
	return ret
}

// buffer is DMA memory owned by a card
type buffer struct {
	card  *Card
	b     []byte
	phys  uint64
	order int
}

func (b *buffer) Bytes() []byte { return b.b }
func (b *buffer) Phys() uint64  { return b.phys }
func (b *buffer) Order() int    { return b.order }

func (b *buffer) Free() error {
	c := b.card
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.bufs[b]; !ok {
		return ErrDoubleFree
	}
	delete(c.bufs, b)
	return nil
}

// irq is an attached handler
type irq struct {
	card  *Card
	name  string
	h     hal.Handler
	mu    sync.RWMutex // held for reading while the handler runs
	freed bool
}

func (i *irq) call() hal.IRQReturn {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.freed {
		return hal.IRQNone
	}
	return i.h()
}

// Free waits for a running handler to return before detaching it
func (i *irq) Free() error {
	i.mu.Lock()
	if i.freed {
		i.mu.Unlock()
		return hal.ErrIRQFreed
	}
	i.freed = true
	i.mu.Unlock()

	c := i.card
	c.mu.Lock()
	delete(c.irqs, i)
	c.mu.Unlock()
	return nil
}
