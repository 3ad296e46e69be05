package sim

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/nasa-jpl/tcspc/hal"
	"github.com/nasa-jpl/tcspc/regs"
)

func TestBurstFillsBufferAndInterrupts(t *testing.T) {
	c := NewCard(Config{})
	m, err := c.MapRegion(0, regs.WindowSize)
	if err != nil {
		t.Fatal(err)
	}
	buf, err := c.AllocDMA(0)
	if err != nil {
		t.Fatal(err)
	}
	fired := make(chan struct{}, 1)
	irq, err := c.RequestIRQ("test", func() hal.IRQReturn {
		fired <- struct{}{}
		return hal.IRQHandled
	})
	if err != nil {
		t.Fatal(err)
	}

	w := regs.New(m)
	w.SetTargetAddr(uint32(buf.Phys()))
	w.SetUnitSize(4)
	w.SetUnitCount(2)
	w.SetStatus(regs.StatusStart)
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("no interrupt")
	}
	if w.Status()&regs.StatusDone == 0 {
		t.Error("done bit not set")
	}
	for i := 0; i < 8; i++ {
		if v := binary.LittleEndian.Uint32(buf.Bytes()[4*i:]); v != uint32(i) {
			t.Errorf("word %d: got %d", i, v)
		}
	}
	if v := binary.LittleEndian.Uint32(buf.Bytes()[32:]); v != 0 {
		t.Errorf("wrote past the burst: %d", v)
	}
	w.PulseInitiatorReset()
	if w.Status()&regs.StatusDone != 0 {
		t.Error("initiator reset did not clear done")
	}

	irq.Free()
	if err := irq.Free(); !errors.Is(err, hal.ErrIRQFreed) {
		t.Errorf("expected ErrIRQFreed, got %v", err)
	}
	buf.Free()
	c.Unmap(m)
	if leaks := c.Leaks(); len(leaks) != 0 {
		t.Errorf("leaked %v", leaks)
	}
}

func TestMaskedBurstDoesNotInterrupt(t *testing.T) {
	c := NewCard(Config{})
	m, _ := c.MapRegion(0, regs.WindowSize)
	called := make(chan struct{}, 1)
	irq, _ := c.RequestIRQ("test", func() hal.IRQReturn {
		called <- struct{}{}
		return hal.IRQHandled
	})
	defer irq.Free()
	w := regs.New(m)
	w.SetUnitSize(2)
	w.SetUnitCount(1)
	w.SetStatus(regs.StatusStart)
	w.Reset()
	select {
	case <-called:
		t.Error("interrupt after reset")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestClosedWindowAborts(t *testing.T) {
	c := NewCard(Config{Serial: "ABC"})
	m, _ := c.MapRegion(0, regs.WindowSize)
	if v := m.Read32(regs.Serial); v != 0x00434241 {
		t.Errorf("serial low word %#x", v)
	}
	c.Unmap(m)
	if v := m.Read32(regs.Serial); v != 0xFFFFFFFF {
		t.Errorf("expected master abort, got %#x", v)
	}
	if err := c.Unmap(m); !errors.Is(err, ErrDoubleFree) {
		t.Errorf("expected ErrDoubleFree, got %v", err)
	}
}

func TestInjectedFaults(t *testing.T) {
	c := NewCard(Config{Fail: FailEnable | FailIRQ})
	if err := c.Enable(); !errors.Is(err, ErrInjected) {
		t.Errorf("enable: %v", err)
	}
	if _, err := c.RequestIRQ("x", nil); !errors.Is(err, ErrInjected) {
		t.Errorf("irq: %v", err)
	}
	if _, err := c.AllocDMA(8); !errors.Is(err, hal.ErrNoMemory) {
		t.Errorf("alloc: %v", err)
	}
	if err := c.RequestRegion(0); err != nil {
		t.Fatal(err)
	}
	if err := c.RequestRegion(0); !errors.Is(err, ErrRegionBusy) {
		t.Errorf("second request: %v", err)
	}
}

func TestScanMatchesIDs(t *testing.T) {
	bus := NewBus(NewCard(Config{}), NewCard(Config{Name: "0000:04:00.0"}))
	fns, _ := bus.Scan([]hal.ID{ID})
	if len(fns) != 2 {
		t.Errorf("expected 2 functions, got %d", len(fns))
	}
	fns, _ = bus.Scan([]hal.ID{{Vendor: 0x8086, Device: 1}})
	if len(fns) != 0 {
		t.Errorf("expected no functions, got %d", len(fns))
	}
}
