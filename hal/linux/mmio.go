//go:build linux

package linux

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/nasa-jpl/tcspc/hal"
)

// mmio is a shared mapping of a BAR.  Loads and stores go through
// sync/atomic so that each is a single 32-bit access the compiler cannot
// split, merge or reorder.
type mmio struct {
	mu sync.Mutex
	b  []byte
}

func mapFile(path string, size int) (*mmio, error) {
	fd, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, err
	}
	defer fd.Close()
	b, err := unix.Mmap(int(fd.Fd()), 0, hal.PageAlign(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	return &mmio{b: b[:size]}, nil
}

func (m *mmio) word(off uint32) *uint32 {
	if int(off)+4 > len(m.b) || off%4 != 0 {
		panic(fmt.Sprintf("register access at %#x outside a %d byte window", off, len(m.b)))
	}
	return (*uint32)(unsafe.Pointer(&m.b[off]))
}

func (m *mmio) Read32(off uint32) uint32 { return atomic.LoadUint32(m.word(off)) }

func (m *mmio) Write32(off uint32, v uint32) { atomic.StoreUint32(m.word(off), v) }

func (m *mmio) Len() int { return len(m.b) }

func (m *mmio) unmap() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.b == nil {
		return nil
	}
	err := unix.Munmap(m.b[:cap(m.b)])
	m.b = nil
	return err
}
