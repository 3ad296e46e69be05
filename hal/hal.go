/*Package hal describes the host services a PCIe card driver needs.

A driver in this module never touches /sys, /dev or a simulated card directly.
It is handed a Function, which is one detected PCI function, and asks it to
enable the device, reserve and map BARs, allocate a DMA buffer and attach an
interrupt handler.  Two implementations exist: package sim, a behavioral
model of the card used by tests and mock servers, and package linux, which
uses sysfs, uio_pci_generic and u-dma-buf.

Interrupt handlers are invoked from a goroutine owned by the backend, never
from the goroutine that called into the driver.
*/
package hal

import "errors"

// PageSize is the host page size assumed for DMA buffers and BAR mappings
const PageSize = 4096

var (
	// ErrNotMemory is generated when a BAR is an I/O port region and cannot be mapped
	ErrNotMemory = errors.New("BAR is not a memory region")

	// ErrNoMemory is generated when a DMA buffer of the requested order is not available
	ErrNoMemory = errors.New("cannot allocate DMA memory")

	// ErrIRQFreed is generated when an interrupt is freed twice
	ErrIRQFreed = errors.New("interrupt already freed")
)

// ID is a PCI vendor/device pair
type ID struct {
	Vendor uint16
	Device uint16
}

// MMIO is a window of device memory.  Every access is a single, ordered,
// uncached 32-bit load or store.
type MMIO interface {
	Read32(off uint32) uint32
	Write32(off uint32, v uint32)
	Len() int
}

// DMABuffer is a physically contiguous region of 2^Order pages that the
// device can write into
type DMABuffer interface {
	Bytes() []byte
	Phys() uint64
	Order() int
	Free() error
}

// IRQReturn tells the backend whether a handler serviced an interrupt
type IRQReturn int

const (
	// IRQNone means the interrupt did not come from this device
	IRQNone IRQReturn = iota

	// IRQHandled means the interrupt was ours and has been acknowledged
	IRQHandled
)

// Handler is an interrupt handler.  It must not block or allocate.
type Handler func() IRQReturn

// IRQ is a registered interrupt.  After Free returns, its handler is never
// invoked again.
type IRQ interface {
	Free() error
}

// Function is one PCI function.
type Function interface {
	// Name is the bus address, e.g. 0000:03:00.0
	Name() string

	// ID returns the vendor and device id
	ID() ID

	Enable() error
	Disable()

	// RequestRegion reserves a BAR for exclusive use by the caller
	RequestRegion(bar int) error
	ReleaseRegion(bar int)

	// ResourceStart is the physical bus address of a BAR
	ResourceStart(bar int) uint64

	// ResourceIsMem is true if the BAR decodes memory, not I/O ports
	ResourceIsMem(bar int) bool

	// MapRegion maps size bytes of a BAR for the driver's own use
	MapRegion(bar int, size int) (MMIO, error)
	Unmap(MMIO) error

	// RemapUser creates an additional mapping of a BAR that is handed out
	// to a consumer outside the driver
	RemapUser(bar int, length int) (MMIO, error)

	// AllocDMA allocates a buffer of 2^order pages
	AllocDMA(order int) (DMABuffer, error)

	SetMaster(enable bool)
	SetDMAMask(bits int) error

	// RequestIRQ attaches h to the function's (possibly shared) interrupt line
	RequestIRQ(name string, h Handler) (IRQ, error)
}

// Bus enumerates functions
type Bus interface {
	Scan(ids []ID) ([]Function, error)
}

// Order returns the smallest order such that 2^order pages hold n bytes
func Order(n int) int {
	order := 0
	for (PageSize << order) < n {
		order++
	}
	return order
}

// PageAlign rounds n up to a multiple of PageSize
func PageAlign(n int) int {
	return (n + PageSize - 1) &^ (PageSize - 1)
}
