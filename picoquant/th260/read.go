package th260

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/nasa-jpl/tcspc/dma"
)

// OpenFlag modifies how a node is opened
type OpenFlag int

const (
	// NonBlock asks for non-blocking reads, which the card does not support
	NonBlock OpenFlag = 1 << iota
)

// Query is a control query code
type Query uint32

const (
	// QueryVersion copies out the 32-bit driver version
	QueryVersion Query = iota + 1
	// QuerySerial copies out the 64-bit serial number
	QuerySerial
	// QueryBarOffset copies out the 32-bit page offset of the register bank
	QueryBarOffset
)

func (q Query) String() string {
	switch q {
	case QueryVersion:
		return "version"
	case QuerySerial:
		return "serial"
	case QueryBarOffset:
		return "bar-offset"
	default:
		return fmt.Sprintf("Query(%d)", uint32(q))
	}
}

// size is the number of bytes q copies out, or zero if q is unknown
func (q Query) size() int {
	switch q {
	case QueryVersion, QueryBarOffset:
		return 4
	case QuerySerial:
		return 8
	default:
		return 0
	}
}

// Handle is an open node
type Handle struct {
	dev      *Device
	nonBlock bool

	mu     sync.Mutex
	closed bool
}

// Device returns the device behind the handle
func (h *Handle) Device() *Device { return h.dev }

// Close releases the handle.  A mapping made through it is not released.
func (h *Handle) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	return nil
}

func (h *Handle) check() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("%w: handle closed", ErrNoDevice)
	}
	return nil
}

// Read fills dst[:count] from the card, one burst at a time.  It returns
// count bytes, or fewer if ctx is cancelled after some bursts completed.
// A cancellation before any data arrived is ErrInterrupted.  A burst that
// does not complete aborts the read with ErrTimedOut; the bytes of earlier
// bursts are still in dst and are counted in n.
func (h *Handle) Read(ctx context.Context, dst []byte, count int) (n int, err error) {
	if count == 0 {
		return 0, nil
	}
	if h.nonBlock {
		return 0, fmt.Errorf("%w: non-blocking reads are not supported", ErrFault)
	}
	if count < 0 || len(dst) < count {
		return 0, fmt.Errorf("%w: %d bytes requested into a buffer of %d", ErrFault, count, len(dst))
	}
	if err := h.check(); err != nil {
		return 0, err
	}
	if ctx.Err() != nil {
		return 0, ErrInterrupted
	}

	d := h.dev
	d.rd.Lock()
	defer d.rd.Unlock()
	d.ops.RLock()
	defer d.ops.RUnlock()

	d.mu.Lock()
	gone := d.gone
	d.mu.Unlock()
	if gone {
		return 0, ErrNoDevice
	}

	buf := d.buf.Bytes()
	full, tail, err := planRead(d.maxBurstUnits, count, len(buf))
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	for n < count {
		remaining := count - n
		b := full
		if remaining < len(buf) {
			b = tail
		}
		if err := d.start(b); err != nil {
			return n, err
		}
		done, err := d.wait(ctx)
		if err != nil {
			return n, err
		}
		if done > remaining {
			return n, fmt.Errorf("%w: card reported %d bytes for a %d byte burst", ErrFault, done, remaining)
		}
		n += copy(dst[n:n+done], buf[:done])
		if ctx.Err() != nil && n < count {
			if n == 0 {
				return 0, ErrInterrupted
			}
			d.log.Debugf("read interrupted after %d of %d bytes", n, count)
			return n, nil
		}
	}
	return n, nil
}

// planRead sizes the bursts of a count byte read through a buffer of size
// bytes: full for every whole buffer and tail for what is left.  Both are
// sized before the first burst so a count the card cannot move is refused
// without touching it.
func planRead(maxUnits uint32, count, size int) (full, tail dma.Burst, err error) {
	if count >= size {
		if full, err = dma.Plan(maxUnits, uint32(size)); err != nil {
			return full, tail, err
		}
	}
	rest := count % size
	if rest == 0 {
		return full, full, nil
	}
	tail, err = dma.Plan(maxUnits, uint32(rest))
	return full, tail, err
}

// Reader adapts the handle to io.Reader.  Each call to Read asks the card
// for exactly len(p) bytes, so len(p) must be a multiple of 8 that the
// card can size.
func (h *Handle) Reader(ctx context.Context) io.Reader {
	return readerFunc(func(p []byte) (int, error) {
		return h.Read(ctx, p, len(p))
	})
}

type readerFunc func([]byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }

// Control answers a control query by copying its value into dst, little
// endian.  dst must hold the value exactly; a longer dst is only partly
// written.
func (h *Handle) Control(q Query, dst []byte) error {
	if err := h.check(); err != nil {
		return err
	}
	size := q.size()
	if size == 0 {
		return fmt.Errorf("%w: unknown query %v", ErrInvalidArgument, q)
	}
	if dst == nil || len(dst) < size {
		return fmt.Errorf("%w: %v needs %d bytes, have %d", ErrFault, q, size, len(dst))
	}
	var val [8]byte
	d := h.dev
	d.mu.Lock()
	gone := d.gone
	switch q {
	case QueryVersion:
		binary.LittleEndian.PutUint32(val[:], Version)
	case QuerySerial:
		binary.LittleEndian.PutUint64(val[:], d.serial)
	case QueryBarOffset:
		binary.LittleEndian.PutUint32(val[:], d.barOffset)
	}
	d.mu.Unlock()
	// the values of a removed card are stale
	if gone {
		return fmt.Errorf("%w: %v: %w", ErrAccessDenied, q, ErrNoDevice)
	}
	copy(dst, val[:size])
	return nil
}

// Version is QueryVersion
func (h *Handle) Version() (uint32, error) {
	var b [4]byte
	if err := h.Control(QueryVersion, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// Serial is QuerySerial
func (h *Handle) Serial() (uint64, error) {
	var b [8]byte
	if err := h.Control(QuerySerial, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// BarOffset is QueryBarOffset.  It is zero until the first mapping.
func (h *Handle) BarOffset() (uint32, error) {
	var b [4]byte
	if err := h.Control(QueryBarOffset, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}
