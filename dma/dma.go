/*Package dma sizes and starts bursts on the TH260 DMA engine.

The card moves data to the host only in whole transaction units, each a
multiple of 4 bytes and no larger than the payload negotiated for the PCIe
link.  A burst is therefore described by a unit size (in words) and a unit
count, and the engine will only ever write exactly UnitSize*4*UnitCount bytes.
Plan finds the largest unit size that divides the request evenly; Start
programs the engine.
*/
package dma

import (
	"errors"
	"fmt"

	"github.com/nasa-jpl/tcspc/regs"
)

const (
	// MinUnit is the smallest transaction unit, in words
	MinUnit = 2

	// MaxUnitCount is the largest value the unit count register accepts
	MaxUnitCount = 0xFFFF
)

// ErrSizingFailed is generated when a byte count cannot be expressed as whole
// transaction units
var ErrSizingFailed = errors.New("transfer cannot be sized into transaction units")

// Burst is one DMA operation
type Burst struct {
	ByteCount uint32
	UnitSize  uint32 // words per transaction unit
	UnitCount uint32
}

// Plan sizes a transfer of byteCount bytes.  The unit size starts at maxUnits
// and is halved until it divides the number of words, but not below MinUnit.
func Plan(maxUnits, byteCount uint32) (Burst, error) {
	if byteCount == 0 || maxUnits < MinUnit {
		return Burst{}, fmt.Errorf("%w: %d bytes with max unit %d", ErrSizingFailed, byteCount, maxUnits)
	}
	words := byteCount / 4
	size := maxUnits
	rest := words % size
	for rest != 0 && size > MinUnit {
		size >>= 1
		if size < MinUnit {
			size = MinUnit
		}
		rest = words % size
	}
	count := words / size
	if count > MaxUnitCount {
		return Burst{}, fmt.Errorf("%w: unit count %d too large", ErrSizingFailed, count)
	}
	if size*4*count != byteCount {
		return Burst{}, fmt.Errorf("%w: %d bytes is not %d units of %d words", ErrSizingFailed, byteCount, count, size)
	}
	return Burst{ByteCount: byteCount, UnitSize: size, UnitCount: count}, nil
}

// Start programs the engine to write b to bus address addr and starts it.
// The final write resets the engine state and sets interrupt enable and
// transfer active in a single store.
func Start(w *regs.Window, addr uint32, b Burst) {
	w.PulseInitiatorReset()
	w.SetTargetAddr(addr)
	w.SetUnitSize(b.UnitSize)
	w.SetUnitCount(b.UnitCount)
	w.SetStatus(regs.StatusStart)
}
