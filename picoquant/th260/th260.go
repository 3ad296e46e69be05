/*Package th260 is the driver core for PicoQuant TimeHarp 260 PCIe cards.

The card streams measurement records into host memory by DMA.  This package
binds up to four cards, programs their DMA engines, waits for the completion
interrupt and hands the data to a blocking reader.  It also gives out an
exclusive mapping of the card's register window to one consumer at a time,
which is how the acquisition library talks to the card's timing hardware.

Host services (BAR mapping, DMA memory, interrupts) come from package hal, so
the same driver runs on real hardware through hal/linux and on the model in
hal/sim.

Basic usage:

	drv := th260.New(th260.DefaultConfig(), th260.NewRegistry(), logrus.StandardLogger())
	defer drv.Close()
	if _, err := drv.Register(bus); err != nil {
		log.Fatal(err)
	}
	h, err := drv.Open("th260pcie0", 0)
	if err != nil {
		log.Fatal(err)
	}
	defer h.Close()
	buf := make([]byte, 1<<20)
	n, err := h.Read(ctx, buf, len(buf))

Only one reader per card is expected; concurrent readers are serialized.
*/
package th260

import (
	"errors"
	"fmt"
	"time"

	"github.com/nasa-jpl/tcspc/dma"
	"github.com/nasa-jpl/tcspc/hal"
	"github.com/nasa-jpl/tcspc/regs"
)

const (
	// MaxDevices is the number of cards one driver can bind
	MaxDevices = 4

	// DefaultNodeBase is the prefix of device node names
	DefaultNodeBase = "th260pcie"

	// VersionMajor changes only when the interface changes
	VersionMajor = 1
	// VersionMinor changes only when the interface changes
	VersionMinor = 0
	// RevisionMajor is the driver revision
	RevisionMajor = 0
	// RevisionMinor is the driver revision
	RevisionMinor = 0

	// Version is reported by QueryVersion
	Version uint32 = VersionMajor<<24 | VersionMinor<<16 | RevisionMajor<<8 | RevisionMinor

	// minPayload and maxPayload bound the negotiated link payload, in bytes
	minPayload = 32
	maxPayload = 4096

	// maxAckSpins bounds the acknowledge loop of the interrupt handler
	maxAckSpins = 1024
)

// IDs is the table of functions this driver binds to
var IDs = []hal.ID{{Vendor: 0x10EE, Device: 0x1012}}

var (
	// ErrFault is generated for bad caller memory or an unsupported mode
	ErrFault = errors.New("bad address")

	// ErrTimedOut is generated when a burst does not complete within its deadline
	ErrTimedOut = errors.New("DMA burst timed out")

	// ErrInterrupted is generated when a read is cancelled before any data arrived
	ErrInterrupted = errors.New("interrupted")

	// ErrBusy is generated when the register window is already mapped
	ErrBusy = errors.New("device busy")

	// ErrInvalidArgument is generated for malformed requests
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrAccessDenied is generated when a control query is made on a handle
	// whose card has been removed.  It also wraps ErrNoDevice.
	ErrAccessDenied = errors.New("access denied")

	// ErrTryAgain is generated for transient mapping failures
	ErrTryAgain = errors.New("resource temporarily unavailable")

	// ErrNoDevice is generated when a node does not exist or its card was removed
	ErrNoDevice = errors.New("no such device")

	// ErrAllocationFailed is generated when all registry slots are taken
	ErrAllocationFailed = errors.New("no free device slot")

	// ErrAttachFailed is generated when a card could not be brought up
	ErrAttachFailed = errors.New("attach failed")

	// ErrMappingClosed is generated when a released mapping is used
	ErrMappingClosed = errors.New("mapping released")

	// ErrSizeInvalid is generated when a mapping is longer than the register window
	ErrSizeInvalid = fmt.Errorf("mapping length exceeds register window: %w", ErrInvalidArgument)

	// ErrRemapFailed is generated when the register window cannot be remapped
	ErrRemapFailed = fmt.Errorf("remap failed: %w", ErrTryAgain)

	// ErrPayload is generated when the card reports a link payload outside 32..4096 bytes
	ErrPayload = errors.New("unexpected max payload size")

	// ErrSizingFailed is re-exported from package dma
	ErrSizingFailed = dma.ErrSizingFailed

	// ErrMapFailed is re-exported from package regs
	ErrMapFailed = regs.ErrMapFailed
)

// Config holds the tunables of the driver
type Config struct {
	// NodeBase is the prefix of node names, the slot index is appended
	NodeBase string `koanf:"nodebase" yaml:"NodeBase"`

	// BurstTimeout is how long a single burst may take before the read is aborted
	BurstTimeout time.Duration `koanf:"bursttimeout" yaml:"BurstTimeout"`

	// MaxBufferOrder is the first DMA buffer order tried, 7 is 512 KiB
	MaxBufferOrder int `koanf:"maxbufferorder" yaml:"MaxBufferOrder"`

	// MinBufferOrder is the last DMA buffer order tried before attach fails
	MinBufferOrder int `koanf:"minbufferorder" yaml:"MinBufferOrder"`

	// DMAMaskBits is the addressing capability of the card
	DMAMaskBits int `koanf:"dmamaskbits" yaml:"DMAMaskBits"`
}

// DefaultConfig returns the configuration the card was designed for
func DefaultConfig() Config {
	return Config{
		NodeBase:       DefaultNodeBase,
		BurstTimeout:   500 * time.Millisecond,
		MaxBufferOrder: hal.Order(512 * 1024),
		MinBufferOrder: 0,
		DMAMaskBits:    32,
	}
}

// timeout is the burst timeout, never shorter than a millisecond
func (c Config) timeout() time.Duration {
	if c.BurstTimeout < time.Millisecond {
		return time.Millisecond
	}
	return c.BurstTimeout
}
