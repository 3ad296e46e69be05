//go:build linux

/*Package linux implements the hal interfaces on a Linux host with the card
bound to uio_pci_generic and DMA memory provided by u-dma-buf.

BARs are mapped through the resourceN files in sysfs, the interrupt is taken
from /dev/uioN, and bus mastering is switched in the command register via the
config file.  u-dma-buf buffers are created at module load time, for example

	modprobe u-dma-buf udmabuf0=524288

and are claimed one per card.
*/
package linux

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/nasa-jpl/tcspc/hal"
	"github.com/nasa-jpl/tcspc/util"
)

const (
	// DefaultSysfs is where PCI functions are listed
	DefaultSysfs = "/sys/bus/pci/devices"

	// DefaultDMASysfs is where u-dma-buf devices are listed
	DefaultDMASysfs = "/sys/class/u-dma-buf"

	// DefaultDev is where device nodes are created
	DefaultDev = "/dev"

	// ioresourceIO and ioresourceMem are the flags in the resource file
	ioresourceIO  = 0x100
	ioresourceMem = 0x200

	// commandMaster is the index of the bus master enable bit in the PCI command register
	commandMaster = 2
)

var (
	// ErrNoUIO is generated when the function is not bound to uio_pci_generic
	ErrNoUIO = errors.New("function is not bound to a uio driver")

	// ErrRegionBusy is generated when another process holds the BAR
	ErrRegionBusy = errors.New("region held by another process")
)

// Bus enumerates PCI functions from sysfs
type Bus struct {
	// Sysfs is the PCI device directory, DefaultSysfs if empty
	Sysfs string

	// DMASysfs is the u-dma-buf class directory, DefaultDMASysfs if empty
	DMASysfs string

	// Dev is the device node directory, DefaultDev if empty
	Dev string

	// Log receives backend messages, the standard logger if nil
	Log *logrus.Logger
}

func (b *Bus) sysfs() string {
	if b.Sysfs == "" {
		return DefaultSysfs
	}
	return b.Sysfs
}

func (b *Bus) dmaSysfs() string {
	if b.DMASysfs == "" {
		return DefaultDMASysfs
	}
	return b.DMASysfs
}

func (b *Bus) dev() string {
	if b.Dev == "" {
		return DefaultDev
	}
	return b.Dev
}

func (b *Bus) log() *logrus.Logger {
	if b.Log == nil {
		return logrus.StandardLogger()
	}
	return b.Log
}

// Scan implements hal.Bus
func (b *Bus) Scan(ids []hal.ID) ([]hal.Function, error) {
	entries, err := os.ReadDir(b.sysfs())
	if err != nil {
		return nil, err
	}
	var out []hal.Function
	for _, e := range entries {
		dir := filepath.Join(b.sysfs(), e.Name())
		vendor, err := readHex(filepath.Join(dir, "vendor"))
		if err != nil {
			continue
		}
		device, err := readHex(filepath.Join(dir, "device"))
		if err != nil {
			continue
		}
		id := hal.ID{Vendor: uint16(vendor), Device: uint16(device)}
		for _, want := range ids {
			if id == want {
				out = append(out, newFunction(b, e.Name(), dir, id))
				break
			}
		}
	}
	return out, nil
}

// Function is one PCI function in sysfs
type Function struct {
	bus  *Bus
	name string
	dir  string
	id   hal.ID
	log  *logrus.Entry

	mu      sync.Mutex
	regions map[int]*os.File
}

func newFunction(b *Bus, name, dir string, id hal.ID) *Function {
	return &Function{
		bus:     b,
		name:    name,
		dir:     dir,
		id:      id,
		log:     b.log().WithField("pci", name),
		regions: make(map[int]*os.File),
	}
}

// Name implements hal.Function
func (f *Function) Name() string { return f.name }

// ID implements hal.Function
func (f *Function) ID() hal.ID { return f.id }

// Enable implements hal.Function
func (f *Function) Enable() error {
	return os.WriteFile(filepath.Join(f.dir, "enable"), []byte("1"), 0)
}

// Disable implements hal.Function
func (f *Function) Disable() {
	if err := os.WriteFile(filepath.Join(f.dir, "enable"), []byte("0"), 0); err != nil {
		f.log.WithError(err).Warn("disabling device")
	}
}

func (f *Function) resourcePath(bar int) string {
	return filepath.Join(f.dir, "resource"+strconv.Itoa(bar))
}

// RequestRegion implements hal.Function.  The BAR is reserved with an
// exclusive flock on its resource file, which other users of this package
// respect.
func (f *Function) RequestRegion(bar int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.regions[bar]; ok {
		return ErrRegionBusy
	}
	fd, err := os.Open(f.resourcePath(bar))
	if err != nil {
		return err
	}
	if err := unix.Flock(int(fd.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		fd.Close()
		return fmt.Errorf("%w: %v", ErrRegionBusy, err)
	}
	f.regions[bar] = fd
	return nil
}

// ReleaseRegion implements hal.Function
func (f *Function) ReleaseRegion(bar int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fd, ok := f.regions[bar]; ok {
		fd.Close()
		delete(f.regions, bar)
	}
}

// resource returns the start and flags of a BAR from the resource table
func (f *Function) resource(bar int) (start, flags uint64, err error) {
	b, err := os.ReadFile(filepath.Join(f.dir, "resource"))
	if err != nil {
		return 0, 0, err
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if bar < 0 || bar >= len(lines) {
		return 0, 0, fmt.Errorf("no BAR %d", bar)
	}
	fields := strings.Fields(lines[bar])
	if len(fields) != 3 {
		return 0, 0, fmt.Errorf("malformed resource line %q", lines[bar])
	}
	if start, err = strconv.ParseUint(fields[0], 0, 64); err != nil {
		return 0, 0, err
	}
	if flags, err = strconv.ParseUint(fields[2], 0, 64); err != nil {
		return 0, 0, err
	}
	return start, flags, nil
}

// ResourceStart implements hal.Function
func (f *Function) ResourceStart(bar int) uint64 {
	start, _, err := f.resource(bar)
	if err != nil {
		f.log.WithError(err).Warn("reading resource table")
		return 0
	}
	return start
}

// ResourceIsMem implements hal.Function
func (f *Function) ResourceIsMem(bar int) bool {
	_, flags, err := f.resource(bar)
	if err != nil {
		return false
	}
	return flags&ioresourceMem != 0 && flags&ioresourceIO == 0
}

// MapRegion implements hal.Function
func (f *Function) MapRegion(bar int, size int) (hal.MMIO, error) {
	return mapFile(f.resourcePath(bar), size)
}

// RemapUser implements hal.Function
func (f *Function) RemapUser(bar int, length int) (hal.MMIO, error) {
	return mapFile(f.resourcePath(bar), length)
}

// Unmap implements hal.Function
func (f *Function) Unmap(m hal.MMIO) error {
	mm, ok := m.(*mmio)
	if !ok {
		return fmt.Errorf("%T is not a sysfs mapping", m)
	}
	return mm.unmap()
}

// SetMaster implements hal.Function
func (f *Function) SetMaster(enable bool) {
	if err := f.setMaster(enable); err != nil {
		f.log.WithError(err).Warn("setting bus master")
	}
}

func (f *Function) setMaster(enable bool) error {
	fd, err := os.OpenFile(filepath.Join(f.dir, "config"), os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer fd.Close()
	var cmd [2]byte
	if _, err := fd.ReadAt(cmd[:], 4); err != nil {
		return err
	}
	cmd[0] = util.SetBit(cmd[0], commandMaster, enable)
	_, err = fd.WriteAt(cmd[:], 4)
	return err
}

// SetDMAMask implements hal.Function.  The mask of the buffers is set by
// u-dma-buf when they are created, so this only checks that the card can
// reach them.
func (f *Function) SetDMAMask(bits int) error {
	if bits < 32 || bits > 64 {
		return fmt.Errorf("%d bit DMA mask not supported", bits)
	}
	return nil
}

func readHex(path string) (uint64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(b)), 0, 64)
}
