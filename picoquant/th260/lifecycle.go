package th260

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/nasa-jpl/tcspc/hal"
	"github.com/nasa-jpl/tcspc/regs"
)

// State is a lifecycle state of a Device.  Attach walks the states in order;
// removal and failed attaches walk back from wherever attach got to.
type State int

const (
	// Detached devices hold no resources
	Detached State = iota
	// RegistrySlotAssigned devices own a slot
	RegistrySlotAssigned
	// InterfaceRegistered devices have a reserved node name
	InterfaceRegistered
	// DeviceEnabled devices have been enabled on the bus
	DeviceEnabled
	// RegionReserved devices hold BAR 0
	RegionReserved
	// RegistersMapped devices have their register window mapped
	RegistersMapped
	// SerialRead devices know their serial number
	SerialRead
	// SizingDetermined devices know their transaction unit limit
	SizingDetermined
	// BufferAllocated devices own a DMA buffer
	BufferAllocated
	// BusMasteringEnabled devices may write to host memory
	BusMasteringEnabled
	// InterruptRegistered devices have a completion handler attached
	InterruptRegistered
	// NodeExposed devices can be opened
	NodeExposed
)

var stateNames = [...]string{
	"Detached",
	"RegistrySlotAssigned",
	"InterfaceRegistered",
	"DeviceEnabled",
	"RegionReserved",
	"RegistersMapped",
	"SerialRead",
	"SizingDetermined",
	"BufferAllocated",
	"BusMasteringEnabled",
	"InterruptRegistered",
	"NodeExposed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// step enters a state; undo leaves it.  undo is only called for states
// that were entered.
type step struct {
	state State
	do    func(*Driver, *Device) error
	undo  func(*Driver, *Device)
}

// steps is indexed by State, steps[0] is unused
var steps = [...]step{
	{state: Detached},
	{
		state: RegistrySlotAssigned,
		undo:  func(drv *Driver, d *Device) { drv.reg.Detach(d.fn) },
	},
	{
		state: InterfaceRegistered,
		do:    (*Driver).reserveNode,
		undo:  (*Driver).releaseNode,
	},
	{
		state: DeviceEnabled,
		do:    func(drv *Driver, d *Device) error { return d.fn.Enable() },
		undo:  func(drv *Driver, d *Device) { d.fn.Disable() },
	},
	{
		state: RegionReserved,
		do: func(drv *Driver, d *Device) error {
			if err := d.fn.RequestRegion(regs.BAR); err != nil {
				return err
			}
			if !d.fn.ResourceIsMem(regs.BAR) {
				d.fn.ReleaseRegion(regs.BAR)
				return hal.ErrNotMemory
			}
			return nil
		},
		undo: func(drv *Driver, d *Device) { d.fn.ReleaseRegion(regs.BAR) },
	},
	{
		state: RegistersMapped,
		do: func(drv *Driver, d *Device) error {
			w, err := regs.Map(d.fn)
			if err != nil {
				return err
			}
			d.regs = w
			return nil
		},
		undo: func(drv *Driver, d *Device) {
			d.mu.Lock()
			w := d.regs
			d.regs = nil
			d.mu.Unlock()
			if err := w.Unmap(d.fn); err != nil {
				d.log.WithError(err).Warn("unmapping register window")
			}
		},
	},
	{
		state: SerialRead,
		do: func(drv *Driver, d *Device) error {
			d.serial = d.regs.Serial()
			d.log.Infof("serial = %s", regs.SerialString(d.serial))
			return nil
		},
	},
	{
		state: SizingDetermined,
		do: func(drv *Driver, d *Device) error {
			payload := d.regs.MaxPayloadBytes()
			d.log.Infof("max payload = %d bytes", payload)
			if payload < minPayload || payload > maxPayload {
				return fmt.Errorf("%w: %d", ErrPayload, payload)
			}
			d.maxBurstUnits = payload / 4
			d.regs.Reset()
			return nil
		},
	},
	{
		state: BufferAllocated,
		do:    (*Driver).allocBuffer,
		undo: func(drv *Driver, d *Device) {
			if err := d.buf.Free(); err != nil {
				d.log.WithError(err).Warn("freeing DMA buffer")
			}
			d.buf = nil
		},
	},
	{
		state: BusMasteringEnabled,
		do: func(drv *Driver, d *Device) error {
			d.fn.SetMaster(true)
			if err := d.fn.SetDMAMask(drv.cfg.DMAMaskBits); err != nil {
				d.fn.SetMaster(false)
				return fmt.Errorf("setting DMA mask: %w", err)
			}
			return nil
		},
		undo: func(drv *Driver, d *Device) { d.fn.SetMaster(false) },
	},
	{
		state: InterruptRegistered,
		do: func(drv *Driver, d *Device) error {
			irq, err := d.fn.RequestIRQ(d.name, d.interrupt)
			if err != nil {
				return err
			}
			d.irq = irq
			return nil
		},
		undo: func(drv *Driver, d *Device) {
			d.quiesce()
			if err := d.irq.Free(); err != nil {
				d.log.WithError(err).Warn("freeing interrupt")
			}
			d.irq = nil
		},
	},
	{
		state: NodeExposed,
		do:    (*Driver).publishNode,
		undo:  (*Driver).withdrawNode,
	},
}

// Driver brings cards up and down and owns their device nodes
type Driver struct {
	cfg Config
	reg *Registry
	log *logrus.Logger

	mu       sync.Mutex
	reserved map[string]*Device // node names taken by devices being attached
	nodes    map[string]*Device // opened by name
}

// New creates a driver that binds cards into reg
func New(cfg Config, reg *Registry, log *logrus.Logger) *Driver {
	if cfg.NodeBase == "" {
		cfg.NodeBase = DefaultNodeBase
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Driver{
		cfg:      cfg,
		reg:      reg,
		log:      log,
		reserved: make(map[string]*Device),
		nodes:    make(map[string]*Device),
	}
}

// Registry returns the registry the driver binds cards into
func (drv *Driver) Registry() *Registry { return drv.reg }

// Register probes every function on bus that matches IDs.  Cards that fail
// to attach are logged and skipped.  It returns the number attached.
func (drv *Driver) Register(bus hal.Bus) (int, error) {
	fns, err := bus.Scan(IDs)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, fn := range fns {
		if _, err := drv.Probe(fn); err != nil {
			drv.log.WithField("pci", fn.Name()).WithError(err).Error("probe failed")
			continue
		}
		n++
	}
	return n, nil
}

// Probe attaches fn.  On failure every completed step is undone, no node is
// exposed, and the error wraps ErrAttachFailed and the cause.
func (drv *Driver) Probe(fn hal.Function) (*Device, error) {
	slot, err := drv.reg.Attach(fn)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAttachFailed, err)
	}
	d := drv.reg.Lookup(slot)
	d.timeout = drv.cfg.timeout()
	d.log = drv.log.WithField("pci", fn.Name())
	d.setState(RegistrySlotAssigned)

	for _, s := range steps[InterfaceRegistered:] {
		if err := s.do(drv, d); err != nil {
			d.log.WithError(err).Errorf("attach failed entering %s", s.state)
			drv.unwind(d)
			return nil, fmt.Errorf("%w: %s: %w", ErrAttachFailed, s.state, err)
		}
		d.setState(s.state)
	}
	d.log.Infof("attached as %s", d.name)
	return d, nil
}

// Remove detaches fn.  It does nothing if fn is not attached, so it is safe
// to call more than once.
func (drv *Driver) Remove(fn hal.Function) {
	d := drv.reg.Find(fn)
	if d == nil {
		return
	}
	if !d.beginRemoval() {
		return
	}
	d.log.Info("removing")
	drv.unwind(d)
}

// Close removes every attached card
func (drv *Driver) Close() error {
	for _, d := range drv.reg.Devices() {
		drv.Remove(d.fn)
	}
	return nil
}

// unwind undoes every state entered, newest first
func (drv *Driver) unwind(d *Device) {
	for s := d.State(); s > Detached; s-- {
		if undo := steps[s].undo; undo != nil {
			undo(drv, d)
		}
		d.setState(s - 1)
	}
}

// beginRemoval marks the device gone, resets the card, force releases a
// mapping, and waits for operations in progress to notice.  It returns
// false if removal already began.
func (d *Device) beginRemoval() bool {
	d.mu.Lock()
	if d.gone {
		d.mu.Unlock()
		return false
	}
	d.gone = true
	close(d.removed)
	if d.regs != nil {
		d.regs.Reset()
	}
	d.xfer = TransferState{}
	if m := d.mapping; m != nil {
		d.releaseMappingLocked(m)
	}
	d.mu.Unlock()

	d.ops.Lock()
	d.ops.Unlock()
	return true
}

func (drv *Driver) allocBuffer(d *Device) error {
	for order := drv.cfg.MaxBufferOrder; order >= drv.cfg.MinBufferOrder; order-- {
		buf, err := d.fn.AllocDMA(order)
		if err != nil {
			d.log.Infof("cannot allocate DMA memory of order %d", order)
			continue
		}
		if buf.Phys()+uint64(len(buf.Bytes())) > 1<<32 {
			// the address register is 32 bits wide
			buf.Free()
			d.log.Infof("DMA memory of order %d is above 4 GiB", order)
			continue
		}
		d.buf = buf
		d.log.Infof("allocated %d bytes for DMA buffer", len(buf.Bytes()))
		return nil
	}
	return fmt.Errorf("%w: orders %d..%d", hal.ErrNoMemory, drv.cfg.MaxBufferOrder, drv.cfg.MinBufferOrder)
}

func (drv *Driver) reserveNode(d *Device) error {
	name := fmt.Sprintf("%s%d", drv.cfg.NodeBase, d.slot)
	drv.mu.Lock()
	defer drv.mu.Unlock()
	if _, ok := drv.reserved[name]; ok {
		return fmt.Errorf("node %s already registered", name)
	}
	drv.reserved[name] = d
	d.name = name
	d.log = d.log.WithField("node", name)
	return nil
}

func (drv *Driver) releaseNode(d *Device) {
	drv.mu.Lock()
	delete(drv.reserved, d.name)
	drv.mu.Unlock()
}

func (drv *Driver) publishNode(d *Device) error {
	drv.mu.Lock()
	defer drv.mu.Unlock()
	drv.nodes[d.name] = d
	return nil
}

func (drv *Driver) withdrawNode(d *Device) {
	drv.mu.Lock()
	delete(drv.nodes, d.name)
	drv.mu.Unlock()
}

// Nodes lists the names of the exposed nodes in order
func (drv *Driver) Nodes() []string {
	drv.mu.Lock()
	defer drv.mu.Unlock()
	out := make([]string, 0, len(drv.nodes))
	for name := range drv.nodes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Open returns a handle to the node called name
func (drv *Driver) Open(name string, flags OpenFlag) (*Handle, error) {
	drv.mu.Lock()
	d, ok := drv.nodes[name]
	drv.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoDevice, name)
	}
	return &Handle{dev: d, nonBlock: flags&NonBlock != 0}, nil
}
