package th260

import (
	"fmt"
	"sync"

	"github.com/nasa-jpl/tcspc/hal"
)

// Registry is the fixed table of device slots.  A slot index is assigned
// when a card is attached and is not reused while the card stays attached.
type Registry struct {
	mu    sync.Mutex
	slots [MaxDevices]*Device
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry {
	return &Registry{}
}

// Attach binds fn to the first free slot and returns its index
func (r *Registry) Attach(fn hal.Function) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	free := -1
	for i, d := range r.slots {
		if d == nil {
			if free < 0 {
				free = i
			}
			continue
		}
		if d.fn == fn {
			return -1, fmt.Errorf("%w: %s is already bound to slot %d", ErrAllocationFailed, fn.Name(), i)
		}
	}
	if free < 0 {
		return -1, fmt.Errorf("%w: all %d slots in use", ErrAllocationFailed, MaxDevices)
	}
	r.slots[free] = newDevice(free, fn)
	return free, nil
}

// Detach clears the slot bound to fn.  It does nothing if fn is not bound.
func (r *Registry) Detach(fn hal.Function) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, d := range r.slots {
		if d != nil && d.fn == fn {
			r.slots[i] = nil
		}
	}
}

// Lookup returns the device in slot, or nil
func (r *Registry) Lookup(slot int) *Device {
	if slot < 0 || slot >= MaxDevices {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.slots[slot]
}

// Find returns the device bound to fn, or nil
func (r *Registry) Find(fn hal.Function) *Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.slots {
		if d != nil && d.fn == fn {
			return d
		}
	}
	return nil
}

// Devices returns the bound devices in slot order
func (r *Registry) Devices() []*Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Device, 0, MaxDevices)
	for _, d := range r.slots {
		if d != nil {
			out = append(out, d)
		}
	}
	return out
}
