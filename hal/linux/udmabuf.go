//go:build linux

package linux

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sys/unix"

	"github.com/nasa-jpl/tcspc/hal"
)

// udmabuf is a claimed u-dma-buf device
type udmabuf struct {
	name  string
	fd    *os.File
	b     []byte
	phys  uint64
	order int
}

func (u *udmabuf) Bytes() []byte { return u.b }
func (u *udmabuf) Phys() uint64  { return u.phys }
func (u *udmabuf) Order() int    { return u.order }

func (u *udmabuf) Free() error {
	if u.fd == nil {
		return fmt.Errorf("%s already freed", u.name)
	}
	err := unix.Munmap(u.b[:cap(u.b)])
	u.fd.Close() // drops the claim
	u.fd = nil
	u.b = nil
	return err
}

// AllocDMA implements hal.Function.  It claims the first unclaimed u-dma-buf
// that holds 2^order pages and uses its first 2^order pages.
func (f *Function) AllocDMA(order int) (hal.DMABuffer, error) {
	want := hal.PageSize << order
	entries, err := os.ReadDir(f.bus.dmaSysfs())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", hal.ErrNoMemory, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		dir := filepath.Join(f.bus.dmaSysfs(), name)
		size, err := readDec(filepath.Join(dir, "size"))
		if err != nil || int(size) < want {
			continue
		}
		phys, err := readHex(filepath.Join(dir, "phys_addr"))
		if err != nil {
			continue
		}
		buf, err := claim(filepath.Join(f.bus.dev(), name), want)
		if err != nil {
			f.log.WithError(err).Debugf("skipping %s", name)
			continue
		}
		buf.name = name
		buf.phys = phys
		buf.order = order
		f.log.Infof("claimed %s at %#x for %d bytes", name, phys, want)
		return buf, nil
	}
	return nil, fmt.Errorf("%w: no free u-dma-buf of %d bytes", hal.ErrNoMemory, want)
}

func claim(path string, size int) (*udmabuf, error) {
	fd, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(fd.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		fd.Close()
		return nil, err
	}
	b, err := unix.Mmap(int(fd.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		fd.Close()
		return nil, err
	}
	return &udmabuf{fd: fd, b: b}, nil
}

func readDec(path string) (uint64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var v uint64
	_, err = fmt.Sscan(string(b), &v)
	return v, err
}
