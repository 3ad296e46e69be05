//go:build linux

package linux

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/nasa-jpl/tcspc/hal"
)

// uioPoll is how often the interrupt goroutine looks for a stop request
const uioPoll = 100 * time.Millisecond

// uioIRQ is an interrupt delivered through /dev/uioN
type uioIRQ struct {
	name string
	fd   *os.File
	h    hal.Handler
	log  *logrus.Entry

	// spurious interrupts are expected on a shared line; say so now and then
	spurious *rate.Limiter

	once sync.Once
	stop chan struct{}
	done chan struct{}
}

// uioNode finds the uio device the function is bound to
func (f *Function) uioNode() (string, error) {
	entries, err := os.ReadDir(filepath.Join(f.dir, "uio"))
	if err != nil || len(entries) == 0 {
		return "", ErrNoUIO
	}
	return filepath.Join(f.bus.dev(), entries[0].Name()), nil
}

// openUIO opens the node, waiting for udev to create it
func openUIO(path string) (*os.File, error) {
	var fd *os.File
	op := func() error {
		var err error
		fd, err = os.OpenFile(path, os.O_RDWR, 0)
		if os.IsNotExist(err) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock})
	return fd, err
}

// RequestIRQ implements hal.Function
func (f *Function) RequestIRQ(name string, h hal.Handler) (hal.IRQ, error) {
	path, err := f.uioNode()
	if err != nil {
		return nil, err
	}
	fd, err := openUIO(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	i := &uioIRQ{
		name:     name,
		fd:       fd,
		h:        h,
		log:      f.log.WithField("irq", name),
		spurious: rate.NewLimiter(rate.Every(10*time.Second), 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if err := i.arm(); err != nil {
		fd.Close()
		return nil, err
	}
	go i.run()
	return i, nil
}

// arm unmasks the interrupt in the uio driver
func (i *uioIRQ) arm() error {
	var one [4]byte
	binary.LittleEndian.PutUint32(one[:], 1)
	_, err := i.fd.Write(one[:])
	return err
}

func (i *uioIRQ) run() {
	defer close(i.done)
	var count [4]byte
	fds := []unix.PollFd{{Fd: int32(i.fd.Fd()), Events: unix.POLLIN}}
	for {
		select {
		case <-i.stop:
			return
		default:
		}
		n, err := unix.Poll(fds, int(uioPoll/time.Millisecond))
		if err == unix.EINTR || n == 0 {
			continue
		}
		if err != nil {
			i.log.WithError(err).Error("polling interrupt")
			return
		}
		if _, err := i.fd.Read(count[:]); err != nil {
			i.log.WithError(err).Error("reading interrupt count")
			return
		}
		select {
		case <-i.stop:
			return
		default:
		}
		if i.h() == hal.IRQNone && i.spurious.Allow() {
			i.log.Debugf("interrupt %d was not ours", binary.LittleEndian.Uint32(count[:]))
		}
		if err := i.arm(); err != nil {
			i.log.WithError(err).Error("re-arming interrupt")
			return
		}
	}
}

// Free stops the interrupt goroutine and waits for it to exit
func (i *uioIRQ) Free() error {
	freed := false
	i.once.Do(func() {
		freed = true
		close(i.stop)
	})
	if !freed {
		return hal.ErrIRQFreed
	}
	<-i.done
	return i.fd.Close()
}
