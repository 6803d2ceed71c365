// SPDX-License-Identifier: GPL-2.0-only

package driver

import (
	"os"
	"sync"
	"unsafe"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sys/unix"
)

// usbfs ioctl request codes (64-bit Linux).
const (
	usbdevfsClaimInterface   = 0x8004550f
	usbdevfsReleaseInterface = 0x80045510
	usbdevfsSubmitURB        = 0x8038550a
	usbdevfsDiscardURB       = 0x0000550b
	usbdevfsReapURB          = 0x4008550c
)

// usbdevfs URB type values.
const (
	urbTypeIso       = 0
	urbTypeInterrupt = 1
	urbTypeControl   = 2
	urbTypeBulk      = 3
)

// usbdevfsURB mirrors struct usbdevfs_urb; Go's natural alignment matches
// the kernel layout on 64-bit targets.
type usbdevfsURB struct {
	Type            uint8
	Endpoint        uint8
	Status          int32
	Flags           uint32
	Buffer          unsafe.Pointer
	BufferLength    int32
	ActualLength    int32
	StartFrame      int32
	NumberOfPackets int32
	ErrorCount      int32
	SignalNumber    uint32
	UserContext     uintptr
}

// usbfsHost drives one device node under /dev/bus/usb through the usbfs
// async URB interface. A single reaper goroutine collects completions and
// invokes the transfer callbacks.
type usbfsHost struct {
	logger log.Logger
	f      *os.File
	speed  Speed

	devDesc *DeviceDescriptor
	cfg     *ConfigDescriptor
	intfs   []InterfaceDescriptor
	eps     []EndpointDescriptor

	mtx      sync.Mutex
	closed   bool
	inflight map[*usbdevfsURB]*Transfer
	byXfer   map[*Transfer]*usbdevfsURB
}

// OpenSysfsDevice opens the usbfs node of an enumerated device and parses
// its descriptor blob.
func OpenSysfsDevice(dev *SysfsDevice, logger log.Logger) (Host, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	devDesc, err := ParseDeviceDescriptor(dev.RawDescriptors)
	if err != nil {
		return nil, errors.Wrapf(err, "bad descriptors for %s", dev.BusId)
	}
	cfg, intfs, eps, err := ParseConfigDescriptor(dev.RawDescriptors[deviceDescriptorSize:])
	if err != nil {
		return nil, errors.Wrapf(err, "bad configuration block for %s", dev.BusId)
	}
	f, err := os.OpenFile(dev.DevMountPath(), os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", dev.DevMountPath())
	}
	h := &usbfsHost{
		logger:   logger,
		f:        f,
		speed:    dev.Speed,
		devDesc:  devDesc,
		cfg:      cfg,
		intfs:    intfs,
		eps:      eps,
		inflight: make(map[*usbdevfsURB]*Transfer),
		byXfer:   make(map[*Transfer]*usbdevfsURB),
	}
	go h.reapLoop()
	return h, nil
}

func (h *usbfsHost) DeviceDescriptor() (*DeviceDescriptor, error) {
	return h.devDesc, nil
}

func (h *usbfsHost) ActiveConfig() (*ConfigDescriptor, []InterfaceDescriptor, []EndpointDescriptor, error) {
	return h.cfg, h.intfs, h.eps, nil
}

func (h *usbfsHost) Speed() Speed {
	return h.speed
}

func (h *usbfsHost) ioctl(req uintptr, arg unsafe.Pointer) unix.Errno {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, h.f.Fd(), req, uintptr(arg))
	return errno
}

func (h *usbfsHost) ClaimInterface(num uint8) error {
	n := uint32(num)
	if errno := h.ioctl(usbdevfsClaimInterface, unsafe.Pointer(&n)); errno != 0 {
		return errors.Wrapf(errno, "failed to claim interface %d", num)
	}
	return nil
}

func (h *usbfsHost) ReleaseInterface(num uint8) error {
	n := uint32(num)
	if errno := h.ioctl(usbdevfsReleaseInterface, unsafe.Pointer(&n)); errno != 0 {
		return errors.Wrapf(errno, "failed to release interface %d", num)
	}
	return nil
}

func (h *usbfsHost) SubmitControl(t *Transfer) error {
	t.Type = TransferControl
	return h.submit(t, urbTypeControl)
}

func (h *usbfsHost) Submit(t *Transfer) error {
	typ := urbTypeBulk
	if t.Type == TransferInterrupt {
		typ = urbTypeInterrupt
	}
	return h.submit(t, uint8(typ))
}

func (h *usbfsHost) submit(t *Transfer, urbType uint8) error {
	urb := &usbdevfsURB{
		Type:         urbType,
		Endpoint:     t.Endpoint,
		BufferLength: int32(len(t.Buffer)),
	}
	if len(t.Buffer) > 0 {
		urb.Buffer = unsafe.Pointer(&t.Buffer[0])
	}

	h.mtx.Lock()
	if h.closed {
		h.mtx.Unlock()
		return errors.New("device closed")
	}
	h.inflight[urb] = t
	h.byXfer[t] = urb
	h.mtx.Unlock()

	if errno := h.ioctl(usbdevfsSubmitURB, unsafe.Pointer(urb)); errno != 0 {
		h.mtx.Lock()
		delete(h.inflight, urb)
		delete(h.byXfer, t)
		h.mtx.Unlock()
		return errors.Wrapf(errno, "failed to submit urb on ep 0x%02x", t.Endpoint)
	}
	return nil
}

func (h *usbfsHost) Cancel(t *Transfer) error {
	h.mtx.Lock()
	urb, ok := h.byXfer[t]
	h.mtx.Unlock()
	if !ok {
		return errors.New("transfer not in flight")
	}
	// EINVAL here means the urb already completed; the reaper will still
	// deliver it.
	if errno := h.ioctl(usbdevfsDiscardURB, unsafe.Pointer(urb)); errno != 0 && errno != unix.EINVAL {
		return errors.Wrap(errno, "failed to discard urb")
	}
	return nil
}

func (h *usbfsHost) Close() error {
	h.mtx.Lock()
	if h.closed {
		h.mtx.Unlock()
		return nil
	}
	h.closed = true
	h.mtx.Unlock()
	return h.f.Close()
}

func (h *usbfsHost) reapLoop() {
	for {
		var urbPtr *usbdevfsURB
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, h.f.Fd(), usbdevfsReapURB, uintptr(unsafe.Pointer(&urbPtr)))
		if errno == unix.EINTR || errno == unix.EAGAIN {
			continue
		}
		if errno != 0 {
			h.failAll(errno)
			return
		}

		h.mtx.Lock()
		t, ok := h.inflight[urbPtr]
		delete(h.inflight, urbPtr)
		if ok {
			delete(h.byXfer, t)
		}
		h.mtx.Unlock()
		if !ok {
			_ = level.Warn(h.logger).Log("msg", "reaped unknown urb")
			continue
		}

		t.ActualLength = int(urbPtr.ActualLength)
		if t.Type == TransferControl {
			// usbfs reports the data stage only; the Transfer contract
			// counts the setup packet too.
			t.ActualLength += 8
		}
		t.Status = transferStatus(urbPtr.Status)
		if t.Callback != nil {
			t.Callback(t)
		}
	}
}

// failAll completes every in-flight transfer after the device node went
// away, so no URB is left without a completion.
func (h *usbfsHost) failAll(errno unix.Errno) {
	h.mtx.Lock()
	pending := make([]*Transfer, 0, len(h.inflight))
	for urb, t := range h.inflight {
		delete(h.inflight, urb)
		delete(h.byXfer, t)
		pending = append(pending, t)
	}
	closed := h.closed
	h.mtx.Unlock()

	if !closed {
		_ = level.Error(h.logger).Log("msg", "urb reaper stopped", "errno", errno)
	}
	for _, t := range pending {
		t.ActualLength = 0
		t.Status = StatusNoDevice
		if t.Callback != nil {
			t.Callback(t)
		}
	}
}

// transferStatus maps the kernel's negative-errno urb status.
func transferStatus(status int32) TransferStatus {
	switch -status {
	case 0:
		return StatusCompleted
	case int32(unix.ECONNRESET), int32(unix.ENOENT):
		return StatusCancelled
	case int32(unix.EPIPE):
		return StatusStall
	case int32(unix.ETIMEDOUT):
		return StatusTimedOut
	case int32(unix.ENODEV), int32(unix.ESHUTDOWN):
		return StatusNoDevice
	default:
		return StatusError
	}
}
