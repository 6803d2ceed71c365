package usbip

import (
	"sync"

	"github.com/MatthiasValvekens/usbip-server/driver"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// ExportedBusID is the bus ID under which the single attached device is
// published, with busnum/devnum fixed at 1-1 to match.
const (
	ExportedBusID  = "1-1"
	ExportedPath   = "/usbip-server/usb1"
	exportedBusNum = 1
	exportedDevNum = 1
)

// Endpoint describes one direction of one endpoint of the attached device.
type Endpoint struct {
	Address       uint8
	Attributes    uint8
	MaxPacketSize uint16
}

// Interface is one entry of the attached device's interface list. An
// interface that could not be claimed stays in the list (the devlist reply
// still advertises it) but is marked unusable.
type Interface struct {
	Class    uint8
	SubClass uint8
	Protocol uint8
	Claimed  bool
}

// Device is the immutable record of the attached device, built once on
// attach from the host-side descriptors.
type Device struct {
	BusNum uint32
	DevNum uint32
	Speed  uint32

	Vendor             uint16
	Product            uint16
	BCDDevice          uint16
	DeviceClass        uint8
	DeviceSubClass     uint8
	DeviceProtocol     uint8
	ConfigurationValue uint8
	NumConfigurations  uint8

	Interfaces []Interface

	// endpoints is indexed by endpoint number and direction (0=OUT, 1=IN).
	// Populated once at attach; read-only afterwards.
	endpoints [16][2]*Endpoint
}

// Endpoint returns the descriptor for an endpoint number and direction, or
// nil if the active configuration does not define it.
func (d *Device) Endpoint(num uint32, dir Direction) *Endpoint {
	if num > 15 {
		return nil
	}
	return d.endpoints[num][dir]
}

func (d *Device) wireBlock() deviceBlock {
	blk := deviceBlock{
		BusNum:             d.BusNum,
		DevNum:             d.DevNum,
		Speed:              d.Speed,
		Vendor:             d.Vendor,
		Product:            d.Product,
		BCDDevice:          d.BCDDevice,
		DeviceClass:        d.DeviceClass,
		DeviceSubClass:     d.DeviceSubClass,
		DeviceProtocol:     d.DeviceProtocol,
		ConfigurationValue: d.ConfigurationValue,
		NumConfigurations:  d.NumConfigurations,
		NumInterfaces:      uint8(len(d.Interfaces)),
	}
	copy(blk.Path[:], ExportedPath)
	copy(blk.BusID[:], ExportedBusID)
	return blk
}

// registry publishes the attached device and serves the op-phase queries.
type registry struct {
	mtx    sync.RWMutex
	logger log.Logger
	dev    *Device
	host   driver.Host
}

func newRegistry(logger log.Logger) *registry {
	return &registry{logger: logger}
}

// attach ingests the host-side descriptors, builds the endpoint map and
// interface list, and claims every interface. A claim failure is logged and
// the interface marked unusable; the attach itself proceeds.
func (r *registry) attach(host driver.Host) error {
	devDesc, err := host.DeviceDescriptor()
	if err != nil {
		return err
	}
	cfg, intfs, eps, err := host.ActiveConfig()
	if err != nil {
		return err
	}
	speed := host.Speed()

	dev := &Device{
		BusNum:             exportedBusNum,
		DevNum:             exportedDevNum,
		Speed:              uint32(speed),
		Vendor:             devDesc.VendorID,
		Product:            devDesc.ProductID,
		BCDDevice:          devDesc.DeviceVersion,
		DeviceClass:        devDesc.DeviceClass,
		DeviceSubClass:     devDesc.DeviceSubClass,
		DeviceProtocol:     devDesc.DeviceProtocol,
		ConfigurationValue: cfg.ConfigurationValue,
		NumConfigurations:  devDesc.NumConfigurations,
	}
	for _, ep := range eps {
		num := ep.EndpointAddress & 0x0f
		dir := DirOut
		if ep.EndpointAddress&0x80 != 0 {
			dir = DirIn
		}
		dev.endpoints[num][dir] = &Endpoint{
			Address:       ep.EndpointAddress,
			Attributes:    ep.Attributes,
			MaxPacketSize: ep.MaxPacketSize,
		}
	}
	for _, intf := range intfs {
		entry := Interface{
			Class:    intf.InterfaceClass,
			SubClass: intf.InterfaceSubClass,
			Protocol: intf.InterfaceProtocol,
			Claimed:  true,
		}
		if err := host.ClaimInterface(intf.InterfaceNumber); err != nil {
			_ = level.Warn(r.logger).Log("msg", "failed to claim interface", "interface", intf.InterfaceNumber, "err", err)
			entry.Claimed = false
		}
		dev.Interfaces = append(dev.Interfaces, entry)
	}

	r.mtx.Lock()
	r.dev = dev
	r.host = host
	r.mtx.Unlock()
	_ = level.Info(r.logger).Log("msg", "device attached",
		"vendor", devDesc.VendorID, "product", devDesc.ProductID,
		"interfaces", len(dev.Interfaces), "speed", speed)
	return nil
}

func (r *registry) detach() {
	r.mtx.Lock()
	r.dev = nil
	r.host = nil
	r.mtx.Unlock()
}

func (r *registry) device() *Device {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	return r.dev
}

func (r *registry) hostDriver() driver.Host {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	return r.host
}

// importDevice resolves OP_REQ_IMPORT: status 0 with the device record if
// the busid names the exported device, status 1 (no such device) otherwise.
func (r *registry) importDevice(busID string) (*Device, uint32) {
	dev := r.device()
	if dev == nil || busID != ExportedBusID {
		return nil, 1
	}
	return dev, 0
}
