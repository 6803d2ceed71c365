// SPDX-License-Identifier: Apache-2.0

package driver

import (
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"strings"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

const (
	Sys    = "/sys"
	sysBus = "bus"
)

// DeviceSelector narrows discovery to one physical device. Zero-valued
// fields match anything.
type DeviceSelector struct {
	// Vendor is the USB Vendor ID of the device.
	Vendor uint16 `json:"vendor"`
	// Product is the USB Product ID of the device.
	Product uint16 `json:"product"`
	// BusId describes the USB Bus ID of the device.
	BusId string `json:"bus_id"`
}

func (sel DeviceSelector) matches(dev *SysfsDevice) bool {
	return (sel.BusId == "" || sel.BusId == dev.BusId) &&
		(sel.Vendor == 0 || sel.Vendor == dev.Vendor) &&
		(sel.Product == 0 || sel.Product == dev.Product)
}

// SysfsDevice is one enumerated USB device with the attributes needed to
// open it through usbfs.
type SysfsDevice struct {
	BusId   string
	Vendor  uint16
	Product uint16
	BusNum  uint16
	DevNum  uint16
	Speed   Speed

	// RawDescriptors is the binary "descriptors" attribute: the device
	// descriptor followed by the active configuration block.
	RawDescriptors []byte
}

// DevMountPath is where usbfs exposes the device node.
func (dev *SysfsDevice) DevMountPath() string {
	return fmt.Sprintf("/dev/bus/usb/%03d/%03d", dev.BusNum, dev.DevNum)
}

// Root hubs and interface entries live next to devices under
// bus/usb/devices; actual devices are named like 2-1 or 2-1.4.
var busIdPattern = regexp.MustCompile(`^\d+-\d+(\.\d+)*$`)

type SysfsEnumerator struct {
	fsys   fs.FS
	logger log.Logger
}

func NewSysfsEnumerator(fsys fs.FS, logger log.Logger) *SysfsEnumerator {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &SysfsEnumerator{fsys: fsys, logger: logger}
}

func usbSysPath(busId string) string {
	return path.Join(sysBus, "usb", "devices", busId)
}

func (e *SysfsEnumerator) readDeviceAttribute(sysPath string, attributeName string) (string, error) {
	content, err := fs.ReadFile(e.fsys, path.Join(sysPath, attributeName))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(content)), nil
}

func (e *SysfsEnumerator) readDeviceUint16Attribute(sysPath string, attributeName string) (uint16, error) {
	attrStr, err := e.readDeviceAttribute(sysPath, attributeName)
	if err != nil {
		return 0, err
	}
	var result uint16 = 0
	_, err = fmt.Sscanf(attrStr, "%d", &result)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read device attribute %s", attributeName)
	}
	return result, nil
}

func (e *SysfsEnumerator) readDeviceUint16HexAttribute(sysPath string, attributeName string) (uint16, error) {
	attrStr, err := e.readDeviceAttribute(sysPath, attributeName)
	if err != nil {
		return 0, err
	}
	var result uint16 = 0
	_, err = fmt.Sscanf(attrStr, "%04x", &result)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read device attribute %s", attributeName)
	}
	return result, nil
}

func (e *SysfsEnumerator) describeDevice(busId string) (*SysfsDevice, error) {
	sysPath := usbSysPath(busId)
	dev := &SysfsDevice{BusId: busId}
	var err error
	if dev.Vendor, err = e.readDeviceUint16HexAttribute(sysPath, "idVendor"); err != nil {
		return nil, errors.Wrapf(err, "failed to describe device %s", busId)
	}
	if dev.Product, err = e.readDeviceUint16HexAttribute(sysPath, "idProduct"); err != nil {
		return nil, errors.Wrapf(err, "failed to describe device %s", busId)
	}
	if dev.BusNum, err = e.readDeviceUint16Attribute(sysPath, "busnum"); err != nil {
		return nil, errors.Wrapf(err, "failed to describe device %s", busId)
	}
	if dev.DevNum, err = e.readDeviceUint16Attribute(sysPath, "devnum"); err != nil {
		return nil, errors.Wrapf(err, "failed to describe device %s", busId)
	}
	speedStr, err := e.readDeviceAttribute(sysPath, "speed")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to describe device %s", busId)
	}
	switch speedStr {
	case "1.5":
		dev.Speed = SpeedLow
	case "12":
		dev.Speed = SpeedFull
	default:
		// USB/IP only distinguishes low/full/high; anything faster is
		// reported as high.
		dev.Speed = SpeedHigh
	}
	if dev.RawDescriptors, err = fs.ReadFile(e.fsys, path.Join(sysPath, "descriptors")); err != nil {
		return nil, errors.Wrapf(err, "failed to read descriptors of %s", busId)
	}
	return dev, nil
}

// EnumerateDevices lists all USB devices visible in sysfs. Entries that
// cannot be fully described are logged and skipped.
func (e *SysfsEnumerator) EnumerateDevices() ([]*SysfsDevice, error) {
	devicesDir := path.Join(sysBus, "usb", "devices")
	files, err := fs.ReadDir(e.fsys, devicesDir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read usb sysdir")
	}
	var devices []*SysfsDevice
	for _, file := range files {
		if !busIdPattern.MatchString(file.Name()) {
			continue
		}
		dev, err := e.describeDevice(file.Name())
		if err != nil {
			_ = level.Debug(e.logger).Log("msg", "skipping sysfs entry", "busid", file.Name(), "err", err)
			continue
		}
		devices = append(devices, dev)
	}
	return devices, nil
}

// FindDevice returns the first enumerated device matching the selector.
func (e *SysfsEnumerator) FindDevice(sel DeviceSelector) (*SysfsDevice, error) {
	devices, err := e.EnumerateDevices()
	if err != nil {
		return nil, err
	}
	for _, dev := range devices {
		if sel.matches(dev) {
			return dev, nil
		}
	}
	return nil, errors.Newf("no device matching selector %+v", sel)
}
