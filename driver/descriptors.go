// SPDX-License-Identifier: Apache-2.0

package driver

import (
	"encoding/binary"

	"github.com/efficientgo/core/errors"
)

// Standard descriptor types.
const (
	dtDevice    = 0x01
	dtConfig    = 0x02
	dtInterface = 0x04
	dtEndpoint  = 0x05
)

const (
	deviceDescriptorSize    = 18
	configDescriptorSize    = 9
	interfaceDescriptorSize = 9
	endpointDescriptorSize  = 7
)

type DeviceDescriptor struct {
	USBVersion        uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	VendorID          uint16
	ProductID         uint16
	DeviceVersion     uint16
	NumConfigurations uint8
}

type ConfigDescriptor struct {
	TotalLength        uint16
	NumInterfaces      uint8
	ConfigurationValue uint8
	Attributes         uint8
	MaxPower           uint8
}

type InterfaceDescriptor struct {
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
}

type EndpointDescriptor struct {
	EndpointAddress uint8
	Attributes      uint8
	MaxPacketSize   uint16
	Interval        uint8
}

// ParseDeviceDescriptor decodes an 18-byte device descriptor.
func ParseDeviceDescriptor(raw []byte) (*DeviceDescriptor, error) {
	if len(raw) < deviceDescriptorSize {
		return nil, errors.Newf("device descriptor truncated: %d bytes", len(raw))
	}
	if raw[1] != dtDevice {
		return nil, errors.Newf("not a device descriptor: type 0x%02x", raw[1])
	}
	return &DeviceDescriptor{
		USBVersion:        binary.LittleEndian.Uint16(raw[2:4]),
		DeviceClass:       raw[4],
		DeviceSubClass:    raw[5],
		DeviceProtocol:    raw[6],
		MaxPacketSize0:    raw[7],
		VendorID:          binary.LittleEndian.Uint16(raw[8:10]),
		ProductID:         binary.LittleEndian.Uint16(raw[10:12]),
		DeviceVersion:     binary.LittleEndian.Uint16(raw[12:14]),
		NumConfigurations: raw[17],
	}, nil
}

// ParseConfigDescriptor walks a raw configuration descriptor block
// (configuration, interface, endpoint, and any class-specific descriptors
// in between) and collects the interfaces and endpoints of alternate
// setting zero. Descriptors are length-prefixed; unknown types are skipped.
func ParseConfigDescriptor(raw []byte) (*ConfigDescriptor, []InterfaceDescriptor, []EndpointDescriptor, error) {
	if len(raw) < configDescriptorSize || raw[1] != dtConfig {
		return nil, nil, nil, errors.New("not a configuration descriptor")
	}
	cfg := &ConfigDescriptor{
		TotalLength:        binary.LittleEndian.Uint16(raw[2:4]),
		NumInterfaces:      raw[4],
		ConfigurationValue: raw[5],
		Attributes:         raw[7],
		MaxPower:           raw[8],
	}
	if int(cfg.TotalLength) < len(raw) {
		raw = raw[:cfg.TotalLength]
	}

	var intfs []InterfaceDescriptor
	var eps []EndpointDescriptor
	inAltZero := false
	for off := int(raw[0]); off+2 <= len(raw); {
		length, typ := int(raw[off]), raw[off+1]
		if length < 2 || off+length > len(raw) {
			return nil, nil, nil, errors.Newf("descriptor overruns block at offset %d", off)
		}
		switch typ {
		case dtInterface:
			if length < interfaceDescriptorSize {
				return nil, nil, nil, errors.New("interface descriptor truncated")
			}
			intf := InterfaceDescriptor{
				InterfaceNumber:   raw[off+2],
				AlternateSetting:  raw[off+3],
				NumEndpoints:      raw[off+4],
				InterfaceClass:    raw[off+5],
				InterfaceSubClass: raw[off+6],
				InterfaceProtocol: raw[off+7],
			}
			inAltZero = intf.AlternateSetting == 0
			if inAltZero {
				intfs = append(intfs, intf)
			}
		case dtEndpoint:
			if length < endpointDescriptorSize {
				return nil, nil, nil, errors.New("endpoint descriptor truncated")
			}
			if inAltZero {
				eps = append(eps, EndpointDescriptor{
					EndpointAddress: raw[off+2],
					Attributes:      raw[off+3],
					MaxPacketSize:   binary.LittleEndian.Uint16(raw[off+4 : off+6]),
					Interval:        raw[off+6],
				})
			}
		}
		off += length
	}
	return cfg, intfs, eps, nil
}
