// SPDX-License-Identifier: Apache-2.0

package driver

import (
	"bytes"
	"testing"
	"testing/fstest"
)

func deviceEntry(busId, vendor, product, busnum, devnum, speed string, descriptors []byte) fstest.MapFS {
	prefix := "bus/usb/devices/" + busId + "/"
	return fstest.MapFS{
		prefix + "idVendor":    {Data: []byte(vendor + "\n")},
		prefix + "idProduct":   {Data: []byte(product + "\n")},
		prefix + "busnum":      {Data: []byte(busnum + "\n")},
		prefix + "devnum":      {Data: []byte(devnum + "\n")},
		prefix + "speed":       {Data: []byte(speed + "\n")},
		prefix + "descriptors": {Data: descriptors},
	}
}

func mergeFS(parts ...fstest.MapFS) fstest.MapFS {
	merged := fstest.MapFS{}
	for _, part := range parts {
		for name, file := range part {
			merged[name] = file
		}
	}
	return merged
}

func TestEnumerateDevices(t *testing.T) {
	descriptors := append(deviceDesc(), configBlock()...)
	for _, tc := range []struct {
		name    string
		fs      fstest.MapFS
		devices int
		err     bool
	}{
		{
			name: "sysfs unreadable",
			fs:   fstest.MapFS{},
			err:  true,
		},
		{
			name: "detect",
			fs: mergeFS(
				deviceEntry("2-1", "dead", "beef", "02", "33", "12", descriptors),
				deviceEntry("2-1.4", "1234", "5678", "02", "34", "480", descriptors),
				// Root hubs and interface entries are not devices.
				fstest.MapFS{
					"bus/usb/devices/usb2/idVendor":  {Data: []byte("1d6b\n")},
					"bus/usb/devices/2-1:1.0/bInterfaceClass": {Data: []byte("03\n")},
				},
			),
			devices: 2,
		},
		{
			name: "skip partially missing data",
			fs: mergeFS(
				deviceEntry("2-1", "dead", "beef", "02", "33", "12", descriptors),
				fstest.MapFS{"bus/usb/devices/2-2/idVendor": {Data: []byte("dead\n")}},
			),
			devices: 1,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			enum := NewSysfsEnumerator(tc.fs, nil)
			devices, err := enum.EnumerateDevices()
			if (err != nil) != tc.err {
				t.Fatalf("got error %v", err)
			}
			if len(devices) != tc.devices {
				t.Errorf("got %d devices; want %d", len(devices), tc.devices)
			}
		})
	}
}

func TestDescribeDevice(t *testing.T) {
	descriptors := append(deviceDesc(), configBlock()...)
	enum := NewSysfsEnumerator(deviceEntry("2-1", "dead", "beef", "02", "33", "12", descriptors), nil)
	devices, err := enum.EnumerateDevices()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("got %d devices; want 1", len(devices))
	}
	dev := devices[0]
	if dev.Vendor != 0xdead || dev.Product != 0xbeef {
		t.Errorf("got %04x:%04x; want dead:beef", dev.Vendor, dev.Product)
	}
	if dev.BusNum != 2 || dev.DevNum != 33 {
		t.Errorf("got bus %d dev %d; want 2/33", dev.BusNum, dev.DevNum)
	}
	if dev.Speed != SpeedFull {
		t.Errorf("got speed %d; want full", dev.Speed)
	}
	if dev.DevMountPath() != "/dev/bus/usb/002/033" {
		t.Errorf("got mount path %s", dev.DevMountPath())
	}
	if !bytes.Equal(dev.RawDescriptors, descriptors) {
		t.Error("descriptors blob mismatch")
	}
}

func TestFindDevice(t *testing.T) {
	descriptors := append(deviceDesc(), configBlock()...)
	fsys := mergeFS(
		deviceEntry("2-1", "dead", "beef", "02", "33", "12", descriptors),
		deviceEntry("2-2", "1234", "5678", "02", "34", "1.5", descriptors),
	)
	enum := NewSysfsEnumerator(fsys, nil)

	dev, err := enum.FindDevice(DeviceSelector{Vendor: 0x1234})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dev.BusId != "2-2" {
		t.Errorf("got %s; want 2-2", dev.BusId)
	}
	if dev.Speed != SpeedLow {
		t.Errorf("got speed %d; want low", dev.Speed)
	}

	if _, err := enum.FindDevice(DeviceSelector{Vendor: 0xffff}); err == nil {
		t.Error("expected no match")
	}

	dev, err = enum.FindDevice(DeviceSelector{BusId: "2-1", Product: 0xbeef})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dev.BusId != "2-1" {
		t.Errorf("got %s; want 2-1", dev.BusId)
	}
}
