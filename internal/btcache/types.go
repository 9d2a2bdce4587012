// Package btcache maintains an in-memory mirror of BlueZ's adapter and
// device objects, fed by org.freedesktop.DBus.ObjectManager and
// PropertiesChanged signals, grounded on
// original_source/src/lib/bluetooth/bluetooth_manager.cpp.
package btcache

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/godbus/dbus/v5"
)

// Adapter mirrors the subset of org.bluez.Adapter1 properties the bridge
// cares about.
type Adapter struct {
	Path         string `json:"path"`
	Address      string `json:"address"`
	Name         string `json:"name"`
	Alias        string `json:"alias"`
	Powered      bool   `json:"powered"`
	Discoverable bool   `json:"discoverable"`
	Pairable     bool   `json:"pairable"`
	Discovering  bool   `json:"discovering"`
}

// Modalias is the parsed form of org.bluez.Device1's Modalias property,
// grounded on device.h's parseModalias: it accepts both "usb:" and
// "bluetooth:" prefixed forms, each encoding vendor/product/device IDs as
// four hex digits.
type Modalias struct {
	Source  string `json:"source"` // "usb" or "bluetooth"
	Vendor  uint16 `json:"vendor"`
	Product uint16 `json:"product"`
	Device  uint16 `json:"device"`
}

var (
	modaliasUSB       = regexp.MustCompile(`^usb:v([0-9A-Fa-f]{4})p([0-9A-Fa-f]{4})d([0-9A-Fa-f]{4})$`)
	modaliasBluetooth = regexp.MustCompile(`^bluetooth:v([0-9A-Fa-f]{4})p([0-9A-Fa-f]{4})d([0-9A-Fa-f]{4})$`)
)

// parseModalias extracts vendor/product/device IDs from a BlueZ Modalias
// string. ok is false when s matches neither known prefix.
func parseModalias(s string) (m Modalias, ok bool) {
	var match []string
	switch {
	case modaliasUSB.MatchString(s):
		match = modaliasUSB.FindStringSubmatch(s)
		m.Source = "usb"
	case modaliasBluetooth.MatchString(s):
		match = modaliasBluetooth.FindStringSubmatch(s)
		m.Source = "bluetooth"
	default:
		return Modalias{}, false
	}

	vendor, _ := strconv.ParseUint(match[1], 16, 16)
	product, _ := strconv.ParseUint(match[2], 16, 16)
	device, _ := strconv.ParseUint(match[3], 16, 16)
	m.Vendor, m.Product, m.Device = uint16(vendor), uint16(product), uint16(device)
	return m, true
}

// Device mirrors the subset of org.bluez.Device1 properties the bridge
// cares about.
type Device struct {
	Path          string   `json:"path"`
	Adapter       string   `json:"adapter"`
	Address       string   `json:"address"`
	Name          string   `json:"name"`
	Alias         string   `json:"alias"`
	Class         uint32   `json:"class"`
	Icon          string   `json:"icon"`
	Paired        bool     `json:"paired"`
	Trusted       bool     `json:"trusted"`
	Bonded        bool     `json:"bonded"`
	Connected     bool     `json:"connected"`
	LegacyPairing bool     `json:"legacyPairing"`
	Blocked       bool     `json:"blocked"`
	ServicesResolved bool  `json:"servicesResolved"`
	RSSI          int16    `json:"rssi"`
	UUIDs         []string `json:"uuids,omitempty"`
	Modalias      Modalias `json:"modalias"`

	ManufacturerData map[uint16][]byte `json:"manufacturerData,omitempty"`
	ServiceData      map[string][]byte `json:"serviceData,omitempty"`
}

// applyAdapterProps overwrites only the fields present in props, per the
// diff-apply semantics PropertiesChanged requires (fields absent from the
// changed-properties map must be left untouched).
func (a *Adapter) applyAdapterProps(props map[string]dbus.Variant) {
	if v, ok := props["Address"]; ok {
		a.Address, _ = v.Value().(string)
	}
	if v, ok := props["Name"]; ok {
		a.Name, _ = v.Value().(string)
	}
	if v, ok := props["Alias"]; ok {
		a.Alias, _ = v.Value().(string)
	}
	if v, ok := props["Powered"]; ok {
		a.Powered, _ = v.Value().(bool)
	}
	if v, ok := props["Discoverable"]; ok {
		a.Discoverable, _ = v.Value().(bool)
	}
	if v, ok := props["Pairable"]; ok {
		a.Pairable, _ = v.Value().(bool)
	}
	if v, ok := props["Discovering"]; ok {
		a.Discovering, _ = v.Value().(bool)
	}
}

func (d *Device) applyDeviceProps(props map[string]dbus.Variant) {
	if v, ok := props["Adapter"]; ok {
		if p, ok := v.Value().(dbus.ObjectPath); ok {
			d.Adapter = string(p)
		}
	}
	if v, ok := props["Address"]; ok {
		d.Address, _ = v.Value().(string)
	}
	if v, ok := props["Name"]; ok {
		d.Name, _ = v.Value().(string)
	}
	if v, ok := props["Alias"]; ok {
		d.Alias, _ = v.Value().(string)
	}
	if v, ok := props["Class"]; ok {
		if c, ok := v.Value().(uint32); ok {
			d.Class = c
		}
	}
	if v, ok := props["Icon"]; ok {
		d.Icon, _ = v.Value().(string)
	}
	if v, ok := props["Paired"]; ok {
		d.Paired, _ = v.Value().(bool)
	}
	if v, ok := props["Trusted"]; ok {
		d.Trusted, _ = v.Value().(bool)
	}
	if v, ok := props["Bonded"]; ok {
		d.Bonded, _ = v.Value().(bool)
	}
	if v, ok := props["Connected"]; ok {
		d.Connected, _ = v.Value().(bool)
	}
	if v, ok := props["LegacyPairing"]; ok {
		d.LegacyPairing, _ = v.Value().(bool)
	}
	if v, ok := props["Blocked"]; ok {
		d.Blocked, _ = v.Value().(bool)
	}
	if v, ok := props["ServicesResolved"]; ok {
		d.ServicesResolved, _ = v.Value().(bool)
	}
	if v, ok := props["ManufacturerData"]; ok {
		if md, ok := v.Value().(map[uint16]dbus.Variant); ok {
			out := make(map[uint16][]byte, len(md))
			for key, variant := range md {
				if b, ok := variant.Value().([]byte); ok {
					out[key] = b
				}
			}
			d.ManufacturerData = out
		}
	}
	if v, ok := props["ServiceData"]; ok {
		if sd, ok := v.Value().(map[string]dbus.Variant); ok {
			out := make(map[string][]byte, len(sd))
			for key, variant := range sd {
				if b, ok := variant.Value().([]byte); ok {
					out[key] = b
				}
			}
			d.ServiceData = out
		}
	}
	if v, ok := props["RSSI"]; ok {
		if r, ok := v.Value().(int16); ok {
			d.RSSI = r
		}
	}
	if v, ok := props["UUIDs"]; ok {
		if u, ok := v.Value().([]string); ok {
			d.UUIDs = u
		}
	}
	if v, ok := props["Modalias"]; ok {
		if s, ok := v.Value().(string); ok {
			if m, ok := parseModalias(s); ok {
				d.Modalias = m
			}
		}
	}
}

func deviceFromProps(path string, props map[string]dbus.Variant) *Device {
	d := &Device{Path: path}
	d.applyDeviceProps(props)
	return d
}

func adapterFromProps(path string, props map[string]dbus.Variant) *Adapter {
	a := &Adapter{Path: path}
	a.applyAdapterProps(props)
	return a
}

// devicePath derives the object path BlueZ uses for a device, e.g.
// "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF", matching
// bluetooth_manager.cpp's getDevicePath.
func devicePath(adapterPath, address string) string {
	mangled := make([]byte, 0, len(address))
	for _, r := range address {
		if r == ':' {
			mangled = append(mangled, '_')
			continue
		}
		mangled = append(mangled, byte(r))
	}
	return fmt.Sprintf("%s/dev_%s", adapterPath, mangled)
}
