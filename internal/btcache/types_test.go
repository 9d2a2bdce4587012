package btcache

import (
	"testing"

	"github.com/godbus/dbus/v5"
)

func TestParseModalias(t *testing.T) {
	cases := []struct {
		in   string
		want Modalias
		ok   bool
	}{
		{"usb:v1234p5678dABCD", Modalias{Source: "usb", Vendor: 0x1234, Product: 0x5678, Device: 0xabcd}, true},
		{"bluetooth:v0001p0002d0003", Modalias{Source: "bluetooth", Vendor: 1, Product: 2, Device: 3}, true},
		{"garbage", Modalias{}, false},
		{"", Modalias{}, false},
	}
	for _, tc := range cases {
		got, ok := parseModalias(tc.in)
		if ok != tc.ok {
			t.Errorf("parseModalias(%q) ok = %v, want %v", tc.in, ok, tc.ok)
			continue
		}
		if ok && got != tc.want {
			t.Errorf("parseModalias(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
	}
}

func TestDevicePath(t *testing.T) {
	got := devicePath("/org/bluez/hci0", "AA:BB:CC:DD:EE:FF")
	want := "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF"
	if got != want {
		t.Errorf("devicePath() = %q, want %q", got, want)
	}
}

func TestDeviceApplyPropsOnlyOverwritesPresentKeys(t *testing.T) {
	d := &Device{Address: "AA:BB:CC:DD:EE:FF", Name: "original", Paired: false}

	d.applyDeviceProps(map[string]dbus.Variant{
		"Paired": dbus.MakeVariant(true),
	})

	if !d.Paired {
		t.Error("Paired was not updated")
	}
	if d.Name != "original" {
		t.Errorf("Name = %q, want unchanged %q", d.Name, "original")
	}
	if d.Address != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("Address = %q, want unchanged", d.Address)
	}
}

func TestAdapterApplyPropsOnlyOverwritesPresentKeys(t *testing.T) {
	a := &Adapter{Name: "original", Powered: false, Discoverable: true}

	a.applyAdapterProps(map[string]dbus.Variant{
		"Powered": dbus.MakeVariant(true),
	})

	if !a.Powered {
		t.Error("Powered was not updated")
	}
	if a.Name != "original" {
		t.Errorf("Name = %q, want unchanged", a.Name)
	}
	if !a.Discoverable {
		t.Error("Discoverable should remain unchanged (true)")
	}
}
