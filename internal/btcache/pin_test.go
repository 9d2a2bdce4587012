package btcache

import "testing"

func TestPinTableSetAndConsume(t *testing.T) {
	pt := newPinTable()
	pt.Set("/org/bluez/hci0/dev_AA", "1234")

	got, ok := pt.Get("/org/bluez/hci0/dev_AA", true)
	if !ok || got != "1234" {
		t.Fatalf("Get() = (%q, %v), want (1234, true)", got, ok)
	}

	if _, ok := pt.Get("/org/bluez/hci0/dev_AA", true); ok {
		t.Fatal("pincode was not consumed by removeIt=true")
	}
}

func TestPinTablePeekDoesNotConsume(t *testing.T) {
	pt := newPinTable()
	pt.Set("/org/bluez/hci0/dev_BB", "0000")

	if _, ok := pt.Get("/org/bluez/hci0/dev_BB", false); !ok {
		t.Fatal("peek should find the pincode")
	}
	if _, ok := pt.Get("/org/bluez/hci0/dev_BB", true); !ok {
		t.Fatal("pincode should still be present after a peek")
	}
}

func TestPinTableMissing(t *testing.T) {
	pt := newPinTable()
	if _, ok := pt.Get("/nonexistent", true); ok {
		t.Fatal("expected no pincode for unknown path")
	}
}
