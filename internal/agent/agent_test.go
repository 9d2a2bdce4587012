package agent

import (
	"testing"

	"github.com/godbus/dbus/v5"
)

type fakePins struct {
	values map[string]string
}

func (f *fakePins) Get(path string, removeIt bool) (string, bool) {
	v, ok := f.values[path]
	if ok && removeIt {
		delete(f.values, path)
	}
	return v, ok
}

func TestRequestPincodeReturnsQueuedValue(t *testing.T) {
	pins := &fakePins{values: map[string]string{"/dev/AA": "1234"}}
	a := New(pins, nil)

	got, derr := a.RequestPincode(dbus.ObjectPath("/dev/AA"))
	if derr != nil {
		t.Fatalf("RequestPincode error = %v", derr)
	}
	if got != "1234" {
		t.Fatalf("RequestPincode = %q, want 1234", got)
	}
}

func TestRequestPincodeRejectsWhenNoneQueued(t *testing.T) {
	a := New(&fakePins{values: map[string]string{}}, nil)
	if _, derr := a.RequestPincode(dbus.ObjectPath("/dev/BB")); derr == nil {
		t.Fatal("expected rejection when no pincode is queued")
	}
}

func TestRequestPasskeyParsesNumericPin(t *testing.T) {
	pins := &fakePins{values: map[string]string{"/dev/AA": "654321"}}
	a := New(pins, nil)

	got, derr := a.RequestPasskey(dbus.ObjectPath("/dev/AA"))
	if derr != nil {
		t.Fatalf("RequestPasskey error = %v", derr)
	}
	if got != 654321 {
		t.Fatalf("RequestPasskey = %d, want 654321", got)
	}
}

func TestRequestPasskeyRejectsNonNumeric(t *testing.T) {
	pins := &fakePins{values: map[string]string{"/dev/AA": "not-a-number"}}
	a := New(pins, nil)
	if _, derr := a.RequestPasskey(dbus.ObjectPath("/dev/AA")); derr == nil {
		t.Fatal("expected rejection for a non-numeric queued pincode")
	}
}

func TestConfirmationAndAuthorizationAlwaysAccept(t *testing.T) {
	a := New(&fakePins{values: map[string]string{}}, nil)
	if derr := a.RequestConfirmation(dbus.ObjectPath("/dev/AA"), 1234); derr != nil {
		t.Fatalf("RequestConfirmation = %v, want nil", derr)
	}
	if derr := a.RequestAuthorization(dbus.ObjectPath("/dev/AA")); derr != nil {
		t.Fatalf("RequestAuthorization = %v, want nil", derr)
	}
	if derr := a.AuthorizeService(dbus.ObjectPath("/dev/AA"), "00001101-0000-1000-8000-00805f9b34fb"); derr != nil {
		t.Fatalf("AuthorizeService = %v, want nil", derr)
	}
}
