// Package agent implements BlueZ's org.bluez.Agent1 interface so the
// bridge can answer pairing prompts without a human present, grounded on
// original_source/src/lib/bluetooth/agent.cpp. Requests for a pincode or
// passkey are answered from the btcache pin table seeded by
// RequestConnectWithPincode; anything else is auto-confirmed, matching the
// original's "KeyboardDisplay" capability (it can display and enter
// input, but runs unattended).
package agent

import (
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
)

const (
	// Path is where the agent object is exported, matching the original's
	// registration path in main.cpp.
	Path = dbus.ObjectPath("/com/example/bluetooth/agent")
	// Capability is passed to AgentManager1.RegisterAgent.
	Capability = "KeyboardDisplay"

	ifaceAgentManager = "org.bluez.AgentManager1"
)

// PinSource is the read-only view of the object cache's pincode table the
// agent needs; btcache.PinTable satisfies this.
type PinSource interface {
	Get(path string, removeIt bool) (string, bool)
}

// Agent answers BlueZ pairing callbacks over D-Bus.
type Agent struct {
	pins PinSource
	log  *logrus.Logger
}

// New constructs an Agent backed by pins.
func New(pins PinSource, log *logrus.Logger) *Agent {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Agent{pins: pins, log: log}
}

// Register exports the agent on conn and asks BlueZ to use it as the
// default agent for every pairing request.
func Register(conn *dbus.Conn, a *Agent) error {
	if err := conn.Export(a, Path, "org.bluez.Agent1"); err != nil {
		return fmt.Errorf("agent: export: %w", err)
	}

	manager := conn.Object("org.bluez", dbus.ObjectPath("/org/bluez"))
	if call := manager.Call(ifaceAgentManager+".RegisterAgent", 0, Path, Capability); call.Err != nil {
		return fmt.Errorf("agent: register: %w", call.Err)
	}
	if call := manager.Call(ifaceAgentManager+".RequestDefaultAgent", 0, Path); call.Err != nil {
		return fmt.Errorf("agent: request default: %w", call.Err)
	}
	return nil
}

// Unregister asks BlueZ to drop the agent registration.
func Unregister(conn *dbus.Conn) error {
	manager := conn.Object("org.bluez", dbus.ObjectPath("/org/bluez"))
	if call := manager.Call(ifaceAgentManager+".UnregisterAgent", 0, Path); call.Err != nil {
		return fmt.Errorf("agent: unregister: %w", call.Err)
	}
	return nil
}

// Release is called by BlueZ when the agent is unregistered.
func (a *Agent) Release() *dbus.Error {
	a.log.Debug("agent: released")
	return nil
}

// RequestPincode answers with the pincode queued for device, or rejects
// the pairing attempt if none was queued (the bridge never guesses a
// pincode it wasn't told).
func (a *Agent) RequestPincode(device dbus.ObjectPath) (string, *dbus.Error) {
	pin, ok := a.pins.Get(string(device), true)
	if !ok {
		a.log.WithField("device", device).Warn("agent: pincode requested with none queued")
		return "", dbus.NewError("org.bluez.Error.Rejected", []interface{}{"no pincode available"})
	}
	return pin, nil
}

// RequestPasskey answers with the queued pincode parsed as a numeric
// passkey, or rejects if none was queued or it isn't numeric.
func (a *Agent) RequestPasskey(device dbus.ObjectPath) (uint32, *dbus.Error) {
	pin, ok := a.pins.Get(string(device), true)
	if !ok {
		a.log.WithField("device", device).Warn("agent: passkey requested with none queued")
		return 0, dbus.NewError("org.bluez.Error.Rejected", []interface{}{"no passkey available"})
	}
	var passkey uint32
	if _, err := fmt.Sscanf(pin, "%d", &passkey); err != nil {
		return 0, dbus.NewError("org.bluez.Error.Rejected", []interface{}{"queued pincode is not numeric"})
	}
	return passkey, nil
}

// DisplayPincode logs the pincode BlueZ wants shown to a user; there is no
// display to show it on, so it is only recorded.
func (a *Agent) DisplayPincode(device dbus.ObjectPath, pincode string) *dbus.Error {
	a.log.WithFields(logrus.Fields{"device": device, "pincode": pincode}).Info("agent: display pincode")
	return nil
}

// DisplayPasskey logs the passkey and entry progress BlueZ reports.
func (a *Agent) DisplayPasskey(device dbus.ObjectPath, passkey uint32, entered uint16) *dbus.Error {
	a.log.WithFields(logrus.Fields{"device": device, "passkey": passkey, "entered": entered}).Info("agent: display passkey")
	return nil
}

// RequestConfirmation auto-accepts every numeric comparison, matching the
// original's unattended pairing flow.
func (a *Agent) RequestConfirmation(device dbus.ObjectPath, passkey uint32) *dbus.Error {
	a.log.WithFields(logrus.Fields{"device": device, "passkey": passkey}).Info("agent: confirming pairing")
	return nil
}

// RequestAuthorization auto-accepts every pairing request that doesn't go
// through one of the pincode/passkey/confirmation flows above.
func (a *Agent) RequestAuthorization(device dbus.ObjectPath) *dbus.Error {
	a.log.WithField("device", device).Info("agent: authorizing device")
	return nil
}

// AuthorizeService auto-accepts every service connection request.
func (a *Agent) AuthorizeService(device dbus.ObjectPath, uuid string) *dbus.Error {
	a.log.WithFields(logrus.Fields{"device": device, "uuid": uuid}).Info("agent: authorizing service")
	return nil
}

// Cancel is called by BlueZ when an in-flight request is abandoned.
func (a *Agent) Cancel() *dbus.Error {
	a.log.Debug("agent: request cancelled")
	return nil
}
