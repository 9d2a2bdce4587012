package btcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
)

const (
	ifaceObjectManager = "org.freedesktop.DBus.ObjectManager"
	ifaceProperties    = "org.freedesktop.DBus.Properties"
	ifaceAdapter       = "org.bluez.Adapter1"
	ifaceDevice        = "org.bluez.Device1"

	errAlreadyExists      = "org.bluez.Error.AlreadyExists"
	errFailed             = "org.bluez.Error.Failed"
	errNotReady           = "org.bluez.Error.NotReady"
	errProfileUnavailable = "org.bluez.Error.BREDR.ProfileUnavailable"
)

// CacheConfig mirrors the §6 configuration keys under bluetooth that
// govern the pair/connect retry state machine.
type CacheConfig struct {
	MaxRepairCount    int
	MaxReconnectCount int
	PairTimeoutMS     int
	ConnectTimeoutMS  int
}

// Cache mirrors BlueZ's adapters and devices in memory, fed by two
// separate D-Bus sessions per spec.md §4.3: adapterConn carries the
// ObjectManager and Adapter1 property traffic, deviceConn carries Device1
// property traffic, matching bluetooth_manager.cpp's split proxy
// construction.
type Cache struct {
	adapterConn *dbus.Conn
	deviceConn  *dbus.Conn
	cfg         CacheConfig
	log         *logrus.Logger

	adaptersMu sync.RWMutex
	adapters   map[string]*Adapter

	devicesMu sync.RWMutex
	devices   map[string]*Device

	pins *PinTable

	watchedMu sync.Mutex
	watched   map[string]bool // not populated: Start matches PropertiesChanged interface-wide on each session
}

// NewCache snapshots every adapter and device currently known to BlueZ and
// prepares (but does not yet start) signal subscriptions.
func NewCache(adapterConn, deviceConn *dbus.Conn, cfg CacheConfig, log *logrus.Logger) (*Cache, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	c := &Cache{
		adapterConn: adapterConn,
		deviceConn:  deviceConn,
		cfg:         cfg,
		log:         log,
		adapters:    make(map[string]*Adapter),
		devices:     make(map[string]*Device),
		pins:        newPinTable(),
		watched:     make(map[string]bool),
	}

	if err := c.snapshot(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cache) snapshot() error {
	obj := c.adapterConn.Object("org.bluez", dbus.ObjectPath("/"))
	var managed map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if err := obj.Call(ifaceObjectManager+".GetManagedObjects", 0).Store(&managed); err != nil {
		return fmt.Errorf("btcache: GetManagedObjects: %w", err)
	}

	c.adaptersMu.Lock()
	c.devicesMu.Lock()
	defer c.adaptersMu.Unlock()
	defer c.devicesMu.Unlock()

	for path, ifaces := range managed {
		if props, ok := ifaces[ifaceAdapter]; ok {
			c.adapters[string(path)] = adapterFromProps(string(path), props)
		}
		if props, ok := ifaces[ifaceDevice]; ok {
			c.devices[string(path)] = deviceFromProps(string(path), props)
		}
	}
	return nil
}

// Start installs signal matches on both sessions and runs the dispatch
// loops until ctx is cancelled.
func (c *Cache) Start(ctx context.Context) error {
	if err := c.adapterConn.AddMatchSignal(
		dbus.WithMatchInterface(ifaceObjectManager),
	); err != nil {
		return fmt.Errorf("btcache: watch object manager: %w", err)
	}
	if err := c.adapterConn.AddMatchSignal(
		dbus.WithMatchInterface(ifaceProperties),
	); err != nil {
		return fmt.Errorf("btcache: watch adapter properties: %w", err)
	}
	if err := c.deviceConn.AddMatchSignal(
		dbus.WithMatchInterface(ifaceProperties),
	); err != nil {
		return fmt.Errorf("btcache: watch device properties: %w", err)
	}

	adapterSignals := make(chan *dbus.Signal, 32)
	deviceSignals := make(chan *dbus.Signal, 32)
	c.adapterConn.Signal(adapterSignals)
	c.deviceConn.Signal(deviceSignals)

	go c.dispatchLoop(ctx, adapterSignals, true)
	go c.dispatchLoop(ctx, deviceSignals, false)
	return nil
}

func (c *Cache) dispatchLoop(ctx context.Context, ch chan *dbus.Signal, isAdapterSession bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-ch:
			if !ok {
				return
			}
			c.handleSignal(sig, isAdapterSession)
		}
	}
}

func (c *Cache) handleSignal(sig *dbus.Signal, isAdapterSession bool) {
	switch sig.Name {
	case ifaceObjectManager + ".InterfacesAdded":
		c.onInterfacesAdded(sig)
	case ifaceObjectManager + ".InterfacesRemoved":
		c.onInterfacesRemoved(sig)
	case ifaceProperties + ".PropertiesChanged":
		c.onPropertiesChanged(sig, isAdapterSession)
	}
}

func (c *Cache) onInterfacesAdded(sig *dbus.Signal) {
	if len(sig.Body) < 2 {
		return
	}
	path, ok := sig.Body[0].(dbus.ObjectPath)
	if !ok {
		return
	}
	ifaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
	if !ok {
		return
	}

	if props, ok := ifaces[ifaceAdapter]; ok {
		c.adaptersMu.Lock()
		c.adapters[string(path)] = adapterFromProps(string(path), props)
		c.adaptersMu.Unlock()
	}
	if props, ok := ifaces[ifaceDevice]; ok {
		c.devicesMu.Lock()
		c.devices[string(path)] = deviceFromProps(string(path), props)
		c.devicesMu.Unlock()
	}
}

func (c *Cache) onInterfacesRemoved(sig *dbus.Signal) {
	if len(sig.Body) < 2 {
		return
	}
	path, ok := sig.Body[0].(dbus.ObjectPath)
	if !ok {
		return
	}
	ifaces, ok := sig.Body[1].([]string)
	if !ok {
		return
	}

	for _, iface := range ifaces {
		switch iface {
		case ifaceAdapter:
			c.adaptersMu.Lock()
			delete(c.adapters, string(path))
			c.adaptersMu.Unlock()
		case ifaceDevice:
			c.devicesMu.Lock()
			delete(c.devices, string(path))
			c.devicesMu.Unlock()
		}
	}
}

func (c *Cache) onPropertiesChanged(sig *dbus.Signal, isAdapterSession bool) {
	if len(sig.Body) < 2 {
		return
	}
	iface, ok := sig.Body[0].(string)
	if !ok {
		return
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return
	}
	path := string(sig.Path)

	// Both sessions match every PropertiesChanged signal; each session
	// applies only its own side so a change is handled exactly once.
	switch iface {
	case ifaceAdapter:
		if !isAdapterSession {
			return
		}
		c.adaptersMu.Lock()
		a, ok := c.adapters[path]
		if ok {
			a.applyAdapterProps(changed)
		}
		c.adaptersMu.Unlock()

		if ok {
			if v, present := changed["Discovering"]; present {
				if discovering, _ := v.Value().(bool); !discovering {
					c.restartDiscovery(path)
				}
			}
		}
	case ifaceDevice:
		if isAdapterSession {
			return
		}
		c.devicesMu.Lock()
		if d, ok := c.devices[path]; ok {
			d.applyDeviceProps(changed)
		}
		c.devicesMu.Unlock()
	}
}

// restartDiscovery re-issues StartDiscovery on an adapter whose Discovering
// property just dropped to false, matching bluetooth_manager.cpp's policy
// of keeping discovery running continuously rather than letting BlueZ's own
// discovery timeout end it.
func (c *Cache) restartDiscovery(adapterPath string) {
	obj := c.adapterConn.Object("org.bluez", dbus.ObjectPath(adapterPath))
	if err := obj.Call(ifaceAdapter+".StartDiscovery", 0).Err; err != nil {
		c.log.WithError(err).WithField("adapter", adapterPath).Debug("btcache: restart discovery failed")
	}
}

// GetAdapters returns a JSON snapshot of every known adapter.
func (c *Cache) GetAdapters() ([]byte, error) {
	c.adaptersMu.RLock()
	out := make([]*Adapter, 0, len(c.adapters))
	for _, a := range c.adapters {
		out = append(out, a)
	}
	c.adaptersMu.RUnlock()
	return json.Marshal(out)
}

// GetDevices returns a JSON snapshot of every known device.
func (c *Cache) GetDevices() ([]byte, error) {
	c.devicesMu.RLock()
	out := make([]*Device, 0, len(c.devices))
	for _, d := range c.devices {
		out = append(out, d)
	}
	c.devicesMu.RUnlock()
	return json.Marshal(out)
}

// FindDevice looks up a device by its Bluetooth address across every
// adapter, mirroring bluetooth_manager.cpp's findDevice.
func (c *Cache) FindDevice(address string) (*Device, bool) {
	c.devicesMu.RLock()
	defer c.devicesMu.RUnlock()
	for _, d := range c.devices {
		if d.Address == address {
			return d, true
		}
	}
	return nil, false
}

// Pins exposes the pincode table so the pairing agent can consult it.
func (c *Cache) Pins() *PinTable { return c.pins }

// ErrPairFailed is returned when the device is still unpaired once the
// pair phase's retry budget or deadline is exhausted.
var ErrPairFailed = errors.New("btcache: pair failed")

// ErrConnectFailed is returned when the device is still disconnected once
// the connect phase's retry budget or deadline is exhausted. It takes
// priority over ErrPairFailed when both are true, matching
// bluetooth_manager.cpp's requestConnect (the connected check runs last
// and overwrites any pairing error message).
var ErrConnectFailed = errors.New("btcache: connect failed")

// ErrDeviceNotFound is returned when address has no matching entry in the
// cache at all, matching bluetooth_manager.cpp's "设备未发现" early return
// before any pair/connect attempt is made.
var ErrDeviceNotFound = errors.New("btcache: device not found")

// RequestConnect pairs (if needed) and connects to address, matching
// bluetooth_manager.cpp's requestConnect state machine exactly: every
// error while pairing or connecting is retried (bounded by
// MaxRepairCount/MaxReconnectCount and PairTimeoutMS/ConnectTimeoutMS),
// except AlreadyExists while pairing, which is benign and does not count
// against the retry budget. A pairing failure does not abort the
// function — it still attempts to connect — and the final verdict is
// read from the device's actual Paired/Connected state afterward, not
// from the last D-Bus call's error.
func (c *Cache) RequestConnect(ctx context.Context, address string) error {
	return c.requestConnect(ctx, address, "")
}

// RequestConnectWithPincode records pincode for the pairing agent to offer
// on its next RequestPincode/RequestPasskey callback for this device, then
// runs the same pair/connect state machine as RequestConnect.
func (c *Cache) RequestConnectWithPincode(ctx context.Context, address, pincode string) error {
	return c.requestConnect(ctx, address, pincode)
}

func (c *Cache) requestConnect(ctx context.Context, address, pincode string) error {
	dev, ok := c.FindDevice(address)
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, address)
	}

	if pincode != "" {
		c.pins.Set(dev.Path, pincode)
	}

	// obj is constructed lazily inside each loop body, only once a retry is
	// actually about to be attempted: a zero retry budget must let this
	// function fall through to the final state check without touching
	// adapterConn at all.
	pairCtx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.PairTimeoutMS)*time.Millisecond)
	repairs := 0
	for !c.devicePaired(address) && repairs < c.cfg.MaxRepairCount {
		if pairCtx.Err() != nil {
			break
		}
		obj := c.adapterConn.Object("org.bluez", dbus.ObjectPath(dev.Path))
		err := obj.CallWithContext(pairCtx, "org.bluez.Device1.Pair", 0).Err
		if err == nil {
			break
		}
		if dbusErr, ok := err.(dbus.Error); !ok || dbusErr.Name != errAlreadyExists {
			repairs++
		}
		if err := sleepOrDone(pairCtx, 100*time.Millisecond); err != nil {
			break
		}
	}
	cancel()

	connectCtx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.ConnectTimeoutMS)*time.Millisecond)
	reconnects := 0
	for !c.deviceConnected(address) && reconnects < c.cfg.MaxReconnectCount {
		if connectCtx.Err() != nil {
			break
		}
		obj := c.adapterConn.Object("org.bluez", dbus.ObjectPath(dev.Path))
		err := obj.CallWithContext(connectCtx, "org.bluez.Device1.Connect", 0).Err
		if err != nil && isBudgetConsumingConnectError(err) {
			reconnects++
		}
		if err := sleepOrDone(connectCtx, 100*time.Millisecond); err != nil {
			break
		}
	}
	cancel()

	if !c.deviceConnected(address) {
		return fmt.Errorf("%w: %s", ErrConnectFailed, address)
	}
	if !c.devicePaired(address) {
		return fmt.Errorf("%w: %s", ErrPairFailed, address)
	}
	return nil
}

// isBudgetConsumingConnectError reports whether a Device1.Connect error
// should count against MaxReconnectCount, matching bluetooth_manager.cpp's
// requestConnect: only Failed, NotReady, and BREDR.ProfileUnavailable
// consume the bounded-retry budget; any other error (e.g. InProgress) still
// retries on the next 100ms tick but does not count against it.
func isBudgetConsumingConnectError(err error) bool {
	dbusErr, ok := err.(dbus.Error)
	if !ok {
		return false
	}
	switch dbusErr.Name {
	case errFailed, errNotReady, errProfileUnavailable:
		return true
	default:
		return false
	}
}

func (c *Cache) devicePaired(address string) bool {
	dev, ok := c.FindDevice(address)
	return ok && dev.Paired
}

func (c *Cache) deviceConnected(address string) bool {
	dev, ok := c.FindDevice(address)
	return ok && dev.Connected
}

// sleepOrDone waits d or returns ctx.Err() if ctx is done first, so a
// phase-wide deadline is honored between retries rather than only at each
// individual D-Bus call.
func sleepOrDone(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RequestRemoveDevice asks the owning adapter to remove a paired device,
// swallowing any error that isn't org.bluez.Error.Failed, matching
// bluetooth_manager.cpp's requestRemoveDevice (a missing device is not
// treated as a failure worth surfacing).
func (c *Cache) RequestRemoveDevice(address string) error {
	dev, ok := c.FindDevice(address)
	if !ok {
		return nil
	}

	adapterObj := c.adapterConn.Object("org.bluez", dbus.ObjectPath(dev.Adapter))
	err := adapterObj.Call("org.bluez.Adapter1.RemoveDevice", 0, dbus.ObjectPath(dev.Path)).Err
	if err == nil {
		return nil
	}
	if dbusErr, ok := err.(dbus.Error); ok && dbusErr.Name == errFailed {
		return fmt.Errorf("btcache: remove device %s: %w", address, err)
	}
	return nil
}

// Close is reserved for symmetry with Start; the underlying *dbus.Conn
// values are owned by the caller (cmd/bridge wires them and closes them).
func (c *Cache) Close() error { return nil }
