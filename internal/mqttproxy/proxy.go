// Package mqttproxy bridges RFCOMM connection/data events to MQTT topics
// and MQTT requests to RFCOMM/BlueZ actions, grounded on
// original_source/src/lib/mqtt/mqtt_proxy.cpp.
package mqttproxy

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"bluetooth-bridge/internal/btcache"
	"bluetooth-bridge/internal/rfcomm"
)

// ProxyConfig carries the RFCOMM client dial parameters the proxy uses
// when it initiates outbound connections on connectDevice/connectBenchmarkTest.
type ProxyConfig struct {
	ConnectTimeoutMS int
	RecvTimeoutMS    int
	BufferSize       int
}

// publisher is the subset of *Client the proxy depends on, broken out so
// tests can substitute a fake in place of a live broker connection.
type publisher interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic, substr string, handler MessageHandler) error
}

// rfcommSender is the subset of *rfcomm.Server the proxy depends on for
// sendToDevice and disconnectDevice against inbound (peer-initiated)
// connections.
type rfcommSender interface {
	SendToClient(addr string, data []byte) error
	DisconnectClient(addr string) error
}

// pendingRequest remembers the publishId/publishTime of the request that
// triggered an in-flight connect, so the resulting newConnection event (or
// getLastError on failure) can echo it back.
type pendingRequest struct {
	publishID   string
	publishTime string
}

// Proxy wires an MQTT Client to the RFCOMM server's inbound-peer events
// and to its own outbound connections, and to the object cache's pairing
// state machine.
type Proxy struct {
	client publisher
	server rfcommSender
	cache  *btcache.Cache
	cfg    ProxyConfig
	log    *logrus.Logger

	outboundMu sync.Mutex
	outbound   map[string]*rfcomm.Client

	pendingMu sync.Mutex
	pending   map[string]pendingRequest
}

// New constructs a Proxy. Setup must be called once the MQTT client is
// connected to install topic subscriptions.
func New(client *Client, server *rfcomm.Server, cache *btcache.Cache, cfg ProxyConfig, log *logrus.Logger) *Proxy {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Proxy{
		client:   client,
		server:   server,
		cache:    cache,
		cfg:      cfg,
		log:      log,
		outbound: make(map[string]*rfcomm.Client),
		pending:  make(map[string]pendingRequest),
	}
}

// Setup subscribes to every inbound request topic, matching
// mqtt_proxy.cpp's setup().
func (p *Proxy) Setup() error {
	subscriptions := []struct {
		topic   string
		handler MessageHandler
	}{
		{TopicConnectDevice, p.handleConnectDevice},
		{TopicDisconnectDevice, p.handleDisconnectDevice},
		{TopicSendToDevice, p.handleSendToDevice},
		{TopicRemoveDevices, p.handleRemoveDevices},
		{TopicConnectBenchmarkTest, p.handleConnectBenchmarkTest},
	}
	for _, s := range subscriptions {
		if err := p.client.Subscribe(s.topic, s.topic, s.handler); err != nil {
			return fmt.Errorf("mqttproxy: subscribe %s: %w", s.topic, err)
		}
	}
	return nil
}

// --- inbound RFCOMM server events (peers that connected to us) ---

// OnServerClientConnected publishes newConnection; wire this as
// rfcomm.ServerCallbacks.OnClientConnected.
func (p *Proxy) OnServerClientConnected(addr string) { p.publishConnectionEvent(TopicNewConnection, addr) }

// OnServerClientDisconnected publishes loseConnection; wire this as
// rfcomm.ServerCallbacks.OnClientDisconnected.
func (p *Proxy) OnServerClientDisconnected(addr string) {
	p.publishConnectionEvent(TopicLoseConnection, addr)
}

// OnServerDataReceived publishes receiveFromDevice with the payload
// base64-encoded; wire this as rfcomm.ServerCallbacks.OnDataReceived.
func (p *Proxy) OnServerDataReceived(addr string, data []byte) { p.publishReceiveFromDevice(addr, data) }

// --- outbound RFCOMM client events (we dialed out to these peers) ---
//
// spec.md's Open Questions note the original does not distinguish inbound
// from outbound connections on the wire, so these share the same three
// publish helpers as the inbound callbacks above (see DESIGN.md).

func (p *Proxy) onOutboundConnected(addr string) { p.publishConnectionEvent(TopicNewConnection, addr) }

func (p *Proxy) onOutboundDisconnected(addr string) {
	p.outboundMu.Lock()
	delete(p.outbound, addr)
	p.outboundMu.Unlock()
	p.publishConnectionEvent(TopicLoseConnection, addr)
}

func (p *Proxy) onOutboundDataReceived(addr string, data []byte) { p.publishReceiveFromDevice(addr, data) }

// publishConnectionEvent publishes a {device:{address,name,publishId,
// publishTime}} body on topic. If a connectDevice/disconnectDevice request
// is pending for addr, its publishId/publishTime are echoed; otherwise
// (e.g. a peer-initiated inbound connection) fresh ones are minted.
func (p *Proxy) publishConnectionEvent(topic, addr string) {
	id, at := p.takePending(addr)

	name := ""
	if dev, ok := p.cache.FindDevice(addr); ok {
		name = dev.Name
	}

	body, err := json.Marshal(deviceEnvelope{Device: deviceRef{
		Address:     addr,
		Name:        name,
		PublishID:   id,
		PublishTime: at,
	}})
	if err != nil {
		p.log.WithError(err).Error("mqttproxy: marshal connection event")
		return
	}
	if err := p.client.Publish(topic, body); err != nil {
		p.log.WithError(err).WithField("topic", topic).Error("mqttproxy: publish failed")
	}
}

// publishReceiveFromDevice publishes a {device:{address,data,size,
// publishId,publishTime}} body on TopicReceiveFromDevice, unified for both
// inbound and outbound origin per spec.md's Open Questions.
func (p *Proxy) publishReceiveFromDevice(addr string, data []byte) {
	body, err := json.Marshal(deviceEnvelope{Device: deviceRef{
		Address:     addr,
		Data:        base64.StdEncoding.EncodeToString(data),
		Size:        len(data),
		PublishID:   uuid.NewString(),
		PublishTime: nowRFC3339(),
	}})
	if err != nil {
		p.log.WithError(err).Error("mqttproxy: marshal receiveFromDevice event")
		return
	}
	if err := p.client.Publish(TopicReceiveFromDevice, body); err != nil {
		p.log.WithError(err).Error("mqttproxy: publish receiveFromDevice failed")
	}
}

// publishLastError publishes {subscribeId,subscribeTime,message} on
// TopicGetLastError, echoing the triggering request's publishId/publishTime
// (or minting fresh ones if none were supplied).
func (p *Proxy) publishLastError(publishID, publishTime, message string) {
	if publishID == "" {
		publishID = uuid.NewString()
	}
	if publishTime == "" {
		publishTime = nowRFC3339()
	}
	body, err := json.Marshal(lastErrorPayload{
		SubscribeID:   publishID,
		SubscribeTime: publishTime,
		Message:       message,
	})
	if err != nil {
		p.log.WithError(err).Error("mqttproxy: marshal getLastError event")
		return
	}
	if err := p.client.Publish(TopicGetLastError, body); err != nil {
		p.log.WithError(err).Error("mqttproxy: publish getLastError failed")
	}
}

func nowRFC3339() string { return time.Now().UTC().Format(time.RFC3339) }

func (p *Proxy) setPending(addr, publishID, publishTime string) {
	if publishID == "" && publishTime == "" {
		return
	}
	p.pendingMu.Lock()
	p.pending[addr] = pendingRequest{publishID: publishID, publishTime: publishTime}
	p.pendingMu.Unlock()
}

func (p *Proxy) takePending(addr string) (string, string) {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	pr, ok := p.pending[addr]
	if !ok {
		return uuid.NewString(), nowRFC3339()
	}
	delete(p.pending, addr)
	return pr.publishID, pr.publishTime
}

// PublishInventory publishes the current adapter and device snapshots,
// called by the host process's periodic ticker.
func (p *Proxy) PublishInventory() {
	if adapters, err := p.cache.GetAdapters(); err == nil {
		if err := p.client.Publish(TopicGetAdapters, adapters); err != nil {
			p.log.WithError(err).Warn("mqttproxy: publish adapters failed")
		}
	}
	if devices, err := p.cache.GetDevices(); err == nil {
		if err := p.client.Publish(TopicGetDevices, devices); err != nil {
			p.log.WithError(err).Warn("mqttproxy: publish devices failed")
		}
	}
}

// --- request handlers ---

func (p *Proxy) handleConnectDevice(_ string, payload []byte) {
	var req deviceEnvelope
	if err := json.Unmarshal(payload, &req); err != nil || req.Device.Address == "" {
		p.publishLastError("", "", msgMissingDeviceField)
		return
	}
	d := req.Device
	p.setPending(d.Address, d.PublishID, d.PublishTime)

	if err := p.connectOutbound(d.Address, d.Pincode); err != nil {
		p.log.WithError(err).WithField("device", d.Address).Warn("mqttproxy: connectDevice failed")
		p.takePending(d.Address)
		switch {
		case errors.Is(err, btcache.ErrDeviceNotFound):
			p.publishLastError(d.PublishID, d.PublishTime, msgDeviceNotFound)
		case errors.Is(err, btcache.ErrPairFailed):
			p.publishLastError(d.PublishID, d.PublishTime, fmt.Sprintf(msgPairFailedFmt, d.Address))
		default:
			p.publishLastError(d.PublishID, d.PublishTime, fmt.Sprintf(msgConnectFailedFmt, d.Address))
		}
	}
}

// connectOutbound runs BlueZ's pair-then-connect state machine (staging
// pincode for the pairing agent when one is supplied), then dials the peer
// over RFCOMM; channel 0 tells Client.Connect to
// resolve the peer's SPP channel via SDP itself.
func (p *Proxy) connectOutbound(addr, pincode string) error {
	p.outboundMu.Lock()
	_, already := p.outbound[addr]
	p.outboundMu.Unlock()
	if already {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(p.cfg.ConnectTimeoutMS)*time.Millisecond)
	defer cancel()

	var err error
	if pincode != "" {
		err = p.cache.RequestConnectWithPincode(ctx, addr, pincode)
	} else {
		err = p.cache.RequestConnect(ctx, addr)
	}
	if err != nil {
		return fmt.Errorf("pair/connect: %w", err)
	}

	client := rfcomm.NewClient(rfcomm.ClientConfig{
		ConnectTimeoutMS: p.cfg.ConnectTimeoutMS,
		RecvTimeoutMS:    p.cfg.RecvTimeoutMS,
		BufferSize:       p.cfg.BufferSize,
	}, rfcomm.ClientCallbacks{
		OnConnected:    func() { p.onOutboundConnected(addr) },
		OnDisconnected: func() { p.onOutboundDisconnected(addr) },
		OnDataReceived: func(data []byte) { p.onOutboundDataReceived(addr, data) },
	}, p.log)

	if err := client.Connect(addr, 0); err != nil {
		return fmt.Errorf("rfcomm connect: %w", err)
	}

	p.outboundMu.Lock()
	p.outbound[addr] = client
	p.outboundMu.Unlock()
	return nil
}

// handleDisconnectDevice tears down whichever of the outbound (we dialed)
// or inbound (peer dialed us) connection exists for the address; spec.md's
// Open Questions note both may be live for the same peer at once, so both
// are attempted.
func (p *Proxy) handleDisconnectDevice(_ string, payload []byte) {
	var req deviceEnvelope
	if err := json.Unmarshal(payload, &req); err != nil || req.Device.Address == "" {
		p.publishLastError("", "", msgMissingDeviceField)
		return
	}
	d := req.Device
	p.setPending(d.Address, d.PublishID, d.PublishTime)

	p.outboundMu.Lock()
	client, ok := p.outbound[d.Address]
	p.outboundMu.Unlock()
	if ok {
		if err := client.Disconnect(); err != nil {
			p.log.WithError(err).WithField("device", d.Address).Warn("mqttproxy: disconnectDevice (outbound) failed")
		}
	}
	if p.server != nil {
		if err := p.server.DisconnectClient(d.Address); err != nil {
			p.log.WithError(err).WithField("device", d.Address).Debug("mqttproxy: disconnectDevice (inbound) no-op")
		}
	}
}

// handleSendToDevice writes to whichever of the outbound or inbound
// connection exists for the address (sending to both if both are live),
// per spec.md's Open Questions on the dual-connection case.
func (p *Proxy) handleSendToDevice(_ string, payload []byte) {
	var req deviceEnvelope
	if err := json.Unmarshal(payload, &req); err != nil || req.Device.Address == "" {
		p.publishLastError("", "", msgMissingDeviceField)
		return
	}
	d := req.Device

	data, err := base64.StdEncoding.DecodeString(d.Data)
	if err != nil || len(data) != d.Size {
		p.publishLastError(d.PublishID, d.PublishTime, msgValidationFailed)
		return
	}

	// Matches mqtt_proxy.cpp's sendTo: both the inbound and outbound maps
	// are consulted independently and neither miss is treated as an error.
	p.outboundMu.Lock()
	client, ok := p.outbound[d.Address]
	p.outboundMu.Unlock()
	if ok {
		if err := client.Send(data); err != nil {
			p.log.WithError(err).WithField("device", d.Address).Warn("mqttproxy: sendToDevice (outbound) failed")
		}
	}

	if p.server != nil {
		if err := p.server.SendToClient(d.Address, data); err != nil {
			p.log.WithError(err).WithField("device", d.Address).Debug("mqttproxy: sendToDevice (inbound) no-op")
		}
	}
}

func (p *Proxy) handleRemoveDevices(_ string, payload []byte) {
	var req removeDevicesRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		p.publishLastError("", "", msgMissingDeviceField)
		return
	}
	addrs, err := req.addresses()
	if err != nil {
		p.publishLastError(req.PublishID, req.PublishTime, msgMissingDeviceField)
		return
	}
	for _, addr := range addrs {
		if err := p.cache.RequestRemoveDevice(addr); err != nil {
			p.log.WithError(err).WithField("device", addr).Warn("mqttproxy: removeDevices failed")
		}
	}
}

// handleConnectBenchmarkTest reproduces mqtt_proxy.cpp's
// connectBenchmarkTest: it republishes alternating connectDevice and
// disconnectDevice requests onto the same bus 2*times times at a 100ms
// cadence, using the fixed "0000" pincode so repeated runs are
// reproducible, and lets the normal request handlers above drive them.
func (p *Proxy) handleConnectBenchmarkTest(_ string, payload []byte) {
	var req benchmarkRequest
	if err := json.Unmarshal(payload, &req); err != nil || req.Device.Address == "" {
		p.publishLastError("", "", msgMissingDeviceField)
		return
	}
	times := req.Times
	if times <= 0 {
		times = 1
	}

	go func(addr string, times int) {
		for i := 0; i < times; i++ {
			connectBody, _ := json.Marshal(deviceEnvelope{Device: deviceRef{
				Address: addr,
				Pincode: benchmarkPincode,
			}})
			if err := p.client.Publish(TopicConnectDevice, connectBody); err != nil {
				p.log.WithError(err).Warn("mqttproxy: benchmark connect publish failed")
			}
			time.Sleep(100 * time.Millisecond)

			disconnectBody, _ := json.Marshal(deviceEnvelope{Device: deviceRef{Address: addr}})
			if err := p.client.Publish(TopicDisconnectDevice, disconnectBody); err != nil {
				p.log.WithError(err).Warn("mqttproxy: benchmark disconnect publish failed")
			}
			time.Sleep(100 * time.Millisecond)
		}
	}(req.Device.Address, times)
}
