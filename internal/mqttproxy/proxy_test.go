package mqttproxy

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
)

func discardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type published struct {
	topic   string
	payload []byte
}

type fakePublisher struct {
	mu        sync.Mutex
	published []published
}

func (f *fakePublisher) Publish(topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, published{topic, payload})
	return nil
}

func (f *fakePublisher) Subscribe(string, string, MessageHandler) error { return nil }

func (f *fakePublisher) lastLastError() (string, lastErrorPayload) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.published) - 1; i >= 0; i-- {
		if f.published[i].topic == TopicGetLastError {
			var ev lastErrorPayload
			_ = json.Unmarshal(f.published[i].payload, &ev)
			return f.published[i].topic, ev
		}
	}
	return "", lastErrorPayload{}
}

var errFakeSendFailure = errors.New("fake send failure")

type fakeSender struct {
	mu   sync.Mutex
	sent map[string][]byte
	fail bool
}

func (f *fakeSender) SendToClient(addr string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errFakeSendFailure
	}
	if f.sent == nil {
		f.sent = make(map[string][]byte)
	}
	f.sent[addr] = data
	return nil
}

func (f *fakeSender) DisconnectClient(addr string) error { return nil }

func TestHandleSendToDeviceMissingFieldPublishesError(t *testing.T) {
	pub := &fakePublisher{}
	p := &Proxy{client: pub, log: discardLogger()}
	p.handleSendToDevice("", []byte(`{}`))

	topic, ev := pub.lastLastError()
	if topic != TopicGetLastError {
		t.Fatalf("topic = %q, want %q", topic, TopicGetLastError)
	}
	if ev.Message != msgMissingDeviceField {
		t.Fatalf("message = %q, want %q", ev.Message, msgMissingDeviceField)
	}
}

func TestHandleSendToDeviceSizeMismatchPublishesValidationError(t *testing.T) {
	pub := &fakePublisher{}
	p := &Proxy{client: pub, log: discardLogger()}
	payload, _ := json.Marshal(map[string]any{
		"device": map[string]any{
			"address": "AA:BB:CC:DD:EE:FF",
			"data":    base64.StdEncoding.EncodeToString([]byte("hello")),
			"size":    999,
		},
	})
	p.handleSendToDevice("", payload)

	topic, ev := pub.lastLastError()
	if topic != TopicGetLastError || ev.Message != msgValidationFailed {
		t.Fatalf("got topic=%q message=%q, want topic=%q message=%q", topic, ev.Message, TopicGetLastError, msgValidationFailed)
	}
}

func TestHandleSendToDeviceUsesInboundServerSender(t *testing.T) {
	pub := &fakePublisher{}
	sender := &fakeSender{}
	p := &Proxy{client: pub, server: sender, log: discardLogger()}

	data := []byte("payload")
	payload, _ := json.Marshal(map[string]any{
		"device": map[string]any{
			"address": "AA:BB:CC:DD:EE:FF",
			"data":    base64.StdEncoding.EncodeToString(data),
			"size":    len(data),
		},
	})
	p.handleSendToDevice("", payload)

	sender.mu.Lock()
	got := sender.sent["AA:BB:CC:DD:EE:FF"]
	sender.mu.Unlock()
	if string(got) != string(data) {
		t.Fatalf("server received %q, want %q", got, data)
	}
}

func TestHandleSendToDeviceNoConnectionIsSilentNoop(t *testing.T) {
	pub := &fakePublisher{}
	sender := &fakeSender{fail: true}
	p := &Proxy{client: pub, server: sender, log: discardLogger()}

	data := []byte("payload")
	payload, _ := json.Marshal(map[string]any{
		"device": map[string]any{
			"address": "AA:BB:CC:DD:EE:FF",
			"data":    base64.StdEncoding.EncodeToString(data),
			"size":    len(data),
		},
	})
	p.handleSendToDevice("", payload)

	// mqtt_proxy.cpp's sendTo never publishes getLastError when neither the
	// inbound nor outbound map has the address; only JSON/validation errors do.
	topic, _ := pub.lastLastError()
	if topic == TopicGetLastError {
		t.Fatalf("expected no getLastError publish for an unmatched address, got one")
	}
}

func TestHandleRemoveDevicesMalformedPayloadPublishesError(t *testing.T) {
	pub := &fakePublisher{}
	p := &Proxy{client: pub, log: discardLogger()}
	p.handleRemoveDevices("", []byte(`not json`))

	topic, ev := pub.lastLastError()
	if topic != TopicGetLastError || ev.Message != msgMissingDeviceField {
		t.Fatalf("got topic=%q message=%q", topic, ev.Message)
	}
}

func TestRemoveDevicesRequestAddressAcceptsSingleStringOrArray(t *testing.T) {
	var single removeDevicesRequest
	if err := json.Unmarshal([]byte(`{"address":"AA:BB:CC:DD:EE:FF"}`), &single); err != nil {
		t.Fatalf("unmarshal single: %v", err)
	}
	addrs, err := single.addresses()
	if err != nil || len(addrs) != 1 || addrs[0] != "AA:BB:CC:DD:EE:FF" {
		t.Fatalf("addresses() = %v, %v", addrs, err)
	}

	var list removeDevicesRequest
	if err := json.Unmarshal([]byte(`{"address":["AA:AA:AA:AA:AA:AA","BB:BB:BB:BB:BB:BB"]}`), &list); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	addrs, err = list.addresses()
	if err != nil || len(addrs) != 2 {
		t.Fatalf("addresses() = %v, %v", addrs, err)
	}
}

func TestTakePendingEchoesSetPendingValues(t *testing.T) {
	p := &Proxy{pending: make(map[string]pendingRequest)}
	p.setPending("AA:BB:CC:DD:EE:FF", "req-123", "2026-07-31T00:00:00Z")

	id, at := p.takePending("AA:BB:CC:DD:EE:FF")
	if id != "req-123" || at != "2026-07-31T00:00:00Z" {
		t.Fatalf("takePending = %q, %q, want echoed values", id, at)
	}

	// Consumed: a second take mints fresh values instead of repeating.
	id2, _ := p.takePending("AA:BB:CC:DD:EE:FF")
	if id2 == "req-123" {
		t.Fatalf("takePending should not return the same publishId twice")
	}
}
