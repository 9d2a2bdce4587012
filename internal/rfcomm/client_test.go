package rfcomm

import (
	"errors"
	"testing"
)

func TestClientConnectZeroChannelSurfacesServiceNotFound(t *testing.T) {
	orig := sppLookup
	sppLookup = func(addr string) (byte, error) {
		return 0, errors.New("no SDP server reachable")
	}
	defer func() { sppLookup = orig }()

	c := NewClient(ClientConfig{ConnectTimeoutMS: 100}, ClientCallbacks{}, nil)
	err := c.Connect("AA:BB:CC:DD:EE:FF", 0)
	if !errors.Is(err, ErrServiceNotFound) {
		t.Fatalf("Connect(addr, 0) = %v, want ErrServiceNotFound", err)
	}
	if c.Connected() {
		t.Fatal("Connected() = true after a failed SPP lookup")
	}
}

func TestClientSendWithoutConnect(t *testing.T) {
	c := NewClient(ClientConfig{}, ClientCallbacks{}, nil)
	if err := c.Send([]byte("hi")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send() = %v, want ErrNotConnected", err)
	}
}

func TestClientDisconnectIdempotentWhenNeverConnected(t *testing.T) {
	called := false
	c := NewClient(ClientConfig{}, ClientCallbacks{
		OnDisconnected: func() { called = true },
	}, nil)

	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect() on unconnected client = %v, want nil", err)
	}
	if called {
		t.Fatal("OnDisconnected fired for a client that was never connected")
	}
	if c.Connected() {
		t.Fatal("Connected() = true after Disconnect on unconnected client")
	}
}
