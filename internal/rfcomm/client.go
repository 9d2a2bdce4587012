package rfcomm

import (
	"sync"

	"github.com/sirupsen/logrus"

	"bluetooth-bridge/internal/sdp"
)

// ClientConfig mirrors the §6 configuration keys under bluetooth.client.
type ClientConfig struct {
	ConnectTimeoutMS int
	RecvTimeoutMS    int
	BufferSize       int
}

// ClientCallbacks: OnDataReceived is invoked from the client's receive
// goroutine, OnConnected from the goroutine calling Connect, and
// OnDisconnected from whichever goroutine runs Disconnect; callers must not
// block for long inside them.
type ClientCallbacks struct {
	OnConnected    func()
	OnDisconnected func()
	OnDataReceived func(data []byte)
}

// Client dials a single outbound RFCOMM connection to a peer's SPP channel.
type Client struct {
	cfg ClientConfig
	cb  ClientCallbacks
	log *logrus.Logger

	mu        sync.Mutex
	connected bool
	fd        int
	addr      string
	channel   byte
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewClient constructs a Client; Connect must be called before Send.
func NewClient(cfg ClientConfig, cb ClientCallbacks, log *logrus.Logger) *Client {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{cfg: cfg, cb: cb, log: log}
}

// Connect dials addr on channel with a bounded, non-blocking connect
// (mirroring client.cpp's connectToDevice), then starts the receive loop.
// channel==0 means "look it up": Connect queries the peer's SDP server for
// its SPP record and uses the advertised RFCOMM channel, returning
// ErrServiceNotFound if the lookup fails or yields channel 0.
func (c *Client) Connect(addr string, channel byte) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.mu.Unlock()

	if channel == 0 {
		resolved, err := sppLookup(addr)
		if err != nil || resolved == 0 {
			return ErrServiceNotFound
		}
		channel = resolved
	}

	fd, err := connectNonBlocking(addr, channel, c.cfg.ConnectTimeoutMS)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.fd = fd
	c.addr = addr
	c.channel = channel
	c.connected = true
	c.stopCh = make(chan struct{})
	c.mu.Unlock()

	if c.cb.OnConnected != nil {
		c.cb.OnConnected()
	}

	c.wg.Add(1)
	go c.receiveLoop()

	c.log.WithField("peer", addr).Info("rfcomm: client connected")
	return nil
}

// sppLookup resolves addr's advertised SPP channel; a package variable so
// tests can substitute a fake without a live SDP server.
var sppLookup = findSPPChannel

// findSPPChannel queries addr's SDP server for its Serial Port Profile
// record and returns the advertised RFCOMM channel.
func findSPPChannel(addr string) (byte, error) {
	uuidBytes, err := sdp.ServiceUUID(SPPUUID)
	if err != nil {
		return 0, err
	}
	conn, err := sdp.DialRemote(addr)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	return sdp.FindSPPChannel(conn, uuidBytes)
}

func (c *Client) receiveLoop() {
	defer c.wg.Done()
	buf := make([]byte, c.cfg.BufferSize)
	for {
		c.mu.Lock()
		stopCh := c.stopCh
		fd := c.fd
		c.mu.Unlock()

		select {
		case <-stopCh:
			return
		default:
		}

		n, ok, err := recvWithTimeout(fd, buf, c.cfg.RecvTimeoutMS)
		if err != nil {
			go c.Disconnect()
			return
		}
		if !ok {
			continue
		}
		if n == 0 {
			go c.Disconnect()
			return
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		if c.cb.OnDataReceived != nil {
			c.cb.OnDataReceived(data)
		}
	}
}

// Send writes data to the connected peer.
func (c *Client) Send(data []byte) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	fd := c.fd
	c.mu.Unlock()
	return sendAll(fd, data)
}

// Connected reports whether the client currently holds a live connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Disconnect closes the connection idempotently and fires OnDisconnected
// exactly once, matching client.cpp's idempotent disconnect() used both
// for caller-initiated close and for the detached self-disconnect thread
// spawned on a read error or EOF.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = false
	fd := c.fd
	stopCh := c.stopCh
	c.mu.Unlock()

	close(stopCh)
	err := closeSocket(fd)

	if c.cb.OnDisconnected != nil {
		c.cb.OnDisconnected()
	}
	return err
}
