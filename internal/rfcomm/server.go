// Package rfcomm implements the Bluetooth Serial Port Profile transport
// over raw RFCOMM sockets, grounded on
// original_source/src/lib/bluetooth/rfcomm/server.cpp and client.cpp: a
// listening Server that accepts multiple peers and a dialing Client for
// the outbound direction, both built on select(2)-style bounded-timeout
// readiness rather than blocking I/O, so Stop/Disconnect have bounded
// latency without a cancellation token threaded through every read.
package rfcomm

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"bluetooth-bridge/internal/sdp"
)

// ServerConfig mirrors the §6 configuration keys under bluetooth.server.
type ServerConfig struct {
	Channel             int // 0 requests BlueZ auto-assignment
	AcceptTimeoutMS     int
	RecvTimeoutMS       int
	BufferSize          int
	ServiceUUID         string
	ServiceName         string
	ServiceRecordViaSDP bool // false skips SDP registration (tests, or when BlueZ's own advertiser is used)
}

// ServerCallbacks are invoked from the server's own goroutines; callers
// must not block for long inside them.
type ServerCallbacks struct {
	OnClientConnected    func(addr string)
	OnClientDisconnected func(addr string)
	OnDataReceived       func(addr string, data []byte)
}

type serverClient struct {
	fd   int
	addr string
}

// Server accepts inbound RFCOMM connections on a single fixed channel and
// fans received bytes out to ServerCallbacks.OnDataReceived.
type Server struct {
	cfg ServerConfig
	cb  ServerCallbacks
	log *logrus.Logger

	mu       sync.Mutex
	started  bool
	listenFD int
	channel  byte
	clients  map[string]*serverClient

	sdpConn   *sdp.Conn
	sdpHandle uint32

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewServer constructs a Server; Start must be called to begin listening.
func NewServer(cfg ServerConfig, cb ServerCallbacks, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{cfg: cfg, cb: cb, log: log}
}

// Start binds and listens on cfg.Channel (or an auto-assigned channel),
// registers the SPP service record over SDP, and begins accepting peers.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.mu.Unlock()

	fd, channel, err := newListenSocket(byte(s.cfg.Channel), 5)
	if err != nil {
		return err
	}

	var sdpConn *sdp.Conn
	var handle uint32
	if s.cfg.ServiceRecordViaSDP {
		uuid, err := sdp.ServiceUUID(s.cfg.ServiceUUID)
		if err != nil {
			closeSocket(fd)
			return err
		}
		sdpConn, err = sdp.DialLocal()
		if err != nil {
			closeSocket(fd)
			return fmt.Errorf("rfcomm: register service record: %w", err)
		}
		handle, err = sdp.RegisterSPP(sdpConn, uuid, channel, s.cfg.ServiceName)
		if err != nil {
			sdpConn.Close()
			closeSocket(fd)
			return fmt.Errorf("rfcomm: register service record: %w", err)
		}
	}

	s.mu.Lock()
	s.started = true
	s.listenFD = fd
	s.channel = channel
	s.clients = make(map[string]*serverClient)
	s.sdpConn = sdpConn
	s.sdpHandle = handle
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop()

	s.log.WithField("channel", channel).Info("rfcomm: server listening")
	return nil
}

// Channel reports the RFCOMM channel the server bound, useful when
// ServerConfig.Channel was 0 and BlueZ auto-assigned one.
func (s *Server) Channel() byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		fd, addr, ok, err := acceptOne(s.listenFD, s.cfg.AcceptTimeoutMS)
		if err != nil {
			s.log.WithError(err).Warn("rfcomm: accept failed")
			continue
		}
		if !ok {
			continue
		}

		s.mu.Lock()
		s.clients[addr] = &serverClient{fd: fd, addr: addr}
		s.mu.Unlock()

		if s.cb.OnClientConnected != nil {
			s.cb.OnClientConnected(addr)
		}

		s.wg.Add(1)
		go s.clientLoop(addr, fd)
	}
}

func (s *Server) clientLoop(addr string, fd int) {
	defer s.wg.Done()
	buf := make([]byte, s.cfg.BufferSize)
	for {
		select {
		case <-s.stopCh:
			s.removeClient(addr, fd, false)
			return
		default:
		}

		n, ok, err := recvWithTimeout(fd, buf, s.cfg.RecvTimeoutMS)
		if err != nil {
			s.removeClient(addr, fd, true)
			return
		}
		if !ok {
			continue
		}
		if n == 0 {
			s.removeClient(addr, fd, true)
			return
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		if s.cb.OnDataReceived != nil {
			s.cb.OnDataReceived(addr, data)
		}
	}
}

func (s *Server) removeClient(addr string, fd int, notify bool) {
	s.mu.Lock()
	delete(s.clients, addr)
	s.mu.Unlock()
	closeSocket(fd)
	if notify && s.cb.OnClientDisconnected != nil {
		s.cb.OnClientDisconnected(addr)
	}
}

// SendToClient writes data to the connected peer at addr.
func (s *Server) SendToClient(addr string, data []byte) error {
	s.mu.Lock()
	c, ok := s.clients[addr]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownClient, addr)
	}
	return sendAll(c.fd, data)
}

// Broadcast writes data to every currently connected peer, logging
// (but not failing on) individual write errors.
func (s *Server) Broadcast(data []byte) {
	s.mu.Lock()
	targets := make([]*serverClient, 0, len(s.clients))
	for _, c := range s.clients {
		targets = append(targets, c)
	}
	s.mu.Unlock()

	for _, c := range targets {
		if err := sendAll(c.fd, data); err != nil {
			s.log.WithError(err).WithField("peer", c.addr).Warn("rfcomm: broadcast write failed")
		}
	}
}

// DisconnectClient closes the connection to addr and fires
// OnClientDisconnected.
func (s *Server) DisconnectClient(addr string) error {
	s.mu.Lock()
	c, ok := s.clients[addr]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownClient, addr)
	}
	s.removeClient(addr, c.fd, true)
	return nil
}

// Stop unregisters the service record, stops accepting, closes every
// client connection, and joins all worker goroutines.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	for addr, c := range s.clients {
		closeSocket(c.fd)
		delete(s.clients, addr)
	}
	sdpConn, handle := s.sdpConn, s.sdpHandle
	listenFD := s.listenFD
	s.started = false
	s.mu.Unlock()

	if sdpConn != nil {
		if err := sdp.UnregisterSPP(sdpConn, handle); err != nil {
			s.log.WithError(err).Warn("rfcomm: failed to unregister service record")
		}
		sdpConn.Close()
	}

	return closeSocket(listenFD)
}
