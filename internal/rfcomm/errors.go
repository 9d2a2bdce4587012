package rfcomm

import "errors"

var (
	// ErrNotConnected is returned by Send when a Client has no active
	// connection.
	ErrNotConnected = errors.New("rfcomm: not connected")
	// ErrAlreadyConnected is returned by Connect when a Client already
	// holds a live connection.
	ErrAlreadyConnected = errors.New("rfcomm: already connected")
	// ErrConnectTimeout is returned when a non-blocking connect does not
	// become writable within the configured timeout.
	ErrConnectTimeout = errors.New("rfcomm: connect timed out")
	// ErrAlreadyStarted is returned by Server.Start when called twice.
	ErrAlreadyStarted = errors.New("rfcomm: server already started")
	// ErrUnknownClient is returned by SendToClient/DisconnectClient for an
	// address with no live connection.
	ErrUnknownClient = errors.New("rfcomm: unknown client")
	// ErrServiceNotFound is returned by Connect when channel==0 and the SPP
	// lookup against the peer's SDP server fails or yields channel 0, matching
	// bluetooth_manager.cpp's findAvailableSPPChannel failure path.
	ErrServiceNotFound = errors.New("rfcomm: SPP service not found")
)
