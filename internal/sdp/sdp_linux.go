//go:build linux

package sdp

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// sdpPSM is the well-known L2CAP PSM the SDP server listens on.
const sdpPSM = 1

// bdaddrLocal is BlueZ's BDADDR_LOCAL pseudo-address: connecting an L2CAP
// socket to it reaches the SDP server of the adapter owning the source
// socket rather than a remote peer, which is how the original registers
// records against its own stack without knowing its own address.
var bdaddrLocal = [6]byte{0xff, 0xff, 0xff, 0x00, 0x00, 0x00}

// parseBDAddr keeps the address in display order, the same order as
// bdaddrLocal above: unix.SockaddrL2 reverses Addr into the kernel's
// bdaddr_t itself.
func parseBDAddr(addr string) ([6]byte, error) {
	var out [6]byte
	var b [6]int
	n, err := fmt.Sscanf(addr, "%02X:%02X:%02X:%02X:%02X:%02X", &b[0], &b[1], &b[2], &b[3], &b[4], &b[5])
	if err != nil || n != 6 {
		return out, fmt.Errorf("sdp: malformed device address %q", addr)
	}
	for i, v := range b {
		out[i] = byte(v)
	}
	return out, nil
}

func dialL2CAP(dest [6]byte) (*Conn, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_SEQPACKET, unix.BTPROTO_L2CAP)
	if err != nil {
		return nil, fmt.Errorf("sdp: socket: %w", err)
	}

	local := &unix.SockaddrL2{PSM: 0, Addr: [6]uint8{}}
	if err := unix.Bind(fd, local); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("sdp: bind: %w", err)
	}

	remote := &unix.SockaddrL2{PSM: sdpPSM, Addr: dest}
	if err := unix.Connect(fd, remote); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("sdp: connect: %w", err)
	}

	return &Conn{fd: fd}, nil
}

// DialLocal opens an L2CAP connection to the local SDP server, used to
// register and unregister service records.
func DialLocal() (*Conn, error) {
	return dialL2CAP(bdaddrLocal)
}

// DialRemote opens an L2CAP connection to the SDP server of the device at
// addr (canonical "AA:BB:CC:DD:EE:FF" form), used for channel discovery.
func DialRemote(addr string) (*Conn, error) {
	dest, err := parseBDAddr(addr)
	if err != nil {
		return nil, err
	}
	return dialL2CAP(dest)
}

// Close releases the underlying socket.
func (c *Conn) Close() error {
	return unix.Close(c.fd)
}

func (c *Conn) send(buf []byte) error {
	_, err := unix.Write(c.fd, buf)
	return err
}

func (c *Conn) receive() ([]byte, error) {
	buf := make([]byte, 4096)
	n, err := unix.Read(c.fd, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}
