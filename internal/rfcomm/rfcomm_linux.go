//go:build linux

package rfcomm

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

func parseBDAddr(addr string) ([6]byte, error) {
	var out [6]byte
	var b [6]int
	n, err := fmt.Sscanf(addr, "%02X:%02X:%02X:%02X:%02X:%02X", &b[5], &b[4], &b[3], &b[2], &b[1], &b[0])
	if err != nil || n != 6 {
		return out, fmt.Errorf("rfcomm: malformed device address %q", addr)
	}
	for i, v := range b {
		out[i] = byte(v)
	}
	return out, nil
}

func formatBDAddr(addr [6]byte) string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", addr[5], addr[4], addr[3], addr[2], addr[1], addr[0])
}

// boundChannel reads the local sockaddr of fd to recover the RFCOMM channel
// BlueZ assigned when Channel was passed as 0 (auto-select), mirroring the
// original's channel-0 auto-discovery fallback in server.cpp.
func boundChannel(fd int) (byte, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return 0, fmt.Errorf("rfcomm: getsockname: %w", err)
	}
	rc, ok := sa.(*unix.SockaddrRFCOMM)
	if !ok {
		return 0, fmt.Errorf("rfcomm: unexpected sockaddr type %T", sa)
	}
	return rc.Channel, nil
}

// newListenSocket creates, binds, and listens on an RFCOMM channel. A
// channel of 0 asks BlueZ to auto-assign an available channel; if the bound
// channel still reads as 0, DefaultChannel is reported instead, per
// server.cpp's behavior when the kernel doesn't auto-assign.
func newListenSocket(channel byte, backlog int) (fd int, bound byte, err error) {
	fd, err = unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM, unix.BTPROTO_RFCOMM)
	if err != nil {
		return -1, 0, fmt.Errorf("rfcomm: socket: %w", err)
	}

	if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, 0, fmt.Errorf("rfcomm: setsockopt SO_REUSEADDR: %w", err)
	}

	local := &unix.SockaddrRFCOMM{Channel: channel, Addr: [6]uint8{}}
	if err = unix.Bind(fd, local); err != nil {
		unix.Close(fd)
		return -1, 0, fmt.Errorf("rfcomm: bind: %w", err)
	}

	if err = unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, 0, fmt.Errorf("rfcomm: listen: %w", err)
	}

	bound, err = boundChannel(fd)
	if err != nil {
		unix.Close(fd)
		return -1, 0, err
	}
	if bound == 0 {
		bound = DefaultChannel // server.cpp's fallback when auto-assignment reports channel 0
	}

	if err = unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, 0, fmt.Errorf("rfcomm: set non-blocking: %w", err)
	}

	return fd, bound, nil
}

// waitReadable blocks up to timeoutMS for fd to become readable, returning
// ok=false on timeout (mirroring the original's select(2)-based accept and
// receive loops).
func waitReadable(fd int, timeoutMS int) (ok bool, err error) {
	var set unix.FdSet
	set.Set(fd)
	tv := unix.NsecToTimeval(time.Duration(timeoutMS) * time.Millisecond)
	n, err := unix.Select(fd+1, &set, nil, nil, &tv)
	if err != nil {
		return false, fmt.Errorf("rfcomm: select: %w", err)
	}
	return n > 0, nil
}

// acceptOne accepts a single pending connection, or returns ok=false if
// none is ready within timeoutMS.
func acceptOne(listenFD int, timeoutMS int) (fd int, peerAddr string, ok bool, err error) {
	ready, err := waitReadable(listenFD, timeoutMS)
	if err != nil || !ready {
		return -1, "", false, err
	}

	nfd, sa, err := unix.Accept(listenFD)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return -1, "", false, nil
		}
		return -1, "", false, fmt.Errorf("rfcomm: accept: %w", err)
	}
	rc, ok := sa.(*unix.SockaddrRFCOMM)
	if !ok {
		unix.Close(nfd)
		return -1, "", false, fmt.Errorf("rfcomm: unexpected peer sockaddr type %T", sa)
	}
	return nfd, formatBDAddr(rc.Addr), true, nil
}

// connectNonBlocking dials addr/channel with a bounded connect timeout,
// mirroring client.cpp's non-blocking connect + select-on-writable pattern.
func connectNonBlocking(addr string, channel byte, timeoutMS int) (int, error) {
	dest, err := parseBDAddr(addr)
	if err != nil {
		return -1, err
	}

	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM, unix.BTPROTO_RFCOMM)
	if err != nil {
		return -1, fmt.Errorf("rfcomm: socket: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("rfcomm: set non-blocking: %w", err)
	}

	remote := &unix.SockaddrRFCOMM{Channel: channel, Addr: dest}
	err = unix.Connect(fd, remote)
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return -1, fmt.Errorf("rfcomm: connect: %w", err)
	}
	if err == nil {
		return fd, nil
	}

	var writeSet, errSet unix.FdSet
	writeSet.Set(fd)
	errSet.Set(fd)
	tv := unix.NsecToTimeval(time.Duration(timeoutMS) * time.Millisecond)
	n, err := unix.Select(fd+1, nil, &writeSet, &errSet, &tv)
	if err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("rfcomm: select: %w", err)
	}
	if n == 0 {
		unix.Close(fd)
		return -1, ErrConnectTimeout
	}

	soErr, serr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if serr != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("rfcomm: getsockopt SO_ERROR: %w", serr)
	}
	if soErr != 0 {
		unix.Close(fd)
		return -1, fmt.Errorf("rfcomm: connect failed: %w", unix.Errno(soErr))
	}

	return fd, nil
}

// recvWithTimeout reads one frame, returning ok=false on a read timeout so
// the caller can re-check its shutdown condition (per-client.cpp's
// receiveThread loop).
func recvWithTimeout(fd int, buf []byte, timeoutMS int) (n int, ok bool, err error) {
	ready, err := waitReadable(fd, timeoutMS)
	if err != nil || !ready {
		return 0, false, err
	}
	n, err = unix.Read(fd, buf)
	if err != nil {
		return 0, false, fmt.Errorf("rfcomm: read: %w", err)
	}
	return n, true, nil
}

func sendAll(fd int, data []byte) error {
	for len(data) > 0 {
		n, err := unix.Write(fd, data)
		if err != nil {
			return fmt.Errorf("rfcomm: write: %w", err)
		}
		data = data[n:]
	}
	return nil
}

func closeSocket(fd int) error {
	return unix.Close(fd)
}
