// Package sdp registers and discovers Serial Port Profile service records
// against BlueZ's SDP server, grounded on
// original_source/src/lib/bluetooth/rfcomm/sdp.cpp. Registration and
// unregistration talk to the *local* SDP server over a loopback L2CAP
// connection to PSM 1, using BlueZ's non-standard local record-management
// PDU extension; remote channel discovery uses the standard SDP
// ServiceSearchAttributeRequest against a peer address.
package sdp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrUnavailable is returned when the local SDP server cannot be reached,
// e.g. bluetoothd is not running.
var ErrUnavailable = errors.New("sdp: local server unavailable")

// ErrChannelNotFound is returned by FindSPPChannel when the remote device
// advertises no matching service record.
var ErrChannelNotFound = errors.New("sdp: no matching SPP record on remote device")

var transactionCounter uint32

func nextTransactionID() uint16 {
	return uint16(atomic.AddUint32(&transactionCounter, 1))
}

// Conn is a raw L2CAP socket connected to an SDP server (local or remote).
// Its Linux implementation lives in sdp_linux.go.
type Conn struct {
	fd int
}

// ServiceUUID parses the canonical 8-4-4-4-12 hex string form into the
// 16-byte big-endian representation SDP data elements expect.
func ServiceUUID(s string) ([16]byte, error) {
	var out [16]byte
	clean := make([]byte, 0, 32)
	for _, r := range s {
		if r == '-' {
			continue
		}
		clean = append(clean, byte(r))
	}
	if len(clean) != 32 {
		return out, fmt.Errorf("sdp: malformed UUID %q", s)
	}
	n, err := decodeHex(clean, out[:])
	if err != nil || n != 16 {
		return out, fmt.Errorf("sdp: malformed UUID %q: %w", s, err)
	}
	return out, nil
}

func decodeHex(src, dst []byte) (int, error) {
	if len(src) != len(dst)*2 {
		return 0, fmt.Errorf("sdp: bad hex length")
	}
	for i := range dst {
		hi, ok1 := hexVal(src[i*2])
		lo, ok2 := hexVal(src[i*2+1])
		if !ok1 || !ok2 {
			return 0, fmt.Errorf("sdp: bad hex digit")
		}
		dst[i] = hi<<4 | lo
	}
	return len(dst), nil
}

func hexVal(b byte) (byte, bool) {
	switch {
	case b >= '0' && b <= '9':
		return b - '0', true
	case b >= 'a' && b <= 'f':
		return b - 'a' + 10, true
	case b >= 'A' && b <= 'F':
		return b - 'A' + 10, true
	default:
		return 0, false
	}
}

// sppRecord builds the attribute sequence for an SPP service record
// offering uuid on RFCOMM channel, named name.
func sppRecord(uuid [16]byte, channel byte, name string) []byte {
	classList := deSequence(deUUID16(uuidSerialPortSvcClass), deUUID128(uuid))
	protoList := deSequence(
		deSequence(deUUID16(uuidL2CAP)),
		deSequence(deUUID16(uuidRFCOMM), deUint8(channel)),
	)
	browseList := deSequence(deUUID16(uuidPublicBrowseGroup))
	profileList := deSequence(deSequence(deUUID16(uuidSerialPortProfile), deUint16(0x0100)))

	var attrs []element
	attrs = append(attrs, attr(attrServiceClassIDList, classList)...)
	attrs = append(attrs, attr(attrProtocolDescriptorList, protoList)...)
	attrs = append(attrs, attr(attrBrowseGroupList, browseList)...)
	attrs = append(attrs, attr(attrBluetoothProfileDescList, profileList)...)
	attrs = append(attrs, attr(attrServiceNamePrimaryLanguage, deString(name))...)

	return deSequence(attrs...)
}

// RegisterSPP inserts an SPP service record on the local SDP server and
// returns the record handle the server assigned, used later to unregister.
func RegisterSPP(conn *Conn, uuid [16]byte, channel byte, serviceName string) (uint32, error) {
	record := sppRecord(uuid, channel, serviceName)
	req := buildPDU(pduSvcRegisterRequest, nextTransactionID(), record)
	if err := conn.send(req); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	resp, err := conn.receive()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	pduID, _, params, err := parsePDUHeader(resp)
	if err != nil {
		return 0, err
	}
	if pduID != pduSvcRegisterResponse {
		return 0, fmt.Errorf("sdp: unexpected PDU 0x%02x registering record", pduID)
	}
	if len(params) < 4 {
		return 0, fmt.Errorf("sdp: short register response")
	}
	return binary.BigEndian.Uint32(params[:4]), nil
}

// UnregisterSPP removes a previously registered record by handle.
func UnregisterSPP(conn *Conn, handle uint32) error {
	params := make([]byte, 4)
	binary.BigEndian.PutUint32(params, handle)
	req := buildPDU(pduSvcUnregisterRequest, nextTransactionID(), params)
	if err := conn.send(req); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	resp, err := conn.receive()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	pduID, _, _, err := parsePDUHeader(resp)
	if err != nil {
		return err
	}
	if pduID != pduSvcUnregisterResponse {
		return fmt.Errorf("sdp: unexpected PDU 0x%02x unregistering record", pduID)
	}
	return nil
}

// FindSPPChannel issues a standard ServiceSearchAttributeRequest against a
// remote device over conn and returns the RFCOMM channel of the last
// matching service record, mirroring the original's
// findAvailableSPPChannel (which takes the last match rather than the
// first, matching devices that advertise the profile on more than one
// record).
func FindSPPChannel(conn *Conn, uuid [16]byte) (byte, error) {
	searchPattern := deSequence(deUUID128(uuid))
	attrIDList := deSequence(deUint16(attrProtocolDescriptorList))
	params := make([]byte, 0, len(searchPattern)+2+len(attrIDList)+1)
	params = append(params, searchPattern...)
	maxBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(maxBytes, 0xffff)
	params = append(params, maxBytes...)
	params = append(params, attrIDList...)
	params = append(params, 0x00) // continuation state: none

	req := buildPDU(pduServiceSearchAttrRequest, nextTransactionID(), params)
	if err := conn.send(req); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	resp, err := conn.receive()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	pduID, _, rparams, err := parsePDUHeader(resp)
	if err != nil {
		return 0, err
	}
	if pduID != pduServiceSearchAttrResponse {
		return 0, fmt.Errorf("sdp: unexpected PDU 0x%02x searching for channel", pduID)
	}
	if len(rparams) < 2 {
		return 0, fmt.Errorf("sdp: short search response")
	}
	listBytes := binary.BigEndian.Uint16(rparams[:2])
	if int(listBytes)+2 > len(rparams) {
		return 0, fmt.Errorf("sdp: truncated attribute lists")
	}
	payload := rparams[2 : 2+int(listBytes)]

	decoded, _, err := decodeElement(payload)
	if err != nil {
		return 0, fmt.Errorf("sdp: decode attribute lists: %w", err)
	}

	lists, ok := decoded.([]any)
	if !ok {
		return 0, ErrChannelNotFound
	}

	found := false
	var channel byte
	for _, rawList := range lists {
		list, ok := rawList.([]any)
		if !ok {
			continue
		}
		// list is a flat [attrID, value, attrID, value, ...] sequence.
		for i := 0; i+1 < len(list); i += 2 {
			id, ok := list[i].(uint64)
			if !ok || uint16(id) != attrProtocolDescriptorList {
				continue
			}
			if ch, ok := rfcommChannelFromProtocolList(list[i+1]); ok {
				channel = ch
				found = true
			}
		}
	}
	if !found {
		return 0, ErrChannelNotFound
	}
	return channel, nil
}

// rfcommChannelFromProtocolList walks a ProtocolDescriptorList value
// looking for the RFCOMM protocol entry and its channel parameter.
func rfcommChannelFromProtocolList(v any) (byte, bool) {
	protocols, ok := v.([]any)
	if !ok {
		return 0, false
	}
	for _, rawProto := range protocols {
		proto, ok := rawProto.([]any)
		if !ok || len(proto) < 2 {
			continue
		}
		uuidBytes, ok := proto[0].([]byte)
		if !ok || len(uuidBytes) != 2 {
			continue
		}
		if binary.BigEndian.Uint16(uuidBytes) != uuidRFCOMM {
			continue
		}
		if ch, ok := proto[1].(uint64); ok {
			return byte(ch), true
		}
	}
	return 0, false
}
