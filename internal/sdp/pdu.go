package sdp

import (
	"encoding/binary"
	"fmt"
)

// Data element type/size-index nibbles, per the Bluetooth SDP spec (5.2).
const (
	deTypeNil      = 0
	deTypeUint     = 1
	deTypeUUID     = 3
	deTypeString   = 4
	deTypeBool     = 5
	deTypeSequence = 6
)

// Well-known SDP attribute IDs used by the SPP service record.
const (
	attrServiceRecordHandle          = 0x0000
	attrServiceClassIDList           = 0x0001
	attrServiceID                    = 0x0002
	attrProtocolDescriptorList       = 0x0004
	attrBrowseGroupList              = 0x0005
	attrBluetoothProfileDescList     = 0x0009
	attrServiceNamePrimaryLanguage   = 0x0100
	attrServiceDescPrimaryLanguage   = 0x0101
	attrProviderNamePrimaryLanguage  = 0x0102
)

// Well-known 16-bit UUIDs (Bluetooth SIG assigned numbers).
const (
	uuidL2CAP              uint16 = 0x0100
	uuidRFCOMM             uint16 = 0x0003
	uuidSerialPortSvcClass uint16 = 0x1101
	uuidSerialPortProfile  uint16 = 0x1101
	uuidPublicBrowseGroup  uint16 = 0x1002
)

// Standard SDP PDU IDs (Bluetooth SDP spec, §4.2-4.7).
const (
	pduErrorResponse                 byte = 0x01
	pduServiceSearchRequest          byte = 0x02
	pduServiceSearchResponse         byte = 0x03
	pduServiceAttributeRequest       byte = 0x04
	pduServiceAttributeResponse      byte = 0x05
	pduServiceSearchAttrRequest      byte = 0x06
	pduServiceSearchAttrResponse     byte = 0x07
)

// BlueZ's local-only record management extension PDUs: these are not part
// of the public SDP wire protocol, but are how bluetoothd's local SDP
// server accepts record insertion/removal over a loopback L2CAP connection
// to PSM 1 (the same channel `sdptool` and the original's sdp_lib calls
// use). Grounded on original_source/src/lib/bluetooth/rfcomm/sdp.cpp's
// sdp_record_register / sdp_device_record_unregister calls.
const (
	pduSvcRegisterRequest   byte = 0x75
	pduSvcRegisterResponse  byte = 0x76
	pduSvcUnregisterRequest byte = 0x77
	pduSvcUnregisterResponse byte = 0x78
)

// element is an encoded SDP data element ready to be concatenated into a
// parent sequence or PDU parameter block.
type element []byte

func appendHeader(typ, sizeIndex byte, extra []byte, payload []byte) element {
	out := make([]byte, 0, 1+len(extra)+len(payload))
	out = append(out, (typ<<3)|sizeIndex)
	out = append(out, extra...)
	out = append(out, payload...)
	return out
}

func deUint8(v uint8) element { return appendHeader(deTypeUint, 0, nil, []byte{v}) }

func deUint16(v uint16) element {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return appendHeader(deTypeUint, 1, nil, b)
}

func deUint32(v uint32) element {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return appendHeader(deTypeUint, 2, nil, b)
}

func deUUID16(v uint16) element {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return appendHeader(deTypeUUID, 1, nil, b)
}

func deUUID128(v [16]byte) element {
	return appendHeader(deTypeUUID, 4, nil, v[:])
}

func deString(s string) element {
	payload := []byte(s)
	return variableLength(deTypeString, payload)
}

func variableLength(typ byte, payload []byte) element {
	switch {
	case len(payload) < 1<<8:
		return appendHeader(typ, 5, []byte{byte(len(payload))}, payload)
	case len(payload) < 1<<16:
		extra := make([]byte, 2)
		binary.BigEndian.PutUint16(extra, uint16(len(payload)))
		return appendHeader(typ, 6, extra, payload)
	default:
		extra := make([]byte, 4)
		binary.BigEndian.PutUint32(extra, uint32(len(payload)))
		return appendHeader(typ, 7, extra, payload)
	}
}

func deSequence(items ...element) element {
	var payload []byte
	for _, it := range items {
		payload = append(payload, it...)
	}
	return variableLength(deTypeSequence, payload)
}

// attr pairs an attribute ID with its value element, in the form SDP
// attribute lists use: an AttributeID uint16 element followed by the value.
func attr(id uint16, value element) []element {
	return []element{deUint16(id), value}
}

// buildPDU assembles a full SDP request: PDU ID, transaction ID, parameter
// length, then the raw parameter bytes.
func buildPDU(pduID byte, transactionID uint16, params []byte) []byte {
	out := make([]byte, 5, 5+len(params))
	out[0] = pduID
	binary.BigEndian.PutUint16(out[1:3], transactionID)
	binary.BigEndian.PutUint16(out[3:5], uint16(len(params)))
	return append(out, params...)
}

// parsePDUHeader validates and strips the 5-byte SDP PDU header, returning
// the PDU ID, transaction ID, and the parameter bytes.
func parsePDUHeader(buf []byte) (pduID byte, transactionID uint16, params []byte, err error) {
	if len(buf) < 5 {
		return 0, 0, nil, fmt.Errorf("sdp: short PDU (%d bytes)", len(buf))
	}
	pduID = buf[0]
	transactionID = binary.BigEndian.Uint16(buf[1:3])
	paramLen := binary.BigEndian.Uint16(buf[3:5])
	if int(paramLen) > len(buf)-5 {
		return 0, 0, nil, fmt.Errorf("sdp: truncated PDU (want %d, have %d)", paramLen, len(buf)-5)
	}
	return pduID, transactionID, buf[5 : 5+int(paramLen)], nil
}
