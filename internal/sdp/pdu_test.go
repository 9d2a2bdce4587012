package sdp

import "testing"

func TestDataElementRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		enc  element
		want any
	}{
		{"uint8", deUint8(7), uint64(7)},
		{"uint16", deUint16(4660), uint64(4660)},
		{"uint32", deUint32(1), uint64(1)},
		{"string", deString("hello"), "hello"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, rest, err := decodeElement(tc.enc)
			if err != nil {
				t.Fatalf("decodeElement: %v", err)
			}
			if len(rest) != 0 {
				t.Fatalf("unexpected trailing bytes: %v", rest)
			}
			if got != tc.want {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestDataElementSequence(t *testing.T) {
	seq := deSequence(deUint16(1), deUint16(2), deString("x"))
	got, rest, err := decodeElement(seq)
	if err != nil {
		t.Fatalf("decodeElement: %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("unexpected trailing bytes: %v", rest)
	}
	items, ok := got.([]any)
	if !ok || len(items) != 3 {
		t.Fatalf("got %#v, want 3-element sequence", got)
	}
	if items[0].(uint64) != 1 || items[1].(uint64) != 2 || items[2].(string) != "x" {
		t.Fatalf("unexpected sequence contents: %#v", items)
	}
}

func TestBuildAndParsePDUHeader(t *testing.T) {
	params := []byte{0xAA, 0xBB, 0xCC}
	buf := buildPDU(pduServiceSearchRequest, 42, params)

	pduID, txID, got, err := parsePDUHeader(buf)
	if err != nil {
		t.Fatalf("parsePDUHeader: %v", err)
	}
	if pduID != pduServiceSearchRequest {
		t.Errorf("pduID = 0x%02x, want 0x%02x", pduID, pduServiceSearchRequest)
	}
	if txID != 42 {
		t.Errorf("txID = %d, want 42", txID)
	}
	if string(got) != string(params) {
		t.Errorf("params = %v, want %v", got, params)
	}
}

func TestParsePDUHeaderTruncated(t *testing.T) {
	if _, _, _, err := parsePDUHeader([]byte{0x01, 0x00}); err == nil {
		t.Fatal("expected error on short PDU")
	}
	buf := buildPDU(pduErrorResponse, 1, []byte{0x01, 0x02})
	if _, _, _, err := parsePDUHeader(buf[:len(buf)-1]); err == nil {
		t.Fatal("expected error on truncated parameter block")
	}
}

func TestServiceUUID(t *testing.T) {
	uuid, err := ServiceUUID("00001101-0000-1000-8000-00805f9b34fb")
	if err != nil {
		t.Fatalf("ServiceUUID: %v", err)
	}
	want := [16]byte{0x00, 0x00, 0x11, 0x01, 0x00, 0x00, 0x10, 0x00, 0x80, 0x00, 0x00, 0x80, 0x5f, 0x9b, 0x34, 0xfb}
	if uuid != want {
		t.Fatalf("got %x, want %x", uuid, want)
	}

	if _, err := ServiceUUID("not-a-uuid"); err == nil {
		t.Fatal("expected error for malformed UUID")
	}
}

func TestSPPRecordContainsChannel(t *testing.T) {
	uuid, err := ServiceUUID("00001101-0000-1000-8000-00805f9b34fb")
	if err != nil {
		t.Fatalf("ServiceUUID: %v", err)
	}
	record := sppRecord(uuid, 5, "bridge")

	decoded, rest, err := decodeElement(record)
	if err != nil {
		t.Fatalf("decodeElement: %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("unexpected trailing bytes: %v", rest)
	}
	attrs, ok := decoded.([]any)
	if !ok {
		t.Fatalf("expected a sequence, got %#v", decoded)
	}

	found := false
	for i := 0; i+1 < len(attrs); i += 2 {
		id, ok := attrs[i].(uint64)
		if !ok || uint16(id) != attrProtocolDescriptorList {
			continue
		}
		if ch, ok := rfcommChannelFromProtocolList(attrs[i+1]); ok {
			found = true
			if ch != 5 {
				t.Errorf("channel = %d, want 5", ch)
			}
		}
	}
	if !found {
		t.Fatal("did not find RFCOMM channel in protocol descriptor list")
	}
}
