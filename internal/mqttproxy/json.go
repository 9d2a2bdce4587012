package mqttproxy

import (
	"encoding/json"
	"fmt"
)

// Error strings surfaced on the wire verbatim from
// original_source/src/lib/mqtt/mqtt_proxy.cpp; these are operator-facing
// payload content, not internal identifiers, so they are kept as-is
// rather than translated.
const (
	msgMissingDeviceField = "JSON解析错误：缺少 'device' 字段"
	msgValidationFailed   = "数据校验失败"
	msgDeviceNotFound     = "设备未发现"
	msgPairFailedFmt      = "设备配对失败, 设备: %s"
	msgConnectFailedFmt   = "设备连接失败, 设备: %s"
)

// deviceRef mirrors spec.md §4.5's nested "device" object, which is reused
// (with different fields populated) across connectDevice, disconnectDevice,
// sendToDevice, newConnection, loseConnection and receiveFromDevice bodies.
type deviceRef struct {
	Address     string `json:"address"`
	Pincode     string `json:"pincode,omitempty"`
	Name        string `json:"name,omitempty"`
	Data        string `json:"data,omitempty"`
	Size        int    `json:"size,omitempty"`
	PublishID   string `json:"publishId,omitempty"`
	PublishTime string `json:"publishTime,omitempty"`
}

// deviceEnvelope is the common {device:{...}} wrapper used by every
// connectDevice/disconnectDevice/sendToDevice request and every
// newConnection/loseConnection/receiveFromDevice event.
type deviceEnvelope struct {
	Device deviceRef `json:"device"`
}

// removeDevicesRequest is the payload for TopicRemoveDevices. Its "address"
// field is polymorphic per spec.md §4.5: either a single MAC address string
// or an array of them.
type removeDevicesRequest struct {
	Address     json.RawMessage `json:"address"`
	PublishID   string          `json:"publishId,omitempty"`
	PublishTime string          `json:"publishTime,omitempty"`
}

func (r removeDevicesRequest) addresses() ([]string, error) {
	var single string
	if err := json.Unmarshal(r.Address, &single); err == nil {
		return []string{single}, nil
	}
	var list []string
	if err := json.Unmarshal(r.Address, &list); err == nil {
		return list, nil
	}
	return nil, fmt.Errorf("mqttproxy: removeDevices address is neither a string nor an array of strings")
}

// benchmarkRequest is the payload for TopicConnectBenchmarkTest: address to
// drive, and the repeat count (the bus sees 2*times alternating
// connect/disconnect requests, per spec.md §8's testable properties).
type benchmarkRequest struct {
	Device deviceRef `json:"device"`
	Times  int       `json:"times"`
}

// lastErrorPayload is TopicGetLastError's body, echoing the triggering
// request's publishId/publishTime back as subscribeId/subscribeTime.
type lastErrorPayload struct {
	SubscribeID   string `json:"subscribeId"`
	SubscribeTime string `json:"subscribeTime"`
	Message       string `json:"message"`
}

// benchmarkPincode is the fixed pincode connectBenchmarkTest uses so
// repeated runs are reproducible.
const benchmarkPincode = "0000"
