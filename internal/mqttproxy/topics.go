package mqttproxy

// Topic names, taken verbatim from spec.md §4.5's request/response table
// (grounded in turn on original_source/src/lib/mqtt/mqtt_proxy.cpp's
// setup() subscriptions, which use the same names).
const (
	TopicConnectDevice        = "/org/booway/bluetooth/connectDevice"
	TopicDisconnectDevice     = "/org/booway/bluetooth/disconnectDevice"
	TopicSendToDevice         = "/org/booway/bluetooth/sendToDevice"
	TopicRemoveDevices        = "/org/booway/bluetooth/removeDevices"
	TopicConnectBenchmarkTest = "/org/booway/bluetooth/connectBenchmarkTest"

	TopicGetAdapters = "/org/booway/bluetooth/getAdapters"
	TopicGetDevices  = "/org/booway/bluetooth/getDevices"

	// TopicNewConnection and TopicLoseConnection fire for both inbound
	// (peer-initiated) and outbound (we-dialed) connections: spec.md's
	// Open Questions note the original does not distinguish the two, and
	// this is carried over rather than guessed at (see DESIGN.md).
	TopicNewConnection     = "/org/booway/bluetooth/newConnection"
	TopicLoseConnection    = "/org/booway/bluetooth/loseConnection"
	TopicReceiveFromDevice = "/org/booway/bluetooth/receiveFromDevice"
	TopicGetLastError      = "/org/booway/bluetooth/getLastError"
)
