package transport

// Envelope types spoken over the relay WebSocket. The relay mirrors
// every BLE operation as a JSON message with a type discriminator;
// binary payloads travel base64-encoded in the data field.
const (
	MsgConnect      = "connect"
	MsgConnected    = "connected"
	MsgDisconnect   = "disconnect"
	MsgDisconnected = "disconnected"
	MsgWrite        = "write"
	MsgSubscribe    = "subscribe"
	MsgUnsubscribe  = "unsubscribe"
	MsgNotification = "notification"
	MsgStatus       = "status"
	MsgError        = "error"
	MsgDiscover     = "discover"
	MsgDiscovered   = "discovered"
)

// Envelope is one relay message in either direction. Fields are a union
// over all message types; which ones are set depends on Type.
type Envelope struct {
	Type string `json:"type"`

	// connect / discover
	ServiceUUID   string  `json:"service_uuid,omitempty"`
	DeviceAddress string  `json:"device_address,omitempty"`
	Timeout       float64 `json:"timeout,omitempty"`

	// write / subscribe / unsubscribe / notification
	CharacteristicUUID string `json:"characteristic_uuid,omitempty"`
	Data               string `json:"data,omitempty"` // base64
	WithResponse       bool   `json:"with_response,omitempty"`

	// connected / discovered
	DeviceName string            `json:"device_name,omitempty"`
	Services   []string          `json:"services,omitempty"`
	Devices    []DiscoveredPeer  `json:"devices,omitempty"`

	// status / disconnected / error
	Connected bool           `json:"connected,omitempty"`
	Message   string         `json:"message,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Error     string         `json:"error,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// DiscoveredPeer is one device reported by a relay-side scan.
type DiscoveredPeer struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	RSSI    int    `json:"rssi,omitempty"`
}
