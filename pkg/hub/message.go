package hub

// MessageType indicates the websocket message format
type MessageType int

const (
	// JSONMessage is sent as a text frame
	JSONMessage MessageType = iota
	// BinaryMessage is raw binary data (JPEG previews)
	BinaryMessage
)

// Message is queued for every client. A non-empty Key marks the latest
// value of some piece of state; the hub replays it to new clients.
type Message struct {
	Type MessageType
	Key  string
	Data []byte
}

// NewJSONMessage creates a JSON message from pre-encoded bytes
func NewJSONMessage(data []byte) Message {
	return Message{Type: JSONMessage, Data: data}
}

// NewBinaryMessage creates a binary message
func NewBinaryMessage(data []byte) Message {
	return Message{Type: BinaryMessage, Data: data}
}
