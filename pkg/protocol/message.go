// Package protocol defines the WebSocket messages exchanged with the
// station: frames pushed by remote cameras, and the status stream the
// dashboard renders.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies the type of WebSocket message
type MessageType string

const (
	// Camera → Station
	TypeFrame MessageType = "frame" // JPEG frame from a handset or remote camera

	// Station → Dashboard
	TypeDetection  MessageType = "detection"  // Detections of the last processed frame
	TypeStability  MessageType = "stability"  // Stability progress
	TypeDeposit    MessageType = "deposit"    // Deposit state transition
	TypeConnection MessageType = "connection" // Controller link state
	TypeStats      MessageType = "stats"      // Pipeline and deposit counters
	TypeTotals     MessageType = "totals"     // Donor balance after a recorded deposit

	// Bidirectional
	TypePing MessageType = "ping"
	TypePong MessageType = "pong"
)

// Message is the base wrapper for all WebSocket messages
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"ts,omitempty"` // Unix milliseconds
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType MessageType, data interface{}) (*Message, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message data: %w", err)
		}
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Data:      rawData,
	}, nil
}

// ParseData unmarshals the message data into the provided struct
func (m *Message) ParseData(v interface{}) error {
	if m.Data == nil {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Bytes returns the JSON-encoded message
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage parses a JSON message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("failed to parse message: missing type")
	}
	return &msg, nil
}

// =============================================================================
// Camera → Station
// =============================================================================

// FrameData contains one camera frame
type FrameData struct {
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
	Format   string `json:"format"`             // "jpeg"
	Data     string `json:"data"`               // base64 encoded
	Rotation int    `json:"rotation,omitempty"` // clockwise degrees to display orientation
	FrameID  uint64 `json:"frame_id,omitempty"`
}

// =============================================================================
// Station → Dashboard
// =============================================================================

// BoxData is a detection in normalized [0,1] frame coordinates
type BoxData struct {
	Label      string  `json:"label"`
	Category   string  `json:"category,omitempty"`
	Confidence float64 `json:"confidence"`
	Left       float64 `json:"left"`
	Top        float64 `json:"top"`
	Right      float64 `json:"right"`
	Bottom     float64 `json:"bottom"`
}

// DetectionData summarizes one processed frame
type DetectionData struct {
	FrameID     uint64    `json:"frame_id"`
	Width       int       `json:"width"`
	Height      int       `json:"height"`
	InferenceMs float64   `json:"inference_ms"`
	FPS         float64   `json:"fps"`
	Suppressed  int       `json:"suppressed,omitempty"`
	Boxes       []BoxData `json:"boxes"`
}

// StabilityData reports how close the leading category is to triggering
type StabilityData struct {
	Phase       string  `json:"phase"`
	Category    string  `json:"category,omitempty"`
	Label       string  `json:"label,omitempty"`
	Confidence  float64 `json:"confidence,omitempty"`
	Progress    float64 `json:"progress"`
	RemainingMs int64   `json:"remaining_ms"`
}

// DepositData reports a deposit state transition
type DepositData struct {
	ID         string  `json:"id,omitempty"`
	From       string  `json:"from"`
	State      string  `json:"state"`
	Category   string  `json:"category,omitempty"`
	Label      string  `json:"label,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Reason     string  `json:"reason,omitempty"`
	AckMs      int64   `json:"ack_ms,omitempty"`
}

// ConnectionData reports the controller link state
type ConnectionData struct {
	State     string `json:"state"`
	Address   string `json:"address,omitempty"`
	Token     string `json:"token,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

// StatsData carries the running counters
type StatsData struct {
	FramesSubmitted uint64  `json:"frames_submitted"`
	FramesProcessed uint64  `json:"frames_processed"`
	FramesDropped   uint64  `json:"frames_dropped"`
	FramesFailed    uint64  `json:"frames_failed"`
	InferenceMs     float64 `json:"inference_ms"`
	Suppressed      uint64  `json:"suppressed"`
	Deposits        uint64  `json:"deposits"`
	Succeeded       uint64  `json:"succeeded"`
	Failed          uint64  `json:"failed"`
}

// TotalsData is the donor balance after a recorded deposit
type TotalsData struct {
	DonorID     string `json:"donor_id"`
	DepositID   string `json:"deposit_id"`
	Points      int    `json:"points"`
	TotalPoints int    `json:"total_points"`
	TotalGrams  int    `json:"total_grams"`
	Level       string `json:"level"`
}

// =============================================================================
// Bidirectional
// =============================================================================

// PingData contains ping information
type PingData struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"ts"`
}

// PongData contains pong response
type PongData struct {
	ID        string `json:"id"`
	PingTS    int64  `json:"ping_ts"`
	PongTS    int64  `json:"pong_ts"`
	LatencyMs int64  `json:"latency_ms"`
}
