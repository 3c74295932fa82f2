package protocol

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/teslashibe/go-sortbin/pkg/controller"
	"github.com/teslashibe/go-sortbin/pkg/deposit"
	"github.com/teslashibe/go-sortbin/pkg/ledger"
	"github.com/teslashibe/go-sortbin/pkg/pipeline"
	"github.com/teslashibe/go-sortbin/pkg/stability"
)

// ErrUnsupportedFormat is returned for frames that are not JPEG
var ErrUnsupportedFormat = errors.New("protocol: unsupported frame format")

// =============================================================================
// Helper functions for creating messages
// =============================================================================

// NewFrameMessage creates a frame message from raw JPEG data
func NewFrameMessage(width, height int, jpegData []byte, rotation int, frameID uint64) (*Message, error) {
	return NewMessage(TypeFrame, FrameData{
		Width:    width,
		Height:   height,
		Format:   "jpeg",
		Data:     base64.StdEncoding.EncodeToString(jpegData),
		Rotation: rotation,
		FrameID:  frameID,
	})
}

// NewDetectionMessage summarizes a processed frame
func NewDetectionMessage(out pipeline.Output) (*Message, error) {
	res := out.Result
	data := DetectionData{
		FrameID:     out.Frame.Seq,
		Width:       res.FrameWidth,
		Height:      res.FrameHeight,
		InferenceMs: res.InferenceMs,
		FPS:         res.FPS,
		Suppressed:  out.Suppressed,
		Boxes:       make([]BoxData, 0, len(res.Detections)),
	}
	for _, d := range res.Detections {
		box := BoxData{
			Label:      d.ClassName,
			Confidence: d.Confidence,
			Left:       d.NormalizedBox.Left,
			Top:        d.NormalizedBox.Top,
			Right:      d.NormalizedBox.Right,
			Bottom:     d.NormalizedBox.Bottom,
		}
		if cat, err := d.Category(); err == nil {
			box.Category = cat.String()
		}
		data.Boxes = append(data.Boxes, box)
	}
	return NewMessage(TypeDetection, data)
}

// NewStabilityMessage reports tracker progress
func NewStabilityMessage(s stability.State) (*Message, error) {
	data := StabilityData{
		Phase:       s.Phase.String(),
		Label:       s.Label,
		Confidence:  s.Confidence,
		Progress:    s.Progress,
		RemainingMs: s.Remaining.Milliseconds(),
	}
	if s.HasCand {
		data.Category = s.Candidate.String()
	}
	return NewMessage(TypeStability, data)
}

// NewDepositMessage reports a deposit transition
func NewDepositMessage(from, to deposit.State, s deposit.Session) (*Message, error) {
	data := DepositData{
		ID:         s.ID,
		From:       from.String(),
		State:      to.String(),
		Label:      s.Label,
		Confidence: s.Confidence,
		Reason:     s.Reason,
		AckMs:      s.AckTime.Milliseconds(),
	}
	if s.Category.Valid() {
		data.Category = s.Category.String()
	}
	return NewMessage(TypeDeposit, data)
}

// NewConnectionMessage reports the controller link
func NewConnectionMessage(c controller.Connection) (*Message, error) {
	return NewMessage(TypeConnection, ConnectionData{
		State:     c.State.String(),
		Address:   c.Address,
		Token:     c.Token,
		LastError: c.LastError,
	})
}

// NewStatsMessage combines runner and orchestrator counters
func NewStatsMessage(p pipeline.Stats, suppressed uint64, d deposit.Stats) (*Message, error) {
	return NewMessage(TypeStats, StatsData{
		FramesSubmitted: p.Submitted,
		FramesProcessed: p.Processed,
		FramesDropped:   p.Dropped,
		FramesFailed:    p.Failed,
		InferenceMs:     p.LastInferenceMs,
		Suppressed:      suppressed,
		Deposits:        d.Attempts,
		Succeeded:       d.Succeeded,
		Failed:          d.Failed,
	})
}

// NewTotalsMessage reports a recorded deposit
func NewTotalsMessage(d ledger.Delta) (*Message, error) {
	return NewMessage(TypeTotals, TotalsData{
		DonorID:     d.DonorID,
		DepositID:   d.DepositID,
		Points:      d.Points,
		TotalPoints: d.TotalPoints,
		TotalGrams:  d.TotalGrams,
		Level:       d.Level,
	})
}

// NewPingMessage creates a ping message
func NewPingMessage(id string, ts int64) (*Message, error) {
	return NewMessage(TypePing, PingData{ID: id, Timestamp: ts})
}

// NewPongMessage creates a pong response message
func NewPongMessage(id string, pingTS, pongTS int64) (*Message, error) {
	return NewMessage(TypePong, PongData{
		ID:        id,
		PingTS:    pingTS,
		PongTS:    pongTS,
		LatencyMs: pongTS - pingTS,
	})
}

// =============================================================================
// Helper functions for parsing messages
// =============================================================================

// GetFrameData extracts frame data from a message
func (m *Message) GetFrameData() (*FrameData, error) {
	var data FrameData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// DecodeFrameData decodes the base64 image data
func (f *FrameData) DecodeFrameData() ([]byte, error) {
	return base64.StdEncoding.DecodeString(f.Data)
}

// Frame converts the message payload into a pipeline frame. Format may be
// empty (treated as jpeg).
func (f *FrameData) Frame() (pipeline.Frame, error) {
	if f.Format != "" && f.Format != "jpeg" {
		return pipeline.Frame{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, f.Format)
	}
	raw, err := f.DecodeFrameData()
	if err != nil {
		return pipeline.Frame{}, fmt.Errorf("protocol: decode frame: %w", err)
	}
	if len(raw) == 0 {
		return pipeline.Frame{}, fmt.Errorf("protocol: empty frame")
	}
	return pipeline.Frame{Seq: f.FrameID, Data: raw, Rotation: f.Rotation}, nil
}

// GetDetectionData extracts detection data from a message
func (m *Message) GetDetectionData() (*DetectionData, error) {
	var data DetectionData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetStabilityData extracts stability data from a message
func (m *Message) GetStabilityData() (*StabilityData, error) {
	var data StabilityData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetDepositData extracts deposit data from a message
func (m *Message) GetDepositData() (*DepositData, error) {
	var data DepositData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetConnectionData extracts connection data from a message
func (m *Message) GetConnectionData() (*ConnectionData, error) {
	var data ConnectionData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetPingData extracts ping data from a message
func (m *Message) GetPingData() (*PingData, error) {
	var data PingData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetPongData extracts pong data from a message
func (m *Message) GetPongData() (*PongData, error) {
	var data PongData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}
