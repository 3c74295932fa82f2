package protocol

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teslashibe/go-sortbin/pkg/controller"
	"github.com/teslashibe/go-sortbin/pkg/deposit"
	"github.com/teslashibe/go-sortbin/pkg/detection"
	"github.com/teslashibe/go-sortbin/pkg/ledger"
	"github.com/teslashibe/go-sortbin/pkg/pipeline"
	"github.com/teslashibe/go-sortbin/pkg/stability"
)

func TestNewMessage(t *testing.T) {
	tests := []struct {
		name    string
		msgType MessageType
		data    interface{}
		wantErr bool
	}{
		{"frame message", TypeFrame, FrameData{Width: 640, Height: 480, Format: "jpeg"}, false},
		{"stability message", TypeStability, StabilityData{Phase: "accumulating", Progress: 0.5}, false},
		{"nil data", TypePing, nil, false},
		{"unmarshalable", TypeStats, func() {}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := NewMessage(tt.msgType, tt.data)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.msgType, msg.Type)
			assert.NotZero(t, msg.Timestamp)
		})
	}
}

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    MessageType
		wantErr bool
	}{
		{"frame", `{"type":"frame","data":{"format":"jpeg","data":""}}`, TypeFrame, false},
		{"ping without data", `{"type":"ping"}`, TypePing, false},
		{"missing type", `{"data":{}}`, "", true},
		{"not json", `frame`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseMessage([]byte(tt.input))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, msg.Type)
		})
	}
}

func TestFrameMessage(t *testing.T) {
	jpegData := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10}

	msg, err := NewFrameMessage(640, 480, jpegData, 90, 7)
	require.NoError(t, err)

	raw, err := msg.Bytes()
	require.NoError(t, err)
	parsed, err := ParseMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeFrame, parsed.Type)

	fd, err := parsed.GetFrameData()
	require.NoError(t, err)
	assert.Equal(t, 640, fd.Width)
	assert.Equal(t, "jpeg", fd.Format)

	frame, err := fd.Frame()
	require.NoError(t, err)
	assert.Equal(t, jpegData, frame.Data)
	assert.Equal(t, 90, frame.Rotation)
	assert.Equal(t, uint64(7), frame.Seq)
}

func TestFrameDataErrors(t *testing.T) {
	tests := []struct {
		name string
		fd   FrameData
		is   error
	}{
		{"h264", FrameData{Format: "h264", Data: base64.StdEncoding.EncodeToString([]byte{1})}, ErrUnsupportedFormat},
		{"bad base64", FrameData{Data: "!!!"}, nil},
		{"empty", FrameData{Format: "jpeg"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.fd.Frame()
			require.Error(t, err)
			if tt.is != nil {
				assert.ErrorIs(t, err, tt.is)
			}
		})
	}
}

func TestDetectionMessage(t *testing.T) {
	out := pipeline.Output{
		Frame: pipeline.Frame{Seq: 12},
		Result: detection.NewResult([]detection.Detection{
			{ClassName: "plastic-pet", Confidence: 0.8, NormalizedBox: detection.Rect{Left: 0.1, Top: 0.2, Right: 0.5, Bottom: 0.6}},
			{ClassName: "hand", Confidence: 0.4},
		}, 50, 640, 480),
		Suppressed: 1,
	}

	msg, err := NewDetectionMessage(out)
	require.NoError(t, err)
	assert.Equal(t, TypeDetection, msg.Type)

	data, err := msg.GetDetectionData()
	require.NoError(t, err)
	assert.Equal(t, uint64(12), data.FrameID)
	assert.Equal(t, 640, data.Width)
	assert.InDelta(t, 20.0, data.FPS, 1e-9)
	assert.Equal(t, 1, data.Suppressed)
	require.Len(t, data.Boxes, 2)
	assert.Equal(t, "plastic", data.Boxes[0].Category)
	assert.Equal(t, 0.1, data.Boxes[0].Left)
	assert.Empty(t, data.Boxes[1].Category, "unmapped labels carry no category")
}

func TestStabilityMessage(t *testing.T) {
	msg, err := NewStabilityMessage(stability.State{
		Phase:     stability.Accumulating,
		Candidate: detection.Glass,
		HasCand:   true,
		Progress:  0.5,
		Remaining: 1500 * time.Millisecond,
		Label:     "glass",
	})
	require.NoError(t, err)

	data, err := msg.GetStabilityData()
	require.NoError(t, err)
	assert.Equal(t, "accumulating", data.Phase)
	assert.Equal(t, "glass", data.Category)
	assert.Equal(t, int64(1500), data.RemainingMs)

	msg, err = NewStabilityMessage(stability.State{Phase: stability.Empty})
	require.NoError(t, err)
	data, err = msg.GetStabilityData()
	require.NoError(t, err)
	assert.Empty(t, data.Category)
}

func TestDepositMessage(t *testing.T) {
	sess := deposit.Session{
		ID:       "abc",
		Category: detection.Metal,
		Label:    "metal",
		Reason:   "controller: nak: jammed",
		AckTime:  1200 * time.Millisecond,
	}
	msg, err := NewDepositMessage(deposit.Depositing, deposit.Failure, sess)
	require.NoError(t, err)

	data, err := msg.GetDepositData()
	require.NoError(t, err)
	assert.Equal(t, "depositing", data.From)
	assert.Equal(t, "failure", data.State)
	assert.Equal(t, "metal", data.Category)
	assert.Equal(t, int64(1200), data.AckMs)
	assert.Contains(t, data.Reason, "jammed")
}

func TestConnectionMessage(t *testing.T) {
	msg, err := NewConnectionMessage(controller.Connection{
		State:     controller.Error,
		Address:   "ws://bin.local:81",
		LastError: errors.New("dial refused").Error(),
	})
	require.NoError(t, err)

	data, err := msg.GetConnectionData()
	require.NoError(t, err)
	assert.Equal(t, controller.Error.String(), data.State)
	assert.Equal(t, "ws://bin.local:81", data.Address)
	assert.Equal(t, "dial refused", data.LastError)
}

func TestStatsAndTotalsMessages(t *testing.T) {
	msg, err := NewStatsMessage(pipeline.Stats{Submitted: 90, Processed: 30, Dropped: 60}, 4, deposit.Stats{Attempts: 1, Succeeded: 1})
	require.NoError(t, err)
	var stats StatsData
	require.NoError(t, msg.ParseData(&stats))
	assert.Equal(t, uint64(60), stats.FramesDropped)
	assert.Equal(t, uint64(4), stats.Suppressed)
	assert.Equal(t, uint64(1), stats.Succeeded)

	msg, err = NewTotalsMessage(ledger.Delta{DonorID: "d", DepositID: "x", Points: 8, TotalPoints: 508, Level: ledger.LevelSilver})
	require.NoError(t, err)
	var totals TotalsData
	require.NoError(t, msg.ParseData(&totals))
	assert.Equal(t, 508, totals.TotalPoints)
	assert.Equal(t, "Plata", totals.Level)
}

func TestPingPong(t *testing.T) {
	ping, err := NewPingMessage("p1", 1000)
	require.NoError(t, err)
	pd, err := ping.GetPingData()
	require.NoError(t, err)
	assert.Equal(t, "p1", pd.ID)

	pong, err := NewPongMessage(pd.ID, pd.Timestamp, 1042)
	require.NoError(t, err)
	pg, err := pong.GetPongData()
	require.NoError(t, err)
	assert.Equal(t, int64(42), pg.LatencyMs)
}

func TestParseDataNil(t *testing.T) {
	msg := &Message{Type: TypePing}
	var pd PingData
	assert.NoError(t, msg.ParseData(&pd))
	assert.Empty(t, pd.ID)
}
