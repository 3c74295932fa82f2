package video

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"os/exec"
	"strconv"
	"time"
)

// ErrNoPicture is returned when the decoder produced no frame
var ErrNoPicture = errors.New("video: no picture decoded")

// Decoder turns an Annex-B H264 stream starting at a keyframe into the JPEG
// of its last picture
type Decoder interface {
	Decode(ctx context.Context, stream []byte) ([]byte, error)
}

// FFmpegDecoder runs one ffmpeg process per decode with pipe I/O
type FFmpegDecoder struct {
	// Path to the ffmpeg binary; "ffmpeg" resolves through PATH
	Path string
	// Timeout bounds one decode
	Timeout time.Duration
	// Quality is the mjpeg qscale, 2 (best) to 31
	Quality int
}

// NewFFmpegDecoder returns a decoder with defaults filled in
func NewFFmpegDecoder(path string) *FFmpegDecoder {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpegDecoder{Path: path, Timeout: 500 * time.Millisecond, Quality: 3}
}

// Decode implements Decoder
func (d *FFmpegDecoder) Decode(ctx context.Context, stream []byte) ([]byte, error) {
	if len(stream) < 100 {
		return nil, ErrNoPicture
	}
	ctx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, d.Path,
		"-loglevel", "error",
		"-f", "h264",
		"-i", "pipe:0",
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", strconv.Itoa(d.Quality),
		"pipe:1",
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(stream)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		// ffmpeg exits non-zero on a truncated tail but still emits the
		// pictures before it
		if stdout.Len() == 0 {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("ffmpeg: %w", ctx.Err())
			}
			return nil, fmt.Errorf("ffmpeg: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
		}
	}

	last := lastJPEG(stdout.Bytes())
	if last == nil {
		return nil, ErrNoPicture
	}
	return last, nil
}

var jpegSOI = []byte{0xFF, 0xD8, 0xFF}

// lastJPEG returns the final image of an image2pipe mjpeg stream
func lastJPEG(stream []byte) []byte {
	i := bytes.LastIndex(stream, jpegSOI)
	if i < 0 {
		return nil
	}
	out := stream[i:]
	if len(out) < 4 || !bytes.HasSuffix(out, []byte{0xFF, 0xD9}) {
		return nil
	}
	return append([]byte(nil), out...)
}

// isBlank reports pictures a decoder emits before it has a reference
// frame. Those are a single flat color, usually black or mid-gray.
func isBlank(img image.Image) bool {
	bounds := img.Bounds()
	if bounds.Dx() < 16 || bounds.Dy() < 16 {
		return true
	}

	lo, hi := 255, 0
	stepX, stepY := bounds.Dx()/10, bounds.Dy()/10
	for y := bounds.Min.Y; y < bounds.Max.Y; y += stepY {
		for x := bounds.Min.X; x < bounds.Max.X; x += stepX {
			r, g, b, _ := img.At(x, y).RGBA()
			luma := int((299*(r>>8) + 587*(g>>8) + 114*(b>>8)) / 1000)
			lo = min(lo, luma)
			hi = max(hi, luma)
		}
	}
	return hi-lo < 6
}
