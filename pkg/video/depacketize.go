package video

import (
	"bytes"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
)

// NAL unit types that matter for decoding
const (
	nalSlice = 1
	nalIDR   = 5
	nalSPS   = 7
	nalPPS   = 8
)

var startCode = []byte{0x00, 0x00, 0x00, 0x01}

// accessUnit is one Annex-B encoded picture
type accessUnit struct {
	data []byte
	key  bool
}

// assembler turns RTP packets into access units. A unit ends at the packet
// carrying the marker bit or when the timestamp changes.
type assembler struct {
	depacketizer codecs.H264Packet
	buf          []byte
	ts           uint32
	started      bool
}

// push adds one packet and returns a completed access unit, if any
func (a *assembler) push(pkt *rtp.Packet) (accessUnit, bool) {
	var out accessUnit
	var done bool

	if a.started && pkt.Timestamp != a.ts && len(a.buf) > 0 {
		out, done = a.flush()
	}
	a.started = true
	a.ts = pkt.Timestamp

	nal, err := a.depacketizer.Unmarshal(pkt.Payload)
	if err != nil {
		// Corrupt or unsupported payload; drop what we had for this picture
		a.buf = a.buf[:0]
		return out, done
	}
	a.buf = append(a.buf, nal...)

	// When a unit was already flushed above, this one waits for the next
	// timestamp change
	if pkt.Marker && !done {
		return a.flush()
	}
	return out, done
}

func (a *assembler) flush() (accessUnit, bool) {
	if len(a.buf) == 0 {
		return accessUnit{}, false
	}
	data := append([]byte(nil), a.buf...)
	a.buf = a.buf[:0]
	return accessUnit{data: data, key: hasKeyframe(data)}, true
}

// nalTypes lists the NAL unit types of an Annex-B stream
func nalTypes(stream []byte) []byte {
	var types []byte
	for {
		i := bytes.Index(stream, startCode)
		if i < 0 {
			return types
		}
		stream = stream[i+len(startCode):]
		if len(stream) > 0 {
			types = append(types, stream[0]&0x1F)
		}
	}
}

func hasKeyframe(stream []byte) bool {
	for _, t := range nalTypes(stream) {
		if t == nalIDR || t == nalSPS {
			return true
		}
	}
	return false
}

// gop buffers the stream since the last keyframe so any snapshot decodes
// on its own
type gop struct {
	buf   []byte
	keyed bool
	max   int
}

// add appends au and reports whether it was kept
func (g *gop) add(au accessUnit) bool {
	if au.key {
		g.buf = append(g.buf[:0], au.data...)
		g.keyed = true
		return true
	}
	if !g.keyed {
		return false
	}
	if g.max > 0 && len(g.buf)+len(au.data) > g.max {
		// Too long without a keyframe; wait for the next one
		g.buf = g.buf[:0]
		g.keyed = false
		return false
	}
	g.buf = append(g.buf, au.data...)
	return true
}

func (g *gop) snapshot() []byte {
	if !g.keyed {
		return nil
	}
	return append([]byte(nil), g.buf...)
}
