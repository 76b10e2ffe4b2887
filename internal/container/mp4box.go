package container

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/Azunyan1111/go-media-pipeline/internal/av"
)

// mp4ContainerBoxes are descended into while probing.
var mp4ContainerBoxes = map[string]bool{
	"moov": true,
	"trak": true,
	"mdia": true,
	"minf": true,
	"stbl": true,
}

type mp4Box struct {
	offset   int64
	size     int64
	header   int64
	typ      string
	children []mp4Box
}

func (b mp4Box) child(typ string) *mp4Box {
	for i := range b.children {
		if b.children[i].typ == typ {
			return &b.children[i]
		}
	}
	return nil
}

func (b mp4Box) path(types ...string) *mp4Box {
	cur := &b
	for _, t := range types {
		if cur = cur.child(t); cur == nil {
			return nil
		}
	}
	return cur
}

type mp4TrackMeta struct {
	handler   string
	timescale uint32
	duration  uint64
	rotation  int
	hasMatrix bool
	frameRate av.Rational
}

type mp4Meta struct {
	durationUs int64
	tracks     []mp4TrackMeta
}

// probeMP4Boxes reads movie-level metadata the vdk demuxer does not expose:
// mvhd duration, tkhd display matrix, mdhd timescale and the stts sample delta.
func probeMP4Boxes(f *os.File) (*mp4Meta, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	boxes, err := parseMP4Boxes(f, 0, st.Size())
	if err != nil {
		return nil, err
	}

	var moov *mp4Box
	for i := range boxes {
		if boxes[i].typ == "moov" {
			moov = &boxes[i]
			break
		}
	}
	if moov == nil {
		return nil, fmt.Errorf("no moov box")
	}

	meta := &mp4Meta{durationUs: av.NoPTS}
	if mvhd := moov.child("mvhd"); mvhd != nil {
		payload, err := readBoxPayload(f, mvhd)
		if err != nil {
			return nil, err
		}
		if timescale, duration, ok := parseMediaHeader(payload); ok && timescale > 0 {
			meta.durationUs = av.Rescale(int64(duration), av.Rational{Num: 1, Den: int(timescale)}, av.TimeBaseMicro)
		}
	}

	for _, trak := range moov.children {
		if trak.typ != "trak" {
			continue
		}
		var tm mp4TrackMeta
		if hdlr := trak.path("mdia", "hdlr"); hdlr != nil {
			if payload, err := readBoxPayload(f, hdlr); err == nil && len(payload) >= 12 {
				tm.handler = string(payload[8:12])
			}
		}
		if tkhd := trak.child("tkhd"); tkhd != nil {
			if payload, err := readBoxPayload(f, tkhd); err == nil {
				tm.rotation, tm.hasMatrix = parseTkhdRotation(payload)
			}
		}
		if mdhd := trak.path("mdia", "mdhd"); mdhd != nil {
			if payload, err := readBoxPayload(f, mdhd); err == nil {
				tm.timescale, tm.duration, _ = parseMediaHeader(payload)
			}
		}
		if stts := trak.path("mdia", "minf", "stbl", "stts"); stts != nil && tm.timescale > 0 {
			if payload, err := readBoxPayload(f, stts); err == nil {
				if delta, ok := firstSampleDelta(payload); ok && delta > 0 {
					tm.frameRate = av.Rational{Num: int(tm.timescale), Den: int(delta)}.Reduce()
				}
			}
		}
		meta.tracks = append(meta.tracks, tm)
	}
	return meta, nil
}

// apply attaches box metadata to the vdk streams, pairing tracks of the same
// kind in order.
func (m *mp4Meta) apply(d *vdkDemuxer) {
	d.durUs = m.durationUs
	used := make([]bool, len(m.tracks))
	for i := range d.streams {
		st := &d.streams[i]
		want := ""
		switch st.Params.Kind {
		case av.KindVideo:
			want = "vide"
		case av.KindAudio:
			want = "soun"
		default:
			continue
		}
		for j, tm := range m.tracks {
			if used[j] || tm.handler != want {
				continue
			}
			used[j] = true
			if tm.hasMatrix && st.Params.Kind == av.KindVideo {
				st.Rotation = tm.rotation
				st.HasRotation = tm.rotation != 0
			}
			if tm.timescale > 0 && tm.duration > 0 {
				st.Duration = av.Rescale(int64(tm.duration), av.Rational{Num: 1, Den: int(tm.timescale)}, st.TimeBase)
			}
			if st.Params.Kind == av.KindVideo {
				st.FrameRate = tm.frameRate
			}
			break
		}
	}
}

func parseMP4Boxes(f *os.File, start, end int64) ([]mp4Box, error) {
	var boxes []mp4Box
	offset := start
	header := make([]byte, 16)

	for offset+8 <= end {
		if _, err := f.ReadAt(header[:8], offset); err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		size := int64(binary.BigEndian.Uint32(header[0:4]))
		typ := string(header[4:8])
		hdrLen := int64(8)

		switch size {
		case 1:
			if _, err := f.ReadAt(header[8:16], offset+8); err != nil {
				return nil, err
			}
			size = int64(binary.BigEndian.Uint64(header[8:16]))
			hdrLen = 16
		case 0:
			size = end - offset
		}
		if size < hdrLen || offset+size > end {
			return nil, fmt.Errorf("invalid box %q size %d at %d", typ, size, offset)
		}

		box := mp4Box{offset: offset, size: size, header: hdrLen, typ: typ}
		if mp4ContainerBoxes[typ] {
			children, err := parseMP4Boxes(f, offset+hdrLen, offset+size)
			if err != nil {
				return nil, err
			}
			box.children = children
		}
		boxes = append(boxes, box)
		offset += size
	}
	return boxes, nil
}

func readBoxPayload(f *os.File, b *mp4Box) ([]byte, error) {
	n := b.size - b.header
	if n < 0 || n > maxReasonableFieldSize {
		return nil, fmt.Errorf("box %q payload too large: %d", b.typ, n)
	}
	buf := make([]byte, n)
	if _, err := f.ReadAt(buf, b.offset+b.header); err != nil {
		return nil, err
	}
	return buf, nil
}

// parseMediaHeader reads timescale and duration from an mvhd or mdhd payload.
func parseMediaHeader(p []byte) (uint32, uint64, bool) {
	if len(p) < 4 {
		return 0, 0, false
	}
	if p[0] == 1 {
		// version, flags, creation(8), modification(8), timescale, duration(8)
		if len(p) < 32 {
			return 0, 0, false
		}
		return binary.BigEndian.Uint32(p[20:24]), binary.BigEndian.Uint64(p[24:32]), true
	}
	if len(p) < 20 {
		return 0, 0, false
	}
	return binary.BigEndian.Uint32(p[12:16]), uint64(binary.BigEndian.Uint32(p[16:20])), true
}

// parseTkhdRotation derives the clockwise rotation from the tkhd display
// matrix. Only the 2x2 rotation part is considered.
func parseTkhdRotation(p []byte) (int, bool) {
	if len(p) < 4 {
		return 0, false
	}
	matrixAt := 4 + 36
	if p[0] == 1 {
		matrixAt = 4 + 48
	}
	if len(p) < matrixAt+36 {
		return 0, false
	}
	m := p[matrixAt:]
	a := float64(int32(binary.BigEndian.Uint32(m[0:4]))) / 65536
	b := float64(int32(binary.BigEndian.Uint32(m[4:8]))) / 65536
	if a == 0 && b == 0 {
		return 0, false
	}
	deg := int(math.Round(math.Atan2(b, a) * 180 / math.Pi))
	return av.NormalizeRotation(deg), true
}

func firstSampleDelta(p []byte) (uint32, bool) {
	// version/flags, entry count, {count, delta}...
	if len(p) < 16 || binary.BigEndian.Uint32(p[4:8]) == 0 {
		return 0, false
	}
	return binary.BigEndian.Uint32(p[12:16]), true
}
