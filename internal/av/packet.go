package av

import (
	"fmt"
	"image"
)

// Packet is one compressed unit of a stream.
type Packet struct {
	StreamIndex int
	PTS         int64
	DTS         int64
	Duration    int64
	Pos         int64 // byte offset in the source, -1 when unknown
	Keyframe    bool
	Data        []byte
}

// Unref drops the data reference and resets the packet for reuse.
func (p *Packet) Unref() {
	*p = Packet{PTS: NoPTS, DTS: NoPTS, Pos: -1}
}

// Clone returns a packet that owns a private copy of the data.
func (p *Packet) Clone() *Packet {
	c := *p
	c.Data = append([]byte(nil), p.Data...)
	return &c
}

// MoveTo hands the packet's contents to dst and leaves p blank.
func (p *Packet) MoveTo(dst *Packet) {
	*dst = *p
	p.Unref()
}

// Rescale converts PTS, DTS and Duration between timebases.
func (p *Packet) Rescale(from, to Rational) {
	p.PTS = Rescale(p.PTS, from, to)
	p.DTS = Rescale(p.DTS, from, to)
	if p.Duration > 0 {
		p.Duration = Rescale(p.Duration, from, to)
	}
}

// DecodeTime returns DTS, falling back to PTS.
func (p *Packet) DecodeTime() int64 {
	if p.DTS != NoPTS {
		return p.DTS
	}
	return p.PTS
}

// Frame is a decoded 4:2:0 raster.
type Frame struct {
	Format   PixelFormat
	Width    int
	Height   int
	PTS      int64
	Keyframe bool
	Planes   [3][]byte
	Strides  [3]int
}

// ChromaSize returns the dimensions of the U and V planes.
func ChromaSize(width, height int) (int, int) {
	return (width + 1) / 2, (height + 1) / 2
}

// Alloc (re)allocates tightly packed planes for the given geometry.
func (f *Frame) Alloc(format PixelFormat, width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid frame size %dx%d", width, height)
	}
	if format != PixFmtYUV420P && format != PixFmtYUVJ420P {
		return fmt.Errorf("unsupported pixel format %s", format)
	}
	cw, ch := ChromaSize(width, height)
	f.Format = format
	f.Width = width
	f.Height = height
	f.Strides = [3]int{width, cw, cw}
	f.Planes[0] = reuse(f.Planes[0], width*height)
	f.Planes[1] = reuse(f.Planes[1], cw*ch)
	f.Planes[2] = reuse(f.Planes[2], cw*ch)
	return nil
}

func reuse(b []byte, n int) []byte {
	if cap(b) >= n {
		return b[:n]
	}
	return make([]byte, n)
}

func (f *Frame) Unref() {
	*f = Frame{PTS: NoPTS}
}

// Image returns an *image.YCbCr view sharing the frame's planes.
func (f *Frame) Image() *image.YCbCr {
	return &image.YCbCr{
		Y:              f.Planes[0],
		Cb:             f.Planes[1],
		Cr:             f.Planes[2],
		YStride:        f.Strides[0],
		CStride:        f.Strides[1],
		SubsampleRatio: image.YCbCrSubsampleRatio420,
		Rect:           image.Rect(0, 0, f.Width, f.Height),
	}
}
