package codec

import (
	"errors"
	"fmt"
	"io"

	"github.com/asticode/go-astiav"
	"github.com/pion/logging"

	"github.com/Azunyan1111/go-media-pipeline/internal/av"
)

var libavCodecIDs = map[av.CodecID]astiav.CodecID{
	av.CodecH264: astiav.CodecIDH264,
	av.CodecHEVC: astiav.CodecIDHevc,
}

// libavDecoder decodes H.264 and HEVC through libavcodec. Frames are copied
// into Go memory as soon as libavcodec returns them.
type libavDecoder struct {
	cc       *astiav.CodecContext
	pkt      *astiav.Packet
	frame    *astiav.Frame
	codec    av.CodecID
	log      logging.LeveledLogger
	frames   frameQueue[*av.Frame]
	draining bool
	decoded  int
}

func newLibavDecoder(params av.CodecParameters, log logging.LeveledLogger) (*libavDecoder, error) {
	id, ok := libavCodecIDs[params.Codec]
	if !ok {
		return nil, fmt.Errorf("%w: no libavcodec decoder for %s", av.ErrUnsupportedCodec, params.Codec)
	}
	c := astiav.FindDecoder(id)
	if c == nil {
		return nil, fmt.Errorf("%w: libavcodec was built without a %s decoder", av.ErrUnsupportedCodec, params.Codec)
	}

	cc := astiav.AllocCodecContext(c)
	if cc == nil {
		return nil, fmt.Errorf("%w: failed to allocate %s codec context", av.ErrDecodeFailure, params.Codec)
	}
	d := &libavDecoder{cc: cc, codec: params.Codec, log: log}

	cp := astiav.AllocCodecParameters()
	defer cp.Free()
	cp.SetMediaType(astiav.MediaTypeVideo)
	cp.SetCodecID(id)
	cp.SetWidth(params.Width)
	cp.SetHeight(params.Height)
	if len(params.Extradata) > 0 {
		if err := cp.SetExtraData(params.Extradata); err != nil {
			d.Close()
			return nil, fmt.Errorf("%w: failed to set %s extradata: %w", av.ErrDecodeFailure, params.Codec, err)
		}
	}
	if err := cp.ToCodecContext(cc); err != nil {
		d.Close()
		return nil, fmt.Errorf("%w: failed to apply %s parameters: %w", av.ErrDecodeFailure, params.Codec, err)
	}
	if err := cc.Open(c, nil); err != nil {
		d.Close()
		return nil, fmt.Errorf("%w: failed to open %s decoder: %w", av.ErrDecodeFailure, params.Codec, err)
	}

	d.pkt = astiav.AllocPacket()
	d.frame = astiav.AllocFrame()
	log.Debugf("%s decoder opened via libavcodec (%dx%d, %d bytes extradata)", params.Codec, params.Width, params.Height, len(params.Extradata))
	return d, nil
}

func (d *libavDecoder) SendPacket(pkt *av.Packet) error {
	if d.cc == nil {
		return fmt.Errorf("%w: decoder closed", av.ErrDecodeFailure)
	}
	if d.draining {
		return io.EOF
	}
	if d.frames.len() > 0 {
		return ErrAgain
	}

	if pkt == nil {
		d.draining = true
		if err := d.cc.SendPacket(nil); err != nil && !errors.Is(err, astiav.ErrEof) {
			return fmt.Errorf("%w: %s flush: %w", av.ErrDecodeFailure, d.codec, err)
		}
		return d.collect()
	}
	if len(pkt.Data) == 0 {
		return nil
	}

	if err := d.pkt.FromData(pkt.Data); err != nil {
		return fmt.Errorf("%w: %s packet pts=%d: %w", av.ErrDecodeFailure, d.codec, pkt.PTS, err)
	}
	defer d.pkt.Unref()
	d.pkt.SetPts(pkt.PTS)
	d.pkt.SetDts(pkt.DTS)
	if err := d.cc.SendPacket(d.pkt); err != nil {
		return fmt.Errorf("%w: %s packet pts=%d size=%d: %w", av.ErrDecodeFailure, d.codec, pkt.PTS, len(pkt.Data), err)
	}
	return d.collect()
}

// collect receives every frame libavcodec has ready.
func (d *libavDecoder) collect() error {
	for {
		err := d.cc.ReceiveFrame(d.frame)
		if errors.Is(err, astiav.ErrEagain) || errors.Is(err, astiav.ErrEof) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %s: %w", av.ErrDecodeFailure, d.codec, err)
		}
		frame, err := copyLibavFrame(d.frame)
		d.frame.Unref()
		if err != nil {
			return fmt.Errorf("%w: %w", av.ErrDecodeFailure, err)
		}
		d.decoded++
		d.frames.push(frame)
	}
}

// copyLibavFrame copies a planar 4:2:0 frame into Go memory.
func copyLibavFrame(f *astiav.Frame) (*av.Frame, error) {
	var format av.PixelFormat
	switch f.PixelFormat() {
	case astiav.PixelFormatYuv420P:
		format = av.PixFmtYUV420P
	case astiav.PixelFormatYuvj420P:
		format = av.PixFmtYUVJ420P
	default:
		return nil, fmt.Errorf("unsupported decoded pixel format %s", f.PixelFormat())
	}

	frame := &av.Frame{}
	if err := frame.Alloc(format, f.Width(), f.Height()); err != nil {
		return nil, err
	}
	// Alignment 1 packs the planes back to back without row padding.
	buf, err := f.Data().Bytes(1)
	if err != nil {
		return nil, err
	}
	off := 0
	for i := 0; i < 3; i++ {
		n := len(frame.Planes[i])
		if off+n > len(buf) {
			return nil, fmt.Errorf("decoded frame holds %d bytes, want at least %d", len(buf), off+n)
		}
		copy(frame.Planes[i], buf[off:off+n])
		off += n
	}
	frame.PTS = f.Pts()
	frame.Keyframe = f.PictureType() == astiav.PictureTypeI
	return frame, nil
}

func (d *libavDecoder) ReceiveFrame(frame *av.Frame) error {
	f, ok := d.frames.pop()
	if !ok {
		if d.draining {
			return io.EOF
		}
		return ErrAgain
	}
	*frame = *f
	return nil
}

func (d *libavDecoder) Close() error {
	if d.frame != nil {
		d.frame.Free()
		d.frame = nil
	}
	if d.pkt != nil {
		d.pkt.Free()
		d.pkt = nil
	}
	if d.cc != nil {
		d.cc.Free()
		d.cc = nil
		d.log.Debugf("%s decoder closed after %d frames", d.codec, d.decoded)
	}
	d.frames = frameQueue[*av.Frame]{}
	return nil
}
