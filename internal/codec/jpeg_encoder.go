package codec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/disintegration/imaging"
	"github.com/pion/logging"

	"github.com/Azunyan1111/go-media-pipeline/internal/av"
)

const defaultJPEGQuality = 90

// jpegEncoder produces one baseline JPEG per frame. Input must already be
// full range, as JPEG stores YCbCr without headroom.
type jpegEncoder struct {
	cfg      EncoderConfig
	log      logging.LeveledLogger
	pending  frameQueue[*av.Packet]
	draining bool
}

func newJPEGEncoder(cfg EncoderConfig, log logging.LeveledLogger) (*jpegEncoder, error) {
	if cfg.PixelFormat == av.PixFmtNone {
		cfg.PixelFormat = av.PixFmtYUVJ420P
	}
	if cfg.PixelFormat != av.PixFmtYUVJ420P {
		return nil, fmt.Errorf("%w: jpeg encoder needs %s input, got %s", av.ErrEncodeFailure, av.PixFmtYUVJ420P, cfg.PixelFormat)
	}
	if !cfg.TimeBase.Valid() {
		cfg.TimeBase = av.Rational{Num: 1, Den: 25}
	}
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = defaultJPEGQuality
	}
	return &jpegEncoder{cfg: cfg, log: log}, nil
}

func (e *jpegEncoder) Params() av.CodecParameters {
	return av.CodecParameters{
		Kind:        av.KindVideo,
		Codec:       av.CodecMJPEG,
		Width:       e.cfg.Width,
		Height:      e.cfg.Height,
		PixelFormat: e.cfg.PixelFormat,
	}
}

func (e *jpegEncoder) TimeBase() av.Rational { return e.cfg.TimeBase }

func (e *jpegEncoder) SendFrame(frame *av.Frame) error {
	if e.draining {
		return io.EOF
	}
	if e.pending.len() > 0 {
		return ErrAgain
	}
	if frame == nil {
		e.draining = true
		return nil
	}
	if frame.Format != av.PixFmtYUVJ420P {
		return fmt.Errorf("%w: jpeg encoder got %s frame", av.ErrEncodeFailure, frame.Format)
	}
	if frame.Width != e.cfg.Width || frame.Height != e.cfg.Height {
		return fmt.Errorf("%w: frame size %dx%d does not match encoder %dx%d",
			av.ErrEncodeFailure, frame.Width, frame.Height, e.cfg.Width, e.cfg.Height)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, frame.Image(), imaging.JPEG, imaging.JPEGQuality(e.cfg.Quality)); err != nil {
		return fmt.Errorf("%w: %w", av.ErrEncodeFailure, err)
	}
	e.log.Debugf("jpeg encoded %dx%d frame: %d bytes", frame.Width, frame.Height, buf.Len())
	e.pending.push(&av.Packet{
		PTS:      frame.PTS,
		DTS:      frame.PTS,
		Pos:      -1,
		Keyframe: true,
		Data:     buf.Bytes(),
	})
	return nil
}

func (e *jpegEncoder) ReceivePacket(pkt *av.Packet) error {
	p, ok := e.pending.pop()
	if !ok {
		if e.draining {
			return io.EOF
		}
		return ErrAgain
	}
	*pkt = *p
	return nil
}

func (e *jpegEncoder) Close() error {
	e.pending = frameQueue[*av.Packet]{}
	return nil
}
