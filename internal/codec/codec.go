// Package codec wraps the decoders and encoders used by the pipeline behind a
// send/receive session API.
package codec

import (
	"errors"
	"fmt"
	"io"

	"github.com/pion/logging"

	"github.com/Azunyan1111/go-media-pipeline/internal/av"
)

// ErrAgain is returned when a session cannot make progress: SendPacket and
// SendFrame return it while output is waiting to be received, ReceiveFrame and
// ReceivePacket return it when more input is needed.
var ErrAgain = errors.New("resource temporarily unavailable")

// Decoder turns compressed packets into frames.
type Decoder interface {
	// SendPacket queues one packet. A nil packet starts draining.
	SendPacket(pkt *av.Packet) error
	// ReceiveFrame returns the next frame, ErrAgain, or io.EOF once drained.
	ReceiveFrame(frame *av.Frame) error
	Close() error
}

// Encoder turns frames into compressed packets.
type Encoder interface {
	// SendFrame queues one frame. A nil frame starts draining.
	SendFrame(frame *av.Frame) error
	// ReceivePacket returns the next packet, ErrAgain, or io.EOF once drained.
	ReceivePacket(pkt *av.Packet) error
	// Params describes the produced stream.
	Params() av.CodecParameters
	// TimeBase is the unit of frame and packet timestamps.
	TimeBase() av.Rational
	Close() error
}

// Preset selects the speed/quality tradeoff of an encoder.
type Preset string

const (
	PresetFast Preset = "fast"
	PresetGood Preset = "good"
	PresetBest Preset = "best"
)

// EncoderConfig describes the stream an encoder should produce.
type EncoderConfig struct {
	Codec       av.CodecID
	Width       int
	Height      int
	PixelFormat av.PixelFormat
	TimeBase    av.Rational
	FrameRate   av.Rational
	// BitRate in bits per second, 0 means encoder default.
	BitRate    int
	GOPSize    int
	MaxBFrames int
	Preset     Preset
	Threads    int
	// Quality is used by still-image encoders, 1-100.
	Quality int
}

func discardLogger() logging.LeveledLogger {
	return logging.NewDefaultLeveledLoggerForScope("codec", logging.LogLevelDisabled, io.Discard)
}

// NewDecoder opens a decoder for the stream described by params.
func NewDecoder(params av.CodecParameters, log logging.LeveledLogger) (Decoder, error) {
	if log == nil {
		log = discardLogger()
	}
	switch params.Codec {
	case av.CodecVP8, av.CodecVP9:
		return newVPXDecoder(params, log)
	case av.CodecH264, av.CodecHEVC:
		return newLibavDecoder(params, log)
	default:
		return nil, fmt.Errorf("%w: no decoder for %s", av.ErrUnsupportedCodec, params.Codec)
	}
}

// NewEncoder opens an encoder for cfg.
func NewEncoder(cfg EncoderConfig, log logging.LeveledLogger) (Encoder, error) {
	if log == nil {
		log = discardLogger()
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: invalid encoder size %dx%d", av.ErrEncodeFailure, cfg.Width, cfg.Height)
	}
	switch cfg.Codec {
	case av.CodecVP8:
		return newVP8Encoder(cfg, log)
	case av.CodecMJPEG:
		return newJPEGEncoder(cfg, log)
	default:
		return nil, fmt.Errorf("%w: no encoder for %s", av.ErrUnsupportedCodec, cfg.Codec)
	}
}

// frameQueue is the FIFO between a codec library and the receive side.
type frameQueue[T any] struct {
	items []T
}

func (q *frameQueue[T]) push(v T) { q.items = append(q.items, v) }

func (q *frameQueue[T]) pop() (T, bool) {
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return v, true
}

func (q *frameQueue[T]) len() int { return len(q.items) }
