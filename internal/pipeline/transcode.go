package pipeline

import (
	"errors"
	"io"
	"time"

	"github.com/Azunyan1111/go-media-pipeline/internal/av"
	"github.com/Azunyan1111/go-media-pipeline/internal/codec"
	"github.com/Azunyan1111/go-media-pipeline/internal/container"
	"github.com/Azunyan1111/go-media-pipeline/internal/metrics"
	"github.com/Azunyan1111/go-media-pipeline/internal/transform"
)

const (
	defaultTranscodeBitRate = 1000000
	transcodeGOPSize        = 30
	transcodeMaxBFrames     = 2
)

// TranscodeOptions configure Transcode.
type TranscodeOptions struct {
	// BitRate is the target video bitrate in bits per second.
	BitRate int
	// MaxWidth downscales wider sources to this width. 0 keeps the size.
	MaxWidth int
	Preset   codec.Preset
	Kernel   transform.Kernel
}

// TranscodeResult summarises a finished transcode.
type TranscodeResult struct {
	Width         int
	Height        int
	FramesDecoded int
	FramesEncoded int
	VideoPackets  int
	AudioPackets  int
	// DecodeErrors counts input packets the decoder rejected and that were
	// skipped.
	DecodeErrors int
}

// Transcode re-encodes the first video stream of inPath to VP8 and copies the
// first audio stream unchanged. Other streams are dropped. If writing fails
// after the header, the partial output stays on disk.
func (p *Pipeline) Transcode(inPath, outPath string, opts TranscodeOptions) (res *TranscodeResult, err error) {
	start := time.Now()
	defer func() { err = p.finish("transcode", start, err) }()

	if opts.BitRate <= 0 {
		opts.BitRate = defaultTranscodeBitRate
	}
	if opts.Preset == "" {
		opts.Preset = codec.PresetFast
	}
	p.log.Infof("Compressing video: %s -> %s (bitrate=%d, maxWidth=%d)", inPath, outPath, opts.BitRate, opts.MaxWidth)

	in, err := p.openInput(inPath)
	if err != nil {
		return nil, err
	}
	defer in.Close()

	vst, err := firstVideo(in)
	if err != nil {
		return nil, err
	}
	if vst.Params.Width <= 0 || vst.Params.Height <= 0 {
		return nil, av.Failf("discover", av.ErrStreamDiscovery, "video stream #%d has no size", vst.Index)
	}
	aIdx := av.FindFirst(in.Streams(), av.KindAudio)

	codecLog := p.loggerFactory.NewLogger("codec")
	dec, err := codec.NewDecoder(vst.Params, codecLog)
	if err != nil {
		return nil, av.Fail("decoder", av.ErrUnsupportedCodec, err)
	}
	defer dec.Close()

	width, height, scaled := transform.FitWidth(vst.Params.Width, vst.Params.Height, opts.MaxWidth)
	if scaled {
		p.log.Infof("Scaling %dx%d -> %dx%d", vst.Params.Width, vst.Params.Height, width, height)
	}
	frameRate := guessFrameRate(vst)

	enc, err := codec.NewEncoder(codec.EncoderConfig{
		Codec:       av.CodecVP8,
		Width:       width,
		Height:      height,
		PixelFormat: av.PixFmtYUV420P,
		TimeBase:    vst.TimeBase,
		FrameRate:   frameRate,
		BitRate:     opts.BitRate,
		GOPSize:     transcodeGOPSize,
		MaxBFrames:  transcodeMaxBFrames,
		Preset:      opts.Preset,
	}, codecLog)
	if err != nil {
		return nil, av.Fail("encoder", av.ErrUnsupportedCodec, err)
	}
	defer enc.Close()

	out, err := container.Create(outPath, container.Options{Logger: p.loggerFactory.NewLogger("container")})
	if err != nil {
		return nil, av.Fail("create output", av.ErrOpenFailure, err)
	}
	defer out.Close()

	outV, err := out.NewStream(enc.Params(), enc.TimeBase())
	if err != nil {
		return nil, av.Fail("create output", av.ErrIOFailure, err)
	}
	out.SetFrameRate(outV, frameRate)
	if vst.HasRotation {
		out.SetRotation(outV, vst.Rotation)
	}
	outA := -1
	var ast av.StreamDescriptor
	if aIdx >= 0 {
		ast = in.Stream(aIdx)
		if outA, err = out.NewStream(ast.Params, ast.TimeBase); err != nil {
			return nil, av.Fail("create output", av.ErrIOFailure, err)
		}
	}
	if err := out.WriteHeader(); err != nil {
		return nil, av.Fail("write header", av.ErrIOFailure, err)
	}
	videoTB := out.Stream(outV).TimeBase

	result := &TranscodeResult{Width: width, Height: height}
	var scaler *transform.Scaler
	var scaledFrame av.Frame

	writeVideo := func(pkt *av.Packet) error {
		pkt.StreamIndex = outV
		pkt.Rescale(enc.TimeBase(), videoTB)
		result.VideoPackets++
		if err := out.WriteInterleaved(pkt); err != nil {
			return av.Fail("write", av.ErrIOFailure, err)
		}
		return nil
	}

	encode := func(frame *av.Frame) error {
		result.FramesDecoded++
		src := frame
		if frame.Width != width || frame.Height != height || frame.Format != av.PixFmtYUV420P {
			if scaler == nil || !scaler.Matches(frame.Width, frame.Height, frame.Format) {
				if scaler != nil {
					p.log.Infof("Input geometry changed to %dx%d %s", frame.Width, frame.Height, frame.Format)
				}
				s, err := transform.NewScaler(frame.Width, frame.Height, frame.Format, width, height, av.PixFmtYUV420P, opts.Kernel)
				if err != nil {
					return av.Fail("scale", av.ErrEncodeFailure, err)
				}
				scaler = s
			}
			if err := scaler.Scale(&scaledFrame, frame); err != nil {
				return av.Fail("scale", av.ErrEncodeFailure, err)
			}
			src = &scaledFrame
		}
		result.FramesEncoded++
		metrics.FramesEncodedTotal.Inc()
		if err := encodeFrame(enc, src, writeVideo); err != nil {
			return wrap("encode", av.ErrEncodeFailure, err)
		}
		return nil
	}

	var pkt av.Packet
	for {
		err := in.ReadPacket(&pkt)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, av.Fail("read", av.ErrIOFailure, err)
		}

		switch pkt.StreamIndex {
		case vst.Index:
			err = decodePacket(dec, &pkt, encode)
			pkt.Unref()
			if err != nil {
				var se *av.StageError
				if errors.As(err, &se) {
					return nil, err
				}
				result.DecodeErrors++
				p.log.Warnf("Skipping undecodable video packet: %v", err)
			}
		case aIdx:
			pkt.StreamIndex = outA
			pkt.Rescale(ast.TimeBase, out.Stream(outA).TimeBase)
			pkt.Pos = -1
			result.AudioPackets++
			metrics.PacketsCopiedTotal.WithLabelValues("audio").Inc()
			if err := out.WriteInterleaved(&pkt); err != nil {
				return nil, av.Fail("write", av.ErrIOFailure, err)
			}
		default:
			pkt.Unref()
		}
	}

	if err := decodePacket(dec, nil, encode); err != nil {
		return nil, wrap("decode", av.ErrDecodeFailure, err)
	}
	if result.FramesEncoded == 0 {
		return nil, av.Failf("decode", av.ErrDecodeFailure, "no video frame decoded from %s", inPath)
	}
	if err := encodeFrame(enc, nil, writeVideo); err != nil {
		return nil, wrap("encode", av.ErrEncodeFailure, err)
	}
	if err := out.WriteTrailer(); err != nil {
		return nil, av.Fail("write trailer", av.ErrIOFailure, err)
	}

	p.log.Infof("Compression complete: %d frames encoded, %d audio packets copied", result.FramesEncoded, result.AudioPackets)
	return result, nil
}

// guessFrameRate prefers the container's frame rate, then a 1/N time base
// small enough to be a frame duration, then 25fps.
func guessFrameRate(st av.StreamDescriptor) av.Rational {
	if st.FrameRate.Valid() {
		return st.FrameRate.Reduce()
	}
	if st.TimeBase.Num == 1 && st.TimeBase.Den > 0 && st.TimeBase.Den <= 240 {
		return av.Rational{Num: st.TimeBase.Den, Den: 1}
	}
	return av.Rational{Num: 25, Den: 1}
}
