package codec

import (
	"fmt"
	"io"
	"runtime"
	"unsafe"

	"github.com/Azunyan1111/libvpx-go/vpx"
	"github.com/pion/logging"

	"github.com/Azunyan1111/go-media-pipeline/internal/av"
)

const (
	defaultVP8Bitrate = 1000000
	defaultGOPSize    = 30
)

type VP8Encoder struct {
	ctx      *vpx.CodecCtx
	img      *vpx.Image
	cfg      EncoderConfig
	log      logging.LeveledLogger
	deadline uint
	duration uint

	// Lag is disabled so every encoded packet belongs to the oldest
	// outstanding frame.
	pts      frameQueue[int64]
	packets  frameQueue[*av.Packet]
	nextPTS  int64
	draining bool
	encoded  int
}

func newVP8Encoder(cfg EncoderConfig, log logging.LeveledLogger) (*VP8Encoder, error) {
	if !cfg.TimeBase.Valid() {
		return nil, fmt.Errorf("%w: invalid encoder time base %s", av.ErrEncodeFailure, cfg.TimeBase)
	}
	if cfg.BitRate <= 0 {
		cfg.BitRate = defaultVP8Bitrate
	}
	if cfg.GOPSize <= 0 {
		cfg.GOPSize = defaultGOPSize
	}
	if cfg.PixelFormat == av.PixFmtNone {
		cfg.PixelFormat = av.PixFmtYUV420P
	}
	if cfg.MaxBFrames > 0 {
		log.Debugf("VP8 has no B-frames, ignoring max_b_frames=%d", cfg.MaxBFrames)
		cfg.MaxBFrames = 0
	}

	ctx := vpx.NewCodecCtx()
	if ctx == nil {
		return nil, fmt.Errorf("%w: failed to create codec context", av.ErrEncodeFailure)
	}

	iface := vpx.EncoderIfaceVP8()
	if iface == nil {
		vpx.CodecDestroy(ctx)
		return nil, fmt.Errorf("%w: failed to get VP8 encoder interface", av.ErrUnsupportedCodec)
	}

	encCfg := &vpx.CodecEncCfg{}
	if err := vpx.Error(vpx.CodecEncConfigDefault(iface, encCfg, 0)); err != nil {
		vpx.CodecDestroy(ctx)
		return nil, fmt.Errorf("%w: failed to get default encoder config: %w", av.ErrEncodeFailure, err)
	}
	encCfg.Deref()

	encCfg.GW = uint32(cfg.Width)
	encCfg.GH = uint32(cfg.Height)
	encCfg.GTimebase = vpx.Rational{Num: int32(cfg.TimeBase.Num), Den: int32(cfg.TimeBase.Den)}
	encCfg.RcTargetBitrate = uint32(max(cfg.BitRate/1000, 1))
	encCfg.GPass = vpx.RcOnePass
	encCfg.RcEndUsage = vpx.Vbr
	encCfg.KfMode = vpx.KfAuto
	encCfg.KfMaxDist = uint32(cfg.GOPSize)
	threads := cfg.Threads
	if threads <= 0 {
		threads = min(runtime.NumCPU(), 4)
	}
	encCfg.GThreads = uint32(max(threads, 1))
	encCfg.GLagInFrames = 0
	encCfg.RcMinQuantizer = 4
	encCfg.RcMaxQuantizer = 56
	encCfg.GProfile = 0

	if err := vpx.Error(vpx.CodecEncInitVer(ctx, iface, encCfg, 0, vpx.EncoderABIVersion)); err != nil {
		vpx.CodecDestroy(ctx)
		return nil, fmt.Errorf("%w: failed to initialize encoder: %w", av.ErrEncodeFailure, err)
	}

	img := vpx.ImageAlloc(nil, vpx.ImageFormatI420, uint32(cfg.Width), uint32(cfg.Height), 1)
	if img == nil {
		vpx.CodecDestroy(ctx)
		return nil, fmt.Errorf("%w: failed to allocate image", av.ErrEncodeFailure)
	}
	img.Deref()

	var deadline uint
	switch cfg.Preset {
	case PresetGood:
		deadline = vpx.DlGoodQuality
	case PresetBest:
		deadline = vpx.DlBestQuality
	default:
		deadline = vpx.DlRealtime
	}

	// Rate control budgets bits by frame duration in time base units.
	duration := uint(1)
	if cfg.FrameRate.Valid() {
		if d := av.Rescale(1, cfg.FrameRate.Invert(), cfg.TimeBase); d > 1 {
			duration = uint(d)
		}
	}

	log.Debugf("VP8 encoder: %dx%d tb=%s bitrate=%dkbps gop=%d threads=%d preset=%q frame duration=%d",
		cfg.Width, cfg.Height, cfg.TimeBase, encCfg.RcTargetBitrate, cfg.GOPSize, threads, cfg.Preset, duration)

	return &VP8Encoder{ctx: ctx, img: img, cfg: cfg, log: log, deadline: deadline, duration: duration}, nil
}

func (e *VP8Encoder) Params() av.CodecParameters {
	return av.CodecParameters{
		Kind:        av.KindVideo,
		Codec:       av.CodecVP8,
		Width:       e.cfg.Width,
		Height:      e.cfg.Height,
		PixelFormat: e.cfg.PixelFormat,
		BitRate:     e.cfg.BitRate,
	}
}

func (e *VP8Encoder) TimeBase() av.Rational { return e.cfg.TimeBase }

func (e *VP8Encoder) SendFrame(frame *av.Frame) error {
	if e.ctx == nil {
		return fmt.Errorf("%w: encoder closed", av.ErrEncodeFailure)
	}
	if e.draining {
		return io.EOF
	}
	if e.packets.len() > 0 {
		return ErrAgain
	}

	if frame == nil {
		e.draining = true
		if err := vpx.Error(vpx.CodecEncode(e.ctx, nil, 0, 1, 0, e.deadline)); err != nil {
			return fmt.Errorf("%w: flush: %w", av.ErrEncodeFailure, err)
		}
		return e.collect()
	}

	if frame.Width != e.cfg.Width || frame.Height != e.cfg.Height {
		return fmt.Errorf("%w: frame size %dx%d does not match encoder %dx%d",
			av.ErrEncodeFailure, frame.Width, frame.Height, e.cfg.Width, e.cfg.Height)
	}
	if frame.Format != av.PixFmtYUV420P && frame.Format != av.PixFmtYUVJ420P {
		return fmt.Errorf("%w: unsupported pixel format %s", av.ErrEncodeFailure, frame.Format)
	}
	e.copyFrame(frame)

	pts := frame.PTS
	if pts == av.NoPTS {
		pts = e.nextPTS
	}
	e.nextPTS = pts + int64(e.duration)
	e.pts.push(pts)

	if err := vpx.Error(vpx.CodecEncode(e.ctx, e.img, vpx.CodecPts(pts), e.duration, 0, e.deadline)); err != nil {
		detail := vpx.CodecErrorDetail(e.ctx)
		return fmt.Errorf("%w: failed to encode frame: %w (detail: %s)", av.ErrEncodeFailure, err, detail)
	}
	return e.collect()
}

func (e *VP8Encoder) collect() error {
	var iter vpx.CodecIter
	for {
		pkt := vpx.CodecGetCxData(e.ctx, &iter)
		if pkt == nil {
			return nil
		}
		pkt.Deref()
		if pkt.Kind != vpx.CodecCxFramePkt {
			continue
		}

		pts, ok := e.pts.pop()
		if !ok {
			pts = e.nextPTS
		}
		data := pkt.GetFrameData()
		e.packets.push(&av.Packet{
			PTS:      pts,
			DTS:      pts,
			Pos:      -1,
			Keyframe: pkt.IsKeyframe(),
			Data:     append([]byte(nil), data...),
		})
		e.encoded++
	}
}

// copyFrame writes the frame planes into the vpx image row by row.
func (e *VP8Encoder) copyFrame(frame *av.Frame) {
	w := frame.Width
	h := frame.Height
	cw, ch := av.ChromaSize(w, h)
	sizes := [3][2]int{{w, h}, {cw, ch}, {cw, ch}}

	for i := 0; i < 3; i++ {
		pw, ph := sizes[i][0], sizes[i][1]
		stride := int(e.img.Stride[i])
		// Access planes directly via unsafe.Pointer (same as libvpx-go test code)
		dst := (*(*[1 << 30]byte)(unsafe.Pointer(e.img.Planes[i])))[:stride*(ph-1)+pw]
		src := frame.Planes[i]
		srcStride := frame.Strides[i]
		for row := 0; row < ph; row++ {
			copy(dst[row*stride:row*stride+pw], src[row*srcStride:row*srcStride+pw])
		}
	}
}

func (e *VP8Encoder) ReceivePacket(pkt *av.Packet) error {
	p, ok := e.packets.pop()
	if !ok {
		if e.draining {
			return io.EOF
		}
		return ErrAgain
	}
	*pkt = *p
	return nil
}

func (e *VP8Encoder) Close() error {
	if e.img != nil {
		vpx.ImageFree(e.img)
		e.img = nil
	}
	if e.ctx != nil {
		vpx.CodecDestroy(e.ctx)
		e.ctx = nil
		e.log.Debugf("VP8 encoder closed after %d packets", e.encoded)
	}
	return nil
}
