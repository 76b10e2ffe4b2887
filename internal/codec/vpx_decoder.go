package codec

import (
	"fmt"
	"io"
	"unsafe"

	"github.com/Azunyan1111/libvpx-go/vpx"
	"github.com/pion/logging"

	"github.com/Azunyan1111/go-media-pipeline/internal/av"
)

type vpxDecoder struct {
	ctx      *vpx.CodecCtx
	codec    av.CodecID
	log      logging.LeveledLogger
	frames   frameQueue[*av.Frame]
	draining bool
	decoded  int
}

func newVPXDecoder(params av.CodecParameters, log logging.LeveledLogger) (*vpxDecoder, error) {
	var iface *vpx.CodecIface
	switch params.Codec {
	case av.CodecVP8:
		iface = vpx.DecoderIfaceVP8()
	case av.CodecVP9:
		iface = vpx.DecoderIfaceVP9()
	}
	if iface == nil {
		return nil, fmt.Errorf("%w: %s decoder interface not available", av.ErrUnsupportedCodec, params.Codec)
	}

	ctx := vpx.NewCodecCtx()
	if ctx == nil {
		return nil, fmt.Errorf("%w: failed to create codec context", av.ErrDecodeFailure)
	}
	if err := vpx.Error(vpx.CodecDecInitVer(ctx, iface, nil, 0, vpx.DecoderABIVersion)); err != nil {
		vpx.CodecDestroy(ctx)
		return nil, fmt.Errorf("%w: failed to initialize %s decoder: %w", av.ErrDecodeFailure, params.Codec, err)
	}
	log.Debugf("%s decoder opened (%dx%d)", params.Codec, params.Width, params.Height)
	return &vpxDecoder{ctx: ctx, codec: params.Codec, log: log}, nil
}

func (d *vpxDecoder) SendPacket(pkt *av.Packet) error {
	if d.ctx == nil {
		return fmt.Errorf("%w: decoder closed", av.ErrDecodeFailure)
	}
	if d.draining {
		return io.EOF
	}
	if d.frames.len() > 0 {
		return ErrAgain
	}

	if pkt == nil {
		// The decoder runs without frame threading, so every frame is
		// available right after its packet and there is nothing to flush.
		d.draining = true
		return nil
	}
	if len(pkt.Data) == 0 {
		return nil
	}

	if err := vpx.Error(vpx.CodecDecode(d.ctx, string(pkt.Data), uint32(len(pkt.Data)), nil, 0)); err != nil {
		detail := vpx.CodecErrorDetail(d.ctx)
		return fmt.Errorf("%w: %s packet pts=%d size=%d: %w (detail: %s)", av.ErrDecodeFailure, d.codec, pkt.PTS, len(pkt.Data), err, detail)
	}
	pts := pkt.PTS
	if pts == av.NoPTS {
		pts = pkt.DTS
	}
	return d.collect(pts, pkt.Keyframe)
}

// collect copies every frame libvpx has ready out of its buffers.
func (d *vpxDecoder) collect(pts int64, keyframe bool) error {
	var iter vpx.CodecIter
	for {
		img := vpx.CodecGetFrame(d.ctx, &iter)
		if img == nil {
			return nil
		}
		img.Deref()

		frame, err := copyImage(img)
		if err != nil {
			return fmt.Errorf("%w: %w", av.ErrDecodeFailure, err)
		}
		frame.PTS = pts
		frame.Keyframe = keyframe
		d.decoded++
		d.frames.push(frame)
	}
}

// copyImage copies an I420 vpx image into a frame owning Go memory.
func copyImage(img *vpx.Image) (*av.Frame, error) {
	if img.Fmt != vpx.ImageFormatI420 {
		return nil, fmt.Errorf("unsupported decoded image format %v", img.Fmt)
	}
	w := int(img.DW)
	h := int(img.DH)
	frame := &av.Frame{}
	if err := frame.Alloc(av.PixFmtYUV420P, w, h); err != nil {
		return nil, err
	}
	cw, ch := av.ChromaSize(w, h)

	// Plane order matches vpx.PlaneY, vpx.PlaneU, vpx.PlaneV.
	sizes := [3][2]int{{w, h}, {cw, ch}, {cw, ch}}
	for i := 0; i < 3; i++ {
		pw, ph := sizes[i][0], sizes[i][1]
		stride := int(img.Stride[i])
		src := (*(*[1 << 30]byte)(unsafe.Pointer(img.Planes[i])))[:stride*(ph-1)+pw]
		dst := frame.Planes[i]
		for row := 0; row < ph; row++ {
			copy(dst[row*pw:(row+1)*pw], src[row*stride:row*stride+pw])
		}
	}
	return frame, nil
}

func (d *vpxDecoder) ReceiveFrame(frame *av.Frame) error {
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

func (d *vpxDecoder) Close() error {
	if d.ctx != nil {
		vpx.CodecDestroy(d.ctx)
		d.ctx = nil
		d.log.Debugf("%s decoder closed after %d frames", d.codec, d.decoded)
	}
	d.frames = frameQueue[*av.Frame]{}
	return nil
}
