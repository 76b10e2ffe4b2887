package pipeline

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/Azunyan1111/go-media-pipeline/internal/av"
	"github.com/Azunyan1111/go-media-pipeline/internal/codec"
	"github.com/Azunyan1111/go-media-pipeline/internal/container"
	"github.com/Azunyan1111/go-media-pipeline/internal/transform"
)

const defaultThumbnailQuality = 95

// ThumbnailOptions tune ExtractThumbnail. The zero value is usable.
type ThumbnailOptions struct {
	// Quality is the JPEG quality, 1-100.
	Quality int
	Kernel  transform.Kernel
}

var errGotFrame = errors.New("frame decoded")

// ExtractThumbnail writes a JPEG of the first video frame decodable after
// seeking backward to offset seconds. The frame is the first one after the
// preceding keyframe, not the frame exactly at offset.
func (p *Pipeline) ExtractThumbnail(inPath, outPath string, offset float64, opts ThumbnailOptions) (err error) {
	start := time.Now()
	defer func() { err = p.finish("thumbnail", start, err) }()

	if opts.Quality <= 0 {
		opts.Quality = defaultThumbnailQuality
	}
	p.log.Infof("Extracting thumbnail: %s @ %.3fs -> %s", inPath, offset, outPath)

	in, err := p.openInput(inPath)
	if err != nil {
		return err
	}
	defer in.Close()

	st, err := firstVideo(in)
	if err != nil {
		return err
	}
	if st.Params.Width <= 0 || st.Params.Height <= 0 {
		return av.Failf("discover", av.ErrStreamDiscovery, "video stream #%d has no size", st.Index)
	}

	dec, err := codec.NewDecoder(st.Params, p.loggerFactory.NewLogger("codec"))
	if err != nil {
		return av.Fail("decoder", av.ErrUnsupportedCodec, err)
	}
	defer dec.Close()

	enc, err := codec.NewEncoder(codec.EncoderConfig{
		Codec:       av.CodecMJPEG,
		Width:       st.Params.Width,
		Height:      st.Params.Height,
		PixelFormat: av.PixFmtYUVJ420P,
		TimeBase:    av.Rational{Num: 1, Den: 25},
		Quality:     opts.Quality,
	}, p.loggerFactory.NewLogger("codec"))
	if err != nil {
		return av.Fail("encoder", av.ErrUnsupportedCodec, err)
	}
	defer enc.Close()

	if err := in.SeekBackward(int64(offset * 1e6)); err != nil {
		// Decoding from the current position still yields a frame.
		p.log.Warnf("seek to %.3fs failed, decoding from the start: %v", offset, err)
	}

	frame, err := p.firstFrame(in, dec, st.Index)
	if err != nil {
		return err
	}

	var scaled av.Frame
	scaler, err := transform.NewScaler(frame.Width, frame.Height, frame.Format,
		st.Params.Width, st.Params.Height, av.PixFmtYUVJ420P, opts.Kernel)
	if err != nil {
		return av.Fail("scale", av.ErrEncodeFailure, err)
	}
	if err := scaler.Scale(&scaled, frame); err != nil {
		return av.Fail("scale", av.ErrEncodeFailure, err)
	}
	frame.Unref()
	scaled.PTS = 0

	var image []byte
	collect := func(pkt *av.Packet) error {
		if image == nil {
			image = pkt.Data
		}
		return nil
	}
	err = encodeFrame(enc, &scaled, collect)
	if err == nil {
		err = encodeFrame(enc, nil, collect)
	}
	if err != nil {
		return av.Fail("encode", av.ErrEncodeFailure, err)
	}
	if len(image) == 0 {
		return av.Failf("encode", av.ErrEncodeFailure, "encoder produced no image")
	}

	if err := writeFileAtomic(outPath, image); err != nil {
		return av.Fail("write image", av.ErrIOFailure, err)
	}
	p.log.Infof("Thumbnail saved to %s (%d bytes)", outPath, len(image))
	return nil
}

// firstFrame decodes packets of stream idx until one frame comes out,
// draining the decoder at end of input. Packets the decoder rejects are
// skipped.
func (p *Pipeline) firstFrame(in *container.Input, dec codec.Decoder, idx int) (*av.Frame, error) {
	var got *av.Frame
	keep := func(f *av.Frame) error {
		got = f
		return errGotFrame
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
		if pkt.StreamIndex != idx {
			pkt.Unref()
			continue
		}
		err = decodePacket(dec, &pkt, keep)
		pkt.Unref()
		if errors.Is(err, errGotFrame) {
			return got, nil
		}
		if err != nil {
			p.log.Debugf("skipping undecodable packet: %v", err)
		}
	}

	if err := decodePacket(dec, nil, keep); errors.Is(err, errGotFrame) {
		return got, nil
	} else if err != nil {
		return nil, av.Fail("decode", av.ErrDecodeFailure, err)
	}
	return nil, av.Failf("decode", av.ErrDecodeFailure, "no frame decoded before end of input")
}

// writeFileAtomic writes data next to path and renames it into place, so a
// failure never leaves a truncated file at path.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Chmod(name, 0o644); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return fmt.Errorf("failed to move image into place: %w", err)
	}
	return nil
}
