// Package mediatest synthesizes small media files for tests.
package mediatest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	opus "github.com/qrtc/opus-go"

	"github.com/Azunyan1111/go-media-pipeline/internal/av"
	"github.com/Azunyan1111/go-media-pipeline/internal/codec"
	"github.com/Azunyan1111/go-media-pipeline/internal/container"
)

const (
	opusSampleRate = 48000
	opusChannels   = 2
	// 20ms frames
	opusFrameSize = opusSampleRate / 50
)

// Options describe a synthetic VP8 file.
type Options struct {
	Width     int
	Height    int
	FrameRate int
	Frames    int
	GOPSize   int
	// Audio adds a stereo Opus track carrying a 440Hz tone.
	Audio bool
	// Rotation is stored as display rotation when non-zero.
	Rotation int
	// Format overrides the container guessed from the path.
	Format string
}

func (o *Options) defaults() {
	if o.Width <= 0 {
		o.Width = 64
	}
	if o.Height <= 0 {
		o.Height = 48
	}
	if o.FrameRate <= 0 {
		o.FrameRate = 25
	}
	if o.Frames <= 0 {
		o.Frames = o.FrameRate * 2
	}
	if o.GOPSize <= 0 {
		o.GOPSize = o.FrameRate
	}
}

// DurationUs is the nominal duration of the video track in microseconds.
func (o Options) DurationUs() int64 {
	o.defaults()
	return int64(o.Frames) * 1000000 / int64(o.FrameRate)
}

// WriteVP8 encodes a moving gradient with libvpx and muxes it to path.
func WriteVP8(path string, opts Options) (err error) {
	opts.defaults()

	out, err := container.Create(path, container.Options{Format: opts.Format})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()

	tb := av.Rational{Num: 1, Den: opts.FrameRate}
	enc, err := codec.NewEncoder(codec.EncoderConfig{
		Codec:       av.CodecVP8,
		Width:       opts.Width,
		Height:      opts.Height,
		PixelFormat: av.PixFmtYUV420P,
		TimeBase:    tb,
		FrameRate:   av.Rational{Num: opts.FrameRate, Den: 1},
		BitRate:     200000,
		GOPSize:     opts.GOPSize,
		Preset:      codec.PresetFast,
		Threads:     1,
	}, nil)
	if err != nil {
		return err
	}
	defer enc.Close()

	vIdx, err := out.NewStream(enc.Params(), tb)
	if err != nil {
		return err
	}
	out.SetFrameRate(vIdx, av.Rational{Num: opts.FrameRate, Den: 1})
	if opts.Rotation != 0 {
		out.SetRotation(vIdx, opts.Rotation)
	}

	var tone *toneEncoder
	aIdx := -1
	if opts.Audio {
		tone, err = newToneEncoder()
		if err != nil {
			return err
		}
		defer tone.Close()
		aIdx, err = out.NewStream(tone.params(), av.Rational{Num: 1, Den: opusSampleRate})
		if err != nil {
			return err
		}
	}

	if err := out.WriteHeader(); err != nil {
		return err
	}
	vtb := out.Stream(vIdx).TimeBase

	writeEncoded := func() error {
		for {
			var pkt av.Packet
			err := enc.ReceivePacket(&pkt)
			if errors.Is(err, codec.ErrAgain) || errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			pkt.StreamIndex = vIdx
			pkt.Duration = 1
			pkt.Rescale(tb, vtb)
			if err := out.WriteInterleaved(&pkt); err != nil {
				return err
			}
		}
	}

	audioSamples := 0
	frame := &av.Frame{}
	for i := 0; i < opts.Frames; i++ {
		if err := frame.Alloc(av.PixFmtYUV420P, opts.Width, opts.Height); err != nil {
			return err
		}
		paintGradient(frame, i)
		frame.PTS = int64(i)
		if err := enc.SendFrame(frame); err != nil {
			return err
		}
		if err := writeEncoded(); err != nil {
			return err
		}

		if tone != nil {
			// Keep audio up to the end of this video frame.
			until := (i + 1) * opusSampleRate / opts.FrameRate
			for audioSamples < until {
				data, err := tone.encode()
				if err != nil {
					return err
				}
				atb := out.Stream(aIdx).TimeBase
				pkt := &av.Packet{
					StreamIndex: aIdx,
					PTS:         av.Rescale(int64(audioSamples), av.Rational{Num: 1, Den: opusSampleRate}, atb),
					Duration:    av.Rescale(opusFrameSize, av.Rational{Num: 1, Den: opusSampleRate}, atb),
					Keyframe:    true,
					Data:        data,
				}
				pkt.DTS = pkt.PTS
				if err := out.WriteInterleaved(pkt); err != nil {
					return err
				}
				audioSamples += opusFrameSize
			}
		}
	}
	if err := enc.SendFrame(nil); err != nil {
		return err
	}
	if err := writeEncoded(); err != nil {
		return err
	}
	return out.WriteTrailer()
}

// paintGradient fills a limited-range diagonal gradient that moves with n.
func paintGradient(f *av.Frame, n int) {
	for y := 0; y < f.Height; y++ {
		row := f.Planes[0][y*f.Strides[0]:]
		for x := 0; x < f.Width; x++ {
			row[x] = byte(16 + (x+y+n*2)%220)
		}
	}
	cw, ch := av.ChromaSize(f.Width, f.Height)
	for y := 0; y < ch; y++ {
		for x := 0; x < cw; x++ {
			f.Planes[1][y*f.Strides[1]+x] = byte(96 + x%64)
			f.Planes[2][y*f.Strides[2]+x] = byte(160 - y%64)
		}
	}
}

// WriteAAC writes an audio-only file with AAC-LC packets of arbitrary content.
// Nothing decodes them, so they only need to be shaped like access units.
func WriteAAC(path string, seconds int) error {
	out, err := container.Create(path, container.Options{})
	if err != nil {
		return err
	}
	defer out.Close()

	params := av.CodecParameters{
		Kind:       av.KindAudio,
		Codec:      av.CodecAAC,
		Tag:        "A_AAC",
		SampleRate: 44100,
		Channels:   2,
		// AudioSpecificConfig: AAC-LC, 44.1kHz, stereo
		Extradata: []byte{0x12, 0x10},
	}
	in := av.Rational{Num: 1, Den: 44100}
	idx, err := out.NewStream(params, in)
	if err != nil {
		return err
	}
	if err := out.WriteHeader(); err != nil {
		return err
	}
	tb := out.Stream(idx).TimeBase
	frames := seconds * 44100 / 1024
	for i := 0; i < frames; i++ {
		data := make([]byte, 96)
		for j := range data {
			data[j] = byte(i + j)
		}
		pkt := &av.Packet{
			StreamIndex: idx,
			PTS:         av.Rescale(int64(i*1024), in, tb),
			Duration:    av.Rescale(1024, in, tb),
			Keyframe:    true,
			Data:        data,
		}
		pkt.DTS = pkt.PTS
		if err := out.WriteInterleaved(pkt); err != nil {
			return err
		}
	}
	if err := out.WriteTrailer(); err != nil {
		return err
	}
	return out.Close()
}

// Baseline 64x48 parameter sets. The slices that follow are not decodable,
// they only carry NAL framing for remuxing.
var (
	h264SPS = []byte{0x67, 0x42, 0xc0, 0x1e, 0xda, 0x11, 0xe4}
	h264PPS = []byte{0x68, 0xce, 0x3c, 0x80}
)

// H264Config is the avcC record of the streams written by WriteH264.
func H264Config() []byte {
	rec := []byte{0x01, h264SPS[1], h264SPS[2], h264SPS[3], 0xff, 0xe1}
	rec = binary.BigEndian.AppendUint16(rec, uint16(len(h264SPS)))
	rec = append(rec, h264SPS...)
	rec = append(rec, 0x01)
	rec = binary.BigEndian.AppendUint16(rec, uint16(len(h264PPS)))
	return append(rec, h264PPS...)
}

const (
	// H264FrameRate is the video rate of WriteH264 files.
	H264FrameRate = 25
	// H264GOP is the number of frames between IDR access units.
	H264GOP = 25
)

// WriteH264 writes a Matroska file with an H.264 track, a subtitle track and
// an AAC track, in that order. Video access units are length-prefixed NAL
// units with an IDR every H264GOP frames; subtitles carry one cue per second.
func WriteH264(path string, seconds int) error {
	out, err := container.Create(path, container.Options{Format: "matroska"})
	if err != nil {
		return err
	}
	defer out.Close()

	videoTB := av.Rational{Num: 1, Den: H264FrameRate}
	vIdx, err := out.NewStream(av.CodecParameters{
		Kind:        av.KindVideo,
		Codec:       av.CodecH264,
		Width:       64,
		Height:      48,
		PixelFormat: av.PixFmtYUV420P,
		Extradata:   H264Config(),
	}, videoTB)
	if err != nil {
		return err
	}
	out.SetFrameRate(vIdx, av.Rational{Num: H264FrameRate, Den: 1})

	subTB := av.Rational{Num: 1, Den: 1000}
	sIdx, err := out.NewStream(av.CodecParameters{Kind: av.KindOther, Tag: "S_TEXT/UTF8"}, subTB)
	if err != nil {
		return err
	}

	audioTB := av.Rational{Num: 1, Den: 44100}
	aIdx, err := out.NewStream(av.CodecParameters{
		Kind:       av.KindAudio,
		Codec:      av.CodecAAC,
		SampleRate: 44100,
		Channels:   2,
		Extradata:  []byte{0x12, 0x10},
	}, audioTB)
	if err != nil {
		return err
	}
	if err := out.WriteHeader(); err != nil {
		return err
	}

	write := func(idx int, in av.Rational, pts, dur int64, key bool, data []byte) error {
		tb := out.Stream(idx).TimeBase
		pkt := &av.Packet{
			StreamIndex: idx,
			PTS:         av.Rescale(pts, in, tb),
			Duration:    av.Rescale(dur, in, tb),
			Keyframe:    key,
			Data:        data,
		}
		pkt.DTS = pkt.PTS
		return out.WriteInterleaved(pkt)
	}

	frames := seconds * H264FrameRate
	audioFrames := seconds * 44100 / 1024
	next := 0
	for i := 0; i < frames; i++ {
		key := i%H264GOP == 0
		if err := write(vIdx, videoTB, int64(i), 1, key, h264AccessUnit(i, key)); err != nil {
			return err
		}
		if i%H264FrameRate == 0 {
			cue := []byte(fmt.Sprintf("cue %d", i/H264FrameRate))
			if err := write(sIdx, subTB, int64(i/H264FrameRate)*1000, 500, true, cue); err != nil {
				return err
			}
		}
		// Audio up to the end of this video frame.
		until := (i + 1) * 44100 / H264FrameRate
		for ; next < audioFrames && next*1024 < until; next++ {
			data := make([]byte, 64)
			for j := range data {
				data[j] = byte(next + j)
			}
			if err := write(aIdx, audioTB, int64(next*1024), 1024, true, data); err != nil {
				return err
			}
		}
	}
	if err := out.WriteTrailer(); err != nil {
		return err
	}
	return out.Close()
}

// h264AccessUnit returns one 4-byte length-prefixed slice NAL unit. Payload
// bytes keep the high bit set so no start code can appear.
func h264AccessUnit(n int, idr bool) []byte {
	nal := []byte{0x41}
	if idr {
		nal[0] = 0x65
	}
	for j := 0; j < 40; j++ {
		nal = append(nal, byte(0x80|(n+j)&0x7f))
	}
	return append(binary.BigEndian.AppendUint32(nil, uint32(len(nal))), nal...)
}

// toneEncoder produces 20ms Opus packets of a sine tone.
type toneEncoder struct {
	enc   *opus.OpusEncoder
	phase float64
	pcm   []byte
	out   []byte
}

func newToneEncoder() (*toneEncoder, error) {
	enc, err := opus.CreateOpusEncoder(&opus.OpusEncoderConfig{
		SampleRate:  opusSampleRate,
		MaxChannels: opusChannels,
		Application: opus.AppAudio,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Opus encoder: %v", err)
	}
	return &toneEncoder{
		enc: enc,
		pcm: make([]byte, opusFrameSize*opusChannels*2),
		out: make([]byte, 1500),
	}, nil
}

func (t *toneEncoder) params() av.CodecParameters {
	head := make([]byte, 19)
	copy(head, "OpusHead")
	head[8] = 1
	head[9] = opusChannels
	binary.LittleEndian.PutUint16(head[10:12], 312)
	binary.LittleEndian.PutUint32(head[12:16], opusSampleRate)
	return av.CodecParameters{
		Kind:       av.KindAudio,
		Codec:      av.CodecOpus,
		SampleRate: opusSampleRate,
		Channels:   opusChannels,
		Extradata:  head,
	}
}

func (t *toneEncoder) encode() ([]byte, error) {
	// PCM S16LE, interleaved
	step := 2 * math.Pi * 440 / opusSampleRate
	for i := 0; i < opusFrameSize; i++ {
		v := int16(math.Sin(t.phase) * 8000)
		t.phase += step
		for c := 0; c < opusChannels; c++ {
			binary.LittleEndian.PutUint16(t.pcm[(i*opusChannels+c)*2:], uint16(v))
		}
	}
	n, err := t.enc.Encode(t.pcm, t.out)
	if err != nil {
		return nil, fmt.Errorf("opus encode: %v", err)
	}
	return append([]byte(nil), t.out[:n]...), nil
}

func (t *toneEncoder) Close() {
	if t.enc != nil {
		t.enc.Close()
		t.enc = nil
	}
}
