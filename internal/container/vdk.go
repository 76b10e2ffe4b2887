package container

import (
	"fmt"
	"io"
	"os"
	"time"

	vdkav "github.com/deepch/vdk/av"
	"github.com/deepch/vdk/codec/aacparser"
	"github.com/deepch/vdk/codec/h264parser"
	"github.com/deepch/vdk/format/mp4"
	"github.com/deepch/vdk/format/ts"
	"github.com/pion/logging"

	"github.com/Azunyan1111/go-media-pipeline/internal/av"
)

var mpegTimeBase = av.Rational{Num: 1, Den: 90000}

// paramsFromCodecData converts vdk codec data into codec parameters.
func paramsFromCodecData(cd vdkav.CodecData, tag string) av.CodecParameters {
	p := av.CodecParameters{Tag: tag}
	switch cd.Type() {
	case vdkav.H264:
		p.Codec = av.CodecH264
	case vdkav.H265:
		p.Codec = av.CodecHEVC
	case vdkav.AAC:
		p.Codec = av.CodecAAC
	case vdkav.OPUS:
		p.Codec = av.CodecOpus
	}

	switch {
	case cd.Type().IsVideo():
		p.Kind = av.KindVideo
		p.PixelFormat = av.PixFmtYUV420P
		if v, ok := cd.(vdkav.VideoCodecData); ok {
			p.Width = v.Width()
			p.Height = v.Height()
		}
	case cd.Type().IsAudio():
		p.Kind = av.KindAudio
		if a, ok := cd.(vdkav.AudioCodecData); ok {
			p.SampleRate = a.SampleRate()
			p.Channels = a.ChannelLayout().Count()
		}
	}

	if c, ok := cd.(interface{ AVCDecoderConfRecordBytes() []byte }); ok {
		p.Extradata = append([]byte(nil), c.AVCDecoderConfRecordBytes()...)
	}
	if c, ok := cd.(interface{ MPEG4AudioConfigBytes() []byte }); ok {
		p.Extradata = append([]byte(nil), c.MPEG4AudioConfigBytes()...)
	}
	return p
}

// codecDataFromParams rebuilds vdk codec data for muxing. Only the codecs the
// vdk muxers understand are accepted.
func codecDataFromParams(p av.CodecParameters) (vdkav.CodecData, error) {
	switch p.Codec {
	case av.CodecH264:
		cd, err := h264parser.NewCodecDataFromAVCDecoderConfRecord(p.Extradata)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid avc configuration record: %w", av.ErrUnsupportedCodec, err)
		}
		return cd, nil
	case av.CodecAAC:
		cd, err := aacparser.NewCodecDataFromMPEG4AudioConfigBytes(p.Extradata)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid aac audio specific config: %w", av.ErrUnsupportedCodec, err)
		}
		return cd, nil
	default:
		return nil, fmt.Errorf("%w: %s cannot be carried in mpeg-ts/mp4", av.ErrUnsupportedCodec, p.Codec)
	}
}

func timeBaseFor(p av.CodecParameters) av.Rational {
	if p.Kind == av.KindAudio && p.SampleRate > 0 {
		return av.Rational{Num: 1, Den: p.SampleRate}
	}
	return mpegTimeBase
}

func packetFromVDK(pkt vdkav.Packet, tb av.Rational) av.Packet {
	dts := av.Rescale(int64(pkt.Time), av.TimeBaseNano, tb)
	pts := av.Rescale(int64(pkt.Time+pkt.CompositionTime), av.TimeBaseNano, tb)
	return av.Packet{
		StreamIndex: int(pkt.Idx),
		PTS:         pts,
		DTS:         dts,
		Pos:         -1,
		Keyframe:    pkt.IsKeyFrame,
		Data:        pkt.Data,
	}
}

func packetToVDK(pkt *av.Packet, tb av.Rational) vdkav.Packet {
	dts := pkt.DecodeTime()
	pts := pkt.PTS
	if pts == av.NoPTS {
		pts = dts
	}
	return vdkav.Packet{
		Idx:             int8(pkt.StreamIndex),
		IsKeyFrame:      pkt.Keyframe,
		Time:            time.Duration(av.Rescale(dts, tb, av.TimeBaseNano)),
		CompositionTime: time.Duration(av.Rescale(pts-dts, tb, av.TimeBaseNano)),
		Data:            pkt.Data,
	}
}

// vdkDemuxer adapts the vdk MP4 and MPEG-TS demuxers.
type vdkDemuxer struct {
	file    *os.File
	format  string
	log     logging.LeveledLogger
	demux   vdkav.Demuxer
	seeker  interface{ SeekToTime(time.Duration) error }
	streams []av.StreamDescriptor
	durUs   int64
}

func (d *vdkDemuxer) init(tag func(vdkav.CodecData) string) error {
	cds, err := d.demux.Streams()
	if err != nil {
		return fmt.Errorf("%w: %w", av.ErrStreamDiscovery, err)
	}
	if len(cds) == 0 {
		return fmt.Errorf("%w: no streams", av.ErrStreamDiscovery)
	}
	for i, cd := range cds {
		params := paramsFromCodecData(cd, tag(cd))
		d.streams = append(d.streams, av.StreamDescriptor{
			Index:    i,
			Params:   params,
			TimeBase: timeBaseFor(params),
			Duration: av.NoPTS,
		})
	}
	return nil
}

func (d *vdkDemuxer) FormatName() string { return d.format }

func (d *vdkDemuxer) Streams() []av.StreamDescriptor { return d.streams }

func (d *vdkDemuxer) Duration() int64 { return d.durUs }

func (d *vdkDemuxer) ReadPacket(pkt *av.Packet) error {
	p, err := d.demux.ReadPacket()
	if err != nil {
		if err == io.EOF {
			return io.EOF
		}
		return fmt.Errorf("%w: %w", av.ErrIOFailure, err)
	}
	if int(p.Idx) < 0 || int(p.Idx) >= len(d.streams) {
		return fmt.Errorf("%w: packet for unknown stream %d", av.ErrIOFailure, p.Idx)
	}
	*pkt = packetFromVDK(p, d.streams[p.Idx].TimeBase)
	return nil
}

func (d *vdkDemuxer) SeekBackward(us int64) error {
	if d.seeker != nil {
		return d.seeker.SeekToTime(time.Duration(us) * time.Microsecond)
	}
	// No index: restart from the beginning, which is always at or before the target.
	if _, err := d.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	d.demux = ts.NewDemuxer(d.file)
	_, err := d.demux.Streams()
	return err
}

func (d *vdkDemuxer) Close() error {
	return d.file.Close()
}

func openMP4(f *os.File, log logging.LeveledLogger) (*vdkDemuxer, error) {
	demux := mp4.NewDemuxer(f)
	d := &vdkDemuxer{file: f, format: "mp4", log: log, demux: demux, seeker: demux, durUs: av.NoPTS}

	meta, err := probeMP4Boxes(f)
	if err != nil {
		log.Warnf("mp4 box probe failed: %v", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("%w: %w", av.ErrOpenFailure, err)
	}
	if err := d.init(func(cd vdkav.CodecData) string { return mp4SampleEntry(cd.Type()) }); err != nil {
		return nil, err
	}
	if meta != nil {
		meta.apply(d)
	}
	return d, nil
}

func mp4SampleEntry(t vdkav.CodecType) string {
	switch t {
	case vdkav.H264:
		return "avc1"
	case vdkav.H265:
		return "hvc1"
	case vdkav.AAC:
		return "mp4a"
	case vdkav.OPUS:
		return "Opus"
	}
	return ""
}

func openMPEGTS(f *os.File, log logging.LeveledLogger) (*vdkDemuxer, error) {
	d := &vdkDemuxer{file: f, format: "mpegts", log: log, demux: ts.NewDemuxer(f), durUs: av.NoPTS}
	if err := d.init(func(vdkav.CodecData) string { return "" }); err != nil {
		return nil, err
	}
	return d, nil
}

// vdkMuxer adapts the vdk MPEG-TS and MP4 muxers to a single output file.
type vdkMuxer struct {
	path   string
	format string
	log    logging.LeveledLogger

	file    *os.File
	created bool
	mux     vdkav.Muxer
	streams []*av.StreamDescriptor
}

func newVDKMuxer(path, format string, log logging.LeveledLogger) *vdkMuxer {
	return &vdkMuxer{path: path, format: format, log: log}
}

func (m *vdkMuxer) WriteHeader(streams []*av.StreamDescriptor) error {
	cds := make([]vdkav.CodecData, 0, len(streams))
	for _, st := range streams {
		if err := checkTag(st.Params, m.format); err != nil {
			return err
		}
		cd, err := codecDataFromParams(st.Params)
		if err != nil {
			return err
		}
		cds = append(cds, cd)
		st.TimeBase = mpegTimeBase
	}
	m.streams = streams

	f, err := os.Create(m.path)
	if err != nil {
		return fmt.Errorf("%w: %w", av.ErrIOFailure, err)
	}
	m.file = f
	m.created = true
	if m.format == "mp4" {
		m.mux = mp4.NewMuxer(f)
	} else {
		m.mux = ts.NewMuxer(f)
	}
	if err := m.mux.WriteHeader(cds); err != nil {
		return fmt.Errorf("%w: %w", av.ErrIOFailure, err)
	}
	return nil
}

func (m *vdkMuxer) WritePacket(pkt *av.Packet) error {
	if err := m.mux.WritePacket(packetToVDK(pkt, m.streams[pkt.StreamIndex].TimeBase)); err != nil {
		return fmt.Errorf("%w: %w", av.ErrIOFailure, err)
	}
	return nil
}

func (m *vdkMuxer) WriteTrailer() error {
	if err := m.mux.WriteTrailer(); err != nil {
		return fmt.Errorf("%w: %w", av.ErrIOFailure, err)
	}
	return nil
}

func (m *vdkMuxer) Close() error {
	if m.file == nil {
		return nil
	}
	err := m.file.Close()
	m.file = nil
	return err
}

func (m *vdkMuxer) Discard() error {
	err := m.Close()
	if !m.created {
		return err
	}
	if rmErr := os.Remove(m.path); rmErr != nil && !os.IsNotExist(rmErr) {
		return rmErr
	}
	return err
}

// checkTag rejects container-level codec tags that belong to another wrapper.
func checkTag(p av.CodecParameters, format string) error {
	if p.Tag == "" {
		return nil
	}
	if format == "mp4" && (p.Tag == "avc1" || p.Tag == "mp4a") {
		return nil
	}
	return fmt.Errorf("%w: codec tag %q is incompatible with %s", av.ErrUnsupportedCodec, p.Tag, format)
}
