package container

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	vdkav "github.com/deepch/vdk/av"
	"github.com/deepch/vdk/format/ts"
	"github.com/grafov/m3u8"
	"github.com/pion/logging"

	"github.com/Azunyan1111/go-media-pipeline/internal/av"
)

// DefaultSegmentDuration is the target HLS segment length in seconds.
const DefaultSegmentDuration = 2.0

// HLSOptions control the HLS muxer.
type HLSOptions struct {
	// SegmentDuration is the target segment length in seconds.
	SegmentDuration float64
	// ListSize is the number of segments kept in the playlist, 0 keeps all.
	ListSize int
	// SingleFile stores every segment in one .ts file addressed by byte ranges.
	SingleFile bool
	// SegmentPattern is a fmt pattern with one %d verb for per-file segments.
	// Empty means "<manifest base>%d.ts" next to the manifest.
	SegmentPattern string
	// OnSegment is called after each finished segment.
	OnSegment func(uri string, seconds float64)
}

// DefaultHLSOptions mirror the defaults of the segment operation.
func DefaultHLSOptions() HLSOptions {
	return HLSOptions{SegmentDuration: DefaultSegmentDuration, SingleFile: true}
}

type hlsSegment struct {
	uri      string
	duration float64
	offset   int64
	length   int64
}

// hlsMuxer cuts MPEG-TS chunks at reference-stream keyframes and keeps an
// m3u8 media playlist up to date.
type hlsMuxer struct {
	manifest string
	opts     HLSOptions
	log      logging.LeveledLogger

	dir     string
	base    string
	streams []*av.StreamDescriptor
	cds     []vdkav.CodecData
	ref     int

	file     *os.File
	out      *countingWriter
	mux      *ts.Muxer
	segURI   string
	segStart int64
	segEnd   float64
	segBegin float64
	started  bool

	firstTime float64
	segments  []hlsSegment
	created   []string
}

func newHLSMuxer(manifest string, opts HLSOptions, log logging.LeveledLogger) *hlsMuxer {
	if opts.SegmentDuration <= 0 {
		opts.SegmentDuration = DefaultSegmentDuration
	}
	dir := filepath.Dir(manifest)
	base := strings.TrimSuffix(filepath.Base(manifest), filepath.Ext(manifest))
	return &hlsMuxer{manifest: manifest, opts: opts, log: log, dir: dir, base: base, ref: -1}
}

func (m *hlsMuxer) WriteHeader(streams []*av.StreamDescriptor) error {
	for i, st := range streams {
		if err := checkTag(st.Params, "mpegts"); err != nil {
			return err
		}
		cd, err := codecDataFromParams(st.Params)
		if err != nil {
			return err
		}
		m.cds = append(m.cds, cd)
		st.TimeBase = mpegTimeBase
		if m.ref < 0 && st.Params.Kind == av.KindVideo {
			m.ref = i
		}
	}
	if m.ref < 0 {
		for i, st := range streams {
			if st.Params.Kind == av.KindAudio {
				m.ref = i
				break
			}
		}
	}
	if m.ref < 0 {
		m.ref = 0
	}
	m.streams = streams

	if m.opts.SingleFile {
		name := m.base + ".ts"
		if err := m.openFile(name); err != nil {
			return err
		}
		m.segURI = name
	}
	m.log.Debugf("hls muxer ready: ref stream %d, segment %.2fs, single file %v", m.ref, m.opts.SegmentDuration, m.opts.SingleFile)
	return nil
}

func (m *hlsMuxer) openFile(name string) error {
	path := filepath.Join(m.dir, name)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: %w", av.ErrIOFailure, err)
	}
	m.created = append(m.created, path)
	m.file = f
	m.out = &countingWriter{w: f}
	return nil
}

func (m *hlsMuxer) segmentName(n int) string {
	if m.opts.SegmentPattern != "" {
		return fmt.Sprintf(m.opts.SegmentPattern, n)
	}
	return fmt.Sprintf("%s%d.ts", m.base, n)
}

// beginSegment starts a new TS chunk. Every chunk carries its own PAT/PMT so it
// can be decoded on its own.
func (m *hlsMuxer) beginSegment(t float64) error {
	if !m.opts.SingleFile {
		name := m.segmentName(len(m.segments))
		if err := m.openFile(name); err != nil {
			return err
		}
		m.segURI = name
	}
	m.segStart = m.out.n
	m.segBegin = t
	m.mux = ts.NewMuxer(m.out)
	if err := m.mux.WriteHeader(m.cds); err != nil {
		return fmt.Errorf("%w: failed to write ts header: %w", av.ErrIOFailure, err)
	}
	m.started = true
	return nil
}

func (m *hlsMuxer) endSegment(t float64) error {
	if !m.started {
		return nil
	}
	if err := m.mux.WriteTrailer(); err != nil {
		return fmt.Errorf("%w: %w", av.ErrIOFailure, err)
	}
	seg := hlsSegment{uri: m.segURI, duration: t - m.segBegin}
	if seg.duration < 0 {
		seg.duration = 0
	}
	if m.opts.SingleFile {
		seg.offset = m.segStart
		seg.length = m.out.n - m.segStart
	} else {
		err := m.file.Close()
		m.file = nil
		if err != nil {
			return fmt.Errorf("%w: %w", av.ErrIOFailure, err)
		}
	}
	m.segments = append(m.segments, seg)
	m.started = false
	if m.opts.OnSegment != nil {
		m.opts.OnSegment(seg.uri, seg.duration)
	}
	return m.writePlaylist(false)
}

func (m *hlsMuxer) packetTime(pkt *av.Packet) float64 {
	ts := pkt.PTS
	if ts == av.NoPTS {
		ts = pkt.DecodeTime()
	}
	return float64(ts) * m.streams[pkt.StreamIndex].TimeBase.Float64()
}

func (m *hlsMuxer) WritePacket(pkt *av.Packet) error {
	t := m.packetTime(pkt)
	if !m.started && len(m.segments) == 0 {
		m.firstTime = t
		if err := m.beginSegment(t); err != nil {
			return err
		}
	}

	n := float64(len(m.segments) + 1)
	if pkt.StreamIndex == m.ref && pkt.Keyframe && t-m.firstTime >= m.opts.SegmentDuration*n {
		if err := m.endSegment(t); err != nil {
			return err
		}
		if err := m.beginSegment(t); err != nil {
			return err
		}
	}

	end := t
	if pkt.Duration > 0 {
		end += float64(pkt.Duration) * m.streams[pkt.StreamIndex].TimeBase.Float64()
	}
	if end > m.segEnd {
		m.segEnd = end
	}
	if err := m.mux.WritePacket(packetToVDK(pkt, m.streams[pkt.StreamIndex].TimeBase)); err != nil {
		return fmt.Errorf("%w: %w", av.ErrIOFailure, err)
	}
	return nil
}

func (m *hlsMuxer) WriteTrailer() error {
	if m.started {
		if err := m.endSegment(max(m.segEnd, m.segBegin)); err != nil {
			return err
		}
	}
	return m.writePlaylist(true)
}

// writePlaylist rewrites the manifest through a temporary file so readers
// never observe a partial playlist.
func (m *hlsMuxer) writePlaylist(final bool) error {
	window := m.segments
	seq := 0
	if m.opts.ListSize > 0 && len(window) > m.opts.ListSize {
		seq = len(window) - m.opts.ListSize
		window = window[seq:]
	}

	pl, err := m3u8.NewMediaPlaylist(0, uint(max(len(window), 1)))
	if err != nil {
		return fmt.Errorf("%w: %w", av.ErrIOFailure, err)
	}
	pl.SeqNo = uint64(seq)
	for _, seg := range window {
		if err := pl.Append(seg.uri, seg.duration, ""); err != nil {
			return fmt.Errorf("%w: %w", av.ErrIOFailure, err)
		}
		if m.opts.SingleFile {
			if err := pl.SetRange(seg.length, seg.offset); err != nil {
				return fmt.Errorf("%w: %w", av.ErrIOFailure, err)
			}
		}
	}
	if final {
		pl.Close()
	}

	tmp := m.manifest + ".tmp"
	if err := os.WriteFile(tmp, pl.Encode().Bytes(), 0o644); err != nil {
		return fmt.Errorf("%w: %w", av.ErrIOFailure, err)
	}
	if err := os.Rename(tmp, m.manifest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: %w", av.ErrIOFailure, err)
	}
	m.created = appendOnce(m.created, m.manifest)
	return nil
}

func appendOnce(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}

func (m *hlsMuxer) Close() error {
	if m.file == nil {
		return nil
	}
	err := m.file.Close()
	m.file = nil
	return err
}

func (m *hlsMuxer) Discard() error {
	err := m.Close()
	for _, path := range m.created {
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
			err = rmErr
		}
	}
	return err
}
