package container

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/pion/logging"

	"github.com/Azunyan1111/go-media-pipeline/internal/av"
)

const (
	// Matroska output always uses millisecond timestamps.
	matroskaTimecodeScale = 1000000
	maxClusterDurationMs  = 5000
	maxClusterBytes       = 5 << 20
	seekHeadReserve       = 100
)

var webmCodecs = map[av.CodecID]bool{
	av.CodecVP8:    true,
	av.CodecVP9:    true,
	av.CodecAV1:    true,
	av.CodecOpus:   true,
	av.CodecVorbis: true,
}

func matroskaCodecID(p av.CodecParameters) (string, error) {
	for name, id := range matroskaCodecs {
		if id == p.Codec && p.Codec != av.CodecUnknown {
			if p.Codec == av.CodecAAC && len(p.Tag) > 5 && p.Tag[:5] == "A_AAC" {
				return p.Tag, nil
			}
			return name, nil
		}
	}
	// Unknown codecs survive a Matroska to Matroska copy through their tag.
	if len(p.Tag) > 2 && (p.Tag[:2] == "V_" || p.Tag[:2] == "A_" || p.Tag[:2] == "S_") {
		return p.Tag, nil
	}
	return "", fmt.Errorf("%w: %s has no matroska codec id", av.ErrUnsupportedCodec, p.Codec)
}

type mkvCuePoint struct {
	time       int64
	track      uint64
	clusterPos int64
}

// countingWriter tracks the absolute output position.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// matroskaMuxer writes Matroska/WebM files. Clusters are buffered so they
// carry a known size; Duration, SeekHead and the segment size are patched
// in place at trailer time.
type matroskaMuxer struct {
	path string
	webm bool
	app  string
	log  logging.LeveledLogger

	file      *os.File
	created   bool
	bufWriter *bufio.Writer
	out       *countingWriter

	streams  []*av.StreamDescriptor
	codecIDs []string
	hasVideo bool

	segmentSizePos int64
	segmentStart   int64
	seekHeadPos    int64
	durationPos    int64
	infoPos        int64
	tracksPos      int64

	cluster      bytes.Buffer
	clusterOpen  bool
	clusterTime  int64
	clusterStart int64
	cues         []mkvCuePoint
	endTime      int64
}

func newMatroskaMuxer(path string, webm bool, app string, log logging.LeveledLogger) *matroskaMuxer {
	return &matroskaMuxer{path: path, webm: webm, app: app, log: log}
}

func (m *matroskaMuxer) WriteHeader(streams []*av.StreamDescriptor) error {
	m.streams = streams
	for _, st := range streams {
		id, err := matroskaCodecID(st.Params)
		if err != nil {
			return err
		}
		if m.webm && !webmCodecs[st.Params.Codec] {
			return fmt.Errorf("%w: %s is not allowed in webm", av.ErrUnsupportedCodec, st.Params.Codec)
		}
		m.codecIDs = append(m.codecIDs, id)
		if st.Params.Kind == av.KindVideo {
			m.hasVideo = true
		}
		st.TimeBase = av.Rational{Num: 1, Den: 1000}
	}

	f, err := os.Create(m.path)
	if err != nil {
		return fmt.Errorf("%w: %w", av.ErrIOFailure, err)
	}
	m.file = f
	m.created = true
	m.bufWriter = bufio.NewWriterSize(f, 64*1024)
	m.out = &countingWriter{w: m.bufWriter}

	if err := m.writeEBMLHeader(); err != nil {
		return fmt.Errorf("%w: failed to write EBML header: %w", av.ErrIOFailure, err)
	}
	if err := m.writeSegmentHeader(); err != nil {
		return fmt.Errorf("%w: failed to write segment header: %w", av.ErrIOFailure, err)
	}
	if err := m.writeInfo(); err != nil {
		return fmt.Errorf("%w: failed to write info: %w", av.ErrIOFailure, err)
	}
	if err := m.writeTracks(); err != nil {
		return fmt.Errorf("%w: failed to write tracks: %w", av.ErrIOFailure, err)
	}
	if err := m.bufWriter.Flush(); err != nil {
		return fmt.Errorf("%w: failed to flush headers: %w", av.ErrIOFailure, err)
	}
	m.log.Debugf("matroska headers written: %d tracks webm=%v", len(streams), m.webm)
	return nil
}

func (m *matroskaMuxer) writeEBMLHeader() error {
	docType, docVersion := "matroska", uint64(4)
	if m.webm {
		docType, docVersion = "webm", 2
	}
	b := &ebmlBuilder{}
	b.uint(0x4286, 1) // EBMLVersion
	b.uint(0x42F7, 1) // EBMLReadVersion
	b.uint(0x42F2, 4) // EBMLMaxIDLength
	b.uint(0x42F3, 8) // EBMLMaxSizeLength
	b.str(ebmlIDDocType, docType)
	b.uint(0x4287, docVersion) // DocTypeVersion
	b.uint(0x4285, 2)          // DocTypeReadVersion
	data, err := b.bytes()
	if err != nil {
		return err
	}
	return writeEBMLElement(m.out, ebmlIDHeader, data)
}

func (m *matroskaMuxer) writeSegmentHeader() error {
	if err := writeEBMLID(m.out, ebmlIDSegment); err != nil {
		return err
	}
	m.segmentSizePos = m.out.n
	// Unknown size until the trailer patches it.
	if _, err := m.out.Write([]byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}); err != nil {
		return err
	}
	m.segmentStart = m.out.n

	m.seekHeadPos = m.out.n
	return writeVoid(m.out, seekHeadReserve)
}

// writeVoid writes a Void element occupying exactly total bytes.
func writeVoid(w io.Writer, total int) error {
	if total < 2 {
		return fmt.Errorf("void element needs at least 2 bytes, got %d", total)
	}
	if _, err := w.Write([]byte{ebmlIDVoid}); err != nil {
		return err
	}
	sizeLen := 1
	if total-2 >= 127 {
		sizeLen = 8
	}
	payload := total - 1 - sizeLen
	if err := writeVarIntFixed(w, uint64(payload), sizeLen); err != nil {
		return err
	}
	_, err := w.Write(make([]byte, payload))
	return err
}

func (m *matroskaMuxer) writeInfo() error {
	b := &ebmlBuilder{}
	b.uint(ebmlIDTimecodeScale, matroskaTimecodeScale)
	b.str(ebmlIDMuxingApp, m.app)
	b.str(ebmlIDWritingApp, m.app)
	durationOffset := b.buf.Len()
	b.float(ebmlIDDuration, 0)
	data, err := b.bytes()
	if err != nil {
		return err
	}

	m.infoPos = m.out.n
	headerLen := int64(ebmlIDLen(ebmlIDInfo) + varIntLen(uint64(len(data))))
	// Duration payload follows its 2-byte ID and 1-byte size.
	m.durationPos = m.infoPos + headerLen + int64(durationOffset) + 3
	return writeEBMLElement(m.out, ebmlIDInfo, data)
}

func (m *matroskaMuxer) writeTracks() error {
	tracks := &ebmlBuilder{}
	for i, st := range m.streams {
		num := uint64(i + 1)
		entry := &ebmlBuilder{}
		entry.uint(ebmlIDTrackNumber, num)
		entry.uint(ebmlIDTrackUID, num)
		entry.uint(ebmlIDFlagLacing, 0)
		entry.str(ebmlIDCodecID, m.codecIDs[i])
		if len(st.Params.Extradata) > 0 {
			entry.add(ebmlIDCodecPrivate, st.Params.Extradata)
		}

		switch st.Params.Kind {
		case av.KindVideo:
			entry.uint(ebmlIDTrackType, trackTypeVideo)
			if st.FrameRate.Valid() {
				entry.uint(ebmlIDDefaultDuration, uint64(av.Rescale(1, st.FrameRate.Invert(), av.TimeBaseNano)))
			}
			video := &ebmlBuilder{}
			video.uint(ebmlIDPixelWidth, uint64(st.Params.Width))
			video.uint(ebmlIDPixelHeight, uint64(st.Params.Height))
			if st.HasRotation && st.Rotation != 0 {
				proj := &ebmlBuilder{}
				proj.float(ebmlIDProjectionPoseRoll, float64(-st.Rotation))
				video.master(ebmlIDProjection, proj)
			}
			entry.master(ebmlIDVideo, video)
		case av.KindAudio:
			entry.uint(ebmlIDTrackType, trackTypeAudio)
			audio := &ebmlBuilder{}
			audio.float(ebmlIDSamplingFrequency, float64(st.Params.SampleRate))
			audio.uint(ebmlIDChannels, uint64(st.Params.Channels))
			if st.Params.Codec == av.CodecPCM {
				audio.uint(ebmlIDBitDepth, 16)
			}
			entry.master(ebmlIDAudio, audio)
		default:
			entry.uint(ebmlIDTrackType, 0x11) // subtitle
		}
		tracks.master(ebmlIDTrackEntry, entry)
	}
	data, err := tracks.bytes()
	if err != nil {
		return err
	}
	m.tracksPos = m.out.n
	return writeEBMLElement(m.out, ebmlIDTracks, data)
}

func (m *matroskaMuxer) WritePacket(pkt *av.Packet) error {
	st := m.streams[pkt.StreamIndex]
	ts := pkt.PTS
	if ts == av.NoPTS {
		ts = pkt.DTS
	}
	if ts == av.NoPTS {
		ts = m.endTime
	}
	isVideo := st.Params.Kind == av.KindVideo
	videoKey := isVideo && pkt.Keyframe

	rel := ts - m.clusterTime
	needNewCluster := !m.clusterOpen ||
		rel < -32768 || rel > 32767 ||
		(videoKey && m.cluster.Len() > 0) ||
		(!m.hasVideo && rel >= maxClusterDurationMs) ||
		m.cluster.Len() > maxClusterBytes
	if needNewCluster {
		if err := m.flushCluster(); err != nil {
			return err
		}
		m.startCluster(ts)
		if videoKey || !m.hasVideo {
			m.cues = append(m.cues, mkvCuePoint{
				time:       ts,
				track:      uint64(pkt.StreamIndex + 1),
				clusterPos: m.clusterStart - m.segmentStart,
			})
		}
	}

	if err := m.writeSimpleBlock(uint64(pkt.StreamIndex+1), pkt.Data, ts, pkt.Keyframe || !isVideo); err != nil {
		return err
	}

	end := ts
	if pkt.Duration > 0 {
		end += pkt.Duration
	}
	if end > m.endTime {
		m.endTime = end
	}
	return nil
}

func (m *matroskaMuxer) startCluster(ts int64) {
	m.cluster.Reset()
	m.clusterOpen = true
	m.clusterTime = ts
	m.clusterStart = m.out.n
	_ = writeEBMLElement(&m.cluster, ebmlIDTimecode, encodeUInt(uint64(max(ts, 0))))
}

func (m *matroskaMuxer) writeSimpleBlock(trackNum uint64, data []byte, ts int64, keyframe bool) error {
	block := &bytes.Buffer{}
	if err := writeVarInt(block, trackNum); err != nil {
		return fmt.Errorf("failed to write track number: %w", err)
	}
	if err := binary.Write(block, binary.BigEndian, int16(ts-m.clusterTime)); err != nil {
		return fmt.Errorf("failed to write timecode: %w", err)
	}
	flags := byte(0)
	if keyframe {
		flags |= 0x80
	}
	block.WriteByte(flags)
	block.Write(data)

	return writeEBMLElement(&m.cluster, ebmlIDSimpleBlock, block.Bytes())
}

func (m *matroskaMuxer) flushCluster() error {
	if !m.clusterOpen {
		return nil
	}
	m.clusterOpen = false
	if err := writeEBMLElement(m.out, ebmlIDCluster, m.cluster.Bytes()); err != nil {
		return fmt.Errorf("%w: failed to write cluster: %w", av.ErrIOFailure, err)
	}
	m.cluster.Reset()
	return nil
}

func (m *matroskaMuxer) WriteTrailer() error {
	if err := m.flushCluster(); err != nil {
		return err
	}

	cuesPos := m.out.n
	if err := m.writeCues(); err != nil {
		return fmt.Errorf("%w: failed to write cues: %w", av.ErrIOFailure, err)
	}
	if err := m.bufWriter.Flush(); err != nil {
		return fmt.Errorf("%w: %w", av.ErrIOFailure, err)
	}
	end := m.out.n

	if err := m.patch(m.durationPos, encodeFloat(float64(m.endTime))); err != nil {
		return err
	}
	seekHead, err := m.buildSeekHead(cuesPos)
	if err != nil {
		return err
	}
	if err := m.patch(m.seekHeadPos, seekHead); err != nil {
		return err
	}
	size := &bytes.Buffer{}
	if err := writeVarIntFixed(size, uint64(end-m.segmentStart), 8); err != nil {
		return err
	}
	if err := m.patch(m.segmentSizePos, size.Bytes()); err != nil {
		return err
	}
	if _, err := m.file.Seek(end, io.SeekStart); err != nil {
		return fmt.Errorf("%w: %w", av.ErrIOFailure, err)
	}
	m.log.Debugf("matroska trailer written: duration=%dms cues=%d", m.endTime, len(m.cues))
	return nil
}

func (m *matroskaMuxer) writeCues() error {
	if len(m.cues) == 0 {
		return nil
	}
	cues := &ebmlBuilder{}
	for _, c := range m.cues {
		pos := &ebmlBuilder{}
		pos.uint(ebmlIDCueTrack, c.track)
		pos.uint(ebmlIDCueClusterPosition, uint64(c.clusterPos))
		point := &ebmlBuilder{}
		point.uint(ebmlIDCueTime, uint64(max(c.time, 0)))
		point.master(ebmlIDCueTrackPositions, pos)
		cues.master(ebmlIDCuePoint, point)
	}
	data, err := cues.bytes()
	if err != nil {
		return err
	}
	return writeEBMLElement(m.out, ebmlIDCues, data)
}

func (m *matroskaMuxer) buildSeekHead(cuesPos int64) ([]byte, error) {
	entries := []struct {
		id  uint32
		pos int64
	}{
		{ebmlIDInfo, m.infoPos},
		{ebmlIDTracks, m.tracksPos},
	}
	if len(m.cues) > 0 {
		entries = append(entries, struct {
			id  uint32
			pos int64
		}{ebmlIDCues, cuesPos})
	}

	head := &ebmlBuilder{}
	for _, e := range entries {
		seek := &ebmlBuilder{}
		seek.add(ebmlIDSeekID, encodeUIntFixed(uint64(e.id), 4))
		seek.add(ebmlIDSeekPosition, encodeUIntFixed(uint64(e.pos-m.segmentStart), 8))
		head.master(ebmlIDSeek, seek)
	}
	data, err := head.bytes()
	if err != nil {
		return nil, err
	}

	out := &bytes.Buffer{}
	if err := writeEBMLElement(out, ebmlIDSeekHead, data); err != nil {
		return nil, err
	}
	if rest := seekHeadReserve - out.Len(); rest > 0 {
		if err := writeVoid(out, rest); err != nil {
			return nil, err
		}
	}
	if out.Len() != seekHeadReserve {
		return nil, fmt.Errorf("seek head does not fit reserved space: %d", out.Len())
	}
	return out.Bytes(), nil
}

func (m *matroskaMuxer) patch(pos int64, data []byte) error {
	if _, err := m.file.WriteAt(data, pos); err != nil {
		return fmt.Errorf("%w: failed to patch at %d: %w", av.ErrIOFailure, pos, err)
	}
	return nil
}

func (m *matroskaMuxer) Close() error {
	if m.file == nil {
		return nil
	}
	var flushErr error
	if m.bufWriter != nil {
		flushErr = m.bufWriter.Flush()
	}
	err := m.file.Close()
	m.file = nil
	if flushErr != nil {
		return flushErr
	}
	return err
}

func (m *matroskaMuxer) Discard() error {
	err := m.Close()
	if !m.created {
		return err
	}
	if rmErr := os.Remove(m.path); rmErr != nil && !os.IsNotExist(rmErr) {
		return rmErr
	}
	return err
}
