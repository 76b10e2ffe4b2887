package container

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pion/logging"
	"github.com/remko/go-mkvparse"

	"github.com/Azunyan1111/go-media-pipeline/internal/av"
)

type mkvTrack struct {
	number          uint64
	uid             uint64
	trackType       uint64
	codecID         string
	codecPrivate    []byte
	width           int
	height          int
	sampleRate      float64
	channels        int
	defaultDuration uint64 // ns
	roll            float64
	hasRoll         bool
}

type mkvCue struct {
	time       int64
	track      uint64
	clusterPos int64 // relative to the segment data start
}

// mkvHeaderHandler collects header sections reported by go-mkvparse.
type mkvHeaderHandler struct {
	timecodeScale int64
	duration      float64
	hasDuration   bool

	tracks []*mkvTrack
	cur    *mkvTrack

	cues     []mkvCue
	cueTime  int64
	cueTrack uint64
	cueClPos int64
	inCuePos bool
	seekID   uint64
	seekPos  int64
	seekHead map[uint64]int64

	tagUIDs []uint64
	tagName string
	tagVal  string
	tags    map[uint64]map[string]string
}

func newMKVHeaderHandler() *mkvHeaderHandler {
	return &mkvHeaderHandler{
		timecodeScale: 1000000,
		seekHead:      make(map[uint64]int64),
		tags:          make(map[uint64]map[string]string),
	}
}

func (h *mkvHeaderHandler) HandleMasterBegin(id mkvparse.ElementID, info mkvparse.ElementInfo) (bool, error) {
	switch id {
	case ebmlIDCluster:
		return false, nil
	case ebmlIDTrackEntry:
		h.cur = &mkvTrack{}
	case ebmlIDCuePoint:
		h.cueTime = 0
	case ebmlIDCueTrackPositions:
		h.inCuePos = true
		h.cueTrack = 0
		h.cueClPos = -1
	case ebmlIDSeek:
		h.seekID = 0
		h.seekPos = -1
	case ebmlIDTag:
		h.tagUIDs = h.tagUIDs[:0]
	case ebmlIDSimpleTag:
		h.tagName = ""
		h.tagVal = ""
	}
	return true, nil
}

func (h *mkvHeaderHandler) HandleMasterEnd(id mkvparse.ElementID, info mkvparse.ElementInfo) error {
	switch id {
	case ebmlIDTrackEntry:
		if h.cur != nil && h.cur.number > 0 {
			h.tracks = append(h.tracks, h.cur)
		}
		h.cur = nil
	case ebmlIDCueTrackPositions:
		if h.cueClPos >= 0 {
			h.cues = append(h.cues, mkvCue{time: h.cueTime, track: h.cueTrack, clusterPos: h.cueClPos})
		}
		h.inCuePos = false
	case ebmlIDSeek:
		if h.seekID != 0 && h.seekPos >= 0 {
			h.seekHead[h.seekID] = h.seekPos
		}
	case ebmlIDSimpleTag:
		if h.tagName == "" {
			return nil
		}
		targets := h.tagUIDs
		if len(targets) == 0 {
			targets = []uint64{0}
		}
		for _, uid := range targets {
			if h.tags[uid] == nil {
				h.tags[uid] = make(map[string]string)
			}
			h.tags[uid][strings.ToUpper(h.tagName)] = h.tagVal
		}
	}
	return nil
}

func (h *mkvHeaderHandler) HandleString(id mkvparse.ElementID, value string, info mkvparse.ElementInfo) error {
	switch id {
	case ebmlIDCodecID:
		if h.cur != nil {
			h.cur.codecID = value
		}
	case ebmlIDTagName:
		h.tagName = value
	case ebmlIDTagString:
		h.tagVal = value
	}
	return nil
}

func (h *mkvHeaderHandler) HandleInteger(id mkvparse.ElementID, value int64, info mkvparse.ElementInfo) error {
	switch id {
	case ebmlIDTimecodeScale:
		if value > 0 {
			h.timecodeScale = value
		}
	case ebmlIDCueTime:
		h.cueTime = value
	case ebmlIDCueTrack:
		if h.inCuePos {
			h.cueTrack = uint64(value)
		}
	case ebmlIDCueClusterPosition:
		if h.inCuePos {
			h.cueClPos = value
		}
	case ebmlIDSeekPosition:
		h.seekPos = value
	case ebmlIDTagTrackUID:
		h.tagUIDs = append(h.tagUIDs, uint64(value))
	}

	t := h.cur
	if t == nil {
		return nil
	}
	switch id {
	case ebmlIDTrackNumber:
		t.number = uint64(value)
	case ebmlIDTrackUID:
		t.uid = uint64(value)
	case ebmlIDTrackType:
		t.trackType = uint64(value)
	case ebmlIDPixelWidth:
		t.width = int(value)
	case ebmlIDPixelHeight:
		t.height = int(value)
	case ebmlIDChannels:
		t.channels = int(value)
	case ebmlIDDefaultDuration:
		t.defaultDuration = uint64(value)
	}
	return nil
}

func (h *mkvHeaderHandler) HandleFloat(id mkvparse.ElementID, value float64, info mkvparse.ElementInfo) error {
	switch id {
	case ebmlIDDuration:
		h.duration = value
		h.hasDuration = true
	case ebmlIDSamplingFrequency:
		if h.cur != nil {
			h.cur.sampleRate = value
		}
	case ebmlIDProjectionPoseRoll:
		if h.cur != nil {
			h.cur.roll = value
			h.cur.hasRoll = true
		}
	}
	return nil
}

func (h *mkvHeaderHandler) HandleDate(id mkvparse.ElementID, value time.Time, info mkvparse.ElementInfo) error {
	return nil
}

func (h *mkvHeaderHandler) HandleBinary(id mkvparse.ElementID, value []byte, info mkvparse.ElementInfo) error {
	switch id {
	case ebmlIDCodecPrivate:
		if h.cur != nil {
			h.cur.codecPrivate = append([]byte(nil), value...)
		}
	case ebmlIDSeekID:
		h.seekID = decodeUInt(value)
	}
	return nil
}

var matroskaCodecs = map[string]av.CodecID{
	"V_VP8":            av.CodecVP8,
	"V_VP9":            av.CodecVP9,
	"V_AV1":            av.CodecAV1,
	"V_MPEG4/ISO/AVC":  av.CodecH264,
	"V_MPEGH/ISO/HEVC": av.CodecHEVC,
	"V_MJPEG":          av.CodecMJPEG,
	"A_OPUS":           av.CodecOpus,
	"A_VORBIS":         av.CodecVorbis,
	"A_AAC":            av.CodecAAC,
	"A_MPEG/L3":        av.CodecMP3,
	"A_PCM/INT/LIT":    av.CodecPCM,
}

func codecFromMatroska(codecID string) av.CodecID {
	if id, ok := matroskaCodecs[codecID]; ok {
		return id
	}
	// A_AAC/MPEG4/LC and friends
	if strings.HasPrefix(codecID, "A_AAC") {
		return av.CodecAAC
	}
	return av.CodecUnknown
}

type matroskaDemuxer struct {
	file    *os.File
	scanner *ebmlScanner
	log     logging.LeveledLogger
	docType string

	segmentStart int64
	segmentEnd   int64
	firstCluster int64

	header   *mkvHeaderHandler
	streams  []av.StreamDescriptor
	byNumber map[uint64]int
	durUs    int64

	clusterTime int64
	pending     []av.Packet
}

func openMatroska(f *os.File, log logging.LeveledLogger) (*matroskaDemuxer, error) {
	d := &matroskaDemuxer{
		file:         f,
		scanner:      newEBMLScanner(f),
		log:          log,
		docType:      "matroska",
		firstCluster: -1,
		byNumber:     make(map[uint64]int),
		durUs:        av.NoPTS,
	}
	if err := d.readPreamble(); err != nil {
		return nil, fmt.Errorf("%w: %w", av.ErrOpenFailure, err)
	}
	if err := d.readHeaderSections(); err != nil {
		return nil, fmt.Errorf("%w: %w", av.ErrStreamDiscovery, err)
	}
	d.buildStreams()
	if len(d.streams) == 0 {
		return nil, fmt.Errorf("%w: no tracks in matroska header", av.ErrStreamDiscovery)
	}
	if d.firstCluster < 0 {
		d.firstCluster = d.segmentEnd
	}
	if err := d.scanner.seekTo(d.firstCluster); err != nil {
		return nil, fmt.Errorf("%w: %w", av.ErrOpenFailure, err)
	}
	return d, nil
}

// readPreamble validates the EBML header and locates the segment payload.
func (d *matroskaDemuxer) readPreamble() error {
	s := d.scanner
	id, size, unknown, err := s.readHeader()
	if err != nil {
		return err
	}
	if id != ebmlIDHeader || unknown {
		return fmt.Errorf("not an EBML file (first element 0x%X)", id)
	}
	end := s.offset + size
	for s.offset < end {
		cid, csize, _, err := s.readHeader()
		if err != nil {
			return err
		}
		if cid == ebmlIDDocType {
			b, err := s.readBytes(csize)
			if err != nil {
				return err
			}
			d.docType = strings.TrimRight(string(b), "\x00")
			continue
		}
		if err := s.discard(csize); err != nil {
			return err
		}
	}

	id, size, unknown, err = s.readHeader()
	if err != nil {
		return err
	}
	if id != ebmlIDSegment {
		return fmt.Errorf("expected segment, got element 0x%X", id)
	}
	d.segmentStart = s.offset
	if unknown {
		st, err := d.file.Stat()
		if err != nil {
			return err
		}
		d.segmentEnd = st.Size()
	} else {
		d.segmentEnd = d.segmentStart + size
	}
	return nil
}

// readHeaderSections walks level-1 elements up to the first cluster and hands
// each header section to go-mkvparse. Sections placed after the clusters are
// reached through the SeekHead.
func (d *matroskaDemuxer) readHeaderSections() error {
	d.header = newMKVHeaderHandler()
	s := d.scanner
	seen := make(map[uint64]bool)

	for s.offset < d.segmentEnd {
		start := s.offset
		id, size, unknown, err := s.readHeader()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return err
		}
		if id == ebmlIDCluster {
			d.firstCluster = start
			break
		}
		if unknown {
			return fmt.Errorf("level-1 element 0x%X: %w", id, errUnknownSize)
		}
		switch id {
		case ebmlIDSeekHead, ebmlIDInfo, ebmlIDTracks, ebmlIDCues, ebmlIDTags:
			if err := d.parseSection(start, s.offset-start+size); err != nil {
				return err
			}
			seen[id] = true
		}
		if err := s.seekTo(s.offset + size); err != nil {
			return err
		}
	}

	for _, id := range []uint64{ebmlIDTracks, ebmlIDInfo, ebmlIDCues, ebmlIDTags} {
		pos, ok := d.header.seekHead[id]
		if !ok || seen[id] {
			continue
		}
		abs := d.segmentStart + pos
		if err := s.seekTo(abs); err != nil {
			return err
		}
		sid, size, unknown, err := s.readHeader()
		if err != nil || sid != id || unknown {
			d.log.Warnf("seek head entry 0x%X at %d is invalid, ignoring", id, abs)
			continue
		}
		if err := d.parseSection(abs, s.offset-abs+size); err != nil {
			if id == ebmlIDTracks {
				return err
			}
			d.log.Warnf("failed to parse section 0x%X: %v", id, err)
		}
	}
	return nil
}

func (d *matroskaDemuxer) parseSection(start, length int64) error {
	return mkvparse.Parse(io.NewSectionReader(d.file, start, length), d.header)
}

func (d *matroskaDemuxer) buildStreams() {
	h := d.header
	tb := av.Rational{Num: int(h.timecodeScale), Den: 1000000000}.Reduce()
	if h.hasDuration && h.duration > 0 {
		d.durUs = int64(h.duration * float64(h.timecodeScale) / 1000)
	}

	for _, t := range h.tracks {
		codec := codecFromMatroska(t.codecID)
		params := av.CodecParameters{
			Codec:     codec,
			Tag:       t.codecID,
			Extradata: t.codecPrivate,
		}
		switch t.trackType {
		case trackTypeVideo:
			params.Kind = av.KindVideo
			params.Width = t.width
			params.Height = t.height
			params.PixelFormat = av.PixFmtYUV420P
		case trackTypeAudio:
			params.Kind = av.KindAudio
			params.SampleRate = int(t.sampleRate)
			params.Channels = t.channels
			if params.Channels == 0 {
				params.Channels = 1
			}
		default:
			params.Kind = av.KindOther
		}

		st := av.StreamDescriptor{
			Index:    len(d.streams),
			Params:   params,
			TimeBase: tb,
			Duration: av.NoPTS,
		}
		if d.durUs != av.NoPTS {
			st.Duration = av.Rescale(d.durUs, av.TimeBaseMicro, tb)
		}
		if t.defaultDuration > 0 && t.defaultDuration <= math.MaxInt32 {
			st.FrameRate = av.Rational{Num: 1000000000, Den: int(t.defaultDuration)}.Reduce()
		}
		if t.hasRoll {
			st.Rotation = av.NormalizeRotation(-int(math.Round(t.roll)))
			st.HasRotation = true
		} else if v, ok := d.trackTag(t.uid, "ROTATE"); ok {
			if deg, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				st.Rotation = av.NormalizeRotation(deg)
				st.HasRotation = true
			}
		}
		d.byNumber[t.number] = st.Index
		d.streams = append(d.streams, st)
		d.log.Debugf("matroska track %d: %s", t.number, st)
	}
}

func (d *matroskaDemuxer) trackTag(uid uint64, name string) (string, bool) {
	if tags, ok := d.header.tags[uid]; ok && uid != 0 {
		if v, ok := tags[name]; ok {
			return v, true
		}
	}
	return "", false
}

func (d *matroskaDemuxer) FormatName() string { return d.docType }

func (d *matroskaDemuxer) Streams() []av.StreamDescriptor { return d.streams }

func (d *matroskaDemuxer) Duration() int64 { return d.durUs }

func (d *matroskaDemuxer) ReadPacket(pkt *av.Packet) error {
	s := d.scanner
	for {
		if len(d.pending) > 0 {
			*pkt = d.pending[0]
			d.pending[0] = av.Packet{}
			d.pending = d.pending[1:]
			return nil
		}
		if s.offset >= d.segmentEnd {
			return io.EOF
		}

		start := s.offset
		id, size, unknown, err := s.readHeader()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return io.EOF
			}
			return fmt.Errorf("%w: %w", av.ErrIOFailure, err)
		}

		switch id {
		case ebmlIDCluster:
			d.clusterTime = 0
			continue
		case ebmlIDSegment:
			// chained segments are not followed
			return io.EOF
		}
		if unknown {
			return fmt.Errorf("%w: element 0x%X: %w", av.ErrIOFailure, id, errUnknownSize)
		}

		switch id {
		case ebmlIDTimecode:
			v, err := s.readUnsignedInt(size)
			if err != nil {
				return fmt.Errorf("%w: %w", av.ErrIOFailure, err)
			}
			d.clusterTime = int64(v)
		case ebmlIDSimpleBlock:
			data, err := s.readBytes(size)
			if err != nil {
				return fmt.Errorf("%w: %w", av.ErrIOFailure, err)
			}
			if err := d.queueBlock(data, start, true, false, 0); err != nil {
				d.log.Warnf("skipping malformed block at %d: %v", start, err)
			}
		case ebmlIDBlockGroup:
			data, err := s.readBytes(size)
			if err != nil {
				return fmt.Errorf("%w: %w", av.ErrIOFailure, err)
			}
			if err := d.queueBlockGroup(data, start); err != nil {
				d.log.Warnf("skipping malformed block group at %d: %v", start, err)
			}
		default:
			if err := s.discard(size); err != nil {
				if errors.Is(err, io.EOF) {
					return io.EOF
				}
				return fmt.Errorf("%w: %w", av.ErrIOFailure, err)
			}
		}
	}
}

func (d *matroskaDemuxer) queueBlockGroup(data []byte, pos int64) error {
	var block []byte
	var duration int64
	keyframe := true
	for len(data) > 0 {
		id, n := parseElementIDBytes(data)
		if n == 0 {
			return fmt.Errorf("invalid element id in block group")
		}
		size, m := parseVint(data[n:])
		if m == 0 || uint64(len(data)-n-m) < size {
			return fmt.Errorf("truncated block group child 0x%X", id)
		}
		payload := data[n+m : n+m+int(size)]
		switch id {
		case ebmlIDBlock:
			block = payload
		case ebmlIDReferenceBlock:
			keyframe = false
		case ebmlIDBlockDuration:
			duration = int64(decodeUInt(payload))
		}
		data = data[n+m+int(size):]
	}
	if block == nil {
		return fmt.Errorf("block group without block")
	}
	return d.queueBlock(block, pos, false, keyframe, duration)
}

func parseElementIDBytes(data []byte) (uint64, int) {
	if len(data) == 0 {
		return 0, 0
	}
	length := 1
	mask := byte(0x80)
	for length <= maxEBMLIDVintBytes && data[0]&mask == 0 {
		mask >>= 1
		length++
	}
	if length > maxEBMLIDVintBytes || len(data) < length {
		return 0, 0
	}
	return decodeUInt(data[:length]), length
}

// queueBlock splits a (Simple)Block into packets. Laced frames after the
// first get timestamps advanced by the track's default duration.
func (d *matroskaDemuxer) queueBlock(data []byte, pos int64, simple, keyframe bool, duration int64) error {
	trackNum, n := parseVint(data)
	if n == 0 || len(data) < n+3 {
		return fmt.Errorf("block too short")
	}
	idx, ok := d.byNumber[trackNum]
	if !ok {
		return nil
	}

	relativeTs := int16(binary.BigEndian.Uint16(data[n : n+2]))
	flags := data[n+2]
	if simple {
		keyframe = flags&0x80 != 0
	}
	frames, err := splitLaces(data[n+3:], (flags>>1)&0x03)
	if err != nil {
		return err
	}

	st := d.streams[idx]
	var frameDur int64
	if t := d.header.tracks[idx]; t.defaultDuration > 0 {
		frameDur = int64(t.defaultDuration) / d.header.timecodeScale
	}
	if duration == 0 && len(frames) == 1 {
		duration = frameDur
	}

	ts := d.clusterTime + int64(relativeTs)
	for i, frame := range frames {
		pts := ts + int64(i)*frameDur
		p := av.Packet{
			StreamIndex: st.Index,
			PTS:         pts,
			DTS:         pts,
			Duration:    duration,
			Pos:         pos,
			Keyframe:    keyframe || st.Params.Kind == av.KindAudio,
			Data:        frame,
		}
		if len(frames) > 1 {
			p.Duration = frameDur
		}
		d.pending = append(d.pending, p)
	}
	return nil
}

func splitLaces(data []byte, lacing byte) ([][]byte, error) {
	if lacing == 0 {
		return [][]byte{data}, nil
	}
	if len(data) < 1 {
		return nil, fmt.Errorf("laced block without frame count")
	}
	count := int(data[0]) + 1
	data = data[1:]
	sizes := make([]int, count)
	total := 0

	switch lacing {
	case 1: // Xiph
		for i := 0; i < count-1; i++ {
			size := 0
			for {
				if len(data) == 0 {
					return nil, fmt.Errorf("truncated xiph lace sizes")
				}
				b := data[0]
				data = data[1:]
				size += int(b)
				if b != 0xFF {
					break
				}
			}
			sizes[i] = size
			total += size
		}
	case 2: // fixed
		if len(data)%count != 0 {
			return nil, fmt.Errorf("fixed lacing: %d bytes not divisible by %d frames", len(data), count)
		}
		for i := range sizes {
			sizes[i] = len(data) / count
		}
		total = len(data) - sizes[count-1]
	case 3: // EBML
		first, n := parseVint(data)
		if n == 0 {
			return nil, fmt.Errorf("invalid ebml lace size")
		}
		data = data[n:]
		sizes[0] = int(first)
		total = sizes[0]
		for i := 1; i < count-1; i++ {
			delta, n := parseSignedVint(data)
			if n == 0 {
				return nil, fmt.Errorf("invalid ebml lace delta")
			}
			data = data[n:]
			sizes[i] = sizes[i-1] + int(delta)
			if sizes[i] < 0 {
				return nil, fmt.Errorf("negative ebml lace size")
			}
			total += sizes[i]
		}
	}
	if lacing != 2 {
		sizes[count-1] = len(data) - total
	}
	if sizes[count-1] < 0 {
		return nil, fmt.Errorf("lace sizes exceed block")
	}

	frames := make([][]byte, count)
	off := 0
	for i, size := range sizes {
		frames[i] = data[off : off+size]
		off += size
	}
	return frames, nil
}

// SeekBackward positions the reader at the last cluster starting at or before
// the target. Cues are preferred; without them clusters are scanned.
func (d *matroskaDemuxer) SeekBackward(us int64) error {
	target := av.Rescale(us, av.TimeBaseMicro, d.streams[0].TimeBase)
	d.pending = nil

	if pos, ok := d.cueLookup(target); ok {
		d.log.Debugf("seek via cues: target=%d cluster=%d", target, pos)
		return d.scanner.seekTo(pos)
	}

	pos, err := d.scanClusters(target)
	if err != nil {
		return err
	}
	d.log.Debugf("seek via cluster scan: target=%d cluster=%d", target, pos)
	return d.scanner.seekTo(pos)
}

func (d *matroskaDemuxer) cueLookup(target int64) (int64, bool) {
	cues := d.header.cues
	if len(cues) == 0 {
		return 0, false
	}
	// Cues of the first video track drive the decision when present.
	var videoTrack uint64
	for _, t := range d.header.tracks {
		if t.trackType == trackTypeVideo {
			videoTrack = t.number
			break
		}
	}
	var points []mkvCue
	for _, c := range cues {
		if videoTrack == 0 || c.track == videoTrack {
			points = append(points, c)
		}
	}
	if len(points) == 0 {
		points = cues
	}
	sort.SliceStable(points, func(i, j int) bool { return points[i].time < points[j].time })

	best := points[0]
	for _, c := range points {
		if c.time > target {
			break
		}
		best = c
	}
	return d.segmentStart + best.clusterPos, true
}

func (d *matroskaDemuxer) scanClusters(target int64) (int64, error) {
	s := d.scanner
	best := d.firstCluster
	if err := s.seekTo(d.firstCluster); err != nil {
		return 0, err
	}

	clusterStart, clusterEnd := int64(-1), int64(-1)
	for s.offset < d.segmentEnd {
		start := s.offset
		id, size, unknown, err := s.readHeader()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return 0, err
		}
		switch {
		case id == ebmlIDCluster:
			clusterStart = start
			clusterEnd = -1
			if !unknown {
				clusterEnd = s.offset + size
			}
			continue
		case unknown:
			return best, nil
		case id == ebmlIDTimecode && clusterStart >= 0:
			v, err := s.readUnsignedInt(size)
			if err != nil {
				return 0, err
			}
			if int64(v) > target {
				return best, nil
			}
			best = clusterStart
			clusterStart = -1
			if clusterEnd > 0 {
				if err := s.seekTo(clusterEnd); err != nil {
					return 0, err
				}
			}
			continue
		}
		if err := s.discard(size); err != nil {
			break
		}
	}
	return best, nil
}

func (d *matroskaDemuxer) Close() error {
	d.pending = nil
	return d.file.Close()
}
