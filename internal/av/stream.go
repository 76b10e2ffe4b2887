package av

import "fmt"

type MediaKind int

const (
	KindOther MediaKind = iota
	KindVideo
	KindAudio
)

func (k MediaKind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	default:
		return "other"
	}
}

type CodecID int

const (
	CodecUnknown CodecID = iota
	CodecVP8
	CodecVP9
	CodecAV1
	CodecH264
	CodecHEVC
	CodecMJPEG
	CodecOpus
	CodecVorbis
	CodecAAC
	CodecMP3
	CodecPCM
)

var codecNames = map[CodecID]string{
	CodecUnknown: "unknown",
	CodecVP8:     "vp8",
	CodecVP9:     "vp9",
	CodecAV1:     "av1",
	CodecH264:    "h264",
	CodecHEVC:    "hevc",
	CodecMJPEG:   "mjpeg",
	CodecOpus:    "opus",
	CodecVorbis:  "vorbis",
	CodecAAC:     "aac",
	CodecMP3:     "mp3",
	CodecPCM:     "pcm_s16le",
}

func (c CodecID) String() string {
	if name, ok := codecNames[c]; ok {
		return name
	}
	return fmt.Sprintf("codec(%d)", int(c))
}

// Kind reports the media kind a codec produces.
func (c CodecID) Kind() MediaKind {
	switch c {
	case CodecVP8, CodecVP9, CodecAV1, CodecH264, CodecHEVC, CodecMJPEG:
		return KindVideo
	case CodecOpus, CodecVorbis, CodecAAC, CodecMP3, CodecPCM:
		return KindAudio
	default:
		return KindOther
	}
}

type PixelFormat int

const (
	PixFmtNone PixelFormat = iota
	// PixFmtYUV420P is planar 4:2:0 with limited (studio) range.
	PixFmtYUV420P
	// PixFmtYUVJ420P is planar 4:2:0 with full (JPEG) range.
	PixFmtYUVJ420P
)

func (p PixelFormat) String() string {
	switch p {
	case PixFmtYUV420P:
		return "yuv420p"
	case PixFmtYUVJ420P:
		return "yuvj420p"
	default:
		return "none"
	}
}

// FullRange reports whether luma spans 0-255.
func (p PixelFormat) FullRange() bool {
	return p == PixFmtYUVJ420P
}

// CodecParameters describes an elementary stream independently of any
// codec session. Copying them between containers is a passthrough.
type CodecParameters struct {
	Kind        MediaKind
	Codec       CodecID
	Tag         string // container-level codec tag, "" when cleared
	Width       int
	Height      int
	PixelFormat PixelFormat
	SampleRate  int
	Channels    int
	BitRate     int64
	Extradata   []byte
}

// Clone returns a deep copy, including Extradata.
func (p CodecParameters) Clone() CodecParameters {
	c := p
	if p.Extradata != nil {
		c.Extradata = append([]byte(nil), p.Extradata...)
	}
	return c
}

type StreamDescriptor struct {
	Index       int
	Params      CodecParameters
	TimeBase    Rational
	FrameRate   Rational // zero when unknown
	Duration    int64    // in TimeBase units, NoPTS when unknown
	Rotation    int      // degrees clockwise, normalised to [0, 360)
	HasRotation bool
}

func (s StreamDescriptor) Kind() MediaKind {
	return s.Params.Kind
}

func (s StreamDescriptor) String() string {
	switch s.Params.Kind {
	case KindVideo:
		return fmt.Sprintf("#%d video %s %dx%d tb=%s", s.Index, s.Params.Codec, s.Params.Width, s.Params.Height, s.TimeBase)
	case KindAudio:
		return fmt.Sprintf("#%d audio %s %dHz %dch tb=%s", s.Index, s.Params.Codec, s.Params.SampleRate, s.Params.Channels, s.TimeBase)
	default:
		return fmt.Sprintf("#%d other tag=%q tb=%s", s.Index, s.Params.Tag, s.TimeBase)
	}
}

// NormalizeRotation folds any angle in degrees into [0, 360).
func NormalizeRotation(deg int) int {
	deg %= 360
	if deg < 0 {
		deg += 360
	}
	return deg
}

// FindFirst returns the index of the first stream of the given kind, or -1.
func FindFirst(streams []StreamDescriptor, kind MediaKind) int {
	for i, st := range streams {
		if st.Params.Kind == kind {
			return i
		}
	}
	return -1
}

// Dropped marks an input stream that has no output counterpart.
const Dropped = -1

// StreamIndexMap maps input stream indexes to output stream indexes.
type StreamIndexMap []int

// NewStreamIndexMap keeps the streams accepted by keep, numbering them in
// their original relative order.
func NewStreamIndexMap(streams []StreamDescriptor, keep func(StreamDescriptor) bool) StreamIndexMap {
	m := make(StreamIndexMap, len(streams))
	next := 0
	for i, st := range streams {
		if keep(st) {
			m[i] = next
			next++
		} else {
			m[i] = Dropped
		}
	}
	return m
}

// KeepAudioVideo is the keep predicate used for repackaging.
func KeepAudioVideo(st StreamDescriptor) bool {
	return st.Params.Kind == KindVideo || st.Params.Kind == KindAudio
}

// Lookup returns the output index for input index in.
func (m StreamIndexMap) Lookup(in int) (int, bool) {
	if in < 0 || in >= len(m) || m[in] == Dropped {
		return Dropped, false
	}
	return m[in], true
}

// Outputs is the number of kept streams.
func (m StreamIndexMap) Outputs() int {
	n := 0
	for _, out := range m {
		if out != Dropped {
			n++
		}
	}
	return n
}
