package container

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// EBML/Matroska element IDs.
const (
	ebmlIDHeader             = 0x1A45DFA3
	ebmlIDDocType            = 0x4282
	ebmlIDVoid               = 0xEC
	ebmlIDCRC32              = 0xBF
	ebmlIDSegment            = 0x18538067
	ebmlIDSeekHead           = 0x114D9B74
	ebmlIDSeek               = 0x4DBB
	ebmlIDSeekID             = 0x53AB
	ebmlIDSeekPosition       = 0x53AC
	ebmlIDInfo               = 0x1549A966
	ebmlIDTimecodeScale      = 0x2AD7B1
	ebmlIDDuration           = 0x4489
	ebmlIDMuxingApp          = 0x4D80
	ebmlIDWritingApp         = 0x5741
	ebmlIDTracks             = 0x1654AE6B
	ebmlIDTrackEntry         = 0xAE
	ebmlIDTrackNumber        = 0xD7
	ebmlIDTrackUID           = 0x73C5
	ebmlIDTrackType          = 0x83
	ebmlIDFlagLacing         = 0x9C
	ebmlIDDefaultDuration    = 0x23E383
	ebmlIDCodecID            = 0x86
	ebmlIDCodecPrivate       = 0x63A2
	ebmlIDVideo              = 0xE0
	ebmlIDPixelWidth         = 0xB0
	ebmlIDPixelHeight        = 0xBA
	ebmlIDProjection         = 0x7670
	ebmlIDProjectionPoseRoll = 0x7675
	ebmlIDAudio              = 0xE1
	ebmlIDSamplingFrequency  = 0xB5
	ebmlIDChannels           = 0x9F
	ebmlIDBitDepth           = 0x6264
	ebmlIDCluster            = 0x1F43B675
	ebmlIDTimecode           = 0xE7
	ebmlIDSimpleBlock        = 0xA3
	ebmlIDBlockGroup         = 0xA0
	ebmlIDBlock              = 0xA1
	ebmlIDBlockDuration      = 0x9B
	ebmlIDReferenceBlock     = 0xFB
	ebmlIDCues               = 0x1C53BB6B
	ebmlIDCuePoint           = 0xBB
	ebmlIDCueTime            = 0xB3
	ebmlIDCueTrackPositions  = 0xB7
	ebmlIDCueTrack           = 0xF7
	ebmlIDCueClusterPosition = 0xF1
	ebmlIDTags               = 0x1254C367
	ebmlIDTag                = 0x7373
	ebmlIDTargets            = 0x63C0
	ebmlIDTagTrackUID        = 0x63C5
	ebmlIDSimpleTag          = 0x67C8
	ebmlIDTagName            = 0x45A3
	ebmlIDTagString          = 0x4487

	trackTypeVideo = 0x01
	trackTypeAudio = 0x02

	maxEBMLSizeVintBytes   = 8
	maxEBMLIDVintBytes     = 4
	defaultParserBufSize   = 256 * 1024
	maxReasonableFieldSize = 256 * 1024 * 1024
)

var errUnknownSize = errors.New("element has unknown size")

// ebmlScanner is a pull parser over a seekable Matroska file. It tracks the
// absolute offset so callers can seek back to any element it reported.
type ebmlScanner struct {
	rs     io.ReadSeeker
	br     *bufio.Reader
	offset int64
}

func newEBMLScanner(rs io.ReadSeeker) *ebmlScanner {
	return &ebmlScanner{
		rs: rs,
		br: bufio.NewReaderSize(rs, defaultParserBufSize),
	}
}

func (s *ebmlScanner) seekTo(offset int64) error {
	if _, err := s.rs.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	s.br.Reset(s.rs)
	s.offset = offset
	return nil
}

// readHeader reads an element ID and size. unknown reports the reserved
// all-ones size used by live writers.
func (s *ebmlScanner) readHeader() (id uint64, size int64, unknown bool, err error) {
	id, err = s.readElementID()
	if err != nil {
		return 0, 0, false, err
	}
	size, unknown, err = s.readElementSize()
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return 0, 0, false, err
	}
	return id, size, unknown, nil
}

func (s *ebmlScanner) readElementID() (uint64, error) {
	first, err := s.readByte()
	if err != nil {
		return 0, err
	}

	length := 1
	mask := byte(0x80)
	for length <= maxEBMLIDVintBytes && (first&mask) == 0 {
		mask >>= 1
		length++
	}
	if length > maxEBMLIDVintBytes {
		return 0, fmt.Errorf("invalid element ID first byte: 0x%02x", first)
	}

	id := uint64(first)
	for i := 1; i < length; i++ {
		b, err := s.readByte()
		if err != nil {
			return 0, err
		}
		id = (id << 8) | uint64(b)
	}
	return id, nil
}

func (s *ebmlScanner) readElementSize() (int64, bool, error) {
	first, err := s.readByte()
	if err != nil {
		return 0, false, err
	}

	length := 1
	mask := byte(0x80)
	for length <= maxEBMLSizeVintBytes && (first&mask) == 0 {
		mask >>= 1
		length++
	}
	if length > maxEBMLSizeVintBytes {
		return 0, false, fmt.Errorf("invalid size first byte: 0x%02x", first)
	}

	value := uint64(first & (mask - 1))
	unknown := value == uint64(mask-1)
	for i := 1; i < length; i++ {
		b, err := s.readByte()
		if err != nil {
			return 0, false, err
		}
		value = (value << 8) | uint64(b)
		if b != 0xFF {
			unknown = false
		}
	}

	if unknown {
		return 0, true, nil
	}
	if value > math.MaxInt64 {
		return 0, false, fmt.Errorf("element size too large: %d", value)
	}
	return int64(value), false, nil
}

func (s *ebmlScanner) readByte() (byte, error) {
	b, err := s.br.ReadByte()
	if err != nil {
		return 0, err
	}
	s.offset++
	return b, nil
}

func (s *ebmlScanner) readBytes(size int64) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	if size < 0 || size > maxReasonableFieldSize {
		return nil, fmt.Errorf("invalid read size: %d", size)
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(s.br, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	s.offset += size
	return buf, nil
}

func (s *ebmlScanner) discard(size int64) error {
	if size == 0 {
		return nil
	}
	if size < 0 {
		return fmt.Errorf("invalid discard size: %d", size)
	}
	// Large skips go through Seek instead of the buffer.
	if size > int64(s.br.Buffered()) {
		return s.seekTo(s.offset + size)
	}
	n, err := s.br.Discard(int(size))
	s.offset += int64(n)
	return err
}

func (s *ebmlScanner) readUnsignedInt(size int64) (uint64, error) {
	if size < 0 || size > 8 {
		return 0, fmt.Errorf("invalid integer size: %d", size)
	}
	buf, err := s.readBytes(size)
	if err != nil {
		return 0, err
	}
	return decodeUInt(buf), nil
}

func decodeUInt(buf []byte) uint64 {
	var v uint64
	for _, b := range buf {
		v = (v << 8) | uint64(b)
	}
	return v
}

// parseVint decodes a length-prefixed integer with the marker bit removed.
func parseVint(data []byte) (uint64, int) {
	if len(data) == 0 {
		return 0, 0
	}

	first := data[0]
	size := 1
	mask := byte(0x80)
	for size <= maxEBMLSizeVintBytes && first&mask == 0 {
		mask >>= 1
		size++
	}
	if size > maxEBMLSizeVintBytes || len(data) < size {
		return 0, 0
	}

	value := uint64(first & (mask - 1))
	for i := 1; i < size; i++ {
		value = (value << 8) | uint64(data[i])
	}
	return value, size
}

// parseSignedVint decodes the signed size deltas used by EBML lacing.
func parseSignedVint(data []byte) (int64, int) {
	v, n := parseVint(data)
	if n == 0 {
		return 0, 0
	}
	bias := int64(1)<<(uint(7*n)-1) - 1
	return int64(v) - bias, n
}

func writeEBMLElement(wr io.Writer, id uint32, data []byte) error {
	if err := writeEBMLID(wr, id); err != nil {
		return err
	}
	if err := writeVarInt(wr, uint64(len(data))); err != nil {
		return err
	}
	_, err := wr.Write(data)
	return err
}

func writeEBMLID(wr io.Writer, id uint32) error {
	switch {
	case id <= 0xFF:
		_, err := wr.Write([]byte{byte(id)})
		return err
	case id <= 0xFFFF:
		return binary.Write(wr, binary.BigEndian, uint16(id))
	case id <= 0xFFFFFF:
		_, err := wr.Write([]byte{byte(id >> 16), byte(id >> 8), byte(id)})
		return err
	default:
		return binary.Write(wr, binary.BigEndian, id)
	}
}

// ebmlIDLen returns how many bytes writeEBMLID emits for id.
func ebmlIDLen(id uint32) int {
	switch {
	case id <= 0xFF:
		return 1
	case id <= 0xFFFF:
		return 2
	case id <= 0xFFFFFF:
		return 3
	default:
		return 4
	}
}

// varIntLen returns the shortest vint length able to hold n. All-ones values
// are reserved for "unknown" and therefore need one more byte.
func varIntLen(n uint64) int {
	for length := 1; length <= maxEBMLSizeVintBytes; length++ {
		if n < (uint64(1)<<(7*uint(length)))-1 {
			return length
		}
	}
	return 0
}

func writeVarInt(wr io.Writer, n uint64) error {
	length := varIntLen(n)
	if length == 0 {
		return fmt.Errorf("VarInt too large: %d", n)
	}
	return writeVarIntFixed(wr, n, length)
}

// writeVarIntFixed writes n using exactly length bytes so the value can be
// patched in place later.
func writeVarIntFixed(wr io.Writer, n uint64, length int) error {
	if length < 1 || length > maxEBMLSizeVintBytes || n >= (uint64(1)<<(7*uint(length)))-1 {
		return fmt.Errorf("VarInt %d does not fit in %d bytes", n, length)
	}
	buf := make([]byte, length)
	for i := length - 1; i >= 0; i-- {
		buf[i] = byte(n)
		n >>= 8
	}
	buf[0] |= byte(0x80 >> uint(length-1))
	_, err := wr.Write(buf)
	return err
}

func encodeUInt(n uint64) []byte {
	buf := make([]byte, 8)
	size := 0
	for i := 7; i >= 0; i-- {
		if n>>(uint(i)*8) > 0 || size > 0 {
			buf[size] = byte(n >> (uint(i) * 8))
			size++
		}
	}
	if size == 0 {
		return []byte{0}
	}
	return buf[:size]
}

func encodeUIntFixed(n uint64, width int) []byte {
	buf := make([]byte, width)
	for i := width - 1; i >= 0; i-- {
		buf[i] = byte(n)
		n >>= 8
	}
	return buf
}

func encodeFloat(f float64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, math.Float64bits(f))
	return buf
}

// ebmlBuilder accumulates child elements of a master element.
type ebmlBuilder struct {
	buf bytes.Buffer
	err error
}

func (b *ebmlBuilder) add(id uint32, data []byte) {
	if b.err != nil {
		return
	}
	b.err = writeEBMLElement(&b.buf, id, data)
}

func (b *ebmlBuilder) uint(id uint32, v uint64) {
	b.add(id, encodeUInt(v))
}

func (b *ebmlBuilder) float(id uint32, v float64) {
	b.add(id, encodeFloat(v))
}

func (b *ebmlBuilder) str(id uint32, v string) {
	b.add(id, []byte(v))
}

func (b *ebmlBuilder) master(id uint32, child *ebmlBuilder) {
	if b.err == nil && child.err != nil {
		b.err = child.err
	}
	b.add(id, child.buf.Bytes())
}

func (b *ebmlBuilder) bytes() ([]byte, error) {
	return b.buf.Bytes(), b.err
}
