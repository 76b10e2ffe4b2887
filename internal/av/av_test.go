package av

import (
	"errors"
	"io"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRescale(t *testing.T) {
	tests := []struct {
		name     string
		v        int64
		from, to Rational
		want     int64
	}{
		{"ms to 90k", 1000, Rational{1, 1000}, Rational{1, 90000}, 90000},
		{"90k to ms rounds", 1500, Rational{1, 90000}, Rational{1, 1000}, 17},
		{"same base", 42, Rational{1, 25}, Rational{1, 25}, 42},
		{"negative rounds away", -3, Rational{1, 2}, Rational{1, 1}, -2},
		{"frame rate base", 3, Rational{1001, 30000}, Rational{1, 1000}, 100},
		{"large value", math.MaxInt64 / 4, Rational{1, 1000}, Rational{1, 1000000}, math.MaxInt64},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Rescale(tt.v, tt.from, tt.to))
		})
	}
}

func TestRescaleKeepsNoPTS(t *testing.T) {
	assert.Equal(t, NoPTS, Rescale(NoPTS, Rational{1, 1000}, Rational{1, 90000}))
}

func TestPacketRescale(t *testing.T) {
	pkt := Packet{PTS: 40, DTS: 20, Duration: 20}
	pkt.Rescale(Rational{1, 1000}, Rational{1, 90000})
	assert.Equal(t, int64(3600), pkt.PTS)
	assert.Equal(t, int64(1800), pkt.DTS)
	assert.Equal(t, int64(1800), pkt.Duration)
}

func TestPacketMoveTo(t *testing.T) {
	src := Packet{StreamIndex: 1, PTS: 5, DTS: 5, Pos: 100, Data: []byte{1, 2}}
	var dst Packet
	src.MoveTo(&dst)

	assert.Equal(t, []byte{1, 2}, dst.Data)
	assert.Equal(t, int64(100), dst.Pos)
	assert.Nil(t, src.Data)
	assert.Equal(t, NoPTS, src.PTS)
	assert.Equal(t, int64(-1), src.Pos)
}

func TestStreamIndexMap(t *testing.T) {
	streams := []StreamDescriptor{
		{Index: 0, Params: CodecParameters{Kind: KindOther}},
		{Index: 1, Params: CodecParameters{Kind: KindVideo}},
		{Index: 2, Params: CodecParameters{Kind: KindOther}},
		{Index: 3, Params: CodecParameters{Kind: KindAudio}},
		{Index: 4, Params: CodecParameters{Kind: KindAudio}},
	}
	m := NewStreamIndexMap(streams, KeepAudioVideo)

	assert.Equal(t, StreamIndexMap{Dropped, 0, Dropped, 1, 2}, m)
	assert.Equal(t, 3, m.Outputs())

	out, ok := m.Lookup(3)
	assert.True(t, ok)
	assert.Equal(t, 1, out)

	for _, in := range []int{0, 2, -1, 5, 99} {
		_, ok := m.Lookup(in)
		assert.False(t, ok, "input %d", in)
	}
}

func TestCodecParametersCloneIsDeep(t *testing.T) {
	p := CodecParameters{Codec: CodecAAC, Extradata: []byte{0x12, 0x10}}
	c := p.Clone()
	c.Extradata[0] = 0xFF
	assert.Equal(t, byte(0x12), p.Extradata[0])
}

func TestFrameAllocOddSize(t *testing.T) {
	var f Frame
	require.NoError(t, f.Alloc(PixFmtYUV420P, 5, 3))
	assert.Len(t, f.Planes[0], 15)
	assert.Len(t, f.Planes[1], 6)
	assert.Equal(t, [3]int{5, 3, 3}, f.Strides)

	img := f.Image()
	assert.Equal(t, 5, img.Rect.Dx())

	assert.Error(t, f.Alloc(PixFmtNone, 4, 4))
	assert.Error(t, f.Alloc(PixFmtYUV420P, 0, 4))
}

func TestNormalizeRotation(t *testing.T) {
	assert.Equal(t, 270, NormalizeRotation(-90))
	assert.Equal(t, 0, NormalizeRotation(360))
	assert.Equal(t, 90, NormalizeRotation(450))
}

func TestStageErrorClassification(t *testing.T) {
	inner := Fail("open input", ErrOpenFailure, io.ErrUnexpectedEOF)
	outer := Fail("transcode", ErrIOFailure, inner)

	assert.ErrorIs(t, outer, ErrOpenFailure)
	assert.ErrorIs(t, outer, io.ErrUnexpectedEOF)
	assert.Equal(t, "transcode", StageOf(outer))
	assert.Equal(t, StatusOpenFailure, StatusCode(outer))

	assert.Equal(t, StatusOK, StatusCode(nil))
	assert.Equal(t, StatusUnknownFailure, StatusCode(errors.New("boom")))
	assert.Equal(t, StatusEncodeFailure, StatusCode(Failf("encode", ErrEncodeFailure, "no packet")))
}
