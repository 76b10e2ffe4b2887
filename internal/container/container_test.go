package container

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Azunyan1111/go-media-pipeline/internal/av"
)

var (
	vp8Params = av.CodecParameters{
		Kind:        av.KindVideo,
		Codec:       av.CodecVP8,
		Width:       64,
		Height:      48,
		PixelFormat: av.PixFmtYUV420P,
	}
	opusParams = av.CodecParameters{
		Kind:       av.KindAudio,
		Codec:      av.CodecOpus,
		SampleRate: 48000,
		Channels:   2,
		Extradata:  []byte("OpusHead\x01\x02\x38\x01\x80\xbb\x00\x00\x00\x00\x00"),
	}
	aacParams = av.CodecParameters{
		Kind:       av.KindAudio,
		Codec:      av.CodecAAC,
		SampleRate: 44100,
		Channels:   2,
		Extradata:  []byte{0x12, 0x10},
	}
)

func payload(stream, n int) []byte {
	return []byte{byte(stream), byte(n >> 8), byte(n), 0xAA, 0x55}
}

// writeAV writes a 25 fps VP8 stream with a keyframe every second and an
// Opus stream with 20ms packets.
func writeAV(t *testing.T, path string, seconds int) {
	t.Helper()
	out, err := Create(path, Options{})
	require.NoError(t, err)
	defer out.Close()

	v, err := out.NewStream(vp8Params, av.Rational{Num: 1, Den: 1000})
	require.NoError(t, err)
	a, err := out.NewStream(opusParams, av.Rational{Num: 1, Den: 48000})
	require.NoError(t, err)
	out.SetFrameRate(v, av.Rational{Num: 25, Den: 1})
	require.NoError(t, out.WriteHeader())

	vtb := out.Stream(v).TimeBase
	atb := out.Stream(a).TimeBase
	assert.Equal(t, av.Rational{Num: 1, Den: 1000}, vtb)

	for i := 0; i < seconds*25; i++ {
		pkt := &av.Packet{
			StreamIndex: v,
			PTS:         av.Rescale(int64(i*40), av.Rational{Num: 1, Den: 1000}, vtb),
			Duration:    av.Rescale(40, av.Rational{Num: 1, Den: 1000}, vtb),
			Keyframe:    i%25 == 0,
			Data:        payload(v, i),
		}
		pkt.DTS = pkt.PTS
		require.NoError(t, out.WriteInterleaved(pkt))
		assert.Nil(t, pkt.Data)

		for j := 0; j < 2; j++ {
			n := i*2 + j
			apkt := &av.Packet{
				StreamIndex: a,
				PTS:         av.Rescale(int64(n*960), av.Rational{Num: 1, Den: 48000}, atb),
				Duration:    av.Rescale(960, av.Rational{Num: 1, Den: 48000}, atb),
				Keyframe:    true,
				Data:        payload(a, n),
			}
			apkt.DTS = apkt.PTS
			require.NoError(t, out.WriteInterleaved(apkt))
		}
	}
	require.NoError(t, out.WriteTrailer())
	require.NoError(t, out.Close())
}

func readAll(t *testing.T, in *Input) []av.Packet {
	t.Helper()
	var pkts []av.Packet
	for {
		var pkt av.Packet
		err := in.ReadPacket(&pkt)
		if errors.Is(err, io.EOF) {
			return pkts
		}
		require.NoError(t, err)
		pkts = append(pkts, pkt)
	}
}

func TestVarIntRoundTrip(t *testing.T) {
	for _, n := range []uint64{0, 1, 126, 127, 128, 16382, 16383, 1 << 20, 1<<56 - 2} {
		var buf bytes.Buffer
		require.NoError(t, writeVarInt(&buf, n))
		assert.Equal(t, varIntLen(n), buf.Len())
		got, size := parseVint(buf.Bytes())
		assert.Equal(t, n, got)
		assert.Equal(t, buf.Len(), size)
	}
}

func TestVarIntFixedWidth(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeVarIntFixed(&buf, 5, 8))
	assert.Equal(t, []byte{0x01, 0, 0, 0, 0, 0, 0, 5}, buf.Bytes())
	assert.Error(t, writeVarIntFixed(&buf, 127, 1))
}

func TestEncodeUIntHasNoLeadingZeros(t *testing.T) {
	assert.Equal(t, []byte{0}, encodeUInt(0))
	assert.Equal(t, []byte{0x0F, 0x42, 0x40}, encodeUInt(1000000))
	assert.Equal(t, uint64(1000000), decodeUInt(encodeUInt(1000000)))
}

func TestSplitLaces(t *testing.T) {
	t.Run("xiph", func(t *testing.T) {
		data := []byte{2, 255, 1, 3}
		data = append(data, bytes.Repeat([]byte{1}, 256)...)
		data = append(data, 2, 2, 2, 3, 3)
		frames, err := splitLaces(data, 1)
		require.NoError(t, err)
		require.Len(t, frames, 3)
		assert.Len(t, frames[0], 256)
		assert.Equal(t, []byte{2, 2, 2}, frames[1])
		assert.Equal(t, []byte{3, 3}, frames[2])
	})
	t.Run("fixed", func(t *testing.T) {
		frames, err := splitLaces([]byte{1, 1, 2, 3, 4}, 2)
		require.NoError(t, err)
		assert.Equal(t, [][]byte{{1, 2}, {3, 4}}, frames)
	})
	t.Run("ebml", func(t *testing.T) {
		// sizes 3, 2 (delta -1), rest 1
		data := []byte{2, 0x83, 0xBE, 9, 9, 9, 8, 8, 7}
		frames, err := splitLaces(data, 3)
		require.NoError(t, err)
		assert.Equal(t, [][]byte{{9, 9, 9}, {8, 8}, {7}}, frames)
	})
	t.Run("oversized", func(t *testing.T) {
		_, err := splitLaces([]byte{1, 10, 1, 2}, 1)
		assert.Error(t, err)
	})
}

func TestMatroskaRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "av.mkv")
	writeAV(t, path, 3)

	in, err := OpenInput(path, nil)
	require.NoError(t, err)
	defer in.Close()

	assert.Equal(t, "matroska", in.FormatName())
	streams := in.Streams()
	require.Len(t, streams, 2)
	assert.Equal(t, av.CodecVP8, streams[0].Params.Codec)
	assert.Equal(t, 64, streams[0].Params.Width)
	assert.Equal(t, 48, streams[0].Params.Height)
	assert.Equal(t, av.Rational{Num: 25, Den: 1}, streams[0].FrameRate)
	assert.False(t, streams[0].HasRotation)
	assert.Equal(t, av.CodecOpus, streams[1].Params.Codec)
	assert.Equal(t, 48000, streams[1].Params.SampleRate)
	assert.Equal(t, 2, streams[1].Params.Channels)
	assert.Equal(t, opusParams.Extradata, streams[1].Params.Extradata)
	assert.Equal(t, int64(3000000), in.Duration())

	pkts := readAll(t, in)
	var video, audio []av.Packet
	for _, p := range pkts {
		if p.StreamIndex == 0 {
			video = append(video, p)
		} else {
			audio = append(audio, p)
		}
	}
	require.Len(t, video, 75)
	require.Len(t, audio, 150)
	for i, p := range video {
		assert.Equal(t, int64(i*40), p.PTS)
		assert.Equal(t, p.PTS, p.DTS)
		assert.Equal(t, i%25 == 0, p.Keyframe, "frame %d", i)
		assert.Equal(t, payload(0, i), p.Data)
	}
	for i, p := range audio {
		assert.Equal(t, int64(i*20), p.PTS)
		assert.True(t, p.Keyframe)
		assert.Equal(t, payload(1, i), p.Data)
	}

	// Packets come out in decode order across streams.
	last := int64(-1)
	for _, p := range pkts {
		assert.GreaterOrEqual(t, p.DTS, last)
		last = p.DTS
	}
}

func TestMatroskaSeekBackward(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seek.webm")
	writeAV(t, path, 3)

	in, err := OpenInput(path, nil)
	require.NoError(t, err)
	defer in.Close()
	assert.Equal(t, "webm", in.FormatName())

	require.NoError(t, in.SeekBackward(1500000))
	var pkt av.Packet
	require.NoError(t, in.ReadPacket(&pkt))
	assert.Equal(t, 0, pkt.StreamIndex)
	assert.Equal(t, int64(1000), pkt.PTS)
	assert.True(t, pkt.Keyframe)

	require.NoError(t, in.SeekBackward(0))
	require.NoError(t, in.ReadPacket(&pkt))
	assert.Equal(t, int64(0), pkt.PTS)

	// Without cues the clusters are scanned.
	d := in.demux.(*matroskaDemuxer)
	pos, err := d.scanClusters(2500)
	require.NoError(t, err)
	cuePos, ok := d.cueLookup(2500)
	require.True(t, ok)
	assert.Equal(t, cuePos, pos)
}

func TestMatroskaRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rot.mkv")
	out, err := Create(path, Options{})
	require.NoError(t, err)
	v, err := out.NewStream(vp8Params, av.Rational{Num: 1, Den: 1000})
	require.NoError(t, err)
	out.SetRotation(v, -90)
	require.NoError(t, out.WriteHeader())
	require.NoError(t, out.WriteInterleaved(&av.Packet{StreamIndex: v, PTS: 0, DTS: 0, Keyframe: true, Data: []byte{1}}))
	require.NoError(t, out.WriteTrailer())
	require.NoError(t, out.Close())

	in, err := OpenInput(path, nil)
	require.NoError(t, err)
	defer in.Close()
	st := in.Stream(0)
	assert.True(t, st.HasRotation)
	assert.Equal(t, 270, st.Rotation)
}

func TestOpenInputFailures(t *testing.T) {
	dir := t.TempDir()

	_, err := OpenInput(filepath.Join(dir, "missing.mkv"), nil)
	assert.ErrorIs(t, err, av.ErrOpenFailure)

	garbage := filepath.Join(dir, "garbage.mkv")
	require.NoError(t, os.WriteFile(garbage, []byte("this is not a media file at all"), 0o644))
	_, err = OpenInput(garbage, nil)
	assert.ErrorIs(t, err, av.ErrOpenFailure)

	empty := filepath.Join(dir, "empty.mkv")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	_, err = OpenInput(empty, nil)
	assert.ErrorIs(t, err, av.ErrOpenFailure)
}

func TestInputClosedTwice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "av.mkv")
	writeAV(t, path, 1)
	in, err := OpenInput(path, nil)
	require.NoError(t, err)
	require.NoError(t, in.Close())
	assert.NoError(t, in.Close())
	var pkt av.Packet
	assert.ErrorIs(t, in.ReadPacket(&pkt), ErrClosed)
}

func TestInterleaverOrdersByDecodeTime(t *testing.T) {
	streams := []*av.StreamDescriptor{
		{Index: 0, TimeBase: av.Rational{Num: 1, Den: 1000}},
		{Index: 1, TimeBase: av.Rational{Num: 1, Den: 48000}},
	}
	il := newInterleaver(streams)
	il.push(&av.Packet{StreamIndex: 0, DTS: 0})
	il.push(&av.Packet{StreamIndex: 0, DTS: 40})
	assert.Nil(t, il.pop(false), "waits for the second stream")

	il.push(&av.Packet{StreamIndex: 1, DTS: 960})
	il.push(&av.Packet{StreamIndex: 1, DTS: 0})

	var order []int64
	for p := il.pop(false); p != nil; p = il.pop(false) {
		order = append(order, av.Rescale(p.DTS, streams[p.StreamIndex].TimeBase, av.TimeBaseMicro))
	}
	for p := il.pop(true); p != nil; p = il.pop(true) {
		order = append(order, av.Rescale(p.DTS, streams[p.StreamIndex].TimeBase, av.TimeBaseMicro))
	}
	assert.Equal(t, []int64{0, 0, 20000, 40000}, order)
}

func TestInterleaverReleasesAfterMaxDelta(t *testing.T) {
	streams := []*av.StreamDescriptor{
		{Index: 0, TimeBase: av.Rational{Num: 1, Den: 1000}},
		{Index: 1, TimeBase: av.Rational{Num: 1, Den: 1000}},
	}
	il := newInterleaver(streams)
	il.push(&av.Packet{StreamIndex: 0, DTS: 0})
	assert.Nil(t, il.pop(false))
	il.push(&av.Packet{StreamIndex: 0, DTS: 10001})
	p := il.pop(false)
	require.NotNil(t, p)
	assert.Equal(t, int64(0), p.DTS)
}

func TestWriteInterleavedRejectsUnknownStream(t *testing.T) {
	out, err := Create(filepath.Join(t.TempDir(), "x.mkv"), Options{})
	require.NoError(t, err)
	defer out.Close()
	_, err = out.NewStream(vp8Params, av.Rational{Num: 1, Den: 1000})
	require.NoError(t, err)
	require.NoError(t, out.WriteHeader())

	pkt := &av.Packet{StreamIndex: 3, Data: []byte{1}}
	err = out.WriteInterleaved(pkt)
	assert.ErrorIs(t, err, av.ErrIOFailure)
	assert.Nil(t, pkt.Data)
}

func TestOutputLifecycle(t *testing.T) {
	out, err := Create(filepath.Join(t.TempDir(), "x.mkv"), Options{})
	require.NoError(t, err)
	defer out.Close()

	assert.Error(t, out.WriteInterleaved(&av.Packet{}))
	assert.Error(t, out.WriteHeader(), "no streams")

	_, err = out.NewStream(vp8Params, av.Rational{})
	assert.Error(t, err, "invalid time base")
}

func TestWriteHeaderFailureLeavesNoFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.webm")
	out, err := Create(path, Options{})
	require.NoError(t, err)
	_, err = out.NewStream(aacParams, av.Rational{Num: 1, Den: 44100})
	require.NoError(t, err)

	err = out.WriteHeader()
	assert.ErrorIs(t, err, av.ErrUnsupportedCodec)
	assert.NoFileExists(t, path)
	assert.NoError(t, out.Close())
}

func TestWriteHeaderFailureKeepsExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "existing.ts")
	require.NoError(t, os.WriteFile(path, []byte("keep"), 0o644))
	out, err := Create(path, Options{})
	require.NoError(t, err)
	_, err = out.NewStream(vp8Params, av.Rational{Num: 1, Den: 1000})
	require.NoError(t, err)

	assert.ErrorIs(t, out.WriteHeader(), av.ErrUnsupportedCodec)
	assert.FileExists(t, path)
}

func TestFormatFromPath(t *testing.T) {
	assert.Equal(t, "webm", FormatFromPath("a/b.WEBM"))
	assert.Equal(t, "mpegts", FormatFromPath("x.ts"))
	assert.Equal(t, "mp4", FormatFromPath("x.mp4"))
	assert.Equal(t, "hls", FormatFromPath("x.m3u8"))
	assert.Equal(t, "matroska", FormatFromPath("x.mkv"))
	assert.Equal(t, "matroska", FormatFromPath("noext"))
}

func tkhdPayload(version byte, a, b, c, d int32) []byte {
	matrixAt := 40
	if version == 1 {
		matrixAt = 52
	}
	p := make([]byte, matrixAt+36+8)
	p[0] = version
	m := p[matrixAt:]
	binary.BigEndian.PutUint32(m[0:4], uint32(a))
	binary.BigEndian.PutUint32(m[4:8], uint32(b))
	binary.BigEndian.PutUint32(m[12:16], uint32(c))
	binary.BigEndian.PutUint32(m[16:20], uint32(d))
	binary.BigEndian.PutUint32(m[32:36], 0x40000000)
	return p
}

func TestParseTkhdRotation(t *testing.T) {
	const one = 0x10000
	tests := []struct {
		name       string
		version    byte
		a, b, c, d int32
		want       int
	}{
		{"identity", 0, one, 0, 0, one, 0},
		{"90", 0, 0, one, -one, 0, 90},
		{"180", 0, -one, 0, 0, -one, 180},
		{"270", 1, 0, -one, one, 0, 270},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deg, ok := parseTkhdRotation(tkhdPayload(tt.version, tt.a, tt.b, tt.c, tt.d))
			assert.True(t, ok)
			assert.Equal(t, tt.want, deg)
		})
	}
	_, ok := parseTkhdRotation([]byte{0, 0, 0, 0})
	assert.False(t, ok)
}

func TestParseMediaHeader(t *testing.T) {
	v0 := make([]byte, 24)
	binary.BigEndian.PutUint32(v0[12:16], 90000)
	binary.BigEndian.PutUint32(v0[16:20], 180000)
	ts, dur, ok := parseMediaHeader(v0)
	require.True(t, ok)
	assert.Equal(t, uint32(90000), ts)
	assert.Equal(t, uint64(180000), dur)

	v1 := make([]byte, 36)
	v1[0] = 1
	binary.BigEndian.PutUint32(v1[20:24], 1000)
	binary.BigEndian.PutUint64(v1[24:32], 5000)
	ts, dur, ok = parseMediaHeader(v1)
	require.True(t, ok)
	assert.Equal(t, uint32(1000), ts)
	assert.Equal(t, uint64(5000), dur)
}

// writeAAC writes seconds of fake AAC frames at 44.1kHz to out.
func writeAAC(t *testing.T, out *Output, seconds int) {
	t.Helper()
	a, err := out.NewStream(aacParams, av.Rational{Num: 1, Den: 44100})
	require.NoError(t, err)
	require.NoError(t, out.WriteHeader())
	tb := out.Stream(a).TimeBase

	frames := seconds * 44100 / 1024
	for i := 0; i < frames; i++ {
		pkt := &av.Packet{
			StreamIndex: a,
			PTS:         av.Rescale(int64(i*1024), av.Rational{Num: 1, Den: 44100}, tb),
			Duration:    av.Rescale(1024, av.Rational{Num: 1, Den: 44100}, tb),
			Keyframe:    true,
			Data:        bytes.Repeat([]byte{byte(i)}, 64),
		}
		pkt.DTS = pkt.PTS
		require.NoError(t, out.WriteInterleaved(pkt))
	}
	require.NoError(t, out.WriteTrailer())
	require.NoError(t, out.Close())
}

func TestMPEGTSRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audio.ts")
	out, err := Create(path, Options{})
	require.NoError(t, err)
	writeAAC(t, out, 2)

	in, err := OpenInput(path, nil)
	require.NoError(t, err)
	defer in.Close()
	assert.Equal(t, "mpegts", in.FormatName())
	require.Len(t, in.Streams(), 1)
	st := in.Stream(0)
	assert.Equal(t, av.CodecAAC, st.Params.Codec)
	assert.Equal(t, 44100, st.Params.SampleRate)
	assert.NotEmpty(t, readAll(t, in))
}

func TestHLSSingleFile(t *testing.T) {
	dir := t.TempDir()
	manifest := filepath.Join(dir, "out.m3u8")
	var segments []float64
	opts := DefaultHLSOptions()
	opts.SegmentDuration = 1
	opts.OnSegment = func(uri string, seconds float64) {
		assert.Equal(t, "out.ts", uri)
		segments = append(segments, seconds)
	}
	out, err := Create(manifest, Options{HLS: opts})
	require.NoError(t, err)
	writeAAC(t, out, 4)

	require.GreaterOrEqual(t, len(segments), 3)
	for _, d := range segments[:len(segments)-1] {
		assert.InDelta(t, 1.0, d, 0.05)
	}

	body, err := os.ReadFile(manifest)
	require.NoError(t, err)
	text := string(body)
	assert.Contains(t, text, "#EXTM3U")
	assert.Contains(t, text, "#EXT-X-BYTERANGE")
	assert.Contains(t, text, "#EXT-X-ENDLIST")
	assert.Equal(t, len(segments), strings.Count(text, "#EXTINF"))
	assert.FileExists(t, filepath.Join(dir, "out.ts"))
	assert.NoFileExists(t, manifest+".tmp")
}

func TestHLSLastSegmentCoversLastPacket(t *testing.T) {
	manifest := filepath.Join(t.TempDir(), "tail.m3u8")
	var total float64
	opts := DefaultHLSOptions()
	opts.SegmentDuration = 1
	opts.OnSegment = func(_ string, seconds float64) { total += seconds }
	out, err := Create(manifest, Options{HLS: opts})
	require.NoError(t, err)
	writeAAC(t, out, 2)

	frames := 2 * 44100 / 1024
	assert.InDelta(t, float64(frames*1024)/44100, total, 0.001)
}

func TestHLSSegmentFiles(t *testing.T) {
	dir := t.TempDir()
	manifest := filepath.Join(dir, "list.m3u8")
	out, err := Create(manifest, Options{HLS: HLSOptions{SegmentDuration: 1, ListSize: 2}})
	require.NoError(t, err)
	writeAAC(t, out, 4)

	assert.FileExists(t, filepath.Join(dir, "list0.ts"))
	assert.FileExists(t, filepath.Join(dir, "list1.ts"))
	assert.NoFileExists(t, filepath.Join(dir, "list.ts"))

	body, err := os.ReadFile(manifest)
	require.NoError(t, err)
	text := string(body)
	assert.Equal(t, 2, strings.Count(text, "#EXTINF"))
	assert.NotContains(t, text, "list0.ts")
	assert.NotContains(t, text, "#EXT-X-BYTERANGE")
}

func TestHLSRejectsVP8(t *testing.T) {
	dir := t.TempDir()
	manifest := filepath.Join(dir, "vp8.m3u8")
	out, err := Create(manifest, Options{HLS: DefaultHLSOptions()})
	require.NoError(t, err)
	_, err = out.NewStream(vp8Params, av.Rational{Num: 1, Den: 1000})
	require.NoError(t, err)

	assert.ErrorIs(t, out.WriteHeader(), av.ErrUnsupportedCodec)
	assert.NoFileExists(t, manifest)
	assert.NoFileExists(t, filepath.Join(dir, "vp8.ts"))
}
