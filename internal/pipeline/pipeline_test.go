package pipeline

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/grafov/m3u8"
	"github.com/pion/logging"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Azunyan1111/go-media-pipeline/internal/av"
	"github.com/Azunyan1111/go-media-pipeline/internal/container"
	"github.com/Azunyan1111/go-media-pipeline/internal/mediatest"
	"github.com/Azunyan1111/go-media-pipeline/internal/metrics"
)

func newTestPipeline() *Pipeline {
	f := logging.NewDefaultLoggerFactory()
	f.Writer = io.Discard
	f.DefaultLogLevel = logging.LogLevelDisabled
	return New(Config{LoggerFactory: f})
}

func writeFixture(t *testing.T, name string, opts mediatest.Options) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, mediatest.WriteVP8(path, opts))
	return path
}

func writeAACFixture(t *testing.T, seconds int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audio.mkv")
	require.NoError(t, mediatest.WriteAAC(path, seconds))
	return path
}

// packetsOf returns the payloads of every packet of the first stream of kind.
func packetsOf(t *testing.T, path string, kind av.MediaKind) (av.StreamDescriptor, [][]byte) {
	t.Helper()
	in, err := container.OpenInput(path, nil)
	require.NoError(t, err)
	defer in.Close()

	idx := av.FindFirst(in.Streams(), kind)
	require.GreaterOrEqual(t, idx, 0, "no %s stream in %s", kind, path)

	var out [][]byte
	var pkt av.Packet
	for {
		err := in.ReadPacket(&pkt)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		if pkt.StreamIndex == idx {
			out = append(out, append([]byte(nil), pkt.Data...))
		}
		pkt.Unref()
	}
	return in.Stream(idx), out
}

func TestProbe(t *testing.T) {
	p := newTestPipeline()
	opts := mediatest.Options{Audio: true, Rotation: 90}
	path := writeFixture(t, "probe.webm", opts)

	d, err := p.Duration(path)
	require.NoError(t, err)
	assert.InDelta(t, opts.DurationUs(), d, 60000)

	w, h, err := p.Dimensions(path)
	require.NoError(t, err)
	assert.Equal(t, 64, w)
	assert.Equal(t, 48, h)

	deg, present, err := p.Rotation(path)
	require.NoError(t, err)
	assert.True(t, present)
	assert.Equal(t, 90, deg)

	res, err := p.Probe(path)
	require.NoError(t, err)
	assert.Equal(t, "webm", res.Format)
	require.Len(t, res.Streams, 2)
	assert.Equal(t, av.KindVideo, res.Streams[0].Kind())
	assert.Equal(t, av.KindAudio, res.Streams[1].Kind())
	assert.Equal(t, d, res.Duration)

	assert.Equal(t, d, GetMediaDuration(path))
	assert.Equal(t, 90, GetVideoRotation(path))
	assert.Equal(t, []int{64, 48}, GetVideoDimensions(path))
}

func TestRotationAbsent(t *testing.T) {
	p := newTestPipeline()
	path := writeFixture(t, "plain.mkv", mediatest.Options{Frames: 5})

	deg, present, err := p.Rotation(path)
	require.NoError(t, err)
	assert.False(t, present)
	assert.Zero(t, deg)
}

func TestProbeFailures(t *testing.T) {
	p := newTestPipeline()
	dir := t.TempDir()
	missing := filepath.Join(dir, "missing.mkv")
	garbage := filepath.Join(dir, "garbage.bin")
	require.NoError(t, os.WriteFile(garbage, []byte(strings.Repeat("not media ", 100)), 0o644))
	audioOnly := writeAACFixture(t, 1)

	tests := []struct {
		name string
		path string
		kind error
	}{
		{"missing file", missing, av.ErrOpenFailure},
		{"unknown format", garbage, av.ErrOpenFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Duration(tt.path)
			assert.ErrorIs(t, err, tt.kind)
			_, _, err = p.Dimensions(tt.path)
			assert.ErrorIs(t, err, tt.kind)
			assert.Equal(t, int64(av.StatusOpenFailure), GetMediaDuration(tt.path))
			assert.Less(t, GetMediaDuration(tt.path), int64(0))
			assert.Zero(t, GetVideoRotation(tt.path))
			assert.Nil(t, GetVideoDimensions(tt.path))
		})
	}

	t.Run("no video stream", func(t *testing.T) {
		_, _, err := p.Dimensions(audioOnly)
		assert.ErrorIs(t, err, av.ErrStreamDiscovery)
		assert.Nil(t, GetVideoDimensions(audioOnly))
		assert.Zero(t, GetVideoRotation(audioOnly))

		d, err := p.Duration(audioOnly)
		require.NoError(t, err)
		assert.Greater(t, d, int64(0))
	})
}

func TestExtractThumbnail(t *testing.T) {
	p := newTestPipeline()
	src := writeFixture(t, "thumb.webm", mediatest.Options{Audio: true})
	dir := t.TempDir()

	for _, offset := range []float64{0, 1.2, 100} {
		out := filepath.Join(dir, "thumb.jpg")
		require.NoError(t, p.ExtractThumbnail(src, out, offset, ThumbnailOptions{}), "offset %v", offset)

		img, err := imaging.Open(out)
		require.NoError(t, err)
		assert.Equal(t, 64, img.Bounds().Dx())
		assert.Equal(t, 48, img.Bounds().Dy())
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files left behind")

	assert.Equal(t, av.StatusOK, ExtractThumbnail(src, filepath.Join(dir, "host.jpg"), 0.5))
}

func TestExtractThumbnailFailures(t *testing.T) {
	p := newTestPipeline()
	audioOnly := writeAACFixture(t, 1)
	out := filepath.Join(t.TempDir(), "thumb.jpg")

	err := p.ExtractThumbnail(audioOnly, out, 0, ThumbnailOptions{})
	assert.ErrorIs(t, err, av.ErrStreamDiscovery)
	assert.Equal(t, "discover", av.StageOf(err))
	assert.NoFileExists(t, out)

	assert.Equal(t, av.StatusOpenFailure, ExtractThumbnail(filepath.Join(t.TempDir(), "nope.webm"), out, 0))
	assert.NoFileExists(t, out)
}

func TestTranscodeKeepsSizeAndAudio(t *testing.T) {
	p := newTestPipeline()
	src := writeFixture(t, "src.webm", mediatest.Options{Audio: true, Rotation: 270})
	out := filepath.Join(t.TempDir(), "out.webm")

	encodedBefore := testutil.ToFloat64(metrics.FramesEncodedTotal)
	res, err := p.Transcode(src, out, TranscodeOptions{BitRate: 200000})
	require.NoError(t, err)
	assert.Equal(t, 64, res.Width)
	assert.Equal(t, 48, res.Height)
	assert.Equal(t, 50, res.FramesEncoded)
	assert.Equal(t, 50, res.VideoPackets)
	assert.Zero(t, res.DecodeErrors)
	assert.Equal(t, encodedBefore+50, testutil.ToFloat64(metrics.FramesEncodedTotal))

	w, h, err := p.Dimensions(out)
	require.NoError(t, err)
	assert.Equal(t, 64, w)
	assert.Equal(t, 48, h)

	deg, present, err := p.Rotation(out)
	require.NoError(t, err)
	assert.True(t, present)
	assert.Equal(t, 270, deg)

	srcAudio, srcPkts := packetsOf(t, src, av.KindAudio)
	outAudio, outPkts := packetsOf(t, out, av.KindAudio)
	assert.Equal(t, srcAudio.Params.Codec, outAudio.Params.Codec)
	assert.Equal(t, srcAudio.Params.Extradata, outAudio.Params.Extradata)
	assert.Equal(t, len(srcPkts), res.AudioPackets)
	assert.Equal(t, srcPkts, outPkts)

	_, videoPkts := packetsOf(t, out, av.KindVideo)
	assert.Len(t, videoPkts, 50)
}

func TestTranscodeDownscale(t *testing.T) {
	p := newTestPipeline()
	src := writeFixture(t, "wide.mkv", mediatest.Options{Width: 128, Height: 72, Frames: 10})
	out := filepath.Join(t.TempDir(), "small.webm")

	assert.Equal(t, av.StatusOK, CompressVideo(src, out, 150000, 64))

	probe, err := p.Probe(out)
	require.NoError(t, err)
	require.Len(t, probe.Streams, 1, "video only input gives a video only output")
	assert.Equal(t, 64, probe.Streams[0].Params.Width)
	assert.Equal(t, 36, probe.Streams[0].Params.Height)
	assert.Equal(t, av.CodecVP8, probe.Streams[0].Params.Codec)

	odd := filepath.Join(t.TempDir(), "odd.webm")
	assert.Equal(t, av.StatusOK, CompressVideo(src, odd, 150000, 63))
	w, h, err := p.Dimensions(odd)
	require.NoError(t, err)
	assert.Equal(t, 62, w, "odd max width rounds down to even")
	assert.Equal(t, 34, h)
}

func TestTranscodeFailures(t *testing.T) {
	p := newTestPipeline()
	dir := t.TempDir()

	t.Run("no video stream", func(t *testing.T) {
		out := filepath.Join(dir, "a.webm")
		_, err := p.Transcode(writeAACFixture(t, 1), out, TranscodeOptions{})
		assert.ErrorIs(t, err, av.ErrStreamDiscovery)
		assert.NoFileExists(t, out)
	})

	t.Run("container cannot carry vp8", func(t *testing.T) {
		src := writeFixture(t, "v.webm", mediatest.Options{Frames: 5})
		out := filepath.Join(dir, "v.mp4")
		_, err := p.Transcode(src, out, TranscodeOptions{})
		assert.ErrorIs(t, err, av.ErrUnsupportedCodec)
		assert.Equal(t, "write header", av.StageOf(err))
		assert.NoFileExists(t, out)
		assert.Equal(t, av.StatusUnsupportedCodec, CompressVideo(src, out, 0, 0))
	})
}

func TestSegment(t *testing.T) {
	p := newTestPipeline()
	src := writeAACFixture(t, 4)
	dir := t.TempDir()
	manifest := filepath.Join(dir, "index.m3u8")

	segmentsBefore := testutil.ToFloat64(metrics.SegmentsWrittenTotal)
	res, err := p.Segment(src, manifest, SegmentOptions{SegmentDuration: 1, SingleFile: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Streams)
	assert.GreaterOrEqual(t, res.Segments, 3)
	assert.Equal(t, segmentsBefore+float64(res.Segments), testutil.ToFloat64(metrics.SegmentsWrittenTotal))

	_, srcPkts := packetsOf(t, src, av.KindAudio)
	assert.Equal(t, len(srcPkts), res.Packets)

	body, err := os.ReadFile(manifest)
	require.NoError(t, err)
	assert.Equal(t, res.Segments, strings.Count(string(body), "#EXTINF"))
	assert.Contains(t, string(body), "#EXT-X-ENDLIST")
	assert.FileExists(t, filepath.Join(dir, "index.ts"))

	again, err := p.Segment(src, filepath.Join(dir, "again.m3u8"), SegmentOptions{SegmentDuration: 1, SingleFile: true})
	require.NoError(t, err)
	assert.Equal(t, res, again)

	assert.Equal(t, av.StatusOK, SegmentToHLS(src, filepath.Join(dir, "host.m3u8"), 2))
}

func TestSegmentH264CutsOnKeyframes(t *testing.T) {
	p := newTestPipeline()
	src := filepath.Join(t.TempDir(), "h264.mkv")
	require.NoError(t, mediatest.WriteH264(src, 4))
	dir := t.TempDir()
	manifest := filepath.Join(dir, "index.m3u8")

	in, err := container.OpenInput(src, nil)
	require.NoError(t, err)
	require.Len(t, in.Streams(), 3)
	assert.Equal(t, av.KindOther, in.Stream(1).Kind())
	require.NoError(t, in.Close())

	// Keyframes arrive once a second, so half-second targets stretch to one second.
	res, err := p.Segment(src, manifest, SegmentOptions{SegmentDuration: 0.5, SingleFile: true})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Streams)
	assert.Equal(t, 4, res.Segments)

	_, video := packetsOf(t, src, av.KindVideo)
	_, audio := packetsOf(t, src, av.KindAudio)
	require.Len(t, res.StreamPackets, 2)
	assert.Equal(t, []int{len(video), len(audio)}, res.StreamPackets)
	assert.Equal(t, len(video)+len(audio), res.Packets, "subtitle packets are not copied")

	f, err := os.Open(manifest)
	require.NoError(t, err)
	defer f.Close()
	pl, listType, err := m3u8.DecodeFrom(f, false)
	require.NoError(t, err)
	require.Equal(t, m3u8.MEDIA, listType)
	var durations []float64
	for _, seg := range pl.(*m3u8.MediaPlaylist).Segments {
		if seg != nil {
			durations = append(durations, seg.Duration)
		}
	}
	require.Len(t, durations, 4)
	for i, d := range durations {
		assert.InDelta(t, 1.0, d, 0.05, "segment %d", i)
	}

	out, err := container.OpenInput(filepath.Join(dir, "index.ts"), nil)
	require.NoError(t, err)
	defer out.Close()
	streams := out.Streams()
	require.Len(t, streams, 2)
	assert.Equal(t, av.CodecH264, streams[0].Params.Codec)
	assert.Equal(t, av.CodecAAC, streams[1].Params.Codec)

	var frames int
	var pkt av.Packet
	for {
		err := out.ReadPacket(&pkt)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		if pkt.StreamIndex == 0 {
			frames++
		}
		pkt.Unref()
	}
	// The last PES of a stream may be lost at end of file.
	assert.GreaterOrEqual(t, frames, len(video)-1)
}

func TestSegmentFailures(t *testing.T) {
	p := newTestPipeline()
	dir := t.TempDir()

	src := writeFixture(t, "vp8.webm", mediatest.Options{Frames: 5})
	manifest := filepath.Join(dir, "vp8.m3u8")
	_, err := p.Segment(src, manifest, SegmentOptions{SegmentDuration: 1, SingleFile: true})
	assert.ErrorIs(t, err, av.ErrUnsupportedCodec)
	assert.NoFileExists(t, manifest)

	assert.Equal(t, av.StatusOpenFailure, SegmentToHLS(filepath.Join(dir, "missing.mkv"), manifest, 2))
}

func TestGuessFrameRate(t *testing.T) {
	tests := []struct {
		name string
		st   av.StreamDescriptor
		want av.Rational
	}{
		{"container rate", av.StreamDescriptor{FrameRate: av.Rational{Num: 60, Den: 2}, TimeBase: av.Rational{Num: 1, Den: 1000}}, av.Rational{Num: 30, Den: 1}},
		{"frame time base", av.StreamDescriptor{TimeBase: av.Rational{Num: 1, Den: 24}}, av.Rational{Num: 24, Den: 1}},
		{"millisecond time base", av.StreamDescriptor{TimeBase: av.Rational{Num: 1, Den: 1000}}, av.Rational{Num: 25, Den: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, guessFrameRate(tt.st))
		})
	}
}
