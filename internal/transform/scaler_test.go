package transform

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Azunyan1111/go-media-pipeline/internal/av"
)

func solidFrame(t *testing.T, format av.PixelFormat, w, h int, y, u, v byte) *av.Frame {
	t.Helper()
	f := &av.Frame{}
	require.NoError(t, f.Alloc(format, w, h))
	for i, val := range []byte{y, u, v} {
		copy(f.Planes[i], bytes.Repeat([]byte{val}, len(f.Planes[i])))
	}
	f.PTS = 42
	f.Keyframe = true
	return f
}

func TestRangeLUTs(t *testing.T) {
	assert.Equal(t, byte(0), limitedToFullLuma[16])
	assert.Equal(t, byte(255), limitedToFullLuma[235])
	assert.Equal(t, byte(0), limitedToFullLuma[0])
	assert.Equal(t, byte(255), limitedToFullLuma[255])
	assert.Equal(t, byte(128), limitedToFullChroma[128])
	assert.Equal(t, byte(0), limitedToFullChroma[16])
	assert.Equal(t, byte(255), limitedToFullChroma[240])

	assert.Equal(t, byte(16), fullToLimitedLuma[0])
	assert.Equal(t, byte(235), fullToLimitedLuma[255])
	assert.Equal(t, byte(128), fullToLimitedChroma[128])
	assert.Equal(t, byte(16), fullToLimitedChroma[0])
	assert.Equal(t, byte(240), fullToLimitedChroma[255])
}

func TestScaleSolidFrame(t *testing.T) {
	tests := []struct {
		name     string
		src, dst av.PixelFormat
		w, h     int
		dw, dh   int
		in, out  [3]byte
	}{
		{"downscale same range", av.PixFmtYUV420P, av.PixFmtYUV420P, 64, 48, 32, 24, [3]byte{100, 90, 160}, [3]byte{100, 90, 160}},
		{"range only", av.PixFmtYUV420P, av.PixFmtYUVJ420P, 16, 16, 16, 16, [3]byte{235, 128, 16}, [3]byte{255, 128, 0}},
		{"upscale to full", av.PixFmtYUV420P, av.PixFmtYUVJ420P, 8, 6, 17, 13, [3]byte{16, 240, 128}, [3]byte{0, 255, 128}},
		{"full to limited", av.PixFmtYUVJ420P, av.PixFmtYUV420P, 10, 10, 5, 5, [3]byte{255, 0, 128}, [3]byte{235, 16, 128}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewScaler(tt.w, tt.h, tt.src, tt.dw, tt.dh, tt.dst, KernelBilinear)
			require.NoError(t, err)
			src := solidFrame(t, tt.src, tt.w, tt.h, tt.in[0], tt.in[1], tt.in[2])

			var dst av.Frame
			require.NoError(t, s.Scale(&dst, src))
			assert.Equal(t, tt.dw, dst.Width)
			assert.Equal(t, tt.dh, dst.Height)
			assert.Equal(t, tt.dst, dst.Format)
			assert.Equal(t, int64(42), dst.PTS)
			assert.True(t, dst.Keyframe)

			cw, ch := av.ChromaSize(tt.dw, tt.dh)
			require.Len(t, dst.Planes[0], tt.dw*tt.dh)
			require.Len(t, dst.Planes[1], cw*ch)
			for i := 0; i < 3; i++ {
				for _, v := range dst.Planes[i] {
					if !assert.Equal(t, tt.out[i], v, "plane %d", i) {
						break
					}
				}
			}
		})
	}
}

func TestScaleRejectsOtherGeometry(t *testing.T) {
	s, err := NewScaler(16, 16, av.PixFmtYUV420P, 8, 8, av.PixFmtYUV420P, KernelNearest)
	require.NoError(t, err)
	assert.True(t, s.Matches(16, 16, av.PixFmtYUV420P))
	assert.False(t, s.Matches(16, 16, av.PixFmtYUVJ420P))

	src := solidFrame(t, av.PixFmtYUV420P, 32, 16, 1, 2, 3)
	var dst av.Frame
	assert.Error(t, s.Scale(&dst, src))
}

func TestNewScalerValidation(t *testing.T) {
	_, err := NewScaler(0, 16, av.PixFmtYUV420P, 8, 8, av.PixFmtYUV420P, KernelBilinear)
	assert.Error(t, err)
	_, err = NewScaler(16, 16, av.PixFmtNone, 8, 8, av.PixFmtYUV420P, KernelBicubic)
	assert.Error(t, err)
}

func TestScalePreservesGradientOrder(t *testing.T) {
	src := &av.Frame{}
	require.NoError(t, src.Alloc(av.PixFmtYUV420P, 64, 2))
	for x := 0; x < 64; x++ {
		src.Planes[0][x] = byte(x * 4)
		src.Planes[0][64+x] = byte(x * 4)
	}
	s, err := NewScaler(64, 2, av.PixFmtYUV420P, 16, 2, av.PixFmtYUV420P, KernelBicubic)
	require.NoError(t, err)
	var dst av.Frame
	require.NoError(t, s.Scale(&dst, src))
	for x := 1; x < 16; x++ {
		assert.Greater(t, dst.Planes[0][x], dst.Planes[0][x-1])
	}
}

func TestFitWidth(t *testing.T) {
	tests := []struct {
		name         string
		w, h, max    int
		wantW, wantH int
		scaled       bool
	}{
		{"1080p to 720p", 1920, 1080, 1280, 1280, 720, true},
		{"unset", 1920, 1080, 0, 1920, 1080, false},
		{"already narrower", 640, 481, 1280, 640, 481, false},
		{"equal width", 1280, 721, 1280, 1280, 721, false},
		{"odd result rounds to even", 1000, 333, 500, 500, 166, true},
		{"tiny height", 4000, 2, 100, 100, 2, true},
		{"odd max width rounds down", 128, 72, 63, 62, 34, true},
		{"max width of one", 128, 72, 1, 2, 2, true},
		{"odd source kept without scaling", 64, 47, 0, 64, 47, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, h, scaled := FitWidth(tt.w, tt.h, tt.max)
			assert.Equal(t, tt.wantW, w)
			assert.Equal(t, tt.wantH, h)
			assert.Equal(t, tt.scaled, scaled)
			if scaled {
				assert.Zero(t, w%2)
				assert.Zero(t, h%2)
				if exact := float64(tt.h) * float64(w) / float64(tt.w); exact >= 2 {
					assert.InDelta(t, exact, float64(h), 1)
				}
			}
		})
	}
}
