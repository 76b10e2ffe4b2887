// Package transform converts frames between geometries and colour ranges.
package transform

import (
	"fmt"
	"image"
	"math"

	"golang.org/x/image/draw"

	"github.com/Azunyan1111/go-media-pipeline/internal/av"
)

// Kernel selects the resampling filter.
type Kernel int

const (
	KernelBilinear Kernel = iota
	KernelBicubic
	KernelNearest
)

func (k Kernel) interpolator() draw.Interpolator {
	switch k {
	case KernelBicubic:
		return draw.CatmullRom
	case KernelNearest:
		return draw.NearestNeighbor
	default:
		return draw.BiLinear
	}
}

// Scaler converts frames of one fixed source geometry and pixel format into
// another. Each plane is resampled on its own, then the range is remapped.
type Scaler struct {
	srcW, srcH int
	srcFmt     av.PixelFormat
	dstW, dstH int
	dstFmt     av.PixelFormat
	interp     draw.Interpolator

	lumaLUT   *[256]byte
	chromaLUT *[256]byte
}

// NewScaler builds a scaler. Both formats must be 4:2:0 planar.
func NewScaler(srcW, srcH int, srcFmt av.PixelFormat, dstW, dstH int, dstFmt av.PixelFormat, kernel Kernel) (*Scaler, error) {
	if srcW <= 0 || srcH <= 0 || dstW <= 0 || dstH <= 0 {
		return nil, fmt.Errorf("invalid scale %dx%d -> %dx%d", srcW, srcH, dstW, dstH)
	}
	for _, f := range []av.PixelFormat{srcFmt, dstFmt} {
		if f != av.PixFmtYUV420P && f != av.PixFmtYUVJ420P {
			return nil, fmt.Errorf("unsupported pixel format %s", f)
		}
	}
	s := &Scaler{
		srcW:   srcW,
		srcH:   srcH,
		srcFmt: srcFmt,
		dstW:   dstW,
		dstH:   dstH,
		dstFmt: dstFmt,
		interp: kernel.interpolator(),
	}
	switch {
	case !srcFmt.FullRange() && dstFmt.FullRange():
		s.lumaLUT, s.chromaLUT = &limitedToFullLuma, &limitedToFullChroma
	case srcFmt.FullRange() && !dstFmt.FullRange():
		s.lumaLUT, s.chromaLUT = &fullToLimitedLuma, &fullToLimitedChroma
	}
	return s, nil
}

// Matches reports whether frames of this geometry can go through s.
func (s *Scaler) Matches(width, height int, format av.PixelFormat) bool {
	return width == s.srcW && height == s.srcH && format == s.srcFmt
}

// Scale writes the converted src into dst, allocating dst's planes as needed.
func (s *Scaler) Scale(dst, src *av.Frame) error {
	if !s.Matches(src.Width, src.Height, src.Format) {
		return fmt.Errorf("scaler configured for %dx%d %s, got %dx%d %s",
			s.srcW, s.srcH, s.srcFmt, src.Width, src.Height, src.Format)
	}
	if err := dst.Alloc(s.dstFmt, s.dstW, s.dstH); err != nil {
		return err
	}
	dst.PTS = src.PTS
	dst.Keyframe = src.Keyframe

	scw, sch := av.ChromaSize(s.srcW, s.srcH)
	dcw, dch := av.ChromaSize(s.dstW, s.dstH)
	for i := 0; i < 3; i++ {
		sw, sh, dw, dh := s.srcW, s.srcH, s.dstW, s.dstH
		lut := s.lumaLUT
		if i > 0 {
			sw, sh, dw, dh = scw, sch, dcw, dch
			lut = s.chromaLUT
		}
		srcPlane := planeImage(src.Planes[i], src.Strides[i], sw, sh)
		dstPlane := planeImage(dst.Planes[i], dst.Strides[i], dw, dh)
		if sw == dw && sh == dh {
			for y := 0; y < dh; y++ {
				copy(dstPlane.Pix[y*dstPlane.Stride:y*dstPlane.Stride+dw], srcPlane.Pix[y*srcPlane.Stride:y*srcPlane.Stride+sw])
			}
		} else {
			s.interp.Scale(dstPlane, dstPlane.Bounds(), srcPlane, srcPlane.Bounds(), draw.Src, nil)
		}
		if lut != nil {
			applyLUT(dstPlane, lut)
		}
	}
	return nil
}

func planeImage(pix []byte, stride, w, h int) *image.Gray {
	return &image.Gray{Pix: pix, Stride: stride, Rect: image.Rect(0, 0, w, h)}
}

func applyLUT(img *image.Gray, lut *[256]byte) {
	w := img.Rect.Dx()
	for y := 0; y < img.Rect.Dy(); y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w]
		for x, v := range row {
			row[x] = lut[v]
		}
	}
}

var (
	limitedToFullLuma   [256]byte
	limitedToFullChroma [256]byte
	fullToLimitedLuma   [256]byte
	fullToLimitedChroma [256]byte
)

func init() {
	for i := 0; i < 256; i++ {
		v := float64(i)
		limitedToFullLuma[i] = clampToByte((v - 16) * 255 / 219)
		// Chroma rounds around the 128 midpoint so both ends map symmetrically.
		limitedToFullChroma[i] = clampToByte(128 + math.Round((v-128)*255/224))
		fullToLimitedLuma[i] = clampToByte(v*219/255 + 16)
		fullToLimitedChroma[i] = clampToByte(128 + math.Round((v-128)*224/255))
	}
}

func clampToByte(v float64) byte {
	v = math.Round(v)
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}

// FitWidth returns the output size for a source downscaled to at most
// maxWidth pixels wide. An odd maxWidth is lowered to the even value below it
// and the height keeps the aspect ratio, rounded to an even value no smaller
// than 2. Sources already narrow enough keep their exact size, odd or not.
func FitWidth(width, height, maxWidth int) (int, int, bool) {
	if maxWidth <= 0 || width <= maxWidth {
		return width, height, false
	}
	maxWidth = max(maxWidth&^1, 2)
	exact := float64(height) * float64(maxWidth) / float64(width)
	h := int(math.Round(exact/2)) * 2
	if h < 2 {
		h = 2
	}
	return maxWidth, h, true
}
