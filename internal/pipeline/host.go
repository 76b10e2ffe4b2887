package pipeline

import "github.com/Azunyan1111/go-media-pipeline/internal/av"

// The functions below are the flat entry points for embedding hosts. They
// never return an error; failures are reported through sentinels and logged.

var defaultPipeline = New(Config{})

// GetMediaDuration returns the duration in microseconds, or a negative status.
func GetMediaDuration(path string) int64 {
	d, err := defaultPipeline.Duration(path)
	if err != nil {
		return int64(av.StatusCode(err))
	}
	return d
}

// GetVideoRotation returns 0, 90, 180 or 270. A failure also reads as 0.
func GetVideoRotation(path string) int {
	deg, _, err := defaultPipeline.Rotation(path)
	if err != nil {
		return 0
	}
	return deg
}

// GetVideoDimensions returns {width, height}, or nil on failure.
func GetVideoDimensions(path string) []int {
	w, h, err := defaultPipeline.Dimensions(path)
	if err != nil {
		return nil
	}
	return []int{w, h}
}

// ExtractThumbnail returns 0 on success or a negative status.
func ExtractThumbnail(inPath, outPath string, seconds float64) int {
	return av.StatusCode(defaultPipeline.ExtractThumbnail(inPath, outPath, seconds, ThumbnailOptions{}))
}

// CompressVideo returns 0 on success or a negative status.
func CompressVideo(inPath, outPath string, bitRate, maxWidth int) int {
	_, err := defaultPipeline.Transcode(inPath, outPath, TranscodeOptions{BitRate: bitRate, MaxWidth: maxWidth})
	return av.StatusCode(err)
}

// SegmentToHLS returns 0 on success or a negative status.
func SegmentToHLS(inPath, manifest string, segmentSeconds int) int {
	_, err := defaultPipeline.Segment(inPath, manifest, SegmentOptions{
		SegmentDuration: float64(segmentSeconds),
		SingleFile:      true,
	})
	return av.StatusCode(err)
}
