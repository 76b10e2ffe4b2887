package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/Azunyan1111/go-media-pipeline/internal"
	"github.com/Azunyan1111/go-media-pipeline/internal/av"
	"github.com/Azunyan1111/go-media-pipeline/internal/metrics"
	"github.com/Azunyan1111/go-media-pipeline/internal/pipeline"
)

func main() {
	internal.SetupUsage()
	pflag.Parse()

	if err := internal.ParseArgs(); err != nil {
		pflag.Usage()
		fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
		os.Exit(1)
	}

	err := run()
	if internal.MetricsFile != "" {
		if mErr := metrics.WriteFile(internal.MetricsFile); mErr != nil {
			fmt.Fprintf(os.Stderr, "Failed to write metrics: %v\n", mErr)
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		// Status codes are negative; the exit code is their magnitude.
		os.Exit(-av.StatusCode(err))
	}
}

func run() error {
	p := pipeline.New(pipeline.Config{LoggerFactory: internal.NewLoggerFactory(internal.DebugMode)})
	paths := internal.Paths

	switch internal.Command {
	case "probe":
		var firstErr error
		for _, path := range paths {
			res, err := p.Probe(path)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			printProbe(res)
		}
		return firstErr

	case "thumbnail":
		return p.ExtractThumbnail(paths[0], paths[1], internal.Offset, pipeline.ThumbnailOptions{})

	case "transcode":
		res, err := p.Transcode(paths[0], paths[1], pipeline.TranscodeOptions{
			BitRate:  internal.BitRate,
			MaxWidth: internal.MaxWidth,
		})
		if err != nil {
			return err
		}
		fmt.Printf("%s: %dx%d, %d frames encoded, %d audio packets copied\n",
			paths[1], res.Width, res.Height, res.FramesEncoded, res.AudioPackets)
		return nil

	case "segment":
		res, err := p.Segment(paths[0], paths[1], pipeline.SegmentOptions{
			SegmentDuration: internal.SegmentDuration,
			ListSize:        internal.ListSize,
			SingleFile:      internal.SingleFile,
		})
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d streams, %d segments, %d packets\n", paths[1], res.Streams, res.Segments, res.Packets)
		return nil
	}
	return fmt.Errorf("unknown command %q", internal.Command)
}

func printProbe(res *pipeline.ProbeResult) {
	fmt.Printf("%s: %s, duration %v\n", res.Path, res.Format, time.Duration(res.Duration)*time.Microsecond)
	for _, st := range res.Streams {
		fmt.Printf("  %s", st)
		if st.FrameRate.Valid() {
			fmt.Printf(" %.3gfps", st.FrameRate.Float64())
		}
		if st.HasRotation {
			fmt.Printf(" rotate=%d", st.Rotation)
		}
		fmt.Println()
	}
}
