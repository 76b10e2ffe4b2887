package internal

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
)

var (
	DebugMode       bool
	MetricsFile     string
	Offset          float64
	BitRate         int
	MaxWidth        int
	SegmentDuration float64
	ListSize        int
	SingleFile      bool
	Jobs            int

	// Command and Paths are filled by ParseArgs from the positional arguments.
	Command string
	Paths   []string
)

func init() {
	pflag.BoolVarP(&DebugMode, "debug", "d", false, "Enable debug logging")
	pflag.StringVar(&MetricsFile, "metrics-file", "", "Write Prometheus metrics to this file on exit")
	pflag.Float64VarP(&Offset, "time", "t", 0, "Thumbnail position in seconds")
	pflag.IntVarP(&BitRate, "bitrate", "b", 1000000, "Target video bitrate in bits per second")
	pflag.IntVarP(&MaxWidth, "max-width", "w", 0, "Downscale wider videos to this width (0 keeps the size)")
	pflag.Float64Var(&SegmentDuration, "segment-duration", 2, "Target HLS segment duration in seconds")
	pflag.IntVar(&ListSize, "list-size", 0, "Maximum number of playlist entries (0 keeps all)")
	pflag.BoolVar(&SingleFile, "single-file", true, "Store HLS segments as byte ranges of one .ts file")
	pflag.IntVarP(&Jobs, "jobs", "j", 4, "Number of files probed in parallel")
}

var commandArgs = map[string]int{
	"probe":     -1,
	"thumbnail": 2,
	"transcode": 2,
	"segment":   2,
}

func SetupUsage() {
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "mediapipe - Probe, thumbnail, transcode and segment media files\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  %s [flags] probe FILE...\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s [flags] thumbnail INPUT OUTPUT.jpg\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s [flags] transcode INPUT OUTPUT.webm\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s [flags] segment INPUT PLAYLIST.m3u8\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  %s thumbnail -t 12.5 input.mkv thumb.jpg\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s transcode -b 2000000 -w 1280 input.mkv output.webm\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s segment --segment-duration 4 input.mp4 out/index.m3u8\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		pflag.PrintDefaults()
	}
}

// ParseArgs validates the flags and splits the positional arguments into
// Command and Paths.
func ParseArgs() error {
	args := pflag.Args()
	if len(args) == 0 {
		return fmt.Errorf("missing command")
	}
	Command, Paths = args[0], args[1:]

	want, ok := commandArgs[Command]
	if !ok {
		return fmt.Errorf("unknown command %q", Command)
	}
	if want < 0 && len(Paths) == 0 {
		return fmt.Errorf("%s needs at least one file", Command)
	}
	if want > 0 && len(Paths) != want {
		return fmt.Errorf("%s needs %d paths, got %d", Command, want, len(Paths))
	}
	return validateFlags()
}

func SetupProbeUsage() {
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "mediaprobe - Print stream information for many media files\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  %s [flags] FILE...\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  %s -j 8 videos/*.mp4\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		pflag.PrintDefaults()
	}
}

// ParseProbeArgs is ParseArgs for mediaprobe, where every argument is a file.
func ParseProbeArgs() error {
	Command, Paths = "probe", pflag.Args()
	if len(Paths) == 0 {
		return fmt.Errorf("no files given")
	}
	return validateFlags()
}

func validateFlags() error {
	switch {
	case Offset < 0:
		return fmt.Errorf("--time must not be negative")
	case BitRate <= 0:
		return fmt.Errorf("--bitrate must be positive")
	case MaxWidth < 0:
		return fmt.Errorf("--max-width must not be negative")
	case MaxWidth%2 != 0:
		return fmt.Errorf("--max-width must be even")
	case SegmentDuration <= 0:
		return fmt.Errorf("--segment-duration must be positive")
	case ListSize < 0:
		return fmt.Errorf("--list-size must not be negative")
	case Jobs < 1:
		return fmt.Errorf("--jobs must be at least 1")
	}
	return nil
}
