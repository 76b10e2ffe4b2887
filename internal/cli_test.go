package internal

import (
	"testing"

	"github.com/pion/logging"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, args ...string) error {
	t.Helper()
	require.NoError(t, pflag.CommandLine.Parse(args))
	t.Cleanup(func() {
		BitRate, MaxWidth, SegmentDuration, Jobs, Offset = 1000000, 0, 2, 4, 0
	})
	return ParseArgs()
}

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr bool
	}{
		{"probe many", []string{"probe", "a.mkv", "b.mp4"}, false},
		{"thumbnail", []string{"thumbnail", "-t", "3.5", "in.mkv", "out.jpg"}, false},
		{"transcode", []string{"transcode", "-b", "500000", "-w", "640", "in.mkv", "out.webm"}, false},
		{"segment", []string{"segment", "--segment-duration", "4", "in.mp4", "index.m3u8"}, false},
		{"missing command", []string{}, true},
		{"unknown command", []string{"play", "x"}, true},
		{"probe without files", []string{"probe"}, true},
		{"too many paths", []string{"transcode", "a", "b", "c"}, true},
		{"odd max width", []string{"transcode", "-w", "641", "a", "b"}, true},
		{"zero bitrate", []string{"transcode", "-b", "0", "a", "b"}, true},
		{"negative time", []string{"thumbnail", "-t", "-1", "a", "b"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := parse(t, tt.args...)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.args[0], Command)
		})
	}
}

func TestParseArgsFillsPaths(t *testing.T) {
	require.NoError(t, parse(t, "transcode", "-w", "1280", "in.mkv", "out.webm"))
	assert.Equal(t, []string{"in.mkv", "out.webm"}, Paths)
	assert.Equal(t, 1280, MaxWidth)
}

func TestNewLoggerFactory(t *testing.T) {
	f, ok := NewLoggerFactory(true).(*logging.DefaultLoggerFactory)
	require.True(t, ok)
	assert.Equal(t, logging.LogLevelDebug, f.DefaultLogLevel)

	f, ok = NewLoggerFactory(false).(*logging.DefaultLoggerFactory)
	require.True(t, ok)
	assert.Equal(t, logging.LogLevelInfo, f.DefaultLogLevel)
}
