// Package container opens media files for reading and writing. Inputs expose
// stream descriptors and packets; outputs accept streams and interleaved
// packets and are finalized by a trailer.
package container

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pion/logging"

	"github.com/Azunyan1111/go-media-pipeline/internal/av"
)

// ErrClosed is returned by any call on a closed container.
var ErrClosed = errors.New("container is closed")

type demuxer interface {
	FormatName() string
	Streams() []av.StreamDescriptor
	Duration() int64
	ReadPacket(pkt *av.Packet) error
	SeekBackward(us int64) error
	Close() error
}

type muxer interface {
	// WriteHeader may replace each stream's TimeBase with the one the format
	// stores timestamps in.
	WriteHeader(streams []*av.StreamDescriptor) error
	WritePacket(pkt *av.Packet) error
	WriteTrailer() error
	Close() error
	// Discard closes and removes whatever the muxer created.
	Discard() error
}

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() logging.LeveledLogger {
	return logging.NewDefaultLeveledLoggerForScope("container", logging.LogLevelDisabled, io.Discard)
}

func orDiscard(log logging.LeveledLogger) logging.LeveledLogger {
	if log == nil {
		return DiscardLogger()
	}
	return log
}

// Input is a media file opened for reading.
type Input struct {
	path   string
	demux  demuxer
	closed bool
}

// OpenInput opens path and discovers its streams. The format is sniffed from
// the first bytes of the file.
func OpenInput(path string, log logging.LeveledLogger) (*Input, error) {
	log = orDiscard(log)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", av.ErrOpenFailure, err)
	}

	format, err := sniffFormat(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %s: %w", av.ErrOpenFailure, path, err)
	}

	var d demuxer
	switch format {
	case "matroska":
		d, err = openMatroska(f, log)
	case "mp4":
		d, err = openMP4(f, log)
	case "mpegts":
		d, err = openMPEGTS(f, log)
	}
	if err != nil {
		f.Close()
		return nil, err
	}
	log.Debugf("opened %s as %s with %d streams", path, d.FormatName(), len(d.Streams()))
	return &Input{path: path, demux: d}, nil
}

func sniffFormat(f *os.File) (string, error) {
	head := make([]byte, 189)
	n, err := f.ReadAt(head, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	head = head[:n]

	switch {
	case len(head) >= 4 && head[0] == 0x1A && head[1] == 0x45 && head[2] == 0xDF && head[3] == 0xA3:
		return "matroska", nil
	case len(head) >= 8 && string(head[4:8]) == "ftyp":
		return "mp4", nil
	case len(head) >= 189 && head[0] == 0x47 && head[188] == 0x47:
		return "mpegts", nil
	case len(head) == 0:
		return "", fmt.Errorf("empty file")
	}
	return "", fmt.Errorf("unrecognized container format")
}

func (in *Input) Path() string { return in.path }

func (in *Input) FormatName() string { return in.demux.FormatName() }

// Streams returns a copy of the stream descriptors.
func (in *Input) Streams() []av.StreamDescriptor {
	return append([]av.StreamDescriptor(nil), in.demux.Streams()...)
}

func (in *Input) Stream(i int) av.StreamDescriptor {
	return in.demux.Streams()[i]
}

// Duration is the container duration in microseconds, or av.NoPTS.
func (in *Input) Duration() int64 {
	return in.demux.Duration()
}

// ReadPacket fills pkt with the next packet, or returns io.EOF.
func (in *Input) ReadPacket(pkt *av.Packet) error {
	if in.closed {
		return ErrClosed
	}
	return in.demux.ReadPacket(pkt)
}

// SeekBackward moves to the nearest keyframe at or before us microseconds.
func (in *Input) SeekBackward(us int64) error {
	if in.closed {
		return ErrClosed
	}
	if us < 0 {
		us = 0
	}
	if err := in.demux.SeekBackward(us); err != nil {
		return fmt.Errorf("%w: seek to %dus: %w", av.ErrIOFailure, us, err)
	}
	return nil
}

// Close releases the file. Closing twice is a no-op.
func (in *Input) Close() error {
	if in.closed {
		return nil
	}
	in.closed = true
	return in.demux.Close()
}

// Options configure an Output.
type Options struct {
	// Format is one of matroska, webm, mpegts, mp4, hls. Empty means infer
	// from the file extension.
	Format    string
	HLS       HLSOptions
	MuxingApp string
	Logger    logging.LeveledLogger
}

type outputState int

const (
	stateSetup outputState = iota
	stateWriting
	stateFinalized
	stateClosed
)

// Output is a media file opened for writing. Nothing touches the filesystem
// until WriteHeader.
type Output struct {
	path    string
	format  string
	log     logging.LeveledLogger
	mux     muxer
	streams []*av.StreamDescriptor
	il      *interleaver
	state   outputState
	lastDTS []int64
}

// Create prepares an output for path.
func Create(path string, opts Options) (*Output, error) {
	log := orDiscard(opts.Logger)
	format := opts.Format
	if format == "" {
		format = FormatFromPath(path)
	}
	app := opts.MuxingApp
	if app == "" {
		app = "go-media-pipeline"
	}

	var mux muxer
	switch format {
	case "matroska":
		mux = newMatroskaMuxer(path, false, app, log)
	case "webm":
		mux = newMatroskaMuxer(path, true, app, log)
	case "mpegts", "mp4":
		mux = newVDKMuxer(path, format, log)
	case "hls":
		mux = newHLSMuxer(path, opts.HLS, log)
	default:
		return nil, fmt.Errorf("%w: unknown output format %q for %s", av.ErrOpenFailure, format, path)
	}
	return &Output{path: path, format: format, log: log, mux: mux}, nil
}

// FormatFromPath maps a file extension to an output format name.
func FormatFromPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".webm":
		return "webm"
	case ".ts":
		return "mpegts"
	case ".mp4", ".m4v":
		return "mp4"
	case ".m3u8":
		return "hls"
	default:
		return "matroska"
	}
}

func (o *Output) FormatName() string { return o.format }

// NewStream adds an output stream and returns its index.
func (o *Output) NewStream(params av.CodecParameters, timeBase av.Rational) (int, error) {
	if o.state != stateSetup {
		return 0, fmt.Errorf("streams must be added before the header is written")
	}
	if !timeBase.Valid() {
		return 0, fmt.Errorf("invalid time base %s", timeBase)
	}
	st := &av.StreamDescriptor{
		Index:    len(o.streams),
		Params:   params.Clone(),
		TimeBase: timeBase,
		Duration: av.NoPTS,
	}
	o.streams = append(o.streams, st)
	return st.Index, nil
}

// SetFrameRate records the nominal frame rate of a video stream.
func (o *Output) SetFrameRate(index int, rate av.Rational) {
	if index >= 0 && index < len(o.streams) {
		o.streams[index].FrameRate = rate
	}
}

// SetRotation records the clockwise display rotation of a video stream.
func (o *Output) SetRotation(index int, deg int) {
	if index >= 0 && index < len(o.streams) {
		o.streams[index].Rotation = av.NormalizeRotation(deg)
		o.streams[index].HasRotation = true
	}
}

// Stream returns the current descriptor of output stream i. Its TimeBase is
// final once WriteHeader returned.
func (o *Output) Stream(i int) av.StreamDescriptor {
	return *o.streams[i]
}

// WriteHeader creates the file and writes the format header. On failure any
// file created is removed again.
func (o *Output) WriteHeader() error {
	if o.state != stateSetup {
		return fmt.Errorf("header already written")
	}
	if len(o.streams) == 0 {
		return fmt.Errorf("%w: no output streams", av.ErrStreamDiscovery)
	}
	if err := o.mux.WriteHeader(o.streams); err != nil {
		if dErr := o.mux.Discard(); dErr != nil {
			o.log.Warnf("failed to remove %s: %v", o.path, dErr)
		}
		o.state = stateClosed
		return err
	}
	o.il = newInterleaver(o.streams)
	o.lastDTS = make([]int64, len(o.streams))
	for i := range o.lastDTS {
		o.lastDTS[i] = av.NoPTS
	}
	o.state = stateWriting
	return nil
}

// WriteInterleaved takes ownership of pkt's data and leaves pkt blank.
// Packets are buffered and released to the muxer in decode-time order.
func (o *Output) WriteInterleaved(pkt *av.Packet) error {
	switch o.state {
	case stateSetup:
		return fmt.Errorf("header not written")
	case stateFinalized, stateClosed:
		return ErrClosed
	}
	if pkt.StreamIndex < 0 || pkt.StreamIndex >= len(o.streams) {
		idx := pkt.StreamIndex
		pkt.Unref()
		return fmt.Errorf("%w: stream index %d out of range (%d streams)", av.ErrIOFailure, idx, len(o.streams))
	}

	owned := &av.Packet{}
	pkt.MoveTo(owned)
	o.fillTimestamps(owned)
	o.il.push(owned)

	for {
		next := o.il.pop(false)
		if next == nil {
			return nil
		}
		if err := o.mux.WritePacket(next); err != nil {
			return err
		}
	}
}

// fillTimestamps guesses a missing PTS or DTS from the other one.
func (o *Output) fillTimestamps(pkt *av.Packet) {
	switch {
	case pkt.PTS == av.NoPTS && pkt.DTS != av.NoPTS:
		pkt.PTS = pkt.DTS
	case pkt.DTS == av.NoPTS && pkt.PTS != av.NoPTS:
		pkt.DTS = pkt.PTS
	case pkt.PTS == av.NoPTS && pkt.DTS == av.NoPTS:
		last := o.lastDTS[pkt.StreamIndex]
		if last == av.NoPTS {
			last = 0
		}
		pkt.PTS, pkt.DTS = last, last
	}
	o.lastDTS[pkt.StreamIndex] = pkt.DTS
}

// WriteTrailer drains the interleaving queue and finalizes the file.
func (o *Output) WriteTrailer() error {
	if o.state != stateWriting {
		return fmt.Errorf("trailer requires a written header")
	}
	for {
		next := o.il.pop(true)
		if next == nil {
			break
		}
		if err := o.mux.WritePacket(next); err != nil {
			return err
		}
	}
	if err := o.mux.WriteTrailer(); err != nil {
		return err
	}
	o.state = stateFinalized
	return nil
}

// Close releases the output. A file that never got its trailer is left on
// disk as written so far.
func (o *Output) Close() error {
	if o.state == stateClosed {
		return nil
	}
	if o.state == stateWriting {
		o.log.Warnf("closing %s without trailer, output is incomplete", o.path)
	}
	o.state = stateClosed
	return o.mux.Close()
}
