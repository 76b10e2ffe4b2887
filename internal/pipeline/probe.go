package pipeline

import (
	"errors"
	"io"
	"time"

	"github.com/Azunyan1111/go-media-pipeline/internal/av"
	"github.com/Azunyan1111/go-media-pipeline/internal/container"
)

// ProbeResult describes every stream of a file.
type ProbeResult struct {
	Path     string
	Format   string
	Duration int64 // microseconds
	Streams  []av.StreamDescriptor
}

// Duration returns the duration of path in microseconds. The container
// header is trusted first, then per-stream durations, and as a last resort
// the packet timestamps are scanned.
func (p *Pipeline) Duration(path string) (us int64, err error) {
	start := time.Now()
	defer func() { err = p.finish("duration", start, err) }()

	in, err := p.openInput(path)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	return mediaDuration(in)
}

func mediaDuration(in *container.Input) (int64, error) {
	if d := in.Duration(); d != av.NoPTS && d > 0 {
		return d, nil
	}
	best := av.NoPTS
	for _, st := range in.Streams() {
		if st.Duration == av.NoPTS || st.Duration <= 0 {
			continue
		}
		if d := av.Rescale(st.Duration, st.TimeBase, av.TimeBaseMicro); d > best {
			best = d
		}
	}
	if best != av.NoPTS {
		return best, nil
	}
	return scanDuration(in)
}

// scanDuration reads every packet and measures the span of their timestamps.
func scanDuration(in *container.Input) (int64, error) {
	first, last := av.NoPTS, av.NoPTS
	var pkt av.Packet
	for {
		err := in.ReadPacket(&pkt)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, av.Fail("read", av.ErrIOFailure, err)
		}
		ts := pkt.PTS
		if ts == av.NoPTS {
			ts = pkt.DTS
		}
		if ts != av.NoPTS {
			tb := in.Stream(pkt.StreamIndex).TimeBase
			begin := av.Rescale(ts, tb, av.TimeBaseMicro)
			end := av.Rescale(ts+max(pkt.Duration, 0), tb, av.TimeBaseMicro)
			if first == av.NoPTS || begin < first {
				first = begin
			}
			if end > last {
				last = end
			}
		}
		pkt.Unref()
	}
	if first == av.NoPTS {
		return 0, av.Failf("duration", av.ErrStreamDiscovery, "no timestamped packets in %s", in.Path())
	}
	return last - first, nil
}

// Rotation returns the display rotation of the first video stream in
// degrees clockwise. present is false when the file carries no rotation tag,
// which callers can tell apart from an explicit 0.
func (p *Pipeline) Rotation(path string) (deg int, present bool, err error) {
	start := time.Now()
	defer func() { err = p.finish("rotation", start, err) }()

	in, err := p.openInput(path)
	if err != nil {
		return 0, false, err
	}
	defer in.Close()

	st, err := firstVideo(in)
	if err != nil {
		return 0, false, err
	}
	if !st.HasRotation {
		return 0, false, nil
	}
	return av.NormalizeRotation(st.Rotation), true, nil
}

// Dimensions returns the coded size of the first video stream.
func (p *Pipeline) Dimensions(path string) (width, height int, err error) {
	start := time.Now()
	defer func() { err = p.finish("dimensions", start, err) }()

	in, err := p.openInput(path)
	if err != nil {
		return 0, 0, err
	}
	defer in.Close()

	st, err := firstVideo(in)
	if err != nil {
		return 0, 0, err
	}
	if st.Params.Width <= 0 || st.Params.Height <= 0 {
		return 0, 0, av.Failf("discover", av.ErrStreamDiscovery, "video stream #%d of %s has no size", st.Index, path)
	}
	return st.Params.Width, st.Params.Height, nil
}

// Probe opens path once and reports its format, duration and streams.
func (p *Pipeline) Probe(path string) (res *ProbeResult, err error) {
	start := time.Now()
	defer func() { err = p.finish("probe", start, err) }()

	in, err := p.openInput(path)
	if err != nil {
		return nil, err
	}
	defer in.Close()

	d, err := mediaDuration(in)
	if err != nil {
		return nil, err
	}
	return &ProbeResult{
		Path:     path,
		Format:   in.FormatName(),
		Duration: d,
		Streams:  in.Streams(),
	}, nil
}
