package pipeline

import (
	"errors"
	"io"
	"time"

	"github.com/Azunyan1111/go-media-pipeline/internal/av"
	"github.com/Azunyan1111/go-media-pipeline/internal/container"
	"github.com/Azunyan1111/go-media-pipeline/internal/metrics"
)

// SegmentOptions configure Segment.
type SegmentOptions struct {
	// SegmentDuration is the target chunk length in seconds.
	SegmentDuration float64
	// ListSize bounds the playlist to the newest entries, 0 keeps all.
	ListSize int
	// SingleFile stores every chunk as a byte range of one .ts file.
	SingleFile bool
	// SegmentPattern names chunk files when SingleFile is off. It must
	// contain one %d verb.
	SegmentPattern string
}

// SegmentResult summarises a finished Segment call.
type SegmentResult struct {
	Streams  int
	Segments int
	Packets  int
	// StreamPackets counts copied packets per output stream.
	StreamPackets []int
}

// Segment repackages the audio and video streams of inPath into an HLS
// playlist at manifest without re-encoding. Other streams are dropped.
func (p *Pipeline) Segment(inPath, manifest string, opts SegmentOptions) (res *SegmentResult, err error) {
	start := time.Now()
	defer func() { err = p.finish("segment", start, err) }()

	if opts.SegmentDuration <= 0 {
		opts.SegmentDuration = container.DefaultSegmentDuration
	}
	p.log.Infof("Creating HLS: %s -> %s (segment=%gs)", inPath, manifest, opts.SegmentDuration)

	in, err := p.openInput(inPath)
	if err != nil {
		return nil, err
	}
	defer in.Close()

	streams := in.Streams()
	mapping := av.NewStreamIndexMap(streams, av.KeepAudioVideo)
	if mapping.Outputs() == 0 {
		return nil, av.Failf("discover", av.ErrStreamDiscovery, "no audio or video streams in %s", inPath)
	}

	result := &SegmentResult{Streams: mapping.Outputs(), StreamPackets: make([]int, mapping.Outputs())}
	out, err := container.Create(manifest, container.Options{
		Format: "hls",
		HLS: container.HLSOptions{
			SegmentDuration: opts.SegmentDuration,
			ListSize:        opts.ListSize,
			SingleFile:      opts.SingleFile,
			SegmentPattern:  opts.SegmentPattern,
			OnSegment: func(uri string, seconds float64) {
				result.Segments++
				metrics.SegmentsWrittenTotal.Inc()
				p.log.Debugf("segment %d: %s (%.3fs)", result.Segments, uri, seconds)
			},
		},
		Logger: p.loggerFactory.NewLogger("container"),
	})
	if err != nil {
		return nil, av.Fail("create output", av.ErrOpenFailure, err)
	}
	defer out.Close()

	for i, st := range streams {
		if _, ok := mapping.Lookup(i); !ok {
			p.log.Debugf("dropping stream %s", st)
			continue
		}
		params := st.Params.Clone()
		params.Tag = ""
		idx, err := out.NewStream(params, st.TimeBase)
		if err != nil {
			return nil, av.Fail("create output", av.ErrIOFailure, err)
		}
		if st.FrameRate.Valid() {
			out.SetFrameRate(idx, st.FrameRate)
		}
	}
	if err := out.WriteHeader(); err != nil {
		return nil, av.Fail("write header", av.ErrIOFailure, err)
	}

	var pkt av.Packet
	for {
		err := in.ReadPacket(&pkt)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, av.Fail("read", av.ErrIOFailure, err)
		}
		outIdx, ok := mapping.Lookup(pkt.StreamIndex)
		if !ok {
			pkt.Unref()
			continue
		}
		inTB := streams[pkt.StreamIndex].TimeBase
		kind := streams[pkt.StreamIndex].Kind()

		pkt.StreamIndex = outIdx
		pkt.Rescale(inTB, out.Stream(outIdx).TimeBase)
		pkt.Pos = -1
		if err := out.WriteInterleaved(&pkt); err != nil {
			return nil, av.Fail("write", av.ErrIOFailure, err)
		}
		result.Packets++
		result.StreamPackets[outIdx]++
		metrics.PacketsCopiedTotal.WithLabelValues(kind.String()).Inc()
	}

	if err := out.WriteTrailer(); err != nil {
		return nil, av.Fail("write trailer", av.ErrIOFailure, err)
	}
	p.log.Infof("HLS segmentation complete: %d segments, %d packets", result.Segments, result.Packets)
	return result, nil
}
