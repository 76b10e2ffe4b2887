// Package pipeline implements the media operations: probing, thumbnail
// extraction, transcoding and HLS segmenting. Every call opens its own
// containers and codec sessions and releases them before returning, so a
// Pipeline may be shared by goroutines working on different files.
package pipeline

import (
	"errors"
	"time"

	"github.com/pion/logging"

	"github.com/Azunyan1111/go-media-pipeline/internal/av"
	"github.com/Azunyan1111/go-media-pipeline/internal/container"
	"github.com/Azunyan1111/go-media-pipeline/internal/metrics"
)

// Config configures a Pipeline.
type Config struct {
	// LoggerFactory defaults to logging.NewDefaultLoggerFactory().
	LoggerFactory logging.LoggerFactory
}

type Pipeline struct {
	loggerFactory logging.LoggerFactory
	log           logging.LeveledLogger
}

func New(cfg Config) *Pipeline {
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &Pipeline{
		loggerFactory: cfg.LoggerFactory,
		log:           cfg.LoggerFactory.NewLogger("pipeline"),
	}
}

// finish records the outcome of an operation and logs failures with the
// stage that produced them.
func (p *Pipeline) finish(operation string, start time.Time, err error) error {
	stage := av.StageOf(err)
	metrics.ObserveOperation(operation, start, stage, err)
	if err != nil {
		p.log.Errorf("%s failed at %s (status %d): %v", operation, stage, av.StatusCode(err), err)
		return err
	}
	p.log.Debugf("%s finished in %v", operation, time.Since(start))
	return nil
}

func (p *Pipeline) openInput(path string) (*container.Input, error) {
	in, err := container.OpenInput(path, p.loggerFactory.NewLogger("container"))
	if err != nil {
		return nil, av.Fail("open", av.ErrOpenFailure, err)
	}
	if len(in.Streams()) == 0 {
		in.Close()
		return nil, av.Failf("discover", av.ErrStreamDiscovery, "no streams in %s", path)
	}
	return in, nil
}

// firstVideo returns the first video stream of in.
func firstVideo(in *container.Input) (av.StreamDescriptor, error) {
	idx := av.FindFirst(in.Streams(), av.KindVideo)
	if idx < 0 {
		return av.StreamDescriptor{}, av.Failf("discover", av.ErrStreamDiscovery, "no video stream in %s", in.Path())
	}
	return in.Stream(idx), nil
}

// wrap attaches stage and kind to err unless an inner step already did.
func wrap(stage string, kind error, err error) error {
	var se *av.StageError
	if errors.As(err, &se) {
		return err
	}
	return av.Fail(stage, kind, err)
}
