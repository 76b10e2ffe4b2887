package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/Azunyan1111/go-media-pipeline/internal"
	"github.com/Azunyan1111/go-media-pipeline/internal/metrics"
	"github.com/Azunyan1111/go-media-pipeline/internal/pipeline"
)

func main() {
	internal.SetupProbeUsage()
	pflag.Parse()

	if err := internal.ParseProbeArgs(); err != nil {
		pflag.Usage()
		fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
		os.Exit(1)
	}

	failed, err := run()
	if internal.MetricsFile != "" {
		if mErr := metrics.WriteFile(internal.MetricsFile); mErr != nil {
			fmt.Fprintf(os.Stderr, "Failed to write metrics: %v\n", mErr)
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if failed > 0 {
		fmt.Fprintf(os.Stderr, "%d of %d files could not be probed\n", failed, len(internal.Paths))
		os.Exit(2)
	}
}

type outcome struct {
	res *pipeline.ProbeResult
	err error
}

// run probes every path with at most internal.Jobs files in flight. Each
// probe opens its own containers, so no state is shared between goroutines.
func run() (int, error) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	p := pipeline.New(pipeline.Config{LoggerFactory: internal.NewLoggerFactory(internal.DebugMode)})
	outcomes := make([]outcome, len(internal.Paths))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(internal.Jobs)
	for i, path := range internal.Paths {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			res, err := p.Probe(path)
			outcomes[i] = outcome{res: res, err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	failed := 0
	for i, o := range outcomes {
		path := internal.Paths[i]
		if o.err != nil {
			failed++
			fmt.Printf("%s: error: %v\n", path, o.err)
			continue
		}
		if o.res == nil {
			continue
		}
		fmt.Printf("%s: %s, duration %v, %d streams\n",
			path, o.res.Format, time.Duration(o.res.Duration)*time.Microsecond, len(o.res.Streams))
		for _, st := range o.res.Streams {
			fmt.Printf("  %s\n", st)
		}
	}
	return failed, nil
}
