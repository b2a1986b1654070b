package cli

import (
	"io"
	"math"
	"sync"
	"time"

	"github.com/fmueller/voxpipe/internal/logging"
	"github.com/fmueller/voxpipe/internal/pipeline"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
)

type stopFunc func()

// newProgressObserver renders run progress as a bar labelled with the
// current phase. Without a terminal, progress is logged at bucket
// boundaries instead.
func newProgressObserver(enabled bool, w io.Writer, logger *zap.Logger) (pipeline.Observer, stopFunc) {
	if !enabled {
		report := logging.ProgressLogger(logger, logging.NewProgressSampler(logging.DefaultProgressBucket))
		return pipeline.ObserverFunc(report), func() {}
	}

	bar := progressbar.NewOptions(
		100,
		progressbar.OptionSetDescription("starting"),
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetWidth(30),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)

	var (
		mu       sync.Mutex
		finished bool
	)
	observer := pipeline.ObserverFunc(func(overall float64, phase string) {
		mu.Lock()
		defer mu.Unlock()
		if finished {
			return
		}
		bar.Describe(phase)
		_ = bar.Set(int(math.Round(overall * 100)))
	})

	return observer, func() {
		mu.Lock()
		defer mu.Unlock()
		if finished {
			return
		}
		finished = true
		_ = bar.Finish()
	}
}
