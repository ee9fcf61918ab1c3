package gc

import (
	"github.com/PlakarLabs/backupstore/appcontext"
	"github.com/PlakarLabs/backupstore/events"
)

func eventsProcessorStdio(ctx *appcontext.Context, quiet bool) chan struct{} {
	logger := ctx.GetLogger()
	listener := ctx.Events().Listen()

	done := make(chan struct{})
	go func() {
		for event := range listener {
			switch event := event.(type) {
			case events.GCMarkProgress:
				if !quiet {
					logger.Info("mark: %d/%d groups", event.GroupsDone, event.GroupsTotal)
				}
			case events.GCSweepProgress:
				if !quiet && (event.BucketsDone%16 == 0 || event.BucketsDone == event.BucketsTotal) {
					logger.Info("sweep: %d/%d buckets", event.BucketsDone, event.BucketsTotal)
				}
			case events.ChunkRemoved:
				logger.Trace("gc", "removed chunk %s (%d bytes)", event.Digest, event.Size)
			case events.Warning:
				logger.Warn("%s: %s", event.Subject, event.Message)
			case events.Error:
				logger.Error("%s: %s", event.Subject, event.Message)
			default:
			}
		}
		done <- struct{}{}
	}()
	return done
}
