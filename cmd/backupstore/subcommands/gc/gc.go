package gc

import (
	"flag"
	"fmt"
	"os"

	"github.com/PlakarLabs/backupstore/appcontext"
	"github.com/PlakarLabs/backupstore/cmd/backupstore/subcommands"
	"github.com/PlakarLabs/backupstore/config"
	"github.com/PlakarLabs/backupstore/datastore"
	"github.com/dustin/go-humanize"
)

func init() {
	subcommands.Register("gc", cmd_gc)
}

func cmd_gc(ctx *appcontext.Context, ds *datastore.Datastore, _ *config.Datastore, args []string) int {
	var opt_ackcorrupt bool
	var opt_quiet bool

	flags := flag.NewFlagSet("gc", flag.ExitOnError)
	flags.BoolVar(&opt_ackcorrupt, "acknowledge-corrupt", false, "sweep even if some manifests or indexes are unreadable")
	flags.BoolVar(&opt_quiet, "quiet", false, "do not report progress")
	flags.Parse(args)

	if flags.NArg() != 0 {
		fmt.Fprintf(os.Stderr, "%s: too many parameters\n", flag.CommandLine.Name())
		return 1
	}

	sigctx, cancel := subcommands.Interruptible()
	defer cancel()

	done := eventsProcessorStdio(ctx, opt_quiet)
	report, err := ds.RunGC(sigctx, datastore.GCOptions{AcknowledgeCorrupt: opt_ackcorrupt})
	ctx.Events().Close()
	<-done

	if report != nil {
		display(ctx, report)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s: %s\n", flag.CommandLine.Name(), flags.Name(), err)
		return 1
	}
	if !report.Success {
		return 1
	}
	return 0
}

func display(ctx *appcontext.Context, report *datastore.GCReport) {
	logger := ctx.GetLogger()

	logger.Stdout("cutoff: %s (%d open backup sessions)", report.Cutoff.Format("2006-01-02 15:04:05"), report.Writers)
	logger.Stdout("indexes: %d (%s referenced), %d chunks marked",
		report.IndexCount, humanize.IBytes(report.IndexBytes), report.Marked)
	logger.Stdout("removed: %d chunks (%s), %d temporary files",
		report.Removed, humanize.Bytes(uint64(report.RemovedBytes)), report.TempRemoved)
	logger.Stdout("pending: %d chunks (%s), %d in flight",
		report.Pending, humanize.Bytes(uint64(report.PendingBytes)), report.InFlight)
	logger.Stdout("on disk: %d chunks (%s), deduplication factor %.2f",
		report.DiskChunks, humanize.Bytes(uint64(report.DiskBytes)), report.DedupFactor)
	if report.SweepSkipped {
		logger.Stdout("sweep skipped: %d unreferenced chunks retained", report.Retained)
	}
	for _, name := range report.Corrupt {
		logger.Warn("corrupt: %s", name)
	}
	for _, name := range report.Missing {
		logger.Warn("missing chunk: %s", name)
	}
	for _, msg := range report.Errors {
		logger.Error("%s", msg)
	}
	logger.Stdout("duration: %s", report.Finished.Sub(report.Started))
}
