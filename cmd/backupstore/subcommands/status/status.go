package status

import (
	"errors"
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
	subcommands.Register("status", cmd_status)
}

func cmd_status(ctx *appcontext.Context, ds *datastore.Datastore, _ *config.Datastore, args []string) int {
	flags := flag.NewFlagSet("status", flag.ExitOnError)
	flags.Parse(args)

	logger := ctx.GetLogger()
	conf := ds.Configuration()

	logger.Stdout("datastore: %s", ds.Root())
	logger.Stdout("id: %s", conf.DatastoreID)
	logger.Stdout("created: %s (%s)", conf.CreationTime.Format("2006-01-02 15:04:05"), humanize.Time(conf.CreationTime))
	if conf.Chunks != "" {
		logger.Stdout("chunks: %s at %s", conf.Backend, conf.Chunks)
	} else {
		logger.Stdout("chunks: %s", conf.Backend)
	}
	logger.Stdout("compression: %s", conf.Compression)
	logger.Stdout("digest: %s", conf.DigestMode)
	if conf.Encryption != "" {
		logger.Stdout("encryption: enabled, key fingerprint %s", ds.Fingerprint())
	} else {
		logger.Stdout("encryption: disabled")
	}
	logger.Stdout("gc grace period: %s", ds.GracePeriod())

	groups, err := ds.ListGroups()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s: %s\n", flag.CommandLine.Name(), flags.Name(), err)
		return 1
	}
	nSnapshots := 0
	for _, group := range groups {
		snapshots, err := ds.ListSnapshots(group)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %s: %s: %s\n", flag.CommandLine.Name(), flags.Name(), group, err)
			return 1
		}
		nSnapshots += len(snapshots)
	}
	logger.Stdout("groups: %d, snapshots: %d", len(groups), nSnapshots)

	report, err := ds.LastGCStatus()
	if err != nil {
		if errors.Is(err, datastore.ErrNotFound) {
			logger.Stdout("last gc: never")
			return 0
		}
		fmt.Fprintf(os.Stderr, "%s: %s: %s\n", flag.CommandLine.Name(), flags.Name(), err)
		return 1
	}

	state := "ok"
	if !report.Success {
		state = "failed"
	}
	logger.Stdout("last gc: %s, %s (%s)", report.Finished.Format("2006-01-02 15:04:05"), state, humanize.Time(report.Finished))
	logger.Stdout("  on disk: %d chunks, %s", report.DiskChunks, humanize.Bytes(uint64(report.DiskBytes)))
	logger.Stdout("  referenced: %s, deduplication factor %.2f", humanize.IBytes(report.IndexBytes), report.DedupFactor)
	logger.Stdout("  removed: %d chunks, %s", report.Removed, humanize.Bytes(uint64(report.RemovedBytes)))
	logger.Stdout("  pending: %d chunks, %s", report.Pending, humanize.Bytes(uint64(report.PendingBytes)))
	return 0
}
