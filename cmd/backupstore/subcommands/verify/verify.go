package verify

import (
	"flag"
	"fmt"
	"os"

	"github.com/PlakarLabs/backupstore/appcontext"
	"github.com/PlakarLabs/backupstore/backup"
	"github.com/PlakarLabs/backupstore/cmd/backupstore/subcommands"
	"github.com/PlakarLabs/backupstore/config"
	"github.com/PlakarLabs/backupstore/datastore"
)

func init() {
	subcommands.Register("verify", cmd_verify)
}

func cmd_verify(ctx *appcontext.Context, ds *datastore.Datastore, settings *config.Datastore, args []string) int {
	var opt_skipchunks bool
	var opt_quiet bool

	flags := flag.NewFlagSet("verify", flag.ExitOnError)
	flags.BoolVar(&opt_skipchunks, "skip-chunks", settings.VerifySkip, "only check index and blob files")
	flags.BoolVar(&opt_quiet, "quiet", false, "only report failures")
	flags.Parse(args)

	dirs, err := targets(ds, flags.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s: %s\n", flag.CommandLine.Name(), flags.Name(), err)
		return 1
	}

	sigctx, cancel := subcommands.Interruptible()
	defer cancel()

	done := eventsProcessorStdio(ctx, opt_quiet)
	defer func() {
		ctx.Events().Close()
		<-done
	}()

	failed := 0
	for _, dir := range dirs {
		report, err := ds.VerifyWithOptions(sigctx, dir, datastore.VerifyOptions{SkipChunks: opt_skipchunks})
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %s: %s: %s\n", flag.CommandLine.Name(), flags.Name(), dir, err)
			failed++
			if sigctx.Err() != nil {
				break
			}
			continue
		}
		if !report.Success {
			failed++
		}
	}

	ctx.GetLogger().Info("verified %d snapshots, %d failed", len(dirs), failed)
	if failed != 0 {
		return 1
	}
	return 0
}

// targets expands arguments into snapshot directories. An argument is
// either a snapshot "type/id/time" or a group "type/id"; no argument
// selects every snapshot in the datastore.
func targets(ds *datastore.Datastore, args []string) ([]backup.Dir, error) {
	var groups []backup.Group
	var dirs []backup.Dir

	if len(args) == 0 {
		list, err := ds.ListGroups()
		if err != nil {
			return nil, err
		}
		groups = list
	}
	for _, arg := range args {
		if dir, err := backup.ParseDir(arg); err == nil {
			dirs = append(dirs, dir)
			continue
		}
		group, err := backup.ParseGroup(arg)
		if err != nil {
			return nil, fmt.Errorf("%s: not a snapshot or group", arg)
		}
		groups = append(groups, group)
	}

	for _, group := range groups {
		snapshots, err := ds.ListSnapshots(group)
		if err != nil {
			return nil, err
		}
		for _, snapshot := range snapshots {
			dirs = append(dirs, snapshot.Dir)
		}
	}
	return dirs, nil
}
