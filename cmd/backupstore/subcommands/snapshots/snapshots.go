package snapshots

import (
	"flag"
	"fmt"
	"os"

	"github.com/PlakarLabs/backupstore/appcontext"
	"github.com/PlakarLabs/backupstore/backup"
	"github.com/PlakarLabs/backupstore/cmd/backupstore/subcommands"
	"github.com/PlakarLabs/backupstore/config"
	"github.com/PlakarLabs/backupstore/datastore"
	"github.com/dustin/go-humanize"
)

func init() {
	subcommands.Register("snapshots", cmd_snapshots)
}

func cmd_snapshots(ctx *appcontext.Context, ds *datastore.Datastore, _ *config.Datastore, args []string) int {
	var opt_protect string
	var opt_unprotect string
	var opt_remove string
	var opt_force bool
	var opt_long bool

	flags := flag.NewFlagSet("snapshots", flag.ExitOnError)
	flags.StringVar(&opt_protect, "protect", "", "protect a snapshot from pruning and removal")
	flags.StringVar(&opt_unprotect, "unprotect", "", "lift the protection of a snapshot")
	flags.StringVar(&opt_remove, "remove", "", "remove a snapshot")
	flags.BoolVar(&opt_force, "force", false, "remove even if the snapshot is locked by a reader")
	flags.BoolVar(&opt_long, "long", false, "display manifest details")
	flags.Parse(args)

	sigctx, cancel := subcommands.Interruptible()
	defer cancel()

	apply := func(target string, fn func(backup.Dir) error) int {
		dir, err := backup.ParseDir(target)
		if err == nil {
			err = fn(dir)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %s: %s\n", flag.CommandLine.Name(), flags.Name(), err)
			return 1
		}
		return 0
	}

	switch {
	case opt_protect != "":
		return apply(opt_protect, func(dir backup.Dir) error { return ds.SetProtected(sigctx, dir, true) })
	case opt_unprotect != "":
		return apply(opt_unprotect, func(dir backup.Dir) error { return ds.SetProtected(sigctx, dir, false) })
	case opt_remove != "":
		return apply(opt_remove, func(dir backup.Dir) error { return ds.RemoveSnapshot(sigctx, dir, opt_force) })
	}

	var groups []backup.Group
	if flags.NArg() == 0 {
		list, err := ds.ListGroups()
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %s: %s\n", flag.CommandLine.Name(), flags.Name(), err)
			return 1
		}
		groups = list
	}
	for _, arg := range flags.Args() {
		group, err := backup.ParseGroup(arg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %s: %s\n", flag.CommandLine.Name(), flags.Name(), err)
			return 1
		}
		groups = append(groups, group)
	}

	logger := ctx.GetLogger()
	for _, group := range groups {
		snapshots, err := ds.ListSnapshots(group)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %s: %s: %s\n", flag.CommandLine.Name(), flags.Name(), group, err)
			return 1
		}
		for _, snapshot := range snapshots {
			marker := " "
			if snapshot.Protected {
				marker = "P"
			}
			if !opt_long {
				logger.Stdout("%s %s", marker, snapshot.Dir)
				continue
			}

			m, err := ds.LoadManifest(snapshot.Dir)
			if err != nil {
				logger.Stdout("%s %s  (%s)", marker, snapshot.Dir, err)
				continue
			}
			var size uint64
			for _, file := range m.Files {
				size += file.Size
			}
			verified := "unverified"
			if m.Unprotected.Verify != nil {
				verified = m.Unprotected.Verify.State
			}
			logger.Stdout("%s %s  %3d files %10s  %-10s %s", marker, snapshot.Dir, len(m.Files),
				humanize.Bytes(size), verified, m.Comment)
		}
	}
	return 0
}
