package prune

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/PlakarLabs/backupstore/appcontext"
	"github.com/PlakarLabs/backupstore/backup"
	"github.com/PlakarLabs/backupstore/cmd/backupstore/subcommands"
	"github.com/PlakarLabs/backupstore/config"
	"github.com/PlakarLabs/backupstore/datastore"
	"github.com/PlakarLabs/backupstore/events"
	"github.com/PlakarLabs/backupstore/prune"
)

func init() {
	subcommands.Register("prune", cmd_prune)
}

// keepFlag is an optional count: unset keeps the configured value.
type keepFlag struct {
	value **int
}

func (k keepFlag) String() string {
	if k.value == nil || *k.value == nil {
		return ""
	}
	return fmt.Sprint(**k.value)
}

func (k keepFlag) Set(s string) error {
	var n int
	if _, err := fmt.Sscan(s, &n); err != nil {
		return fmt.Errorf("invalid count %q", s)
	}
	*k.value = prune.Keep(n)
	return nil
}

func cmd_prune(ctx *appcontext.Context, ds *datastore.Datastore, settings *config.Datastore, args []string) int {
	var opt_dryrun bool
	var opt_all bool

	keep := settings.Keep
	flags := flag.NewFlagSet("prune", flag.ExitOnError)
	flags.BoolVar(&opt_dryrun, "dry-run", false, "only report what would be removed")
	flags.BoolVar(&opt_all, "all", false, "prune every group")
	flags.Var(keepFlag{&keep.Last}, "keep-last", "keep the N most recent snapshots")
	flags.Var(keepFlag{&keep.Hourly}, "keep-hourly", "keep the newest snapshot of the last N hours")
	flags.Var(keepFlag{&keep.Daily}, "keep-daily", "keep the newest snapshot of the last N days")
	flags.Var(keepFlag{&keep.Weekly}, "keep-weekly", "keep the newest snapshot of the last N weeks")
	flags.Var(keepFlag{&keep.Monthly}, "keep-monthly", "keep the newest snapshot of the last N months")
	flags.Var(keepFlag{&keep.Yearly}, "keep-yearly", "keep the newest snapshot of the last N years")
	flags.Parse(args)

	var groups []backup.Group
	if opt_all {
		if flags.NArg() != 0 {
			fmt.Fprintf(os.Stderr, "%s: %s: -all takes no group\n", flag.CommandLine.Name(), flags.Name())
			return 1
		}
		list, err := ds.ListGroups()
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %s: %s\n", flag.CommandLine.Name(), flags.Name(), err)
			return 1
		}
		groups = list
	} else {
		if flags.NArg() == 0 {
			fmt.Fprintf(os.Stderr, "%s: %s: need at least one group\n", flag.CommandLine.Name(), flags.Name())
			return 1
		}
		for _, arg := range flags.Args() {
			group, err := backup.ParseGroup(arg)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s: %s: %s\n", flag.CommandLine.Name(), flags.Name(), err)
				return 1
			}
			groups = append(groups, group)
		}
	}

	sigctx, cancel := subcommands.Interruptible()
	defer cancel()

	logger := ctx.GetLogger()
	listener := ctx.Events().Listen()
	done := make(chan struct{})
	go func() {
		for event := range listener {
			switch event := event.(type) {
			case events.SnapshotRemoved:
				logger.Info("%s: removed", event.Snapshot)
			case events.Error:
				logger.Error("%s: %s", event.Subject, event.Message)
			default:
			}
		}
		done <- struct{}{}
	}()
	defer func() {
		ctx.Events().Close()
		<-done
	}()

	status := 0
	for _, group := range groups {
		report, err := ds.Prune(sigctx, group, keep, opt_dryrun)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %s: %s: %s\n", flag.CommandLine.Name(), flags.Name(), group, err)
			status = 1
			continue
		}
		display(ctx, report)
		if !report.Success {
			status = 1
		}
	}
	return status
}

func display(ctx *appcontext.Context, report *datastore.PruneReport) {
	logger := ctx.GetLogger()

	header := fmt.Sprintf("%s: %s", report.Group, report.Keep)
	if report.DryRun {
		header += " (dry run)"
	}
	logger.Stdout("%s", header)

	for _, d := range report.Decisions {
		action := "remove"
		if d.Keep {
			action = "keep"
		}
		if len(d.Reasons) != 0 {
			logger.Stdout("  %-6s %s (%s)", action, d.Snapshot.Dir.TimeString(), strings.Join(d.Reasons, ", "))
		} else {
			logger.Stdout("  %-6s %s", action, d.Snapshot.Dir.TimeString())
		}
	}
	if report.GroupRemoved {
		logger.Stdout("%s: group removed", report.Group)
	}
}
