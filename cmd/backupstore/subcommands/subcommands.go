package subcommands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/PlakarLabs/backupstore/appcontext"
	"github.com/PlakarLabs/backupstore/config"
	"github.com/PlakarLabs/backupstore/datastore"
)

// CommandFunc runs a subcommand. ds is nil for commands registered with
// RegisterStandalone.
type CommandFunc func(ctx *appcontext.Context, ds *datastore.Datastore, settings *config.Datastore, args []string) int

type command struct {
	fn         CommandFunc
	standalone bool
}

var subcommands map[string]command = make(map[string]command)

func Register(name string, fn CommandFunc) {
	subcommands[name] = command{fn: fn}
}

// RegisterStandalone registers a command that runs without an opened
// datastore.
func RegisterStandalone(name string, fn CommandFunc) {
	subcommands[name] = command{fn: fn, standalone: true}
}

func Standalone(name string) bool {
	cmd, exists := subcommands[name]
	return exists && cmd.standalone
}

func Execute(ctx *appcontext.Context, ds *datastore.Datastore, settings *config.Datastore, name string, args []string) (int, error) {
	cmd, exists := subcommands[name]
	if !exists {
		return 1, fmt.Errorf("unknown command: %s", name)
	}
	if ds == nil && !cmd.standalone {
		return 1, fmt.Errorf("%s: no datastore", name)
	}
	return cmd.fn(ctx, ds, settings, args), nil
}

func List() []string {
	var list []string
	for name := range subcommands {
		list = append(list, name)
	}
	sort.Strings(list)
	return list
}

// Interruptible returns a context cancelled on SIGINT or SIGTERM.
func Interruptible() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// Options maps operator settings to datastore options.
func Options(ctx *appcontext.Context, settings *config.Datastore) (datastore.Options, error) {
	loc, err := settings.Location()
	if err != nil {
		return datastore.Options{}, err
	}

	var passphrase []byte
	if settings.Passphrase != "" {
		passphrase = []byte(settings.Passphrase)
	}

	return datastore.Options{
		Chunks:        settings.Chunks,
		Compression:   settings.Compression,
		DigestMode:    settings.DigestMode,
		Passphrase:    passphrase,
		GracePeriod:   settings.GracePeriod,
		GCParallelism: settings.GCParallelism,
		MarkSet:       settings.MarkSet,
		PruneLocation: loc,
		LockTimeout:   settings.LockTimeout,
		Context:       ctx,
	}, nil
}
