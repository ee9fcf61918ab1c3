package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/PlakarLabs/backupstore/appcontext"
	"github.com/PlakarLabs/backupstore/cmd/backupstore/subcommands"
	"github.com/PlakarLabs/backupstore/cmd/backupstore/utils"
	"github.com/PlakarLabs/backupstore/config"
	"github.com/PlakarLabs/backupstore/datastore"
	"github.com/PlakarLabs/backupstore/logging"

	_ "github.com/PlakarLabs/backupstore/cmd/backupstore/subcommands/backup"
	_ "github.com/PlakarLabs/backupstore/cmd/backupstore/subcommands/create"
	_ "github.com/PlakarLabs/backupstore/cmd/backupstore/subcommands/gc"
	_ "github.com/PlakarLabs/backupstore/cmd/backupstore/subcommands/index"
	_ "github.com/PlakarLabs/backupstore/cmd/backupstore/subcommands/prune"
	_ "github.com/PlakarLabs/backupstore/cmd/backupstore/subcommands/restore"
	_ "github.com/PlakarLabs/backupstore/cmd/backupstore/subcommands/snapshots"
	_ "github.com/PlakarLabs/backupstore/cmd/backupstore/subcommands/status"
	_ "github.com/PlakarLabs/backupstore/cmd/backupstore/subcommands/verify"
)

const VERSION = "0.1.0"

func main() {
	os.Exit(entryPoint())
}

func defaultConfigPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "backupstore", "backupstore.yml")
	}
	return "/etc/backupstore.yml"
}

func entryPoint() int {
	var opt_config string
	var opt_datastore string
	var opt_cpus int
	var opt_info bool
	var opt_debug bool
	var opt_trace string
	var opt_profiling bool
	var opt_version bool

	flag.StringVar(&opt_config, "config", defaultConfigPath(), "configuration file")
	flag.StringVar(&opt_datastore, "datastore", "", "configured datastore name or datastore path")
	flag.IntVar(&opt_cpus, "cpu", runtime.NumCPU()-1, "limit the number of usable cores")
	flag.BoolVar(&opt_info, "info", false, "display informational messages")
	flag.BoolVar(&opt_debug, "debug", false, "display debug messages")
	flag.StringVar(&opt_trace, "trace", "", "display trace logs, comma-separated subsystems (all, datastore, session, gc, chunkstore, ...)")
	flag.BoolVar(&opt_profiling, "profiling", false, "display profiling information")
	flag.BoolVar(&opt_version, "version", false, "display version and exit")
	flag.Parse()

	if opt_version {
		fmt.Println(VERSION)
		return 0
	}

	if opt_cpus <= 0 {
		opt_cpus = 1
	}
	if opt_cpus > runtime.NumCPU() {
		fmt.Fprintf(os.Stderr, "%s: can't use more cores than available: %d\n", flag.CommandLine.Name(), runtime.NumCPU())
		return 1
	}
	runtime.GOMAXPROCS(opt_cpus)

	ctx := appcontext.NewFromEnvironment()
	defer ctx.Close()
	ctx.SetNumCPU(opt_cpus)

	logger := logging.NewLogger(os.Stdout, os.Stderr)
	ctx.SetLogger(logger)

	cfg, err := config.Load(opt_config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", flag.CommandLine.Name(), err)
		return 1
	}

	logSettings, err := cfg.LoggingSettings()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", flag.CommandLine.Name(), err)
		return 1
	}
	if opt_info || logSettings.Info {
		logger.EnableInfo()
	}
	if opt_debug || logSettings.Debug {
		logger.EnableDebug()
	}
	if opt_trace == "" {
		opt_trace = logSettings.Trace
	}
	if opt_trace != "" {
		logger.EnableTrace(opt_trace)
	}
	if opt_profiling {
		logger.EnableProfiling()
	}

	if flag.NArg() == 0 {
		fmt.Fprintf(os.Stderr, "%s: missing command, valid commands: %s\n",
			flag.CommandLine.Name(), strings.Join(subcommands.List(), ", "))
		return 1
	}
	command, args := flag.Arg(0), flag.Args()[1:]
	if command == "config" {
		return cmd_config(cfg, opt_config, args)
	}

	logger.Debug("%s on %s/%s, %d cpus: %s", ctx.GetHostname(), ctx.GetOperatingSystem(), ctx.GetArchitecture(),
		ctx.GetNumCPU(), ctx.GetCommandLine())

	// a datastore that is not configured by name is taken as a path
	if opt_datastore != "" {
		if _, exists := cfg.Datastores[opt_datastore]; !exists {
			cfg.Datastores[opt_datastore] = config.Datastore{Path: opt_datastore}
		}
	}
	settings, err := cfg.Datastore(opt_datastore)
	if err != nil && !(subcommands.Standalone(command) && len(args) != 0) {
		fmt.Fprintf(os.Stderr, "%s: %s\n", flag.CommandLine.Name(), err)
		if names := cfg.Names(); len(names) != 0 && opt_datastore == "" {
			fmt.Fprintf(os.Stderr, "%s: configured datastores: %s\n", flag.CommandLine.Name(), strings.Join(names, ", "))
		}
		return 1
	}

	var ds *datastore.Datastore
	if !subcommands.Standalone(command) {
		opts, err := subcommands.Options(ctx, &settings)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %s\n", flag.CommandLine.Name(), err)
			return 1
		}
		ds, err = datastore.Open(settings.Path, opts)
		if errors.Is(err, datastore.ErrPassphraseRequired) && utils.Interactive() {
			passphrase, perr := utils.GetPassphrase("datastore")
			if perr != nil {
				fmt.Fprintf(os.Stderr, "%s: %s\n", flag.CommandLine.Name(), perr)
				return 1
			}
			opts.Passphrase = passphrase
			ds, err = datastore.Open(settings.Path, opts)
		}
		if err != nil {
			if errors.Is(err, datastore.ErrNotFound) {
				fmt.Fprintf(os.Stderr, "%s: %s, use \"create\" first\n", flag.CommandLine.Name(), err)
			} else {
				fmt.Fprintf(os.Stderr, "%s: %s\n", flag.CommandLine.Name(), err)
			}
			return 1
		}
		defer ds.Close()
	}

	status, err := subcommands.Execute(ctx, ds, &settings, command, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", flag.CommandLine.Name(), err)
	}

	if opt_profiling {
		ctx.GetProfiler().Display(logger)
	}
	return status
}
