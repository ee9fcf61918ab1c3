package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/PlakarLabs/backupstore/config"
)

func cmd_config(cfg *config.Configuration, path string, args []string) int {
	flags := flag.NewFlagSet("config", flag.ExitOnError)
	flags.Parse(args)

	if flags.NArg() == 0 {
		for _, name := range cfg.Names() {
			marker := " "
			if name == cfg.Default {
				marker = "*"
			}
			fmt.Printf("%s %s: %s\n", marker, name, cfg.Datastores[name].Path)
		}
		return 0
	}

	subcommand, parameters := flags.Arg(0), flags.Args()[1:]
	switch subcommand {
	case "add":
		if len(parameters) != 2 {
			fmt.Fprintf(os.Stderr, "usage: %s config add name path\n", flag.CommandLine.Name())
			return 1
		}
		if _, exists := cfg.Datastores[parameters[0]]; exists {
			fmt.Fprintf(os.Stderr, "%s: datastore %q already configured\n", flag.CommandLine.Name(), parameters[0])
			return 1
		}
		cfg.Datastores[parameters[0]] = config.Datastore{Path: parameters[1]}
		if cfg.Default == "" {
			cfg.Default = parameters[0]
		}

	case "rm":
		if len(parameters) != 1 {
			fmt.Fprintf(os.Stderr, "usage: %s config rm name\n", flag.CommandLine.Name())
			return 1
		}
		delete(cfg.Datastores, parameters[0])
		if cfg.Default == parameters[0] {
			cfg.Default = ""
		}

	case "default":
		if len(parameters) != 1 {
			fmt.Fprintf(os.Stderr, "usage: %s config default name\n", flag.CommandLine.Name())
			return 1
		}
		if _, exists := cfg.Datastores[parameters[0]]; !exists {
			fmt.Fprintf(os.Stderr, "%s: datastore %q is not configured\n", flag.CommandLine.Name(), parameters[0])
			return 1
		}
		cfg.Default = parameters[0]

	default:
		fmt.Fprintf(os.Stderr, "%s: config: invalid subcommand %q\n", flag.CommandLine.Name(), subcommand)
		return 1
	}

	if err := cfg.Save(path); err != nil {
		fmt.Fprintf(os.Stderr, "%s: config: %s\n", flag.CommandLine.Name(), err)
		return 1
	}
	return 0
}
