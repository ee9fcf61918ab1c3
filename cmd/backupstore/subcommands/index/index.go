package index

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
	subcommands.Register("index", cmd_index)
}

func cmd_index(ctx *appcontext.Context, ds *datastore.Datastore, _ *config.Datastore, args []string) int {
	var opt_entries bool

	flags := flag.NewFlagSet("index", flag.ExitOnError)
	flags.BoolVar(&opt_entries, "entries", false, "list every chunk entry")
	flags.Parse(args)

	if flags.NArg() != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s %s [-entries] snapshot archive\n", flag.CommandLine.Name(), flags.Name())
		return 1
	}

	dir, err := backup.ParseDir(flags.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s: %s\n", flag.CommandLine.Name(), flags.Name(), err)
		return 1
	}

	idx, err := ds.OpenIndex(dir, flags.Arg(1))
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s: %s\n", flag.CommandLine.Name(), flags.Name(), err)
		return 1
	}

	logger := ctx.GetLogger()
	logger.Stdout("kind: %s", idx.Kind())
	logger.Stdout("uuid: %s", idx.UUID())
	logger.Stdout("ctime: %s", idx.CTime().UTC().Format("2006-01-02 15:04:05"))
	if idx.ChunkSize() != 0 {
		logger.Stdout("chunk size: %s", humanize.IBytes(idx.ChunkSize()))
	}
	logger.Stdout("chunks: %d", idx.Count())
	logger.Stdout("size: %s (%d bytes)", humanize.IBytes(idx.Size()), idx.Size())
	logger.Stdout("checksum: %x", idx.Checksum())

	if opt_entries {
		it := idx.Iter()
		for it.Next() {
			e := it.Entry()
			logger.Stdout("%8d %s %12d %8d", it.Position(), e.Digest, e.Offset, e.Size)
		}
	}
	return 0
}
