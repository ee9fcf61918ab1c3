package restore

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/PlakarLabs/backupstore/appcontext"
	"github.com/PlakarLabs/backupstore/backup"
	"github.com/PlakarLabs/backupstore/cmd/backupstore/subcommands"
	"github.com/PlakarLabs/backupstore/config"
	"github.com/PlakarLabs/backupstore/datastore"
	"github.com/dustin/go-humanize"
)

func init() {
	subcommands.Register("restore", cmd_restore)
}

func cmd_restore(ctx *appcontext.Context, ds *datastore.Datastore, _ *config.Datastore, args []string) int {
	var opt_output string
	var opt_offset int64
	var opt_length int64

	flags := flag.NewFlagSet("restore", flag.ExitOnError)
	flags.StringVar(&opt_output, "o", "", "output file, standard output when empty")
	flags.Int64Var(&opt_offset, "offset", 0, "start restoring an index archive at this byte offset")
	flags.Int64Var(&opt_length, "length", 0, "restore at most this many bytes of an index archive")
	flags.Parse(args)

	if flags.NArg() != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s %s [-o output] snapshot archive\n", flag.CommandLine.Name(), flags.Name())
		return 1
	}

	dir, err := backup.ParseDir(flags.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s: %s\n", flag.CommandLine.Name(), flags.Name(), err)
		return 1
	}
	name := flags.Arg(1)

	sigctx, cancel := subcommands.Interruptible()
	defer cancel()

	out := os.Stdout
	if opt_output != "" {
		fp, err := os.OpenFile(opt_output, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %s: %s\n", flag.CommandLine.Name(), flags.Name(), err)
			return 1
		}
		defer fp.Close()
		out = fp
	}

	var n int64
	if opt_offset != 0 || opt_length != 0 {
		n, err = restoreRange(ds, dir, name, opt_offset, opt_length, out)
	} else {
		n, err = ds.RestoreFile(sigctx, dir, name, out)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s: %s/%s: %s\n", flag.CommandLine.Name(), flags.Name(), dir, name, err)
		if opt_output != "" {
			os.Remove(opt_output)
		}
		return 1
	}
	if opt_output != "" {
		if err := out.Sync(); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %s: %s\n", flag.CommandLine.Name(), flags.Name(), err)
			return 1
		}
	}
	ctx.GetLogger().Info("%s/%s: restored %s", dir, name, humanize.Bytes(uint64(n)))
	return 0
}

// restoreRange copies part of an index archive using random access.
func restoreRange(ds *datastore.Datastore, dir backup.Dir, name string, offset int64, length int64, w io.Writer) (int64, error) {
	rd, err := ds.OpenReader(dir, name)
	if err != nil {
		return 0, err
	}
	if offset < 0 || offset > rd.Size() {
		return 0, fmt.Errorf("offset %d out of range (size %d)", offset, rd.Size())
	}
	if _, err := rd.Seek(offset, io.SeekStart); err != nil {
		return 0, err
	}
	if length <= 0 || offset+length > rd.Size() {
		length = rd.Size() - offset
	}
	return io.CopyN(w, rd, length)
}
