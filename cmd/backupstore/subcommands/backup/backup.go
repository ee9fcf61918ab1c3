package backup

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/PlakarLabs/backupstore/appcontext"
	"github.com/PlakarLabs/backupstore/backup"
	"github.com/PlakarLabs/backupstore/cmd/backupstore/subcommands"
	"github.com/PlakarLabs/backupstore/config"
	"github.com/PlakarLabs/backupstore/datastore"
	"github.com/PlakarLabs/backupstore/index"
	"github.com/dustin/go-humanize"
)

func init() {
	subcommands.Register("backup", cmd_backup)
}

func cmd_backup(ctx *appcontext.Context, ds *datastore.Datastore, _ *config.Datastore, args []string) int {
	var opt_type string
	var opt_id string
	var opt_fixed bool
	var opt_chunksize uint64
	var opt_comment string
	var opt_blobs bool

	flags := flag.NewFlagSet("backup", flag.ExitOnError)
	flags.StringVar(&opt_type, "type", string(backup.TypeHost), "backup type (vm, ct or host)")
	flags.StringVar(&opt_id, "id", ctx.GetHostname(), "backup id")
	flags.BoolVar(&opt_fixed, "fixed", false, "use fixed size chunks (image files)")
	flags.Uint64Var(&opt_chunksize, "chunk-size", 0, "fixed chunk size in bytes")
	flags.StringVar(&opt_comment, "comment", "", "snapshot comment")
	flags.BoolVar(&opt_blobs, "blob", false, "store files as blobs instead of chunked archives")
	flags.Parse(args)

	if flags.NArg() == 0 {
		fmt.Fprintf(os.Stderr, "%s: %s: no file to back up\n", flag.CommandLine.Name(), flags.Name())
		return 1
	}

	backupType, err := backup.ParseType(opt_type)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s: %s\n", flag.CommandLine.Name(), flags.Name(), err)
		return 1
	}
	group, err := backup.NewGroup(backupType, opt_id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s: %s\n", flag.CommandLine.Name(), flags.Name(), err)
		return 1
	}

	sigctx, cancel := subcommands.Interruptible()
	defer cancel()

	session, err := ds.BeginBackup(sigctx, group, time.Now())
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s: %s\n", flag.CommandLine.Name(), flags.Name(), err)
		return 1
	}
	defer session.Abort()

	logger := ctx.GetLogger()
	for _, path := range flags.Args() {
		t0 := time.Now()
		name := filepath.Base(path)

		if opt_blobs {
			data, err := os.ReadFile(path)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s: %s: %s\n", flag.CommandLine.Name(), flags.Name(), err)
				return 1
			}
			if _, err := session.AddBlob(name+".blob", data); err != nil {
				fmt.Fprintf(os.Stderr, "%s: %s: %s: %s\n", flag.CommandLine.Name(), flags.Name(), path, err)
				return 1
			}
			logger.Info("%s: %s stored as blob", path, humanize.Bytes(uint64(len(data))))
			continue
		}

		if opt_fixed {
			name += index.Fixed.Extension()
		} else {
			name += index.Dynamic.Extension()
		}
		fp, err := os.Open(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %s: %s\n", flag.CommandLine.Name(), flags.Name(), err)
			return 1
		}
		file, err := session.WriteFile(sigctx, name, fp, opt_chunksize)
		fp.Close()
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %s: %s: %s\n", flag.CommandLine.Name(), flags.Name(), path, err)
			return 1
		}
		logger.Info("%s: %s stored as %s in %s", path, humanize.Bytes(file.Size), name, time.Since(t0))
	}

	dir, err := session.Finish(opt_comment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s: %s\n", flag.CommandLine.Name(), flags.Name(), err)
		return 1
	}
	logger.Stdout("%s", dir)
	return 0
}
