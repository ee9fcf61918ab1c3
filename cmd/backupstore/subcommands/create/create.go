package create

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/PlakarLabs/backupstore/appcontext"
	"github.com/PlakarLabs/backupstore/chunkstore"
	"github.com/PlakarLabs/backupstore/cmd/backupstore/subcommands"
	"github.com/PlakarLabs/backupstore/cmd/backupstore/utils"
	"github.com/PlakarLabs/backupstore/config"
	"github.com/PlakarLabs/backupstore/datastore"
)

func init() {
	subcommands.RegisterStandalone("create", cmd_create)
}

func cmd_create(ctx *appcontext.Context, _ *datastore.Datastore, settings *config.Datastore, args []string) int {
	var opt_encrypt bool
	var opt_noencryption bool
	var opt_nocompression bool
	var opt_compression string
	var opt_digest string
	var opt_chunks string

	flags := flag.NewFlagSet("create", flag.ExitOnError)
	flags.BoolVar(&opt_encrypt, "encrypt", false, "encrypt chunks, prompting for a passphrase if none is configured")
	flags.BoolVar(&opt_noencryption, "no-encryption", false, "disable chunk encryption even if a passphrase is configured")
	flags.BoolVar(&opt_nocompression, "no-compression", false, "disable chunk compression")
	flags.StringVar(&opt_compression, "compression", settings.Compression, "chunk compression algorithm")
	flags.StringVar(&opt_digest, "digest-mode", settings.DigestMode, "chunk digest mode")
	flags.StringVar(&opt_chunks, "chunks", settings.Chunks,
		fmt.Sprintf("chunk store location, defaults to .chunks under the datastore (backends: %s)", strings.Join(chunkstore.Backends(), ", ")))
	flags.Parse(args)

	root := settings.Path
	switch flags.NArg() {
	case 0:
	case 1:
		root = flags.Arg(0)
	default:
		fmt.Fprintf(os.Stderr, "%s: too many parameters\n", flag.CommandLine.Name())
		return 1
	}
	if root == "" {
		fmt.Fprintf(os.Stderr, "%s: %s: no datastore path\n", flag.CommandLine.Name(), flags.Name())
		return 1
	}

	local := *settings
	local.Path = root
	local.Chunks = opt_chunks
	local.Compression = opt_compression
	local.DigestMode = opt_digest
	if opt_nocompression {
		local.Compression = "none"
	}
	if opt_noencryption {
		local.Passphrase = ""
	} else if opt_encrypt && local.Passphrase == "" {
		passphrase, err := utils.GetPassphraseConfirm("datastore")
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %s: %s\n", flag.CommandLine.Name(), flags.Name(), err)
			return 1
		}
		local.Passphrase = string(passphrase)
	}

	opts, err := subcommands.Options(ctx, &local)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s: %s\n", flag.CommandLine.Name(), flags.Name(), err)
		return 1
	}

	ds, err := datastore.Create(root, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s: %s\n", flag.CommandLine.Name(), flags.Name(), err)
		return 1
	}
	defer ds.Close()

	conf := ds.Configuration()
	ctx.GetLogger().Info("created datastore %s (id=%s, chunks=%s, compression=%s, digest=%s)",
		root, conf.DatastoreID, conf.Backend, conf.Compression, ds.Store().Hasher().Mode())
	return 0
}
