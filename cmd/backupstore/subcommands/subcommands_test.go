package subcommands

import (
	"testing"
	_ "time/tzdata"

	"github.com/PlakarLabs/backupstore/appcontext"
	"github.com/PlakarLabs/backupstore/config"
	"github.com/PlakarLabs/backupstore/datastore"
)

func TestRegistry(t *testing.T) {
	called := ""
	Register("test-open", func(_ *appcontext.Context, _ *datastore.Datastore, _ *config.Datastore, args []string) int {
		called = "open"
		return 0
	})
	RegisterStandalone("test-standalone", func(_ *appcontext.Context, ds *datastore.Datastore, _ *config.Datastore, args []string) int {
		called = "standalone"
		if ds != nil {
			return 2
		}
		return len(args)
	})

	if Standalone("test-open") || !Standalone("test-standalone") || Standalone("missing") {
		t.Fatalf("unexpected standalone flags")
	}

	ctx := appcontext.NewContext()
	status, err := Execute(ctx, nil, &config.Datastore{}, "test-standalone", []string{"a", "b"})
	if err != nil || status != 2 || called != "standalone" {
		t.Fatalf("Execute standalone = %d, %v (%q)", status, err, called)
	}

	if _, err := Execute(ctx, nil, &config.Datastore{}, "test-open", nil); err == nil {
		t.Fatalf("command requiring a datastore ran without one")
	}
	if _, err := Execute(ctx, nil, &config.Datastore{}, "missing", nil); err == nil {
		t.Fatalf("unknown command did not fail")
	}

	found := 0
	for _, name := range List() {
		if name == "test-open" || name == "test-standalone" {
			found++
		}
	}
	if found != 2 {
		t.Fatalf("List() = %v", List())
	}
}

func TestOptions(t *testing.T) {
	settings := &config.Datastore{
		Path:          "/srv/backup",
		Passphrase:    "secret",
		GCParallelism: 8,
		PruneTimezone: "Europe/Paris",
	}
	opts, err := Options(appcontext.NewContext(), settings)
	if err != nil {
		t.Fatalf("Options failed: %v", err)
	}
	if string(opts.Passphrase) != "secret" || opts.GCParallelism != 8 {
		t.Errorf("unexpected options %+v", opts)
	}
	if opts.PruneLocation == nil || opts.PruneLocation.String() != "Europe/Paris" {
		t.Errorf("PruneLocation = %v", opts.PruneLocation)
	}

	settings.PruneTimezone = "Nowhere/Special"
	if _, err := Options(appcontext.NewContext(), settings); err == nil {
		t.Errorf("invalid time zone accepted")
	}
}
