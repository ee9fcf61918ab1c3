package prune

import (
	"flag"
	"io"
	"testing"

	"github.com/PlakarLabs/backupstore/prune"
)

func TestKeepFlag(t *testing.T) {
	keep := prune.KeepOptions{Daily: prune.Keep(7)}
	configured := keep.Daily

	flags := flag.NewFlagSet("prune", flag.ContinueOnError)
	flags.SetOutput(io.Discard)
	flags.Var(keepFlag{&keep.Last}, "keep-last", "")
	flags.Var(keepFlag{&keep.Daily}, "keep-daily", "")
	flags.Var(keepFlag{&keep.Weekly}, "keep-weekly", "")

	if err := flags.Parse([]string{"-keep-last", "3", "-keep-daily", "0"}); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if keep.Last == nil || *keep.Last != 3 {
		t.Errorf("keep-last = %v", keep.Last)
	}
	if keep.Daily == nil || *keep.Daily != 0 {
		t.Errorf("keep-daily = %v", keep.Daily)
	}
	if *configured != 7 {
		t.Errorf("flag overwrote the configured policy")
	}
	if keep.Weekly != nil {
		t.Errorf("unset flag enabled a rule")
	}

	if err := flags.Parse([]string{"-keep-weekly", "many"}); err == nil {
		t.Errorf("invalid count accepted")
	}
}
