// Command forest is the thin entry point wiring configuration into a
// running chain-following node: load config, bootstrap or open the
// on-disk repo, assemble the syncer/message/gc stack, and run until
// signalled to stop. It carries no RPC surface or CLI beyond these few
// flags — both are out of scope for this module (see SPEC_FULL.md §1).
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	logging "github.com/ipfs/go-log"

	"github.com/filecoin-project/forest-go/internal/pkg/config"
)

var logMain = logging.Logger("forest/main")

// options are the flags forest accepts; everything else lives in the
// repo's config.toml, loaded from RepoDir.
type options struct {
	RepoDir string `long:"repodir" description:"path to the node's data directory" default:""`
	Genesis string `long:"genesis" description:"path to the genesis CAR file, used on first run" required:"true"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	if err := run(opts); err != nil {
		logMain.Errorf("forest exited: %s", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	cfg, err := config.Load(opts.RepoDir)
	if err != nil {
		return err
	}

	n, err := buildNode(cfg, opts.Genesis)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logMain.Info("received shutdown signal")
		cancel()
	}()

	logMain.Infof("forest starting, chain=%s datadir=%s", cfg.Chain, cfg.DataDir)
	return n.run(ctx)
}
