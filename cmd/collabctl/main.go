package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"collab/engine/internal/config"
	"collab/engine/internal/history"
	"collab/engine/internal/search"
	"collab/engine/internal/storage"

	"github.com/mattn/go-isatty"
	"github.com/scott-cotton/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	cli.MainContext(ctx, MainCommand(ctx))
}

type MainConfig struct {
	DSN    string `cli:"name=dsn desc='storage dsn (default $COLLAB_STORAGE_DSN)'"`
	Branch string `cli:"name=b aliases=branch desc='branch to read (default main)'"`
	Color  bool   `cli:"name=color desc='force colored output'"`
	Plain  bool   `cli:"name=plain desc='never color output'"`

	Main *cli.Command

	Ctx   context.Context
	Store storage.Store
}

func MainCommand(ctx context.Context) *cli.Command {
	cfg := &MainConfig{
		DSN:    config.Load().StorageDSN,
		Branch: history.DefaultBranch,
		Ctx:    ctx,
	}
	opts, err := cli.StructOpts(cfg)
	if err != nil {
		panic(err)
	}
	return cli.NewCommandAt(&cfg.Main, "collabctl").
		WithSynopsis("collabctl [opts] command [opts]").
		WithDescription("inspect the stored history of collaborative documents").
		WithOpts(opts...).
		WithRun(func(cc *cli.Context, args []string) error {
			return ctlMain(cfg, cc, args)
		}).
		WithSubs(
			HistoryCommand(cfg),
			ShowCommand(cfg),
			DiffCommand(cfg),
			BranchesCommand(cfg),
			TagCommand(cfg),
			SearchCommand(cfg))
}

func ctlMain(cfg *MainConfig, cc *cli.Context, args []string) error {
	args, err := cfg.Main.Parse(cc, args)
	if err != nil {
		return err
	}
	if cfg.Color && cfg.Plain {
		return fmt.Errorf("%w: -color and -plain are exclusive", cli.ErrUsage)
	}
	if len(args) == 0 {
		return cli.ErrNoCommandProvided
	}
	sub := cfg.Main.FindSub(cc, args[0])
	if sub == nil {
		return fmt.Errorf("%w: %q not found", cli.ErrNoSuchCommand, args[0])
	}
	defer func() {
		if cfg.Store != nil {
			cfg.Store.Close()
		}
	}()
	return sub.Run(cc, args[1:])
}

// manager opens the configured store on first use.
func (cfg *MainConfig) manager() (*history.Manager, error) {
	if cfg.Store == nil {
		store, err := storage.Open(cfg.Ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		cfg.Store = store
	}
	return history.NewManager(cfg.Store, history.Options{}), nil
}

func (cfg *MainConfig) searcher() (*search.HistoryScan, error) {
	m, err := cfg.manager()
	if err != nil {
		return nil, err
	}
	return search.NewHistoryScan(m), nil
}

// palette colors output for terminals unless -plain or -color decide.
func (cfg *MainConfig) palette(w io.Writer) palette {
	switch {
	case cfg.Plain:
		return plainPalette()
	case cfg.Color:
		return colorPalette()
	}
	f, ok := w.(*os.File)
	if ok && isatty.IsTerminal(f.Fd()) {
		return colorPalette()
	}
	return plainPalette()
}
