package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"collab/engine/internal/history"
	"collab/engine/internal/search"

	"github.com/scott-cotton/cli"
)

type HistoryConfig struct {
	*MainConfig
	History *cli.Command
	Limit   int `cli:"name=n desc='show at most n snapshots (default 20)'"`
}

func HistoryCommand(mainCfg *MainConfig) *cli.Command {
	cfg := &HistoryConfig{MainConfig: mainCfg, Limit: 20}
	opts, err := cli.StructOpts(cfg)
	if err != nil {
		panic(err)
	}
	return cli.NewCommandAt(&cfg.History, "history").
		WithAliases("log").
		WithSynopsis("history [-n count] <document>").
		WithDescription("list the snapshots of a branch, newest first").
		WithOpts(opts...).
		WithRun(func(cc *cli.Context, args []string) error {
			args, err := cfg.History.Parse(cc, args)
			if err != nil {
				return err
			}
			if len(args) != 1 {
				return fmt.Errorf("%w: history requires a document id", cli.ErrUsage)
			}
			m, err := cfg.manager()
			if err != nil {
				return err
			}
			return printHistory(cfg.Ctx, m, cc.Out, cfg.palette(cc.Out), args[0], cfg.Branch, cfg.Limit)
		})
}

func printHistory(ctx context.Context, m *history.Manager, w io.Writer, p palette, documentID, branch string, limit int) error {
	snaps, err := m.History(ctx, documentID, branch, limit)
	if err != nil {
		return err
	}
	for _, snap := range snaps {
		writeSnapshotLine(w, p, snap)
	}
	return nil
}

type ShowConfig struct {
	*MainConfig
	Show *cli.Command
}

func ShowCommand(mainCfg *MainConfig) *cli.Command {
	cfg := &ShowConfig{MainConfig: mainCfg}
	return cli.NewCommandAt(&cfg.Show, "show").
		WithSynopsis("show <document> [snapshot|tag]").
		WithDescription("print a snapshot, or the branch head when no ref is given").
		WithRun(func(cc *cli.Context, args []string) error {
			args, err := cfg.Show.Parse(cc, args)
			if err != nil {
				return err
			}
			if len(args) < 1 || len(args) > 2 {
				return fmt.Errorf("%w: show requires a document id and an optional ref", cli.ErrUsage)
			}
			ref := ""
			if len(args) == 2 {
				ref = args[1]
			}
			m, err := cfg.manager()
			if err != nil {
				return err
			}
			return printSnapshot(cfg.Ctx, m, cc.Out, cfg.palette(cc.Out), args[0], cfg.Branch, ref)
		})
}

func printSnapshot(ctx context.Context, m *history.Manager, w io.Writer, p palette, documentID, branch, ref string) error {
	var snap history.Snapshot
	var err error
	if ref == "" {
		snap, err = m.Head(ctx, documentID, branch)
	} else {
		snap, err = m.Get(ctx, documentID, ref)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "snapshot %s\n", p.id(snap.ID))
	fmt.Fprintf(w, "Branch:   %s\n", snap.Branch)
	if len(snap.Parents) > 0 {
		fmt.Fprintf(w, "Parents:  %s\n", strings.Join(snap.Parents, " "))
	}
	if snap.Tag != "" {
		fmt.Fprintf(w, "Tag:      %s\n", snap.Tag)
	}
	fmt.Fprintf(w, "Author:   %s\n", snap.CreatedBy)
	fmt.Fprintf(w, "Date:     %s\n", snap.CreatedAt.Format("2006-01-02 15:04:05 -0700"))
	fmt.Fprintf(w, "Revision: %d\n", snap.Revision)
	if snap.Message != "" {
		fmt.Fprintf(w, "\n    %s\n", snap.Message)
	}
	fmt.Fprintf(w, "\n%s\n", snap.Text)
	return nil
}

type DiffConfig struct {
	*MainConfig
	Diff  *cli.Command
	Patch bool `cli:"name=patch desc='print a patch instead of an inline diff'"`
}

func DiffCommand(mainCfg *MainConfig) *cli.Command {
	cfg := &DiffConfig{MainConfig: mainCfg}
	opts, err := cli.StructOpts(cfg)
	if err != nil {
		panic(err)
	}
	return cli.NewCommandAt(&cfg.Diff, "diff").
		WithAliases("d").
		WithSynopsis("diff [-patch] <document> <from> <to>").
		WithDescription("show the text changes between two snapshots").
		WithOpts(opts...).
		WithRun(func(cc *cli.Context, args []string) error {
			args, err := cfg.Diff.Parse(cc, args)
			if err != nil {
				return err
			}
			if len(args) != 3 {
				return fmt.Errorf("%w: diff requires a document id and two refs", cli.ErrUsage)
			}
			m, err := cfg.manager()
			if err != nil {
				return err
			}
			return printDiff(cfg.Ctx, m, cc.Out, cfg.palette(cc.Out), args[0], args[1], args[2], cfg.Patch)
		})
}

func printDiff(ctx context.Context, m *history.Manager, w io.Writer, p palette, documentID, from, to string, patch bool) error {
	if patch {
		text, err := m.TextDiff(ctx, documentID, from, to)
		if err != nil {
			return err
		}
		fmt.Fprint(w, text)
		return nil
	}
	a, err := m.Get(ctx, documentID, from)
	if err != nil {
		return err
	}
	b, err := m.Get(ctx, documentID, to)
	if err != nil {
		return err
	}
	writeChanges(w, p, history.Changes(a.Text, b.Text))
	return nil
}

type BranchesConfig struct {
	*MainConfig
	Branches *cli.Command
}

func BranchesCommand(mainCfg *MainConfig) *cli.Command {
	cfg := &BranchesConfig{MainConfig: mainCfg}
	return cli.NewCommandAt(&cfg.Branches, "branches").
		WithAliases("br").
		WithSynopsis("branches <document>").
		WithDescription("list branches and tags of a document").
		WithRun(func(cc *cli.Context, args []string) error {
			args, err := cfg.Branches.Parse(cc, args)
			if err != nil {
				return err
			}
			if len(args) != 1 {
				return fmt.Errorf("%w: branches requires a document id", cli.ErrUsage)
			}
			m, err := cfg.manager()
			if err != nil {
				return err
			}
			return printBranches(cfg.Ctx, m, cc.Out, cfg.palette(cc.Out), args[0])
		})
}

func printBranches(ctx context.Context, m *history.Manager, w io.Writer, p palette, documentID string) error {
	branches, err := m.Branches(ctx, documentID)
	if err != nil {
		return err
	}
	for _, b := range branches {
		fmt.Fprintf(w, "branch %-20s %s\n", b.Name, p.id(short(b.Head)))
	}
	tags, err := m.Tags(ctx, documentID)
	if err != nil {
		return err
	}
	for _, t := range tags {
		fmt.Fprintf(w, "tag    %-20s %s\n", t.Name, p.id(short(t.SnapshotID)))
	}
	return nil
}

type TagConfig struct {
	*MainConfig
	Tag *cli.Command
}

func TagCommand(mainCfg *MainConfig) *cli.Command {
	cfg := &TagConfig{MainConfig: mainCfg}
	return cli.NewCommandAt(&cfg.Tag, "tag").
		WithSynopsis("tag <document> <snapshot> <name>").
		WithDescription("attach an immutable name to a snapshot").
		WithRun(func(cc *cli.Context, args []string) error {
			args, err := cfg.Tag.Parse(cc, args)
			if err != nil {
				return err
			}
			if len(args) != 3 {
				return fmt.Errorf("%w: tag requires a document id, a snapshot and a name", cli.ErrUsage)
			}
			m, err := cfg.manager()
			if err != nil {
				return err
			}
			tag, err := m.Tag(cfg.Ctx, args[0], args[1], args[2])
			if err != nil {
				return err
			}
			fmt.Fprintf(cc.Out, "tagged %s as %s\n", short(tag.SnapshotID), tag.Name)
			return nil
		})
}

type SearchConfig struct {
	*MainConfig
	Search *cli.Command
	Limit  int `cli:"name=n desc='maximum number of hits (default 10)'"`
}

func SearchCommand(mainCfg *MainConfig) *cli.Command {
	cfg := &SearchConfig{MainConfig: mainCfg, Limit: 10}
	opts, err := cli.StructOpts(cfg)
	if err != nil {
		panic(err)
	}
	return cli.NewCommandAt(&cfg.Search, "search").
		WithAliases("s").
		WithSynopsis("search [-n count] <document> <text>...").
		WithDescription("find snapshots whose text contains the query").
		WithOpts(opts...).
		WithRun(func(cc *cli.Context, args []string) error {
			args, err := cfg.Search.Parse(cc, args)
			if err != nil {
				return err
			}
			if len(args) < 2 {
				return fmt.Errorf("%w: search requires a document id and a query", cli.ErrUsage)
			}
			scan, err := cfg.searcher()
			if err != nil {
				return err
			}
			q := search.Query{DocumentID: args[0], Text: strings.Join(args[1:], " "), Limit: cfg.Limit}
			return printSearch(cfg.Ctx, scan, cc.Out, cfg.palette(cc.Out), q)
		})
}

func printSearch(ctx context.Context, s search.Searcher, w io.Writer, p palette, q search.Query) error {
	results, total, err := s.Search(ctx, q)
	if err != nil {
		return err
	}
	for _, r := range results {
		fmt.Fprintf(w, "%s %s %s\n", p.id(short(r.ID)), r.Branch, r.Snippet)
	}
	fmt.Fprintln(w, p.dim(fmt.Sprintf("%d of %d matches", len(results), total)))
	return nil
}

func short(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
