package main

import (
	"fmt"
	"io"
	"strings"

	"collab/engine/internal/history"

	"github.com/fatih/color"
)

type palette struct {
	id      func(a ...any) string
	added   func(a ...any) string
	removed func(a ...any) string
	dim     func(a ...any) string
	colored bool
}

func colorPalette() palette {
	mk := func(attrs ...color.Attribute) func(a ...any) string {
		c := color.New(attrs...)
		c.EnableColor()
		return c.SprintFunc()
	}
	return palette{
		id:      mk(color.FgYellow),
		added:   mk(color.FgGreen),
		removed: mk(color.FgRed, color.CrossedOut),
		dim:     mk(color.Faint),
		colored: true,
	}
}

func plainPalette() palette {
	return palette{id: fmt.Sprint, added: fmt.Sprint, removed: fmt.Sprint, dim: fmt.Sprint}
}

// writeSnapshotLine prints one history entry as
//
//	<short id> <branch> r<revision> +added -removed <author> <message>
func writeSnapshotLine(w io.Writer, p palette, snap history.Snapshot) {
	msg := snap.Message
	if snap.Tag != "" {
		msg = fmt.Sprintf("(tag: %s) %s", snap.Tag, msg)
	}
	fmt.Fprintf(w, "%s %s r%d %s %s %s %s\n",
		p.id(snap.ShortID()),
		snap.Branch,
		snap.Revision,
		p.added(fmt.Sprintf("+%d", snap.Added)),
		p.removed(fmt.Sprintf("-%d", snap.Removed)),
		p.dim(string(snap.CreatedBy)),
		strings.TrimSpace(msg))
}

// writeChanges renders a character diff inline. Without color, inserted
// text is wrapped in {+ +} and removed text in [- -].
func writeChanges(w io.Writer, p palette, changes []history.Change) {
	for _, c := range changes {
		switch c.Kind {
		case history.Inserted:
			if p.colored {
				fmt.Fprint(w, p.added(c.Text))
			} else {
				fmt.Fprintf(w, "{+%s+}", c.Text)
			}
		case history.Removed:
			if p.colored {
				fmt.Fprint(w, p.removed(c.Text))
			} else {
				fmt.Fprintf(w, "[-%s-]", c.Text)
			}
		default:
			fmt.Fprint(w, c.Text)
		}
	}
	fmt.Fprintln(w)
}
