package main

import (
	"flag"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/automerge/automerge-go"

	"github.com/astromechza/inkwall/pkg/canvasdoc"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

// mainInner prints, for every change in a dumped canvas document, which cells it painted and cleared relative to the
// state it was built on. Merge changes are compared against their first dependency.
func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	cellsVar := flag.Bool("cells", false, "list every cell and colour instead of only the counts")
	flag.Parse()
	if flag.NArg() != 1 {
		return fmt.Errorf("expected one position argument: the dumped canvas document to read")
	}
	raw, err := os.ReadFile(flag.Arg(0))
	if err != nil {
		return fmt.Errorf("failed to read input file: %w", err)
	}
	doc, err := automerge.Load(raw)
	if err != nil {
		return fmt.Errorf("failed to load doc: %w", err)
	}
	slog.Info("loaded doc", "cells", canvasdoc.Count(doc), "heads", doc.Heads())

	changes, err := doc.Changes()
	if err != nil {
		return fmt.Errorf("failed to list changes: %w", err)
	}

	// states caches the pixel map at each change so long linear histories fork once per change.
	states := make(map[string]map[string]string, len(changes))
	stateAt := func(hash automerge.ChangeHash) (map[string]string, error) {
		if px, ok := states[hash.String()]; ok {
			return px, nil
		}
		at, err := doc.Fork(hash)
		if err != nil {
			return nil, fmt.Errorf("failed to fork at %s: %w", hash, err)
		}
		px, err := canvasdoc.Pixels(at)
		if err != nil {
			return nil, err
		}
		states[hash.String()] = px
		return px, nil
	}

	for i, change := range changes {
		after, err := stateAt(change.Hash())
		if err != nil {
			return err
		}
		before := map[string]string{}
		if deps := change.Dependencies(); len(deps) > 0 {
			if before, err = stateAt(deps[0]); err != nil {
				return err
			}
		}
		d := canvasdoc.Diff(before, after)
		fmt.Printf("%4d %s %s@%d deps=%d painted=%d cleared=%d total=%d\n",
			i, change.Hash().String()[:8], change.ActorID(), change.ActorSeq(), len(change.Dependencies()),
			len(d.Painted), len(d.Cleared), len(after))
		if *cellsVar {
			for _, key := range slices.Sorted(maps.Keys(d.Painted)) {
				fmt.Printf("       + %s %s\n", key, d.Painted[key])
			}
			if len(d.Cleared) > 0 {
				fmt.Printf("       - %s\n", strings.Join(d.Cleared, " "))
			}
		}
	}
	return nil
}
