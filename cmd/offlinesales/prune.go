package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/wesm/offlinesales/internal/db"
	"github.com/wesm/offlinesales/internal/queue"
)

// pruneTarget selects which operations a prune command deletes.
type pruneTarget string

const (
	targetCompleted pruneTarget = "completed"
	targetFailed    pruneTarget = "failed"
	targetPending   pruneTarget = "pending"
)

// PruneConfig holds parsed CLI options for discard, clear, and
// cleanup.
type PruneConfig struct {
	Target    pruneTarget
	IDs       []string
	OlderThan time.Duration
	DryRun    bool
	Yes       bool
}

func parsePruneFlags(
	name string, target pruneTarget, args []string,
	retention time.Duration, out io.Writer,
) (PruneConfig, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(out)
	var olderThan *time.Duration
	if target == targetCompleted {
		olderThan = fs.Duration("older-than", retention,
			"Completed operations older than this")
	}
	dryRun := fs.Bool("dry-run", false,
		"Show what would be deleted without deleting")
	yes := fs.Bool("yes", false, "Skip confirmation prompt")

	if err := fs.Parse(args); err != nil {
		return PruneConfig{}, err
	}

	cfg := PruneConfig{Target: target, DryRun: *dryRun, Yes: *yes}
	if olderThan != nil {
		if *olderThan < 0 {
			return PruneConfig{}, errors.New("older-than must not be negative")
		}
		cfg.OlderThan = *olderThan
	}
	if fs.NArg() > 0 {
		if target != targetFailed {
			return PruneConfig{}, fmt.Errorf(
				"%s takes no arguments, got %q", name, fs.Args())
		}
		cfg.IDs = fs.Args()
	}
	return cfg, nil
}

// Pruner runs the list, confirm, delete workflow shared by the
// destructive commands.
type Pruner struct {
	Queue *queue.Queue
	Out   io.Writer
	In    *bufio.Reader
}

// Prune finds the operations cfg selects and deletes them.
func (p *Pruner) Prune(ctx context.Context, cfg PruneConfig) error {
	candidates, err := p.candidates(ctx, cfg)
	if err != nil {
		return fmt.Errorf("finding candidates: %w", err)
	}
	if len(candidates) == 0 {
		fmt.Fprintf(p.Out, "No %s operations to delete.\n", cfg.Target)
		return nil
	}

	writeSummary(p.Out, cfg.Target, candidates)

	if cfg.DryRun {
		fmt.Fprintln(p.Out, "\nDry run: no changes made.")
		return nil
	}

	if !cfg.Yes {
		msg := fmt.Sprintf("\nDelete %d %s operations?",
			len(candidates), cfg.Target)
		if !confirm(p.In, p.Out, msg) {
			fmt.Fprintln(p.Out, "Aborted.")
			return nil
		}
	}

	var deleted int
	switch cfg.Target {
	case targetCompleted:
		deleted, err = p.Queue.Cleanup(cfg.OlderThan)
	case targetFailed:
		ids := make([]string, len(candidates))
		for i, op := range candidates {
			ids[i] = op.ID
		}
		deleted, err = p.Queue.DiscardFailed(ids...)
	case targetPending:
		deleted, err = p.Queue.ClearOffline()
	}
	if err != nil {
		return fmt.Errorf("deleting operations: %w", err)
	}

	fmt.Fprintf(p.Out, "\nDeleted %d operations.\n", deleted)
	return nil
}

func (p *Pruner) candidates(
	ctx context.Context, cfg PruneConfig,
) ([]db.Operation, error) {
	switch cfg.Target {
	case targetCompleted:
		return p.Queue.ListCompleted(ctx, cfg.OlderThan)
	case targetPending:
		return p.Queue.ListPending(ctx, "")
	case targetFailed:
		ops, err := p.Queue.ListFailed(ctx, "")
		if err != nil || len(cfg.IDs) == 0 {
			return ops, err
		}
		want := make(map[string]bool, len(cfg.IDs))
		for _, id := range cfg.IDs {
			want[id] = true
		}
		var out []db.Operation
		for _, op := range ops {
			if want[op.ID] {
				out = append(out, op)
				delete(want, op.ID)
			}
		}
		for _, id := range cfg.IDs {
			if want[id] {
				fmt.Fprintf(p.Out, "warning: %s is not a failed operation\n", id)
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown target %q", cfg.Target)
}

func confirm(r *bufio.Reader, w io.Writer, msg string) bool {
	fmt.Fprintf(w, "%s [y/N] ", msg)
	line, _ := readLine(r)
	ans := strings.ToLower(strings.TrimSpace(line))
	return ans == "y" || ans == "yes"
}

func writeSummary(w io.Writer, target pruneTarget, ops []db.Operation) {
	byType := map[db.OperationType]int{}
	var types []string
	oldest := ops[0].CreatedAt
	for _, op := range ops {
		if byType[op.Type] == 0 {
			types = append(types, string(op.Type))
		}
		byType[op.Type]++
		if op.CreatedAt.Before(oldest) {
			oldest = op.CreatedAt
		}
	}
	sort.Strings(types)

	fmt.Fprintf(w, "Found %d %s operations (oldest %s)\n",
		len(ops), target, oldest.Local().Format(time.DateTime))
	fmt.Fprintln(w, "\nBy type:")
	for _, typ := range types {
		fmt.Fprintf(w, "  %-24s %d\n", typ, byType[db.OperationType(typ)])
	}
}

func runPrune(
	ctx context.Context, a *App, name string,
	target pruneTarget, args []string,
) error {
	cfg, err := parsePruneFlags(name, target, args, a.cfg.Retention, a.out)
	if err != nil {
		return err
	}
	p := &Pruner{Queue: a.queue, Out: a.out, In: a.in}
	return p.Prune(ctx, cfg)
}

func runDiscard(ctx context.Context, a *App, args []string) error {
	return runPrune(ctx, a, "discard", targetFailed, args)
}

func runClear(ctx context.Context, a *App, args []string) error {
	return runPrune(ctx, a, "clear", targetPending, args)
}

func runCleanup(ctx context.Context, a *App, args []string) error {
	return runPrune(ctx, a, "cleanup", targetCompleted, args)
}
