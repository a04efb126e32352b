package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wesm/offlinesales/internal/db"
	"github.com/wesm/offlinesales/internal/payload"
	"github.com/wesm/offlinesales/internal/queue"
	"github.com/wesm/offlinesales/internal/remote"
	"github.com/wesm/offlinesales/internal/stock"
	"github.com/wesm/offlinesales/internal/sync"
)

// itemList collects repeated -item PRODUCT:QTY[:PRICE] flags.
type itemList []payload.Item

func (l *itemList) String() string {
	parts := make([]string, len(*l))
	for i, it := range *l {
		parts[i] = fmt.Sprintf("%s:%d", it.ProductID, it.Quantity)
	}
	return strings.Join(parts, ",")
}

func (l *itemList) Set(v string) error {
	it, err := parseItem(v)
	if err != nil {
		return err
	}
	*l = append(*l, it)
	return nil
}

func parseItem(v string) (payload.Item, error) {
	parts := strings.Split(v, ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" {
		return payload.Item{}, fmt.Errorf(
			"item %q: want PRODUCT:QTY or PRODUCT:QTY:PRICE", v)
	}
	qty, err := strconv.Atoi(parts[1])
	if err != nil {
		return payload.Item{}, fmt.Errorf("item %q: quantity: %w", v, err)
	}
	it := payload.Item{ProductID: parts[0], Quantity: qty}
	if len(parts) == 3 {
		price, err := decimal.NewFromString(parts[2])
		if err != nil {
			return payload.Item{}, fmt.Errorf("item %q: price: %w", v, err)
		}
		it.UnitPrice = price
	}
	return it, nil
}

func runOrder(ctx context.Context, a *App, args []string) error {
	fs := flag.NewFlagSet("order", flag.ContinueOnError)
	fs.SetOutput(a.out)
	var items itemList
	client := fs.String("client", "", "Client id")
	fs.Var(&items, "item", "Line item PRODUCT:QTY[:PRICE] (repeatable)")
	notes := fs.String("notes", "", "Free-form notes")
	payment := fs.String("payment", "", "Payment method: cash, card, transfer, credit")
	noValidate := fs.Bool("no-validate", false, "Queue even if stock is insufficient")
	if err := fs.Parse(args); err != nil {
		return err
	}

	baseline, err := stock.LoadBaseline(a.cfg.StockFile)
	if err != nil {
		return err
	}
	levels := baseline.Levels()
	validate := !*noValidate
	if validate && len(levels) == 0 {
		fmt.Fprintf(a.out, "warning: no stock levels in %s; stock not checked\n",
			a.cfg.StockFile)
		validate = false
	}
	res, err := a.queue.SaveOrder(ctx, payload.Order{
		ClientID:      *client,
		Items:         items,
		Notes:         *notes,
		PaymentMethod: *payment,
	}, queue.SaveOptions{
		Baseline: levels,
		Validate: validate,
	})
	if err != nil {
		return err
	}
	if !res.Success {
		for _, s := range res.Shortfalls {
			fmt.Fprintf(a.out, "  %s: requested %d, available %d\n",
				s.ProductID, s.Requested, s.Available)
		}
		return fmt.Errorf("order rejected: %s", res.Error)
	}

	var o payload.Order
	if err := json.Unmarshal(res.Order.Payload, &o); err != nil {
		return fmt.Errorf("reading queued order: %w", err)
	}
	fmt.Fprintf(a.out, "Queued order %s (total %s)\n",
		res.Order.ID, o.Total().StringFixed(2))
	return nil
}

func runWriteoff(ctx context.Context, a *App, args []string) error {
	fs := flag.NewFlagSet("writeoff", flag.ContinueOnError)
	fs.SetOutput(a.out)
	product := fs.String("product", "", "Product id")
	qty := fs.Int("qty", 0, "Quantity written off")
	reason := fs.String("reason", "", "Reason for the write-off")
	if err := fs.Parse(args); err != nil {
		return err
	}

	op, err := a.queue.SaveWriteoff(ctx, payload.Writeoff{
		ProductID: *product, Quantity: *qty, Reason: *reason,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Queued write-off %s\n", op.ID)
	return nil
}

func runList(ctx context.Context, a *App, args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(a.out)
	status := fs.String("status", "pending", "pending, failed, or completed")
	typeFlag := fs.String("type", "all", "orders, writeoffs, or all")
	asJSON := fs.Bool("json", false, "Print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	typ, err := db.ParseOperationType(*typeFlag)
	if err != nil {
		return err
	}

	ops, err := a.queue.List(ctx, db.Status(*status), typ)
	if err != nil {
		return err
	}

	if *asJSON {
		return writeJSON(a.out, nonNil(ops))
	}
	if len(ops) == 0 {
		fmt.Fprintf(a.out, "No %s operations.\n", *status)
		return nil
	}
	writeOperations(a.out, ops)
	return nil
}

func nonNil(ops []db.Operation) []db.Operation {
	if ops == nil {
		return []db.Operation{}
	}
	return ops
}

func writeOperations(w io.Writer, ops []db.Operation) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tATTEMPTS\tCREATED\tDETAIL")
	for _, op := range ops {
		detail := describe(op)
		if op.LastError != "" {
			detail += " [" + op.LastError + "]"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			op.ID, op.Type, op.Status, op.Attempts,
			op.CreatedAt.Local().Format(time.DateTime), detail)
	}
	tw.Flush()
}

func describe(op db.Operation) string {
	p, err := payload.Decode(op)
	if err != nil {
		return "unreadable payload"
	}
	switch p := p.(type) {
	case payload.Order:
		return fmt.Sprintf("client %s, %d line(s), total %s",
			p.ClientID, len(p.Items), p.Total().StringFixed(2))
	case payload.Writeoff:
		return fmt.Sprintf("%s x%d (%s)", p.ProductID, p.Quantity, p.Reason)
	}
	return ""
}

func runCounts(ctx context.Context, a *App, args []string) error {
	fs := flag.NewFlagSet("counts", flag.ContinueOnError)
	fs.SetOutput(a.out)
	asJSON := fs.Bool("json", false, "Print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, err := a.queue.Counts(ctx)
	if err != nil {
		return err
	}
	if *asJSON {
		return writeJSON(a.out, c)
	}
	fmt.Fprintf(a.out,
		"pending %d  syncing %d  failed %d  completed %d\n",
		c.Pending, c.Syncing, c.Failed, c.Completed)
	return nil
}

func runStock(ctx context.Context, a *App, args []string) error {
	fs := flag.NewFlagSet("stock", flag.ContinueOnError)
	fs.SetOutput(a.out)
	if err := fs.Parse(args); err != nil {
		return err
	}
	baseline, err := stock.LoadBaseline(a.cfg.StockFile)
	if err != nil {
		return err
	}
	levels := baseline.Levels()
	if len(levels) == 0 {
		fmt.Fprintf(a.out, "No stock baseline at %s.\n", a.cfg.StockFile)
		return nil
	}
	avail, err := a.queue.AvailableStock(ctx, levels)
	if err != nil {
		return err
	}

	pids := make([]string, 0, len(levels))
	for pid := range levels {
		pids = append(pids, pid)
	}
	sort.Strings(pids)

	tw := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PRODUCT\tSTOCK\tAVAILABLE")
	for _, pid := range pids {
		fmt.Fprintf(tw, "%s\t%d\t%d\n", pid, levels[pid], avail[pid])
	}
	return tw.Flush()
}

func runSync(ctx context.Context, a *App, args []string) error {
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	fs.SetOutput(a.out)
	typeFlag := fs.String("type", "all", "orders, writeoffs, or all")
	revalidate := fs.Bool("revalidate", false,
		"Re-check orders against the stock file before sending")
	asJSON := fs.Bool("json", false, "Print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	typ, err := db.ParseOperationType(*typeFlag)
	if err != nil {
		return err
	}
	client, err := a.remote()
	if err != nil {
		return err
	}

	opts := []sync.Option{
		sync.WithCallTimeout(a.cfg.CallTimeout),
		sync.WithMaxAttempts(a.cfg.MaxAttempts),
		sync.WithLogger(a.log),
	}
	if !*asJSON {
		opts = append(opts, sync.WithProgress(printSyncProgress(a.out)))
	}
	var baseline *stock.Baseline
	if *revalidate {
		baseline, err = stock.LoadBaseline(a.cfg.StockFile)
		if err != nil {
			return err
		}
		opts = append(opts, sync.WithBaseline(baseline))
	}
	engine := sync.NewEngine(a.db, opts...)

	results := map[string]sync.Result{}
	if typ == "" || typ == db.TypeCreateOrder {
		results["orders"] = engine.SyncOrders(ctx, client)
	}
	if typ == "" || typ == db.TypeCreateWriteoff {
		results["writeoffs"] = engine.SyncWriteoffs(ctx, client)
	}

	if baseline != nil {
		if err := baseline.Save(a.cfg.StockFile); err != nil {
			return err
		}
	}

	if *asJSON {
		if err := writeJSON(a.out, results); err != nil {
			return err
		}
	} else {
		writeResults(a.out, results)
	}

	for _, r := range results {
		if r.Err != nil {
			return r.Err
		}
	}
	for _, r := range results {
		if len(r.Errors) > 0 {
			return errors.New("some operations failed")
		}
	}
	return nil
}

func printSyncProgress(w io.Writer) sync.ProgressFunc {
	return func(p sync.Progress) {
		if p.Phase != sync.PhaseSyncing || p.Total == 0 {
			return
		}
		fmt.Fprintf(w, "\r  %s: %d/%d (%.0f%%)",
			p.Type, p.Done+p.Failed, p.Total, p.Percent())
		if p.Done+p.Failed == p.Total {
			fmt.Fprintln(w)
		}
	}
}

func writeResults(w io.Writer, results map[string]sync.Result) {
	for _, name := range []string{"orders", "writeoffs"} {
		r, ok := results[name]
		if !ok {
			continue
		}
		switch {
		case r.Offline:
			fmt.Fprintf(w, "%s: skipped, offline\n", name)
		case r.InProgress:
			fmt.Fprintf(w, "%s: skipped, sync already running\n", name)
		default:
			fmt.Fprintf(w, "%s: %d synced, %d failed\n",
				name, r.Synced, len(r.Errors))
		}
		for _, e := range r.Errors {
			fmt.Fprintf(w, "  %s: %s\n", e.ID, e.Error)
		}
	}
}

func runRetry(ctx context.Context, a *App, args []string) error {
	fs := flag.NewFlagSet("retry", flag.ContinueOnError)
	fs.SetOutput(a.out)
	maxAttempts := fs.Int("max-attempts", a.cfg.MaxAttempts,
		"Skip operations that already failed this often (0 is unlimited)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() == 0 {
		n, err := a.queue.RetryFailed(*maxAttempts)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "Requeued %d operation(s).\n", n)
		return nil
	}

	var errs []error
	for _, id := range fs.Args() {
		if err := a.queue.RetryOne(id, *maxAttempts); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		fmt.Fprintf(a.out, "Requeued %s\n", id)
	}
	return errors.Join(errs...)
}

func runCancel(ctx context.Context, a *App, args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ContinueOnError)
	fs.SetOutput(a.out)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("cancel needs at least one operation id")
	}
	var errs []error
	for _, id := range fs.Args() {
		if err := a.queue.Cancel(id); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		fmt.Fprintf(a.out, "Cancelled %s\n", id)
	}
	return errors.Join(errs...)
}

func runRemote(ctx context.Context, a *App, args []string) error {
	fs := flag.NewFlagSet("remote", flag.ContinueOnError)
	fs.SetOutput(a.out)
	token := fs.String("token", "", "Bearer token to store with the URL")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() > 1 {
		return errors.New("usage: offlinesales remote [-token T] [URL]")
	}
	if fs.NArg() == 1 {
		url := fs.Arg(0)
		if _, err := remote.New(url); err != nil {
			return err
		}
		if err := a.cfg.SaveRemote(url, *token); err != nil {
			return err
		}
		fmt.Fprintf(a.out, "Backend set to %s\n", url)
		return nil
	}

	client, err := a.remote()
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Backend: %s\nDevice:  %s\n", a.cfg.RemoteURL, a.cfg.DeviceID)
	pingCtx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
	defer cancel()
	if err := client.Ping(pingCtx); err != nil {
		fmt.Fprintf(a.out, "Status:  unreachable (%v)\n", err)
		return nil
	}
	fmt.Fprintln(a.out, "Status:  reachable")
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
