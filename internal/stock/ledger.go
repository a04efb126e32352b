// Package stock computes how much of each product is still
// available to new offline orders. Reservations are always
// derived from the live set of queued operations; nothing here
// keeps a running counter.
package stock

import (
	"github.com/tidwall/gjson"

	"github.com/wesm/offlinesales/internal/db"
	"github.com/wesm/offlinesales/internal/payload"
)

// Shortfall describes one product a candidate order cannot get
// enough of.
type Shortfall struct {
	ProductID string `json:"productId"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

// Validation is the outcome of checking a candidate order.
type Validation struct {
	Valid      bool        `json:"valid"`
	Shortfalls []Shortfall `json:"shortfalls,omitempty"`
}

// reserving reports whether op still holds stock. A failed
// order keeps its units until it syncs or is discarded. Records
// with no status are treated as pending so callers can pass
// hand-built slices.
func reserving(op db.Operation) bool {
	if op.Type != db.TypeCreateOrder {
		return false
	}
	switch op.Status {
	case db.StatusPending, db.StatusSyncing, db.StatusFailed, "":
		return true
	}
	return false
}

// Reserved sums, per product, the quantities held by queued
// orders. Lines without a product id or with a non-positive or
// non-integer quantity are skipped so that one corrupt record
// cannot block validation of unrelated products.
func Reserved(ops []db.Operation) map[string]int {
	reserved := make(map[string]int)
	for _, op := range ops {
		if !reserving(op) {
			continue
		}
		items := gjson.GetBytes(op.Payload, "items")
		if !items.IsArray() {
			continue
		}
		items.ForEach(func(_, line gjson.Result) bool {
			pid := line.Get("productId")
			qty := line.Get("quantity")
			if pid.Type != gjson.String || pid.Str == "" {
				return true
			}
			if qty.Type != gjson.Number ||
				qty.Num != float64(int64(qty.Num)) ||
				qty.Num <= 0 {
				return true
			}
			reserved[pid.Str] += int(qty.Int())
			return true
		})
	}
	return reserved
}

// requested aggregates candidate quantities per product,
// preserving first-appearance order.
func requested(items []payload.Item) ([]string, map[string]int) {
	var order []string
	qty := make(map[string]int)
	for _, it := range items {
		if it.ProductID == "" || it.Quantity <= 0 {
			continue
		}
		if _, seen := qty[it.ProductID]; !seen {
			order = append(order, it.ProductID)
		}
		qty[it.ProductID] += it.Quantity
	}
	return order, qty
}

// Available returns baseline stock minus reservations, floored
// at zero. Products missing from baseline have no stock.
func Available(
	productID string, baseline map[string]int, reserved map[string]int,
) int {
	avail := baseline[productID] - reserved[productID]
	if avail < 0 {
		return 0
	}
	return avail
}

// Validate checks every line of a candidate order against the
// stock left after the reservations in ops. The candidate must
// not be part of ops. All shortfalls are reported, in the order
// products first appear in items.
func Validate(
	items []payload.Item, baseline map[string]int, ops []db.Operation,
) Validation {
	reserved := Reserved(ops)
	order, want := requested(items)

	v := Validation{Valid: true}
	for _, pid := range order {
		avail := Available(pid, baseline, reserved)
		if want[pid] > avail {
			v.Valid = false
			v.Shortfalls = append(v.Shortfalls, Shortfall{
				ProductID: pid,
				Requested: want[pid],
				Available: avail,
			})
		}
	}
	return v
}

// Snapshot builds the per-product audit lines attached to an
// order when it is queued. Available is the raw difference and
// goes negative when the baseline fell below what is already
// reserved.
func Snapshot(
	items []payload.Item, baseline map[string]int, ops []db.Operation,
) []payload.StockLine {
	reserved := Reserved(ops)
	order, _ := requested(items)
	lines := make([]payload.StockLine, 0, len(order))
	for _, pid := range order {
		lines = append(lines, payload.StockLine{
			ProductID:       pid,
			StockAtMoment:   baseline[pid],
			ReservedOffline: reserved[pid],
			Available:       baseline[pid] - reserved[pid],
		})
	}
	return lines
}
