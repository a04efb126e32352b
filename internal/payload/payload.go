// Package payload defines the domain records carried by queued
// operations. Each operation type has exactly one payload shape;
// Decode dispatches on the record's type discriminant.
package payload

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/wesm/offlinesales/internal/db"
)

// Payload is implemented only by Order and Writeoff.
type Payload interface {
	Type() db.OperationType
	sealed()
}

// Item is one order line.
type Item struct {
	ProductID string          `json:"productId" validate:"required"`
	Quantity  int             `json:"quantity" validate:"gt=0"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

// StockLine records, for one product, the stock picture at the
// moment an order was queued. It is audit data only.
type StockLine struct {
	ProductID       string `json:"productId"`
	StockAtMoment   int    `json:"stockAtMoment"`
	ReservedOffline int    `json:"reservedOffline"`
	Available       int    `json:"available"`
}

// Order is the CREATE_ORDER payload.
type Order struct {
	ClientID      string      `json:"clientId" validate:"required"`
	Items         []Item      `json:"items" validate:"required,min=1,dive"`
	Notes         string      `json:"notes,omitempty" validate:"max=1000"`
	PaymentMethod string      `json:"paymentMethod,omitempty" validate:"omitempty,oneof=cash card transfer credit"`
	Snapshot      []StockLine `json:"stockSnapshot,omitempty"`
}

// Type implements Payload.
func (Order) Type() db.OperationType { return db.TypeCreateOrder }
func (Order) sealed()                {}

// Total returns the sum of quantity times unit price.
func (o Order) Total() decimal.Decimal {
	total := decimal.Zero
	for _, it := range o.Items {
		total = total.Add(
			it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity))),
		)
	}
	return total
}

// Writeoff is the CREATE_STOCK_WRITEOFF ("merma") payload.
type Writeoff struct {
	ProductID string `json:"productId" validate:"required"`
	Quantity  int    `json:"quantity" validate:"gt=0"`
	Reason    string `json:"reason" validate:"required,max=500"`
}

// Type implements Payload.
func (Writeoff) Type() db.OperationType { return db.TypeCreateWriteoff }
func (Writeoff) sealed()                {}

// Items returns the write-off as a single stock line.
func (w Writeoff) Items() []Item {
	return []Item{{ProductID: w.ProductID, Quantity: w.Quantity}}
}

// Decode parses an operation's payload into its typed form.
func Decode(op db.Operation) (Payload, error) {
	switch op.Type {
	case db.TypeCreateOrder:
		var o Order
		if err := json.Unmarshal(op.Payload, &o); err != nil {
			return nil, fmt.Errorf("decoding order %s: %w", op.ID, err)
		}
		return o, nil
	case db.TypeCreateWriteoff:
		var w Writeoff
		if err := json.Unmarshal(op.Payload, &w); err != nil {
			return nil, fmt.Errorf("decoding write-off %s: %w", op.ID, err)
		}
		return w, nil
	default:
		return nil, fmt.Errorf("%w: %q", db.ErrUnknownType, op.Type)
	}
}
