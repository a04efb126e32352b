package sync

import (
	"context"
	"errors"

	"github.com/wesm/offlinesales/internal/payload"
)

// ErrNoRemote is returned by RemoteFuncs when the needed
// function is not set.
var ErrNoRemote = errors.New("remote function not configured")

// OrderRemote creates orders on the source of truth. The id is
// the local operation id and should be used as an idempotency
// key.
type OrderRemote interface {
	CreateOrder(ctx context.Context, id string, o payload.Order) (string, error)
	AdjustStock(ctx context.Context, id string, items []payload.Item) error
}

// WriteoffRemote records stock write-offs on the source of truth.
type WriteoffRemote interface {
	CreateWriteoff(ctx context.Context, id string, w payload.Writeoff) (string, error)
}

// Remote serves both queues.
type Remote interface {
	OrderRemote
	WriteoffRemote
}

// RemoteFuncs adapts plain functions to Remote. A nil
// AdjustStockFunc is a no-op; the create functions are required
// for their queue.
type RemoteFuncs struct {
	CreateOrderFunc    func(ctx context.Context, id string, o payload.Order) (string, error)
	AdjustStockFunc    func(ctx context.Context, id string, items []payload.Item) error
	CreateWriteoffFunc func(ctx context.Context, id string, w payload.Writeoff) (string, error)
}

// CreateOrder implements OrderRemote.
func (f RemoteFuncs) CreateOrder(
	ctx context.Context, id string, o payload.Order,
) (string, error) {
	if f.CreateOrderFunc == nil {
		return "", ErrNoRemote
	}
	return f.CreateOrderFunc(ctx, id, o)
}

// AdjustStock implements OrderRemote.
func (f RemoteFuncs) AdjustStock(
	ctx context.Context, id string, items []payload.Item,
) error {
	if f.AdjustStockFunc == nil {
		return nil
	}
	return f.AdjustStockFunc(ctx, id, items)
}

// CreateWriteoff implements WriteoffRemote.
func (f RemoteFuncs) CreateWriteoff(
	ctx context.Context, id string, w payload.Writeoff,
) (string, error) {
	if f.CreateWriteoffFunc == nil {
		return "", ErrNoRemote
	}
	return f.CreateWriteoffFunc(ctx, id, w)
}
