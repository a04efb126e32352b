// Package queue is the write-side API for offline orders and
// stock write-offs. It validates payloads, checks stock
// reservations, and persists pending operations.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wesm/offlinesales/internal/db"
	"github.com/wesm/offlinesales/internal/payload"
	"github.com/wesm/offlinesales/internal/stock"
)

// ErrInsufficientStock is the message reported when an order
// is rejected for shortfalls.
var ErrInsufficientStock = errors.New("insufficient stock")

// Queue wraps the operation store with validated write paths.
type Queue struct {
	db  *db.DB
	log *zap.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger. The default discards output.
func WithLogger(l *zap.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.log = l
		}
	}
}

// New creates a Queue over database.
func New(database *db.DB, opts ...Option) *Queue {
	q := &Queue{db: database, log: zap.NewNop()}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// SaveOptions controls stock handling for SaveOrder.
type SaveOptions struct {
	// Baseline is the last known remote stock per product.
	Baseline map[string]int
	// Validate rejects the order when any line exceeds the stock
	// left after pending reservations.
	Validate bool
}

// SaveResult is the outcome of SaveOrder. Validation failures
// are reported here with Success false; they are not errors.
type SaveResult struct {
	Success    bool              `json:"success"`
	Order      *db.Operation     `json:"order,omitempty"`
	Error      string            `json:"error,omitempty"`
	Shortfalls []stock.Shortfall `json:"shortfalls,omitempty"`
}

// SaveOrder queues an order. A rejected order leaves no trace in
// the store. The returned error is non-nil only when the store
// could not be read or written, in which case the order was not
// captured.
func (q *Queue) SaveOrder(
	ctx context.Context, order payload.Order, opts SaveOptions,
) (SaveResult, error) {
	if err := payload.Validate(order); err != nil {
		return SaveResult{Error: err.Error()}, nil
	}

	var rejected *stock.Validation
	op, err := q.db.QueueOperationFunc(ctx, db.TypeCreateOrder,
		func(open []db.Operation) ([]byte, error) {
			if opts.Validate {
				v := stock.Validate(order.Items, opts.Baseline, open)
				if !v.Valid {
					rejected = &v
					return nil, nil
				}
			}
			if opts.Baseline != nil {
				order.Snapshot = stock.Snapshot(order.Items, opts.Baseline, open)
			}
			raw, err := json.Marshal(order)
			if err != nil {
				return nil, fmt.Errorf("encoding %s: %w", order.Type(), err)
			}
			return raw, nil
		})
	if err != nil {
		q.log.Error("operation not captured",
			zap.String("type", string(db.TypeCreateOrder)), zap.Error(err))
		return SaveResult{}, err
	}
	if rejected != nil {
		q.log.Info("order rejected",
			zap.String("client", order.ClientID),
			zap.Int("shortfalls", len(rejected.Shortfalls)),
		)
		return SaveResult{
			Error:      ErrInsufficientStock.Error(),
			Shortfalls: rejected.Shortfalls,
		}, nil
	}

	q.log.Info("order queued",
		zap.String("id", op.ID),
		zap.String("client", order.ClientID),
		zap.Int("lines", len(order.Items)),
		zap.String("total", order.Total().String()),
	)
	return SaveResult{Success: true, Order: op}, nil
}

// SaveWriteoff queues a stock write-off. Write-offs only reduce
// stock, so no reservation check applies.
func (q *Queue) SaveWriteoff(
	ctx context.Context, w payload.Writeoff,
) (db.Operation, error) {
	if err := payload.Validate(w); err != nil {
		return db.Operation{}, err
	}
	op, err := q.persist(ctx, w)
	if err != nil {
		return db.Operation{}, err
	}
	q.log.Info("write-off queued",
		zap.String("id", op.ID),
		zap.String("product", w.ProductID),
		zap.Int("quantity", w.Quantity),
	)
	return op, nil
}

func (q *Queue) persist(
	ctx context.Context, p payload.Payload,
) (db.Operation, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return db.Operation{}, fmt.Errorf("encoding %s: %w", p.Type(), err)
	}
	op, err := q.db.QueueOperation(ctx, p.Type(), raw)
	if err != nil {
		q.log.Error("operation not captured",
			zap.String("type", string(p.Type())), zap.Error(err))
		return db.Operation{}, err
	}
	return op, nil
}

// Cancel removes one pending operation.
func (q *Queue) Cancel(id string) error {
	if err := q.db.DeletePending(id); err != nil {
		return err
	}
	q.log.Info("operation cancelled", zap.String("id", id))
	return nil
}

// ClearOffline discards every pending operation.
func (q *Queue) ClearOffline() (int, error) {
	n, err := q.db.ClearPending(0)
	if err != nil {
		return 0, err
	}
	q.log.Warn("pending operations cleared", zap.Int("removed", n))
	return n, nil
}

// Get returns one operation, or nil if there is none with id.
func (q *Queue) Get(ctx context.Context, id string) (*db.Operation, error) {
	return q.db.GetOperation(ctx, id)
}

// ListPending returns pending operations oldest first. An empty
// typ lists every type.
func (q *Queue) ListPending(
	ctx context.Context, typ db.OperationType,
) ([]db.Operation, error) {
	return q.db.GetPendingOperations(ctx, typ)
}

// ListFailed returns failed operations oldest first.
func (q *Queue) ListFailed(
	ctx context.Context, typ db.OperationType,
) ([]db.Operation, error) {
	return q.db.GetFailedOperations(ctx, typ)
}

// ListCompleted returns completed operations older than
// retention: the ones Cleanup would remove.
func (q *Queue) ListCompleted(
	ctx context.Context, retention time.Duration,
) ([]db.Operation, error) {
	return q.db.GetCompletedOperations(ctx, retention)
}

// List returns operations in status, oldest first, restricted to
// typ unless it is empty. Completed operations are listed
// regardless of age.
func (q *Queue) List(
	ctx context.Context, status db.Status, typ db.OperationType,
) ([]db.Operation, error) {
	switch status {
	case db.StatusPending:
		return q.ListPending(ctx, typ)
	case db.StatusFailed:
		return q.ListFailed(ctx, typ)
	case db.StatusCompleted:
		ops, err := q.ListCompleted(ctx, 0)
		if err != nil || typ == "" {
			return ops, err
		}
		out := ops[:0]
		for _, op := range ops {
			if op.Type == typ {
				out = append(out, op)
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown status %q", status)
}

// Counts returns per-status counts for status badges.
func (q *Queue) Counts(ctx context.Context) (db.OperationCounts, error) {
	return q.db.GetOperationCounts(ctx)
}

// RetryFailed moves failed operations below maxAttempts back to
// pending. maxAttempts <= 0 means no cap.
func (q *Queue) RetryFailed(maxAttempts int) (int, error) {
	n, err := q.db.ResetFailed(maxAttempts)
	if err != nil {
		return 0, err
	}
	q.log.Info("failed operations requeued",
		zap.Int("count", n), zap.Int("max_attempts", maxAttempts))
	return n, nil
}

// RetryOne moves a single failed operation back to pending.
func (q *Queue) RetryOne(id string, maxAttempts int) error {
	if err := q.db.ResetFailedOne(id, maxAttempts); err != nil {
		return err
	}
	q.log.Info("failed operation requeued", zap.String("id", id))
	return nil
}

// DiscardFailed deletes failed operations, or all of them when no
// ids are given.
func (q *Queue) DiscardFailed(ids ...string) (int, error) {
	n, err := q.db.DiscardFailed(ids...)
	if err != nil {
		return 0, err
	}
	q.log.Warn("failed operations discarded", zap.Int("removed", n))
	return n, nil
}

// Cleanup deletes completed operations older than retention.
func (q *Queue) Cleanup(retention time.Duration) (int, error) {
	n, err := q.db.CleanupOldOperations(retention)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.log.Info("completed operations cleaned up",
			zap.Int("removed", n), zap.Duration("retention", retention))
	}
	return n, nil
}

// AvailableStock returns, for every product in baseline, the
// stock left for new orders after the reservations of open
// orders.
func (q *Queue) AvailableStock(
	ctx context.Context, baseline map[string]int,
) (map[string]int, error) {
	open, err := q.db.GetOpenOperations(ctx, db.TypeCreateOrder)
	if err != nil {
		return nil, fmt.Errorf("reading reservations: %w", err)
	}
	reserved := stock.Reserved(open)
	out := make(map[string]int, len(baseline))
	for pid := range baseline {
		out[pid] = stock.Available(pid, baseline, reserved)
	}
	return out, nil
}
