package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/wesm/offlinesales/internal/db"
	"github.com/wesm/offlinesales/internal/payload"
	"github.com/wesm/offlinesales/internal/stock"
)

// DefaultCallTimeout bounds each remote call.
const DefaultCallTimeout = 30 * time.Second

var (
	// ErrSyncInProgress is reported when a pass for the same
	// queue is already running.
	ErrSyncInProgress = errors.New("sync already in progress")
	// ErrOffline is reported when a pass is skipped because the
	// device has no connectivity.
	ErrOffline = errors.New("offline")
	// ErrStockConflict marks an order that no longer fits the
	// current stock baseline.
	ErrStockConflict = errors.New("insufficient stock at sync time")
)

// Connectivity reports whether the remote is reachable.
// *connectivity.Monitor satisfies it.
type Connectivity interface {
	Online() bool
}

type alwaysOnline struct{}

func (alwaysOnline) Online() bool { return true }

// Engine pushes queued operations to the remote, one queue at a
// time. Each queue has its own single-flight guard so an order
// pass and a write-off pass may overlap, but two passes over
// the same queue never do.
type Engine struct {
	db          *db.DB
	conn        Connectivity
	baseline    *stock.Baseline
	callTimeout time.Duration
	maxAttempts int
	log         *zap.Logger
	metrics     *Metrics
	onProgress  ProgressFunc

	orderMu    gosync.Mutex // single-flight for order passes
	writeoffMu gosync.Mutex // single-flight for write-off passes

	mu         gosync.RWMutex
	phase      map[db.OperationType]Phase
	lastSync   time.Time
	lastResult map[db.OperationType]Result
}

// Option configures an Engine.
type Option func(*Engine)

// WithConnectivity gates passes on c.Online().
func WithConnectivity(c Connectivity) Option {
	return func(e *Engine) {
		if c != nil {
			e.conn = c
		}
	}
}

// WithCallTimeout bounds each remote call. Zero or negative
// disables the bound.
func WithCallTimeout(d time.Duration) Option {
	return func(e *Engine) { e.callTimeout = d }
}

// WithBaseline re-validates each order against the stock
// baseline before sending it and consumes the baseline once the
// remote confirms.
func WithBaseline(b *stock.Baseline) Option {
	return func(e *Engine) { e.baseline = b }
}

// WithMaxAttempts caps RetryFailed. Zero means unlimited.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) { e.maxAttempts = n }
}

// WithLogger sets the engine's logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithMetrics records pass and call metrics into m.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithProgress reports per-record progress to fn.
func WithProgress(fn ProgressFunc) Option {
	return func(e *Engine) { e.onProgress = fn }
}

// NewEngine creates a sync engine over database.
func NewEngine(database *db.DB, opts ...Option) *Engine {
	e := &Engine{
		db:          database,
		conn:        alwaysOnline{},
		callTimeout: DefaultCallTimeout,
		log:         zap.NewNop(),
		phase:       make(map[db.OperationType]Phase),
		lastResult:  make(map[db.OperationType]Result),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// LastSync returns the time the last pass finished.
func (e *Engine) LastSync() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastSync
}

// LastResult returns the result of the last pass over typ.
func (e *Engine) LastResult(typ db.OperationType) (Result, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.lastResult[typ]
	return r, ok
}

// Phase reports whether a pass over typ is running.
func (e *Engine) Phase(typ db.OperationType) Phase {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if p, ok := e.phase[typ]; ok {
		return p
	}
	return PhaseIdle
}

// SyncOrders pushes every pending order to remote in creation
// order.
func (e *Engine) SyncOrders(ctx context.Context, remote OrderRemote) Result {
	if remote == nil {
		return e.refuse(db.TypeCreateOrder, fmt.Errorf("order %w", ErrNoRemote))
	}
	return e.run(ctx, db.TypeCreateOrder, &e.orderMu,
		func(ctx context.Context, op db.Operation, p payload.Payload) error {
			o, ok := p.(payload.Order)
			if !ok {
				return fmt.Errorf("%w: %T in order queue", db.ErrUnknownType, p)
			}
			return e.commitOrder(ctx, op, o, remote)
		})
}

// SyncWriteoffs pushes every pending write-off to remote in
// creation order.
func (e *Engine) SyncWriteoffs(ctx context.Context, remote WriteoffRemote) Result {
	if remote == nil {
		return e.refuse(db.TypeCreateWriteoff, fmt.Errorf("write-off %w", ErrNoRemote))
	}
	return e.run(ctx, db.TypeCreateWriteoff, &e.writeoffMu,
		func(ctx context.Context, op db.Operation, p payload.Payload) error {
			w, ok := p.(payload.Writeoff)
			if !ok {
				return fmt.Errorf("%w: %T in write-off queue", db.ErrUnknownType, p)
			}
			return e.commitWriteoff(ctx, op, w, remote)
		})
}

// SyncAll runs the order and write-off passes concurrently and
// returns both results.
func (e *Engine) SyncAll(ctx context.Context, remote Remote) (orders, writeoffs Result) {
	var wg gosync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		orders = e.SyncOrders(ctx, remote)
	}()
	go func() {
		defer wg.Done()
		writeoffs = e.SyncWriteoffs(ctx, remote)
	}()
	wg.Wait()
	return orders, writeoffs
}

// RetryFailed moves failed operations that have attempts left
// back to pending. It does not start a pass.
func (e *Engine) RetryFailed() (int, error) {
	n, err := e.db.ResetFailed(e.maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("retrying failed operations: %w", err)
	}
	if n > 0 {
		e.log.Info("failed operations requeued", zap.Int("count", n))
	}
	return n, nil
}

func (e *Engine) refuse(typ db.OperationType, err error) Result {
	r := newResult()
	r.Err = err
	r.InProgress = errors.Is(err, ErrSyncInProgress)
	r.Offline = errors.Is(err, ErrOffline)
	r.finish()

	label := "error"
	switch {
	case r.InProgress:
		label = "in_progress"
	case r.Offline:
		label = "offline"
	}
	e.metrics.run(typ, label)
	return r
}

type commitFunc func(ctx context.Context, op db.Operation, p payload.Payload) error

// run is one pass over the pending operations of typ. Records
// are committed strictly one after another; a failure is
// recorded on the operation and the pass moves on. Cancelling
// ctx stops the pass between records but never interrupts a
// remote call already issued.
func (e *Engine) run(
	ctx context.Context, typ db.OperationType,
	guard *gosync.Mutex, commit commitFunc,
) Result {
	if !e.conn.Online() {
		return e.refuse(typ, ErrOffline)
	}
	if !guard.TryLock() {
		return e.refuse(typ, ErrSyncInProgress)
	}
	defer guard.Unlock()

	e.setPhase(typ, PhaseSyncing)
	defer e.setPhase(typ, PhaseIdle)

	res := newResult()
	ops, err := e.db.GetPendingOperations(ctx, typ)
	if err != nil {
		res.Err = fmt.Errorf("listing pending %s: %w", typ, err)
		return e.finish(typ, res)
	}
	if len(ops) == 0 {
		return e.finish(typ, res)
	}

	e.log.Info("sync started",
		zap.String("type", string(typ)), zap.Int("pending", len(ops)))
	progress := Progress{Type: typ, Phase: PhaseSyncing, Total: len(ops)}
	e.report(progress)

	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			res.Err = err
			break
		}

		if err := e.db.MarkSyncing(op.ID); err != nil {
			if errors.Is(err, db.ErrNotPending) || errors.Is(err, db.ErrNotFound) {
				// Cancelled or claimed since the listing.
				progress.Total--
				continue
			}
			res.Err = fmt.Errorf("claiming %s: %w", op.ID, err)
			break
		}

		if err := e.commit(ctx, op, commit); err != nil {
			if markErr := e.db.MarkFailed(op.ID, err.Error()); markErr != nil {
				res.Err = fmt.Errorf("recording failure of %s: %w", op.ID, markErr)
				break
			}
			e.log.Warn("operation failed",
				zap.String("id", op.ID),
				zap.String("type", string(typ)),
				zap.Error(err))
			e.metrics.operation(typ, "failed")
			res.RecordFailed(op.ID, err)
			progress.Failed++
			e.report(progress)
			continue
		}

		if err := e.db.MarkCompleted(op.ID); err != nil {
			res.Err = fmt.Errorf("completing %s: %w", op.ID, err)
			break
		}
		e.metrics.operation(typ, "synced")
		res.RecordSynced()
		progress.Done++
		e.report(progress)
	}

	return e.finish(typ, res)
}

func (e *Engine) commit(
	ctx context.Context, op db.Operation, commit commitFunc,
) error {
	p, err := payload.Decode(op)
	if err != nil {
		return err
	}
	return commit(ctx, op, p)
}

func (e *Engine) finish(typ db.OperationType, res Result) Result {
	res.finish()

	label := "ok"
	switch {
	case res.Err != nil:
		label = "error"
		e.log.Error("sync pass aborted",
			zap.String("type", string(typ)), zap.Error(res.Err))
	case len(res.Errors) > 0:
		label = "partial"
	}
	e.metrics.run(typ, label)

	if res.Synced > 0 || len(res.Errors) > 0 {
		e.log.Info("sync finished",
			zap.String("type", string(typ)),
			zap.Int("synced", res.Synced),
			zap.Int("failed", len(res.Errors)))
	}

	e.mu.Lock()
	e.lastSync = time.Now()
	e.lastResult[typ] = res
	e.mu.Unlock()

	e.report(Progress{
		Type:   typ,
		Phase:  PhaseIdle,
		Total:  res.Synced + len(res.Errors),
		Done:   res.Synced,
		Failed: len(res.Errors),
	})
	return res
}

func (e *Engine) commitOrder(
	ctx context.Context, op db.Operation, o payload.Order,
	remote OrderRemote,
) error {
	if e.baseline != nil {
		if err := e.revalidate(ctx, op, o); err != nil {
			return err
		}
	}

	var remoteID string
	err := e.call(ctx, "create_order", func(ctx context.Context) error {
		var err error
		remoteID, err = remote.CreateOrder(ctx, op.ID, o)
		return err
	})
	if err != nil {
		return fmt.Errorf("creating order: %w", err)
	}

	err = e.call(ctx, "adjust_stock", func(ctx context.Context) error {
		return remote.AdjustStock(ctx, op.ID, o.Items)
	})
	if err != nil {
		return fmt.Errorf("adjusting stock for remote order %s: %w", remoteID, err)
	}

	if e.baseline != nil {
		e.baseline.Consume(o.Items)
	}
	e.log.Debug("order synced",
		zap.String("id", op.ID), zap.String("remote_id", remoteID))
	return nil
}

func (e *Engine) commitWriteoff(
	ctx context.Context, op db.Operation, w payload.Writeoff,
	remote WriteoffRemote,
) error {
	var remoteID string
	err := e.call(ctx, "create_writeoff", func(ctx context.Context) error {
		var err error
		remoteID, err = remote.CreateWriteoff(ctx, op.ID, w)
		return err
	})
	if err != nil {
		return fmt.Errorf("creating write-off: %w", err)
	}

	if e.baseline != nil {
		e.baseline.Consume(w.Items())
	}
	e.log.Debug("write-off synced",
		zap.String("id", op.ID), zap.String("remote_id", remoteID))
	return nil
}

// revalidate checks o against the baseline minus the
// reservations of open orders queued before it.
func (e *Engine) revalidate(
	ctx context.Context, op db.Operation, o payload.Order,
) error {
	open, err := e.db.GetOpenOperations(ctx, db.TypeCreateOrder)
	if err != nil {
		return fmt.Errorf("loading reservations: %w", err)
	}
	var earlier []db.Operation
	for _, other := range open {
		if other.ID == op.ID {
			break
		}
		earlier = append(earlier, other)
	}

	v := stock.Validate(o.Items, e.baseline.Levels(), earlier)
	if v.Valid {
		return nil
	}
	s := v.Shortfalls[0]
	return fmt.Errorf("%w: product %s requested %d, available %d",
		ErrStockConflict, s.ProductID, s.Requested, s.Available)
}

// call runs fn under the per-call timeout. The call context is
// detached from ctx's cancellation so that a call in flight runs
// to completion or timeout. call waits for fn to return even
// when fn ignores its context; remote calls never overlap.
func (e *Engine) call(
	ctx context.Context, name string, fn func(context.Context) error,
) error {
	callCtx := context.WithoutCancel(ctx)
	if e.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, e.callTimeout)
		defer cancel()
	}

	started := time.Now()
	err := fn(callCtx)
	e.metrics.remoteCall(name, started)

	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("timed out after %s: %w", e.callTimeout, err)
	}
	return err
}

func (e *Engine) setPhase(typ db.OperationType, p Phase) {
	e.mu.Lock()
	e.phase[typ] = p
	e.mu.Unlock()
}

func (e *Engine) report(p Progress) {
	if e.onProgress != nil {
		e.onProgress(p)
	}
}
