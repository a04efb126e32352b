package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wesm/offlinesales/internal/timeutil"
)

// OperationType discriminates the payload carried by an
// operation record.
type OperationType string

const (
	TypeCreateOrder    OperationType = "CREATE_ORDER"
	TypeCreateWriteoff OperationType = "CREATE_STOCK_WRITEOFF"
)

// Valid reports whether t is a known operation type.
func (t OperationType) Valid() bool {
	switch t {
	case TypeCreateOrder, TypeCreateWriteoff:
		return true
	}
	return false
}

// ParseOperationType accepts a type name or its short form
// ("orders", "writeoffs"). "" and "all" select every type and
// yield "".
func ParseOperationType(s string) (OperationType, error) {
	switch s {
	case "", "all":
		return "", nil
	case "order", "orders":
		return TypeCreateOrder, nil
	case "writeoff", "writeoffs":
		return TypeCreateWriteoff, nil
	}
	if t := OperationType(s); t.Valid() {
		return t, nil
	}
	return "", fmt.Errorf("%w %q (want orders, writeoffs, or all)", ErrUnknownType, s)
}

// Status is the lifecycle state of an operation record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSyncing   Status = "syncing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// InterruptedError is recorded on operations found in the
// syncing state at recovery time.
const InterruptedError = "sync interrupted"

var (
	// ErrNotFound is returned when no record has the given id.
	ErrNotFound = errors.New("operation not found")
	// ErrNotPending is returned when an action requires a
	// pending record.
	ErrNotPending = errors.New("operation is not pending")
	// ErrInvalidTransition is returned when a status change is
	// not allowed from the record's current status.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrAttemptsExhausted is returned when a failed record has
	// reached the retry cap.
	ErrAttemptsExhausted = errors.New("retry attempts exhausted")
	// ErrUnknownType is returned for unsupported operation types.
	ErrUnknownType = errors.New("unknown operation type")
)

// Operation is a durable unit of offline work.
type Operation struct {
	ID          string          `json:"id"`
	Type        OperationType   `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Status      Status          `json:"status"`
	Attempts    int             `json:"attempts"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt time.Time       `json:"completed_at,omitzero"`
}

const operationCols = `id, type, payload, status, attempts,
	last_error, created_at, updated_at, completed_at`

// QueueOperation persists a new pending operation and returns
// it. Storage failures are returned to the caller; nothing is
// recorded in that case.
func (db *DB) QueueOperation(
	ctx context.Context, typ OperationType, payload []byte,
) (Operation, error) {
	if err := checkNew(typ, payload); err != nil {
		return Operation{}, err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.insertOperation(ctx, db.writer, typ, payload)
}

// QueueOperationFunc reads the open records of typ and queues
// the payload build returns for them, inside one write
// transaction. The writer begins transactions IMMEDIATE, so
// another process sharing the file cannot queue between the
// read and the insert. When build returns a nil payload nothing
// is queued and the result is nil.
func (db *DB) QueueOperationFunc(
	ctx context.Context, typ OperationType,
	build func(open []Operation) ([]byte, error),
) (*Operation, error) {
	if !typ.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	var out *Operation
	err := db.UpdateContext(ctx, func(tx *sql.Tx) error {
		where, args := statusFilter(typ, openStatuses...)
		open, err := queryOperations(ctx, tx, where, "created_at, seq", args...)
		if err != nil {
			return err
		}
		payload, err := build(open)
		if err != nil || payload == nil {
			return err
		}
		if err := checkNew(typ, payload); err != nil {
			return err
		}
		op, err := db.insertOperation(ctx, tx, typ, payload)
		if err != nil {
			return err
		}
		out = &op
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func checkNew(typ OperationType, payload []byte) error {
	if !typ.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	if !json.Valid(payload) {
		return fmt.Errorf(
			"queueing %s: payload is not valid JSON", typ,
		)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (db *DB) insertOperation(
	ctx context.Context, ex execer, typ OperationType, payload []byte,
) (Operation, error) {
	now := db.clock()
	op := Operation{
		ID:        uuid.NewString(),
		Type:      typ,
		Payload:   append(json.RawMessage(nil), payload...),
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO operations
			(id, type, payload, status, attempts,
			 created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)`,
		op.ID, string(op.Type), string(op.Payload),
		string(op.Status),
		timeutil.FormatSortable(now), timeutil.FormatSortable(now),
	)
	if err != nil {
		return Operation{}, fmt.Errorf("queueing %s: %w", typ, err)
	}
	return op, nil
}

// GetOperation returns the record with the given id, or nil if
// it does not exist.
func (db *DB) GetOperation(
	ctx context.Context, id string,
) (*Operation, error) {
	row := db.reader.QueryRowContext(ctx,
		"SELECT "+operationCols+" FROM operations WHERE id = ?",
		id,
	)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting operation %s: %w", id, err)
	}
	return &op, nil
}

// GetPendingOperations returns pending records in creation
// order. An empty typ selects every type.
func (db *DB) GetPendingOperations(
	ctx context.Context, typ OperationType,
) ([]Operation, error) {
	return db.listByStatus(ctx, typ, StatusPending)
}

// openStatuses are the states of records that are neither
// confirmed by the backend nor discarded. Open orders hold
// stock.
var openStatuses = []Status{StatusPending, StatusSyncing, StatusFailed}

// GetOpenOperations returns pending, syncing and failed records
// in creation order.
func (db *DB) GetOpenOperations(
	ctx context.Context, typ OperationType,
) ([]Operation, error) {
	return db.listByStatus(ctx, typ, openStatuses...)
}

// GetFailedOperations returns failed records in creation order.
func (db *DB) GetFailedOperations(
	ctx context.Context, typ OperationType,
) ([]Operation, error) {
	return db.listByStatus(ctx, typ, StatusFailed)
}

// GetCompletedOperations returns completed records whose
// completion is at least maxAge old, oldest first. These are the
// records CleanupOldOperations would delete.
func (db *DB) GetCompletedOperations(
	ctx context.Context, maxAge time.Duration,
) ([]Operation, error) {
	if maxAge < 0 {
		return nil, fmt.Errorf("negative max age %s", maxAge)
	}
	cutoff := timeutil.FormatSortable(db.clock().Add(-maxAge))
	return db.list(ctx,
		"status = 'completed' AND completed_at <= ?",
		"completed_at, seq", cutoff)
}

func (db *DB) listByStatus(
	ctx context.Context, typ OperationType, statuses ...Status,
) ([]Operation, error) {
	where, args := statusFilter(typ, statuses...)
	return db.list(ctx, where, "created_at, seq", args...)
}

func statusFilter(
	typ OperationType, statuses ...Status,
) (string, []any) {
	where := "status IN (?" + strings.Repeat(",?", len(statuses)-1) + ")"
	args := make([]any, 0, len(statuses)+1)
	for _, s := range statuses {
		args = append(args, string(s))
	}
	if typ != "" {
		where += " AND type = ?"
		args = append(args, string(typ))
	}
	return where, args
}

func (db *DB) list(
	ctx context.Context, where, orderBy string, args ...any,
) ([]Operation, error) {
	return queryOperations(ctx, db.reader, where, orderBy, args...)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryOperations(
	ctx context.Context, q querier, where, orderBy string, args ...any,
) ([]Operation, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT "+operationCols+" FROM operations WHERE "+where+
			" ORDER BY "+orderBy,
		args...)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	defer rows.Close()

	var ops []Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning operation: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(rs rowScanner) (Operation, error) {
	var (
		op                         Operation
		typ, status, payload       string
		lastErr, updated, complete sql.NullString
		created                    string
	)
	if err := rs.Scan(
		&op.ID, &typ, &payload, &status, &op.Attempts,
		&lastErr, &created, &updated, &complete,
	); err != nil {
		return Operation{}, err
	}
	op.Type = OperationType(typ)
	op.Status = Status(status)
	op.Payload = json.RawMessage(payload)
	op.LastError = lastErr.String

	var err error
	if op.CreatedAt, err = timeutil.Parse(created); err != nil {
		return Operation{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if op.UpdatedAt, err = timeutil.Parse(updated.String); err != nil {
		return Operation{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	if op.CompletedAt, err = timeutil.Parse(complete.String); err != nil {
		return Operation{}, fmt.Errorf("parsing completed_at: %w", err)
	}
	return op, nil
}

// MarkSyncing claims a pending record for a sync pass. Only one
// caller can win the claim; others get ErrNotPending.
func (db *DB) MarkSyncing(id string) error {
	return db.transition(id, ErrNotPending,
		[]Status{StatusPending},
		"status = 'syncing', updated_at = ?",
		timeutil.FormatSortable(db.clock()),
	)
}

// MarkCompleted records a successful remote write and clears
// the last error.
func (db *DB) MarkCompleted(id string) error {
	now := timeutil.FormatSortable(db.clock())
	return db.transition(id, ErrInvalidTransition,
		[]Status{StatusSyncing, StatusPending},
		"status = 'completed', last_error = NULL,"+
			" completed_at = ?, updated_at = ?",
		now, now,
	)
}

// MarkFailed records a failed remote write attempt.
func (db *DB) MarkFailed(id, msg string) error {
	return db.transition(id, ErrInvalidTransition,
		[]Status{StatusSyncing, StatusPending},
		"status = 'failed', attempts = attempts + 1,"+
			" last_error = ?, updated_at = ?",
		msg, timeutil.FormatSortable(db.clock()),
	)
}

// transition applies set to id if its status is one of from.
// When nothing matches it distinguishes a missing record
// (ErrNotFound) from one in the wrong state (wrongState).
func (db *DB) transition(
	id string, wrongState error, from []Status,
	set string, args ...any,
) error {
	return db.Update(func(tx *sql.Tx) error {
		placeholders := make([]string, len(from))
		params := append([]any(nil), args...)
		params = append(params, id)
		for i, s := range from {
			placeholders[i] = "?"
			params = append(params, string(s))
		}
		res, err := tx.Exec(
			"UPDATE operations SET "+set+
				" WHERE id = ? AND status IN ("+
				strings.Join(placeholders, ",")+")",
			params...,
		)
		if err != nil {
			return fmt.Errorf("updating operation %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		var status string
		err = tx.QueryRow(
			"SELECT status FROM operations WHERE id = ?", id,
		).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("reading operation %s: %w", id, err)
		}
		return fmt.Errorf("%w: %s is %s", wrongState, id, status)
	})
}

// ResetFailed moves failed records back to pending so the next
// sync pass picks them up. Records whose attempts reached
// maxAttempts stay failed; maxAttempts <= 0 means no cap.
// Returns the number of records reset.
func (db *DB) ResetFailed(maxAttempts int) (int, error) {
	var n int64
	err := db.Update(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE operations
			SET status = 'pending', updated_at = ?
			WHERE status = 'failed'
			  AND (? <= 0 OR attempts < ?)`,
			timeutil.FormatSortable(db.clock()),
			maxAttempts, maxAttempts,
		)
		if err != nil {
			return fmt.Errorf("resetting failed operations: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}

// ResetFailedOne moves a single failed record back to pending.
func (db *DB) ResetFailedOne(id string, maxAttempts int) error {
	return db.Update(func(tx *sql.Tx) error {
		var (
			status   string
			attempts int
		)
		err := tx.QueryRow(
			"SELECT status, attempts FROM operations WHERE id = ?",
			id,
		).Scan(&status, &attempts)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("reading operation %s: %w", id, err)
		}
		if Status(status) != StatusFailed {
			return fmt.Errorf(
				"%w: %s is %s", ErrInvalidTransition, id, status,
			)
		}
		if maxAttempts > 0 && attempts >= maxAttempts {
			return fmt.Errorf(
				"%w: %s after %d attempts",
				ErrAttemptsExhausted, id, attempts,
			)
		}
		_, err = tx.Exec(`
			UPDATE operations SET status = 'pending', updated_at = ?
			WHERE id = ?`,
			timeutil.FormatSortable(db.clock()), id,
		)
		return err
	})
}

// DeletePending removes a single record that has not been
// picked up by a sync pass.
func (db *DB) DeletePending(id string) error {
	return db.Update(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			"DELETE FROM operations WHERE id = ? AND status = 'pending'",
			id,
		)
		if err != nil {
			return fmt.Errorf("deleting operation %s: %w", id, err)
		}
		if n, err := res.RowsAffected(); err != nil || n > 0 {
			return err
		}
		var status string
		err = tx.QueryRow(
			"SELECT status FROM operations WHERE id = ?", id,
		).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s is %s", ErrNotPending, id, status)
	})
}

// DiscardFailed deletes failed records. With no ids it discards
// every failed record. Ids that are missing or not failed are
// ignored. Returns the number deleted.
func (db *DB) DiscardFailed(ids ...string) (int, error) {
	query := "DELETE FROM operations WHERE status = 'failed'"
	var args []any
	if len(ids) > 0 {
		query += " AND id IN (?" +
			strings.Repeat(",?", len(ids)-1) + ")"
		for _, id := range ids {
			args = append(args, id)
		}
	}
	return db.deleteWhere("discarding failed operations", query, args...)
}

// CleanupOldOperations deletes completed records whose
// completion is at least maxAge old. A zero maxAge removes every
// completed record. Pending, syncing, and failed records are
// never touched.
func (db *DB) CleanupOldOperations(maxAge time.Duration) (int, error) {
	if maxAge < 0 {
		return 0, fmt.Errorf("negative max age %s", maxAge)
	}
	cutoff := timeutil.FormatSortable(db.clock().Add(-maxAge))
	return db.deleteWhere("cleaning up completed operations", `
		DELETE FROM operations
		WHERE status = 'completed' AND completed_at <= ?`,
		cutoff,
	)
}

// ClearPending deletes pending records created at least maxAge
// ago. A zero maxAge discards every pending record.
func (db *DB) ClearPending(maxAge time.Duration) (int, error) {
	if maxAge < 0 {
		return 0, fmt.Errorf("negative max age %s", maxAge)
	}
	cutoff := timeutil.FormatSortable(db.clock().Add(-maxAge))
	return db.deleteWhere("clearing pending operations", `
		DELETE FROM operations
		WHERE status = 'pending' AND created_at <= ?`,
		cutoff,
	)
}

func (db *DB) deleteWhere(
	what, query string, args ...any,
) (int, error) {
	var n int64
	err := db.Update(func(tx *sql.Tx) error {
		res, err := tx.Exec(query, args...)
		if err != nil {
			return fmt.Errorf("%s: %w", what, err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}

// RecoverInterrupted moves records left in the syncing state
// (the process died mid-pass) to failed. Their remote outcome is
// unknown, so they wait for an explicit retry or discard.
func (db *DB) RecoverInterrupted() (int, error) {
	var n int64
	err := db.Update(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE operations
			SET status = 'failed', attempts = attempts + 1,
			    last_error = ?, updated_at = ?
			WHERE status = 'syncing'`,
			InterruptedError, timeutil.FormatSortable(db.clock()),
		)
		if err != nil {
			return fmt.Errorf("recovering interrupted operations: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}
