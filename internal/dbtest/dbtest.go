// Package dbtest provides helpers for tests that need an
// operation store.
package dbtest

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/wesm/offlinesales/internal/db"
)

// OpenTestDB opens a store in a temp dir, closed on cleanup.
func OpenTestDB(t *testing.T) *db.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	d, err := db.Open(path)
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }

// Clock is a manually advanced time source for db.SetClock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a Clock starting at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Queue inserts an operation with a JSON-encoded payload and
// fails the test on error.
func Queue(
	t *testing.T, d *db.DB, typ db.OperationType, payload any,
) db.Operation {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	op, err := d.QueueOperation(context.Background(), typ, raw)
	if err != nil {
		t.Fatalf("QueueOperation: %v", err)
	}
	return op
}

// RequireStatus fails the test unless the record with id has
// the wanted status.
func RequireStatus(
	t *testing.T, d *db.DB, id string, want db.Status,
) db.Operation {
	t.Helper()
	op, err := d.GetOperation(context.Background(), id)
	if err != nil {
		t.Fatalf("GetOperation(%s): %v", id, err)
	}
	if op == nil {
		t.Fatalf("operation %s not found", id)
	}
	if op.Status != want {
		t.Fatalf("operation %s status = %s, want %s",
			id, op.Status, want)
	}
	return *op
}
