package stock

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"

	"github.com/wesm/offlinesales/internal/db"
	"github.com/wesm/offlinesales/internal/payload"
)

func orderOp(t *testing.T, status db.Status, items ...payload.Item) db.Operation {
	t.Helper()
	raw, err := json.Marshal(payload.Order{ClientID: "c", Items: items})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return db.Operation{
		Type: db.TypeCreateOrder, Status: status, Payload: raw,
	}
}

func rawOp(payloadJSON string) db.Operation {
	return db.Operation{
		Type:    db.TypeCreateOrder,
		Status:  db.StatusPending,
		Payload: json.RawMessage(payloadJSON),
	}
}

func item(pid string, qty int) payload.Item {
	return payload.Item{ProductID: pid, Quantity: qty}
}

func TestValidate_SequentialOfflineOrders(t *testing.T) {
	baseline := map[string]int{"P": 5}
	var queued []db.Operation

	first := []payload.Item{item("P", 3)}
	v := Validate(first, baseline, queued)
	assert.True(t, v.Valid)
	queued = append(queued, orderOp(t, db.StatusPending, first...))
	assert.Equal(t, 2, Available("P", baseline, Reserved(queued)))

	v = Validate([]payload.Item{item("P", 4)}, baseline, queued)
	assert.False(t, v.Valid)
	if diff := cmp.Diff(
		[]Shortfall{{ProductID: "P", Requested: 4, Available: 2}},
		v.Shortfalls,
	); diff != "" {
		t.Errorf("shortfalls mismatch (-want +got):\n%s", diff)
	}

	v = Validate([]payload.Item{item("P", 2)}, baseline, queued)
	assert.True(t, v.Valid)
	assert.Empty(t, v.Shortfalls)
}

func TestValidate_ReportsAllShortfalls(t *testing.T) {
	baseline := map[string]int{"A": 1, "B": 10, "C": 2}
	queued := []db.Operation{
		orderOp(t, db.StatusPending, item("C", 2)),
	}
	v := Validate([]payload.Item{
		item("A", 2), item("B", 3), item("C", 1), item("Z", 1),
	}, baseline, queued)

	assert.False(t, v.Valid)
	want := []Shortfall{
		{ProductID: "A", Requested: 2, Available: 1},
		{ProductID: "C", Requested: 1, Available: 0},
		{ProductID: "Z", Requested: 1, Available: 0},
	}
	if diff := cmp.Diff(want, v.Shortfalls); diff != "" {
		t.Errorf("shortfalls mismatch (-want +got):\n%s", diff)
	}
}

func TestValidate_DuplicateLinesAggregate(t *testing.T) {
	v := Validate(
		[]payload.Item{item("P", 2), item("P", 2)},
		map[string]int{"P": 3}, nil,
	)
	assert.False(t, v.Valid)
	assert.Equal(t, []Shortfall{{ProductID: "P", Requested: 4, Available: 3}}, v.Shortfalls)
}

func TestValidate_ZeroStockIsUnavailable(t *testing.T) {
	v := Validate([]payload.Item{item("P", 1)}, map[string]int{"P": 0}, nil)
	assert.Equal(t, []Shortfall{{ProductID: "P", Requested: 1, Available: 0}}, v.Shortfalls)
}

func TestReserved(t *testing.T) {
	tests := []struct {
		name string
		ops  []db.Operation
		want map[string]int
	}{
		{
			name: "sums across orders",
			ops: []db.Operation{
				orderOp(t, db.StatusPending, item("A", 1), item("B", 2)),
				orderOp(t, db.StatusPending, item("A", 3)),
			},
			want: map[string]int{"A": 4, "B": 2},
		},
		{
			name: "syncing still reserves",
			ops:  []db.Operation{orderOp(t, db.StatusSyncing, item("A", 1))},
			want: map[string]int{"A": 1},
		},
		{
			name: "failed orders keep their units",
			ops:  []db.Operation{orderOp(t, db.StatusFailed, item("A", 2))},
			want: map[string]int{"A": 2},
		},
		{
			name: "completed records release",
			ops: []db.Operation{
				orderOp(t, db.StatusCompleted, item("A", 1)),
			},
			want: map[string]int{},
		},
		{
			name: "write-offs do not reserve",
			ops: []db.Operation{{
				Type:    db.TypeCreateWriteoff,
				Status:  db.StatusPending,
				Payload: json.RawMessage(`{"items":[{"productId":"A","quantity":1}]}`),
			}},
			want: map[string]int{},
		},
		{
			name: "malformed lines skipped",
			ops: []db.Operation{
				rawOp(`{"items":[{"quantity":5},{"productId":"A","quantity":2}]}`),
				rawOp(`{"items":[{"productId":"A","quantity":-1}]}`),
				rawOp(`{"items":[{"productId":"A","quantity":1.5}]}`),
				rawOp(`{"items":[{"productId":"A","quantity":"3"}]}`),
				rawOp(`{"items":[{"productId":7,"quantity":1}]}`),
				rawOp(`{"items":"nope"}`),
				rawOp(`not json`),
			},
			want: map[string]int{"A": 2},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Reserved(tt.ops)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Reserved() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSnapshot(t *testing.T) {
	baseline := map[string]int{"A": 5, "B": 1}
	queued := []db.Operation{
		orderOp(t, db.StatusPending, item("A", 3), item("B", 2)),
	}
	got := Snapshot(
		[]payload.Item{item("A", 1), item("B", 1), item("A", 1)},
		baseline, queued,
	)
	want := []payload.StockLine{
		{ProductID: "A", StockAtMoment: 5, ReservedOffline: 3, Available: 2},
		{ProductID: "B", StockAtMoment: 1, ReservedOffline: 2, Available: -1},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Snapshot() mismatch (-want +got):\n%s", diff)
	}
}
