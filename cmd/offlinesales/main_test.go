package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	gosync "sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesm/offlinesales/internal/db"
	"github.com/wesm/offlinesales/internal/payload"
)

// setupDataDir points the CLI at a fresh data dir and clears
// environment overrides.
func setupDataDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("OFFLINESALES_DATA_DIR", dir)
	for _, k := range []string{
		"OFFLINESALES_REMOTE_URL", "OFFLINESALES_REMOTE_TOKEN",
		"OFFLINESALES_STOCK_FILE", "OFFLINESALES_LISTEN_ADDR",
		"OFFLINESALES_MAX_ATTEMPTS", "OFFLINESALES_CALL_TIMEOUT",
		"OFFLINESALES_SYNC_INTERVAL", "OFFLINESALES_RETENTION",
	} {
		t.Setenv(k, "")
	}
	return dir
}

func writeStock(t *testing.T, dir string, levels map[string]int) {
	t.Helper()
	b, err := json.Marshal(levels)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stock.json"), b, 0o644))
}

type cliResult struct {
	code   int
	stdout string
	stderr string
}

func runCLI(t *testing.T, stdin string, args ...string) cliResult {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, strings.NewReader(stdin), &stdout, &stderr)
	return cliResult{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

// fakeBackend records calls and answers like the sales backend.
type fakeBackend struct {
	mu     gosync.Mutex
	calls  []string
	fail   map[string]int
	stock  map[string]int
	server *httptest.Server
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{fail: map[string]int{}, stock: map[string]int{}}
	b.server = httptest.NewServer(http.HandlerFunc(b.serve))
	t.Cleanup(b.server.Close)
	return b
}

func (b *fakeBackend) serve(w http.ResponseWriter, r *http.Request) {
	call := r.Method + " " + r.URL.Path
	b.mu.Lock()
	b.calls = append(b.calls, call)
	status, failing := b.fail[call]
	stock := b.stock
	b.mu.Unlock()

	if failing {
		w.WriteHeader(status)
		return
	}
	switch call {
	case "POST /orders":
		io.WriteString(w, `{"id":"srv-order"}`)
	case "POST /writeoffs":
		io.WriteString(w, `{"id":"srv-writeoff"}`)
	case "POST /stock/adjust":
		w.WriteHeader(http.StatusNoContent)
	case "GET /stock":
		json.NewEncoder(w).Encode(stock)
	case "HEAD /health":
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (b *fakeBackend) setFail(call string, status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if status == 0 {
		delete(b.fail, call)
		return
	}
	b.fail[call] = status
}

func (b *fakeBackend) callLog() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func TestRun_Meta(t *testing.T) {
	tests := []struct {
		name       string
		args       []string
		wantCode   int
		wantStdout string
		wantStderr string
	}{
		{name: "no args", wantStdout: "Usage:"},
		{name: "help", args: []string{"help"}, wantStdout: "cleanup"},
		{name: "version", args: []string{"version"}, wantStdout: "offlinesales dev"},
		{
			name:       "unknown",
			args:       []string{"frobnicate"},
			wantCode:   2,
			wantStderr: `unknown command "frobnicate"`,
		},
		{name: "subcommand help", args: []string{"order", "-h"}, wantStdout: "-client"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setupDataDir(t)
			res := runCLI(t, "", tt.args...)
			assert.Equal(t, tt.wantCode, res.code, res.stderr)
			assert.Contains(t, res.stdout, tt.wantStdout)
			assert.Contains(t, res.stderr, tt.wantStderr)
		})
	}
}

func TestParseItem(t *testing.T) {
	tests := []struct {
		in      string
		want    payload.Item
		wantErr string
	}{
		{in: "P1:3", want: payload.Item{ProductID: "P1", Quantity: 3}},
		{
			in: "P1:2:9.95",
			want: payload.Item{
				ProductID: "P1", Quantity: 2,
				UnitPrice: decimal.RequireFromString("9.95"),
			},
		},
		{in: "P1", wantErr: "want PRODUCT:QTY"},
		{in: ":3", wantErr: "want PRODUCT:QTY"},
		{in: "P1:x", wantErr: "quantity"},
		{in: "P1:1:abc", wantErr: "price"},
		{in: "P1:1:2:3", wantErr: "want PRODUCT:QTY"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseItem(tt.in)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want.ProductID, got.ProductID)
			assert.Equal(t, tt.want.Quantity, got.Quantity)
			assert.True(t, tt.want.UnitPrice.Equal(got.UnitPrice))
		})
	}
}

func TestRun_OrderReservesStock(t *testing.T) {
	dir := setupDataDir(t)
	writeStock(t, dir, map[string]int{"P": 5, "Q": 1})

	res := runCLI(t, "", "order", "-client", "c1", "-item", "P:3:2.50")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "Queued order")
	assert.Contains(t, res.stdout, "total 7.50")

	res = runCLI(t, "", "order", "-client", "c2", "-item", "P:3")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stdout, "P: requested 3, available 2")
	assert.Contains(t, res.stderr, "order rejected: insufficient stock")

	res = runCLI(t, "", "order", "-client", "c2", "-item", "P:3", "-no-validate")
	assert.Equal(t, 0, res.code, res.stderr)

	res = runCLI(t, "", "stock")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Regexp(t, `P\s+5\s+0`, res.stdout, "reservations clamp at zero")
	assert.Regexp(t, `Q\s+1\s+1`, res.stdout)

	res = runCLI(t, "", "list", "-json")
	require.Equal(t, 0, res.code, res.stderr)
	var ops []db.Operation
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &ops))
	require.Len(t, ops, 2)
	assert.Equal(t, db.TypeCreateOrder, ops[0].Type)
	assert.Equal(t, db.StatusPending, ops[0].Status)
}

func TestRun_InvalidInputs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"order without items", []string{"order", "-client", "c1"}, "order rejected"},
		{"bad payment", []string{"order", "-client", "c1", "-item", "P:1", "-payment", "barter"}, "order rejected"},
		{"writeoff zero qty", []string{"writeoff", "-product", "P", "-reason", "x"}, "invalid payload"},
		{"bad list status", []string{"list", "-status", "lost"}, `unknown status "lost"`},
		{"bad type", []string{"list", "-type", "invoices"}, `unknown operation type "invoices"`},
		{"cancel needs id", []string{"cancel"}, "at least one operation id"},
		{"cancel unknown", []string{"cancel", "nope"}, "nope"},
		{"sync without backend", []string{"sync"}, "no backend configured"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setupDataDir(t)
			res := runCLI(t, "", tt.args...)
			assert.Equal(t, 1, res.code)
			assert.Contains(t, res.stderr, tt.wantErr)
		})
	}
}

func TestRun_WriteoffListAndCancel(t *testing.T) {
	setupDataDir(t)

	res := runCLI(t, "", "writeoff", "-product", "P", "-qty", "2", "-reason", "expired")
	require.Equal(t, 0, res.code, res.stderr)
	id := strings.TrimSpace(strings.TrimPrefix(res.stdout, "Queued write-off "))

	res = runCLI(t, "", "list", "-type", "writeoffs")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, id)
	assert.Contains(t, res.stdout, "P x2 (expired)")

	res = runCLI(t, "", "cancel", id)
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "Cancelled "+id)

	res = runCLI(t, "", "list")
	assert.Contains(t, res.stdout, "No pending operations.")
}

func TestRun_SyncAgainstBackend(t *testing.T) {
	setupDataDir(t)
	backend := newFakeBackend(t)
	t.Setenv("OFFLINESALES_REMOTE_URL", backend.server.URL)

	res := runCLI(t, "", "order", "-client", "c1", "-item", "P:1")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "stock not checked")
	require.Equal(t, 0, runCLI(t, "", "writeoff", "-product", "P", "-qty", "1", "-reason", "x").code)

	res = runCLI(t, "", "sync")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "orders: 1 synced, 0 failed")
	assert.Contains(t, res.stdout, "writeoffs: 1 synced, 0 failed")
	assert.ElementsMatch(t, []string{
		"POST /orders", "POST /stock/adjust", "POST /writeoffs",
	}, backend.callLog())

	res = runCLI(t, "", "counts", "-json")
	require.Equal(t, 0, res.code, res.stderr)
	assert.JSONEq(t,
		`{"pending":0,"syncing":0,"failed":0,"completed":2}`, res.stdout)

	res = runCLI(t, "", "sync", "-json")
	require.Equal(t, 0, res.code, res.stderr)
	assert.JSONEq(t, `{
		"orders": {"success": true, "sincronizados": 0, "errores": []},
		"writeoffs": {"success": true, "sincronizados": 0, "errores": []}
	}`, res.stdout)
}

func TestRun_SyncFailureAndRetry(t *testing.T) {
	setupDataDir(t)
	backend := newFakeBackend(t)
	backend.setFail("POST /orders", http.StatusBadGateway)
	t.Setenv("OFFLINESALES_REMOTE_URL", backend.server.URL)

	require.Equal(t, 0, runCLI(t, "", "order", "-client", "c1", "-item", "P:1").code)

	res := runCLI(t, "", "sync", "-type", "orders")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stdout, "orders: 0 synced, 1 failed")
	assert.Contains(t, res.stdout, "backend returned 502")
	assert.NotContains(t, res.stdout, "writeoffs:")
	assert.Contains(t, res.stderr, "some operations failed")

	res = runCLI(t, "", "list", "-status", "failed")
	assert.Contains(t, res.stdout, "backend returned 502")

	res = runCLI(t, "", "retry")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "Requeued 1 operation(s).")

	backend.setFail("POST /orders", 0)
	res = runCLI(t, "", "sync")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "orders: 1 synced, 0 failed")
}

func TestRun_Remote(t *testing.T) {
	dir := setupDataDir(t)
	backend := newFakeBackend(t)

	res := runCLI(t, "", "remote", "-token", "tok", backend.server.URL)
	require.Equal(t, 0, res.code, res.stderr)

	raw, err := os.ReadFile(filepath.Join(dir, "config.json"))
	require.NoError(t, err)
	var saved map[string]any
	require.NoError(t, json.Unmarshal(raw, &saved))
	assert.Equal(t, backend.server.URL, saved["remote_url"])
	assert.Equal(t, "tok", saved["remote_token"])

	res = runCLI(t, "", "remote")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "Status:  reachable")

	backend.setFail("HEAD /health", http.StatusServiceUnavailable)
	res = runCLI(t, "", "remote")
	assert.Contains(t, res.stdout, "Status:  unreachable")

	res = runCLI(t, "", "remote", "ftp://nope")
	assert.Equal(t, 1, res.code)
}

func TestRun_Shell(t *testing.T) {
	setupDataDir(t)
	input := strings.Join([]string{
		`writeoff -product P -qty 1 -reason "water damage"`,
		"counts",
		"run",
		"bogus",
		`list -status "unterminated`,
		"",
		"exit",
		"counts",
	}, "\n")

	res := runCLI(t, input, "shell")
	require.Equal(t, 0, res.code, res.stderr)
	out := res.stdout
	assert.Contains(t, out, "Queued write-off")
	assert.Contains(t, out, "pending 1  syncing 0  failed 0  completed 0")
	assert.Contains(t, out, `"run" is not available inside the shell`)
	assert.Contains(t, out, `unknown command "bogus"`)
	assert.Contains(t, out, "closing quote")
	assert.Equal(t, 1, strings.Count(out, "pending 1"), "commands after exit do not run")
}

func TestRun_ShellEOF(t *testing.T) {
	setupDataDir(t)
	res := runCLI(t, "counts", "shell")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "pending 0")
}
