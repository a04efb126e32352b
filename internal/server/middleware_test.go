package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

// TestContentTypeWrapper verifies that Content-Type is only set if missing
// when the status code matches the trigger status.
func TestContentTypeWrapper(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name            string
		handler         http.HandlerFunc
		triggerStatus   int
		wantStatus      int
		wantContentType string
		wantBody        string
	}{
		{
			name: "SetsContentTypeOnTriggerStatus",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"error":"timeout"}`))
			},
			triggerStatus:   http.StatusServiceUnavailable,
			wantStatus:      http.StatusServiceUnavailable,
			wantContentType: "application/json",
			wantBody:        `{"error":"timeout"}`,
		},
		{
			name: "KeepsExistingContentType",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "text/plain")
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte("busy"))
			},
			triggerStatus:   http.StatusServiceUnavailable,
			wantStatus:      http.StatusServiceUnavailable,
			wantContentType: "text/plain",
			wantBody:        "busy",
		},
		{
			name: "IgnoresOtherStatuses",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusCreated)
				w.Write([]byte("ok"))
			},
			triggerStatus: http.StatusServiceUnavailable,
			wantStatus:    http.StatusCreated,
			wantBody:      "ok",
		},
		{
			name: "ImplicitOKOnWrite",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Write([]byte("ok"))
				w.WriteHeader(http.StatusTeapot)
			},
			triggerStatus: http.StatusServiceUnavailable,
			wantStatus:    http.StatusOK,
			wantBody:      "ok",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			wrapper := &contentTypeWrapper{
				ResponseWriter: w,
				contentType:    "application/json",
				triggerStatus:  tt.triggerStatus,
			}
			tt.handler(wrapper, httptest.NewRequest("GET", "/", nil))

			resp := w.Result()
			defer resp.Body.Close()
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			gotCT := resp.Header.Get("Content-Type")
			if tt.wantContentType == "" {
				if gotCT == "application/json" {
					t.Errorf("wrapper set Content-Type on status %d", resp.StatusCode)
				}
			} else if gotCT != tt.wantContentType {
				t.Errorf("Content-Type = %q, want %q", gotCT, tt.wantContentType)
			}
			body, _ := io.ReadAll(resp.Body)
			if string(body) != tt.wantBody {
				t.Errorf("body = %q, want %q", body, tt.wantBody)
			}
		})
	}
}

// TestWithTimeoutTriggersOnSlowHandler verifies that withTimeout produces a
// 503 JSON timeout response when the handler exceeds the configured duration.
func TestWithTimeoutTriggersOnSlowHandler(t *testing.T) {
	t.Parallel()

	srv := &Server{writeTimeout: 10 * time.Millisecond, log: zap.NewNop()}
	slow := func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}

	ts := httptest.NewServer(srv.withTimeout(slow))
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/slow")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "request timed out") {
		t.Errorf("body = %q", body)
	}
}

func TestDecodeBody_Limits(t *testing.T) {
	t.Parallel()

	big := `{"online":true,"pad":"` + strings.Repeat("x", maxBodyBytes) + `"}`
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"valid", `{"online":true}`, false},
		{"unknown field", `{"online":true,"extra":1}`, true},
		{"trailing object", `{"online":true}{"online":false}`, true},
		{"oversized", big, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var v connectivityRequest
			r := httptest.NewRequest("POST", "/", strings.NewReader(tt.body))
			err := decodeBody(httptest.NewRecorder(), r, &v)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
