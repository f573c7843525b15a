package anchorclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newAnchorServer(t *testing.T, transferStatus int, transferBody string) (*httptest.Server, *int32) {
	t.Helper()
	var transferCalls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-anchor-key") != "test-key" {
			t.Errorf("expected api key header, got %q", r.Header.Get("x-anchor-key"))
		}
		switch r.URL.Path {
		case "/api/v1/counterparties":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"data":{"id":"cp-1"}}`))
		case "/api/v1/transfers":
			atomic.AddInt32(&transferCalls, 1)
			if r.Header.Get("Idempotency-Key") != "ref-1" {
				t.Errorf("expected idempotency header ref-1, got %q", r.Header.Get("Idempotency-Key"))
			}
			var payload NIPTransferRequest
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				t.Errorf("decode transfer payload: %v", err)
			}
			if payload.Data.Relationships.CounterParty.Data.ID != "cp-1" {
				t.Errorf("expected counterparty cp-1, got %q", payload.Data.Relationships.CounterParty.Data.ID)
			}
			w.WriteHeader(transferStatus)
			_, _ = w.Write([]byte(transferBody))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)
	return server, &transferCalls
}

func testParams() TransferParams {
	return TransferParams{
		SourceAccountID: "src-1",
		AccountNumber:   "0123456789",
		BankCode:        "058",
		Amount:          500000,
		Reason:          "rent",
		Reference:       "ref-1",
	}
}

func TestInitiateNIPTransferSuccess(t *testing.T) {
	server, calls := newAnchorServer(t, http.StatusCreated, `{"data":{"id":"tr-1","type":"NIPTransfer","attributes":{"status":"PENDING","reference":"ref-1"}}}`)
	client := NewClient(server.URL, "test-key", time.Second)

	resp, err := client.InitiateNIPTransfer(context.Background(), testParams())
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if resp.Data.ID != "tr-1" {
		t.Fatalf("expected transfer id tr-1, got %q", resp.Data.ID)
	}
	if atomic.LoadInt32(calls) != 1 {
		t.Fatalf("expected one transfer call, got %d", atomic.LoadInt32(calls))
	}
}

func TestInitiateNIPTransferErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantRetryable bool
	}{
		{name: "server error", status: http.StatusBadGateway, body: `{"errors":[{"title":"Bad Gateway","detail":"upstream","status":"502"}]}`, wantRetryable: true},
		{name: "throttled", status: http.StatusTooManyRequests, body: `{}`, wantRetryable: true},
		{name: "validation error", status: http.StatusBadRequest, body: `{"errors":[{"title":"Invalid","detail":"bad account","status":"400"}]}`, wantRetryable: false},
		{name: "unparsable error body", status: http.StatusUnprocessableEntity, body: `oops`, wantRetryable: false},
		{name: "explicit failed status", status: http.StatusOK, body: `{"data":{"id":"tr-1","attributes":{"status":"FAILED","failureReason":"dormant account"}}}`, wantRetryable: false},
		{name: "unreadable success body", status: http.StatusOK, body: `not-json`, wantRetryable: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, _ := newAnchorServer(t, tt.status, tt.body)
			client := NewClient(server.URL, "test-key", time.Second)

			_, err := client.InitiateNIPTransfer(context.Background(), testParams())
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected *APIError, got %T (%v)", err, err)
			}
			if apiErr.Retryable != tt.wantRetryable {
				t.Fatalf("expected retryable=%t, got %t (%v)", tt.wantRetryable, apiErr.Retryable, err)
			}
			if IsRetryable(err) != tt.wantRetryable {
				t.Fatalf("IsRetryable disagrees with APIError.Retryable")
			}
		})
	}
}

func TestInitiateNIPTransferTimeoutIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/counterparties" {
			_, _ = w.Write([]byte(`{"data":{"id":"cp-1"}}`))
			return
		}
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`{"data":{"id":"tr-1","attributes":{"status":"PENDING"}}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "test-key", 50*time.Millisecond)
	_, err := client.InitiateNIPTransfer(context.Background(), testParams())
	if !IsRetryable(err) {
		t.Fatalf("expected retryable timeout error, got %v", err)
	}
}
