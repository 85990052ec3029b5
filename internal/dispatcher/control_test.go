package dispatcher

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

var _ ControlSender = (*HTTPControlSender)(nil)

func testControlRequest(url string) ControlRequest {
	return ControlRequest{
		URL:    url,
		Secret: "test-secret",
		Payload: ControlPayload{
			Action:         "start",
			Project:        "blog-engine",
			BoundaryAt:     "2026-03-02T09:00:00Z",
			TransitionID:   "3e2f0f6a-9a1c-4f4e-8a94-0d6ce1a2b3c4",
			IdempotencyKey: "abc123",
		},
		AttemptID: "f47ac10b-58cc-4372-a567-0e02b2c3d479",
	}
}

func TestHTTPControlSender_Success(t *testing.T) {
	var (
		mu       sync.Mutex
		gotBody  []byte
		gotReq   *http.Request
		received bool
	)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotBody = body
		gotReq = r.Clone(context.Background())
		received = true
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sender := NewHTTPControlSender()
	req := testControlRequest(server.URL)

	result := sender.Send(context.Background(), req)

	if !result.IsSuccess() {
		t.Fatalf("Send failed: status=%d err=%v", result.StatusCode, result.Error)
	}
	if result.StatusCode != 200 {
		t.Errorf("StatusCode = %d, want 200", result.StatusCode)
	}
	if result.Duration <= 0 {
		t.Error("Duration should be positive")
	}

	mu.Lock()
	defer mu.Unlock()
	if !received {
		t.Fatal("server received no request")
	}

	if gotReq.Method != http.MethodPost {
		t.Errorf("method = %s, want POST", gotReq.Method)
	}
	if ct := gotReq.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if id := gotReq.Header.Get("X-Autocoder-Event-ID"); id != req.AttemptID {
		t.Errorf("X-Autocoder-Event-ID = %q, want %q", id, req.AttemptID)
	}
	if id := gotReq.Header.Get("X-Autocoder-Transition-ID"); id != req.Payload.TransitionID {
		t.Errorf("X-Autocoder-Transition-ID = %q, want %q", id, req.Payload.TransitionID)
	}

	sig := gotReq.Header.Get("X-Autocoder-Signature")
	if sig == "" {
		t.Fatal("X-Autocoder-Signature header missing")
	}
	if !VerifySignature(req.Secret, gotBody, sig) {
		t.Error("signature does not verify against request body")
	}

	var payload ControlPayload
	if err := json.Unmarshal(gotBody, &payload); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if payload.Action != "start" {
		t.Errorf("payload action = %q, want start", payload.Action)
	}
	if payload.Project != "blog-engine" {
		t.Errorf("payload project = %q, want blog-engine", payload.Project)
	}
	if payload.BoundaryAt != "2026-03-02T09:00:00Z" {
		t.Errorf("payload boundary_at = %q, want 2026-03-02T09:00:00Z", payload.BoundaryAt)
	}
	if payload.IdempotencyKey != "abc123" {
		t.Errorf("payload idempotency_key = %q, want abc123", payload.IdempotencyKey)
	}
}

func TestHTTPControlSender_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	sender := NewHTTPControlSender()
	result := sender.Send(context.Background(), testControlRequest(server.URL))

	if result.StatusCode != 500 {
		t.Errorf("StatusCode = %d, want 500", result.StatusCode)
	}
	if result.Error != nil {
		t.Errorf("Error = %v, want nil (HTTP errors are not transport errors)", result.Error)
	}
	if result.IsSuccess() {
		t.Error("500 response should not be success")
	}
	if !result.IsRetryable() {
		t.Error("500 response should be retryable")
	}
}

func TestHTTPControlSender_ConnectionError(t *testing.T) {
	sender := NewHTTPControlSender()

	// Port 1 is never listening
	result := sender.Send(context.Background(), testControlRequest("http://localhost:1"))

	if result.Error == nil {
		t.Fatal("expected connection error")
	}
	if !result.IsRetryable() {
		t.Error("connection error should be retryable")
	}
}

func TestHTTPControlSender_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sender := NewHTTPControlSender()
	req := testControlRequest(server.URL)
	req.Timeout = 50 * time.Millisecond

	result := sender.Send(context.Background(), req)

	if result.Error == nil {
		t.Fatal("expected timeout error")
	}
	if result.IsSuccess() {
		t.Error("timed-out request should not be success")
	}
}

func TestHTTPControlSender_DefaultTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sender := NewHTTPControlSender()
	req := testControlRequest(server.URL)
	req.Timeout = 0 // falls back to the 30s default

	result := sender.Send(context.Background(), req)

	if !result.IsSuccess() {
		t.Errorf("Send with default timeout failed: status=%d err=%v", result.StatusCode, result.Error)
	}
}

func TestVerifySignature(t *testing.T) {
	secret := "test-secret"
	body := []byte(`{"action":"stop","project":"blog-engine"}`)
	valid := computeSignature(secret, body)

	tests := []struct {
		name      string
		secret    string
		body      []byte
		signature string
		want      bool
	}{
		{"valid signature", secret, body, valid, true},
		{"wrong secret", "other-secret", body, valid, false},
		{"tampered body", secret, []byte(`{"action":"start","project":"blog-engine"}`), valid, false},
		{"empty signature", secret, body, "", false},
		{"garbage signature", secret, body, "deadbeef", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifySignature(tt.secret, tt.body, tt.signature); got != tt.want {
				t.Errorf("VerifySignature() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestComputeSignature_Deterministic(t *testing.T) {
	body := []byte(`{"action":"start"}`)

	sig1 := computeSignature("secret", body)
	sig2 := computeSignature("secret", body)
	if sig1 != sig2 {
		t.Error("same secret and body should produce the same signature")
	}

	sig3 := computeSignature("different", body)
	if sig1 == sig3 {
		t.Error("different secrets should produce different signatures")
	}

	if len(sig1) != 64 {
		t.Errorf("signature length = %d, want 64 hex chars", len(sig1))
	}
}
