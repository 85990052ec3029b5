package dispatcher

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// defaultControlTimeout bounds a single control request when the
// project does not set its own timeout.
const defaultControlTimeout = 30 * time.Second

type HTTPControlSender struct {
	client *http.Client
}

func NewHTTPControlSender() *HTTPControlSender {
	return &HTTPControlSender{
		client: &http.Client{},
	}
}

// Send posts the control command with HMAC signature.
// Headers: X-Autocoder-Event-ID (attempt), X-Autocoder-Transition-ID, X-Autocoder-Signature
func (s *HTTPControlSender) Send(ctx context.Context, req ControlRequest) ControlResult {
	start := time.Now()

	body, err := json.Marshal(req.Payload)
	if err != nil {
		return ControlResult{Error: fmt.Errorf("marshal: %w", err), Duration: time.Since(start)}
	}

	signature := computeSignature(req.Secret, body)

	timeout := req.Timeout
	if timeout == 0 {
		timeout = defaultControlTimeout
	}
	ctxTimeout, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctxTimeout, http.MethodPost, req.URL, bytes.NewReader(body))
	if err != nil {
		return ControlResult{Error: fmt.Errorf("create request: %w", err), Duration: time.Since(start)}
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Autocoder-Event-ID", req.AttemptID)
	httpReq.Header.Set("X-Autocoder-Transition-ID", req.Payload.TransitionID)
	httpReq.Header.Set("X-Autocoder-Signature", signature)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return ControlResult{Error: fmt.Errorf("send: %w", err), Duration: time.Since(start)}
	}
	defer resp.Body.Close()

	return ControlResult{StatusCode: resp.StatusCode, Duration: time.Since(start)}
}

func computeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature is for control receivers to verify incoming commands.
func VerifySignature(secret string, body []byte, signature string) bool {
	expected := computeSignature(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
