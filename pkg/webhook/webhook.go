// Package webhook delivers signed logout and lifecycle notifications to
// client-registered endpoints.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/authrim/authrim/pkg/crypto"
)

// Payload is the body of a webhook notification.
type Payload struct {
	Event     string            `json:"event"`
	IssuedAt  int64             `json:"iat"`
	SessionID string            `json:"sid,omitempty"`
	UserID    string            `json:"sub,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
}

// Sender POSTs JSON payloads signed with a per-client HMAC secret. Secrets
// are stored encrypted and decrypted only here, inside the send worker.
type Sender struct {
	client    *http.Client
	secretKey []byte
	retries   int
	logger    *slog.Logger
}

// NewSender builds a sender. secretKey is the AES key webhook secrets are
// encrypted with at rest.
func NewSender(logger *slog.Logger, secretKey []byte, timeout time.Duration, retries int) (*Sender, error) {
	if len(secretKey) == 0 {
		return nil, errors.New("webhook: secret key required")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Sender{
		client:    &http.Client{Timeout: timeout},
		secretKey: secretKey,
		retries:   retries,
		logger:    logger,
	}, nil
}

// Send decrypts the per-client secret, signs the payload and POSTs it,
// retrying transient failures.
func (s *Sender) Send(ctx context.Context, url string, encryptedSecret []byte, p Payload) error {
	secret, err := crypto.Decrypt(encryptedSecret, s.secretKey)
	if err != nil {
		return fmt.Errorf("webhook: decrypt secret: %v", err)
	}

	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("webhook: marshal payload: %v", err)
	}

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	sig := hex.EncodeToString(mac.Sum(nil))

	var lastErr error
	for attempt := 0; attempt <= s.retries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("webhook: new request: %v", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Authrim-Timestamp", ts)
		req.Header.Set("X-Authrim-Signature", sig)

		resp, err := s.client.Do(req)
		if err != nil {
			lastErr = err
		} else {
			resp.Body.Close()
			if resp.StatusCode < 300 {
				return nil
			}
			lastErr = fmt.Errorf("webhook: endpoint returned %d", resp.StatusCode)
			// Client errors won't improve on retry.
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return lastErr
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 500 * time.Millisecond):
		}
	}
	return lastErr
}
