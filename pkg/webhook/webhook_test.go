package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/authrim/authrim/pkg/crypto"
)

func TestSenderSignsPayload(t *testing.T) {
	secret := []byte("per-client-webhook-secret")
	key := bytes.Repeat([]byte("k"), 32)
	encrypted, err := crypto.Encrypt(secret, key)
	require.NoError(t, err)

	type received struct {
		body []byte
		ts   string
		sig  string
	}
	got := make(chan received, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- received{body: body, ts: r.Header.Get("X-Authrim-Timestamp"), sig: r.Header.Get("X-Authrim-Signature")}
	}))
	defer ts.Close()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	sender, err := NewSender(logger, key, time.Second, 0)
	require.NoError(t, err)

	err = sender.Send(context.Background(), ts.URL, encrypted, Payload{
		Event:  "user.logout",
		UserID: "user-1",
	})
	require.NoError(t, err)

	r := <-got
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(r.ts))
	mac.Write([]byte("."))
	mac.Write(r.body)
	require.Equal(t, hex.EncodeToString(mac.Sum(nil)), r.sig)
	require.Contains(t, string(r.body), `"user.logout"`)
}

func TestSenderRetriesServerErrors(t *testing.T) {
	secret := []byte("s")
	key := bytes.Repeat([]byte("k"), 32)
	encrypted, err := crypto.Encrypt(secret, key)
	require.NoError(t, err)

	attempts := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
	}))
	defer ts.Close()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	sender, err := NewSender(logger, key, time.Second, 2)
	require.NoError(t, err)

	require.NoError(t, sender.Send(context.Background(), ts.URL, encrypted, Payload{Event: "user.logout"}))
	require.Equal(t, 2, attempts)
}

func TestSenderStopsOnClientError(t *testing.T) {
	secret := []byte("s")
	key := bytes.Repeat([]byte("k"), 32)
	encrypted, err := crypto.Encrypt(secret, key)
	require.NoError(t, err)

	attempts := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusForbidden)
	}))
	defer ts.Close()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	sender, err := NewSender(logger, key, time.Second, 3)
	require.NoError(t, err)

	require.Error(t, sender.Send(context.Background(), ts.URL, encrypted, Payload{Event: "user.logout"}))
	require.Equal(t, 1, attempts, "4xx responses must not be retried")
}
