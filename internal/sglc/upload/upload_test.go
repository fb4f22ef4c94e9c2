package upload

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sglc/link-core/internal/logger"
	"github.com/sglc/link-core/internal/sglc/eventbus"
)

type capturedRequest struct {
	headers http.Header
	body    []byte
}

type fakeHTTPClient struct {
	mu       sync.Mutex
	requests []capturedRequest
	status   int
	failWith error
}

func (c *fakeHTTPClient) Do(req *http.Request) (*http.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWith != nil {
		return nil, c.failWith
	}
	var body []byte
	if req.Body != nil {
		body, _ = io.ReadAll(req.Body)
	}
	c.requests = append(c.requests, capturedRequest{headers: req.Header.Clone(), body: body})
	status := c.status
	if status == 0 {
		status = 200
	}
	return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(""))}, nil
}

func (c *fakeHTTPClient) last() capturedRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[len(c.requests)-1]
}

func (c *fakeHTTPClient) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

type fakeBlobSink struct {
	mu   sync.Mutex
	keys []string
	fail error
}

func (s *fakeBlobSink) Upload(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.keys = append(s.keys, key)
	return nil
}

func drain(t *testing.T, ch <-chan eventbus.Event) eventbus.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("expected an event, got none")
		return eventbus.Event{}
	}
}

func TestHandleFileCompletePostsRawBytesAsBody(t *testing.T) {
	client := &fakeHTTPClient{}
	r := New(client, nil, logger.Logger(), WithDefaultWebhook("https://example.test/webhook"),
		WithJWT(JWTConfig{StaticToken: "abc123"}))

	if err := r.HandleFileComplete(context.Background(), "k1", "photo.jpg", []byte("raw-photo-bytes"), time.Unix(1000, 0)); err != nil {
		t.Fatalf("HandleFileComplete: %v", err)
	}

	if client.count() != 1 {
		t.Fatalf("expected 1 request, got %d", client.count())
	}
	req := client.last()
	if string(req.body) != "raw-photo-bytes" {
		t.Fatalf("expected raw bytes as body, got %q", req.body)
	}
	if got := req.headers.Get("Content-Type"); got != "application/octet-stream" {
		t.Fatalf("expected octet-stream content type, got %q", got)
	}
	if got := req.headers.Get("Authorization"); got != "Bearer abc123" {
		t.Fatalf("expected static bearer token, got %q", got)
	}
	if got := req.headers.Get("X-Sglc-File-Name"); got != "photo.jpg" {
		t.Fatalf("expected filename header, got %q", got)
	}
}

func TestHandleFileCompleteMintsJWTWhenSecretConfigured(t *testing.T) {
	client := &fakeHTTPClient{}
	r := New(client, nil, logger.Logger(), WithDefaultWebhook("https://example.test/webhook"),
		WithJWT(JWTConfig{Secret: []byte("supersecret"), Issuer: "sglc", Subject: "bridge", TTL: time.Minute}))

	if err := r.HandleFileComplete(context.Background(), "k1", "v.mp4", []byte("x"), time.Now()); err != nil {
		t.Fatalf("HandleFileComplete: %v", err)
	}

	auth := client.last().headers.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") || len(auth) < 20 {
		t.Fatalf("expected a minted JWT bearer header, got %q", auth)
	}
}

func TestHandleFileCompleteArchivesToBlobSinkWhenConfigured(t *testing.T) {
	client := &fakeHTTPClient{}
	sink := &fakeBlobSink{}
	r := New(client, nil, logger.Logger(), WithDefaultWebhook("https://example.test/webhook"), WithBlobSink(sink))

	if err := r.HandleFileComplete(context.Background(), "k2", "f.bin", []byte("payload"), time.Now()); err != nil {
		t.Fatalf("HandleFileComplete: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.keys) != 1 || sink.keys[0] != "k2" {
		t.Fatalf("expected blob sink to receive key k2, got %+v", sink.keys)
	}
}

func TestHandleFileCompleteSucceedsEvenIfBlobSinkFails(t *testing.T) {
	client := &fakeHTTPClient{}
	sink := &fakeBlobSink{fail: errors.New("simulated blob failure")}
	r := New(client, nil, logger.Logger(), WithDefaultWebhook("https://example.test/webhook"), WithBlobSink(sink))

	if err := r.HandleFileComplete(context.Background(), "k3", "f.bin", []byte("payload"), time.Now()); err != nil {
		t.Fatalf("expected webhook POST to still succeed despite blob failure, got %v", err)
	}
}

func TestHandleFileCompletePropagatesWebhookFailure(t *testing.T) {
	client := &fakeHTTPClient{status: 500}
	r := New(client, nil, logger.Logger(), WithDefaultWebhook("https://example.test/webhook"))

	if err := r.HandleFileComplete(context.Background(), "k4", "f.bin", []byte("payload"), time.Now()); err == nil {
		t.Fatalf("expected error on non-2xx webhook response")
	}
}

func TestRequestPhotoThenFileCompleteUsesRegisteredWebhookAndEmitsPhotoComplete(t *testing.T) {
	client := &fakeHTTPClient{}
	bus := eventbus.New(logger.Logger())
	ready, unsubReady := bus.Subscribe(eventbus.EventPhotoReady, 1)
	defer unsubReady()
	complete, unsubComplete := bus.Subscribe(eventbus.EventPhotoComplete, 1)
	defer unsubComplete()

	r := New(client, bus, logger.Logger())
	r.RequestPhoto("req-1", "img-42", "https://per-request.test/hook", "per-request-token", nil)
	if r.ActiveTransfers() != 1 {
		t.Fatalf("expected 1 active transfer after RequestPhoto, got %d", r.ActiveTransfers())
	}

	r.HandleBlePhotoReady("img-42", 150)
	if ev := drain(t, ready); ev.Data.(string) != "img-42" {
		t.Fatalf("expected PhotoReady for img-42, got %v", ev.Data)
	}

	if err := r.HandleFileComplete(context.Background(), "img-42", "img-42.jpg", []byte("bytes"), time.Now()); err != nil {
		t.Fatalf("HandleFileComplete: %v", err)
	}

	req := client.last()
	if got := req.headers.Get("Authorization"); got != "Bearer per-request-token" {
		t.Fatalf("expected per-request token, got %q", got)
	}

	ev := drain(t, complete)
	payload, ok := ev.Data.(PhotoCompletePayload)
	if !ok {
		t.Fatalf("expected PhotoCompletePayload, got %T", ev.Data)
	}
	if payload.CompressionDurationMs != 150 {
		t.Fatalf("expected compression duration 150, got %d", payload.CompressionDurationMs)
	}
	if r.ActiveTransfers() != 0 {
		t.Fatalf("expected transfer destroyed after upload, got %d active", r.ActiveTransfers())
	}
}

func TestHandleFileCompleteFallsBackToDefaultWebhookWhenUnmatched(t *testing.T) {
	client := &fakeHTTPClient{}
	r := New(client, nil, logger.Logger(), WithDefaultWebhook("https://default.test/webhook"))

	if err := r.HandleFileComplete(context.Background(), "no-such-transfer", "f.jpg", []byte("bytes"), time.Now()); err != nil {
		t.Fatalf("HandleFileComplete: %v", err)
	}
	if client.count() != 1 {
		t.Fatalf("expected fallback webhook POST, got %d requests", client.count())
	}
}

func TestHandleFileCompletePublishesWebhookUploadFailedAndDestroysTransfer(t *testing.T) {
	client := &fakeHTTPClient{status: 500}
	bus := eventbus.New(logger.Logger())
	failed, unsub := bus.Subscribe(eventbus.EventWebhookUploadFailed, 1)
	defer unsub()

	r := New(client, bus, logger.Logger())
	r.RequestPhoto("req-2", "img-7", "https://example.test/webhook", "", nil)

	if err := r.HandleFileComplete(context.Background(), "img-7", "img-7.jpg", []byte("bytes"), time.Now()); err == nil {
		t.Fatalf("expected error on non-2xx webhook response")
	}
	drain(t, failed)
	if r.ActiveTransfers() != 0 {
		t.Fatalf("expected transfer destroyed even after a failed upload, got %d active", r.ActiveTransfers())
	}
}
