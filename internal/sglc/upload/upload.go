// Package upload relays completed BLE-photo transfers to the webhook
// registered for that capture, authenticated either by a static bearer
// token or a freshly minted JWT, with an optional secondary archival sink.
package upload

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sglc/link-core/internal/sglc/eventbus"
)

// HTTPClient is the minimal capability Relay needs from an HTTP client,
// narrowed so tests can inject a stub without standing up a real server.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// BlobSink is an optional secondary archival destination for completed
// file payloads (e.g. Azure Blob Storage).
type BlobSink interface {
	Upload(ctx context.Context, key string, data []byte) error
}

// JWTConfig configures bearer-token minting for webhook requests. If Secret
// is empty, StaticToken (if set) is used verbatim instead.
type JWTConfig struct {
	Secret      []byte
	Issuer      string
	Subject     string
	TTL         time.Duration
	StaticToken string
}

// PhotoTransfer is one in-flight BLE photo capture: the webhook/auth it was
// requested against, plus the timing milestones needed to compute
// PhotoCompletePayload's durations. Registered by RequestPhoto, updated by
// HandleBlePhotoReady, and destroyed by HandleFileComplete once its webhook
// POST settles (success or failure).
type PhotoTransfer struct {
	RequestID             string
	BleImgID              string
	WebhookURL            string
	AuthToken             string
	SigningKey            []byte
	RequestedAt           time.Time
	ReadyAt               time.Time
	CompressionDurationMs int
}

// PhotoCompletePayload is published on eventbus.EventPhotoComplete once a
// matched transfer's assembled bytes have been POSTed to its webhook.
type PhotoCompletePayload struct {
	BleImgID              string
	FileName              string
	Size                  int
	CompressionDurationMs int
	TransferDurationMs    int64 // first file packet -> file transfer complete
	TotalDurationMs       int64 // RequestPhoto -> file transfer complete
}

// Relay posts completed BLE-photo transfers to the webhook registered for
// them and, optionally, archives the bytes via a BlobSink.
type Relay struct {
	client HTTPClient
	blob   BlobSink
	bus    *eventbus.Bus
	logger *slog.Logger

	defaultWebhook string
	defaultHeaders map[string]string
	defaultJWT     JWTConfig

	mu        sync.Mutex
	transfers map[string]*PhotoTransfer // keyed by bleImgID
}

// Option configures a Relay at construction time.
type Option func(*Relay)

// WithHeaders sets static HTTP headers applied to every webhook request,
// including those for transfers registered via RequestPhoto.
func WithHeaders(headers map[string]string) Option {
	return func(r *Relay) { r.defaultHeaders = headers }
}

// WithJWT configures the default bearer-token authentication used for a
// completed transfer that wasn't preceded by a RequestPhoto registration.
func WithJWT(cfg JWTConfig) Option {
	return func(r *Relay) { r.defaultJWT = cfg }
}

// WithBlobSink registers a secondary archival sink invoked alongside the
// webhook POST; a sink failure is logged but never fails HandleFileComplete.
func WithBlobSink(sink BlobSink) Option {
	return func(r *Relay) { r.blob = sink }
}

// WithDefaultWebhook sets the webhook URL used for a completed transfer
// that has no matching PhotoTransfer registration.
func WithDefaultWebhook(url string) Option {
	return func(r *Relay) { r.defaultWebhook = url }
}

// New constructs a Relay. bus, if non-nil, receives PhotoReady,
// PhotoComplete, and WebhookUploadFailed publications.
func New(client HTTPClient, bus *eventbus.Bus, logger *slog.Logger, opts ...Option) *Relay {
	r := &Relay{
		client:         client,
		bus:            bus,
		logger:         logger,
		defaultHeaders: make(map[string]string),
		transfers:      make(map[string]*PhotoTransfer),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RequestPhoto registers the webhook/auth a future completed transfer
// should be relayed to, keyed by bleImgID so HandleBlePhotoReady and
// HandleFileComplete can find it again once the device responds. It does
// not itself send the capture command; that's a K900 command sent through
// the link by the caller.
func (r *Relay) RequestPhoto(requestID, bleImgID, webhookURL, authToken string, signingKey []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transfers[bleImgID] = &PhotoTransfer{
		RequestID:   requestID,
		BleImgID:    bleImgID,
		WebhookURL:  webhookURL,
		AuthToken:   authToken,
		SigningKey:  signingKey,
		RequestedAt: time.Now(),
	}
}

// HandleBlePhotoReady records the device's ble_photo_ready signal: on-device
// JPEG compression finished in compressionDurationMs and the file-packet
// transfer is about to begin. Publishes PhotoReady regardless of whether a
// matching RequestPhoto registration exists.
func (r *Relay) HandleBlePhotoReady(bleImgID string, compressionDurationMs int) {
	r.mu.Lock()
	if t, ok := r.transfers[bleImgID]; ok {
		t.ReadyAt = time.Now()
		t.CompressionDurationMs = compressionDurationMs
	}
	r.mu.Unlock()

	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Name: eventbus.EventPhotoReady, Data: bleImgID})
	}
}

// HandleFileComplete is invoked once fileproto reports a completed
// transfer; transferStart is when its first file packet arrived. name is
// matched against the bleImgID of a registered PhotoTransfer (the device
// names a photo's file-packet stream after its bleImgID); matched or not,
// the assembled bytes are POSTed as-is to the resolved webhook, and any
// matched transfer record is destroyed once the POST settles, whether it
// succeeded or failed.
func (r *Relay) HandleFileComplete(ctx context.Context, name, fileName string, data []byte, transferStart time.Time) error {
	r.mu.Lock()
	transfer, matched := r.transfers[name]
	if matched {
		delete(r.transfers, name)
	}
	r.mu.Unlock()

	webhookURL, headers, jwtCfg := r.defaultWebhook, r.defaultHeaders, r.defaultJWT
	if matched {
		webhookURL = transfer.WebhookURL
		jwtCfg = JWTConfig{StaticToken: transfer.AuthToken, Secret: transfer.SigningKey,
			Issuer: r.defaultJWT.Issuer, Subject: r.defaultJWT.Subject, TTL: r.defaultJWT.TTL}
	}

	if r.blob != nil {
		if err := r.blob.Upload(ctx, name, data); err != nil {
			r.logger.Error("upload: blob archival failed", "key", name, "error", err)
		}
	}

	completedAt := time.Now()
	if err := r.postWebhook(ctx, webhookURL, headers, jwtCfg, name, fileName, data, completedAt); err != nil {
		if r.bus != nil {
			r.bus.Publish(eventbus.Event{Name: eventbus.EventWebhookUploadFailed, Data: err})
		}
		return err
	}

	if r.bus != nil {
		payload := PhotoCompletePayload{
			BleImgID:           name,
			FileName:           fileName,
			Size:               len(data),
			TransferDurationMs: completedAt.Sub(transferStart).Milliseconds(),
		}
		if matched {
			payload.CompressionDurationMs = transfer.CompressionDurationMs
			payload.TotalDurationMs = completedAt.Sub(transfer.RequestedAt).Milliseconds()
		}
		r.bus.Publish(eventbus.Event{Name: eventbus.EventPhotoComplete, Data: payload})
	}
	return nil
}

// ActiveTransfers reports the number of photo transfers registered but not
// yet destroyed by a matching HandleFileComplete.
func (r *Relay) ActiveTransfers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.transfers)
}

// postWebhook POSTs data as the request body verbatim; key/fileName/size/
// timestamp ride along as headers rather than wrapping the bytes in a JSON
// envelope, since the webhook contract is "here are the photo's bytes".
func (r *Relay) postWebhook(ctx context.Context, webhookURL string, headers map[string]string, jwtCfg JWTConfig, key, fileName string, data []byte, now time.Time) error {
	if webhookURL == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("upload relay: failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Sglc-Key", key)
	req.Header.Set("X-Sglc-File-Name", fileName)
	req.Header.Set("X-Sglc-Size", strconv.Itoa(len(data)))
	req.Header.Set("X-Sglc-Timestamp", strconv.FormatInt(now.Unix(), 10))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if token, err := bearerToken(jwtCfg); err != nil {
		return fmt.Errorf("upload relay: failed to mint bearer token: %w", err)
	} else if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("upload relay: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("upload relay: server returned status %d", resp.StatusCode)
	}
	return nil
}

// bearerToken returns the Authorization bearer value: a freshly minted JWT
// if a signing secret is configured, else the static token, else empty.
func bearerToken(cfg JWTConfig) (string, error) {
	if len(cfg.Secret) == 0 {
		return cfg.StaticToken, nil
	}
	now := time.Now()
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = 5 * time.Minute
	}
	claims := jwt.RegisteredClaims{
		Issuer:    cfg.Issuer,
		Subject:   cfg.Subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(cfg.Secret)
}
