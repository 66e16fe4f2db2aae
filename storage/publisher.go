package storage

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/x402-foundation/settlex"
)

// Sentinel failures. ErrAuthFailed is fatal and never retried;
// ErrBelowThreshold means too few shards survived upload to guarantee
// reconstruction.
var (
	ErrAuthFailed     = errors.New("storage authentication failed")
	ErrBelowThreshold = errors.New("surviving shards below reconstruction threshold")
)

// Config holds publisher settings. Zero retry/backoff fields fall back to
// the defaults (3 attempts, 500ms base backoff).
type Config struct {
	GatewayURL  string
	ExplorerURL string
	Bucket      string

	DataShards   int
	ParityShards int

	MaxAttempts int
	RetryBase   time.Duration
	BackupDir   string
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.DataShards == 0 {
		out.DataShards = DefaultDataShards
	}
	if out.ParityShards == 0 {
		out.ParityShards = DefaultParityShards
	}
	if out.MaxAttempts == 0 {
		out.MaxAttempts = 3
	}
	if out.RetryBase == 0 {
		out.RetryBase = 500 * time.Millisecond
	}
	return out
}

// Credential signs upload requests with the publisher's own key. Receipts
// are authenticated by the facilitator, never by the payer.
type Credential interface {
	Address() string
	SignDigest(digest []byte) ([]byte, error)
}

// Publisher uploads erasure-coded receipts to the storage gateway.
type Publisher struct {
	cfg        Config
	credential Credential
	httpClient *http.Client
	logger     *zap.Logger
}

// NewPublisher creates a publisher.
func NewPublisher(cfg Config, credential Credential, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		cfg:        cfg.withDefaults(),
		credential: credential,
		httpClient: &http.Client{},
		logger:     logger,
	}
}

// Publish serializes, digests, shards, and uploads a receipt. A local backup
// is written before any remote attempt so a failed publish is recoverable
// out-of-band without re-settling. Network failures are retried with
// backoff; authentication failures and below-threshold shard loss are fatal.
func (p *Publisher) Publish(ctx context.Context, receipt *settlex.Receipt) (*settlex.StoredObject, error) {
	data, err := MarshalReceipt(receipt)
	if err != nil {
		return nil, err
	}
	digest := ContentDigest(data)

	if p.cfg.BackupDir != "" {
		if err := WriteBackup(p.cfg.BackupDir, receipt.ReceiptID, data); err != nil {
			return nil, fmt.Errorf("failed to write local backup: %w", err)
		}
	}

	shards, err := EncodeShards(data, p.cfg.DataShards, p.cfg.ParityShards)
	if err != nil {
		return nil, err
	}

	signature, err := p.credential.SignDigest(digestBytes(digest))
	if err != nil {
		return nil, fmt.Errorf("failed to sign upload: %w", err)
	}

	uploadID := uuid.NewString()
	ok := 0
	for i, shard := range shards {
		if err := p.uploadShard(ctx, digest, uploadID, i, shard, signature); err != nil {
			if errors.Is(err, ErrAuthFailed) {
				return nil, err
			}
			p.logger.Warn("shard upload failed",
				zap.String("digest", digest),
				zap.Int("shard", i),
				zap.Error(err))
			continue
		}
		ok++
	}
	if ok < p.cfg.DataShards {
		return nil, fmt.Errorf("%w: %d/%d uploaded", ErrBelowThreshold, ok, len(shards))
	}

	return &settlex.StoredObject{
		Digest:      digest,
		Size:        len(data),
		TotalShards: p.cfg.DataShards + p.cfg.ParityShards,
		DataShards:  p.cfg.DataShards,
		DownloadURL: fmt.Sprintf("%s/v1/%s/%s", strings.TrimRight(p.cfg.GatewayURL, "/"), p.cfg.Bucket, digest),
		ViewURL:     fmt.Sprintf("%s/object/%s", strings.TrimRight(p.cfg.ExplorerURL, "/"), digest),
	}, nil
}

// uploadShard PUTs one shard, retrying transient failures with exponential
// backoff and jitter up to MaxAttempts.
func (p *Publisher) uploadShard(ctx context.Context, digest, uploadID string, index int, shard, signature []byte) error {
	url := fmt.Sprintf("%s/v1/%s/%s/shards/%d",
		strings.TrimRight(p.cfg.GatewayURL, "/"), p.cfg.Bucket, digest, index)

	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := p.cfg.RetryBase << (attempt - 1)
			backoff += time.Duration(rand.Int63n(int64(p.cfg.RetryBase)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(shard))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		req.Header.Set("X-Publisher-Address", p.credential.Address())
		req.Header.Set("X-Publisher-Signature", "0x"+hex.EncodeToString(signature))
		req.Header.Set("X-Upload-Id", uploadID)

		resp, err := p.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return fmt.Errorf("%w: status %d", ErrAuthFailed, resp.StatusCode)
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("gateway returned %d", resp.StatusCode)
			continue
		default:
			return fmt.Errorf("gateway rejected shard: status %d", resp.StatusCode)
		}
	}
	return fmt.Errorf("shard upload exhausted %d attempts: %w", p.cfg.MaxAttempts, lastErr)
}

func digestBytes(digest string) []byte {
	raw, err := hex.DecodeString(strings.TrimPrefix(digest, "0x"))
	if err != nil {
		// ContentDigest always produces valid hex.
		panic(err)
	}
	return raw
}
