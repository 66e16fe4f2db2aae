package storage

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCredential struct{}

func (fakeCredential) Address() string { return "0xpublisher" }
func (fakeCredential) SignDigest(digest []byte) ([]byte, error) {
	sig := make([]byte, 65)
	copy(sig, digest)
	return sig, nil
}

// shardGateway is an in-memory storage gateway that records uploads and can
// be scripted to fail specific shards or return specific statuses.
type shardGateway struct {
	mu       sync.Mutex
	uploads  map[int]int
	respond  func(shard, attempt int) int
	uploadID string
}

func newShardGateway(respond func(shard, attempt int) int) *shardGateway {
	return &shardGateway{uploads: make(map[int]int), respond: respond}
}

func (g *shardGateway) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "0xpublisher", r.Header.Get("X-Publisher-Address"))
		assert.True(t, strings.HasPrefix(r.Header.Get("X-Publisher-Signature"), "0x"))
		assert.NotEmpty(t, r.Header.Get("X-Upload-Id"))

		parts := strings.Split(r.URL.Path, "/")
		shard, err := strconv.Atoi(parts[len(parts)-1])
		require.NoError(t, err)

		g.mu.Lock()
		attempt := g.uploads[shard]
		g.uploads[shard]++
		g.uploadID = r.Header.Get("X-Upload-Id")
		g.mu.Unlock()

		w.WriteHeader(g.respond(shard, attempt))
	}
}

func alwaysOK(int, int) int { return http.StatusCreated }

func newTestPublisher(t *testing.T, gatewayURL string, backupDir string) *Publisher {
	return NewPublisher(Config{
		GatewayURL:  gatewayURL,
		ExplorerURL: "https://explorer.example",
		Bucket:      "receipts",
		MaxAttempts: 2,
		RetryBase:   time.Millisecond,
		BackupDir:   backupDir,
	}, fakeCredential{}, nil)
}

func TestPublishSuccess(t *testing.T) {
	gateway := newShardGateway(alwaysOK)
	srv := httptest.NewServer(gateway.handler(t))
	defer srv.Close()

	backupDir := t.TempDir()
	publisher := newTestPublisher(t, srv.URL, backupDir)

	receipt := testReceipt()
	obj, err := publisher.Publish(context.Background(), receipt)
	require.NoError(t, err)

	data, err := MarshalReceipt(receipt)
	require.NoError(t, err)

	assert.Equal(t, ContentDigest(data), obj.Digest)
	assert.Equal(t, len(data), obj.Size)
	assert.Equal(t, DefaultDataShards, obj.DataShards)
	assert.Equal(t, DefaultDataShards+DefaultParityShards, obj.TotalShards)
	assert.Equal(t, srv.URL+"/v1/receipts/"+obj.Digest, obj.DownloadURL)
	assert.Equal(t, "https://explorer.example/object/"+obj.Digest, obj.ViewURL)
	assert.Len(t, gateway.uploads, DefaultDataShards+DefaultParityShards)

	// Backup lands before any upload and matches the published bytes.
	backup, err := os.ReadFile(filepath.Join(backupDir, receipt.ReceiptID+".json"))
	require.NoError(t, err)
	assert.Equal(t, data, backup)
}

func TestPublishRetriesTransientFailures(t *testing.T) {
	// Every shard 500s once, then succeeds.
	gateway := newShardGateway(func(_, attempt int) int {
		if attempt == 0 {
			return http.StatusInternalServerError
		}
		return http.StatusOK
	})
	srv := httptest.NewServer(gateway.handler(t))
	defer srv.Close()

	publisher := newTestPublisher(t, srv.URL, "")

	_, err := publisher.Publish(context.Background(), testReceipt())
	require.NoError(t, err)
	for shard, count := range gateway.uploads {
		assert.Equal(t, 2, count, "shard %d", shard)
	}
}

func TestPublishAuthFailureIsFatal(t *testing.T) {
	gateway := newShardGateway(func(int, int) int { return http.StatusUnauthorized })
	srv := httptest.NewServer(gateway.handler(t))
	defer srv.Close()

	publisher := newTestPublisher(t, srv.URL, "")

	_, err := publisher.Publish(context.Background(), testReceipt())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuthFailed))
	// Fatal on the first shard, no retries, no further shards.
	assert.Len(t, gateway.uploads, 1)
	assert.Equal(t, 1, gateway.uploads[0])
}

func TestPublishBelowThreshold(t *testing.T) {
	// Only 3 shards persist, one short of the reconstruction threshold.
	gateway := newShardGateway(func(shard, _ int) int {
		if shard < 3 {
			return http.StatusOK
		}
		return http.StatusBadRequest
	})
	srv := httptest.NewServer(gateway.handler(t))
	defer srv.Close()

	publisher := newTestPublisher(t, srv.URL, "")

	_, err := publisher.Publish(context.Background(), testReceipt())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBelowThreshold))
}

func TestPublishToleratesParityShardLoss(t *testing.T) {
	// 4 of 7 shards persist: exactly at the reconstruction threshold.
	gateway := newShardGateway(func(shard, _ int) int {
		if shard < 4 {
			return http.StatusOK
		}
		return http.StatusBadRequest
	})
	srv := httptest.NewServer(gateway.handler(t))
	defer srv.Close()

	publisher := newTestPublisher(t, srv.URL, "")

	obj, err := publisher.Publish(context.Background(), testReceipt())
	require.NoError(t, err)
	assert.NotEmpty(t, obj.Digest)
}

func TestPublishWritesBackupEvenWhenGatewayDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	backupDir := t.TempDir()
	publisher := newTestPublisher(t, srv.URL, backupDir)

	receipt := testReceipt()
	_, err := publisher.Publish(context.Background(), receipt)
	require.Error(t, err)

	// The local backup survives the failed publish for out-of-band recovery.
	_, statErr := os.Stat(filepath.Join(backupDir, receipt.ReceiptID+".json"))
	assert.NoError(t, statErr)
}

func TestWriteBackupImmutable(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, WriteBackup(dir, "rcpt_1_aa", []byte("original")))
	// A second write for the same receipt must not clobber the first.
	require.NoError(t, WriteBackup(dir, "rcpt_1_aa", []byte("changed")))

	data, err := os.ReadFile(filepath.Join(dir, "rcpt_1_aa.json"))
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))
}
