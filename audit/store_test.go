package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x402-foundation/settlex"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRecordAndFindSettlement(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	rec := settlex.SettlementRecord{
		Network:      "eip155:84532",
		Authorizer:   "0x1111",
		Nonce:        "0xaa",
		Payer:        "0x1111",
		TxRef:        "0xconfirmed",
		Success:      true,
		ReceiptID:    "rcpt_1_aa",
		PublishState: settlex.PublishStatePublished,
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, store.RecordSettlement(ctx, rec))

	found, err := store.FindByNonce(ctx, "eip155:84532", "0x1111", "0xaa")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "0xconfirmed", found[0].TxRef)
	assert.True(t, found[0].Success)
	assert.Equal(t, settlex.PublishStatePublished, found[0].PublishState)
}

func TestFindByNonceNewestFirst(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for _, tx := range []string{"0xfirst", "0xsecond"} {
		require.NoError(t, store.RecordSettlement(ctx, settlex.SettlementRecord{
			Network:    "eip155:84532",
			Authorizer: "0x1111",
			Nonce:      "0xaa",
			TxRef:      tx,
			Success:    true,
		}))
	}

	found, err := store.FindByNonce(ctx, "eip155:84532", "0x1111", "0xaa")
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "0xsecond", found[0].TxRef)
	assert.Equal(t, "0xfirst", found[1].TxRef)
}

func TestFindByNonceScopedToKey(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.RecordSettlement(ctx, settlex.SettlementRecord{
		Network: "eip155:84532", Authorizer: "0x1111", Nonce: "0xaa", Success: true,
	}))

	found, err := store.FindByNonce(ctx, "eip155:84532", "0x1111", "0xbb")
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestDefaultPublishState(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.RecordSettlement(ctx, settlex.SettlementRecord{
		Network: "eip155:84532", Authorizer: "0x1111", Nonce: "0xaa",
	}))

	found, err := store.FindByNonce(ctx, "eip155:84532", "0x1111", "0xaa")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, settlex.PublishStateNone, found[0].PublishState)
}

func TestPublishFailures(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.RecordPublishFailure(ctx, "rcpt_1_aa", "0xconfirmed", "gateway down"))
	require.NoError(t, store.RecordPublishFailure(ctx, "rcpt_2_bb", "0xother", "below threshold"))

	failures, err := store.ListPublishFailures(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failures, 2)
	assert.Equal(t, "rcpt_2_bb", failures[0].ReceiptID)
	assert.Equal(t, "below threshold", failures[0].Reason)
	assert.Equal(t, "rcpt_1_aa", failures[1].ReceiptID)
}
