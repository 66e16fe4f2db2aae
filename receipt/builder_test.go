package receipt

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x402-foundation/settlex"
)

func testSettlement() settlex.SettlementSummary {
	return settlex.SettlementSummary{
		TransactionRef: "0xconfirmed",
		Network:        "eip155:84532",
		From:           "0x1111111111111111111111111111111111111111",
		To:             "0x2222222222222222222222222222222222222222",
		Amount:         "10000",
	}
}

func testCompliance() *settlex.ComplianceInput {
	return &settlex.ComplianceInput{
		Payer: settlex.CompliancePayer{
			Jurisdiction: "DE",
			EntityType:   "individual",
			EntityName:   "Alice",
			Email:        "alice@example.com",
		},
		Merchant: settlex.ComplianceMerchant{
			Name:    "Cafe",
			TaxID:   "DE123456789",
			Address: "1 Main St, Berlin",
		},
		Items: []settlex.LineItem{
			{Description: "Coffee", Quantity: "2", UnitPrice: "2.50", Total: "5.00"},
		},
		Preferences: settlex.CompliancePreferences{Currency: "EUR"},
	}
}

func TestBuildCarriesLineItemsVerbatim(t *testing.T) {
	builder := NewBuilder(nil)
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	receipt, err := builder.Build(testSettlement(), testCompliance(), now)
	require.NoError(t, err)

	require.Len(t, receipt.Items, 1)
	item := receipt.Items[0]
	assert.Equal(t, "Coffee", item.Description)
	assert.Equal(t, "2", item.Quantity)
	assert.Equal(t, "2.50", item.UnitPrice)
	assert.Equal(t, "5.00", item.Total)
}

func TestBuildExpiryIsFiveYears(t *testing.T) {
	builder := NewBuilder(nil)
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	receipt, err := builder.Build(testSettlement(), testCompliance(), now)
	require.NoError(t, err)

	assert.Equal(t, now, receipt.GeneratedAt)
	assert.Equal(t, now.AddDate(5, 0, 0), receipt.ExpiresAt)
}

func TestBuildRetentionOverride(t *testing.T) {
	builder := NewBuilder(nil, WithRetentionOverride("DE", 10*365*24*time.Hour))
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	receipt, err := builder.Build(testSettlement(), testCompliance(), now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(10*365*24*time.Hour), receipt.ExpiresAt)

	// Other jurisdictions keep the default.
	other := testCompliance()
	other.Payer.Jurisdiction = "FR"
	receipt, err = builder.Build(testSettlement(), other, now)
	require.NoError(t, err)
	assert.Equal(t, now.AddDate(5, 0, 0), receipt.ExpiresAt)
}

func TestBuildReceiptFields(t *testing.T) {
	builder := NewBuilder(nil)
	now := time.Now()

	receipt, err := builder.Build(testSettlement(), testCompliance(), now)
	require.NoError(t, err)

	assert.Equal(t, "0xconfirmed", receipt.TransactionRef)
	assert.Equal(t, "eip155:84532", receipt.Network)
	assert.Equal(t, "10000", receipt.Amount)
	assert.Equal(t, "EUR", receipt.Currency)
	require.NotNil(t, receipt.Compliance)
	assert.Equal(t, "Alice", receipt.Compliance.Payer.EntityName)
	assert.Equal(t, "Cafe", receipt.Compliance.Merchant.Name)
	assert.True(t, strings.HasPrefix(receipt.ReceiptID, fmt.Sprintf("rcpt_%d_", now.UnixMilli())))
}

func TestBuildRequiresComplianceAndTxRef(t *testing.T) {
	builder := NewBuilder(nil)

	_, err := builder.Build(testSettlement(), nil, time.Now())
	assert.Error(t, err)

	settlement := testSettlement()
	settlement.TransactionRef = ""
	_, err = builder.Build(settlement, testCompliance(), time.Now())
	assert.Error(t, err)
}

func TestBuildMismatchedTotalsTolerated(t *testing.T) {
	builder := NewBuilder(nil)

	compliance := testCompliance()
	compliance.Items[0].Total = "9.99"

	receipt, err := builder.Build(testSettlement(), compliance, time.Now())
	require.NoError(t, err)
	// Caller-supplied total is carried verbatim, not recomputed.
	assert.Equal(t, "9.99", receipt.Items[0].Total)
}

func TestBuildStrictTotalsRejectsMismatch(t *testing.T) {
	builder := NewBuilder(nil, WithStrictTotals())

	compliance := testCompliance()
	compliance.Items[0].Total = "9.99"

	_, err := builder.Build(testSettlement(), compliance, time.Now())
	assert.Error(t, err)
}

func TestBuildRejectsNonNumericItemFields(t *testing.T) {
	builder := NewBuilder(nil)

	compliance := testCompliance()
	compliance.Items[0].Quantity = "two"

	_, err := builder.Build(testSettlement(), compliance, time.Now())
	assert.Error(t, err)
}

func TestSequencerPerYearNumbering(t *testing.T) {
	seq := NewSequencer()

	in2026 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "2026-000001", seq.Next(in2026))
	assert.Equal(t, "2026-000002", seq.Next(in2026))

	in2027 := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "2027-000001", seq.Next(in2027))
}

func TestSequencerConcurrentUnique(t *testing.T) {
	seq := NewSequencer()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	const n = 100
	var wg sync.WaitGroup
	numbers := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			numbers[i] = seq.Next(now)
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	for _, num := range numbers {
		assert.False(t, seen[num], "duplicate receipt number %s", num)
		seen[num] = true
	}
}

func TestReceiptIDsUnique(t *testing.T) {
	now := time.Now()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := newReceiptID(now)
		require.NoError(t, err)
		assert.False(t, seen[id])
		seen[id] = true
	}
}
