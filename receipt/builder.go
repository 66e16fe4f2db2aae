// Package receipt assembles immutable compliance records from settlement and
// line-item data.
package receipt

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/x402-foundation/settlex"
)

// DefaultRetentionYears is how long a receipt remains valid unless a
// jurisdiction-specific override applies.
const DefaultRetentionYears = 5

// randomSuffixBytes gives 80 bits of randomness in the receipt id, enough to
// make collisions negligible.
const randomSuffixBytes = 10

// Sequencer hands out human-sequential receipt numbers, one counter per
// year, linearized under a mutex.
type Sequencer struct {
	mu   sync.Mutex
	year int
	next int
}

// NewSequencer creates a sequencer starting at 1 for the current period.
func NewSequencer() *Sequencer {
	return &Sequencer{next: 1}
}

// Next returns the receipt number for the given time, e.g. "2026-000042".
func (s *Sequencer) Next(now time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	year := now.UTC().Year()
	if year != s.year {
		s.year = year
		s.next = 1
	}
	n := s.next
	s.next++
	return fmt.Sprintf("%d-%06d", year, n)
}

// Builder builds receipts. Totals on line items are caller-supplied and
// carried verbatim; an advisory guard compares them against
// quantity x unitPrice and logs mismatches without rejecting, unless strict
// mode is enabled.
type Builder struct {
	sequencer *Sequencer
	logger    *zap.Logger

	// retention per payer jurisdiction, overriding DefaultRetention.
	retentionOverrides map[string]time.Duration
	strictTotals       bool
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithRetentionOverride sets a jurisdiction-specific retention period.
func WithRetentionOverride(jurisdiction string, retention time.Duration) BuilderOption {
	return func(b *Builder) {
		b.retentionOverrides[jurisdiction] = retention
	}
}

// WithStrictTotals makes the totals guard reject mismatched line items
// instead of only logging them.
func WithStrictTotals() BuilderOption {
	return func(b *Builder) {
		b.strictTotals = true
	}
}

// NewBuilder creates a receipt builder.
func NewBuilder(logger *zap.Logger, opts ...BuilderOption) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Builder{
		sequencer:          NewSequencer(),
		logger:             logger,
		retentionOverrides: make(map[string]time.Duration),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build assembles a receipt for a confirmed settlement. Pure apart from the
// sequence counter and the id randomness; the receipt is immutable after
// creation.
func (b *Builder) Build(
	settlement settlex.SettlementSummary,
	compliance *settlex.ComplianceInput,
	now time.Time,
) (*settlex.Receipt, error) {
	if compliance == nil {
		return nil, fmt.Errorf("compliance input is required to build a receipt")
	}
	if settlement.TransactionRef == "" {
		return nil, fmt.Errorf("settlement transaction reference is required")
	}

	if err := b.checkTotals(compliance.Items); err != nil {
		return nil, err
	}

	id, err := newReceiptID(now)
	if err != nil {
		return nil, err
	}

	generatedAt := now.UTC()
	expiresAt := generatedAt.AddDate(DefaultRetentionYears, 0, 0)
	if override, ok := b.retentionOverrides[compliance.Payer.Jurisdiction]; ok {
		expiresAt = generatedAt.Add(override)
	}

	items := make([]settlex.LineItem, len(compliance.Items))
	copy(items, compliance.Items)

	return &settlex.Receipt{
		ReceiptID:      id,
		ReceiptNumber:  b.sequencer.Next(now),
		TransactionRef: settlement.TransactionRef,
		Network:        settlement.Network,
		From:           settlement.From,
		To:             settlement.To,
		Amount:         settlement.Amount,
		Currency:       compliance.Preferences.Currency,
		GeneratedAt:    generatedAt,
		ExpiresAt:      expiresAt,
		Compliance: &settlex.ComplianceDetails{
			Payer:    compliance.Payer,
			Merchant: compliance.Merchant,
		},
		Items: items,
	}, nil
}

// checkTotals verifies quantity x unitPrice == total per line item. Totals
// are trusted at this layer, so mismatches only log a warning by default.
func (b *Builder) checkTotals(items []settlex.LineItem) error {
	for i, item := range items {
		quantity, err := decimal.NewFromString(item.Quantity)
		if err != nil {
			return fmt.Errorf("item %d: invalid quantity %q", i, item.Quantity)
		}
		unitPrice, err := decimal.NewFromString(item.UnitPrice)
		if err != nil {
			return fmt.Errorf("item %d: invalid unitPrice %q", i, item.UnitPrice)
		}
		total, err := decimal.NewFromString(item.Total)
		if err != nil {
			return fmt.Errorf("item %d: invalid total %q", i, item.Total)
		}

		if !quantity.Mul(unitPrice).Equal(total) {
			if b.strictTotals {
				return fmt.Errorf("item %d: total %s does not match quantity %s x unitPrice %s",
					i, item.Total, item.Quantity, item.UnitPrice)
			}
			b.logger.Warn("line item total does not match quantity x unitPrice",
				zap.Int("item", i),
				zap.String("description", item.Description),
				zap.String("total", item.Total),
				zap.String("computed", quantity.Mul(unitPrice).String()))
		}
	}
	return nil
}

// newReceiptID returns "rcpt_{unixMillis}_{20 hex chars}".
func newReceiptID(now time.Time) (string, error) {
	suffix := make([]byte, randomSuffixBytes)
	if _, err := rand.Read(suffix); err != nil {
		return "", fmt.Errorf("failed to generate receipt id: %w", err)
	}
	return fmt.Sprintf("rcpt_%d_%s", now.UnixMilli(), hex.EncodeToString(suffix)), nil
}
