package settlex

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultSettleTimeout bounds how long a settle request waits for ledger
// confirmation before reporting timed-out.
const DefaultSettleTimeout = 30 * time.Second

// DefaultCacheTTL bounds how long terminal settle responses are replayed to
// retrying callers.
const DefaultCacheTTL = 5 * time.Minute

// networkBackend pairs the verifier and ledger serving one network.
type networkBackend struct {
	verifier Verifier
	ledger   Ledger
}

// Facilitator orchestrates payment verification and settlement, and runs the
// optional compliance-receipt pipeline inside the settle round trip. It never
// holds payer funds and never signs on the payer's behalf.
type Facilitator struct {
	mu       sync.RWMutex
	backends map[string]*networkBackend

	extensions []string

	receipts  ReceiptBuilder
	publisher ReceiptPublisher
	audit     AuditLog

	beforeVerifyHooks []BeforeVerifyHook
	afterVerifyHooks  []AfterVerifyHook
	beforeSettleHooks []BeforeSettleHook
	afterSettleHooks  []AfterSettleHook

	cache         *SettlementCache
	settleTimeout time.Duration
	logger        *zap.Logger
	now           func() time.Time
}

// FacilitatorOption configures a Facilitator.
type FacilitatorOption func(*Facilitator)

// WithReceiptPipeline enables compliance-receipt generation on settle requests
// that carry compliance input, and advertises the extension via Supported.
func WithReceiptPipeline(builder ReceiptBuilder, publisher ReceiptPublisher) FacilitatorOption {
	return func(f *Facilitator) {
		f.receipts = builder
		f.publisher = publisher
		f.registerExtension(ExtensionComplianceReceipts)
	}
}

// WithAuditLog records terminal settlement outcomes and swallowed publish
// failures for reconciliation.
func WithAuditLog(audit AuditLog) FacilitatorOption {
	return func(f *Facilitator) { f.audit = audit }
}

// WithSettleTimeout overrides the per-settlement confirmation deadline.
func WithSettleTimeout(d time.Duration) FacilitatorOption {
	return func(f *Facilitator) { f.settleTimeout = d }
}

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) FacilitatorOption {
	return func(f *Facilitator) { f.logger = logger }
}

// WithClock overrides the time source used for verification windows and
// receipt timestamps.
func WithClock(now func() time.Time) FacilitatorOption {
	return func(f *Facilitator) { f.now = now }
}

// NewFacilitator creates a facilitator with no networks registered.
func NewFacilitator(opts ...FacilitatorOption) *Facilitator {
	f := &Facilitator{
		backends:      make(map[string]*networkBackend),
		cache:         NewSettlementCache(DefaultCacheTTL),
		settleTimeout: DefaultSettleTimeout,
		logger:        zap.NewNop(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Register adds a network backend. Later registrations for the same network
// replace earlier ones.
func (f *Facilitator) Register(network string, verifier Verifier, ledger Ledger) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.backends[network] = &networkBackend{verifier: verifier, ledger: ledger}
	return f
}

func (f *Facilitator) registerExtension(extension string) {
	for _, ext := range f.extensions {
		if ext == extension {
			return
		}
	}
	f.extensions = append(f.extensions, extension)
}

func (f *Facilitator) backend(network string) (*networkBackend, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	b, ok := f.backends[network]
	return b, ok
}

// Ledger returns the ledger registered for a network, for callers that need
// direct reserve or nonce reads.
func (f *Facilitator) Ledger(network string) (Ledger, bool) {
	b, ok := f.backend(network)
	if !ok {
		return nil, false
	}
	return b.ledger, true
}

// Verify checks a payment without settling it. Verification is read-only, so
// a valid result is advisory: state may change before settlement.
func (f *Facilitator) Verify(ctx context.Context, req *VerifyRequest) (VerifyResponse, error) {
	if err := ValidatePaymentPayload(req.PaymentPayload); err != nil {
		return VerifyResponse{IsValid: false, InvalidReason: ReasonInvalidPayload}, nil
	}
	if err := ValidatePaymentRequirements(req.PaymentRequirements); err != nil {
		return VerifyResponse{IsValid: false, InvalidReason: ReasonInvalidPayload}, nil
	}

	b, ok := f.backend(req.PaymentPayload.Network)
	if !ok {
		return VerifyResponse{IsValid: false, InvalidReason: ReasonUnsupportedNetwork}, nil
	}

	hookCtx := VerifyContext{
		Ctx:                 ctx,
		PaymentPayload:      req.PaymentPayload,
		PaymentRequirements: req.PaymentRequirements,
	}
	for _, hook := range f.beforeVerifyHooks {
		result, err := hook(hookCtx)
		if err != nil {
			return VerifyResponse{}, err
		}
		if result != nil && result.Abort {
			return VerifyResponse{IsValid: false, InvalidReason: result.Reason}, nil
		}
	}

	resp, err := b.verifier.Verify(ctx, req.PaymentPayload, req.PaymentRequirements, f.now())
	if err != nil {
		return resp, err
	}
	for _, hook := range f.afterVerifyHooks {
		if hookErr := hook(hookCtx, resp); hookErr != nil {
			f.logger.Warn("after-verify hook failed", zap.Error(hookErr))
		}
	}
	return resp, nil
}

// Settle verifies and then executes a payment, blocking until the ledger
// confirms, rejects, or the settle timeout elapses. Retries of the same
// authorization are served from the settlement cache instead of resubmitting.
func (f *Facilitator) Settle(ctx context.Context, req *SettleRequest) (*SettleResponse, error) {
	if err := ValidatePaymentPayload(req.PaymentPayload); err != nil {
		return &SettleResponse{Success: false, ErrorReason: ReasonInvalidPayload}, nil
	}
	if err := ValidatePaymentRequirements(req.PaymentRequirements); err != nil {
		return &SettleResponse{Success: false, ErrorReason: ReasonInvalidPayload}, nil
	}

	payload := req.PaymentPayload
	auth := payload.Payload.Authorization

	b, ok := f.backend(payload.Network)
	if !ok {
		return &SettleResponse{Success: false, ErrorReason: ReasonUnsupportedNetwork, Network: payload.Network}, nil
	}

	key := SettlementKey(payload.Network, auth.From, auth.Nonce)
	for {
		status, cached, done := f.cache.CheckAndMark(key)
		switch status {
		case StatusCached:
			f.logger.Debug("settle served from cache",
				zap.String("network", payload.Network),
				zap.String("payer", auth.From))
			return cached, nil
		case StatusInFlight:
			result, err := f.cache.WaitForResult(ctx, key, done)
			if err != nil {
				return nil, err
			}
			if result != nil {
				return result, nil
			}
			// The in-flight attempt failed without caching; take over.
			continue
		}
		return f.settle(ctx, b, req, key, done)
	}
}

// settle runs one settlement attempt. The caller holds the in-flight marker
// for key; every return path releases it via Complete or Fail.
func (f *Facilitator) settle(
	ctx context.Context,
	b *networkBackend,
	req *SettleRequest,
	key string,
	done chan struct{},
) (*SettleResponse, error) {
	payload := req.PaymentPayload
	auth := payload.Payload.Authorization
	logger := f.logger.With(
		zap.String("network", payload.Network),
		zap.String("payer", auth.From),
		zap.String("payTo", req.PaymentRequirements.PayTo),
	)

	hookCtx := SettleContext{
		Ctx:                 ctx,
		PaymentPayload:      payload,
		PaymentRequirements: req.PaymentRequirements,
		Compliance:          req.Compliance,
	}

	verification, err := b.verifier.Verify(ctx, payload, req.PaymentRequirements, f.now())
	if err != nil {
		f.cache.Fail(key, done)
		return nil, fmt.Errorf("failed to verify before settling: %w", err)
	}
	if !verification.IsValid {
		// Some rejections are transient (not-yet-valid), so don't cache.
		f.cache.Fail(key, done)
		logger.Info("settle rejected at verification",
			zap.String("reason", verification.InvalidReason))
		resp := &SettleResponse{
			Success:     false,
			ErrorReason: verification.InvalidReason,
			Network:     payload.Network,
			Payer:       verification.Payer,
		}
		f.recordSettlement(ctx, resp, auth, "")
		f.runAfterSettle(hookCtx, resp)
		return resp, nil
	}
	for _, hook := range f.beforeSettleHooks {
		result, err := hook(hookCtx)
		if err != nil {
			f.cache.Fail(key, done)
			return nil, err
		}
		if result != nil && result.Abort {
			f.cache.Fail(key, done)
			resp := &SettleResponse{
				Success:     false,
				ErrorReason: result.Reason,
				Network:     payload.Network,
				Payer:       auth.From,
			}
			f.recordSettlement(ctx, resp, auth, "")
			return resp, nil
		}
	}

	submitCtx, cancel := context.WithTimeout(ctx, f.settleTimeout)
	defer cancel()

	outcome, err := b.ledger.SubmitTransfer(submitCtx, auth, payload.Payload.Signature, styleFor(req.PaymentRequirements))
	if err != nil {
		f.cache.Fail(key, done)
		return nil, fmt.Errorf("failed to submit transfer: %w", err)
	}

	resp := &SettleResponse{
		Network:     payload.Network,
		Payer:       auth.From,
		Transaction: outcome.TxRef,
	}

	switch outcome.Status {
	case OutcomeRejected:
		resp.ErrorReason = outcome.Reason
		if resp.ErrorReason == "" {
			resp.ErrorReason = ReasonRejected
		}
		f.cache.Complete(key, resp, done)
		logger.Warn("settlement rejected by ledger", zap.String("reason", resp.ErrorReason))
		f.recordSettlement(ctx, resp, auth, "")
		f.runAfterSettle(hookCtx, resp)
		return resp, nil

	case OutcomeTimedOut:
		// The transaction was broadcast and may still confirm; leave the
		// cache empty so a retry observes the eventual nonce state.
		resp.ErrorReason = ReasonTimedOut
		f.cache.Fail(key, done)
		logger.Warn("settlement timed out awaiting confirmation",
			zap.String("transaction", outcome.TxRef),
			zap.Duration("timeout", f.settleTimeout))
		f.recordSettlement(ctx, resp, auth, "")
		f.runAfterSettle(hookCtx, resp)
		return resp, nil
	}

	resp.Success = true
	logger.Info("settlement confirmed", zap.String("transaction", outcome.TxRef))

	publishState := ""
	if req.Compliance != nil && f.receipts != nil && f.publisher != nil {
		summary, state := f.generateReceipt(ctx, req, resp, logger)
		resp.Receipt = summary
		publishState = state
	}

	f.cache.Complete(key, resp, done)
	f.recordSettlement(ctx, resp, auth, publishState)
	f.runAfterSettle(hookCtx, resp)
	return resp, nil
}

func (f *Facilitator) runAfterSettle(hookCtx SettleContext, resp *SettleResponse) {
	for _, hook := range f.afterSettleHooks {
		if err := hook(hookCtx, resp); err != nil {
			f.logger.Warn("after-settle hook failed", zap.Error(err))
		}
	}
}

// generateReceipt runs the compliance pipeline after a confirmed settlement.
// Failures here are logged and audited but never surface to the caller: the
// payment already happened.
func (f *Facilitator) generateReceipt(
	ctx context.Context,
	req *SettleRequest,
	resp *SettleResponse,
	logger *zap.Logger,
) (*ReceiptSummary, string) {
	auth := req.PaymentPayload.Payload.Authorization
	summary := SettlementSummary{
		TransactionRef: resp.Transaction,
		Network:        resp.Network,
		From:           auth.From,
		To:             auth.To,
		Amount:         auth.Value,
	}

	receipt, err := f.receipts.Build(summary, req.Compliance, f.now())
	if err != nil {
		logger.Warn("receipt generation failed; settlement unaffected", zap.Error(err))
		f.recordPublishFailure(ctx, "", resp.Transaction, err.Error())
		return nil, PublishStateFailed
	}

	obj, err := f.publisher.Publish(ctx, receipt)
	if err != nil {
		logger.Warn("receipt publication failed; settlement unaffected",
			zap.String("receiptId", receipt.ReceiptID),
			zap.Error(err))
		f.recordPublishFailure(ctx, receipt.ReceiptID, resp.Transaction, err.Error())
		return nil, PublishStateFailed
	}

	logger.Info("receipt published",
		zap.String("receiptId", receipt.ReceiptID),
		zap.String("digest", obj.Digest))
	return receipt.Summary(obj), PublishStatePublished
}

// Publish states recorded on the audit trail.
const (
	PublishStateNone      = "none"
	PublishStatePublished = "published"
	PublishStateFailed    = "failed"
)

func (f *Facilitator) recordSettlement(ctx context.Context, resp *SettleResponse, auth Authorization, publishState string) {
	if f.audit == nil {
		return
	}
	if publishState == "" {
		publishState = PublishStateNone
	}
	receiptID := ""
	if resp.Receipt != nil {
		receiptID = resp.Receipt.ReceiptID
	}
	rec := SettlementRecord{
		Network:      resp.Network,
		Authorizer:   auth.From,
		Nonce:        auth.Nonce,
		Payer:        resp.Payer,
		TxRef:        resp.Transaction,
		Success:      resp.Success,
		ErrorReason:  resp.ErrorReason,
		ReceiptID:    receiptID,
		PublishState: publishState,
		CreatedAt:    f.now().UTC(),
	}
	if err := f.audit.RecordSettlement(ctx, rec); err != nil {
		f.logger.Error("failed to record settlement audit row", zap.Error(err))
	}
}

func (f *Facilitator) recordPublishFailure(ctx context.Context, receiptID, txRef, reason string) {
	if f.audit == nil {
		return
	}
	if err := f.audit.RecordPublishFailure(ctx, receiptID, txRef, reason); err != nil {
		f.logger.Error("failed to record publish failure audit row", zap.Error(err))
	}
}

// NonceStatus reports whether an authorization has left the unused state.
type NonceStatus struct {
	Network    string `json:"network"`
	Authorizer string `json:"authorizer"`
	Nonce      string `json:"nonce"`
	Used       bool   `json:"used"`
}

// Status looks up the on-ledger state of one (authorizer, nonce) pair.
func (f *Facilitator) Status(ctx context.Context, network, authorizer, nonce string) (NonceStatus, error) {
	b, ok := f.backend(network)
	if !ok {
		return NonceStatus{}, fmt.Errorf("unsupported network: %s", network)
	}
	used, err := b.ledger.AuthorizationState(ctx, authorizer, nonce)
	if err != nil {
		return NonceStatus{}, fmt.Errorf("failed to read authorization state: %w", err)
	}
	return NonceStatus{Network: network, Authorizer: authorizer, Nonce: nonce, Used: used}, nil
}

// Supported returns the (scheme, network) pairs this facilitator settles and
// the protocol extensions it advertises.
func (f *Facilitator) Supported() SupportedResponse {
	f.mu.RLock()
	defer f.mu.RUnlock()

	kinds := make([]SupportedKind, 0, len(f.backends))
	for network := range f.backends {
		kinds = append(kinds, SupportedKind{
			X402Version: 1,
			Scheme:      SchemeExact,
			Network:     network,
		})
	}
	return SupportedResponse{
		Kinds:      kinds,
		Extensions: append([]string(nil), f.extensions...),
	}
}

// styleFor maps the requirements transfer mode onto a ledger submit style.
func styleFor(requirements *PaymentRequirements) SubmitStyle {
	if requirements.Extra != nil && requirements.Extra.TransferMode == string(SubmitStyleReceive) {
		return SubmitStyleReceive
	}
	return SubmitStyleTransfer
}
