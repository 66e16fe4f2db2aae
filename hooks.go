package settlex

import "context"

// VerifyContext is passed to verify lifecycle hooks.
type VerifyContext struct {
	Ctx                 context.Context
	PaymentPayload      *PaymentPayload
	PaymentRequirements *PaymentRequirements
}

// SettleContext is passed to settle lifecycle hooks.
type SettleContext struct {
	Ctx                 context.Context
	PaymentPayload      *PaymentPayload
	PaymentRequirements *PaymentRequirements
	Compliance          *ComplianceInput
}

// BeforeHookResult aborts an operation when Abort is true; Reason becomes the
// in-band rejection reason.
type BeforeHookResult struct {
	Abort  bool
	Reason string
}

// BeforeVerifyHook runs before verification. Returning Abort short-circuits
// with an invalid VerifyResponse; returning an error fails the request.
type BeforeVerifyHook func(VerifyContext) (*BeforeHookResult, error)

// AfterVerifyHook runs after verification completes. Errors are logged and do
// not affect the result.
type AfterVerifyHook func(VerifyContext, VerifyResponse) error

// BeforeSettleHook runs before a settlement attempt is submitted, after the
// cache and pre-settle verification pass. Returning Abort rejects the
// settlement without touching the ledger.
type BeforeSettleHook func(SettleContext) (*BeforeHookResult, error)

// AfterSettleHook runs after a settlement reaches a terminal outcome. Errors
// are logged and do not affect the result.
type AfterSettleHook func(SettleContext, *SettleResponse) error

// OnBeforeVerify registers a hook run before verification.
func (f *Facilitator) OnBeforeVerify(hook BeforeVerifyHook) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beforeVerifyHooks = append(f.beforeVerifyHooks, hook)
	return f
}

// OnAfterVerify registers a hook run after verification.
func (f *Facilitator) OnAfterVerify(hook AfterVerifyHook) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.afterVerifyHooks = append(f.afterVerifyHooks, hook)
	return f
}

// OnBeforeSettle registers a hook run before ledger submission.
func (f *Facilitator) OnBeforeSettle(hook BeforeSettleHook) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beforeSettleHooks = append(f.beforeSettleHooks, hook)
	return f
}

// OnAfterSettle registers a hook run after settlement.
func (f *Facilitator) OnAfterSettle(hook AfterSettleHook) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.afterSettleHooks = append(f.afterSettleHooks, hook)
	return f
}
