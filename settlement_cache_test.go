package settlex

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestSettlementKey(t *testing.T) {
	key1 := SettlementKey("eip155:84532", "0xAbC", "0x01")
	key2 := SettlementKey("eip155:84532", "0xabc", "0x01")
	key3 := SettlementKey("eip155:84532", "0xabc", "0x02")

	// Address case must not split the key
	if key1 != key2 {
		t.Errorf("expected case-insensitive keys, got %s and %s", key1, key2)
	}
	if key1 == key3 {
		t.Errorf("expected different nonces to produce different keys")
	}
}

func TestSettlementCache_CheckAndMark_Cached(t *testing.T) {
	cache := NewSettlementCache(5 * time.Minute)
	key := "test-key"
	response := &SettleResponse{
		Success:     true,
		Transaction: "0x123",
		Payer:       "0xabc",
		Network:     "eip155:84532",
	}

	status, result, done := cache.CheckAndMark(key)
	if status != StatusNotFound {
		t.Errorf("expected StatusNotFound, got %v", status)
	}
	if result != nil {
		t.Error("expected nil result for NotFound")
	}

	cache.Complete(key, response, done)

	status, result, _ = cache.CheckAndMark(key)
	if status != StatusCached {
		t.Errorf("expected StatusCached, got %v", status)
	}
	if result == nil || result.Transaction != "0x123" {
		t.Errorf("expected cached response, got %+v", result)
	}
}

func TestSettlementCache_InFlightWaiters(t *testing.T) {
	cache := NewSettlementCache(5 * time.Minute)
	key := "in-flight-key"

	status, _, done := cache.CheckAndMark(key)
	if status != StatusNotFound {
		t.Fatalf("expected StatusNotFound, got %v", status)
	}

	// Concurrent retries must observe in-flight and wait rather than racing
	// a second submission.
	var wg sync.WaitGroup
	results := make([]*SettleResponse, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status, _, waitCh := cache.CheckAndMark(key)
			if status != StatusInFlight {
				t.Errorf("expected StatusInFlight, got %v", status)
				return
			}
			result, err := cache.WaitForResult(context.Background(), key, waitCh)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			results[i] = result
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	cache.Complete(key, &SettleResponse{Success: true, Transaction: "0xaaa"}, done)
	wg.Wait()

	for i, result := range results {
		if result == nil || result.Transaction != "0xaaa" {
			t.Errorf("waiter %d got %+v", i, result)
		}
	}
}

func TestSettlementCache_FailAllowsRetry(t *testing.T) {
	cache := NewSettlementCache(5 * time.Minute)
	key := "failed-key"

	_, _, done := cache.CheckAndMark(key)
	cache.Fail(key, done)

	status, result, done := cache.CheckAndMark(key)
	if status != StatusNotFound {
		t.Errorf("expected StatusNotFound after Fail, got %v", status)
	}
	if result != nil {
		t.Errorf("expected no cached result after Fail")
	}
	cache.Fail(key, done)
}

func TestSettlementCache_WaitForResultContextCanceled(t *testing.T) {
	cache := NewSettlementCache(5 * time.Minute)
	key := "slow-key"

	_, _, done := cache.CheckAndMark(key)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := cache.WaitForResult(ctx, key, done)
	if err == nil {
		t.Error("expected context error while waiting")
	}
	cache.Fail(key, done)
}

func TestSettlementCache_TTLExpiry(t *testing.T) {
	cache := NewSettlementCache(10 * time.Millisecond)
	key := "expiring-key"

	_, _, done := cache.CheckAndMark(key)
	cache.Complete(key, &SettleResponse{Success: true}, done)

	time.Sleep(20 * time.Millisecond)

	status, _, done := cache.CheckAndMark(key)
	if status != StatusNotFound {
		t.Errorf("expected expired entry to be dropped, got %v", status)
	}
	cache.Fail(key, done)
}
