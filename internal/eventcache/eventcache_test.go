package eventcache

import (
	"context"
	"testing"
)

func TestCacheKeyIsNamespacedPerProvider(test *testing.T) {
	test.Parallel()
	stripeKey := cacheKey("stripe", "evt_1")
	paypalKey := cacheKey("paypal", "evt_1")
	if stripeKey == paypalKey {
		test.Fatalf("expected distinct keys per provider, got %q", stripeKey)
	}
	if stripeKey != "webhook:seen:stripe:evt_1" {
		test.Fatalf("unexpected key format: %q", stripeKey)
	}
}

func TestNewRejectsInvalidURL(test *testing.T) {
	test.Parallel()
	if _, err := New(context.Background(), "not-a-url", 0); err == nil {
		test.Fatalf("expected error for invalid redis url")
	}
}
