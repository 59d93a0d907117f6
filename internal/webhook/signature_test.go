package webhook

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

const testSecret = "whsec_test_secret"

func newTestVerifier(test *testing.T, now time.Time) *Verifier {
	test.Helper()
	verifier, err := NewVerifier(testSecret, DefaultTolerance, func() time.Time { return now })
	if err != nil {
		test.Fatalf("new verifier: %v", err)
	}
	return verifier
}

func TestVerifyAcceptsValidSignature(test *testing.T) {
	test.Parallel()
	now := time.Unix(1700000000, 0)
	verifier := newTestVerifier(test, now)
	body := []byte(`{"id":"evt_1","type":"checkout.session.completed"}`)

	header := verifier.Sign(now, body)
	if err := verifier.Verify(header, body); err != nil {
		test.Fatalf("expected valid signature, got %v", err)
	}
}

func TestVerifyAcceptsRotatedSecretCandidates(test *testing.T) {
	test.Parallel()
	now := time.Unix(1700000000, 0)
	verifier := newTestVerifier(test, now)
	body := []byte(`{"id":"evt_1"}`)

	valid := verifier.Sign(now, body)
	header := fmt.Sprintf("%s,v1=%s", valid, "deadbeef")
	if err := verifier.Verify(header, body); err != nil {
		test.Fatalf("expected one matching candidate to suffice, got %v", err)
	}
}

func TestVerifyRejectsTamperedBody(test *testing.T) {
	test.Parallel()
	now := time.Unix(1700000000, 0)
	verifier := newTestVerifier(test, now)
	header := verifier.Sign(now, []byte(`{"id":"evt_1"}`))

	err := verifier.Verify(header, []byte(`{"id":"evt_2"}`))
	if !errors.Is(err, ErrSignatureMismatch) {
		test.Fatalf("expected ErrSignatureMismatch, got %v", err)
	}
}

func TestVerifyRejectsStaleTimestamp(test *testing.T) {
	test.Parallel()
	now := time.Unix(1700000000, 0)
	verifier := newTestVerifier(test, now)
	body := []byte(`{"id":"evt_1"}`)

	header := verifier.Sign(now.Add(-DefaultTolerance-time.Minute), body)
	if err := verifier.Verify(header, body); !errors.Is(err, ErrStaleTimestamp) {
		test.Fatalf("expected ErrStaleTimestamp, got %v", err)
	}

	future := verifier.Sign(now.Add(DefaultTolerance+time.Minute), body)
	if err := verifier.Verify(future, body); !errors.Is(err, ErrStaleTimestamp) {
		test.Fatalf("expected ErrStaleTimestamp for future timestamp, got %v", err)
	}
}

func TestVerifyRejectsMalformedHeaders(test *testing.T) {
	test.Parallel()
	now := time.Unix(1700000000, 0)
	verifier := newTestVerifier(test, now)
	body := []byte(`{}`)

	testCases := []struct {
		name     string
		header   string
		expected error
	}{
		{name: "empty header", header: "", expected: ErrMissingSignature},
		{name: "no pairs", header: "garbage", expected: ErrMalformedSignature},
		{name: "missing timestamp", header: "v1=abc", expected: ErrMalformedSignature},
		{name: "missing candidate", header: "t=1700000000", expected: ErrMalformedSignature},
		{name: "non-numeric timestamp", header: "t=soon,v1=abc", expected: ErrMalformedSignature},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			if err := verifier.Verify(testCase.header, body); !errors.Is(err, testCase.expected) {
				test.Fatalf("expected %v, got %v", testCase.expected, err)
			}
		})
	}
}

func TestNewVerifierRejectsEmptySecret(test *testing.T) {
	test.Parallel()
	if _, err := NewVerifier("  ", DefaultTolerance, nil); err == nil {
		test.Fatalf("expected error for empty secret")
	}
}
