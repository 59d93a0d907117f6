// Package webhook receives payment-provider event deliveries, verifies
// their signatures, deduplicates them, and translates them into ledger
// operations.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SignatureHeader carries the provider's delivery signature.
const SignatureHeader = "Pay-Signature"

// DefaultTolerance bounds how old a signed timestamp may be. Stale
// deliveries are indistinguishable from replayed captures.
const DefaultTolerance = 5 * time.Minute

var (
	ErrMissingSignature   = errors.New("missing signature header")
	ErrMalformedSignature = errors.New("malformed signature header")
	ErrStaleTimestamp     = errors.New("signature timestamp outside tolerance")
	ErrSignatureMismatch  = errors.New("signature mismatch")
)

// Verifier checks provider signatures of the form
// "t=<unix>,v1=<hex hmac-sha256 of '<unix>.<body>'>". Multiple v1
// values are accepted to allow provider-side secret rotation.
type Verifier struct {
	secret    []byte
	tolerance time.Duration
	nowFn     func() time.Time
}

// NewVerifier builds a Verifier for the shared endpoint secret.
func NewVerifier(secret string, tolerance time.Duration, nowFn func() time.Time) (*Verifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("webhook secret is empty")
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Verifier{secret: []byte(secret), tolerance: tolerance, nowFn: nowFn}, nil
}

// Verify checks the signature header against the raw request body.
func (verifier *Verifier) Verify(header string, body []byte) error {
	if strings.TrimSpace(header) == "" {
		return ErrMissingSignature
	}
	timestamp, candidates, err := parseSignatureHeader(header)
	if err != nil {
		return err
	}
	signedAt := time.Unix(timestamp, 0)
	age := verifier.nowFn().Sub(signedAt)
	if age > verifier.tolerance || age < -verifier.tolerance {
		return fmt.Errorf("%w: signed at %d", ErrStaleTimestamp, timestamp)
	}
	expected := verifier.sign(timestamp, body)
	for _, candidate := range candidates {
		if subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(candidate))) == 1 {
			return nil
		}
	}
	return ErrSignatureMismatch
}

// Sign produces a signature header value for body at the given time.
// Exposed for provider simulation in tests and tooling.
func (verifier *Verifier) Sign(at time.Time, body []byte) string {
	timestamp := at.Unix()
	return fmt.Sprintf("t=%d,v1=%s", timestamp, verifier.sign(timestamp, body))
}

func (verifier *Verifier) sign(timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, verifier.secret)
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func parseSignatureHeader(header string) (int64, []string, error) {
	var (
		timestamp    int64
		hasTimestamp bool
		candidates   []string
	)
	for _, segment := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(segment), "=")
		if !found {
			return 0, nil, fmt.Errorf("%w: segment %q", ErrMalformedSignature, segment)
		}
		switch key {
		case "t":
			parsed, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, nil, fmt.Errorf("%w: timestamp %q", ErrMalformedSignature, value)
			}
			timestamp = parsed
			hasTimestamp = true
		case "v1":
			candidates = append(candidates, value)
		default:
			// Unknown schemes (v0 test signatures etc.) are ignored.
		}
	}
	if !hasTimestamp || len(candidates) == 0 {
		return 0, nil, fmt.Errorf("%w: need both t and v1", ErrMalformedSignature)
	}
	return timestamp, candidates, nil
}
