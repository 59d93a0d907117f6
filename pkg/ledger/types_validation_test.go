package ledger

import (
	"errors"
	"strings"
	"testing"
)

func TestNewOwnerIDRejectsEmptyValues(test *testing.T) {
	test.Parallel()
	for _, raw := range []string{"", "   ", "\t"} {
		if _, err := NewOwnerID(raw); !errors.Is(err, ErrInvalidOwnerID) {
			test.Fatalf("expected ErrInvalidOwnerID for %q, got %v", raw, err)
		}
	}
}

func TestNewOwnerIDTrimsWhitespace(test *testing.T) {
	test.Parallel()
	owner, err := NewOwnerID("  user-9  ")
	if err != nil {
		test.Fatalf("owner id: %v", err)
	}
	if owner.String() != "user-9" {
		test.Fatalf("expected trimmed value, got %q", owner.String())
	}
}

func TestNewCreditAmountRejectsNonPositive(test *testing.T) {
	test.Parallel()
	for _, raw := range []int64{0, -1, -100} {
		if _, err := NewCreditAmount(raw); !errors.Is(err, ErrInvalidCreditAmount) {
			test.Fatalf("expected ErrInvalidCreditAmount for %d, got %v", raw, err)
		}
	}
}

func TestNewDeltaCreditsRejectsZero(test *testing.T) {
	test.Parallel()
	if _, err := NewDeltaCredits(0); !errors.Is(err, ErrInvalidDeltaCredits) {
		test.Fatalf("expected ErrInvalidDeltaCredits, got %v", err)
	}
	delta, err := NewDeltaCredits(-5)
	if err != nil {
		test.Fatalf("delta: %v", err)
	}
	if delta.Negated().Int64() != 5 {
		test.Fatalf("expected negated delta 5, got %d", delta.Negated().Int64())
	}
}

func TestParseReasonAcceptsKnownValues(test *testing.T) {
	test.Parallel()
	known := []Reason{
		ReasonPurchase, ReasonRefund, ReasonBonus, ReasonManual,
		ReasonSpendResumeAnalysis, ReasonSpendCoverLetter, ReasonSpendJobMatch,
	}
	for _, reason := range known {
		parsed, err := ParseReason(reason.String())
		if err != nil {
			test.Fatalf("parse reason %s: %v", reason, err)
		}
		if parsed != reason {
			test.Fatalf("expected %s, got %s", reason, parsed)
		}
	}
	if _, err := ParseReason("spend:unknown_feature"); !errors.Is(err, ErrInvalidReason) {
		test.Fatalf("expected ErrInvalidReason, got %v", err)
	}
}

func TestReasonIsSpend(test *testing.T) {
	test.Parallel()
	if !ReasonSpendResumeAnalysis.IsSpend() {
		test.Fatalf("expected spend reason to report IsSpend")
	}
	if ReasonPurchase.IsSpend() {
		test.Fatalf("purchase must not report IsSpend")
	}
}

func TestNewMetadataJSONValidation(test *testing.T) {
	test.Parallel()
	metadata, err := NewMetadataJSON("")
	if err != nil {
		test.Fatalf("empty metadata: %v", err)
	}
	if metadata.String() != "{}" {
		test.Fatalf("expected empty metadata to default to {}, got %q", metadata.String())
	}
	if _, err := NewMetadataJSON("{not json"); !errors.Is(err, ErrInvalidMetadataJSON) {
		test.Fatalf("expected ErrInvalidMetadataJSON, got %v", err)
	}
}

func TestNewTransactionInputValidation(test *testing.T) {
	test.Parallel()
	accountID := mustAccountID(test, "acct-1")
	metadata := mustMetadata(test, "{}")

	if _, err := NewTransactionInput(AccountID{}, 10, ReasonPurchase, nil, metadata, 0); !errors.Is(err, ErrInvalidAccountID) {
		test.Fatalf("expected ErrInvalidAccountID, got %v", err)
	}
	if _, err := NewTransactionInput(accountID, 0, ReasonPurchase, nil, metadata, 0); !errors.Is(err, ErrInvalidDeltaCredits) {
		test.Fatalf("expected ErrInvalidDeltaCredits, got %v", err)
	}
	if _, err := NewTransactionInput(accountID, 10, Reason("nonsense"), nil, metadata, 0); !errors.Is(err, ErrInvalidReason) {
		test.Fatalf("expected ErrInvalidReason, got %v", err)
	}
	if _, err := NewTransactionInput(accountID, 10, ReasonPurchase, &EventID{}, metadata, 0); !errors.Is(err, ErrInvalidEventID) {
		test.Fatalf("expected ErrInvalidEventID, got %v", err)
	}
}

func TestMarshalMetadataVariants(test *testing.T) {
	test.Parallel()
	metadata, err := MarshalMetadata(PurchaseMetadata{
		SessionID:   "cs_123",
		PackageID:   "pro",
		AmountCents: 2500,
		Currency:    "usd",
	})
	if err != nil {
		test.Fatalf("marshal purchase metadata: %v", err)
	}
	if !strings.Contains(metadata.String(), `"amount_cents":2500`) {
		test.Fatalf("unexpected metadata blob: %s", metadata.String())
	}

	parsed, err := ParsePurchaseMetadata(metadata)
	if err != nil {
		test.Fatalf("parse purchase metadata: %v", err)
	}
	if parsed.AmountCents != 2500 || parsed.PackageID != "pro" {
		test.Fatalf("unexpected parsed metadata: %+v", parsed)
	}

	if _, err := MarshalMetadata(struct{ X int }{1}); !errors.Is(err, ErrInvalidMetadataJSON) {
		test.Fatalf("expected ErrInvalidMetadataJSON for unknown variant, got %v", err)
	}
}

func TestOperationErrorExposesSegments(test *testing.T) {
	test.Parallel()
	wrapped := WrapError("credit", "transaction", "insert", ErrDuplicateEvent)
	var operationError OperationError
	if !errors.As(wrapped, &operationError) {
		test.Fatalf("expected OperationError, got %T", wrapped)
	}
	if operationError.Operation() != "credit" || operationError.Subject() != "transaction" || operationError.Code() != "insert" {
		test.Fatalf("unexpected segments: %s", operationError.Error())
	}
	if !errors.Is(wrapped, ErrDuplicateEvent) {
		test.Fatalf("expected wrapped error to match sentinel")
	}
	if WrapError("credit", "transaction", "insert", nil) != nil {
		test.Fatalf("expected nil wrap for nil error")
	}
}
