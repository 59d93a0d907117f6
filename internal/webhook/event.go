package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/resumelift/creditledger/pkg/ledger"
)

// Recognized event categories. Anything else is acknowledged without
// side effects.
const (
	EventCheckoutCompleted = "checkout.session.completed"
	EventChargeRefunded    = "charge.refunded"
)

// Canonical metadata keys stamped at checkout time. The stamped credit
// amount is authoritative at fulfillment; credits are never recomputed
// from the price.
const (
	MetadataKeyAccountID = "account_id"
	MetadataKeyCredits   = "credits"
	MetadataKeyPackageID = "package_id"
)

var (
	ErrMalformedEnvelope = errors.New("malformed event envelope")
	ErrMissingMetadata   = errors.New("missing or malformed event metadata")
)

// Envelope is the outer structure of a provider event delivery.
type Envelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// ParseEnvelope decodes the delivery body after signature verification.
func ParseEnvelope(body []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if envelope.ID == "" || envelope.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing id or type", ErrMalformedEnvelope)
	}
	return envelope, nil
}

// CompletedSession is the checkout session object inside a
// checkout.session.completed event.
type CompletedSession struct {
	SessionID   string            `json:"id"`
	Customer    string            `json:"customer"`
	AmountTotal int64             `json:"amount_total"`
	Currency    string            `json:"currency"`
	Metadata    map[string]string `json:"metadata"`
}

// CreditGrant is the validated ledger instruction extracted from a
// completed session.
type CreditGrant struct {
	Owner      ledger.OwnerID
	Credits    ledger.CreditAmount
	PackageID  string
	SessionID  string
	CustomerID string
	ChargeCent int64
	Currency   string
}

// ParseCompletedSession decodes and validates the session object.
// account_id carries the owner identity the ledger account is keyed by.
func ParseCompletedSession(object json.RawMessage) (CreditGrant, error) {
	var session CompletedSession
	if err := json.Unmarshal(object, &session); err != nil {
		return CreditGrant{}, fmt.Errorf("%w: %v", ErrMissingMetadata, err)
	}
	owner, err := ledger.NewOwnerID(session.Metadata[MetadataKeyAccountID])
	if err != nil {
		return CreditGrant{}, fmt.Errorf("%w: %s", ErrMissingMetadata, MetadataKeyAccountID)
	}
	rawCredits := session.Metadata[MetadataKeyCredits]
	parsedCredits, err := strconv.ParseInt(rawCredits, 10, 64)
	if err != nil {
		return CreditGrant{}, fmt.Errorf("%w: %s=%q", ErrMissingMetadata, MetadataKeyCredits, rawCredits)
	}
	credits, err := ledger.NewCreditAmount(parsedCredits)
	if err != nil {
		return CreditGrant{}, fmt.Errorf("%w: %s=%q", ErrMissingMetadata, MetadataKeyCredits, rawCredits)
	}
	packageID := session.Metadata[MetadataKeyPackageID]
	if packageID == "" {
		return CreditGrant{}, fmt.Errorf("%w: %s", ErrMissingMetadata, MetadataKeyPackageID)
	}
	return CreditGrant{
		Owner:      owner,
		Credits:    credits,
		PackageID:  packageID,
		SessionID:  session.SessionID,
		CustomerID: session.Customer,
		ChargeCent: session.AmountTotal,
		Currency:   session.Currency,
	}, nil
}

// RefundedCharge is the charge object inside a charge.refunded event.
// OriginalEventID references the payment-completed event whose grant is
// being reversed.
type RefundedCharge struct {
	ChargeID        string            `json:"id"`
	AmountRefunded  int64             `json:"amount_refunded"`
	OriginalEventID string            `json:"original_event_id"`
	Metadata        map[string]string `json:"metadata"`
}

// RefundInstruction is the validated ledger instruction extracted from
// a refunded charge.
type RefundInstruction struct {
	Owner           ledger.OwnerID
	RefundCents     int64
	OriginalEventID ledger.EventID
}

// ParseRefundedCharge decodes and validates the charge object.
func ParseRefundedCharge(object json.RawMessage) (RefundInstruction, error) {
	var charge RefundedCharge
	if err := json.Unmarshal(object, &charge); err != nil {
		return RefundInstruction{}, fmt.Errorf("%w: %v", ErrMissingMetadata, err)
	}
	owner, err := ledger.NewOwnerID(charge.Metadata[MetadataKeyAccountID])
	if err != nil {
		return RefundInstruction{}, fmt.Errorf("%w: %s", ErrMissingMetadata, MetadataKeyAccountID)
	}
	if charge.AmountRefunded <= 0 {
		return RefundInstruction{}, fmt.Errorf("%w: non-positive amount_refunded", ErrMissingMetadata)
	}
	originalEventID, err := ledger.NewEventID(charge.OriginalEventID)
	if err != nil {
		return RefundInstruction{}, fmt.Errorf("%w: original_event_id", ErrMissingMetadata)
	}
	return RefundInstruction{
		Owner:           owner,
		RefundCents:     charge.AmountRefunded,
		OriginalEventID: originalEventID,
	}, nil
}
