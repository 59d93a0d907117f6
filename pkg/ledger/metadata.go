package ledger

import (
	"encoding/json"
	"fmt"
)

// PurchaseMetadata records the provider-side context of a purchase grant.
type PurchaseMetadata struct {
	SessionID   string `json:"session_id"`
	PackageID   string `json:"package_id"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
}

// RefundMetadata records the provenance of a refund reversal.
type RefundMetadata struct {
	OriginalEventID string `json:"original_event_id"`
	RefundCents     int64  `json:"refund_cents"`
	ChargeCents     int64  `json:"charge_cents"`
}

// SpendMetadata records which feature consumed credits.
type SpendMetadata struct {
	Feature   string `json:"feature"`
	RequestID string `json:"request_id"`
}

// ManualMetadata records an operator-initiated adjustment.
type ManualMetadata struct {
	Note     string `json:"note"`
	Operator string `json:"operator"`
}

// BonusMetadata records the origin of a promotional grant.
type BonusMetadata struct {
	Campaign string `json:"campaign"`
}

// MarshalMetadata serializes a reason-specific metadata variant.
func MarshalMetadata(variant any) (MetadataJSON, error) {
	switch variant.(type) {
	case PurchaseMetadata, RefundMetadata, SpendMetadata, ManualMetadata, BonusMetadata:
	default:
		return MetadataJSON{}, fmt.Errorf("%w: unknown variant %T", ErrInvalidMetadataJSON, variant)
	}
	raw, err := json.Marshal(variant)
	if err != nil {
		return MetadataJSON{}, fmt.Errorf("%w: %v", ErrInvalidMetadataJSON, err)
	}
	return NewMetadataJSON(string(raw))
}

// ParsePurchaseMetadata decodes the purchase variant from a stored blob.
func ParsePurchaseMetadata(metadata MetadataJSON) (PurchaseMetadata, error) {
	var parsed PurchaseMetadata
	if err := json.Unmarshal([]byte(metadata.String()), &parsed); err != nil {
		return PurchaseMetadata{}, fmt.Errorf("%w: %v", ErrInvalidMetadataJSON, err)
	}
	return parsed, nil
}
