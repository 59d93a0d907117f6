package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// OwnerID identifies an account owner (the authenticated user).
type OwnerID struct {
	value string
}

// AccountID identifies a ledger account.
type AccountID struct {
	value string
}

// EventID is the payment provider's event identifier, used as the
// idempotency key for externally driven ledger writes.
type EventID struct {
	value string
}

// CreditAmount is a strictly positive credit quantity.
type CreditAmount int64

// DeltaCredits is a signed, non-zero ledger delta.
type DeltaCredits int64

// MetadataJSON stores the serialized metadata variant for a transaction.
type MetadataJSON struct {
	value string
}

// Reason classifies a ledger transaction.
type Reason string

const (
	ReasonPurchase            Reason = "purchase"
	ReasonRefund              Reason = "refund"
	ReasonBonus               Reason = "bonus"
	ReasonManual              Reason = "manual"
	ReasonSpendResumeAnalysis Reason = "spend:resume_analysis"
	ReasonSpendCoverLetter    Reason = "spend:cover_letter"
	ReasonSpendJobMatch       Reason = "spend:job_match"
)

// NewOwnerID validates and normalizes an owner id.
func NewOwnerID(raw string) (OwnerID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return OwnerID{}, fmt.Errorf("%w: empty value", ErrInvalidOwnerID)
	}
	return OwnerID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id OwnerID) String() string {
	return id.value
}

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// NewEventID validates and normalizes an external event id.
func NewEventID(raw string) (EventID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return EventID{}, fmt.Errorf("%w: empty value", ErrInvalidEventID)
	}
	return EventID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id EventID) String() string {
	return id.value
}

// NewCreditAmount validates an amount and ensures it is strictly positive.
func NewCreditAmount(raw int64) (CreditAmount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCreditAmount)
	}
	return CreditAmount(raw), nil
}

// Int64 returns the raw amount.
func (amount CreditAmount) Int64() int64 {
	return int64(amount)
}

// ToDelta returns the amount as a positive delta.
func (amount CreditAmount) ToDelta() DeltaCredits {
	return DeltaCredits(amount)
}

// NewDeltaCredits validates a signed delta and rejects zero.
func NewDeltaCredits(raw int64) (DeltaCredits, error) {
	if raw == 0 {
		return 0, fmt.Errorf("%w: must be non-zero", ErrInvalidDeltaCredits)
	}
	return DeltaCredits(raw), nil
}

// Int64 returns the raw delta.
func (delta DeltaCredits) Int64() int64 {
	return int64(delta)
}

// Negated flips the delta sign.
func (delta DeltaCredits) Negated() DeltaCredits {
	return -delta
}

// ParseReason validates a stored reason value.
func ParseReason(raw string) (Reason, error) {
	switch Reason(raw) {
	case ReasonPurchase, ReasonRefund, ReasonBonus, ReasonManual,
		ReasonSpendResumeAnalysis, ReasonSpendCoverLetter, ReasonSpendJobMatch:
		return Reason(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidReason, raw)
}

// String returns the stored reason value.
func (reason Reason) String() string {
	return string(reason)
}

// IsSpend reports whether the reason is a spend category.
func (reason Reason) IsSpend() bool {
	return strings.HasPrefix(string(reason), "spend:")
}

// NewMetadataJSON validates a metadata blob (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// TransactionInput is a validated, not-yet-persisted ledger transaction.
type TransactionInput struct {
	accountID      AccountID
	delta          DeltaCredits
	reason         Reason
	eventID        *EventID
	metadata       MetadataJSON
	createdUnixUTC int64
}

// NewTransactionInput validates the fields of a ledger write.
func NewTransactionInput(accountID AccountID, delta DeltaCredits, reason Reason, eventID *EventID, metadata MetadataJSON, createdUnixUTC int64) (TransactionInput, error) {
	if accountID.value == "" {
		return TransactionInput{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	if delta == 0 {
		return TransactionInput{}, fmt.Errorf("%w: must be non-zero", ErrInvalidDeltaCredits)
	}
	if _, err := ParseReason(reason.String()); err != nil {
		return TransactionInput{}, err
	}
	if eventID != nil && eventID.value == "" {
		return TransactionInput{}, fmt.Errorf("%w: empty value", ErrInvalidEventID)
	}
	if metadata.value == "" {
		metadata = MetadataJSON{value: "{}"}
	}
	return TransactionInput{
		accountID:      accountID,
		delta:          delta,
		reason:         reason,
		eventID:        eventID,
		metadata:       metadata,
		createdUnixUTC: createdUnixUTC,
	}, nil
}

// AccountID returns the owning account id.
func (input TransactionInput) AccountID() AccountID {
	return input.accountID
}

// Delta returns the signed credit delta.
func (input TransactionInput) Delta() DeltaCredits {
	return input.delta
}

// Reason returns the transaction reason.
func (input TransactionInput) Reason() Reason {
	return input.reason
}

// EventID returns the external event id, when present.
func (input TransactionInput) EventID() (EventID, bool) {
	if input.eventID == nil {
		return EventID{}, false
	}
	return *input.eventID, true
}

// Metadata returns the metadata blob.
func (input TransactionInput) Metadata() MetadataJSON {
	return input.metadata
}

// CreatedUnixUTC returns the creation timestamp.
func (input TransactionInput) CreatedUnixUTC() int64 {
	return input.createdUnixUTC
}

// Transaction is a single immutable line in the ledger.
type Transaction struct {
	TransactionID  string
	AccountID      string
	DeltaCredits   int64
	Reason         Reason
	EventID        string
	MetadataJSON   string
	CreatedUnixUTC int64
}

// Account is the materialized account record.
type Account struct {
	AccountID          AccountID
	Owner              OwnerID
	BalanceCredits     int64
	ProviderCustomerID string
}

// Summary is the read-only wallet projection for an account.
type Summary struct {
	BalanceCredits int64
	Transactions   []Transaction
}

// Store is the persistence contract used by Service. All balance mutation
// goes through it; the guarded conditional debit and the unique external
// event id constraint are enforced at this layer.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrCreateAccount(ctx context.Context, owner OwnerID) (Account, error)
	InsertTransaction(ctx context.Context, input TransactionInput) error
	AdjustBalance(ctx context.Context, accountID AccountID, deltaCredits int64) (int64, error)
	DebitBalanceIfSufficient(ctx context.Context, accountID AccountID, amount CreditAmount) (int64, bool, error)
	FindTransactionByEventID(ctx context.Context, eventID EventID) (Transaction, error)
	ListTransactions(ctx context.Context, accountID AccountID, limit int) ([]Transaction, error)
	SumDeltas(ctx context.Context, accountID AccountID) (int64, error)
	GetBalance(ctx context.Context, accountID AccountID) (int64, error)
	SetProviderCustomerID(ctx context.Context, accountID AccountID, customerID string) error
	ListAccountOwners(ctx context.Context) ([]OwnerID, error)
}
