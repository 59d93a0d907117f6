package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ApplyRefund reverses a proportional share of a prior purchase grant. The
// share is floor(refundCents / chargeCents × creditsGranted), capped at the
// credits the purchase granted. A missing or foreign original transaction
// fails with ErrUnknownTransaction and writes nothing; a duplicate
// newEventID is a no-op returning the current balance.
func (service *Service) ApplyRefund(ctx context.Context, owner OwnerID, refundCents int64, originalEventID EventID, newEventID EventID) (int64, error) {
	if refundCents <= 0 {
		err := WrapError(operationRefund, "amount", "not_positive", ErrInvalidCreditAmount)
		service.logOperation(ctx, OperationLog{Operation: operationRefund, Owner: owner, EventID: newEventID.String(), Error: err})
		return 0, err
	}
	var newBalance int64
	skipped := false
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.GetOrCreateAccount(ctx, owner)
		if err != nil {
			return err
		}
		original, err := transactionStore.FindTransactionByEventID(ctx, originalEventID)
		if err != nil {
			return err
		}
		if original.AccountID != account.AccountID.String() {
			return WrapError(operationRefund, "original", "account_mismatch", ErrUnknownTransaction)
		}
		if original.Reason != ReasonPurchase || original.DeltaCredits <= 0 {
			return WrapError(operationRefund, "original", "not_a_purchase", ErrUnknownTransaction)
		}
		originalMetadata, err := NewMetadataJSON(original.MetadataJSON)
		if err != nil {
			return WrapError(operationRefund, "original", "metadata", err)
		}
		purchase, err := ParsePurchaseMetadata(originalMetadata)
		if err != nil {
			return WrapError(operationRefund, "original", "metadata", err)
		}
		if purchase.AmountCents <= 0 {
			return WrapError(operationRefund, "original", "charge_unknown", ErrInvalidMetadataJSON)
		}
		refundCredits := proportionalCredits(refundCents, purchase.AmountCents, original.DeltaCredits)
		if refundCredits <= 0 {
			skipped = true
			return nil
		}
		metadata, err := MarshalMetadata(RefundMetadata{
			OriginalEventID: originalEventID.String(),
			RefundCents:     refundCents,
			ChargeCents:     purchase.AmountCents,
		})
		if err != nil {
			return err
		}
		delta, err := NewDeltaCredits(-refundCredits)
		if err != nil {
			return err
		}
		eventID := newEventID
		input, err := NewTransactionInput(account.AccountID, delta, ReasonRefund, &eventID, metadata, service.nowFn())
		if err != nil {
			return err
		}
		if err := transactionStore.InsertTransaction(ctx, input); err != nil {
			return err
		}
		newBalance, err = transactionStore.AdjustBalance(ctx, account.AccountID, -refundCredits)
		return err
	})
	if errors.Is(operationError, ErrDuplicateEvent) {
		balance, err := service.ownerBalance(ctx, owner)
		service.logOperation(ctx, OperationLog{
			Operation: operationRefund,
			Owner:     owner,
			EventID:   newEventID.String(),
			Status:    operationStatusDuplicate,
			Error:     err,
		})
		return balance, err
	}
	if operationError != nil {
		service.logOperation(ctx, OperationLog{
			Operation: operationRefund,
			Owner:     owner,
			EventID:   newEventID.String(),
			Error:     operationError,
		})
		return 0, operationError
	}
	if skipped {
		balance, err := service.ownerBalance(ctx, owner)
		service.logOperation(ctx, OperationLog{
			Operation: operationRefund,
			Owner:     owner,
			EventID:   newEventID.String(),
			Status:    operationStatusSkipped,
			Error:     err,
		})
		return balance, err
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationRefund,
		Owner:     owner,
		EventID:   newEventID.String(),
	})
	return newBalance, nil
}

// Summary returns the balance and most recent transactions for an account.
func (service *Service) Summary(ctx context.Context, owner OwnerID, limit int) (Summary, error) {
	account, err := service.store.GetOrCreateAccount(ctx, owner)
	if err != nil {
		return Summary{}, err
	}
	balance, err := service.store.GetBalance(ctx, account.AccountID)
	if err != nil {
		return Summary{}, err
	}
	transactions, err := service.store.ListTransactions(ctx, account.AccountID, limit)
	if err != nil {
		return Summary{}, err
	}
	return Summary{BalanceCredits: balance, Transactions: transactions}, nil
}

// VerifyConsistency recomputes the balance from the transaction log and
// compares it to the materialized value. Off the hot path; used by audits.
func (service *Service) VerifyConsistency(ctx context.Context, owner OwnerID) (bool, error) {
	account, err := service.store.GetOrCreateAccount(ctx, owner)
	if err != nil {
		return false, err
	}
	sum, err := service.store.SumDeltas(ctx, account.AccountID)
	if err != nil {
		return false, err
	}
	balance, err := service.store.GetBalance(ctx, account.AccountID)
	if err != nil {
		return false, err
	}
	if sum != balance {
		service.logOperation(ctx, OperationLog{
			Operation: "audit",
			Owner:     owner,
			Amount:    balance - sum,
			Status:    operationStatusError,
			Error:     fmt.Errorf("%w: materialized %d, ledger sum %d", ErrBalanceMismatch, balance, sum),
		})
		return false, nil
	}
	return true, nil
}

func proportionalCredits(refundCents int64, chargeCents int64, creditsGranted int64) int64 {
	refundCredits := refundCents * creditsGranted / chargeCents
	if refundCredits > creditsGranted {
		return creditsGranted
	}
	return refundCredits
}

// RecordProviderCustomer remembers the payment provider's customer id
// for the owner's account, creating the account when needed.
func (service *Service) RecordProviderCustomer(ctx context.Context, owner OwnerID, customerID string) error {
	if strings.TrimSpace(customerID) == "" {
		return nil
	}
	account, err := service.store.GetOrCreateAccount(ctx, owner)
	if err != nil {
		return err
	}
	return service.store.SetProviderCustomerID(ctx, account.AccountID, customerID)
}
