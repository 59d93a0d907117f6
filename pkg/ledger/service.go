package ledger

import (
	"context"
	"errors"
	"fmt"
)

// Service is the single authority for mutating account balances. Every
// credit, debit, and refund flows through it; nothing else writes to the
// transaction log or the materialized balance.
type Service struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// ApplyCredit appends a positive transaction and increments the materialized
// balance. When eventID is set and a transaction with that event id already
// exists, the call is a no-op returning the current balance.
func (service *Service) ApplyCredit(ctx context.Context, owner OwnerID, amount CreditAmount, reason Reason, eventID *EventID, metadata MetadataJSON) (int64, error) {
	var newBalance int64
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.GetOrCreateAccount(ctx, owner)
		if err != nil {
			return err
		}
		input, err := NewTransactionInput(account.AccountID, amount.ToDelta(), reason, eventID, metadata, service.nowFn())
		if err != nil {
			return err
		}
		if err := transactionStore.InsertTransaction(ctx, input); err != nil {
			return err
		}
		newBalance, err = transactionStore.AdjustBalance(ctx, account.AccountID, amount.Int64())
		return err
	})
	if errors.Is(operationError, ErrDuplicateEvent) {
		balance, err := service.ownerBalance(ctx, owner)
		service.logOperation(ctx, OperationLog{
			Operation: operationCredit,
			Owner:     owner,
			Amount:    amount.Int64(),
			Reason:    reason,
			EventID:   eventIDString(eventID),
			Status:    operationStatusDuplicate,
			Error:     err,
		})
		return balance, err
	}
	if operationError == nil {
		service.logOperation(ctx, OperationLog{
			Operation: operationCredit,
			Owner:     owner,
			Amount:    amount.Int64(),
			Reason:    reason,
			EventID:   eventIDString(eventID),
		})
		return newBalance, nil
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationCredit,
		Owner:     owner,
		Amount:    amount.Int64(),
		Reason:    reason,
		EventID:   eventIDString(eventID),
		Error:     operationError,
	})
	return 0, operationError
}

// ApplyDebit decrements the balance when sufficient credits remain. The
// check and the decrement happen as one conditional update inside a single
// transaction, so two concurrent overdrawing debits cannot both succeed.
func (service *Service) ApplyDebit(ctx context.Context, owner OwnerID, amount CreditAmount, reason Reason, metadata MetadataJSON) (int64, error) {
	if !reason.IsSpend() && reason != ReasonManual {
		err := WrapError(operationDebit, "reason", "not_spendable", ErrInvalidReason)
		service.logOperation(ctx, OperationLog{Operation: operationDebit, Owner: owner, Amount: amount.Int64(), Reason: reason, Error: err})
		return 0, err
	}
	var newBalance int64
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.GetOrCreateAccount(ctx, owner)
		if err != nil {
			return err
		}
		balance, sufficient, err := transactionStore.DebitBalanceIfSufficient(ctx, account.AccountID, amount)
		if err != nil {
			return err
		}
		if !sufficient {
			return ErrInsufficientCredits
		}
		newBalance = balance
		input, err := NewTransactionInput(account.AccountID, amount.ToDelta().Negated(), reason, nil, metadata, service.nowFn())
		if err != nil {
			return err
		}
		return transactionStore.InsertTransaction(ctx, input)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationDebit,
		Owner:     owner,
		Amount:    amount.Int64(),
		Reason:    reason,
		Error:     operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	return newBalance, nil
}

func (service *Service) ownerBalance(ctx context.Context, owner OwnerID) (int64, error) {
	account, err := service.store.GetOrCreateAccount(ctx, owner)
	if err != nil {
		return 0, err
	}
	return service.store.GetBalance(ctx, account.AccountID)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func eventIDString(eventID *EventID) string {
	if eventID == nil {
		return ""
	}
	return eventID.String()
}
