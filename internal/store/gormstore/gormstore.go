// Package gormstore implements ledger.Store on top of GORM over SQLite,
// serving development deployments and the store-level test suite.
// Postgres deployments use the raw pgx implementation in pgstore.
package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/resumelift/creditledger/pkg/ledger"
)

const (
	constraintExternalEvent  = "uniq_transactions_external_event"
	constraintProcessedEvent = "processed_events_pkey"
	defaultMetadataJSON      = "{}"
	pgUniqueViolationCode    = "23505"
	sqliteConstraintCode     = 19
	errorOperationStore      = "store"
	errorSubjectAccount      = "account"
	errorSubjectBalance      = "balance"
	errorSubjectTransaction  = "transaction"
	errorSubjectEvent        = "event"
	errorCodeAdjust          = "adjust"
	errorCodeDebit           = "debit"
	errorCodeDuplicate       = "duplicate"
	errorCodeGet             = "get"
	errorCodeInsert          = "insert"
	errorCodeInvalid         = "invalid"
	errorCodeList            = "list"
	errorCodeLookup          = "lookup"
	errorCodeMark            = "mark"
	errorCodeSum             = "sum"
	errorCodeUpdate          = "update"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates the schema for SQLite deployments and tests.
// Postgres deployments use versioned migrations instead.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Account{}, &LedgerTransaction{}, &ProcessedEvent{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetOrCreateAccount(ctx context.Context, owner ledger.OwnerID) (ledger.Account, error) {
	var account Account
	err := store.db.WithContext(ctx).
		Where(Account{UserID: owner.String()}).
		Attrs(Account{CreatedAt: time.Now().UTC()}).
		FirstOrCreate(&account).Error
	if isUniqueViolation(err, "") {
		// Lost a create race with a concurrent request; the row exists now.
		err = store.db.WithContext(ctx).Where(Account{UserID: owner.String()}).Take(&account).Error
	}
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return mapAccount(account)
}

func (store *Store) InsertTransaction(ctx context.Context, input ledger.TransactionInput) error {
	var externalEventID *string
	if eventID, hasEventID := input.EventID(); hasEventID {
		value := eventID.String()
		externalEventID = &value
	}
	row := LedgerTransaction{
		AccountID:       input.AccountID().String(),
		DeltaCredits:    input.Delta().Int64(),
		Reason:          input.Reason().String(),
		ExternalEventID: externalEventID,
		Metadata:        datatypesJSON(input.Metadata().String()),
		CreatedAt:       time.Unix(input.CreatedUnixUTC(), 0).UTC(),
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err, constraintExternalEvent) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateEvent)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) AdjustBalance(ctx context.Context, accountID ledger.AccountID, deltaCredits int64) (int64, error) {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID.String()).
		Update("balance_credits", gorm.Expr("balance_credits + ?", deltaCredits))
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeAdjust, result.Error)
	}
	if result.RowsAffected == 0 {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeAdjust, ledger.ErrInvalidAccountID)
	}
	return store.readBalance(ctx, accountID, errorCodeAdjust)
}

func (store *Store) DebitBalanceIfSufficient(ctx context.Context, accountID ledger.AccountID, amount ledger.CreditAmount) (int64, bool, error) {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ? AND balance_credits >= ?", accountID.String(), amount.Int64()).
		Update("balance_credits", gorm.Expr("balance_credits - ?", amount.Int64()))
	if result.Error != nil {
		return 0, false, wrapStoreError(errorSubjectBalance, errorCodeDebit, result.Error)
	}
	if result.RowsAffected == 0 {
		return 0, false, nil
	}
	balance, err := store.readBalance(ctx, accountID, errorCodeDebit)
	if err != nil {
		return 0, false, err
	}
	return balance, true, nil
}

func (store *Store) FindTransactionByEventID(ctx context.Context, eventID ledger.EventID) (ledger.Transaction, error) {
	var row LedgerTransaction
	err := store.db.WithContext(ctx).
		Where("external_event_id = ?", eventID.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, ledger.ErrUnknownTransaction)
	}
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, err)
	}
	return mapTransaction(row)
}

func (store *Store) ListTransactions(ctx context.Context, accountID ledger.AccountID, limit int) ([]ledger.Transaction, error) {
	var rows []LedgerTransaction
	err := store.db.WithContext(ctx).
		Where("account_id = ?", accountID.String()).
		Order("created_at DESC, transaction_id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions := make([]ledger.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func (store *Store) SumDeltas(ctx context.Context, accountID ledger.AccountID) (int64, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&LedgerTransaction{}).
		Select("coalesce(sum(delta_credits),0) as total").
		Where("account_id = ?", accountID.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSum, err)
	}
	return sum.Total, nil
}

func (store *Store) GetBalance(ctx context.Context, accountID ledger.AccountID) (int64, error) {
	return store.readBalance(ctx, accountID, errorCodeGet)
}

func (store *Store) SetProviderCustomerID(ctx context.Context, accountID ledger.AccountID, customerID string) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID.String()).
		Update("provider_customer_id", customerID)
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, ledger.ErrInvalidAccountID)
	}
	return nil
}

func (store *Store) ListAccountOwners(ctx context.Context) ([]ledger.OwnerID, error) {
	var userIDs []string
	err := store.db.WithContext(ctx).
		Model(&Account{}).
		Order("user_id").
		Pluck("user_id", &userIDs).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	owners := make([]ledger.OwnerID, 0, len(userIDs))
	for _, userID := range userIDs {
		owner, err := ledger.NewOwnerID(userID)
		if err != nil {
			return nil, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
		}
		owners = append(owners, owner)
	}
	return owners, nil
}

// MarkEventProcessed records a webhook delivery in the processed-events
// registry. It reports false when the event was already recorded.
func (store *Store) MarkEventProcessed(ctx context.Context, provider string, eventID ledger.EventID) (bool, error) {
	row := ProcessedEvent{
		Provider:   provider,
		EventID:    eventID.String(),
		ReceivedAt: time.Now().UTC(),
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err, constraintProcessedEvent) {
		return false, nil
	}
	if err != nil {
		return false, wrapStoreError(errorSubjectEvent, errorCodeMark, err)
	}
	return true, nil
}

func (store *Store) readBalance(ctx context.Context, accountID ledger.AccountID, code string) (int64, error) {
	var account Account
	err := store.db.WithContext(ctx).
		Where("account_id = ?", accountID.String()).
		Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, wrapStoreError(errorSubjectBalance, code, ledger.ErrInvalidAccountID)
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, code, err)
	}
	return account.BalanceCredits, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapAccount(row Account) (ledger.Account, error) {
	accountID, err := ledger.NewAccountID(row.AccountID)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	owner, err := ledger.NewOwnerID(row.UserID)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return ledger.Account{
		AccountID:          accountID,
		Owner:              owner,
		BalanceCredits:     row.BalanceCredits,
		ProviderCustomerID: row.ProviderCustomerID,
	}, nil
}

func mapTransaction(row LedgerTransaction) (ledger.Transaction, error) {
	reason, err := ledger.ParseReason(row.Reason)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	externalEventID := ""
	if row.ExternalEventID != nil {
		externalEventID = *row.ExternalEventID
	}
	return ledger.Transaction{
		TransactionID:  row.TransactionID,
		AccountID:      row.AccountID,
		DeltaCredits:   row.DeltaCredits,
		Reason:         reason,
		EventID:        externalEventID,
		MetadataJSON:   string(row.Metadata),
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

// isUniqueViolation reports whether err is a unique constraint failure.
// When constraintName is non-empty, Postgres errors must also match that
// constraint; SQLite reports only the generic constraint code.
func isUniqueViolation(err error, constraintName string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code != pgUniqueViolationCode {
			return false
		}
		return constraintName == "" || pgErr.ConstraintName == constraintName
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
