// Package pgstore implements ledger.Store directly on a pgx connection
// pool. It is the production Postgres path; schema management is handled
// by the versioned migrations under migrations/.
package pgstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/resumelift/creditledger/pkg/ledger"
)

const (
	constraintExternalEvent = "uniq_transactions_external_event"
	pgUniqueViolationCode   = "23505"
	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectBalance     = "balance"
	errorSubjectTransaction = "transaction"
	errorSubjectEvent       = "event"
	errorCodeAdjust         = "adjust"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
	errorCodeDebit          = "debit"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeLookup         = "lookup"
	errorCodeMark           = "mark"
	errorCodeSum            = "sum"
	errorCodeUpdate         = "update"

	sqlInsertOrGetAccount = `
		insert into accounts(account_id, user_id) values(gen_random_uuid(), $1)
		on conflict (user_id) do update set user_id = excluded.user_id
		returning account_id::text, user_id, balance_credits, provider_customer_id
	`

	sqlInsertTransaction = `
		insert into ledger_transactions(
			transaction_id, account_id, delta_credits, reason, external_event_id, metadata, created_at
		)
		values(
			gen_random_uuid(), $1, $2, $3,
			nullif($4,''),
			coalesce(nullif($5,''),'{}')::jsonb,
			to_timestamp($6)
		)
	`

	sqlAdjustBalance = `
		update accounts set balance_credits = balance_credits + $2
		where account_id = $1
		returning balance_credits
	`

	sqlDebitIfSufficient = `
		update accounts set balance_credits = balance_credits - $2
		where account_id = $1 and balance_credits >= $2
		returning balance_credits
	`

	sqlSelectTransactionByEvent = `
		select
			transaction_id::text,
			account_id::text,
			delta_credits,
			reason,
			coalesce(external_event_id,''),
			coalesce(metadata::text,'{}'),
			extract(epoch from created_at)::bigint
		from ledger_transactions
		where external_event_id = $1
	`

	sqlListTransactions = `
		select
			transaction_id::text,
			account_id::text,
			delta_credits,
			reason,
			coalesce(external_event_id,''),
			coalesce(metadata::text,'{}'),
			extract(epoch from created_at)::bigint
		from ledger_transactions
		where account_id = $1
		order by created_at desc, transaction_id desc
		limit $2
	`

	sqlSumDeltas = `
		select coalesce(sum(delta_credits),0) from ledger_transactions
		where account_id = $1
	`

	sqlGetBalance = `
		select balance_credits from accounts where account_id = $1
	`

	sqlSetProviderCustomer = `
		update accounts set provider_customer_id = $2 where account_id = $1
	`

	sqlListAccountOwners = `
		select user_id from accounts order by user_id
	`

	sqlMarkEventProcessed = `
		insert into processed_events(provider, event_id, received_at)
		values($1, $2, now())
		on conflict (provider, event_id) do nothing
	`
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so the same
// statement set serves autocommit and in-transaction execution.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements ledger.Store using a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
	q    querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, q: pool}
}

// WithTx executes fn inside a database transaction. A Store already
// bound to a transaction reuses it instead of nesting.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	if store.pool == nil {
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	if err := fn(ctx, &Store{q: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) GetOrCreateAccount(ctx context.Context, owner ledger.OwnerID) (ledger.Account, error) {
	var (
		accountIDValue string
		userIDValue    string
		balanceValue   int64
		customerValue  string
	)
	err := store.q.QueryRow(ctx, sqlInsertOrGetAccount, owner.String()).Scan(
		&accountIDValue, &userIDValue, &balanceValue, &customerValue,
	)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	accountID, err := ledger.NewAccountID(accountIDValue)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	parsedOwner, err := ledger.NewOwnerID(userIDValue)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return ledger.Account{
		AccountID:          accountID,
		Owner:              parsedOwner,
		BalanceCredits:     balanceValue,
		ProviderCustomerID: customerValue,
	}, nil
}

func (store *Store) InsertTransaction(ctx context.Context, input ledger.TransactionInput) error {
	eventIDValue := ""
	if eventID, hasEventID := input.EventID(); hasEventID {
		eventIDValue = eventID.String()
	}
	_, err := store.q.Exec(ctx, sqlInsertTransaction,
		input.AccountID().String(),
		input.Delta().Int64(),
		input.Reason().String(),
		eventIDValue,
		input.Metadata().String(),
		input.CreatedUnixUTC(),
	)
	if isUniqueViolation(err, constraintExternalEvent) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateEvent)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) AdjustBalance(ctx context.Context, accountID ledger.AccountID, deltaCredits int64) (int64, error) {
	var balance int64
	err := store.q.QueryRow(ctx, sqlAdjustBalance, accountID.String(), deltaCredits).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeAdjust, ledger.ErrInvalidAccountID)
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeAdjust, err)
	}
	return balance, nil
}

func (store *Store) DebitBalanceIfSufficient(ctx context.Context, accountID ledger.AccountID, amount ledger.CreditAmount) (int64, bool, error) {
	var balance int64
	err := store.q.QueryRow(ctx, sqlDebitIfSufficient, accountID.String(), amount.Int64()).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, wrapStoreError(errorSubjectBalance, errorCodeDebit, err)
	}
	return balance, true, nil
}

func (store *Store) FindTransactionByEventID(ctx context.Context, eventID ledger.EventID) (ledger.Transaction, error) {
	row := store.q.QueryRow(ctx, sqlSelectTransactionByEvent, eventID.String())
	transaction, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, ledger.ErrUnknownTransaction)
	}
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, err)
	}
	return transaction, nil
}

func (store *Store) ListTransactions(ctx context.Context, accountID ledger.AccountID, limit int) ([]ledger.Transaction, error) {
	rows, err := store.q.Query(ctx, sqlListTransactions, accountID.String(), limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()

	transactions := make([]ledger.Transaction, 0, limit)
	for rows.Next() {
		transaction, err := scanTransaction(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return transactions, nil
}

func (store *Store) SumDeltas(ctx context.Context, accountID ledger.AccountID) (int64, error) {
	var sum int64
	if err := store.q.QueryRow(ctx, sqlSumDeltas, accountID.String()).Scan(&sum); err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSum, err)
	}
	return sum, nil
}

func (store *Store) GetBalance(ctx context.Context, accountID ledger.AccountID) (int64, error) {
	var balance int64
	err := store.q.QueryRow(ctx, sqlGetBalance, accountID.String()).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeGet, ledger.ErrInvalidAccountID)
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return balance, nil
}

func (store *Store) SetProviderCustomerID(ctx context.Context, accountID ledger.AccountID, customerID string) error {
	tag, err := store.q.Exec(ctx, sqlSetProviderCustomer, accountID.String(), customerID)
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, ledger.ErrInvalidAccountID)
	}
	return nil
}

func (store *Store) ListAccountOwners(ctx context.Context) ([]ledger.OwnerID, error) {
	rows, err := store.q.Query(ctx, sqlListAccountOwners)
	if err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	defer rows.Close()

	owners := make([]ledger.OwnerID, 0, 32)
	for rows.Next() {
		var userIDValue string
		if err := rows.Scan(&userIDValue); err != nil {
			return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
		}
		owner, err := ledger.NewOwnerID(userIDValue)
		if err != nil {
			return nil, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
		}
		owners = append(owners, owner)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	return owners, nil
}

// MarkEventProcessed records a webhook delivery, reporting false when
// the (provider, event id) pair was already recorded.
func (store *Store) MarkEventProcessed(ctx context.Context, provider string, eventID ledger.EventID) (bool, error) {
	tag, err := store.q.Exec(ctx, sqlMarkEventProcessed, provider, eventID.String())
	if err != nil {
		return false, wrapStoreError(errorSubjectEvent, errorCodeMark, err)
	}
	return tag.RowsAffected() > 0, nil
}

func scanTransaction(row pgx.Row) (ledger.Transaction, error) {
	var (
		transactionIDValue string
		accountIDValue     string
		deltaValue         int64
		reasonValue        string
		eventIDValue       string
		metadataValue      string
		createdUnixUTC     int64
	)
	if err := row.Scan(
		&transactionIDValue,
		&accountIDValue,
		&deltaValue,
		&reasonValue,
		&eventIDValue,
		&metadataValue,
		&createdUnixUTC,
	); err != nil {
		return ledger.Transaction{}, err
	}
	reason, err := ledger.ParseReason(reasonValue)
	if err != nil {
		return ledger.Transaction{}, err
	}
	return ledger.Transaction{
		TransactionID:  transactionIDValue,
		AccountID:      accountIDValue,
		DeltaCredits:   deltaValue,
		Reason:         reason,
		EventID:        eventIDValue,
		MetadataJSON:   metadataValue,
		CreatedUnixUTC: createdUnixUTC,
	}, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error, constraintName string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintName
	}
	return false
}
