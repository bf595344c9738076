// Package pgstore implements the balance ledger directly on a pgx pool.
package pgstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MarkoPoloResearchLab/doodletales/pkg/ledger"
)

const (
	constraintTransactionIdempotencyKey = "uniq_ledger_transactions_owner_key"
	pgUniqueViolationCode               = "23505"
	errorOperationStore                 = "store"
	errorSubjectAccount                 = "account"
	errorSubjectBalance                 = "balance"
	errorSubjectSchema                  = "schema"
	errorSubjectTransaction             = "transaction"
	errorCodeBegin                      = "begin"
	errorCodeCommit                     = "commit"
	errorCodeCredit                     = "credit"
	errorCodeDebit                      = "debit"
	errorCodeDuplicate                  = "duplicate"
	errorCodeEnsure                     = "ensure"
	errorCodeInsert                     = "insert"
	errorCodeInvalid                    = "invalid"
	errorCodeList                       = "list"
	errorCodeLookup                     = "lookup"

	sqlSelectBalance = `
		select balance_cents from ledger_accounts where owner_id = $1
	`

	sqlCredit = `
		insert into ledger_accounts(owner_id, balance_cents, created_at, updated_at)
		values ($1, $2, now(), now())
		on conflict (owner_id) do update
		set balance_cents = ledger_accounts.balance_cents + excluded.balance_cents, updated_at = now()
		returning balance_cents
	`

	sqlDebitIfSufficient = `
		update ledger_accounts
		set balance_cents = balance_cents - $2, updated_at = now()
		where owner_id = $1 and balance_cents >= $2
		returning balance_cents
	`

	sqlInsertTransaction = `
		insert into ledger_transactions(
			transaction_id, owner_id, type, amount_cents, idempotency_key, metadata, created_at
		)
		values(
			gen_random_uuid(), $1, $2, $3, $4,
			coalesce(nullif($5,''),'{}')::jsonb,
			to_timestamp($6)
		)
	`

	sqlListTransactions = `
		select
			transaction_id::text,
			owner_id,
			type,
			amount_cents,
			idempotency_key,
			coalesce(metadata::text,'{}'),
			extract(epoch from created_at)::bigint
		from ledger_transactions
		where owner_id = $1
		order by created_at desc, transaction_id desc
		limit $2
	`
)

// Schema creates the ledger and creation tables. The balance check constraint
// backs up the conditional debit.
const Schema = `
create table if not exists ledger_accounts (
	owner_id text primary key,
	balance_cents bigint not null default 0 check (balance_cents >= 0),
	created_at timestamptz not null default now(),
	updated_at timestamptz not null default now()
);

create table if not exists ledger_transactions (
	transaction_id uuid primary key,
	owner_id text not null,
	type text not null check (type in ('credit','debit','refund')),
	amount_cents bigint not null check (amount_cents > 0),
	idempotency_key text not null,
	metadata jsonb not null default '{}'::jsonb,
	created_at timestamptz not null default now(),
	constraint uniq_ledger_transactions_owner_key unique (owner_id, idempotency_key)
);

create index if not exists idx_ledger_transactions_owner_created
	on ledger_transactions(owner_id, created_at);

create table if not exists creations (
	id text primary key,
	owner_id text not null,
	original_object_key text not null,
	content_type text not null,
	user_prompt text not null default '',
	enhancement_type text not null default '',
	custom_prompt text not null default '',
	story_text text,
	enhanced_object_key text,
	stage text not null,
	failure_stage text,
	failure_cause text,
	failure_detail text,
	charge_cents bigint not null default 0,
	claimed_at timestamptz not null,
	claim_count bigint not null default 0,
	created_at timestamptz not null,
	updated_at timestamptz not null
);

create index if not exists idx_creations_owner_created on creations(owner_id, created_at);
create index if not exists idx_creations_stage on creations(stage);
`

// querier is the subset shared by pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// Store implements ledger.Store using a pgx connection pool (autocommit).
type Store struct {
	queries
	pool *pgxpool.Pool
}

// TxStore implements ledger.Store for an active transaction.
type TxStore struct {
	queries
}

type queries struct {
	db querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{queries: queries{db: pool}, pool: pool}
}

// EnsureSchema applies Schema.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeEnsure, err)
	}
	return nil
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{queries: queries{db: tx}}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return fn(ctx, store)
}

func (store queries) Balance(ctx context.Context, ownerID ledger.OwnerID) (ledger.AmountCents, error) {
	var balance int64
	err := store.db.QueryRow(ctx, sqlSelectBalance, ownerID.String()).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeLookup, err)
	}
	return toAmount(balance)
}

func (store queries) Credit(ctx context.Context, ownerID ledger.OwnerID, amount ledger.PositiveAmountCents) (ledger.AmountCents, error) {
	var balance int64
	if err := store.db.QueryRow(ctx, sqlCredit, ownerID.String(), amount.Int64()).Scan(&balance); err != nil {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeCredit, err)
	}
	return toAmount(balance)
}

func (store queries) DebitIfSufficient(ctx context.Context, ownerID ledger.OwnerID, amount ledger.PositiveAmountCents) (ledger.AmountCents, error) {
	var balance int64
	err := store.db.QueryRow(ctx, sqlDebitIfSufficient, ownerID.String(), amount.Int64()).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeDebit, ledger.ErrInsufficientFunds)
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeDebit, err)
	}
	return toAmount(balance)
}

func (store queries) InsertTransaction(ctx context.Context, input ledger.TransactionInput) error {
	_, err := store.db.Exec(ctx, sqlInsertTransaction,
		input.OwnerID.String(),
		input.Type.String(),
		input.AmountCents.Int64(),
		input.IdempotencyKey.String(),
		input.Metadata.String(),
		input.CreatedUnixUTC,
	)
	if isIdempotencyConflict(err) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store queries) ListTransactions(ctx context.Context, ownerID ledger.OwnerID, limit int) ([]ledger.Transaction, error) {
	rows, err := store.db.Query(ctx, sqlListTransactions, ownerID.String(), limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()
	transactions, err := scanTransactions(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transactions, nil
}

func scanTransactions(rows pgx.Rows) ([]ledger.Transaction, error) {
	transactions := make([]ledger.Transaction, 0, 32)
	for rows.Next() {
		var (
			transactionIDValue string
			ownerIDValue       string
			typeValue          string
			amountValue        int64
			idempotencyValue   string
			metadataValue      string
			createdAtUnixUTC   int64
		)
		if err := rows.Scan(
			&transactionIDValue,
			&ownerIDValue,
			&typeValue,
			&amountValue,
			&idempotencyValue,
			&metadataValue,
			&createdAtUnixUTC,
		); err != nil {
			return nil, err
		}
		ownerID, err := ledger.NewOwnerID(ownerIDValue)
		if err != nil {
			return nil, err
		}
		transactionType, err := ledger.ParseTransactionType(typeValue)
		if err != nil {
			return nil, err
		}
		amount, err := ledger.NewPositiveAmountCents(amountValue)
		if err != nil {
			return nil, err
		}
		idempotencyKey, err := ledger.NewIdempotencyKey(idempotencyValue)
		if err != nil {
			return nil, err
		}
		metadata, err := ledger.NewMetadataJSON(metadataValue)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, ledger.Transaction{
			TransactionID:  transactionIDValue,
			OwnerID:        ownerID,
			Type:           transactionType,
			AmountCents:    amount,
			IdempotencyKey: idempotencyKey,
			Metadata:       metadata,
			CreatedUnixUTC: createdAtUnixUTC,
		})
	}
	return transactions, rows.Err()
}

func toAmount(raw int64) (ledger.AmountCents, error) {
	amount, err := ledger.NewAmountCents(raw)
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return amount, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isIdempotencyConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintTransactionIdempotencyKey
	}
	return false
}
