package gormstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarkoPoloResearchLab/doodletales/pkg/ledger"
)

// LedgerStore implements ledger.Store using GORM.
type LedgerStore struct {
	db *gorm.DB
}

// NewLedgerStore returns a LedgerStore backed by gorm.DB.
func NewLedgerStore(db *gorm.DB) *LedgerStore {
	return &LedgerStore{db: db}
}

// WithTx executes fn within a transaction.
func (store *LedgerStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &LedgerStore{db: transaction})
	})
}

// Balance returns the stored balance, or zero when the owner has no account row.
func (store *LedgerStore) Balance(ctx context.Context, ownerID ledger.OwnerID) (ledger.AmountCents, error) {
	var account LedgerAccount
	err := store.db.WithContext(ctx).
		Where("owner_id = ?", ownerID.String()).
		Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeLookup, err)
	}
	balance, err := ledger.NewAmountCents(account.BalanceCents)
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return balance, nil
}

// Credit adds amount to the owner's balance, creating the account row when missing.
func (store *LedgerStore) Credit(ctx context.Context, ownerID ledger.OwnerID, amount ledger.PositiveAmountCents) (ledger.AmountCents, error) {
	now := time.Now().UTC()
	account := LedgerAccount{
		OwnerID:      ownerID.String(),
		BalanceCents: amount.Int64(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "owner_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"balance_cents": clause.Expr{SQL: "ledger_accounts.balance_cents + excluded.balance_cents"},
				"updated_at":    clause.Expr{SQL: "excluded.updated_at"},
			}),
		}).
		Create(&account).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeCredit, err)
	}
	return store.Balance(ctx, ownerID)
}

// DebitIfSufficient subtracts amount in one conditional update. No matching row
// means the balance did not cover the amount and nothing changed.
func (store *LedgerStore) DebitIfSufficient(ctx context.Context, ownerID ledger.OwnerID, amount ledger.PositiveAmountCents) (ledger.AmountCents, error) {
	result := store.db.WithContext(ctx).
		Model(&LedgerAccount{}).
		Where("owner_id = ? AND balance_cents >= ?", ownerID.String(), amount.Int64()).
		Updates(map[string]interface{}{
			"balance_cents": gorm.Expr("balance_cents - ?", amount.Int64()),
			"updated_at":    time.Now().UTC(),
		})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeDebit, result.Error)
	}
	if result.RowsAffected == 0 {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeDebit, ledger.ErrInsufficientFunds)
	}
	return store.Balance(ctx, ownerID)
}

// InsertTransaction records a ledger transaction row.
func (store *LedgerStore) InsertTransaction(ctx context.Context, input ledger.TransactionInput) error {
	row := LedgerTransaction{
		OwnerID:        input.OwnerID.String(),
		Type:           input.Type.String(),
		AmountCents:    input.AmountCents.Int64(),
		IdempotencyKey: input.IdempotencyKey.String(),
		Metadata:       datatypesJSON(input.Metadata.String()),
		CreatedAt:      time.Unix(input.CreatedUnixUTC, 0).UTC(),
	}
	if input.CreatedUnixUTC == 0 {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isIdempotencyConflict(err) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

// ListTransactions returns the owner's most recent transactions, newest first.
func (store *LedgerStore) ListTransactions(ctx context.Context, ownerID ledger.OwnerID, limit int) ([]ledger.Transaction, error) {
	var rows []LedgerTransaction
	err := store.db.WithContext(ctx).
		Where("owner_id = ?", ownerID.String()).
		Order("created_at DESC").
		Order("transaction_id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions := make([]ledger.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapLedgerTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func mapLedgerTransaction(row LedgerTransaction) (ledger.Transaction, error) {
	ownerID, err := ledger.NewOwnerID(row.OwnerID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	transactionType, err := ledger.ParseTransactionType(row.Type)
	if err != nil {
		return ledger.Transaction{}, err
	}
	amount, err := ledger.NewPositiveAmountCents(row.AmountCents)
	if err != nil {
		return ledger.Transaction{}, err
	}
	idempotencyKey, err := ledger.NewIdempotencyKey(row.IdempotencyKey)
	if err != nil {
		return ledger.Transaction{}, err
	}
	metadata, err := ledger.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return ledger.Transaction{}, err
	}
	return ledger.Transaction{
		TransactionID:  row.TransactionID,
		OwnerID:        ownerID,
		Type:           transactionType,
		AmountCents:    amount,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}
