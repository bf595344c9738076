package ledger

import (
	"context"
	"fmt"
)

// Service contains the balance ledger logic over a Store.
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

// Balance returns the owner's current balance. Unknown owners have a zero balance.
func (service *Service) Balance(ctx context.Context, ownerID OwnerID) (AmountCents, error) {
	return service.store.Balance(ctx, ownerID)
}

// Credit adds amount to the owner's balance and records the transaction under idempotencyKey.
// The add itself is blind; a repeated key fails with ErrDuplicateIdempotencyKey and changes nothing.
func (service *Service) Credit(ctx context.Context, ownerID OwnerID, amount PositiveAmountCents, idempotencyKey IdempotencyKey, metadata MetadataJSON) (AmountCents, error) {
	balance, operationError := service.applyCredit(ctx, TransactionCredit, ownerID, amount, idempotencyKey, metadata)
	service.logOperation(ctx, OperationLog{
		Operation:      operationCredit,
		OwnerID:        ownerID,
		Amount:         amount.ToAmountCents(),
		BalanceAfter:   balance,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		Error:          operationError,
	})
	return balance, operationError
}

// Refund returns previously debited funds. It is recorded separately from top-up credits.
func (service *Service) Refund(ctx context.Context, ownerID OwnerID, amount PositiveAmountCents, idempotencyKey IdempotencyKey, metadata MetadataJSON) (AmountCents, error) {
	balance, operationError := service.applyCredit(ctx, TransactionRefund, ownerID, amount, idempotencyKey, metadata)
	service.logOperation(ctx, OperationLog{
		Operation:      operationRefund,
		OwnerID:        ownerID,
		Amount:         amount.ToAmountCents(),
		BalanceAfter:   balance,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		Error:          operationError,
	})
	return balance, operationError
}

// Debit removes amount from the owner's balance when the balance covers it.
// The sufficiency check and the decrement happen in one conditional store update;
// ErrInsufficientFunds leaves the balance untouched.
func (service *Service) Debit(ctx context.Context, ownerID OwnerID, amount PositiveAmountCents, idempotencyKey IdempotencyKey, metadata MetadataJSON) (AmountCents, error) {
	var balance AmountCents
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		updated, err := transactionStore.DebitIfSufficient(ctx, ownerID, amount)
		if err != nil {
			return err
		}
		if err := transactionStore.InsertTransaction(ctx, TransactionInput{
			OwnerID:        ownerID,
			Type:           TransactionDebit,
			AmountCents:    amount,
			IdempotencyKey: idempotencyKey,
			Metadata:       metadata,
			CreatedUnixUTC: service.nowFn(),
		}); err != nil {
			return err
		}
		balance = updated
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationDebit,
		OwnerID:        ownerID,
		Amount:         amount.ToAmountCents(),
		BalanceAfter:   balance,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		Error:          operationError,
	})
	return balance, operationError
}

// ListTransactions lists the most recent transactions for an owner, newest first.
func (service *Service) ListTransactions(ctx context.Context, ownerID OwnerID, limit int) ([]Transaction, error) {
	return service.store.ListTransactions(ctx, ownerID, normalizeListLimit(limit))
}

func (service *Service) applyCredit(ctx context.Context, transactionType TransactionType, ownerID OwnerID, amount PositiveAmountCents, idempotencyKey IdempotencyKey, metadata MetadataJSON) (AmountCents, error) {
	var balance AmountCents
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		// The transaction row goes first so a replayed key aborts before the balance moves.
		if err := transactionStore.InsertTransaction(ctx, TransactionInput{
			OwnerID:        ownerID,
			Type:           transactionType,
			AmountCents:    amount,
			IdempotencyKey: idempotencyKey,
			Metadata:       metadata,
			CreatedUnixUTC: service.nowFn(),
		}); err != nil {
			return err
		}
		updated, err := transactionStore.Credit(ctx, ownerID, amount)
		if err != nil {
			return err
		}
		balance = updated
		return nil
	})
	return balance, err
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

func normalizeListLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
