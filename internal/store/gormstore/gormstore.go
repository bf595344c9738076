// Package gormstore persists ledger balances and creation records with GORM.
package gormstore

import (
	"errors"
	"strings"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/doodletales/pkg/ledger"
)

const (
	constraintTransactionIdempotencyKey = "uniq_ledger_transactions_owner_key"
	constraintCreationPrimary           = "creations_pkey"
	defaultMetadataJSON                 = "{}"
	pgUniqueViolationCode               = "23505"
	sqliteConstraintUniqueCode          = 2067
	sqliteConstraintPrimaryKeyCode      = 1555
	errorOperationStore                 = "store"
	errorSubjectAccount                 = "account"
	errorSubjectBalance                 = "balance"
	errorSubjectTransaction             = "transaction"
	errorSubjectCreation                = "creation"
	errorCodeCreate                     = "create"
	errorCodeCredit                     = "credit"
	errorCodeDebit                      = "debit"
	errorCodeDuplicate                  = "duplicate"
	errorCodeFail                       = "fail"
	errorCodeGet                        = "get"
	errorCodeInsert                     = "insert"
	errorCodeInvalid                    = "invalid"
	errorCodeList                       = "list"
	errorCodeLookup                     = "lookup"
	errorCodeReclaim                    = "reclaim"
	errorCodeSetField                   = "set_field"
	errorCodeTransition                 = "transition"
)

var sqliteConstraintTables = map[string]string{
	constraintTransactionIdempotencyKey: "ledger_transactions",
	constraintCreationPrimary:           "creations",
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isIdempotencyConflict(err error) bool {
	return isUniqueViolation(err, constraintTransactionIdempotencyKey)
}

func isCreationConflict(err error) bool {
	return isUniqueViolation(err, constraintCreationPrimary)
}

func isUniqueViolation(err error, constraint string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		if code != sqliteConstraintUniqueCode && code != sqliteConstraintPrimaryKeyCode {
			return false
		}
		// SQLite names the violated columns, not the constraint.
		return strings.Contains(sqliteErr.Error(), sqliteConstraintTables[constraint]+".")
	}
	return false
}

func stringValue(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
