package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// LedgerAccount represents the ledger_accounts table.
type LedgerAccount struct {
	OwnerID      string    `gorm:"primaryKey"`
	BalanceCents int64     `gorm:"not null;default:0"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (LedgerAccount) TableName() string { return "ledger_accounts" }

// LedgerTransaction mirrors the ledger_transactions table.
type LedgerTransaction struct {
	TransactionID  string         `gorm:"type:uuid;primaryKey"`
	OwnerID        string         `gorm:"not null;index:uniq_ledger_transactions_owner_key,unique,priority:1;index:idx_ledger_transactions_owner_created,priority:1"`
	Type           string         `gorm:"not null"`
	AmountCents    int64          `gorm:"not null"`
	IdempotencyKey string         `gorm:"not null;index:uniq_ledger_transactions_owner_key,unique,priority:2"`
	Metadata       datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt      time.Time      `gorm:"not null;index:idx_ledger_transactions_owner_created,priority:2"`
}

func (LedgerTransaction) TableName() string { return "ledger_transactions" }

func (transaction *LedgerTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// CreationRecord mirrors the creations table. Write-once outputs are nullable
// so that "set if absent" updates can test for NULL.
type CreationRecord struct {
	ID                string  `gorm:"primaryKey"`
	OwnerID           string  `gorm:"not null;index:idx_creations_owner_created,priority:1"`
	OriginalObjectKey string  `gorm:"not null"`
	ContentType       string  `gorm:"not null"`
	UserPrompt        string  `gorm:"not null;default:''"`
	EnhancementType   string  `gorm:"not null;default:''"`
	CustomPrompt      string  `gorm:"not null;default:''"`
	StoryText         *string `gorm:"column:story_text"`
	EnhancedObjectKey *string `gorm:"column:enhanced_object_key"`
	Stage             string  `gorm:"not null;index"`
	FailureStage      *string
	FailureCause      *string
	FailureDetail     *string
	ChargeCents       int64     `gorm:"not null;default:0"`
	ClaimedAt         time.Time `gorm:"not null"`
	ClaimCount        int64     `gorm:"not null;default:0"`
	CreatedAt         time.Time `gorm:"not null;index:idx_creations_owner_created,priority:2"`
	UpdatedAt         time.Time `gorm:"not null"`
}

func (CreationRecord) TableName() string { return "creations" }

// LedgerModels lists the ledger tables for AutoMigrate.
func LedgerModels() []any {
	return []any{&LedgerAccount{}, &LedgerTransaction{}}
}

// CreationModels lists the creation tables for AutoMigrate.
func CreationModels() []any {
	return []any{&CreationRecord{}}
}
