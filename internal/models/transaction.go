package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionType for ledger rows.
type TransactionType string

const (
	TxnIncome     TransactionType = "income"
	TxnExpense    TransactionType = "expense"
	TxnRefund     TransactionType = "refund"
	TxnCommission TransactionType = "commission"
	TxnSalary     TransactionType = "salary"
)

// Credits reports whether rows of this type add to the balance.
func (t TransactionType) Credits() bool {
	return t == TxnIncome || t == TxnRefund
}

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	switch t {
	case TxnIncome, TxnExpense, TxnRefund, TxnCommission, TxnSalary:
		return true
	}
	return false
}

// Transaction is an immutable ledger row. Amount is a positive magnitude; its
// effect on the balance comes from Type.
type Transaction struct {
	ID              uuid.UUID       `json:"id"`
	Type            TransactionType `json:"type"`
	Category        string          `json:"category"`
	Amount          decimal.Decimal `json:"amount"`
	Description     string          `json:"description,omitempty"`
	PaymentID       *uuid.UUID      `json:"payment_id,omitempty"`
	ExpenseID       *uuid.UUID      `json:"expense_id,omitempty"`
	EarningID       *uuid.UUID      `json:"earning_id,omitempty"`
	TransactionDate time.Time       `json:"transaction_date"`
	CreatedAt       time.Time       `json:"created_at"`
}

// SignedAmount is the row's effect on the running balance.
func (t Transaction) SignedAmount() decimal.Decimal {
	if t.Type.Credits() {
		return t.Amount
	}
	return t.Amount.Neg()
}
