package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quipufin/quipu/internal/model"
)

// LogFilter specifies criteria for listing processing logs.
type LogFilter struct {
	UserID       string          `json:"user_id,omitempty"`
	Status       model.LogStatus `json:"status,omitempty"`
	CreatedAfter time.Time       `json:"created_after,omitempty"`
	Limit        int             `json:"limit,omitempty"`
	Offset       int             `json:"offset,omitempty"`
}

// TxnFilter specifies criteria for listing financial transactions.
type TxnFilter struct {
	UserID   string                `json:"user_id,omitempty"`
	Type     model.TransactionType `json:"type,omitempty"`
	Category string                `json:"category,omitempty"`
	From     time.Time             `json:"from,omitempty"`
	To       time.Time             `json:"to,omitempty"`
	Limit    int                   `json:"limit,omitempty"`
	Offset   int                   `json:"offset,omitempty"`
}

// CategorySum aggregates confirmed transactions for one category.
type CategorySum struct {
	Category string                `json:"category"`
	Type     model.TransactionType `json:"type"`
	Count    int                   `json:"count"`
	Total    decimal.Decimal       `json:"total"`
}

// Store defines the persistence interface for the document pipeline.
type Store interface {
	// Processing logs
	CreateLog(ctx context.Context, log *model.ProcessingLog) error
	UpdateLogStatus(ctx context.Context, logID string, status model.LogStatus) error
	SetLogStage(ctx context.Context, logID string, status model.LogStatus, stage model.Stage) error
	UpdateLog(ctx context.Context, log *model.ProcessingLog) error
	GetLog(ctx context.Context, logID string) (*model.ProcessingLog, error)
	GetLogByJobID(ctx context.Context, jobID string) (*model.ProcessingLog, error)
	ListLogs(ctx context.Context, filter LogFilter) ([]model.ProcessingLog, error)

	// Transactions
	CreateTransaction(ctx context.Context, txn *model.FinancialTransaction) error
	GetTransaction(ctx context.Context, txnID string) (*model.FinancialTransaction, error)
	ListTransactions(ctx context.Context, filter TxnFilter) ([]model.FinancialTransaction, error)
	SumByCategory(ctx context.Context, userID string, from, to time.Time) ([]CategorySum, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
