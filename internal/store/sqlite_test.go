package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quipufin/quipu/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func newTestLog(userID string) *model.ProcessingLog {
	return &model.ProcessingLog{
		ID:         uuid.New().String(),
		JobID:      uuid.New().String(),
		DocumentID: uuid.New().String(),
		UserID:     userID,
		StorageRef: "uploads/" + userID + "/boleta.jpg",
		FileName:   "boleta.jpg",
		DocType:    model.DocTypeBoleta,
		Status:     model.LogStatusQueued,
	}
}

// --- Processing logs ---

func TestSQLite_CreateLog_And_GetLog(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	log := newTestLog("user-1")
	require.NoError(t, st.CreateLog(ctx, log))
	assert.False(t, log.CreatedAt.IsZero())

	fetched, err := st.GetLog(ctx, log.ID)
	require.NoError(t, err)
	assert.Equal(t, log.ID, fetched.ID)
	assert.Equal(t, "user-1", fetched.UserID)
	assert.Equal(t, model.DocTypeBoleta, fetched.DocType)
	assert.Equal(t, model.LogStatusQueued, fetched.Status)
	assert.Nil(t, fetched.Extracted)
	assert.Nil(t, fetched.Merged)
}

func TestSQLite_GetLog_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.GetLog(context.Background(), "nonexistent")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestSQLite_GetLogByJobID(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	log := newTestLog("user-1")
	require.NoError(t, st.CreateLog(ctx, log))

	fetched, err := st.GetLogByJobID(ctx, log.JobID)
	require.NoError(t, err)
	require.NotNil(t, fetched)
	assert.Equal(t, log.ID, fetched.ID)

	// Missing job IDs return nil, not an error, so the upload worker can
	// treat "no log yet" as the normal first-delivery case.
	fetched, err = st.GetLogByJobID(ctx, "never-seen")
	require.NoError(t, err)
	assert.Nil(t, fetched)
}

func TestSQLite_CreateLog_DuplicateJobID(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	log := newTestLog("user-1")
	require.NoError(t, st.CreateLog(ctx, log))

	dup := newTestLog("user-1")
	dup.JobID = log.JobID
	err := st.CreateLog(ctx, dup)
	assert.Error(t, err)
}

func TestSQLite_UpdateLogStatus(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	log := newTestLog("user-1")
	require.NoError(t, st.CreateLog(ctx, log))

	require.NoError(t, st.UpdateLogStatus(ctx, log.ID, model.LogStatusPendingConfirmation))

	fetched, err := st.GetLog(ctx, log.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LogStatusPendingConfirmation, fetched.Status)
}

func TestSQLite_UpdateLogStatus_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	err := st.UpdateLogStatus(context.Background(), "nonexistent", model.LogStatusFailed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestSQLite_SetLogStage(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	log := newTestLog("user-1")
	require.NoError(t, st.CreateLog(ctx, log))

	require.NoError(t, st.SetLogStage(ctx, log.ID, model.LogStatusProcessingOCR, model.StageOCR))

	fetched, err := st.GetLog(ctx, log.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LogStatusProcessingOCR, fetched.Status)
	assert.Equal(t, model.StageOCR, fetched.CurrentStage)
}

func TestSQLite_UpdateLog_FullRoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	log := newTestLog("user-1")
	require.NoError(t, st.CreateLog(ctx, log))

	amount := decimal.NewFromInt(15990)
	log.Status = model.LogStatusCompleted
	log.CurrentStage = model.StageConfirmation
	log.Confidence = model.ConfidenceScores{OCR: 0.9, Vision: 0.85, Classification: 0.6, Overall: 0.82}
	log.StageMillis = map[model.Stage]int64{model.StageOCR: 1200, model.StageVision: 3400}
	log.Extracted = &model.ExtractedData{
		OCR: &model.OCRPayload{
			Text:    "COMPRA JUMBO $15.990",
			Amounts: []decimal.Decimal{amount},
		},
		Vision: &model.VisionPayload{
			Result: model.ClassificationResult{
				Source:          model.SourceVision,
				TransactionType: model.TypeExpense,
				Category:        "alimentacion",
				Amount:          amount,
				Currency:        "CLP",
				Confidence:      0.85,
			},
			RUTPresent: true,
		},
	}
	log.Merged = &model.MergedResult{
		Result: model.ClassificationResult{
			Source:          model.SourceVision,
			TransactionType: model.TypeExpense,
			Category:        "alimentacion",
			Amount:          amount,
			Currency:        "CLP",
		},
		FinalConfidence: 0.92,
		SourcesUsed:     []model.Source{model.SourceRuleBased, model.SourceVision},
	}
	log.AppendError(model.StageOCR, "extractor timed out once", time.Now().UTC())
	log.TransactionID = "txn-1"

	require.NoError(t, st.UpdateLog(ctx, log))

	fetched, err := st.GetLog(ctx, log.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LogStatusCompleted, fetched.Status)
	assert.InDelta(t, 0.82, fetched.Confidence.Overall, 0.001)
	assert.Equal(t, int64(1200), fetched.StageMillis[model.StageOCR])
	require.NotNil(t, fetched.Extracted)
	require.NotNil(t, fetched.Extracted.OCR)
	assert.Equal(t, "COMPRA JUMBO $15.990", fetched.Extracted.OCR.Text)
	require.Len(t, fetched.Extracted.OCR.Amounts, 1)
	assert.True(t, fetched.Extracted.OCR.Amounts[0].Equal(amount))
	require.NotNil(t, fetched.Extracted.Vision)
	assert.True(t, fetched.Extracted.Vision.RUTPresent)
	require.NotNil(t, fetched.Merged)
	assert.True(t, fetched.Merged.Result.Amount.Equal(amount))
	assert.Equal(t, "alimentacion", fetched.Merged.Result.Category)
	require.Len(t, fetched.Errors, 1)
	assert.Equal(t, model.StageOCR, fetched.Errors[0].Stage)
	assert.Equal(t, "txn-1", fetched.TransactionID)
}

func TestSQLite_ListLogs(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateLog(ctx, newTestLog("user-1")))
	require.NoError(t, st.CreateLog(ctx, newTestLog("user-1")))
	require.NoError(t, st.CreateLog(ctx, newTestLog("user-2")))

	logs, err := st.ListLogs(ctx, LogFilter{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, logs, 3)

	logs, err = st.ListLogs(ctx, LogFilter{UserID: "user-2", Limit: 10})
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestSQLite_ListLogs_FilterByStatus(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	done := newTestLog("user-1")
	require.NoError(t, st.CreateLog(ctx, done))
	require.NoError(t, st.UpdateLogStatus(ctx, done.ID, model.LogStatusCompleted))
	require.NoError(t, st.CreateLog(ctx, newTestLog("user-1")))

	logs, err := st.ListLogs(ctx, LogFilter{Status: model.LogStatusCompleted, Limit: 10})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, done.ID, logs[0].ID)
}

func TestSQLite_ListLogs_CreatedAfter(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	old := newTestLog("user-1")
	old.CreatedAt = time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, st.CreateLog(ctx, old))
	require.NoError(t, st.CreateLog(ctx, newTestLog("user-1")))

	logs, err := st.ListLogs(ctx, LogFilter{CreatedAfter: time.Now().UTC().Add(-time.Hour), Limit: 10})
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

// --- Transactions ---

func newTestTxn(userID string) *model.FinancialTransaction {
	return &model.FinancialTransaction{
		ID:               uuid.New().String(),
		UserID:           userID,
		Type:             model.TypeExpense,
		Category:         "alimentacion",
		Subcategory:      "supermercado",
		Amount:           decimal.NewFromInt(15990),
		Currency:         "CLP",
		Date:             time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC),
		Description:      "COMPRA JUMBO",
		Merchant:         "JUMBO",
		ConfidenceScore:  0.92,
		Status:           model.TxnStatusVerified,
		ProcessingMethod: model.MethodDocumentPipeline,
		Metadata: model.TransactionMetadata{
			ProcessingLogID: "log-1",
			DocumentType:    model.DocTypeBoleta,
			SourcesUsed:     []model.Source{model.SourceVision, model.SourceRuleBased},
		},
	}
}

func TestSQLite_CreateTransaction_And_Get(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	txn := newTestTxn("user-1")
	require.NoError(t, st.CreateTransaction(ctx, txn))

	fetched, err := st.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, txn.ID, fetched.ID)
	assert.Equal(t, model.TypeExpense, fetched.Type)
	assert.True(t, fetched.Amount.Equal(decimal.NewFromInt(15990)))
	assert.Equal(t, "JUMBO", fetched.Merchant)
	assert.InDelta(t, 0.92, fetched.ConfidenceScore, 0.001)
	assert.Equal(t, "log-1", fetched.Metadata.ProcessingLogID)
	assert.Len(t, fetched.Metadata.SourcesUsed, 2)
}

func TestSQLite_GetTransaction_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.GetTransaction(context.Background(), "nonexistent")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestSQLite_ListTransactions_Filters(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	food := newTestTxn("user-1")
	require.NoError(t, st.CreateTransaction(ctx, food))

	transport := newTestTxn("user-1")
	transport.Category = "transporte"
	transport.Date = time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, st.CreateTransaction(ctx, transport))

	income := newTestTxn("user-1")
	income.Type = model.TypeIncome
	income.Category = "sueldo"
	require.NoError(t, st.CreateTransaction(ctx, income))

	txns, err := st.ListTransactions(ctx, TxnFilter{UserID: "user-1", Limit: 10})
	require.NoError(t, err)
	assert.Len(t, txns, 3)

	txns, err = st.ListTransactions(ctx, TxnFilter{UserID: "user-1", Type: model.TypeIncome, Limit: 10})
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, "sueldo", txns[0].Category)

	txns, err = st.ListTransactions(ctx, TxnFilter{Category: "transporte", Limit: 10})
	require.NoError(t, err)
	assert.Len(t, txns, 1)

	// Date window covering only March.
	txns, err = st.ListTransactions(ctx, TxnFilter{
		From:  time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		To:    time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
		Limit: 10,
	})
	require.NoError(t, err)
	assert.Len(t, txns, 2)
}

func TestSQLite_SumByCategory(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	a := newTestTxn("user-1")
	require.NoError(t, st.CreateTransaction(ctx, a))

	b := newTestTxn("user-1")
	b.Amount = decimal.NewFromInt(4010)
	require.NoError(t, st.CreateTransaction(ctx, b))

	c := newTestTxn("user-1")
	c.Category = "transporte"
	c.Amount = decimal.NewFromInt(800)
	require.NoError(t, st.CreateTransaction(ctx, c))

	// Another user's spending must not leak in.
	other := newTestTxn("user-2")
	require.NoError(t, st.CreateTransaction(ctx, other))

	sums, err := st.SumByCategory(ctx, "user-1", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, sums, 2)
	assert.Equal(t, "alimentacion", sums[0].Category)
	assert.Equal(t, 2, sums[0].Count)
	assert.True(t, sums[0].Total.Equal(decimal.NewFromInt(20000)))
	assert.Equal(t, "transporte", sums[1].Category)
}

// --- Migrate ---

func TestSQLite_Migrate_Idempotent(t *testing.T) {
	st := newTestSQLiteStore(t)

	// Migrate was already called in newTestSQLiteStore; calling again should not error.
	require.NoError(t, st.Migrate(context.Background()))
}
