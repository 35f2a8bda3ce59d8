package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/quipufin/quipu/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS processing_logs (
	id             TEXT PRIMARY KEY,
	job_id         TEXT NOT NULL DEFAULT '',
	document_id    TEXT NOT NULL,
	user_id        TEXT NOT NULL,
	storage_ref    TEXT NOT NULL,
	file_name      TEXT NOT NULL DEFAULT '',
	doc_type       TEXT NOT NULL DEFAULT 'UNKNOWN',
	status         TEXT NOT NULL DEFAULT 'QUEUED',
	current_stage  TEXT NOT NULL DEFAULT '',
	confidence     TEXT,
	stage_millis   TEXT,
	extracted      TEXT,
	merged         TEXT,
	errors         TEXT,
	transaction_id TEXT NOT NULL DEFAULT '',
	created_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at     DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS transactions (
	id                TEXT PRIMARY KEY,
	user_id           TEXT NOT NULL,
	type              TEXT NOT NULL,
	category          TEXT NOT NULL,
	subcategory       TEXT NOT NULL DEFAULT '',
	amount            TEXT NOT NULL,
	currency          TEXT NOT NULL DEFAULT 'CLP',
	date              DATETIME NOT NULL,
	description       TEXT NOT NULL DEFAULT '',
	merchant          TEXT NOT NULL DEFAULT '',
	confidence_score  REAL NOT NULL DEFAULT 0,
	status            TEXT NOT NULL,
	processing_method TEXT NOT NULL,
	metadata          TEXT,
	created_at        DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_logs_job_id ON processing_logs(job_id) WHERE job_id != '';
CREATE INDEX IF NOT EXISTS idx_logs_status ON processing_logs(status);
CREATE INDEX IF NOT EXISTS idx_logs_user_id ON processing_logs(user_id);
CREATE INDEX IF NOT EXISTS idx_logs_created_at ON processing_logs(created_at);
CREATE INDEX IF NOT EXISTS idx_txns_user_id ON transactions(user_id);
CREATE INDEX IF NOT EXISTS idx_txns_date ON transactions(date);
CREATE INDEX IF NOT EXISTS idx_txns_category ON transactions(category);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateLog(ctx context.Context, log *model.ProcessingLog) error {
	now := time.Now().UTC()
	if log.CreatedAt.IsZero() {
		log.CreatedAt = now
	}
	log.UpdatedAt = now

	cols, err := marshalLogColumns(log)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO processing_logs
		 (id, job_id, document_id, user_id, storage_ref, file_name, doc_type, status, current_stage,
		  confidence, stage_millis, extracted, merged, errors, transaction_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		log.ID, log.JobID, log.DocumentID, log.UserID, log.StorageRef, log.FileName,
		string(log.DocType), string(log.Status), string(log.CurrentStage),
		cols.confidence, cols.stageMillis, cols.extracted, cols.merged, cols.errors,
		log.TransactionID, log.CreatedAt, log.UpdatedAt,
	)
	return eris.Wrap(err, "sqlite: insert log")
}

func (s *SQLiteStore) UpdateLogStatus(ctx context.Context, logID string, status model.LogStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE processing_logs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), logID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update log status %s", logID)
	}
	return checkRowsAffected(res, "log", logID)
}

func (s *SQLiteStore) SetLogStage(ctx context.Context, logID string, status model.LogStatus, stage model.Stage) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE processing_logs SET status = ?, current_stage = ?, updated_at = ? WHERE id = ?`,
		string(status), string(stage), time.Now().UTC(), logID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set log stage %s", logID)
	}
	return checkRowsAffected(res, "log", logID)
}

func (s *SQLiteStore) UpdateLog(ctx context.Context, log *model.ProcessingLog) error {
	log.UpdatedAt = time.Now().UTC()

	cols, err := marshalLogColumns(log)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE processing_logs SET
		   status = ?, current_stage = ?, doc_type = ?, confidence = ?, stage_millis = ?,
		   extracted = ?, merged = ?, errors = ?, transaction_id = ?, updated_at = ?
		 WHERE id = ?`,
		string(log.Status), string(log.CurrentStage), string(log.DocType),
		cols.confidence, cols.stageMillis, cols.extracted, cols.merged, cols.errors,
		log.TransactionID, log.UpdatedAt, log.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update log %s", log.ID)
	}
	return checkRowsAffected(res, "log", log.ID)
}

const sqliteLogColumns = `id, job_id, document_id, user_id, storage_ref, file_name, doc_type, status,
	current_stage, confidence, stage_millis, extracted, merged, errors, transaction_id, created_at, updated_at`

func (s *SQLiteStore) GetLog(ctx context.Context, logID string) (*model.ProcessingLog, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteLogColumns+` FROM processing_logs WHERE id = ?`, logID)
	log, err := scanLog(row)
	if err == sql.ErrNoRows {
		return nil, eris.Errorf("log not found: %s", logID)
	}
	return log, err
}

func (s *SQLiteStore) GetLogByJobID(ctx context.Context, jobID string) (*model.ProcessingLog, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteLogColumns+` FROM processing_logs WHERE job_id = ?`, jobID)
	log, err := scanLog(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return log, err
}

func (s *SQLiteStore) ListLogs(ctx context.Context, filter LogFilter) ([]model.ProcessingLog, error) {
	query := `SELECT ` + sqliteLogColumns + ` FROM processing_logs WHERE 1=1`
	var args []any

	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if !filter.CreatedAfter.IsZero() {
		query += ` AND created_at > ?`
		args = append(args, filter.CreatedAfter)
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list logs")
	}
	defer rows.Close()

	var logs []model.ProcessingLog
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, *l)
	}
	return logs, eris.Wrap(rows.Err(), "sqlite: list logs iterate")
}

func (s *SQLiteStore) CreateTransaction(ctx context.Context, txn *model.FinancialTransaction) error {
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now().UTC()
	}

	metaJSON, err := json.Marshal(txn.Metadata)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal txn metadata")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO transactions
		 (id, user_id, type, category, subcategory, amount, currency, date, description,
		  merchant, confidence_score, status, processing_method, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.ID, txn.UserID, string(txn.Type), txn.Category, txn.Subcategory,
		txn.Amount.String(), txn.Currency, txn.Date, txn.Description, txn.Merchant,
		txn.ConfidenceScore, string(txn.Status), txn.ProcessingMethod,
		string(metaJSON), txn.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: insert transaction")
}

const sqliteTxnColumns = `id, user_id, type, category, subcategory, amount, currency, date,
	description, merchant, confidence_score, status, processing_method, metadata, created_at`

func (s *SQLiteStore) GetTransaction(ctx context.Context, txnID string) (*model.FinancialTransaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteTxnColumns+` FROM transactions WHERE id = ?`, txnID)
	txn, err := scanTxn(row)
	if err == sql.ErrNoRows {
		return nil, eris.Errorf("transaction not found: %s", txnID)
	}
	return txn, err
}

func (s *SQLiteStore) ListTransactions(ctx context.Context, filter TxnFilter) ([]model.FinancialTransaction, error) {
	query := `SELECT ` + sqliteTxnColumns + ` FROM transactions WHERE 1=1`
	var args []any

	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	if filter.Type != "" {
		query += ` AND type = ?`
		args = append(args, string(filter.Type))
	}
	if filter.Category != "" {
		query += ` AND category = ?`
		args = append(args, filter.Category)
	}
	if !filter.From.IsZero() {
		query += ` AND date >= ?`
		args = append(args, filter.From)
	}
	if !filter.To.IsZero() {
		query += ` AND date < ?`
		args = append(args, filter.To)
	}
	query += ` ORDER BY date DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list transactions")
	}
	defer rows.Close()

	var txns []model.FinancialTransaction
	for rows.Next() {
		t, err := scanTxn(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, *t)
	}
	return txns, eris.Wrap(rows.Err(), "sqlite: list transactions iterate")
}

func (s *SQLiteStore) SumByCategory(ctx context.Context, userID string, from, to time.Time) ([]CategorySum, error) {
	query := `SELECT category, type, COUNT(*), SUM(CAST(amount AS REAL)) FROM transactions WHERE user_id = ?`
	args := []any{userID}

	if !from.IsZero() {
		query += ` AND date >= ?`
		args = append(args, from)
	}
	if !to.IsZero() {
		query += ` AND date < ?`
		args = append(args, to)
	}
	query += ` GROUP BY category, type ORDER BY SUM(CAST(amount AS REAL)) DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: sum by category")
	}
	defer rows.Close()

	var sums []CategorySum
	for rows.Next() {
		var cs CategorySum
		var total float64
		if err := rows.Scan(&cs.Category, &cs.Type, &cs.Count, &total); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan category sum")
		}
		cs.Total = decimal.NewFromFloat(total)
		sums = append(sums, cs)
	}
	return sums, eris.Wrap(rows.Err(), "sqlite: sum by category iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

// logColumns carries the JSON-encoded blob columns of a processing log.
type logColumns struct {
	confidence  string
	stageMillis sql.NullString
	extracted   sql.NullString
	merged      sql.NullString
	errors      sql.NullString
}

func marshalLogColumns(log *model.ProcessingLog) (*logColumns, error) {
	var cols logColumns

	confJSON, err := json.Marshal(log.Confidence)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal confidence")
	}
	cols.confidence = string(confJSON)

	if log.StageMillis != nil {
		b, err := json.Marshal(log.StageMillis)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: marshal stage millis")
		}
		cols.stageMillis = sql.NullString{String: string(b), Valid: true}
	}
	if log.Extracted != nil {
		b, err := json.Marshal(log.Extracted)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: marshal extracted")
		}
		cols.extracted = sql.NullString{String: string(b), Valid: true}
	}
	if log.Merged != nil {
		b, err := json.Marshal(log.Merged)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: marshal merged")
		}
		cols.merged = sql.NullString{String: string(b), Valid: true}
	}
	if len(log.Errors) > 0 {
		b, err := json.Marshal(log.Errors)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: marshal errors")
		}
		cols.errors = sql.NullString{String: string(b), Valid: true}
	}
	return &cols, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanLog(row scannable) (*model.ProcessingLog, error) {
	var l model.ProcessingLog
	var confJSON sql.NullString
	var cols logColumns

	err := row.Scan(&l.ID, &l.JobID, &l.DocumentID, &l.UserID, &l.StorageRef, &l.FileName,
		&l.DocType, &l.Status, &l.CurrentStage, &confJSON, &cols.stageMillis,
		&cols.extracted, &cols.merged, &cols.errors, &l.TransactionID, &l.CreatedAt, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan log")
	}

	if confJSON.Valid {
		if err := json.Unmarshal([]byte(confJSON.String), &l.Confidence); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal confidence")
		}
	}
	if cols.stageMillis.Valid {
		if err := json.Unmarshal([]byte(cols.stageMillis.String), &l.StageMillis); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal stage millis")
		}
	}
	if cols.extracted.Valid {
		l.Extracted = &model.ExtractedData{}
		if err := json.Unmarshal([]byte(cols.extracted.String), l.Extracted); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal extracted")
		}
	}
	if cols.merged.Valid {
		l.Merged = &model.MergedResult{}
		if err := json.Unmarshal([]byte(cols.merged.String), l.Merged); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal merged")
		}
	}
	if cols.errors.Valid {
		if err := json.Unmarshal([]byte(cols.errors.String), &l.Errors); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal errors")
		}
	}
	return &l, nil
}

func scanTxn(row scannable) (*model.FinancialTransaction, error) {
	var t model.FinancialTransaction
	var amountStr string
	var metaJSON sql.NullString

	err := row.Scan(&t.ID, &t.UserID, &t.Type, &t.Category, &t.Subcategory, &amountStr,
		&t.Currency, &t.Date, &t.Description, &t.Merchant, &t.ConfidenceScore,
		&t.Status, &t.ProcessingMethod, &metaJSON, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan transaction")
	}

	t.Amount, err = decimal.NewFromString(amountStr)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: parse amount")
	}
	if metaJSON.Valid {
		if err := json.Unmarshal([]byte(metaJSON.String), &t.Metadata); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal txn metadata")
		}
	}
	return &t, nil
}
