package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/quipufin/quipu/internal/model"
)

// Pool is the subset of pgxpool.Pool the store uses. pgxmock satisfies it,
// which keeps the query shapes testable without a live database.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hot store operations.
var preparedStatements = map[string]string{
	"insert_log":        `INSERT INTO processing_logs (id, job_id, document_id, user_id, storage_ref, file_name, doc_type, status, current_stage, confidence, stage_millis, extracted, merged, errors, transaction_id, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
	"update_log_status": `UPDATE processing_logs SET status = $1, updated_at = $2 WHERE id = $3`,
	"set_log_stage":     `UPDATE processing_logs SET status = $1, current_stage = $2, updated_at = $3 WHERE id = $4`,
	"get_log":           `SELECT id, job_id, document_id, user_id, storage_ref, file_name, doc_type, status, current_stage, confidence, stage_millis, extracted, merged, errors, transaction_id, created_at, updated_at FROM processing_logs WHERE id = $1`,
	"insert_txn":        `INSERT INTO transactions (id, user_id, type, category, subcategory, amount, currency, date, description, merchant, confidence_score, status, processing_method, metadata, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
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
	confidence     JSONB,
	stage_millis   JSONB,
	extracted      JSONB,
	merged         JSONB,
	errors         JSONB,
	transaction_id TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS transactions (
	id                TEXT PRIMARY KEY,
	user_id           TEXT NOT NULL,
	type              TEXT NOT NULL,
	category          TEXT NOT NULL,
	subcategory       TEXT NOT NULL DEFAULT '',
	amount            NUMERIC(18,4) NOT NULL,
	currency          TEXT NOT NULL DEFAULT 'CLP',
	date              TIMESTAMPTZ NOT NULL,
	description       TEXT NOT NULL DEFAULT '',
	merchant          TEXT NOT NULL DEFAULT '',
	confidence_score  DOUBLE PRECISION NOT NULL DEFAULT 0,
	status            TEXT NOT NULL,
	processing_method TEXT NOT NULL,
	metadata          JSONB,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_logs_job_id ON processing_logs(job_id) WHERE job_id != '';
CREATE INDEX IF NOT EXISTS idx_logs_status ON processing_logs(status);
CREATE INDEX IF NOT EXISTS idx_logs_user_id ON processing_logs(user_id);
CREATE INDEX IF NOT EXISTS idx_logs_created_at ON processing_logs(created_at);
CREATE INDEX IF NOT EXISTS idx_txns_user_id ON transactions(user_id);
CREATE INDEX IF NOT EXISTS idx_txns_date ON transactions(date);
CREATE INDEX IF NOT EXISTS idx_txns_category ON transactions(category);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) CreateLog(ctx context.Context, log *model.ProcessingLog) error {
	now := time.Now().UTC()
	if log.CreatedAt.IsZero() {
		log.CreatedAt = now
	}
	log.UpdatedAt = now

	blobs, err := marshalLogBlobs(log)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO processing_logs
		 (id, job_id, document_id, user_id, storage_ref, file_name, doc_type, status, current_stage,
		  confidence, stage_millis, extracted, merged, errors, transaction_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		log.ID, log.JobID, log.DocumentID, log.UserID, log.StorageRef, log.FileName,
		string(log.DocType), string(log.Status), string(log.CurrentStage),
		blobs.confidence, blobs.stageMillis, blobs.extracted, blobs.merged, blobs.errors,
		log.TransactionID, log.CreatedAt, log.UpdatedAt,
	)
	return eris.Wrap(err, "postgres: insert log")
}

func (s *PostgresStore) UpdateLogStatus(ctx context.Context, logID string, status model.LogStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE processing_logs SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), logID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update log status %s", logID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("log not found: %s", logID)
	}
	return nil
}

func (s *PostgresStore) SetLogStage(ctx context.Context, logID string, status model.LogStatus, stage model.Stage) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE processing_logs SET status = $1, current_stage = $2, updated_at = $3 WHERE id = $4`,
		string(status), string(stage), time.Now().UTC(), logID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set log stage %s", logID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("log not found: %s", logID)
	}
	return nil
}

func (s *PostgresStore) UpdateLog(ctx context.Context, log *model.ProcessingLog) error {
	log.UpdatedAt = time.Now().UTC()

	blobs, err := marshalLogBlobs(log)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE processing_logs SET
		   status = $1, current_stage = $2, doc_type = $3, confidence = $4, stage_millis = $5,
		   extracted = $6, merged = $7, errors = $8, transaction_id = $9, updated_at = $10
		 WHERE id = $11`,
		string(log.Status), string(log.CurrentStage), string(log.DocType),
		blobs.confidence, blobs.stageMillis, blobs.extracted, blobs.merged, blobs.errors,
		log.TransactionID, log.UpdatedAt, log.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update log %s", log.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("log not found: %s", log.ID)
	}
	return nil
}

const pgLogColumns = `id, job_id, document_id, user_id, storage_ref, file_name, doc_type, status,
	current_stage, confidence, stage_millis, extracted, merged, errors, transaction_id, created_at, updated_at`

func (s *PostgresStore) GetLog(ctx context.Context, logID string) (*model.ProcessingLog, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgLogColumns+` FROM processing_logs WHERE id = $1`, logID)
	log, err := scanPgLog(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get log %s", logID)
	}
	return log, nil
}

func (s *PostgresStore) GetLogByJobID(ctx context.Context, jobID string) (*model.ProcessingLog, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgLogColumns+` FROM processing_logs WHERE job_id = $1`, jobID)
	log, err := scanPgLog(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get log by job id %s", jobID)
	}
	return log, nil
}

func (s *PostgresStore) ListLogs(ctx context.Context, filter LogFilter) ([]model.ProcessingLog, error) {
	query := `SELECT ` + pgLogColumns + ` FROM processing_logs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.UserID != "" {
		query += fmt.Sprintf(` AND user_id = $%d`, argIdx)
		args = append(args, filter.UserID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if !filter.CreatedAfter.IsZero() {
		query += fmt.Sprintf(` AND created_at > $%d`, argIdx)
		args = append(args, filter.CreatedAfter)
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list logs")
	}
	defer rows.Close()

	var logs []model.ProcessingLog
	for rows.Next() {
		l, err := scanPgLog(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan log")
		}
		logs = append(logs, *l)
	}
	return logs, eris.Wrap(rows.Err(), "postgres: list logs iterate")
}

func (s *PostgresStore) CreateTransaction(ctx context.Context, txn *model.FinancialTransaction) error {
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now().UTC()
	}

	metaJSON, err := json.Marshal(txn.Metadata)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal txn metadata")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO transactions
		 (id, user_id, type, category, subcategory, amount, currency, date, description,
		  merchant, confidence_score, status, processing_method, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		txn.ID, txn.UserID, string(txn.Type), txn.Category, txn.Subcategory,
		txn.Amount.String(), txn.Currency, txn.Date, txn.Description, txn.Merchant,
		txn.ConfidenceScore, string(txn.Status), txn.ProcessingMethod,
		metaJSON, txn.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert transaction")
}

const pgTxnColumns = `id, user_id, type, category, subcategory, amount::text, currency, date,
	description, merchant, confidence_score, status, processing_method, metadata, created_at`

func (s *PostgresStore) GetTransaction(ctx context.Context, txnID string) (*model.FinancialTransaction, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgTxnColumns+` FROM transactions WHERE id = $1`, txnID)
	txn, err := scanPgTxn(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get transaction %s", txnID)
	}
	return txn, nil
}

func (s *PostgresStore) ListTransactions(ctx context.Context, filter TxnFilter) ([]model.FinancialTransaction, error) {
	query := `SELECT ` + pgTxnColumns + ` FROM transactions WHERE true`
	args := []any{}
	argIdx := 1

	if filter.UserID != "" {
		query += fmt.Sprintf(` AND user_id = $%d`, argIdx)
		args = append(args, filter.UserID)
		argIdx++
	}
	if filter.Type != "" {
		query += fmt.Sprintf(` AND type = $%d`, argIdx)
		args = append(args, string(filter.Type))
		argIdx++
	}
	if filter.Category != "" {
		query += fmt.Sprintf(` AND category = $%d`, argIdx)
		args = append(args, filter.Category)
		argIdx++
	}
	if !filter.From.IsZero() {
		query += fmt.Sprintf(` AND date >= $%d`, argIdx)
		args = append(args, filter.From)
		argIdx++
	}
	if !filter.To.IsZero() {
		query += fmt.Sprintf(` AND date < $%d`, argIdx)
		args = append(args, filter.To)
		argIdx++
	}
	query += ` ORDER BY date DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list transactions")
	}
	defer rows.Close()

	var txns []model.FinancialTransaction
	for rows.Next() {
		t, err := scanPgTxn(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan transaction")
		}
		txns = append(txns, *t)
	}
	return txns, eris.Wrap(rows.Err(), "postgres: list transactions iterate")
}

func (s *PostgresStore) SumByCategory(ctx context.Context, userID string, from, to time.Time) ([]CategorySum, error) {
	query := `SELECT category, type, COUNT(*), SUM(amount)::text FROM transactions WHERE user_id = $1`
	args := []any{userID}
	argIdx := 2

	if !from.IsZero() {
		query += fmt.Sprintf(` AND date >= $%d`, argIdx)
		args = append(args, from)
		argIdx++
	}
	if !to.IsZero() {
		query += fmt.Sprintf(` AND date < $%d`, argIdx)
		args = append(args, to)
	}
	query += ` GROUP BY category, type ORDER BY SUM(amount) DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: sum by category")
	}
	defer rows.Close()

	var sums []CategorySum
	for rows.Next() {
		var cs CategorySum
		var totalStr string
		if err := rows.Scan(&cs.Category, &cs.Type, &cs.Count, &totalStr); err != nil {
			return nil, eris.Wrap(err, "postgres: scan category sum")
		}
		cs.Total, err = decimal.NewFromString(totalStr)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: parse category total")
		}
		sums = append(sums, cs)
	}
	return sums, eris.Wrap(rows.Err(), "postgres: sum by category iterate")
}

// helpers

// logBlobs carries the JSONB-bound columns of a processing log. Nil slices
// bind as SQL NULL.
type logBlobs struct {
	confidence  []byte
	stageMillis []byte
	extracted   []byte
	merged      []byte
	errors      []byte
}

func marshalLogBlobs(log *model.ProcessingLog) (*logBlobs, error) {
	var blobs logBlobs
	var err error

	if blobs.confidence, err = json.Marshal(log.Confidence); err != nil {
		return nil, eris.Wrap(err, "postgres: marshal confidence")
	}
	if log.StageMillis != nil {
		if blobs.stageMillis, err = json.Marshal(log.StageMillis); err != nil {
			return nil, eris.Wrap(err, "postgres: marshal stage millis")
		}
	}
	if log.Extracted != nil {
		if blobs.extracted, err = json.Marshal(log.Extracted); err != nil {
			return nil, eris.Wrap(err, "postgres: marshal extracted")
		}
	}
	if log.Merged != nil {
		if blobs.merged, err = json.Marshal(log.Merged); err != nil {
			return nil, eris.Wrap(err, "postgres: marshal merged")
		}
	}
	if len(log.Errors) > 0 {
		if blobs.errors, err = json.Marshal(log.Errors); err != nil {
			return nil, eris.Wrap(err, "postgres: marshal errors")
		}
	}
	return &blobs, nil
}

func scanPgLog(row pgx.Row) (*model.ProcessingLog, error) {
	var l model.ProcessingLog
	var confJSON, millisJSON, extractedJSON, mergedJSON, errorsJSON *[]byte

	err := row.Scan(&l.ID, &l.JobID, &l.DocumentID, &l.UserID, &l.StorageRef, &l.FileName,
		&l.DocType, &l.Status, &l.CurrentStage, &confJSON, &millisJSON,
		&extractedJSON, &mergedJSON, &errorsJSON, &l.TransactionID, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if confJSON != nil {
		if err := json.Unmarshal(*confJSON, &l.Confidence); err != nil {
			return nil, eris.Wrap(err, "unmarshal confidence")
		}
	}
	if millisJSON != nil {
		if err := json.Unmarshal(*millisJSON, &l.StageMillis); err != nil {
			return nil, eris.Wrap(err, "unmarshal stage millis")
		}
	}
	if extractedJSON != nil {
		l.Extracted = &model.ExtractedData{}
		if err := json.Unmarshal(*extractedJSON, l.Extracted); err != nil {
			return nil, eris.Wrap(err, "unmarshal extracted")
		}
	}
	if mergedJSON != nil {
		l.Merged = &model.MergedResult{}
		if err := json.Unmarshal(*mergedJSON, l.Merged); err != nil {
			return nil, eris.Wrap(err, "unmarshal merged")
		}
	}
	if errorsJSON != nil {
		if err := json.Unmarshal(*errorsJSON, &l.Errors); err != nil {
			return nil, eris.Wrap(err, "unmarshal errors")
		}
	}
	return &l, nil
}

func scanPgTxn(row pgx.Row) (*model.FinancialTransaction, error) {
	var t model.FinancialTransaction
	var amountStr string
	var metaJSON *[]byte

	err := row.Scan(&t.ID, &t.UserID, &t.Type, &t.Category, &t.Subcategory, &amountStr,
		&t.Currency, &t.Date, &t.Description, &t.Merchant, &t.ConfidenceScore,
		&t.Status, &t.ProcessingMethod, &metaJSON, &t.CreatedAt)
	if err != nil {
		return nil, err
	}

	t.Amount, err = decimal.NewFromString(amountStr)
	if err != nil {
		return nil, eris.Wrap(err, "parse amount")
	}
	if metaJSON != nil {
		if err := json.Unmarshal(*metaJSON, &t.Metadata); err != nil {
			return nil, eris.Wrap(err, "unmarshal txn metadata")
		}
	}
	return &t, nil
}
