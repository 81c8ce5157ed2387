package db

import (
	"context"
	"database/sql"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"nanohost/pkg/domain"
)

var ErrCircuitOpen = errors.New("database circuit breaker open")

const (
	circuitClosed   = 0
	circuitOpen     = 1
	circuitHalfOpen = 2
	maxFailures     = 5
	cooldownSeconds = 30
)

const (
	defaultMaxOpenConns = 100
	defaultMaxIdleConns = 10
	defaultQueryTimeout = 5 * time.Second
)

// SQLite is the invoice/file store: the single source of truth for which
// references exist and which have been consumed.
type SQLite struct {
	db            *sql.DB
	failures      int32
	circuitState  int32
	circuitOpened int64
	queryTimeout  time.Duration
}

func (s *SQLite) DB() *sql.DB {
	return s.db
}

func NewSQLite(path string) (*SQLite, error) {
	return NewSQLiteWithConfig(path, defaultMaxOpenConns, defaultMaxIdleConns, defaultQueryTimeout)
}

func NewSQLiteWithConfig(path string, maxOpenConns, maxIdleConns int, queryTimeout time.Duration) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "failed to ping db")
	}
	s := &SQLite{
		db:           db,
		queryTimeout: queryTimeout,
	}
	if err := s.migrate(); err != nil {
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}

func (s *SQLite) checkCircuit() error {
	state := atomic.LoadInt32(&s.circuitState)
	switch state {
	case circuitClosed:
		return nil
	case circuitOpen:
		opened := atomic.LoadInt64(&s.circuitOpened)
		if time.Now().Unix()-opened >= cooldownSeconds {
			if atomic.CompareAndSwapInt32(&s.circuitState, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return ErrCircuitOpen
	case circuitHalfOpen:
		return nil
	default:
		return nil
	}
}

func (s *SQLite) recordError(err error) {
	if err == nil {
		atomic.StoreInt32(&s.failures, 0)
		atomic.StoreInt32(&s.circuitState, circuitClosed)
		return
	}
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return
	}
	failures := atomic.AddInt32(&s.failures, 1)
	if atomic.LoadInt32(&s.circuitState) == circuitHalfOpen {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
		atomic.StoreInt32(&s.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&s.circuitState) == circuitClosed {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
	}
}

func (s *SQLite) migrate() error {
	_, err := s.db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		return errors.Wrap(err, "enable WAL mode")
	}
	_, err = s.db.Exec("PRAGMA busy_timeout = 5000")
	if err != nil {
		return errors.Wrap(err, "set busy timeout")
	}
	_, err = s.db.Exec("PRAGMA synchronous=FULL")
	if err != nil {
		return errors.Wrap(err, "set synchronous mode")
	}
	query := `
	CREATE TABLE IF NOT EXISTS invoices (
		reference_number TEXT PRIMARY KEY,
		file_id TEXT NOT NULL,
		amount INTEGER NOT NULL,
		storage_path TEXT NOT NULL,
		retention_minutes INTEGER NOT NULL,
		payment_txid TEXT NOT NULL DEFAULT '',
		advertisement_txid TEXT NOT NULL DEFAULT '',
		paid INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS files (
		file_id TEXT PRIMARY KEY,
		object_identifier TEXT NOT NULL UNIQUE,
		file_size INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_invoices_created_at ON invoices(created_at);
	CREATE INDEX IF NOT EXISTS idx_invoices_file_id ON invoices(file_id);
	`
	_, err = s.db.Exec(query)
	return err
}

// CreateInvoice persists a fresh unpaid invoice together with its file
// record in a single transaction.
func (s *SQLite) CreateInvoice(ctx context.Context, inv *domain.Invoice, file *domain.FileRecord) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	tx, err := s.db.BeginTx(queryCtx, nil)
	if err != nil {
		s.recordError(err)
		return errors.Wrap(err, "begin create invoice")
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(queryCtx, `
	INSERT INTO files (file_id, object_identifier, file_size) VALUES (?, ?, ?)
	`, file.FileID, file.ObjectIdentifier, file.FileSize)
	if err != nil {
		s.recordError(err)
		return errors.Wrap(err, "insert file record")
	}
	_, err = tx.ExecContext(queryCtx, `
	INSERT INTO invoices (reference_number, file_id, amount, storage_path, retention_minutes, created_at)
	VALUES (?, ?, ?, ?, ?, ?)
	`, inv.ReferenceNumber, inv.FileID, inv.Amount, inv.StoragePath, inv.RetentionMinutes, inv.CreatedAt)
	if err != nil {
		s.recordError(err)
		return errors.Wrap(err, "insert invoice")
	}
	err = tx.Commit()
	s.recordError(err)
	return errors.Wrap(err, "commit create invoice")
}

func (s *SQLite) GetInvoice(ctx context.Context, referenceNumber string) (*domain.Invoice, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	SELECT reference_number, file_id, amount, storage_path, retention_minutes, payment_txid, advertisement_txid, paid, created_at
	FROM invoices WHERE reference_number = ?
	`
	var inv domain.Invoice
	err := s.db.QueryRowContext(queryCtx, q, referenceNumber).Scan(
		&inv.ReferenceNumber, &inv.FileID, &inv.Amount, &inv.StoragePath,
		&inv.RetentionMinutes, &inv.PaymentTxID, &inv.AdvertisementTxID, &inv.Paid, &inv.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrBadReference
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db get invoice")
	}
	return &inv, nil
}

func (s *SQLite) GetFile(ctx context.Context, fileID string) (*domain.FileRecord, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `SELECT file_id, object_identifier, file_size FROM files WHERE file_id = ?`
	var f domain.FileRecord
	err := s.db.QueryRowContext(queryCtx, q, fileID).Scan(&f.FileID, &f.ObjectIdentifier, &f.FileSize)
	if err == sql.ErrNoRows {
		return nil, domain.ErrBadReference
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db get file")
	}
	return &f, nil
}

// GetInvoiceByObject resolves the invoice bound to a hosted object. Used by
// the advertise path to recover the purchased retention window.
func (s *SQLite) GetInvoiceByObject(ctx context.Context, objectIdentifier string) (*domain.Invoice, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	SELECT i.reference_number, i.file_id, i.amount, i.storage_path, i.retention_minutes, i.payment_txid, i.advertisement_txid, i.paid, i.created_at
	FROM invoices i JOIN files f ON f.file_id = i.file_id
	WHERE f.object_identifier = ?
	ORDER BY i.created_at DESC LIMIT 1
	`
	var inv domain.Invoice
	err := s.db.QueryRowContext(queryCtx, q, objectIdentifier).Scan(
		&inv.ReferenceNumber, &inv.FileID, &inv.Amount, &inv.StoragePath,
		&inv.RetentionMinutes, &inv.PaymentTxID, &inv.AdvertisementTxID, &inv.Paid, &inv.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrBadReference
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db get invoice by object")
	}
	return &inv, nil
}

// Claim atomically consumes an unpaid invoice, recording the payment
// transaction id. Exactly one concurrent caller can win; everyone else gets
// ErrBadReference, including re-submissions of an already consumed
// reference.
func (s *SQLite) Claim(ctx context.Context, referenceNumber, paymentTxID string) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `UPDATE invoices SET paid = 1, payment_txid = ? WHERE reference_number = ? AND paid = 0`
	res, err := s.db.ExecContext(queryCtx, q, paymentTxID, referenceNumber)
	s.recordError(err)
	if err != nil {
		return errors.Wrap(err, "db claim invoice")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "claim rows affected")
	}
	if affected == 0 {
		return domain.ErrBadReference
	}
	return nil
}

// Release undoes a claim after a downstream collaborator failure so the
// invoice does not leak into a half-paid state.
func (s *SQLite) Release(ctx context.Context, referenceNumber string) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `UPDATE invoices SET paid = 0, payment_txid = '' WHERE reference_number = ? AND advertisement_txid = ''`
	_, err := s.db.ExecContext(queryCtx, q, referenceNumber)
	s.recordError(err)
	return errors.Wrap(err, "db release invoice")
}

// SetAdvertisementTxID records the durable broadcast reference on a
// consumed invoice.
func (s *SQLite) SetAdvertisementTxID(ctx context.Context, referenceNumber, txid string) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `UPDATE invoices SET advertisement_txid = ? WHERE reference_number = ?`
	_, err := s.db.ExecContext(queryCtx, q, txid, referenceNumber)
	s.recordError(err)
	return errors.Wrap(err, "db set advertisement txid")
}

// CleanupStaleUnpaid deletes unpaid invoices (and their file records) older
// than the cutoff, in batches.
func (s *SQLite) CleanupStaleUnpaid(ctx context.Context, olderThan time.Time) (int, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, err
	}
	totalDeleted := 0
	maxIterations := 10000
	for i := 0; i < maxIterations; i++ {
		select {
		case <-ctx.Done():
			return totalDeleted, ctx.Err()
		default:
		}
		queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
		result, err := s.db.ExecContext(queryCtx, `
			DELETE FROM files
			WHERE file_id IN (
				SELECT file_id FROM invoices
				WHERE paid = 0 AND created_at < ?
				LIMIT 100
			)
		`, olderThan)
		if err == nil {
			result, err = s.db.ExecContext(queryCtx, `
			DELETE FROM invoices
			WHERE reference_number IN (
				SELECT reference_number FROM invoices
				WHERE paid = 0 AND created_at < ?
				LIMIT 100
			)
		`, olderThan)
		}
		cancel()
		s.recordError(err)
		if err != nil {
			return totalDeleted, errors.Wrap(err, "cleanup batch failed")
		}
		deleted, _ := result.RowsAffected()
		totalDeleted += int(deleted)
		if deleted == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return totalDeleted, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	return totalDeleted, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
