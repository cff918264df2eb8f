// Package store persists executed trades and small session settings in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"
	"github.com/gregtusar/tradedesk/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const recordTimeout = 5 * time.Second

type TradeStore struct {
	db     *sql.DB
	logger *logrus.Logger
	wg     sync.WaitGroup
}

// Open opens or creates the database at path with WAL journaling.
func Open(path string, logger *logrus.Logger) (*TradeStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS trades (
			id TEXT PRIMARY KEY,
			ts INTEGER NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			order_type TEXT NOT NULL,
			amount_kind TEXT NOT NULL,
			input_amount TEXT NOT NULL,
			quantity TEXT NOT NULL,
			price TEXT NOT NULL,
			quote_value TEXT NOT NULL,
			wallet_before TEXT NOT NULL,
			order_id INTEGER NOT NULL,
			status TEXT NOT NULL,
			outcome TEXT NOT NULL,
			attempts INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_ts ON trades(ts);`,
		`CREATE TABLE IF NOT EXISTS metadata (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}

	return &TradeStore{db: db, logger: logger}, nil
}

// RecordTrade saves rec in the background. Failures are logged, never
// returned, so a slow disk cannot hold up order execution.
func (s *TradeStore) RecordTrade(rec models.TradeRecord) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()

		if err := s.Save(ctx, rec); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"symbol":   rec.Symbol,
				"order_id": rec.OrderID,
			}).Error("Failed to record trade")
		}
	}()
}

func (s *TradeStore) Save(ctx context.Context, rec models.TradeRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trades (id, ts, symbol, side, order_type, amount_kind, input_amount, quantity,
			price, quote_value, wallet_before, order_id, status, outcome, attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Timestamp.UnixMilli(), rec.Symbol, string(rec.Side), string(rec.OrderType),
		string(rec.AmountKind), rec.InputAmount.String(), rec.Quantity.String(), rec.Price.String(),
		rec.QuoteValue.String(), rec.WalletBefore.String(), rec.OrderID, string(rec.Status),
		string(rec.Outcome), rec.Attempts,
	)
	if err != nil {
		return fmt.Errorf("failed to insert trade: %w", err)
	}
	return nil
}

// Recent returns up to limit trades, newest first.
func (s *TradeStore) Recent(ctx context.Context, limit int) ([]models.TradeRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, symbol, side, order_type, amount_kind, input_amount, quantity, price,
			quote_value, wallet_before, order_id, status, outcome, attempts
		FROM trades ORDER BY ts DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var out []models.TradeRecord
	for rows.Next() {
		var (
			rec                                    models.TradeRecord
			ts                                     int64
			side, orderType, kind, status, outcome string
			input, qty, price, quote, walletBefore string
		)
		if err := rows.Scan(&rec.ID, &ts, &rec.Symbol, &side, &orderType, &kind, &input, &qty, &price,
			&quote, &walletBefore, &rec.OrderID, &status, &outcome, &rec.Attempts); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}

		rec.Timestamp = time.UnixMilli(ts)
		rec.Side = models.OrderSide(side)
		rec.OrderType = models.OrderType(orderType)
		rec.AmountKind = models.AmountKind(kind)
		rec.Status = models.OrderStatus(status)
		rec.Outcome = models.Outcome(outcome)
		rec.InputAmount = parseDecimal(input)
		rec.Quantity = parseDecimal(qty)
		rec.Price = parseDecimal(price)
		rec.QuoteValue = parseDecimal(quote)
		rec.WalletBefore = parseDecimal(walletBefore)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

// SetSetting upserts a session setting such as the dynamic symbol.
func (s *TradeStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO metadata (key, value, updated_at) VALUES (?, ?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at",
		key, value, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save setting %s: %w", key, err)
	}
	return nil
}

// Setting returns the stored value for key, or "" if it was never set.
func (s *TradeStore) Setting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return value, nil
}

// Close waits for in-flight background writes, then closes the database.
func (s *TradeStore) Close() error {
	s.wg.Wait()
	return s.db.Close()
}

// Flush waits for background writes started so far.
func (s *TradeStore) Flush() {
	s.wg.Wait()
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
