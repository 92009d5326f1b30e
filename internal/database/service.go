/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"bounty-escrow-go/internal/models"
	"bounty-escrow-go/internal/store"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Compile-time check: *Service must satisfy store.LedgerStore.
var _ store.LedgerStore = (*Service)(nil)

type Service struct {
	db        *sql.DB
	subledger *SubledgerService
	mirror    store.JournalMirror
}

func NewService(ctx context.Context, cfg models.DatabaseConfig) (*Service, error) {
	// Validate configuration
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if cfg.MaxOpenConns <= 0 {
		return nil, fmt.Errorf("max open connections must be positive, got %d", cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns < 0 {
		return nil, fmt.Errorf("max idle connections cannot be negative, got %d", cfg.MaxIdleConns)
	}
	if cfg.PingTimeout <= 0 {
		return nil, fmt.Errorf("ping timeout must be positive, got %v", cfg.PingTimeout)
	}

	zap.L().Info("Opening SQLite database", zap.String("file", cfg.Path))
	db, err := sql.Open("sqlite3", buildDSN(cfg.Path))
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	service := &Service{db: db, subledger: NewSubledgerService(db)}
	if err := service.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("unable to initialize schema: %w", err)
	}

	if err := service.subledger.InitSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("unable to initialize subledger schema: %w", err)
	}

	zap.L().Info("Database service initialized successfully")
	return service, nil
}

// SetMirror registers a sink that receives every committed journal transaction.
func (s *Service) SetMirror(mirror store.JournalMirror) {
	s.mirror = mirror
}

func (s *Service) Close() {
	if err := s.db.Close(); err != nil {
		zap.L().Warn("Failed to close database connection", zap.Error(err))
	}
}

// Write transactions begin IMMEDIATE so concurrent writers wait on the busy
// timeout instead of failing when a read lock cannot be upgraded.
func buildDSN(path string) string {
	params := "_journal_mode=WAL&_synchronous=NORMAL&_cache_size=1000&_busy_timeout=5000&_txlock=immediate"
	if strings.Contains(path, "?") {
		return path + "&" + params
	}
	return path + "?" + params
}

func (s *Service) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT NOT NULL UNIQUE,
		role TEXT NOT NULL CHECK (role IN ('developer', 'tester', 'admin')),
		paypal_email TEXT NOT NULL DEFAULT '',
		balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
		total_earnings INTEGER NOT NULL DEFAULT 0,
		total_credits_acquired INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		posted_by TEXT NOT NULL,
		details TEXT NOT NULL,
		total_budget INTEGER NOT NULL,
		platform_fee_percentage TEXT NOT NULL,
		platform_fee INTEGER NOT NULL,
		total_bounty INTEGER NOT NULL,
		remaining_bounty INTEGER NOT NULL CHECK (remaining_bounty >= 0 AND remaining_bounty <= total_bounty),
		status TEXT NOT NULL,
		payment_status TEXT NOT NULL,
		paypal_order_id TEXT NOT NULL UNIQUE,
		paypal_payment_id TEXT NOT NULL DEFAULT '',
		fee_status TEXT NOT NULL,
		fee_payout_id TEXT NOT NULL DEFAULT '',
		fee_failure_reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_projects_posted_by ON projects(posted_by);
	CREATE INDEX IF NOT EXISTS idx_projects_fee_status ON projects(fee_status);

	-- Escrow intents awaiting capture; expires_at is unix milliseconds
	CREATE TABLE IF NOT EXISTS pending_orders (
		order_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		details TEXT NOT NULL,
		total INTEGER NOT NULL,
		fee_pct TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		expires_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_pending_orders_expires_at ON pending_orders(expires_at);

	CREATE TABLE IF NOT EXISTS bug_reports (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL REFERENCES projects(id),
		submitted_by TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		severity TEXT NOT NULL,
		status TEXT NOT NULL,
		reward_amount INTEGER NOT NULL DEFAULT 0 CHECK (reward_amount >= 0),
		reward_status TEXT NOT NULL,
		reward_approved_by TEXT NOT NULL DEFAULT '',
		reward_approved_at TIMESTAMP,
		admin_notes TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_bug_reports_project ON bug_reports(project_id, reward_status);

	CREATE TABLE IF NOT EXISTS withdrawals (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		amount INTEGER NOT NULL CHECK (amount > 0),
		destination TEXT NOT NULL,
		status TEXT NOT NULL,
		balance_deducted BOOLEAN NOT NULL DEFAULT 0,
		paypal_payout_id TEXT NOT NULL DEFAULT '',
		paypal_item_id TEXT NOT NULL DEFAULT '',
		failure_reason TEXT NOT NULL DEFAULT '',
		admin_notes TEXT NOT NULL DEFAULT '',
		processed_by TEXT NOT NULL DEFAULT '',
		processed_at TIMESTAMP,
		completed_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_withdrawals_user ON withdrawals(user_id, created_at);

	CREATE TABLE IF NOT EXISTS webhook_events (
		event_id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		resource TEXT NOT NULL,
		processed BOOLEAN NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		processed_at TIMESTAMP
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// toCents rounds a money amount to two places and returns it in cents.
func toCents(d decimal.Decimal) int64 {
	return d.Round(2).Shift(2).IntPart()
}

func fromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// commitAndMirror commits tx and forwards its journal transactions to the mirror.
// Mirror failures are logged, never surfaced: the local journal is authoritative.
func (s *Service) commitAndMirror(ctx context.Context, tx *sql.Tx, txns ...*models.JournalTransaction) error {
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	if s.mirror == nil {
		return nil
	}
	for _, txn := range txns {
		if txn == nil {
			continue
		}
		if err := s.mirror.PostJournal(ctx, *txn); err != nil {
			zap.L().Warn("Failed to mirror journal transaction",
				zap.String("transaction_id", txn.Id),
				zap.String("type", txn.Type),
				zap.Error(err))
		}
	}
	return nil
}
