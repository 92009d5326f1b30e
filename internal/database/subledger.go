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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bounty-escrow-go/internal/models"
	"bounty-escrow-go/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SubledgerService owns the money-movement journal: one transactions row per
// movement and balanced journal_entries for its postings.
type SubledgerService struct {
	db *sql.DB
}

func NewSubledgerService(db *sql.DB) *SubledgerService {
	return &SubledgerService{
		db: db,
	}
}

func (s *SubledgerService) InitSchema() error {
	schema := `
	-- Transactions Table (Audit Trail - Cold Data)
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		transaction_type TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		project_id TEXT NOT NULL DEFAULT '',
		amount INTEGER NOT NULL,
		external_id TEXT UNIQUE,
		reference TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'completed',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_user_id ON transactions(user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_transactions_project_id ON transactions(project_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_transactions_type ON transactions(transaction_type);

	-- Double-entry postings: destination is debited, source is credited
	CREATE TABLE IF NOT EXISTS journal_entries (
		id TEXT PRIMARY KEY,
		transaction_id TEXT NOT NULL REFERENCES transactions(id),
		account TEXT NOT NULL,
		debit_amount INTEGER NOT NULL DEFAULT 0,
		credit_amount INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_journal_transaction_id ON journal_entries(transaction_id);
	CREATE INDEX IF NOT EXISTS idx_journal_account ON journal_entries(account);
	`

	_, err := s.db.Exec(schema)
	return err
}

// journalParams describes one money movement to record inside an open transaction.
type journalParams struct {
	TransactionType string
	UserId          string
	ProjectId       string
	Amount          decimal.Decimal // signed, from the user's or project's point of view
	ExternalId      string
	Reference       string
	Postings        []models.Posting
	Metadata        map[string]string
}

// checkDuplicate returns ErrDuplicateTransaction when externalId was already journaled.
func (s *SubledgerService) checkDuplicate(ctx context.Context, tx *sql.Tx, externalId string) error {
	if externalId == "" {
		return nil
	}
	var existingTxId string
	err := tx.QueryRowContext(ctx, queryCheckDuplicateTransaction, externalId).Scan(&existingTxId)
	if err == nil {
		return fmt.Errorf("%w: external_id %s already recorded as %s", store.ErrDuplicateTransaction, externalId, existingTxId)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to check for duplicate transaction: %w", err)
	}
	return nil
}

// recordTransaction writes the transaction row and its balanced postings.
func (s *SubledgerService) recordTransaction(ctx context.Context, tx *sql.Tx, params journalParams) (*models.JournalTransaction, error) {
	if len(params.Postings) == 0 {
		return nil, fmt.Errorf("transaction %s has no postings", params.TransactionType)
	}

	meta := params.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}

	var externalId sql.NullString
	if params.ExternalId != "" {
		externalId = sql.NullString{String: params.ExternalId, Valid: true}
	}

	txn := &models.JournalTransaction{
		Id:        uuid.New().String(),
		Type:      params.TransactionType,
		Reference: params.Reference,
		Postings:  params.Postings,
		Metadata:  meta,
		CreatedAt: time.Now().UTC(),
	}

	_, err = tx.ExecContext(ctx, queryInsertTransaction,
		txn.Id, params.TransactionType, params.UserId, params.ProjectId, toCents(params.Amount),
		externalId, params.Reference, string(metaJSON), txn.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: external_id %s", store.ErrDuplicateTransaction, params.ExternalId)
		}
		return nil, fmt.Errorf("failed to insert transaction: %w", err)
	}

	for _, posting := range params.Postings {
		cents := toCents(posting.Amount)
		if cents <= 0 {
			return nil, fmt.Errorf("posting %s -> %s must be positive, got %s", posting.Source, posting.Destination, posting.Amount)
		}
		if _, err := tx.ExecContext(ctx, queryInsertJournalEntry,
			uuid.New().String(), txn.Id, posting.Destination, cents, 0, txn.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to insert debit entry: %w", err)
		}
		if _, err := tx.ExecContext(ctx, queryInsertJournalEntry,
			uuid.New().String(), txn.Id, posting.Source, 0, cents, txn.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to insert credit entry: %w", err)
		}
	}

	return txn, nil
}

// counterAccount is the other side of a user or project posting for a transaction type.
func counterAccount(transactionType string) string {
	switch transactionType {
	case models.TxTypeBugReward, models.TxTypeRewardAdjustment, models.TxTypeRewardReversal:
		return models.AccountRewardClearing
	case models.TxTypeWithdrawal, models.TxTypeWithdrawalRefund:
		return models.AccountWorldPayouts
	case models.TxTypeAdminCorrection:
		return models.AccountCorrections
	case models.TxTypePlatformFee:
		return models.AccountPlatformFees
	default:
		return models.AccountWorldPayPal
	}
}

// GetAccountBalance returns debits minus credits for a journal account.
func (s *SubledgerService) GetAccountBalance(ctx context.Context, account string) (decimal.Decimal, error) {
	var cents int64
	if err := s.db.QueryRowContext(ctx, queryAccountBalance, account).Scan(&cents); err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum journal account %s: %w", account, err)
	}
	return fromCents(cents), nil
}
