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
	"go.uber.org/zap"
)

// MaterializeProject persists a funded project exactly once per provider order.
// The boolean result is false when a project for the order already existed.
func (s *Service) MaterializeProject(ctx context.Context, params store.MaterializeProjectParams) (*models.Project, bool, error) {
	if params.PaypalOrderId == "" {
		return nil, false, fmt.Errorf("paypal order id cannot be empty")
	}
	if !params.TotalBudget.Equal(params.PlatformFee.Add(params.TotalBounty)) {
		return nil, false, fmt.Errorf("budget %s does not equal fee %s plus bounty %s",
			params.TotalBudget, params.PlatformFee, params.TotalBounty)
	}

	details, err := json.Marshal(params.Details)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode project details: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	projectId := uuid.New().String()
	now := time.Now().UTC()
	feeStatus := models.FeeStatusUncollected
	if params.PlatformFee.IsZero() {
		feeStatus = models.FeeStatusCollected
	}

	result, err := tx.ExecContext(ctx, queryInsertProject,
		projectId, params.PostedBy, string(details),
		toCents(params.TotalBudget), params.PlatformFeePercentage.String(), toCents(params.PlatformFee),
		toCents(params.TotalBounty), toCents(params.TotalBounty),
		models.ProjectStatusPending, models.PaymentStatusPaid,
		params.PaypalOrderId, params.PaypalPaymentId,
		feeStatus, "", "", now, now)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert project: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		existing, err := getProject(ctx, tx, queryGetProjectByOrderId, params.PaypalOrderId)
		if err != nil {
			return nil, false, err
		}
		zap.L().Info("Project already materialized for order",
			zap.String("order_id", params.PaypalOrderId),
			zap.String("project_id", existing.Id))
		return existing, false, nil
	}

	escrow := models.ProjectEscrowAccount(projectId)
	funding, err := s.subledger.recordTransaction(ctx, tx, journalParams{
		TransactionType: models.TxTypeProjectFunding,
		UserId:          params.PostedBy,
		ProjectId:       projectId,
		Amount:          params.TotalBudget,
		ExternalId:      models.TxTypeProjectFunding + ":" + params.PaypalOrderId,
		Reference:       params.PaypalOrderId,
		Postings: []models.Posting{{
			Source:      models.AccountWorldPayPal,
			Destination: escrow,
			Amount:      params.TotalBudget,
		}},
		Metadata: map[string]string{"paypal_payment_id": params.PaypalPaymentId},
	})
	if err != nil {
		return nil, false, err
	}

	var fee *models.JournalTransaction
	if params.PlatformFee.IsPositive() {
		fee, err = s.subledger.recordTransaction(ctx, tx, journalParams{
			TransactionType: models.TxTypePlatformFee,
			ProjectId:       projectId,
			Amount:          params.PlatformFee.Neg(),
			ExternalId:      models.TxTypePlatformFee + ":" + params.PaypalOrderId,
			Reference:       params.PaypalOrderId,
			Postings: []models.Posting{{
				Source:      escrow,
				Destination: models.AccountPlatformFees,
				Amount:      params.PlatformFee,
			}},
			Metadata: map[string]string{"fee_percentage": params.PlatformFeePercentage.String()},
		})
		if err != nil {
			return nil, false, err
		}
	}

	project, err := getProject(ctx, tx, queryGetProject, projectId)
	if err != nil {
		return nil, false, err
	}

	if err := s.commitAndMirror(ctx, tx, funding, fee); err != nil {
		return nil, false, err
	}

	zap.L().Info("Project materialized",
		zap.String("project_id", projectId),
		zap.String("order_id", params.PaypalOrderId),
		zap.String("total_budget", params.TotalBudget.String()),
		zap.String("total_bounty", params.TotalBounty.String()))
	return project, true, nil
}

func (s *Service) GetProject(ctx context.Context, projectId string) (*models.Project, error) {
	return getProject(ctx, s.db, queryGetProject, projectId)
}

func (s *Service) GetProjectByOrderId(ctx context.Context, orderId string) (*models.Project, error) {
	return getProject(ctx, s.db, queryGetProjectByOrderId, orderId)
}

func (s *Service) ListProjects(ctx context.Context) ([]models.Project, error) {
	return s.listProjects(ctx, queryListProjects)
}

func (s *Service) ListProjectsByUser(ctx context.Context, userId string) ([]models.Project, error) {
	return s.listProjects(ctx, queryListProjectsByUser, userId)
}

func (s *Service) ListProjectsWithUncollectedFee(ctx context.Context, limit int) ([]models.Project, error) {
	return s.listProjects(ctx, queryListUncollectedFees, limit)
}

// DebitProjectBounty atomically lowers a project's remaining bounty, failing
// with ErrInsufficientBounty when the pool cannot cover the amount.
func (s *Service) DebitProjectBounty(ctx context.Context, params store.BountyChangeParams) (*models.Project, error) {
	if !params.Amount.IsPositive() {
		return nil, fmt.Errorf("debit amount must be positive, got %s", params.Amount)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.subledger.checkDuplicate(ctx, tx, params.ExternalId); err != nil {
		return nil, err
	}

	amount := toCents(params.Amount)
	result, err := tx.ExecContext(ctx, queryDebitProjectBounty, amount, time.Now().UTC(), params.ProjectId, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to debit bounty: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		remaining, _, err := projectBounty(ctx, tx, params.ProjectId)
		if err != nil {
			return nil, err
		}
		zap.L().Warn("Insufficient remaining bounty",
			zap.String("project_id", params.ProjectId),
			zap.String("remaining", remaining.String()),
			zap.String("requested", params.Amount.String()))
		return nil, fmt.Errorf("%w: remaining %s, requested %s", store.ErrInsufficientBounty, remaining, params.Amount)
	}

	txn, err := s.subledger.recordTransaction(ctx, tx, journalParams{
		TransactionType: params.TransactionType,
		ProjectId:       params.ProjectId,
		Amount:          params.Amount.Neg(),
		ExternalId:      params.ExternalId,
		Reference:       params.Reference,
		Postings: []models.Posting{{
			Source:      models.ProjectEscrowAccount(params.ProjectId),
			Destination: counterAccount(params.TransactionType),
			Amount:      params.Amount,
		}},
	})
	if err != nil {
		return nil, err
	}

	project, err := getProject(ctx, tx, queryGetProject, params.ProjectId)
	if err != nil {
		return nil, err
	}

	if err := s.commitAndMirror(ctx, tx, txn); err != nil {
		return nil, err
	}

	zap.L().Info("Project bounty debited",
		zap.String("project_id", params.ProjectId),
		zap.String("amount", params.Amount.String()),
		zap.String("remaining_bounty", project.RemainingBounty.String()))
	return project, nil
}

// CreditProjectBounty atomically returns funds to a project's pool, failing
// with ErrBountyOverflow when the pool would exceed its total bounty.
func (s *Service) CreditProjectBounty(ctx context.Context, params store.BountyChangeParams) (*models.Project, error) {
	if !params.Amount.IsPositive() {
		return nil, fmt.Errorf("credit amount must be positive, got %s", params.Amount)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.subledger.checkDuplicate(ctx, tx, params.ExternalId); err != nil {
		return nil, err
	}

	amount := toCents(params.Amount)
	result, err := tx.ExecContext(ctx, queryCreditProjectBounty, amount, time.Now().UTC(), params.ProjectId, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to credit bounty: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		remaining, total, err := projectBounty(ctx, tx, params.ProjectId)
		if err != nil {
			return nil, err
		}
		zap.L().Error("Bounty credit would overflow total bounty",
			zap.String("project_id", params.ProjectId),
			zap.String("remaining", remaining.String()),
			zap.String("total", total.String()),
			zap.String("amount", params.Amount.String()))
		return nil, fmt.Errorf("%w: remaining %s plus %s exceeds %s", store.ErrBountyOverflow, remaining, params.Amount, total)
	}

	txn, err := s.subledger.recordTransaction(ctx, tx, journalParams{
		TransactionType: params.TransactionType,
		ProjectId:       params.ProjectId,
		Amount:          params.Amount,
		ExternalId:      params.ExternalId,
		Reference:       params.Reference,
		Postings: []models.Posting{{
			Source:      counterAccount(params.TransactionType),
			Destination: models.ProjectEscrowAccount(params.ProjectId),
			Amount:      params.Amount,
		}},
	})
	if err != nil {
		return nil, err
	}

	project, err := getProject(ctx, tx, queryGetProject, params.ProjectId)
	if err != nil {
		return nil, err
	}

	if err := s.commitAndMirror(ctx, tx, txn); err != nil {
		return nil, err
	}

	zap.L().Info("Project bounty credited",
		zap.String("project_id", params.ProjectId),
		zap.String("amount", params.Amount.String()),
		zap.String("remaining_bounty", project.RemainingBounty.String()))
	return project, nil
}

// SetProjectPaymentStatus updates the payment status of the project funded by orderId.
// An empty paymentId keeps the stored one.
func (s *Service) SetProjectPaymentStatus(ctx context.Context, orderId, paymentStatus, paymentId string) (*models.Project, error) {
	result, err := s.db.ExecContext(ctx, querySetProjectPaymentStatus, paymentStatus, paymentId, time.Now().UTC(), orderId)
	if err != nil {
		return nil, fmt.Errorf("failed to update payment status: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, fmt.Errorf("%w: project for order %s", store.ErrNotFound, orderId)
	}

	zap.L().Info("Project payment status updated",
		zap.String("order_id", orderId),
		zap.String("payment_status", paymentStatus))
	return s.GetProjectByOrderId(ctx, orderId)
}

// ResetProjectPayment returns the project funded by orderId to the pending
// payment status and clears the payment id, so the capture can be retried.
func (s *Service) ResetProjectPayment(ctx context.Context, orderId string) (*models.Project, error) {
	result, err := s.db.ExecContext(ctx, queryResetProjectPayment, time.Now().UTC(), orderId)
	if err != nil {
		return nil, fmt.Errorf("failed to reset payment: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, fmt.Errorf("%w: project for order %s", store.ErrNotFound, orderId)
	}

	zap.L().Warn("Project payment reset to pending", zap.String("order_id", orderId))
	return s.GetProjectByOrderId(ctx, orderId)
}

// ClaimProjectFee moves an uncollected or failed fee to "sending" so only one
// caller attempts the transfer.
func (s *Service) ClaimProjectFee(ctx context.Context, projectId string) (*models.Project, error) {
	result, err := s.db.ExecContext(ctx, queryClaimProjectFee, time.Now().UTC(), projectId)
	if err != nil {
		return nil, fmt.Errorf("failed to claim project fee: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}

	project, err := s.GetProject(ctx, projectId)
	if err != nil {
		return nil, err
	}
	if rowsAffected == 0 {
		return nil, &store.StateError{Entity: "project fee", Id: projectId, Current: project.FeeStatus, Action: "claim"}
	}
	return project, nil
}

func (s *Service) UpdateProjectFee(ctx context.Context, params store.UpdateProjectFeeParams) error {
	result, err := s.db.ExecContext(ctx, queryUpdateProjectFee,
		params.Status, params.PayoutId, params.FailureReason, time.Now().UTC(), params.ProjectId)
	if err != nil {
		return fmt.Errorf("failed to update project fee: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: project %s", store.ErrNotFound, params.ProjectId)
	}

	zap.L().Info("Project fee updated",
		zap.String("project_id", params.ProjectId),
		zap.String("fee_status", params.Status),
		zap.String("payout_id", params.PayoutId))
	return nil
}

// ReconcileProjectBounty checks remainingBounty + sum(approved rewards) == totalBounty.
// With repair set, a mismatch is corrected with an admin_correction journal entry.
func (s *Service) ReconcileProjectBounty(ctx context.Context, projectId string, repair bool) (*models.ReconciliationReport, error) {
	zap.L().Info("Reconciling project bounty", zap.String("project_id", projectId), zap.Bool("repair", repair))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	project, err := getProject(ctx, tx, queryGetProject, projectId)
	if err != nil {
		return nil, err
	}

	var approved int64
	if err := tx.QueryRowContext(ctx, querySumApprovedRewards, projectId).Scan(&approved); err != nil {
		return nil, fmt.Errorf("failed to sum approved rewards: %w", err)
	}

	expected := project.TotalBounty.Sub(fromCents(approved))
	report := &models.ReconciliationReport{
		Subject:    models.ProjectEscrowAccount(projectId),
		Stored:     project.RemainingBounty,
		Expected:   expected,
		Difference: project.RemainingBounty.Sub(expected),
	}

	if report.Balanced() {
		zap.L().Info("Project bounty reconciliation successful",
			zap.String("project_id", projectId),
			zap.String("remaining_bounty", project.RemainingBounty.String()))
		return report, nil
	}

	zap.L().Error("Project bounty reconciliation failed",
		zap.String("project_id", projectId),
		zap.String("remaining_bounty", project.RemainingBounty.String()),
		zap.String("expected", expected.String()),
		zap.String("difference", report.Difference.String()))

	if !repair {
		return report, nil
	}
	if expected.IsNegative() || expected.GreaterThan(project.TotalBounty) {
		return report, fmt.Errorf("cannot repair project %s: expected remaining bounty %s is outside [0, %s]",
			projectId, expected, project.TotalBounty)
	}

	result, err := tx.ExecContext(ctx, queryRepairProjectBounty,
		toCents(expected), time.Now().UTC(), projectId, toCents(project.RemainingBounty))
	if err != nil {
		return nil, fmt.Errorf("failed to repair bounty: %w", err)
	}
	if rowsAffected, err := result.RowsAffected(); err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	} else if rowsAffected == 0 {
		return nil, fmt.Errorf("%w: bounty of project %s changed during repair", store.ErrConcurrentModification, projectId)
	}

	escrow := models.ProjectEscrowAccount(projectId)
	delta := report.Difference.Neg()
	posting := models.Posting{Source: models.AccountCorrections, Destination: escrow, Amount: delta}
	if delta.IsNegative() {
		posting = models.Posting{Source: escrow, Destination: models.AccountCorrections, Amount: delta.Neg()}
	}
	txn, err := s.subledger.recordTransaction(ctx, tx, journalParams{
		TransactionType: models.TxTypeAdminCorrection,
		ProjectId:       projectId,
		Amount:          delta,
		Reference:       "bounty reconciliation",
		Postings:        []models.Posting{posting},
		Metadata: map[string]string{
			"previous_remaining": project.RemainingBounty.StringFixed(2),
			"repaired_remaining": expected.StringFixed(2),
		},
	})
	if err != nil {
		return nil, err
	}

	if err := s.commitAndMirror(ctx, tx, txn); err != nil {
		return nil, err
	}

	zap.L().Warn("Project bounty repaired",
		zap.String("project_id", projectId),
		zap.String("previous", project.RemainingBounty.String()),
		zap.String("repaired", expected.String()))
	return report, nil
}

func (s *Service) listProjects(ctx context.Context, query string, args ...any) ([]models.Project, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		zap.L().Error("Failed to query projects", zap.Error(err))
		return nil, fmt.Errorf("unable to query projects: %w", err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			zap.L().Warn("Failed to close rows", zap.Error(err))
		}
	}(rows)

	var projects []models.Project
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("unable to scan project row: %w", err)
		}
		projects = append(projects, *project)
	}

	if err := rows.Err(); err != nil {
		zap.L().Error("Error during project row iteration", zap.Error(err))
		return nil, fmt.Errorf("error iterating project rows: %w", err)
	}
	return projects, nil
}

func getProject(ctx context.Context, q queryer, query, key string) (*models.Project, error) {
	project, err := scanProject(q.QueryRowContext(ctx, query, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: project %s", store.ErrNotFound, key)
		}
		return nil, fmt.Errorf("unable to query project: %w", err)
	}
	return project, nil
}

func projectBounty(ctx context.Context, q queryer, projectId string) (decimal.Decimal, decimal.Decimal, error) {
	var remaining, total int64
	err := q.QueryRowContext(ctx, queryGetProjectBounty, projectId).Scan(&remaining, &total)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: project %s", store.ErrNotFound, projectId)
	}
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("failed to read project bounty: %w", err)
	}
	return fromCents(remaining), fromCents(total), nil
}

func scanProject(row rowScanner) (*models.Project, error) {
	var p models.Project
	var details, feePct string
	var budget, fee, bounty, remaining int64
	err := row.Scan(&p.Id, &p.PostedBy, &details, &budget, &feePct, &fee, &bounty, &remaining,
		&p.Status, &p.PaymentStatus, &p.PaypalOrderId, &p.PaypalPaymentId,
		&p.FeeStatus, &p.FeePayoutId, &p.FeeFailureReason, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(details), &p.Details); err != nil {
		return nil, fmt.Errorf("failed to decode project details: %w", err)
	}
	p.PlatformFeePercentage, err = decimal.NewFromString(feePct)
	if err != nil {
		return nil, fmt.Errorf("failed to parse fee percentage '%s': %w", feePct, err)
	}
	p.TotalBudget = fromCents(budget)
	p.PlatformFee = fromCents(fee)
	p.TotalBounty = fromCents(bounty)
	p.RemainingBounty = fromCents(remaining)
	return &p, nil
}
