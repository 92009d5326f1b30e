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
	"time"

	"bounty-escrow-go/internal/models"
	"bounty-escrow-go/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func (s *Service) CreateBugReport(ctx context.Context, params store.CreateBugReportParams) (*models.BugReport, error) {
	switch params.Severity {
	case models.SeverityCritical, models.SeverityMajor, models.SeverityMinor:
	default:
		return nil, fmt.Errorf("unknown severity %q", params.Severity)
	}
	if _, err := s.GetProject(ctx, params.ProjectId); err != nil {
		return nil, err
	}

	reportId := uuid.New().String()
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx, queryInsertBugReport,
		reportId, params.ProjectId, params.SubmittedBy, params.Title, params.Severity, now, now); err != nil {
		return nil, fmt.Errorf("failed to insert bug report: %w", err)
	}

	zap.L().Info("Bug report created",
		zap.String("report_id", reportId),
		zap.String("project_id", params.ProjectId),
		zap.String("severity", params.Severity))
	return s.GetBugReport(ctx, reportId)
}

func (s *Service) GetBugReport(ctx context.Context, reportId string) (*models.BugReport, error) {
	report, err := scanBugReport(s.db.QueryRowContext(ctx, queryGetBugReport, reportId))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: bug report %s", store.ErrNotFound, reportId)
	}
	if err != nil {
		return nil, fmt.Errorf("unable to query bug report: %w", err)
	}
	return report, nil
}

func (s *Service) ListBugReportsByProject(ctx context.Context, projectId string) ([]models.BugReport, error) {
	rows, err := s.db.QueryContext(ctx, queryListBugReportsByProject, projectId)
	if err != nil {
		return nil, fmt.Errorf("unable to query bug reports: %w", err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			zap.L().Warn("Failed to close rows", zap.Error(err))
		}
	}(rows)

	var reports []models.BugReport
	for rows.Next() {
		report, err := scanBugReport(rows)
		if err != nil {
			return nil, fmt.Errorf("unable to scan bug report row: %w", err)
		}
		reports = append(reports, *report)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bug report rows: %w", err)
	}
	return reports, nil
}

// TransitionBugReport moves a report to params.To only while its status is one
// of params.From. A lost race is reported as a StateError.
func (s *Service) TransitionBugReport(ctx context.Context, params store.TransitionBugReportParams) (*models.BugReport, error) {
	if len(params.From) == 0 {
		return nil, fmt.Errorf("transition %s needs at least one source status", params.Action)
	}

	now := time.Now().UTC()
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{params.To, now}

	if params.Severity != "" {
		sets = append(sets, "severity = ?")
		args = append(args, params.Severity)
	}
	if params.RewardAmount != nil {
		sets = append(sets, "reward_amount = ?")
		args = append(args, toCents(*params.RewardAmount))
	}
	if params.RewardStatus != "" {
		sets = append(sets, "reward_status = ?")
		args = append(args, params.RewardStatus)
	}
	switch {
	case params.ApprovedBy != "":
		sets = append(sets, "reward_approved_by = ?", "reward_approved_at = ?")
		args = append(args, params.ApprovedBy, now)
	case params.RewardStatus == models.RewardStatusPending:
		sets = append(sets, "reward_approved_by = ''", "reward_approved_at = NULL")
	}
	switch {
	case params.AdminNotes != nil && params.AppendNotes != "":
		sets = append(sets, "admin_notes = ?")
		args = append(args, joinNotes(*params.AdminNotes, params.AppendNotes))
	case params.AdminNotes != nil:
		sets = append(sets, "admin_notes = ?")
		args = append(args, *params.AdminNotes)
	case params.AppendNotes != "":
		sets = append(sets, "admin_notes = "+appendNotesExpr)
		args = append(args, params.AppendNotes, params.AppendNotes, params.AppendNotes)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(params.From)), ", ")
	query := fmt.Sprintf("UPDATE bug_reports SET %s WHERE id = ? AND status IN (%s)", strings.Join(sets, ", "), placeholders)
	args = append(args, params.Id)
	for _, from := range params.From {
		args = append(args, from)
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to transition bug report: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}

	report, err := s.GetBugReport(ctx, params.Id)
	if err != nil {
		return nil, err
	}
	if rowsAffected == 0 {
		return nil, &store.StateError{Entity: "bug report", Id: params.Id, Current: report.Status, Action: params.Action}
	}

	zap.L().Info("Bug report transitioned",
		zap.String("report_id", params.Id),
		zap.String("action", params.Action),
		zap.String("status", report.Status),
		zap.String("reward_status", report.RewardStatus),
		zap.String("reward_amount", report.RewardAmount.String()))
	return report, nil
}

// UpdateRewardAmount swaps an approved report's reward from OldAmount to NewAmount.
func (s *Service) UpdateRewardAmount(ctx context.Context, params store.UpdateRewardAmountParams) (*models.BugReport, error) {
	result, err := s.db.ExecContext(ctx, queryUpdateRewardAmount,
		toCents(params.NewAmount), toCents(params.NewAmount), params.AppendNotes, params.AppendNotes, params.AppendNotes,
		time.Now().UTC(), params.Id, toCents(params.OldAmount))
	if err != nil {
		return nil, fmt.Errorf("failed to update reward amount: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}

	report, err := s.GetBugReport(ctx, params.Id)
	if err != nil {
		return nil, err
	}
	if rowsAffected == 0 {
		if report.Status != models.ReportStatusApproved {
			return nil, &store.StateError{Entity: "bug report", Id: params.Id, Current: report.Status, Action: "update reward of"}
		}
		return nil, fmt.Errorf("%w: reward of bug report %s is %s, expected %s",
			store.ErrConcurrentModification, params.Id, report.RewardAmount, params.OldAmount)
	}
	return report, nil
}

// DeleteBugReport removes a report only if it still matches the snapshot the
// caller based its refund decision on.
func (s *Service) DeleteBugReport(ctx context.Context, snapshot *models.BugReport) error {
	result, err := s.db.ExecContext(ctx, queryDeleteBugReport,
		snapshot.Id, snapshot.Status, snapshot.RewardStatus, toCents(snapshot.RewardAmount))
	if err != nil {
		return fmt.Errorf("failed to delete bug report: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		if _, err := s.GetBugReport(ctx, snapshot.Id); err != nil {
			return err
		}
		return fmt.Errorf("%w: bug report %s changed before delete", store.ErrConcurrentModification, snapshot.Id)
	}

	zap.L().Info("Bug report deleted", zap.String("report_id", snapshot.Id))
	return nil
}

func joinNotes(existing, line string) string {
	if existing == "" {
		return line
	}
	return existing + "\n" + line
}

func scanBugReport(row rowScanner) (*models.BugReport, error) {
	var r models.BugReport
	var reward int64
	var approvedAt sql.NullTime
	err := row.Scan(&r.Id, &r.ProjectId, &r.SubmittedBy, &r.Title, &r.Severity, &r.Status,
		&reward, &r.RewardStatus, &r.RewardApprovedBy, &approvedAt, &r.AdminNotes, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.RewardAmount = fromCents(reward)
	if approvedAt.Valid {
		t := approvedAt.Time
		r.RewardApprovedAt = &t
	}
	return &r, nil
}
