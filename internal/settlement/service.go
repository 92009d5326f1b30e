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

package settlement

import (
	"context"
	"fmt"

	"bounty-escrow-go/internal/events"
	"bounty-escrow-go/internal/models"
	"bounty-escrow-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Action is one of the reward settlement operations on a bug report.
type Action string

const (
	ActionApprove      Action = "approve"
	ActionReject       Action = "reject"
	ActionResolve      Action = "resolve"
	ActionReopen       Action = "reopen"
	ActionUpdateReward Action = "update-reward"
)

func ParseAction(raw string) (Action, error) {
	action := Action(raw)
	if !action.Valid() {
		return "", fmt.Errorf("%w: unknown settlement action %q", store.ErrValidation, raw)
	}
	return action, nil
}

func (a Action) Valid() bool {
	switch a {
	case ActionApprove, ActionReject, ActionResolve, ActionReopen, ActionUpdateReward:
		return true
	}
	return false
}

type SettleRewardParams struct {
	ReportId string
	Action   Action
	// Amount is the explicit reward on approve and the new reward on update-reward.
	Amount *decimal.Decimal
	// Severity overrides the reported severity on approve.
	Severity string
	// Notes replaces the admin notes, or is the reason on reopen.
	Notes string
}

type DeleteReportParams struct {
	ReportId string
}

// Service settles bug report rewards against a project's escrowed bounty.
// Every fund movement is a conditional update at the store, and every report
// status change is a compare-and-set on the status the decision was based on.
type Service struct {
	store  store.LedgerStore
	events *events.Emitter
}

func NewService(ledger store.LedgerStore, emitter *events.Emitter) *Service {
	return &Service{store: ledger, events: emitter}
}

// SettleReward applies params.Action to a bug report.
func (s *Service) SettleReward(ctx context.Context, params SettleRewardParams) (*models.SettlementResult, error) {
	if !params.Action.Valid() {
		return nil, fmt.Errorf("%w: unknown settlement action %q", store.ErrValidation, params.Action)
	}

	actor, report, project, err := s.load(ctx, params.ReportId)
	if err != nil {
		return nil, err
	}

	zap.L().Info("Settling bug report",
		zap.String("report_id", report.Id),
		zap.String("project_id", project.Id),
		zap.String("action", string(params.Action)),
		zap.String("status", report.Status),
		zap.String("actor", actor.Id))

	switch params.Action {
	case ActionApprove:
		return s.approve(ctx, actor, report, project, params)
	case ActionReject:
		return s.transition(ctx, report, params, []string{models.ReportStatusPending}, models.ReportStatusRejected, models.RewardStatusRejected)
	case ActionResolve:
		return s.transition(ctx, report, params, []string{models.ReportStatusPending, models.ReportStatusApproved}, models.ReportStatusResolved, "")
	case ActionReopen:
		return s.reopen(ctx, report, params)
	case ActionUpdateReward:
		return s.updateReward(ctx, report, project, params)
	}
	return nil, fmt.Errorf("%w: unhandled settlement action %q", store.ErrValidation, params.Action)
}

// load fetches the report and its project and checks the caller may settle
// it: an admin, or the developer who posted the project.
func (s *Service) load(ctx context.Context, reportId string) (*models.User, *models.BugReport, *models.Project, error) {
	actor, err := store.Requester(ctx, s.store, models.RoleAdmin, models.RoleDeveloper)
	if err != nil {
		return nil, nil, nil, err
	}

	report, err := s.store.GetBugReport(ctx, reportId)
	if err != nil {
		return nil, nil, nil, err
	}

	project, err := s.store.GetProject(ctx, report.ProjectId)
	if err != nil {
		return nil, nil, nil, err
	}

	if actor.Role == models.RoleDeveloper && project.PostedBy != actor.Id {
		return nil, nil, nil, fmt.Errorf("%w: project %s belongs to another developer", store.ErrForbidden, project.Id)
	}
	return actor, report, project, nil
}

func (s *Service) result(ctx context.Context, report *models.BugReport, message string) *models.SettlementResult {
	res := &models.SettlementResult{
		ReportId:     report.Id,
		Status:       report.Status,
		RewardAmount: report.RewardAmount,
		Message:      message,
	}
	if project, err := s.store.GetProject(ctx, report.ProjectId); err == nil {
		res.RemainingBounty = project.RemainingBounty
	}
	return res
}

func validAmount(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("%w: reward amount cannot be negative, got %s", store.ErrValidation, amount)
	}
	if !amount.Equal(amount.Round(2)) {
		return fmt.Errorf("%w: reward amount %s has more than two decimal places", store.ErrValidation, amount)
	}
	return nil
}

func notesPtr(notes string) *string {
	if notes == "" {
		return nil
	}
	return &notes
}
