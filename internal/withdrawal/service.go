package withdrawal

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"bounty-escrow-go/internal/events"
	"bounty-escrow-go/internal/models"
	"bounty-escrow-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Action is one of the admin operations on a withdrawal.
type Action string

const (
	ActionApprove  Action = "approve"
	ActionReject   Action = "reject"
	ActionComplete Action = "complete"
)

func ParseAction(raw string) (Action, error) {
	action := Action(raw)
	if !action.Valid() {
		return "", fmt.Errorf("%w: unknown withdrawal action %q", store.ErrValidation, raw)
	}
	return action, nil
}

func (a Action) Valid() bool {
	switch a {
	case ActionApprove, ActionReject, ActionComplete:
		return true
	}
	return false
}

// Payouts sends single-recipient provider payouts.
type Payouts interface {
	SendPayout(ctx context.Context, request models.PayoutRequest) (*models.Payout, error)
}

type RequestWithdrawalParams struct {
	Amount decimal.Decimal
	// Destination is the payout email; empty uses the tester's saved PayPal email.
	Destination string
}

type ProcessWithdrawalParams struct {
	WithdrawalId string
	Action       Action
	// PayoutReference is the out-of-band payout id recorded on complete.
	PayoutReference string
	Notes           string
}

// Service runs the withdrawal lifecycle. Credits leave a tester's balance only
// after the provider has accepted the payout.
type Service struct {
	store   store.LedgerStore
	payouts Payouts
	events  *events.Emitter
	cfg     models.EscrowConfig
	now     func() time.Time
}

func NewService(ledger store.LedgerStore, payouts Payouts, emitter *events.Emitter, cfg models.EscrowConfig) *Service {
	return &Service{store: ledger, payouts: payouts, events: emitter, cfg: cfg, now: time.Now}
}

// ToUSD converts credits to the payout currency amount, rounded to cents.
func (s *Service) ToUSD(credits decimal.Decimal) decimal.Decimal {
	rate := s.cfg.CreditsPerUSD
	if !rate.IsPositive() {
		rate = decimal.NewFromInt(1)
	}
	return credits.Div(rate).Round(2)
}

// RequestWithdrawal records a tester's intent to withdraw credits. No funds
// move until an admin approves it.
func (s *Service) RequestWithdrawal(ctx context.Context, params RequestWithdrawalParams) (*models.WithdrawalResult, error) {
	user, err := store.Requester(ctx, s.store, models.RoleTester)
	if err != nil {
		return nil, err
	}

	amount := params.Amount
	switch {
	case !amount.Equal(amount.Round(2)):
		return nil, fmt.Errorf("%w: amount %s has more than two decimal places", store.ErrValidation, amount)
	case amount.LessThan(s.cfg.MinWithdrawalCredits):
		return nil, fmt.Errorf("%w: minimum withdrawal is %s credits", store.ErrValidation, s.cfg.MinWithdrawalCredits)
	case amount.GreaterThan(s.cfg.MaxWithdrawalCredits):
		return nil, fmt.Errorf("%w: maximum withdrawal is %s credits", store.ErrValidation, s.cfg.MaxWithdrawalCredits)
	case amount.GreaterThan(user.Balance):
		zap.L().Warn("Withdrawal exceeds balance",
			zap.String("user_id", user.Id),
			zap.String("amount", amount.String()),
			zap.String("balance", user.Balance.String()))
		return nil, fmt.Errorf("%w: balance %s, requested %s", store.ErrInsufficientFunds, user.Balance, amount)
	}

	destination := strings.TrimSpace(params.Destination)
	if destination == "" {
		destination = user.PaypalEmail
	}
	if destination == "" {
		return nil, fmt.Errorf("%w: a PayPal email is required", store.ErrValidation)
	}
	if addr, err := mail.ParseAddress(destination); err != nil || addr.Address != destination {
		return nil, fmt.Errorf("%w: invalid PayPal email %q", store.ErrValidation, destination)
	}
	if destination != user.PaypalEmail {
		if err := s.store.SetPaypalEmail(ctx, user.Id, destination); err != nil {
			return nil, err
		}
	}

	w, err := s.store.CreateWithdrawal(ctx, store.CreateWithdrawalParams{
		UserId:      user.Id,
		Amount:      amount,
		Destination: destination,
	})
	if err != nil {
		return nil, err
	}

	return &models.WithdrawalResult{
		Withdrawal: w,
		Balance:    user.Balance,
		AmountUSD:  s.ToUSD(amount),
		Message:    "Withdrawal request submitted",
	}, nil
}

// ListWithdrawals returns the calling tester's withdrawals, newest first.
func (s *Service) ListWithdrawals(ctx context.Context) ([]models.Withdrawal, error) {
	user, err := store.Requester(ctx, s.store, models.RoleTester)
	if err != nil {
		return nil, err
	}
	return s.store.ListWithdrawalsByUser(ctx, user.Id)
}

// DeleteWithdrawal removes a rejected or completed withdrawal.
func (s *Service) DeleteWithdrawal(ctx context.Context, withdrawalId string) error {
	if _, err := store.Requester(ctx, s.store, models.RoleAdmin); err != nil {
		return err
	}
	return s.store.DeleteWithdrawal(ctx, withdrawalId)
}
