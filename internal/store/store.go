package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bounty-escrow-go/internal/models"

	"github.com/shopspring/decimal"
)

// Sentinel errors shared across all backend implementations.
var (
	ErrNotFound               = errors.New("not found")
	ErrInsufficientBounty     = errors.New("insufficient remaining bounty")
	ErrInsufficientFunds      = errors.New("insufficient balance")
	ErrBountyOverflow         = errors.New("remaining bounty would exceed total bounty")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrReconciliationGap      = errors.New("reconciliation gap")
	ErrDuplicateEvent         = errors.New("duplicate webhook event")
	ErrDuplicateTransaction   = errors.New("duplicate transaction")
	ErrConcurrentModification = errors.New("concurrent modification detected")
	ErrPartialFailure         = errors.New("partial failure")
	ErrValidation             = errors.New("invalid request")
	ErrForbidden              = errors.New("forbidden")
)

// StateError reports an action that does not apply to an entity's current status.
type StateError struct {
	Entity  string
	Id      string
	Current string
	Action  string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s %s %s in status %q", e.Action, e.Entity, e.Id, e.Current)
}

func (e *StateError) Unwrap() error { return ErrInvalidStateTransition }

// CreateUserParams contains the parameters for creating a user.
type CreateUserParams struct {
	Name  string
	Email string
	Role  string
}

// BalanceChangeParams describes one atomic change to User.balance.
type BalanceChangeParams struct {
	UserId          string
	Amount          decimal.Decimal // always positive; direction is given by the method
	TransactionType string
	ProjectId       string
	Reference       string
	ExternalId      string // optional dedup key, unique across the journal
	CountAsAcquired bool   // also raise total_credits_acquired
	CountAsEarnings bool   // also raise total_earnings
}

// BountyChangeParams describes one atomic change to Project.remainingBounty.
type BountyChangeParams struct {
	ProjectId       string
	Amount          decimal.Decimal // always positive; direction is given by the method
	TransactionType string
	Reference       string
	ExternalId      string
}

// MaterializeProjectParams contains everything needed to persist a funded project.
type MaterializeProjectParams struct {
	PostedBy              string
	Details               models.ProjectDetails
	TotalBudget           decimal.Decimal
	PlatformFeePercentage decimal.Decimal
	PlatformFee           decimal.Decimal
	TotalBounty           decimal.Decimal
	PaypalOrderId         string
	PaypalPaymentId       string
}

// UpdateProjectFeeParams records the outcome of a platform fee transfer.
type UpdateProjectFeeParams struct {
	ProjectId     string
	Status        string
	PayoutId      string
	FailureReason string
}

// CreateBugReportParams contains the money-relevant fields of a new report.
type CreateBugReportParams struct {
	ProjectId   string
	SubmittedBy string
	Title       string
	Severity    string
}

// TransitionBugReportParams is a compare-and-set on a report's status.
type TransitionBugReportParams struct {
	Id           string
	Action       string
	From         []string
	To           string
	Severity     string           // optional override
	RewardAmount *decimal.Decimal // optional
	RewardStatus string           // optional
	ApprovedBy   string           // set together with RewardAmount on approval
	AdminNotes   *string          // replaces notes when set
	AppendNotes  string           // appended to notes when set
}

// UpdateRewardAmountParams is a compare-and-set on an approved report's reward.
type UpdateRewardAmountParams struct {
	Id          string
	OldAmount   decimal.Decimal
	NewAmount   decimal.Decimal
	AppendNotes string
}

// CreateWithdrawalParams contains the parameters for recording a withdrawal request.
type CreateWithdrawalParams struct {
	UserId      string
	Amount      decimal.Decimal
	Destination string
}

// TransitionWithdrawalParams is a compare-and-set on a withdrawal's status.
type TransitionWithdrawalParams struct {
	Id              string
	Action          string
	From            []string
	To              string
	PayoutId        string
	ItemId          string
	FailureReason   string
	AdminNotes      string
	ProcessedBy     string
	BalanceDeducted *bool
}

// LedgerStore is the durable record of escrowed funds. Every money mutation is
// a single atomic conditional update together with its journal postings.
type LedgerStore interface {
	// --- Users ---
	CreateUser(ctx context.Context, params CreateUserParams) (*models.User, error)
	GetUserById(ctx context.Context, userId string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUsers(ctx context.Context) ([]models.User, error)
	SetPaypalEmail(ctx context.Context, userId, email string) error
	CreditUserBalance(ctx context.Context, params BalanceChangeParams) (*models.User, error)
	DebitUserBalance(ctx context.Context, params BalanceChangeParams) (*models.User, error)
	AdjustUserBalance(ctx context.Context, userId string, newBalance decimal.Decimal, reference string) (*models.User, error)

	// --- Projects ---
	MaterializeProject(ctx context.Context, params MaterializeProjectParams) (*models.Project, bool, error)
	GetProject(ctx context.Context, projectId string) (*models.Project, error)
	GetProjectByOrderId(ctx context.Context, orderId string) (*models.Project, error)
	ListProjects(ctx context.Context) ([]models.Project, error)
	ListProjectsByUser(ctx context.Context, userId string) ([]models.Project, error)
	DebitProjectBounty(ctx context.Context, params BountyChangeParams) (*models.Project, error)
	CreditProjectBounty(ctx context.Context, params BountyChangeParams) (*models.Project, error)
	SetProjectPaymentStatus(ctx context.Context, orderId, paymentStatus, paymentId string) (*models.Project, error)
	ResetProjectPayment(ctx context.Context, orderId string) (*models.Project, error)
	ClaimProjectFee(ctx context.Context, projectId string) (*models.Project, error)
	UpdateProjectFee(ctx context.Context, params UpdateProjectFeeParams) error
	ListProjectsWithUncollectedFee(ctx context.Context, limit int) ([]models.Project, error)

	// --- Pending orders ---
	CreatePendingOrder(ctx context.Context, order *models.PendingOrder) error
	GetPendingOrder(ctx context.Context, orderId string) (*models.PendingOrder, error)
	DeletePendingOrder(ctx context.Context, orderId string) error
	PurgeExpiredPendingOrders(ctx context.Context, now time.Time) (int64, error)

	// --- Bug reports ---
	CreateBugReport(ctx context.Context, params CreateBugReportParams) (*models.BugReport, error)
	GetBugReport(ctx context.Context, reportId string) (*models.BugReport, error)
	ListBugReportsByProject(ctx context.Context, projectId string) ([]models.BugReport, error)
	TransitionBugReport(ctx context.Context, params TransitionBugReportParams) (*models.BugReport, error)
	UpdateRewardAmount(ctx context.Context, params UpdateRewardAmountParams) (*models.BugReport, error)
	DeleteBugReport(ctx context.Context, snapshot *models.BugReport) error

	// --- Withdrawals ---
	CreateWithdrawal(ctx context.Context, params CreateWithdrawalParams) (*models.Withdrawal, error)
	GetWithdrawal(ctx context.Context, withdrawalId string) (*models.Withdrawal, error)
	ListWithdrawalsByUser(ctx context.Context, userId string) ([]models.Withdrawal, error)
	TransitionWithdrawal(ctx context.Context, params TransitionWithdrawalParams) (*models.Withdrawal, error)
	DeleteWithdrawal(ctx context.Context, withdrawalId string) error

	// --- Webhook events ---
	RecordWebhookEvent(ctx context.Context, event *models.WebhookEvent) error
	MarkWebhookEventProcessed(ctx context.Context, eventId, errMsg string) error
	GetWebhookEvent(ctx context.Context, eventId string) (*models.WebhookEvent, error)

	// --- Journal & reconciliation ---
	GetTransactionHistory(ctx context.Context, userId string, limit, offset int) ([]models.Transaction, error)
	GetProjectTransactions(ctx context.Context, projectId string) ([]models.Transaction, error)
	GetAccountBalance(ctx context.Context, account string) (decimal.Decimal, error)
	ReconcileProjectBounty(ctx context.Context, projectId string, repair bool) (*models.ReconciliationReport, error)
	ReconcileUserBalance(ctx context.Context, userId string) (*models.ReconciliationReport, error)

	Close()
}

// JournalMirror receives every committed journal transaction, e.g. to keep an
// external double-entry ledger in step with the store.
type JournalMirror interface {
	PostJournal(ctx context.Context, txn models.JournalTransaction) error
}
