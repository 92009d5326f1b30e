package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Journal account names. Every money movement is a balanced set of postings
// between these accounts.
const (
	AccountWorldPayPal    = "world:paypal"
	AccountPlatformFees   = "platform:fees"
	AccountCorrections    = "platform:corrections"
	AccountRewardClearing = "clearing:rewards"
	AccountWorldPayouts   = "world:payouts"
)

// Posting moves Amount from Source to Destination
type Posting struct {
	Source      string
	Destination string
	Amount      decimal.Decimal
}

// JournalTransaction is one committed money movement with its postings
type JournalTransaction struct {
	Id        string
	Type      string
	Reference string
	Postings  []Posting
	Metadata  map[string]string
	CreatedAt time.Time
}

// JournalEntry is one side of a posting as persisted (debit the destination, credit the source)
type JournalEntry struct {
	Id            string          `db:"id"`
	TransactionId string          `db:"transaction_id"`
	Account       string          `db:"account"`
	DebitAmount   decimal.Decimal `db:"debit_amount"`
	CreditAmount  decimal.Decimal `db:"credit_amount"`
	CreatedAt     time.Time       `db:"created_at"`
}

// ProjectEscrowAccount is the journal account holding a project's bounty pool.
func ProjectEscrowAccount(projectId string) string {
	return "projects:" + projectId + ":escrow"
}

// UserAccount is the journal account holding a user's spendable credits.
func UserAccount(userId string) string {
	return "users:" + userId
}
