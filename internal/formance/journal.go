package formance

import (
	"context"
	"fmt"
	"strings"

	"bounty-escrow-go/internal/models"

	"github.com/formancehq/formance-sdk-go/v3/pkg/models/operations"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/shared"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// strictPrefixes are accounts the escrow never lets go negative. Every other
// account (provider, payout, clearing and platform accounts) may overdraw.
var strictPrefixes = []string{"users:", "projects:"}

// PostJournal mirrors one committed journal transaction. The transaction id is
// the Formance reference, so a replay is a no-op.
func (s *Service) PostJournal(ctx context.Context, txn models.JournalTransaction) error {
	if len(txn.Postings) == 0 {
		return fmt.Errorf("journal transaction %s has no postings", txn.Id)
	}

	script, vars, err := buildNumscript(txn, s.currency)
	if err != nil {
		return err
	}

	metadata := make(map[string]string, len(txn.Metadata)+1)
	for k, v := range txn.Metadata {
		metadata[k] = v
	}
	metadata["local_transaction_id"] = txn.Id

	postTx := shared.V2PostTransaction{
		Reference: strPtr(txn.Id),
		Script: &shared.V2PostTransactionScript{
			Plain: script,
			Vars:  vars,
		},
		Metadata: metadata,
	}
	if !txn.CreatedAt.IsZero() {
		createdAt := txn.CreatedAt
		postTx.Timestamp = &createdAt
	}

	_, err = s.client.Ledger.V2.CreateTransaction(ctx, operations.V2CreateTransactionRequest{
		Ledger:            s.ledger,
		V2PostTransaction: postTx,
	})
	if err != nil {
		if isConflictError(err) {
			return nil // idempotent
		}
		return fmt.Errorf("error mirroring %s transaction %s: %w", txn.Type, txn.Id, err)
	}

	zap.L().Debug("Journal transaction mirrored to Formance",
		zap.String("transaction_id", txn.Id),
		zap.String("type", txn.Type),
		zap.Int("postings", len(txn.Postings)))
	return nil
}

// buildNumscript renders one send statement per posting. Accounts and amounts
// are passed as vars; only the overdraft clause depends on the source.
func buildNumscript(txn models.JournalTransaction, currency string) (string, map[string]string, error) {
	var decl, body strings.Builder
	vars := map[string]string{
		"asset":            formanceAsset(currency),
		"transaction_type": txn.Type,
		"reference":        txn.Reference,
	}

	decl.WriteString("vars {\n  asset $asset\n  string $transaction_type\n  string $reference\n")
	for i, posting := range txn.Postings {
		amount, err := smallestUnit(posting.Amount, currency)
		if err != nil {
			return "", nil, fmt.Errorf("posting %d of %s: %w", i, txn.Id, err)
		}
		fmt.Fprintf(&decl, "  account $source_%d\n  account $destination_%d\n  number $amount_%d\n", i, i, i)
		vars[fmt.Sprintf("source_%d", i)] = posting.Source
		vars[fmt.Sprintf("destination_%d", i)] = posting.Destination
		vars[fmt.Sprintf("amount_%d", i)] = amount

		overdraft := ""
		if allowsOverdraft(posting.Source) {
			overdraft = " allowing unbounded overdraft"
		}
		fmt.Fprintf(&body, "\nsend [$asset $amount_%d] (\n  source = $source_%d%s\n  destination = $destination_%d\n)\n", i, i, overdraft, i)
	}
	decl.WriteString("}\n")

	body.WriteString("\nset_tx_meta(\"transaction_type\", $transaction_type)\nset_tx_meta(\"reference\", $reference)\n")
	return decl.String() + body.String(), vars, nil
}

func allowsOverdraft(account string) bool {
	for _, prefix := range strictPrefixes {
		if strings.HasPrefix(account, prefix) {
			return false
		}
	}
	return true
}

// smallestUnit converts an amount to integer minor units, e.g. 12.34 USD -> "1234".
func smallestUnit(amount decimal.Decimal, currency string) (string, error) {
	shifted := amount.Shift(int32(precisionFor(currency)))
	if !shifted.IsInteger() {
		return "", fmt.Errorf("amount %s exceeds %s precision", amount, currency)
	}
	if !shifted.IsPositive() {
		return "", fmt.Errorf("amount %s must be positive", amount)
	}
	return shifted.BigInt().String(), nil
}
