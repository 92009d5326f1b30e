package formance

import (
	"context"
	"fmt"
	"math/big"

	"bounty-escrow-go/internal/models"

	v3 "github.com/formancehq/formance-sdk-go/v3"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/operations"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/shared"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// AccountBalance returns the mirrored balance of a journal account. Accounts
// that were never touched have a zero balance.
func (s *Service) AccountBalance(ctx context.Context, account string) (decimal.Decimal, error) {
	zap.L().Debug("Getting account balance from Formance", zap.String("account", account))

	vols, err := s.getAccountVolumes(ctx, account)
	if err != nil {
		return decimal.Zero, err
	}
	if bal := volumeBalance(vols, formanceAsset(s.currency)); bal != nil {
		return bigIntToDecimal(bal, s.currency), nil
	}
	return decimal.Zero, nil
}

// Compare reports the difference between the mirrored balance of account and
// the balance the local journal holds for it.
func (s *Service) Compare(ctx context.Context, account string, local decimal.Decimal) (*models.ReconciliationReport, error) {
	mirrored, err := s.AccountBalance(ctx, account)
	if err != nil {
		return nil, err
	}
	report := &models.ReconciliationReport{
		Subject:    "formance:" + account,
		Stored:     mirrored,
		Expected:   local,
		Difference: mirrored.Sub(local),
	}
	if !report.Balanced() {
		zap.L().Warn("Formance mirror drifted from local journal",
			zap.String("account", account),
			zap.String("mirror", mirrored.String()),
			zap.String("local", local.String()))
	}
	return report, nil
}

func (s *Service) getAccountVolumes(ctx context.Context, address string) (map[string]shared.V2Volume, error) {
	resp, err := s.client.Ledger.V2.GetAccount(ctx, operations.V2GetAccountRequest{
		Ledger:  s.ledger,
		Address: address,
		Expand:  v3.Pointer("volumes"),
	})
	if err != nil {
		if isNotFoundError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get account %s: %w", address, err)
	}
	return resp.V2AccountResponse.Data.Volumes, nil
}

// volumeBalance extracts the balance for a specific asset from volumes.
func volumeBalance(vols map[string]shared.V2Volume, fAsset string) *big.Int {
	vol, ok := vols[fAsset]
	if !ok {
		return nil
	}
	if vol.Balance != nil {
		return vol.Balance
	}
	if vol.Input == nil {
		return nil
	}
	result := new(big.Int).Set(vol.Input)
	if vol.Output != nil {
		result.Sub(result, vol.Output)
	}
	return result
}

// bigIntToDecimal converts a *big.Int in smallest-unit to a decimal amount.
func bigIntToDecimal(raw *big.Int, symbol string) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -int32(precisionFor(symbol)))
}

// assetSymbol extracts the symbol from a Formance asset like "USD/2".
func assetSymbol(fAsset string) string {
	for i, c := range fAsset {
		if c == '/' {
			return fAsset[:i]
		}
	}
	return fAsset
}
