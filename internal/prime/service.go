package prime

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"bounty-escrow-go/internal/models"

	"github.com/coinbase-samples/prime-sdk-go/client"
	"github.com/coinbase-samples/prime-sdk-go/credentials"
	"github.com/coinbase-samples/prime-sdk-go/model"
	"github.com/coinbase-samples/prime-sdk-go/portfolios"
	"github.com/coinbase-samples/prime-sdk-go/transactions"
	"github.com/coinbase-samples/prime-sdk-go/wallets"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

const defaultPortfolioName = "Default Portfolio"

// feeNamespace scopes the deterministic idempotency keys of fee withdrawals.
var feeNamespace = uuid.MustParse("6f1c2d8e-5b7a-4c3e-9a41-2f0d8b6e7c15")

type withdrawalCreator interface {
	CreateWalletWithdrawal(ctx context.Context, request *transactions.CreateWalletWithdrawalRequest) (*transactions.CreateWalletWithdrawalResponse, error)
}

// Service settles platform fees into a treasury address by withdrawing the fee
// amount from a Prime wallet. It is the alternative to the PayPal fee payout.
type Service struct {
	portfoliosSvc   portfolios.PortfoliosService
	walletsSvc      wallets.WalletsService
	transactionsSvc withdrawalCreator

	portfolioId     string
	walletId        string
	treasuryAddress string
	asset           string
}

func NewService(ctx context.Context, cfg models.PrimeConfig) (*Service, error) {
	if cfg.AccessKey == "" || cfg.Passphrase == "" || cfg.SigningKey == "" {
		return nil, fmt.Errorf("missing required Prime API credentials: PRIME_ACCESS_KEY, PRIME_PASSPHRASE, PRIME_SIGNING_KEY")
	}
	if cfg.WalletId == "" || cfg.TreasuryAddress == "" {
		return nil, fmt.Errorf("prime fee settlement requires PRIME_FEE_WALLET_ID and PRIME_TREASURY_ADDRESS")
	}

	httpClient, err := createCustomHttpClient()
	if err != nil {
		return nil, fmt.Errorf("unable to create custom http client: %w", err)
	}

	restClient := client.NewRestClient(&credentials.Credentials{
		AccessKey:  cfg.AccessKey,
		Passphrase: cfg.Passphrase,
		SigningKey: cfg.SigningKey,
	}, httpClient)

	svc := &Service{
		portfoliosSvc:   portfolios.NewPortfoliosService(restClient),
		walletsSvc:      wallets.NewWalletsService(restClient),
		transactionsSvc: transactions.NewTransactionsService(restClient),
		portfolioId:     cfg.PortfolioId,
		walletId:        cfg.WalletId,
		treasuryAddress: cfg.TreasuryAddress,
		asset:           cfg.Asset,
	}

	if svc.portfolioId == "" {
		zap.L().Info("Finding default portfolio")
		if svc.portfolioId, err = svc.findDefaultPortfolio(ctx); err != nil {
			return nil, err
		}
	}
	if err := svc.verifyFeeWallet(ctx); err != nil {
		return nil, err
	}

	zap.L().Info("Prime fee treasury initialized",
		zap.String("portfolio_id", svc.portfolioId),
		zap.String("wallet_id", svc.walletId),
		zap.String("asset", svc.asset))
	return svc, nil
}

func createCustomHttpClient() (http.Client, error) {
	tr := &http.Transport{
		ResponseHeaderTimeout: 30 * time.Second,
		Proxy:                 http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			KeepAlive: 30 * time.Second,
			Timeout:   15 * time.Second,
		}).DialContext,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConnsPerHost:   5,
		ExpectContinueTimeout: 5 * time.Second,
	}

	if err := http2.ConfigureTransport(tr); err != nil {
		return http.Client{}, err
	}

	return http.Client{
		Transport: tr,
		Timeout:   60 * time.Second,
	}, nil
}

func (s *Service) findDefaultPortfolio(ctx context.Context) (string, error) {
	response, err := s.portfoliosSvc.ListPortfolios(ctx, &portfolios.ListPortfoliosRequest{})
	if err != nil {
		return "", fmt.Errorf("unable to list portfolios: %w", err)
	}
	for _, p := range response.Portfolios {
		if p.Name == defaultPortfolioName {
			zap.L().Info("Using default portfolio", zap.String("id", p.Id))
			return p.Id, nil
		}
	}
	return "", fmt.Errorf("default portfolio not found")
}

// verifyFeeWallet checks the configured wallet exists and holds the fee asset.
func (s *Service) verifyFeeWallet(ctx context.Context) error {
	response, err := s.walletsSvc.ListWallets(ctx, &wallets.ListWalletsRequest{
		PortfolioId: s.portfolioId,
		Type:        "TRADING",
		Symbols:     []string{s.asset},
	})
	if err != nil {
		return fmt.Errorf("unable to list wallets: %w", err)
	}
	for _, w := range response.Wallets {
		if w.Id == s.walletId {
			return nil
		}
	}
	return fmt.Errorf("fee wallet %s holding %s not found in portfolio %s", s.walletId, s.asset, s.portfolioId)
}

// FeeIdempotencyKey is stable per project so a retried fee settlement can never
// withdraw twice.
func FeeIdempotencyKey(projectId string) string {
	return uuid.NewSHA1(feeNamespace, []byte("platform_fee:"+projectId)).String()
}

// SettleFee withdraws the project's platform fee to the treasury address and
// returns the Prime activity id.
func (s *Service) SettleFee(ctx context.Context, project *models.Project) (string, error) {
	if !project.PlatformFee.IsPositive() {
		return "", fmt.Errorf("project %s has no platform fee to settle", project.Id)
	}

	amount := project.PlatformFee.StringFixed(2)
	request := &transactions.CreateWalletWithdrawalRequest{
		PortfolioId:     s.portfolioId,
		SourceWalletId:  s.walletId,
		Amount:          amount,
		IdempotencyKey:  FeeIdempotencyKey(project.Id),
		Symbol:          s.asset,
		DestinationType: "DESTINATION_BLOCKCHAIN",
		BlockchainAddress: &model.BlockchainAddress{
			Address: s.treasuryAddress,
		},
	}

	zap.L().Info("Settling platform fee via Prime",
		zap.String("project_id", project.Id),
		zap.String("order_id", project.PaypalOrderId),
		zap.String("amount", amount),
		zap.String("asset", s.asset))

	response, err := s.transactionsSvc.CreateWalletWithdrawal(ctx, request)
	if err != nil {
		zap.L().Error("Failed to settle platform fee via Prime",
			zap.String("project_id", project.Id),
			zap.String("amount", amount),
			zap.Error(err))
		return "", fmt.Errorf("unable to create fee withdrawal: %w", err)
	}

	zap.L().Info("Platform fee withdrawal created",
		zap.String("project_id", project.Id),
		zap.String("activity_id", response.ActivityId))
	return response.ActivityId, nil
}
