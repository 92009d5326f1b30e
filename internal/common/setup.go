package common

import (
	"context"
	"fmt"
	"log"
	"strings"

	"bounty-escrow-go/internal/api"
	"bounty-escrow-go/internal/database"
	"bounty-escrow-go/internal/escrow"
	"bounty-escrow-go/internal/events"
	"bounty-escrow-go/internal/formance"
	"bounty-escrow-go/internal/models"
	"bounty-escrow-go/internal/paypal"
	"bounty-escrow-go/internal/prime"
	"bounty-escrow-go/internal/scheduler"
	"bounty-escrow-go/internal/settlement"
	"bounty-escrow-go/internal/webhook"
	"bounty-escrow-go/internal/withdrawal"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// init loads environment variables from .env file if it exists
func init() {
	// A missing .env is fine; variables may come from the shell or the container.
	if err := godotenv.Load(); err != nil {
		log.Printf("Note: No .env file found or unable to load it: %v\n", err)
	} else {
		log.Println("✓ Loaded environment variables from .env file")
	}
}

// Services is the fully wired escrow backend.
type Services struct {
	DbService   *database.Service
	Mirror      *formance.Service
	PayPal      *paypal.Client
	Publisher   events.Publisher
	Emitter     *events.Emitter
	Funding     *escrow.Service
	Settlement  *settlement.Service
	Withdrawals *withdrawal.Service
	Webhooks    *webhook.Reconciler
	Jobs        *scheduler.Jobs
}

func InitializeLogger() (*zap.Logger, func()) {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	zap.ReplaceGlobals(logger)

	cleanup := func() {
		if err := logger.Sync(); err != nil {
			if !isIgnorableSyncError(err) {
				log.Printf("Failed to sync logger: %v\n", err)
			}
		}
	}

	return logger, cleanup
}

func InitializeServices(ctx context.Context, cfg *models.Config) (*Services, error) {
	services := &Services{}

	dbService, err := database.NewService(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	services.DbService = dbService

	if cfg.Escrow.JournalBackend == "formance" {
		zap.L().Info("Mirroring journal to Formance", zap.String("stack_url", cfg.Formance.StackURL))
		mirror, err := formance.NewService(ctx, cfg.Formance, cfg.Escrow.Currency)
		if err != nil {
			services.Close()
			return nil, err
		}
		services.Mirror = mirror
		dbService.SetMirror(mirror)
	}

	paypalClient, err := paypal.NewClient(cfg.PayPal)
	if err != nil {
		services.Close()
		return nil, err
	}
	services.PayPal = paypalClient

	verifier, err := paypal.NewWebhookVerifier(cfg.PayPal)
	if err != nil {
		services.Close()
		return nil, err
	}

	feeSettler, err := newFeeSettler(ctx, cfg, paypalClient)
	if err != nil {
		services.Close()
		return nil, err
	}

	services.Publisher = events.NewPublisher(cfg.Events.AMQPURL)
	services.Emitter = events.NewEmitter(services.Publisher, cfg.Events.Exchange)

	services.Funding = escrow.NewService(dbService, paypalClient, feeSettler, services.Emitter, cfg.Escrow, cfg.PayPal.FrontendURL)
	services.Settlement = settlement.NewService(dbService, services.Emitter)
	services.Withdrawals = withdrawal.NewService(dbService, paypalClient, services.Emitter, cfg.Escrow)
	services.Webhooks = webhook.NewReconciler(dbService, verifier, services.Emitter)

	var mirror scheduler.MirrorComparer
	if services.Mirror != nil {
		mirror = services.Mirror
	}
	services.Jobs = scheduler.NewJobs(dbService, services.Funding, mirror, services.Emitter)

	return services, nil
}

// newFeeSettler returns nil when no fee destination is configured; fees then
// stay uncollected until one is.
func newFeeSettler(ctx context.Context, cfg *models.Config, payouts escrow.Payouts) (escrow.FeeSettler, error) {
	switch cfg.Escrow.FeeSettlementBackend {
	case "prime":
		zap.L().Info("Settling platform fees to Coinbase Prime treasury")
		settler, err := prime.NewService(ctx, cfg.Prime)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize prime fee settler: %w", err)
		}
		return settler, nil
	default:
		if cfg.PayPal.PlatformFeeEmail == "" {
			zap.L().Warn("PLATFORM_FEE_PAYPAL_EMAIL not set, platform fees will not be collected")
			return nil, nil
		}
		return escrow.NewPayPalFeeSettler(payouts, cfg.PayPal.PlatformFeeEmail, cfg.Escrow.Currency), nil
	}
}

// InitializeDatabaseOnly initializes just the database service without the
// payment gateway. Useful for read-only operations like balance reports.
func InitializeDatabaseOnly(ctx context.Context, cfg *models.Config) (*database.Service, error) {
	return database.NewService(ctx, cfg.Database)
}

// NewHandler builds the HTTP handler over the wired services.
func (cs *Services) NewHandler() *api.Handler {
	return api.NewHandler(api.NewLedgerService(cs.DbService), cs.Funding, cs.Settlement, cs.Withdrawals, cs.Webhooks)
}

func (cs *Services) Close() {
	if cs.Publisher != nil {
		cs.Publisher.Close()
	}
	if cs.DbService != nil {
		cs.DbService.Close()
	}
}

func isIgnorableSyncError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "sync /dev/stderr: inappropriate ioctl for device") ||
		strings.Contains(msg, "sync /dev/stdout: inappropriate ioctl for device")
}
