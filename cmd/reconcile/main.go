package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"bounty-escrow-go/internal/common"
	"bounty-escrow-go/internal/config"
	"bounty-escrow-go/internal/formance"
	"bounty-escrow-go/internal/models"
	"bounty-escrow-go/internal/scheduler"

	"go.uber.org/zap"
)

func printReport(report models.ReconciliationReport, currency string, isLast bool) {
	fmt.Printf("%s %-50s stored %14s  expected %14s  diff %12s\n",
		common.BoxPrefix(isLast),
		report.Subject,
		common.FormatMoney(report.Stored, currency),
		common.FormatMoney(report.Expected, currency),
		report.Difference.StringFixed(2))
}

func main() {
	logger, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	repairProject := flag.String("repair-project", "", "Correct the remaining bounty of one project after review (optional)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	ctx := context.Background()

	logger.Info("Connecting to database", zap.String("path", cfg.Database.Path))
	dbService, err := common.InitializeDatabaseOnly(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer dbService.Close()

	if *repairProject != "" {
		report, err := dbService.ReconcileProjectBounty(ctx, *repairProject, true)
		if err != nil {
			logger.Fatal("Repair failed", zap.String("project_id", *repairProject), zap.Error(err))
		}
		common.PrintHeader("PROJECT BOUNTY REPAIR", common.WideWidth)
		printReport(*report, cfg.Escrow.Currency, true)
		common.PrintFooter("Repair applied", common.WideWidth)
		return
	}

	var mirror scheduler.MirrorComparer
	if cfg.Escrow.JournalBackend == "formance" {
		formanceService, err := formance.NewService(ctx, cfg.Formance, cfg.Escrow.Currency)
		if err != nil {
			logger.Fatal("Failed to initialize Formance mirror", zap.Error(err))
		}
		mirror = formanceService
	}

	jobs := scheduler.NewJobs(dbService, nil, mirror, nil)
	summary, err := jobs.Reconcile(ctx)
	if err != nil {
		logger.Fatal("Reconciliation failed", zap.Error(err))
	}

	common.PrintHeader("LEDGER RECONCILIATION", common.WideWidth)
	if len(summary.Mismatches) == 0 {
		fmt.Println("No mismatches")
	}
	for i, report := range summary.Mismatches {
		printReport(report, cfg.Escrow.Currency, i == len(summary.Mismatches)-1)
	}
	common.PrintFooter(fmt.Sprintf("SUMMARY: %d projects, %d users, %d mismatches, %d errors",
		summary.Projects, summary.Users, len(summary.Mismatches), summary.Errors), common.WideWidth)

	if len(summary.Mismatches) > 0 || summary.Errors > 0 {
		os.Exit(1)
	}
}
