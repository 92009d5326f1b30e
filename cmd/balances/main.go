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

package main

import (
	"context"
	"flag"
	"fmt"

	"bounty-escrow-go/internal/api"
	"bounty-escrow-go/internal/common"
	"bounty-escrow-go/internal/config"
	"bounty-escrow-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type balanceStats struct {
	totalUsers        int
	usersWithBalances int
	totalCredits      decimal.Decimal
	pendingPayouts    int
}

func printTransaction(tx models.Transaction, currency string, isLast bool) {
	fmt.Printf("%s %-18s %14s  ref: %-11s %s\n",
		common.BoxPrefix(isLast),
		tx.TransactionType,
		common.FormatMoney(tx.Amount, currency),
		common.ShortId(tx.Reference),
		tx.CreatedAt.Format("2006-01-02 15:04:05"))
}

func printUser(summary *models.BalanceSummary, currency string) int {
	user := summary.User
	fmt.Printf("\n┌─ User: %s (%s, %s)\n", user.Name, user.Email, user.Role)
	fmt.Printf("│  ID: %s\n", user.Id)
	fmt.Printf("│  Balance: %s   Earnings: %s   Acquired: %s\n",
		common.FormatMoney(user.Balance, currency),
		common.FormatMoney(user.TotalEarnings, currency),
		common.FormatMoney(user.TotalCreditsAcquired, currency))

	open := 0
	for _, w := range summary.Withdrawals {
		if w.Status == models.WithdrawalStatusPending || w.Status == models.WithdrawalStatusProcessing {
			open++
		}
	}
	fmt.Printf("│  Withdrawals: %d (%d open)\n", len(summary.Withdrawals), open)
	common.PrintBoxSeparator(78)

	for i, tx := range summary.Transactions {
		printTransaction(tx, currency, i == len(summary.Transactions)-1)
	}
	return open
}

func main() {
	ctx := context.Background()

	logger, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	emailFlag := flag.String("email", "", "Filter by specific user email (optional)")
	roleFlag := flag.String("role", "", "Filter by role: developer, tester or admin (optional)")
	historyFlag := flag.Int("history", 10, "Recent transactions to show per user")
	flag.Parse()

	if *roleFlag != "" && !common.ValidRole(*roleFlag) {
		logger.Fatal("Invalid role", zap.String("role", *roleFlag))
	}

	logger.Info("Starting balance query")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	logger.Info("Connecting to database", zap.String("path", cfg.Database.Path))
	dbService, err := common.InitializeDatabaseOnly(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer dbService.Close()

	users, err := common.SelectUsers(ctx, dbService, *emailFlag, *roleFlag)
	if err != nil {
		logger.Fatal("Failed to select users", zap.Error(err))
	}

	ledger := api.NewLedgerService(dbService)
	common.PrintHeader("USER BALANCE REPORT", common.DefaultWidth)

	stats := balanceStats{totalCredits: decimal.Zero}
	for _, user := range users {
		stats.totalUsers++
		summary, err := ledger.GetBalanceSummary(ctx, user.Id, *historyFlag, 0)
		if err != nil {
			logger.Error("Failed to load balance summary",
				zap.String("user_id", user.Id),
				zap.String("user_name", user.Name),
				zap.Error(err))
			continue
		}
		if summary.User.Balance.IsPositive() {
			stats.usersWithBalances++
			stats.totalCredits = stats.totalCredits.Add(summary.User.Balance)
		}
		stats.pendingPayouts += printUser(summary, cfg.Escrow.Currency)
	}

	footer := fmt.Sprintf("SUMMARY: %d of %d users hold %s, %d open withdrawals",
		stats.usersWithBalances, stats.totalUsers, common.FormatMoney(stats.totalCredits, cfg.Escrow.Currency), stats.pendingPayouts)
	common.PrintFooter(footer, common.DefaultWidth)

	logger.Info("Balance query completed",
		zap.Int("users_queried", stats.totalUsers),
		zap.Int("users_with_balances", stats.usersWithBalances),
		zap.String("total_credits", stats.totalCredits.String()))
}
