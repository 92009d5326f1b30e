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
	"net/mail"
	"strings"
	"time"

	"bounty-escrow-go/internal/api"
	"bounty-escrow-go/internal/common"
	"bounty-escrow-go/internal/config"
	"bounty-escrow-go/internal/store"

	"go.uber.org/zap"
)

func validateEmail(email string) error {
	if email == "" {
		return fmt.Errorf("email cannot be empty")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return fmt.Errorf("invalid email format: %s", email)
	}
	return nil
}

func validateName(name string) error {
	if len(strings.TrimSpace(name)) < 2 {
		return fmt.Errorf("name must be at least 2 characters")
	}
	return nil
}

func main() {
	ctx := context.Background()

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	nameFlag := flag.String("name", "", "User's full name (required)")
	emailFlag := flag.String("email", "", "User's email address (required)")
	roleFlag := flag.String("role", "tester", "Role: developer, tester or admin")
	paypalFlag := flag.String("paypal-email", "", "Saved PayPal payout email (optional)")
	tokenTTL := flag.Duration("token-ttl", 0, "Also issue a bearer token valid for this long (optional)")
	flag.Parse()

	if *nameFlag == "" || *emailFlag == "" {
		zap.L().Fatal("Both flags are required: --name and --email")
	}
	if err := validateName(*nameFlag); err != nil {
		zap.L().Fatal("Invalid name", zap.Error(err))
	}
	if err := validateEmail(*emailFlag); err != nil {
		zap.L().Fatal("Invalid email", zap.Error(err))
	}
	if !common.ValidRole(*roleFlag) {
		zap.L().Fatal("Invalid role", zap.String("role", *roleFlag))
	}
	if *paypalFlag != "" {
		if err := validateEmail(*paypalFlag); err != nil {
			zap.L().Fatal("Invalid PayPal email", zap.Error(err))
		}
	}

	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("Failed to load config", zap.Error(err))
	}

	dbService, err := common.InitializeDatabaseOnly(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize database", zap.Error(err))
	}
	defer dbService.Close()

	user, err := dbService.CreateUser(ctx, store.CreateUserParams{
		Name:  *nameFlag,
		Email: *emailFlag,
		Role:  *roleFlag,
	})
	if err != nil {
		if strings.Contains(err.Error(), "already exists") {
			zap.L().Fatal("User already exists with this email", zap.String("email", *emailFlag))
		}
		zap.L().Fatal("Failed to create user", zap.Error(err))
	}

	if *paypalFlag != "" {
		if err := dbService.SetPaypalEmail(ctx, user.Id, *paypalFlag); err != nil {
			zap.L().Fatal("Failed to save PayPal email", zap.Error(err))
		}
	}

	common.PrintHeader("USER CREATED", common.DefaultWidth)
	fmt.Printf("ID:     %s\n", user.Id)
	fmt.Printf("Name:   %s\n", user.Name)
	fmt.Printf("Email:  %s\n", user.Email)
	fmt.Printf("Role:   %s\n", user.Role)
	if *paypalFlag != "" {
		fmt.Printf("PayPal: %s\n", *paypalFlag)
	}

	if *tokenTTL > 0 {
		token, err := api.IssueToken(cfg.Auth, user.Id, user.Role, *tokenTTL)
		if err != nil {
			zap.L().Fatal("Failed to issue token", zap.Error(err))
		}
		fmt.Printf("Token (expires %s):\n%s\n", time.Now().Add(*tokenTTL).Format(time.RFC3339), token)
	}
	common.PrintSeparator("=", common.DefaultWidth)

	zap.L().Info("User created successfully", zap.String("id", user.Id), zap.String("role", user.Role))
}
