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

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"bounty-escrow-go/internal/models"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"
)

// EscrowPolicy is the optional YAML override for money rules. Empty fields
// keep the value already loaded from the environment.
type EscrowPolicy struct {
	PlatformFeePercentage string `yaml:"platform_fee_percentage"`
	MinimumBudget         string `yaml:"minimum_budget"`
	Currency              string `yaml:"currency"`
	CreditsPerUSD         string `yaml:"credits_per_usd"`
	PendingOrderTTL       string `yaml:"pending_order_ttl"`
	Withdrawals           struct {
		MinCredits string `yaml:"min_credits"`
		MaxCredits string `yaml:"max_credits"`
	} `yaml:"withdrawals"`
}

func LoadEscrowPolicy(policyFile string) (*EscrowPolicy, error) {
	var policyPath string
	if filepath.IsAbs(policyFile) {
		policyPath = policyFile
	} else {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		policyPath = filepath.Join(wd, policyFile)
	}

	data, err := os.ReadFile(policyPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read %s: %w", policyFile, err)
	}

	var policy EscrowPolicy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("unable to parse %s: %w", policyFile, err)
	}

	return &policy, nil
}

// ApplyEscrowPolicy loads policyFile and overlays its values onto cfg.
func ApplyEscrowPolicy(policyFile string, cfg *models.EscrowConfig) error {
	policy, err := LoadEscrowPolicy(policyFile)
	if err != nil {
		return err
	}

	decimals := []struct {
		name  string
		raw   string
		field *decimal.Decimal
	}{
		{"platform_fee_percentage", policy.PlatformFeePercentage, &cfg.PlatformFeePercentage},
		{"minimum_budget", policy.MinimumBudget, &cfg.MinimumBudget},
		{"credits_per_usd", policy.CreditsPerUSD, &cfg.CreditsPerUSD},
		{"withdrawals.min_credits", policy.Withdrawals.MinCredits, &cfg.MinWithdrawalCredits},
		{"withdrawals.max_credits", policy.Withdrawals.MaxCredits, &cfg.MaxWithdrawalCredits},
	}
	for _, d := range decimals {
		if d.raw == "" {
			continue
		}
		value, err := decimal.NewFromString(d.raw)
		if err != nil {
			return fmt.Errorf("invalid %s in %s: %q (%w)", d.name, policyFile, d.raw, err)
		}
		*d.field = value
	}

	if policy.Currency != "" {
		cfg.Currency = policy.Currency
	}
	if policy.PendingOrderTTL != "" {
		ttl, err := time.ParseDuration(policy.PendingOrderTTL)
		if err != nil {
			return fmt.Errorf("invalid pending_order_ttl in %s: %q (%w)", policyFile, policy.PendingOrderTTL, err)
		}
		cfg.PendingOrderTTL = ttl
	}

	return nil
}
