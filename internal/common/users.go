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

package common

import (
	"context"
	"fmt"

	"bounty-escrow-go/internal/models"
	"bounty-escrow-go/internal/store"

	"go.uber.org/zap"
)

// SelectUsers returns the users a report should cover. An email selects a
// single user; otherwise every user, optionally narrowed to one role.
func SelectUsers(ctx context.Context, ledger store.LedgerStore, email, role string) ([]models.User, error) {
	if email != "" {
		zap.L().Info("Looking up user by email", zap.String("email", email))
		user, err := ledger.GetUserByEmail(ctx, email)
		if err != nil {
			return nil, fmt.Errorf("user not found: %w", err)
		}
		return []models.User{*user}, nil
	}

	all, err := ledger.GetUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get users: %w", err)
	}
	if role == "" {
		return all, nil
	}

	var users []models.User
	for _, u := range all {
		if u.Role == role {
			users = append(users, u)
		}
	}
	zap.L().Info("Selected users", zap.String("role", role), zap.Int("count", len(users)))
	return users, nil
}

// ValidRole reports whether role is one of the platform roles.
func ValidRole(role string) bool {
	switch role {
	case models.RoleDeveloper, models.RoleTester, models.RoleAdmin:
		return true
	}
	return false
}
