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

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"bounty-escrow-go/internal/models"
	"bounty-escrow-go/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func (s *Service) GetUsers(ctx context.Context) ([]models.User, error) {
	zap.L().Debug("Querying users")

	rows, err := s.db.QueryContext(ctx, queryGetUsers)
	if err != nil {
		zap.L().Error("Failed to query users", zap.Error(err))
		return nil, fmt.Errorf("unable to query users: %w", err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			zap.L().Warn("Failed to close rows", zap.Error(err))
		}
	}(rows)

	var users []models.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			zap.L().Error("Failed to scan user row", zap.Error(err))
			return nil, fmt.Errorf("unable to scan user row: %w", err)
		}
		users = append(users, *user)
	}

	if err := rows.Err(); err != nil {
		zap.L().Error("Error during user row iteration", zap.Error(err))
		return nil, fmt.Errorf("error iterating user rows: %w", err)
	}

	zap.L().Info("Retrieved users", zap.Int("count", len(users)))
	return users, nil
}

func (s *Service) GetUserById(ctx context.Context, userId string) (*models.User, error) {
	return getUser(ctx, s.db, queryGetUserById, userId)
}

func (s *Service) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return getUser(ctx, s.db, queryGetUserByEmail, email)
}

func getUser(ctx context.Context, q queryer, query, key string) (*models.User, error) {
	user, err := scanUser(q.QueryRowContext(ctx, query, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: user %s", store.ErrNotFound, key)
		}
		zap.L().Error("Failed to query user", zap.String("key", key), zap.Error(err))
		return nil, fmt.Errorf("unable to query user: %w", err)
	}
	return user, nil
}

func (s *Service) CreateUser(ctx context.Context, params store.CreateUserParams) (*models.User, error) {
	switch params.Role {
	case models.RoleDeveloper, models.RoleTester, models.RoleAdmin:
	default:
		return nil, fmt.Errorf("unknown role %q", params.Role)
	}

	userId := uuid.New().String()
	now := time.Now().UTC()
	zap.L().Info("Creating user", zap.String("id", userId), zap.String("name", params.Name), zap.String("role", params.Role))

	if _, err := s.db.ExecContext(ctx, queryInsertUser, userId, params.Name, params.Email, params.Role, now, now); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("user with email %s already exists", params.Email)
		}
		zap.L().Error("Failed to insert user", zap.String("email", params.Email), zap.Error(err))
		return nil, fmt.Errorf("unable to insert user: %w", err)
	}

	zap.L().Info("User created successfully", zap.String("id", userId), zap.String("email", params.Email))
	return s.GetUserById(ctx, userId)
}

func (s *Service) SetPaypalEmail(ctx context.Context, userId, email string) error {
	result, err := s.db.ExecContext(ctx, querySetPaypalEmail, email, time.Now().UTC(), userId)
	if err != nil {
		return fmt.Errorf("unable to update paypal email: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("unable to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: user %s", store.ErrNotFound, userId)
	}
	return nil
}

func scanUser(row rowScanner) (*models.User, error) {
	var user models.User
	var balance, earnings, acquired int64
	err := row.Scan(&user.Id, &user.Name, &user.Email, &user.Role, &user.PaypalEmail,
		&balance, &earnings, &acquired, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return nil, err
	}
	user.Balance = fromCents(balance)
	user.TotalEarnings = fromCents(earnings)
	user.TotalCreditsAcquired = fromCents(acquired)
	return &user, nil
}
