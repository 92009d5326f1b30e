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
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"bounty-escrow-go/internal/api"
	"bounty-escrow-go/internal/common"
	"bounty-escrow-go/internal/config"
	"bounty-escrow-go/internal/scheduler"

	"go.uber.org/zap"
)

func main() {
	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("Failed to load configuration", zap.Error(err))
	}
	if cfg.Auth.JWTSecret == "" {
		zap.L().Fatal("JWT_SECRET must be set")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	zap.L().Info("Starting bounty escrow server",
		zap.String("addr", cfg.Server.Addr),
		zap.String("journal_backend", cfg.Escrow.JournalBackend),
		zap.String("fee_settlement_backend", cfg.Escrow.FeeSettlementBackend))

	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	var cronScheduler *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		cronScheduler = scheduler.NewScheduler(services.Jobs, cfg.Scheduler)
		if err := cronScheduler.Start(); err != nil {
			zap.L().Fatal("Failed to start scheduler", zap.Error(err))
		}
	} else {
		zap.L().Info("Background jobs disabled")
	}

	router := api.NewRouter(services.NewHandler(), cfg.Auth, []string{cfg.PayPal.FrontendURL})
	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()
	zap.L().Info("Server listening", zap.String("addr", cfg.Server.Addr))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		zap.L().Info("Shutdown signal received, stopping server...")
	case err := <-serverErr:
		zap.L().Error("Server stopped unexpectedly", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		zap.L().Warn("Forced shutdown after timeout", zap.Error(err))
	}

	if cronScheduler != nil {
		select {
		case <-cronScheduler.Stop().Done():
			zap.L().Info("Background jobs stopped")
		case <-shutdownCtx.Done():
			zap.L().Warn("Background jobs still running at shutdown")
		}
	}

	zap.L().Info("Server stopped")
}
