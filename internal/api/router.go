package api

import (
	"time"

	"bounty-escrow-go/internal/models"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter registers the escrow routes. The PayPal webhook is outside bearer
// auth; it is authenticated by its signature.
func NewRouter(h *Handler, auth models.AuthConfig, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.handleHealth)
	r.Post("/v1/webhooks/paypal", h.handlePayPalWebhook)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(auth))

		r.Post("/v1/funding/orders", h.handleCreateFundingOrder)
		r.Post("/v1/funding/orders/{orderId}/capture", h.handleCaptureFundingOrder)
		r.Get("/v1/payments/history", h.handlePaymentHistory)

		r.Get("/v1/balance", h.handleMyBalance)
		r.Post("/v1/withdrawals", h.handleRequestWithdrawal)
		r.Get("/v1/withdrawals", h.handleListWithdrawals)

		r.Route("/v1/admin", func(r chi.Router) {
			r.Put("/bug-reports/{id}", h.handleSettleReward)
			r.Delete("/bug-reports/{id}", h.handleDeleteReport)
			r.Put("/withdrawals/{id}", h.handleProcessWithdrawal)
			r.Delete("/withdrawals/{id}", h.handleDeleteWithdrawal)
			r.Put("/users/{id}/balance", h.handleAdjustBalance)
		})
	})

	return r
}
