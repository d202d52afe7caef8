package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/nfcpay/cardledger/internal/mobilemoney"
)

// RegisterWebhookRoutes wires provider callbacks. They sit outside the
// Idempotency-Key middleware: providers dedupe by their own transaction id.
func RegisterWebhookRoutes(r fiber.Router, h *mobilemoney.Handler) {
	r.Post("/webhooks/mobile-money", h.Callback)
}
