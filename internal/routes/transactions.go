package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/nfcpay/cardledger/internal/ledger"
)

// RegisterTransactionRoutes wires the apply endpoint and reference lookup.
// pinLimiter guards only the apply endpoint.
func RegisterTransactionRoutes(r fiber.Router, h *ledger.Handler, pinLimiter fiber.Handler) {
	r.Post("/transactions", pinLimiter, h.CreateTransaction)
	r.Get("/transactions/reference/:ref", h.TransactionByReference)
}
