package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/nfcpay/cardledger/internal/ledger"
)

// RegisterCardRoutes wires card issuance, lookup and lifecycle endpoints.
func RegisterCardRoutes(r fiber.Router, h *ledger.Handler) {
	r.Post("/cards", h.IssueCard)
	r.Get("/cards/:uid", h.Card)
	r.Get("/cards/:uid/transactions", h.Transactions)
	r.Get("/cards/:uid/audit", h.Audit)
	r.Post("/cards/:uid/status", h.SetStatus)
	r.Put("/cards/:uid/pin", h.SetPIN)
}
