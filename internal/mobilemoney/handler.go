package mobilemoney

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/nfcpay/cardledger/internal/ledger"
)

// Applier is the part of the ledger service the webhook needs.
type Applier interface {
	Apply(ctx context.Context, in ledger.Intent) (ledger.Result, error)
}

// Handler accepts mobile money provider callbacks and credits cards.
type Handler struct {
	ledger Applier
	secret []byte
	logger *slog.Logger
}

// NewHandler constructs a webhook handler. An empty secret disables signature
// checks and is only accepted by config in development.
func NewHandler(applier Applier, secret string, logger *slog.Logger) *Handler {
	return &Handler{ledger: applier, secret: []byte(secret), logger: logger}
}

// Callback handles POST /webhooks/mobile-money.
func (h *Handler) Callback(c *fiber.Ctx) error {
	body := c.Body()
	if len(h.secret) > 0 {
		if err := Verify(h.secret, body, c.Get(SignatureHeader)); err != nil {
			h.logger.WarnContext(c.UserContext(), "mobilemoney.callback rejected", slog.Any("error", err), slog.String("ip", c.IP()))
			return fiber.NewError(http.StatusUnauthorized, err.Error())
		}
	}

	var cb Callback
	if err := json.Unmarshal(body, &cb); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid callback payload")
	}
	outcome, err := cb.Outcome()
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	logAttrs := []any{
		slog.String("provider", cb.Provider),
		slog.String("provider_tx", cb.TransactionID),
		slog.String("status", cb.Status),
	}
	if outcome != OutcomeCredit {
		h.logger.InfoContext(c.UserContext(), "mobilemoney.callback acknowledged without credit", logAttrs...)
		return c.Status(http.StatusOK).JSON(fiber.Map{"status": "acknowledged", "credited": false})
	}

	in, err := cb.Intent()
	if err != nil {
		return fiber.NewError(ledger.StatusCode(err), err.Error())
	}
	res, err := h.ledger.Apply(c.UserContext(), in)
	if err != nil {
		code := ledger.StatusCode(err)
		if code == http.StatusServiceUnavailable {
			c.Set(fiber.HeaderRetryAfter, "1")
		}
		h.logger.WarnContext(c.UserContext(), "mobilemoney.callback not credited", append(logAttrs, slog.Any("error", err))...)
		if code == http.StatusInternalServerError {
			return fiber.NewError(code, "internal error")
		}
		if errors.Is(err, ledger.ErrDuplicateReference) {
			return fiber.NewError(code, "provider transaction already credited with different parameters")
		}
		return fiber.NewError(code, err.Error())
	}

	return c.Status(http.StatusOK).JSON(fiber.Map{
		"status":      "acknowledged",
		"credited":    true,
		"replayed":    res.Replayed,
		"transaction": res.Record,
	})
}
