package ledger

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/nfcpay/cardledger/internal/card"
	"github.com/nfcpay/cardledger/internal/lock"
	"github.com/nfcpay/cardledger/internal/money"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 500
)

// Handler exposes card and transaction endpoints.
type Handler struct {
	service *Service
}

// NewHandler builds a ledger HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type issueRequest struct {
	UID            string `json:"uid"`
	CustomerID     string `json:"customer_id"`
	Currency       string `json:"currency"`
	DailyLimit     int64  `json:"daily_limit"`
	InitialBalance int64  `json:"initial_balance"`
	PIN            string `json:"pin"`
}

type statusRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

type pinRequest struct {
	PIN string `json:"pin"`
}

type transactionRequest struct {
	Kind               string            `json:"kind"`
	CardUID            string            `json:"card_uid"`
	Amount             int64             `json:"amount"`
	Currency           string            `json:"currency"`
	Reference          string            `json:"reference"`
	TargetID           string            `json:"target_id"`
	PIN                string            `json:"pin"`
	DailyLimitOverride *int64            `json:"daily_limit_override"`
	Metadata           map[string]string `json:"metadata"`
}

// IssueCard registers a new card.
func (h *Handler) IssueCard(c *fiber.Ctx) error {
	var req issueRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	acct, err := h.service.IssueCard(c.UserContext(), card.IssueInput{
		UID:            req.UID,
		CustomerID:     req.CustomerID,
		Currency:       req.Currency,
		DailyLimit:     req.DailyLimit,
		InitialBalance: req.InitialBalance,
		PIN:            req.PIN,
	})
	if err != nil {
		return toHTTPError(c, err)
	}
	return c.Status(http.StatusCreated).JSON(acct)
}

// Card returns the card state with its most recent transactions.
func (h *Handler) Card(c *fiber.Ctx) error {
	acct, err := h.service.Card(c.UserContext(), c.Params("uid"))
	if err != nil {
		return toHTTPError(c, err)
	}
	recent, err := h.service.History(c.UserContext(), acct.UID, 10)
	if err != nil {
		return toHTTPError(c, err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"card":                acct,
		"recent_transactions": nonNil(recent),
	})
}

// Transactions lists a card's transactions, newest first.
func (h *Handler) Transactions(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", defaultHistoryLimit)
	if limit <= 0 || limit > maxHistoryLimit {
		return fiber.NewError(http.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(maxHistoryLimit))
	}
	recs, err := h.service.History(c.UserContext(), c.Params("uid"), limit)
	if err != nil {
		return toHTTPError(c, err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"transactions": nonNil(recs)})
}

// Audit replays the card's transactions and reports discrepancies.
func (h *Handler) Audit(c *fiber.Ctx) error {
	report, err := h.service.Audit(c.UserContext(), c.Params("uid"))
	if err != nil {
		return toHTTPError(c, err)
	}
	return c.Status(http.StatusOK).JSON(report)
}

// SetStatus changes the card status.
func (h *Handler) SetStatus(c *fiber.Ctx) error {
	var req statusRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	acct, err := h.service.SetStatus(c.UserContext(), c.Params("uid"), card.Status(req.Status), req.Reason)
	if err != nil {
		return toHTTPError(c, err)
	}
	return c.Status(http.StatusOK).JSON(acct)
}

// SetPIN replaces the card PIN.
func (h *Handler) SetPIN(c *fiber.Ctx) error {
	var req pinRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if err := h.service.SetPIN(c.UserContext(), c.Params("uid"), req.PIN); err != nil {
		if errors.Is(err, card.ErrInvalidPIN) {
			return fiber.NewError(http.StatusBadRequest, "pin must be 4 to 6 digits")
		}
		return toHTTPError(c, err)
	}
	return c.SendStatus(http.StatusNoContent)
}

// CreateTransaction applies a purchase, top-up, refund or reversal. A replay of
// an already committed reference answers 200 with the original record.
func (h *Handler) CreateTransaction(c *fiber.Ctx) error {
	var req transactionRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	in := Intent{
		CardUID:   req.CardUID,
		Kind:      Kind(req.Kind),
		Amount:    money.New(req.Amount, req.Currency),
		Reference: req.Reference,
		TargetID:  req.TargetID,
		Metadata:  req.Metadata,
	}
	if req.DailyLimitOverride != nil {
		override := money.New(*req.DailyLimitOverride, req.Currency)
		in.DailyLimitOverride = &override
	}
	if req.PIN != "" {
		if err := h.service.VerifyPIN(c.UserContext(), req.CardUID, req.PIN); err != nil {
			return toHTTPError(c, err)
		}
		in.PINVerified = true
	}

	res, err := h.service.Apply(c.UserContext(), in)
	if err != nil {
		return toHTTPError(c, err)
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	return c.Status(status).JSON(res)
}

// TransactionByReference re-queries a transaction by its external reference.
func (h *Handler) TransactionByReference(c *fiber.Ctx) error {
	rec, err := h.service.ByReference(c.UserContext(), c.Params("ref"))
	if err != nil {
		return toHTTPError(c, err)
	}
	return c.Status(http.StatusOK).JSON(rec)
}

// StatusCode maps ledger errors to HTTP status codes.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, ErrInsufficientBalance), errors.Is(err, ErrDailyLimitExceeded):
		return http.StatusPaymentRequired
	case errors.Is(err, ErrCardBlocked), errors.Is(err, ErrUnauthorized),
		errors.Is(err, card.ErrInvalidPIN), errors.Is(err, card.ErrNoPIN):
		return http.StatusForbidden
	case errors.Is(err, ErrCardNotFound), errors.Is(err, ErrTransactionNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrDuplicateReference), errors.Is(err, ErrCardExists):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidRefundTarget), errors.Is(err, ErrInvalidReversalTarget),
		errors.Is(err, ErrRefundExceedsOriginal), errors.Is(err, ErrTopUpLimitExceeded),
		errors.Is(err, card.ErrInvalidStatusTransition):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrInvalidIntent), errors.Is(err, ErrCurrencyMismatch),
		errors.Is(err, money.ErrInvalidCurrency), errors.Is(err, money.ErrInvalidAmount),
		errors.Is(err, card.ErrInvalidCard):
		return http.StatusBadRequest
	case errors.Is(err, lock.ErrLockTimeout), errors.Is(err, ErrConcurrentUpdate):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func toHTTPError(c *fiber.Ctx, err error) error {
	code := StatusCode(err)
	if code == http.StatusServiceUnavailable {
		c.Set(fiber.HeaderRetryAfter, "1")
	}
	if code == http.StatusInternalServerError {
		return fiber.NewError(code, "internal error")
	}
	return fiber.NewError(code, err.Error())
}

func nonNil(recs []Record) []Record {
	if recs == nil {
		return []Record{}
	}
	return recs
}
