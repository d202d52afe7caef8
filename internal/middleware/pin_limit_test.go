package middleware

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nfcpay/cardledger/internal/card"
	"github.com/nfcpay/cardledger/internal/logging"
)

func setupPINApp(t *testing.T) (*fiber.App, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		cache.Close()
		mr.Close()
	})

	app := fiber.New()
	app.Post("/transactions", PINAttemptLimit(cache, 3, time.Minute, logging.Discard()), func(c *fiber.Ctx) error {
		var req struct {
			PIN string `json:"pin"`
		}
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if req.PIN != "1234" {
			return fiber.NewError(fiber.StatusForbidden, card.ErrInvalidPIN.Error())
		}
		return c.SendStatus(fiber.StatusCreated)
	})
	return app, mr
}

func tap(t *testing.T, app *fiber.App, body string) int {
	t.Helper()
	req := httptest.NewRequest(fiber.MethodPost, "/transactions", strings.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func TestPINAttemptLimitBlocksAfterFailures(t *testing.T) {
	app, mr := setupPINApp(t)

	for i := 0; i < 3; i++ {
		if status := tap(t, app, `{"card_uid":"04:a1:b2","pin":"0000"}`); status != fiber.StatusForbidden {
			t.Fatalf("attempt %d: expected 403 got %d", i+1, status)
		}
	}
	if status := tap(t, app, `{"card_uid":"04A1B2","pin":"1234"}`); status != fiber.StatusTooManyRequests {
		t.Fatalf("expected 429 after three failures, got %d", status)
	}
	if ttl := mr.TTL(pinAttemptPrefix + "04A1B2"); ttl <= 0 {
		t.Fatalf("expected counter to expire, ttl %v", ttl)
	}

	// Other cards are unaffected.
	if status := tap(t, app, `{"card_uid":"04FFFF","pin":"1234"}`); status != fiber.StatusCreated {
		t.Fatalf("expected 201 for another card, got %d", status)
	}

	mr.FastForward(2 * time.Minute)
	if status := tap(t, app, `{"card_uid":"04A1B2","pin":"1234"}`); status != fiber.StatusCreated {
		t.Fatalf("expected 201 after window, got %d", status)
	}
}

func TestPINAttemptLimitResetsOnSuccess(t *testing.T) {
	app, mr := setupPINApp(t)

	tap(t, app, `{"card_uid":"04A1B2","pin":"0000"}`)
	tap(t, app, `{"card_uid":"04A1B2","pin":"0000"}`)
	if status := tap(t, app, `{"card_uid":"04A1B2","pin":"1234"}`); status != fiber.StatusCreated {
		t.Fatalf("expected 201 got %d", status)
	}
	if mr.Exists(pinAttemptPrefix + "04A1B2") {
		t.Fatal("expected counter cleared after a correct PIN")
	}
}

func TestPINAttemptLimitIgnoresRequestsWithoutPIN(t *testing.T) {
	app, mr := setupPINApp(t)
	if status := tap(t, app, `{"card_uid":"04A1B2"}`); status != fiber.StatusForbidden {
		t.Fatalf("expected handler 403 got %d", status)
	}
	if mr.Exists(pinAttemptPrefix + "04A1B2") {
		t.Fatal("requests without a PIN must not count")
	}
}

func TestPINAttemptLimitWithoutRedis(t *testing.T) {
	app := fiber.New()
	app.Post("/x", PINAttemptLimit(nil, 1, time.Minute, logging.Discard()), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})
	req := httptest.NewRequest(fiber.MethodPost, "/x", strings.NewReader(`{"card_uid":"A","pin":"1"}`))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected pass-through, got %d", resp.StatusCode)
	}
}
