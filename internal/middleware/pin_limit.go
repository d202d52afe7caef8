package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nfcpay/cardledger/internal/card"
)

const pinAttemptPrefix = "rl:pin:"

// PINAttemptLimit counts wrong-PIN answers per card in Redis and refuses PIN
// requests for that card with 429 once maxFailures is reached within window.
// A request that gets past PIN verification clears the counter. Without Redis
// it is a no-op.
func PINAttemptLimit(cache *redis.Client, maxFailures int, window time.Duration, logger *slog.Logger) fiber.Handler {
	if maxFailures <= 0 {
		maxFailures = 3
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	return func(c *fiber.Ctx) error {
		if cache == nil {
			return c.Next()
		}
		var req struct {
			CardUID string `json:"card_uid"`
			PIN     string `json:"pin"`
		}
		_ = c.BodyParser(&req)
		uid := card.NormalizeUID(req.CardUID)
		if uid == "" || req.PIN == "" {
			return c.Next()
		}
		key := pinAttemptPrefix + uid

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		failures, err := cache.Get(ctx, key).Int()
		if err != nil && !errors.Is(err, redis.Nil) {
			logger.Warn("pin limiter lookup failed", slog.String("card_uid", uid), slog.Any("error", err))
			return c.Next() // fail-open on cache errors
		}
		if failures >= maxFailures {
			return fiber.NewError(http.StatusTooManyRequests, "too many wrong PIN attempts, try again later")
		}

		err = c.Next()

		var fe *fiber.Error
		switch {
		case errors.As(err, &fe) && fe.Code == http.StatusForbidden && strings.Contains(fe.Message, card.ErrInvalidPIN.Error()):
			pipe := cache.TxPipeline()
			incr := pipe.Incr(ctx, key)
			pipe.Expire(ctx, key, window)
			if _, perr := pipe.Exec(ctx); perr != nil {
				logger.Warn("pin limiter update failed", slog.String("card_uid", uid), slog.Any("error", perr))
			} else if incr.Val() >= int64(maxFailures) {
				logger.Warn("card pin attempts exhausted", slog.String("card_uid", uid), slog.Int64("failures", incr.Val()))
			}
		case err == nil && failures > 0:
			cache.Del(ctx, key)
		}
		return err
	}
}
