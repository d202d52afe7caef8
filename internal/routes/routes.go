package routes

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/nfcpay/cardledger/internal/config"
	"github.com/nfcpay/cardledger/internal/ledger"
	"github.com/nfcpay/cardledger/internal/metrics"
	"github.com/nfcpay/cardledger/internal/middleware"
	"github.com/nfcpay/cardledger/internal/mobilemoney"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg     config.Config
	DB      *pgxpool.Pool
	Cache   *redis.Client
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Ledger  *ledger.Service
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) error {
	// Enforce DB/Redis presence outside of dev, even though config also checks.
	if !d.Cfg.IsDevelopment() {
		if d.DB == nil {
			return fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}
	if d.Ledger == nil {
		return fmt.Errorf("ledger service is required")
	}

	// Middlewares
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	if d.Cfg.AppEnv == "development" {
		// Plain text access log in desired format: [HH:MM:SS] 200 -  145ms METHOD /path
		app.Use(logger.New(logger.Config{
			Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
			TimeFormat: "15:04:05",
			TimeZone:   "Local",
		}))
	}
	app.Use(middleware.Audit(d.Logger))

	// Health and metrics
	RegisterHealthRoutes(app, d)

	ledgerHandler := ledger.NewHandler(d.Ledger)
	webhookHandler := mobilemoney.NewHandler(d.Ledger, d.Cfg.MobileMoneySecret, d.Logger)

	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": middleware.RequestIDFrom(c),
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	RegisterWebhookRoutes(api, webhookHandler)

	idempotent := api.Group("", middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger))
	RegisterCardRoutes(idempotent, ledgerHandler)
	pinLimiter := middleware.PINAttemptLimit(d.Cache, d.Cfg.PINMaxFailures, d.Cfg.PINAttemptWindow, d.Logger)
	RegisterTransactionRoutes(idempotent, ledgerHandler, pinLimiter)

	return nil
}
