package events

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nfcpay/cardledger/internal/metrics"
	"github.com/nfcpay/cardledger/internal/notification"
)

// Deliverer publishes an event and sends the matching cardholder notification.
type Deliverer struct {
	publisher Publisher
	notifier  notification.Notifier
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewDeliverer builds a Deliverer. notifier and m may be nil.
func NewDeliverer(publisher Publisher, notifier notification.Notifier, m *metrics.Metrics, logger *slog.Logger) *Deliverer {
	return &Deliverer{publisher: publisher, notifier: notifier, metrics: m, logger: logger}
}

// Deliver publishes ev, then notifies the cardholder. A publish failure is
// returned so the caller can retry; notification failures are only logged.
func (d *Deliverer) Deliver(ctx context.Context, ev Event) error {
	err := d.publisher.Publish(ctx, ev)
	d.metrics.ObserveEvent("publisher", err)
	if err != nil {
		return err
	}

	if d.notifier == nil || ev.CustomerID == "" {
		return nil
	}
	msg := notification.Message{Destination: ev.CustomerID}
	switch ev.Type {
	case TypeTransactionCompleted:
		msg.Kind = notification.KindReceipt
		msg.Body = fmt.Sprintf("Card %s: %s %s, balance %s", maskUID(ev.CardUID), ev.Kind, ev.Amount, ev.BalanceAfter)
	case TypeLowBalance:
		msg.Kind = notification.KindLowBalance
		msg.Body = fmt.Sprintf("Card %s balance is low: %s", maskUID(ev.CardUID), ev.BalanceAfter)
	default:
		return nil
	}
	err = d.notifier.Send(ctx, msg)
	d.metrics.ObserveEvent("notifier", err)
	if err != nil {
		d.logger.WarnContext(ctx, "notification failed",
			slog.String("event_id", ev.ID), slog.String("kind", msg.Kind), slog.Any("error", err))
	}
	return nil
}

func maskUID(uid string) string {
	if len(uid) <= 4 {
		return uid
	}
	return "****" + uid[len(uid)-4:]
}
