package notification

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Event describes one committed ledger operation.
type Event struct {
	Type           string    `json:"type"`
	TransactionID  int64     `json:"transactionId"`
	UserID         int64     `json:"userId"`
	AssetTypeID    int64     `json:"assetTypeId"`
	Amount         int64     `json:"amount"`
	IdempotencyKey string    `json:"idempotencyKey"`
	OccurredAt     time.Time `json:"occurredAt"`
}

// Notifier delivers ledger events to downstream systems. Delivery happens after commit
// and is best effort: a failure never undoes the ledger operation.
type Notifier interface {
	Publish(ctx context.Context, event Event) error
}

// LoggerNotifier writes events to the structured logger.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Publish writes the event to the structured logger.
func (n *LoggerNotifier) Publish(ctx context.Context, event Event) error {
	if n == nil || n.logger == nil {
		return nil
	}
	n.logger.InfoContext(ctx, "ledger event",
		slog.String("type", event.Type),
		slog.Int64("transaction_id", event.TransactionID),
		slog.Int64("user_id", event.UserID),
		slog.Int64("asset_type_id", event.AssetTypeID),
		slog.Int64("amount", event.Amount))
	return nil
}

// Fanout publishes to every notifier and joins their errors.
type Fanout []Notifier

func (f Fanout) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, n := range f {
		if n == nil {
			continue
		}
		if err := n.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
