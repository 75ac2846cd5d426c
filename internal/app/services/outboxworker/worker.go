// Package outboxworker drains the notification outbox. State transitions
// only enqueue intents; this worker owns delivery, retries, and rate
// limiting, so the core never blocks on an unreachable notifier.
package outboxworker

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	core "github.com/synapse-platform/annotation-core/internal/app/core/service"
	"github.com/synapse-platform/annotation-core/internal/app/domain/outbox"
	"github.com/synapse-platform/annotation-core/internal/app/storage"
	"github.com/synapse-platform/annotation-core/pkg/logger"
)

// DefaultBatchSize bounds one drain pass.
const DefaultBatchSize = 100

// Deliverer pushes one notification to the external notifier.
type Deliverer interface {
	Deliver(ctx context.Context, n outbox.Notification) error
}

// LogDeliverer is the default sink: it records the intent in the logs. Real
// deployments plug an email or webhook deliverer in its place.
type LogDeliverer struct {
	Log *logger.Logger
}

// Deliver logs the notification.
func (d LogDeliverer) Deliver(_ context.Context, n outbox.Notification) error {
	d.Log.WithField("kind", n.Kind).
		WithField("recipient", n.Recipient).
		WithField("subject", n.Subject).
		Info("notification delivered")
	return nil
}

// Worker drains pending notifications.
type Worker struct {
	store       storage.OutboxStore
	deliverer   Deliverer
	limiter     *rate.Limiter
	maxAttempts int
	retry       core.RetryPolicy
	log         *logger.Logger
}

// New constructs an outbox worker. ratePerSecond throttles deliveries;
// maxAttempts caps retries before a notification is marked failed.
func New(store storage.OutboxStore, deliverer Deliverer, ratePerSecond float64, maxAttempts int, log *logger.Logger) *Worker {
	if log == nil {
		log = logger.NewDefault("outbox")
	}
	if deliverer == nil {
		deliverer = LogDeliverer{Log: log}
	}
	if ratePerSecond <= 0 {
		ratePerSecond = 5
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Worker{
		store:       store,
		deliverer:   deliverer,
		limiter:     rate.NewLimiter(rate.Limit(ratePerSecond), 1),
		maxAttempts: maxAttempts,
		retry: core.RetryPolicy{
			Attempts:       3,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
			Multiplier:     2,
		},
		log: log,
	}
}

// DrainOnce delivers up to one batch of pending notifications. Failures are
// recorded on the row and never abort the batch.
func (w *Worker) DrainOnce(ctx context.Context) (delivered, failed int, err error) {
	pending, err := w.store.ListPendingNotifications(ctx, DefaultBatchSize)
	if err != nil {
		return 0, 0, err
	}

	for _, n := range pending {
		if err := w.limiter.Wait(ctx); err != nil {
			return delivered, failed, err
		}

		n.Attempts++
		deliverErr := core.Retry(ctx, w.retry, func() error {
			return w.deliverer.Deliver(ctx, n)
		})

		if deliverErr == nil {
			n.Status = outbox.StatusDelivered
			n.DeliveredAt = time.Now().UTC()
			n.LastError = ""
			delivered++
		} else {
			n.LastError = deliverErr.Error()
			if n.Attempts >= w.maxAttempts {
				n.Status = outbox.StatusFailed
				failed++
				w.log.WithField("notification_id", n.ID).
					WithField("attempts", n.Attempts).
					Error("notification abandoned after repeated failures")
			}
		}

		if _, err := w.store.UpdateNotification(ctx, n); err != nil {
			w.log.WithError(err).WithField("notification_id", n.ID).
				Error("could not persist notification state")
		}
	}
	return delivered, failed, nil
}
