package outboxworker

import (
	"context"
	"errors"
	"testing"

	"github.com/synapse-platform/annotation-core/internal/app/domain/outbox"
	"github.com/synapse-platform/annotation-core/internal/app/storage/memory"
)

type flakyDeliverer struct {
	failures int
	calls    int
}

func (d *flakyDeliverer) Deliver(context.Context, outbox.Notification) error {
	d.calls++
	if d.calls <= d.failures {
		return errors.New("notifier unreachable")
	}
	return nil
}

func enqueue(t *testing.T, store *memory.Store, kind string) outbox.Notification {
	t.Helper()
	n, err := store.EnqueueNotification(context.Background(), outbox.Notification{
		Kind: kind, Recipient: "someone@example.com", Subject: "s", Body: "b",
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return n
}

func TestDrainDelivers(t *testing.T) {
	store := memory.New()
	enqueue(t, store, outbox.KindWarning)
	enqueue(t, store, outbox.KindDepositRefunded)

	w := New(store, &flakyDeliverer{}, 100, 3, nil)
	delivered, failed, err := w.DrainOnce(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if delivered != 2 || failed != 0 {
		t.Fatalf("delivered=%d failed=%d", delivered, failed)
	}

	pending, _ := store.ListPendingNotifications(context.Background(), 0)
	if len(pending) != 0 {
		t.Fatalf("notifications still pending: %d", len(pending))
	}
}

func TestDrainRetriesWithinAttempt(t *testing.T) {
	store := memory.New()
	enqueue(t, store, outbox.KindWarning)

	// Two transient failures are absorbed by the in-attempt retry policy.
	d := &flakyDeliverer{failures: 2}
	w := New(store, d, 100, 3, nil)
	delivered, failed, err := w.DrainOnce(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if delivered != 1 || failed != 0 {
		t.Fatalf("delivered=%d failed=%d", delivered, failed)
	}
}

func TestDrainMarksFailedAfterMaxAttempts(t *testing.T) {
	store := memory.New()
	enqueue(t, store, outbox.KindWarning)

	// Always failing deliverer with one allowed attempt.
	d := &flakyDeliverer{failures: 1 << 30}
	w := New(store, d, 100, 1, nil)
	delivered, failed, err := w.DrainOnce(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if delivered != 0 || failed != 1 {
		t.Fatalf("delivered=%d failed=%d", delivered, failed)
	}

	pending, _ := store.ListPendingNotifications(context.Background(), 0)
	if len(pending) != 0 {
		t.Fatalf("failed notification must leave the pending queue: %d", len(pending))
	}
}
