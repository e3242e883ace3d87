package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"recap/internal/summary"
	logx "recap/pkg/logx"
)

// ErrIllegalTransition means a record was not in the state a lifecycle
// operation expected. For Claim this is normal under replication (another
// worker won) and is reported via the bool return instead; everywhere else
// it indicates the record changed under the caller's feet.
var ErrIllegalTransition = errors.New("delivery: illegal status transition")

// Lifecycle drives records through their state machine. All mutations go
// through the store's conditional updates, so any number of Lifecycle
// instances across processes stay consistent.
type Lifecycle struct {
	store Store
	log   logx.Logger
	now   func() time.Time
}

func NewLifecycle(store Store, log logx.Logger) *Lifecycle {
	return &Lifecycle{store: store, log: log, now: time.Now}
}

// SetNow overrides the clock. Tests only.
func (l *Lifecycle) SetNow(now func() time.Time) { l.now = now }

// Claim grants exclusive ownership of a due pending record to the caller.
// ok=false means the record is not due yet or another worker already claimed
// it; both are expected and carry no error.
func (l *Lifecycle) Claim(ctx context.Context, id string) (bool, error) {
	return l.store.Claim(ctx, id, l.now())
}

// ContentReady stores the generated payload and moves the record from
// generating to delivering.
func (l *Lifecycle) ContentReady(ctx context.Context, id string, p summary.Payload) error {
	ok, err := l.store.Transition(ctx, id, StatusGenerating, StatusDelivering, Mutation{Payload: &p})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s not in %s", ErrIllegalTransition, id, StatusGenerating)
	}
	return nil
}

// Sent finalizes a delivered record.
func (l *Lifecycle) Sent(ctx context.Context, id string) error {
	at := l.now()
	ok, err := l.store.Transition(ctx, id, StatusDelivering, StatusDelivered, Mutation{DeliveredAt: &at})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s not in %s", ErrIllegalTransition, id, StatusDelivering)
	}
	return nil
}

// Fail moves a record from the given in-flight status to failed, recording
// the cause. The engine performs no automatic retry: duplicate summary
// emails are worse than a missed one, so retrying is an operator decision
// (see Requeue).
func (l *Lifecycle) Fail(ctx context.Context, id string, from Status, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	ok, err := l.store.Transition(ctx, id, from, StatusFailed, Mutation{ErrorMessage: &msg})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s not in %s", ErrIllegalTransition, id, from)
	}
	l.log.Warn("delivery failed", logx.String("id", id), logx.String("from", string(from)), logx.String("cause", msg))
	return nil
}

// Skip retires a pending record that should no longer be delivered, e.g.
// because its schedule was disabled before the trigger time.
func (l *Lifecycle) Skip(ctx context.Context, id string) error {
	ok, err := l.store.Transition(ctx, id, StatusPending, StatusSkipped, Mutation{})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s not in %s", ErrIllegalTransition, id, StatusPending)
	}
	return nil
}

// Requeue is the operator path for retrying a failed record: it returns to
// pending with the error message cleared, and the next tick picks it up.
func (l *Lifecycle) Requeue(ctx context.Context, id string) error {
	empty := ""
	ok, err := l.store.Transition(ctx, id, StatusFailed, StatusPending, Mutation{ErrorMessage: &empty})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s not in %s", ErrIllegalTransition, id, StatusFailed)
	}
	l.log.Info("delivery requeued", logx.String("id", id))
	return nil
}
