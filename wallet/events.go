package wallet

import (
	"context"
	"time"
)

type EventKind string

const (
	EventTransactionCreated EventKind = "transaction.created"
	EventHoldPlaced         EventKind = "hold.placed"
	EventHoldSettled        EventKind = "hold.settled"
	EventHoldReleased       EventKind = "hold.released"
)

// Event describes a committed wallet mutation. Events are published after
// commit, so a publish failure never undoes a ledger write.
type Event struct {
	Kind          EventKind       `json:"kind"`
	UserID        UserID          `json:"user_id"`
	TransactionID TransactionID   `json:"transaction_id,omitempty"`
	HoldID        HoldID          `json:"hold_id,omitempty"`
	Type          TransactionType `json:"type,omitempty"`
	Amount        int64           `json:"amount"`
	Balance       int64           `json:"balance"`
	HeldBalance   int64           `json:"held_balance"`
	Tier          Tier            `json:"tier"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// Publisher ships events to downstream consumers (notifications, analytics).
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
