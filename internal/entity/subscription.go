package entity

import "time"

type StreamKind string

const (
	StreamLevel1 StreamKind = "level1"
	StreamTrades StreamKind = "trades"
	StreamQuotes StreamKind = "quotes"
)

type SubscriptionState string

const (
	SubscriptionPending    SubscriptionState = "Pending"
	SubscriptionActive     SubscriptionState = "Active"
	SubscriptionFailed     SubscriptionState = "Failed"
	SubscriptionCancelling SubscriptionState = "Cancelling"
	SubscriptionCancelled  SubscriptionState = "Cancelled"
)

func (s SubscriptionState) Terminal() bool {
	return s == SubscriptionFailed || s == SubscriptionCancelled
}

// Subscription is one (client, instrument, stream kind) data feed. ReqID is
// the sole key by which upstream events are routed back to it and is rewritten
// after every upstream reconnect.
type Subscription struct {
	ID          string
	ClientID    string
	Instrument  Instrument
	Stream      StreamKind
	ReqID       int64
	State       SubscriptionState
	CreatedAt   time.Time
	LastEventAt time.Time
}
