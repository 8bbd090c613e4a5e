package notify

import (
	"context"
	"time"
)

// Notification is a fire-and-forget user-facing alert.
type Notification struct {
	Title    string
	Text     string
	Priority int // >= 7 renders with a warning prefix, >= 9 as an alarm
}

// Notifier is the consumer-facing interface. The scheduler and breaker hold
// this, never the concrete service, so tests can record notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Sink delivers one rendered message to a channel (telegram, log, ...).
type Sink interface {
	Send(ctx context.Context, text string) error
}

// Config controls the async notification pipeline.
type Config struct {
	Enabled       bool
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

// Nop drops all notifications.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) error { return nil }
