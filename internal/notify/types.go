// Package notify delivers new-listing and alert messages to a Telegram chat.
//
// Delivery is fire-and-forget from the reconciler's point of view: messages
// go through a bounded queue + worker pipeline with rate limiting and retry,
// and failures are logged here, never surfaced to reconciliation. A
// notification outage must not block persistence.
package notify

import (
	"context"
	"time"
)

type Config struct {
	Workers   int
	QueueSize int
	// RatePerSec caps outbound sends. Default 1, matching Telegram's
	// tolerance for repeated messages to one chat.
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	return c
}

// Sender is the transport behind the pipeline. Implemented by the telebot
// adapter; replaced by a fake in tests.
type Sender interface {
	SendText(ctx context.Context, text string) error
	// SendPhoto sends a photo by URL with an HTML caption.
	SendPhoto(ctx context.Context, photoURL, caption string) error
	Probe(ctx context.Context) error
}
