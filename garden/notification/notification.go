// Package notification publishes garden lifecycle events to interested
// backend consumers. Publishing is fire-and-forget: the API logs failures
// and carries on, a lost event never fails a client request.
package notification

import (
	"context"
	"time"

	"github.com/verdant-tech/gardenauth/core/logger"
)

// Event types published by the garden API.
const (
	EventTokenIssued    = "token_issued"
	EventGardenClaimed  = "garden_claimed"
	EventGardenReleased = "garden_released"
)

// Event is a garden lifecycle event.
type Event struct {
	Type      string    `json:"type"`
	Serial    string    `json:"serial"`
	AccountID string    `json:"account_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier publishes events.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Log is a Notifier that only writes events to the log.
type Log struct{}

// Notify implements the Notifier interface
func (Log) Notify(ctx context.Context, event Event) error {
	logger.FromContext(ctx).Debugln("event", event.Type, "for", event.Serial)
	return nil
}
