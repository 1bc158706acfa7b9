package channels

import (
	"context"
	"errors"
)

// ErrChannelBusy is returned when a destination already has an active task.
var ErrChannelBusy = errors.New("channel busy: a task is already active for this destination")

// Channel is an inbound messaging platform integration.
type Channel interface {
	// Name returns the unique name of the channel (e.g., "telegram").
	Name() string

	// Start begins listening for messages. It blocks until the context is
	// canceled or a fatal error occurs.
	Start(ctx context.Context) error
}

// Target addresses one chat destination on a platform.
type Target struct {
	Owner       string
	Platform    string
	Destination string
	// ThreadID optionally scopes replies to a thread or reply chain.
	ThreadID string
}

func (t Target) key() string {
	return t.Platform + ":" + t.Destination
}

// Sender delivers text to a chat platform. Delivery is best-effort; the
// caller logs failures and carries on.
type Sender interface {
	Platform() string
	Send(ctx context.Context, target Target, text string) error
}
