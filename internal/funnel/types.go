package funnel

import (
	"context"
	"time"

	"funnelbot/internal/catalog"
	kit "funnelbot/internal/transport"
)

// Event types published on the bus.
const (
	EventDelivered   = "funnel.delivered"
	EventCompleted   = "funnel.completed"
	EventStopped     = "funnel.stopped"
	EventUnreachable = "funnel.unreachable"
)

// EventData accompanies every funnel event.
type EventData struct {
	UserID int64 `json:"user_id"`
	Index  int   `json:"index"`
}

// Catalog is the content-source capability the scheduler reads from.
// Implemented by *catalog.Service.
type Catalog interface {
	Item(ctx context.Context, index int) (catalog.Item, bool, error)
	Len(ctx context.Context) (int, error)
}

// Sender is the outbound capability the scheduler delivers through.
// Implemented by the telegram adapter.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
	SendContent(ctx context.Context, to kit.ChatTarget, c kit.Content, buttons []kit.Button, opt *kit.SendOptions) (kit.MessageRef, error)
}

// Config configures the funnel scheduler.
//
// DelayUnit scales catalog delay values; production keeps the default of one
// minute, tests shrink it to milliseconds.
type Config struct {
	Enabled        bool
	PayURL         string
	PayButtonText  string
	NextButtonText string
	DoneText       string
	WelcomeText    string
	DelayUnit      time.Duration
}

func (c Config) withDefaults() Config {
	if c.DelayUnit <= 0 {
		c.DelayUnit = time.Minute
	}
	if c.PayButtonText == "" {
		c.PayButtonText = "Pay"
	}
	if c.NextButtonText == "" {
		c.NextButtonText = "Next"
	}
	if c.DoneText == "" {
		c.DoneText = "That was the last post in this series. Thanks for following along!"
	}
	if c.WelcomeText == "" {
		c.WelcomeText = "Send /start to begin the series."
	}
	return c
}

// SubscriberState is one row of a scheduler snapshot.
type SubscriberState struct {
	UserID  int64
	Index   int
	Pending bool
}

// Snapshot is a point-in-time view of the progress table, used by the owner
// status command and by tests.
type Snapshot struct {
	Subscribers []SubscriberState
	Pending     int
}
