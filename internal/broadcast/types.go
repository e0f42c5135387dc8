package broadcast

import (
	"time"

	kit "funnelbot/internal/transport"
)

type Config struct {
	Enabled    bool
	Workers    int
	RatePerSec int
	RetryMax   int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 10
	}
	return c
}

type job struct {
	id      string
	targets []kit.ChatTarget
	text    string
	opt     *kit.SendOptions
}

// JobStatus tracks one fan-out job for the owner status command.
type JobStatus struct {
	ID        string
	Total     int
	Done      int
	Failed    int
	Failures  []kit.ChatTarget
	CreatedAt time.Time
	StartedAt time.Time
	DoneAt    time.Time
	Running   bool
}
