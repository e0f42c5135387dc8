package catalog

import (
	"errors"
	"time"

	kit "funnelbot/internal/transport"
)

// ErrSourceUnavailable wraps failures to read or parse the backing store.
var ErrSourceUnavailable = errors.New("catalog source unavailable")

// Item is one row of the content sequence, addressed by its position.
//
// Kind is kept verbatim from the source even when unrecognized; the funnel
// decides at delivery time whether to skip an unknown kind.
type Item struct {
	Kind           kit.ContentKind
	Body           string
	MediaRef       string
	DelayMinutes   int
	ShowPayButton  bool
	ShowNextButton bool
}

// Content converts the item to its transport payload.
func (it Item) Content() kit.Content {
	return kit.Content{Kind: it.Kind, Body: it.Body, MediaRef: it.MediaRef}
}

// Delay returns the wait before the NEXT item auto-fires, expressed in the
// given unit (normally time.Minute; tests shrink it).
func (it Item) Delay(unit time.Duration) time.Duration {
	if unit <= 0 {
		unit = time.Minute
	}
	if it.DelayMinutes < 0 {
		return 0
	}
	return time.Duration(it.DelayMinutes) * unit
}

// Config configures the catalog service.
//
// Path points at a CSV or XLSX file; the extension selects the parser.
// CacheTTL > 0 serves a cached snapshot inside the window (0 = fetch fresh
// every call). Refresh is an optional cron/interval spec ("@every 10m",
// "*/5 * * * *") that force-reloads the snapshot in the background.
type Config struct {
	Path     string
	CacheTTL time.Duration
	Refresh  string
}
