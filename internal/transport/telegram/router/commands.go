package router

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"funnelbot/internal/broadcast"
	"funnelbot/internal/funnel"
	"funnelbot/internal/runtime/supervisor"
	kit "funnelbot/internal/transport"
)

// Services carries the capabilities the command handlers act on.
// AppSupervisor may be nil in minimal/test environments.
type Services struct {
	Funnel        FunnelPort
	Broadcast     BroadcastPort
	AppSupervisor *supervisor.Supervisor
}

type FunnelPort interface {
	Enabled() bool
	StartSequence(ctx context.Context, userID int64, username string)
	AdvanceTo(ctx context.Context, userID int64, target int)
	StopSequence(ctx context.Context, userID int64)
	MarkPaid(ctx context.Context, userID int64)
	Snapshot() funnel.Snapshot
	WelcomeText() string
}

type BroadcastPort interface {
	Enabled() bool
	Send(ctx context.Context, text string) (string, int, error)
	Status(jobID string) (broadcast.JobStatus, bool)
}

// Registry builds the command and callback tables for the funnel bot.
func Registry(serv *Services) ([]Command, []CallbackRoute) {
	cmds := []Command{
		{
			Name:        "start",
			Description: "start the series from the beginning",
			Access:      AccessEveryone,
			Handle: func(ctx context.Context, req *Request) error {
				if !serv.Funnel.Enabled() {
					_, _ = req.Adapter.SendText(ctx, req.Chat, "The series is currently paused. Check back later.", nil)
					return nil
				}
				_, _ = req.Adapter.SendText(ctx, req.Chat, "Great! The materials are on their way.", nil)
				serv.Funnel.StartSequence(ctx, req.FromID, req.Username)
				return nil
			},
		},
		{
			Name:        "stop",
			Description: "stop receiving the series",
			Access:      AccessEveryone,
			Handle: func(ctx context.Context, req *Request) error {
				serv.Funnel.StopSequence(ctx, req.FromID)
				_, _ = req.Adapter.SendText(ctx, req.Chat, "You are unsubscribed. Send /start to begin again.", nil)
				return nil
			},
		},
		{
			Name:        "paid",
			Description: "let us know you have paid",
			Access:      AccessEveryone,
			Handle: func(ctx context.Context, req *Request) error {
				serv.Funnel.MarkPaid(ctx, req.FromID)
				_, _ = req.Adapter.SendText(ctx, req.Chat, "Thank you! Your payment is recorded.", nil)
				return nil
			},
		},
		{
			Name:        "status",
			Description: "scheduler and runtime state",
			Access:      AccessOwnerOnly,
			Handle: func(ctx context.Context, req *Request) error {
				_, _ = req.Adapter.SendText(ctx, req.Chat, statusText(serv), nil)
				return nil
			},
		},
		{
			Name:        "broadcast",
			Description: "send a message to all subscribers",
			Access:      AccessOwnerOnly,
			Timeout:     30 * time.Second,
			Handle: func(ctx context.Context, req *Request) error {
				text := strings.TrimSpace(strings.Join(req.Args, " "))
				if text == "" {
					_, _ = req.Adapter.SendText(ctx, req.Chat, "Usage: /broadcast <text>", nil)
					return nil
				}
				if !serv.Broadcast.Enabled() {
					_, _ = req.Adapter.SendText(ctx, req.Chat, "Broadcast is disabled in config.", nil)
					return nil
				}
				id, total, err := serv.Broadcast.Send(ctx, text)
				if err != nil {
					_, _ = req.Adapter.SendText(ctx, req.Chat, "Broadcast failed: "+err.Error(), nil)
					return err
				}
				_, _ = req.Adapter.SendText(ctx, req.Chat,
					fmt.Sprintf("Broadcast %s queued for %d subscribers.", id, total), nil)
				return nil
			},
		},
	}
	cmds = append(cmds, helpCommand(cmds))

	cbs := []CallbackRoute{
		{
			Namespace: "funnel",
			Action:    "next",
			Access:    CallbackAccessEveryone,
			Handle: func(ctx context.Context, req *Request, payload string) error {
				idx, err := strconv.Atoi(strings.TrimSpace(payload))
				if err != nil {
					return fmt.Errorf("bad advance payload %q", payload)
				}
				serv.Funnel.AdvanceTo(ctx, req.FromID, idx)
				return nil
			},
		},
		{
			Namespace: "funnel",
			Action:    "paid",
			Access:    CallbackAccessEveryone,
			Handle: func(ctx context.Context, req *Request, payload string) error {
				serv.Funnel.MarkPaid(ctx, req.FromID)
				_, _ = req.Adapter.SendText(ctx, req.Chat, "Thank you! Your payment is recorded.", nil)
				return nil
			},
		},
	}
	return cmds, cbs
}

// Fallback greets any non-command message with the configured welcome hint.
func Fallback(serv *Services) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		_, _ = req.Adapter.SendText(ctx, req.Chat, serv.Funnel.WelcomeText(), nil)
		return nil
	}
}

func helpCommand(cmds []Command) Command {
	public := make([]Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Access == AccessEveryone {
			public = append(public, c)
		}
	}
	sort.Slice(public, func(i, j int) bool { return public[i].Name < public[j].Name })

	var b strings.Builder
	b.WriteString("Available commands:\n")
	for _, c := range public {
		fmt.Fprintf(&b, "/%s - %s\n", c.Name, c.Description)
	}
	fmt.Fprintf(&b, "/help - this message\n")
	text := b.String()

	return Command{
		Name:        "help",
		Description: "show this help",
		Access:      AccessEveryone,
		Handle: func(ctx context.Context, req *Request) error {
			_, _ = req.Adapter.SendText(ctx, req.Chat, text, &kit.SendOptions{DisablePreview: true})
			return nil
		},
	}
}

func statusText(serv *Services) string {
	var b strings.Builder

	snap := serv.Funnel.Snapshot()
	fmt.Fprintf(&b, "Funnel: enabled=%v subscribers=%d pending=%d\n",
		serv.Funnel.Enabled(), len(snap.Subscribers), snap.Pending)
	for _, s := range snap.Subscribers {
		fmt.Fprintf(&b, "  %d: index=%d pending=%v\n", s.UserID, s.Index, s.Pending)
	}

	if serv.AppSupervisor != nil {
		ss := serv.AppSupervisor.Snapshot()
		var panics, restarts uint64
		for _, g := range ss.Goroutines {
			panics += g.Panics
			restarts += g.Restarts
		}
		fmt.Fprintf(&b, "Goroutines: active=%d started=%d panics=%d restarts=%d\n",
			ss.Counters.Active, ss.Counters.Started, panics, restarts)
	}
	return b.String()
}
