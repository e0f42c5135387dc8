package transport

import (
	"context"
	"errors"
)

// ErrRecipientUnreachable marks transport failures where the recipient can
// never be reached again (bot blocked, account deactivated, chat gone).
// The funnel treats it as an implicit unsubscribe.
var ErrRecipientUnreachable = errors.New("recipient unreachable")

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string
}

type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	MessageID int
	Data      string
}

type ChatTarget struct {
	ChatID int64
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

// ContentKind enumerates the payload kinds a catalog item can carry.
type ContentKind string

const (
	KindText      ContentKind = "text"
	KindPhoto     ContentKind = "photo"
	KindVideo     ContentKind = "video"
	KindDocument  ContentKind = "document"
	KindAudio     ContentKind = "audio"
	KindVoice     ContentKind = "voice"
	KindVideoNote ContentKind = "video_note"
)

// KnownKind reports whether k is one of the supported content kinds.
func KnownKind(k ContentKind) bool {
	switch k {
	case KindText, KindPhoto, KindVideo, KindDocument, KindAudio, KindVoice, KindVideoNote:
		return true
	}
	return false
}

// Content is one deliverable payload: a kind, display text and an optional
// media reference (URL or local path; empty for plain text).
type Content struct {
	Kind     ContentKind
	Body     string
	MediaRef string
}

// Button is an inline action attached to a delivery.
// URL buttons open a link (pay action); Data buttons produce a callback
// update with the given data (advance action).
type Button struct {
	Label string
	URL   string
	Data  string
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	SendContent(ctx context.Context, to ChatTarget, c Content, buttons []Button, opt *SendOptions) (MessageRef, error)
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus (e.g. Telegram /menu list).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
