package adapter

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	tele "gopkg.in/telebot.v4"

	kit "funnelbot/internal/transport"
)

func TestSplitTelegramTextShort(t *testing.T) {
	t.Parallel()

	got := splitTelegramText("hello", 100)
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestSplitTelegramTextPrefersNewlines(t *testing.T) {
	t.Parallel()

	s := strings.Repeat("a", 60) + "\n" + strings.Repeat("b", 60)
	got := splitTelegramText(s, 100)
	if len(got) != 2 {
		t.Fatalf("chunks = %d, want 2: %q", len(got), got)
	}
	if got[0] != strings.Repeat("a", 60) {
		t.Fatalf("first chunk = %q", got[0])
	}
	if got[1] != strings.Repeat("b", 60) {
		t.Fatalf("second chunk = %q", got[1])
	}
}

func TestSplitTelegramTextHardSplit(t *testing.T) {
	t.Parallel()

	s := strings.Repeat("x", 250)
	got := splitTelegramText(s, 100)
	if len(got) != 3 {
		t.Fatalf("chunks = %d, want 3", len(got))
	}
	var total int
	for _, c := range got {
		if n := len([]rune(c)); n > 100 {
			t.Fatalf("chunk over limit: %d", n)
		} else {
			total += n
		}
	}
	if total != 250 {
		t.Fatalf("lost runes: total = %d", total)
	}
}

func TestSplitTelegramTextAvoidsTinyChunks(t *testing.T) {
	t.Parallel()

	// Newline too close to the window start must not win over a hard split.
	s := "ab\n" + strings.Repeat("c", 200)
	got := splitTelegramText(s, 100)
	for _, c := range got {
		if c == "ab" {
			t.Fatalf("split on early newline: %q", got)
		}
	}
}

func TestClassifySendError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name        string
		err         error
		unreachable bool
	}{
		{"nil", nil, false},
		{"blocked", tele.ErrBlockedByUser, true},
		{"deactivated", tele.ErrUserIsDeactivated, true},
		{"chat gone", tele.ErrChatNotFound, true},
		{"forbidden code", &tele.Error{Code: 403, Description: "Forbidden: kicked"}, true},
		{"rate limited", &tele.Error{Code: 429, Description: "Too Many Requests"}, false},
		{"wrapped blocked", fmt.Errorf("send: %w", tele.ErrBlockedByUser), true},
		{"generic", errors.New("network down"), false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := classifySendError(tc.err)
			if tc.err == nil {
				if got != nil {
					t.Fatalf("want nil, got %v", got)
				}
				return
			}
			if errors.Is(got, kit.ErrRecipientUnreachable) != tc.unreachable {
				t.Fatalf("unreachable = %v, want %v (err %v)", !tc.unreachable, tc.unreachable, got)
			}
			// The original cause must stay inspectable.
			if !errors.Is(got, tc.err) && !errors.As(got, new(*tele.Error)) {
				t.Fatalf("lost cause: %v", got)
			}
		})
	}
}

func TestMediaFile(t *testing.T) {
	t.Parallel()

	if f := mediaFile("https://example.com/a.jpg"); f.FileURL == "" {
		t.Fatalf("url ref should map to FromURL")
	}
	if f := mediaFile("./media/a.jpg"); f.FileLocal == "" {
		t.Fatalf("path ref should map to FromDisk")
	}
}
