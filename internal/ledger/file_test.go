package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"funnelbot/pkg/logx"
)

func openTestFile(t *testing.T, path string) Store {
	t.Helper()
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return st
}

func TestFileStoreRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ledger.db")
	st := openTestFile(t, path)
	defer st.Close()

	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)

	e := Entry{UserID: 42, Username: "alice", Status: StatusActive, LastIndex: 2, SubscribedAt: now, UpdatedAt: now}
	if err := st.Upsert(ctx, e); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, ok, err := st.Get(ctx, 42)
	if err != nil || !ok {
		t.Fatalf("Get = ok=%v err=%v", ok, err)
	}
	if got.Username != "alice" || got.Status != StatusActive || got.LastIndex != 2 {
		t.Fatalf("got = %+v", got)
	}

	if _, ok, _ := st.Get(ctx, 7); ok {
		t.Fatalf("Get(7) hit, want miss")
	}
}

func TestFileStoreUpsertOverwrites(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ledger.db")
	st := openTestFile(t, path)
	defer st.Close()

	ctx := context.Background()
	if err := st.Upsert(ctx, Entry{UserID: 1, Status: StatusActive, LastIndex: 0}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := st.Upsert(ctx, Entry{UserID: 1, Status: StatusPaid, LastIndex: 3}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, ok, err := st.Get(ctx, 1)
	if err != nil || !ok {
		t.Fatalf("Get = ok=%v err=%v", ok, err)
	}
	if got.Status != StatusPaid || got.LastIndex != 3 {
		t.Fatalf("got = %+v", got)
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	st := openTestFile(t, path)
	for i := int64(1); i <= 3; i++ {
		if err := st.Upsert(ctx, Entry{UserID: i, Status: StatusActive, LastIndex: int(i)}); err != nil {
			t.Fatalf("Upsert(%d): %v", i, err)
		}
	}
	if err := st.Upsert(ctx, Entry{UserID: 2, Status: StatusUnsubscribed, LastIndex: 1}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st = openTestFile(t, path)
	defer st.Close()

	all, err := st.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("List len = %d, want 3", len(all))
	}
	// List is sorted by user id; the journal's last write wins.
	if all[1].UserID != 2 || all[1].Status != StatusUnsubscribed {
		t.Fatalf("entry 2 = %+v", all[1])
	}
}

func TestFileStoreRejectsZeroUserID(t *testing.T) {
	t.Parallel()

	st := openTestFile(t, filepath.Join(t.TempDir(), "ledger.db"))
	defer st.Close()
	if err := st.Upsert(context.Background(), Entry{Status: StatusActive}); err == nil {
		t.Fatalf("Upsert accepted zero user id")
	}
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{"", "none"} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil {
			t.Fatalf("Open(%q): %v", driver, err)
		}
		if st != nil {
			t.Fatalf("Open(%q) = %T, want nil", driver, st)
		}
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()

	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatalf("Open accepted unknown driver")
	}
}
