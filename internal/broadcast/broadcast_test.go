package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"funnelbot/internal/ledger"
	kit "funnelbot/internal/transport"
	"funnelbot/pkg/logx"
)

type countingSender struct {
	mu       sync.Mutex
	sent     map[int64]int
	fail     map[int64]error
	attempts map[int64]int
	texts    []string
}

func newCountingSender() *countingSender {
	return &countingSender{sent: map[int64]int{}, fail: map[int64]error{}, attempts: map[int64]int{}}
}

func (c *countingSender) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts[to.ChatID]++
	if err := c.fail[to.ChatID]; err != nil {
		return kit.MessageRef{}, err
	}
	c.sent[to.ChatID]++
	c.texts = append(c.texts, text)
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (c *countingSender) count(id int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent[id]
}

func (c *countingSender) attemptCount(id int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts[id]
}

type memStore struct {
	mu sync.Mutex
	m  map[int64]ledger.Entry
}

func (s *memStore) Upsert(ctx context.Context, e ledger.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[e.UserID] = e
	return nil
}

func (s *memStore) Get(ctx context.Context, id int64) (ledger.Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[id]
	return e, ok, nil
}

func (s *memStore) List(ctx context.Context) ([]ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ledger.Entry, 0, len(s.m))
	for _, e := range s.m {
		out = append(out, e)
	}
	return out, nil
}

func (s *memStore) Close() error { return nil }

func waitJob(t *testing.T, svc *Service, id string) JobStatus {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st, ok := svc.Status(id)
		if ok && !st.DoneAt.IsZero() {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", id)
	return JobStatus{}
}

func TestSendFansOutToSubscribedOnly(t *testing.T) {
	t.Parallel()

	store := &memStore{m: map[int64]ledger.Entry{
		1: {UserID: 1, Status: ledger.StatusActive},
		2: {UserID: 2, Status: ledger.StatusUnsubscribed},
		3: {UserID: 3, Status: ledger.StatusPaid},
	}}
	sender := newCountingSender()
	svc := New(Config{Enabled: true, Workers: 2, RatePerSec: 1000}, sender, store, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	defer svc.Stop(context.Background())

	id, total, err := svc.Send(ctx, "hello everyone")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if total != 2 {
		t.Fatalf("total = %d, want 2 subscribed targets", total)
	}

	st := waitJob(t, svc, id)
	if st.Done != 2 || st.Failed != 0 {
		t.Fatalf("status = %+v", st)
	}
	if sender.count(1) != 1 || sender.count(3) != 1 {
		t.Fatalf("sent counts = %v", sender.sent)
	}
	if sender.count(2) != 0 {
		t.Fatalf("unsubscribed target 2 received the broadcast")
	}
}

func TestSendRecordsFailures(t *testing.T) {
	t.Parallel()

	store := &memStore{m: map[int64]ledger.Entry{
		1: {UserID: 1, Status: ledger.StatusActive},
		2: {UserID: 2, Status: ledger.StatusActive},
	}}
	sender := newCountingSender()
	sender.fail[2] = fmt.Errorf("send: %w", kit.ErrRecipientUnreachable)

	svc := New(Config{Workers: 1, RatePerSec: 1000, RetryMax: 3}, sender, store, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	defer svc.Stop(context.Background())

	id, _, err := svc.Send(ctx, "x")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	st := waitJob(t, svc, id)
	if st.Done != 2 || st.Failed != 1 {
		t.Fatalf("status = %+v", st)
	}
	if len(st.Failures) != 1 || st.Failures[0].ChatID != 2 {
		t.Fatalf("failures = %+v", st.Failures)
	}
}

func TestSendWithoutLedger(t *testing.T) {
	t.Parallel()

	svc := New(Config{}, newCountingSender(), nil, logx.Nop())
	if _, _, err := svc.Send(context.Background(), "x"); err == nil {
		t.Fatalf("Send succeeded without a ledger")
	}
}

func TestRetryStopsOnUnreachable(t *testing.T) {
	t.Parallel()

	sender := newCountingSender()
	sender.fail[5] = fmt.Errorf("wrap: %w", kit.ErrRecipientUnreachable)

	svc := New(Config{Workers: 1, RatePerSec: 1000, RetryMax: 5}, sender, &memStore{m: map[int64]ledger.Entry{
		5: {UserID: 5, Status: ledger.StatusActive},
	}}, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	defer svc.Stop(context.Background())

	start := time.Now()
	id, _, err := svc.Send(ctx, "x")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	st := waitJob(t, svc, id)
	if st.Failed != 1 {
		t.Fatalf("status = %+v", st)
	}
	// Five retries at 200ms+ backoff would take over a second; bailing out
	// on unreachable keeps it fast.
	if took := time.Since(start); took > 500*time.Millisecond {
		t.Fatalf("unreachable target retried, took %v", took)
	}
}

func TestGenericFailureIsRetried(t *testing.T) {
	t.Parallel()

	sender := newCountingSender()
	sender.fail[9] = errors.New("flood wait")

	svc := New(Config{Workers: 1, RatePerSec: 1000, RetryMax: 2}, sender, &memStore{m: map[int64]ledger.Entry{
		9: {UserID: 9, Status: ledger.StatusActive},
	}}, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	defer svc.Stop(context.Background())

	id, _, err := svc.Send(ctx, "x")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	st := waitJob(t, svc, id)
	if st.Failed != 1 || st.Done != 1 {
		t.Fatalf("status = %+v", st)
	}
	// Initial attempt plus two retries.
	if got := sender.attemptCount(9); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
}
