package funnel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"funnelbot/internal/catalog"
	"funnelbot/internal/eventbus"
	"funnelbot/internal/ledger"
	kit "funnelbot/internal/transport"
	"funnelbot/pkg/logx"
)

type fakeCatalog struct {
	mu    sync.Mutex
	items []catalog.Item
	err   error
}

func (f *fakeCatalog) Len(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	return len(f.items), nil
}

func (f *fakeCatalog) Item(ctx context.Context, i int) (catalog.Item, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return catalog.Item{}, false, f.err
	}
	if i < 0 || i >= len(f.items) {
		return catalog.Item{}, false, nil
	}
	return f.items[i], true, nil
}

type sentRecord struct {
	To      int64
	Kind    kit.ContentKind
	Body    string
	Buttons []kit.Button
	Text    string // terminal notices via SendText
}

type fakeSender struct {
	mu     sync.Mutex
	sent   []sentRecord
	errFor func(r sentRecord) error
}

func (f *fakeSender) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	r := sentRecord{To: to.ChatID, Text: text}
	return f.record(r)
}

func (f *fakeSender) SendContent(ctx context.Context, to kit.ChatTarget, c kit.Content, buttons []kit.Button, opt *kit.SendOptions) (kit.MessageRef, error) {
	r := sentRecord{To: to.ChatID, Kind: c.Kind, Body: c.Body, Buttons: buttons}
	return f.record(r)
}

func (f *fakeSender) record(r sentRecord) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.errFor != nil {
		if err := f.errFor(r); err != nil {
			return kit.MessageRef{}, err
		}
	}
	f.sent = append(f.sent, r)
	return kit.MessageRef{ChatID: r.To, MessageID: len(f.sent)}, nil
}

func (f *fakeSender) records() []sentRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentRecord, len(f.sent))
	copy(out, f.sent)
	return out
}

type memStore struct {
	mu sync.Mutex
	m  map[int64]ledger.Entry
}

func newMemStore() *memStore { return &memStore{m: map[int64]ledger.Entry{}} }

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

func (s *memStore) entry(t *testing.T, id int64) ledger.Entry {
	t.Helper()
	e, ok, _ := s.Get(context.Background(), id)
	if !ok {
		t.Fatalf("no ledger entry for %d", id)
	}
	return e
}

// item builds a text catalog row with the given auto-advance delay.
func item(body string, delay int) catalog.Item {
	return catalog.Item{Kind: kit.KindText, Body: body, DelayMinutes: delay}
}

type fixture struct {
	svc    *Service
	cat    *fakeCatalog
	sender *fakeSender
	store  *memStore
}

func newFixture(t *testing.T, items []catalog.Item, cfg Config) *fixture {
	t.Helper()
	if cfg.DelayUnit == 0 {
		cfg.DelayUnit = 10 * time.Millisecond
	}
	cfg.Enabled = true
	f := &fixture{
		cat:    &fakeCatalog{items: items},
		sender: &fakeSender{},
		store:  newMemStore(),
	}
	f.svc = New(cfg, f.cat, f.sender, f.store, eventbus.New(), logx.Nop())
	t.Cleanup(f.svc.Stop)
	return f
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not reached within %v", timeout)
}

func bodies(recs []sentRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		if r.Text != "" {
			out[i] = "done:" + r.Text
			continue
		}
		out[i] = r.Body
	}
	return out
}

func TestStartSequenceDeliversFirstItemAndArms(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []catalog.Item{item("a", 5), item("b", 0)}, Config{})
	f.svc.StartSequence(context.Background(), 42, "alice")

	recs := f.sender.records()
	if len(recs) != 1 || recs[0].Body != "a" || recs[0].To != 42 {
		t.Fatalf("sent = %+v", recs)
	}

	snap := f.svc.Snapshot()
	if snap.Pending != 1 {
		t.Fatalf("pending = %d, want 1", snap.Pending)
	}
	if snap.Subscribers[0].Index != 0 {
		t.Fatalf("index = %d, want 0", snap.Subscribers[0].Index)
	}

	e := f.store.entry(t, 42)
	if e.Status != ledger.StatusActive || e.Username != "alice" || !e.Subscribed() {
		t.Fatalf("ledger = %+v", e)
	}
}

func TestAtMostOnePendingTimer(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []catalog.Item{item("a", 50), item("b", 50), item("c", 50)}, Config{})
	ctx := context.Background()

	f.svc.StartSequence(ctx, 7, "")
	f.svc.AdvanceTo(ctx, 7, 1)
	f.svc.StartSequence(ctx, 7, "")
	f.svc.AdvanceTo(ctx, 7, 0)

	snap := f.svc.Snapshot()
	if snap.Pending != 1 {
		t.Fatalf("pending = %d, want exactly 1", snap.Pending)
	}
}

func TestAdvanceSupersedesPendingTimer(t *testing.T) {
	t.Parallel()

	// Item 0 arms item 1 for 50ms out; the advance must cancel that arm so
	// item 1 is never delivered.
	f := newFixture(t, []catalog.Item{item("a", 50), item("b", 0), item("c", 0)}, Config{DelayUnit: time.Millisecond})
	ctx := context.Background()

	f.svc.StartSequence(ctx, 42, "")
	f.svc.AdvanceTo(ctx, 42, 2)

	time.Sleep(120 * time.Millisecond)
	got := bodies(f.sender.records())
	want := []string{"a", "c"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("sent = %v, want %v", got, want)
	}
	if snap := f.svc.Snapshot(); snap.Pending != 0 {
		t.Fatalf("pending = %d, want 0", snap.Pending)
	}
}

func TestDoubleStartSequence(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []catalog.Item{item("a", 30), item("b", 0)}, Config{DelayUnit: time.Millisecond})
	ctx := context.Background()

	f.svc.StartSequence(ctx, 42, "")
	f.svc.StartSequence(ctx, 42, "")

	// One delivery of item 0 per call; the superseded arm never fires, so
	// item 1 arrives exactly once.
	waitFor(t, time.Second, func() bool { return len(f.sender.records()) == 3 })
	time.Sleep(60 * time.Millisecond)

	got := bodies(f.sender.records())
	want := []string{"a", "a", "b"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("sent = %v, want %v", got, want)
	}
}

func TestAdvanceRoundTrip(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []catalog.Item{item("a", 0), item("b", 20), item("c", 0)}, Config{DelayUnit: time.Millisecond})
	ctx := context.Background()

	f.svc.AdvanceTo(ctx, 42, 1)
	if idx := f.svc.Snapshot().Subscribers[0].Index; idx != 1 {
		t.Fatalf("index after advance = %d, want 1", idx)
	}

	waitFor(t, time.Second, func() bool {
		return f.svc.Snapshot().Subscribers[0].Index == 2
	})
	got := bodies(f.sender.records())
	want := []string{"b", "c"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("sent = %v, want %v", got, want)
	}
}

func TestAdvancePastEndDeliversTerminalNotice(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []catalog.Item{item("a", 0), item("b", 0)}, Config{DoneText: "the end"})
	f.svc.AdvanceTo(context.Background(), 42, 2)

	recs := f.sender.records()
	if len(recs) != 1 || recs[0].Text != "the end" {
		t.Fatalf("sent = %+v, want single terminal notice", recs)
	}
	if snap := f.svc.Snapshot(); snap.Pending != 0 {
		t.Fatalf("pending = %d, want 0", snap.Pending)
	}
}

func TestThreeItemScenario(t *testing.T) {
	t.Parallel()

	// The delivered item's delay governs when its successor auto-fires:
	// item 0 fires item 1 after 1 unit, item 1 arms item 2 for 5 units.
	items := []catalog.Item{
		item("first", 1),
		{Kind: kit.KindPhoto, Body: "second", MediaRef: "https://cdn.example/p.jpg", DelayMinutes: 5},
		item("third", 0),
	}
	f := newFixture(t, items, Config{DelayUnit: 25 * time.Millisecond})
	ctx := context.Background()

	f.svc.StartSequence(ctx, 42, "")
	if got := bodies(f.sender.records()); fmt.Sprint(got) != fmt.Sprint([]string{"first"}) {
		t.Fatalf("immediate sends = %v", got)
	}

	// Item 1 fires after ~25ms and immediately arms item 2 for 125ms.
	waitFor(t, time.Second, func() bool { return len(f.sender.records()) == 2 })
	if snap := f.svc.Snapshot(); snap.Pending != 1 || snap.Subscribers[0].Index != 1 {
		t.Fatalf("snapshot after auto-fire = %+v", snap)
	}

	// An explicit advance mid-wait supersedes the pending arm and delivers
	// item 2 immediately; nothing further is armed (no item 3).
	f.svc.AdvanceTo(ctx, 42, 2)
	got := bodies(f.sender.records())
	want := []string{"first", "second", "third"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("sent = %v, want %v", got, want)
	}
	if snap := f.svc.Snapshot(); snap.Pending != 0 {
		t.Fatalf("pending = %d, want 0", snap.Pending)
	}

	// The superseded timer never produces a duplicate.
	time.Sleep(200 * time.Millisecond)
	if got := bodies(f.sender.records()); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("late sends = %v, want %v", got, want)
	}
}

func TestUnreachableRecipientStopsSequence(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []catalog.Item{item("a", 1), item("b", 0)}, Config{DelayUnit: time.Millisecond})
	f.sender.errFor = func(r sentRecord) error {
		return fmt.Errorf("send: %w", kit.ErrRecipientUnreachable)
	}

	f.svc.StartSequence(context.Background(), 42, "")

	e := f.store.entry(t, 42)
	if e.Status != ledger.StatusUnsubscribed {
		t.Fatalf("status = %q, want unsubscribed", e.Status)
	}
	if snap := f.svc.Snapshot(); snap.Pending != 0 {
		t.Fatalf("pending = %d, want 0 after unreachable", snap.Pending)
	}
	time.Sleep(30 * time.Millisecond)
	if recs := f.sender.records(); len(recs) != 0 {
		t.Fatalf("sent = %+v, want none recorded", recs)
	}
}

func TestOtherTransportFailureContinues(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []catalog.Item{item("a", 1), item("b", 0)}, Config{DelayUnit: time.Millisecond})
	f.sender.errFor = func(r sentRecord) error {
		if r.Body == "a" {
			return errors.New("telegram: 400 bad request")
		}
		return nil
	}

	f.svc.StartSequence(context.Background(), 42, "")

	// The failed item is treated as delivered; the sequence advances.
	waitFor(t, time.Second, func() bool {
		recs := f.sender.records()
		return len(recs) == 1 && recs[0].Body == "b"
	})
}

func TestUnknownKindSkippedAsDelivered(t *testing.T) {
	t.Parallel()

	items := []catalog.Item{
		{Kind: "sticker", Body: "nope", DelayMinutes: 1},
		item("b", 0),
	}
	f := newFixture(t, items, Config{DelayUnit: time.Millisecond})
	f.svc.StartSequence(context.Background(), 42, "")

	// The unsupported row is never sent but its delay still schedules the
	// following item.
	waitFor(t, time.Second, func() bool {
		recs := f.sender.records()
		return len(recs) == 1 && recs[0].Body == "b"
	})
}

func TestStopSequenceCancelsAndRecordsUnsubscribe(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []catalog.Item{item("a", 50), item("b", 0)}, Config{DelayUnit: time.Millisecond})
	ctx := context.Background()

	f.svc.StartSequence(ctx, 42, "")
	f.svc.StopSequence(ctx, 42)

	if snap := f.svc.Snapshot(); snap.Pending != 0 {
		t.Fatalf("pending = %d, want 0", snap.Pending)
	}
	if e := f.store.entry(t, 42); e.Status != ledger.StatusUnsubscribed {
		t.Fatalf("status = %q, want unsubscribed", e.Status)
	}

	time.Sleep(120 * time.Millisecond)
	if recs := f.sender.records(); len(recs) != 1 {
		t.Fatalf("sent = %v, want only item 0", bodies(recs))
	}
}

func TestMarkPaidLeavesSchedulingUntouched(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []catalog.Item{item("a", 50), item("b", 0)}, Config{})
	ctx := context.Background()

	f.svc.StartSequence(ctx, 42, "alice")
	f.svc.MarkPaid(ctx, 42)

	e := f.store.entry(t, 42)
	if !e.Paid || e.Status != ledger.StatusPaid {
		t.Fatalf("ledger = %+v, want paid", e)
	}
	if snap := f.svc.Snapshot(); snap.Pending != 1 {
		t.Fatalf("pending = %d, want timer still armed", snap.Pending)
	}
}

func TestCatalogUnavailableAbortsSingleDelivery(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, Config{})
	f.cat.err = catalog.ErrSourceUnavailable
	f.svc.StartSequence(context.Background(), 42, "")

	if recs := f.sender.records(); len(recs) != 0 {
		t.Fatalf("sent = %+v, want none", recs)
	}
	if snap := f.svc.Snapshot(); snap.Pending != 0 {
		t.Fatalf("pending = %d, want 0", snap.Pending)
	}
}

func TestPayAndAdvanceButtons(t *testing.T) {
	t.Parallel()

	items := []catalog.Item{{Kind: kit.KindText, Body: "a", ShowPayButton: true, ShowNextButton: true}}
	f := newFixture(t, items, Config{PayURL: "https://pay.example/x", PayButtonText: "Pay now", NextButtonText: "More"})
	f.svc.StartSequence(context.Background(), 42, "")

	recs := f.sender.records()
	if len(recs) != 1 || len(recs[0].Buttons) != 2 {
		t.Fatalf("sent = %+v, want 2 buttons", recs)
	}
	pay, next := recs[0].Buttons[0], recs[0].Buttons[1]
	if pay.Label != "Pay now" || pay.URL != "https://pay.example/x" {
		t.Fatalf("pay button = %+v", pay)
	}
	if next.Label != "More" || next.Data != "funnel:next:1" {
		t.Fatalf("next button = %+v", next)
	}
}

func TestNoPayButtonWithoutPayURL(t *testing.T) {
	t.Parallel()

	items := []catalog.Item{{Kind: kit.KindText, Body: "a", ShowPayButton: true}}
	f := newFixture(t, items, Config{})
	f.svc.StartSequence(context.Background(), 42, "")

	recs := f.sender.records()
	if len(recs) != 1 || len(recs[0].Buttons) != 0 {
		t.Fatalf("sent = %+v, want no buttons", recs)
	}
}

func TestConcurrentSubscribersAreIndependent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []catalog.Item{item("a", 0), item("b", 0)}, Config{DelayUnit: time.Millisecond})
	ctx := context.Background()

	var wg sync.WaitGroup
	for id := int64(1); id <= 20; id++ {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.svc.StartSequence(ctx, id, "")
		}()
	}
	wg.Wait()

	waitFor(t, 2*time.Second, func() bool {
		perUser := map[int64]int{}
		for _, r := range f.sender.records() {
			perUser[r.To]++
		}
		for id := int64(1); id <= 20; id++ {
			if perUser[id] != 2 {
				return false
			}
		}
		return true
	})
}

// readFailStore wraps memStore with a switchable read failure and an upsert
// counter.
type readFailStore struct {
	*memStore

	failMu  sync.Mutex
	fail    bool
	upserts int
}

func (s *readFailStore) setFail(v bool) {
	s.failMu.Lock()
	s.fail = v
	s.failMu.Unlock()
}

func (s *readFailStore) count() int {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	return s.upserts
}

func (s *readFailStore) Get(ctx context.Context, id int64) (ledger.Entry, bool, error) {
	s.failMu.Lock()
	fail := s.fail
	s.failMu.Unlock()
	if fail {
		return ledger.Entry{}, false, errors.New("ledger offline")
	}
	return s.memStore.Get(ctx, id)
}

func (s *readFailStore) Upsert(ctx context.Context, e ledger.Entry) error {
	s.failMu.Lock()
	s.upserts++
	s.failMu.Unlock()
	return s.memStore.Upsert(ctx, e)
}

func TestLedgerUpdateSkippedWhenReadFails(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	base := newMemStore()
	seed := ledger.Entry{UserID: 9, Username: "bob", Status: ledger.StatusActive, Paid: true, SubscribedAt: time.Now()}
	if err := base.Upsert(ctx, seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	st := &readFailStore{memStore: base}
	cat := &fakeCatalog{items: []catalog.Item{item("a", 0)}}
	svc := New(Config{Enabled: true, DelayUnit: time.Millisecond}, cat, &fakeSender{}, st, eventbus.New(), logx.Nop())
	t.Cleanup(svc.Stop)

	st.setFail(true)
	svc.StopSequence(ctx, 9)
	if n := st.count(); n != 0 {
		t.Fatalf("upserts during outage = %d, want 0", n)
	}
	// The seeded entry survives untouched.
	e := base.entry(t, 9)
	if !e.Paid || e.Status != ledger.StatusActive || e.SubscribedAt.IsZero() {
		t.Fatalf("entry clobbered during outage: %+v", e)
	}

	st.setFail(false)
	svc.StopSequence(ctx, 9)
	if n := st.count(); n != 1 {
		t.Fatalf("upserts after recovery = %d, want 1", n)
	}
	e = base.entry(t, 9)
	if e.Status != ledger.StatusUnsubscribed || !e.Paid {
		t.Fatalf("entry after recovery = %+v", e)
	}
}

func TestSnapshotDoesNotWaitOnInFlightDelivery(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []catalog.Item{item("a", 0)}, Config{})

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.sender.errFor = func(r sentRecord) error {
		once.Do(func() { close(entered) })
		<-release
		return nil
	}
	defer close(release)

	go f.svc.StartSequence(context.Background(), 7, "")
	<-entered

	// The subscriber's mutex is held through the blocked send; the status
	// view must still come back.
	done := make(chan Snapshot, 1)
	go func() { done <- f.svc.Snapshot() }()
	select {
	case snap := <-done:
		if len(snap.Subscribers) != 1 || snap.Subscribers[0].UserID != 7 {
			t.Fatalf("snapshot = %+v", snap)
		}
		if snap.Subscribers[0].Index != 0 || snap.Subscribers[0].Pending {
			t.Fatalf("subscriber state = %+v", snap.Subscribers[0])
		}
	case <-time.After(time.Second):
		t.Fatalf("Snapshot blocked behind an in-flight delivery")
	}
}
