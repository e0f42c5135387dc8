package funnel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"funnelbot/internal/catalog"
	"funnelbot/internal/eventbus"
	"funnelbot/internal/ledger"
	kit "funnelbot/internal/transport"
	logx "funnelbot/pkg/logx"
)

// Service walks each subscriber through the catalog sequence.
//
// Per subscriber it owns at most one live timer. All mutations of one
// subscriber's state (index, pending timer) happen under that subscriber's
// mutex; a firing timer re-checks its arm version under the same mutex, so
// an operation that cancels a pending task can arm a replacement without
// racing the old task's delivery. Different subscribers proceed fully
// concurrently.
type Service struct {
	log   logx.Logger
	bus   eventbus.Bus
	cat   Catalog
	send  Sender
	store ledger.Store // nil when the ledger is disabled

	cfgMu sync.RWMutex
	cfg   Config

	mu    sync.Mutex
	table map[int64]*subscriber

	ctx    context.Context
	cancel context.CancelFunc
}

type subscriber struct {
	mu      sync.Mutex
	index   int
	timer   *time.Timer
	ver     uint64
	pending bool

	// view mirrors index and pending for lock-free reads: an in-flight
	// delivery holds mu through the transport call, and Snapshot must not
	// wait on it.
	view atomic.Uint64
}

// syncView publishes index and pending into the lock-free mirror.
// Caller holds mu.
func (sub *subscriber) syncView() {
	v := uint64(sub.index) << 1
	if sub.pending {
		v |= 1
	}
	sub.view.Store(v)
}

func New(cfg Config, cat Catalog, send Sender, store ledger.Store, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		log:    log,
		bus:    bus,
		cat:    cat,
		send:   send,
		store:  store,
		cfg:    cfg.withDefaults(),
		table:  map[int64]*subscriber{},
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Service) Enabled() bool {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg.Enabled
}

func (s *Service) config() Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// WelcomeText returns the fallback greeting for unrecognized input.
func (s *Service) WelcomeText() string { return s.config().WelcomeText }

// Apply swaps the configuration. Already armed timers keep the delay they
// were armed with; new arms pick up the new settings.
func (s *Service) Apply(cfg Config) {
	s.cfgMu.Lock()
	s.cfg = cfg.withDefaults()
	s.cfgMu.Unlock()
}

// Stop cancels every pending timer. In-flight deliveries finish on their
// own; nothing re-arms afterwards.
func (s *Service) Stop() {
	s.cancel()
	s.mu.Lock()
	subs := make([]*subscriber, 0, len(s.table))
	for _, sub := range s.table {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	for _, sub := range subs {
		sub.mu.Lock()
		s.cancelLocked(sub)
		sub.mu.Unlock()
	}
}

func (s *Service) sub(id int64) *subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.table[id]
	if !ok {
		sub = &subscriber{}
		s.table[id] = sub
	}
	return sub
}

// StartSequence resets the subscriber to index 0, supersedes any pending
// task and delivers the first item immediately. Calling it again restarts
// the sequence from the top.
func (s *Service) StartSequence(ctx context.Context, userID int64, username string) {
	sub := s.sub(userID)
	sub.mu.Lock()
	defer sub.mu.Unlock()

	s.cancelLocked(sub)
	sub.index = 0
	sub.syncView()
	s.updateLedger(ctx, userID, func(e *ledger.Entry) {
		e.Username = username
		e.Status = ledger.StatusActive
		e.LastIndex = 0
		if e.SubscribedAt.IsZero() {
			e.SubscribedAt = time.Now()
		}
	})
	s.deliverLocked(ctx, userID, sub, 0)
}

// AdvanceTo jumps the subscriber to target, superseding any pending task.
// The cancelled task never delivers. A target past the end of the catalog
// produces the terminal notice and arms nothing.
func (s *Service) AdvanceTo(ctx context.Context, userID int64, target int) {
	if target < 0 {
		target = 0
	}
	sub := s.sub(userID)
	sub.mu.Lock()
	defer sub.mu.Unlock()

	s.cancelLocked(sub)
	sub.index = target
	sub.syncView()
	s.updateLedger(ctx, userID, func(e *ledger.Entry) {
		if e.Status == "" {
			e.Status = ledger.StatusActive
		}
		e.LastIndex = target
	})
	s.deliverLocked(ctx, userID, sub, target)
}

// StopSequence cancels any pending task and records the unsubscribe.
// Progress is kept; a later StartSequence restarts from the top.
func (s *Service) StopSequence(ctx context.Context, userID int64) {
	sub := s.sub(userID)
	sub.mu.Lock()
	s.cancelLocked(sub)
	index := sub.index
	sub.mu.Unlock()

	s.updateLedger(ctx, userID, func(e *ledger.Entry) {
		e.Status = ledger.StatusUnsubscribed
	})
	s.bus.Publish(eventbus.Event{Type: EventStopped, Data: EventData{UserID: userID, Index: index}})
}

// MarkPaid records the payment. Scheduling state is untouched.
func (s *Service) MarkPaid(ctx context.Context, userID int64) {
	s.updateLedger(ctx, userID, func(e *ledger.Entry) {
		e.Paid = true
		e.Status = ledger.StatusPaid
	})
}

// Snapshot reports the progress table for the status command and tests.
// It reads the lock-free mirrors, so it never waits on a subscriber whose
// delivery is in flight.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	ids := make([]int64, 0, len(s.table))
	subs := make(map[int64]*subscriber, len(s.table))
	for id, sub := range s.table {
		ids = append(ids, id)
		subs[id] = sub
	}
	s.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var snap Snapshot
	for _, id := range ids {
		v := subs[id].view.Load()
		st := SubscriberState{UserID: id, Index: int(v >> 1), Pending: v&1 == 1}
		snap.Subscribers = append(snap.Subscribers, st)
		if st.Pending {
			snap.Pending++
		}
	}
	return snap
}

// cancelLocked invalidates the pending task, if any. Bumping the version
// guarantees an already-fired timer callback waiting on the mutex exits
// without delivering. Caller holds sub.mu.
func (s *Service) cancelLocked(sub *subscriber) {
	sub.ver++
	if sub.timer != nil {
		sub.timer.Stop()
		sub.timer = nil
	}
	sub.pending = false
	sub.syncView()
}

// deliverLocked runs the shared delivery step for item index i and re-arms
// for i+1 when a following item exists. Caller holds sub.mu.
func (s *Service) deliverLocked(ctx context.Context, userID int64, sub *subscriber, i int) {
	cfg := s.config()
	to := kit.ChatTarget{ChatID: userID}

	n, err := s.cat.Len(ctx)
	if err != nil {
		s.log.Error("catalog unavailable, delivery aborted",
			logx.Int64("user_id", userID), logx.Int("index", i), logx.Err(err))
		return
	}
	if i >= n {
		if _, err := s.send.SendText(ctx, to, cfg.DoneText, nil); err != nil && s.handleSendError(ctx, userID, i, err) {
			return
		}
		s.bus.Publish(eventbus.Event{Type: EventCompleted, Data: EventData{UserID: userID, Index: i}})
		return
	}

	item, ok, err := s.cat.Item(ctx, i)
	if err != nil {
		s.log.Error("catalog unavailable, delivery aborted",
			logx.Int64("user_id", userID), logx.Int("index", i), logx.Err(err))
		return
	}
	if !ok {
		// Catalog shrank between Len and Item; treat as past the end.
		if _, err := s.send.SendText(ctx, to, cfg.DoneText, nil); err != nil && s.handleSendError(ctx, userID, i, err) {
			return
		}
		s.bus.Publish(eventbus.Event{Type: EventCompleted, Data: EventData{UserID: userID, Index: i}})
		return
	}

	switch {
	case !kit.KnownKind(item.Kind):
		// Unsupported rows are skipped as if delivered so the sequence
		// keeps moving.
		s.log.Warn("unsupported content kind, item skipped",
			logx.Int64("user_id", userID), logx.Int("index", i),
			logx.String("kind", string(item.Kind)))
	default:
		buttons := s.buttons(cfg, item, i)
		if _, err := s.send.SendContent(ctx, to, item.Content(), buttons, nil); err != nil {
			if s.handleSendError(ctx, userID, i, err) {
				return
			}
			// Non-fatal transport failure: the sequence continues as if
			// the item was delivered.
		}
		s.bus.Publish(eventbus.Event{Type: EventDelivered, Data: EventData{UserID: userID, Index: i}})
	}

	if i+1 < n {
		s.armLocked(userID, sub, i+1, item.Delay(cfg.DelayUnit))
	}
}

// handleSendError applies the failure policy. It reports true when the
// failure is terminal for the subscriber (implicit unsubscribe, no re-arm).
func (s *Service) handleSendError(ctx context.Context, userID int64, i int, err error) bool {
	if errors.Is(err, kit.ErrRecipientUnreachable) {
		s.log.Info("recipient unreachable, stopping sequence",
			logx.Int64("user_id", userID), logx.Int("index", i))
		s.updateLedger(ctx, userID, func(e *ledger.Entry) {
			e.Status = ledger.StatusUnsubscribed
		})
		s.bus.Publish(eventbus.Event{Type: EventUnreachable, Data: EventData{UserID: userID, Index: i}})
		return true
	}
	s.log.Warn("delivery failed, sequence continues",
		logx.Int64("user_id", userID), logx.Int("index", i), logx.Err(err))
	return false
}

func (s *Service) buttons(cfg Config, item catalog.Item, i int) []kit.Button {
	var out []kit.Button
	if item.ShowPayButton && cfg.PayURL != "" {
		out = append(out, kit.Button{Label: cfg.PayButtonText, URL: cfg.PayURL})
	}
	if item.ShowNextButton {
		out = append(out, kit.Button{Label: cfg.NextButtonText, Data: fmt.Sprintf("funnel:next:%d", i+1)})
	}
	return out
}

// armLocked schedules delivery of item next after d. The timer callback
// re-checks the captured version under sub.mu; a cancel or a newer arm in
// the meantime bumps the version and the callback becomes a no-op.
// Caller holds sub.mu.
func (s *Service) armLocked(userID int64, sub *subscriber, next int, d time.Duration) {
	sub.ver++
	ver := sub.ver
	sub.pending = true
	sub.syncView()
	sub.timer = time.AfterFunc(d, func() {
		sub.mu.Lock()
		defer sub.mu.Unlock()
		if sub.ver != ver {
			return
		}
		if s.ctx.Err() != nil {
			sub.pending = false
			sub.syncView()
			return
		}
		sub.timer = nil
		sub.pending = false
		sub.index = next
		sub.syncView()
		s.updateLedger(s.ctx, userID, func(e *ledger.Entry) { e.LastIndex = next })
		s.deliverLocked(s.ctx, userID, sub, next)
	})
}

// updateLedger applies a read-modify-write upsert. Per-subscriber
// serialization in the scheduler makes the find-or-update safe; ledger
// failures are logged and never propagated to the subscriber.
func (s *Service) updateLedger(ctx context.Context, userID int64, fn func(*ledger.Entry)) {
	if s.store == nil {
		return
	}
	e, _, err := s.store.Get(ctx, userID)
	if err != nil {
		// Upserting on top of a failed read would overwrite fields the
		// mutation does not touch (Paid, SubscribedAt) with zero values.
		s.log.Warn("ledger read failed, update skipped", logx.Int64("user_id", userID), logx.Err(err))
		return
	}
	e.UserID = userID
	fn(&e)
	e.UpdatedAt = time.Now()
	if err := s.store.Upsert(ctx, e); err != nil {
		s.log.Warn("ledger upsert failed", logx.Int64("user_id", userID), logx.Err(err))
	}
}
