package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"funnelbot/internal/ledger"
	kit "funnelbot/internal/transport"
	logx "funnelbot/pkg/logx"
)

// Sender is the outbound capability the fan-out uses. Implemented by the
// telegram adapter.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

// Service fans a text message out to every subscribed ledger entry through
// a bounded worker pool with rate limiting and per-target retry.
type Service struct {
	mu sync.Mutex

	cfg    Config
	sender Sender
	store  ledger.Store
	log    logx.Logger

	limiter *rate.Limiter
	queue   chan job

	runCancel context.CancelFunc
	workerWG  sync.WaitGroup

	statusMu sync.RWMutex
	status   map[string]*JobStatus
}

func New(cfg Config, sender Sender, store ledger.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Service{
		cfg:     cfg,
		sender:  sender,
		store:   store,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		queue:   make(chan job, 64),
		status:  map[string]*JobStatus{},
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the configuration. Live pool resizing is out of scope; the
// new worker count applies on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg.withDefaults()
	s.limiter = rate.NewLimiter(rate.Limit(s.cfg.RatePerSec), s.cfg.RatePerSec)
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.runCancel = cancel

	workers := s.cfg.Workers
	s.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer s.workerWG.Done()
			s.worker(runCtx)
		}()
	}
	s.log.Info("broadcast started",
		logx.Int("workers", workers), logx.Int("rps", s.cfg.RatePerSec))
}

// Stop cancels the workers and waits for them within ctx. Queued jobs stay
// queued and run after the next Start.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	cancel := s.runCancel
	s.runCancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("broadcast stopped")
	case <-ctx.Done():
		s.log.Warn("broadcast stop timed out; workers finish in background")
	}
}

// Send enqueues a fan-out of text to all currently subscribed ledger
// entries and returns the job id and target count.
func (s *Service) Send(ctx context.Context, text string) (string, int, error) {
	if s.store == nil {
		return "", 0, errors.New("broadcast requires a ledger")
	}
	entries, err := s.store.List(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("list subscribers: %w", err)
	}
	var targets []kit.ChatTarget
	for _, e := range entries {
		if e.Subscribed() {
			targets = append(targets, kit.ChatTarget{ChatID: e.UserID})
		}
	}

	id := fmt.Sprintf("bc:%d", time.Now().UnixNano())
	st := &JobStatus{ID: id, Total: len(targets), CreatedAt: time.Now()}
	s.statusMu.Lock()
	s.status[id] = st
	s.statusMu.Unlock()

	select {
	case s.queue <- job{id: id, targets: targets, text: text}:
		s.log.Debug("broadcast job enqueued",
			logx.String("job", id), logx.Int("total", len(targets)))
	default:
		s.log.Warn("broadcast queue full; dropping job", logx.String("job", id))
		s.statusMu.Lock()
		st.Failed = st.Total
		st.DoneAt = time.Now()
		s.statusMu.Unlock()
		return id, len(targets), errors.New("broadcast queue full")
	}
	return id, len(targets), nil
}

// Status returns a copy of the job's progress.
func (s *Service) Status(jobID string) (JobStatus, bool) {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	st, ok := s.status[jobID]
	if !ok {
		return JobStatus{}, false
	}
	cp := *st
	cp.Failures = append([]kit.ChatTarget(nil), st.Failures...)
	return cp, true
}
