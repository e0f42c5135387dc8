package catalog

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"funnelbot/pkg/logx"
)

// Service reads the content sequence from the configured file and keeps an
// optional cached snapshot. Reads always return a consistent slice; callers
// must not mutate it.
type Service struct {
	log logx.Logger

	mu        sync.Mutex
	cfg       Config
	items     []Item
	fetchedAt time.Time
	cron      *cron.Cron
}

func New(cfg Config, log logx.Logger) *Service {
	return &Service{log: log, cfg: cfg}
}

// Items returns the current sequence, reloading from the source when the
// cache window is stale or caching is disabled.
func (s *Service) Items(ctx context.Context) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.items != nil && s.cfg.CacheTTL > 0 && time.Since(s.fetchedAt) < s.cfg.CacheTTL {
		return s.items, nil
	}
	return s.reloadLocked()
}

// Item returns the item at index, or ok=false when index is outside the
// sequence.
func (s *Service) Item(ctx context.Context, index int) (Item, bool, error) {
	items, err := s.Items(ctx)
	if err != nil {
		return Item{}, false, err
	}
	if index < 0 || index >= len(items) {
		return Item{}, false, nil
	}
	return items[index], true, nil
}

// Len reports the sequence length.
func (s *Service) Len(ctx context.Context) (int, error) {
	items, err := s.Items(ctx)
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

func (s *Service) reloadLocked() ([]Item, error) {
	items, err := loadFile(s.cfg.Path)
	if err != nil {
		if s.items != nil {
			// Serve the last good snapshot; the source may come back.
			s.log.Warn("catalog reload failed, serving stale snapshot",
				logx.String("path", s.cfg.Path), logx.Err(err))
			return s.items, nil
		}
		return nil, err
	}
	s.items = items
	s.fetchedAt = time.Now()
	s.log.Debug("catalog loaded",
		logx.String("path", s.cfg.Path), logx.Int("items", len(items)))
	return items, nil
}

func loadFile(path string) ([]Item, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".xlsm":
		return parseXLSXFile(path)
	default:
		return parseCSVFile(path)
	}
}

// Start launches the background refresh schedule when one is configured.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startCronLocked()
}

func (s *Service) startCronLocked() error {
	if s.cfg.Refresh == "" {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(s.cfg.Refresh, s.refreshNow); err != nil {
		return fmt.Errorf("catalog refresh schedule %q: %w", s.cfg.Refresh, err)
	}
	c.Start()
	s.cron = c
	s.log.Info("catalog refresh scheduled", logx.String("spec", s.cfg.Refresh))
	return nil
}

func (s *Service) refreshNow() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.reloadLocked(); err != nil {
		s.log.Warn("catalog scheduled refresh failed",
			logx.String("path", s.cfg.Path), logx.Err(err))
	}
}

// Apply swaps the configuration. A changed path or refresh spec takes effect
// immediately; the cached snapshot is dropped so the next read hits the new
// source.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	restartCron := cfg.Refresh != s.cfg.Refresh
	if cfg.Path != s.cfg.Path {
		s.items = nil
		s.fetchedAt = time.Time{}
	}
	s.cfg = cfg
	if !restartCron {
		return nil
	}
	if s.cron != nil {
		s.cron.Stop()
		s.cron = nil
	}
	return s.startCronLocked()
}

// Stop halts the refresh schedule.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		ctx := s.cron.Stop()
		s.cron = nil
		select {
		case <-ctx.Done():
		case <-time.After(2 * time.Second):
		}
	}
}
