package broadcast

import (
	"context"
	"errors"
	"time"

	kit "funnelbot/internal/transport"
	logx "funnelbot/pkg/logx"
)

func (s *Service) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-s.queue:
			s.execJob(ctx, j)
		}
	}
}

func (s *Service) execJob(ctx context.Context, j job) {
	start := time.Now()
	s.setRunning(j.id)
	s.log.Info("broadcast job started",
		logx.String("job", j.id), logx.Int("total", len(j.targets)))

	for _, t := range j.targets {
		if ctx.Err() != nil {
			break
		}
		if err := s.sendOne(ctx, j.id, t, j.text, j.opt); err != nil {
			s.markFail(j.id, t)
		}
		s.markDone(j.id)
	}
	s.finish(j.id)

	st, _ := s.Status(j.id)
	fields := []logx.Field{
		logx.String("job", j.id), logx.Int("total", st.Total),
		logx.Int("failed", st.Failed), logx.Duration("took", time.Since(start)),
	}
	if st.Failed > 0 {
		s.log.Warn("broadcast job finished with failures", fields...)
		return
	}
	s.log.Info("broadcast job finished", fields...)
}

func (s *Service) sendOne(ctx context.Context, jobID string, t kit.ChatTarget, text string, opt *kit.SendOptions) error {
	s.mu.Lock()
	lim := s.limiter
	retry := s.cfg.RetryMax
	s.mu.Unlock()

	if err := lim.Wait(ctx); err != nil {
		return err
	}
	var last error
	for i := 0; i <= retry; i++ {
		_, err := s.sender.SendText(ctx, t, text, opt)
		if err == nil {
			return nil
		}
		last = err
		// Retrying an unreachable recipient never helps.
		if errors.Is(err, kit.ErrRecipientUnreachable) || i == retry {
			break
		}
		delay := time.Duration(200+100*i) * time.Millisecond
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			return ctx.Err()
		case <-tmr.C:
		}
	}
	s.log.Warn("broadcast send failed",
		logx.String("job", jobID), logx.Int64("chat_id", t.ChatID), logx.Err(last))
	return last
}

func (s *Service) setRunning(id string) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st := s.status[id]; st != nil {
		st.StartedAt = time.Now()
		st.Running = true
	}
}

func (s *Service) markDone(id string) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st := s.status[id]; st != nil {
		st.Done++
	}
}

func (s *Service) markFail(id string, t kit.ChatTarget) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st := s.status[id]; st != nil {
		st.Failed++
		if len(st.Failures) < 200 {
			st.Failures = append(st.Failures, t)
		}
	}
}

func (s *Service) finish(id string) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st := s.status[id]; st != nil {
		st.DoneAt = time.Now()
		st.Running = false
	}
}
