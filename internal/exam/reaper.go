package exam

import (
	"context"
	"log/slog"
	"time"
)

const reaperInterval = time.Minute

// StartPendingReaper runs a background goroutine that cancels pending answers
// nobody has retried, skipped or cancelled within ttl. Cancelling never
// touches progress, so the candidate can simply record the question again.
func (s *Service) StartPendingReaper(ctx context.Context, ttl time.Duration) {
	ticker := time.NewTicker(reaperInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("pending answer reaper started", "interval", reaperInterval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				s.ReapPending(ttl)
			case <-ctx.Done():
				slog.Info("pending answer reaper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// ReapPending cancels idle pending answers older than ttl and returns how many it cancelled.
func (s *Service) ReapPending(ttl time.Duration) int {
	cutoff := s.now().Add(-ttl)

	s.mu.Lock()
	var stale []*job
	for _, j := range s.pending {
		if touched, idle := j.idleSince(); idle && touched.Before(cutoff) {
			stale = append(stale, j)
		}
	}
	s.mu.Unlock()

	reaped := 0
	for _, j := range stale {
		if !j.coord.Cancel() {
			continue
		}
		s.release(j)
		reaped++
		slog.Info("pending answer expired",
			"user_id", j.ref.UserID,
			"category", j.ref.Category,
			"question", j.ref.Question,
			"attempts", j.coord.Attempts())
	}
	return reaped
}
