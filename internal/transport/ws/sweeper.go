package ws

import (
	"context"
	"time"

	"m-sync-go/internal/platform/logging"
)

// Sweeper drives Hub.Sweep on a fixed interval.
type Sweeper struct {
	hub      *Hub
	interval time.Duration
	logger   *logging.Logger
}

// NewSweeper builds a liveness sweeper. A non-positive interval disables it.
func NewSweeper(hub *Hub, interval time.Duration, logger *logging.Logger) *Sweeper {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Sweeper{hub: hub, interval: interval, logger: logger}
}

// Run sweeps until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := s.hub.Sweep(); n > 0 {
				s.logger.InfoTag(logging.TagWS, "liveness sweep reclaimed %d connection(s)", n)
			}
		}
	}
}
