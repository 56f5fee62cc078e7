package queue

import (
	"context"
	"time"

	"github.com/caravelhq/caravel/pkg/log"
	"github.com/caravelhq/caravel/pkg/metrics"
	"github.com/rs/zerolog"
)

// Sweeper runs recovery passes over a set of queues on a fixed interval
type Sweeper struct {
	queues   []*Queue
	interval time.Duration
	logger   zerolog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewSweeper creates a sweeper over the given queues
func NewSweeper(queues []*Queue, interval time.Duration) *Sweeper {
	return &Sweeper{
		queues:   queues,
		interval: interval,
		logger:   log.WithComponent("queue-sweeper"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the sweep loop
func (s *Sweeper) Start() {
	go s.run()
	s.logger.Info().Dur("interval", s.interval).Msg("sweeper started")
}

// Stop halts the sweep loop and waits for the current pass to finish
func (s *Sweeper) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Sweeper) run() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, q := range s.queues {
				ctx, cancel := context.WithTimeout(context.Background(), s.interval)
				moved, err := q.Sweep(ctx)
				cancel()
				if err != nil {
					s.logger.Error().Err(err).Str("environment", string(q.env)).Msg("sweep failed")
					continue
				}
				if moved > 0 {
					metrics.QueueRecovered.Add(float64(moved))
					s.logger.Info().Int("moved", moved).Str("environment", string(q.env)).Msg("sweep recovered entries")
				}
			}
		case <-s.stopCh:
			return
		}
	}
}
