package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Sweeper removes terminal call sessions whose grace window has passed.
type Sweeper interface {
	SweepTerminal(ctx context.Context, grace time.Duration) (int64, error)
}

// CleanupJob periodically sweeps terminal sessions out of the call
// registry. Terminal sessions are kept for a short grace window so late
// status polls still observe the final state.
type CleanupJob struct {
	sweeper  Sweeper
	grace    time.Duration
	interval time.Duration
	done     chan struct{}
}

func NewCleanupJob(sweeper Sweeper, grace, interval time.Duration) *CleanupJob {
	return &CleanupJob{
		sweeper:  sweeper,
		grace:    grace,
		interval: interval,
		done:     make(chan struct{}),
	}
}

func (j *CleanupJob) Start() {
	go j.run()
	log.Info().Dur("interval", j.interval).Dur("grace", j.grace).Msg("cleanup job started")
}

func (j *CleanupJob) Stop() {
	close(j.done)
	log.Info().Msg("cleanup job stopped")
}

func (j *CleanupJob) run() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.cleanup()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.cleanup()
		}
	}
}

func (j *CleanupJob) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	count, err := j.sweeper.SweepTerminal(ctx, j.grace)
	if err != nil {
		log.Error().Err(err).Msg("failed to sweep terminal calls")
	} else if count > 0 {
		log.Info().Int64("count", count).Msg("swept terminal calls")
	}
}
