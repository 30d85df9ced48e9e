// Package heartbeat drives the periodic work of the replication core:
// liveness pings, the retention sweep, and the missing-patch scan.
package heartbeat

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/meshlite/meshlite/internal/util/stopper"
)

var maintenanceSeconds = promauto.NewCounter(prometheus.CounterOpts{
	Name: "db_maintenance_time_seconds_total",
	Help: "total time spent in retention sweeps and heartbeat maintenance",
})

// Target is the engine surface the scheduler drives.
type Target interface {
	// RetentionSweep deletes shadow and pending rows beyond the
	// retention horizon.
	RetentionSweep(ctx context.Context) error
	// PersistentPing stores and broadcasts a peer-stat snapshot under a
	// fresh sequence id, so every peer learns the post-sweep state.
	PersistentPing(ctx context.Context) error
	// BroadcastPing sends the current peer-stat snapshot without
	// allocating a sequence id or persisting anything.
	BroadcastPing(ctx context.Context) error
	// DetectAndRequestMissing runs the gap scan.
	DetectAndRequestMissing(ctx context.Context) error
}

// Scheduler ticks every interval (with jitter) and decides which of the
// periodic jobs are due.
type Scheduler struct {
	target   Target
	interval time.Duration

	// sweepEvery defaults to one hour, re-jittered ±5 minutes after
	// every sweep so a fleet of peers doesn't garbage-collect in step.
	sweepEvery time.Duration

	now func() time.Time

	lastSweep time.Time
	lastPing  time.Time
	lastScan  time.Time
}

// New returns a Scheduler. A zero interval disables the timer entirely;
// Run becomes a no-op.
func New(target Target, interval time.Duration) *Scheduler {
	return &Scheduler{
		target:     target,
		interval:   interval,
		sweepEvery: jitteredSweepInterval(),
		now:        time.Now,
	}
}

func jitteredSweepInterval() time.Duration {
	return time.Hour + time.Duration(rand.Int63n(int64(10*time.Minute))) - 5*time.Minute
}

// Run starts the heartbeat loop.
func (s *Scheduler) Run(ctx *stopper.Context) {
	if s.interval <= 0 {
		return
	}
	start := s.now()
	s.lastSweep = start
	s.lastPing = start
	s.lastScan = start

	ctx.Go(func() error {
		timer := time.NewTimer(s.nextDelay())
		defer timer.Stop()
		for {
			select {
			case <-timer.C:
				s.Tick(ctx)
				timer.Reset(s.nextDelay())
			case <-ctx.Stopping():
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
}

// nextDelay adds up to 10% random jitter so a mesh of identically
// configured peers doesn't heartbeat in lockstep.
func (s *Scheduler) nextDelay() time.Duration {
	return s.interval + time.Duration(rand.Int63n(int64(s.interval)/10+1))
}

// Tick runs at most one ping-ish job plus the missing-patch scan.
// Exported so tests can drive the schedule deterministically.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()
	start := now
	defer func() {
		maintenanceSeconds.Add(time.Since(start).Seconds())
	}()

	switch {
	case now.Sub(s.lastSweep) >= s.sweepEvery:
		sweepID := uuid.New()
		logger := log.WithField("sweep", sweepID)
		if err := s.target.RetentionSweep(ctx); err != nil {
			logger.WithError(err).Warn("retention sweep failed")
		}
		// The persistent ping doubles as the post-GC snapshot.
		if err := s.target.PersistentPing(ctx); err != nil {
			logger.WithError(err).Warn("persistent ping failed")
		}
		s.lastSweep = now
		s.lastPing = now
		s.sweepEvery = jitteredSweepInterval()
		logger.Debug("retention sweep complete")
	case now.Sub(s.lastPing) >= s.interval:
		if err := s.target.BroadcastPing(ctx); err != nil {
			log.WithError(err).Warn("heartbeat ping failed")
		}
		s.lastPing = now
	}

	if now.Sub(s.lastScan) >= s.interval {
		if err := s.target.DetectAndRequestMissing(ctx); err != nil {
			log.WithError(err).Warn("missing-patch scan failed")
		}
		s.lastScan = now
	}
}
