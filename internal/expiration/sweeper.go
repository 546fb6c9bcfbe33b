// Package expiration removes uploads whose retention window has elapsed.
package expiration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"resumable/pkg/logger"
	"resumable/pkg/storage"
	"resumable/pkg/upload"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

// RecordUID is the reserved upload holding the time of the last sweep. It
// never matches the shape of a generated uid.
const RecordUID = "last-expiration"

const lastRunKey = "last_run"

var sweepsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "resumable",
		Subsystem: "expiration",
		Name:      "sweeps_total",
		Help:      "Total number of expiration sweeps by result",
	},
	[]string{"result"},
)

// Sweeper periodically calls Engine.Expire. The last run is persisted through
// the engine so restarts and multiple processes share one schedule.
type Sweeper struct {
	engine    storage.Engine
	interval  time.Duration
	retention time.Duration

	now      func() time.Time
	throttle rate.Sometimes
	wg       sync.WaitGroup
}

// New returns a sweeper that expires uploads older than retention at most once
// per interval.
func New(engine storage.Engine, interval, retention time.Duration) *Sweeper {
	return &Sweeper{
		engine:    engine,
		interval:  interval,
		retention: retention,
		now:       time.Now,
		throttle:  rate.Sometimes{Interval: interval},
	}
}

// SweepIfDue starts a sweep in the background when the persisted last run is
// older than the interval. It never blocks the caller and never fails.
func (s *Sweeper) SweepIfDue(ctx context.Context) {
	s.throttle.Do(func() {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.sweepIfDue(context.WithoutCancel(ctx)); err != nil {
				s.report(err)
			}
		}()
	})
}

// Wait blocks until background sweeps have finished.
func (s *Sweeper) Wait() {
	s.wg.Wait()
}

func (s *Sweeper) sweepIfDue(ctx context.Context) error {
	last, err := s.lastRun(ctx)
	if err != nil {
		return err
	}
	if s.now().Sub(last) <= s.interval {
		sweepsTotal.WithLabelValues("skipped").Inc()
		return nil
	}
	return s.Sweep(ctx)
}

// Sweep records the current time as the last run and expires everything last
// modified before now minus the retention window.
func (s *Sweeper) Sweep(ctx context.Context) error {
	now := s.now()
	if err := s.record(ctx, now); err != nil {
		return err
	}

	cutoff := now.Add(-s.retention)
	if err := s.engine.Expire(ctx, cutoff); err != nil {
		return fmt.Errorf("expiration: expire: %w", err)
	}

	sweepsTotal.WithLabelValues("done").Inc()
	logger.Ctx(ctx).Info().Time("cutoff", cutoff).Msg("expired uploads")
	return nil
}

func (s *Sweeper) lastRun(ctx context.Context) (time.Time, error) {
	info, err := s.engine.ReadInfo(ctx, RecordUID)
	if errors.Is(err, storage.ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("expiration: read last run: %w", err)
	}

	value := info.Metadata.Lookup(lastRunKey)
	if value == "" {
		return time.Time{}, nil
	}
	last, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("expiration: parse last run %q: %w", value, err)
	}
	return last, nil
}

func (s *Sweeper) record(ctx context.Context, at time.Time) error {
	info := &upload.Info{
		DeferLength: true,
		Metadata:    upload.Metadata{{Key: lastRunKey, Value: []byte(at.UTC().Format(time.RFC3339Nano))}},
	}

	err := s.engine.UpdateInfo(ctx, RecordUID, info)
	if errors.Is(err, storage.ErrNotFound) {
		if err = s.engine.Create(ctx, RecordUID, info); err == nil {
			err = s.engine.UpdateInfo(ctx, RecordUID, info)
		}
	}
	if err != nil {
		return fmt.Errorf("expiration: record last run: %w", err)
	}
	return nil
}

func (s *Sweeper) report(err error) {
	sweepsTotal.WithLabelValues("error").Inc()
	logger.Error().Err(err).Msg("expiration sweep failed")
	sentry.CaptureException(err)
}
