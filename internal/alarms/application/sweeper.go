package application

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	alarms "netshield/internal/alarms/domain"
	"netshield/internal/observability/metrics"
)

const sweepInterval = 60 * time.Second

// SweepPending walks the pending index and resolves every entry whose
// decision window has expired: undecided alarms past the deadline are
// activated with a "timeout" decision, ready alarms are activated
// unconditionally, and entries for alarms that already reached a final
// state are dropped from the index. With remote sync disabled every
// undecided alarm activates immediately regardless of age.
func (s *Service) SweepPending(ctx context.Context) error {
	started := time.Now()
	defer func() { metrics.ObserveSweep(time.Since(started)) }()

	members, err := s.store.IndexRange(ctx, alarms.IndexPending, alarms.RangeQuery{MinInf: true, MaxInf: true})
	if err != nil {
		return err
	}
	if len(members) == 0 {
		return nil
	}

	deadline := now() - maxFloat(s.cfg.PendingTimeoutSeconds(), sweepInterval.Seconds())
	syncEnabled := s.RemoteSyncEnabled()

	for _, member := range members {
		fields, err := s.store.GetFields(ctx, member.AID, "state", "alarmTimestamp")
		if err != nil {
			s.logger.Errorw("sweep: failed to load alarm", "aid", member.AID, "err", err)
			continue
		}
		state := alarms.State(fields["state"])
		ts, _ := strconv.ParseFloat(fields["alarmTimestamp"], 64)
		if ts == 0 {
			ts = member.Score
		}

		switch state {
		case alarms.StateInit, alarms.StatePending:
			if !syncEnabled || ts < deadline {
				alarm := &alarms.Alarm{AID: member.AID, State: alarms.StateReady, Timestamp: ts}
				if err := s.Activate(ctx, alarm, ActivateOptions{
					OriginState: state,
					Decision:    "timeout",
				}); err != nil {
					s.logger.Errorw("sweep: activation failed", "aid", member.AID, "err", err)
					continue
				}
				metrics.ObserveSweepTransition("timeout")
			}
		case alarms.StateReady:
			alarm := &alarms.Alarm{AID: member.AID, State: alarms.StateReady, Timestamp: ts}
			if err := s.Activate(ctx, alarm, ActivateOptions{OriginState: state}); err != nil {
				s.logger.Errorw("sweep: activation failed", "aid", member.AID, "err", err)
				continue
			}
			metrics.ObserveSweepTransition("activated")
		case alarms.StateActivated, alarms.StateIgnore:
			// Stale index entry; the alarm already left the pending stage.
			if _, err := s.store.IndexRemove(ctx, alarms.IndexPending, member.AID); err != nil {
				s.logger.Errorw("sweep: failed to drop stale entry", "aid", member.AID, "err", err)
				continue
			}
			metrics.ObserveSweepTransition("stale")
		default:
			s.logger.Warnw("sweep: alarm in unexpected state", "aid", member.AID, "state", state)
		}
	}
	return nil
}

// Sweeper runs the pending sweep on a fixed interval until its context is
// canceled.
type Sweeper struct {
	service  *Service
	interval time.Duration
	logger   *zap.SugaredLogger
}

// NewSweeper constructs a sweeper over the service with the standard
// interval.
func NewSweeper(service *Service, logger *zap.SugaredLogger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Sweeper{service: service, interval: sweepInterval, logger: logger}
}

// Start blocks, sweeping every interval, until ctx is canceled.
func (w *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	w.logger.Infow("pending sweeper started", "interval", w.interval)
	for {
		select {
		case <-ctx.Done():
			w.logger.Infow("pending sweeper stopped")
			return
		case <-ticker.C:
			if err := w.service.SweepPending(ctx); err != nil {
				w.logger.Errorw("pending sweep failed", "err", err)
			}
		}
	}
}
