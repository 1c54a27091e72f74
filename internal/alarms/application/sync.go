package application

import (
	"context"
	"strconv"

	alarms "netshield/internal/alarms/domain"
)

// ApplyRemoteSync processes a batch of remote decisions keyed by command.
// Only "apply" is understood; unknown commands are logged and skipped.
// Per-alarm failures never abort the batch.
func (s *Service) ApplyRemoteSync(ctx context.Context, batch map[string][]map[string]string) error {
	for cmd, items := range batch {
		if cmd != "apply" {
			s.logger.Warnw("unknown remote sync command", "cmd", cmd)
			continue
		}
		for _, attrs := range items {
			if err := s.applyRemoteDecision(ctx, attrs); err != nil {
				s.logger.Errorw("failed to apply remote decision",
					"aid", attrs["aid"], "err", err)
			}
		}
	}
	return nil
}

// applyRemoteDecision merges the remote attribute set onto one stored alarm
// and performs the state transition the remote requested. The remote may
// only move an alarm to ready or ignore, and a re-decision (flipping an
// alarm that already reached a final state) is honored only for the
// active-to-ignore and ignore-to-ready pairs; anything else is dropped.
func (s *Service) applyRemoteDecision(ctx context.Context, attrs map[string]string) error {
	aid := attrs["aid"]
	if aid == "" {
		s.logger.Warnw("remote decision without alarm id dropped")
		return nil
	}
	orig, err := s.Get(ctx, aid)
	if err != nil {
		return err
	}

	originState := orig.State
	originDecision := orig.Decision()

	target := alarms.State(attrs["state"])
	if target != alarms.StateReady && target != alarms.StateIgnore {
		s.logger.Warnw("remote decision with unsupported target state dropped",
			"aid", aid, "state", attrs["state"])
		return nil
	}
	if !redecisionAllowed(originState, target) {
		s.logger.Warnw("remote re-decision not allowed, dropped",
			"aid", aid, "from", originState, "to", target)
		return nil
	}

	changed := map[string]string{}
	for key, value := range attrs {
		if key == "aid" || key == "type" {
			continue
		}
		if orig.Get(key) != value {
			changed[key] = value
		}
	}
	changed["applyTimestamp"] = strconv.FormatFloat(now(), 'f', -1, 64)
	if err := s.store.SetFields(ctx, aid, changed); err != nil {
		return err
	}
	for key, value := range changed {
		if key != "state" {
			orig.Set(key, value)
		}
	}
	orig.State = target

	opts := ActivateOptions{
		OriginState:    originState,
		OriginDecision: originDecision,
	}
	switch target {
	case alarms.StateReady:
		if originDecision != "" {
			opts.Decision = originDecision + ",active"
		} else {
			opts.Decision = "active"
		}
		return s.Activate(ctx, orig, opts)
	case alarms.StateIgnore:
		return s.RemoteIgnore(ctx, aid, opts)
	}
	return nil
}

// redecisionAllowed gates transitions for alarms that already left the
// pending stage. Fresh decisions (from init, pending or ready) always pass.
func redecisionAllowed(from, to alarms.State) bool {
	switch from {
	case alarms.StateInit, alarms.StatePending, alarms.StateReady:
		return true
	case alarms.StateActivated:
		return to == alarms.StateIgnore
	case alarms.StateIgnore:
		return to == alarms.StateReady
	}
	return false
}
