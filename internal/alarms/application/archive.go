package application

import (
	"context"
	"fmt"
	"strings"
	"time"

	alarms "netshield/internal/alarms/domain"
)

// Archive moves one alarm out of the active index into the archive, NX so
// a re-archived alarm keeps its original archival time.
func (s *Service) Archive(ctx context.Context, aid string) error {
	if _, err := s.store.Archive(ctx, aid, now()); err != nil {
		return fmt.Errorf("alarm service: archive %s: %w", aid, err)
	}
	return nil
}

// Ignore archives an alarm on user request. With matchAll set it derives an
// exception from the alarm and the user input and archives every pending or
// active alarm the derived rule covers, returning exactly the archived ids.
func (s *Service) Ignore(ctx context.Context, aid string, userInput map[string]string, matchAll bool) ([]string, error) {
	alarm, err := s.Get(ctx, aid)
	if err != nil {
		return nil, err
	}
	s.logger.Infow("ignoring alarm", "aid", aid, "matchAll", matchAll)

	if !matchAll {
		if err := s.Archive(ctx, alarm.AID); err != nil {
			return nil, err
		}
		return []string{alarm.AID}, nil
	}

	related, err := s.loadRelatedAlarms(ctx, alarm, userInput)
	if err != nil {
		return nil, err
	}
	for _, relatedID := range related {
		if err := s.Archive(ctx, relatedID); err != nil {
			return nil, err
		}
	}
	return related, nil
}

// loadRelatedAlarms derives an exception covering the alarm and collects
// the ids of every recent alarm it matches, the source alarm included.
func (s *Service) loadRelatedAlarms(ctx context.Context, alarm *alarms.Alarm, userInput map[string]string) ([]string, error) {
	exception, err := s.exceptions.Derive(alarm, userInput)
	if err != nil {
		return nil, fmt.Errorf("alarm service: derive exception: %w", err)
	}
	recent, err := s.LoadRecent(ctx, 7*24*time.Hour)
	if err != nil {
		return nil, err
	}
	related := []string{alarm.AID}
	for _, candidate := range recent {
		if candidate.AID == alarm.AID {
			continue
		}
		if exception.Match(candidate) {
			related = append(related, candidate.AID)
		}
	}
	return related, nil
}

// RemoteIgnore applies an ignore decision from the remote authority:
// append to the decision trail, then archive. A no-op when the alarm was
// already ignored at the origin.
func (s *Service) RemoteIgnore(ctx context.Context, aid string, opts ActivateOptions) error {
	if opts.OriginState == alarms.StateIgnore {
		return nil
	}
	trail := "ignore"
	if opts.OriginDecision != "" {
		trail = opts.OriginDecision + ",ignore"
	}
	if err := s.store.SetFields(ctx, aid, map[string]string{
		"state":               string(alarms.StateIgnore),
		alarms.KeyMSPDecision: trail,
	}); err != nil {
		return fmt.Errorf("alarm service: remote ignore %s: %w", aid, err)
	}
	return s.Archive(ctx, aid)
}

// ArchiveByException archives every undisposed active alarm a newly
// created exception covers, recording the disposition on each.
func (s *Service) ArchiveByException(ctx context.Context, eid string) ([]*alarms.Alarm, error) {
	exception, err := s.exceptions.Get(ctx, eid)
	if err != nil {
		return nil, fmt.Errorf("alarm service: load exception %s: %w", eid, err)
	}
	covered, err := s.findSimilarByException(ctx, exception, "")
	if err != nil {
		return nil, err
	}
	for _, alarm := range covered {
		alarm.Set(alarms.KeyResultException, exception.EID())
		alarm.Set(alarms.KeyResult, alarms.ResultArchiveByException)
		if err := s.UpdateAlarm(ctx, alarm); err != nil {
			return nil, err
		}
		if err := s.Archive(ctx, alarm.AID); err != nil {
			return nil, err
		}
	}
	return covered, nil
}

// BlockOutcome reports a manual or automatic block disposition.
type BlockOutcome struct {
	Policy        alarms.Policy
	BlockedIDs    []string
	AlreadyExists bool
}

// BlockFromAlarm creates an enforcement policy from the alarm, records the
// disposition, archives the alarm (unless it was an automatic block), and
// sweeps other active alarms the new policy covers.
func (s *Service) BlockFromAlarm(ctx context.Context, aid string, info alarms.BlockInfo) (BlockOutcome, error) {
	var outcome BlockOutcome

	alarm, err := s.Get(ctx, aid)
	if err != nil {
		return outcome, err
	}

	policy, alreadyExists, err := s.policies.CreateFromAlarm(ctx, alarm, info)
	if err != nil {
		return outcome, fmt.Errorf("alarm service: create policy from %s: %w", aid, err)
	}
	outcome.Policy = policy
	outcome.AlreadyExists = alreadyExists

	alarm.Set(alarms.KeyResultPolicy, policy.PID())
	alarm.Set(alarms.KeyResult, alarms.ResultBlock)
	if info.Method == alarms.MethodAuto {
		alarm.Set(alarms.KeyResultMethod, alarms.MethodAuto)
	}
	if err := s.UpdateAlarm(ctx, alarm); err != nil {
		return outcome, err
	}
	if info.Method != alarms.MethodAuto {
		if err := s.Archive(ctx, alarm.AID); err != nil {
			return outcome, err
		}
	}

	covered, err := s.findSimilarByPolicy(ctx, policy, alarm.AID)
	if err != nil {
		s.logger.Warnw("failed to scan alarms covered by new policy", "pid", policy.PID(), "err", err)
		return outcome, nil
	}
	for _, other := range covered {
		other.Set(alarms.KeyResultPolicy, policy.PID())
		other.Set(alarms.KeyResult, alarms.ResultBlock)
		if info.Method == alarms.MethodAuto {
			other.Set(alarms.KeyResultMethod, alarms.MethodAuto)
		}
		if err := s.UpdateAlarm(ctx, other); err != nil {
			s.logger.Errorw("failed to block covered alarm", "aid", other.AID, "err", err)
			continue
		}
		if err := s.Archive(ctx, other.AID); err != nil {
			s.logger.Errorw("failed to archive covered alarm", "aid", other.AID, "err", err)
			continue
		}
		outcome.BlockedIDs = append(outcome.BlockedIDs, other.AID)
	}
	return outcome, nil
}

// AllowOutcome reports an allow disposition.
type AllowOutcome struct {
	Exception     alarms.Exception
	AllowedIDs    []string
	AlreadyExists bool
}

// AllowFromAlarm derives and saves an exception from the alarm, records
// the disposition, archives it, and sweeps other active alarms the new
// exception covers.
func (s *Service) AllowFromAlarm(ctx context.Context, aid string, userInput map[string]string) (AllowOutcome, error) {
	var outcome AllowOutcome

	alarm, err := s.Get(ctx, aid)
	if err != nil {
		return outcome, err
	}

	derived, err := s.exceptions.Derive(alarm, userInput)
	if err != nil {
		return outcome, fmt.Errorf("alarm service: derive exception from %s: %w", aid, err)
	}
	exception, alreadyExists, err := s.exceptions.CheckAndSave(ctx, derived)
	if err != nil {
		return outcome, fmt.Errorf("alarm service: save exception: %w", err)
	}
	outcome.Exception = exception
	outcome.AlreadyExists = alreadyExists

	alarm.Set(alarms.KeyResultException, exception.EID())
	alarm.Set(alarms.KeyResult, alarms.ResultAllow)
	if err := s.UpdateAlarm(ctx, alarm); err != nil {
		return outcome, err
	}
	if err := s.Archive(ctx, alarm.AID); err != nil {
		return outcome, err
	}

	covered, err := s.findSimilarByException(ctx, exception, alarm.AID)
	if err != nil {
		s.logger.Warnw("failed to scan alarms covered by new exception", "eid", exception.EID(), "err", err)
		return outcome, nil
	}
	for _, other := range covered {
		other.Set(alarms.KeyResultException, exception.EID())
		other.Set(alarms.KeyResult, alarms.ResultAllow)
		if err := s.UpdateAlarm(ctx, other); err != nil {
			s.logger.Errorw("failed to allow covered alarm", "aid", other.AID, "err", err)
			continue
		}
		if err := s.Archive(ctx, other.AID); err != nil {
			s.logger.Errorw("failed to archive covered alarm", "aid", other.AID, "err", err)
			continue
		}
		outcome.AllowedIDs = append(outcome.AllowedIDs, other.AID)
	}
	return outcome, nil
}

func (s *Service) findSimilarByPolicy(ctx context.Context, policy alarms.Policy, excludeAID string) ([]*alarms.Alarm, error) {
	return s.findSimilar(ctx, excludeAID, policy.Match)
}

func (s *Service) findSimilarByException(ctx context.Context, exception alarms.Exception, excludeAID string) ([]*alarms.Alarm, error) {
	return s.findSimilar(ctx, excludeAID, exception.Match)
}

// findSimilar scans recent active alarms for undisposed matches.
func (s *Service) findSimilar(ctx context.Context, excludeAID string, match func(*alarms.Alarm) bool) ([]*alarms.Alarm, error) {
	active, err := s.LoadActive(ctx, QueryOptions{Count: 200})
	if err != nil {
		return nil, err
	}
	var similar []*alarms.Alarm
	for _, alarm := range active {
		if alarm.AID == excludeAID {
			continue
		}
		if alarm.Get(alarms.KeyResult) != "" {
			continue
		}
		if match(alarm) {
			similar = append(similar, alarm)
		}
	}
	return similar, nil
}

// RemoveAlarm destroys an alarm entirely: both hashes unlinked, all index
// entries removed. Deletion is always explicit, never implicit.
func (s *Service) RemoveAlarm(ctx context.Context, aid string) error {
	return s.store.Delete(ctx, aid)
}

// DeleteMACRelatedAlarms purges the last week of alarms raised for one
// device MAC.
func (s *Service) DeleteMACRelatedAlarms(ctx context.Context, mac string) error {
	recent, err := s.LoadRecent(ctx, 7*24*time.Hour)
	if err != nil {
		return err
	}
	target := strings.ToUpper(mac)
	for _, alarm := range recent {
		if alarm.DeviceMAC() != "" && alarm.DeviceMAC() == target {
			if err := s.store.Delete(ctx, alarm.AID); err != nil {
				return err
			}
		}
	}
	return nil
}
