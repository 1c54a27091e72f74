package application

import (
	"context"
	"strconv"
	"strings"
	"time"

	alarms "netshield/internal/alarms/domain"
)

// QueryOptions bounds an active/archived listing.
type QueryOptions struct {
	Count    int
	Before   float64
	Asc      bool
	Archived bool
}

// Get loads one alarm by id, failing fast with ErrAlarmNotFound.
func (s *Service) Get(ctx context.Context, aid string) (*alarms.Alarm, error) {
	fields, err := s.store.GetAll(ctx, aid)
	if err != nil {
		return nil, err
	}
	alarm := alarms.FromFields(fields)
	if alarm == nil {
		return nil, alarms.ErrAlarmNotFound
	}
	return alarm, nil
}

// GetDetail loads the extended attributes of an alarm, with read-only
// system keys stripped.
func (s *Service) GetDetail(ctx context.Context, aid string) (map[string]string, error) {
	detail, err := s.store.GetDetail(ctx, aid)
	if err != nil {
		return nil, err
	}
	for key := range detail {
		if strings.HasPrefix(key, "r.") {
			delete(detail, key)
		}
	}
	return detail, nil
}

func (s *Service) idsToAlarms(ctx context.Context, aids []string) ([]*alarms.Alarm, error) {
	out := make([]*alarms.Alarm, 0, len(aids))
	for _, aid := range aids {
		fields, err := s.store.GetAll(ctx, aid)
		if err != nil {
			return nil, err
		}
		if alarm := alarms.FromFields(fields); alarm != nil {
			out = append(out, alarm)
		}
	}
	return out, nil
}

// LoadRecent returns every alarm in the pending and active indices whose
// timestamp falls inside the lookback window.
func (s *Service) LoadRecent(ctx context.Context, window time.Duration) ([]*alarms.Alarm, error) {
	max := now() + 1
	query := alarms.RangeQuery{Min: max - window.Seconds(), Max: max, Desc: true}

	var recent []*alarms.Alarm
	for _, idx := range []alarms.Index{alarms.IndexPending, alarms.IndexActive} {
		members, err := s.store.IndexRange(ctx, idx, query)
		if err != nil {
			s.logger.Warnw("cannot scan index for recent alarms", "index", idx, "err", err)
			continue
		}
		loaded, err := s.idsToAlarms(ctx, memberIDs(members))
		if err != nil {
			return nil, err
		}
		recent = append(recent, loaded...)
	}
	return recent, nil
}

// LoadActive pages through the active (or archive) index by score.
func (s *Service) LoadActive(ctx context.Context, opts QueryOptions) ([]*alarms.Alarm, error) {
	count := opts.Count
	if count <= 0 {
		count = 50
	}
	before := opts.Before
	if before == 0 {
		before = now()
	}
	idx := alarms.IndexActive
	if opts.Archived {
		idx = alarms.IndexArchive
	}

	query := alarms.RangeQuery{Limit: count}
	if opts.Asc {
		query.Min = before
		query.MaxInf = true
	} else {
		query.MinInf = true
		query.Max = before
		query.Desc = true
	}
	members, err := s.store.IndexRange(ctx, idx, query)
	if err != nil {
		return nil, err
	}
	return s.idsToAlarms(ctx, memberIDs(members))
}

// LoadArchived pages the archive index newest-first. Each result carries
// its archival time under the action.time attribute.
func (s *Service) LoadArchived(ctx context.Context, offset, limit int) ([]*alarms.Alarm, error) {
	if limit <= 0 {
		limit = 50
	}
	members, err := s.store.IndexRange(ctx, alarms.IndexArchive, alarms.RangeQuery{
		MinInf: true, MaxInf: true, Desc: true, Offset: offset, Limit: limit,
	})
	if err != nil {
		return nil, err
	}
	scores := make(map[string]float64, len(members))
	for _, member := range members {
		scores[member.AID] = member.Score
	}
	loaded, err := s.idsToAlarms(ctx, memberIDs(members))
	if err != nil {
		return nil, err
	}
	for _, alarm := range loaded {
		alarm.Set("action.time", strconv.FormatFloat(scores[alarm.AID], 'f', -1, 64))
	}
	return loaded, nil
}

// LoadPending pages the pending index newest-first.
func (s *Service) LoadPending(ctx context.Context, offset, limit int) ([]*alarms.Alarm, error) {
	if limit <= 0 {
		limit = 50
	}
	members, err := s.store.IndexRange(ctx, alarms.IndexPending, alarms.RangeQuery{
		MinInf: true, MaxInf: true, Desc: true, Offset: offset, Limit: limit,
	})
	if err != nil {
		return nil, err
	}
	return s.idsToAlarms(ctx, memberIDs(members))
}

// ActiveCount returns the active index cardinality.
func (s *Service) ActiveCount(ctx context.Context) (int64, error) {
	return s.store.IndexCount(ctx, alarms.IndexActive)
}

// PendingCount returns the pending index cardinality.
func (s *Service) PendingCount(ctx context.Context) (int64, error) {
	return s.store.IndexCount(ctx, alarms.IndexPending)
}

// ArchivedCount returns the archive index cardinality.
func (s *Service) ArchivedCount(ctx context.Context) (int64, error) {
	return s.store.IndexCount(ctx, alarms.IndexArchive)
}

// LoadAlarmIDs lists the membership of all three indices.
func (s *Service) LoadAlarmIDs(ctx context.Context) (active, archived, pending []string, err error) {
	if active, err = s.store.IndexMembers(ctx, alarms.IndexActive); err != nil {
		return nil, nil, nil, err
	}
	if archived, err = s.store.IndexMembers(ctx, alarms.IndexArchive); err != nil {
		return nil, nil, nil, err
	}
	if pending, err = s.store.IndexMembers(ctx, alarms.IndexPending); err != nil {
		return nil, nil, nil, err
	}
	return active, archived, pending, nil
}

// loadActiveSince returns active alarms strictly newer than since.
func (s *Service) loadActiveSince(ctx context.Context, since float64) ([]*alarms.Alarm, error) {
	members, err := s.store.IndexRange(ctx, alarms.IndexActive, alarms.RangeQuery{
		Min: since, Max: now(), Desc: true,
	})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(members))
	for _, member := range members {
		if member.Score > since {
			ids = append(ids, member.AID)
		}
	}
	return s.idsToAlarms(ctx, ids)
}

// FetchNewAlarms returns active alarms newer than since, or waits for the
// next activation up to the timeout. A timeout yields an empty slice, not
// an error.
func (s *Service) FetchNewAlarms(ctx context.Context, since float64, timeout time.Duration) ([]*alarms.Alarm, error) {
	found, err := s.loadActiveSince(ctx, since)
	if err != nil {
		return nil, err
	}
	if len(found) > 0 {
		return found, nil
	}
	if timeout <= 0 {
		timeout = time.Minute
	}

	waiter := s.addWaiter()
	defer s.removeWaiter(waiter)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case aid := <-waiter:
		alarm, err := s.Get(ctx, aid)
		if err != nil {
			return nil, err
		}
		return []*alarms.Alarm{alarm}, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Service) addWaiter() chan string {
	// Single-slot: an activation racing the select never blocks on it.
	waiter := make(chan string, 1)
	s.waiterMu.Lock()
	s.waiters = append(s.waiters, waiter)
	s.waiterMu.Unlock()
	return waiter
}

func (s *Service) removeWaiter(waiter chan string) {
	s.waiterMu.Lock()
	defer s.waiterMu.Unlock()
	for i, candidate := range s.waiters {
		if candidate == waiter {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return
		}
	}
}

func (s *Service) wakeWaiters(aid string) {
	s.waiterMu.Lock()
	defer s.waiterMu.Unlock()
	for _, waiter := range s.waiters {
		select {
		case waiter <- aid:
		default:
		}
	}
}

func memberIDs(members []alarms.Member) []string {
	ids := make([]string, len(members))
	for i, member := range members {
		ids[i] = member.AID
	}
	return ids
}
