package memory

import (
	"context"
	"sort"
	"sync"

	alarms "netshield/internal/alarms/domain"
)

// Store is an in-memory alarm store. It backs tests and single-box
// deployments; all operations are safe for concurrent use and the index
// transitions are atomic under one lock.
type Store struct {
	mu      sync.RWMutex
	lastID  int64
	basic   map[string]map[string]string
	detail  map[string]map[string]string
	indices map[alarms.Index]map[string]float64
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{
		basic:  make(map[string]map[string]string),
		detail: make(map[string]map[string]string),
		indices: map[alarms.Index]map[string]float64{
			alarms.IndexPending: {},
			alarms.IndexActive:  {},
			alarms.IndexArchive: {},
		},
	}
}

// NextID allocates the next monotonic alarm id.
func (s *Store) NextID(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastID++
	return s.lastID, nil
}

// SetFields merges fields into the basic hash.
func (s *Store) SetFields(_ context.Context, aid string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record := s.basic[aid]
	if record == nil {
		record = make(map[string]string, len(fields))
		s.basic[aid] = record
	}
	for key, value := range fields {
		record[key] = value
	}
	return nil
}

// GetFields reads selected basic fields. Absent keys come back empty.
func (s *Store) GetFields(_ context.Context, aid string, keys ...string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record := s.basic[aid]
	if record == nil {
		return nil, nil
	}
	out := make(map[string]string, len(keys))
	for _, key := range keys {
		if value, ok := record[key]; ok {
			out[key] = value
		}
	}
	return out, nil
}

// GetAll reads the full basic hash, nil when the alarm does not exist.
func (s *Store) GetAll(_ context.Context, aid string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record := s.basic[aid]
	if record == nil {
		return nil, nil
	}
	return cloneFields(record), nil
}

// SetDetail merges fields into the extended detail hash.
func (s *Store) SetDetail(_ context.Context, aid string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record := s.detail[aid]
	if record == nil {
		record = make(map[string]string, len(fields))
		s.detail[aid] = record
	}
	for key, value := range fields {
		record[key] = value
	}
	return nil
}

// GetDetail reads the extended detail hash.
func (s *Store) GetDetail(_ context.Context, aid string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record := s.detail[aid]
	if record == nil {
		return nil, nil
	}
	return cloneFields(record), nil
}

// Delete unlinks both hashes and removes the id from every index.
func (s *Store) Delete(_ context.Context, aid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.basic, aid)
	delete(s.detail, aid)
	for _, index := range s.indices {
		delete(index, aid)
	}
	return nil
}

// IndexAdd inserts or updates an index entry. With nx set an existing entry
// is left untouched and false is returned.
func (s *Store) IndexAdd(_ context.Context, idx alarms.Index, aid string, score float64, nx bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.indexAddLocked(idx, aid, score, nx), nil
}

// IndexRemove removes ids from an index and reports how many were present.
func (s *Store) IndexRemove(_ context.Context, idx alarms.Index, aids ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for _, aid := range aids {
		if s.indexRemoveLocked(idx, aid) {
			removed++
		}
	}
	return removed, nil
}

// IndexRange scans an index by score bounds.
func (s *Store) IndexRange(_ context.Context, idx alarms.Index, q alarms.RangeQuery) ([]alarms.Member, error) {
	s.mu.RLock()
	members := make([]alarms.Member, 0, len(s.indices[idx]))
	for aid, score := range s.indices[idx] {
		if !q.MinInf && score < q.Min {
			continue
		}
		if !q.MaxInf && score > q.Max {
			continue
		}
		members = append(members, alarms.Member{AID: aid, Score: score})
	}
	s.mu.RUnlock()

	sort.Slice(members, func(i, j int) bool {
		if members[i].Score != members[j].Score {
			if q.Desc {
				return members[i].Score > members[j].Score
			}
			return members[i].Score < members[j].Score
		}
		return members[i].AID < members[j].AID
	})

	if q.Offset > 0 {
		if q.Offset >= len(members) {
			return nil, nil
		}
		members = members[q.Offset:]
	}
	if q.Limit > 0 && len(members) > q.Limit {
		members = members[:q.Limit]
	}
	return members, nil
}

// IndexMembers lists every id in an index, unordered.
func (s *Store) IndexMembers(_ context.Context, idx alarms.Index) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.indices[idx]))
	for aid := range s.indices[idx] {
		out = append(out, aid)
	}
	sort.Strings(out)
	return out, nil
}

// IndexCount returns the index cardinality.
func (s *Store) IndexCount(_ context.Context, idx alarms.Index) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.indices[idx])), nil
}

// Activate atomically moves an id from pending (and optionally archive)
// into the active index, NX on insert.
func (s *Store) Activate(_ context.Context, aid string, score float64, unarchive bool) (alarms.MoveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := alarms.MoveResult{}
	result.Removed = s.indexRemoveLocked(alarms.IndexPending, aid)
	if unarchive {
		s.indexRemoveLocked(alarms.IndexArchive, aid)
	}
	result.Added = s.indexAddLocked(alarms.IndexActive, aid, score, true)
	return result, nil
}

// Archive atomically moves an id from active into the archive index, NX,
// scored by archival time.
func (s *Store) Archive(_ context.Context, aid string, at float64) (alarms.MoveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := alarms.MoveResult{}
	result.Removed = s.indexRemoveLocked(alarms.IndexActive, aid)
	if s.indexRemoveLocked(alarms.IndexPending, aid) {
		result.Removed = true
	}
	result.Added = s.indexAddLocked(alarms.IndexArchive, aid, at, true)
	return result, nil
}

func (s *Store) indexAddLocked(idx alarms.Index, aid string, score float64, nx bool) bool {
	index := s.indices[idx]
	if index == nil {
		index = make(map[string]float64)
		s.indices[idx] = index
	}
	if _, exists := index[aid]; exists && nx {
		return false
	}
	index[aid] = score
	return true
}

func (s *Store) indexRemoveLocked(idx alarms.Index, aid string) bool {
	index := s.indices[idx]
	if index == nil {
		return false
	}
	if _, exists := index[aid]; !exists {
		return false
	}
	delete(index, aid)
	return true
}

func cloneFields(fields map[string]string) map[string]string {
	out := make(map[string]string, len(fields))
	for key, value := range fields {
		out[key] = value
	}
	return out
}
