package alarms

import "context"

// Index names the three time-ordered membership sets. An alarm id lives in
// at most one of them at any time.
type Index string

const (
	IndexPending Index = "pending"
	IndexActive  Index = "active"
	IndexArchive Index = "archive"
)

// Member is an index entry with its score (alarm timestamp, or archival
// time for the archive index).
type Member struct {
	AID   string
	Score float64
}

// MoveResult reports what an atomic index transition actually changed.
// NX-guarded inserts report Added=false when another writer landed first.
type MoveResult struct {
	Removed bool
	Added   bool
}

// RangeQuery bounds an index scan by score.
type RangeQuery struct {
	Min    float64
	Max    float64
	MinInf bool
	MaxInf bool
	Desc   bool
	Offset int
	Limit  int
}

// Store is the keyed persistence consumed by the engine: a basic hash and
// an extended detail hash per alarm id, plus the three scored indices.
// Multi-step transitions (Activate, Archive) are single atomic operations.
type Store interface {
	// NextID allocates the next monotonic alarm id.
	NextID(ctx context.Context) (int64, error)

	SetFields(ctx context.Context, aid string, fields map[string]string) error
	GetFields(ctx context.Context, aid string, keys ...string) (map[string]string, error)
	GetAll(ctx context.Context, aid string) (map[string]string, error)
	SetDetail(ctx context.Context, aid string, fields map[string]string) error
	GetDetail(ctx context.Context, aid string) (map[string]string, error)

	// Delete unlinks both hashes and removes the id from every index.
	Delete(ctx context.Context, aid string) error

	IndexAdd(ctx context.Context, idx Index, aid string, score float64, nx bool) (bool, error)
	IndexRemove(ctx context.Context, idx Index, aids ...string) (int64, error)
	IndexRange(ctx context.Context, idx Index, q RangeQuery) ([]Member, error)
	IndexMembers(ctx context.Context, idx Index) ([]string, error)
	IndexCount(ctx context.Context, idx Index) (int64, error)

	// Activate atomically removes the id from the pending index (and the
	// archive index when unarchive is set) and adds it to the active index
	// with NX semantics.
	Activate(ctx context.Context, aid string, score float64, unarchive bool) (MoveResult, error)

	// Archive atomically removes the id from the active and pending
	// indices and adds it to the archive index, NX, scored by archival
	// time.
	Archive(ctx context.Context, aid string, at float64) (MoveResult, error)
}
