package application

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	alarms "netshield/internal/alarms/domain"
	"netshield/internal/observability/metrics"
)

const (
	queueCapacity = 256
	jobTimeout    = 60 * time.Second
)

// Profile carries per-submission creation options.
type Profile struct {
	// Cooldown overrides the type's dedup lookback window when positive.
	Cooldown time.Duration
}

type job struct {
	ID      uuid.UUID
	Alarm   *alarms.Alarm
	Profile *Profile
}

// CreationQueue serializes alarm creation through a single worker so the
// dedup check and the save it guards never race. A jammed queue is
// reinitialized once per enqueue before the submission is given up on.
type CreationQueue struct {
	service *Service
	logger  *zap.SugaredLogger

	mu     sync.Mutex
	jobs   chan job
	ctx    context.Context
	cancel context.CancelFunc
}

// NewCreationQueue constructs the queue; Start launches its worker.
func NewCreationQueue(service *Service, logger *zap.SugaredLogger) *CreationQueue {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &CreationQueue{service: service, logger: logger}
}

// Start launches the single creation worker. The worker drains until ctx is
// canceled.
func (q *CreationQueue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.startLocked(ctx)
}

func (q *CreationQueue) startLocked(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	q.ctx = workerCtx
	q.cancel = cancel
	q.jobs = make(chan job, queueCapacity)
	go q.work(workerCtx, q.jobs)
	q.logger.Infow("alarm creation queue started", "capacity", queueCapacity)
}

// Stop cancels the worker. Jobs still queued are dropped.
func (q *CreationQueue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancel != nil {
		q.cancel()
		q.cancel = nil
		q.jobs = nil
	}
}

// Enqueue submits an alarm candidate for serialized creation. When the
// queue is jammed it is torn down and rebuilt once; a second failure
// reports the queue unavailable.
func (q *CreationQueue) Enqueue(alarm *alarms.Alarm, profile *Profile) (uuid.UUID, error) {
	item := job{ID: uuid.New(), Alarm: alarm, Profile: profile}
	if q.tryEnqueue(item) {
		return item.ID, nil
	}

	q.logger.Warnw("alarm creation queue jammed, reinitializing", "type", alarm.Type)
	q.reinit()
	if q.tryEnqueue(item) {
		return item.ID, nil
	}
	return uuid.Nil, fmt.Errorf("enqueue %s: %w", alarm.Type, alarms.ErrQueueUnavailable)
}

func (q *CreationQueue) tryEnqueue(item job) bool {
	q.mu.Lock()
	jobs := q.jobs
	q.mu.Unlock()
	if jobs == nil {
		return false
	}
	select {
	case jobs <- item:
		metrics.SetQueueDepth(len(jobs))
		return true
	default:
		return false
	}
}

// reinit tears the worker down and rebuilds it, carrying whatever the dead
// worker left buffered into the fresh channel. Jobs that no longer fit are
// dropped and counted.
func (q *CreationQueue) reinit() {
	q.mu.Lock()
	defer q.mu.Unlock()
	old := q.jobs
	parent := context.Background()
	if q.ctx != nil {
		if q.cancel != nil {
			q.cancel()
		}
		parent = context.WithoutCancel(q.ctx)
	}
	q.startLocked(parent)

	requeued, dropped := 0, 0
drain:
	for old != nil {
		select {
		case item := <-old:
			select {
			case q.jobs <- item:
				requeued++
			default:
				dropped++
			}
		default:
			break drain
		}
	}
	if requeued > 0 || dropped > 0 {
		q.logger.Warnw("creation queue rebuilt", "requeued", requeued, "dropped", dropped)
	}
}

func (q *CreationQueue) work(ctx context.Context, jobs <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-jobs:
			metrics.SetQueueDepth(len(jobs))
			q.process(ctx, item)
		}
	}
}

// process runs one creation job under the per-job deadline. Expected
// rejections (duplicate, covered, remote refusal) log at info; anything
// else is an error.
func (q *CreationQueue) process(ctx context.Context, item job) {
	jobCtx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	alarm := item.Alarm
	applyOverlay(alarm, q.service.cfg, q.service.RemoteSyncEnabled())
	if alarm.Get(alarms.KeyLocalDecision) == "ignore" {
		q.logger.Infow("alarm dropped by local decision",
			"job", item.ID, "type", alarm.Type)
		metrics.ObserveQueueJob("local_ignore")
		return
	}

	aid, err := q.service.CheckAndSave(jobCtx, alarm, item.Profile)
	switch {
	case err == nil:
		if aid != "" {
			q.logger.Infow("alarm created", "job", item.ID, "aid", aid, "type", alarm.Type)
		}
		metrics.ObserveQueueJob("created")
	case alarms.IsExpectedRejection(err):
		q.logger.Infow("alarm rejected", "job", item.ID, "type", alarm.Type, "reason", err)
		metrics.ObserveQueueJob("rejected")
	default:
		q.logger.Errorw("alarm creation failed", "job", item.ID, "type", alarm.Type, "err", err)
		metrics.ObserveQueueJob("failed")
	}
}
