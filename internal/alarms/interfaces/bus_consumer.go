package interfaces

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"netshield/internal/alarms/application"
	"netshield/internal/config"
	"netshield/internal/eventing"
)

// BusConsumer wires the bus topics the alarm engine consumes: raw alarm
// candidates, remote sync batches, and dynamic feature toggles.
type BusConsumer struct {
	service  *application.Service
	queue    *application.CreationQueue
	features *config.FeatureSet
	logger   *zap.SugaredLogger
}

// NewBusConsumer constructs a consumer.
func NewBusConsumer(service *application.Service, queue *application.CreationQueue, features *config.FeatureSet, logger *zap.SugaredLogger) (*BusConsumer, error) {
	if service == nil || queue == nil || features == nil {
		return nil, errors.New("bus consumer: nil dependency")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &BusConsumer{service: service, queue: queue, features: features, logger: logger}, nil
}

// Register subscribes every handler on the bus.
func (c *BusConsumer) Register(bus *eventing.Bus) {
	bus.Subscribe(eventing.TopicAlarmCreate, c.HandleAlarmCreate)
	bus.Subscribe(eventing.TopicAlarmRemoteSync, c.HandleRemoteSync)
	bus.Subscribe(eventing.TopicFeatureEnable, c.HandleFeatureEnable)
	bus.Subscribe(eventing.TopicFeatureDisable, c.HandleFeatureDisable)
}

// HandleAlarmCreate builds a candidate from the raw attribute map and hands
// it to the creation queue. Malformed candidates are logged and dropped so
// the topic keeps flowing.
func (c *BusConsumer) HandleAlarmCreate(ctx context.Context, env eventing.Envelope) error {
	var raw map[string]any
	if err := json.Unmarshal(env.Payload, &raw); err != nil {
		c.logger.Warnw("malformed alarm candidate dropped", "event_id", env.EventID, "err", err)
		return nil
	}
	alarm, err := c.service.BuildCandidate(ctx, raw)
	if err != nil {
		c.logger.Warnw("alarm candidate rejected", "event_id", env.EventID, "err", err)
		return nil
	}
	if _, err := c.queue.Enqueue(alarm, nil); err != nil {
		return err
	}
	return nil
}

// HandleRemoteSync applies a batch of remote decisions.
func (c *BusConsumer) HandleRemoteSync(ctx context.Context, env eventing.Envelope) error {
	var batch map[string][]map[string]string
	if err := json.Unmarshal(env.Payload, &batch); err != nil {
		c.logger.Warnw("malformed remote sync batch dropped", "event_id", env.EventID, "err", err)
		return nil
	}
	return c.service.ApplyRemoteSync(ctx, batch)
}

// HandleFeatureEnable turns a dynamic feature on.
func (c *BusConsumer) HandleFeatureEnable(ctx context.Context, env eventing.Envelope) error {
	name, ok := c.featureName(env)
	if !ok {
		return nil
	}
	c.features.Set(name, true)
	c.logger.Infow("feature enabled", "feature", name)
	return nil
}

// HandleFeatureDisable turns a dynamic feature off. Disabling remote sync
// releases every parked alarm, so the pending sweep runs immediately
// instead of waiting for the next tick.
func (c *BusConsumer) HandleFeatureDisable(ctx context.Context, env eventing.Envelope) error {
	name, ok := c.featureName(env)
	if !ok {
		return nil
	}
	c.features.Set(name, false)
	c.logger.Infow("feature disabled", "feature", name)
	if name == config.FeatureRemoteSync {
		if err := c.service.SweepPending(ctx); err != nil {
			c.logger.Errorw("sweep after remote sync disable failed", "err", err)
		}
	}
	return nil
}

func (c *BusConsumer) featureName(env eventing.Envelope) (string, bool) {
	var name string
	if err := json.Unmarshal(env.Payload, &name); err != nil {
		c.logger.Warnw("malformed feature toggle dropped", "event_id", env.EventID, "err", err)
		return "", false
	}
	return name, name != ""
}
