package application

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	alarms "netshield/internal/alarms/domain"
	"netshield/internal/config"
	"netshield/internal/eventing"
	"netshield/internal/observability/metrics"
)

const defaultDedupWindow = 15 * time.Minute

// EventPublisher publishes engine events to the pub/sub transport.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Notifier delivers out-of-band new-alarm notifications (webhook, app push).
type Notifier interface {
	NotifyNewAlarm(ctx context.Context, alarm *alarms.Alarm)
}

// NewAlarmEvent is the payload published on the alarm:new topic.
type NewAlarmEvent struct {
	AlarmID string `json:"alarmID"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Deps wires the engine's collaborators.
type Deps struct {
	Store      alarms.Store
	Exceptions alarms.ExceptionService
	Policies   alarms.PolicyService
	Trust      alarms.TrustService
	Arbitrator alarms.Arbitrator
	Devices    alarms.DeviceResolver
	Unblocks   alarms.UnblockList
	Features   alarms.Features
	Publisher  EventPublisher
	Notifier   Notifier
	Logger     *zap.SugaredLogger
	Config     config.Config
}

// Service drives alarm arbitration, persistence and lifecycle transitions.
// Creation traffic is expected to arrive serialized through the creation
// queue; index moves are NX-guarded so the remaining paths stay race-safe.
type Service struct {
	store      alarms.Store
	exceptions alarms.ExceptionService
	policies   alarms.PolicyService
	trust      alarms.TrustService
	arbitrator alarms.Arbitrator
	devices    alarms.DeviceResolver
	unblocks   alarms.UnblockList
	features   alarms.Features
	publisher  EventPublisher
	notifier   Notifier
	logger     *zap.SugaredLogger
	cfg        config.Config

	waiterMu sync.Mutex
	waiters  []chan string
}

// NewService constructs the engine service.
func NewService(deps Deps) (*Service, error) {
	if deps.Store == nil {
		return nil, errors.New("alarm service: nil store")
	}
	if deps.Exceptions == nil || deps.Policies == nil || deps.Trust == nil {
		return nil, errors.New("alarm service: nil matcher")
	}
	if deps.Arbitrator == nil {
		return nil, errors.New("alarm service: nil arbitrator")
	}
	if deps.Devices == nil {
		return nil, errors.New("alarm service: nil device resolver")
	}
	if deps.Features == nil {
		return nil, errors.New("alarm service: nil features")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	return &Service{
		store:      deps.Store,
		exceptions: deps.Exceptions,
		policies:   deps.Policies,
		trust:      deps.Trust,
		arbitrator: deps.Arbitrator,
		devices:    deps.Devices,
		unblocks:   deps.Unblocks,
		features:   deps.Features,
		publisher:  deps.Publisher,
		notifier:   deps.Notifier,
		logger:     deps.Logger,
		cfg:        deps.Config,
	}, nil
}

// RemoteSyncEnabled reports whether the remote-sync feature gates creation
// into the pending stage.
func (s *Service) RemoteSyncEnabled() bool {
	return s.features.IsEnabled(config.FeatureRemoteSync)
}

// BuildCandidate constructs and enriches an alarm candidate from a raw
// attribute map. A device that cannot be resolved is fatal for the
// candidate.
func (s *Service) BuildCandidate(ctx context.Context, raw map[string]any) (*alarms.Alarm, error) {
	alarm, err := alarms.Construct(raw)
	if err != nil {
		return nil, err
	}
	if err := s.enrichDevice(ctx, alarm); err != nil {
		return nil, err
	}
	return alarm, nil
}

func (s *Service) enrichDevice(ctx context.Context, alarm *alarms.Alarm) error {
	key := alarm.DeviceKey()
	if key == "" {
		return fmt.Errorf("%w: no device identity", alarms.ErrMissingRequiredField)
	}
	device, err := s.devices.Resolve(ctx, key)
	if err != nil {
		return fmt.Errorf("alarm service: resolve device %s: %w", key, err)
	}
	if device == nil {
		return fmt.Errorf("%w: unknown device %s", alarms.ErrMissingRequiredField, key)
	}
	if alarm.Get(alarms.KeyDeviceName) == "" && device.Name != "" {
		alarm.Set(alarms.KeyDeviceName, device.Name)
	}
	if alarm.Get(alarms.KeyDeviceMAC) == "" && device.MAC != "" {
		alarm.Set(alarms.KeyDeviceMAC, device.MAC)
	}
	if device.Vendor != "" {
		alarm.Set("p.device.vendor", device.Vendor)
	}
	return nil
}

// IsDuplicate reports whether a logically identical alarm exists in the
// pending or active indices within the effective lookback window.
func (s *Service) IsDuplicate(ctx context.Context, candidate *alarms.Alarm, profile *Profile) (bool, error) {
	window := defaultDedupWindow
	if typed := candidate.ExpirationWindow(); typed > 0 {
		window = typed
	}
	if profile != nil && profile.Cooldown > 0 {
		window = profile.Cooldown
	}

	recent, err := s.LoadRecent(ctx, window)
	if err != nil {
		return false, err
	}
	for _, existing := range recent {
		if candidate.SameAs(existing) {
			s.logger.Debugw("duplicate alarm within window",
				"type", candidate.Type, "existing", existing.AID, "window", window)
			return true, nil
		}
	}
	return false, nil
}

// CheckAndSave runs the arbitration pipeline and, when every stage passes,
// persists and activates the alarm. A remote "ignore" decision terminates
// successfully with an empty id and nothing persisted. Each rejection is a
// named sentinel so the caller can pick its log level.
func (s *Service) CheckAndSave(ctx context.Context, alarm *alarms.Alarm, profile *Profile) (string, error) {
	if err := alarm.Validate(); err != nil {
		return "", err
	}

	dup, err := s.IsDuplicate(ctx, alarm, profile)
	if err != nil {
		return "", err
	}
	if dup {
		metrics.ObserveAlarmRejected("duplicate")
		return "", alarms.ErrDuplicateAlarm
	}

	matched, err := s.exceptions.Match(ctx, alarm)
	if err != nil {
		return "", fmt.Errorf("alarm service: exception match: %w", err)
	}
	if len(matched) > 0 {
		for _, exception := range matched {
			s.logger.Infow("matched exception", "eid", exception.EID())
			if err := s.exceptions.IncrementMatchCount(ctx, exception.EID()); err != nil {
				s.logger.Warnw("failed to bump exception match count",
					"eid", exception.EID(), "err", err)
			}
		}
		metrics.ObserveAlarmRejected("exception")
		return "", alarms.ErrCoveredByException
	}

	if s.policyMatchApplies(ctx, alarm) {
		_, covered, err := s.policies.Match(ctx, alarm)
		if err != nil {
			return "", fmt.Errorf("alarm service: policy match: %w", err)
		}
		if covered {
			metrics.ObserveAlarmRejected("policy")
			return "", alarms.ErrCoveredByPolicy
		}
	}

	trusted, err := s.trust.Covers(ctx, alarm)
	if err != nil {
		return "", fmt.Errorf("alarm service: trust match: %w", err)
	}
	if trusted {
		metrics.ObserveAlarmRejected("trust")
		return "", alarms.ErrCoveredByTrust
	}

	arbitrated, err := s.arbitrator.Arbitrate(ctx, alarm)
	if err != nil {
		return "", fmt.Errorf("alarm service: remote arbitration: %w", err)
	}
	if arbitrated == nil {
		metrics.ObserveAlarmRejected("remote")
		return "", alarms.ErrRemoteRejected
	}
	alarm = arbitrated

	switch alarm.Get(alarms.KeyCloudDecision) {
	case "ignore":
		s.logger.Infow("alarm ignored by remote decision", "type", alarm.Type)
		return "", nil
	case "block":
		s.logger.Infow("remote decision is auto-block",
			"type", alarm.Type, "device", alarm.Get(alarms.KeyDeviceIP),
			"dest", alarm.Get(alarms.KeyDestIP))
	}

	aid, err := s.saveAlarm(ctx, alarm)
	if err != nil {
		return "", err
	}
	if err := s.Activate(ctx, alarm, ActivateOptions{OriginState: alarms.StateInit}); err != nil {
		return "", err
	}
	metrics.ObserveAlarmCreated()
	return aid, nil
}

// Policy match is skipped for devices exempt from ACL enforcement and for
// customized alarms.
func (s *Service) policyMatchApplies(ctx context.Context, alarm *alarms.Alarm) bool {
	if alarm.Type == alarms.TypeCustomized {
		return false
	}
	device, err := s.devices.Resolve(ctx, alarm.DeviceKey())
	if err != nil {
		s.logger.Warnw("device resolve failed during policy gate", "err", err)
		return true
	}
	if device != nil && !device.ACLEnabled {
		return false
	}
	return true
}

func (s *Service) saveAlarm(ctx context.Context, alarm *alarms.Alarm) (string, error) {
	if alarm.AID == "" {
		id, err := s.store.NextID(ctx)
		if err != nil {
			return "", fmt.Errorf("alarm service: allocate id: %w", err)
		}
		alarm.AID = strconv.FormatInt(id, 10)
	}

	basic, extended := alarms.SplitFields(alarm.Fields())
	if err := s.store.SetFields(ctx, alarm.AID, basic); err != nil {
		return "", fmt.Errorf("alarm service: save alarm %s: %w", alarm.AID, err)
	}
	if len(extended) > 0 {
		// Extended detail is optional; losing it never invalidates the
		// basic record.
		if err := s.store.SetDetail(ctx, alarm.AID, extended); err != nil {
			s.logger.Errorw("failed to store alarm detail", "aid", alarm.AID, "err", err)
		}
	}

	if s.RemoteSyncEnabled() && alarm.State == alarms.StatePending {
		if _, err := s.store.IndexAdd(ctx, alarms.IndexPending, alarm.AID, alarm.Timestamp, true); err != nil {
			return "", fmt.Errorf("alarm service: park pending %s: %w", alarm.AID, err)
		}
	}
	return alarm.AID, nil
}

// UpdateAlarm rewrites an alarm's stored fields.
func (s *Service) UpdateAlarm(ctx context.Context, alarm *alarms.Alarm) error {
	if alarm == nil || alarm.AID == "" {
		return alarms.ErrAlarmNotFound
	}
	basic, extended := alarms.SplitFields(alarm.Fields())
	if err := s.store.SetFields(ctx, alarm.AID, basic); err != nil {
		return err
	}
	if len(extended) > 0 {
		return s.store.SetDetail(ctx, alarm.AID, extended)
	}
	return nil
}

// ActivateOptions carries transition context into Activate.
type ActivateOptions struct {
	// OriginState is the state the alarm held before this transition.
	OriginState alarms.State
	// OriginDecision is the decision trail recorded at the origin.
	OriginDecision string
	// Decision, when set, replaces the stored decision trail.
	Decision string
}

// Activate performs the immediate-activation transition: state write,
// atomic pending-to-active index move (NX), auto-block evaluation, and the
// new-alarm notification. Gating rules make it safe to call with stale
// state: already-activated and still-pending alarms are left alone.
func (s *Service) Activate(ctx context.Context, alarm *alarms.Alarm, opts ActivateOptions) error {
	if alarm == nil || alarm.AID == "" {
		return alarms.ErrAlarmNotFound
	}

	unarchive := false
	if s.RemoteSyncEnabled() {
		if alarm.State == alarms.StateActivated || opts.OriginState == alarms.StateActivated {
			s.logger.Warnw("alarm already activated", "aid", alarm.AID)
			return nil
		}
		if alarm.State == alarms.StatePending {
			s.logger.Debugw("alarm still pending", "aid", alarm.AID)
			return nil
		}
		if alarm.State == alarms.StateReady && opts.OriginState == alarms.StateIgnore {
			unarchive = true
		}
	}

	alarm.State = alarms.StateActivated
	update := map[string]string{"state": string(alarms.StateActivated)}
	if opts.Decision != "" {
		update[alarms.KeyMSPDecision] = opts.Decision
		alarm.Set(alarms.KeyMSPDecision, opts.Decision)
	}
	if err := s.store.SetFields(ctx, alarm.AID, update); err != nil {
		return fmt.Errorf("alarm service: activate %s: %w", alarm.AID, err)
	}

	// Reload so auto-block sees the complete stored record, not just the
	// partial view sweep or sync passed in.
	if stored, err := s.store.GetAll(ctx, alarm.AID); err == nil {
		if full := alarms.FromFields(stored); full != nil {
			full.State = alarms.StateActivated
			alarm = full
		}
	}

	score := alarm.Timestamp
	if score == 0 {
		score = now()
	}
	result, err := s.store.Activate(ctx, alarm.AID, score, unarchive)
	if err != nil {
		return fmt.Errorf("alarm service: index move %s: %w", alarm.AID, err)
	}
	if s.RemoteSyncEnabled() {
		if !result.Removed && opts.OriginState != alarms.StateInit {
			s.logger.Warnw("alarm missing from pending index", "aid", alarm.AID)
		}
		if !result.Added {
			s.logger.Warnw("alarm already present in active index", "aid", alarm.AID)
		}
	}

	s.autoBlock(ctx, alarm)
	s.notifyNewAlarm(ctx, alarm)
	return nil
}

// autoBlock runs the post-activation enforcement evaluation. Failures here
// are logged and never fail the activation that triggered them.
func (s *Service) autoBlock(ctx context.Context, alarm *alarms.Alarm) {
	fire, err := s.shouldAutoBlock(ctx, alarm)
	if err != nil {
		s.logger.Errorw("auto-block evaluation failed", "aid", alarm.AID, "err", err)
		return
	}
	if !fire || !s.cfg.AutoBlock || !s.features.IsEnabled(config.FeatureAutoBlock) {
		return
	}

	info := alarms.BlockInfo{
		Method:   alarms.MethodAuto,
		Category: alarm.Get(alarms.KeyDestCategory),
	}
	if _, err := s.BlockFromAlarm(ctx, alarm.AID, info); err != nil {
		s.logger.Errorw("auto-block failed", "aid", alarm.AID, "err", err)
		return
	}

	if alarm.Get(alarms.KeyDestIP) != "" {
		alarm.Set("if.target", alarm.Get(alarms.KeyDestIP))
		alarm.Set("if.type", "ip")
		if err := s.arbitrator.SubmitFeedback(ctx, "autoblock", alarm); err != nil {
			s.logger.Warnw("auto-block feedback failed", "aid", alarm.AID, "err", err)
		}
	}
}

// shouldAutoBlock decides enforcement in order: explicit unblock veto, the
// new-device block feature, then the remote block decision or action flag.
func (s *Service) shouldAutoBlock(ctx context.Context, alarm *alarms.Alarm) (bool, error) {
	if s.unblocks != nil {
		for _, target := range []string{alarm.Get(alarms.KeyDestIP), alarm.Get(alarms.KeyDestName)} {
			if target == "" {
				continue
			}
			unblocked, err := s.unblocks.Contains(ctx, target)
			if err != nil {
				return false, err
			}
			if unblocked {
				return false, nil
			}
		}
	}

	if alarm.Type == alarms.TypeNewDevice && s.features.IsEnabled(config.FeatureNewDeviceBlock) {
		return true, nil
	}

	if alarm.Get(alarms.KeyCloudDecision) == "block" || alarm.ActionBlock() {
		return true, nil
	}
	return false, nil
}

func (s *Service) notifyNewAlarm(ctx context.Context, alarm *alarms.Alarm) {
	event := NewAlarmEvent{
		AlarmID: alarm.AID,
		Type:    string(alarm.Type),
		Message: alarm.Message,
	}
	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, eventing.TopicAlarmNew, event); err != nil {
			s.logger.Warnw("failed to publish new alarm event", "aid", alarm.AID, "err", err)
		}
	}
	if s.notifier != nil {
		s.notifier.NotifyNewAlarm(ctx, alarm)
	}
	s.wakeWaiters(alarm.AID)
}

func now() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
