package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	alarms "netshield/internal/alarms/domain"
	"netshield/internal/alarms/infrastructure/memory"
	"netshield/internal/config"
)

type stubException struct {
	id    string
	match func(*alarms.Alarm) bool
}

func (s *stubException) EID() string { return s.id }
func (s *stubException) Match(alarm *alarms.Alarm) bool {
	return s.match != nil && s.match(alarm)
}

type fakeExceptions struct {
	mu    sync.Mutex
	rules []*stubException
	hits  map[string]int
}

func newFakeExceptions() *fakeExceptions {
	return &fakeExceptions{hits: map[string]int{}}
}

func (f *fakeExceptions) Match(_ context.Context, alarm *alarms.Alarm) ([]alarms.Exception, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var matched []alarms.Exception
	for _, rule := range f.rules {
		if rule.Match(alarm) {
			matched = append(matched, rule)
		}
	}
	return matched, nil
}

func (f *fakeExceptions) IncrementMatchCount(_ context.Context, eid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hits[eid]++
	return nil
}

func (f *fakeExceptions) Get(_ context.Context, eid string) (alarms.Exception, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rule := range f.rules {
		if rule.id == eid {
			return rule, nil
		}
	}
	return nil, fmt.Errorf("no exception %s", eid)
}

func (f *fakeExceptions) Derive(alarm *alarms.Alarm, _ map[string]string) (alarms.Exception, error) {
	typ, mac := alarm.Type, alarm.DeviceMAC()
	return &stubException{match: func(candidate *alarms.Alarm) bool {
		return candidate.Type == typ && candidate.DeviceMAC() == mac
	}}, nil
}

func (f *fakeExceptions) CheckAndSave(_ context.Context, exception alarms.Exception) (alarms.Exception, bool, error) {
	rule := exception.(*stubException)
	f.mu.Lock()
	defer f.mu.Unlock()
	rule.id = fmt.Sprintf("e%d", len(f.rules)+1)
	f.rules = append(f.rules, rule)
	return rule, false, nil
}

type stubPolicy struct {
	id    string
	match func(*alarms.Alarm) bool
}

func (s *stubPolicy) PID() string { return s.id }
func (s *stubPolicy) Match(alarm *alarms.Alarm) bool {
	return s.match != nil && s.match(alarm)
}

type fakePolicies struct {
	mu         sync.Mutex
	rules      []*stubPolicy
	matchCalls int
	created    []alarms.BlockInfo
}

func (f *fakePolicies) Match(_ context.Context, alarm *alarms.Alarm) (alarms.Policy, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.matchCalls++
	for _, rule := range f.rules {
		if rule.Match(alarm) {
			return rule, true, nil
		}
	}
	return nil, false, nil
}

func (f *fakePolicies) CreateFromAlarm(_ context.Context, alarm *alarms.Alarm, info alarms.BlockInfo) (alarms.Policy, bool, error) {
	target := info.Target
	if target == "" {
		target = alarm.Get(alarms.KeyDestIP)
	}
	rule := &stubPolicy{match: func(candidate *alarms.Alarm) bool {
		return candidate.Get(alarms.KeyDestIP) == target && target != ""
	}}
	f.mu.Lock()
	defer f.mu.Unlock()
	rule.id = fmt.Sprintf("p%d", len(f.rules)+1)
	f.rules = append(f.rules, rule)
	f.created = append(f.created, info)
	return rule, false, nil
}

type fakeTrust struct{ covered bool }

func (f *fakeTrust) Covers(_ context.Context, _ *alarms.Alarm) (bool, error) {
	return f.covered, nil
}

type fakeArbitrator struct {
	mu       sync.Mutex
	reject   bool
	decision string
	feedback []string
}

func (f *fakeArbitrator) Arbitrate(_ context.Context, alarm *alarms.Alarm) (*alarms.Alarm, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject {
		return nil, nil
	}
	if f.decision != "" {
		alarm.Set(alarms.KeyCloudDecision, f.decision)
	}
	return alarm, nil
}

func (f *fakeArbitrator) SubmitFeedback(_ context.Context, kind string, _ *alarms.Alarm) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feedback = append(f.feedback, kind)
	return nil
}

type fakeDevices struct{ aclOff map[string]bool }

func (f *fakeDevices) Resolve(_ context.Context, ipOrMAC string) (*alarms.Device, error) {
	if ipOrMAC == "" {
		return nil, nil
	}
	return &alarms.Device{MAC: ipOrMAC, ACLEnabled: !f.aclOff[ipOrMAC]}, nil
}

type fakeUnblocks struct{ targets map[string]bool }

func (f *fakeUnblocks) Contains(_ context.Context, target string) (bool, error) {
	return f.targets[target], nil
}

type env struct {
	store      *memory.Store
	exceptions *fakeExceptions
	policies   *fakePolicies
	trust      *fakeTrust
	arbitrator *fakeArbitrator
	devices    *fakeDevices
	unblocks   *fakeUnblocks
	features   *config.FeatureSet
	service    *Service
}

func newEnv(t *testing.T, cfg config.Config, featureSeed map[string]bool) *env {
	t.Helper()
	e := &env{
		store:      memory.NewStore(),
		exceptions: newFakeExceptions(),
		policies:   &fakePolicies{},
		trust:      &fakeTrust{},
		arbitrator: &fakeArbitrator{},
		devices:    &fakeDevices{aclOff: map[string]bool{}},
		unblocks:   &fakeUnblocks{targets: map[string]bool{}},
		features:   config.NewFeatureSet(featureSeed),
	}
	service, err := NewService(Deps{
		Store:      e.store,
		Exceptions: e.exceptions,
		Policies:   e.policies,
		Trust:      e.trust,
		Arbitrator: e.arbitrator,
		Devices:    e.devices,
		Unblocks:   e.unblocks,
		Features:   e.features,
		Config:     cfg,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	e.service = service
	return e
}

func intelAlarm(t *testing.T, mac, dest string) *alarms.Alarm {
	t.Helper()
	alarm, err := alarms.Construct(map[string]any{
		"type":         "ALARM_INTEL",
		"p.device.ip":  "192.168.1.10",
		"p.device.mac": mac,
		"p.dest.ip":    dest,
	})
	if err != nil {
		t.Fatalf("construct intel alarm: %v", err)
	}
	return alarm
}

func newDeviceAlarm(t *testing.T, mac string) *alarms.Alarm {
	t.Helper()
	alarm, err := alarms.Construct(map[string]any{
		"type":         "ALARM_NEW_DEVICE",
		"p.device.mac": mac,
	})
	if err != nil {
		t.Fatalf("construct new-device alarm: %v", err)
	}
	return alarm
}

func TestCheckAndSaveCreatesAndActivates(t *testing.T) {
	e := newEnv(t, config.Config{}, nil)
	ctx := context.Background()

	aid, err := e.service.CheckAndSave(ctx, intelAlarm(t, "AA:BB:CC:DD:EE:01", "203.0.113.9"), nil)
	if err != nil {
		t.Fatalf("check and save: %v", err)
	}
	if aid == "" {
		t.Fatalf("no aid assigned")
	}

	stored, err := e.service.Get(ctx, aid)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.State != alarms.StateActivated {
		t.Fatalf("state = %s, want %s", stored.State, alarms.StateActivated)
	}
	active, _ := e.store.IndexCount(ctx, alarms.IndexActive)
	pending, _ := e.store.IndexCount(ctx, alarms.IndexPending)
	if active != 1 || pending != 0 {
		t.Fatalf("index counts active=%d pending=%d", active, pending)
	}
}

func TestDuplicateWithinWindow(t *testing.T) {
	e := newEnv(t, config.Config{}, nil)
	ctx := context.Background()

	if _, err := e.service.CheckAndSave(ctx, newDeviceAlarm(t, "AA:BB:CC:DD:EE:01"), nil); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := e.service.CheckAndSave(ctx, newDeviceAlarm(t, "AA:BB:CC:DD:EE:01"), nil)
	if !errors.Is(err, alarms.ErrDuplicateAlarm) {
		t.Fatalf("err = %v, want ErrDuplicateAlarm", err)
	}

	// A different device is not a duplicate.
	if _, err := e.service.CheckAndSave(ctx, newDeviceAlarm(t, "AA:BB:CC:DD:EE:02"), nil); err != nil {
		t.Fatalf("different device: %v", err)
	}
}

func TestDuplicateOutsideWindow(t *testing.T) {
	e := newEnv(t, config.Config{}, nil)
	ctx := context.Background()

	old := newDeviceAlarm(t, "AA:BB:CC:DD:EE:01")
	old.Timestamp -= (16 * time.Minute).Seconds() // beyond the 15m window
	if _, err := e.service.CheckAndSave(ctx, old, nil); err != nil {
		t.Fatalf("old create: %v", err)
	}
	if _, err := e.service.CheckAndSave(ctx, newDeviceAlarm(t, "AA:BB:CC:DD:EE:01"), nil); err != nil {
		t.Fatalf("outside window should create: %v", err)
	}
}

func TestProfileCooldownOverridesWindow(t *testing.T) {
	e := newEnv(t, config.Config{}, nil)
	ctx := context.Background()

	old := newDeviceAlarm(t, "AA:BB:CC:DD:EE:01")
	old.Timestamp -= (16 * time.Minute).Seconds()
	if _, err := e.service.CheckAndSave(ctx, old, nil); err != nil {
		t.Fatalf("old create: %v", err)
	}
	// A one-hour cooldown widens the lookback past the old alarm.
	_, err := e.service.CheckAndSave(ctx, newDeviceAlarm(t, "AA:BB:CC:DD:EE:01"), &Profile{Cooldown: time.Hour})
	if !errors.Is(err, alarms.ErrDuplicateAlarm) {
		t.Fatalf("err = %v, want ErrDuplicateAlarm under cooldown", err)
	}
}

func TestExceptionShortCircuitsBeforePolicy(t *testing.T) {
	e := newEnv(t, config.Config{}, nil)
	ctx := context.Background()

	e.exceptions.rules = append(e.exceptions.rules, &stubException{
		id:    "e1",
		match: func(alarm *alarms.Alarm) bool { return alarm.Type == alarms.TypeIntel },
	})
	e.policies.rules = append(e.policies.rules, &stubPolicy{
		id:    "p1",
		match: func(*alarms.Alarm) bool { return true },
	})

	_, err := e.service.CheckAndSave(ctx, intelAlarm(t, "AA:BB:CC:DD:EE:01", "203.0.113.9"), nil)
	if !errors.Is(err, alarms.ErrCoveredByException) {
		t.Fatalf("err = %v, want ErrCoveredByException", err)
	}
	if e.exceptions.hits["e1"] != 1 {
		t.Fatalf("exception hit count = %d, want 1", e.exceptions.hits["e1"])
	}
	if e.policies.matchCalls != 0 {
		t.Fatalf("policy consulted %d times after exception short-circuit", e.policies.matchCalls)
	}
}

func TestPolicyCoverage(t *testing.T) {
	e := newEnv(t, config.Config{}, nil)
	ctx := context.Background()
	e.policies.rules = append(e.policies.rules, &stubPolicy{
		id:    "p1",
		match: func(alarm *alarms.Alarm) bool { return alarm.Get(alarms.KeyDestIP) == "203.0.113.9" },
	})

	_, err := e.service.CheckAndSave(ctx, intelAlarm(t, "AA:BB:CC:DD:EE:01", "203.0.113.9"), nil)
	if !errors.Is(err, alarms.ErrCoveredByPolicy) {
		t.Fatalf("err = %v, want ErrCoveredByPolicy", err)
	}
}

func TestPolicySkippedWhenACLOff(t *testing.T) {
	e := newEnv(t, config.Config{}, nil)
	ctx := context.Background()
	e.devices.aclOff["AA:BB:CC:DD:EE:01"] = true
	e.policies.rules = append(e.policies.rules, &stubPolicy{
		id:    "p1",
		match: func(*alarms.Alarm) bool { return true },
	})

	aid, err := e.service.CheckAndSave(ctx, intelAlarm(t, "AA:BB:CC:DD:EE:01", "203.0.113.9"), nil)
	if err != nil {
		t.Fatalf("acl-off device should bypass policy match: %v", err)
	}
	if aid == "" {
		t.Fatalf("no aid assigned")
	}
	if e.policies.matchCalls != 0 {
		t.Fatalf("policy consulted for acl-off device")
	}
}

func TestTrustCovered(t *testing.T) {
	e := newEnv(t, config.Config{}, nil)
	e.trust.covered = true
	_, err := e.service.CheckAndSave(context.Background(), intelAlarm(t, "AA:BB:CC:DD:EE:01", "203.0.113.9"), nil)
	if !errors.Is(err, alarms.ErrCoveredByTrust) {
		t.Fatalf("err = %v, want ErrCoveredByTrust", err)
	}
}

func TestRemoteRejected(t *testing.T) {
	e := newEnv(t, config.Config{}, nil)
	e.arbitrator.reject = true
	_, err := e.service.CheckAndSave(context.Background(), intelAlarm(t, "AA:BB:CC:DD:EE:01", "203.0.113.9"), nil)
	if !errors.Is(err, alarms.ErrRemoteRejected) {
		t.Fatalf("err = %v, want ErrRemoteRejected", err)
	}
}

func TestRemoteIgnoreDecisionIsSuccessfulNoop(t *testing.T) {
	e := newEnv(t, config.Config{}, nil)
	ctx := context.Background()
	e.arbitrator.decision = "ignore"

	aid, err := e.service.CheckAndSave(ctx, intelAlarm(t, "AA:BB:CC:DD:EE:01", "203.0.113.9"), nil)
	if err != nil {
		t.Fatalf("remote ignore must not be an error: %v", err)
	}
	if aid != "" {
		t.Fatalf("remote ignore must not persist, got aid %s", aid)
	}
	for _, idx := range []alarms.Index{alarms.IndexPending, alarms.IndexActive, alarms.IndexArchive} {
		count, _ := e.store.IndexCount(ctx, idx)
		if count != 0 {
			t.Fatalf("index %s not empty after remote ignore", idx)
		}
	}
}

func TestRemoteReadyPendingScenario(t *testing.T) {
	e := newEnv(t, config.Config{}, map[string]bool{config.FeatureRemoteSync: true})
	ctx := context.Background()

	// With remote sync on, an undecided alarm parks in the pending stage.
	parked := intelAlarm(t, "AA:BB:CC:DD:EE:01", "203.0.113.9")
	parked.State = alarms.StatePending
	aid, err := e.service.CheckAndSave(ctx, parked, nil)
	if err != nil {
		t.Fatalf("check and save: %v", err)
	}
	pending, _ := e.store.IndexCount(ctx, alarms.IndexPending)
	active, _ := e.store.IndexCount(ctx, alarms.IndexActive)
	if pending != 1 || active != 0 {
		t.Fatalf("parked alarm: pending=%d active=%d", pending, active)
	}
	fields, _ := e.store.GetFields(ctx, aid, "state")
	if fields["state"] != string(alarms.StatePending) {
		t.Fatalf("state = %q, want pending", fields["state"])
	}

	// A remote-ready alarm of a different destination activates immediately.
	ready := intelAlarm(t, "AA:BB:CC:DD:EE:01", "203.0.113.10")
	ready.Set(alarms.KeyMSPReady, "1")
	ready.State = alarms.StateReady
	readyAID, err := e.service.CheckAndSave(ctx, ready, nil)
	if err != nil {
		t.Fatalf("remote-ready create: %v", err)
	}
	fields, _ = e.store.GetFields(ctx, readyAID, "state")
	if fields["state"] != string(alarms.StateActivated) {
		t.Fatalf("remote-ready state = %q, want active", fields["state"])
	}
}

func TestAutoBlockOnRemoteDecision(t *testing.T) {
	e := newEnv(t, config.Config{AutoBlock: true}, map[string]bool{config.FeatureAutoBlock: true})
	ctx := context.Background()
	e.arbitrator.decision = "block"

	aid, err := e.service.CheckAndSave(ctx, intelAlarm(t, "AA:BB:CC:DD:EE:01", "203.0.113.9"), nil)
	if err != nil {
		t.Fatalf("check and save: %v", err)
	}
	if len(e.policies.created) != 1 {
		t.Fatalf("policies created = %d, want 1", len(e.policies.created))
	}
	if e.policies.created[0].Method != alarms.MethodAuto {
		t.Fatalf("block method = %q, want auto", e.policies.created[0].Method)
	}
	stored, err := e.service.Get(ctx, aid)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Get(alarms.KeyResult) != alarms.ResultBlock {
		t.Fatalf("result = %q, want block", stored.Get(alarms.KeyResult))
	}
	if stored.Get(alarms.KeyResultMethod) != alarms.MethodAuto {
		t.Fatalf("result method = %q, want auto", stored.Get(alarms.KeyResultMethod))
	}
	// Automatic blocks leave the alarm in the active index.
	active, _ := e.store.IndexCount(ctx, alarms.IndexActive)
	if active != 1 {
		t.Fatalf("auto-blocked alarm left active index")
	}
	if len(e.arbitrator.feedback) != 1 || e.arbitrator.feedback[0] != "autoblock" {
		t.Fatalf("feedback = %v", e.arbitrator.feedback)
	}
}

func TestAutoBlockVetoedByUnblockList(t *testing.T) {
	e := newEnv(t, config.Config{AutoBlock: true}, map[string]bool{config.FeatureAutoBlock: true})
	e.arbitrator.decision = "block"
	e.unblocks.targets["203.0.113.9"] = true

	if _, err := e.service.CheckAndSave(context.Background(), intelAlarm(t, "AA:BB:CC:DD:EE:01", "203.0.113.9"), nil); err != nil {
		t.Fatalf("check and save: %v", err)
	}
	if len(e.policies.created) != 0 {
		t.Fatalf("unblocked destination must veto auto-block")
	}
}

func TestAutoBlockNewDeviceFeature(t *testing.T) {
	e := newEnv(t, config.Config{AutoBlock: true}, map[string]bool{
		config.FeatureAutoBlock:      true,
		config.FeatureNewDeviceBlock: true,
	})
	if _, err := e.service.CheckAndSave(context.Background(), newDeviceAlarm(t, "AA:BB:CC:DD:EE:01"), nil); err != nil {
		t.Fatalf("check and save: %v", err)
	}
	if len(e.policies.created) != 1 {
		t.Fatalf("new-device block feature should auto-block, created=%d", len(e.policies.created))
	}
}

func TestAutoBlockDisabledByConfig(t *testing.T) {
	e := newEnv(t, config.Config{}, map[string]bool{config.FeatureAutoBlock: true})
	e.arbitrator.decision = "block"
	if _, err := e.service.CheckAndSave(context.Background(), intelAlarm(t, "AA:BB:CC:DD:EE:01", "203.0.113.9"), nil); err != nil {
		t.Fatalf("check and save: %v", err)
	}
	if len(e.policies.created) != 0 {
		t.Fatalf("auto-block fired with global config off")
	}
}

func TestBuildCandidateUnknownDevice(t *testing.T) {
	e := newEnv(t, config.Config{}, nil)
	e.devices.aclOff = nil // keep resolver behavior
	_, err := e.service.BuildCandidate(context.Background(), map[string]any{"type": "ALARM_NEW_DEVICE"})
	if !errors.Is(err, alarms.ErrMissingRequiredField) {
		t.Fatalf("err = %v, want ErrMissingRequiredField", err)
	}
}

func TestFetchNewAlarmsWakesOnActivation(t *testing.T) {
	e := newEnv(t, config.Config{}, nil)
	ctx := context.Background()
	since := float64(time.Now().UnixNano()) / 1e9

	type result struct {
		list []*alarms.Alarm
		err  error
	}
	done := make(chan result, 1)
	go func() {
		list, err := e.service.FetchNewAlarms(ctx, since, 5*time.Second)
		done <- result{list, err}
	}()

	time.Sleep(50 * time.Millisecond)
	if _, err := e.service.CheckAndSave(ctx, intelAlarm(t, "AA:BB:CC:DD:EE:01", "203.0.113.9"), nil); err != nil {
		t.Fatalf("check and save: %v", err)
	}

	select {
	case got := <-done:
		if got.err != nil {
			t.Fatalf("fetch: %v", got.err)
		}
		if len(got.list) != 1 {
			t.Fatalf("fetched %d alarms, want 1", len(got.list))
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("fetch did not wake on activation")
	}
}

func TestFetchNewAlarmsTimeout(t *testing.T) {
	e := newEnv(t, config.Config{}, nil)
	since := float64(time.Now().UnixNano()) / 1e9
	list, err := e.service.FetchNewAlarms(context.Background(), since, 30*time.Millisecond)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if list != nil {
		t.Fatalf("timed-out fetch should return nil, got %v", list)
	}
}
