package local

import (
	"context"
	"testing"

	alarms "netshield/internal/alarms/domain"
)

func intelAlarm(mac, dest string) *alarms.Alarm {
	return &alarms.Alarm{
		Type:      alarms.TypeIntel,
		Timestamp: 1700000000,
		Attributes: map[string]string{
			alarms.KeyDeviceMAC: mac,
			alarms.KeyDestIP:    dest,
		},
	}
}

func TestExceptionsDeriveAndMatch(t *testing.T) {
	ctx := context.Background()
	exceptions := NewExceptions()
	alarm := intelAlarm("AA:BB:CC:DD:EE:01", "203.0.113.9")

	rule, err := exceptions.Derive(alarm, nil)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	saved, alreadyExists, err := exceptions.CheckAndSave(ctx, rule)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if alreadyExists {
		t.Fatal("first save reported as existing")
	}
	if saved.EID() == "" {
		t.Fatal("saved rule has no id")
	}

	matched, err := exceptions.Match(ctx, alarm)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if len(matched) != 1 || matched[0].EID() != saved.EID() {
		t.Fatalf("matched = %v", matched)
	}

	// Different destination falls outside the derived rule.
	other := intelAlarm("AA:BB:CC:DD:EE:01", "203.0.113.10")
	matched, err = exceptions.Match(ctx, other)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if len(matched) != 0 {
		t.Fatalf("unexpected match: %v", matched)
	}
}

func TestExceptionsSaveDeduplicatesEquivalentRules(t *testing.T) {
	ctx := context.Background()
	exceptions := NewExceptions()
	alarm := intelAlarm("AA:BB:CC:DD:EE:01", "203.0.113.9")

	first, _ := exceptions.Derive(alarm, nil)
	saved, _, err := exceptions.CheckAndSave(ctx, first)
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	second, _ := exceptions.Derive(alarm, nil)
	reused, alreadyExists, err := exceptions.CheckAndSave(ctx, second)
	if err != nil {
		t.Fatalf("resave: %v", err)
	}
	if !alreadyExists {
		t.Fatal("equivalent rule not recognized")
	}
	if reused.EID() != saved.EID() {
		t.Fatalf("reused id %s, want %s", reused.EID(), saved.EID())
	}
}

func TestExceptionsUserInputNarrowsRule(t *testing.T) {
	ctx := context.Background()
	exceptions := NewExceptions()
	alarm := intelAlarm("AA:BB:CC:DD:EE:01", "203.0.113.9")

	rule, err := exceptions.Derive(alarm, map[string]string{"p.dest.port": "443"})
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if _, _, err := exceptions.CheckAndSave(ctx, rule); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Same device and destination but a different port no longer matches.
	matched, _ := exceptions.Match(ctx, alarm)
	if len(matched) != 0 {
		t.Fatal("rule should require the port attribute")
	}
	alarm.Set("p.dest.port", "443")
	matched, _ = exceptions.Match(ctx, alarm)
	if len(matched) != 1 {
		t.Fatal("rule should match once the port is present")
	}
}

func TestExceptionsMatchCount(t *testing.T) {
	ctx := context.Background()
	exceptions := NewExceptions()
	rule, _ := exceptions.Derive(intelAlarm("AA:BB:CC:DD:EE:01", "203.0.113.9"), nil)
	saved, _, _ := exceptions.CheckAndSave(ctx, rule)

	for i := 0; i < 3; i++ {
		if err := exceptions.IncrementMatchCount(ctx, saved.EID()); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}
	if got := exceptions.MatchCount(saved.EID()); got != 3 {
		t.Fatalf("match count = %d, want 3", got)
	}
	if _, err := exceptions.Get(ctx, saved.EID()); err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, err := exceptions.Get(ctx, "e999"); err == nil {
		t.Fatal("expected error for unknown rule")
	}
}

func TestPoliciesCreateFromAlarmTargetPreference(t *testing.T) {
	ctx := context.Background()
	policies := NewPolicies()
	alarm := intelAlarm("AA:BB:CC:DD:EE:01", "203.0.113.9")

	// Explicit target wins over the alarm's own destination.
	rule, alreadyExists, err := policies.CreateFromAlarm(ctx, alarm, alarms.BlockInfo{Target: "198.51.100.7"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if alreadyExists || rule.PID() == "" {
		t.Fatalf("rule = %v existing = %v", rule, alreadyExists)
	}

	covered := intelAlarm("AA:BB:CC:DD:EE:02", "198.51.100.7")
	if _, ok, _ := policies.Match(ctx, covered); !ok {
		t.Fatal("policy should cover the explicit target")
	}
	if _, ok, _ := policies.Match(ctx, alarm); ok {
		t.Fatal("policy must not cover the alarm's own destination")
	}
}

func TestPoliciesCreateFromAlarmFallsBackToDevice(t *testing.T) {
	ctx := context.Background()
	policies := NewPolicies()
	alarm := &alarms.Alarm{
		Type:       alarms.TypeNewDevice,
		Attributes: map[string]string{alarms.KeyDeviceMAC: "AA:BB:CC:DD:EE:01"},
	}
	rule, _, err := policies.CreateFromAlarm(ctx, alarm, alarms.BlockInfo{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, ok, _ := policies.Match(ctx, alarm); !ok {
		t.Fatalf("device policy %s should cover its own alarm", rule.PID())
	}

	empty := &alarms.Alarm{Type: alarms.TypeIntel}
	if _, _, err := policies.CreateFromAlarm(ctx, empty, alarms.BlockInfo{}); err == nil {
		t.Fatal("expected error for alarm with no target")
	}
}

func TestPoliciesCreateDeduplicates(t *testing.T) {
	ctx := context.Background()
	policies := NewPolicies()
	alarm := intelAlarm("AA:BB:CC:DD:EE:01", "203.0.113.9")

	first, _, err := policies.CreateFromAlarm(ctx, alarm, alarms.BlockInfo{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, alreadyExists, err := policies.CreateFromAlarm(ctx, alarm, alarms.BlockInfo{})
	if err != nil {
		t.Fatalf("recreate: %v", err)
	}
	if !alreadyExists || second.PID() != first.PID() {
		t.Fatalf("dedup failed: %s vs %s existing = %v", first.PID(), second.PID(), alreadyExists)
	}
}

func TestDevicesResolve(t *testing.T) {
	ctx := context.Background()
	devices := Devices{}

	device, err := devices.Resolve(ctx, "aa:bb:cc:dd:ee:01")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if device == nil || !device.ACLEnabled {
		t.Fatalf("device = %+v", device)
	}
	if device.MAC != "AA:BB:CC:DD:EE:01" {
		t.Fatalf("mac = %q", device.MAC)
	}

	byIP, err := devices.Resolve(ctx, "192.168.1.50")
	if err != nil {
		t.Fatalf("resolve by ip: %v", err)
	}
	if byIP == nil || byIP.MAC != "" {
		t.Fatalf("ip resolution = %+v", byIP)
	}

	missing, err := devices.Resolve(ctx, "")
	if err != nil || missing != nil {
		t.Fatalf("empty identity = %+v, %v", missing, err)
	}
}
