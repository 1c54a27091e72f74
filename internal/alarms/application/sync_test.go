package application

import (
	"context"
	"testing"

	alarms "netshield/internal/alarms/domain"
	"netshield/internal/config"
)

func syncEnv(t *testing.T) *env {
	t.Helper()
	return newEnv(t, config.Config{}, map[string]bool{config.FeatureRemoteSync: true})
}

func createActive(t *testing.T, e *env, mac string) string {
	t.Helper()
	aid, err := e.service.CheckAndSave(context.Background(), intelAlarm(t, mac, "203.0.113.9"), nil)
	if err != nil {
		t.Fatalf("create active alarm: %v", err)
	}
	return aid
}

func applyDecision(t *testing.T, e *env, aid string, state alarms.State) {
	t.Helper()
	err := e.service.ApplyRemoteSync(context.Background(), map[string][]map[string]string{
		"apply": {{"aid": aid, "state": string(state)}},
	})
	if err != nil {
		t.Fatalf("apply remote sync: %v", err)
	}
}

func TestRemoteSyncActivatesPending(t *testing.T) {
	e := syncEnv(t)
	ctx := context.Background()
	alarm := intelAlarm(t, "AA:BB:CC:DD:EE:01", "203.0.113.9")
	alarm.State = alarms.StatePending
	aid, err := e.service.CheckAndSave(ctx, alarm, nil)
	if err != nil {
		t.Fatalf("create pending: %v", err)
	}

	applyDecision(t, e, aid, alarms.StateReady)

	fields, _ := e.store.GetFields(ctx, aid, "state", alarms.KeyMSPDecision)
	if fields["state"] != string(alarms.StateActivated) {
		t.Fatalf("state = %q, want active", fields["state"])
	}
	if fields[alarms.KeyMSPDecision] != "active" {
		t.Fatalf("decision trail = %q, want active", fields[alarms.KeyMSPDecision])
	}
	pending, _ := e.store.IndexCount(ctx, alarms.IndexPending)
	if pending != 0 {
		t.Fatalf("pending entry survived activation")
	}
}

func TestRemoteSyncIgnoresPending(t *testing.T) {
	e := syncEnv(t)
	ctx := context.Background()
	alarm := intelAlarm(t, "AA:BB:CC:DD:EE:01", "203.0.113.9")
	alarm.State = alarms.StatePending
	aid, err := e.service.CheckAndSave(ctx, alarm, nil)
	if err != nil {
		t.Fatalf("create pending: %v", err)
	}

	applyDecision(t, e, aid, alarms.StateIgnore)

	fields, _ := e.store.GetFields(ctx, aid, "state", alarms.KeyMSPDecision)
	if fields["state"] != string(alarms.StateIgnore) {
		t.Fatalf("state = %q, want ignore", fields["state"])
	}
	if fields[alarms.KeyMSPDecision] != "ignore" {
		t.Fatalf("decision trail = %q, want ignore", fields[alarms.KeyMSPDecision])
	}
	pending, _ := e.store.IndexCount(ctx, alarms.IndexPending)
	archived, _ := e.store.IndexCount(ctx, alarms.IndexArchive)
	if pending != 0 || archived != 1 {
		t.Fatalf("pending=%d archived=%d, want 0/1", pending, archived)
	}
}

func TestRedecisionActiveToIgnore(t *testing.T) {
	e := syncEnv(t)
	ctx := context.Background()
	aid := createActive(t, e, "AA:BB:CC:DD:EE:01")

	applyDecision(t, e, aid, alarms.StateIgnore)

	fields, _ := e.store.GetFields(ctx, aid, "state")
	if fields["state"] != string(alarms.StateIgnore) {
		t.Fatalf("state = %q, want ignore", fields["state"])
	}
	archived, _ := e.store.IndexCount(ctx, alarms.IndexArchive)
	active, _ := e.store.IndexCount(ctx, alarms.IndexActive)
	if archived != 1 || active != 0 {
		t.Fatalf("archived=%d active=%d, want 1/0", archived, active)
	}
}

func TestRedecisionIgnoreToReadyUnarchives(t *testing.T) {
	e := syncEnv(t)
	ctx := context.Background()
	aid := createActive(t, e, "AA:BB:CC:DD:EE:01")
	applyDecision(t, e, aid, alarms.StateIgnore)

	applyDecision(t, e, aid, alarms.StateReady)

	fields, _ := e.store.GetFields(ctx, aid, "state", alarms.KeyMSPDecision)
	if fields["state"] != string(alarms.StateActivated) {
		t.Fatalf("state = %q, want active", fields["state"])
	}
	if fields[alarms.KeyMSPDecision] != "ignore,active" {
		t.Fatalf("decision trail = %q, want ignore,active", fields[alarms.KeyMSPDecision])
	}
	archived, _ := e.store.IndexCount(ctx, alarms.IndexArchive)
	active, _ := e.store.IndexCount(ctx, alarms.IndexActive)
	if archived != 0 || active != 1 {
		t.Fatalf("archived=%d active=%d, want 0/1", archived, active)
	}
}

func TestRedecisionActiveToReadyIsDropped(t *testing.T) {
	e := syncEnv(t)
	ctx := context.Background()
	aid := createActive(t, e, "AA:BB:CC:DD:EE:01")

	applyDecision(t, e, aid, alarms.StateReady)

	// State untouched, no trail written, batch still succeeds.
	fields, _ := e.store.GetFields(ctx, aid, "state", alarms.KeyMSPDecision)
	if fields["state"] != string(alarms.StateActivated) {
		t.Fatalf("state = %q, want active unchanged", fields["state"])
	}
	if fields[alarms.KeyMSPDecision] != "" {
		t.Fatalf("decision trail = %q, want empty", fields[alarms.KeyMSPDecision])
	}
}

func TestRemoteSyncRejectsOtherTargets(t *testing.T) {
	e := syncEnv(t)
	ctx := context.Background()
	aid := createActive(t, e, "AA:BB:CC:DD:EE:01")

	applyDecision(t, e, aid, alarms.StatePending)

	fields, _ := e.store.GetFields(ctx, aid, "state")
	if fields["state"] != string(alarms.StateActivated) {
		t.Fatalf("state = %q, pending target must be dropped", fields["state"])
	}
}

func TestRemoteSyncUnknownCommandAndMissingAlarm(t *testing.T) {
	e := syncEnv(t)
	ctx := context.Background()

	err := e.service.ApplyRemoteSync(ctx, map[string][]map[string]string{
		"nonsense": {{"aid": "1", "state": "ready"}},
		"apply":    {{"aid": "404", "state": "ready"}},
	})
	if err != nil {
		t.Fatalf("batch must absorb per-item failures: %v", err)
	}
}
