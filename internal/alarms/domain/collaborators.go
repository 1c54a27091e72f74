package alarms

import "context"

// Exception is an allow rule consumed through its matching capability only.
type Exception interface {
	EID() string
	Match(alarm *Alarm) bool
}

// ExceptionService is the external exception rule manager.
type ExceptionService interface {
	// Match returns every exception covering the alarm, possibly none.
	Match(ctx context.Context, alarm *Alarm) ([]Exception, error)
	// IncrementMatchCount bumps a matched rule's hit counter.
	IncrementMatchCount(ctx context.Context, eid string) error
	Get(ctx context.Context, eid string) (Exception, error)
	// Derive builds an exception rule covering the alarm, shaped by user
	// input ("ignore all like this").
	Derive(alarm *Alarm, userInput map[string]string) (Exception, error)
	// CheckAndSave upserts the rule; alreadyExists reports a prior
	// equivalent rule was reused.
	CheckAndSave(ctx context.Context, exception Exception) (saved Exception, alreadyExists bool, err error)
}

// Policy is an enforcement rule consumed through identity and matching.
type Policy interface {
	PID() string
	Match(alarm *Alarm) bool
}

// BlockInfo carries user or auto-block context for policy creation.
type BlockInfo struct {
	Method   string
	Category string
	Target   string
	Type     string
}

// PolicyService is the external policy rule manager.
type PolicyService interface {
	// Match reports whether any enforcement policy already covers the alarm.
	Match(ctx context.Context, alarm *Alarm) (Policy, bool, error)
	// CreateFromAlarm derives and upserts an enforcement policy for the
	// alarm's target.
	CreateFromAlarm(ctx context.Context, alarm *Alarm, info BlockInfo) (policy Policy, alreadyExists bool, err error)
}

// TrustService answers whether a trust rule covers the alarm.
type TrustService interface {
	Covers(ctx context.Context, alarm *Alarm) (bool, error)
}

// Arbitrator is the remote arbitration authority. Arbitrate may return an
// enriched or overridden alarm representation; a nil result is a refusal.
type Arbitrator interface {
	Arbitrate(ctx context.Context, alarm *Alarm) (*Alarm, error)
	SubmitFeedback(ctx context.Context, kind string, alarm *Alarm) error
}

// Device is the resolved identity of a local endpoint.
type Device struct {
	Name       string
	MAC        string
	Vendor     string
	ACLEnabled bool
}

// DeviceResolver maps an IP or MAC to a known device, nil when unknown.
type DeviceResolver interface {
	Resolve(ctx context.Context, ipOrMAC string) (*Device, error)
}

// UnblockList answers whether a destination was explicitly unblocked by the
// user, which vetoes auto-block.
type UnblockList interface {
	Contains(ctx context.Context, target string) (bool, error)
}

// Features looks up dynamic feature toggles by name.
type Features interface {
	IsEnabled(name string) bool
}
