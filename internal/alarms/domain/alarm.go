package alarms

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// State is the lifecycle state stored on an alarm record.
type State string

const (
	StateInit      State = "init"
	StatePending   State = "pending"
	StateReady     State = "ready"
	StateActivated State = "active"
	StateIgnore    State = "ignore"
)

// Attribute keys with fixed meaning across all alarm types.
const (
	KeyDeviceMAC     = "p.device.mac"
	KeyDeviceIP      = "p.device.ip"
	KeyDeviceName    = "p.device.name"
	KeyDestIP        = "p.dest.ip"
	KeyDestName      = "p.dest.name"
	KeyDestCategory  = "p.dest.category"
	KeyMSPReady      = "p.msp.ready"
	KeyMSPDecision   = "p.msp.decision"
	KeyCloudDecision = "p.cloud.decision"
	KeyLocalDecision = "p.local.decision"
	KeyActionBlock   = "p.action.block"

	KeyResult          = "result"
	KeyResultPolicy    = "result_policy"
	KeyResultException = "result_exception"
	KeyResultMethod    = "result_method"
)

// Result values recorded on a disposed alarm.
const (
	ResultBlock              = "block"
	ResultAllow              = "allow"
	ResultArchiveByException = "archiveByException"
	MethodAuto               = "auto"
)

// Alarm is a single detection event working its way through arbitration
// and the lifecycle state machine. Fixed fields are typed; everything else
// lives in Attributes, partitioned by key prefix ("p." basic, "e." extended,
// "r." read-only system data).
type Alarm struct {
	AID        string
	Type       Type
	State      State
	Timestamp  float64
	Message    string
	Attributes map[string]string
}

// Get returns an attribute value, empty string when absent.
func (a *Alarm) Get(key string) string {
	if a == nil || a.Attributes == nil {
		return ""
	}
	return a.Attributes[key]
}

// Set stores an attribute value.
func (a *Alarm) Set(key, value string) {
	if a.Attributes == nil {
		a.Attributes = make(map[string]string)
	}
	a.Attributes[key] = value
}

// DeviceMAC returns the device MAC attribute, uppercased.
func (a *Alarm) DeviceMAC() string {
	return strings.ToUpper(a.Get(KeyDeviceMAC))
}

// DeviceKey returns the identifier used to resolve the device, preferring MAC.
func (a *Alarm) DeviceKey() string {
	if mac := a.Get(KeyDeviceMAC); mac != "" {
		return mac
	}
	return a.Get(KeyDeviceIP)
}

// DestHost returns the destination name, falling back to destination IP.
func (a *Alarm) DestHost() string {
	if name := a.Get(KeyDestName); name != "" {
		return name
	}
	return a.Get(KeyDestIP)
}

// RemoteReady reports whether the raw event was marked ready by the remote
// authority at ingestion time.
func (a *Alarm) RemoteReady() bool {
	return truthy(a.Get(KeyMSPReady))
}

// ActionBlock reports whether the alarm carries an explicit block action flag.
func (a *Alarm) ActionBlock() bool {
	return truthy(a.Get(KeyActionBlock))
}

// Decision returns the remote-authority decision trail.
func (a *Alarm) Decision() string {
	return a.Get(KeyMSPDecision)
}

// AppendDecision appends one entry to the comma-joined decision trail and
// returns the new trail.
func (a *Alarm) AppendDecision(decision string) string {
	trail := a.Get(KeyMSPDecision)
	if trail == "" {
		trail = decision
	} else {
		trail = trail + "," + decision
	}
	a.Set(KeyMSPDecision, trail)
	return trail
}

// Apply overlays configuration attributes onto the alarm, skipping excluded
// keys. A "state" key moves the lifecycle state, everything else is a plain
// attribute write.
func (a *Alarm) Apply(overlay map[string]string, excludes ...string) {
	for key, value := range overlay {
		if contains(excludes, key) {
			continue
		}
		if key == "state" {
			a.State = State(value)
			continue
		}
		a.Set(key, value)
	}
}

// Fields flattens the alarm into its storage form. All values are strings;
// structured attribute values are expected to be JSON-encoded already.
func (a *Alarm) Fields() map[string]string {
	fields := make(map[string]string, len(a.Attributes)+5)
	for key, value := range a.Attributes {
		fields[key] = value
	}
	fields["aid"] = a.AID
	fields["type"] = string(a.Type)
	fields["state"] = string(a.State)
	fields["alarmTimestamp"] = strconv.FormatFloat(a.Timestamp, 'f', -1, 64)
	if a.Message != "" {
		fields["message"] = a.Message
	}
	return fields
}

// SplitFields partitions storage fields into the basic record and the
// extended detail record. Extended ("e.") and read-only ("r.") keys are
// stored separately from the core record.
func SplitFields(fields map[string]string) (basic, extended map[string]string) {
	basic = make(map[string]string, len(fields))
	extended = make(map[string]string)
	for key, value := range fields {
		if strings.HasPrefix(key, "e.") || strings.HasPrefix(key, "r.") {
			extended[key] = value
			continue
		}
		basic[key] = value
	}
	return basic, extended
}

// FromFields rebuilds an alarm from its storage form. Returns nil when the
// record is empty or carries an unknown type.
func FromFields(fields map[string]string) *Alarm {
	if len(fields) == 0 {
		return nil
	}
	typ := Type(fields["type"])
	if _, ok := Lookup(typ); !ok {
		return nil
	}
	alarm := &Alarm{
		AID:        fields["aid"],
		Type:       typ,
		State:      State(fields["state"]),
		Message:    fields["message"],
		Attributes: make(map[string]string, len(fields)),
	}
	if ts, err := strconv.ParseFloat(fields["alarmTimestamp"], 64); err == nil {
		alarm.Timestamp = ts
	}
	for key, value := range fields {
		switch key {
		case "aid", "type", "state", "alarmTimestamp", "message":
			continue
		}
		if value == "undefined" {
			continue
		}
		alarm.Attributes[key] = value
	}
	return alarm
}

// Validate checks the per-type required keys. Missing or empty values fail.
func (a *Alarm) Validate() error {
	desc, ok := Lookup(a.Type)
	if !ok {
		return ErrUnsupportedType
	}
	for _, key := range desc.RequiredKeys {
		if a.Get(key) == "" {
			return &FieldError{Type: a.Type, Key: key}
		}
	}
	return nil
}

// SameAs reports whether another alarm is a logical duplicate under this
// alarm's type-specific equality rule.
func (a *Alarm) SameAs(other *Alarm) bool {
	if a == nil || other == nil || a.Type != other.Type {
		return false
	}
	desc, ok := Lookup(a.Type)
	if !ok || desc.SameAs == nil {
		return false
	}
	return desc.SameAs(a, other)
}

// ExpirationWindow returns the type-specific dedup lookback.
func (a *Alarm) ExpirationWindow() time.Duration {
	if desc, ok := Lookup(a.Type); ok && desc.Expiration > 0 {
		return desc.Expiration
	}
	return 0
}

// EncodeValue renders a raw attribute value to its storage string. Maps and
// slices are JSON-encoded the way the store expects.
func EncodeValue(value any) (string, bool) {
	switch v := value.(type) {
	case nil:
		return "", false
	case string:
		if v == "undefined" {
			return "", false
		}
		return v, true
	case bool:
		return strconv.FormatBool(v), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return "", false
		}
		return string(encoded), true
	}
}

func truthy(value string) bool {
	switch strings.ToLower(value) {
	case "", "0", "false":
		return false
	default:
		return true
	}
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
