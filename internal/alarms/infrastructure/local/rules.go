// Package local provides the single-box default collaborators: in-memory
// exception and policy rule sets with attribute-equality matching, a
// permissive device resolver, and an approve-all arbitrator. An appliance
// wired to a real rule engine or remote authority swaps these out at the
// composition root.
package local

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	alarms "netshield/internal/alarms/domain"
)

// attrRule matches alarms whose attributes equal every one of its pairs.
type attrRule struct {
	id    string
	typ   alarms.Type
	pairs map[string]string
}

func (r *attrRule) match(alarm *alarms.Alarm) bool {
	if r.typ != "" && alarm.Type != r.typ {
		return false
	}
	for key, want := range r.pairs {
		if alarm.Get(key) != want {
			return false
		}
	}
	return true
}

func (r *attrRule) signature() string {
	parts := make([]string, 0, len(r.pairs)+1)
	parts = append(parts, string(r.typ))
	for key, value := range r.pairs {
		parts = append(parts, key+"="+value)
	}
	// Order-insensitive identity for dedup of equivalent rules.
	sort.Strings(parts)
	return strings.Join(parts, "&")
}

type exceptionRule struct{ attrRule }

func (e *exceptionRule) EID() string                    { return e.id }
func (e *exceptionRule) Match(alarm *alarms.Alarm) bool { return e.match(alarm) }

type policyRule struct{ attrRule }

func (p *policyRule) PID() string                    { return p.id }
func (p *policyRule) Match(alarm *alarms.Alarm) bool { return p.match(alarm) }

// Exceptions is an in-memory allow-rule set.
type Exceptions struct {
	mu     sync.Mutex
	nextID int
	rules  map[string]*exceptionRule
	hits   map[string]int
}

// NewExceptions constructs an empty rule set.
func NewExceptions() *Exceptions {
	return &Exceptions{rules: map[string]*exceptionRule{}, hits: map[string]int{}}
}

// Match returns every exception covering the alarm.
func (s *Exceptions) Match(ctx context.Context, alarm *alarms.Alarm) ([]alarms.Exception, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []alarms.Exception
	for _, rule := range s.rules {
		if rule.Match(alarm) {
			matched = append(matched, rule)
		}
	}
	return matched, nil
}

// IncrementMatchCount bumps a rule's hit counter.
func (s *Exceptions) IncrementMatchCount(ctx context.Context, eid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hits[eid]++
	return nil
}

// MatchCount reports a rule's hit counter.
func (s *Exceptions) MatchCount(eid string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[eid]
}

// Get returns a saved rule.
func (s *Exceptions) Get(ctx context.Context, eid string) (alarms.Exception, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule, ok := s.rules[eid]
	if !ok {
		return nil, fmt.Errorf("local exceptions: no rule %s", eid)
	}
	return rule, nil
}

// Derive builds an exception covering the alarm's device and destination,
// narrowed or widened by the user input pairs.
func (s *Exceptions) Derive(alarm *alarms.Alarm, userInput map[string]string) (alarms.Exception, error) {
	pairs := map[string]string{}
	if mac := alarm.Get(alarms.KeyDeviceMAC); mac != "" {
		pairs[alarms.KeyDeviceMAC] = mac
	}
	if dest := alarm.Get(alarms.KeyDestIP); dest != "" {
		pairs[alarms.KeyDestIP] = dest
	}
	for key, value := range userInput {
		pairs[key] = value
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("local exceptions: nothing to match on for %s", alarm.Type)
	}
	return &exceptionRule{attrRule{typ: alarm.Type, pairs: pairs}}, nil
}

// CheckAndSave upserts the rule, reusing a prior equivalent one.
func (s *Exceptions) CheckAndSave(ctx context.Context, exception alarms.Exception) (alarms.Exception, bool, error) {
	rule, ok := exception.(*exceptionRule)
	if !ok {
		return nil, false, fmt.Errorf("local exceptions: foreign rule type %T", exception)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.rules {
		if existing.signature() == rule.signature() {
			return existing, true, nil
		}
	}
	s.nextID++
	rule.id = fmt.Sprintf("e%d", s.nextID)
	s.rules[rule.id] = rule
	return rule, false, nil
}

// Policies is an in-memory enforcement-rule set.
type Policies struct {
	mu     sync.Mutex
	nextID int
	rules  map[string]*policyRule
}

// NewPolicies constructs an empty rule set.
func NewPolicies() *Policies {
	return &Policies{rules: map[string]*policyRule{}}
}

// Match reports whether any saved policy covers the alarm.
func (s *Policies) Match(ctx context.Context, alarm *alarms.Alarm) (alarms.Policy, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rule := range s.rules {
		if rule.Match(alarm) {
			return rule, true, nil
		}
	}
	return nil, false, nil
}

// CreateFromAlarm derives and upserts a policy for the alarm's target.
func (s *Policies) CreateFromAlarm(ctx context.Context, alarm *alarms.Alarm, info alarms.BlockInfo) (alarms.Policy, bool, error) {
	pairs := map[string]string{}
	switch {
	case info.Target != "":
		pairs[alarms.KeyDestIP] = info.Target
	case alarm.Get(alarms.KeyDestIP) != "":
		pairs[alarms.KeyDestIP] = alarm.Get(alarms.KeyDestIP)
	case alarm.Get(alarms.KeyDeviceMAC) != "":
		pairs[alarms.KeyDeviceMAC] = alarm.Get(alarms.KeyDeviceMAC)
	default:
		return nil, false, fmt.Errorf("local policies: no target in alarm %s", alarm.AID)
	}
	rule := &policyRule{attrRule{pairs: pairs}}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.rules {
		if existing.signature() == rule.signature() {
			return existing, true, nil
		}
	}
	s.nextID++
	rule.id = fmt.Sprintf("p%d", s.nextID)
	s.rules[rule.id] = rule
	return rule, false, nil
}

// Trust never vouches for anything; a real trust source replaces it.
type Trust struct{}

// Covers always reports false.
func (Trust) Covers(ctx context.Context, alarm *alarms.Alarm) (bool, error) {
	return false, nil
}

// Unblocks is an empty unblock list.
type Unblocks struct{}

// Contains always reports false.
func (Unblocks) Contains(ctx context.Context, target string) (bool, error) {
	return false, nil
}

// Devices resolves any identity to a bare device record with enforcement
// on. A real inventory service replaces it.
type Devices struct{}

// Resolve fabricates a device from the identity.
func (Devices) Resolve(ctx context.Context, ipOrMAC string) (*alarms.Device, error) {
	if ipOrMAC == "" {
		return nil, nil
	}
	device := &alarms.Device{ACLEnabled: true}
	if strings.Count(ipOrMAC, ":") == 5 {
		device.MAC = strings.ToUpper(ipOrMAC)
	}
	return device, nil
}

// Arbitrator approves every alarm unchanged and swallows feedback. Stands
// in when no remote authority is configured.
type Arbitrator struct{}

// Arbitrate returns the alarm as-is.
func (Arbitrator) Arbitrate(ctx context.Context, alarm *alarms.Alarm) (*alarms.Alarm, error) {
	return alarm, nil
}

// SubmitFeedback drops the feedback.
func (Arbitrator) SubmitFeedback(ctx context.Context, kind string, alarm *alarms.Alarm) error {
	return nil
}
