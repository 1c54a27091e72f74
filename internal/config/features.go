package config

import "sync"

// FeatureSet is a mutable view of dynamic feature toggles. Toggle-change
// events flip entries at runtime; reads are safe from any goroutine.
type FeatureSet struct {
	mu      sync.RWMutex
	enabled map[string]bool
}

// NewFeatureSet seeds a feature set from configuration.
func NewFeatureSet(seed map[string]bool) *FeatureSet {
	enabled := make(map[string]bool, len(seed))
	for name, on := range seed {
		enabled[name] = on
	}
	return &FeatureSet{enabled: enabled}
}

// IsEnabled reports whether a feature is on.
func (f *FeatureSet) IsEnabled(name string) bool {
	if f == nil {
		return false
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.enabled[name]
}

// Set flips a feature toggle.
func (f *FeatureSet) Set(name string, on bool) {
	if f == nil || name == "" {
		return
	}
	f.mu.Lock()
	f.enabled[name] = on
	f.mu.Unlock()
}
