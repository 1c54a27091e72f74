package alarms

import "time"

// Type identifies an alarm kind. The set is closed; unknown types fail
// construction.
type Type string

const (
	TypeNewDevice         Type = "ALARM_NEW_DEVICE"
	TypeDeviceOffline     Type = "ALARM_DEVICE_OFFLINE"
	TypeDeviceBackOnline  Type = "ALARM_DEVICE_BACK_ONLINE"
	TypeSpoofingDevice    Type = "ALARM_SPOOFING_DEVICE"
	TypeIntel             Type = "ALARM_INTEL"
	TypeLargeUpload       Type = "ALARM_LARGE_UPLOAD"
	TypeAbnormalBandwidth Type = "ALARM_ABNORMAL_BANDWIDTH_USAGE"
	TypeVulnerability     Type = "ALARM_VULNERABILITY"
	TypeOpenPort          Type = "ALARM_OPENPORT"
	TypeUPnP              Type = "ALARM_UPNP"
	TypeSubnet            Type = "ALARM_SUBNET"
	TypeCustomized        Type = "ALARM_CUSTOMIZED"
)

// Descriptor declares the per-type behavior the engine dispatches on:
// required keys for validation, the dedup equality rule, the default dedup
// lookback, and the config alias used by the apply overlay.
type Descriptor struct {
	Type         Type
	Alias        string
	RequiredKeys []string
	Expiration   time.Duration
	Security     bool
	SameAs       func(a, b *Alarm) bool
}

var descriptors = map[Type]Descriptor{
	TypeNewDevice: {
		Type:         TypeNewDevice,
		Alias:        "new_device",
		RequiredKeys: []string{KeyDeviceMAC},
		Expiration:   15 * time.Minute,
		SameAs:       sameDevice,
	},
	TypeDeviceOffline: {
		Type:         TypeDeviceOffline,
		Alias:        "device_offline",
		RequiredKeys: []string{KeyDeviceMAC},
		Expiration:   15 * time.Minute,
		SameAs:       sameDevice,
	},
	TypeDeviceBackOnline: {
		Type:         TypeDeviceBackOnline,
		Alias:        "device_online",
		RequiredKeys: []string{KeyDeviceMAC},
		Expiration:   15 * time.Minute,
		SameAs:       sameDevice,
	},
	TypeSpoofingDevice: {
		Type:         TypeSpoofingDevice,
		Alias:        "spoofing_device",
		RequiredKeys: []string{KeyDeviceMAC},
		Expiration:   6 * time.Hour,
		Security:     true,
		SameAs:       sameDevice,
	},
	TypeIntel: {
		Type:         TypeIntel,
		Alias:        "intel",
		RequiredKeys: []string{KeyDeviceIP, KeyDestIP},
		Expiration:   15 * time.Minute,
		Security:     true,
		SameAs:       sameDestination,
	},
	TypeLargeUpload: {
		Type:         TypeLargeUpload,
		Alias:        "large_upload",
		RequiredKeys: []string{KeyDeviceMAC, KeyDestIP},
		Expiration:   4 * time.Hour,
		SameAs:       sameDestination,
	},
	TypeAbnormalBandwidth: {
		Type:         TypeAbnormalBandwidth,
		Alias:        "abnormal_bandwidth_usage",
		RequiredKeys: []string{KeyDeviceMAC},
		Expiration:   8 * time.Hour,
		SameAs:       sameDevice,
	},
	TypeVulnerability: {
		Type:         TypeVulnerability,
		Alias:        "vulnerability",
		RequiredKeys: []string{KeyDeviceIP, "p.vid"},
		Expiration:   24 * time.Hour,
		Security:     true,
		SameAs: func(a, b *Alarm) bool {
			return sameDevice(a, b) && a.Get("p.vid") == b.Get("p.vid")
		},
	},
	TypeOpenPort: {
		Type:         TypeOpenPort,
		Alias:        "openport",
		RequiredKeys: []string{KeyDeviceIP, "p.open.port", "p.open.protocol"},
		Expiration:   24 * time.Hour,
		SameAs: func(a, b *Alarm) bool {
			return sameDevice(a, b) &&
				a.Get("p.open.port") == b.Get("p.open.port") &&
				a.Get("p.open.protocol") == b.Get("p.open.protocol")
		},
	},
	TypeUPnP: {
		Type:         TypeUPnP,
		Alias:        "upnp",
		RequiredKeys: []string{KeyDeviceMAC, "p.upnp.private.port", "p.upnp.protocol"},
		Expiration:   30 * time.Minute,
		SameAs: func(a, b *Alarm) bool {
			return sameDevice(a, b) &&
				a.Get("p.upnp.private.port") == b.Get("p.upnp.private.port") &&
				a.Get("p.upnp.protocol") == b.Get("p.upnp.protocol")
		},
	},
	TypeSubnet: {
		Type:         TypeSubnet,
		Alias:        "subnet",
		RequiredKeys: []string{KeyDeviceIP, "p.subnet"},
		Expiration:   24 * time.Hour,
		SameAs: func(a, b *Alarm) bool {
			return sameDevice(a, b) && a.Get("p.subnet") == b.Get("p.subnet")
		},
	},
	TypeCustomized: {
		Type:         TypeCustomized,
		Alias:        "customized_alarm",
		RequiredKeys: []string{KeyDeviceIP, KeyDestIP},
		Expiration:   15 * time.Minute,
		SameAs:       sameDestination,
	},
}

var aliasIndex = func() map[string]Type {
	index := make(map[string]Type, len(descriptors))
	for typ, desc := range descriptors {
		index[desc.Alias] = typ
	}
	return index
}()

// Lookup returns the descriptor for a type.
func Lookup(typ Type) (Descriptor, bool) {
	desc, ok := descriptors[typ]
	return desc, ok
}

// AliasToType resolves a config alias back to its alarm type.
func AliasToType(alias string) (Type, bool) {
	typ, ok := aliasIndex[alias]
	return typ, ok
}

// Alias returns the config alias for a type, empty when unknown.
func Alias(typ Type) string {
	if desc, ok := descriptors[typ]; ok {
		return desc.Alias
	}
	return ""
}

// IsSecurity reports whether the type counts toward a device's security
// alarm tally.
func IsSecurity(typ Type) bool {
	desc, ok := descriptors[typ]
	return ok && desc.Security
}

// Types returns all registered alarm types.
func Types() []Type {
	types := make([]Type, 0, len(descriptors))
	for typ := range descriptors {
		types = append(types, typ)
	}
	return types
}

func sameDevice(a, b *Alarm) bool {
	mac := a.DeviceMAC()
	if mac != "" {
		return mac == b.DeviceMAC()
	}
	ip := a.Get(KeyDeviceIP)
	return ip != "" && ip == b.Get(KeyDeviceIP)
}

func sameDestination(a, b *Alarm) bool {
	if !sameDevice(a, b) {
		return false
	}
	host := a.DestHost()
	return host != "" && host == b.DestHost()
}
