package alarms

import (
	"strconv"
	"strings"
	"time"
)

// Construct builds a typed alarm from a raw attribute map, typically the
// decoded payload of an alarm-create event. It resolves the type tag
// (accepting either the full type name or its config alias), normalizes
// values into storage form, validates the type's required keys, and seeds
// the initial lifecycle state.
func Construct(raw map[string]any) (*Alarm, error) {
	if len(raw) == 0 {
		return nil, ErrUnsupportedType
	}

	tag, _ := raw["type"].(string)
	typ := Type(tag)
	if _, ok := Lookup(typ); !ok {
		aliased, ok := AliasToType(tag)
		if !ok {
			return nil, ErrUnsupportedType
		}
		typ = aliased
	}

	alarm := &Alarm{
		Type:       typ,
		State:      StateInit,
		Timestamp:  float64(time.Now().UnixNano()) / 1e9,
		Attributes: make(map[string]string, len(raw)),
	}

	for key, value := range raw {
		switch key {
		case "type":
			continue
		case "timestamp":
			if ts, ok := asFloat(value); ok && ts > 0 {
				alarm.Timestamp = ts
			}
			continue
		case "message":
			if msg, ok := value.(string); ok {
				alarm.Message = msg
			}
			continue
		case "device":
			// Raw events may carry a bare device identifier.
			if id, ok := value.(string); ok && id != "" {
				if strings.Count(id, ":") == 5 {
					alarm.Set(KeyDeviceMAC, strings.ToUpper(id))
				} else {
					alarm.Set(KeyDeviceIP, id)
				}
			}
			continue
		}
		if encoded, ok := EncodeValue(value); ok {
			alarm.Set(key, encoded)
		}
	}

	if err := alarm.Validate(); err != nil {
		return nil, err
	}

	// A remote-readiness marker skips the pending stage later on: the
	// remote authority has already confirmed this alarm at ingestion.
	if alarm.RemoteReady() {
		alarm.State = StateReady
		alarm.Set(KeyMSPDecision, "create")
	}

	return alarm, nil
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
