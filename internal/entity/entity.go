// Package entity classifies untyped entity state-change broadcasts into
// normalized events.
package entity

import (
	"github.com/raidwatch/backend/internal/event"
	"github.com/raidwatch/backend/internal/transport"
)

// Type is the semantic kind of a paired in-world device.
type Type int

const (
	Unknown Type = iota
	Switch
	Alarm
	StorageMonitor
)

var typeNames = map[Type]string{
	Unknown:        "unknown",
	Switch:         "switch",
	Alarm:          "alarm",
	StorageMonitor: "storage_monitor",
}

var typeFromName = map[string]Type{
	"switch":          Switch,
	"alarm":           Alarm,
	"storage_monitor": StorageMonitor,
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return "unknown"
}

// ParseType maps a configured name to a Type. Unrecognised names are Unknown.
func ParseType(name string) Type {
	return typeFromName[name]
}

// TypeFromWire converts the protocol's entity type code.
func TypeFromWire(t transport.EntityType) Type {
	switch t {
	case transport.EntitySwitch:
		return Switch
	case transport.EntityAlarm:
		return Alarm
	case transport.EntityStorageMonitor:
		return StorageMonitor
	default:
		return Unknown
	}
}

// Cache maps entity ids to their known type. Entries are never evicted.
// A Cache is not safe for concurrent use; its owner serialises access.
type Cache map[uint32]Type

// Lookup returns the cached type for id, or Unknown.
func (c Cache) Lookup(id uint32) Type {
	if c == nil {
		return Unknown
	}
	return c[id]
}

// Classify decides which events an entity-changed payload produces.
//
// A payload carrying an item list (even empty) together with a capacity, or
// one for an entity cached as a storage monitor, is a storage update. A
// boolean value is a switch change or an alarm depending on the cached
// type; with no cached type it is reported as a switch change and, when
// true, also as an alarm so an unclassified alarm is never missed.
// Anything else yields no events.
func Classify(id uint32, p *transport.EntityPayload, cache Cache) []event.Event {
	if p == nil {
		return nil
	}
	known := cache.Lookup(id)

	if (p.Items != nil && p.Capacity != nil) || known == StorageMonitor {
		return []event.Event{storageUpdate(id, p)}
	}

	if p.Value == nil {
		return nil
	}
	value := *p.Value
	switch known {
	case Switch:
		return []event.Event{event.SwitchChanged{EntityID: id, Value: value}}
	case Alarm:
		return []event.Event{event.AlarmTriggered{EntityID: id}}
	}

	out := []event.Event{event.SwitchChanged{EntityID: id, Value: value}}
	if value {
		out = append(out, event.AlarmTriggered{EntityID: id})
	}
	return out
}

func storageUpdate(id uint32, p *transport.EntityPayload) event.StorageUpdated {
	items := make([]event.Item, 0, len(p.Items))
	for _, it := range p.Items {
		items = append(items, event.Item{
			ItemID:      it.ItemID,
			Quantity:    it.Quantity,
			IsBlueprint: it.ItemIsBlueprint,
		})
	}
	capacity := 0
	if p.Capacity != nil {
		capacity = int(*p.Capacity)
	}
	return event.StorageUpdated{EntityID: id, Items: items, Capacity: capacity}
}
