// Package settings implements the stacked local/global/per-zone
// configuration layers (spec component E): each layer is a vector of
// (key, default, value) slots, a child layer falls back to its parent
// when a key is unset, and updates from a directory entry are atomic per
// key with a rollback-on-error variant.
package settings

import (
	"fmt"
	"strconv"
	"sync"
)

// Kind is the declared type of a setting slot.
type Kind int

const (
	KindString Kind = iota
	KindUint
	KindBool
)

type slot struct {
	key     string
	kind    Kind
	def     any
	value   any
	isSet   bool
	defaultRequired bool
}

// Set is one stacked layer of settings: local, global, or per-zone.
// Reads walk up to Parent when a key is unset in this layer; writes
// always land in this layer.
type Set struct {
	mu     sync.RWMutex
	Parent *Set
	slots  map[string]*slot
}

// New creates an empty layer, optionally chained to parent (nil for the
// outermost/local layer).
func New(parent *Set) *Set {
	return &Set{Parent: parent, slots: make(map[string]*slot)}
}

// Declare registers a key with its type and default value, and whether a
// value is required to eventually be filled (used by IsFilled). Declare
// must be called before Get/Set/UpdateFromEntry touch that key.
func (s *Set) Declare(key string, kind Kind, def any, required bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.slots[key]; exists {
		return
	}
	s.slots[key] = &slot{key: key, kind: kind, def: def, defaultRequired: required}
}

// Set assigns a typed value to key in this layer (not the parent chain).
func (s *Set) Set(key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[key]
	if !ok {
		return fmt.Errorf("settings: key %q not declared", key)
	}
	if err := checkType(sl.kind, value); err != nil {
		return err
	}
	sl.value = value
	sl.isSet = true
	return nil
}

// Unset restores key to "unset" in this layer so inheritance from Parent
// resumes.
func (s *Set) Unset(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sl, ok := s.slots[key]; ok {
		sl.isSet = false
		sl.value = nil
	}
}

func checkType(kind Kind, value any) error {
	switch kind {
	case KindString:
		if _, ok := value.(string); !ok {
			return fmt.Errorf("settings: expected string, got %T", value)
		}
	case KindUint:
		if _, ok := value.(uint64); !ok {
			return fmt.Errorf("settings: expected uint64, got %T", value)
		}
	case KindBool:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("settings: expected bool, got %T", value)
		}
	}
	return nil
}

// get walks this layer then Parent until it finds a set value, falling
// back to this layer's own default as a last resort.
func (s *Set) get(key string) (any, bool) {
	for layer := s; layer != nil; layer = layer.Parent {
		layer.mu.RLock()
		sl, ok := layer.slots[key]
		if ok && sl.isSet {
			v := sl.value
			layer.mu.RUnlock()
			return v, true
		}
		layer.mu.RUnlock()
	}
	s.mu.RLock()
	sl, ok := s.slots[key]
	s.mu.RUnlock()
	if ok {
		return sl.def, true
	}
	return nil, false
}

// GetString resolves key as a string, innermost layer outward.
func (s *Set) GetString(key string) string {
	v, _ := s.get(key)
	sv, _ := v.(string)
	return sv
}

// GetUint resolves key as an unsigned integer.
func (s *Set) GetUint(key string) uint64 {
	v, _ := s.get(key)
	uv, _ := v.(uint64)
	return uv
}

// GetBool resolves key as a boolean.
func (s *Set) GetBool(key string) bool {
	v, _ := s.get(key)
	bv, _ := v.(bool)
	return bv
}

// IsFilled reports whether every required slot declared on this layer has
// been explicitly set somewhere in the chain (this layer or an ancestor).
func (s *Set) IsFilled() bool {
	s.mu.RLock()
	keys := make([]string, 0, len(s.slots))
	required := make(map[string]bool, len(s.slots))
	for k, sl := range s.slots {
		keys = append(keys, k)
		required[k] = sl.defaultRequired
	}
	s.mu.RUnlock()

	for _, k := range keys {
		if !required[k] {
			continue
		}
		if !s.isSetAnywhere(k) {
			return false
		}
	}
	return true
}

func (s *Set) isSetAnywhere(key string) bool {
	for layer := s; layer != nil; layer = layer.Parent {
		layer.mu.RLock()
		sl, ok := layer.slots[key]
		set := ok && sl.isSet
		layer.mu.RUnlock()
		if set {
			return true
		}
	}
	return false
}

// Mapping describes how one setting key is populated from a directory
// attribute: the attribute name, and the Kind its text form is parsed as.
type Mapping struct {
	SettingKey string
	Attribute  string
	Kind       Kind
}

// AttrLookup is satisfied by entry.Entry (kept as an interface here to
// avoid an import cycle between settings and entry).
type AttrLookup interface {
	AttrFirst(name string) string
	HasAttr(name string) bool
}

// UpdateFromEntry applies mappings against e: for each mapping whose
// attribute is present, the first value is parsed per the mapping's Kind
// and set; for an absent attribute, the slot is Unset so inheritance
// resumes. Partial failures are applied in place (non-transactional);
// use UpdateFromEntryAtomic for the rollback-on-error variant used by the
// zone projector.
func (s *Set) UpdateFromEntry(e AttrLookup, mappings []Mapping) error {
	for _, m := range mappings {
		if !e.HasAttr(m.Attribute) {
			s.Unset(m.SettingKey)
			continue
		}
		raw := e.AttrFirst(m.Attribute)
		value, err := parseTyped(m.Kind, raw)
		if err != nil {
			return fmt.Errorf("settings: attribute %q: %w", m.Attribute, err)
		}
		if err := s.Set(m.SettingKey, value); err != nil {
			return err
		}
	}
	return nil
}

// UpdateFromEntryAtomic behaves like UpdateFromEntry but leaves the layer
// byte-for-byte untouched if any mapping fails to parse or set.
func (s *Set) UpdateFromEntryAtomic(e AttrLookup, mappings []Mapping) error {
	snapshot := s.snapshot()
	if err := s.UpdateFromEntry(e, mappings); err != nil {
		s.restore(snapshot)
		return err
	}
	return nil
}

type snapshotEntry struct {
	value any
	isSet bool
}

func (s *Set) snapshot() map[string]snapshotEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]snapshotEntry, len(s.slots))
	for k, sl := range s.slots {
		out[k] = snapshotEntry{value: sl.value, isSet: sl.isSet}
	}
	return out
}

func (s *Set) restore(snap map[string]snapshotEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, sl := range s.slots {
		if saved, ok := snap[k]; ok {
			sl.value, sl.isSet = saved.value, saved.isSet
		}
	}
}

func parseTyped(kind Kind, raw string) (any, error) {
	switch kind {
	case KindString:
		return raw, nil
	case KindUint:
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return nil, err
		}
		return v, nil
	case KindBool:
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, err
		}
		return v, nil
	default:
		return nil, fmt.Errorf("settings: unknown kind %d", kind)
	}
}
