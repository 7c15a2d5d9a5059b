package panda_arm

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrDeviceInUse is returned when a second owner tries to drive a robot that
// already has a control session.
var ErrDeviceInUse = errors.New("device already has a control session")

type sessionEntry struct {
	owner    string
	since    time.Time
	refCount int64
}

// SessionStatus describes who holds a device.
type SessionStatus struct {
	Key      string    `json:"key"`
	Owner    string    `json:"owner"`
	Since    time.Time `json:"since"`
	RefCount int64     `json:"ref_count"`
}

// SessionRegistry makes sure a physical robot is driven by at most one control
// session. Keys identify the device, owners the resource driving it.
type SessionRegistry struct {
	mu      sync.Mutex
	entries map[string]*sessionEntry
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{entries: make(map[string]*sessionEntry)}
}

var sessions = NewSessionRegistry()

// Acquire claims key for owner. The same owner may acquire again, which only
// bumps the reference count; any other owner gets ErrDeviceInUse.
func (r *SessionRegistry) Acquire(key, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.entries[key]
	if !exists {
		r.entries[key] = &sessionEntry{owner: owner, since: time.Now(), refCount: 1}
		return nil
	}
	if entry.owner != owner {
		return errors.Wrapf(ErrDeviceInUse, "conflict: %s is held by %s (refCount: %d)", key, entry.owner, entry.refCount)
	}
	entry.refCount++
	return nil
}

// Release drops one reference held by owner. The slot is freed with the last one.
// Releasing a key held by someone else is a no-op.
func (r *SessionRegistry) Release(key, owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.entries[key]
	if !exists || entry.owner != owner {
		return
	}
	entry.refCount--
	if entry.refCount <= 0 {
		delete(r.entries, key)
	}
}

// ForceRelease frees key regardless of owner and reference count.
func (r *SessionRegistry) ForceRelease(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.entries[key]
	delete(r.entries, key)
	return exists
}

// Status reports the holder of key.
func (r *SessionRegistry) Status(key string) (SessionStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.entries[key]
	if !exists {
		return SessionStatus{Key: key}, false
	}
	return SessionStatus{
		Key:      key,
		Owner:    entry.owner,
		Since:    entry.since,
		RefCount: entry.refCount,
	}, true
}

// Held lists every held key in sorted order.
func (r *SessionRegistry) Held() []SessionStatus {
	r.mu.Lock()
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	r.mu.Unlock()

	sort.Strings(keys)
	out := make([]SessionStatus, 0, len(keys))
	for _, k := range keys {
		if st, ok := r.Status(k); ok {
			out = append(out, st)
		}
	}
	return out
}

// deviceKey names the physical robot a config drives. Every sim arm is its own
// robot.
func deviceKey(cfg *Config, owner string) string {
	if cfg.Driver == SimDriverName {
		return SimDriverName + "/" + owner
	}
	return cfg.Driver + "/" + cfg.Host
}
