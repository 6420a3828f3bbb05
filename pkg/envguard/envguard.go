// Package envguard snapshots and restores process-wide environment
// variables the scheduler flips for the duration of a run (currently
// only ENABLE_GRAPH_OBJECT_SCHEMA_VALIDATION), so concurrent or repeated
// runs in the same process never leak state into one another.
package envguard

import "os"

// Snapshot is a captured value of one env var, restorable with
// Restore.
type Snapshot struct {
	key    string
	value  string
	wasSet bool
}

// Capture records the current value of key and sets it to value. An
// empty value unsets the key instead, matching the env vars' "unset
// or empty means disabled" convention.
func Capture(key, value string) Snapshot {
	prev, ok := os.LookupEnv(key)
	snap := Snapshot{key: key, value: prev, wasSet: ok}
	if value == "" {
		os.Unsetenv(key)
	} else {
		os.Setenv(key, value)
	}
	return snap
}

// Restore puts the env var back exactly as Capture found it.
func (s Snapshot) Restore() {
	if s.wasSet {
		os.Setenv(s.key, s.value)
	} else {
		os.Unsetenv(s.key)
	}
}

// Group captures several env vars together and restores them as a
// unit, in reverse capture order.
type Group struct {
	snaps []Snapshot
}

// NewGroup captures the given key/value pairs and returns a Group
// that restores all of them on Restore.
func NewGroup(kv map[string]string) *Group {
	g := &Group{}
	for k, v := range kv {
		g.snaps = append(g.snaps, Capture(k, v))
	}
	return g
}

// Restore restores every env var captured by NewGroup.
func (g *Group) Restore() {
	for i := len(g.snaps) - 1; i >= 0; i-- {
		g.snaps[i].Restore()
	}
}
