// Package presence tracks which live connection is attached to which
// project, and under what name.
package presence

import (
	"sort"
	"sync"
)

type Entry struct {
	ConnID    string
	Name      string
	ProjectID string

	seq uint64
}

// Member is the wire-visible view of an entry.
type Member struct {
	ConnID string `json:"socketId"`
	Name   string `json:"username"`
}

type set map[string]struct{}

type Tracker struct {
	mu       sync.RWMutex
	entries  map[string]Entry
	projects map[string]set
	seq      uint64
}

func NewTracker() *Tracker {
	return &Tracker{
		entries:  make(map[string]Entry),
		projects: make(map[string]set),
	}
}

// Attach records connID as a member of projectID. Re-attaching an existing
// connection moves it.
func (t *Tracker) Attach(connID, projectID, name string) Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.entries[connID]; ok {
		t.removeLocked(old)
	}
	t.seq++
	e := Entry{ConnID: connID, Name: name, ProjectID: projectID, seq: t.seq}
	t.entries[connID] = e
	if _, ok := t.projects[projectID]; !ok {
		t.projects[projectID] = make(set)
	}
	t.projects[projectID][connID] = struct{}{}
	return e
}

// Detach removes connID and returns the entry it had, if any.
func (t *Tracker) Detach(connID string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[connID]
	if !ok {
		return Entry{}, false
	}
	t.removeLocked(e)
	return e, true
}

func (t *Tracker) removeLocked(e Entry) {
	delete(t.entries, e.ConnID)
	if members, ok := t.projects[e.ProjectID]; ok {
		delete(members, e.ConnID)
		if len(members) == 0 {
			delete(t.projects, e.ProjectID)
		}
	}
}

func (t *Tracker) Lookup(connID string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[connID]
	return e, ok
}

// Members returns a snapshot of projectID's members in attach order.
func (t *Tracker) Members(projectID string) []Member {
	t.mu.RLock()
	entries := make([]Entry, 0, len(t.projects[projectID]))
	for connID := range t.projects[projectID] {
		entries = append(entries, t.entries[connID])
	}
	t.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]Member, len(entries))
	for i, e := range entries {
		out[i] = Member{ConnID: e.ConnID, Name: e.Name}
	}
	return out
}

// ConnIDs returns the connections attached to projectID, unordered.
func (t *Tracker) ConnIDs(projectID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.projects[projectID]))
	for connID := range t.projects[projectID] {
		out = append(out, connID)
	}
	return out
}

func (t *Tracker) Count(projectID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.projects[projectID])
}

func (t *Tracker) Total() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
