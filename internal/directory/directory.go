// Package directory keeps the per-venue list of patron profiles and their online flags.
//
// Every mutation is idempotent: applying the same remote row twice leaves the directory as the
// first application did. Mutations report whether they changed anything.
package directory

import (
	"barmatch/internal/storage"
	"context"
	"sort"
	"strings"
	"sync"
)

// DeletePolicy decides what a deleted profile row does to the directory
type DeletePolicy int

const (
	// RemoveOnDelete drops the profile, deletes are permanent departures
	RemoveOnDelete DeletePolicy = iota
	// OfflineOnDelete keeps the profile and marks it offline
	OfflineOnDelete
)

// Profile is a directory entry
type Profile struct {
	storage.Profile
	Online bool `json:"online"`
}

// Loader reads the authoritative profile list of a venue
type Loader interface {
	ProfilesByVenue(ctx context.Context, venueID string) ([]storage.Profile, error)
}

// Directory is safe for concurrent use
type Directory struct {
	venueID string
	policy  DeletePolicy

	mu       sync.RWMutex
	profiles map[string]*Profile

	// loads in flight and the ids remote events touched since the oldest of them began
	loads   int
	touched map[string]touch
}

type touch int

const (
	touchUpsert touch = iota + 1
	touchDelete
)

// New returns an empty directory of venueID
func New(venueID string, policy DeletePolicy) *Directory {
	return &Directory{
		venueID:  venueID,
		policy:   policy,
		profiles: make(map[string]*Profile),
	}
}

// VenueID returns the venue the directory belongs to
func (d *Directory) VenueID() string {
	return d.venueID
}

// LoadAll merges the venue's stored profiles into the directory. Profiles already known keep their
// online flag, new ones start online. A stored offline_since marks the profile offline. Rows that
// remote events inserted, updated or deleted while the load ran keep the event's outcome, and known
// profiles missing from the store are dropped.
func (d *Directory) LoadAll(ctx context.Context, loader Loader) ([]Profile, error) {
	d.mu.Lock()
	d.loads++
	if d.touched == nil {
		d.touched = make(map[string]touch)
	}
	d.mu.Unlock()

	stored, err := loader.ProfilesByVenue(ctx, d.venueID)

	d.mu.Lock()
	d.loads--
	touched := d.touched
	if d.loads == 0 {
		d.touched = nil
	}
	if err != nil {
		d.mu.Unlock()
		return nil, err
	}

	next := make(map[string]*Profile, len(stored))
	for _, p := range stored {
		if p.VenueID != d.venueID {
			continue
		}
		known, isKnown := d.profiles[p.ID]
		switch touched[p.ID] {
		case touchUpsert:
			if isKnown {
				next[p.ID] = known
				continue
			}
		case touchDelete:
			if d.policy == OfflineOnDelete && !isKnown {
				next[p.ID] = &Profile{Profile: p, Online: false}
			}
			continue
		}

		online := true
		if isKnown {
			online = known.Online
		}
		if p.OfflineSince != nil {
			online = false
		}
		next[p.ID] = &Profile{Profile: p, Online: online}
	}
	for id, known := range d.profiles {
		if _, ok := next[id]; ok {
			continue
		}
		if _, ok := touched[id]; ok {
			next[id] = known
		}
	}
	d.profiles = next
	d.mu.Unlock()

	return d.Snapshot(), nil
}

// touchLocked records an event outcome for loads in flight
func (d *Directory) touchLocked(id string, t touch) {
	if d.loads > 0 {
		d.touched[id] = t
	}
}

// UpsertFromRemote merges an inserted or updated row. A row of an unknown id is added online unless
// it duplicates an existing patron by phone, or by name and table. A known id gets its fields
// overwritten and its online flag set from offline_since.
func (d *Directory) UpsertFromRemote(p storage.Profile) bool {
	if p.VenueID != d.venueID || p.ID == "" {
		return false
	}
	online := p.OfflineSince == nil

	d.mu.Lock()
	defer d.mu.Unlock()

	if known, ok := d.profiles[p.ID]; ok {
		if sameFields(known.Profile, p) && known.Online == online {
			return false
		}
		d.touchLocked(p.ID, touchUpsert)
		known.Profile = p
		known.Online = online
		return true
	}

	if d.duplicateLocked(p) != nil {
		return false
	}

	d.touchLocked(p.ID, touchUpsert)
	d.profiles[p.ID] = &Profile{Profile: p, Online: online}
	return true
}

// duplicateLocked finds another entry that is the same patron as p
func (d *Directory) duplicateLocked(p storage.Profile) *Profile {
	for id, other := range d.profiles {
		if id == p.ID {
			continue
		}
		if p.Phone != "" && other.Phone == p.Phone {
			return other
		}
		if p.Phone != "" && other.Phone != "" {
			continue
		}
		// rows created by two racing joins of the same patron before the phone check resolved
		if normalize(other.Name) == normalize(p.Name) && normalize(other.TableLabel) == normalize(p.TableLabel) {
			return other
		}
	}
	return nil
}

// RemoveOrMarkOffline applies a deleted row according to the delete policy
func (d *Directory) RemoveOrMarkOffline(p storage.Profile) bool {
	if p.VenueID != "" && p.VenueID != d.venueID {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.touchLocked(p.ID, touchDelete)
	known, ok := d.profiles[p.ID]
	if !ok {
		return false
	}

	if d.policy == OfflineOnDelete {
		if !known.Online {
			return false
		}
		known.Online = false
		return true
	}

	delete(d.profiles, p.ID)
	return true
}

// ApplyPresence sets the online flag of a known profile
func (d *Directory) ApplyPresence(id string, online bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	known, ok := d.profiles[id]
	if !ok || known.Online == online {
		return false
	}
	known.Online = online
	return true
}

// Get returns a copy of the entry with id
func (d *Directory) Get(id string) (Profile, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p, ok := d.profiles[id]
	if !ok {
		return Profile{}, false
	}
	return *p, true
}

// IDs returns ids of all entries
func (d *Directory) IDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ids := make([]string, 0, len(d.profiles))
	for id := range d.profiles {
		ids = append(ids, id)
	}
	return ids
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.profiles)
}

// Snapshot returns copies of all entries ordered by creation time, then id
func (d *Directory) Snapshot() []Profile {
	d.mu.RLock()
	res := make([]Profile, 0, len(d.profiles))
	for _, p := range d.profiles {
		res = append(res, *p)
	}
	d.mu.RUnlock()

	sort.Slice(res, func(i, j int) bool {
		if !res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].CreatedAt.Before(res[j].CreatedAt)
		}
		return res[i].ID < res[j].ID
	})
	return res
}

func sameFields(a, b storage.Profile) bool {
	if (a.OfflineSince == nil) != (b.OfflineSince == nil) {
		return false
	}
	if a.OfflineSince != nil && !a.OfflineSince.Equal(*b.OfflineSince) {
		return false
	}
	return a.ID == b.ID &&
		a.VenueID == b.VenueID &&
		a.Name == b.Name &&
		a.Phone == b.Phone &&
		a.PhotoURL == b.PhotoURL &&
		a.Interest == b.Interest &&
		a.TableLabel == b.TableLabel &&
		a.CreatedAt.Equal(b.CreatedAt)
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
