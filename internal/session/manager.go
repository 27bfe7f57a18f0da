// Package session binds a browser session to a patron identity at a venue.
//
// A Context is the explicit identity every patron operation runs under. It is created by
// Manager.Join or Manager.Resume, tracks the patron on the venue presence channel and ends with
// Disconnect, which keeps the profile for a grace period, or Leave, which removes it.
package session

import (
	"barmatch/internal/presence"
	"barmatch/internal/realtime"
	"barmatch/internal/storage"
	"context"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"net/url"
	"strings"
	"sync"
	"time"
)

// MaxPhotoURLLength keeps a profile row inside a single change notification
const MaxPhotoURLLength = storage.MaxPhotoURLBytes

var (
	ErrNameRequired    = errors.New("name is required")
	ErrTableRequired   = errors.New("table is required")
	ErrNameTooLong     = fmt.Errorf("name must be at most %d bytes", storage.MaxNameBytes)
	ErrTableTooLong    = fmt.Errorf("table must be at most %d bytes", storage.MaxTableBytes)
	ErrVenueRequired   = errors.New("venue is required")
	ErrInvalidInterest = errors.New("interest must be one of all, men, women")
	ErrInvalidPhone    = errors.New("phone must have 8 to 15 digits")
	ErrInvalidPhoto    = fmt.Errorf("photo must be an http(s) URL of at most %d bytes", MaxPhotoURLLength)

	ErrVenueNotFound   = errors.New("venue not found")
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionEnded    = errors.New("session has ended")
)

// IsValidation reports whether err rejects the input itself
func IsValidation(err error) bool {
	for _, target := range []error{ErrNameRequired, ErrTableRequired, ErrNameTooLong, ErrTableTooLong, ErrVenueRequired, ErrInvalidInterest, ErrInvalidPhone, ErrInvalidPhoto} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Store is the profile side of storage.Repository
type Store interface {
	VenueByID(ctx context.Context, id string) (storage.Venue, error)
	UpsertProfile(ctx context.Context, p storage.Profile) (storage.Profile, error)
	ProfileByID(ctx context.Context, id string) (storage.Profile, error)
	ProfileByPhone(ctx context.Context, venueID, phone string) (storage.Profile, error)
	SetProfileOffline(ctx context.Context, id string, since *time.Time) error
	DeleteProfile(ctx context.Context, id string) error
}

// Presence is implemented by *realtime.Adapter
type Presence interface {
	SubscribePresence(ctx context.Context, channel string, h realtime.PresenceHandlers) (*realtime.PresenceChannel, error)
}

// JoinRequest is what a patron submits when entering a venue
type JoinRequest struct {
	VenueRef   string
	Name       string
	Phone      string
	PhotoURL   string
	Interest   storage.Interest
	TableLabel string
}

// Manager creates and resumes session contexts
type Manager struct {
	logger   *zap.SugaredLogger
	store    Store
	presence Presence
	bindings BindingStore
	now      func() time.Time
}

// NewManager returns Manager persisting bindings in bindings
func NewManager(logger *zap.SugaredLogger, store Store, presence Presence, bindings BindingStore) *Manager {
	return &Manager{
		logger:   logger,
		store:    store,
		presence: presence,
		bindings: bindings,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// validate returns the normalized profile of req
func (r JoinRequest) validate() (storage.Profile, error) {
	p := storage.Profile{
		Name:       strings.TrimSpace(r.Name),
		PhotoURL:   strings.TrimSpace(r.PhotoURL),
		Interest:   r.Interest,
		TableLabel: strings.TrimSpace(r.TableLabel),
	}
	if p.Name == "" {
		return storage.Profile{}, ErrNameRequired
	}
	if p.TableLabel == "" {
		return storage.Profile{}, ErrTableRequired
	}
	if storage.EncodedLen(p.Name) > storage.MaxNameBytes {
		return storage.Profile{}, ErrNameTooLong
	}
	if storage.EncodedLen(p.TableLabel) > storage.MaxTableBytes {
		return storage.Profile{}, ErrTableTooLong
	}
	if p.Interest == "" {
		p.Interest = storage.InterestAll
	}
	if !p.Interest.Valid() {
		return storage.Profile{}, ErrInvalidInterest
	}

	phone, err := NormalizePhone(r.Phone)
	if err != nil {
		return storage.Profile{}, err
	}
	p.Phone = phone

	if p.PhotoURL != "" {
		if storage.EncodedLen(p.PhotoURL) > MaxPhotoURLLength {
			return storage.Profile{}, ErrInvalidPhoto
		}
		u, err := url.Parse(p.PhotoURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return storage.Profile{}, ErrInvalidPhoto
		}
	}

	return p, nil
}

// Join validates req, resolves the patron identity and starts tracking presence. A patron joining
// again with the same phone at the same venue gets the existing identity back.
func (m *Manager) Join(ctx context.Context, req JoinRequest) (*Context, error) {
	venueID, err := ParseVenueRef(req.VenueRef)
	if err != nil {
		return nil, err
	}
	profile, err := req.validate()
	if err != nil {
		return nil, err
	}

	if _, err := m.store.VenueByID(ctx, venueID); err != nil {
		if errors.Is(err, storage.ErrVenueNotExist) {
			return nil, ErrVenueNotFound
		}
		return nil, fmt.Errorf("resolving venue: %w", err)
	}
	profile.VenueID = venueID

	profile.ID = uuid.NewString()
	if profile.Phone != "" {
		existing, err := m.store.ProfileByPhone(ctx, venueID, profile.Phone)
		switch {
		case err == nil:
			profile.ID = existing.ID
		case errors.Is(err, storage.ErrProfileNotExist):
		default:
			return nil, fmt.Errorf("looking up phone: %w", err)
		}
	}

	m.logger.Debugf("Joining profile (id: %s) to venue (id: %s) at table %q", profile.ID, venueID, profile.TableLabel)

	// a concurrent join with the same phone is merged by the store and its identity returned
	profile, err = m.store.UpsertProfile(ctx, profile)
	if err != nil {
		if errors.Is(err, storage.ErrVenueNotExist) {
			return nil, ErrVenueNotFound
		}
		return nil, fmt.Errorf("saving profile: %w", err)
	}

	b := Binding{
		Token:      uuid.NewString(),
		VenueID:    venueID,
		TableLabel: profile.TableLabel,
		ProfileID:  profile.ID,
		CreatedAt:  m.now(),
	}
	if err := m.bindings.Save(ctx, b); err != nil {
		return nil, fmt.Errorf("saving binding: %w", err)
	}

	return m.attach(ctx, b, profile)
}

// Resume restores the session of token. The profile is marked online again.
func (m *Manager) Resume(ctx context.Context, token string) (*Context, error) {
	b, err := m.bindings.Get(ctx, token)
	if err != nil {
		if errors.Is(err, ErrBindingNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}

	profile, err := m.store.ProfileByID(ctx, b.ProfileID)
	if err != nil {
		if errors.Is(err, storage.ErrProfileNotExist) {
			// reaped after the grace period
			_ = m.bindings.Delete(ctx, token)
			return nil, ErrSessionNotFound
		}
		return nil, err
	}

	if profile.OfflineSince != nil {
		if err := m.store.SetProfileOffline(ctx, profile.ID, nil); err != nil {
			return nil, fmt.Errorf("clearing offline mark: %w", err)
		}
		profile.OfflineSince = nil
	}
	if err := m.bindings.Save(ctx, b); err != nil {
		return nil, fmt.Errorf("refreshing binding: %w", err)
	}

	return m.attach(ctx, b, profile)
}

// Binding returns the binding of token without touching presence
func (m *Manager) Binding(ctx context.Context, token string) (Binding, error) {
	b, err := m.bindings.Get(ctx, token)
	if errors.Is(err, ErrBindingNotFound) {
		return Binding{}, ErrSessionNotFound
	}
	return b, err
}

// Leave ends the visit of token without resuming it first
func (m *Manager) Leave(ctx context.Context, token string) error {
	b, err := m.bindings.Get(ctx, token)
	if err != nil {
		if errors.Is(err, ErrBindingNotFound) {
			return ErrSessionNotFound
		}
		return err
	}

	channel, err := m.presence.SubscribePresence(ctx, presence.Channel(b.VenueID), realtime.PresenceHandlers{})
	if err != nil {
		return fmt.Errorf("joining presence channel: %w", err)
	}
	c := &Context{
		m:       m,
		binding: b,
		profile: storage.Profile{ID: b.ProfileID, VenueID: b.VenueID, TableLabel: b.TableLabel},
		channel: channel,
	}
	return c.Leave(ctx)
}

func (m *Manager) attach(ctx context.Context, b Binding, profile storage.Profile) (*Context, error) {
	channel, err := m.presence.SubscribePresence(ctx, presence.Channel(b.VenueID), realtime.PresenceHandlers{})
	if err != nil {
		return nil, fmt.Errorf("joining presence channel: %w", err)
	}

	c := &Context{
		m:       m,
		binding: b,
		profile: profile,
		channel: channel,
	}
	if err := c.track(ctx, true); err != nil {
		_ = channel.Close()
		return nil, fmt.Errorf("tracking presence: %w", err)
	}

	m.logger.Infof("Profile (id: %s) is online at venue (id: %s)", profile.ID, b.VenueID)
	return c, nil
}

// Context is the identity of one patron session
type Context struct {
	m       *Manager
	binding Binding
	profile storage.Profile
	channel *realtime.PresenceChannel

	mu    sync.Mutex
	ended bool
}

func (c *Context) Token() string      { return c.binding.Token }
func (c *Context) VenueID() string    { return c.binding.VenueID }
func (c *Context) ProfileID() string  { return c.binding.ProfileID }
func (c *Context) TableLabel() string { return c.binding.TableLabel }

// Profile returns the profile as of the join
func (c *Context) Profile() storage.Profile {
	return c.profile
}

func (c *Context) track(ctx context.Context, online bool) error {
	return c.channel.Track(ctx, presence.Payload{
		UserID: c.binding.ProfileID,
		Online: online,
		Table:  c.binding.TableLabel,
		At:     c.m.now(),
	}.Encode())
}

// end reports whether the context was still active
func (c *Context) end() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return false
	}
	c.ended = true
	return true
}

// Ended reports whether Disconnect or Leave was called
func (c *Context) Ended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}

// Disconnect announces the patron offline and marks the profile offline. The binding survives so
// the session can be resumed before the reaper removes the profile.
func (c *Context) Disconnect(ctx context.Context) error {
	if !c.end() {
		return nil
	}
	m := c.m

	if err := c.track(ctx, false); err != nil {
		m.logger.Warnf("Announcing profile (id: %s) offline: %v", c.ProfileID(), err)
	}
	now := m.now()
	err := m.store.SetProfileOffline(ctx, c.ProfileID(), &now)
	_ = c.channel.Close()

	if err != nil && !errors.Is(err, storage.ErrProfileNotExist) {
		return fmt.Errorf("marking profile offline: %w", err)
	}

	m.logger.Infof("Profile (id: %s) disconnected from venue (id: %s)", c.ProfileID(), c.VenueID())
	return nil
}

// Leave ends the visit: others see the patron offline before the profile row disappears, and the
// binding is cleared last.
func (c *Context) Leave(ctx context.Context) error {
	if !c.end() {
		return ErrSessionEnded
	}
	m := c.m

	if err := c.track(ctx, false); err != nil {
		m.logger.Warnf("Announcing profile (id: %s) offline: %v", c.ProfileID(), err)
	}
	if err := m.store.DeleteProfile(ctx, c.ProfileID()); err != nil {
		_ = c.channel.Close()
		return fmt.Errorf("deleting profile: %w", err)
	}
	_ = c.channel.Close()

	if err := m.bindings.Delete(ctx, c.Token()); err != nil {
		return fmt.Errorf("clearing binding: %w", err)
	}

	m.logger.Infof("Profile (id: %s) left venue (id: %s)", c.ProfileID(), c.VenueID())
	return nil
}

// Release ends the context without changing the profile. It hands the patron over to a newer
// context of the same token, which already tracks the patron online.
func (c *Context) Release() {
	if !c.end() {
		return
	}
	_ = c.channel.Close()
	c.m.logger.Debugf("Released session context of profile (id: %s)", c.ProfileID())
}
