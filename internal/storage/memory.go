package storage

import (
	"barmatch/internal/realtime"
	"context"
	"github.com/google/uuid"
	"sort"
	"sync"
	"time"
)

// RowPublisher receives row changes committed by MemoryStore. *realtime.Hub implements it.
type RowPublisher interface {
	PublishRow(c realtime.RowChange)
}

// MemoryStore keeps all entities in-process and publishes profile and message changes the way the
// postgres triggers do. Changes are published while holding the store lock, so subscribers see
// them in commit order.
type MemoryStore struct {
	mu        sync.Mutex
	publisher RowPublisher
	now       func() time.Time

	venues     map[string]Venue
	venueOrder []string
	menu       map[string][]MenuItem
	profiles   map[string]Profile
	messages   []Message
	nextMenuID int64
	nextMsgID  int64
}

var _ Repository = (*MemoryStore)(nil)

// NewMemoryStore initializes an empty store. publisher may be nil.
func NewMemoryStore(publisher RowPublisher) *MemoryStore {
	return &MemoryStore{
		publisher: publisher,
		now:       func() time.Time { return time.Now().UTC() },
		venues:    make(map[string]Venue),
		menu:      make(map[string][]MenuItem),
		profiles:  make(map[string]Profile),
	}
}

func (m *MemoryStore) publishLocked(typ realtime.EventType, table string, newRow, oldRow interface{}) {
	if m.publisher == nil {
		return
	}
	c := realtime.RowChange{Type: typ, Table: table}
	if newRow != nil {
		c.New = encodeRow(newRow)
	}
	if oldRow != nil {
		c.Old = encodeRow(oldRow)
	}
	m.publisher.PublishRow(c)
}

// Close is a no-op
func (m *MemoryStore) Close() {}

func (m *MemoryStore) CreateVenue(_ context.Context, v Venue) (Venue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v.ID = uuid.NewString()
	if v.QRPayload == "" {
		v.QRPayload = v.ID
	}
	v.CreatedAt = m.now()
	m.venues[v.ID] = v
	m.venueOrder = append(m.venueOrder, v.ID)
	return v, nil
}

func (m *MemoryStore) VenueByID(_ context.Context, id string) (Venue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.venues[id]
	if !ok {
		return Venue{}, ErrVenueNotExist
	}
	return v, nil
}

func (m *MemoryStore) Venues(_ context.Context) ([]Venue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res := make([]Venue, 0, len(m.venueOrder))
	for _, id := range m.venueOrder {
		res = append(res, m.venues[id])
	}
	return res, nil
}

func (m *MemoryStore) AddMenuItems(_ context.Context, venueID string, items []MenuItem) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.venues[venueID]; !ok {
		return 0, ErrVenueNotExist
	}
	for _, item := range items {
		m.nextMenuID++
		item.ID = m.nextMenuID
		item.VenueID = venueID
		item.CreatedAt = m.now()
		m.menu[venueID] = append(m.menu[venueID], item)
	}
	return int64(len(items)), nil
}

func (m *MemoryStore) MenuByVenue(_ context.Context, venueID string) ([]MenuItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.venues[venueID]; !ok {
		return nil, ErrVenueNotExist
	}
	items := append([]MenuItem(nil), m.menu[venueID]...)
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Category != items[j].Category {
			return items[i].Category < items[j].Category
		}
		return items[i].Name < items[j].Name
	})
	return items, nil
}

// UpsertProfile mirrors Store.UpsertProfile, including the merge on (venue, phone)
func (m *MemoryStore) UpsertProfile(_ context.Context, p Profile) (Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.venues[p.VenueID]; !ok {
		return Profile{}, ErrVenueNotExist
	}

	var existing *Profile
	if p.Phone != "" {
		for _, other := range m.profiles {
			if other.VenueID == p.VenueID && other.Phone == p.Phone {
				o := other
				existing = &o
				break
			}
		}
	}
	if existing == nil {
		if other, ok := m.profiles[p.ID]; ok {
			if other.VenueID != p.VenueID {
				return Profile{}, ErrProfileExists
			}
			existing = &other
		}
	}

	if existing == nil {
		p.OfflineSince = nil
		p.CreatedAt = m.now()
		m.profiles[p.ID] = p
		m.publishLocked(realtime.Insert, TableProfiles, p, nil)
		return p, nil
	}

	old := *existing
	updated := old
	updated.Name = p.Name
	updated.PhotoURL = p.PhotoURL
	updated.Interest = p.Interest
	updated.TableLabel = p.TableLabel
	updated.OfflineSince = nil
	if updated.ID == p.ID {
		updated.Phone = p.Phone
	}
	m.profiles[updated.ID] = updated
	m.publishLocked(realtime.Update, TableProfiles, updated, old)
	return updated, nil
}

func (m *MemoryStore) ProfileByID(_ context.Context, id string) (Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.profiles[id]
	if !ok {
		return Profile{}, ErrProfileNotExist
	}
	return p, nil
}

func (m *MemoryStore) ProfileByPhone(_ context.Context, venueID, phone string) (Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if phone == "" {
		return Profile{}, ErrProfileNotExist
	}
	for _, p := range m.profiles {
		if p.VenueID == venueID && p.Phone == phone {
			return p, nil
		}
	}
	return Profile{}, ErrProfileNotExist
}

func (m *MemoryStore) ProfilesByVenue(_ context.Context, venueID string) ([]Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.venues[venueID]; !ok {
		return nil, ErrVenueNotExist
	}
	var res []Profile
	for _, p := range m.profiles {
		if p.VenueID == venueID {
			res = append(res, p)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if !res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].CreatedAt.Before(res[j].CreatedAt)
		}
		return res[i].ID < res[j].ID
	})
	return res, nil
}

func (m *MemoryStore) SetProfileOffline(_ context.Context, id string, since *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.profiles[id]
	if !ok {
		return ErrProfileNotExist
	}
	updated := old
	if since != nil {
		t := since.UTC()
		updated.OfflineSince = &t
	} else {
		updated.OfflineSince = nil
	}
	m.profiles[id] = updated
	m.publishLocked(realtime.Update, TableProfiles, updated, old)
	return nil
}

func (m *MemoryStore) DeleteProfile(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.profiles[id]
	if !ok {
		return nil
	}
	delete(m.profiles, id)
	m.publishLocked(realtime.Delete, TableProfiles, nil, old)
	return nil
}

func (m *MemoryStore) DeleteProfilesOfflineBefore(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, p := range m.profiles {
		if p.OfflineSince != nil && p.OfflineSince.Before(before) {
			delete(m.profiles, id)
			m.publishLocked(realtime.Delete, TableProfiles, nil, p)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CreateMessage(_ context.Context, msg Message) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.venues[msg.VenueID]; !ok {
		return Message{}, ErrVenueNotExist
	}
	m.nextMsgID++
	msg.ID = m.nextMsgID
	msg.Likes = 0
	msg.CreatedAt = m.now()
	m.messages = append(m.messages, msg)
	m.publishLocked(realtime.Insert, TableMessages, msg, nil)
	return msg, nil
}

func (m *MemoryStore) MessageByID(_ context.Context, id int64) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, msg := range m.messages {
		if msg.ID == id {
			return msg, nil
		}
	}
	return Message{}, ErrMessageNotExist
}

func (m *MemoryStore) LikeMessage(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, msg := range m.messages {
		if msg.ID != id {
			continue
		}
		if msg.Likes >= 1 {
			return ErrAlreadyLiked
		}
		old := msg
		m.messages[i].Likes = 1
		m.publishLocked(realtime.Update, TableMessages, m.messages[i], old)
		return nil
	}
	return ErrMessageNotExist
}

func (m *MemoryStore) MessagesBetween(_ context.Context, venueID, a, b string) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res []Message
	for _, msg := range m.messages {
		if msg.VenueID != venueID {
			continue
		}
		if (msg.SenderID == a && msg.ReceiverID == b) || (msg.SenderID == b && msg.ReceiverID == a) {
			res = append(res, msg)
		}
	}
	return res, nil
}
